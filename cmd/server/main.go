package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rl1809/supply-ledger/internal/adapter/handler"
	"github.com/rl1809/supply-ledger/internal/adapter/storage"
	"github.com/rl1809/supply-ledger/internal/config"
	"github.com/rl1809/supply-ledger/internal/core/domain"
	"github.com/rl1809/supply-ledger/internal/core/service"
	"github.com/rl1809/supply-ledger/internal/obs"
	"github.com/rl1809/supply-ledger/internal/port"
)

func main() {
	cfg := config.Load()

	logger, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store
	var (
		store port.DatabaseRepository
		db    *sql.DB
	)
	switch cfg.StoreDriver {
	case config.StoreMemory:
		store = storage.NewMemoryStore(cfg.LockWaitTimeout)
		logger.Warn("using in-memory store, data is lost on restart")
	default:
		db, err = sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			logger.Fatal("failed to open mysql", zap.Error(err))
		}
		db.SetMaxOpenConns(cfg.MySQLMaxOpenConns)
		db.SetMaxIdleConns(cfg.MySQLMaxIdleConns)
		db.SetConnMaxLifetime(cfg.MySQLConnLifetime)

		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("failed to ping mysql", zap.Error(err))
		}
		logger.Info("connected to mysql")

		mysqlAdapter := storage.NewMySQLAdapter(db,
			storage.WithMaxRetries(cfg.TxMaxRetries),
			storage.WithLogger(logger))
		if cfg.Migrate {
			if err := mysqlAdapter.Migrate(ctx); err != nil {
				logger.Fatal("failed to migrate schema", zap.Error(err))
			}
			logger.Info("schema migrated")
		}
		store = mysqlAdapter
	}

	events := service.NewEventQueue(cfg.EventQueueSize, logger)
	opts := []service.Option{service.WithLogger(logger), service.WithEvents(events)}

	// Redis
	var (
		rdb *redis.Client
		wg  sync.WaitGroup
	)
	if cfg.RedisEnabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			PoolSize: 100,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect redis", zap.Error(err))
		}
		logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))

		redisAdapter := storage.NewRedisAdapter(rdb, cfg.IdempotencyTTL)
		opts = append(opts,
			service.WithIdempotency(redisAdapter),
			service.WithRequestLocker(storage.NewRedisLocker(rdb), cfg.RequestLockTTL, cfg.LockWaitTimeout))

		for i := 0; i < cfg.EventWorkers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				publishLoop(id, events.Events(), redisAdapter, logger)
			}(i)
		}
		logger.Info("started event publishers", zap.Int("workers", cfg.EventWorkers))
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range events.Events() {
				logger.Debug("event", zap.String("type", string(ev.Type)), zap.String("request_id", ev.RequestID))
			}
		}()
	}

	// Services
	inventoryService := service.NewInventoryService(store, opts...)
	fulfillmentService := service.NewFulfillmentService(store, inventoryService, opts...)
	queryService := service.NewQueryService(store)
	catalogService := service.NewCatalogService(store, opts...)

	// gRPC server
	grpcServer := grpc.NewServer()
	handler.RegisterSupplyServiceServer(grpcServer, handler.NewGRPCHandler(inventoryService, fulfillmentService, queryService))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
	}

	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	// HTTP server
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	httpHandler := handler.NewHTTPHandler(inventoryService, fulfillmentService, queryService, catalogService, logger)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpHandler.Router(),
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", zap.Error(err))
	}
	logger.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	logger.Info("gRPC server stopped")

	// Drain pending events before closing connections
	events.Close()
	wg.Wait()
	logger.Info("event publishers stopped")

	if rdb != nil {
		rdb.Close()
	}
	if db != nil {
		db.Close()
	}
	logger.Info("connections closed")
}

func publishLoop(id int, queue <-chan domain.Event, publisher port.EventPublisher, logger *zap.Logger) {
	for ev := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

		if err := publisher.Publish(ctx, ev); err != nil {
			logger.Warn("publish event failed",
				zap.Int("worker", id),
				zap.String("type", string(ev.Type)),
				zap.String("request_id", ev.RequestID),
				zap.String("item_id", ev.ItemID),
				zap.Error(err))
		} else {
			logger.Debug("published event", zap.Int("worker", id), zap.String("type", string(ev.Type)))
		}

		cancel()
	}
}
