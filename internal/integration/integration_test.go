package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/supply-ledger/internal/adapter/storage"
	"github.com/rl1809/supply-ledger/internal/core/domain"
	"github.com/rl1809/supply-ledger/internal/core/service"
	"github.com/rl1809/supply-ledger/internal/port"
)

type testEnv struct {
	redis       *redis.Client
	mysql       *sql.DB
	cache       *storage.RedisAdapter
	db          *storage.MySQLAdapter
	events      *service.EventQueue
	inventory   *service.InventoryService
	fulfillment *service.FulfillmentService
	queries     *service.QueryService
	catalog     *service.CatalogService
	cleanup     func()
}

var (
	officer = domain.Actor{UserID: "it-officer", Role: domain.RoleOfficer, Origin: "central"}
	nurse   = domain.Actor{UserID: "it-nurse", Role: domain.RoleNurse, Origin: "it-school"}
)

func setupTestEnv(t *testing.T) *testEnv {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		mysqlDSN = "root:root@tcp(localhost:3306)/supplies?parseTime=true"
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	db, err := sql.Open("mysql", mysqlDSN)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	mysqlAdapter := storage.NewMySQLAdapter(db, storage.WithMaxRetries(5))
	if err := mysqlAdapter.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cache := storage.NewRedisAdapter(rdb, time.Minute)
	events := service.NewEventQueue(256, nil)
	opts := []service.Option{
		service.WithEvents(events),
		service.WithIdempotency(cache),
		service.WithRequestLocker(storage.NewRedisLocker(rdb), 5*time.Second, 5*time.Second),
	}
	inventory := service.NewInventoryService(mysqlAdapter, opts...)

	return &testEnv{
		redis:       rdb,
		mysql:       db,
		cache:       cache,
		db:          mysqlAdapter,
		events:      events,
		inventory:   inventory,
		fulfillment: service.NewFulfillmentService(mysqlAdapter, inventory, opts...),
		queries:     service.NewQueryService(mysqlAdapter),
		catalog:     service.NewCatalogService(mysqlAdapter, opts...),
		cleanup: func() {
			events.Close()
			rdb.Close()
			db.Close()
		},
	}
}

func (env *testEnv) newItem(t *testing.T, qty int) string {
	t.Helper()
	ctx := context.Background()
	itemID := "it-" + uuid.NewString()[:8]
	if _, err := env.catalog.RegisterItem(ctx, officer, domain.Item{
		ID: itemID, Name: "Integration " + itemID, Category: domain.CategoryConsumables, Unit: "box",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if qty > 0 {
		if _, err := env.inventory.ReceiveStock(ctx, officer, itemID, qty); err != nil {
			t.Fatalf("receive: %v", err)
		}
	}
	return itemID
}

func TestIntegration_FullFulfillmentFlow(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	initialStock := 10
	itemID := env.newItem(t, initialStock)

	// Every request fits at submission; receipt decides.
	totalRequests := 20
	ids := make([]string, totalRequests)
	for i := range ids {
		by := domain.Actor{UserID: fmt.Sprintf("it-nurse-%d", i), Role: domain.RoleNurse, Origin: "it-school"}
		id, err := env.fulfillment.SubmitRequest(ctx, by, service.SubmitInput{
			Lines: []service.LineInput{{ItemID: itemID, Quantity: 1}},
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if err := env.fulfillment.ApproveRequest(ctx, officer, id, nil); err != nil {
			t.Fatalf("approve: %v", err)
		}
		ids[i] = id
	}

	var successCount atomic.Int32
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := env.fulfillment.MarkReceived(ctx, officer, id)
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	if successCount.Load() != int32(initialStock) {
		t.Errorf("expected %d receipts, got %d", initialStock, successCount.Load())
	}

	qty, err := env.inventory.CurrentQuantity(ctx, itemID)
	if err != nil {
		t.Fatalf("current quantity: %v", err)
	}
	if qty != 0 {
		t.Errorf("expected stock 0, got %d", qty)
	}

	var issued int
	env.mysql.QueryRowContext(ctx,
		`SELECT COALESCE(-SUM(delta), 0) FROM stock_movements WHERE item_id = ? AND kind = 'ISSUE'`, itemID).Scan(&issued)
	if issued != initialStock {
		t.Errorf("expected %d units issued in the audit trail, got %d", initialStock, issued)
	}

	received, err := env.queries.RequestsByStatus(ctx, officer, domain.StatusApprovedReceived)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	n := 0
	for _, r := range received {
		for _, id := range ids {
			if r.ID == id {
				n++
			}
		}
	}
	if n != initialStock {
		t.Errorf("expected %d received requests, got %d", initialStock, n)
	}
}

func TestIntegration_IdempotencyPreventsDoubleSubmit(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	itemID := env.newItem(t, 10)
	key := "same-key-" + uuid.NewString()
	defer env.redis.Del(ctx, "idempotency:submit:"+nurse.UserID+":"+key)

	in := service.SubmitInput{Lines: []service.LineInput{{ItemID: itemID, Quantity: 1}}, IdempotencyKey: key}
	first, err := env.fulfillment.SubmitRequest(ctx, nurse, in)
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	second, err := env.fulfillment.SubmitRequest(ctx, nurse, in)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if first != second {
		t.Errorf("expected replay to return %s, got %s", first, second)
	}

	var count int
	env.mysql.QueryRowContext(ctx, `SELECT COUNT(*) FROM request_lines WHERE item_id = ?`, itemID).Scan(&count)
	if count != 1 {
		t.Errorf("expected 1 stored line, got %d", count)
	}
}

func TestIntegration_EventsPublished(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	sub := env.redis.Subscribe(ctx, storage.EventsChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		publishAll(env.events.Events(), env.cache)
	}()

	itemID := env.newItem(t, 3)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-sub.Channel():
			var ev domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if ev.Type == domain.EventStockReceived && ev.ItemID == itemID {
				if ev.Quantity != 3 {
					t.Errorf("expected quantity 3, got %d", ev.Quantity)
				}
				env.events.Close()
				<-done
				return
			}
		case <-deadline:
			t.Fatal("stock.received event not published")
		}
	}
}

func publishAll(queue <-chan domain.Event, publisher port.EventPublisher) {
	for ev := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = publisher.Publish(ctx, ev)
		cancel()
	}
}
