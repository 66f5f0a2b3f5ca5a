// Package config loads runtime settings from the environment, with an optional .env file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreMySQL  = "mysql"
	StoreMemory = "memory"
)

type Config struct {
	HTTPAddr        string
	GRPCAddr        string
	ShutdownTimeout time.Duration
	LogLevel        string

	StoreDriver       string
	MySQLDSN          string
	MySQLMaxOpenConns int
	MySQLMaxIdleConns int
	MySQLConnLifetime time.Duration
	Migrate           bool
	TxMaxRetries      int
	LockWaitTimeout   time.Duration

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RequestLockTTL time.Duration
	IdempotencyTTL time.Duration

	EventQueueSize int
	EventWorkers   int
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func atoienv(key string, def int) int {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func boolenv(key string, def bool) bool {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func durenvms(key string, defMs int) time.Duration {
	return time.Duration(atoienv(key, defMs)) * time.Millisecond
}

func durenvs(key string, defSec int) time.Duration {
	return time.Duration(atoienv(key, defSec)) * time.Second
}

// Load reads .env when present, then the environment, applying defaults.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:        getenv("HTTP_ADDR", ":8080"),
		GRPCAddr:        getenv("GRPC_ADDR", ":50051"),
		ShutdownTimeout: durenvs("SHUTDOWN_TIMEOUT_SEC", 5),
		LogLevel:        getenv("LOG_LEVEL", "info"),

		StoreDriver:       strings.ToLower(getenv("STORE_DRIVER", StoreMySQL)),
		MySQLDSN:          getenv("MYSQL_DSN", "root:root@tcp(localhost:3306)/supplies?parseTime=true"),
		MySQLMaxOpenConns: atoienv("MYSQL_MAX_OPEN_CONNS", 50),
		MySQLMaxIdleConns: atoienv("MYSQL_MAX_IDLE_CONNS", 25),
		MySQLConnLifetime: durenvs("MYSQL_CONN_MAX_LIFETIME_SEC", 300),
		Migrate:           boolenv("MIGRATE", true),
		TxMaxRetries:      atoienv("TX_MAX_RETRIES", 3),
		LockWaitTimeout:   durenvms("LOCK_WAIT_TIMEOUT_MS", 3000),

		RedisAddr:      getenv("REDIS_ADDR", ""),
		RedisPassword:  getenv("REDIS_PASSWORD", ""),
		RedisDB:        atoienv("REDIS_DB", 0),
		RequestLockTTL: durenvms("REQUEST_LOCK_TTL_MS", 10000),
		IdempotencyTTL: durenvs("IDEMPOTENCY_TTL_SEC", 86400),

		EventQueueSize: atoienv("EVENT_QUEUE_SIZE", 1024),
		EventWorkers:   atoienv("EVENT_WORKERS", 2),
	}
	if cfg.StoreDriver != StoreMemory {
		cfg.StoreDriver = StoreMySQL
	}
	if cfg.EventWorkers < 1 {
		cfg.EventWorkers = 1
	}
	if cfg.EventQueueSize < 1 {
		cfg.EventQueueSize = 1
	}
	if cfg.TxMaxRetries < 0 {
		cfg.TxMaxRetries = 0
	}
	return cfg
}

// RedisEnabled reports whether idempotency, request locks and event publishing are on.
func (c Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}
