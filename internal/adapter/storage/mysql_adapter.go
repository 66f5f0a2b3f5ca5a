package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/rl1809/supply-ledger/internal/core/domain"
	"github.com/rl1809/supply-ledger/internal/port"
)

var ErrOptimisticLock = errors.New("optimistic lock conflict")

const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
	mysqlErrOutOfRange      = 1264
)

//go:embed schema.sql
var schemaSQL string

type MySQLAdapter struct {
	db         *sql.DB
	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger
}

type MySQLOption func(*MySQLAdapter)

// WithMaxRetries bounds how often a deadlocked or version-conflicted transaction is re-run.
func WithMaxRetries(n int) MySQLOption {
	return func(m *MySQLAdapter) { m.maxRetries = n }
}

func WithRetryBackoff(d time.Duration) MySQLOption {
	return func(m *MySQLAdapter) { m.backoff = d }
}

func WithLogger(logger *zap.Logger) MySQLOption {
	return func(m *MySQLAdapter) { m.logger = logger }
}

func NewMySQLAdapter(db *sql.DB, opts ...MySQLOption) *MySQLAdapter {
	m := &MySQLAdapter{
		db:         db,
		maxRetries: 3,
		backoff:    20 * time.Millisecond,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Migrate applies the embedded schema. Statements are idempotent.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return classify(fmt.Errorf("migrate: %w", err))
		}
	}
	return nil
}

func (m *MySQLAdapter) WriteTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = m.runWrite(ctx, fn)
		if err == nil || !retryable(err) || attempt > m.maxRetries {
			break
		}
		m.logger.Warn("retrying transaction", zap.Int("attempt", attempt), zap.Error(err))

		select {
		case <-time.After(m.backoff << (attempt - 1)):
		case <-ctx.Done():
			return classify(ctx.Err())
		}
	}
	return classify(err)
}

func (m *MySQLAdapter) runWrite(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &mysqlTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) ReadTx(ctx context.Context, fn func(ctx context.Context, tx port.ReadTx) error) error {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return classify(fmt.Errorf("begin read tx: %w", err))
	}
	defer tx.Rollback()

	if err := fn(ctx, &mysqlTx{tx: tx}); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

func retryable(err error) bool {
	if errors.Is(err, ErrOptimisticLock) {
		return true
	}
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlErrDeadlock
}

// classify folds connectivity, lock-wait and exhausted-retry failures into
// domain.ErrTransientStore and column range overflows into domain.ErrValidation.
// Domain errors pass through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		domain.ErrValidation, domain.ErrInvalidTransition, domain.ErrInsufficientStock,
		domain.ErrTransientStore, domain.ErrNotFound, domain.ErrPermissionDenied,
	} {
		if errors.Is(err, known) {
			return err
		}
	}

	transient := errors.Is(err, ErrOptimisticLock) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded)

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		if myErr.Number == mysqlErrOutOfRange {
			return fmt.Errorf("%w: %v", domain.ErrValidation, err)
		}
		transient = transient || myErr.Number == mysqlErrLockWaitTimeout || myErr.Number == mysqlErrDeadlock
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		transient = true
	}

	if transient {
		return fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
	}
	return err
}
