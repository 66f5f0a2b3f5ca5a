package port

import (
	"context"

	"github.com/rl1809/supply-ledger/internal/core/domain"
)

// DatabaseRepository is the transactional store. Every function passed to WriteTx runs as
// one atomic unit: either all of its writes commit or none do. fn may be re-run when the
// store retries a deadlock, so it must not have side effects outside tx.
type DatabaseRepository interface {
	WriteTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// ReadTx runs fn against one consistent snapshot.
	ReadTx(ctx context.Context, fn func(ctx context.Context, tx ReadTx) error) error
}

type ReadTx interface {
	// GetItem returns domain.ErrNotFound for unknown ids.
	GetItem(ctx context.Context, id string) (*domain.Item, error)
	ListItems(ctx context.Context) ([]domain.Item, error)

	// GetStockEntry returns nil, nil when the item was never received.
	GetStockEntry(ctx context.Context, itemID string) (*domain.StockEntry, error)
	ListStockEntries(ctx context.Context) ([]domain.StockEntry, error)

	// GetRequest returns the header with its lines, or domain.ErrNotFound.
	GetRequest(ctx context.Context, id string) (*domain.Request, error)

	// ListRequests returns matching requests with lines, newest first.
	ListRequests(ctx context.Context, filter domain.RequestFilter) ([]domain.Request, error)

	// ListMovements returns an item's movements, newest first.
	ListMovements(ctx context.Context, itemID string, limit int) ([]domain.StockMovement, error)
}

type Tx interface {
	ReadTx

	// LockStockEntry takes the row lock for itemID and returns the locked row, or nil, nil
	// when the item was never received.
	LockStockEntry(ctx context.Context, itemID string) (*domain.StockEntry, error)

	// EnsureStockEntry creates a zero row when absent and returns it locked.
	EnsureStockEntry(ctx context.Context, itemID string) (*domain.StockEntry, error)

	// UpdateStockEntry writes a locked row. It fails when entry.Version is stale.
	UpdateStockEntry(ctx context.Context, entry domain.StockEntry) error

	AppendMovement(ctx context.Context, m domain.StockMovement) error

	// LockRequest takes the row lock for a request and returns it with its lines.
	LockRequest(ctx context.Context, id string) (*domain.Request, error)
	InsertRequest(ctx context.Context, req domain.Request) error

	// UpdateRequest writes the header and every line's approved quantity of a locked
	// request. It fails when req.Version is stale.
	UpdateRequest(ctx context.Context, req domain.Request) error

	SaveItem(ctx context.Context, item domain.Item) error
}
