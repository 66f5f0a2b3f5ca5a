package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rl1809/supply-ledger/internal/core/domain"
	"github.com/rl1809/supply-ledger/internal/port"
)

var errRowNotLocked = errors.New("row not locked by this transaction")

// MemoryStore keeps the four tables in process. Rows are guarded by per-row locks held
// until the owning transaction ends; a transaction's writes stay private until commit.
type MemoryStore struct {
	mu        sync.RWMutex
	items     map[string]domain.Item
	stock     map[string]domain.StockEntry
	requests  map[string]domain.Request
	movements []domain.StockMovement

	locks       *rowLocks
	lockTimeout time.Duration
	unavailable atomic.Bool
}

func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	if lockTimeout <= 0 {
		lockTimeout = 3 * time.Second
	}
	return &MemoryStore{
		items:       make(map[string]domain.Item),
		stock:       make(map[string]domain.StockEntry),
		requests:    make(map[string]domain.Request),
		locks:       newRowLocks(),
		lockTimeout: lockTimeout,
	}
}

// SetUnavailable makes every transaction fail with domain.ErrTransientStore.
func (s *MemoryStore) SetUnavailable(v bool) {
	s.unavailable.Store(v)
}

func (s *MemoryStore) checkAvailable() error {
	if s.unavailable.Load() {
		return fmt.Errorf("%w: memory store offline", domain.ErrTransientStore)
	}
	return nil
}

func (s *MemoryStore) WriteTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	if err := s.checkAvailable(); err != nil {
		return err
	}
	tx := &memTx{
		store:    s,
		held:     make(map[string]bool),
		items:    make(map[string]domain.Item),
		stock:    make(map[string]domain.StockEntry),
		requests: make(map[string]domain.Request),
	}
	defer tx.releaseLocks()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) ReadTx(ctx context.Context, fn func(ctx context.Context, tx port.ReadTx) error) error {
	if err := s.checkAvailable(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(ctx, &memReadTx{store: s})
}

// memReadTx reads committed state. The caller holds store.mu for reading.
type memReadTx struct {
	store *MemoryStore
}

func (r *memReadTx) GetItem(_ context.Context, id string) (*domain.Item, error) {
	item, ok := r.store.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: item %s", domain.ErrNotFound, id)
	}
	return &item, nil
}

func (r *memReadTx) ListItems(context.Context) ([]domain.Item, error) {
	return sortedItems(r.store.items), nil
}

func (r *memReadTx) GetStockEntry(_ context.Context, itemID string) (*domain.StockEntry, error) {
	e, ok := r.store.stock[itemID]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (r *memReadTx) ListStockEntries(context.Context) ([]domain.StockEntry, error) {
	return sortedStock(r.store.stock), nil
}

func (r *memReadTx) GetRequest(_ context.Context, id string) (*domain.Request, error) {
	req, ok := r.store.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: request %s", domain.ErrNotFound, id)
	}
	out := req.Clone()
	return &out, nil
}

func (r *memReadTx) ListRequests(_ context.Context, filter domain.RequestFilter) ([]domain.Request, error) {
	return filterRequests(r.store.requests, filter), nil
}

func (r *memReadTx) ListMovements(_ context.Context, itemID string, limit int) ([]domain.StockMovement, error) {
	return latestMovements(r.store.movements, nil, itemID, limit), nil
}

type memTx struct {
	store     *MemoryStore
	held      map[string]bool
	items     map[string]domain.Item
	stock     map[string]domain.StockEntry
	requests  map[string]domain.Request
	movements []domain.StockMovement
}

func (tx *memTx) lock(ctx context.Context, key string) error {
	if tx.held[key] {
		return nil
	}
	if err := tx.store.locks.acquire(ctx, key, tx.store.lockTimeout); err != nil {
		return err
	}
	tx.held[key] = true
	return nil
}

func (tx *memTx) releaseLocks() {
	for key := range tx.held {
		tx.store.locks.release(key)
	}
}

func (tx *memTx) commit() {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, item := range tx.items {
		s.items[id] = item
	}
	for id, e := range tx.stock {
		s.stock[id] = e
	}
	for id, req := range tx.requests {
		s.requests[id] = req
	}
	s.movements = append(s.movements, tx.movements...)
}

func (tx *memTx) GetItem(_ context.Context, id string) (*domain.Item, error) {
	if item, ok := tx.items[id]; ok {
		return &item, nil
	}
	tx.store.mu.RLock()
	item, ok := tx.store.items[id]
	tx.store.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: item %s", domain.ErrNotFound, id)
	}
	return &item, nil
}

func (tx *memTx) ListItems(context.Context) ([]domain.Item, error) {
	tx.store.mu.RLock()
	merged := make(map[string]domain.Item, len(tx.store.items)+len(tx.items))
	for id, item := range tx.store.items {
		merged[id] = item
	}
	tx.store.mu.RUnlock()
	for id, item := range tx.items {
		merged[id] = item
	}
	return sortedItems(merged), nil
}

func (tx *memTx) stockRow(itemID string) (domain.StockEntry, bool) {
	if e, ok := tx.stock[itemID]; ok {
		return e, true
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	e, ok := tx.store.stock[itemID]
	return e, ok
}

func (tx *memTx) GetStockEntry(_ context.Context, itemID string) (*domain.StockEntry, error) {
	e, ok := tx.stockRow(itemID)
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (tx *memTx) ListStockEntries(context.Context) ([]domain.StockEntry, error) {
	tx.store.mu.RLock()
	merged := make(map[string]domain.StockEntry, len(tx.store.stock)+len(tx.stock))
	for id, e := range tx.store.stock {
		merged[id] = e
	}
	tx.store.mu.RUnlock()
	for id, e := range tx.stock {
		merged[id] = e
	}
	return sortedStock(merged), nil
}

func (tx *memTx) requestRow(id string) (domain.Request, bool) {
	if req, ok := tx.requests[id]; ok {
		return req, true
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	req, ok := tx.store.requests[id]
	return req, ok
}

func (tx *memTx) GetRequest(_ context.Context, id string) (*domain.Request, error) {
	req, ok := tx.requestRow(id)
	if !ok {
		return nil, fmt.Errorf("%w: request %s", domain.ErrNotFound, id)
	}
	out := req.Clone()
	return &out, nil
}

func (tx *memTx) ListRequests(_ context.Context, filter domain.RequestFilter) ([]domain.Request, error) {
	tx.store.mu.RLock()
	merged := make(map[string]domain.Request, len(tx.store.requests)+len(tx.requests))
	for id, req := range tx.store.requests {
		merged[id] = req
	}
	tx.store.mu.RUnlock()
	for id, req := range tx.requests {
		merged[id] = req
	}
	return filterRequests(merged, filter), nil
}

func (tx *memTx) ListMovements(_ context.Context, itemID string, limit int) ([]domain.StockMovement, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	return latestMovements(tx.store.movements, tx.movements, itemID, limit), nil
}

func (tx *memTx) LockStockEntry(ctx context.Context, itemID string) (*domain.StockEntry, error) {
	if err := tx.lock(ctx, "stock:"+itemID); err != nil {
		return nil, err
	}
	return tx.GetStockEntry(ctx, itemID)
}

func (tx *memTx) EnsureStockEntry(ctx context.Context, itemID string) (*domain.StockEntry, error) {
	if err := tx.lock(ctx, "stock:"+itemID); err != nil {
		return nil, err
	}
	e, ok := tx.stockRow(itemID)
	if !ok {
		e = domain.StockEntry{ItemID: itemID, UpdatedAt: time.Now().UTC()}
		tx.stock[itemID] = e
	}
	return &e, nil
}

func (tx *memTx) UpdateStockEntry(_ context.Context, entry domain.StockEntry) error {
	if !tx.held["stock:"+entry.ItemID] {
		return fmt.Errorf("update stock %s: %w", entry.ItemID, errRowNotLocked)
	}
	if entry.Quantity < 0 {
		return fmt.Errorf("update stock %s: negative quantity %d", entry.ItemID, entry.Quantity)
	}
	cur, ok := tx.stockRow(entry.ItemID)
	if !ok || cur.Version != entry.Version {
		return ErrOptimisticLock
	}
	entry.Version++
	tx.stock[entry.ItemID] = entry
	return nil
}

func (tx *memTx) AppendMovement(_ context.Context, m domain.StockMovement) error {
	tx.movements = append(tx.movements, m)
	return nil
}

func (tx *memTx) LockRequest(ctx context.Context, id string) (*domain.Request, error) {
	if err := tx.lock(ctx, "request:"+id); err != nil {
		return nil, err
	}
	return tx.GetRequest(ctx, id)
}

func (tx *memTx) InsertRequest(ctx context.Context, req domain.Request) error {
	if err := tx.lock(ctx, "request:"+req.ID); err != nil {
		return err
	}
	if _, exists := tx.requestRow(req.ID); exists {
		return fmt.Errorf("insert request %s: already exists", req.ID)
	}
	tx.requests[req.ID] = req.Clone()
	return nil
}

func (tx *memTx) UpdateRequest(_ context.Context, req domain.Request) error {
	if !tx.held["request:"+req.ID] {
		return fmt.Errorf("update request %s: %w", req.ID, errRowNotLocked)
	}
	cur, ok := tx.requestRow(req.ID)
	if !ok || cur.Version != req.Version {
		return ErrOptimisticLock
	}
	if len(cur.Lines) != len(req.Lines) {
		return fmt.Errorf("update request %s: line membership changed", req.ID)
	}
	for i := range cur.Lines {
		if cur.Lines[i].ID != req.Lines[i].ID {
			return fmt.Errorf("update request %s: line membership changed", req.ID)
		}
	}
	next := req.Clone()
	next.Version++
	tx.requests[req.ID] = next
	return nil
}

func (tx *memTx) SaveItem(ctx context.Context, item domain.Item) error {
	if err := tx.lock(ctx, "item:"+item.ID); err != nil {
		return err
	}
	tx.items[item.ID] = item
	return nil
}

func sortedItems(m map[string]domain.Item) []domain.Item {
	out := make([]domain.Item, 0, len(m))
	for _, item := range m {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedStock(m map[string]domain.StockEntry) []domain.StockEntry {
	out := make([]domain.StockEntry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

func filterRequests(m map[string]domain.Request, filter domain.RequestFilter) []domain.Request {
	filter = filter.Normalize()
	out := make([]domain.Request, 0)
	for _, req := range m {
		if filter.RequesterID != "" && req.RequesterID != filter.RequesterID {
			continue
		}
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		out = append(out, req.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// latestMovements walks pending then committed movements from the end, so the newest
// come first.
func latestMovements(committed, pending []domain.StockMovement, itemID string, limit int) []domain.StockMovement {
	if limit <= 0 {
		limit = domain.DefaultListLimit
	}
	out := make([]domain.StockMovement, 0)
	for _, src := range [][]domain.StockMovement{pending, committed} {
		for i := len(src) - 1; i >= 0 && len(out) < limit; i-- {
			if src[i].ItemID == itemID {
				out = append(out, src[i])
			}
		}
	}
	return out
}

// rowLocks hands out one exclusive lock per key. A buffered channel of size one lets
// waiters give up on context cancellation or timeout.
type rowLocks struct {
	mu sync.Mutex
	m  map[string]chan struct{}
}

func newRowLocks() *rowLocks {
	return &rowLocks{m: make(map[string]chan struct{})}
}

func (l *rowLocks) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.m[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.m[key] = ch
	}
	return ch
}

func (l *rowLocks) acquire(ctx context.Context, key string, timeout time.Duration) error {
	ch := l.slot(key)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: lock wait exceeded on %s", domain.ErrTransientStore, key)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrTransientStore, ctx.Err())
	}
}

func (l *rowLocks) release(key string) {
	<-l.slot(key)
}
