package domain

import (
	"fmt"
	"math"
	"time"
)

// StockEntry is the on-hand quantity of one item. Quantity never goes below zero.
type StockEntry struct {
	ItemID    string
	Quantity  int
	Version   int // optimistic locking
	UpdatedAt time.Time
}

// Receive adds qty to the entry. There is no business ceiling; only a receipt that would
// overflow the counter is refused.
func (e *StockEntry) Receive(qty int, now time.Time) error {
	if qty <= 0 {
		return validationf("receive quantity must be positive, got %d", qty)
	}
	if qty > math.MaxInt-e.Quantity {
		return validationf("receiving %d would overflow %d on hand for item %s", qty, e.Quantity, e.ItemID)
	}
	e.Quantity += qty
	e.UpdatedAt = now
	return nil
}

// Deduct removes qty from the entry, failing with ErrInsufficientStock instead of clamping.
// The entry is left untouched on failure.
func (e *StockEntry) Deduct(qty int, now time.Time) error {
	if qty < 0 {
		return validationf("deduct quantity must not be negative, got %d", qty)
	}
	if qty > e.Quantity {
		return fmt.Errorf("%w: item %s has %d on hand, %d required", ErrInsufficientStock, e.ItemID, e.Quantity, qty)
	}
	if qty == 0 {
		return nil
	}
	e.Quantity -= qty
	e.UpdatedAt = now
	return nil
}

type MovementKind string

const (
	MovementReceive MovementKind = "RECEIVE"
	MovementIssue   MovementKind = "ISSUE"
)

// StockMovement is an append-only audit record of one ledger mutation.
type StockMovement struct {
	ID            string
	ItemID        string
	Kind          MovementKind
	Delta         int
	QuantityAfter int
	RequestID     string
	ActorID       string
	CreatedAt     time.Time
}

type StockLevel string

const (
	StockLevelLow    StockLevel = "LOW"
	StockLevelMedium StockLevel = "MEDIUM"
	StockLevelHigh   StockLevel = "HIGH"
)

const (
	lowStockMax    = 49
	mediumStockMax = 100
)

func LevelFor(onHand int) StockLevel {
	switch {
	case onHand <= lowStockMax:
		return StockLevelLow
	case onHand <= mediumStockMax:
		return StockLevelMedium
	default:
		return StockLevelHigh
	}
}
