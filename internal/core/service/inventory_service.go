package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rl1809/supply-ledger/internal/core/domain"
	"github.com/rl1809/supply-ledger/internal/port"
)

// InventoryService is the stock ledger. Receive and Deduct are the only paths that change
// on-hand quantities, and both run under the stock row lock.
type InventoryService struct {
	store port.DatabaseRepository
	settings
}

func NewInventoryService(store port.DatabaseRepository, opts ...Option) *InventoryService {
	return &InventoryService{store: store, settings: newSettings(opts)}
}

// ReceiveStock adds qty units of itemID to the central store.
func (s *InventoryService) ReceiveStock(ctx context.Context, actor domain.Actor, itemID string, qty int) (domain.StockEntry, error) {
	if err := actor.Require(domain.RoleOfficer); err != nil {
		return domain.StockEntry{}, err
	}
	if qty <= 0 {
		return domain.StockEntry{}, fmt.Errorf("%w: receive quantity must be positive, got %d", domain.ErrValidation, qty)
	}

	var entry domain.StockEntry
	err := s.store.WriteTx(ctx, func(ctx context.Context, tx port.Tx) error {
		item, err := tx.GetItem(ctx, itemID)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: unknown item %s", domain.ErrValidation, itemID)
		}
		if err != nil {
			return err
		}
		if !item.Active {
			return fmt.Errorf("%w: item %s is inactive", domain.ErrValidation, itemID)
		}

		entry, err = s.Receive(ctx, tx, actor.UserID, itemID, qty)
		return err
	})
	if err != nil {
		s.logger.Warn("receive stock failed", zap.String("item_id", itemID), zap.Int("qty", qty), zap.Error(err))
		return domain.StockEntry{}, err
	}

	s.logger.Info("stock received",
		zap.String("item_id", itemID),
		zap.Int("qty", qty),
		zap.Int("on_hand", entry.Quantity),
		zap.String("actor", actor.UserID))
	s.events.Emit(domain.Event{
		Type:     domain.EventStockReceived,
		ItemID:   itemID,
		Quantity: qty,
		ActorID:  actor.UserID,
		At:       entry.UpdatedAt,
	})
	return entry, nil
}

// Receive increases the locked stock row inside tx, creating it at zero first if absent.
func (s *InventoryService) Receive(ctx context.Context, tx port.Tx, actorID, itemID string, qty int) (domain.StockEntry, error) {
	entry, err := tx.EnsureStockEntry(ctx, itemID)
	if err != nil {
		return domain.StockEntry{}, err
	}

	now := s.now()
	if err := entry.Receive(qty, now); err != nil {
		return domain.StockEntry{}, err
	}
	if err := tx.UpdateStockEntry(ctx, *entry); err != nil {
		return domain.StockEntry{}, err
	}

	err = tx.AppendMovement(ctx, domain.StockMovement{
		ID:            s.newID(),
		ItemID:        itemID,
		Kind:          domain.MovementReceive,
		Delta:         qty,
		QuantityAfter: entry.Quantity,
		ActorID:       actorID,
		CreatedAt:     now,
	})
	return *entry, err
}

// Deduct removes qty from the locked stock row inside tx. The sufficiency check uses the
// value read under that lock.
func (s *InventoryService) Deduct(ctx context.Context, tx port.Tx, actorID, requestID, itemID string, qty int) (domain.StockEntry, error) {
	if qty < 0 {
		return domain.StockEntry{}, fmt.Errorf("%w: deduct quantity must not be negative, got %d", domain.ErrValidation, qty)
	}

	entry, err := tx.LockStockEntry(ctx, itemID)
	if err != nil {
		return domain.StockEntry{}, err
	}
	if entry == nil {
		entry = &domain.StockEntry{ItemID: itemID}
	}

	now := s.now()
	if err := entry.Deduct(qty, now); err != nil {
		return domain.StockEntry{}, err
	}
	if qty == 0 {
		return *entry, nil
	}
	if err := tx.UpdateStockEntry(ctx, *entry); err != nil {
		return domain.StockEntry{}, err
	}

	err = tx.AppendMovement(ctx, domain.StockMovement{
		ID:            s.newID(),
		ItemID:        itemID,
		Kind:          domain.MovementIssue,
		Delta:         -qty,
		QuantityAfter: entry.Quantity,
		RequestID:     requestID,
		ActorID:       actorID,
		CreatedAt:     now,
	})
	return *entry, err
}

// CurrentQuantity returns 0 for an item that was never received. Store failures are
// returned, never reported as zero.
func (s *InventoryService) CurrentQuantity(ctx context.Context, itemID string) (int, error) {
	var qty int
	err := s.store.ReadTx(ctx, func(ctx context.Context, tx port.ReadTx) error {
		var err error
		qty, err = currentQuantity(ctx, tx, itemID)
		return err
	})
	return qty, err
}

func currentQuantity(ctx context.Context, tx port.ReadTx, itemID string) (int, error) {
	entry, err := tx.GetStockEntry(ctx, itemID)
	if err != nil {
		return 0, err
	}
	if entry == nil {
		return 0, nil
	}
	return entry.Quantity, nil
}
