package service

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/rl1809/supply-ledger/internal/core/domain"
	"github.com/rl1809/supply-ledger/internal/port"
)

// CatalogService registers and deactivates items. Items are never deleted.
type CatalogService struct {
	store port.DatabaseRepository
	settings
}

func NewCatalogService(store port.DatabaseRepository, opts ...Option) *CatalogService {
	return &CatalogService{store: store, settings: newSettings(opts)}
}

// RegisterItem creates an item, or updates the name, category and unit of an existing one
// and reactivates it. A zero stock row is created alongside.
func (s *CatalogService) RegisterItem(ctx context.Context, actor domain.Actor, item domain.Item) (domain.Item, error) {
	if err := actor.Require(domain.RoleOfficer); err != nil {
		return domain.Item{}, err
	}
	category, err := domain.ParseCategory(string(item.Category))
	if err != nil {
		return domain.Item{}, err
	}
	item.ID = strings.TrimSpace(item.ID)
	item.Name = strings.TrimSpace(item.Name)
	item.Unit = strings.TrimSpace(item.Unit)
	item.Category = category
	item.Active = true
	if err := item.Validate(); err != nil {
		return domain.Item{}, err
	}

	now := s.now()
	err = s.store.WriteTx(ctx, func(ctx context.Context, tx port.Tx) error {
		existing, err := tx.GetItem(ctx, item.ID)
		switch {
		case err == nil:
			item.CreatedAt = existing.CreatedAt
		case errors.Is(err, domain.ErrNotFound):
			item.CreatedAt = now
		default:
			return err
		}
		item.UpdatedAt = now

		if err := tx.SaveItem(ctx, item); err != nil {
			return err
		}
		_, err = tx.EnsureStockEntry(ctx, item.ID)
		return err
	})
	if err != nil {
		return domain.Item{}, err
	}

	s.logger.Info("item registered", zap.String("item_id", item.ID), zap.String("category", string(item.Category)))
	s.events.Emit(domain.Event{Type: domain.EventItemRegistered, ItemID: item.ID, ActorID: actor.UserID, At: now})
	return item, nil
}

// DeactivateItem hides an item from new requests. History keeps resolving it.
func (s *CatalogService) DeactivateItem(ctx context.Context, actor domain.Actor, itemID string) error {
	if err := actor.Require(domain.RoleOfficer); err != nil {
		return err
	}

	now := s.now()
	err := s.store.WriteTx(ctx, func(ctx context.Context, tx port.Tx) error {
		item, err := tx.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		if !item.Active {
			return nil
		}
		item.Active = false
		item.UpdatedAt = now
		return tx.SaveItem(ctx, *item)
	})
	if err != nil {
		return err
	}

	s.logger.Info("item deactivated", zap.String("item_id", itemID))
	s.events.Emit(domain.Event{Type: domain.EventItemDeactivated, ItemID: itemID, ActorID: actor.UserID, At: now})
	return nil
}

func (s *CatalogService) ListItems(ctx context.Context) ([]domain.Item, error) {
	var items []domain.Item
	err := s.store.ReadTx(ctx, func(ctx context.Context, tx port.ReadTx) error {
		var err error
		items, err = tx.ListItems(ctx)
		return err
	})
	return items, err
}
