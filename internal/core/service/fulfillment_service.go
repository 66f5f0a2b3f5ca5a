package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rl1809/supply-ledger/internal/core/domain"
	"github.com/rl1809/supply-ledger/internal/port"
)

type LineInput struct {
	ItemID   string
	Quantity int
}

type SubmitInput struct {
	Notes          string
	Lines          []LineInput
	IdempotencyKey string
}

// FulfillmentService drives the request state machine. Submission and approval never touch
// the ledger; MarkReceived is the single point where a request changes stock.
type FulfillmentService struct {
	store     port.DatabaseRepository
	inventory *InventoryService
	settings
}

func NewFulfillmentService(store port.DatabaseRepository, inventory *InventoryService, opts ...Option) *FulfillmentService {
	return &FulfillmentService{store: store, inventory: inventory, settings: newSettings(opts)}
}

// SubmitRequest records a PendingApproval request. Stock is checked against the current
// on-hand quantity without reserving it; receipt re-checks authoritatively.
func (s *FulfillmentService) SubmitRequest(ctx context.Context, actor domain.Actor, in SubmitInput) (string, error) {
	if err := actor.Require(domain.RoleNurse); err != nil {
		return "", err
	}

	idemKey := ""
	if in.IdempotencyKey != "" && s.cache != nil {
		idemKey = "submit:" + actor.UserID + ":" + in.IdempotencyKey
		existing, claimed, err := s.cache.ClaimIdempotency(ctx, idemKey)
		if err != nil {
			return "", fmt.Errorf("%w: idempotency check failed: %v", domain.ErrTransientStore, err)
		}
		if !claimed {
			if existing != "" {
				return existing, nil
			}
			return "", domain.ErrDuplicateRequest
		}
	}

	lines := make([]domain.RequestLine, len(in.Lines))
	for i, ln := range in.Lines {
		lines[i] = domain.RequestLine{ID: s.newID(), ItemID: ln.ItemID, RequestedQty: ln.Quantity}
	}
	req, err := domain.NewRequest(s.newID(), actor, in.Notes, lines, s.now())
	if err == nil {
		err = s.store.WriteTx(ctx, func(ctx context.Context, tx port.Tx) error {
			if err := checkLines(ctx, tx, req.Lines); err != nil {
				return err
			}
			return tx.InsertRequest(ctx, *req)
		})
	}
	if err != nil {
		if idemKey != "" {
			if relErr := s.cache.ReleaseIdempotency(ctx, idemKey); relErr != nil {
				s.logger.Warn("release idempotency key failed", zap.String("key", idemKey), zap.Error(relErr))
			}
		}
		s.logger.Warn("submit request failed", zap.String("requester", actor.UserID), zap.Error(err))
		return "", err
	}

	if idemKey != "" {
		s.completeIdempotency(ctx, idemKey, req.ID)
	}

	s.logger.Info("request submitted",
		zap.String("request_id", req.ID),
		zap.String("requester", actor.UserID),
		zap.String("origin", actor.Origin),
		zap.Int("lines", len(req.Lines)))
	s.events.Emit(domain.Event{
		Type:      domain.EventRequestSubmitted,
		RequestID: req.ID,
		Quantity:  req.TotalRequested(),
		ActorID:   actor.UserID,
		At:        req.CreatedAt,
	})
	return req.ID, nil
}

// completeIdempotency records requestID under key, retrying once. The request is already
// committed, so a failure is only logged; the pending marker then lapses on its own TTL.
func (s *FulfillmentService) completeIdempotency(ctx context.Context, key, requestID string) {
	err := s.cache.CompleteIdempotency(ctx, key, requestID)
	if err != nil {
		err = s.cache.CompleteIdempotency(ctx, key, requestID)
	}
	if err != nil {
		s.logger.Error("complete idempotency key failed",
			zap.String("key", key),
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

func checkLines(ctx context.Context, tx port.Tx, lines []domain.RequestLine) error {
	for _, ln := range lines {
		item, err := tx.GetItem(ctx, ln.ItemID)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: unknown item %s", domain.ErrValidation, ln.ItemID)
		}
		if err != nil {
			return err
		}
		if !item.Active {
			return fmt.Errorf("%w: item %s is inactive", domain.ErrValidation, ln.ItemID)
		}

		onHand, err := currentQuantity(ctx, tx, ln.ItemID)
		if err != nil {
			return err
		}
		if ln.RequestedQty > onHand {
			return fmt.Errorf("%w: item %s: requested %d exceeds %d on hand",
				domain.ErrValidation, ln.ItemID, ln.RequestedQty, onHand)
		}
	}
	return nil
}

// ApproveRequest sets approved quantities (keyed by line id) and moves the request to
// ApprovedNotReceived. Lines left out of approved are granted in full.
func (s *FulfillmentService) ApproveRequest(ctx context.Context, actor domain.Actor, requestID string, approved map[string]int) error {
	var req *domain.Request
	err := s.transition(ctx, actor, requestID, func(ctx context.Context, tx port.Tx) error {
		var err error
		req, err = tx.LockRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if err := req.Approve(actor.UserID, approved, s.now()); err != nil {
			return err
		}
		return tx.UpdateRequest(ctx, *req)
	})
	if err != nil {
		return err
	}

	s.logger.Info("request approved",
		zap.String("request_id", requestID),
		zap.String("reviewer", actor.UserID),
		zap.Int("approved_total", req.TotalApproved()))
	s.events.Emit(domain.Event{
		Type:      domain.EventRequestApproved,
		RequestID: requestID,
		Quantity:  req.TotalApproved(),
		ActorID:   actor.UserID,
		At:        req.UpdatedAt,
	})
	return nil
}

func (s *FulfillmentService) RejectRequest(ctx context.Context, actor domain.Actor, requestID, reason string) error {
	var req *domain.Request
	err := s.transition(ctx, actor, requestID, func(ctx context.Context, tx port.Tx) error {
		var err error
		req, err = tx.LockRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if err := req.Reject(actor.UserID, reason, s.now()); err != nil {
			return err
		}
		return tx.UpdateRequest(ctx, *req)
	})
	if err != nil {
		return err
	}

	s.logger.Info("request rejected", zap.String("request_id", requestID), zap.String("reviewer", actor.UserID))
	s.events.Emit(domain.Event{
		Type:      domain.EventRequestRejected,
		RequestID: requestID,
		ActorID:   actor.UserID,
		At:        req.UpdatedAt,
	})
	return nil
}

// MarkReceived deducts every line's approved quantity and completes the request, all in
// one transaction. If any item is short the whole receipt is rolled back and the request
// stays ApprovedNotReceived.
func (s *FulfillmentService) MarkReceived(ctx context.Context, actor domain.Actor, requestID string) error {
	var req *domain.Request
	err := s.transition(ctx, actor, requestID, func(ctx context.Context, tx port.Tx) error {
		var err error
		req, err = tx.LockRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if err := req.CheckReceivable(); err != nil {
			return err
		}

		// Stock rows are locked in item id order so concurrent receipts cannot deadlock.
		for _, iq := range req.IssueQuantities() {
			if _, err := s.inventory.Deduct(ctx, tx, actor.UserID, req.ID, iq.ItemID, iq.Quantity); err != nil {
				return err
			}
		}

		if err := req.MarkReceived(s.now()); err != nil {
			return err
		}
		return tx.UpdateRequest(ctx, *req)
	})
	if err != nil {
		return err
	}

	s.logger.Info("request received",
		zap.String("request_id", requestID),
		zap.String("actor", actor.UserID),
		zap.Int("issued_total", req.TotalApproved()))
	s.events.Emit(domain.Event{
		Type:      domain.EventRequestReceived,
		RequestID: requestID,
		Quantity:  req.TotalApproved(),
		ActorID:   actor.UserID,
		At:        req.UpdatedAt,
	})
	return nil
}

// transition runs a reviewer action on one request: role check, optional distributed lock,
// then the store transaction.
func (s *FulfillmentService) transition(ctx context.Context, actor domain.Actor, requestID string, fn func(ctx context.Context, tx port.Tx) error) error {
	if err := actor.Require(domain.RoleOfficer); err != nil {
		return err
	}
	if requestID == "" {
		return fmt.Errorf("%w: request id is required", domain.ErrValidation)
	}

	if s.locker != nil {
		release, err := s.locker.Obtain(ctx, "lock:request:"+requestID, s.lockTTL, s.lockWait)
		if err != nil {
			s.logger.Warn("request lock not obtained", zap.String("request_id", requestID), zap.Error(err))
			return err
		}
		defer release()
	}

	if err := s.store.WriteTx(ctx, fn); err != nil {
		s.logger.Warn("request transition failed",
			zap.String("request_id", requestID),
			zap.String("actor", actor.UserID),
			zap.Error(err))
		return err
	}
	return nil
}
