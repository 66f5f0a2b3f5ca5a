package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rl1809/supply-ledger/internal/core/domain"
	"github.com/rl1809/supply-ledger/internal/port"
)

type StockView struct {
	ItemID    string            `json:"item_id"`
	Name      string            `json:"name"`
	Category  domain.Category   `json:"category"`
	Unit      string            `json:"unit"`
	OnHand    int               `json:"on_hand"`
	Level     domain.StockLevel `json:"level"`
	Available bool              `json:"available"`
}

type CategoryStock struct {
	Category domain.Category `json:"category"`
	Items    []StockView     `json:"items"`
}

type RequestSummary struct {
	ID             string               `json:"id"`
	RequesterID    string               `json:"requester_id"`
	Origin         string               `json:"origin"`
	Status         domain.RequestStatus `json:"status"`
	ReviewedBy     *string              `json:"reviewed_by"`
	LineCount      int                  `json:"line_count"`
	TotalRequested int                  `json:"total_requested"`
	TotalApproved  int                  `json:"total_approved"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

type LineDetail struct {
	ID           string          `json:"id"`
	ItemID       string          `json:"item_id"`
	ItemName     string          `json:"item_name"`
	Category     domain.Category `json:"category"`
	Unit         string          `json:"unit"`
	RequestedQty int             `json:"requested_qty"`
	ApprovedQty  *int            `json:"approved_qty"`
}

type RequestDetail struct {
	RequestSummary
	Notes        string       `json:"notes"`
	RejectReason string       `json:"reject_reason,omitempty"`
	Lines        []LineDetail `json:"lines"`
}

// QueryService builds read-side projections. Each call reads one consistent snapshot.
type QueryService struct {
	store port.DatabaseRepository
}

func NewQueryService(store port.DatabaseRepository) *QueryService {
	return &QueryService{store: store}
}

// GetStockView lists active items with their on-hand quantity, ordered by category then name.
func (s *QueryService) GetStockView(ctx context.Context) ([]StockView, error) {
	var views []StockView
	err := s.store.ReadTx(ctx, func(ctx context.Context, tx port.ReadTx) error {
		items, err := tx.ListItems(ctx)
		if err != nil {
			return err
		}
		entries, err := tx.ListStockEntries(ctx)
		if err != nil {
			return err
		}

		onHand := make(map[string]int, len(entries))
		for _, e := range entries {
			onHand[e.ItemID] = e.Quantity
		}
		for _, item := range items {
			if !item.Active {
				continue
			}
			qty := onHand[item.ID]
			views = append(views, StockView{
				ItemID:    item.ID,
				Name:      item.Name,
				Category:  item.Category,
				Unit:      item.Unit,
				OnHand:    qty,
				Level:     domain.LevelFor(qty),
				Available: qty > 0,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	rank := make(map[domain.Category]int, len(domain.Categories))
	for i, c := range domain.Categories {
		rank[c] = i
	}
	sort.SliceStable(views, func(i, j int) bool {
		if views[i].Category != views[j].Category {
			return rank[views[i].Category] < rank[views[j].Category]
		}
		return views[i].Name < views[j].Name
	})
	return views, nil
}

// StockByCategory groups the stock view; every category is present even when empty.
func (s *QueryService) StockByCategory(ctx context.Context) ([]CategoryStock, error) {
	views, err := s.GetStockView(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]CategoryStock, len(domain.Categories))
	idx := make(map[domain.Category]int, len(domain.Categories))
	for i, c := range domain.Categories {
		out[i] = CategoryStock{Category: c, Items: []StockView{}}
		idx[c] = i
	}
	for _, v := range views {
		i := idx[v.Category]
		out[i].Items = append(out[i].Items, v)
	}
	return out, nil
}

// RequestableItems lists active items that currently have stock.
func (s *QueryService) RequestableItems(ctx context.Context) ([]StockView, error) {
	views, err := s.GetStockView(ctx)
	if err != nil {
		return nil, err
	}
	out := views[:0]
	for _, v := range views {
		if v.Available {
			out = append(out, v)
		}
	}
	return out, nil
}

// GetRequest resolves item names and units for every line. Nurses only see their own
// requests; anything else is reported as not found.
func (s *QueryService) GetRequest(ctx context.Context, actor domain.Actor, requestID string) (*RequestDetail, error) {
	if err := actor.Require(domain.RoleNurse, domain.RoleOfficer); err != nil {
		return nil, err
	}

	var detail *RequestDetail
	err := s.store.ReadTx(ctx, func(ctx context.Context, tx port.ReadTx) error {
		req, err := tx.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if actor.IsNurse() && req.RequesterID != actor.UserID {
			return fmt.Errorf("%w: request %s", domain.ErrNotFound, requestID)
		}

		detail = &RequestDetail{
			RequestSummary: summarize(*req),
			Notes:          req.Notes,
			RejectReason:   req.RejectReason,
			Lines:          make([]LineDetail, len(req.Lines)),
		}
		for i, ln := range req.Lines {
			line := LineDetail{
				ID:           ln.ID,
				ItemID:       ln.ItemID,
				ItemName:     ln.ItemID,
				RequestedQty: ln.RequestedQty,
				ApprovedQty:  ln.ApprovedQty,
			}
			item, err := tx.GetItem(ctx, ln.ItemID)
			switch {
			case err == nil:
				line.ItemName = item.Name
				line.Category = item.Category
				line.Unit = item.Unit
			case !errors.Is(err, domain.ErrNotFound):
				return err
			}
			detail.Lines[i] = line
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return detail, nil
}

// ListRequests returns summaries newest first. A nurse's filter is pinned to themselves.
func (s *QueryService) ListRequests(ctx context.Context, actor domain.Actor, filter domain.RequestFilter) ([]RequestSummary, error) {
	if err := actor.Require(domain.RoleNurse, domain.RoleOfficer); err != nil {
		return nil, err
	}
	if actor.IsNurse() {
		filter.RequesterID = actor.UserID
	}

	var out []RequestSummary
	err := s.store.ReadTx(ctx, func(ctx context.Context, tx port.ReadTx) error {
		reqs, err := tx.ListRequests(ctx, filter.Normalize())
		if err != nil {
			return err
		}
		out = make([]RequestSummary, len(reqs))
		for i, r := range reqs {
			out[i] = summarize(r)
		}
		return nil
	})
	return out, err
}

func (s *QueryService) RequestsByRequester(ctx context.Context, actor domain.Actor, requesterID string) ([]RequestSummary, error) {
	return s.ListRequests(ctx, actor, domain.RequestFilter{RequesterID: requesterID})
}

func (s *QueryService) RequestsByStatus(ctx context.Context, actor domain.Actor, status domain.RequestStatus) ([]RequestSummary, error) {
	return s.ListRequests(ctx, actor, domain.RequestFilter{Status: status})
}

// StockMovements lists the audit trail of one item, newest first.
func (s *QueryService) StockMovements(ctx context.Context, actor domain.Actor, itemID string, limit int) ([]domain.StockMovement, error) {
	if err := actor.Require(domain.RoleOfficer); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > domain.MaxListLimit {
		limit = domain.DefaultListLimit
	}

	var out []domain.StockMovement
	err := s.store.ReadTx(ctx, func(ctx context.Context, tx port.ReadTx) error {
		if _, err := tx.GetItem(ctx, itemID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListMovements(ctx, itemID, limit)
		return err
	})
	return out, err
}

func summarize(r domain.Request) RequestSummary {
	return RequestSummary{
		ID:             r.ID,
		RequesterID:    r.RequesterID,
		Origin:         r.Origin,
		Status:         r.Status,
		ReviewedBy:     r.ReviewedBy,
		LineCount:      len(r.Lines),
		TotalRequested: r.TotalRequested(),
		TotalApproved:  r.TotalApproved(),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}
