package domain

import (
	"sort"
	"strings"
	"time"
)

type RequestStatus string

const (
	StatusPendingApproval     RequestStatus = "PENDING_APPROVAL"
	StatusApprovedNotReceived RequestStatus = "APPROVED_NOT_RECEIVED"
	StatusApprovedReceived    RequestStatus = "APPROVED_RECEIVED"
	StatusRejected            RequestStatus = "REJECTED"
)

func ParseStatus(s string) (RequestStatus, error) {
	st := RequestStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusPendingApproval, StatusApprovedNotReceived, StatusApprovedReceived, StatusRejected:
		return st, nil
	}
	return "", validationf("unknown status %q", s)
}

func (s RequestStatus) Terminal() bool {
	return s == StatusApprovedReceived || s == StatusRejected
}

type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionReceive Action = "receive"
)

var transitions = map[RequestStatus]map[Action]RequestStatus{
	StatusPendingApproval: {
		ActionApprove: StatusApprovedNotReceived,
		ActionReject:  StatusRejected,
	},
	StatusApprovedNotReceived: {
		ActionReceive: StatusApprovedReceived,
	},
}

// Next returns the status reached by applying action, or ErrInvalidTransition.
func (s RequestStatus) Next(action Action) (RequestStatus, error) {
	to, ok := transitions[s][action]
	if !ok {
		return "", transitionf("cannot %s a request in status %s", action, s)
	}
	return to, nil
}

const maxNotesLength = 2000

// RequestLine is one item/quantity pair. ApprovedQty is nil until the request is reviewed.
type RequestLine struct {
	ID           string
	RequestID    string
	ItemID       string
	RequestedQty int
	ApprovedQty  *int
}

// IssuedQty is the quantity the ledger deducts for this line on receipt.
func (l RequestLine) IssuedQty() int {
	if l.ApprovedQty == nil {
		return 0
	}
	return *l.ApprovedQty
}

type Request struct {
	ID           string
	RequesterID  string
	Origin       string
	Status       RequestStatus
	Notes        string
	RejectReason string
	ReviewedBy   *string
	Version      int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Lines        []RequestLine
}

// NewRequest builds a PendingApproval request. Line membership is fixed from here on.
func NewRequest(id string, requester Actor, notes string, lines []RequestLine, now time.Time) (*Request, error) {
	if requester.UserID == "" {
		return nil, validationf("requester id is required")
	}
	if strings.TrimSpace(requester.Origin) == "" {
		return nil, validationf("requester origin is required")
	}
	if len(notes) > maxNotesLength {
		return nil, validationf("notes exceed %d characters", maxNotesLength)
	}
	if len(lines) == 0 {
		return nil, validationf("a request needs at least one line")
	}

	seen := make(map[string]bool, len(lines))
	out := make([]RequestLine, len(lines))
	for i, ln := range lines {
		if ln.ItemID == "" {
			return nil, validationf("line %d: item id is required", i+1)
		}
		if ln.RequestedQty <= 0 {
			return nil, validationf("line %d: requested quantity must be positive, got %d", i+1, ln.RequestedQty)
		}
		if seen[ln.ItemID] {
			return nil, validationf("line %d: item %s appears more than once", i+1, ln.ItemID)
		}
		seen[ln.ItemID] = true
		ln.RequestID = id
		ln.ApprovedQty = nil
		out[i] = ln
	}

	return &Request{
		ID:          id,
		RequesterID: requester.UserID,
		Origin:      requester.Origin,
		Status:      StatusPendingApproval,
		Notes:       notes,
		CreatedAt:   now,
		UpdatedAt:   now,
		Lines:       out,
	}, nil
}

// Approve sets every line's approved quantity and moves the request to ApprovedNotReceived.
// Lines missing from approved keep their requested quantity. Nothing is modified unless
// every value is within 0..requested.
func (r *Request) Approve(reviewerID string, approved map[string]int, now time.Time) error {
	next, err := r.Status.Next(ActionApprove)
	if err != nil {
		return err
	}
	if reviewerID == "" {
		return validationf("reviewer id is required")
	}

	byID := make(map[string]int, len(r.Lines))
	for i, ln := range r.Lines {
		byID[ln.ID] = i
	}
	for lineID, qty := range approved {
		i, ok := byID[lineID]
		if !ok {
			return validationf("line %s does not belong to request %s", lineID, r.ID)
		}
		if qty < 0 {
			return validationf("line %s: approved quantity must not be negative, got %d", lineID, qty)
		}
		if qty > r.Lines[i].RequestedQty {
			return validationf("line %s: approved quantity %d exceeds requested %d", lineID, qty, r.Lines[i].RequestedQty)
		}
	}

	for i := range r.Lines {
		qty, ok := approved[r.Lines[i].ID]
		if !ok {
			qty = r.Lines[i].RequestedQty
		}
		r.Lines[i].ApprovedQty = &qty
	}
	r.Status = next
	r.ReviewedBy = &reviewerID
	r.UpdatedAt = now
	return nil
}

func (r *Request) Reject(reviewerID, reason string, now time.Time) error {
	next, err := r.Status.Next(ActionReject)
	if err != nil {
		return err
	}
	if reviewerID == "" {
		return validationf("reviewer id is required")
	}
	if len(reason) > maxNotesLength {
		return validationf("reason exceeds %d characters", maxNotesLength)
	}
	r.Status = next
	r.ReviewedBy = &reviewerID
	r.RejectReason = reason
	r.UpdatedAt = now
	return nil
}

// CheckReceivable fails with ErrInvalidTransition unless the request awaits receipt.
func (r *Request) CheckReceivable() error {
	_, err := r.Status.Next(ActionReceive)
	return err
}

// MarkReceived records the receipt. The caller deducts stock first.
func (r *Request) MarkReceived(now time.Time) error {
	next, err := r.Status.Next(ActionReceive)
	if err != nil {
		return err
	}
	r.Status = next
	r.UpdatedAt = now
	return nil
}

// IssueQuantities sums issued quantity per item, sorted by item id so callers lock stock
// rows in a stable order.
func (r *Request) IssueQuantities() []ItemQuantity {
	totals := make(map[string]int, len(r.Lines))
	for _, ln := range r.Lines {
		totals[ln.ItemID] += ln.IssuedQty()
	}
	out := make([]ItemQuantity, 0, len(totals))
	for id, qty := range totals {
		out = append(out, ItemQuantity{ItemID: id, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

func (r *Request) TotalRequested() int {
	n := 0
	for _, ln := range r.Lines {
		n += ln.RequestedQty
	}
	return n
}

func (r *Request) TotalApproved() int {
	n := 0
	for _, ln := range r.Lines {
		n += ln.IssuedQty()
	}
	return n
}

// Clone returns a deep copy so stores never share line slices or pointers with callers.
func (r Request) Clone() Request {
	out := r
	if r.ReviewedBy != nil {
		v := *r.ReviewedBy
		out.ReviewedBy = &v
	}
	out.Lines = make([]RequestLine, len(r.Lines))
	for i, ln := range r.Lines {
		if ln.ApprovedQty != nil {
			v := *ln.ApprovedQty
			ln.ApprovedQty = &v
		}
		out.Lines[i] = ln
	}
	return out
}

type ItemQuantity struct {
	ItemID   string
	Quantity int
}

// RequestFilter selects requests for listing. Zero values match everything.
type RequestFilter struct {
	RequesterID string
	Status      RequestStatus
	Limit       int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

func (f RequestFilter) Normalize() RequestFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	return f
}
