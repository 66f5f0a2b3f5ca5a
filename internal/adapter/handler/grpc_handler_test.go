package handler

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rl1809/supply-ledger/internal/adapter/storage"
	"github.com/rl1809/supply-ledger/internal/core/domain"
	"github.com/rl1809/supply-ledger/internal/core/service"
)

func newTestGRPCHandler(t *testing.T) (*GRPCHandler, *service.CatalogService, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore(time.Second)
	inventory := service.NewInventoryService(store)
	h := NewGRPCHandler(inventory, service.NewFulfillmentService(store, inventory), service.NewQueryService(store))
	return h, service.NewCatalogService(store), store
}

func asCaller(c caller) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs(
		"x-user-id", c.id,
		"x-user-role", c.role,
		"x-user-origin", c.origin,
	))
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("build struct: %v", err)
	}
	return s
}

func expectCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	if got := status.Code(err); got != want {
		t.Errorf("expected %s, got %s (%v)", want, got, err)
	}
}

func TestGRPC_FullFlow(t *testing.T) {
	h, catalog, _ := newTestGRPCHandler(t)
	officerCtx := asCaller(officerCaller)
	nurseCtx := asCaller(nurseCaller)

	if _, err := catalog.RegisterItem(context.Background(), domain.Actor{UserID: "officer-1", Role: domain.RoleOfficer},
		domain.Item{ID: "masks", Name: "Masks", Category: domain.CategoryConsumables, Unit: "box"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	resp, err := h.ReceiveStock(officerCtx, mustStruct(t, map[string]any{"item_id": "masks", "quantity": 5}))
	if err != nil {
		t.Fatalf("receive stock: %v", err)
	}
	if resp.GetFields()["on_hand"].GetNumberValue() != 5 {
		t.Errorf("expected 5 on hand, got %v", resp.GetFields()["on_hand"])
	}

	var ids []string
	for i := 0; i < 2; i++ {
		resp, err := h.SubmitRequest(nurseCtx, mustStruct(t, map[string]any{
			"notes": "clinic",
			"lines": []any{map[string]any{"item_id": "masks", "quantity": 5}},
		}))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		id := resp.GetFields()["request_id"].GetStringValue()
		if _, err := h.ApproveRequest(officerCtx, mustStruct(t, map[string]any{"request_id": id})); err != nil {
			t.Fatalf("approve: %v", err)
		}
		ids = append(ids, id)
	}

	if _, err := h.MarkReceived(officerCtx, mustStruct(t, map[string]any{"request_id": ids[0]})); err != nil {
		t.Fatalf("mark received: %v", err)
	}
	_, err = h.MarkReceived(officerCtx, mustStruct(t, map[string]any{"request_id": ids[1]}))
	expectCode(t, err, codes.Aborted)

	_, err = h.MarkReceived(officerCtx, mustStruct(t, map[string]any{"request_id": ids[0]}))
	expectCode(t, err, codes.FailedPrecondition)

	detail, err := h.GetRequest(nurseCtx, mustStruct(t, map[string]any{"request_id": ids[1]}))
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got := detail.GetFields()["status"].GetStringValue(); got != string(domain.StatusApprovedNotReceived) {
		t.Errorf("expected loser to stay APPROVED_NOT_RECEIVED, got %s", got)
	}
	lines := detail.GetFields()["lines"].GetListValue().GetValues()
	if len(lines) != 1 || lines[0].GetStructValue().GetFields()["item_name"].GetStringValue() != "Masks" {
		t.Errorf("unexpected lines: %v", lines)
	}

	stock, err := h.GetStockView(nurseCtx, &structpb.Struct{})
	if err != nil {
		t.Fatalf("stock view: %v", err)
	}
	items := stock.GetFields()["items"].GetListValue().GetValues()
	if len(items) != 1 || items[0].GetStructValue().GetFields()["on_hand"].GetNumberValue() != 0 {
		t.Errorf("unexpected stock view: %v", items)
	}

	list, err := h.ListRequests(officerCtx, mustStruct(t, map[string]any{"status": "APPROVED_RECEIVED", "limit": 10}))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := list.GetFields()["requests"].GetListValue().GetValues(); len(got) != 1 {
		t.Errorf("expected 1 received request, got %d", len(got))
	}
}

func TestGRPC_ErrorCodes(t *testing.T) {
	h, _, store := newTestGRPCHandler(t)

	_, err := h.SubmitRequest(context.Background(), &structpb.Struct{})
	expectCode(t, err, codes.Unauthenticated)

	_, err = h.ApproveRequest(asCaller(nurseCaller), mustStruct(t, map[string]any{"request_id": "r"}))
	expectCode(t, err, codes.PermissionDenied)

	_, err = h.RejectRequest(asCaller(officerCaller), mustStruct(t, map[string]any{"request_id": "missing"}))
	expectCode(t, err, codes.NotFound)

	_, err = h.ReceiveStock(asCaller(officerCaller), mustStruct(t, map[string]any{"item_id": "x", "quantity": 1.5}))
	expectCode(t, err, codes.InvalidArgument)

	_, err = h.ReceiveStock(asCaller(officerCaller), mustStruct(t, map[string]any{"item_id": "x"}))
	expectCode(t, err, codes.InvalidArgument)

	_, err = h.SubmitRequest(asCaller(nurseCaller), mustStruct(t, map[string]any{
		"lines": []any{map[string]any{"item_id": "unknown", "quantity": 1}},
	}))
	expectCode(t, err, codes.InvalidArgument)

	store.SetUnavailable(true)
	_, err = h.GetStockView(asCaller(officerCaller), &structpb.Struct{})
	expectCode(t, err, codes.Unavailable)
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{domain.ErrValidation, codes.InvalidArgument},
		{domain.ErrPermissionDenied, codes.PermissionDenied},
		{domain.ErrNotFound, codes.NotFound},
		{domain.ErrInvalidTransition, codes.FailedPrecondition},
		{domain.ErrInsufficientStock, codes.Aborted},
		{domain.ErrDuplicateRequest, codes.AlreadyExists},
		{domain.ErrTransientStore, codes.Unavailable},
		{context.Canceled, codes.Internal},
	}
	for _, tt := range tests {
		if got := status.Code(toStatus(tt.err)); got != tt.want {
			t.Errorf("toStatus(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
