package handler

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rl1809/supply-ledger/internal/adapter/storage"
	"github.com/rl1809/supply-ledger/internal/core/service"
)

type testServer struct {
	router *gin.Engine
	store  *storage.MemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := storage.NewMemoryStore(time.Second)
	inventory := service.NewInventoryService(store)
	h := NewHTTPHandler(
		inventory,
		service.NewFulfillmentService(store, inventory),
		service.NewQueryService(store),
		service.NewCatalogService(store),
		nil,
	)
	return &testServer{router: h.Router(), store: store}
}

type caller struct {
	id, role, origin string
}

var (
	officerCaller = caller{"officer-1", "OFFICER", "central"}
	nurseCaller   = caller{"nurse-1", "NURSE", "school-a"}
)

func (s *testServer) do(t *testing.T, as *caller, method, path string, body any, headers ...string) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as != nil {
		req.Header.Set("X-User-ID", as.id)
		req.Header.Set("X-User-Role", as.role)
		req.Header.Set("X-User-Origin", as.origin)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp APIResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func dataMap(t *testing.T, resp APIResponse) map[string]any {
	t.Helper()
	m, ok := resp.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected object data, got %T: %v", resp.Data, resp.Data)
	}
	return m
}

func (s *testServer) seedGauze(t *testing.T, qty int) {
	t.Helper()
	if w, _ := s.do(t, &officerCaller, http.MethodPost, "/api/items", gin.H{
		"id": "gauze", "name": "Gauze", "category": "consumables", "unit": "roll",
	}); w.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", w.Code, w.Body.String())
	}
	if qty > 0 {
		if w, _ := s.do(t, &officerCaller, http.MethodPost, "/api/stock/receipts", gin.H{
			"item_id": "gauze", "quantity": qty,
		}); w.Code != http.StatusOK {
			t.Fatalf("receive: %d %s", w.Code, w.Body.String())
		}
	}
}

func (s *testServer) submitGauze(t *testing.T, qty int) string {
	t.Helper()
	w, resp := s.do(t, &nurseCaller, http.MethodPost, "/api/requests", gin.H{
		"lines": []gin.H{{"item_id": "gauze", "quantity": qty}},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("submit: %d %s", w.Code, w.Body.String())
	}
	return dataMap(t, resp)["request_id"].(string)
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t)
	w, _ := s.do(t, nil, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestHTTP_RequiresIdentity(t *testing.T) {
	s := newTestServer(t)
	w, resp := s.do(t, nil, http.MethodGet, "/api/stock", nil)
	if w.Code != http.StatusUnauthorized || resp.Code != "unauthenticated" {
		t.Errorf("expected 401 unauthenticated, got %d %q", w.Code, resp.Code)
	}

	w, _ = s.do(t, &caller{"x", "JANITOR", ""}, http.MethodGet, "/api/stock", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for unknown role, got %d", w.Code)
	}
}

func TestHTTP_FullFlow(t *testing.T) {
	s := newTestServer(t)
	s.seedGauze(t, 100)
	id := s.submitGauze(t, 30)

	w, resp := s.do(t, &officerCaller, http.MethodGet, "/api/requests/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get request: %d %s", w.Code, w.Body.String())
	}
	detail := dataMap(t, resp)
	lineID := detail["lines"].([]any)[0].(map[string]any)["id"].(string)
	if detail["status"] != "PENDING_APPROVAL" {
		t.Errorf("expected PENDING_APPROVAL, got %v", detail["status"])
	}

	if w, _ := s.do(t, &officerCaller, http.MethodPost, "/api/requests/"+id+"/approve", gin.H{
		"approved": gin.H{lineID: 20},
	}); w.Code != http.StatusOK {
		t.Fatalf("approve: %d %s", w.Code, w.Body.String())
	}
	if w, _ := s.do(t, &officerCaller, http.MethodPost, "/api/requests/"+id+"/receive", nil); w.Code != http.StatusOK {
		t.Fatalf("receive: %d %s", w.Code, w.Body.String())
	}

	w, resp = s.do(t, &nurseCaller, http.MethodGet, "/api/items/gauze/quantity", nil)
	if w.Code != http.StatusOK || dataMap(t, resp)["on_hand"].(float64) != 80 {
		t.Errorf("expected 80 on hand, got %d %s", w.Code, w.Body.String())
	}

	w, resp = s.do(t, &officerCaller, http.MethodPost, "/api/requests/"+id+"/receive", nil)
	if w.Code != http.StatusConflict || resp.Code != "invalid_transition" {
		t.Errorf("expected 409 invalid_transition, got %d %q", w.Code, resp.Code)
	}
}

func TestHTTP_ErrorMapping(t *testing.T) {
	s := newTestServer(t)
	s.seedGauze(t, 5)
	id := s.submitGauze(t, 5)
	other := s.submitGauze(t, 5)
	for _, rid := range []string{id, other} {
		if w, _ := s.do(t, &officerCaller, http.MethodPost, "/api/requests/"+rid+"/approve", nil); w.Code != http.StatusOK {
			t.Fatalf("approve: %d %s", w.Code, w.Body.String())
		}
	}
	if w, _ := s.do(t, &officerCaller, http.MethodPost, "/api/requests/"+id+"/receive", nil); w.Code != http.StatusOK {
		t.Fatalf("receive: %d", w.Code)
	}

	tests := []struct {
		name   string
		as     caller
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"insufficient stock", officerCaller, http.MethodPost, "/api/requests/" + other + "/receive", nil, http.StatusConflict, "insufficient_stock"},
		{"nurse approves", nurseCaller, http.MethodPost, "/api/requests/" + other + "/approve", nil, http.StatusForbidden, "permission_denied"},
		{"unknown request", officerCaller, http.MethodGet, "/api/requests/missing", nil, http.StatusNotFound, "not_found"},
		{"bad status filter", officerCaller, http.MethodGet, "/api/requests?status=SHIPPED", nil, http.StatusBadRequest, "validation_error"},
		{"bad category", officerCaller, http.MethodPost, "/api/items", gin.H{"id": "x", "name": "X", "category": "food", "unit": "box"}, http.StatusBadRequest, "validation_error"},
		{"zero receipt", officerCaller, http.MethodPost, "/api/stock/receipts", gin.H{"item_id": "gauze", "quantity": 0}, http.StatusBadRequest, "validation_error"},
		{"empty lines", nurseCaller, http.MethodPost, "/api/requests", gin.H{"lines": []gin.H{}}, http.StatusBadRequest, "validation_error"},
		{"above stock", nurseCaller, http.MethodPost, "/api/requests", gin.H{"lines": []gin.H{{"item_id": "gauze", "quantity": 50}}}, http.StatusBadRequest, "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			as := tt.as
			w, resp := s.do(t, &as, tt.method, tt.path, tt.body)
			if w.Code != tt.status || resp.Code != tt.code || resp.Success {
				t.Errorf("expected %d %q, got %d %q: %s", tt.status, tt.code, w.Code, resp.Code, w.Body.String())
			}
		})
	}
}

func TestHTTP_ReceiptOverflowIsValidation(t *testing.T) {
	s := newTestServer(t)
	s.seedGauze(t, math.MaxInt)

	w, resp := s.do(t, &officerCaller, http.MethodPost, "/api/stock/receipts", gin.H{"item_id": "gauze", "quantity": 1})
	if w.Code != http.StatusBadRequest || resp.Code != "validation_error" {
		t.Errorf("expected 400 validation_error, got %d %q: %s", w.Code, resp.Code, w.Body.String())
	}
}

func TestHTTP_StoreUnavailable(t *testing.T) {
	s := newTestServer(t)
	s.store.SetUnavailable(true)

	w, resp := s.do(t, &officerCaller, http.MethodGet, "/api/stock", nil)
	if w.Code != http.StatusServiceUnavailable || resp.Code != "store_unavailable" {
		t.Errorf("expected 503, got %d %q", w.Code, resp.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestHTTP_StockViews(t *testing.T) {
	s := newTestServer(t)
	s.seedGauze(t, 60)

	w, resp := s.do(t, &nurseCaller, http.MethodGet, "/api/stock", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stock: %d", w.Code)
	}
	rows := resp.Data.([]any)
	if len(rows) != 1 || rows[0].(map[string]any)["level"] != "MEDIUM" {
		t.Errorf("unexpected stock view: %v", rows)
	}

	w, resp = s.do(t, &nurseCaller, http.MethodGet, "/api/stock?group=category", nil)
	if w.Code != http.StatusOK || len(resp.Data.([]any)) != 3 {
		t.Errorf("expected three category groups, got %d %v", w.Code, resp.Data)
	}

	w, resp = s.do(t, &nurseCaller, http.MethodGet, "/api/stock/requestable", nil)
	if w.Code != http.StatusOK || len(resp.Data.([]any)) != 1 {
		t.Errorf("expected one requestable item, got %d %v", w.Code, resp.Data)
	}
}

func TestHTTP_ListRequestsPinsNurse(t *testing.T) {
	s := newTestServer(t)
	s.seedGauze(t, 10)
	s.submitGauze(t, 1)

	other := caller{"nurse-2", "NURSE", "school-b"}
	if w, _ := s.do(t, &other, http.MethodPost, "/api/requests", gin.H{
		"lines": []gin.H{{"item_id": "gauze", "quantity": 2}},
	}); w.Code != http.StatusCreated {
		t.Fatalf("submit: %d", w.Code)
	}

	_, resp := s.do(t, &other, http.MethodGet, "/api/requests?requester_id=nurse-1", nil)
	rows := resp.Data.([]any)
	if len(rows) != 1 || rows[0].(map[string]any)["requester_id"] != "nurse-2" {
		t.Errorf("expected nurse-2 to see only own request, got %v", rows)
	}

	_, resp = s.do(t, &officerCaller, http.MethodGet, "/api/requests?limit=1", nil)
	if len(resp.Data.([]any)) != 1 {
		t.Errorf("expected limit to apply, got %v", resp.Data)
	}
}

func TestHTTP_RejectAndMovements(t *testing.T) {
	s := newTestServer(t)
	s.seedGauze(t, 10)
	id := s.submitGauze(t, 2)

	if w, _ := s.do(t, &officerCaller, http.MethodPost, "/api/requests/"+id+"/reject", gin.H{"reason": "use last month's"}); w.Code != http.StatusOK {
		t.Fatalf("reject: %d %s", w.Code, w.Body.String())
	}
	_, resp := s.do(t, &nurseCaller, http.MethodGet, "/api/requests/"+id, nil)
	if d := dataMap(t, resp); d["status"] != "REJECTED" || d["reject_reason"] != "use last month's" {
		t.Errorf("unexpected detail: %v", d)
	}

	w, resp := s.do(t, &officerCaller, http.MethodGet, "/api/items/gauze/movements", nil)
	if w.Code != http.StatusOK || len(resp.Data.([]any)) != 1 {
		t.Errorf("expected one movement, got %d %v", w.Code, resp.Data)
	}

	if w, _ := s.do(t, &officerCaller, http.MethodPost, "/api/items/gauze/deactivate", nil); w.Code != http.StatusOK {
		t.Errorf("deactivate: %d", w.Code)
	}
	_, resp = s.do(t, &officerCaller, http.MethodGet, "/api/items", nil)
	if items := resp.Data.([]any); len(items) != 1 || items[0].(map[string]any)["active"] != false {
		t.Errorf("expected one inactive item, got %v", resp.Data)
	}
}
