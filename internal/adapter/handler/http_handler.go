package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/rl1809/supply-ledger/internal/core/domain"
	"github.com/rl1809/supply-ledger/internal/core/service"
)

const actorKey = "actor"

var registerOnce sync.Once

type HTTPHandler struct {
	inventory   *service.InventoryService
	fulfillment *service.FulfillmentService
	queries     *service.QueryService
	catalog     *service.CatalogService
	logger      *zap.Logger
}

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type LineHTTPRequest struct {
	ItemID   string `json:"item_id" binding:"required"`
	Quantity int    `json:"quantity" binding:"required,gt=0"`
}

type SubmitHTTPRequest struct {
	Notes          string            `json:"notes" binding:"max=2000"`
	IdempotencyKey string            `json:"idempotency_key" binding:"max=128"`
	Lines          []LineHTTPRequest `json:"lines" binding:"required,min=1,dive"`
}

type ApproveHTTPRequest struct {
	Approved map[string]int `json:"approved"`
}

type RejectHTTPRequest struct {
	Reason string `json:"reason" binding:"max=2000"`
}

type ReceiveStockHTTPRequest struct {
	ItemID   string `json:"item_id" binding:"required"`
	Quantity int    `json:"quantity" binding:"required,gt=0"`
}

type RegisterItemHTTPRequest struct {
	ID       string `json:"id" binding:"required,max=64"`
	Name     string `json:"name" binding:"required,max=255"`
	Category string `json:"category" binding:"required,category"`
	Unit     string `json:"unit" binding:"required,max=64"`
}

func NewHTTPHandler(
	inventory *service.InventoryService,
	fulfillment *service.FulfillmentService,
	queries *service.QueryService,
	catalog *service.CatalogService,
	logger *zap.Logger,
) *HTTPHandler {
	registerOnce.Do(registerValidators)
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{
		inventory:   inventory,
		fulfillment: fulfillment,
		queries:     queries,
		catalog:     catalog,
		logger:      logger,
	}
}

func registerValidators() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("category", func(fl validator.FieldLevel) bool {
			_, err := domain.ParseCategory(fl.Field().String())
			return err == nil
		})
	}
}

func (h *HTTPHandler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.accessLog())

	r.GET("/health", h.HealthCheck)

	api := r.Group("/api", ActorMiddleware())
	api.GET("/stock", h.GetStock)
	api.GET("/stock/requestable", h.RequestableItems)
	api.POST("/stock/receipts", h.ReceiveStock)

	api.GET("/items", h.ListItems)
	api.POST("/items", h.RegisterItem)
	api.POST("/items/:id/deactivate", h.DeactivateItem)
	api.GET("/items/:id/quantity", h.CurrentQuantity)
	api.GET("/items/:id/movements", h.StockMovements)

	api.POST("/requests", h.SubmitRequest)
	api.GET("/requests", h.ListRequests)
	api.GET("/requests/:id", h.GetRequest)
	api.POST("/requests/:id/approve", h.ApproveRequest)
	api.POST("/requests/:id/reject", h.RejectRequest)
	api.POST("/requests/:id/receive", h.MarkReceived)
	return r
}

// ActorMiddleware reads the identity resolved by the upstream auth proxy.
func ActorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		role, err := domain.ParseRole(c.GetHeader("X-User-Role"))
		if userID == "" || err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, APIResponse{
				Success: false,
				Code:    "unauthenticated",
				Message: "missing or invalid caller identity",
			})
			return
		}
		c.Set(actorKey, domain.Actor{UserID: userID, Role: role, Origin: c.GetHeader("X-User-Origin")})
		c.Next()
	}
}

func actorFrom(c *gin.Context) domain.Actor {
	v, _ := c.Get(actorKey)
	actor, _ := v.(domain.Actor)
	return actor
}

func (h *HTTPHandler) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *HTTPHandler) GetStock(c *gin.Context) {
	if c.Query("group") == "category" {
		groups, err := h.queries.StockByCategory(c.Request.Context())
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, APIResponse{Success: true, Data: groups})
		return
	}

	views, err := h.queries.GetStockView(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: views})
}

func (h *HTTPHandler) RequestableItems(c *gin.Context) {
	views, err := h.queries.RequestableItems(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: views})
}

func (h *HTTPHandler) ReceiveStock(c *gin.Context) {
	var req ReceiveStockHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	entry, err := h.inventory.ReceiveStock(c.Request.Context(), actorFrom(c), req.ItemID, req.Quantity)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse{
		Success: true,
		Message: "stock received",
		Data:    gin.H{"item_id": entry.ItemID, "on_hand": entry.Quantity},
	})
}

func (h *HTTPHandler) ListItems(c *gin.Context) {
	items, err := h.catalog.ListItems(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]gin.H, len(items))
	for i, item := range items {
		out[i] = itemJSON(item)
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: out})
}

func (h *HTTPHandler) RegisterItem(c *gin.Context) {
	var req RegisterItemHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	item, err := h.catalog.RegisterItem(c.Request.Context(), actorFrom(c), domain.Item{
		ID:       req.ID,
		Name:     req.Name,
		Category: domain.Category(req.Category),
		Unit:     req.Unit,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, APIResponse{Success: true, Message: "item registered", Data: itemJSON(item)})
}

func (h *HTTPHandler) DeactivateItem(c *gin.Context) {
	if err := h.catalog.DeactivateItem(c.Request.Context(), actorFrom(c), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Message: "item deactivated"})
}

func (h *HTTPHandler) CurrentQuantity(c *gin.Context) {
	qty, err := h.inventory.CurrentQuantity(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: gin.H{"item_id": c.Param("id"), "on_hand": qty}})
}

func (h *HTTPHandler) StockMovements(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	movements, err := h.queries.StockMovements(c.Request.Context(), actorFrom(c), c.Param("id"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]gin.H, len(movements))
	for i, m := range movements {
		out[i] = gin.H{
			"id":             m.ID,
			"kind":           m.Kind,
			"delta":          m.Delta,
			"quantity_after": m.QuantityAfter,
			"request_id":     m.RequestID,
			"actor_id":       m.ActorID,
			"created_at":     m.CreatedAt,
		}
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: out})
}

func (h *HTTPHandler) SubmitRequest(c *gin.Context) {
	var req SubmitHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	in := service.SubmitInput{
		Notes:          req.Notes,
		IdempotencyKey: req.IdempotencyKey,
		Lines:          make([]service.LineInput, len(req.Lines)),
	}
	if key := c.GetHeader("Idempotency-Key"); key != "" {
		in.IdempotencyKey = key
	}
	for i, ln := range req.Lines {
		in.Lines[i] = service.LineInput{ItemID: ln.ItemID, Quantity: ln.Quantity}
	}

	id, err := h.fulfillment.SubmitRequest(c.Request.Context(), actorFrom(c), in)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, APIResponse{Success: true, Message: "request submitted", Data: gin.H{"request_id": id}})
}

func (h *HTTPHandler) ListRequests(c *gin.Context) {
	filter := domain.RequestFilter{RequesterID: c.Query("requester_id")}
	if s := c.Query("status"); s != "" {
		status, err := domain.ParseStatus(s)
		if err != nil {
			h.writeError(c, err)
			return
		}
		filter.Status = status
	}
	filter.Limit, _ = strconv.Atoi(c.Query("limit"))

	reqs, err := h.queries.ListRequests(c.Request.Context(), actorFrom(c), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: reqs})
}

func (h *HTTPHandler) GetRequest(c *gin.Context) {
	detail, err := h.queries.GetRequest(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: detail})
}

func (h *HTTPHandler) ApproveRequest(c *gin.Context) {
	var req ApproveHTTPRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.fulfillment.ApproveRequest(c.Request.Context(), actorFrom(c), c.Param("id"), req.Approved); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Message: "request approved"})
}

func (h *HTTPHandler) RejectRequest(c *gin.Context) {
	var req RejectHTTPRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.fulfillment.RejectRequest(c.Request.Context(), actorFrom(c), c.Param("id"), req.Reason); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Message: "request rejected"})
}

func (h *HTTPHandler) MarkReceived(c *gin.Context) {
	if err := h.fulfillment.MarkReceived(c.Request.Context(), actorFrom(c), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Message: "request received"})
}

// bindOptionalJSON treats an empty body as the zero value.
func bindOptionalJSON(c *gin.Context, dst any) error {
	err := c.ShouldBindJSON(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, APIResponse{
		Success: false,
		Code:    "validation_error",
		Message: "invalid request body: " + err.Error(),
	})
}

func (h *HTTPHandler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := "internal error"

	switch {
	case errors.Is(err, domain.ErrValidation):
		status, code, message = http.StatusBadRequest, "validation_error", err.Error()
	case errors.Is(err, domain.ErrPermissionDenied):
		status, code, message = http.StatusForbidden, "permission_denied", err.Error()
	case errors.Is(err, domain.ErrNotFound):
		status, code, message = http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, domain.ErrInvalidTransition):
		status, code, message = http.StatusConflict, "invalid_transition", err.Error()
	case errors.Is(err, domain.ErrInsufficientStock):
		status, code, message = http.StatusConflict, "insufficient_stock", err.Error()
	case errors.Is(err, domain.ErrDuplicateRequest):
		status, code, message = http.StatusConflict, "duplicate_request", err.Error()
	case errors.Is(err, domain.ErrTransientStore):
		status, code, message = http.StatusServiceUnavailable, "store_unavailable", "store temporarily unavailable, re-read state before retrying"
		c.Header("Retry-After", "1")
	default:
		h.logger.Error("unhandled error", zap.String("path", c.FullPath()), zap.Error(err))
	}

	c.JSON(status, APIResponse{Success: false, Code: code, Message: message})
}

func itemJSON(item domain.Item) gin.H {
	return gin.H{
		"id":       item.ID,
		"name":     item.Name,
		"category": item.Category,
		"unit":     item.Unit,
		"active":   item.Active,
	}
}
