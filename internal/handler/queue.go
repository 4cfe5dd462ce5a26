package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiwari-pos/queue/internal/database"
	"github.com/kiwari-pos/queue/internal/service"
	"go.uber.org/zap"
)

// QueueServicer defines the service methods needed by the staff queue.
// Satisfied by *service.OrderService.
type QueueServicer interface {
	ListActiveOrders(ctx context.Context) ([]service.OrderDetail, error)
	StartPreparing(ctx context.Context, orderID int64) (*database.Order, error)
	CompleteItem(ctx context.Context, itemID int64) (*service.CascadeResult, error)
	PositionOf(ctx context.Context, orderID int64) (*int, error)
}

// QueueHandler handles the staff preparation queue.
type QueueHandler struct {
	svc    QueueServicer
	logger *zap.Logger
}

// NewQueueHandler creates a new QueueHandler.
func NewQueueHandler(svc QueueServicer, logger *zap.Logger) *QueueHandler {
	return &QueueHandler{svc: svc, logger: logger}
}

// RegisterRoutes registers queue endpoints on the given Chi router.
// Expected to be mounted at /queue behind staff authentication.
func (h *QueueHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/orders/{id}/start", h.Start)
	r.Get("/orders/{id}/position", h.Position)
	r.Post("/items/{id}/complete", h.CompleteItem)
}

type queueResponse struct {
	Orders []orderResponse `json:"orders"`
}

type positionResponse struct {
	OrderID  int64 `json:"order_id"`
	Position *int  `json:"position"`
}

// List handles GET /queue. Staff screens re-fetch this on every refresh hint.
func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request) {
	details, err := h.svc.ListActiveOrders(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, "list queue", err)
		return
	}

	resp := queueResponse{Orders: make([]orderResponse, len(details))}
	for i, d := range details {
		resp.Orders[i] = toOrderResponse(d.Order, d.Items)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Start handles POST /queue/orders/{id}/start.
func (h *QueueHandler) Start(w http.ResponseWriter, r *http.Request) {
	orderID, ok := int64Param(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid order ID")
		return
	}

	order, err := h.svc.StartPreparing(r.Context(), orderID)
	if err != nil {
		writeServiceError(w, h.logger, "start preparing", err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(*order, nil))
}

// Position handles GET /queue/orders/{id}/position. A finished order has a
// null position.
func (h *QueueHandler) Position(w http.ResponseWriter, r *http.Request) {
	orderID, ok := int64Param(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid order ID")
		return
	}

	pos, err := h.svc.PositionOf(r.Context(), orderID)
	if err != nil {
		writeServiceError(w, h.logger, "position of", err)
		return
	}

	writeJSON(w, http.StatusOK, positionResponse{OrderID: orderID, Position: pos})
}

// CompleteItem handles POST /queue/items/{id}/complete.
func (h *QueueHandler) CompleteItem(w http.ResponseWriter, r *http.Request) {
	itemID, ok := int64Param(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid item ID")
		return
	}

	res, err := h.svc.CompleteItem(r.Context(), itemID)
	if err != nil {
		writeServiceError(w, h.logger, "complete item", err)
		return
	}

	writeJSON(w, http.StatusOK, toCascadeResponse(res))
}
