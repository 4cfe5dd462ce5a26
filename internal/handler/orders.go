package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kiwari-pos/queue/internal/auth"
	"github.com/kiwari-pos/queue/internal/database"
	"github.com/kiwari-pos/queue/internal/enum"
	"github.com/kiwari-pos/queue/internal/middleware"
	"github.com/kiwari-pos/queue/internal/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderServicer defines the service methods needed by customer order handlers.
// Satisfied by *service.OrderService; narrow interface for testability.
type OrderServicer interface {
	PlaceOrder(ctx context.Context, req service.PlaceOrderRequest) (*service.OrderDetail, error)
	TrackOrder(ctx context.Context, publicID string) (*service.OrderView, error)
	CancelItem(ctx context.Context, itemID int64, requester service.Requester) (*service.CascadeResult, error)
}

// OrderHandler handles customer-facing order endpoints.
type OrderHandler struct {
	svc       OrderServicer
	jwtSecret string
	logger    *zap.Logger
}

// NewOrderHandler creates a new OrderHandler.
func NewOrderHandler(svc OrderServicer, jwtSecret string, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{svc: svc, jwtSecret: jwtSecret, logger: logger}
}

// RegisterRoutes registers order endpoints on the given Chi router.
// Expected to be mounted at /orders.
func (h *OrderHandler) RegisterRoutes(r chi.Router) {
	r.With(middleware.OptionalAuthenticate(h.jwtSecret)).Post("/", h.Place)
	r.Get("/{publicId}", h.Track)
	r.With(middleware.Authenticate(h.jwtSecret)).Post("/items/{itemId}/cancel", h.CancelItem)
}

// --- Request / Response types ---

type placeOrderRequest struct {
	GuestName            string                       `json:"guest_name"`
	GuestEmail           string                       `json:"guest_email"`
	NotificationsEnabled *bool                        `json:"notifications_enabled"`
	NotificationMethods  *service.NotificationMethods `json:"notification_methods"`
	Items                []placeOrderItemRequest      `json:"items"`
}

type placeOrderItemRequest struct {
	ProductID     int64           `json:"product_id"`
	ProductName   string          `json:"product_name"`
	Quantity      int32           `json:"quantity"`
	UnitPrice     string          `json:"unit_price"`
	Customization json.RawMessage `json:"customization"`
	Notes         string          `json:"notes"`
}

type orderResponse struct {
	ID          int64               `json:"id"`
	PublicID    string              `json:"public_id"`
	Status      string              `json:"status"`
	UserID      *uuid.UUID          `json:"user_id"`
	GuestName   *string             `json:"guest_name"`
	TotalAmount string              `json:"total_amount"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	Items       []orderItemResponse `json:"items"`
}

type orderItemResponse struct {
	ID            int64           `json:"id"`
	ProductID     int64           `json:"product_id"`
	ProductName   string          `json:"product_name"`
	Quantity      int32           `json:"quantity"`
	UnitPrice     string          `json:"unit_price"`
	Customization json.RawMessage `json:"customization,omitempty"`
	Notes         *string         `json:"notes"`
	State         string          `json:"state"`
	CompletedAt   *time.Time      `json:"completed_at"`
}

// placeOrderResponse carries the guest token a guest needs to cancel items.
type placeOrderResponse struct {
	orderResponse
	GuestToken string `json:"guest_token,omitempty"`
}

// trackOrderResponse is the customer tracker view.
type trackOrderResponse struct {
	orderResponse
	Position *int `json:"position"`
}

type cascadeResponse struct {
	Item          orderItemResponse `json:"item"`
	OrderID       int64             `json:"order_id"`
	PublicID      string            `json:"public_id"`
	OrderStatus   string            `json:"order_status"`
	OrderFinished bool              `json:"order_finished"`
}

// --- Handlers ---

// Place handles POST /orders. Registered customers place orders under their
// account; anyone else places a guest order and receives a guest token.
func (h *OrderHandler) Place(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	svcReq := service.PlaceOrderRequest{
		GuestName:            req.GuestName,
		GuestEmail:           req.GuestEmail,
		NotificationsEnabled: req.NotificationsEnabled,
		NotificationMethods:  req.NotificationMethods,
		Items:                make([]service.PlaceOrderItemRequest, len(req.Items)),
	}
	for i, item := range req.Items {
		svcReq.Items[i] = service.PlaceOrderItemRequest{
			ProductID:     item.ProductID,
			ProductName:   item.ProductName,
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
			Customization: item.Customization,
			Notes:         item.Notes,
		}
	}

	claims := middleware.ClaimsFromContext(r.Context())
	registered := claims != nil && claims.Role != enum.UserRoleGuest && claims.UserID != uuid.Nil
	if registered {
		svcReq.UserID = claims.UserID
	}

	detail, err := h.svc.PlaceOrder(r.Context(), svcReq)
	if err != nil {
		writeServiceError(w, h.logger, "place order", err)
		return
	}

	resp := placeOrderResponse{orderResponse: toOrderResponse(detail.Order, detail.Items)}
	if !registered {
		token, err := auth.GenerateGuestToken(h.jwtSecret, detail.Order.PublicID)
		if err != nil {
			// The order exists; the guest can still track it, just not cancel.
			h.logger.Error("generate guest token", zap.String("public_id", detail.Order.PublicID), zap.Error(err))
		}
		resp.GuestToken = token
	}

	writeJSON(w, http.StatusCreated, resp)
}

// Track handles GET /orders/{publicId}.
func (h *OrderHandler) Track(w http.ResponseWriter, r *http.Request) {
	publicID := chi.URLParam(r, "publicId")
	if publicID == "" {
		writeError(w, http.StatusBadRequest, "invalid order ID")
		return
	}

	view, err := h.svc.TrackOrder(r.Context(), publicID)
	if err != nil {
		writeServiceError(w, h.logger, "track order", err)
		return
	}

	writeJSON(w, http.StatusOK, trackOrderResponse{
		orderResponse: toOrderResponse(view.Order, view.Items),
		Position:      view.Position,
	})
}

// CancelItem handles POST /orders/items/{itemId}/cancel.
func (h *OrderHandler) CancelItem(w http.ResponseWriter, r *http.Request) {
	itemID, ok := int64Param(r, "itemId")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid item ID")
		return
	}

	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	requester := service.Requester{UserID: claims.UserID}
	if claims.Role == enum.UserRoleGuest {
		requester = service.Requester{PublicID: claims.PublicID}
	}

	res, err := h.svc.CancelItem(r.Context(), itemID, requester)
	if err != nil {
		writeServiceError(w, h.logger, "cancel item", err)
		return
	}

	writeJSON(w, http.StatusOK, toCascadeResponse(res))
}

// --- Helpers ---

func toOrderResponse(o database.Order, items []database.OrderItem) orderResponse {
	resp := orderResponse{
		ID:          o.ID,
		PublicID:    o.PublicID,
		Status:      string(o.Status),
		TotalAmount: formatNumeric(o.TotalAmount),
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
		Items:       make([]orderItemResponse, len(items)),
	}
	if o.UserID.Valid {
		id := uuid.UUID(o.UserID.Bytes)
		resp.UserID = &id
	}
	if o.GuestName.Valid {
		resp.GuestName = &o.GuestName.String
	}
	for i, item := range items {
		resp.Items[i] = toOrderItemResponse(item)
	}
	return resp
}

func toOrderItemResponse(item database.OrderItem) orderItemResponse {
	resp := orderItemResponse{
		ID:            item.ID,
		ProductID:     item.ProductID,
		ProductName:   item.ProductName,
		Quantity:      item.Quantity,
		UnitPrice:     formatNumeric(item.UnitPrice),
		Customization: item.Customization,
		State:         itemState(item),
	}
	if item.Notes.Valid {
		resp.Notes = &item.Notes.String
	}
	if item.CompletedAt.Valid {
		t := item.CompletedAt.Time
		resp.CompletedAt = &t
	}
	return resp
}

func toCascadeResponse(res *service.CascadeResult) cascadeResponse {
	return cascadeResponse{
		Item:          toOrderItemResponse(res.Item),
		OrderID:       res.Order.ID,
		PublicID:      res.Order.PublicID,
		OrderStatus:   string(res.Order.Status),
		OrderFinished: res.OrderFinished,
	}
}

func itemState(item database.OrderItem) string {
	switch {
	case item.Cancelled:
		return enum.ItemStateCancelled
	case item.Done():
		return enum.ItemStateDone
	default:
		return enum.ItemStateLive
	}
}

// formatNumeric renders money with 2 decimal places; NULL renders as "0.00".
func formatNumeric(n pgtype.Numeric) string {
	if n.Valid {
		val, err := n.Value()
		if err == nil && val != nil {
			if d, err := decimal.NewFromString(val.(string)); err == nil {
				return d.StringFixed(2)
			}
		}
	}
	return decimal.Zero.StringFixed(2)
}
