package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kiwari-pos/queue/internal/database"
	"github.com/kiwari-pos/queue/internal/events"
	"github.com/kiwari-pos/queue/internal/notify"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultDispatchTimeout = 10 * time.Second

// TxBeginner starts a new database transaction.
type TxBeginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// OrderStore defines the DB methods the order service needs.
// Satisfied by *database.Queries (and its WithTx variant).
type OrderStore interface {
	CreateOrder(ctx context.Context, arg database.CreateOrderParams) (database.Order, error)
	CreateOrderItem(ctx context.Context, arg database.CreateOrderItemParams) (database.OrderItem, error)
	GetOrder(ctx context.Context, id int64) (database.Order, error)
	GetOrderByPublicID(ctx context.Context, publicID string) (database.Order, error)
	GetOrderForUpdate(ctx context.Context, id int64) (database.Order, error)
	ListActiveOrders(ctx context.Context) ([]database.Order, error)
	TransitionOrderStatus(ctx context.Context, arg database.TransitionOrderStatusParams) (database.Order, error)
	GetOrderItem(ctx context.Context, id int64) (database.OrderItem, error)
	ListOrderItemsByOrder(ctx context.Context, orderID int64) ([]database.OrderItem, error)
	CompleteOrderItem(ctx context.Context, id int64, at time.Time) (database.OrderItem, error)
	CancelOrderItem(ctx context.Context, id int64) (database.OrderItem, error)
	CountLiveOrderItems(ctx context.Context, orderID int64) (int64, error)
	CountLiveItemsAhead(ctx context.Context, createdAt time.Time) (int64, error)
	GetUser(ctx context.Context, id uuid.UUID) (database.User, error)
}

// NewOrderStore creates an OrderStore from a DBTX (pool or tx).
// This allows the service to create store instances from transactions.
type NewOrderStore func(db database.DBTX) OrderStore

// OrderService runs the order lifecycle: placement, the completion and
// cancellation cascades, and queue position.
type OrderService struct {
	pool       TxBeginner
	newStore   NewOrderStore
	publisher  events.Publisher
	dispatcher notify.Dispatcher
	logger     *zap.Logger

	newPublicID     func() (string, error)
	now             func() time.Time
	dispatchTimeout time.Duration

	// In-flight notification dispatches, drained on shutdown.
	dispatches sync.WaitGroup
}

// Option configures an OrderService.
type Option func(*OrderService)

// WithPublicIDGenerator replaces the random public id source.
func WithPublicIDGenerator(fn func() (string, error)) Option {
	return func(s *OrderService) { s.newPublicID = fn }
}

// WithClock replaces time.Now for completion timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *OrderService) { s.now = now }
}

// WithDispatchTimeout bounds each detached notification send.
func WithDispatchTimeout(d time.Duration) Option {
	return func(s *OrderService) { s.dispatchTimeout = dispatchTimeoutOrDefault(d) }
}

// NewOrderService creates a new OrderService.
func NewOrderService(pool TxBeginner, newStore NewOrderStore, publisher events.Publisher, dispatcher notify.Dispatcher, logger *zap.Logger, opts ...Option) *OrderService {
	s := &OrderService{
		pool:            pool,
		newStore:        newStore,
		publisher:       publisher,
		dispatcher:      dispatcher,
		logger:          logger,
		newPublicID:     NewPublicID,
		now:             time.Now,
		dispatchTimeout: defaultDispatchTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PlaceOrderRequest is the validated input for placing an order.
// Exactly one of UserID (registered customer) or GuestName is the owner.
type PlaceOrderRequest struct {
	UserID     uuid.UUID
	GuestName  string
	GuestEmail string
	// Per-order override of the owner's notification preference.
	NotificationsEnabled *bool
	NotificationMethods  *NotificationMethods
	Items                []PlaceOrderItemRequest
}

// PlaceOrderItemRequest is a single drink in the order.
type PlaceOrderItemRequest struct {
	ProductID     int64
	ProductName   string
	Quantity      int32
	UnitPrice     string
	Customization json.RawMessage
	Notes         string
}

// OrderDetail is an order with its items.
type OrderDetail struct {
	Order database.Order
	Items []database.OrderItem
}

// PlaceOrder validates the request and creates the order and its items in one
// transaction under a freshly allocated public id.
func (s *OrderService) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*OrderDetail, error) {
	orderParams, itemParams, err := buildOrder(req)
	if err != nil {
		return nil, err
	}

	var detail *OrderDetail
	_, err = s.allocatePublicID(ctx, func(publicID string) error {
		orderParams.PublicID = publicID
		d, err := s.createOrderTx(ctx, orderParams, itemParams)
		if err != nil {
			return err
		}
		detail = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order placed",
		zap.Int64("order_id", detail.Order.ID),
		zap.String("public_id", detail.Order.PublicID),
		zap.Int("items", len(detail.Items)))

	// A new order changes every staff queue view.
	s.publish(ctx, events.RefreshQueue())
	return detail, nil
}

// allocatePublicID draws candidate ids and hands each to insert until one is
// stored. insert signals a collision by returning the store's duplicate-key
// error; any other error aborts immediately. Collisions are independent
// draws, so attempts follow each other without backoff.
func (s *OrderService) allocatePublicID(ctx context.Context, insert func(publicID string) error) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxPublicIDAttempts; attempt++ {
		publicID, err := s.newPublicID()
		if err != nil {
			return "", fmt.Errorf("generate public id: %w", err)
		}

		err = insert(publicID)
		if err == nil {
			return publicID, nil
		}
		if !isPublicIDConflict(err) {
			return "", err
		}

		lastErr = err
		s.logger.Info("public id collision, retrying",
			zap.String("public_id", publicID),
			zap.Int("attempt", attempt))

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("%w: no free public id after %d attempts: %w", ErrResourceExhausted, maxPublicIDAttempts, lastErr)
}

// createOrderTx inserts the order and its items in a single transaction.
func (s *OrderService) createOrderTx(ctx context.Context, orderParams database.CreateOrderParams, itemParams []database.CreateOrderItemParams) (*OrderDetail, error) {
	var detail OrderDetail
	err := s.inTx(ctx, pgx.TxOptions{}, func(store OrderStore) error {
		order, err := store.CreateOrder(ctx, orderParams)
		if err != nil {
			return storeFailure("create order", err)
		}

		items := make([]database.OrderItem, 0, len(itemParams))
		for _, p := range itemParams {
			p.OrderID = order.ID
			item, err := store.CreateOrderItem(ctx, p)
			if err != nil {
				return storeFailure("create order item", err)
			}
			items = append(items, item)
		}

		detail = OrderDetail{Order: order, Items: items}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &detail, nil
}

// buildOrder validates the request and prepares insert parameters. The
// order's PublicID and the items' OrderID are filled in later.
func buildOrder(req PlaceOrderRequest) (database.CreateOrderParams, []database.CreateOrderItemParams, error) {
	var params database.CreateOrderParams

	if len(req.Items) == 0 {
		return params, nil, ErrEmptyItems
	}

	guestName := strings.TrimSpace(req.GuestName)
	guestEmail := strings.TrimSpace(req.GuestEmail)
	if req.UserID == uuid.Nil && guestName == "" {
		return params, nil, ErrMissingOwner
	}
	if guestEmail != "" {
		if _, err := mail.ParseAddress(guestEmail); err != nil {
			return params, nil, ErrInvalidGuestEmail
		}
	}

	total := decimal.Zero
	items := make([]database.CreateOrderItemParams, len(req.Items))
	for i, item := range req.Items {
		if item.Quantity <= 0 {
			return params, nil, fmt.Errorf("item[%d]: %w", i, ErrInvalidQuantity)
		}
		name := strings.TrimSpace(item.ProductName)
		if item.ProductID <= 0 || name == "" {
			return params, nil, fmt.Errorf("item[%d]: %w", i, ErrInvalidProduct)
		}

		unitPrice := decimal.Zero
		if item.UnitPrice != "" {
			p, err := decimal.NewFromString(item.UnitPrice)
			if err != nil || p.IsNegative() {
				return params, nil, fmt.Errorf("item[%d]: %w", i, ErrInvalidUnitPrice)
			}
			unitPrice = p
		}
		total = total.Add(unitPrice.Mul(decimal.NewFromInt32(item.Quantity)))

		var customization []byte
		if len(item.Customization) > 0 && string(item.Customization) != "null" {
			var obj map[string]any
			if err := json.Unmarshal(item.Customization, &obj); err != nil {
				return params, nil, fmt.Errorf("item[%d]: %w", i, ErrInvalidCustomization)
			}
			customization = item.Customization
		}

		notes := pgtype.Text{}
		if item.Notes != "" {
			notes = pgtype.Text{String: item.Notes, Valid: true}
		}

		items[i] = database.CreateOrderItemParams{
			ProductID:     item.ProductID,
			ProductName:   name,
			Quantity:      item.Quantity,
			UnitPrice:     decimalToNumeric(unitPrice),
			Customization: customization,
			Notes:         notes,
		}
	}

	if req.UserID != uuid.Nil {
		params.UserID = pgtype.UUID{Bytes: req.UserID, Valid: true}
	}
	if guestName != "" {
		params.GuestName = pgtype.Text{String: guestName, Valid: true}
	}
	if guestEmail != "" {
		params.GuestEmail = pgtype.Text{String: guestEmail, Valid: true}
	}
	if req.NotificationsEnabled != nil {
		params.NotificationsEnabled = pgtype.Bool{Bool: *req.NotificationsEnabled, Valid: true}
	}
	if req.NotificationMethods != nil {
		methods, err := json.Marshal(req.NotificationMethods)
		if err != nil {
			return params, nil, fmt.Errorf("marshal notification methods: %w", err)
		}
		params.NotificationMethods = methods
	}
	params.TotalAmount = decimalToNumeric(total)

	return params, items, nil
}

// inTx runs fn against a store bound to a new transaction and commits when fn
// succeeds. Events must be published by the caller after inTx returns, never
// from inside fn, so subscribers never re-fetch state older than the event.
func (s *OrderService) inTx(ctx context.Context, opts pgx.TxOptions, fn func(store OrderStore) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return storeFailure("begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(s.newStore(tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return storeFailure("commit tx", err)
	}
	return nil
}

// publish hands the event to the broadcaster. Failures are logged and never
// reach the caller: the state change has already committed.
func (s *OrderService) publish(ctx context.Context, ev events.Event) {
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("event publish failed",
			zap.String("topic", ev.Topic),
			zap.String("key", ev.Key),
			zap.Error(err))
	}
}

func (s *OrderService) publishUpdate(ctx context.Context, u events.OrderUpdate) {
	ev, err := events.Update(u)
	if err != nil {
		s.logger.Warn("event encode failed", zap.String("type", u.Type), zap.Error(err))
		return
	}
	s.publish(ctx, ev)
}

// notFoundOr maps pgx.ErrNoRows to ErrNotFound and anything else to a store
// failure.
func notFoundOr(op string, what string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return storeFailure(op, err)
}

// --- Helpers ---

func numericToDecimal(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid {
		return decimal.Zero
	}
	val, err := n.Value()
	if err != nil || val == nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(val.(string))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func decimalToNumeric(d decimal.Decimal) pgtype.Numeric {
	var n pgtype.Numeric
	_ = n.Scan(d.StringFixed(2))
	return n
}
