package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

const orderColumns = `id, public_id, user_id, guest_name, guest_email, status, notifications_enabled, notification_methods, total_amount, created_at, updated_at`

const orderItemColumns = `id, order_id, product_id, product_name, quantity, unit_price, customization, notes, completed_at, cancelled, created_at`

func scanOrder(row interface{ Scan(...any) error }) (Order, error) {
	var i Order
	err := row.Scan(
		&i.ID,
		&i.PublicID,
		&i.UserID,
		&i.GuestName,
		&i.GuestEmail,
		&i.Status,
		&i.NotificationsEnabled,
		&i.NotificationMethods,
		&i.TotalAmount,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

func scanOrderItem(row interface{ Scan(...any) error }) (OrderItem, error) {
	var i OrderItem
	err := row.Scan(
		&i.ID,
		&i.OrderID,
		&i.ProductID,
		&i.ProductName,
		&i.Quantity,
		&i.UnitPrice,
		&i.Customization,
		&i.Notes,
		&i.CompletedAt,
		&i.Cancelled,
		&i.CreatedAt,
	)
	return i, err
}

const createOrder = `-- name: CreateOrder :one
INSERT INTO orders (public_id, user_id, guest_name, guest_email, notifications_enabled, notification_methods, total_amount)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING ` + orderColumns

type CreateOrderParams struct {
	PublicID             string
	UserID               pgtype.UUID
	GuestName            pgtype.Text
	GuestEmail           pgtype.Text
	NotificationsEnabled pgtype.Bool
	NotificationMethods  []byte
	TotalAmount          pgtype.Numeric
}

func (q *Queries) CreateOrder(ctx context.Context, arg CreateOrderParams) (Order, error) {
	row := q.db.QueryRow(ctx, createOrder,
		arg.PublicID,
		arg.UserID,
		arg.GuestName,
		arg.GuestEmail,
		arg.NotificationsEnabled,
		arg.NotificationMethods,
		arg.TotalAmount,
	)
	return scanOrder(row)
}

const createOrderItem = `-- name: CreateOrderItem :one
INSERT INTO order_items (order_id, product_id, product_name, quantity, unit_price, customization, notes)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING ` + orderItemColumns

type CreateOrderItemParams struct {
	OrderID       int64
	ProductID     int64
	ProductName   string
	Quantity      int32
	UnitPrice     pgtype.Numeric
	Customization []byte
	Notes         pgtype.Text
}

func (q *Queries) CreateOrderItem(ctx context.Context, arg CreateOrderItemParams) (OrderItem, error) {
	row := q.db.QueryRow(ctx, createOrderItem,
		arg.OrderID,
		arg.ProductID,
		arg.ProductName,
		arg.Quantity,
		arg.UnitPrice,
		arg.Customization,
		arg.Notes,
	)
	return scanOrderItem(row)
}

const getOrder = `-- name: GetOrder :one
SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

func (q *Queries) GetOrder(ctx context.Context, id int64) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, getOrder, id))
}

const getOrderByPublicID = `-- name: GetOrderByPublicID :one
SELECT ` + orderColumns + ` FROM orders WHERE public_id = $1`

func (q *Queries) GetOrderByPublicID(ctx context.Context, publicID string) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, getOrderByPublicID, publicID))
}

const getOrderForUpdate = `-- name: GetOrderForUpdate :one
SELECT ` + orderColumns + ` FROM orders WHERE id = $1 FOR UPDATE`

// GetOrderForUpdate locks the order row until the surrounding transaction ends.
// Every cascade takes this lock before touching an item of the order, which
// serializes concurrent cascades on the same order.
func (q *Queries) GetOrderForUpdate(ctx context.Context, id int64) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, getOrderForUpdate, id))
}

const listActiveOrders = `-- name: ListActiveOrders :many
SELECT ` + orderColumns + ` FROM orders
WHERE status IN ('queued', 'preparing')
ORDER BY created_at, id`

func (q *Queries) ListActiveOrders(ctx context.Context) ([]Order, error) {
	rows, err := q.db.Query(ctx, listActiveOrders)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Order
	for rows.Next() {
		i, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const transitionOrderStatus = `-- name: TransitionOrderStatus :one
UPDATE orders SET status = $2, updated_at = now()
WHERE id = $1 AND status = ANY($3::text[])
RETURNING ` + orderColumns

type TransitionOrderStatusParams struct {
	ID     int64
	Status OrderStatus
	From   []OrderStatus
}

// TransitionOrderStatus moves an order to Status only when its current status
// is one of From. Returns pgx.ErrNoRows when the precondition does not hold.
func (q *Queries) TransitionOrderStatus(ctx context.Context, arg TransitionOrderStatusParams) (Order, error) {
	from := make([]string, len(arg.From))
	for i, s := range arg.From {
		from[i] = string(s)
	}
	return scanOrder(q.db.QueryRow(ctx, transitionOrderStatus, arg.ID, arg.Status, from))
}

const getOrderItem = `-- name: GetOrderItem :one
SELECT ` + orderItemColumns + ` FROM order_items WHERE id = $1`

func (q *Queries) GetOrderItem(ctx context.Context, id int64) (OrderItem, error) {
	return scanOrderItem(q.db.QueryRow(ctx, getOrderItem, id))
}

const listOrderItemsByOrder = `-- name: ListOrderItemsByOrder :many
SELECT ` + orderItemColumns + ` FROM order_items WHERE order_id = $1 ORDER BY id`

func (q *Queries) ListOrderItemsByOrder(ctx context.Context, orderID int64) ([]OrderItem, error) {
	rows, err := q.db.Query(ctx, listOrderItemsByOrder, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []OrderItem
	for rows.Next() {
		i, err := scanOrderItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const completeOrderItem = `-- name: CompleteOrderItem :one
UPDATE order_items SET completed_at = $2
WHERE id = $1 AND completed_at IS NULL AND NOT cancelled
RETURNING ` + orderItemColumns

// CompleteOrderItem stamps completed_at on a live item. Returns pgx.ErrNoRows
// when the item is already completed or cancelled.
func (q *Queries) CompleteOrderItem(ctx context.Context, id int64, at time.Time) (OrderItem, error) {
	return scanOrderItem(q.db.QueryRow(ctx, completeOrderItem, id, at))
}

const cancelOrderItem = `-- name: CancelOrderItem :one
UPDATE order_items SET cancelled = TRUE
WHERE id = $1 AND completed_at IS NULL AND NOT cancelled
RETURNING ` + orderItemColumns

// CancelOrderItem flags a live item as cancelled. Returns pgx.ErrNoRows when
// the item is already completed or cancelled.
func (q *Queries) CancelOrderItem(ctx context.Context, id int64) (OrderItem, error) {
	return scanOrderItem(q.db.QueryRow(ctx, cancelOrderItem, id))
}

const countLiveOrderItems = `-- name: CountLiveOrderItems :one
SELECT count(*) FROM order_items
WHERE order_id = $1 AND completed_at IS NULL AND NOT cancelled`

func (q *Queries) CountLiveOrderItems(ctx context.Context, orderID int64) (int64, error) {
	var count int64
	err := q.db.QueryRow(ctx, countLiveOrderItems, orderID).Scan(&count)
	return count, err
}

const countLiveItemsAhead = `-- name: CountLiveItemsAhead :one
SELECT count(*) FROM order_items oi
JOIN orders o ON o.id = oi.order_id
WHERE o.created_at < $1
  AND o.status IN ('queued', 'preparing')
  AND oi.completed_at IS NULL
  AND NOT oi.cancelled`

// CountLiveItemsAhead counts live items of active orders created strictly
// before the given instant.
func (q *Queries) CountLiveItemsAhead(ctx context.Context, createdAt time.Time) (int64, error) {
	var count int64
	err := q.db.QueryRow(ctx, countLiveItemsAhead, createdAt).Scan(&count)
	return count, err
}
