package database

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

type OrderStatus string

const (
	OrderStatusQueued    OrderStatus = "queued"
	OrderStatusPreparing OrderStatus = "preparing"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Active reports whether the order still holds a place in the queue.
func (s OrderStatus) Active() bool {
	return s == OrderStatusQueued || s == OrderStatusPreparing
}

type Order struct {
	ID                   int64
	PublicID             string
	UserID               pgtype.UUID
	GuestName            pgtype.Text
	GuestEmail           pgtype.Text
	Status               OrderStatus
	NotificationsEnabled pgtype.Bool
	NotificationMethods  []byte
	TotalAmount          pgtype.Numeric
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

type OrderItem struct {
	ID            int64
	OrderID       int64
	ProductID     int64
	ProductName   string
	Quantity      int32
	UnitPrice     pgtype.Numeric
	Customization []byte
	Notes         pgtype.Text
	CompletedAt   pgtype.Timestamptz
	Cancelled     bool
	CreatedAt     time.Time
}

// Done reports whether the item was completed and not cancelled.
func (i OrderItem) Done() bool {
	return i.CompletedAt.Valid && !i.Cancelled
}

// Live reports whether the item still counts as queued work.
func (i OrderItem) Live() bool {
	return !i.CompletedAt.Valid && !i.Cancelled
}

type User struct {
	ID                   uuid.UUID
	Email                string
	DisplayName          string
	Role                 string
	NotificationsEnabled bool
	NotificationMethods  []byte
	CreatedAt            time.Time
}
