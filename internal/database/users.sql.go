package database

import (
	"context"

	"github.com/google/uuid"
)

const getUser = `-- name: GetUser :one
SELECT id, email, display_name, role, notifications_enabled, notification_methods, created_at
FROM users WHERE id = $1`

func (q *Queries) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	row := q.db.QueryRow(ctx, getUser, id)
	var i User
	err := row.Scan(
		&i.ID,
		&i.Email,
		&i.DisplayName,
		&i.Role,
		&i.NotificationsEnabled,
		&i.NotificationMethods,
		&i.CreatedAt,
	)
	return i, err
}

const upsertUser = `-- name: UpsertUser :one
INSERT INTO users (email, display_name, role, notifications_enabled, notification_methods)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (email) DO UPDATE SET
    display_name = EXCLUDED.display_name,
    role = EXCLUDED.role,
    notifications_enabled = EXCLUDED.notifications_enabled,
    notification_methods = EXCLUDED.notification_methods
RETURNING id, email, display_name, role, notifications_enabled, notification_methods, created_at`

type UpsertUserParams struct {
	Email                string
	DisplayName          string
	Role                 string
	NotificationsEnabled bool
	NotificationMethods  []byte
}

// UpsertUser is used by the seed command only; account management lives
// outside this service.
func (q *Queries) UpsertUser(ctx context.Context, arg UpsertUserParams) (User, error) {
	row := q.db.QueryRow(ctx, upsertUser,
		arg.Email,
		arg.DisplayName,
		arg.Role,
		arg.NotificationsEnabled,
		arg.NotificationMethods,
	)
	var i User
	err := row.Scan(
		&i.ID,
		&i.Email,
		&i.DisplayName,
		&i.Role,
		&i.NotificationsEnabled,
		&i.NotificationMethods,
		&i.CreatedAt,
	)
	return i, err
}
