package service

import (
	"crypto/rand"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	maxPublicIDAttempts = 3

	// No 0/O or 1/I so ids survive being read aloud across the counter.
	// len is 32, which divides 256, so byte%len is unbiased.
	publicIDAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	publicIDLength   = 6

	publicIDConstraint = "orders_public_id_key"
)

// NewPublicID draws a random customer-facing order id, e.g. "K7M2QX".
func NewPublicID() (string, error) {
	buf := make([]byte, publicIDLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = publicIDAlphabet[int(b)%len(publicIDAlphabet)]
	}
	return string(buf), nil
}

// isPublicIDConflict checks if the error is a unique constraint violation
// on the public id (pgconn error code 23505).
func isPublicIDConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && pgErr.ConstraintName == publicIDConstraint
	}
	return false
}
