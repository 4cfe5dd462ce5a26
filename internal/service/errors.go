package service

import (
	"errors"
	"fmt"
)

// Errors returned by the order service. Every error except ErrDispatchFailure
// reaches the caller; dispatch failures are only ever logged.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid state transition")
	ErrUnauthorized      = errors.New("requester does not own the order")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrStoreFailure      = errors.New("store failure")
	ErrDispatchFailure   = errors.New("notification dispatch failed")
)

// Validation errors for order placement.
var (
	ErrEmptyItems           = errors.New("items are required")
	ErrInvalidQuantity      = errors.New("quantity must be > 0")
	ErrInvalidProduct       = errors.New("product_id and product_name are required")
	ErrInvalidUnitPrice     = errors.New("invalid unit_price")
	ErrInvalidCustomization = errors.New("customization must be a JSON object")
	ErrMissingOwner         = errors.New("guest_name is required for guest orders")
	ErrInvalidGuestEmail    = errors.New("invalid guest_email")
)

// IsValidationError reports whether err is a placement validation error.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrEmptyItems) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidProduct) ||
		errors.Is(err, ErrInvalidUnitPrice) ||
		errors.Is(err, ErrInvalidCustomization) ||
		errors.Is(err, ErrMissingOwner) ||
		errors.Is(err, ErrInvalidGuestEmail)
}

func storeFailure(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreFailure, op, err)
}
