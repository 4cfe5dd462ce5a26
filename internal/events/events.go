// Package events defines the coarse change notifications fanned out to queue
// screens and order trackers.
//
// Delivery is best effort and at most once: nothing is persisted and nothing
// is replayed. An event is only a hint that something changed. Subscribers
// re-fetch authoritative state from the API on every event and on every
// (re)connect, since any event fired while they were offline is lost.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiwari-pos/queue/internal/enum"
)

// Event is the envelope written to subscribers and to the relay.
type Event struct {
	Topic string `json:"topic"`
	// Key is the public order id the event concerns. Empty for events that
	// every subscriber of the topic receives.
	Key     string          `json:"key,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Publisher delivers an event to subscribers without waiting for them.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Refresh is the payload of a refresh-queue event.
type Refresh struct {
	Type string `json:"type"`
}

// OwnerRef identifies who placed an order: a registered user or a guest name.
type OwnerRef struct {
	UserID    *uuid.UUID `json:"userId,omitempty"`
	GuestName string     `json:"guestName,omitempty"`
}

// OrderUpdate is the payload of an order-update event.
type OrderUpdate struct {
	Type          string    `json:"type"`
	OrderID       int64     `json:"orderId"`
	PublicID      string    `json:"publicId,omitempty"`
	ItemID        int64     `json:"itemId,omitempty"`
	ItemName      string    `json:"itemName,omitempty"`
	RecipientName string    `json:"recipientName,omitempty"`
	OwnerRef      *OwnerRef `json:"ownerRef,omitempty"`
}

// New marshals payload into an event envelope.
func New(topic, key string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return Event{Topic: topic, Key: key, Payload: data}, nil
}

// RefreshQueue builds the unfiltered staff-screen invalidation event.
func RefreshQueue() Event {
	ev, _ := New(enum.TopicRefreshQueue, "", Refresh{Type: enum.EventRefresh})
	return ev
}

// Update builds an order-update event keyed by the order's public id.
func Update(u OrderUpdate) (Event, error) {
	return New(enum.TopicOrderUpdate, u.PublicID, u)
}

// Fanout publishes every event to each publisher in turn. All publishers are
// attempted even when one fails; the failures are joined.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
