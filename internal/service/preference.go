package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/kiwari-pos/queue/internal/database"
	"github.com/kiwari-pos/queue/internal/enum"
	"github.com/kiwari-pos/queue/internal/notify"
	"go.uber.org/zap"
)

// NotificationMethods is the structured channel preference stored as JSONB on
// users and, as an override, on orders.
type NotificationMethods struct {
	Email bool `json:"email"`
	SMS   bool `json:"sms"`
}

// defaultMethods applies when neither the order nor the user names channels.
var defaultMethods = NotificationMethods{Email: true}

// parseMethods decodes a stored preference. ok is false when the column is
// empty or malformed, in which case the caller falls through to the next
// level.
func parseMethods(raw []byte) (m NotificationMethods, ok bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return m, false
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return NotificationMethods{}, false
	}
	return m, true
}

// resolveNotification decides whether a completed order notifies its owner
// and where. The order's override wins over the user's default; a guest
// (user == nil) is notified only when the order explicitly enables it and
// carries a guest email. Only email has a resolvable address.
func resolveNotification(order database.Order, user *database.User) (address string, ok bool) {
	var enabled bool
	switch {
	case order.NotificationsEnabled.Valid:
		enabled = order.NotificationsEnabled.Bool
	case user != nil:
		enabled = user.NotificationsEnabled
	}
	if !enabled {
		return "", false
	}

	methods, found := parseMethods(order.NotificationMethods)
	if !found && user != nil {
		methods, found = parseMethods(user.NotificationMethods)
	}
	if !found {
		methods = defaultMethods
	}
	if !methods.Email {
		return "", false
	}

	if user != nil {
		address = user.Email
	} else if order.GuestEmail.Valid {
		address = order.GuestEmail.String
	}
	return address, address != ""
}

// notifyCompletion sends the order-completed notification in the background.
// The send is detached from the request context, bounded by the dispatch
// timeout, and never retried; failures are logged and dropped.
func (s *OrderService) notifyCompletion(ctx context.Context, order database.Order, recipient, address string) {
	n := notify.Notification{
		Kind:    enum.NotificationKindOrderCompleted,
		Address: address,
		Context: map[string]string{
			"orderId":       strconv.FormatInt(order.ID, 10),
			"publicId":      order.PublicID,
			"recipientName": recipient,
		},
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.dispatchTimeout)
	s.dispatches.Add(1)
	go func() {
		defer s.dispatches.Done()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				s.logDispatchFailure(order, fmt.Errorf("%w: panic: %v", ErrDispatchFailure, r))
			}
		}()

		if err := s.dispatcher.Send(sendCtx, n); err != nil {
			s.logDispatchFailure(order, fmt.Errorf("%w: %w", ErrDispatchFailure, err))
		}
	}()
}

func (s *OrderService) logDispatchFailure(order database.Order, err error) {
	s.logger.Error("notification dispatch failed",
		zap.Int64("order_id", order.ID),
		zap.String("public_id", order.PublicID),
		zap.Error(err))
}

// Wait blocks until in-flight notification dispatches finish or ctx is done.
func (s *OrderService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.dispatches.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatchTimeoutOrDefault guards against a zero option value.
func dispatchTimeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultDispatchTimeout
	}
	return d
}
