package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiwari-pos/queue/internal/database"
	"github.com/kiwari-pos/queue/internal/enum"
	"github.com/kiwari-pos/queue/internal/events"
	"go.uber.org/zap"
)

// Requester identifies who asks to cancel an item: a registered user, or a
// guest holding the token minted for one public order id.
type Requester struct {
	UserID   uuid.UUID
	PublicID string
}

// owns reports whether the requester placed the order. A guest token only
// ever owns the guest order it was minted for.
func (r Requester) owns(order database.Order) bool {
	if r.PublicID != "" {
		return !order.UserID.Valid && order.PublicID == r.PublicID
	}
	return r.UserID != uuid.Nil && order.UserID.Valid && uuid.UUID(order.UserID.Bytes) == r.UserID
}

// CascadeResult is the state after an item transition. OrderFinished is set
// when the transition moved the parent order to a terminal status.
type CascadeResult struct {
	Item          database.OrderItem
	Order         database.Order
	OrderFinished bool
}

// cascadeState is everything the post-commit side effects need.
type cascadeState struct {
	CascadeResult
	owner     *database.User
	recipient string
}

// CompleteItem marks a live item done and completes its order once no live
// items remain. Completing the last item notifies the owner when their
// preference allows it. Events and the notification fire only after commit.
func (s *OrderService) CompleteItem(ctx context.Context, itemID int64) (*CascadeResult, error) {
	st, err := s.cascade(ctx, itemID, nil, database.OrderStatusCompleted,
		func(store OrderStore) (database.OrderItem, error) {
			return store.CompleteOrderItem(ctx, itemID, s.now())
		})
	if err != nil {
		return nil, err
	}

	order, item := st.Order, st.Item
	s.logger.Info("item completed",
		zap.Int64("order_id", order.ID),
		zap.Int64("item_id", item.ID),
		zap.Bool("order_completed", st.OrderFinished))

	if st.OrderFinished {
		if address, ok := resolveNotification(order, st.owner); ok {
			s.notifyCompletion(ctx, order, st.recipient, address)
		}
		s.publishUpdate(ctx, events.OrderUpdate{
			Type:     enum.EventOrderCompleted,
			OrderID:  order.ID,
			PublicID: order.PublicID,
			OwnerRef: ownerRef(order),
		})
	} else {
		s.publishUpdate(ctx, events.OrderUpdate{
			Type:          enum.EventItemCompleted,
			OrderID:       order.ID,
			PublicID:      order.PublicID,
			ItemID:        item.ID,
			ItemName:      item.ProductName,
			RecipientName: st.recipient,
		})
	}
	s.publish(ctx, events.RefreshQueue())

	return &st.CascadeResult, nil
}

// CancelItem cancels a live item on behalf of the order's owner and cancels
// the order once no live items remain. Cancellation never notifies.
func (s *OrderService) CancelItem(ctx context.Context, itemID int64, requester Requester) (*CascadeResult, error) {
	st, err := s.cascade(ctx, itemID, &requester, database.OrderStatusCancelled,
		func(store OrderStore) (database.OrderItem, error) {
			return store.CancelOrderItem(ctx, itemID)
		})
	if err != nil {
		return nil, err
	}

	order, item := st.Order, st.Item
	s.logger.Info("item cancelled",
		zap.Int64("order_id", order.ID),
		zap.Int64("item_id", item.ID),
		zap.Bool("order_cancelled", st.OrderFinished))

	if st.OrderFinished {
		s.publishUpdate(ctx, events.OrderUpdate{
			Type:     enum.EventOrderCancelled,
			OrderID:  order.ID,
			PublicID: order.PublicID,
			OwnerRef: ownerRef(order),
		})
	} else {
		s.publishUpdate(ctx, events.OrderUpdate{
			Type:          enum.EventItemCancelled,
			OrderID:       order.ID,
			PublicID:      order.PublicID,
			ItemID:        item.ID,
			ItemName:      item.ProductName,
			RecipientName: st.recipient,
		})
	}
	s.publish(ctx, events.RefreshQueue())

	return &st.CascadeResult, nil
}

// cascade runs one item transition and its roll-up in a single transaction:
// lock the parent order, apply the conditional item update, recount live
// siblings and, at zero, move the order to terminal. The order row lock
// serializes cascades on the same order, so exactly one of two racing
// transitions sees zero remaining.
func (s *OrderService) cascade(
	ctx context.Context,
	itemID int64,
	requester *Requester,
	terminal database.OrderStatus,
	transition func(store OrderStore) (database.OrderItem, error),
) (*cascadeState, error) {
	var st cascadeState
	err := s.inTx(ctx, pgx.TxOptions{}, func(store OrderStore) error {
		item, err := store.GetOrderItem(ctx, itemID)
		if err != nil {
			return notFoundOr("get order item", fmt.Sprintf("item %d", itemID), err)
		}

		order, err := store.GetOrderForUpdate(ctx, item.OrderID)
		if err != nil {
			return notFoundOr("lock order", fmt.Sprintf("order %d", item.OrderID), err)
		}

		if requester != nil && !requester.owns(order) {
			return fmt.Errorf("order %s: %w", order.PublicID, ErrUnauthorized)
		}

		item, err = transition(store)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("item %d is already completed or cancelled: %w", itemID, ErrInvalidState)
			}
			return storeFailure("update order item", err)
		}

		remaining, err := store.CountLiveOrderItems(ctx, order.ID)
		if err != nil {
			return storeFailure("count live items", err)
		}

		if remaining == 0 {
			order, err = store.TransitionOrderStatus(ctx, database.TransitionOrderStatusParams{
				ID:     order.ID,
				Status: terminal,
				From:   []database.OrderStatus{database.OrderStatusQueued, database.OrderStatusPreparing},
			})
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return fmt.Errorf("order %s is no longer active: %w", order.PublicID, ErrInvalidState)
				}
				return storeFailure("transition order", err)
			}
			st.OrderFinished = true
		}

		owner, err := loadOwner(ctx, store, order)
		if err != nil {
			return err
		}
		st.owner = owner
		st.recipient = recipientName(order, owner)
		st.Item = item
		st.Order = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// loadOwner fetches the registered owner of the order. Guest orders, and
// orders whose user no longer exists, have no owner record.
func loadOwner(ctx context.Context, store OrderStore, order database.Order) (*database.User, error) {
	if !order.UserID.Valid {
		return nil, nil
	}
	user, err := store.GetUser(ctx, uuid.UUID(order.UserID.Bytes))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, storeFailure("get user", err)
	}
	return &user, nil
}

func recipientName(order database.Order, owner *database.User) string {
	if order.GuestName.Valid {
		return order.GuestName.String
	}
	if owner != nil {
		return owner.DisplayName
	}
	return ""
}

func ownerRef(order database.Order) *events.OwnerRef {
	ref := &events.OwnerRef{}
	if order.UserID.Valid {
		id := uuid.UUID(order.UserID.Bytes)
		ref.UserID = &id
	}
	if order.GuestName.Valid {
		ref.GuestName = order.GuestName.String
	}
	return ref
}
