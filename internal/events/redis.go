package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisClient is the subset of *redis.Client the relay uses.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// RedisRelay carries events between API instances over Redis pub/sub.
//
// Cascades publish to the relay; every instance, including the publisher,
// runs the relay's subscribe loop and hands received events to its local hub.
// Redis pub/sub has no persistence, which matches the at-most-once contract.
type RedisRelay struct {
	client  RedisClient
	channel string
	local   Publisher
	logger  *zap.Logger
}

func NewRedisRelay(client RedisClient, channel string, local Publisher, logger *zap.Logger) *RedisRelay {
	return &RedisRelay{client: client, channel: channel, local: local, logger: logger}
}

// Publish sends the event to every instance subscribed to the relay channel.
func (r *RedisRelay) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", r.channel, err)
	}
	return nil
}

// Run forwards relayed events to the local publisher until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed so events published right
	// after startup are not lost on this instance.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("event relay subscribed", zap.String("channel", r.channel))

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			r.forward(ctx, msg.Payload)
		}
	}
}

func (r *RedisRelay) forward(ctx context.Context, payload string) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		r.logger.Warn("drop malformed relayed event", zap.Error(err))
		return
	}
	if err := r.local.Publish(ctx, ev); err != nil {
		r.logger.Warn("local delivery of relayed event failed",
			zap.String("topic", ev.Topic),
			zap.Error(err))
	}
}
