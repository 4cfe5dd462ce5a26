// Package notify delivers out-of-band messages to customers when their order
// is ready. Callers never wait on delivery and never retry it.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// Notification is one outbound message.
type Notification struct {
	Kind    string            `json:"kind"`
	Address string            `json:"address"`
	Context map[string]string `json:"context"`
}

// Dispatcher sends a notification through some outbound channel.
type Dispatcher interface {
	Send(ctx context.Context, n Notification) error
}

// LogDispatcher writes notifications to the log instead of sending them.
// Used when no message broker is configured.
type LogDispatcher struct {
	logger *zap.Logger
}

func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Send(ctx context.Context, n Notification) error {
	d.logger.Info("notification (not sent, no broker configured)",
		zap.String("kind", n.Kind),
		zap.String("address", n.Address),
		zap.Any("context", n.Context))
	return nil
}
