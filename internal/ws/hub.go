package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/kiwari-pos/queue/internal/events"
	"go.uber.org/zap"
)

var (
	// ErrHubBusy is returned when the broadcast buffer is full. The event is
	// dropped; subscribers recover on their next re-fetch.
	ErrHubBusy = errors.New("ws hub: broadcast buffer full")
	// ErrHubStopped is returned after Run has exited.
	ErrHubStopped = errors.New("ws hub: stopped")
)

// Hub maintains the set of active clients and broadcasts events to them
type Hub struct {
	// Registered clients by topic
	rooms map[string]map[*Client]bool

	// Inbound messages from clients (register/unregister)
	register   chan *Client
	unregister chan *Client

	// Outbound events to broadcast
	broadcast chan events.Event

	// Closed when Run returns
	done chan struct{}

	// Mutex for thread-safe room access
	mu sync.RWMutex

	logger *zap.Logger
}

// NewHub creates a new Hub instance
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan events.Event, 256),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main loop and blocks until ctx is done.
// This should be called as a goroutine: go hub.Run(ctx)
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, clients := range h.rooms {
				for client := range clients {
					h.removeLocked(client)
				}
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			for _, topic := range client.topics {
				if h.rooms[topic] == nil {
					h.rooms[topic] = make(map[*Client]bool)
				}
				h.rooms[topic][client] = true
			}
			h.mu.Unlock()

			// Every (re)connect starts with a refresh hint: events fired while
			// the client was away are gone, so it must re-pull its view.
			if hello, err := json.Marshal(events.RefreshQueue()); err == nil {
				select {
				case client.send <- hello:
				default:
				}
			}

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()

		case event := <-h.broadcast:
			// Marshal event to JSON once
			message, err := json.Marshal(event)
			if err != nil {
				h.logger.Warn("drop unencodable event", zap.String("topic", event.Topic), zap.Error(err))
				continue
			}

			h.mu.Lock()
			for client := range h.rooms[event.Topic] {
				if !client.accepts(event) {
					continue
				}
				select {
				case client.send <- message:
				default:
					// Client's send buffer is full, close and unregister
					h.logger.Debug("drop slow websocket client", zap.String("topic", event.Topic))
					h.removeLocked(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// removeLocked drops the client from every room it joined and closes its
// send channel. Callers hold h.mu.
func (h *Hub) removeLocked(client *Client) {
	registered := false
	for _, topic := range client.topics {
		clients, ok := h.rooms[topic]
		if !ok || !clients[client] {
			continue
		}
		registered = true
		delete(clients, client)
		// Clean up empty rooms
		if len(clients) == 0 {
			delete(h.rooms, topic)
		}
	}
	if registered {
		close(client.send)
	}
}

// Publish queues the event for broadcast without waiting for delivery.
// It never blocks: when the buffer is full the event is dropped.
func (h *Hub) Publish(ctx context.Context, event events.Event) error {
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}

	select {
	case h.broadcast <- event:
		return nil
	default:
		return ErrHubBusy
	}
}

// Subscribers returns the number of clients listening on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[topic])
}

func (h *Hub) attach(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) detach(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}
