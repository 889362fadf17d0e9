// Package bus relays payment-provider events from the card popup to the
// settlement engine. Each order has its own named channel; messages carry a
// type from a closed set plus optional data, and unrecognized types are
// dropped rather than treated as errors.
package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// MessageType is the type of a popup event.
type MessageType string

const (
	// TypePollingSuccess is the provider's optimistic "user completed" signal.
	TypePollingSuccess MessageType = "polling_success"
	// TypePollingError reports that the provider failed while polling its own backend.
	TypePollingError MessageType = "polling_error"
	// TypeCommitError reports that the provider failed to commit the charge.
	TypeCommitError MessageType = "commit_error"
	// TypeLoadError reports that the provider widget failed to load.
	TypeLoadError MessageType = "load_error"
	// TypeCancel reports that the user cancelled inside the provider widget.
	TypeCancel MessageType = "cancel"
)

// Known reports whether t is part of the closed message set.
func (t MessageType) Known() bool {
	switch t {
	case TypePollingSuccess, TypePollingError, TypeCommitError, TypeLoadError, TypeCancel:
		return true
	}
	return false
}

// Message is a single popup event.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ParseMessage decodes a message. It returns ok=false for well-formed
// messages of an unknown type.
func ParseMessage(raw []byte) (msg Message, ok bool, err error) {
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, false, fmt.Errorf("bus: decode message: %w", err)
	}
	return msg, msg.Type.Known(), nil
}

// ChannelName returns the channel name for an order.
func ChannelName(orderID string) string {
	return "keychain-payment-" + orderID
}

// Option configures a Bus.
type Option func(*Bus)

// WithBuffer sets the per-subscriber buffer size.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithLogger sets the logger used for dropped messages.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Bus is an in-process fan-out keyed by channel name.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]chan Message
	nextID uint64
	buffer int
	logger *slog.Logger
}

// New creates a Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[string]map[uint64]chan Message),
		buffer: 16,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe returns a channel receiving messages published to name and a
// function that unsubscribes and closes it. The cancel function is idempotent.
func (b *Bus) Subscribe(name string) (<-chan Message, func()) {
	ch := make(chan Message, b.buffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[name] == nil {
		b.subs[name] = make(map[uint64]chan Message)
	}
	b.subs[name][id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if subs, ok := b.subs[name]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.subs, name)
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers msg to every subscriber of name and returns how many
// received it. Unknown message types are ignored. Delivery never blocks; a
// subscriber with a full buffer misses the message.
func (b *Bus) Publish(name string, msg Message) int {
	if !msg.Type.Known() {
		b.logger.Debug("ignoring unknown bus message", "channel", name, "type", msg.Type)
		return 0
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, ch := range b.subs[name] {
		select {
		case ch <- msg:
			delivered++
		default:
			b.logger.Warn("bus subscriber full, dropping message", "channel", name, "type", msg.Type)
		}
	}
	return delivered
}

// Subscribers returns the number of subscribers on name.
func (b *Bus) Subscribers(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}
