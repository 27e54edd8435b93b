// Package broadcast carries best-effort change notifications between peer
// contexts ("tabs") of the same session. Delivery is at-most-once and
// unordered with respect to the local store's timeline: receivers treat
// every message as a hint to re-sync, never as an authoritative delta.
package broadcast

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("broadcaster is closed")

// MessageType values published by the engine.
const (
	TypeItemsChanged = "items.changed"
	TypeResyncHint   = "resync.hint"
)

// Message is the fire-and-forget notification unit. SenderID lets receivers
// drop their own echoes; Timestamp is unix milliseconds, stamped on send.
type Message struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	SenderID  string `json:"sender_id"`
	Timestamp int64  `json:"timestamp"`
}

// Stamp fills the timestamp with the current wall clock.
func (m *Message) Stamp() {
	m.Timestamp = time.Now().UnixMilli()
}

// Handler receives delivered messages. Handlers run on delivery goroutines
// and must not block for long.
type Handler func(Message)

// Subscription is a cancellable registration of a Handler.
type Subscription interface {
	ID() string
	Cancel() error
}

// Broadcaster publishes messages to peers and delivers peer messages to
// local subscribers. Implementations stamp outgoing messages.
type Broadcaster interface {
	Broadcast(msg Message) error
	Subscribe(handler Handler) (Subscription, error)
	Close() error
}
