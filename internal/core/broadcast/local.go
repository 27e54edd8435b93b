package broadcast

import (
	"sync"

	"github.com/google/uuid"
)

// LocalBus is an in-process Broadcaster shared by stores living in the same
// process (tests, embedded multi-view apps). Messages reach every current
// subscriber including the sender's own; senders filter by SenderID.
type LocalBus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool
}

var _ Broadcaster = (*LocalBus)(nil)

func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[string]Handler)}
}

func (b *LocalBus) Broadcast(msg Message) error {
	msg.Stamp()
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		go h(msg)
	}
	return nil
}

func (b *LocalBus) Subscribe(handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	id := uuid.NewString()
	b.handlers[id] = handler
	return &busSubscription{id: id, bus: b}, nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string]Handler)
	return nil
}

type busSubscription struct {
	id  string
	bus *LocalBus
}

func (s *busSubscription) ID() string { return s.id }

func (s *busSubscription) Cancel() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.handlers, s.id)
	return nil
}
