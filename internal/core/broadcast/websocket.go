package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cartsync/cartsync/internal/core/observability/log"
)

// WSBroadcaster bridges a store to the session relay over a websocket. The
// relay fans every frame out to the other members of the same session; lost
// frames are acceptable by contract.
type WSBroadcaster struct {
	conn   *websocket.Conn
	logger log.Log

	mu       sync.RWMutex
	handlers map[string]Handler

	writeMu sync.Mutex
	closed  int32
	done    chan struct{}
}

var _ Broadcaster = (*WSBroadcaster)(nil)

// DialWS connects to a relay endpoint, e.g.
// ws://localhost:8087/v1/relay/{session}.
func DialWS(ctx context.Context, url string, logger log.Log) (*WSBroadcaster, error) {
	if logger == nil {
		logger = log.Provide()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	b := &WSBroadcaster{
		conn:     conn,
		logger:   logger.With(log.String("component", "ws_broadcaster")),
		handlers: make(map[string]Handler),
		done:     make(chan struct{}),
	}
	go b.readLoop()
	return b, nil
}

func (b *WSBroadcaster) readLoop() {
	defer close(b.done)
	for {
		var msg Message
		if err := b.conn.ReadJSON(&msg); err != nil {
			if atomic.LoadInt32(&b.closed) == 0 {
				b.logger.Warn("relay connection lost", log.Err(err))
			}
			return
		}
		b.dispatch(msg)
	}
}

func (b *WSBroadcaster) dispatch(msg Message) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (b *WSBroadcaster) Broadcast(msg Message) error {
	if atomic.LoadInt32(&b.closed) == 1 {
		return ErrClosed
	}
	msg.Stamp()

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = b.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return b.conn.WriteJSON(msg)
}

func (b *WSBroadcaster) Subscribe(handler Handler) (Subscription, error) {
	if atomic.LoadInt32(&b.closed) == 1 {
		return nil, ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.NewString()
	b.handlers[id] = handler
	return &wsSubscription{id: id, b: b}, nil
}

func (b *WSBroadcaster) Close() error {
	if !atomic.CompareAndSwapInt32(&b.closed, 0, 1) {
		return nil
	}
	b.writeMu.Lock()
	_ = b.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	b.writeMu.Unlock()

	err := b.conn.Close()
	<-b.done
	return err
}

type wsSubscription struct {
	id string
	b  *WSBroadcaster
}

func (s *wsSubscription) ID() string { return s.id }

func (s *wsSubscription) Cancel() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	delete(s.b.handlers, s.id)
	return nil
}
