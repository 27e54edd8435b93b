package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBusDelivery(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	got := make(chan Message, 1)
	sub, err := bus.Subscribe(func(msg Message) { got <- msg })
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID())

	require.NoError(t, bus.Broadcast(Message{
		Type:     TypeItemsChanged,
		SenderID: "tab-a",
		Payload:  map[string]any{"op": "insert", "id": "srv-1"},
	}))

	select {
	case msg := <-got:
		assert.Equal(t, TypeItemsChanged, msg.Type)
		assert.Equal(t, "tab-a", msg.SenderID)
		assert.NotZero(t, msg.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestLocalBusCancelStopsDelivery(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	got := make(chan Message, 4)
	sub, err := bus.Subscribe(func(msg Message) { got <- msg })
	require.NoError(t, err)
	require.NoError(t, sub.Cancel())

	require.NoError(t, bus.Broadcast(Message{Type: TypeResyncHint, SenderID: "tab-a"}))

	select {
	case <-got:
		t.Fatal("cancelled subscription still received a message")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalBusClosed(t *testing.T) {
	bus := NewLocalBus()
	require.NoError(t, bus.Close())

	err := bus.Broadcast(Message{Type: TypeResyncHint})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = bus.Subscribe(func(Message) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLocalBusFanOut(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	a := make(chan Message, 1)
	b := make(chan Message, 1)
	_, err := bus.Subscribe(func(msg Message) { a <- msg })
	require.NoError(t, err)
	_, err = bus.Subscribe(func(msg Message) { b <- msg })
	require.NoError(t, err)

	require.NoError(t, bus.Broadcast(Message{Type: TypeItemsChanged, SenderID: "tab-a"}))

	for _, ch := range []chan Message{a, b} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("subscriber missed the broadcast")
		}
	}
}
