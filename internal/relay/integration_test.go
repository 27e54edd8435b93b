package relay

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartsync/cartsync/internal/core/broadcast"
)

// Two broadcaster clients joined to the same relay session behave like one
// LocalBus: a message published by one arrives at the other.
func TestWSBroadcastersThroughRelay(t *testing.T) {
	srv, hs := newTestServer(t)

	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/v1/relay/cart-42"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, err := broadcast.DialWS(ctx, url, nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := broadcast.DialWS(ctx, url, nil)
	require.NoError(t, err)
	defer b.Close()

	require.Eventually(t, func() bool { return srv.MemberCount("cart-42") == 2 },
		time.Second, time.Millisecond)

	got := make(chan broadcast.Message, 1)
	_, err = b.Subscribe(func(msg broadcast.Message) { got <- msg })
	require.NoError(t, err)

	require.NoError(t, a.Broadcast(broadcast.Message{
		Type:     broadcast.TypeItemsChanged,
		SenderID: "tab-a",
		Payload:  map[string]any{"op": "delete", "id": "srv-3"},
	}))

	select {
	case msg := <-got:
		assert.Equal(t, broadcast.TypeItemsChanged, msg.Type)
		assert.Equal(t, "tab-a", msg.SenderID)
		assert.NotZero(t, msg.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not deliver the frame")
	}
}
