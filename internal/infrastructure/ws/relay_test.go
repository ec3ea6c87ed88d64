package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/swapflow/internal/eventbus"
)

func startRelay(t *testing.T, bus eventbus.Subscriber) (*Relay, string) {
	t.Helper()
	relay := NewRelay(bus, Config{}, nil)
	srv := httptest.NewServer(http.HandlerFunc(relay.ServeWS))
	t.Cleanup(srv.Close)
	return relay, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/status"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestRelay_MissingOrderIDClosesWithoutFrames(t *testing.T) {
	bus := eventbus.NewMemoryBus(nil)
	_, url := startRelay(t, bus)

	conn := dial(t, url)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), err.Error())
}

func TestRelay_ForwardsFramesVerbatim(t *testing.T) {
	bus := eventbus.NewMemoryBus(nil)
	_, url := startRelay(t, bus)

	conn := dial(t, url+"?orderId=order-1")
	require.Eventually(t, func() bool { return bus.SubscriberCount("order-1") == 1 }, 2*time.Second, 5*time.Millisecond)

	frames := []string{
		`{"status":"ROUTING"}`,
		`{"status":"BUILDING_TX","venue":"Raydium"}`,
		`{"status":"CONFIRMED","settlementId":"5xabc","venue":"Raydium"}`,
	}
	require.NoError(t, bus.Publish(context.Background(), "order-2", []byte(`{"status":"ROUTING"}`)))
	for _, f := range frames {
		require.NoError(t, bus.Publish(context.Background(), "order-1", []byte(f)))
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range frames {
		kind, got, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, kind)
		assert.Equal(t, want, string(got))
	}
}

func TestRelay_ClosesWhenSubscriptionEnds(t *testing.T) {
	bus := eventbus.NewMemoryBus(nil)
	_, url := startRelay(t, bus)

	conn := dial(t, url+"?orderId=order-1")
	require.Eventually(t, func() bool { return bus.SubscriberCount("order-1") == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Close())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr), err.Error())
}

func TestRelay_ClientCloseTearsDownOnce(t *testing.T) {
	bus := &countingBus{MemoryBus: eventbus.NewMemoryBus(nil)}
	relay, url := startRelay(t, bus)

	conn := dial(t, url+"?orderId=order-1")
	require.Eventually(t, func() bool { return relay.Active() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	_ = conn.Close()

	require.Eventually(t, func() bool { return relay.Active() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, bus.SubscriberCount("order-1"))
	assert.Equal(t, int32(1), bus.closes.Load())
}

func TestRelay_ShutdownClosesStreams(t *testing.T) {
	bus := eventbus.NewMemoryBus(nil)
	relay, url := startRelay(t, bus)

	conn := dial(t, url+"?orderId=order-1")
	require.Eventually(t, func() bool { return relay.Active() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, relay.Shutdown(ctx))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), err.Error())
}

// countingBus counts subscription Close calls.
type countingBus struct {
	*eventbus.MemoryBus
	closes atomic.Int32
}

func (b *countingBus) Subscribe(ctx context.Context, orderID string) (eventbus.Subscription, error) {
	sub, err := b.MemoryBus.Subscribe(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &countingSub{Subscription: sub, bus: b}, nil
}

type countingSub struct {
	eventbus.Subscription
	bus *countingBus
}

func (s *countingSub) Close() error {
	s.bus.closes.Add(1)
	return s.Subscription.Close()
}
