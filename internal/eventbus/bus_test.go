package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscription) []byte {
	t.Helper()
	select {
	case frame, ok := <-sub.Events():
		require.True(t, ok, "subscription ended early")
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func assertEnded(t *testing.T, sub Subscription) {
	t.Helper()
	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end")
	}
}

func newRedisBus(t *testing.T) *RedisBus {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBus(client, "", nil)
}

func TestBuses_DeliverInOrderToOrderChannelOnly(t *testing.T) {
	buses := map[string]Bus{
		"memory": NewMemoryBus(nil),
		"redis":  newRedisBus(t),
	}
	for name, bus := range buses {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sub, err := bus.Subscribe(ctx, "order-a")
			require.NoError(t, err)
			defer sub.Close()

			require.NoError(t, bus.Publish(ctx, "order-b", []byte(`{"status":"ROUTING"}`)))
			require.NoError(t, bus.Publish(ctx, "order-a", []byte(`{"status":"ROUTING"}`)))
			require.NoError(t, bus.Publish(ctx, "order-a", []byte(`{"status":"BUILDING_TX","venue":"Raydium"}`)))

			assert.JSONEq(t, `{"status":"ROUTING"}`, string(receive(t, sub)))
			assert.JSONEq(t, `{"status":"BUILDING_TX","venue":"Raydium"}`, string(receive(t, sub)))
		})
	}
}

func TestBuses_PublishWithoutSubscribersIsLost(t *testing.T) {
	buses := map[string]Bus{
		"memory": NewMemoryBus(nil),
		"redis":  newRedisBus(t),
	}
	for name, bus := range buses {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, bus.Publish(ctx, "order-a", []byte(`{"status":"ROUTING"}`)))

			sub, err := bus.Subscribe(ctx, "order-a")
			require.NoError(t, err)
			defer sub.Close()

			require.NoError(t, bus.Publish(ctx, "order-a", []byte(`{"status":"SUBMITTING"}`)))
			assert.JSONEq(t, `{"status":"SUBMITTING"}`, string(receive(t, sub)))
		})
	}
}

func TestBuses_CloseEndsSubscriptionOnce(t *testing.T) {
	buses := map[string]Bus{
		"memory": NewMemoryBus(nil),
		"redis":  newRedisBus(t),
	}
	for name, bus := range buses {
		t.Run(name, func(t *testing.T) {
			sub, err := bus.Subscribe(context.Background(), "order-a")
			require.NoError(t, err)

			require.NoError(t, sub.Close())
			assert.NotPanics(t, func() { _ = sub.Close() })
			assertEnded(t, sub)
			assert.NoError(t, sub.Err())
		})
	}
}

func TestMemoryBus_CloseEndsAllSubscriptions(t *testing.T) {
	bus := NewMemoryBus(nil)
	sub, err := bus.Subscribe(context.Background(), "order-a")
	require.NoError(t, err)
	assert.Equal(t, 1, bus.SubscriberCount("order-a"))

	require.NoError(t, bus.Close())
	assertEnded(t, sub)
	assert.ErrorIs(t, sub.Err(), ErrClosed)
	assert.ErrorIs(t, bus.Publish(context.Background(), "order-a", nil), ErrClosed)

	_, err = bus.Subscribe(context.Background(), "order-a")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryBus_SubscriptionCloseUnregisters(t *testing.T) {
	bus := NewMemoryBus(nil)
	sub, err := bus.Subscribe(context.Background(), "order-a")
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	assert.Equal(t, 0, bus.SubscriberCount("order-a"))
	assert.NoError(t, bus.Publish(context.Background(), "order-a", []byte("x")))
}

func TestRedisBus_ChannelName(t *testing.T) {
	bus := NewRedisBus(nil, "", nil)
	assert.Equal(t, "updates:abc", bus.Channel("abc"))
}

func TestRedisBus_TransportDropEndsSubscription(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	bus := NewRedisBus(client, "", nil)

	sub, err := bus.Subscribe(context.Background(), "order-a")
	require.NoError(t, err)
	defer sub.Close()

	mr.Close()

	assertEnded(t, sub)
	assert.Error(t, sub.Err(), "a dropped connection is reported, unlike a local close")
}
