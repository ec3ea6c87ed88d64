package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/swapflow/internal/eventbus"
)

type recordingWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestLifecycleMirror_CopiesFramesKeyedByOrder(t *testing.T) {
	bus := eventbus.NewMemoryBus(nil)
	sub, err := bus.Subscribe(context.Background(), "order-1")
	require.NoError(t, err)
	defer sub.Close()

	w := &recordingWriter{}
	mirror := newLifecycleMirror(bus, w, 0, nil)

	require.NoError(t, mirror.Publish(context.Background(), "order-1", []byte(`{"status":"ROUTING"}`)))

	assert.Equal(t, `{"status":"ROUTING"}`, string(<-sub.Events()))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "order-1", string(w.msgs[0].Key))
	assert.Equal(t, `{"status":"ROUTING"}`, string(w.msgs[0].Value))

	require.NoError(t, mirror.Close())
	assert.True(t, w.closed)
}

func TestLifecycleMirror_KafkaFailureDoesNotFailPublish(t *testing.T) {
	bus := eventbus.NewMemoryBus(nil)
	mirror := newLifecycleMirror(bus, &recordingWriter{err: errors.New("broker down")}, 0, nil)
	assert.NoError(t, mirror.Publish(context.Background(), "order-1", []byte(`{}`)))
}

func TestLifecycleMirror_PrimaryFailureSurfaces(t *testing.T) {
	bus := eventbus.NewMemoryBus(nil)
	require.NoError(t, bus.Close())
	w := &recordingWriter{}
	mirror := newLifecycleMirror(bus, w, 0, nil)

	err := mirror.Publish(context.Background(), "order-1", []byte(`{}`))
	assert.ErrorIs(t, err, eventbus.ErrClosed)
	assert.Len(t, w.msgs, 1)
}

func TestNewKafkaWriter_UsesConfig(t *testing.T) {
	cfg := DefaultKafkaConfig()
	w := NewKafkaWriter(cfg)
	assert.Equal(t, "order-events", w.Topic)
	assert.IsType(t, &kafka.Hash{}, w.Balancer)
}
