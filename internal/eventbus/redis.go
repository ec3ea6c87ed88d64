package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Aidin1998/swapflow/pkg/metrics"
)

// DefaultChannelPrefix namespaces per-order channels as "updates:<orderId>".
const DefaultChannelPrefix = "updates:"

const unsubscribeTimeout = 2 * time.Second

// RedisBus fans frames out through Redis pub/sub so API and worker processes
// can run separately.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus wraps an existing client. The bus does not own the client.
func NewRedisBus(client *redis.Client, prefix string, logger *zap.Logger) *RedisBus {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{client: client, prefix: prefix, logger: logger}
}

// Channel returns the pub/sub channel name for orderID.
func (b *RedisBus) Channel(orderID string) string {
	return b.prefix + orderID
}

// Publish sends payload on the order channel.
func (b *RedisBus) Publish(ctx context.Context, orderID string, payload []byte) error {
	if b.isClosed() {
		return ErrClosed
	}
	if err := b.client.Publish(ctx, b.Channel(orderID), payload).Err(); err != nil {
		metrics.EventPublishErrors.WithLabelValues("redis").Inc()
		return fmt.Errorf("eventbus: publish %s: %w", orderID, err)
	}
	return nil
}

// Subscribe blocks until Redis confirms the subscription.
func (b *RedisBus) Subscribe(ctx context.Context, orderID string) (Subscription, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	channel := b.Channel(orderID)
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("eventbus: subscribe %s: %w", orderID, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		ps:      ps,
		channel: channel,
		ch:      make(chan []byte, memoryBuffer),
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  b.logger.With(zap.String("order_id", orderID)),
	}
	go sub.loop(loopCtx)
	return sub, nil
}

// Close marks the bus closed. Open subscriptions stay owned by their callers.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *RedisBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type redisSubscription struct {
	ps      *redis.PubSub
	channel string
	ch      chan []byte
	cancel  context.CancelFunc
	done    chan struct{}
	logger  *zap.Logger

	once sync.Once
	mu   sync.Mutex
	err  error
}

func (s *redisSubscription) Events() <-chan []byte { return s.ch }

func (s *redisSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *redisSubscription) loop(ctx context.Context) {
	defer close(s.done)
	defer close(s.ch)
	for {
		msg, err := s.ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, redis.ErrClosed) {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
				s.logger.Warn("Subscription transport failed", zap.Error(err))
			}
			return
		}
		select {
		case s.ch <- []byte(msg.Payload):
		case <-ctx.Done():
			return
		default:
			s.logger.Warn("Dropping frame for slow subscriber")
		}
	}
}

// Close unsubscribes and waits for the receive loop to exit.
func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		unsubCtx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
		defer cancel()
		if uerr := s.ps.Unsubscribe(unsubCtx, s.channel); uerr != nil && !errors.Is(uerr, redis.ErrClosed) {
			s.logger.Debug("Unsubscribe failed", zap.Error(uerr))
		}
		err = s.ps.Close()
		<-s.done
	})
	return err
}
