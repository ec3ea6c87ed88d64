package eventbus

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const memoryBuffer = 64

// MemoryBus is an in-process Bus for single binary deployments and tests.
// Slow subscribers drop frames rather than block publishers.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySubscription]struct{}
	closed bool
	logger *zap.Logger
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus(logger *zap.Logger) *MemoryBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBus{
		subs:   make(map[string]map[*memorySubscription]struct{}),
		logger: logger,
	}
}

// Publish delivers payload to every current subscriber of orderID.
func (b *MemoryBus) Publish(_ context.Context, orderID string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for sub := range b.subs[orderID] {
		frame := append([]byte(nil), payload...)
		select {
		case sub.ch <- frame:
		default:
			b.logger.Warn("Dropping frame for slow subscriber", zap.String("order_id", orderID))
		}
	}
	return nil
}

// Subscribe registers a subscription; it is active on return.
func (b *MemoryBus) Subscribe(_ context.Context, orderID string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		bus:     b,
		orderID: orderID,
		ch:      make(chan []byte, memoryBuffer),
	}
	if b.subs[orderID] == nil {
		b.subs[orderID] = make(map[*memorySubscription]struct{})
	}
	b.subs[orderID][sub] = struct{}{}
	return sub, nil
}

// SubscriberCount reports active subscriptions for orderID.
func (b *MemoryBus) SubscriberCount(orderID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[orderID])
}

// Close ends every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*memorySubscription
	for _, set := range b.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	b.subs = make(map[string]map[*memorySubscription]struct{})
	b.mu.Unlock()

	for _, sub := range all {
		sub.finish(ErrClosed)
	}
	return nil
}

func (b *MemoryBus) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.orderID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.orderID)
		}
	}
}

type memorySubscription struct {
	bus     *MemoryBus
	orderID string
	ch      chan []byte

	once sync.Once
	mu   sync.Mutex
	err  error
}

func (s *memorySubscription) Events() <-chan []byte { return s.ch }

func (s *memorySubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *memorySubscription) Close() error {
	s.bus.remove(s)
	s.finish(nil)
	return nil
}

// finish closes the channel once. Callers must have removed s from the bus so
// no publisher can send on it afterwards.
func (s *memorySubscription) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		// Publishers hold the read lock while sending.
		s.bus.mu.Lock()
		close(s.ch)
		s.bus.mu.Unlock()
	})
}
