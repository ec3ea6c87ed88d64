// Package eventbus carries per-order lifecycle frames from workers to live observers.
//
// Delivery is fire-and-forget: a frame published while nobody is subscribed is lost
// and there is no replay.
package eventbus

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("eventbus: closed")

// Publisher sends one frame to the channel of orderID.
type Publisher interface {
	Publish(ctx context.Context, orderID string, payload []byte) error
}

// Subscriber opens a subscription to the channel of orderID.
type Subscriber interface {
	// Subscribe returns once the subscription is active; frames published after
	// it returns are delivered.
	Subscribe(ctx context.Context, orderID string) (Subscription, error)
}

// Bus is both sides plus Close.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// Subscription is a live feed of frames for one order.
type Subscription interface {
	// Events is closed when the subscription ends, either by Close or by a
	// transport failure. Err reports the failure, if any.
	Events() <-chan []byte
	Err() error
	Close() error
}
