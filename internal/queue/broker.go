package queue

import (
	"context"
	"time"
)

// Delivery is one at-least-once delivery of a message. Exactly one of Ack, Retry
// or DeadLetter settles it; later calls are no-ops.
type Delivery interface {
	ID() string
	Body() []byte
	// Attempt counts deliveries of this message, starting at 1.
	Attempt() int
	Ack(ctx context.Context) error
	// Retry settles this delivery and makes the message visible again after delay.
	Retry(ctx context.Context, delay time.Duration) error
	DeadLetter(ctx context.Context, reason string) error
}

type Broker interface {
	Publish(ctx context.Context, body []byte) error
	// Fetch returns up to max deliveries. A positive wait blocks until a message
	// arrives or wait elapses; wait <= 0 returns immediately.
	Fetch(ctx context.Context, max int, wait time.Duration) ([]Delivery, error)
	Close() error
}

type DeadLetter struct {
	ID      string
	Body    []byte
	Reason  string
	Attempt int
}
