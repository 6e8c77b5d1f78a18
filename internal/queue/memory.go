package queue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

var ErrClosed = errors.New("broker closed")

// MemoryBroker is an in-process Broker with the same settle semantics as the Redis
// implementation. Used by tests and single-process development.
type MemoryBroker struct {
	mu      sync.Mutex
	ready   []*memEntry
	delayed []*memEntry
	dead    []DeadLetter
	acked   int
	seq     int
	closed  bool
	signal  chan struct{}
	now     func() time.Time
}

type memEntry struct {
	id      string
	body    []byte
	attempt int
	due     time.Time
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		signal: make(chan struct{}, 1),
		now:    time.Now,
	}
}

func (b *MemoryBroker) Publish(ctx context.Context, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.seq++
	cp := append([]byte(nil), body...)
	b.ready = append(b.ready, &memEntry{id: strconv.Itoa(b.seq), body: cp, attempt: 1})
	b.wake()
	return nil
}

func (b *MemoryBroker) Fetch(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	deadline := b.now().Add(wait)
	for {
		out, next, err := b.take(max)
		if err != nil || len(out) > 0 || wait <= 0 {
			return out, err
		}
		remaining := deadline.Sub(b.now())
		if remaining <= 0 {
			return nil, nil
		}
		if !next.IsZero() {
			if d := next.Sub(b.now()); d < remaining {
				remaining = d
			}
		}
		if remaining < time.Millisecond {
			remaining = time.Millisecond
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-b.signal:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// take promotes due delayed entries and pops up to max ready ones. next is the
// earliest pending due time, zero when nothing is delayed.
func (b *MemoryBroker) take(max int) ([]Delivery, time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, time.Time{}, ErrClosed
	}
	now := b.now()
	var next time.Time
	keep := b.delayed[:0]
	for _, e := range b.delayed {
		if !e.due.After(now) {
			b.ready = append(b.ready, e)
			continue
		}
		if next.IsZero() || e.due.Before(next) {
			next = e.due
		}
		keep = append(keep, e)
	}
	b.delayed = keep

	n := max
	if n > len(b.ready) {
		n = len(b.ready)
	}
	out := make([]Delivery, 0, n)
	for _, e := range b.ready[:n] {
		out = append(out, &memDelivery{broker: b, entry: e})
	}
	b.ready = b.ready[n:]
	return out, next, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.wake()
	return nil
}

// Pending counts messages that are ready or waiting out a retry delay.
func (b *MemoryBroker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ready) + len(b.delayed)
}

func (b *MemoryBroker) Acked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked
}

func (b *MemoryBroker) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DeadLetter, len(b.dead))
	copy(out, b.dead)
	return out
}

func (b *MemoryBroker) wake() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

type memDelivery struct {
	broker  *MemoryBroker
	entry   *memEntry
	settled bool
}

func (d *memDelivery) ID() string   { return d.entry.id }
func (d *memDelivery) Body() []byte { return d.entry.body }
func (d *memDelivery) Attempt() int { return d.entry.attempt }

func (d *memDelivery) Ack(ctx context.Context) error {
	b := d.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if d.settled {
		return nil
	}
	d.settled = true
	b.acked++
	return nil
}

func (d *memDelivery) Retry(ctx context.Context, delay time.Duration) error {
	b := d.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if d.settled {
		return nil
	}
	d.settled = true
	e := &memEntry{id: d.entry.id, body: d.entry.body, attempt: d.entry.attempt + 1}
	if delay <= 0 {
		b.ready = append(b.ready, e)
	} else {
		e.due = b.now().Add(delay)
		b.delayed = append(b.delayed, e)
	}
	b.wake()
	return nil
}

func (d *memDelivery) DeadLetter(ctx context.Context, reason string) error {
	b := d.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if d.settled {
		return nil
	}
	d.settled = true
	b.dead = append(b.dead, DeadLetter{ID: d.entry.id, Body: d.entry.body, Reason: reason, Attempt: d.entry.attempt})
	return nil
}
