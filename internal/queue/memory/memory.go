// Package memory is an in-process Broker for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Dan9191/credit-service/internal/queue"
	"github.com/google/uuid"
)

// DefaultLockDuration is how long a received message stays invisible
const DefaultLockDuration = 30 * time.Second

type entry struct {
	msg         queue.Message
	deliveries  int
	lockedUntil time.Time
	lockToken   string
}

// Broker keeps one FIFO per topic
type Broker struct {
	mu           sync.Mutex
	topics       map[string][]*entry
	signal       chan struct{}
	lockDuration time.Duration
	closed       bool
	now          func() time.Time
}

// New creates an empty broker
func New() *Broker {
	return &Broker{
		topics:       make(map[string][]*entry),
		signal:       make(chan struct{}),
		lockDuration: DefaultLockDuration,
		now:          time.Now,
	}
}

// SetLockDuration overrides the lease length
func (b *Broker) SetLockDuration(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lockDuration = d
}

// Publish appends msg to topic
func (b *Broker) Publish(ctx context.Context, topic string, msg queue.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("broker closed: %w", queue.ErrUnavailable)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	b.topics[topic] = append(b.topics[topic], &entry{msg: msg})
	b.broadcast()
	return nil
}

// Receive leases up to max visible messages, waiting at most wait for the first one
func (b *Broker) Receive(ctx context.Context, topic, subscription string, max int, wait time.Duration) ([]queue.Delivery, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, fmt.Errorf("broker closed: %w", queue.ErrUnavailable)
		}
		out := b.lease(topic, max)
		signal := b.signal
		b.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-signal:
		}
	}
}

func (b *Broker) lease(topic string, max int) []queue.Delivery {
	now := b.now()
	var out []queue.Delivery
	for _, e := range b.topics[topic] {
		if len(out) >= max {
			break
		}
		if e.lockedUntil.After(now) {
			continue
		}
		e.deliveries++
		e.lockToken = uuid.NewString()
		e.lockedUntil = now.Add(b.lockDuration)
		out = append(out, queue.Delivery{
			Message:       e.msg,
			Topic:         topic,
			LockToken:     e.lockToken,
			DeliveryCount: e.deliveries,
		})
	}
	return out
}

// Complete removes a leased message
func (b *Broker) Complete(ctx context.Context, d queue.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.topics[d.Topic]
	for i, e := range entries {
		if e.lockToken == d.LockToken && e.msg.ID == d.ID {
			b.topics[d.Topic] = append(entries[:i], entries[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("lock lost for message %s", d.ID)
}

// Abandon releases a leased message for immediate redelivery
func (b *Broker) Abandon(ctx context.Context, d queue.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range b.topics[d.Topic] {
		if e.lockToken == d.LockToken && e.msg.ID == d.ID {
			e.lockedUntil = time.Time{}
			e.lockToken = ""
			b.broadcast()
			return nil
		}
	}
	return fmt.Errorf("lock lost for message %s", d.ID)
}

// Len returns the number of messages on topic, leased or not
func (b *Broker) Len(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// Messages returns a copy of the messages on topic
func (b *Broker) Messages(topic string) []queue.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]queue.Message, 0, len(b.topics[topic]))
	for _, e := range b.topics[topic] {
		out = append(out, e.msg)
	}
	return out
}

// Close rejects further calls
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.broadcast()
	}
	return nil
}

// broadcast wakes waiting receivers; b.mu must be held
func (b *Broker) broadcast() {
	close(b.signal)
	b.signal = make(chan struct{})
}
