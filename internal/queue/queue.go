// Package queue defines the broker contract the message gateway talks to.
//
// Delivery is peek-lock: Receive leases messages to the caller, who must then
// Complete (remove) or Abandon (release for redelivery) each one. A lease that
// is neither completed nor abandoned expires and the message becomes visible
// again.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks a transient broker failure that is eligible for retry
var ErrUnavailable = errors.New("queue temporarily unavailable")

// Message is a unit published on a topic
type Message struct {
	ID          string
	ContentType string
	Body        []byte
}

// Delivery is a leased message handed out by Receive
type Delivery struct {
	Message
	Topic         string
	LockToken     string
	DeliveryCount int
}

// Broker is implemented by every queue backend
type Broker interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Receive(ctx context.Context, topic, subscription string, max int, wait time.Duration) ([]Delivery, error)
	Complete(ctx context.Context, d Delivery) error
	Abandon(ctx context.Context, d Delivery) error
	Close() error
}
