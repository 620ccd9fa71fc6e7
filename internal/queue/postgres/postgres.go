// Package postgres is a Broker backed by a Postgres table.
//
// Each topic is a competing-consumer queue. Receive leases rows with
// FOR UPDATE SKIP LOCKED so concurrent consumers never see the same message
// while its lease is held; the subscription name is recorded on the lease.
package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Dan9191/credit-service/internal/queue"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

const (
	defaultLockDuration = 30 * time.Second
	defaultPollInterval = 25 * time.Millisecond
)

// Schema creates the queue table when missing
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS queue_messages (
		id             BIGSERIAL PRIMARY KEY,
		message_id     TEXT NOT NULL UNIQUE,
		topic          TEXT NOT NULL,
		content_type   TEXT NOT NULL DEFAULT 'application/json',
		body           BYTEA NOT NULL,
		delivery_count INTEGER NOT NULL DEFAULT 0,
		lock_token     TEXT,
		locked_by      TEXT,
		locked_until   TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
		enqueued_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_messages_visible ON queue_messages (topic, locked_until, id)`,
}

// Broker publishes and leases messages stored in Postgres
type Broker struct {
	pool         *pgxpool.Pool
	lockDuration time.Duration
	pollInterval time.Duration
	log          *logrus.Logger
}

// New connects to Postgres and ensures the queue table exists
func New(ctx context.Context, connString string, log *logrus.Logger) (*Broker, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping queue database: %w", err)
	}
	for _, stmt := range Schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ensure queue schema: %w", err)
		}
	}
	return &Broker{
		pool:         pool,
		lockDuration: defaultLockDuration,
		pollInterval: defaultPollInterval,
		log:          log,
	}, nil
}

// Publish inserts msg on topic
func (b *Broker) Publish(ctx context.Context, topic string, msg queue.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ContentType == "" {
		msg.ContentType = "application/json"
	}
	_, err := b.pool.Exec(ctx,
		`INSERT INTO queue_messages (message_id, topic, content_type, body) VALUES ($1, $2, $3, $4)`,
		msg.ID, topic, msg.ContentType, msg.Body)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w: %w", topic, queue.ErrUnavailable, err)
	}
	return nil
}

const leaseQuery = `
	UPDATE queue_messages AS q
	SET delivery_count = q.delivery_count + 1,
	    lock_token = $3,
	    locked_by = $4,
	    locked_until = now() + make_interval(secs => $5)
	WHERE q.id IN (
		SELECT id FROM queue_messages
		WHERE topic = $1 AND locked_until <= now()
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	)
	RETURNING q.id, q.message_id, q.content_type, q.body, q.delivery_count`

// Receive leases up to max messages, polling until one is available or wait elapses
func (b *Broker) Receive(ctx context.Context, topic, subscription string, max int, wait time.Duration) ([]queue.Delivery, error) {
	deadline := time.Now().Add(wait)
	for {
		out, err := b.lease(ctx, topic, subscription, max)
		if err != nil || len(out) > 0 {
			return out, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		pause := b.pollInterval
		if remaining < pause {
			pause = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pause):
		}
	}
}

func (b *Broker) lease(ctx context.Context, topic, subscription string, max int) ([]queue.Delivery, error) {
	token := uuid.NewString()
	rows, err := b.pool.Query(ctx, leaseQuery, topic, max, token, subscription, b.lockDuration.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to receive from %s: %w: %w", topic, queue.ErrUnavailable, err)
	}
	defer rows.Close()

	type leased struct {
		id int64
		d  queue.Delivery
	}
	var batch []leased
	for rows.Next() {
		var l leased
		l.d.Topic = topic
		l.d.LockToken = token
		if err := rows.Scan(&l.id, &l.d.ID, &l.d.ContentType, &l.d.Body, &l.d.DeliveryCount); err != nil {
			return nil, fmt.Errorf("failed to scan queue message: %w", err)
		}
		batch = append(batch, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to receive from %s: %w: %w", topic, queue.ErrUnavailable, err)
	}

	// RETURNING carries no ordering guarantee.
	sort.Slice(batch, func(i, j int) bool { return batch[i].id < batch[j].id })
	out := make([]queue.Delivery, 0, len(batch))
	for _, l := range batch {
		out = append(out, l.d)
	}
	return out, nil
}

// Complete deletes a leased message
func (b *Broker) Complete(ctx context.Context, d queue.Delivery) error {
	tag, err := b.pool.Exec(ctx,
		`DELETE FROM queue_messages WHERE message_id = $1 AND lock_token = $2`, d.ID, d.LockToken)
	if err != nil {
		return fmt.Errorf("failed to complete message %s: %w: %w", d.ID, queue.ErrUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lock lost for message %s", d.ID)
	}
	return nil
}

// Abandon makes a leased message visible again
func (b *Broker) Abandon(ctx context.Context, d queue.Delivery) error {
	tag, err := b.pool.Exec(ctx,
		`UPDATE queue_messages SET lock_token = NULL, locked_by = NULL, locked_until = 'epoch'
		 WHERE message_id = $1 AND lock_token = $2`, d.ID, d.LockToken)
	if err != nil {
		return fmt.Errorf("failed to abandon message %s: %w: %w", d.ID, queue.ErrUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		b.log.Warnf("Abandon found no lease for message %s", d.ID)
	}
	return nil
}

// Ping checks the queue database
func (b *Broker) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

// Close releases the pool
func (b *Broker) Close() error {
	b.pool.Close()
	return nil
}
