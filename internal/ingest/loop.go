// Package ingest drains the credit topic into the ledger.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Dan9191/credit-service/internal/metrics"
	"github.com/Dan9191/credit-service/internal/models"
	"github.com/Dan9191/credit-service/internal/saga"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Ledger is the part of the credit store the loop writes to
type Ledger interface {
	Exists(ctx context.Context, creditNumber string) (bool, error)
	Insert(ctx context.Context, c *models.CreditRecord) (*models.CreditRecord, error)
}

// UnitOfWork opens a ledger for one cycle. The loop calls release on every path.
type UnitOfWork func(ctx context.Context) (ledger Ledger, release func() error, err error)

// Source delivers credits and takes audit notifications
type Source interface {
	Receive(ctx context.Context, maxBatch int, maxWait time.Duration) ([]models.CreditMessage, error)
	SendAudit(ctx context.Context, eventType, key string)
}

// Config tunes the loop
type Config struct {
	Interval    time.Duration
	BatchSize   int
	MaxWait     time.Duration
	Concurrency int
}

// BatchResult counts what one cycle did
type BatchResult struct {
	Received   int `json:"received"`
	Persisted  int `json:"persisted"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
}

// Loop is the background ingestion task
type Loop struct {
	cfg    Config
	open   UnitOfWork
	source Source
	sagas  *saga.Runtime
	log    *logrus.Logger
}

// NewLoop creates the ingestion loop
func NewLoop(cfg Config, open UnitOfWork, source Source, sagas *saga.Runtime, log *logrus.Logger) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 100 * time.Millisecond
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Loop{cfg: cfg, open: open, source: source, sagas: sagas, log: log}
}

// Run polls until ctx is cancelled. A batch already in flight when ctx is
// cancelled runs to completion; no new batch starts afterwards.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Infof("Ingestion loop started, polling every %s", l.cfg.Interval)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Info("Ingestion loop stopped")
			return nil
		case <-timer.C:
		}

		res, err := l.RunOnce(context.WithoutCancel(ctx))
		if err != nil {
			l.log.Errorf("Ingestion cycle failed: %v", err)
		} else if res.Received > 0 {
			l.log.WithFields(logrus.Fields{
				"received":   res.Received,
				"persisted":  res.Persisted,
				"duplicates": res.Duplicates,
				"failed":     res.Failed,
			}).Info("Ingestion cycle finished")
		}
		timer.Reset(l.cfg.Interval)
	}
}

// RunOnce executes a single cycle
func (l *Loop) RunOnce(ctx context.Context) (BatchResult, error) {
	var res BatchResult
	start := time.Now()
	defer func() { metrics.IngestCycleDuration.Observe(time.Since(start).Seconds()) }()

	ledger, release, err := l.open(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to open unit of work: %w", err)
	}
	defer func() {
		if err := release(); err != nil {
			l.log.Errorf("Failed to release unit of work: %v", err)
		}
	}()

	credits, err := l.source.Receive(ctx, l.cfg.BatchSize, l.cfg.MaxWait)
	if err != nil {
		return res, err
	}
	res.Received = len(credits)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(l.cfg.Concurrency)
	for _, msg := range credits {
		g.Go(func() error {
			out := l.process(ctx, ledger, msg)
			metrics.IngestedRecords.WithLabelValues(string(out)).Inc()

			mu.Lock()
			defer mu.Unlock()
			switch out {
			case outcomePersisted:
				res.Persisted++
			case outcomeDuplicate:
				res.Duplicates++
			default:
				res.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()
	return res, nil
}
