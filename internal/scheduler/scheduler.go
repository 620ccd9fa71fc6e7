// Package scheduler runs periodic maintenance jobs.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/Dan9191/credit-service/internal/metrics"
	"github.com/Dan9191/credit-service/internal/saga"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// SagaLister reads saga instances
type SagaLister interface {
	List(ctx context.Context, f saga.Filter) ([]saga.State, error)
}

// Scheduler owns the cron runner
type Scheduler struct {
	cron       *cron.Cron
	sagas      SagaLister
	staleAfter time.Duration
	log        *logrus.Logger
	now        func() time.Time
}

// New creates a scheduler; call Start to run it
func New(sagas SagaLister, staleAfter time.Duration, log *logrus.Logger) *Scheduler {
	return &Scheduler{
		cron:       cron.New(),
		sagas:      sagas,
		staleAfter: staleAfter,
		log:        log,
		now:        time.Now,
	}
}

// Start registers the saga watchdog on schedule and starts the runner
func (s *Scheduler) Start(schedule string) error {
	_, err := s.cron.AddFunc(schedule, func() {
		if _, err := s.CheckSagas(context.Background()); err != nil {
			s.log.Errorf("Saga watchdog failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule saga watchdog %q: %w", schedule, err)
	}
	s.cron.Start()
	s.log.Infof("Saga watchdog scheduled: %s", schedule)
	return nil
}

// Stop halts the runner and waits for a running job
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// CheckSagas refreshes the per-phase gauge and reports sagas stuck in a
// non-terminal phase for longer than the stale threshold
func (s *Scheduler) CheckSagas(ctx context.Context) ([]saga.State, error) {
	all, err := s.sagas.List(ctx, saga.Filter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list sagas: %w", err)
	}

	counts := make(map[saga.Phase]int, len(saga.Phases))
	cutoff := s.now().Add(-s.staleAfter)
	var stale []saga.State
	for _, st := range all {
		counts[st.Phase]++
		if !st.Phase.Terminal() && st.UpdatedAt.Before(cutoff) {
			stale = append(stale, st)
		}
	}
	for _, p := range saga.Phases {
		metrics.SagaPhase.WithLabelValues(string(p)).Set(float64(counts[p]))
	}
	metrics.SagaStale.Set(float64(len(stale)))

	for _, st := range stale {
		s.log.WithFields(logrus.Fields{
			"correlation_id": st.CorrelationID.String(),
			"numero_credito": st.Credit.CreditNumber,
			"phase":          st.Phase,
			"updated_at":     st.UpdatedAt,
		}).Warn("Saga has not progressed, manual check required")
	}
	return stale, nil
}
