package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Dan9191/credit-service/internal/metrics"
	"github.com/Dan9191/credit-service/internal/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Alerter tells an operator about sagas that failed for good
type Alerter interface {
	SagaFailed(ctx context.Context, s State) error
}

// CommandHandler carries out a command and reports the outcome as an event
type CommandHandler func(ctx context.Context, cmd Command) Event

// Runtime applies events to stored sagas, one at a time per correlation id
type Runtime struct {
	store   Store
	alerter Alerter
	locks   *keyedMutex
	running sync.Map
	log     *logrus.Logger
	now     func() time.Time
}

// NewRuntime creates a runtime over store. alerter may be nil.
func NewRuntime(store Store, alerter Alerter, log *logrus.Logger) *Runtime {
	return &Runtime{
		store:   store,
		alerter: alerter,
		locks:   newKeyedMutex(),
		log:     log,
		now:     time.Now,
	}
}

// Fire applies ev to the saga id. Ignored events return the unchanged state
// and an error matching ErrEventIgnored. Reaching Failed returns the stored
// state and an error matching ErrPermanentFailure.
func (r *Runtime) Fire(ctx context.Context, id uuid.UUID, ev Event) (State, []Command, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	cur, err := r.store.Load(ctx, id)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return State{}, nil, fmt.Errorf("failed to load saga %s: %w", id, err)
	}

	entry := r.log.WithFields(logrus.Fields{"correlation_id": id.String(), "event": ev.eventName()})

	next, cmds, err := Transition(cur, ev, r.now().UTC())
	if err != nil {
		entry.Infof("Saga event dropped: %v", err)
		if cur != nil {
			return *cur, nil, err
		}
		return State{}, nil, err
	}
	if next.CorrelationID != id {
		return State{}, nil, fmt.Errorf("saga id %s does not match credit %s", id, next.Credit.CreditNumber)
	}

	if err := r.store.Save(ctx, next); err != nil {
		return State{}, nil, fmt.Errorf("failed to save saga %s: %w", id, err)
	}

	from := PhaseIntegrating
	if cur != nil {
		from = cur.Phase
	}
	metrics.SagaTransitions.WithLabelValues(string(from), string(next.Phase)).Inc()
	entry.WithFields(logrus.Fields{
		"numero_credito": next.Credit.CreditNumber,
		"from":           from,
		"to":             next.Phase,
		"attempts":       next.Attempts,
	}).Info("Saga transitioned")

	if next.Phase == PhaseFailed {
		r.failed(ctx, next)
		return next, nil, fmt.Errorf("saga %s: %w after %d attempts: %s", id, ErrPermanentFailure, next.Attempts, next.LastError)
	}
	return next, cmds, nil
}

func (r *Runtime) failed(ctx context.Context, s State) {
	r.log.WithFields(logrus.Fields{
		"correlation_id": s.CorrelationID.String(),
		"numero_credito": s.Credit.CreditNumber,
		"attempts":       s.Attempts,
	}).Errorf("Saga failed permanently, manual intervention required: %s", s.LastError)

	if r.alerter == nil {
		return
	}
	if err := r.alerter.SagaFailed(ctx, s); err != nil {
		r.log.WithField("correlation_id", s.CorrelationID.String()).Errorf("Failed to send saga failure alert: %v", err)
	}
}

// Run fires ev and keeps executing the emitted commands through h until the
// saga stops emitting. It returns the last stored state. While one Run for id
// is in progress, other Runs for the same id are ignored.
func (r *Runtime) Run(ctx context.Context, id uuid.UUID, ev Event, h CommandHandler) (State, error) {
	if _, busy := r.running.LoadOrStore(id, struct{}{}); busy {
		return State{}, fmt.Errorf("%w: %s while a run for saga %s is in progress", ErrEventIgnored, ev.eventName(), id)
	}
	defer r.running.Delete(id)

	state, pending, err := r.Fire(ctx, id, ev)
	if err != nil {
		return state, err
	}

	for len(pending) > 0 {
		cmd := pending[0]
		pending = pending[1:]

		next := h(ctx, cmd)
		if next == nil {
			continue
		}
		var more []Command
		state, more, err = r.Fire(ctx, id, next)
		if err != nil {
			return state, err
		}
		pending = append(pending, more...)
	}
	return state, nil
}

// Status returns the saga of a credit
func (r *Runtime) Status(ctx context.Context, creditNumber string) (*State, error) {
	return r.store.Load(ctx, CorrelationID(creditNumber))
}

// List returns the sagas matching f
func (r *Runtime) List(ctx context.Context, f Filter) ([]State, error) {
	return r.store.List(ctx, f)
}
