package ingest

import (
	"context"
	"errors"

	"github.com/Dan9191/credit-service/internal/models"
	"github.com/Dan9191/credit-service/internal/saga"
	"github.com/sirupsen/logrus"
)

// AuditEventProcessed is published once a credit completes its saga
const AuditEventProcessed = "credito-processado"

type outcome string

const (
	outcomePersisted outcome = "persisted"
	outcomeDuplicate outcome = "duplicate"
	outcomeFailed    outcome = "failed"
)

func (l *Loop) process(ctx context.Context, ledger Ledger, msg models.CreditMessage) outcome {
	entry := l.log.WithField("numero_credito", msg.CreditNumber)

	if err := msg.Validate(); err != nil {
		entry.Errorf("Rejecting invalid credit: %v", err)
		return outcomeFailed
	}

	exists, err := ledger.Exists(ctx, msg.CreditNumber)
	if err != nil {
		entry.Errorf("Error processing credit: %v", err)
		return outcomeFailed
	}
	if exists {
		if !l.unfinished(ctx, msg.CreditNumber) {
			entry.Info("Credit already exists, skipping duplicate")
			return outcomeDuplicate
		}
		entry.Info("Credit already exists but its saga is unfinished, resuming")
	}

	record, err := msg.ToRecord()
	if err != nil {
		entry.Errorf("Error mapping credit: %v", err)
		return outcomeFailed
	}

	var conflict bool
	handle := func(ctx context.Context, cmd saga.Command) saga.Event {
		switch c := cmd.(type) {
		case saga.ProcessCredit:
			credit := c.Credit
			_, err := ledger.Insert(ctx, &credit)
			if errors.Is(err, models.ErrConflict) {
				// Lost the race against a concurrent delivery; the row is there.
				conflict = true
				entry.Info("Credit inserted concurrently, treating as duplicate")
				return saga.Processed{}
			}
			if err != nil {
				entry.Warnf("Failed to persist credit: %v", err)
				return saga.ProcessingFailed{Reason: err.Error()}
			}
			return saga.Processed{}
		case saga.AuditCredit:
			l.source.SendAudit(ctx, AuditEventProcessed, c.CreditNumber)
			return saga.Audited{}
		}
		return nil
	}

	state, err := l.sagas.Run(ctx, saga.CorrelationID(record.CreditNumber), saga.Integrate{Credit: *record}, handle)
	switch {
	case errors.Is(err, saga.ErrEventIgnored):
		if state.Phase == saga.PhaseFailed {
			entry.Warn("Credit saga already failed permanently, not retrying")
			return outcomeFailed
		}
		entry.WithField("phase", state.Phase).Info("Credit saga already running, skipping duplicate")
		return outcomeDuplicate
	case err != nil:
		entry.Errorf("Error processing credit: %v", err)
		return outcomeFailed
	case conflict || exists:
		return outcomeDuplicate
	}

	entry.WithFields(logrus.Fields{
		"correlation_id": state.CorrelationID.String(),
		"phase":          state.Phase,
	}).Info("Credit processed and saved")
	return outcomePersisted
}

// unfinished reports whether the credit has a saga that stopped short of a
// terminal phase.
func (l *Loop) unfinished(ctx context.Context, creditNumber string) bool {
	state, err := l.sagas.Status(ctx, creditNumber)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			l.log.WithField("numero_credito", creditNumber).Warnf("Failed to load credit saga: %v", err)
		}
		return false
	}
	return !state.Phase.Terminal()
}
