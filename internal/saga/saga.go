// Package saga tracks one credit's lifecycle from integration to completion.
//
// The lifecycle is a plain state machine. Transition is pure: it takes the
// current state and one event and returns the next state plus the commands
// to carry out. Runtime adds persistence and per-credit serialization.
package saga

import (
	"errors"
	"fmt"
	"time"

	"github.com/Dan9191/credit-service/internal/models"
	"github.com/google/uuid"
)

// Phase is where a saga currently stands
type Phase string

const (
	PhaseIntegrating Phase = "Integrating"
	PhaseProcessing  Phase = "Processing"
	PhaseAuditing    Phase = "Auditing"
	PhaseCompleted   Phase = "Completed"
	PhaseFailed      Phase = "Failed"
)

// Phases lists every phase in lifecycle order
var Phases = []Phase{PhaseIntegrating, PhaseProcessing, PhaseAuditing, PhaseCompleted, PhaseFailed}

// Terminal reports whether no transition leaves p
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// ParsePhase accepts a phase name, case-sensitive
func ParsePhase(s string) (Phase, error) {
	for _, p := range Phases {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown saga phase %q", s)
}

// MaxProcessingAttempts bounds how often the persistence step is tried
const MaxProcessingAttempts = 3

var (
	// ErrEventIgnored is returned for events a saga does not accept in its current phase
	ErrEventIgnored = errors.New("event ignored")

	// ErrPermanentFailure means the saga ran out of processing attempts
	ErrPermanentFailure = errors.New("permanent failure")
)

// correlationNamespace scopes credit numbers to saga ids
var correlationNamespace = uuid.MustParse("6f1c2b8e-4d0a-5e61-9a3f-0c7d52b1e8a4")

// CorrelationID derives the saga id of a credit. The same credit number
// always yields the same id.
func CorrelationID(creditNumber string) uuid.UUID {
	return uuid.NewSHA1(correlationNamespace, []byte(creditNumber))
}

// State is the saga instance for one credit
type State struct {
	CorrelationID uuid.UUID           `json:"correlation_id"`
	Phase         Phase               `json:"phase"`
	Credit        models.CreditRecord `json:"credit"`
	IntegratedAt  time.Time           `json:"integrated_at"`
	ProcessedAt   *time.Time          `json:"processed_at,omitempty"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
	FailedAt      *time.Time          `json:"failed_at,omitempty"`
	Attempts      int                 `json:"attempts"`
	LastError     string              `json:"last_error,omitempty"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// Event drives a transition
type Event interface {
	eventName() string
}

// Integrate starts a saga for a newly received credit. On a saga that is
// still running it resumes the pending step instead.
type Integrate struct {
	Credit models.CreditRecord
}

// Processed reports that the credit was persisted
type Processed struct{}

// ProcessingFailed reports a failed persistence attempt
type ProcessingFailed struct {
	Reason string
}

// Audited reports that the audit notification went out
type Audited struct{}

func (Integrate) eventName() string        { return "Integrate" }
func (Processed) eventName() string        { return "Processed" }
func (ProcessingFailed) eventName() string { return "ProcessingFailed" }
func (Audited) eventName() string          { return "Audited" }

// EventName returns the name used in logs and metrics
func EventName(ev Event) string {
	return ev.eventName()
}

// Command is work a transition asks the runtime to carry out
type Command interface {
	commandName() string
}

// ProcessCredit asks for the credit to be persisted
type ProcessCredit struct {
	CorrelationID uuid.UUID
	Credit        models.CreditRecord
}

// AuditCredit asks for the processing audit notification
type AuditCredit struct {
	CorrelationID uuid.UUID
	CreditNumber  string
}

func (ProcessCredit) commandName() string { return "ProcessCredit" }
func (AuditCredit) commandName() string   { return "AuditCredit" }

// CommandName returns the name used in logs
func CommandName(cmd Command) string {
	return cmd.commandName()
}

// Transition applies ev to cur. A nil cur means no saga exists yet for the
// credit. The returned state is a fresh value; cur is never modified.
func Transition(cur *State, ev Event, now time.Time) (State, []Command, error) {
	if cur == nil {
		start, ok := ev.(Integrate)
		if !ok {
			return State{}, nil, fmt.Errorf("%w: %s without a saga", ErrEventIgnored, ev.eventName())
		}
		return integrate(start, now)
	}

	next := *cur
	if next.Phase.Terminal() {
		return next, nil, fmt.Errorf("%w: %s in terminal phase %s", ErrEventIgnored, ev.eventName(), next.Phase)
	}

	switch e := ev.(type) {
	case Integrate:
		if CorrelationID(e.Credit.CreditNumber) != next.CorrelationID {
			break
		}
		return resume(next, e, now)

	case Processed:
		if next.Phase != PhaseProcessing {
			break
		}
		next.Phase = PhaseAuditing
		next.ProcessedAt = timePtr(now)
		next.LastError = ""
		next.UpdatedAt = now
		return next, []Command{AuditCredit{CorrelationID: next.CorrelationID, CreditNumber: next.Credit.CreditNumber}}, nil

	case ProcessingFailed:
		if next.Phase != PhaseProcessing {
			break
		}
		next.LastError = e.Reason
		next.UpdatedAt = now
		if next.Attempts >= MaxProcessingAttempts {
			next.Phase = PhaseFailed
			next.FailedAt = timePtr(now)
			return next, nil, nil
		}
		next.Attempts++
		return next, []Command{ProcessCredit{CorrelationID: next.CorrelationID, Credit: next.Credit}}, nil

	case Audited:
		if next.Phase != PhaseAuditing {
			break
		}
		next.Phase = PhaseCompleted
		next.CompletedAt = timePtr(now)
		next.UpdatedAt = now
		return next, nil, nil
	}

	return next, nil, fmt.Errorf("%w: %s in phase %s", ErrEventIgnored, ev.eventName(), next.Phase)
}

func integrate(e Integrate, now time.Time) (State, []Command, error) {
	s := State{
		CorrelationID: CorrelationID(e.Credit.CreditNumber),
		Phase:         PhaseProcessing,
		Credit:        e.Credit,
		IntegratedAt:  now,
		Attempts:      1,
		UpdatedAt:     now,
	}
	return s, []Command{ProcessCredit{CorrelationID: s.CorrelationID, Credit: s.Credit}}, nil
}

// resume re-issues the command of the current phase. Attempts are left as they are.
func resume(s State, e Integrate, now time.Time) (State, []Command, error) {
	switch s.Phase {
	case PhaseProcessing:
		s.Credit = e.Credit
		s.UpdatedAt = now
		return s, []Command{ProcessCredit{CorrelationID: s.CorrelationID, Credit: s.Credit}}, nil
	case PhaseAuditing:
		s.UpdatedAt = now
		return s, []Command{AuditCredit{CorrelationID: s.CorrelationID, CreditNumber: e.Credit.CreditNumber}}, nil
	}
	return s, nil, fmt.Errorf("%w: Integrate in phase %s", ErrEventIgnored, s.Phase)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
