// Package resilience composes the timeout, retry and circuit-breaker layers
// that guard every queue interaction.
//
// Layers, outermost first:
//
//	timeout → retry (exponential backoff) → circuit breaker → call
//
// A Policy is bound to one operation name. All callers of that operation share
// its breaker; different operations never influence each other.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Dan9191/credit-service/internal/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
)

var (
	// ErrCircuitOpen is returned without invoking the operation while its breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTimeoutExceeded is returned when a protected call outlives its timeout
	ErrTimeoutExceeded = errors.New("timeout exceeded")
)

// Settings configures one composed policy
type Settings struct {
	Timeout          time.Duration
	RetryCount       int
	RetryBaseDelay   time.Duration
	FailureThreshold uint32
	Cooldown         time.Duration
}

// DefaultSettings returns 30s timeout, 3 retries at 2^attempt seconds,
// and a breaker opening after 5 consecutive failures for 30s
func DefaultSettings() Settings {
	return Settings{
		Timeout:          30 * time.Second,
		RetryCount:       3,
		RetryBaseDelay:   time.Second,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Policy executes calls through timeout, retry and circuit breaker
type Policy struct {
	name     string
	settings Settings
	breaker  *gobreaker.CircuitBreaker[any]
	log      *logrus.Logger
}

// NewPolicy builds the composed policy for one operation
func NewPolicy(name string, s Settings, log *logrus.Logger) *Policy {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 1
	}
	if s.Cooldown <= 0 {
		s.Cooldown = DefaultSettings().Cooldown
	}
	if s.RetryCount < 0 {
		s.RetryCount = 0
	}

	p := &Policy{name: name, settings: s, log: log}
	p.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     s.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= s.FailureThreshold
		},
		OnStateChange: p.onStateChange,
	})
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	return p
}

// Name returns the protected operation name
func (p *Policy) Name() string {
	return p.name
}

// State returns the breaker state: closed, half-open or open
func (p *Policy) State() string {
	return p.breaker.State().String()
}

// Execute runs fn through the policy
func (p *Policy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do runs fn through the policy and returns its result untouched on success
func Do[T any](ctx context.Context, p *Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if p.settings.Timeout <= 0 {
		return withRetry(ctx, p, fn)
	}

	ctx, cancel := context.WithTimeout(ctx, p.settings.Timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := withRetry(ctx, p, fn)
		done <- result{v: v, err: err}
	}()

	// The caller is released on timeout even if fn ignores ctx.
	select {
	case r := <-done:
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, p.timeoutError()
		}
		return r.v, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, p.timeoutError()
		}
		return zero, ctx.Err()
	}
}

func (p *Policy) timeoutError() error {
	metrics.Timeouts.WithLabelValues(p.name).Inc()
	p.log.WithField("operation", p.name).Warnf("Operation timed out after %s", p.settings.Timeout)
	return fmt.Errorf("%s: %w after %s", p.name, ErrTimeoutExceeded, p.settings.Timeout)
}

func withRetry[T any](ctx context.Context, p *Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	op := func() error {
		v, err := throughBreaker(ctx, p, fn)
		if err != nil {
			if errors.Is(err, ErrCircuitOpen) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		out = v
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * p.settings.RetryBaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = b.InitialInterval << p.settings.RetryCount
	b.MaxElapsedTime = 0

	attempt := 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.settings.RetryCount)), ctx)
	err := backoff.RetryNotify(op, policy, func(err error, delay time.Duration) {
		attempt++
		metrics.Retries.WithLabelValues(p.name).Inc()
		p.log.WithFields(logrus.Fields{
			"operation": p.name,
			"attempt":   attempt,
			"delay":     delay.String(),
		}).Warnf("Retry %d after %s due to: %v", attempt, delay, err)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func throughBreaker[T any](ctx context.Context, p *Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	v, err := p.breaker.Execute(func() (any, error) {
		return fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, fmt.Errorf("%s: %w", p.name, ErrCircuitOpen)
	}
	if err != nil {
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}

func (p *Policy) onStateChange(name string, from, to gobreaker.State) {
	entry := p.log.WithFields(logrus.Fields{"operation": name, "from": from.String(), "to": to.String()})
	switch to {
	case gobreaker.StateOpen:
		metrics.CircuitBreakerState.WithLabelValues(name).Set(2)
		metrics.CircuitBreakerTrips.WithLabelValues(name).Inc()
		entry.Errorf("Circuit breaker opened for %s", p.settings.Cooldown)
	case gobreaker.StateHalfOpen:
		metrics.CircuitBreakerState.WithLabelValues(name).Set(1)
		entry.Info("Circuit breaker half-open, testing")
	case gobreaker.StateClosed:
		metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
		entry.Info("Circuit breaker reset")
	}
}

// Registry hands out one Policy per operation name
type Registry struct {
	mu       sync.Mutex
	settings Settings
	log      *logrus.Logger
	policies map[string]*Policy
}

// NewRegistry creates a registry whose policies share the given settings
func NewRegistry(s Settings, log *logrus.Logger) *Registry {
	return &Registry{settings: s, log: log, policies: make(map[string]*Policy)}
}

// Policy returns the policy for name, creating it on first use
func (r *Registry) Policy(name string) *Policy {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.policies[name]; ok {
		return p
	}
	p := NewPolicy(name, r.settings, r.log)
	r.policies[name] = p
	return p
}

// States reports the breaker state of every known operation
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string, len(r.policies))
	for name, p := range r.policies {
		out[name] = p.State()
	}
	return out
}
