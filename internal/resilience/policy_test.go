package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("queue unavailable")

func fastSettings() Settings {
	return Settings{
		Timeout:          time.Second,
		RetryCount:       3,
		RetryBaseDelay:   time.Millisecond,
		FailureThreshold: 5,
		Cooldown:         50 * time.Millisecond,
	}
}

func newTestPolicy(t *testing.T, s Settings) (*Policy, *test.Hook) {
	t.Helper()
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return NewPolicy(t.Name(), s, log), hook
}

func TestDo_SuccessIsPassedThrough(t *testing.T) {
	p, _ := newTestPolicy(t, fastSettings())
	var calls int32

	got, err := Do(context.Background(), p, func(ctx context.Context) ([]string, error) {
		atomic.AddInt32(&calls, 1)
		return []string{"C1", "C2"}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"C1", "C2"}, got)
	assert.Equal(t, int32(1), calls)
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	p, hook := newTestPolicy(t, fastSettings())
	var calls int32

	got, err := Do(context.Background(), p, func(ctx context.Context) (int, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return 0, errBoom
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, int32(3), calls)

	var retries []logrus.Fields
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			retries = append(retries, e.Data)
		}
	}
	require.Len(t, retries, 2)
	assert.Equal(t, 1, retries[0]["attempt"])
	assert.Equal(t, 2, retries[1]["attempt"])
}

func TestDo_ExhaustedRetriesPropagateOriginalError(t *testing.T) {
	p, _ := newTestPolicy(t, fastSettings())
	var calls int32

	err := p.Execute(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errBoom
	})

	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, int32(4), calls, "one call plus three retries")
}

func TestDo_BackoffIsExponential(t *testing.T) {
	s := fastSettings()
	s.RetryBaseDelay = 10 * time.Millisecond
	s.RetryCount = 2
	p, _ := newTestPolicy(t, s)

	start := time.Now()
	err := p.Execute(context.Background(), func(ctx context.Context) error { return errBoom })

	assert.ErrorIs(t, err, errBoom)
	// 2^1*10ms + 2^2*10ms
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	s := fastSettings()
	s.RetryCount = 0
	p, _ := newTestPolicy(t, s)
	var calls int32
	failing := func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errBoom
	}

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, p.Execute(context.Background(), failing), errBoom)
	}
	assert.Equal(t, "open", p.State())

	time.Sleep(time.Millisecond)
	err := p.Execute(context.Background(), failing)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(5), calls, "open circuit must not invoke the operation")
}

func TestBreaker_SingleTrialAfterCooldown(t *testing.T) {
	p, _ := newTestPolicy(t, fastSettings())
	var calls int32
	failing := func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errBoom
	}

	// 4 attempts on the first call, the 5th attempt trips the breaker and
	// the retry layer stops on the open circuit.
	assert.Error(t, p.Execute(context.Background(), failing))
	assert.Error(t, p.Execute(context.Background(), failing))
	require.Equal(t, "open", p.State())
	require.Equal(t, int32(5), calls)

	time.Sleep(60 * time.Millisecond)
	err := p.Execute(context.Background(), failing)
	assert.ErrorIs(t, err, ErrCircuitOpen, "failed trial reopens and retry must not hammer it")
	assert.Equal(t, int32(6), calls, "exactly one trial invocation after cooldown")
	assert.Equal(t, "open", p.State())
}

func TestBreaker_SuccessfulTrialCloses(t *testing.T) {
	s := fastSettings()
	s.RetryCount = 0
	p, _ := newTestPolicy(t, s)

	for i := 0; i < 5; i++ {
		_ = p.Execute(context.Background(), func(ctx context.Context) error { return errBoom })
	}
	require.Equal(t, "open", p.State())

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, p.Execute(context.Background(), func(ctx context.Context) error { return nil }))
	assert.Equal(t, "closed", p.State())

	// Failure count was reset: four new failures keep it closed.
	for i := 0; i < 4; i++ {
		_ = p.Execute(context.Background(), func(ctx context.Context) error { return errBoom })
	}
	assert.Equal(t, "closed", p.State())
}

func TestDo_TimeoutReleasesCaller(t *testing.T) {
	s := fastSettings()
	s.Timeout = 20 * time.Millisecond
	p, _ := newTestPolicy(t, s)

	start := time.Now()
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		time.Sleep(300 * time.Millisecond)
		return nil
	})

	assert.ErrorIs(t, err, ErrTimeoutExceeded)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestDo_TimeoutCoversRetries(t *testing.T) {
	s := fastSettings()
	s.Timeout = 30 * time.Millisecond
	s.RetryBaseDelay = 50 * time.Millisecond
	p, _ := newTestPolicy(t, s)

	err := p.Execute(context.Background(), func(ctx context.Context) error { return errBoom })
	assert.ErrorIs(t, err, ErrTimeoutExceeded)
}

func TestRegistry_SharesPerOperation(t *testing.T) {
	log, _ := test.NewNullLogger()
	s := fastSettings()
	s.RetryCount = 0
	r := NewRegistry(s, log)

	send := r.Policy("registry-send")
	assert.Same(t, send, r.Policy("registry-send"))
	receive := r.Policy("registry-receive")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = send.Execute(context.Background(), func(ctx context.Context) error { return errBoom })
		}()
	}
	wg.Wait()

	assert.Equal(t, "open", send.State())
	assert.Equal(t, "closed", receive.State(), "breakers are independent per operation")
	assert.Equal(t, map[string]string{"registry-send": "open", "registry-receive": "closed"}, r.States())
}
