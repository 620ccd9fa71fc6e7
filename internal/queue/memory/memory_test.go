package memory

import (
	"context"
	"testing"
	"time"

	"github.com/Dan9191/credit-service/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const topic = "integrar-credito-constituido-entry"

func publish(t *testing.T, b *Broker, bodies ...string) {
	t.Helper()
	for _, body := range bodies {
		require.NoError(t, b.Publish(context.Background(), topic, queue.Message{Body: []byte(body)}))
	}
}

func TestReceive_RespectsBatchSizeAndOrder(t *testing.T) {
	b := New()
	publish(t, b, "1", "2", "3")

	got, err := b.Receive(context.Background(), topic, "sub", 2, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "1", string(got[0].Body))
	assert.Equal(t, "2", string(got[1].Body))
	assert.Equal(t, 1, got[0].DeliveryCount)

	rest, err := b.Receive(context.Background(), topic, "sub", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, rest, 1, "leased messages are invisible")
	assert.Equal(t, "3", string(rest[0].Body))
}

func TestReceive_EmptyAfterWait(t *testing.T) {
	b := New()

	start := time.Now()
	got, err := b.Receive(context.Background(), topic, "sub", 10, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestReceive_WakesOnPublish(t *testing.T) {
	b := New()
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = b.Publish(context.Background(), topic, queue.Message{Body: []byte("late")})
	}()

	got, err := b.Receive(context.Background(), topic, "sub", 10, time.Second)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "late", string(got[0].Body))
}

func TestCompleteAndAbandon(t *testing.T) {
	b := New()
	publish(t, b, "a", "b")

	got, err := b.Receive(context.Background(), topic, "sub", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.NoError(t, b.Complete(context.Background(), got[0]))
	require.NoError(t, b.Abandon(context.Background(), got[1]))
	assert.Equal(t, 1, b.Len(topic))

	again, err := b.Receive(context.Background(), topic, "sub", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "b", string(again[0].Body))
	assert.Equal(t, 2, again[0].DeliveryCount)

	assert.Error(t, b.Complete(context.Background(), got[1]), "stale lock token")
}

func TestExpiredLeaseIsRedelivered(t *testing.T) {
	b := New()
	b.SetLockDuration(5 * time.Millisecond)
	publish(t, b, "x")

	_, err := b.Receive(context.Background(), topic, "sub", 10, 10*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	got, err := b.Receive(context.Background(), topic, "sub", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].DeliveryCount)
}

func TestClosedBrokerIsUnavailable(t *testing.T) {
	b := New()
	require.NoError(t, b.Close())

	err := b.Publish(context.Background(), topic, queue.Message{Body: []byte("x")})
	assert.ErrorIs(t, err, queue.ErrUnavailable)
	_, err = b.Receive(context.Background(), topic, "sub", 1, time.Millisecond)
	assert.ErrorIs(t, err, queue.ErrUnavailable)
}
