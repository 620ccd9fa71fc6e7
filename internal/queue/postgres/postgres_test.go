package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/Dan9191/credit-service/internal/queue"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a real database only when QUEUE_TEST_DSN is set.
func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	dsn := os.Getenv("QUEUE_TEST_DSN")
	if dsn == "" {
		t.Skip("QUEUE_TEST_DSN not set")
	}
	log, _ := test.NewNullLogger()
	b, err := New(context.Background(), dsn, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBroker_LeaseCompleteAbandon(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	topic := "test-" + uuid.NewString()

	for _, body := range []string{`{"n":1}`, `{"n":2}`} {
		require.NoError(t, b.Publish(ctx, topic, queue.Message{Body: []byte(body)}))
	}

	got, err := b.Receive(ctx, topic, "credito-processor", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, `{"n":1}`, string(got[0].Body))
	assert.Equal(t, 1, got[0].DeliveryCount)

	none, err := b.Receive(ctx, topic, "credito-processor", 10, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, none, "leased rows are skipped")

	require.NoError(t, b.Complete(ctx, got[0]))
	require.NoError(t, b.Abandon(ctx, got[1]))

	again, err := b.Receive(ctx, topic, "credito-processor", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, `{"n":2}`, string(again[0].Body))
	assert.Equal(t, 2, again[0].DeliveryCount)
	require.NoError(t, b.Complete(ctx, again[0]))
}
