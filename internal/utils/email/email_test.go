package email

import (
	"context"
	"errors"
	"net/smtp"
	"testing"
	"time"

	"github.com/Dan9191/credit-service/internal/config"
	"github.com/Dan9191/credit-service/internal/models"
	"github.com/Dan9191/credit-service/internal/saga"
	"github.com/jordan-wright/email"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSender(t *testing.T) *Sender {
	t.Helper()
	log, _ := test.NewNullLogger()
	cfg := config.Default()
	cfg.SMTPHost = "smtp.example.com"
	cfg.SMTPPort = "587"
	cfg.SenderEmail = "credito@example.com"
	cfg.AlertEmail = "ops@example.com"
	return NewSender(cfg, log)
}

func failedSaga() saga.State {
	return saga.State{
		CorrelationID: saga.CorrelationID("C1"),
		Phase:         saga.PhaseFailed,
		Credit:        models.CreditRecord{CreditNumber: "C1", InvoiceNumber: "N1"},
		IntegratedAt:  time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC),
		Attempts:      3,
		LastError:     "database unavailable",
	}
}

func TestSagaFailed_ComposesAlert(t *testing.T) {
	s := testSender(t)
	var sent *email.Email
	var sentTo string
	s.send = func(e *email.Email, addr string, auth smtp.Auth) error {
		sent, sentTo = e, addr
		return nil
	}

	require.NoError(t, s.SagaFailed(context.Background(), failedSaga()))

	require.NotNil(t, sent)
	assert.Equal(t, "smtp.example.com:587", sentTo)
	assert.Equal(t, []string{"ops@example.com"}, sent.To)
	assert.Equal(t, "credito@example.com", sent.From)
	assert.Equal(t, "Credit C1 failed processing", sent.Subject)
	assert.Contains(t, string(sent.Text), "after 3 attempts")
	assert.Contains(t, string(sent.Text), "database unavailable")
	assert.Contains(t, string(sent.Text), saga.CorrelationID("C1").String())
}

func TestSagaFailed_PropagatesSMTPError(t *testing.T) {
	s := testSender(t)
	s.send = func(e *email.Email, addr string, auth smtp.Auth) error {
		return errors.New("connection refused")
	}

	err := s.SagaFailed(context.Background(), failedSaga())
	assert.ErrorContains(t, err, "connection refused")
}
