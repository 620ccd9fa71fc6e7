package email

import (
	"context"
	"fmt"
	"net/smtp"
	"time"

	"github.com/Dan9191/credit-service/internal/config"
	"github.com/Dan9191/credit-service/internal/saga"
	"github.com/jordan-wright/email"
	"github.com/sirupsen/logrus"
)

// Sender handles sending emails via SMTP
type Sender struct {
	cfg    *config.Config
	logger *logrus.Logger
	send   func(e *email.Email, addr string, auth smtp.Auth) error
}

// NewSender creates a new email sender
func NewSender(cfg *config.Config, logger *logrus.Logger) *Sender {
	return &Sender{
		cfg:    cfg,
		logger: logger,
		send: func(e *email.Email, addr string, auth smtp.Auth) error {
			return e.Send(addr, auth)
		},
	}
}

// SagaFailed tells the operator mailbox that a credit needs manual intervention
func (s *Sender) SagaFailed(ctx context.Context, st saga.State) error {
	e := email.NewEmail()
	e.From = s.cfg.SenderEmail
	e.To = []string{s.cfg.AlertEmail}
	e.Subject = fmt.Sprintf("Credit %s failed processing", st.Credit.CreditNumber)

	body := fmt.Sprintf("Credit %s (invoice %s) could not be persisted after %d attempts.\n\n",
		st.Credit.CreditNumber, st.Credit.InvoiceNumber, st.Attempts)
	body += fmt.Sprintf(
		"Correlation id: %s\n"+
			"Integrated at: %s\n"+
			"Last error: %s\n",
		st.CorrelationID, st.IntegratedAt.Format(time.RFC3339), st.LastError,
	)
	body += "\nThe saga is terminal and will not be retried automatically.\n\nCredit Service"
	e.Text = []byte(body)

	// Send email
	addr := fmt.Sprintf("%s:%s", s.cfg.SMTPHost, s.cfg.SMTPPort)
	auth := smtp.PlainAuth("", s.cfg.SMTPUsername, s.cfg.SMTPPassword, s.cfg.SMTPHost)
	if err := s.send(e, addr, auth); err != nil {
		s.logger.Errorf("Failed to send saga alert to %s: %v", s.cfg.AlertEmail, err)
		return fmt.Errorf("failed to send saga alert: %w", err)
	}

	s.logger.Infof("Email sent to %s: %s", s.cfg.AlertEmail, e.Subject)
	return nil
}
