package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Dan9191/credit-service/internal/cache"
	"github.com/Dan9191/credit-service/internal/config"
	"github.com/Dan9191/credit-service/internal/models"
	"github.com/Dan9191/credit-service/internal/saga"
	"github.com/sirupsen/logrus"
)

// Audit event types published by the read path
const (
	AuditByCredit  = "consulta-por-credito"
	AuditByInvoice = "consulta-por-nfse"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// auditTimeout bounds one read audit, retries included
const auditTimeout = 5 * time.Second

// CreditReader is the read side of the ledger
type CreditReader interface {
	GetByCreditNumber(ctx context.Context, creditNumber string) (*models.CreditRecord, error)
	ListByInvoiceNumber(ctx context.Context, invoiceNumber string, limit, offset int) ([]models.CreditRecord, error)
	CountByInvoiceNumber(ctx context.Context, invoiceNumber string) (int, error)
	Ping(ctx context.Context) error
}

// Publisher queues credits and audit notifications
type Publisher interface {
	Send(ctx context.Context, msg models.CreditMessage) error
	SendAudit(ctx context.Context, eventType, key string)
	BreakerStates() map[string]string
}

// SagaReader looks up saga progress
type SagaReader interface {
	Status(ctx context.Context, creditNumber string) (*saga.State, error)
}

// Service handles business logic
type Service struct {
	repo     CreditReader
	pub      Publisher
	sagas    SagaReader
	log      *logrus.Logger
	credits  *cache.Cache[models.CreditMessage]
	invoices *cache.Cache[models.Page[models.CreditMessage]]
	audits   sync.WaitGroup
}

// NewService initializes a new service
func NewService(repo CreditReader, pub Publisher, sagas SagaReader, log *logrus.Logger, cfg *config.Config) *Service {
	return &Service{
		repo:     repo,
		pub:      pub,
		sagas:    sagas,
		log:      log,
		credits:  cache.New[models.CreditMessage]("credit", cfg.CacheSize, cfg.CacheCreditTTL()),
		invoices: cache.New[models.Page[models.CreditMessage]]("invoice", cfg.CacheSize, cfg.CacheInvoiceTTL()),
	}
}

// SubmitCredits validates the batch and queues every credit for ingestion.
// Acceptance means queued, not persisted. On a send failure the credits
// before it remain queued and the count says how many.
func (s *Service) SubmitCredits(ctx context.Context, msgs []models.CreditMessage) (int, error) {
	if len(msgs) == 0 {
		return 0, models.ValidationErrors{{Field: "creditos", Message: "must contain at least one credit"}}
	}

	var errs models.ValidationErrors
	for i, m := range msgs {
		err := m.Validate()
		var fields models.ValidationErrors
		if errors.As(err, &fields) {
			for _, fe := range fields {
				errs = append(errs, models.FieldError{Field: fmt.Sprintf("[%d].%s", i, fe.Field), Message: fe.Message})
			}
		}
	}
	if len(errs) > 0 {
		return 0, errs
	}

	for i, m := range msgs {
		if err := s.pub.Send(ctx, m); err != nil {
			return i, err
		}
	}

	s.log.Infof("Accepted %d credits for integration", len(msgs))
	return len(msgs), nil
}

// GetByCreditNumber returns one credit
func (s *Service) GetByCreditNumber(ctx context.Context, creditNumber string) (*models.CreditMessage, error) {
	defer s.audit(ctx, AuditByCredit, creditNumber)

	key := "credito:" + creditNumber
	if cached, ok := s.credits.Get(key); ok {
		s.log.Debugf("Credit %s served from cache", creditNumber)
		return &cached, nil
	}

	c, err := s.repo.GetByCreditNumber(ctx, creditNumber)
	if err != nil {
		return nil, err
	}
	msg := models.NewCreditMessage(c)
	s.credits.Set(key, msg)
	return &msg, nil
}

// GetByInvoice returns one page of an invoice's credits, oldest first.
// It returns models.ErrNotFound when the invoice has no credits.
func (s *Service) GetByInvoice(ctx context.Context, invoiceNumber string, page, size int) (*models.Page[models.CreditMessage], error) {
	defer s.audit(ctx, AuditByInvoice, invoiceNumber)

	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}

	key := fmt.Sprintf("creditos:nfse:%s:page:%d:size:%d", invoiceNumber, page, size)
	if cached, ok := s.invoices.Get(key); ok {
		return &cached, nil
	}

	total, err := s.repo.CountByInvoiceNumber(ctx, invoiceNumber)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, models.ErrNotFound
	}

	records, err := s.repo.ListByInvoiceNumber(ctx, invoiceNumber, size, (page-1)*size)
	if err != nil {
		return nil, err
	}
	items := make([]models.CreditMessage, 0, len(records))
	for i := range records {
		items = append(items, models.NewCreditMessage(&records[i]))
	}

	result := models.NewPage(items, page, size, total)
	s.invoices.Set(key, result)
	return &result, nil
}

// audit publishes a read audit in the background so a slow audit topic never
// delays the response. It outlives the request context.
func (s *Service) audit(ctx context.Context, eventType, key string) {
	s.audits.Add(1)
	go func() {
		defer s.audits.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
		defer cancel()
		s.pub.SendAudit(ctx, eventType, key)
	}()
}

// Wait blocks until every pending read audit has been handed to the publisher
func (s *Service) Wait() {
	s.audits.Wait()
}

// SagaStatus returns where a credit is in its lifecycle
func (s *Service) SagaStatus(ctx context.Context, creditNumber string) (*saga.State, error) {
	return s.sagas.Status(ctx, creditNumber)
}

// Readiness reports whether the store answers and how the breakers stand
func (s *Service) Readiness(ctx context.Context) (map[string]string, error) {
	report := s.pub.BreakerStates()
	if err := s.repo.Ping(ctx); err != nil {
		report["database"] = "unavailable"
		return report, err
	}
	report["database"] = "ok"
	return report, nil
}
