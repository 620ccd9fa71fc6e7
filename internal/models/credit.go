package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the wire format of dataConstituicao
const DateLayout = "2006-01-02"

// Simples Nacional flag values as they travel on the wire
const (
	SimplesNacionalYes = "Sim"
	SimplesNacionalNo  = "Não"
)

const maxKeyLength = 50

func init() {
	// Amounts travel as JSON numbers, not strings.
	decimal.MarshalJSONWithoutQuotes = true
}

// CreditRecord represents a constituted credit stored in the ledger
type CreditRecord struct {
	ID               int64           `json:"id"`
	CreditNumber     string          `json:"credit_number"`
	InvoiceNumber    string          `json:"invoice_number"`
	ConstitutionDate time.Time       `json:"constitution_date"`
	TaxAmount        decimal.Decimal `json:"tax_amount"`
	CreditType       string          `json:"credit_type"`
	SimplesNacional  bool            `json:"simples_nacional"`
	TaxRate          decimal.Decimal `json:"tax_rate"`
	InvoicedAmount   decimal.Decimal `json:"invoiced_amount"`
	DeductionAmount  decimal.Decimal `json:"deduction_amount"`
	TaxBase          decimal.Decimal `json:"tax_base"`
}

// CreditMessage is the queue and API representation of a credit
type CreditMessage struct {
	CreditNumber     string          `json:"numeroCredito"`
	InvoiceNumber    string          `json:"numeroNfse"`
	ConstitutionDate string          `json:"dataConstituicao"`
	TaxAmount        decimal.Decimal `json:"valorIssqn"`
	CreditType       string          `json:"tipoCredito"`
	SimplesNacional  string          `json:"simplesNacional"`
	TaxRate          decimal.Decimal `json:"aliquota"`
	InvoicedAmount   decimal.Decimal `json:"valorFaturado"`
	DeductionAmount  decimal.Decimal `json:"valorDeducao"`
	TaxBase          decimal.Decimal `json:"baseCalculo"`
}

// AuditMessage is published on the audit topic
type AuditMessage struct {
	EventType string    `json:"eventType"`
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
}

// ToRecord maps a wire message to a ledger entity
func (m CreditMessage) ToRecord() (*CreditRecord, error) {
	date, err := time.Parse(DateLayout, m.ConstitutionDate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse constitution date %q: %w", m.ConstitutionDate, err)
	}
	return &CreditRecord{
		CreditNumber:     m.CreditNumber,
		InvoiceNumber:    m.InvoiceNumber,
		ConstitutionDate: date,
		TaxAmount:        m.TaxAmount,
		CreditType:       m.CreditType,
		SimplesNacional:  m.SimplesNacional == SimplesNacionalYes,
		TaxRate:          m.TaxRate,
		InvoicedAmount:   m.InvoicedAmount,
		DeductionAmount:  m.DeductionAmount,
		TaxBase:          m.TaxBase,
	}, nil
}

// NewCreditMessage maps a ledger entity back to its wire form
func NewCreditMessage(r *CreditRecord) CreditMessage {
	simples := SimplesNacionalNo
	if r.SimplesNacional {
		simples = SimplesNacionalYes
	}
	return CreditMessage{
		CreditNumber:     r.CreditNumber,
		InvoiceNumber:    r.InvoiceNumber,
		ConstitutionDate: r.ConstitutionDate.Format(DateLayout),
		TaxAmount:        r.TaxAmount,
		CreditType:       r.CreditType,
		SimplesNacional:  simples,
		TaxRate:          r.TaxRate,
		InvoicedAmount:   r.InvoicedAmount,
		DeductionAmount:  r.DeductionAmount,
		TaxBase:          r.TaxBase,
	}
}

// Validate checks the business rules a credit must satisfy before it is queued
func (m CreditMessage) Validate() error {
	var errs ValidationErrors
	add := func(field, msg string) {
		errs = append(errs, FieldError{Field: field, Message: msg})
	}

	requireKey := func(field, value string) {
		switch {
		case strings.TrimSpace(value) == "":
			add(field, "is required")
		case len([]rune(value)) > maxKeyLength:
			add(field, fmt.Sprintf("must be at most %d characters", maxKeyLength))
		}
	}
	requireKey("numeroCredito", m.CreditNumber)
	requireKey("numeroNfse", m.InvoiceNumber)
	requireKey("tipoCredito", m.CreditType)

	if m.ConstitutionDate == "" {
		add("dataConstituicao", "is required")
	} else if _, err := time.Parse(DateLayout, m.ConstitutionDate); err != nil {
		add("dataConstituicao", "must be in yyyy-MM-dd format")
	}

	if m.SimplesNacional != SimplesNacionalYes && m.SimplesNacional != SimplesNacionalNo {
		add("simplesNacional", "must be 'Sim' or 'Não'")
	}

	hundred := decimal.NewFromInt(100)
	if !m.TaxAmount.IsPositive() {
		add("valorIssqn", "must be greater than zero")
	}
	if !m.TaxRate.IsPositive() || m.TaxRate.GreaterThan(hundred) {
		add("aliquota", "must be greater than zero and at most 100")
	}
	if !m.InvoicedAmount.IsPositive() {
		add("valorFaturado", "must be greater than zero")
	}
	if m.DeductionAmount.IsNegative() {
		add("valorDeducao", "must not be negative")
	}
	if !m.TaxBase.IsPositive() {
		add("baseCalculo", "must be greater than zero")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
