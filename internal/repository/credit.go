package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Dan9191/credit-service/internal/models"
)

const creditColumns = `id, numero_credito, numero_nfse, data_constituicao, valor_issqn, tipo_credito,
	simples_nacional, aliquota, valor_faturado, valor_deducao, base_calculo`

// dateColumn scans DATE values from either driver: pq yields time.Time,
// sqlite yields the stored text.
type dateColumn struct {
	t *time.Time
}

func (d dateColumn) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		*d.t = time.Date(v.Year(), v.Month(), v.Day(), 0, 0, 0, 0, time.UTC)
		return nil
	case string:
		return d.parse(v)
	case []byte:
		return d.parse(string(v))
	}
	return fmt.Errorf("unsupported date value %T", src)
}

func (d dateColumn) parse(s string) error {
	if len(s) > len(models.DateLayout) {
		s = s[:len(models.DateLayout)]
	}
	t, err := time.Parse(models.DateLayout, s)
	if err != nil {
		return fmt.Errorf("invalid date %q: %w", s, err)
	}
	*d.t = t
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredit(row rowScanner) (*models.CreditRecord, error) {
	c := &models.CreditRecord{}
	err := row.Scan(&c.ID, &c.CreditNumber, &c.InvoiceNumber, dateColumn{&c.ConstitutionDate},
		&c.TaxAmount, &c.CreditType, &c.SimplesNacional, &c.TaxRate,
		&c.InvoicedAmount, &c.DeductionAmount, &c.TaxBase)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Exists reports whether a credit number is already stored
func (r *Repository) Exists(ctx context.Context, creditNumber string) (bool, error) {
	defer r.lock()()

	var exists bool
	query := r.rebind(`SELECT EXISTS (SELECT 1 FROM credito WHERE numero_credito = $1)`)
	if err := r.db.QueryRowContext(ctx, query, creditNumber).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check credit %s: %w", creditNumber, err)
	}
	return exists, nil
}

// GetByCreditNumber retrieves a credit by its business key
func (r *Repository) GetByCreditNumber(ctx context.Context, creditNumber string) (*models.CreditRecord, error) {
	defer r.lock()()

	query := r.rebind(`SELECT ` + creditColumns + ` FROM credito WHERE numero_credito = $1`)
	c, err := scanCredit(r.db.QueryRowContext(ctx, query, creditNumber))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find credit %s: %w", creditNumber, err)
	}
	return c, nil
}

// GetByInvoiceNumber retrieves every credit of an invoice, oldest constitution date first
func (r *Repository) GetByInvoiceNumber(ctx context.Context, invoiceNumber string) ([]models.CreditRecord, error) {
	return r.ListByInvoiceNumber(ctx, invoiceNumber, 0, 0)
}

// ListByInvoiceNumber returns one page of an invoice's credits. limit 0 means all.
func (r *Repository) ListByInvoiceNumber(ctx context.Context, invoiceNumber string, limit, offset int) ([]models.CreditRecord, error) {
	defer r.lock()()

	query := `SELECT ` + creditColumns + ` FROM credito WHERE numero_nfse = $1
		ORDER BY data_constituicao ASC, id ASC`
	args := []any{invoiceNumber}
	if limit > 0 {
		query += ` LIMIT $2 OFFSET $3`
		args = append(args, limit, offset)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list credits of invoice %s: %w", invoiceNumber, err)
	}
	defer rows.Close()

	var credits []models.CreditRecord
	for rows.Next() {
		c, err := scanCredit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credit: %w", err)
		}
		credits = append(credits, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list credits of invoice %s: %w", invoiceNumber, err)
	}
	return credits, nil
}

// CountByInvoiceNumber returns how many credits an invoice has
func (r *Repository) CountByInvoiceNumber(ctx context.Context, invoiceNumber string) (int, error) {
	defer r.lock()()

	var n int
	query := r.rebind(`SELECT COUNT(*) FROM credito WHERE numero_nfse = $1`)
	if err := r.db.QueryRowContext(ctx, query, invoiceNumber).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count credits of invoice %s: %w", invoiceNumber, err)
	}
	return n, nil
}

// Insert stores a new credit and sets its ID.
// It returns models.ErrConflict when the credit number is already stored.
func (r *Repository) Insert(ctx context.Context, c *models.CreditRecord) (*models.CreditRecord, error) {
	defer r.lock()()

	query := r.rebind(`
		INSERT INTO credito (numero_credito, numero_nfse, data_constituicao, valor_issqn, tipo_credito,
			simples_nacional, aliquota, valor_faturado, valor_deducao, base_calculo)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`)
	err := r.db.QueryRowContext(ctx, query,
		c.CreditNumber, c.InvoiceNumber, c.ConstitutionDate.Format(models.DateLayout),
		c.TaxAmount, c.CreditType, c.SimplesNacional, c.TaxRate,
		c.InvoicedAmount, c.DeductionAmount, c.TaxBase).
		Scan(&c.ID)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("credit %s: %w", c.CreditNumber, models.ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert credit %s: %w", c.CreditNumber, err)
	}
	return c, nil
}

// Ping checks the database behind the repository
func (r *Repository) Ping(ctx context.Context) error {
	defer r.lock()()

	var one int
	if err := r.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}
