package repository

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Dan9191/credit-service/internal/models"
	"github.com/Dan9191/credit-service/internal/saga"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "credito.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := Open(context.Background(), SQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func nullLogger() *logrus.Logger {
	log, _ := test.NewNullLogger()
	return log
}

func credit(number, invoice, date string) *models.CreditRecord {
	d, _ := time.Parse(models.DateLayout, date)
	return &models.CreditRecord{
		CreditNumber:     number,
		InvoiceNumber:    invoice,
		ConstitutionDate: d,
		TaxAmount:        decimal.RequireFromString("100.00"),
		CreditType:       "ISS",
		SimplesNacional:  true,
		TaxRate:          decimal.RequireFromString("5.00"),
		InvoicedAmount:   decimal.RequireFromString("2000.00"),
		DeductionAmount:  decimal.Zero,
		TaxBase:          decimal.RequireFromString("2000.00"),
	}
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE x = $1 AND y IN ($2, $10) AND z = '$'`
	assert.Equal(t, q, rebind(Postgres, q))
	assert.Equal(t, `SELECT a FROM t WHERE x = ?1 AND y IN (?2, ?10) AND z = '$'`, rebind(SQLite, q))
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("POSTGRES")
	require.NoError(t, err)
	assert.Equal(t, Postgres, d)

	_, err = ParseDialect("mysql")
	assert.Error(t, err)
}

func TestInsertAndGet(t *testing.T) {
	repo := NewRepository(newTestDB(t), SQLite)
	ctx := context.Background()

	stored, err := repo.Insert(ctx, credit("C1", "N1", "2024-01-10"))
	require.NoError(t, err)
	assert.NotZero(t, stored.ID)

	got, err := repo.GetByCreditNumber(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, stored.ID, got.ID)
	assert.Equal(t, "N1", got.InvoiceNumber)
	assert.Equal(t, "2024-01-10", got.ConstitutionDate.Format(models.DateLayout))
	assert.True(t, got.TaxAmount.Equal(decimal.NewFromInt(100)))
	assert.True(t, got.TaxRate.Equal(decimal.NewFromInt(5)))
	assert.True(t, got.DeductionAmount.IsZero())
	assert.True(t, got.SimplesNacional)

	_, err = repo.GetByCreditNumber(ctx, "C2")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestExists(t *testing.T) {
	repo := NewRepository(newTestDB(t), SQLite)
	ctx := context.Background()

	ok, err := repo.Exists(ctx, "C1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.Insert(ctx, credit("C1", "N1", "2024-01-10"))
	require.NoError(t, err)

	ok, err = repo.Exists(ctx, "C1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInsert_DuplicateIsConflict(t *testing.T) {
	repo := NewRepository(newTestDB(t), SQLite)
	ctx := context.Background()

	_, err := repo.Insert(ctx, credit("C1", "N1", "2024-01-10"))
	require.NoError(t, err)

	_, err = repo.Insert(ctx, credit("C1", "N2", "2024-02-10"))
	assert.ErrorIs(t, err, models.ErrConflict)

	got, err := repo.GetByCreditNumber(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, "N1", got.InvoiceNumber, "stored credit is never overwritten")
}

func TestInsert_ConcurrentDuplicatesKeepOneRow(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db, SQLite)
	ctx := context.Background()

	var inserted, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Insert(ctx, credit("C1", "N1", "2024-01-10"))
			if err == nil {
				inserted.Add(1)
			} else if assert.ErrorIs(t, err, models.ErrConflict) {
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), inserted.Load())
	assert.Equal(t, int32(7), conflicts.Load())
	n, err := repo.CountByInvoiceNumber(ctx, "N1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGetByInvoiceNumber_OrderedByDate(t *testing.T) {
	repo := NewRepository(newTestDB(t), SQLite)
	ctx := context.Background()

	for _, c := range []*models.CreditRecord{
		credit("C3", "N1", "2024-03-01"),
		credit("C1", "N1", "2024-01-01"),
		credit("C9", "N2", "2023-01-01"),
		credit("C2", "N1", "2024-02-01"),
	} {
		_, err := repo.Insert(ctx, c)
		require.NoError(t, err)
	}

	got, err := repo.GetByInvoiceNumber(ctx, "N1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"C1", "C2", "C3"}, []string{got[0].CreditNumber, got[1].CreditNumber, got[2].CreditNumber})

	page, err := repo.ListByInvoiceNumber(ctx, "N1", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "C3", page[0].CreditNumber)

	none, err := repo.GetByInvoiceNumber(ctx, "N404")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAcquire_ReleasesConnection(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	unit, err := Acquire(ctx, db, SQLite)
	require.NoError(t, err)
	_, err = unit.Insert(ctx, credit("C1", "N1", "2024-01-10"))
	require.NoError(t, err)
	assert.Equal(t, 1, db.Stats().InUse)

	require.NoError(t, unit.Release())
	require.NoError(t, unit.Release())
	assert.Equal(t, 0, db.Stats().InUse)

	ok, err := NewRepository(db, SQLite).Exists(ctx, "C1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSagaStore_SaveLoadList(t *testing.T) {
	store := NewSagaStore(newTestDB(t), SQLite)
	ctx := context.Background()
	base := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)

	_, err := store.Load(ctx, saga.CorrelationID("C1"))
	assert.ErrorIs(t, err, models.ErrNotFound)

	for i, phase := range []saga.Phase{saga.PhaseProcessing, saga.PhaseAuditing, saga.PhaseCompleted} {
		n := fmt.Sprintf("C%d", i+1)
		require.NoError(t, store.Save(ctx, saga.State{
			CorrelationID: saga.CorrelationID(n),
			Phase:         phase,
			Credit:        *credit(n, "N1", "2024-01-10"),
			IntegratedAt:  base,
			Attempts:      1,
			UpdatedAt:     base.Add(time.Duration(i) * time.Minute),
		}))
	}

	got, err := store.Load(ctx, saga.CorrelationID("C2"))
	require.NoError(t, err)
	assert.Equal(t, saga.PhaseAuditing, got.Phase)
	assert.Equal(t, "C2", got.Credit.CreditNumber)
	assert.True(t, got.Credit.TaxBase.Equal(decimal.NewFromInt(2000)))

	got.Phase = saga.PhaseCompleted
	got.UpdatedAt = base.Add(time.Hour)
	require.NoError(t, store.Save(ctx, *got))

	active, err := store.List(ctx, saga.Filter{Phases: saga.Active()})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "C1", active[0].Credit.CreditNumber)

	all, err := store.List(ctx, saga.Filter{UpdatedBefore: base.Add(90 * time.Minute), Limit: 2})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "C1", all[0].Credit.CreditNumber)
	assert.Equal(t, "C3", all[1].Credit.CreditNumber)
}

func TestSagaStore_DrivesRuntime(t *testing.T) {
	store := NewSagaStore(newTestDB(t), SQLite)
	rt := saga.NewRuntime(store, nil, nullLogger())
	ctx := context.Background()

	state, err := rt.Run(ctx, saga.CorrelationID("C1"), saga.Integrate{Credit: *credit("C1", "N1", "2024-01-10")},
		func(ctx context.Context, cmd saga.Command) saga.Event {
			return saga.ProcessingFailed{Reason: "ledger unavailable"}
		})
	assert.ErrorIs(t, err, saga.ErrPermanentFailure)
	assert.Equal(t, saga.PhaseFailed, state.Phase)

	stored, err := rt.Status(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, saga.PhaseFailed, stored.Phase)
	assert.Equal(t, "ledger unavailable", stored.LastError)
	assert.Equal(t, saga.MaxProcessingAttempts, stored.Attempts)
}
