package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Dan9191/credit-service/internal/models"
	"github.com/Dan9191/credit-service/internal/repository"
	"github.com/Dan9191/credit-service/internal/saga"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "credito.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_CONN", dsn)
	t.Setenv("QUEUE_DRIVER", "memory")
	t.Setenv("LOG_LEVEL", "error")
	return dsn
}

func seedSagas(t *testing.T, dsn string, states ...saga.State) {
	t.Helper()
	ctx := context.Background()
	db, err := repository.Open(ctx, repository.SQLite, dsn)
	require.NoError(t, err)
	defer db.Close()

	store := repository.NewSagaStore(db, repository.SQLite)
	for _, s := range states {
		require.NoError(t, store.Save(ctx, s))
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func state(number string, phase saga.Phase, updated time.Time) saga.State {
	return saga.State{
		CorrelationID: saga.CorrelationID(number),
		Phase:         phase,
		Credit:        models.CreditRecord{CreditNumber: number, InvoiceNumber: "7891011"},
		Attempts:      1,
		UpdatedAt:     updated,
	}
}

func TestSagaShow(t *testing.T) {
	dsn := setupEnv(t)
	seedSagas(t, dsn, state("123456", saga.PhaseCompleted, time.Now().UTC()))

	out, err := run(t, "saga", "show", "123456")
	require.NoError(t, err)

	var got saga.State
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, saga.CorrelationID("123456"), got.CorrelationID)
	assert.Equal(t, saga.PhaseCompleted, got.Phase)
}

func TestSagaShow_Unknown(t *testing.T) {
	setupEnv(t)

	_, err := run(t, "saga", "show", "999")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no saga for credit 999")
}

func TestSagaList_FiltersByPhase(t *testing.T) {
	dsn := setupEnv(t)
	now := time.Now().UTC()
	seedSagas(t, dsn,
		state("C1", saga.PhaseProcessing, now.Add(-time.Hour)),
		state("C2", saga.PhaseCompleted, now),
		state("C3", saga.PhaseFailed, now),
	)

	out, err := run(t, "saga", "list", "--phase", "Processing,Failed")
	require.NoError(t, err)
	assert.Contains(t, out, "C1")
	assert.Contains(t, out, "C3")
	assert.NotContains(t, out, "C2")
}

func TestSagaList_Stale(t *testing.T) {
	dsn := setupEnv(t)
	now := time.Now().UTC()
	seedSagas(t, dsn,
		state("OLD", saga.PhaseAuditing, now.Add(-2*time.Hour)),
		state("NEW", saga.PhaseProcessing, now),
		state("DONE", saga.PhaseCompleted, now.Add(-2*time.Hour)),
	)

	out, err := run(t, "saga", "list", "--stale", "30m")
	require.NoError(t, err)
	assert.Contains(t, out, "OLD")
	assert.NotContains(t, out, "NEW")
	assert.NotContains(t, out, "DONE")
}

func TestSagaList_BadPhase(t *testing.T) {
	setupEnv(t)

	_, err := run(t, "saga", "list", "--phase", "Sleeping")
	assert.Error(t, err)
}

func TestSubmit_RejectsUnreadableFile(t *testing.T) {
	setupEnv(t)
	path := filepath.Join(t.TempDir(), "credits.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := run(t, "submit", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse")
}

func TestSubmit_NeedsDurableQueue(t *testing.T) {
	setupEnv(t)
	path := filepath.Join(t.TempDir(), "credits.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"numeroCredito":"1"}]`), 0o600))

	_, err := run(t, "submit", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUEUE_DRIVER=postgres")
}
