package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Dan9191/credit-service/internal/models"
	"github.com/Dan9191/credit-service/internal/saga"
	"github.com/google/uuid"
)

// SagaStore keeps saga instances in the credito_saga table
type SagaStore struct {
	repo *Repository
}

// NewSagaStore creates a saga store over db
func NewSagaStore(db DBTX, dialect Dialect) *SagaStore {
	return &SagaStore{repo: NewRepository(db, dialect)}
}

// Load retrieves one saga
func (s *SagaStore) Load(ctx context.Context, id uuid.UUID) (*saga.State, error) {
	var snapshot string
	query := s.repo.rebind(`SELECT snapshot FROM credito_saga WHERE correlation_id = $1`)
	err := s.repo.db.QueryRowContext(ctx, query, id.String()).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load saga %s: %w", id, err)
	}

	state := &saga.State{}
	if err := json.Unmarshal([]byte(snapshot), state); err != nil {
		return nil, fmt.Errorf("failed to decode saga %s: %w", id, err)
	}
	return state, nil
}

// Save inserts or replaces a saga
func (s *SagaStore) Save(ctx context.Context, state saga.State) error {
	snapshot, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode saga %s: %w", state.CorrelationID, err)
	}

	query := s.repo.rebind(`
		INSERT INTO credito_saga (correlation_id, numero_credito, phase, updated_at, snapshot)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (correlation_id) DO UPDATE
		SET phase = excluded.phase, updated_at = excluded.updated_at, snapshot = excluded.snapshot`)
	_, err = s.repo.db.ExecContext(ctx, query,
		state.CorrelationID.String(), state.Credit.CreditNumber, string(state.Phase),
		state.UpdatedAt.UnixMilli(), string(snapshot))
	if err != nil {
		return fmt.Errorf("failed to save saga %s: %w", state.CorrelationID, err)
	}
	return nil
}

// List returns matching sagas, oldest update first
func (s *SagaStore) List(ctx context.Context, f saga.Filter) ([]saga.State, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Phases) > 0 {
		where = append(where, "phase IN ("+placeholders(s.repo.dialect, len(args)+1, len(f.Phases))+")")
		for _, p := range f.Phases {
			args = append(args, string(p))
		}
	}
	if !f.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < "+placeholders(s.repo.dialect, len(args)+1, 1))
		args = append(args, f.UpdatedBefore.UnixMilli())
	}

	query := `SELECT snapshot FROM credito_saga`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY updated_at ASC, correlation_id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ` + placeholders(s.repo.dialect, len(args)+1, 1)
		args = append(args, f.Limit)
	}

	rows, err := s.repo.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sagas: %w", err)
	}
	defer rows.Close()

	var out []saga.State
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("failed to scan saga: %w", err)
		}
		var state saga.State
		if err := json.Unmarshal([]byte(snapshot), &state); err != nil {
			return nil, fmt.Errorf("failed to decode saga: %w", err)
		}
		out = append(out, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sagas: %w", err)
	}
	return out, nil
}
