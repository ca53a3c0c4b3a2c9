package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/aurea-ops/orchestrator/internal/domain"
	"github.com/aurea-ops/orchestrator/internal/service"
)

type circuitStateRepository struct {
	db  *sql.DB
	sql sqlExecutor
}

func NewCircuitStateRepository(db *sql.DB) service.CircuitStateRepository {
	return &circuitStateRepository{db: db, sql: db}
}

const circuitColumns = `
	service, state, failure_count, success_count, error_rate, timeout_sec,
	last_failure_at, last_success_at, opened_at, next_retry_at
`

func (r *circuitStateRepository) Get(ctx context.Context, svc string) (*service.CircuitState, error) {
	query := `SELECT ` + circuitColumns + ` FROM circuit_states WHERE service = $1`
	state, err := scanCircuitState(r.sql.QueryRowContext(ctx, query, svc))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (r *circuitStateRepository) List(ctx context.Context) ([]*service.CircuitState, error) {
	query := `SELECT ` + circuitColumns + ` FROM circuit_states ORDER BY service ASC`
	rows, err := r.sql.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*service.CircuitState
	for rows.Next() {
		state, err := scanCircuitState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

// Mutate serializes transitions per service with a row lock. A missing row
// is created closed first so the lock always has something to hold.
func (r *circuitStateRepository) Mutate(ctx context.Context, svc string, fn func(*service.CircuitState)) (*service.CircuitState, error) {
	var out *service.CircuitState
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		insert := `
			INSERT INTO circuit_states (service, state, failure_count, success_count, error_rate, timeout_sec)
			VALUES ($1, $2, 0, 0, 0, 0)
			ON CONFLICT (service) DO NOTHING
		`
		if _, err := tx.ExecContext(ctx, insert, svc, domain.CircuitClosed); err != nil {
			return err
		}

		lockQuery := `SELECT ` + circuitColumns + ` FROM circuit_states WHERE service = $1 FOR UPDATE`
		state, err := scanCircuitState(tx.QueryRowContext(ctx, lockQuery, svc))
		if err != nil {
			return err
		}

		fn(state)

		update := `
			UPDATE circuit_states
			SET state = $2, failure_count = $3, success_count = $4,
				error_rate = $5, timeout_sec = $6, last_failure_at = $7,
				last_success_at = $8, opened_at = $9, next_retry_at = $10
			WHERE service = $1
		`
		if _, err := tx.ExecContext(ctx, update,
			state.Service, state.State, state.FailureCount, state.SuccessCount,
			state.ErrorRate, state.TimeoutSec, state.LastFailureAt,
			state.LastSuccessAt, state.OpenedAt, state.NextRetryAt); err != nil {
			return err
		}
		out = state
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanCircuitState(row rowScanner) (*service.CircuitState, error) {
	state := &service.CircuitState{}
	var lastFailureAt, lastSuccessAt, openedAt, nextRetryAt sql.NullTime
	err := row.Scan(
		&state.Service,
		&state.State,
		&state.FailureCount,
		&state.SuccessCount,
		&state.ErrorRate,
		&state.TimeoutSec,
		&lastFailureAt,
		&lastSuccessAt,
		&openedAt,
		&nextRetryAt,
	)
	if err != nil {
		return nil, err
	}
	if lastFailureAt.Valid {
		v := lastFailureAt.Time
		state.LastFailureAt = &v
	}
	if lastSuccessAt.Valid {
		v := lastSuccessAt.Time
		state.LastSuccessAt = &v
	}
	if openedAt.Valid {
		v := openedAt.Time
		state.OpenedAt = &v
	}
	if nextRetryAt.Valid {
		v := nextRetryAt.Time
		state.NextRetryAt = &v
	}
	return state, nil
}
