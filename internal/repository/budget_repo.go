package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/aurea-ops/orchestrator/internal/service"
)

type budgetRepository struct {
	sql sqlExecutor
}

func NewBudgetRepository(db *sql.DB) service.BudgetRepository {
	return &budgetRepository{sql: db}
}

func (r *budgetRepository) Get(ctx context.Context, provider, date string) (*service.BudgetLedger, error) {
	query := `
		SELECT provider, date, budget_usd, spent_usd, tokens, requests, last_updated
		FROM budget_ledgers
		WHERE provider = $1 AND date = $2
	`
	ledger := &service.BudgetLedger{}
	err := scanSingleRow(ctx, r.sql, query, []any{provider, date},
		&ledger.Provider,
		&ledger.Date,
		&ledger.BudgetUSD,
		&ledger.SpentUSD,
		&ledger.Tokens,
		&ledger.Requests,
		&ledger.LastUpdated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ledger, nil
}

func (r *budgetRepository) Commit(ctx context.Context, provider, date string, costUSD float64, tokens int64, defaultBudgetUSD float64) (*service.BudgetLedger, error) {
	// Upsert keeps the increment atomic under concurrent commits; spent_usd
	// only ever grows.
	query := `
		INSERT INTO budget_ledgers (provider, date, budget_usd, spent_usd, tokens, requests, last_updated)
		VALUES ($1, $2, $3, $4, $5, 1, NOW())
		ON CONFLICT (provider, date) DO UPDATE
		SET spent_usd = budget_ledgers.spent_usd + EXCLUDED.spent_usd,
			tokens = budget_ledgers.tokens + EXCLUDED.tokens,
			requests = budget_ledgers.requests + 1,
			last_updated = NOW()
		RETURNING provider, date, budget_usd, spent_usd, tokens, requests, last_updated
	`
	ledger := &service.BudgetLedger{}
	err := scanSingleRow(ctx, r.sql, query,
		[]any{provider, date, defaultBudgetUSD, costUSD, tokens},
		&ledger.Provider,
		&ledger.Date,
		&ledger.BudgetUSD,
		&ledger.SpentUSD,
		&ledger.Tokens,
		&ledger.Requests,
		&ledger.LastUpdated,
	)
	if err != nil {
		return nil, err
	}
	return ledger, nil
}

func (r *budgetRepository) Seed(ctx context.Context, provider, date string, budgetUSD float64) error {
	query := `
		INSERT INTO budget_ledgers (provider, date, budget_usd, spent_usd, tokens, requests, last_updated)
		VALUES ($1, $2, $3, 0, 0, 0, NOW())
		ON CONFLICT (provider, date) DO NOTHING
	`
	_, err := r.sql.ExecContext(ctx, query, provider, date, budgetUSD)
	return err
}

func (r *budgetRepository) ListByDate(ctx context.Context, date string) ([]*service.BudgetLedger, error) {
	query := `
		SELECT provider, date, budget_usd, spent_usd, tokens, requests, last_updated
		FROM budget_ledgers
		WHERE date = $1
		ORDER BY provider ASC
	`
	rows, err := r.sql.QueryContext(ctx, query, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*service.BudgetLedger
	for rows.Next() {
		ledger := &service.BudgetLedger{}
		if err := rows.Scan(
			&ledger.Provider,
			&ledger.Date,
			&ledger.BudgetUSD,
			&ledger.SpentUSD,
			&ledger.Tokens,
			&ledger.Requests,
			&ledger.LastUpdated,
		); err != nil {
			return nil, err
		}
		out = append(out, ledger)
	}
	return out, rows.Err()
}
