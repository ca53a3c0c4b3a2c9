package repository

import (
	"context"
	"database/sql"

	"github.com/aurea-ops/orchestrator/internal/service"
)

type runRepository struct {
	sql sqlExecutor
}

func NewRunRepository(db *sql.DB) service.RunRepository {
	return &runRepository{sql: db}
}

const runColumns = `
	id, task_id, attempt, status, started_at, ended_at,
	error_details, model_used, tokens, cost_usd
`

func (r *runRepository) ListByTask(ctx context.Context, taskID string) ([]*service.Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE task_id = $1
		ORDER BY attempt ASC
	`
	rows, err := r.sql.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (r *runRepository) ListRecent(ctx context.Context, limit int) ([]*service.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + runColumns + `
		FROM runs
		ORDER BY started_at DESC
		LIMIT $1
	`
	rows, err := r.sql.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]*service.Run, error) {
	var out []*service.Run
	for rows.Next() {
		run := &service.Run{}
		var endedAt sql.NullTime
		var errorDetails, modelUsed sql.NullString
		var tokens sql.NullInt64
		var costUSD sql.NullFloat64
		if err := rows.Scan(
			&run.ID,
			&run.TaskID,
			&run.Attempt,
			&run.Status,
			&run.StartedAt,
			&endedAt,
			&errorDetails,
			&modelUsed,
			&tokens,
			&costUSD,
		); err != nil {
			return nil, err
		}
		if endedAt.Valid {
			v := endedAt.Time
			run.EndedAt = &v
		}
		if errorDetails.Valid {
			v := errorDetails.String
			run.ErrorDetails = &v
		}
		if modelUsed.Valid {
			v := modelUsed.String
			run.ModelUsed = &v
		}
		if tokens.Valid {
			run.Tokens = tokens.Int64
		}
		if costUSD.Valid {
			run.CostUSD = costUSD.Float64
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
