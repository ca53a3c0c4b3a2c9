package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/aurea-ops/orchestrator/internal/domain"
	"github.com/aurea-ops/orchestrator/internal/service"
)

type outboxRepository struct {
	sql sqlExecutor
}

func NewOutboxRepository(db *sql.DB) service.OutboxRepository {
	return &outboxRepository{sql: db}
}

func (r *outboxRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*service.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT
			id, task_id, effect_type, target, payload, status, retry_count,
			max_retries, created_at, next_retry_at, delivered_at, last_error
		FROM outbox_entries
		WHERE status = $1 AND (next_retry_at IS NULL OR next_retry_at <= $2)
		ORDER BY created_at ASC
		LIMIT $3
	`
	rows, err := r.sql.QueryContext(ctx, query, domain.OutboxStatusPending, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*service.OutboxEntry
	for rows.Next() {
		entry := &service.OutboxEntry{}
		var payload []byte
		var nextRetryAt, deliveredAt sql.NullTime
		var lastError sql.NullString
		if err := rows.Scan(
			&entry.ID,
			&entry.TaskID,
			&entry.EffectType,
			&entry.Target,
			&payload,
			&entry.Status,
			&entry.RetryCount,
			&entry.MaxRetries,
			&entry.CreatedAt,
			&nextRetryAt,
			&deliveredAt,
			&lastError,
		); err != nil {
			return nil, err
		}
		entry.Payload = payload
		if nextRetryAt.Valid {
			v := nextRetryAt.Time
			entry.NextRetryAt = &v
		}
		if deliveredAt.Valid {
			v := deliveredAt.Time
			entry.DeliveredAt = &v
		}
		if lastError.Valid {
			v := lastError.String
			entry.LastError = &v
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (r *outboxRepository) MarkDelivered(ctx context.Context, id string, deliveredAt time.Time) error {
	query := `
		UPDATE outbox_entries
		SET status = $2, delivered_at = $3, last_error = NULL
		WHERE id = $1 AND status = $4
	`
	_, err := r.sql.ExecContext(ctx, query,
		id, domain.OutboxStatusDelivered, deliveredAt, domain.OutboxStatusPending)
	return err
}

func (r *outboxRepository) MarkRetry(ctx context.Context, id string, lastError string, nextRetryAt time.Time) error {
	query := `
		UPDATE outbox_entries
		SET retry_count = retry_count + 1, last_error = $2, next_retry_at = $3
		WHERE id = $1 AND status = $4
	`
	_, err := r.sql.ExecContext(ctx, query,
		id, lastError, nextRetryAt, domain.OutboxStatusPending)
	return err
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id string, lastError string) error {
	query := `
		UPDATE outbox_entries
		SET status = $2, retry_count = retry_count + 1, last_error = $3
		WHERE id = $1 AND status = $4
	`
	_, err := r.sql.ExecContext(ctx, query,
		id, domain.OutboxStatusFailed, lastError, domain.OutboxStatusPending)
	return err
}

func (r *outboxRepository) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := scanSingleRow(ctx, r.sql,
		`SELECT COUNT(*) FROM outbox_entries WHERE status = $1`,
		[]any{domain.OutboxStatusPending}, &count)
	return count, err
}

func (r *outboxRepository) PurgeDelivered(ctx context.Context, before time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `
		WITH victims AS (
			SELECT id
			FROM outbox_entries
			WHERE status = $1 AND delivered_at <= $2
			ORDER BY delivered_at ASC
			LIMIT $3
		)
		DELETE FROM outbox_entries
		WHERE id IN (SELECT id FROM victims)
	`
	res, err := r.sql.ExecContext(ctx, query, domain.OutboxStatusDelivered, before, limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
