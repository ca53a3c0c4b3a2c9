package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/aurea-ops/orchestrator/internal/domain"
	"github.com/aurea-ops/orchestrator/internal/service"
)

type inboxRepository struct {
	db  *sql.DB
	sql sqlExecutor
}

func NewInboxRepository(db *sql.DB) service.InboxRepository {
	return &inboxRepository{db: db, sql: db}
}

func (r *inboxRepository) InsertWithTask(ctx context.Context, entry *service.InboxEntry, task *service.Task) (bool, error) {
	created := false
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		inboxQuery := `
			INSERT INTO inbox_entries (
				id, source, external_id, signature_hash, payload, status,
				task_id, received_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (source, external_id) DO NOTHING
			RETURNING id
		`
		var id string
		err := tx.QueryRowContext(ctx, inboxQuery,
			entry.ID, entry.Source, entry.ExternalID, entry.SignatureHash,
			[]byte(entry.Payload), entry.Status, entry.TaskID, entry.ReceivedAt,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			// Replay: leave the transaction empty.
			return nil
		}
		if err != nil {
			return err
		}

		taskQuery := `
			INSERT INTO tasks (
				id, type, payload, priority, status, retry_count, max_retries,
				trace_id, enqueued_at
			) VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8)
		`
		if _, err := tx.ExecContext(ctx, taskQuery,
			task.ID, task.Type, []byte(task.Payload), task.Priority,
			task.Status, task.MaxRetries, task.TraceID, task.EnqueuedAt); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func (r *inboxRepository) MarkProcessed(ctx context.Context, id string, processedAt time.Time) error {
	query := `
		UPDATE inbox_entries
		SET status = $2, processed_at = $3
		WHERE id = $1 AND status IN ($4, $5)
	`
	_, err := r.sql.ExecContext(ctx, query,
		id, domain.InboxStatusProcessed, processedAt,
		domain.InboxStatusReceived, domain.InboxStatusProcessing)
	return err
}

func (r *inboxRepository) GetBySourceExternalID(ctx context.Context, source, externalID string) (*service.InboxEntry, error) {
	query := `
		SELECT
			id, source, external_id, signature_hash, payload, status,
			task_id, rejection_reason, received_at, processed_at
		FROM inbox_entries
		WHERE source = $1 AND external_id = $2
	`
	entry := &service.InboxEntry{}
	var payload []byte
	var taskID, rejectionReason sql.NullString
	var processedAt sql.NullTime
	err := scanSingleRow(ctx, r.sql, query, []any{source, externalID},
		&entry.ID,
		&entry.Source,
		&entry.ExternalID,
		&entry.SignatureHash,
		&payload,
		&entry.Status,
		&taskID,
		&rejectionReason,
		&entry.ReceivedAt,
		&processedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entry.Payload = payload
	if taskID.Valid {
		v := taskID.String
		entry.TaskID = &v
	}
	if rejectionReason.Valid {
		v := rejectionReason.String
		entry.RejectionReason = &v
	}
	if processedAt.Valid {
		v := processedAt.Time
		entry.ProcessedAt = &v
	}
	return entry, nil
}

func (r *inboxRepository) DeleteProcessedBefore(ctx context.Context, before time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `
		WITH victims AS (
			SELECT id
			FROM inbox_entries
			WHERE status = $1 AND processed_at <= $2
			ORDER BY processed_at ASC
			LIMIT $3
		)
		DELETE FROM inbox_entries
		WHERE id IN (SELECT id FROM victims)
	`
	res, err := r.sql.ExecContext(ctx, query, domain.InboxStatusProcessed, before, limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
