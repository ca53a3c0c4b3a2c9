package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/aurea-ops/orchestrator/internal/service"
)

type apiKeyRepository struct {
	sql sqlExecutor
}

func NewAPIKeyRepository(db *sql.DB) service.APIKeyRepository {
	return &apiKeyRepository{sql: db}
}

const apiKeyColumns = `
	id, key_hash, name, role, is_active, expires_at, last_used_at, created_at
`

func (r *apiKeyRepository) Create(ctx context.Context, key *service.APIKey) error {
	query := `
		INSERT INTO api_keys (id, key_hash, name, role, is_active, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.sql.ExecContext(ctx, query,
		key.ID, key.KeyHash, key.Name, key.Role, key.IsActive, key.ExpiresAt, key.CreatedAt)
	return err
}

func (r *apiKeyRepository) GetByHash(ctx context.Context, hash string) (*service.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE key_hash = $1`
	return r.getOne(ctx, query, hash)
}

func (r *apiKeyRepository) GetByID(ctx context.Context, id string) (*service.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE id = $1`
	return r.getOne(ctx, query, id)
}

func (r *apiKeyRepository) getOne(ctx context.Context, query string, arg any) (*service.APIKey, error) {
	key, err := scanAPIKey(r.sql.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

func (r *apiKeyRepository) List(ctx context.Context) ([]*service.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys ORDER BY created_at DESC`
	rows, err := r.sql.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*service.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (r *apiKeyRepository) SetActive(ctx context.Context, id string, active bool) (bool, error) {
	res, err := r.sql.ExecContext(ctx,
		`UPDATE api_keys SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *apiKeyRepository) SetExpiry(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	res, err := r.sql.ExecContext(ctx,
		`UPDATE api_keys SET expires_at = $2 WHERE id = $1`, id, expiresAt)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *apiKeyRepository) TouchLastUsed(ctx context.Context, id string, usedAt time.Time) error {
	_, err := r.sql.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, usedAt)
	return err
}

func scanAPIKey(row rowScanner) (*service.APIKey, error) {
	key := &service.APIKey{}
	var expiresAt, lastUsedAt sql.NullTime
	err := row.Scan(
		&key.ID,
		&key.KeyHash,
		&key.Name,
		&key.Role,
		&key.IsActive,
		&expiresAt,
		&lastUsedAt,
		&key.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		v := expiresAt.Time
		key.ExpiresAt = &v
	}
	if lastUsedAt.Valid {
		v := lastUsedAt.Time
		key.LastUsedAt = &v
	}
	return key, nil
}
