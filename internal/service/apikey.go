package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aurea-ops/orchestrator/internal/domain"
	"github.com/aurea-ops/orchestrator/internal/pkg/logger"

	infraerrors "github.com/aurea-ops/orchestrator/internal/pkg/errors"
)

var (
	ErrInvalidAPIKey    = infraerrors.Unauthorized("invalid_api_key", "api key is missing, unknown, expired or revoked")
	ErrInsufficientRole = infraerrors.Forbidden("insufficient_role", "api key role does not permit this operation")
	ErrAPIKeyNotFound   = infraerrors.NotFound("api_key_not_found", "api key not found")
)

const apiKeyPrefix = "aok_"

// roleRank orders roles readonly < service < admin.
var roleRank = map[string]int{
	domain.RoleReadonly: 1,
	domain.RoleService:  2,
	domain.RoleAdmin:    3,
}

// APIKey is the stored form of a client credential. The raw key exists only
// in the creation response; only its salted hash persists.
type APIKey struct {
	ID         string     `json:"id"`
	KeyHash    string     `json:"-"`
	Name       string     `json:"name"`
	Role       string     `json:"role"`
	IsActive   bool       `json:"is_active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

type APIKeyRepository interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByID(ctx context.Context, id string) (*APIKey, error)
	List(ctx context.Context) ([]*APIKey, error)
	SetActive(ctx context.Context, id string, active bool) (bool, error)
	SetExpiry(ctx context.Context, id string, expiresAt time.Time) (bool, error)
	TouchLastUsed(ctx context.Context, id string, usedAt time.Time) error
}

type APIKeyService struct {
	repo APIKeyRepository
	salt string
	log  *zap.Logger
}

func NewAPIKeyService(repo APIKeyRepository, salt string) *APIKeyService {
	return &APIKeyService{
		repo: repo,
		salt: salt,
		log:  logger.Named("apikey"),
	}
}

// HashKey computes the salted SHA-256 of a raw key.
func (s *APIKeyService) HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw + s.salt))
	return hex.EncodeToString(sum[:])
}

// Authenticate resolves a raw bearer key to its record, enforcing active and
// expiry state. last_used_at is touched in the background so lookups never
// block on the write.
func (s *APIKeyService) Authenticate(ctx context.Context, raw string) (*APIKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidAPIKey
	}
	key, err := s.repo.GetByHash(ctx, s.HashKey(raw))
	if err != nil {
		return nil, err
	}
	if key == nil || !key.IsActive {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && !key.ExpiresAt.After(time.Now()) {
		return nil, ErrInvalidAPIKey
	}

	go func(id string) {
		touchCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.repo.TouchLastUsed(touchCtx, id, time.Now()); err != nil {
			s.log.Debug("touch last_used_at failed", zap.String("key_id", id), zap.Error(err))
		}
	}(key.ID)

	return key, nil
}

// Authorize checks that the key's role covers required under the
// readonly < service < admin hierarchy.
func (s *APIKeyService) Authorize(key *APIKey, required string) error {
	if key == nil {
		return ErrInvalidAPIKey
	}
	have, ok := roleRank[key.Role]
	want, ok2 := roleRank[required]
	if !ok || !ok2 || have < want {
		return ErrInsufficientRole
	}
	return nil
}

// Create mints a key and returns the raw secret exactly once.
func (s *APIKeyService) Create(ctx context.Context, name, role string, expiresAt *time.Time) (string, *APIKey, error) {
	if _, ok := roleRank[role]; !ok {
		return "", nil, infraerrors.BadRequest("invalid_request", "unknown role")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil, infraerrors.BadRequest("invalid_request", "key name is required")
	}

	raw, err := generateRawKey()
	if err != nil {
		return "", nil, err
	}
	key := &APIKey{
		ID:        uuid.NewString(),
		KeyHash:   s.HashKey(raw),
		Name:      name,
		Role:      role,
		IsActive:  true,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}
	if err := s.repo.Create(ctx, key); err != nil {
		return "", nil, err
	}
	s.log.Info("api key created", zap.String("key_id", key.ID), zap.String("name", name), zap.String("role", role))
	return raw, key, nil
}

// Rotate mints a replacement with the same name and role, then schedules the
// old key to expire after the overlap window so clients can switch over.
func (s *APIKeyService) Rotate(ctx context.Context, id string, overlap time.Duration) (string, *APIKey, error) {
	old, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if old == nil {
		return "", nil, ErrAPIKeyNotFound
	}

	raw, replacement, err := s.Create(ctx, old.Name, old.Role, nil)
	if err != nil {
		return "", nil, err
	}

	if overlap <= 0 {
		overlap = 15 * time.Minute
	}
	if _, err := s.repo.SetExpiry(ctx, old.ID, time.Now().Add(overlap)); err != nil {
		return "", nil, err
	}
	s.log.Info("api key rotated",
		zap.String("old_key_id", old.ID),
		zap.String("new_key_id", replacement.ID),
		zap.Duration("overlap", overlap))
	return raw, replacement, nil
}

// Revoke deactivates a key immediately.
func (s *APIKeyService) Revoke(ctx context.Context, id string) error {
	ok, err := s.repo.SetActive(ctx, id, false)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAPIKeyNotFound
	}
	s.log.Info("api key revoked", zap.String("key_id", id))
	return nil
}

func (s *APIKeyService) List(ctx context.Context) ([]*APIKey, error) {
	return s.repo.List(ctx)
}

func generateRawKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", infraerrors.InternalServer("keygen_failed", "could not generate key material").WithCause(err)
	}
	return apiKeyPrefix + hex.EncodeToString(buf), nil
}
