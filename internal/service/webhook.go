package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/aurea-ops/orchestrator/internal/domain"
	"github.com/aurea-ops/orchestrator/internal/metrics"
	"github.com/aurea-ops/orchestrator/internal/pkg/logger"

	infraerrors "github.com/aurea-ops/orchestrator/internal/pkg/errors"
)

var (
	ErrInvalidSignature     = infraerrors.Unauthorized("invalid_signature", "webhook signature verification failed")
	ErrReplayBlocked        = infraerrors.Conflict("replay_blocked", "webhook already received")
	ErrReplayWindowExceeded = infraerrors.RequestTimeout("replay_window_exceeded", "webhook timestamp outside tolerance")
	ErrInvalidBody          = infraerrors.BadRequest("invalid_body", "webhook body could not be interpreted")
)

// InboxEntry records one inbound webhook, deduplicated by (source,
// external_id).
type InboxEntry struct {
	ID              string          `json:"id"`
	Source          string          `json:"source"`
	ExternalID      string          `json:"external_id"`
	SignatureHash   string          `json:"signature_hash"`
	Payload         json.RawMessage `json:"payload"`
	Status          string          `json:"status"`
	TaskID          *string         `json:"task_id,omitempty"`
	RejectionReason *string         `json:"rejection_reason,omitempty"`
	ReceivedAt      time.Time       `json:"received_at"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
}

// InboxRepository persists inbox rows. InsertWithTask writes the inbox row
// and its task in one transaction; a (source, external_id) collision inserts
// nothing and returns false.
type InboxRepository interface {
	InsertWithTask(ctx context.Context, entry *InboxEntry, task *Task) (bool, error)
	MarkProcessed(ctx context.Context, id string, processedAt time.Time) error
	GetBySourceExternalID(ctx context.Context, source, externalID string) (*InboxEntry, error)
	// DeleteProcessedBefore trims old processed rows; maintenance only.
	DeleteProcessedBefore(ctx context.Context, before time.Time, limit int) (int64, error)
}

// SecretResolver maps a webhook source to its shared HMAC secret. Unknown
// sources resolve to "".
type SecretResolver func(source string) string

// StaticSecretResolver serves the single configured secret for every source.
func StaticSecretResolver(secret string) SecretResolver {
	return func(string) string { return secret }
}

// WebhookConfig mirrors the webhook config section.
type WebhookConfig struct {
	Tolerance time.Duration
}

// WebhookService is the inbox gate: signature, timestamp window and replay
// checks, then task creation in the same transaction as the inbox row.
type WebhookService struct {
	inbox      InboxRepository
	broker     QueueBroker
	secrets    SecretResolver
	tolerance  time.Duration
	maxRetries int
	log        *zap.Logger
}

func NewWebhookService(inbox InboxRepository, broker QueueBroker, secrets SecretResolver, cfg WebhookConfig, maxRetries int) *WebhookService {
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &WebhookService{
		inbox:      inbox,
		broker:     broker,
		secrets:    secrets,
		tolerance:  tolerance,
		maxRetries: maxRetries,
		log:        logger.Named("webhook"),
	}
}

// AcceptInput is a raw webhook delivery as the HTTP layer hands it over.
type AcceptInput struct {
	Source     string
	ExternalID string
	Body       []byte
	Signature  string
	Timestamp  string
}

// Accept validates the delivery and creates its task. The returned task is
// nil only on error.
func (s *WebhookService) Accept(ctx context.Context, in AcceptInput) (*Task, error) {
	now := time.Now()

	ts, err := parseWebhookTimestamp(in.Timestamp)
	if err != nil {
		metrics.WebhookRejections.WithLabelValues("invalid_body").Inc()
		return nil, err
	}
	drift := now.Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > s.tolerance {
		metrics.WebhookRejections.WithLabelValues("replay_window_exceeded").Inc()
		return nil, ErrReplayWindowExceeded
	}

	secret := s.secrets(in.Source)
	if secret == "" || !VerifySignature(secret, in.Timestamp, in.Body, in.Signature) {
		metrics.WebhookRejections.WithLabelValues("invalid_signature").Inc()
		return nil, ErrInvalidSignature
	}

	externalID := strings.TrimSpace(in.ExternalID)
	if externalID == "" {
		externalID = extractExternalID(in.Body)
	}
	if externalID == "" || !json.Valid(in.Body) {
		metrics.WebhookRejections.WithLabelValues("invalid_body").Inc()
		return nil, ErrInvalidBody
	}

	sigSum := sha256.Sum256([]byte(in.Signature))
	payload, err := json.Marshal(map[string]any{
		"source":     in.Source,
		"event_type": gjson.GetBytes(in.Body, "type").String(),
		"body":       json.RawMessage(in.Body),
	})
	if err != nil {
		return nil, ErrInvalidBody.WithCause(err)
	}

	task := &Task{
		ID:         uuid.NewString(),
		Type:       domain.TaskTypeWebhookProcess,
		Payload:    payload,
		Priority:   domain.PriorityHigh,
		Status:     domain.TaskStatusQueued,
		MaxRetries: s.maxRetries,
		TraceID:    uuid.NewString(),
		EnqueuedAt: now,
	}
	entry := &InboxEntry{
		ID:            uuid.NewString(),
		Source:        in.Source,
		ExternalID:    externalID,
		SignatureHash: hex.EncodeToString(sigSum[:]),
		Payload:       in.Body,
		Status:        domain.InboxStatusReceived,
		TaskID:        &task.ID,
		ReceivedAt:    now,
	}

	created, err := s.inbox.InsertWithTask(ctx, entry, task)
	if err != nil {
		return nil, err
	}
	if !created {
		metrics.WebhookRejections.WithLabelValues("replay_blocked").Inc()
		return nil, ErrReplayBlocked
	}

	if err := s.broker.Enqueue(ctx, task.ID, task.Priority, now); err != nil {
		s.log.Error("enqueue webhook task failed", zap.String("task_id", task.ID), zap.Error(err))
		return nil, infraerrors.ServiceUnavailable("queue_unavailable", "queue broker unavailable").WithCause(err)
	}

	s.log.Info("webhook accepted",
		zap.String("source", in.Source),
		zap.String("external_id", externalID),
		zap.String("task_id", task.ID))
	return task, nil
}

// VerifySignature checks "sha256=<hex>" over "timestamp.body" in constant
// time.
func VerifySignature(secret, timestamp string, body []byte, signature string) bool {
	expected := ComputeSignature(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ComputeSignature produces the canonical "sha256=<hex>" signature.
func ComputeSignature(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func parseWebhookTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, ErrInvalidBody
	}
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, ErrInvalidBody.WithCause(err)
	}
	return time.Unix(unix, 0), nil
}

// extractExternalID pulls a delivery id out of an unlabeled payload. Sources
// disagree on the field name, hence the candidate list.
func extractExternalID(body []byte) string {
	for _, path := range []string{"external_id", "delivery_id", "event_id", "id"} {
		if v := gjson.GetBytes(body, path); v.Exists() {
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		}
	}
	return ""
}
