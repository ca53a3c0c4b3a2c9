package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aurea-ops/orchestrator/internal/domain"
	"github.com/aurea-ops/orchestrator/internal/metrics"
	"github.com/aurea-ops/orchestrator/internal/pkg/logger"
)

// OutboxEntry is a durable external side-effect, written inside the
// run-finalizing transaction and delivered at-least-once by the relay.
type OutboxEntry struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_id"`
	EffectType  string          `json:"effect_type"`
	Target      string          `json:"target"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	CreatedAt   time.Time       `json:"created_at"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
	LastError   *string         `json:"last_error,omitempty"`
}

// OutboxRepository persists outbox entries. Insertion happens through
// TaskRepository.FinalizeSuccess; the relay owns the rest of the lifecycle.
type OutboxRepository interface {
	// ListDue returns pending entries whose next_retry_at has passed (or is
	// null), oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*OutboxEntry, error)
	MarkDelivered(ctx context.Context, id string, deliveredAt time.Time) error
	// MarkRetry bumps retry_count and schedules the next attempt.
	MarkRetry(ctx context.Context, id string, lastError string, nextRetryAt time.Time) error
	MarkFailed(ctx context.Context, id string, lastError string) error
	CountPending(ctx context.Context) (int64, error)
	// PurgeDelivered removes delivered rows older than before.
	PurgeDelivered(ctx context.Context, before time.Time, limit int) (int64, error)
}

// OutboxSink delivers one effect to the outside world. Deliveries are keyed
// by entry id: sinks must tolerate duplicates.
type OutboxSink interface {
	Deliver(ctx context.Context, entry *OutboxEntry) error
}

// OutboxRelayConfig mirrors the outbox config section.
type OutboxRelayConfig struct {
	PollInterval time.Duration
	MaxRetries   int
	BatchSize    int
}

// OutboxRelay drains pending entries to the sink with exponential backoff.
type OutboxRelay struct {
	repo OutboxRepository
	sink OutboxSink
	cfg  OutboxRelayConfig
	log  *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func NewOutboxRelay(repo OutboxRepository, sink OutboxSink, cfg OutboxRelayConfig) *OutboxRelay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &OutboxRelay{
		repo:   repo,
		sink:   sink,
		cfg:    cfg,
		log:    logger.Named("outbox"),
		stopCh: make(chan struct{}),
	}
}

func (r *OutboxRelay) Start() {
	if r == nil || r.repo == nil || r.sink == nil {
		return
	}
	r.startOnce.Do(func() {
		r.log.Info("outbox relay started", zap.Duration("poll_interval", r.cfg.PollInterval))
		r.wg.Add(1)
		go r.runLoop()
	})
}

func (r *OutboxRelay) Stop() {
	if r == nil {
		return
	}
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.wg.Wait()
		r.log.Info("outbox relay stopped")
	})
}

func (r *OutboxRelay) runLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	// Drain once on startup so a backlog from a crashed process moves
	// immediately.
	r.drainOnce()

	for {
		select {
		case <-ticker.C:
			r.drainOnce()
		case <-r.stopCh:
			return
		}
	}
}

func (r *OutboxRelay) drainOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now()
	entries, err := r.repo.ListDue(ctx, now, r.cfg.BatchSize)
	if err != nil {
		r.log.Error("list due entries failed", zap.Error(err))
		return
	}
	for _, entry := range entries {
		select {
		case <-r.stopCh:
			return
		default:
		}
		r.deliverOne(ctx, entry)
	}

	if pending, err := r.repo.CountPending(ctx); err == nil {
		metrics.OutboxPending.Set(float64(pending))
	}
}

func (r *OutboxRelay) deliverOne(ctx context.Context, entry *OutboxEntry) {
	err := r.sink.Deliver(ctx, entry)
	if err == nil {
		if markErr := r.repo.MarkDelivered(ctx, entry.ID, time.Now()); markErr != nil {
			// The sink is idempotent on entry id, so redelivery after this
			// failure is harmless.
			r.log.Error("mark delivered failed", zap.String("entry_id", entry.ID), zap.Error(markErr))
		}
		return
	}

	maxRetries := entry.MaxRetries
	if maxRetries <= 0 {
		maxRetries = r.cfg.MaxRetries
	}
	if entry.RetryCount+1 >= maxRetries {
		r.log.Error("outbox entry failed terminally",
			zap.String("entry_id", entry.ID),
			zap.String("effect_type", entry.EffectType),
			zap.Error(err))
		if markErr := r.repo.MarkFailed(ctx, entry.ID, err.Error()); markErr != nil {
			r.log.Error("mark failed failed", zap.String("entry_id", entry.ID), zap.Error(markErr))
		}
		return
	}

	next := time.Now().Add(outboxBackoff(entry.RetryCount))
	r.log.Warn("outbox delivery failed, scheduling retry",
		zap.String("entry_id", entry.ID),
		zap.Int("retry_count", entry.RetryCount+1),
		zap.Time("next_retry_at", next),
		zap.Error(err))
	if markErr := r.repo.MarkRetry(ctx, entry.ID, err.Error(), next); markErr != nil {
		r.log.Error("mark retry failed", zap.String("entry_id", entry.ID), zap.Error(markErr))
	}
}

// outboxBackoff doubles per attempt from 5s up to 10m.
func outboxBackoff(retryCount int) time.Duration {
	d := 5 * time.Second
	for i := 0; i < retryCount && d < 10*time.Minute; i++ {
		d *= 2
	}
	if d > 10*time.Minute {
		d = 10 * time.Minute
	}
	return d
}

// Purge removes delivered rows older than the retention window. Invoked by
// the maintenance cron.
func (r *OutboxRelay) Purge(ctx context.Context, retention time.Duration, limit int) (int64, error) {
	return r.repo.PurgeDelivered(ctx, time.Now().Add(-retention), limit)
}

// NewOutboxEntries converts declared handler effects into pending entries.
func NewOutboxEntries(taskID string, effects []OutboxEffect, maxRetries int, newID func() string, now time.Time) []*OutboxEntry {
	if len(effects) == 0 {
		return nil
	}
	out := make([]*OutboxEntry, 0, len(effects))
	for _, eff := range effects {
		out = append(out, &OutboxEntry{
			ID:         newID(),
			TaskID:     taskID,
			EffectType: eff.EffectType,
			Target:     eff.Target,
			Payload:    eff.Payload,
			Status:     domain.OutboxStatusPending,
			MaxRetries: maxRetries,
			CreatedAt:  now,
		})
	}
	return out
}
