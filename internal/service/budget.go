package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aurea-ops/orchestrator/internal/metrics"
	"github.com/aurea-ops/orchestrator/internal/pkg/logger"

	infraerrors "github.com/aurea-ops/orchestrator/internal/pkg/errors"
)

var ErrBudgetExceeded = infraerrors.TooManyRequests("budget_exceeded", "daily budget exhausted for provider")

// BudgetLedger is one provider's spend record for one UTC day.
type BudgetLedger struct {
	Provider    string    `json:"provider"`
	Date        string    `json:"date"`
	BudgetUSD   float64   `json:"budget_usd"`
	SpentUSD    float64   `json:"spent_usd"`
	Tokens      int64     `json:"tokens"`
	Requests    int64     `json:"requests"`
	LastUpdated time.Time `json:"last_updated"`
}

// BudgetRepository persists ledgers. Get returns nil when no row exists yet
// for the day; Commit upserts, seeding budget_usd on first write.
type BudgetRepository interface {
	Get(ctx context.Context, provider, date string) (*BudgetLedger, error)
	// Commit atomically increments spent/tokens/requests and returns the
	// post-commit ledger.
	Commit(ctx context.Context, provider, date string, costUSD float64, tokens int64, defaultBudgetUSD float64) (*BudgetLedger, error)
	// Seed creates the day's row when missing, without spending.
	Seed(ctx context.Context, provider, date string, budgetUSD float64) error
	ListByDate(ctx context.Context, date string) ([]*BudgetLedger, error)
}

// BudgetAccountant gates admission on the per-provider daily budget and
// debits actual spend after runs finish. Over-commit up to the configured
// fraction keeps in-flight work from being rejected retroactively.
type BudgetAccountant struct {
	repo       BudgetRepository
	dailyUSD   float64
	overcommit float64
	log        *zap.Logger
}

func NewBudgetAccountant(repo BudgetRepository, dailyBudgetUSD, overcommitFraction float64) *BudgetAccountant {
	return &BudgetAccountant{
		repo:       repo,
		dailyUSD:   dailyBudgetUSD,
		overcommit: overcommitFraction,
		log:        logger.Named("budget"),
	}
}

// Today is the ledger date key. Rollover happens implicitly at UTC midnight:
// the next write lands on a fresh row.
func Today(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// Remaining reports budget_usd - spent_usd for the provider today. A missing
// row means the full daily budget.
func (a *BudgetAccountant) Remaining(ctx context.Context, provider string, now time.Time) (float64, error) {
	ledger, err := a.repo.Get(ctx, provider, Today(now))
	if err != nil {
		return 0, err
	}
	if ledger == nil {
		return a.dailyUSD, nil
	}
	return ledger.BudgetUSD - ledger.SpentUSD, nil
}

// Reserve admits estCost against the remaining budget. The reservation is
// advisory: nothing is debited until Commit, which never rejects, so
// in-flight work may overshoot the budget by up to the over-commit fraction
// before subsequent reservations see Remaining <= 0.
func (a *BudgetAccountant) Reserve(ctx context.Context, provider string, estCost float64, now time.Time) error {
	remaining, err := a.Remaining(ctx, provider, now)
	if err != nil {
		return err
	}
	if remaining <= estCost {
		metrics.BudgetRejections.WithLabelValues(provider).Inc()
		return ErrBudgetExceeded.WithMetadata(map[string]string{"provider": provider})
	}
	return nil
}

// Commit debits actual spend for a finished run.
func (a *BudgetAccountant) Commit(ctx context.Context, provider string, costUSD float64, tokens int64, now time.Time) error {
	if provider == "" || (costUSD == 0 && tokens == 0) {
		return nil
	}
	ledger, err := a.repo.Commit(ctx, provider, Today(now), costUSD, tokens, a.dailyUSD)
	if err != nil {
		return err
	}
	metrics.BudgetSpent.WithLabelValues(provider).Set(ledger.SpentUSD)
	switch {
	case ledger.SpentUSD > ledger.BudgetUSD*(1+a.overcommit):
		a.log.Error("spend exceeded over-commit tolerance",
			zap.String("provider", provider),
			zap.Float64("spent_usd", ledger.SpentUSD),
			zap.Float64("budget_usd", ledger.BudgetUSD))
	case ledger.SpentUSD >= ledger.BudgetUSD:
		a.log.Warn("daily budget exhausted",
			zap.String("provider", provider),
			zap.Float64("spent_usd", ledger.SpentUSD),
			zap.Float64("budget_usd", ledger.BudgetUSD))
	}
	return nil
}

// SeedToday ensures today's rows exist for the given providers. Run by the
// maintenance cron right after UTC midnight so dashboards see zeroed rows.
func (a *BudgetAccountant) SeedToday(ctx context.Context, providers []string, now time.Time) error {
	date := Today(now)
	for _, p := range providers {
		if err := a.repo.Seed(ctx, p, date, a.dailyUSD); err != nil {
			return err
		}
	}
	return nil
}

// Ledgers lists today's per-provider ledgers for the admin surface.
func (a *BudgetAccountant) Ledgers(ctx context.Context, now time.Time) ([]*BudgetLedger, error) {
	return a.repo.ListByDate(ctx, Today(now))
}
