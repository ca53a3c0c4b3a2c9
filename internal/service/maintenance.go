package service

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/aurea-ops/orchestrator/internal/domain"
	"github.com/aurea-ops/orchestrator/internal/pkg/logger"
)

const (
	inboxRetention  = 30 * 24 * time.Hour
	outboxRetention = 7 * 24 * time.Hour
	purgeBatch      = 1000
)

// MaintenanceService runs the nightly housekeeping schedule: seed today's
// budget rows, purge delivered outbox entries past retention, and trim old
// inbox rows. The same work is reachable on demand through the maintenance
// task type.
type MaintenanceService struct {
	budget *BudgetAccountant
	outbox OutboxRepository
	inbox  InboxRepository
	log    *zap.Logger

	cron      *cron.Cron
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewMaintenanceService(budget *BudgetAccountant, outbox OutboxRepository, inbox InboxRepository) *MaintenanceService {
	return &MaintenanceService{
		budget: budget,
		outbox: outbox,
		inbox:  inbox,
		log:    logger.Named("maintenance"),
		cron:   cron.New(cron.WithLocation(time.UTC)),
	}
}

func (s *MaintenanceService) Start() {
	s.startOnce.Do(func() {
		// Shortly after UTC midnight, once the budget day has rolled over.
		if _, err := s.cron.AddFunc("5 0 * * *", s.runNightly); err != nil {
			s.log.Error("schedule nightly maintenance failed", zap.Error(err))
			return
		}
		s.cron.Start()
		s.log.Info("maintenance schedule started")
	})
}

func (s *MaintenanceService) Stop() {
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
		s.log.Info("maintenance schedule stopped")
	})
}

func (s *MaintenanceService) runNightly() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := s.RunNow(ctx); err != nil {
		s.log.Error("nightly maintenance failed", zap.Error(err))
	}
}

// RunNow executes one full maintenance pass.
func (s *MaintenanceService) RunNow(ctx context.Context) error {
	now := time.Now()

	providers := []string{domain.ProviderAnthropic, domain.ProviderOpenAI, domain.ProviderGoogle}
	if err := s.budget.SeedToday(ctx, providers, now); err != nil {
		return err
	}

	purged, err := s.outbox.PurgeDelivered(ctx, now.Add(-outboxRetention), purgeBatch)
	if err != nil {
		return err
	}
	trimmed, err := s.inbox.DeleteProcessedBefore(ctx, now.Add(-inboxRetention), purgeBatch)
	if err != nil {
		return err
	}

	s.log.Info("maintenance pass complete",
		zap.Int64("outbox_purged", purged),
		zap.Int64("inbox_trimmed", trimmed))
	return nil
}
