package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/aurea-ops/orchestrator/internal/domain"
	"github.com/aurea-ops/orchestrator/internal/metrics"
	"github.com/aurea-ops/orchestrator/internal/pkg/logger"
)

const (
	backoffBase       = time.Second
	leaseMaxWait      = time.Second
	reapInterval      = 5 * time.Second
	reapBatch         = 100
	circuitDeferDelay = 30 * time.Second
)

// DispatcherConfig mirrors the dispatcher config section.
type DispatcherConfig struct {
	MaxConcurrency int
	Lease          time.Duration
	MaxRetries     int
	BackoffCap     time.Duration
	ShutdownGrace  time.Duration
}

// Dispatcher leases tasks from the broker and runs them through the handler
// registry under a lease-extension heartbeat. One Dispatcher per worker
// process; MaxConcurrency bounds its slots.
type Dispatcher struct {
	repo       TaskRepository
	broker     QueueBroker
	registry   *HandlerRegistry
	budget     *BudgetAccountant
	circuits   *CircuitBreakerRegistry
	cfg        DispatcherConfig
	consumerID string
	slots      *semaphore.Weighted
	log        *zap.Logger
	rnd        *rand.Rand
	rndMu      sync.Mutex

	startOnce   sync.Once
	stopOnce    sync.Once
	stopCh      chan struct{}
	handlerCtx  context.Context
	cancelAll   context.CancelFunc
	loopWG      sync.WaitGroup
	inflightWG  sync.WaitGroup
	inflightMu  sync.Mutex
	inflightIDs map[string]struct{}
}

func NewDispatcher(repo TaskRepository, broker QueueBroker, registry *HandlerRegistry, budget *BudgetAccountant, circuits *CircuitBreakerRegistry, cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 900 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 60 * time.Second
	}
	hostname, _ := os.Hostname()
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		repo:        repo,
		broker:      broker,
		registry:    registry,
		budget:      budget,
		circuits:    circuits,
		cfg:         cfg,
		consumerID:  fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		slots:       semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		log:         logger.Named("dispatcher"),
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh:      make(chan struct{}),
		handlerCtx:  ctx,
		cancelAll:   cancel,
		inflightIDs: make(map[string]struct{}),
	}
}

func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		d.log.Info("dispatcher started",
			zap.String("consumer_id", d.consumerID),
			zap.Int("max_concurrency", d.cfg.MaxConcurrency),
			zap.Duration("lease", d.cfg.Lease))
		d.loopWG.Add(2)
		go d.leaseLoop()
		go d.reapLoop()
	})
}

// Stop drains gracefully: no new leases, in-flight handlers get the grace
// window (default the remaining lease), then a hard cancel.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.loopWG.Wait()

		grace := d.cfg.ShutdownGrace
		if grace <= 0 {
			grace = d.cfg.Lease
		}
		done := make(chan struct{})
		go func() {
			d.inflightWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(grace):
			d.log.Warn("shutdown grace elapsed, canceling in-flight handlers")
			d.cancelAll()
			<-done
		}
		d.cancelAll()
		d.log.Info("dispatcher stopped")
	})
}

func (d *Dispatcher) leaseLoop() {
	defer d.loopWG.Done()
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		if err := d.slots.Acquire(d.handlerCtx, 1); err != nil {
			return
		}
		// Acquire may have blocked across a Stop; never lease after it.
		select {
		case <-d.stopCh:
			d.slots.Release(1)
			return
		default:
		}

		lease, err := d.leaseNext()
		if err != nil {
			d.slots.Release(1)
			d.log.Error("lease attempt failed", zap.Error(err))
			// Broker trouble is a system error: back off the loop itself.
			select {
			case <-time.After(time.Second):
			case <-d.stopCh:
				return
			}
			continue
		}
		if lease == nil {
			d.slots.Release(1)
			continue
		}

		d.inflightWG.Add(1)
		go func(l *Lease) {
			defer d.inflightWG.Done()
			defer d.slots.Release(1)
			d.runTask(l)
		}(lease)
	}
}

func (d *Dispatcher) leaseNext() (*Lease, error) {
	ctx, cancel := context.WithTimeout(context.Background(), leaseMaxWait+time.Second)
	defer cancel()
	return d.broker.LeaseNext(ctx, d.consumerID, leaseMaxWait, d.cfg.Lease)
}

// reapLoop promotes delayed tasks whose backoff expired and recovers tasks
// whose workers died with the lease.
func (d *Dispatcher) reapLoop() {
	defer d.loopWG.Done()
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.reapOnce()
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dispatcher) reapOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	now := time.Now()

	if n, err := d.broker.PromoteDue(ctx, now, reapBatch); err != nil {
		d.log.Error("promote delayed failed", zap.Error(err))
	} else if n > 0 {
		d.log.Debug("promoted delayed tasks", zap.Int("count", n))
	}

	expired, err := d.repo.ListExpiredLeases(ctx, now, reapBatch)
	if err != nil {
		d.log.Error("list expired leases failed", zap.Error(err))
		return
	}
	for _, task := range expired {
		d.recoverExpired(ctx, task, now)
	}

	d.refreshDepthMetrics(ctx)
}

func (d *Dispatcher) recoverExpired(ctx context.Context, task *Task, now time.Time) {
	if d.isInflight(task.ID) {
		// Our own slot still owns it; the heartbeat decides its fate.
		return
	}
	retryCount, err := d.repo.RequeueExpired(ctx, task.ID, "lease expired", now)
	if err != nil {
		d.log.Error("requeue expired failed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	metrics.RetriesTotal.WithLabelValues(task.Type).Inc()
	if retryCount > task.MaxRetries {
		d.log.Warn("expired task exhausted retries, dead-lettering", zap.String("task_id", task.ID))
		d.deadLetter(ctx, task, "", "lease expired, retries exhausted", now)
		return
	}
	if err := d.broker.Enqueue(ctx, task.ID, task.Priority, now); err != nil {
		d.log.Error("re-enqueue expired failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (d *Dispatcher) isInflight(taskID string) bool {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	_, ok := d.inflightIDs[taskID]
	return ok
}

func (d *Dispatcher) trackInflight(taskID string) {
	d.inflightMu.Lock()
	d.inflightIDs[taskID] = struct{}{}
	d.inflightMu.Unlock()
	metrics.InFlight.Inc()
}

func (d *Dispatcher) untrackInflight(taskID string) {
	d.inflightMu.Lock()
	delete(d.inflightIDs, taskID)
	d.inflightMu.Unlock()
	metrics.InFlight.Dec()
}

func (d *Dispatcher) runTask(lease *Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	task, run, err := d.repo.StartRun(ctx, lease.TaskID, lease.Deadline, time.Now())
	cancel()
	if err != nil {
		// System error: never finalize, just release so another worker can
		// retry the dispatch.
		d.log.Error("start run failed", zap.String("task_id", lease.TaskID), zap.Error(err))
		d.releaseLease(lease)
		return
	}
	if task == nil {
		// Canceled or already finished between enqueue and lease.
		d.releaseLease(lease)
		return
	}

	d.trackInflight(task.ID)
	defer d.untrackInflight(task.ID)
	defer d.releaseLease(lease)

	handler := d.registry.Get(task.Type)
	if handler == nil {
		finCtx, finCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer finCancel()
		_ = d.repo.FinalizeTerminal(finCtx, task.ID, run.ID, domain.RunStatusFailed, "no handler registered for type", time.Now())
		metrics.TasksTotal.WithLabelValues(task.Type, domain.TaskStatusFailed).Inc()
		return
	}

	dep := handler.Dependency()
	gateCtx, gateCancel := context.WithTimeout(context.Background(), 5*time.Second)
	gateErr := d.circuits.Allow(gateCtx, dep, time.Now())
	gateCancel()
	if errors.Is(gateErr, ErrCircuitOpen) {
		d.deferOpenCircuit(task, run, dep)
		return
	}
	if gateErr != nil {
		// Breaker store trouble must not stall dispatch; the call itself
		// reports the real outcome.
		d.log.Error("circuit check failed", zap.String("service", dep), zap.Error(gateErr))
	}

	hctx, hcancel := context.WithCancel(d.handlerCtx)
	defer hcancel()
	leaseLost := make(chan struct{})
	hbStop := make(chan struct{})
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		d.heartbeat(lease, hcancel, leaseLost, hbStop)
	}()

	start := time.Now()
	result, handlerErr := handler.Handle(hctx, task)
	duration := time.Since(start)
	close(hbStop)
	hbWG.Wait()
	metrics.TaskDuration.WithLabelValues(task.Type).Observe(duration.Seconds())

	lost := false
	select {
	case <-leaseLost:
		lost = true
	default:
	}

	finCtx, finCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer finCancel()
	now := time.Now()

	if handlerErr == nil && !lost {
		d.finalizeSuccess(finCtx, task, run, result, dep, now)
		return
	}

	if dep != "" {
		if lost {
			// Lease loss is a coordination event, not a dependency failure;
			// the call outcome is unknowable, so free any probe claim instead.
			d.circuits.ReleaseProbe(dep)
		} else if recErr := d.circuits.RecordFailure(finCtx, dep, now); recErr != nil {
			d.log.Error("record circuit failure failed", zap.String("service", dep), zap.Error(recErr))
		}
	}

	switch {
	case lost:
		// Another worker may already own the task row; close only our run.
		d.log.Warn("lease lost during execution",
			zap.String("task_id", task.ID),
			zap.Int("attempt", run.Attempt))
		_ = d.repo.MarkRunStatus(finCtx, run.ID, domain.RunStatusTimeout, "lease lost", now)
	case errors.Is(handlerErr, context.Canceled) && d.stopping():
		d.log.Info("handler canceled by shutdown, requeueing",
			zap.String("task_id", task.ID))
		if _, err := d.repo.RequeueRunning(finCtx, task.ID, run.ID, now); err != nil {
			d.log.Error("requeue on shutdown failed", zap.String("task_id", task.ID), zap.Error(err))
		} else if err := d.broker.Enqueue(finCtx, task.ID, task.Priority, now); err != nil {
			d.log.Error("enqueue on shutdown failed", zap.String("task_id", task.ID), zap.Error(err))
		}
	case IsRetryable(handlerErr):
		d.retryOrDeadLetter(finCtx, task, run, handlerErr, now)
	default:
		d.log.Warn("task failed terminally",
			zap.String("task_id", task.ID),
			zap.String("type", task.Type),
			zap.Error(handlerErr))
		if err := d.repo.FinalizeTerminal(finCtx, task.ID, run.ID, domain.RunStatusFailed, handlerErr.Error(), now); err != nil {
			d.log.Error("finalize terminal failed", zap.String("task_id", task.ID), zap.Error(err))
		}
		metrics.TasksTotal.WithLabelValues(task.Type, domain.TaskStatusFailed).Inc()
	}
}

func (d *Dispatcher) finalizeSuccess(ctx context.Context, task *Task, run *Run, result *HandlerResult, dep string, now time.Time) {
	if result == nil {
		result = &HandlerResult{}
	}
	entries := NewOutboxEntries(task.ID, effectsOf(result), 0, newUUID, now)
	err := d.repo.FinalizeSuccess(ctx, FinalizeSuccessParams{
		TaskID:  task.ID,
		RunID:   run.ID,
		EndedAt: now,
		Model:   result.Model,
		Tokens:  result.Tokens,
		CostUSD: result.CostUSD,
		Outbox:  entries,
	})
	if err != nil {
		// System error: leave the task running; the lease reaper will
		// requeue it after expiry and the handler must be idempotent.
		d.log.Error("finalize success failed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}

	provider := result.Provider
	if provider == "" {
		provider = task.Provider
	}
	if provider != "" {
		if err := d.budget.Commit(ctx, provider, result.CostUSD, result.Tokens, now); err != nil {
			d.log.Error("budget commit failed", zap.String("provider", provider), zap.Error(err))
		}
	}
	if dep != "" {
		if err := d.circuits.RecordSuccess(ctx, dep, now); err != nil {
			d.log.Error("record circuit success failed", zap.String("service", dep), zap.Error(err))
		}
	}
	_ = d.broker.IncrThroughput(ctx, task.Type)
	metrics.TasksTotal.WithLabelValues(task.Type, domain.TaskStatusDone).Inc()
	d.log.Info("task done",
		zap.String("task_id", task.ID),
		zap.String("type", task.Type),
		zap.Int("attempt", run.Attempt))
}

func (d *Dispatcher) retryOrDeadLetter(ctx context.Context, task *Task, run *Run, handlerErr error, now time.Time) {
	runStatus := domain.RunStatusFailed
	if errors.Is(handlerErr, context.DeadlineExceeded) {
		runStatus = domain.RunStatusTimeout
	}
	retryCount, err := d.repo.RecordRetryableFailure(ctx, task.ID, run.ID, runStatus, handlerErr.Error(), now)
	if err != nil {
		d.log.Error("record retryable failure failed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	metrics.RetriesTotal.WithLabelValues(task.Type).Inc()

	if retryCount > task.MaxRetries {
		d.deadLetter(ctx, task, run.ID, handlerErr.Error(), now)
		return
	}

	delay := d.backoff(task.RetryCount)
	d.log.Warn("task failed, scheduling retry",
		zap.String("task_id", task.ID),
		zap.Int("retry_count", retryCount),
		zap.Duration("delay", delay),
		zap.Error(handlerErr))
	if err := d.broker.EnqueueDelayed(ctx, task.ID, task.Priority, now.Add(delay)); err != nil {
		d.log.Error("delayed enqueue failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// deferOpenCircuit parks a leased task whose dependency circuit rejects calls.
// The retry budget is not charged and no circuit outcome is recorded; the task
// comes back through the delayed set to re-check the circuit.
func (d *Dispatcher) deferOpenCircuit(task *Task, run *Run, dep string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	now := time.Now()
	d.log.Warn("dependency circuit open, deferring task",
		zap.String("task_id", task.ID),
		zap.String("type", task.Type),
		zap.String("service", dep))
	if _, err := d.repo.RequeueRunning(ctx, task.ID, run.ID, now); err != nil {
		d.log.Error("requeue for open circuit failed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	if err := d.broker.EnqueueDelayed(ctx, task.ID, task.Priority, now.Add(circuitDeferDelay)); err != nil {
		d.log.Error("delayed enqueue for open circuit failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (d *Dispatcher) deadLetter(ctx context.Context, task *Task, runID, lastError string, now time.Time) {
	if err := d.repo.FinalizeTerminal(ctx, task.ID, runID, domain.RunStatusFailed, lastError, now); err != nil {
		d.log.Error("finalize for DLQ failed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	if err := d.broker.PushDLQ(ctx, task.Type, task.ID); err != nil {
		d.log.Error("push DLQ failed", zap.String("task_id", task.ID), zap.Error(err))
	}
	metrics.TasksTotal.WithLabelValues(task.Type, domain.TaskStatusFailed).Inc()
	d.log.Error("task dead-lettered",
		zap.String("task_id", task.ID),
		zap.String("type", task.Type),
		zap.String("last_error", lastError))
}

// heartbeat extends the lease every lease/3. A failed extension means the
// lock expired or moved on; the handler is canceled through hcancel.
func (d *Dispatcher) heartbeat(lease *Lease, hcancel context.CancelFunc, leaseLost, stop chan struct{}) {
	interval := d.cfg.Lease / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := d.broker.ExtendLease(ctx, lease.TaskID, lease.Token, d.cfg.Lease)
			if err == nil {
				err = d.repo.RefreshLeaseDeadline(ctx, lease.TaskID, time.Now().Add(d.cfg.Lease))
			}
			cancel()
			if errors.Is(err, ErrLeaseLost) {
				close(leaseLost)
				hcancel()
				return
			}
			if err != nil {
				// Transient broker or store trouble: keep the handler alive,
				// the TTL is the safety net.
				d.log.Warn("lease extension failed", zap.String("task_id", lease.TaskID), zap.Error(err))
			}
		case <-stop:
			return
		}
	}
}

func (d *Dispatcher) releaseLease(lease *Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.broker.Release(ctx, lease.TaskID, lease.Token); err != nil && !errors.Is(err, ErrLeaseLost) {
		d.log.Warn("lease release failed", zap.String("task_id", lease.TaskID), zap.Error(err))
	}
}

func (d *Dispatcher) stopping() bool {
	select {
	case <-d.stopCh:
		return true
	default:
		return false
	}
}

// backoff computes min(cap, base*2^n) scaled by uniform jitter in [0.5, 1.5).
func (d *Dispatcher) backoff(retryCount int) time.Duration {
	d.rndMu.Lock()
	jitter := 0.5 + d.rnd.Float64()
	d.rndMu.Unlock()
	return BackoffDelay(retryCount, backoffBase, d.cfg.BackoffCap, jitter)
}

// BackoffDelay is the deterministic core of the retry schedule.
func BackoffDelay(retryCount int, base, max time.Duration, jitter float64) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= max {
			break
		}
	}
	if delay > max {
		delay = max
	}
	return time.Duration(float64(delay) * jitter)
}

func newUUID() string { return uuid.NewString() }

func (d *Dispatcher) refreshDepthMetrics(ctx context.Context) {
	if depth, err := d.broker.Depth(ctx); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}
	if depth, err := d.broker.DelayedDepth(ctx); err == nil {
		metrics.DelayedDepth.Set(float64(depth))
	}
	var dlqTotal int64
	for _, t := range domain.TaskTypes {
		if n, err := d.broker.DLQDepth(ctx, t); err == nil {
			dlqTotal += n
		}
	}
	metrics.DLQDepth.Set(float64(dlqTotal))
}

func effectsOf(result *HandlerResult) []OutboxEffect {
	if result == nil {
		return nil
	}
	return result.Outbox
}
