package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// In-memory repository and broker fakes shared by the service tests. They
// follow the documented interface semantics closely enough to exercise the
// orchestration logic without Postgres or Redis.

type memTaskRepo struct {
	mu    sync.Mutex
	tasks map[string]*Task
	runs  map[string]*Run
	// outbox collects entries written through FinalizeSuccess.
	outbox []*OutboxEntry

	failCreate error
}

func newMemTaskRepo() *memTaskRepo {
	return &memTaskRepo{
		tasks: make(map[string]*Task),
		runs:  make(map[string]*Run),
	}
}

func copyTask(t *Task) *Task {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func copyRun(r *Run) *Run {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

func (m *memTaskRepo) CreateIdempotent(_ context.Context, task *Task) (bool, error) {
	if m.failCreate != nil {
		return false, m.failCreate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.IdempotencyKey != nil {
		for _, existing := range m.tasks {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *task.IdempotencyKey {
				return false, nil
			}
		}
	}
	m.tasks[task.ID] = copyTask(task)
	return true, nil
}

func (m *memTaskRepo) GetByID(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyTask(m.tasks[id]), nil
}

func (m *memTaskRepo) GetByIdempotencyKey(_ context.Context, key string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.IdempotencyKey != nil && *t.IdempotencyKey == key {
			return copyTask(t), nil
		}
	}
	return nil, nil
}

func (m *memTaskRepo) StartRun(_ context.Context, taskID string, leaseDeadline, now time.Time) (*Task, *Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task := m.tasks[taskID]
	if task == nil || task.Status != "queued" {
		return nil, nil, nil
	}
	task.Status = "running"
	started := now
	task.StartedAt = &started
	deadline := leaseDeadline
	task.LeaseDeadline = &deadline
	run := &Run{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Attempt:   task.RetryCount + 1,
		Status:    "started",
		StartedAt: now,
	}
	m.runs[run.ID] = run
	return copyTask(task), copyRun(run), nil
}

func (m *memTaskRepo) RefreshLeaseDeadline(_ context.Context, taskID string, deadline time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task := m.tasks[taskID]; task != nil {
		d := deadline
		task.LeaseDeadline = &d
	}
	return nil
}

func (m *memTaskRepo) FinalizeSuccess(_ context.Context, params FinalizeSuccessParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := m.runs[params.RunID]
	if run == nil || run.Status != "started" {
		return fmt.Errorf("run no longer active")
	}
	task := m.tasks[params.TaskID]
	if task == nil || task.Status != "running" {
		return fmt.Errorf("task not running")
	}
	ended := params.EndedAt
	run.Status = "success"
	run.EndedAt = &ended
	if params.Model != "" {
		model := params.Model
		run.ModelUsed = &model
	}
	run.Tokens = params.Tokens
	run.CostUSD = params.CostUSD
	task.Status = "done"
	task.CompletedAt = &ended
	task.LeaseDeadline = nil
	m.outbox = append(m.outbox, params.Outbox...)
	return nil
}

func (m *memTaskRepo) RecordRetryableFailure(_ context.Context, taskID, runID, runStatus, lastError string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run := m.runs[runID]; run != nil && run.Status == "started" {
		ended := now
		run.Status = runStatus
		run.EndedAt = &ended
		details := lastError
		run.ErrorDetails = &details
	}
	task := m.tasks[taskID]
	if task == nil {
		return 0, fmt.Errorf("task not found")
	}
	task.Status = "queued"
	task.RetryCount++
	msg := lastError
	task.LastError = &msg
	task.LeaseDeadline = nil
	return task.RetryCount, nil
}

func (m *memTaskRepo) FinalizeTerminal(_ context.Context, taskID, runID, runStatus, lastError string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run := m.runs[runID]; run != nil && run.Status == "started" {
		ended := now
		run.Status = runStatus
		run.EndedAt = &ended
		details := lastError
		run.ErrorDetails = &details
	}
	if task := m.tasks[taskID]; task != nil {
		task.Status = "failed"
		completed := now
		task.CompletedAt = &completed
		msg := lastError
		task.LastError = &msg
		task.LeaseDeadline = nil
	}
	return nil
}

func (m *memTaskRepo) MarkRunStatus(_ context.Context, runID, status, errDetails string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := m.runs[runID]
	if run == nil || run.Status != "started" {
		return nil
	}
	ended := now
	run.Status = status
	run.EndedAt = &ended
	details := errDetails
	run.ErrorDetails = &details
	return nil
}

func (m *memTaskRepo) RequeueRunning(_ context.Context, taskID, runID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task := m.tasks[taskID]
	if task == nil || task.Status != "running" {
		return false, nil
	}
	task.Status = "queued"
	task.LeaseDeadline = nil
	if run := m.runs[runID]; run != nil && run.Status == "started" {
		ended := now
		run.Status = "canceled"
		run.EndedAt = &ended
	}
	return true, nil
}

func (m *memTaskRepo) ListExpiredLeases(_ context.Context, now time.Time, limit int) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Task
	for _, t := range m.tasks {
		if t.Status == "running" && t.LeaseDeadline != nil && t.LeaseDeadline.Before(now) {
			out = append(out, copyTask(t))
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memTaskRepo) RequeueExpired(_ context.Context, taskID, lastError string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task := m.tasks[taskID]
	if task == nil {
		return 0, fmt.Errorf("task not found")
	}
	for _, run := range m.runs {
		if run.TaskID == taskID && run.Status == "started" {
			ended := now
			run.Status = "timeout"
			run.EndedAt = &ended
			details := lastError
			run.ErrorDetails = &details
		}
	}
	task.Status = "queued"
	task.RetryCount++
	msg := lastError
	task.LastError = &msg
	task.LeaseDeadline = nil
	return task.RetryCount, nil
}

func (m *memTaskRepo) CancelQueued(_ context.Context, taskID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task := m.tasks[taskID]
	if task == nil || task.Status != "queued" {
		return false, nil
	}
	task.Status = "canceled"
	completed := now
	task.CompletedAt = &completed
	return true, nil
}

func (m *memTaskRepo) RequeueFromDLQ(_ context.Context, taskID string, priority int, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task := m.tasks[taskID]
	if task == nil || task.Status != "failed" {
		return false, nil
	}
	task.Status = "queued"
	task.RetryCount = 0
	task.Priority = priority
	task.CompletedAt = nil
	task.LastError = nil
	return true, nil
}

func (m *memTaskRepo) ListByStatus(_ context.Context, status string, limit int) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Task
	for _, t := range m.tasks {
		if t.Status == status {
			out = append(out, copyTask(t))
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memTaskRepo) CountByStatus(_ context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64)
	for _, t := range m.tasks {
		out[t.Status]++
	}
	return out, nil
}

func (m *memTaskRepo) task(id string) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyTask(m.tasks[id])
}

func (m *memTaskRepo) runsOf(taskID string) []*Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Run
	for _, r := range m.runs {
		if r.TaskID == taskID {
			out = append(out, copyRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out
}

type memRunRepo struct {
	repo *memTaskRepo
}

func (m *memRunRepo) ListByTask(_ context.Context, taskID string) ([]*Run, error) {
	return m.repo.runsOf(taskID), nil
}

func (m *memRunRepo) ListRecent(_ context.Context, limit int) ([]*Run, error) {
	m.repo.mu.Lock()
	defer m.repo.mu.Unlock()
	var out []*Run
	for _, r := range m.repo.runs {
		out = append(out, copyRun(r))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type brokerItem struct {
	id       string
	priority int
	at       time.Time
}

type delayedItem struct {
	priority int
	readyAt  time.Time
}

type memBroker struct {
	mu         sync.Mutex
	ready      []brokerItem
	delayed    map[string]delayedItem
	locks      map[string]string
	dlq        map[string][]string
	throughput map[string]int64

	failEnqueue error
}

func newMemBroker() *memBroker {
	return &memBroker{
		delayed:    make(map[string]delayedItem),
		locks:      make(map[string]string),
		dlq:        make(map[string][]string),
		throughput: make(map[string]int64),
	}
}

func (b *memBroker) Enqueue(_ context.Context, taskID string, priority int, enqueuedAt time.Time) error {
	if b.failEnqueue != nil {
		return b.failEnqueue
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = append(b.ready, brokerItem{id: taskID, priority: priority, at: enqueuedAt})
	return nil
}

func (b *memBroker) EnqueueDelayed(_ context.Context, taskID string, priority int, readyAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delayed[taskID] = delayedItem{priority: priority, readyAt: readyAt}
	return nil
}

func (b *memBroker) PromoteDue(_ context.Context, now time.Time, limit int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	promoted := 0
	for id, item := range b.delayed {
		if !item.readyAt.After(now) {
			b.ready = append(b.ready, brokerItem{id: id, priority: item.priority, at: now})
			delete(b.delayed, id)
			promoted++
			if promoted == limit {
				break
			}
		}
	}
	return promoted, nil
}

func (b *memBroker) LeaseNext(_ context.Context, consumerID string, _, _ time.Duration) (*Lease, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	best := -1
	for i, item := range b.ready {
		if _, locked := b.locks[item.id]; locked {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		cur := b.ready[best]
		if item.priority < cur.priority || (item.priority == cur.priority && item.at.Before(cur.at)) {
			best = i
		}
	}
	if best < 0 {
		return nil, nil
	}
	item := b.ready[best]
	b.ready = append(b.ready[:best], b.ready[best+1:]...)
	token := consumerID + ":" + uuid.NewString()
	b.locks[item.id] = token
	return &Lease{TaskID: item.id, Token: token, Priority: item.priority, Deadline: time.Now().Add(time.Minute)}, nil
}

func (b *memBroker) ExtendLease(_ context.Context, taskID, token string, _ time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.locks[taskID] != token {
		return ErrLeaseLost
	}
	return nil
}

func (b *memBroker) Release(_ context.Context, taskID, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.locks[taskID] != token {
		return ErrLeaseLost
	}
	delete(b.locks, taskID)
	return nil
}

func (b *memBroker) Remove(_ context.Context, taskID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, item := range b.ready {
		if item.id == taskID {
			b.ready = append(b.ready[:i], b.ready[i+1:]...)
			return true, nil
		}
	}
	if _, ok := b.delayed[taskID]; ok {
		delete(b.delayed, taskID)
		return true, nil
	}
	return false, nil
}

func (b *memBroker) Depth(_ context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.ready)), nil
}

func (b *memBroker) DelayedDepth(_ context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.delayed)), nil
}

func (b *memBroker) PushDLQ(_ context.Context, taskType, taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dlq[taskType] = append(b.dlq[taskType], taskID)
	return nil
}

func (b *memBroker) ListDLQ(_ context.Context, taskType string, limit int64) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := b.dlq[taskType]
	if int64(len(ids)) > limit {
		ids = ids[:limit]
	}
	return append([]string(nil), ids...), nil
}

func (b *memBroker) PopDLQ(_ context.Context, taskType string, count int64) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := b.dlq[taskType]
	n := int64(len(ids))
	if n > count {
		n = count
	}
	popped := append([]string(nil), ids[:n]...)
	b.dlq[taskType] = ids[n:]
	return popped, nil
}

func (b *memBroker) DLQDepth(_ context.Context, taskType string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.dlq[taskType])), nil
}

func (b *memBroker) IncrThroughput(_ context.Context, taskType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.throughput[taskType]++
	return nil
}

func (b *memBroker) Stats(ctx context.Context, taskTypes []string) (*QueueStats, error) {
	ready, _ := b.Depth(ctx)
	delayed, _ := b.DelayedDepth(ctx)
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := &QueueStats{
		ReadyDepth:   ready,
		DelayedDepth: delayed,
		DLQDepth:     make(map[string]int64),
		Throughput:   make(map[string]int64),
	}
	for _, t := range taskTypes {
		stats.DLQDepth[t] = int64(len(b.dlq[t]))
		stats.Throughput[t] = b.throughput[t]
	}
	return stats, nil
}

func (b *memBroker) Ping(_ context.Context) error { return nil }

func (b *memBroker) lockToken(taskID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locks[taskID]
}

func (b *memBroker) stealLock(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.locks[taskID] = "other-worker:" + uuid.NewString()
}

type memBudgetRepo struct {
	mu      sync.Mutex
	ledgers map[string]*BudgetLedger
}

func newMemBudgetRepo() *memBudgetRepo {
	return &memBudgetRepo{ledgers: make(map[string]*BudgetLedger)}
}

func budgetKey(provider, date string) string { return provider + "|" + date }

func (m *memBudgetRepo) Get(_ context.Context, provider, date string) (*BudgetLedger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.ledgers[budgetKey(provider, date)]
	if l == nil {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (m *memBudgetRepo) Commit(_ context.Context, provider, date string, costUSD float64, tokens int64, defaultBudgetUSD float64) (*BudgetLedger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := budgetKey(provider, date)
	l := m.ledgers[key]
	if l == nil {
		l = &BudgetLedger{Provider: provider, Date: date, BudgetUSD: defaultBudgetUSD}
		m.ledgers[key] = l
	}
	l.SpentUSD += costUSD
	l.Tokens += tokens
	l.Requests++
	l.LastUpdated = time.Now()
	cp := *l
	return &cp, nil
}

func (m *memBudgetRepo) Seed(_ context.Context, provider, date string, budgetUSD float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := budgetKey(provider, date)
	if _, ok := m.ledgers[key]; !ok {
		m.ledgers[key] = &BudgetLedger{Provider: provider, Date: date, BudgetUSD: budgetUSD}
	}
	return nil
}

func (m *memBudgetRepo) ListByDate(_ context.Context, date string) ([]*BudgetLedger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*BudgetLedger
	for _, l := range m.ledgers {
		if l.Date == date {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memCircuitRepo struct {
	mu                sync.Mutex
	states            map[string]*CircuitState
	defaultTimeoutSec int
}

func newMemCircuitRepo(defaultTimeoutSec int) *memCircuitRepo {
	return &memCircuitRepo{states: make(map[string]*CircuitState), defaultTimeoutSec: defaultTimeoutSec}
}

func (m *memCircuitRepo) Get(_ context.Context, service string) (*CircuitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.states[service]
	if s == nil {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memCircuitRepo) List(_ context.Context) ([]*CircuitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*CircuitState
	for _, s := range m.states {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memCircuitRepo) Mutate(_ context.Context, service string, fn func(*CircuitState)) (*CircuitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.states[service]
	if s == nil {
		s = &CircuitState{Service: service, State: "closed", TimeoutSec: m.defaultTimeoutSec}
		m.states[service] = s
	}
	fn(s)
	cp := *s
	return &cp, nil
}

type memInboxRepo struct {
	mu      sync.Mutex
	entries map[string]*InboxEntry
	tasks   []*Task
}

func newMemInboxRepo() *memInboxRepo {
	return &memInboxRepo{entries: make(map[string]*InboxEntry)}
}

func inboxKey(source, externalID string) string { return source + "|" + externalID }

func (m *memInboxRepo) InsertWithTask(_ context.Context, entry *InboxEntry, task *Task) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := inboxKey(entry.Source, entry.ExternalID)
	if _, ok := m.entries[key]; ok {
		return false, nil
	}
	cp := *entry
	m.entries[key] = &cp
	m.tasks = append(m.tasks, copyTask(task))
	return true, nil
}

func (m *memInboxRepo) MarkProcessed(_ context.Context, id string, processedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			e.Status = "processed"
			t := processedAt
			e.ProcessedAt = &t
		}
	}
	return nil
}

func (m *memInboxRepo) GetBySourceExternalID(_ context.Context, source, externalID string) (*InboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[inboxKey(source, externalID)]
	if e == nil {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *memInboxRepo) DeleteProcessedBefore(_ context.Context, before time.Time, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for key, e := range m.entries {
		if e.Status == "processed" && e.ProcessedAt != nil && e.ProcessedAt.Before(before) {
			delete(m.entries, key)
			deleted++
			if int(deleted) == limit {
				break
			}
		}
	}
	return deleted, nil
}

type memOutboxRepo struct {
	mu      sync.Mutex
	entries []*OutboxEntry
}

func (m *memOutboxRepo) add(entries ...*OutboxEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
}

func (m *memOutboxRepo) ListDue(_ context.Context, now time.Time, limit int) ([]*OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*OutboxEntry
	for _, e := range m.entries {
		if e.Status != "pending" {
			continue
		}
		if e.NextRetryAt != nil && e.NextRetryAt.After(now) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memOutboxRepo) MarkDelivered(_ context.Context, id string, deliveredAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			e.Status = "delivered"
			t := deliveredAt
			e.DeliveredAt = &t
		}
	}
	return nil
}

func (m *memOutboxRepo) MarkRetry(_ context.Context, id string, lastError string, nextRetryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			e.RetryCount++
			msg := lastError
			e.LastError = &msg
			t := nextRetryAt
			e.NextRetryAt = &t
		}
	}
	return nil
}

func (m *memOutboxRepo) MarkFailed(_ context.Context, id string, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			e.Status = "failed"
			msg := lastError
			e.LastError = &msg
		}
	}
	return nil
}

func (m *memOutboxRepo) CountPending(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.entries {
		if e.Status == "pending" {
			n++
		}
	}
	return n, nil
}

func (m *memOutboxRepo) PurgeDelivered(_ context.Context, before time.Time, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*OutboxEntry
	var purged int64
	for _, e := range m.entries {
		if e.Status == "delivered" && e.DeliveredAt != nil && e.DeliveredAt.Before(before) && int(purged) < limit {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return purged, nil
}

func (m *memOutboxRepo) get(id string) *OutboxEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			cp := *e
			return &cp
		}
	}
	return nil
}

type memAPIKeyRepo struct {
	mu   sync.Mutex
	keys map[string]*APIKey
}

func newMemAPIKeyRepo() *memAPIKeyRepo {
	return &memAPIKeyRepo{keys: make(map[string]*APIKey)}
}

func (m *memAPIKeyRepo) Create(_ context.Context, key *APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *key
	m.keys[key.ID] = &cp
	return nil
}

func (m *memAPIKeyRepo) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys {
		if k.KeyHash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memAPIKeyRepo) GetByID(_ context.Context, id string) (*APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.keys[id]
	if k == nil {
		return nil, nil
	}
	cp := *k
	return &cp, nil
}

func (m *memAPIKeyRepo) List(_ context.Context) ([]*APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*APIKey
	for _, k := range m.keys {
		cp := *k
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memAPIKeyRepo) SetActive(_ context.Context, id string, active bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.keys[id]
	if k == nil {
		return false, nil
	}
	k.IsActive = active
	return true, nil
}

func (m *memAPIKeyRepo) SetExpiry(_ context.Context, id string, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.keys[id]
	if k == nil {
		return false, nil
	}
	t := expiresAt
	k.ExpiresAt = &t
	return true, nil
}

func (m *memAPIKeyRepo) TouchLastUsed(_ context.Context, id string, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k := m.keys[id]; k != nil {
		t := usedAt
		k.LastUsedAt = &t
	}
	return nil
}
