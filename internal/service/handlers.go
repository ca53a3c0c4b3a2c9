package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// HandlerResult is what a handler reports back on success. Cost and token
// figures feed the budget ledger; Outbox lists side-effects to commit
// atomically with the run.
type HandlerResult struct {
	Provider string
	Model    string
	CostUSD  float64
	Tokens   int64
	Output   json.RawMessage
	Outbox   []OutboxEffect
}

// OutboxEffect is a declared external side-effect, persisted as an outbox
// entry in the run-finalizing transaction and delivered by the relay.
type OutboxEffect struct {
	EffectType string
	Target     string
	Payload    json.RawMessage
}

// RetryableError marks a failure worth retrying with backoff: transport
// errors, 5xx, 429.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return fmt.Sprintf("retryable: %v", e.Err) }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so the dispatcher retries the task.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// TerminalError marks a failure that no retry can fix: 4xx (except 429),
// payload validation, budget exhaustion inside the handler.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return fmt.Sprintf("terminal: %v", e.Err) }
func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal wraps err so the dispatcher fails the task without retries.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// IsRetryable classifies err for the dispatcher. Unclassified errors count
// as retryable so transient infrastructure failures are not terminal.
func IsRetryable(err error) bool {
	var term *TerminalError
	return !errors.As(err, &term)
}

// TaskHandler executes one task type. The context carries the trace id and
// is canceled when the lease is lost or the process drains.
type TaskHandler interface {
	// Type is the task type this handler serves.
	Type() string
	// Dependency names the dominant downstream service whose circuit gates
	// this type, or "" when none.
	Dependency() string
	Handle(ctx context.Context, task *Task) (*HandlerResult, error)
}

// HandlerRegistry routes tasks to handlers over the closed task type set.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]TaskHandler
}

func NewHandlerRegistry(handlers ...TaskHandler) *HandlerRegistry {
	r := &HandlerRegistry{handlers: make(map[string]TaskHandler, len(handlers))}
	for _, h := range handlers {
		r.Register(h)
	}
	return r
}

// Register installs h, replacing any previous handler for the type.
func (r *HandlerRegistry) Register(h TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Type()] = h
}

// Get returns the handler for taskType, or nil.
func (r *HandlerRegistry) Get(taskType string) TaskHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[taskType]
}

// Dependency returns the dominant dependency service for taskType, or "".
func (r *HandlerRegistry) Dependency(taskType string) string {
	if h := r.Get(taskType); h != nil {
		return h.Dependency()
	}
	return ""
}

// Types lists registered task types in stable order.
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
