package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	TaskTypeProcessFeedback = "feedback:process"
	TaskTypeProcessBulk     = "feedback:process_bulk"
	TaskTypeReprocessFailed = "feedback:reprocess_failed"
	TaskTypeSweepPending    = "feedback:sweep_pending"
	TaskTypePurgeProcessed  = "feedback:purge"
)

// Task is one unit of queued work: a registered type and its JSON payload.
type Task struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type ProcessFeedbackPayload struct {
	FeedbackID uint `json:"feedback_id"`
}

func (p ProcessFeedbackPayload) Validate() error {
	if p.FeedbackID == 0 {
		return fmt.Errorf("%w: feedback_id is required", ErrInvalidPayload)
	}
	return nil
}

type ProcessBulkPayload struct {
	FeedbackIDs []uint `json:"feedback_ids"`
}

func (p ProcessBulkPayload) Validate() error {
	if len(p.FeedbackIDs) == 0 {
		return fmt.Errorf("%w: feedback_ids is empty", ErrInvalidPayload)
	}
	for _, id := range p.FeedbackIDs {
		if id == 0 {
			return fmt.Errorf("%w: feedback_ids contains 0", ErrInvalidPayload)
		}
	}
	return nil
}

type PurgePayload struct {
	RetentionDays int `json:"retention_days"`
}

func (p PurgePayload) Validate() error {
	if p.RetentionDays <= 0 {
		return fmt.Errorf("%w: retention_days must be positive", ErrInvalidPayload)
	}
	return nil
}

// EmptyPayload is used by tasks that carry no arguments.
type EmptyPayload struct{}

func (EmptyPayload) Validate() error { return nil }

type payload interface {
	Validate() error
}

// NewTask validates p and wraps it in a Task of the given type.
func NewTask(taskType string, p payload) (*Task, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &Task{Type: taskType, Payload: data}, nil
}

// DecodePayload unmarshals and validates a task payload.
func DecodePayload[T payload](data []byte) (T, error) {
	var p T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			return p, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// RetryPolicy bounds retries of one task type. The n-th retry (0-based)
// waits BaseDelay * 2^n.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// NoRetry is the policy of sweeps and fan-out tasks.
var NoRetry = RetryPolicy{}

func (p RetryPolicy) Delay(retried int) time.Duration {
	if retried < 0 {
		retried = 0
	}
	return p.BaseDelay * time.Duration(1<<uint(retried))
}

// ShouldRetry reports whether a task that already retried `retried` times
// and just failed with err gets another attempt.
func (p RetryPolicy) ShouldRetry(retried int, err error) bool {
	return err != nil && !IsPermanent(err) && retried < p.MaxRetries
}

type HandlerFunc func(ctx context.Context, payload []byte) error

// ExhaustedFunc is told about a task that failed for the last time.
type ExhaustedFunc func(ctx context.Context, task *Task, err error)

type registration struct {
	handler HandlerFunc
	policy  RetryPolicy
}

// TaskRegistry maps task types to handlers and retry policies. It is built
// once at startup; there is no implicit discovery.
type TaskRegistry struct {
	mu          sync.RWMutex
	entries     map[string]registration
	onExhausted ExhaustedFunc
}

func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{entries: make(map[string]registration)}
}

func (r *TaskRegistry) Register(taskType string, h HandlerFunc, policy RetryPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[taskType] = registration{handler: h, policy: policy}
}

// OnExhausted sets the hook called when a retryable task runs out of retries.
func (r *TaskRegistry) OnExhausted(fn ExhaustedFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExhausted = fn
}

func (r *TaskRegistry) Policy(taskType string) RetryPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[taskType].policy
}

func (r *TaskRegistry) Has(taskType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[taskType]
	return ok
}

// Types lists the registered task types in sorted order.
func (r *TaskRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Dispatch runs the handler registered for task.Type.
func (r *TaskRegistry) Dispatch(ctx context.Context, task *Task) error {
	r.mu.RLock()
	reg, ok := r.entries[task.Type]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, task.Type)
	}
	return reg.handler(ctx, task.Payload)
}

// Exhausted reports a final failure to the hook. Permanent failures are not
// reported; they never had retries to exhaust.
func (r *TaskRegistry) Exhausted(ctx context.Context, task *Task, err error) {
	if errors.Is(err, ErrPermanent) {
		return
	}
	r.mu.RLock()
	fn := r.onExhausted
	r.mu.RUnlock()
	if fn != nil {
		fn(ctx, task, err)
	}
}
