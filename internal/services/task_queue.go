package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Ranganathan-J/efsilonquest/internal/config"
	"github.com/Ranganathan-J/efsilonquest/pkg/logger"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

var ErrQueueClosed = errors.New("task queue is closed")

// TaskQueue accepts tasks for background execution
type TaskQueue interface {
	// Enqueue adds a task to the queue and returns its id
	Enqueue(ctx context.Context, task *Task) (string, error)
	// EnqueueIn adds a task that becomes eligible after delay
	EnqueueIn(ctx context.Context, task *Task, delay time.Duration) (string, error)
	// IsAsync returns true if tasks are persisted in Redis
	IsAsync() bool
	// Close gracefully shuts down the queue
	Close() error
}

// InitTaskQueue picks the Redis-backed queue when Redis is enabled and
// reachable and falls back to the in-process worker pool otherwise.
func InitTaskQueue(cfg *config.Config, registry *TaskRegistry) TaskQueue {
	if cfg.Redis.Enabled {
		queue, err := NewAsyncQueue(&cfg.Redis, registry, cfg.Worker.Queue)
		if err == nil {
			logger.Info().Str("addr", cfg.Redis.Addr).Msg("async task queue initialized")
			return queue
		}
		logger.Warn().Err(err).Msg("redis unavailable, falling back to in-process queue")
	} else {
		logger.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("in-process task queue initialized (redis disabled)")
	}
	return NewInProcessQueue(registry, cfg.Worker.Concurrency, cfg.Worker.BufferSize)
}

func redisOpt(cfg *config.RedisConfig) asynq.RedisClientOpt {
	opts := cfg.Options()
	return asynq.RedisClientOpt{
		Addr:      opts.Addr,
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	}
}

// AsyncQueue implements TaskQueue using asynq (Redis-based). Retries are
// performed by the asynq server with the registry's policy.
type AsyncQueue struct {
	client   *asynq.Client
	registry *TaskRegistry
	queue    string
}

// NewAsyncQueue creates a new Redis-based async queue
func NewAsyncQueue(cfg *config.RedisConfig, registry *TaskRegistry, queue string) (*AsyncQueue, error) {
	opt := redisOpt(cfg)
	client := asynq.NewClient(opt)

	inspector := asynq.NewInspector(opt)
	defer inspector.Close()

	if _, err := inspector.Queues(); err != nil {
		client.Close()
		return nil, err
	}

	if queue == "" {
		queue = "default"
	}
	return &AsyncQueue{client: client, registry: registry, queue: queue}, nil
}

func (q *AsyncQueue) Enqueue(ctx context.Context, task *Task) (string, error) {
	return q.enqueue(ctx, task, 0)
}

func (q *AsyncQueue) EnqueueIn(ctx context.Context, task *Task, delay time.Duration) (string, error) {
	return q.enqueue(ctx, task, delay)
}

func (q *AsyncQueue) enqueue(ctx context.Context, task *Task, delay time.Duration) (string, error) {
	if !q.registry.Has(task.Type) {
		return "", ErrUnknownTask
	}
	opts := []asynq.Option{
		asynq.Queue(q.queue),
		asynq.MaxRetry(q.registry.Policy(task.Type).MaxRetries),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}

	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(task.Type, task.Payload), opts...)
	if err != nil {
		return "", err
	}
	logger.Debug().Str("task_id", info.ID).Str("type", task.Type).Str("queue", info.Queue).Msg("task enqueued")
	return info.ID, nil
}

func (q *AsyncQueue) IsAsync() bool { return true }

func (q *AsyncQueue) Close() error { return q.client.Close() }

type queuedTask struct {
	id      string
	task    *Task
	retried int
}

// InProcessQueue runs tasks on a bounded worker pool fed by a buffered
// channel. Enqueue never blocks: once the channel is full, tasks wait in an
// overflow list that workers move back into the channel as they take jobs,
// so fan-out tasks running on a worker can always queue their children.
// Retries wait on a timer, not on a worker. Tasks still queued at Close are
// dropped; their feedback stays new and the pending sweep picks it up again.
type InProcessQueue struct {
	registry *TaskRegistry
	jobs     chan *queuedTask

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once

	mu        sync.Mutex
	timers    map[*time.Timer]struct{}
	delayFunc func(policy RetryPolicy, retried int) time.Duration

	// overflow is guarded by mu. While it is non-empty the channel was full
	// at the last push, so a worker receive and refill is still to come.
	overflow []*queuedTask

	workers  sync.WaitGroup
	inflight atomic.Int64
}

func NewInProcessQueue(registry *TaskRegistry, concurrency, buffer int) *InProcessQueue {
	if concurrency <= 0 {
		concurrency = 1
	}
	if buffer <= 0 {
		buffer = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &InProcessQueue{
		registry:  registry,
		jobs:      make(chan *queuedTask, buffer),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		timers:    make(map[*time.Timer]struct{}),
		delayFunc: RetryPolicy.Delay,
	}
	for i := 0; i < concurrency; i++ {
		q.workers.Add(1)
		go q.work()
	}
	return q
}

// SetDelayFunc replaces the retry delay calculation. Tests use it to record
// delays without waiting on them.
func (q *InProcessQueue) SetDelayFunc(fn func(policy RetryPolicy, retried int) time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delayFunc = fn
}

func (q *InProcessQueue) Enqueue(ctx context.Context, task *Task) (string, error) {
	return q.EnqueueIn(ctx, task, 0)
}

func (q *InProcessQueue) EnqueueIn(ctx context.Context, task *Task, delay time.Duration) (string, error) {
	if !q.registry.Has(task.Type) {
		return "", ErrUnknownTask
	}
	qt := &queuedTask{id: uuid.NewString(), task: task}
	q.inflight.Add(1)
	var err error
	if delay > 0 {
		err = q.schedule(qt, delay)
	} else {
		err = q.push(ctx, qt)
	}
	if err != nil {
		q.inflight.Add(-1)
		return "", err
	}
	return qt.id, nil
}

func (q *InProcessQueue) push(ctx context.Context, qt *queuedTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed.Load() {
		return ErrQueueClosed
	}
	if len(q.overflow) == 0 {
		select {
		case q.jobs <- qt:
			return nil
		default:
		}
	}
	q.overflow = append(q.overflow, qt)
	return nil
}

// refill moves overflow tasks into the free channel slots, oldest first.
func (q *InProcessQueue) refill() {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
loop:
	for ; n < len(q.overflow); n++ {
		select {
		case q.jobs <- q.overflow[n]:
		default:
			break loop
		}
	}
	if n > 0 {
		clear(q.overflow[:n])
		q.overflow = q.overflow[n:]
	}
}

func (q *InProcessQueue) schedule(qt *queuedTask, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed.Load() {
		return ErrQueueClosed
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()
		if err := q.push(q.ctx, qt); err != nil {
			q.inflight.Add(-1)
			logger.Warn().Str("task_id", qt.id).Str("type", qt.task.Type).Err(err).Msg("delayed task dropped")
		}
	})
	q.timers[timer] = struct{}{}
	return nil
}

func (q *InProcessQueue) work() {
	defer q.workers.Done()
	for {
		select {
		case <-q.done:
			return
		case qt := <-q.jobs:
			q.refill()
			q.run(qt)
		}
	}
}

func (q *InProcessQueue) run(qt *queuedTask) {
	defer q.inflight.Add(-1)

	err := q.registry.Dispatch(q.ctx, qt.task)
	if err == nil {
		return
	}

	policy := q.registry.Policy(qt.task.Type)
	if policy.ShouldRetry(qt.retried, err) {
		q.mu.Lock()
		delay := q.delayFunc(policy, qt.retried)
		q.mu.Unlock()

		next := &queuedTask{id: qt.id, task: qt.task, retried: qt.retried + 1}
		q.inflight.Add(1)
		if serr := q.schedule(next, delay); serr != nil {
			q.inflight.Add(-1)
			logger.Warn().Str("task_id", qt.id).Err(serr).Msg("retry not scheduled")
			return
		}
		logger.Warn().
			Str("task_id", qt.id).
			Str("type", qt.task.Type).
			Int("retry", next.retried).
			Int("max_retries", policy.MaxRetries).
			Dur("delay", delay).
			Err(err).
			Msg("task failed, retry scheduled")
		return
	}

	if IsPermanent(err) {
		logger.Warn().Str("task_id", qt.id).Str("type", qt.task.Type).Err(err).Msg("task failed permanently")
		return
	}
	if policy.MaxRetries == 0 {
		logger.Error().Str("task_id", qt.id).Str("type", qt.task.Type).Err(err).Msg("task failed")
		return
	}
	logger.Error().Str("task_id", qt.id).Str("type", qt.task.Type).Int("retried", qt.retried).Err(err).Msg("task retries exhausted")
	q.registry.Exhausted(q.ctx, qt.task, err)
}

// Pending returns the number of queued, running or retry-waiting tasks.
func (q *InProcessQueue) Pending() int64 {
	return q.inflight.Load()
}

// Wait blocks until no task is queued, running or waiting for a retry.
func (q *InProcessQueue) Wait(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if q.inflight.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *InProcessQueue) IsAsync() bool { return false }

// Close stops retry timers, lets running tasks finish and waits for the workers.
func (q *InProcessQueue) Close() error {
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		q.mu.Lock()
		for t := range q.timers {
			t.Stop()
		}
		q.timers = make(map[*time.Timer]struct{})
		q.mu.Unlock()

		close(q.done)
		q.workers.Wait()
		q.cancel()

		q.mu.Lock()
		n := len(q.jobs) + len(q.overflow)
		q.overflow = nil
		q.mu.Unlock()
		if n > 0 {
			logger.Warn().Int("dropped", n).Msg("in-process queue closed with queued tasks")
		}
	})
	return nil
}
