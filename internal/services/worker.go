package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Ranganathan-J/efsilonquest/internal/config"
	"github.com/Ranganathan-J/efsilonquest/pkg/logger"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// Worker consumes tasks from Redis and runs them through the registry.
// Retry delays and limits come from each task type's RetryPolicy.
type Worker struct {
	server   *asynq.Server
	mux      *asynq.ServeMux
	registry *TaskRegistry
	running  bool
	mu       sync.Mutex
}

// NewWorker returns nil when Redis is disabled; the in-process queue runs
// tasks itself then.
func NewWorker(cfg *config.Config, registry *TaskRegistry) *Worker {
	if !cfg.Redis.Enabled {
		return nil
	}

	queue := cfg.Worker.Queue
	if queue == "" {
		queue = "default"
	}

	w := &Worker{
		mux:      asynq.NewServeMux(),
		registry: registry,
	}
	w.server = asynq.NewServer(
		redisOpt(&cfg.Redis),
		asynq.Config{
			Concurrency: cfg.Worker.Concurrency,
			Queues: map[string]int{
				queue: 1,
			},
			RetryDelayFunc: w.retryDelay,
			ErrorHandler:   asynq.ErrorHandlerFunc(w.handleError),
			Logger:         asynqLogger{log: logger.Component("asynq")},
		},
	)
	return w
}

func (w *Worker) retryDelay(n int, _ error, t *asynq.Task) time.Duration {
	// asynq counts retries from 1.
	return w.registry.Policy(t.Type()).Delay(n - 1)
}

func (w *Worker) handleError(ctx context.Context, t *asynq.Task, err error) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)

	if IsPermanent(err) {
		logger.Warn().Str("type", t.Type()).Err(err).Msg("task failed permanently")
		return
	}
	if maxRetry == 0 {
		logger.Error().Str("type", t.Type()).Err(err).Msg("task failed")
		return
	}
	if retried < maxRetry {
		logger.Warn().Str("type", t.Type()).Int("retry", retried+1).Int("max_retries", maxRetry).Err(err).Msg("task failed, retry scheduled")
		return
	}
	logger.Error().Str("type", t.Type()).Int("retried", retried).Err(err).Msg("task retries exhausted")
	w.registry.Exhausted(ctx, &Task{Type: t.Type(), Payload: t.Payload()}, err)
}

// Start registers every task type and begins consuming.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	for _, taskType := range w.registry.Types() {
		w.mux.HandleFunc(taskType, w.handle)
	}

	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	w.running = true
	logger.Info().Strs("types", w.registry.Types()).Msg("async worker started")
	return nil
}

// Stop waits for running tasks and shuts the server down.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	logger.Info().Msg("async worker shutting down")
	w.server.Shutdown()
	w.running = false
	logger.Info().Msg("async worker stopped")
}

func (w *Worker) handle(ctx context.Context, t *asynq.Task) error {
	err := w.registry.Dispatch(ctx, &Task{Type: t.Type(), Payload: t.Payload()})
	if err != nil && IsPermanent(err) {
		return fmt.Errorf("%w: %w", asynq.SkipRetry, err)
	}
	return err
}

// asynqLogger routes asynq's own messages through zerolog.
type asynqLogger struct {
	log zerolog.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.log.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.log.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.log.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.log.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.log.Fatal().Msg(fmt.Sprint(args...)) }
