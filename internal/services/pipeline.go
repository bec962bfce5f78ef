package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Ranganathan-J/efsilonquest/internal/annotator"
	"github.com/Ranganathan-J/efsilonquest/internal/config"
	"github.com/Ranganathan-J/efsilonquest/internal/repository"
	"github.com/Ranganathan-J/efsilonquest/pkg/logger"
	"gorm.io/gorm"
)

// Pipeline wires the processor, sweeper, task registry and queue together.
type Pipeline struct {
	Repo      *repository.FeedbackRepository
	Processor *Processor
	Sweeper   *Sweeper
	Registry  *TaskRegistry
	Queue     TaskQueue
	Hub       *SSEHub

	retentionDays int
	alerter       Alerter
}

// NewPipeline builds the pipeline. The queue is Redis-backed when
// cfg.Redis.Enabled and Redis answers, in-process otherwise.
func NewPipeline(cfg *config.Config, db *gorm.DB, ann annotator.Annotator, hub *SSEHub) *Pipeline {
	repo := repository.NewFeedbackRepository(db)
	proc := NewProcessor(repo, ann, hub, cfg.Pipeline.AnnotateTimeout)
	p := &Pipeline{
		Repo:          repo,
		Processor:     proc,
		Sweeper:       NewSweeper(repo, proc, cfg.Pipeline.PendingBatchSize),
		Registry:      NewTaskRegistry(),
		Hub:           hub,
		retentionDays: cfg.Pipeline.RetentionDays,
	}
	p.RegisterTasks(RetryPolicy{
		MaxRetries: cfg.Pipeline.MaxRetries,
		BaseDelay:  cfg.Pipeline.RetryBaseDelay,
	})
	p.Queue = InitTaskQueue(cfg, p.Registry)
	proc.UseQueue(p.Queue)
	return p
}

// RegisterTasks fills the registry. Only processing attempts are retried;
// sweeps and fan-out run again on their next trigger.
func (p *Pipeline) RegisterTasks(processPolicy RetryPolicy) {
	p.Registry.Register(TaskTypeProcessFeedback, func(ctx context.Context, data []byte) error {
		payload, err := DecodePayload[ProcessFeedbackPayload](data)
		if err != nil {
			return err
		}
		return p.Processor.Execute(ctx, payload.FeedbackID)
	}, processPolicy)

	p.Registry.Register(TaskTypeProcessBulk, func(ctx context.Context, data []byte) error {
		payload, err := DecodePayload[ProcessBulkPayload](data)
		if err != nil {
			return err
		}
		res := p.Processor.SubmitBulk(ctx, payload.FeedbackIDs)
		logger.Info().Int("total", res.Total).Int("queued", res.Queued).Int("failed", res.Failed).Msg("bulk submit finished")
		return nil
	}, NoRetry)

	p.Registry.Register(TaskTypeReprocessFailed, func(ctx context.Context, data []byte) error {
		if _, err := DecodePayload[EmptyPayload](data); err != nil {
			return err
		}
		_, err := p.Sweeper.ResetFailed(ctx)
		return err
	}, NoRetry)

	p.Registry.Register(TaskTypeSweepPending, func(ctx context.Context, data []byte) error {
		if _, err := DecodePayload[EmptyPayload](data); err != nil {
			return err
		}
		_, err := p.Sweeper.RunPendingSweep(ctx)
		return err
	}, NoRetry)

	p.Registry.Register(TaskTypePurgeProcessed, func(ctx context.Context, data []byte) error {
		payload, err := DecodePayload[PurgePayload](data)
		if err != nil {
			return err
		}
		_, err = p.Sweeper.RunPurgeSweep(ctx, payload.RetentionDays)
		return err
	}, NoRetry)

	p.Registry.OnExhausted(func(ctx context.Context, task *Task, err error) {
		if task.Type != TaskTypeProcessFeedback {
			return
		}
		var payload ProcessFeedbackPayload
		if jerr := json.Unmarshal(task.Payload, &payload); jerr != nil {
			return
		}
		msg := fmt.Sprintf("Feedback %d failed after %d retries: %v", payload.FeedbackID, processPolicy.MaxRetries, err)
		LogFeedbackEvent(LevelError, "RetriesExhausted", msg,
			payload.FeedbackID, map[string]interface{}{"max_retries": processPolicy.MaxRetries})
		sendAlert(ctx, p.alerter, "Feedback processing retries exhausted", msg)
	})
}

// SetAlerter routes retries-exhausted failures to a.
func (p *Pipeline) SetAlerter(a Alerter) {
	p.alerter = a
}

// EnqueueReprocessFailed queues the reset-and-resubmit of every failed item
// and returns the task id.
func (p *Pipeline) EnqueueReprocessFailed(ctx context.Context) (string, error) {
	task, err := NewTask(TaskTypeReprocessFailed, EmptyPayload{})
	if err != nil {
		return "", err
	}
	return p.Queue.Enqueue(ctx, task)
}

// EnqueueBulk queues the fan-out of ids into one processing task each.
func (p *Pipeline) EnqueueBulk(ctx context.Context, ids []uint) (string, error) {
	task, err := NewTask(TaskTypeProcessBulk, ProcessBulkPayload{FeedbackIDs: ids})
	if err != nil {
		return "", err
	}
	return p.Queue.Enqueue(ctx, task)
}

// EnqueuePurge queues the purge of processed items older than the
// configured retention window.
func (p *Pipeline) EnqueuePurge(ctx context.Context) (string, error) {
	task, err := NewTask(TaskTypePurgeProcessed, PurgePayload{RetentionDays: p.retentionDays})
	if err != nil {
		return "", err
	}
	return p.Queue.Enqueue(ctx, task)
}

// Pending reports queued work when the queue is in-process, -1 otherwise.
func (p *Pipeline) Pending() int64 {
	if q, ok := p.Queue.(*InProcessQueue); ok {
		return q.Pending()
	}
	return -1
}

func (p *Pipeline) Close() error {
	return p.Queue.Close()
}
