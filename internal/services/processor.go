package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Ranganathan-J/efsilonquest/internal/annotator"
	"github.com/Ranganathan-J/efsilonquest/internal/models"
	"github.com/Ranganathan-J/efsilonquest/internal/repository"
	"github.com/Ranganathan-J/efsilonquest/pkg/logger"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

const maxErrorMessageLen = 1000

// Processor runs processing attempts and submits feedback for processing.
type Processor struct {
	repo      *repository.FeedbackRepository
	annotator annotator.Annotator
	queue     TaskQueue
	hub       *SSEHub
	timeout   time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

// NewProcessor builds a processor. The queue is attached later with UseQueue
// because the queue itself is built from the registry that calls Execute.
func NewProcessor(repo *repository.FeedbackRepository, ann annotator.Annotator, hub *SSEHub, annotateTimeout time.Duration) *Processor {
	return &Processor{
		repo:      repo,
		annotator: ann,
		hub:       hub,
		timeout:   annotateTimeout,
		now:       time.Now,
		log:       logger.Component("pipeline"),
	}
}

func (p *Processor) UseQueue(q TaskQueue) {
	p.queue = q
}

// Execute runs one processing attempt on feedback id.
//
// The per-id lock is held for the whole attempt. The processing status is
// committed before the annotator runs, and the annotation upsert commits in
// the same transaction as the processed status. A failure is persisted as
// failed with its message and returned so the queue can schedule a retry.
// An item that is already processed is left alone: a redelivered task ends
// as a no-op, and reprocessing goes through a reset to new first.
func (p *Processor) Execute(ctx context.Context, id uint) error {
	unlock, err := p.repo.LockID(ctx, id)
	if err != nil {
		return fmt.Errorf("lock feedback %d: %w", id, err)
	}
	defer unlock()

	var (
		from     models.FeedbackStatus
		text     string
		entityID uint
		attempt  int
		done     bool
	)
	err = p.repo.WithRowLock(ctx, id, func(tx *gorm.DB, fb *models.Feedback) error {
		if fb.Status == models.StatusProcessed {
			done = true
			return nil
		}
		if !models.CanTransition(fb.Status, models.StatusProcessing) {
			return fmt.Errorf("%w: feedback %d cannot move from %s to processing", ErrPermanent, id, fb.Status)
		}
		from, text, entityID, attempt = fb.Status, fb.Text, fb.EntityID, fb.RetryCount+1
		return repository.SetStatus(tx, fb, map[string]interface{}{
			"status": models.StatusProcessing,
		})
	})
	if errors.Is(err, repository.ErrNotFound) {
		p.log.Warn().Uint("feedback_id", id).Msg("feedback not found, task dropped")
		return fmt.Errorf("%w: %d", ErrFeedbackNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("mark feedback %d processing: %w", id, err)
	}
	if done {
		p.log.Debug().Uint("feedback_id", id).Msg("feedback already processed, task skipped")
		return nil
	}
	p.transition(id, entityID, from, models.StatusProcessing, attempt, nil)

	result, err := p.annotate(ctx, text)
	if err != nil {
		return p.fail(ctx, id, entityID, attempt, err)
	}

	processedAt := p.now().UTC()
	err = p.repo.WithRowLock(ctx, id, func(tx *gorm.DB, fb *models.Feedback) error {
		ann := &models.Annotation{
			FeedbackID:     id,
			Sentiment:      result.Label,
			Score:          result.Score,
			Topics:         result.Topics,
			Embedding:      result.Embedding,
			Summary:        result.Summary,
			KeyPhrases:     result.KeyPhrases,
			ProcessingTime: result.Duration.Seconds(),
			ModelVersion:   p.annotator.Name(),
		}
		if err := repository.UpsertAnnotation(tx, ann); err != nil {
			return fmt.Errorf("upsert annotation: %w", err)
		}
		return repository.SetStatus(tx, fb, map[string]interface{}{
			"status":        models.StatusProcessed,
			"processed_at":  processedAt,
			"error_message": "",
			"retry_count":   0,
		})
	})
	if errors.Is(err, repository.ErrNotFound) {
		p.log.Warn().Uint("feedback_id", id).Msg("feedback deleted during processing")
		return fmt.Errorf("%w: %d", ErrFeedbackNotFound, id)
	}
	if err != nil {
		return p.fail(ctx, id, entityID, attempt, err)
	}

	p.transition(id, entityID, models.StatusProcessing, models.StatusProcessed, attempt, &FeedbackEvent{
		Sentiment: result.Label,
		Score:     &result.Score,
	})
	return nil
}

func (p *Processor) annotate(ctx context.Context, text string) (*annotator.Result, error) {
	actx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := p.annotator.Annotate(actx, text)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, annotator.ErrInvalidResponse
	}
	if !models.ValidSentiment(result.Label) {
		return nil, fmt.Errorf("%w: label %q", annotator.ErrInvalidResponse, result.Label)
	}
	annotator.Normalize(result)
	if result.Duration == 0 {
		result.Duration = time.Since(start)
	}
	return result, nil
}

// fail persists the failed status and returns cause, classified for the queue.
func (p *Processor) fail(ctx context.Context, id, entityID uint, attempt int, cause error) error {
	msg := cause.Error()
	if msg == "" {
		msg = "unknown error"
	}
	if len(msg) > maxErrorMessageLen {
		msg = msg[:maxErrorMessageLen]
	}

	// The attempt context may already be cancelled; the failure must still land.
	wctx := context.WithoutCancel(ctx)
	err := p.repo.WithRowLock(wctx, id, func(tx *gorm.DB, fb *models.Feedback) error {
		return repository.SetStatus(tx, fb, map[string]interface{}{
			"status":        models.StatusFailed,
			"error_message": msg,
			"retry_count":   gorm.Expr("retry_count + 1"),
		})
	})
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %d", ErrFeedbackNotFound, id)
	}
	if err != nil {
		p.log.Error().Uint("feedback_id", id).Err(err).Msg("persist failed status")
	} else {
		p.transition(id, entityID, models.StatusProcessing, models.StatusFailed, attempt, &FeedbackEvent{Error: msg})
	}

	if errors.Is(cause, annotator.ErrEmptyText) {
		return fmt.Errorf("%w: feedback %d: %w", ErrPermanent, id, cause)
	}
	return fmt.Errorf("process feedback %d: %w", id, cause)
}

func (p *Processor) transition(id, entityID uint, from, to models.FeedbackStatus, attempt int, extra *FeedbackEvent) {
	ev := p.log.Info()
	if to == models.StatusFailed {
		ev = p.log.Warn()
	}
	ev.Uint("feedback_id", id).
		Str("from", string(from)).
		Str("to", string(to)).
		Int("attempt", attempt).
		Msg("feedback status changed")

	if p.hub == nil {
		return
	}
	event := FeedbackEvent{}
	if extra != nil {
		event = *extra
	}
	event.FeedbackID = id
	event.EntityID = entityID
	event.Status = string(to)
	event.Attempt = attempt
	event.At = p.now().UTC()
	p.hub.Publish(event)
}

// Submit enqueues one processing attempt. The owning entity must be active.
func (p *Processor) Submit(ctx context.Context, id uint) (string, error) {
	active, err := p.repo.EntityActive(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return "", fmt.Errorf("%w: %d", ErrFeedbackNotFound, id)
	}
	if err != nil {
		return "", err
	}
	if !active {
		return "", fmt.Errorf("feedback %d: %w", id, ErrEntityInactive)
	}

	task, err := NewTask(TaskTypeProcessFeedback, ProcessFeedbackPayload{FeedbackID: id})
	if err != nil {
		return "", err
	}
	if p.queue == nil {
		return "", ErrQueueClosed
	}
	taskID, err := p.queue.Enqueue(ctx, task)
	if err != nil {
		return "", fmt.Errorf("enqueue feedback %d: %w", id, err)
	}
	p.log.Debug().Uint("feedback_id", id).Str("task_id", taskID).Msg("feedback submitted")
	return taskID, nil
}

type BulkSubmitResult struct {
	Total     int    `json:"total"`
	Queued    int    `json:"queued"`
	Failed    int    `json:"failed"`
	FailedIDs []uint `json:"failed_ids,omitempty"`
}

// SubmitBulk submits each id and counts the outcomes. One failed id does not
// stop the rest.
func (p *Processor) SubmitBulk(ctx context.Context, ids []uint) BulkSubmitResult {
	res := BulkSubmitResult{Total: len(ids)}
	for _, id := range ids {
		if _, err := p.Submit(ctx, id); err != nil {
			p.log.Warn().Uint("feedback_id", id).Err(err).Msg("bulk submit failed")
			res.Failed++
			res.FailedIDs = append(res.FailedIDs, id)
			continue
		}
		res.Queued++
	}
	return res
}
