package services

import (
	"context"
	"fmt"
	"time"

	"github.com/Ranganathan-J/efsilonquest/internal/models"
	"github.com/Ranganathan-J/efsilonquest/internal/repository"
	"github.com/Ranganathan-J/efsilonquest/pkg/logger"
	"github.com/rs/zerolog"
)

// SweepResult holds the counts of one sweep run.
type SweepResult struct {
	Selected  int   `json:"selected"`
	Submitted int   `json:"submitted"`
	Failed    int   `json:"failed"`
	Deleted   int64 `json:"deleted"`
}

type submitter interface {
	Submit(ctx context.Context, id uint) (string, error)
}

// Sweeper re-drives stuck or failed feedback and purges old processed items.
// It only enqueues work; annotating is left to the workers.
type Sweeper struct {
	repo      *repository.FeedbackRepository
	submitter submitter
	batchSize int
	now       func() time.Time
	log       zerolog.Logger
}

func NewSweeper(repo *repository.FeedbackRepository, s submitter, batchSize int) *Sweeper {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		repo:      repo,
		submitter: s,
		batchSize: batchSize,
		now:       time.Now,
		log:       logger.Component("sweeper"),
	}
}

// RunPendingSweep submits up to one batch of items still in status new.
func (s *Sweeper) RunPendingSweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	ids, err := s.repo.IDsByStatus(ctx, models.StatusNew, s.batchSize)
	if err != nil {
		s.log.Error().Str("sweep", "pending").Err(err).Msg("select pending feedback")
		return res, fmt.Errorf("select pending feedback: %w", err)
	}
	res.Selected = len(ids)
	s.submitAll(ctx, ids, &res)

	s.log.Info().
		Str("sweep", "pending").
		Int("selected", res.Selected).
		Int("submitted", res.Submitted).
		Int("failed", res.Failed).
		Msg("sweep finished")
	return res, nil
}

// ResetFailed moves every failed item back to new, clears its error and
// submits it again.
func (s *Sweeper) ResetFailed(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	ids, err := s.repo.ResetFailed(ctx)
	res.Selected = len(ids)
	s.submitAll(ctx, ids, &res)

	s.log.Info().
		Str("sweep", "reset_failed").
		Int("selected", res.Selected).
		Int("submitted", res.Submitted).
		Int("failed", res.Failed).
		Err(err).
		Msg("sweep finished")
	if err != nil {
		return res, fmt.Errorf("reset failed feedback: %w", err)
	}

	LogInfo("Pipeline", "ReprocessFailed",
		fmt.Sprintf("Reset %d failed feedback items, submitted %d", res.Selected, res.Submitted),
		nil, "", "", res)
	return res, nil
}

// RunPurgeSweep deletes processed items whose processed_at is strictly older
// than now minus retentionDays, with their annotations. A storage error
// aborts the run; the next scheduled run tries again.
func (s *Sweeper) RunPurgeSweep(ctx context.Context, retentionDays int) (SweepResult, error) {
	var res SweepResult
	if retentionDays <= 0 {
		return res, fmt.Errorf("%w: retention days must be positive, got %d", ErrInvalidPayload, retentionDays)
	}

	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays)
	deleted, err := s.repo.PurgeProcessedBefore(ctx, cutoff)
	if err != nil {
		s.log.Error().Str("sweep", "purge").Time("cutoff", cutoff).Err(err).Msg("purge aborted")
		LogError("Pipeline", "Purge", fmt.Sprintf("Purge aborted: %v", err), nil, "", "", nil)
		return res, fmt.Errorf("purge processed feedback: %w", err)
	}
	res.Deleted = deleted

	s.log.Info().
		Str("sweep", "purge").
		Time("cutoff", cutoff).
		Int64("deleted", deleted).
		Msg("sweep finished")
	LogInfo("Pipeline", "Purge",
		fmt.Sprintf("Purged %d processed feedback items older than %d days", deleted, retentionDays),
		nil, "", "", map[string]interface{}{"cutoff": cutoff, "deleted": deleted})
	return res, nil
}

func (s *Sweeper) submitAll(ctx context.Context, ids []uint, res *SweepResult) {
	for _, id := range ids {
		if _, err := s.submitter.Submit(ctx, id); err != nil {
			s.log.Warn().Uint("feedback_id", id).Err(err).Msg("submit failed")
			res.Failed++
			continue
		}
		res.Submitted++
	}
}
