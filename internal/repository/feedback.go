package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Ranganathan-J/efsilonquest/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("record not found")

// FeedbackRepository is the storage contract of the processing pipeline.
// Every status write holds the per-id mutex and a SELECT ... FOR UPDATE row
// lock until its transaction ends.
type FeedbackRepository struct {
	db    *gorm.DB
	locks *KeyedMutex
}

func NewFeedbackRepository(db *gorm.DB) *FeedbackRepository {
	return &FeedbackRepository{db: db, locks: NewKeyedMutex()}
}

func (r *FeedbackRepository) DB() *gorm.DB {
	return r.db
}

// LockID takes the in-process lock on feedback id and returns its release.
// The pipeline holds it for a whole attempt, across several transactions.
func (r *FeedbackRepository) LockID(ctx context.Context, id uint) (func(), error) {
	return r.locks.Lock(ctx, id)
}

// WithRowLock runs fn in a transaction holding SELECT ... FOR UPDATE on
// feedback id. The caller must already hold LockID(id).
// ErrNotFound is returned when the row does not exist; fn is not called then.
func (r *FeedbackRepository) WithRowLock(ctx context.Context, id uint, fn func(tx *gorm.DB, fb *models.Feedback) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var fb models.Feedback
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&fb, id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("feedback %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return fn(tx, &fb)
	})
}

// WithLock is LockID followed by WithRowLock.
func (r *FeedbackRepository) WithLock(ctx context.Context, id uint, fn func(tx *gorm.DB, fb *models.Feedback) error) error {
	unlock, err := r.LockID(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	return r.WithRowLock(ctx, id, fn)
}

func (r *FeedbackRepository) Get(ctx context.Context, id uint) (*models.Feedback, error) {
	var fb models.Feedback
	err := r.db.WithContext(ctx).First(&fb, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("feedback %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &fb, nil
}

// GetWithEntity loads a feedback item together with its owning entity.
func (r *FeedbackRepository) GetWithEntity(ctx context.Context, id uint) (*models.Feedback, error) {
	var fb models.Feedback
	err := r.db.WithContext(ctx).Preload("Entity").First(&fb, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("feedback %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &fb, nil
}

// SetStatus writes status fields inside a locked transaction.
func SetStatus(tx *gorm.DB, fb *models.Feedback, updates map[string]interface{}) error {
	if err := tx.Model(fb).Updates(updates).Error; err != nil {
		return fmt.Errorf("update feedback %d: %w", fb.ID, err)
	}
	return nil
}

// UpsertAnnotation creates the annotation of ann.FeedbackID or replaces the
// fields of the existing one, keeping its id and creation time.
func UpsertAnnotation(tx *gorm.DB, ann *models.Annotation) error {
	var existing models.Annotation
	err := tx.Where("feedback_id = ?", ann.FeedbackID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return tx.Create(ann).Error
	case err != nil:
		return err
	}
	ann.ID = existing.ID
	ann.CreatedAt = existing.CreatedAt
	return tx.Save(ann).Error
}

// IDsByStatus returns up to limit ids in the given status, oldest first.
// limit <= 0 returns all of them.
func (r *FeedbackRepository) IDsByStatus(ctx context.Context, status models.FeedbackStatus, limit int) ([]uint, error) {
	q := r.db.WithContext(ctx).Model(&models.Feedback{}).
		Where("status = ?", status).
		Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var ids []uint
	if err := q.Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// ResetFailed moves every failed item back to new and clears its error.
// Each reset holds the row lock; items that left the failed state meanwhile are skipped.
func (r *FeedbackRepository) ResetFailed(ctx context.Context) ([]uint, error) {
	ids, err := r.IDsByStatus(ctx, models.StatusFailed, 0)
	if err != nil {
		return nil, err
	}
	reset := make([]uint, 0, len(ids))
	for _, id := range ids {
		err := r.WithLock(ctx, id, func(tx *gorm.DB, fb *models.Feedback) error {
			if fb.Status != models.StatusFailed {
				return errSkip
			}
			return SetStatus(tx, fb, map[string]interface{}{
				"status":        models.StatusNew,
				"error_message": "",
				"retry_count":   0,
			})
		})
		switch {
		case err == nil:
			reset = append(reset, id)
		case errors.Is(err, errSkip), errors.Is(err, ErrNotFound):
		default:
			return reset, err
		}
	}
	return reset, nil
}

var errSkip = errors.New("skip")

// PurgeProcessedBefore deletes processed items whose processed_at is strictly
// before cutoff, together with their annotations. It returns the number of
// feedback rows deleted.
func (r *FeedbackRepository) PurgeProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		expired := tx.Model(&models.Feedback{}).
			Select("id").
			Where("status = ? AND processed_at < ?", models.StatusProcessed, cutoff)

		if err := tx.Where("feedback_id IN (?)", expired).Delete(&models.Annotation{}).Error; err != nil {
			return fmt.Errorf("delete annotations: %w", err)
		}
		res := tx.Where("status = ? AND processed_at < ?", models.StatusProcessed, cutoff).Delete(&models.Feedback{})
		if res.Error != nil {
			return fmt.Errorf("delete feedbacks: %w", res.Error)
		}
		deleted = res.RowsAffected
		return nil
	})
	return deleted, err
}

// CountByStatus returns the number of feedback items per status.
func (r *FeedbackRepository) CountByStatus(ctx context.Context, entityIDs []uint) (map[models.FeedbackStatus]int64, error) {
	type row struct {
		Status models.FeedbackStatus
		Count  int64
	}
	var rows []row
	q := r.db.WithContext(ctx).Model(&models.Feedback{}).Select("status, COUNT(*) AS count")
	if entityIDs != nil {
		q = q.Where("entity_id IN ?", entityIDs)
	}
	if err := q.Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := map[models.FeedbackStatus]int64{
		models.StatusNew:        0,
		models.StatusProcessing: 0,
		models.StatusProcessed:  0,
		models.StatusFailed:     0,
	}
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// EntityActive reports whether the entity owning feedback id is active.
func (r *FeedbackRepository) EntityActive(ctx context.Context, feedbackID uint) (bool, error) {
	fb, err := r.GetWithEntity(ctx, feedbackID)
	if err != nil {
		return false, err
	}
	if fb.Entity == nil {
		return false, nil
	}
	return fb.Entity.IsActive, nil
}
