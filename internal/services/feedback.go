package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Ranganathan-J/efsilonquest/internal/models"
	"github.com/Ranganathan-J/efsilonquest/internal/repository"
	"github.com/Ranganathan-J/efsilonquest/pkg/logger"
	"gorm.io/gorm"
)

const maxBulkItems = 1000

// FeedbackInput is one feedback item as submitted through the API, a bulk
// request or an upload row.
type FeedbackInput struct {
	Text          string     `json:"text" binding:"required"`
	Source        string     `json:"source"`
	ProductName   string     `json:"product_name" binding:"max=255"`
	CustomerName  string     `json:"customer_name" binding:"max=255"`
	CustomerEmail string     `json:"customer_email" binding:"omitempty,email,max=255"`
	Rating        *int       `json:"rating" binding:"omitempty,min=1,max=5"`
	ExternalID    string     `json:"external_id" binding:"max=255"`
	FeedbackDate  *time.Time `json:"feedback_date"`
}

// normalize trims the input, defaults the source and checks the fields the
// binding tags cannot reach on non-HTTP paths.
func (in *FeedbackInput) normalize(defaultSource models.FeedbackSource) error {
	in.Text = strings.TrimSpace(in.Text)
	if in.Text == "" {
		return fmt.Errorf("%w: text is required", ErrInvalidInput)
	}
	in.Source = strings.ToLower(strings.TrimSpace(in.Source))
	if in.Source == "" {
		in.Source = string(defaultSource)
	}
	if !models.FeedbackSource(in.Source).Valid() {
		return fmt.Errorf("%w: unknown source %q", ErrInvalidInput, in.Source)
	}
	if in.Rating != nil && (*in.Rating < 1 || *in.Rating > 5) {
		return fmt.Errorf("%w: rating must be between 1 and 5", ErrInvalidInput)
	}
	return nil
}

func (in *FeedbackInput) model(entityID uint) *models.Feedback {
	return &models.Feedback{
		EntityID:      entityID,
		Text:          in.Text,
		Source:        models.FeedbackSource(in.Source),
		ProductName:   in.ProductName,
		CustomerName:  in.CustomerName,
		CustomerEmail: in.CustomerEmail,
		Rating:        in.Rating,
		ExternalID:    in.ExternalID,
		FeedbackDate:  in.FeedbackDate,
		Status:        models.StatusNew,
	}
}

type CreateFeedbackRequest struct {
	EntityID uint `json:"entity_id" binding:"required"`
	FeedbackInput
}

type BulkFeedbackRequest struct {
	EntityID uint            `json:"entity_id" binding:"required"`
	Items    []FeedbackInput `json:"items" binding:"required,min=1,dive"`
}

type BulkFeedbackResult struct {
	Created int      `json:"created"`
	Failed  int      `json:"failed"`
	IDs     []uint   `json:"ids"`
	Errors  []string `json:"errors,omitempty"`
	TaskID  string   `json:"task_id,omitempty"`
}

type UpdateFeedbackRequest struct {
	Source        *string `json:"source"`
	ProductName   *string `json:"product_name" binding:"omitempty,max=255"`
	CustomerName  *string `json:"customer_name" binding:"omitempty,max=255"`
	CustomerEmail *string `json:"customer_email" binding:"omitempty,email"`
	Rating        *int    `json:"rating" binding:"omitempty,min=1,max=5"`
}

type FeedbackListRequest struct {
	Page      int    `form:"page" binding:"omitempty,min=1"`
	PageSize  int    `form:"page_size" binding:"omitempty,min=1,max=100"`
	EntityID  uint   `form:"entity_id"`
	Status    string `form:"status"`
	Source    string `form:"source"`
	MinRating int    `form:"min_rating" binding:"omitempty,min=1,max=5"`
	Search    string `form:"search"`
}

// FeedbackListItem is the list view of a feedback item.
type FeedbackListItem struct {
	ID           uint                  `json:"id"`
	EntityID     uint                  `json:"entity_id"`
	EntityName   string                `json:"entity_name"`
	TextPreview  string                `json:"text_preview"`
	Source       models.FeedbackSource `json:"source"`
	ProductName  string                `json:"product_name"`
	CustomerName string                `json:"customer_name"`
	Rating       *int                  `json:"rating"`
	Status       models.FeedbackStatus `json:"status"`
	Sentiment    string                `json:"sentiment,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	ProcessedAt  *time.Time            `json:"processed_at"`
}

type FeedbackListResponse struct {
	Total    int64              `json:"total"`
	Page     int                `json:"page"`
	PageSize int                `json:"page_size"`
	Items    []FeedbackListItem `json:"items"`
}

type FeedbackStatistics struct {
	Total       int64                           `json:"total"`
	ByStatus    map[models.FeedbackStatus]int64 `json:"by_status"`
	BySource    map[string]int64                `json:"by_source"`
	AvgRating   *float64                        `json:"average_rating"`
	LastCreated *time.Time                      `json:"last_created_at"`
}

// FeedbackService is the CRUD and submission surface over feedback items.
type FeedbackService struct {
	db       *gorm.DB
	repo     *repository.FeedbackRepository
	entities *EntityService
	pipeline *Pipeline
}

func NewFeedbackService(db *gorm.DB, entities *EntityService, p *Pipeline) *FeedbackService {
	return &FeedbackService{db: db, repo: p.Repo, entities: entities, pipeline: p}
}

// writableEntity returns the entity if actor may add feedback to it.
func (s *FeedbackService) writableEntity(actor Actor, entityID uint) (*models.BusinessEntity, error) {
	if !actor.CanWrite() {
		return nil, ErrForbidden
	}
	entity, err := s.entities.Get(actor, entityID)
	if err != nil {
		return nil, err
	}
	if !entity.IsActive {
		return nil, ErrEntityInactive
	}
	return entity, nil
}

// Create stores one item as new and submits it. A failed submit leaves the
// item new for the pending sweep.
func (s *FeedbackService) Create(ctx context.Context, actor Actor, req *CreateFeedbackRequest) (*models.Feedback, string, error) {
	if _, err := s.writableEntity(actor, req.EntityID); err != nil {
		return nil, "", err
	}
	if err := req.FeedbackInput.normalize(models.SourceAPI); err != nil {
		return nil, "", err
	}

	fb := req.FeedbackInput.model(req.EntityID)
	if err := s.db.WithContext(ctx).Create(fb).Error; err != nil {
		return nil, "", err
	}

	taskID, err := s.pipeline.Processor.Submit(ctx, fb.ID)
	if err != nil {
		logger.Warn().Uint("feedback_id", fb.ID).Err(err).Msg("submit after create failed, left for pending sweep")
	}
	return fb, taskID, nil
}

// CreateBulk stores the valid items in one transaction and queues a single
// fan-out task for them. Invalid items are reported by index.
func (s *FeedbackService) CreateBulk(ctx context.Context, actor Actor, req *BulkFeedbackRequest) (*BulkFeedbackResult, error) {
	if _, err := s.writableEntity(actor, req.EntityID); err != nil {
		return nil, err
	}
	if len(req.Items) > maxBulkItems {
		return nil, fmt.Errorf("%w: at most %d items per request", ErrInvalidInput, maxBulkItems)
	}

	res := &BulkFeedbackResult{IDs: []uint{}}
	rows := make([]*models.Feedback, 0, len(req.Items))
	for i := range req.Items {
		if err := req.Items[i].normalize(models.SourceAPI); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("item %d: %v", i, err))
			continue
		}
		rows = append(rows, req.Items[i].model(req.EntityID))
	}
	if len(rows) == 0 {
		return res, nil
	}

	if err := s.db.WithContext(ctx).CreateInBatches(rows, 100).Error; err != nil {
		return nil, err
	}
	for _, fb := range rows {
		res.IDs = append(res.IDs, fb.ID)
	}
	res.Created = len(rows)

	taskID, err := s.pipeline.EnqueueBulk(ctx, res.IDs)
	if err != nil {
		logger.Warn().Int("count", len(res.IDs)).Err(err).Msg("bulk enqueue failed, left for pending sweep")
	}
	res.TaskID = taskID
	return res, nil
}

func (s *FeedbackService) List(actor Actor, req *FeedbackListRequest) (*FeedbackListResponse, error) {
	if req.Page == 0 {
		req.Page = 1
	}
	if req.PageSize == 0 {
		req.PageSize = 20
	}

	query := s.db.Model(&models.Feedback{}).
		Joins("JOIN business_entities ON business_entities.id = feedbacks.entity_id").
		Scopes(ownedBy(actor))
	if req.EntityID != 0 {
		query = query.Where("feedbacks.entity_id = ?", req.EntityID)
	}
	if req.Status != "" {
		if !models.FeedbackStatus(req.Status).Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, req.Status)
		}
		query = query.Where("feedbacks.status = ?", req.Status)
	}
	if req.Source != "" {
		query = query.Where("feedbacks.source = ?", req.Source)
	}
	if req.MinRating > 0 {
		query = query.Where("feedbacks.rating >= ?", req.MinRating)
	}
	if req.Search != "" {
		like := "%" + req.Search + "%"
		query = query.Where("feedbacks.text LIKE ? OR feedbacks.product_name LIKE ? OR feedbacks.customer_name LIKE ?", like, like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	var feedbacks []models.Feedback
	offset := (req.Page - 1) * req.PageSize
	if err := query.Preload("Entity").Preload("Annotation").
		Offset(offset).Limit(req.PageSize).
		Order("feedbacks.created_at DESC, feedbacks.id DESC").
		Find(&feedbacks).Error; err != nil {
		return nil, err
	}

	items := make([]FeedbackListItem, 0, len(feedbacks))
	for i := range feedbacks {
		items = append(items, listItem(&feedbacks[i]))
	}
	return &FeedbackListResponse{Total: total, Page: req.Page, PageSize: req.PageSize, Items: items}, nil
}

func listItem(fb *models.Feedback) FeedbackListItem {
	item := FeedbackListItem{
		ID:           fb.ID,
		EntityID:     fb.EntityID,
		TextPreview:  textPreview(fb.Text),
		Source:       fb.Source,
		ProductName:  fb.ProductName,
		CustomerName: fb.CustomerName,
		Rating:       fb.Rating,
		Status:       fb.Status,
		CreatedAt:    fb.CreatedAt,
		ProcessedAt:  fb.ProcessedAt,
	}
	if fb.Entity != nil {
		item.EntityName = fb.Entity.Name
	}
	if fb.Annotation != nil {
		item.Sentiment = fb.Annotation.Sentiment
	}
	return item
}

const previewLen = 80

func textPreview(text string) string {
	r := []rune(text)
	if len(r) <= previewLen {
		return text
	}
	return string(r[:previewLen]) + "..."
}

// Get loads one item with its entity and annotation.
func (s *FeedbackService) Get(ctx context.Context, actor Actor, id uint) (*models.Feedback, error) {
	var fb models.Feedback
	err := s.db.WithContext(ctx).Preload("Entity").Preload("Annotation").First(&fb, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrFeedbackNotFound
	}
	if err != nil {
		return nil, err
	}
	if fb.Entity == nil || (!actor.IsAdmin() && fb.Entity.OwnerID != actor.UserID) {
		return nil, ErrForbidden
	}
	return &fb, nil
}

// Update edits the descriptive fields. Text and status are owned by the pipeline.
func (s *FeedbackService) Update(ctx context.Context, actor Actor, id uint, req *UpdateFeedbackRequest) (*models.Feedback, error) {
	if !actor.CanWrite() {
		return nil, ErrForbidden
	}
	fb, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if req.Source != nil {
		if !models.FeedbackSource(*req.Source).Valid() {
			return nil, fmt.Errorf("%w: unknown source %q", ErrInvalidInput, *req.Source)
		}
		updates["source"] = *req.Source
	}
	if req.ProductName != nil {
		updates["product_name"] = *req.ProductName
	}
	if req.CustomerName != nil {
		updates["customer_name"] = *req.CustomerName
	}
	if req.CustomerEmail != nil {
		updates["customer_email"] = *req.CustomerEmail
	}
	if req.Rating != nil {
		updates["rating"] = *req.Rating
	}
	if len(updates) > 0 {
		if err := s.db.WithContext(ctx).Model(&models.Feedback{ID: fb.ID}).Updates(updates).Error; err != nil {
			return nil, err
		}
	}
	return s.Get(ctx, actor, id)
}

// Delete removes the item and its annotation under the item lock, so it
// cannot interleave with a running attempt.
func (s *FeedbackService) Delete(ctx context.Context, actor Actor, id uint) error {
	if !actor.CanWrite() {
		return ErrForbidden
	}
	if _, err := s.Get(ctx, actor, id); err != nil {
		return err
	}
	err := s.repo.WithLock(ctx, id, func(tx *gorm.DB, fb *models.Feedback) error {
		if err := tx.Where("feedback_id = ?", fb.ID).Delete(&models.Annotation{}).Error; err != nil {
			return err
		}
		return tx.Delete(fb).Error
	})
	if errors.Is(err, repository.ErrNotFound) {
		return ErrFeedbackNotFound
	}
	return err
}

// Reprocess moves a failed or processed item back to new and submits it.
// A new item is only resubmitted; a processing one is rejected.
func (s *FeedbackService) Reprocess(ctx context.Context, actor Actor, id uint) (string, error) {
	if !actor.CanWrite() {
		return "", ErrForbidden
	}
	if _, err := s.Get(ctx, actor, id); err != nil {
		return "", err
	}
	err := s.repo.WithLock(ctx, id, func(tx *gorm.DB, fb *models.Feedback) error {
		switch {
		case fb.Status == models.StatusNew:
			return nil
		case !models.CanTransition(fb.Status, models.StatusNew):
			return fmt.Errorf("%w: feedback %d is %s", ErrInvalidState, id, fb.Status)
		}
		return repository.SetStatus(tx, fb, map[string]interface{}{
			"status":        models.StatusNew,
			"error_message": "",
			"retry_count":   0,
		})
	})
	if errors.Is(err, repository.ErrNotFound) {
		return "", ErrFeedbackNotFound
	}
	if err != nil {
		return "", err
	}
	return s.pipeline.Processor.Submit(ctx, id)
}

// Statistics counts the items actor can see, optionally for one entity.
func (s *FeedbackService) Statistics(ctx context.Context, actor Actor, entityID uint) (*FeedbackStatistics, error) {
	var scope []uint
	if entityID != 0 {
		if _, err := s.entities.Get(actor, entityID); err != nil {
			return nil, err
		}
		scope = []uint{entityID}
	} else {
		ids, err := s.entities.AccessibleIDs(actor)
		if err != nil {
			return nil, err
		}
		scope = ids
	}

	byStatus, err := s.repo.CountByStatus(ctx, scope)
	if err != nil {
		return nil, err
	}
	stats := &FeedbackStatistics{ByStatus: byStatus, BySource: map[string]int64{}}
	for _, n := range byStatus {
		stats.Total += n
	}

	base := func() *gorm.DB {
		q := s.db.WithContext(ctx).Model(&models.Feedback{})
		if scope != nil {
			q = q.Where("entity_id IN ?", scope)
		}
		return q
	}

	var sources []struct {
		Source string
		Total  int64
	}
	if err := base().Select("source, COUNT(*) AS total").Group("source").Scan(&sources).Error; err != nil {
		return nil, err
	}
	for _, r := range sources {
		stats.BySource[r.Source] = r.Total
	}

	var agg struct {
		Rating *float64
	}
	if err := base().Select("AVG(rating) AS rating").Where("rating IS NOT NULL").Scan(&agg).Error; err != nil {
		return nil, err
	}
	stats.AvgRating = agg.Rating

	var last models.Feedback
	err = base().Order("created_at DESC").Limit(1).Take(&last).Error
	switch {
	case err == nil:
		stats.LastCreated = &last.CreatedAt
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}
	return stats, nil
}
