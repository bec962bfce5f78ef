package services

import (
	"errors"
	"fmt"

	"github.com/Ranganathan-J/efsilonquest/internal/models"
	"gorm.io/gorm"
)

// Actor is the authenticated caller of a service method.
type Actor struct {
	UserID uint
	Role   string
}

func (a Actor) IsAdmin() bool { return a.Role == models.RoleAdmin }

// CanWrite is false for viewers.
func (a Actor) CanWrite() bool { return a.Role == models.RoleAdmin || a.Role == models.RoleAnalyst }

type EntityService struct {
	db *gorm.DB
}

func NewEntityService(db *gorm.DB) *EntityService {
	return &EntityService{db: db}
}

type EntityListRequest struct {
	Page     int    `form:"page" binding:"omitempty,min=1"`
	PageSize int    `form:"page_size" binding:"omitempty,min=1,max=100"`
	Name     string `form:"name"`
	Industry string `form:"industry"`
	IsActive *bool  `form:"is_active"`
}

type EntityListResponse struct {
	Total    int64                   `json:"total"`
	Page     int                     `json:"page"`
	PageSize int                     `json:"page_size"`
	Items    []models.BusinessEntity `json:"items"`
}

type CreateEntityRequest struct {
	Name        string `json:"name" binding:"required,max=255"`
	Description string `json:"description"`
	Industry    string `json:"industry"`
	Website     string `json:"website" binding:"omitempty,url"`
	IsActive    *bool  `json:"is_active"`
}

type UpdateEntityRequest struct {
	Name        *string `json:"name" binding:"omitempty,max=255"`
	Description *string `json:"description"`
	Industry    *string `json:"industry"`
	Website     *string `json:"website" binding:"omitempty,url"`
	IsActive    *bool   `json:"is_active"`
}

// ownedBy limits an entity query to what actor may see.
func ownedBy(actor Actor) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if actor.IsAdmin() {
			return db
		}
		return db.Where("business_entities.owner_id = ?", actor.UserID)
	}
}

// AccessibleIDs returns the entity ids actor may read, or nil for all of them.
func (s *EntityService) AccessibleIDs(actor Actor) ([]uint, error) {
	if actor.IsAdmin() {
		return nil, nil
	}
	ids := []uint{}
	err := s.db.Model(&models.BusinessEntity{}).Scopes(ownedBy(actor)).Pluck("id", &ids).Error
	return ids, err
}

func (s *EntityService) List(actor Actor, req *EntityListRequest) (*EntityListResponse, error) {
	if req.Page == 0 {
		req.Page = 1
	}
	if req.PageSize == 0 {
		req.PageSize = 20
	}

	var entities []models.BusinessEntity
	var total int64

	query := s.db.Model(&models.BusinessEntity{}).Scopes(ownedBy(actor))
	if req.Name != "" {
		query = query.Where("name LIKE ?", "%"+req.Name+"%")
	}
	if req.Industry != "" {
		query = query.Where("industry = ?", req.Industry)
	}
	if req.IsActive != nil {
		query = query.Where("is_active = ?", *req.IsActive)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	offset := (req.Page - 1) * req.PageSize
	if err := query.Offset(offset).Limit(req.PageSize).Order("created_at DESC, id DESC").Find(&entities).Error; err != nil {
		return nil, err
	}

	return &EntityListResponse{
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
		Items:    entities,
	}, nil
}

// Get returns the entity if actor owns it or is an admin.
func (s *EntityService) Get(actor Actor, id uint) (*models.BusinessEntity, error) {
	var entity models.BusinessEntity
	if err := s.db.First(&entity, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntityNotFound
		}
		return nil, err
	}
	if !actor.IsAdmin() && entity.OwnerID != actor.UserID {
		return nil, ErrForbidden
	}
	return &entity, nil
}

func (s *EntityService) Create(actor Actor, req *CreateEntityRequest) (*models.BusinessEntity, error) {
	if !actor.CanWrite() {
		return nil, ErrForbidden
	}
	entity := models.BusinessEntity{
		Name:        req.Name,
		Description: req.Description,
		Industry:    req.Industry,
		Website:     req.Website,
		OwnerID:     actor.UserID,
		IsActive:    true,
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&entity).Error; err != nil {
			return err
		}
		// is_active has a column default, so false must be written explicitly.
		if req.IsActive != nil && !*req.IsActive {
			entity.IsActive = false
			return tx.Model(&entity).Update("is_active", false).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

func (s *EntityService) Update(actor Actor, id uint, req *UpdateEntityRequest) (*models.BusinessEntity, error) {
	if !actor.CanWrite() {
		return nil, ErrForbidden
	}
	entity, err := s.Get(actor, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}
	if req.Industry != nil {
		updates["industry"] = *req.Industry
	}
	if req.Website != nil {
		updates["website"] = *req.Website
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}
	if len(updates) > 0 {
		if err := s.db.Model(entity).Updates(updates).Error; err != nil {
			return nil, err
		}
	}
	return s.Get(actor, id)
}

// Delete removes the entity with its feedback and their annotations.
func (s *EntityService) Delete(actor Actor, id uint) error {
	if !actor.CanWrite() {
		return ErrForbidden
	}
	if _, err := s.Get(actor, id); err != nil {
		return err
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		feedbacks := tx.Model(&models.Feedback{}).Select("id").Where("entity_id = ?", id)
		if err := tx.Where("feedback_id IN (?)", feedbacks).Delete(&models.Annotation{}).Error; err != nil {
			return fmt.Errorf("delete annotations: %w", err)
		}
		if err := tx.Where("entity_id = ?", id).Delete(&models.Feedback{}).Error; err != nil {
			return fmt.Errorf("delete feedbacks: %w", err)
		}
		if err := tx.Where("entity_id = ?", id).Delete(&models.UploadBatch{}).Error; err != nil {
			return fmt.Errorf("delete upload batches: %w", err)
		}
		return tx.Delete(&models.BusinessEntity{}, id).Error
	})
}

type EntityStatistics struct {
	EntityID      uint                            `json:"entity_id"`
	TotalFeedback int64                           `json:"total_feedback"`
	ByStatus      map[models.FeedbackStatus]int64 `json:"by_status"`
	BySource      map[string]int64                `json:"by_source"`
	BySentiment   map[string]int64                `json:"by_sentiment"`
	AverageRating *float64                        `json:"average_rating"`
	AverageScore  *float64                        `json:"average_score"`
}

func (s *EntityService) Statistics(actor Actor, id uint) (*EntityStatistics, error) {
	if _, err := s.Get(actor, id); err != nil {
		return nil, err
	}

	stats := &EntityStatistics{
		EntityID: id,
		ByStatus: map[models.FeedbackStatus]int64{
			models.StatusNew:        0,
			models.StatusProcessing: 0,
			models.StatusProcessed:  0,
			models.StatusFailed:     0,
		},
		BySource: map[string]int64{},
		BySentiment: map[string]int64{
			models.SentimentPositive: 0,
			models.SentimentNeutral:  0,
			models.SentimentNegative: 0,
		},
	}

	type bucket struct {
		Name  string
		Total int64
	}
	var rows []bucket

	if err := s.db.Model(&models.Feedback{}).Select("status AS name, COUNT(*) AS total").
		Where("entity_id = ?", id).Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		stats.ByStatus[models.FeedbackStatus(r.Name)] = r.Total
		stats.TotalFeedback += r.Total
	}

	rows = nil
	if err := s.db.Model(&models.Feedback{}).Select("source AS name, COUNT(*) AS total").
		Where("entity_id = ?", id).Group("source").Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		stats.BySource[r.Name] = r.Total
	}

	rows = nil
	if err := s.db.Model(&models.Annotation{}).Select("annotations.sentiment AS name, COUNT(*) AS total").
		Joins("JOIN feedbacks ON feedbacks.id = annotations.feedback_id").
		Where("feedbacks.entity_id = ?", id).Group("annotations.sentiment").Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		stats.BySentiment[r.Name] = r.Total
	}

	var avg struct {
		Rating *float64
	}
	if err := s.db.Model(&models.Feedback{}).Select("AVG(rating) AS rating").
		Where("entity_id = ? AND rating IS NOT NULL", id).Scan(&avg).Error; err != nil {
		return nil, err
	}
	stats.AverageRating = avg.Rating

	var score struct {
		Score *float64
	}
	if err := s.db.Model(&models.Annotation{}).Select("AVG(annotations.score) AS score").
		Joins("JOIN feedbacks ON feedbacks.id = annotations.feedback_id").
		Where("feedbacks.entity_id = ?", id).Scan(&score).Error; err != nil {
		return nil, err
	}
	stats.AverageScore = score.Score

	return stats, nil
}
