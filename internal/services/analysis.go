package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Ranganathan-J/efsilonquest/internal/cache"
	"github.com/Ranganathan-J/efsilonquest/internal/models"
	"github.com/Ranganathan-J/efsilonquest/pkg/logger"
	"gorm.io/gorm"
)

const dateLayout = "2006-01-02"

type AnnotationListRequest struct {
	Page      int      `form:"page" binding:"omitempty,min=1"`
	PageSize  int      `form:"page_size" binding:"omitempty,min=1,max=100"`
	EntityID  uint     `form:"entity_id"`
	Sentiment string   `form:"sentiment"`
	MinScore  *float64 `form:"min_score" binding:"omitempty,min=0,max=1"`
	Topic     string   `form:"topic"`
	StartDate string   `form:"start_date"`
	EndDate   string   `form:"end_date"`
	Search    string   `form:"search"`
	Ordering  string   `form:"ordering"`
}

// AnnotationView is an annotation joined with the feedback it describes.
type AnnotationView struct {
	ID             uint       `json:"id"`
	FeedbackID     uint       `json:"feedback_id"`
	EntityID       uint       `json:"entity_id"`
	EntityName     string     `json:"entity_name"`
	TextPreview    string     `json:"text_preview"`
	Sentiment      string     `json:"sentiment"`
	Score          float64    `json:"sentiment_score"`
	Topics         []string   `json:"topics"`
	Summary        string     `json:"summary"`
	KeyPhrases     []string   `json:"key_phrases"`
	ModelVersion   string     `json:"model_version"`
	ProcessingTime float64    `json:"processing_time"`
	ProcessedAt    *time.Time `json:"processed_at"`
	CreatedAt      time.Time  `json:"created_at"`
}

type AnnotationListResponse struct {
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
	Items    []AnnotationView `json:"items"`
}

type SentimentStatsRequest struct {
	EntityID  uint   `form:"entity_id"`
	StartDate string `form:"start_date"`
	EndDate   string `form:"end_date"`
}

type TopicCount struct {
	Topic string `json:"topic"`
	Count int    `json:"count"`
}

type SentimentStats struct {
	TotalProcessed      int64              `json:"total_processed"`
	Message             string             `json:"message,omitempty"`
	SentimentBreakdown  map[string]int64   `json:"sentiment_breakdown,omitempty"`
	SentimentPercentage map[string]float64 `json:"sentiment_percentages,omitempty"`
	AverageScore        *float64           `json:"average_sentiment_score,omitempty"`
	TopicBreakdown      []TopicCount       `json:"topic_breakdown,omitempty"`
}

// orderings maps the accepted ordering values to SQL.
var orderings = map[string]string{
	"processed_at":     "feedbacks.processed_at ASC, annotations.id ASC",
	"-processed_at":    "feedbacks.processed_at DESC, annotations.id DESC",
	"sentiment_score":  "annotations.score ASC, annotations.id ASC",
	"-sentiment_score": "annotations.score DESC, annotations.id DESC",
}

// AnalysisService reads annotations and aggregates them.
type AnalysisService struct {
	db       *gorm.DB
	cache    cache.Cache
	cacheTTL time.Duration
}

func NewAnalysisService(db *gorm.DB) *AnalysisService {
	return &AnalysisService{db: db}
}

// WithCache caches sentiment aggregates for ttl.
func (s *AnalysisService) WithCache(c cache.Cache, ttl time.Duration) *AnalysisService {
	s.cache = c
	s.cacheTTL = ttl
	return s
}

// annotations is the base query: annotations joined to their feedback and
// entity, limited to what actor may see.
func (s *AnalysisService) annotations(actor Actor) *gorm.DB {
	return s.db.Model(&models.Annotation{}).
		Joins("JOIN feedbacks ON feedbacks.id = annotations.feedback_id").
		Joins("JOIN business_entities ON business_entities.id = feedbacks.entity_id").
		Scopes(ownedBy(actor))
}

func parseDateRange(start, end string) (from, to *time.Time, err error) {
	if start != "" {
		t, perr := time.Parse(dateLayout, start)
		if perr != nil {
			return nil, nil, fmt.Errorf("%w: start_date must be YYYY-MM-DD", ErrInvalidInput)
		}
		from = &t
	}
	if end != "" {
		t, perr := time.Parse(dateLayout, end)
		if perr != nil {
			return nil, nil, fmt.Errorf("%w: end_date must be YYYY-MM-DD", ErrInvalidInput)
		}
		// end_date is inclusive of the whole day
		t = t.AddDate(0, 0, 1)
		to = &t
	}
	return from, to, nil
}

func scopeRange(q *gorm.DB, entityID uint, start, end string) (*gorm.DB, error) {
	if entityID != 0 {
		q = q.Where("feedbacks.entity_id = ?", entityID)
	}
	from, to, err := parseDateRange(start, end)
	if err != nil {
		return nil, err
	}
	if from != nil {
		q = q.Where("feedbacks.processed_at >= ?", *from)
	}
	if to != nil {
		q = q.Where("feedbacks.processed_at < ?", *to)
	}
	return q, nil
}

func (s *AnalysisService) List(actor Actor, req *AnnotationListRequest) (*AnnotationListResponse, error) {
	if req.Page == 0 {
		req.Page = 1
	}
	if req.PageSize == 0 {
		req.PageSize = 20
	}
	order := orderings["-processed_at"]
	if req.Ordering != "" {
		o, ok := orderings[req.Ordering]
		if !ok {
			return nil, fmt.Errorf("%w: unknown ordering %q", ErrInvalidInput, req.Ordering)
		}
		order = o
	}

	query, err := scopeRange(s.annotations(actor), req.EntityID, req.StartDate, req.EndDate)
	if err != nil {
		return nil, err
	}
	if req.Sentiment != "" {
		if !models.ValidSentiment(req.Sentiment) {
			return nil, fmt.Errorf("%w: unknown sentiment %q", ErrInvalidInput, req.Sentiment)
		}
		query = query.Where("annotations.sentiment = ?", req.Sentiment)
	}
	if req.MinScore != nil {
		query = query.Where("annotations.score >= ?", *req.MinScore)
	}
	if req.Topic != "" {
		query = query.Where("annotations.topics LIKE ?", `%"`+strings.ToLower(req.Topic)+`"%`)
	}
	if req.Search != "" {
		like := "%" + req.Search + "%"
		query = query.Where("feedbacks.text LIKE ? OR annotations.summary LIKE ? OR annotations.topics LIKE ?", like, like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	var rows []models.Annotation
	offset := (req.Page - 1) * req.PageSize
	if err := query.Preload("Feedback.Entity").
		Offset(offset).Limit(req.PageSize).Order(order).
		Find(&rows).Error; err != nil {
		return nil, err
	}

	items := make([]AnnotationView, 0, len(rows))
	for i := range rows {
		items = append(items, annotationView(&rows[i]))
	}
	return &AnnotationListResponse{Total: total, Page: req.Page, PageSize: req.PageSize, Items: items}, nil
}

func annotationView(a *models.Annotation) AnnotationView {
	v := AnnotationView{
		ID:             a.ID,
		FeedbackID:     a.FeedbackID,
		Sentiment:      a.Sentiment,
		Score:          a.Score,
		Topics:         a.Topics,
		Summary:        a.Summary,
		KeyPhrases:     a.KeyPhrases,
		ModelVersion:   a.ModelVersion,
		ProcessingTime: a.ProcessingTime,
		CreatedAt:      a.CreatedAt,
	}
	if fb := a.Feedback; fb != nil {
		v.EntityID = fb.EntityID
		v.TextPreview = textPreview(fb.Text)
		v.ProcessedAt = fb.ProcessedAt
		if fb.Entity != nil {
			v.EntityName = fb.Entity.Name
		}
	}
	return v
}

func (s *AnalysisService) Get(actor Actor, id uint) (*AnnotationView, error) {
	var a models.Annotation
	err := s.db.Preload("Feedback.Entity").First(&a, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAnnotationNotFound
	}
	if err != nil {
		return nil, err
	}
	if a.Feedback == nil || a.Feedback.Entity == nil {
		return nil, ErrFeedbackNotFound
	}
	if !actor.IsAdmin() && a.Feedback.Entity.OwnerID != actor.UserID {
		return nil, ErrForbidden
	}
	v := annotationView(&a)
	return &v, nil
}

// SentimentStats aggregates the annotations actor can see. Results are served
// from the cache when one is attached.
func (s *AnalysisService) SentimentStats(ctx context.Context, actor Actor, req *SentimentStatsRequest) (*SentimentStats, error) {
	if _, _, err := parseDateRange(req.StartDate, req.EndDate); err != nil {
		return nil, err
	}
	if s.cache == nil {
		return s.sentimentStats(ctx, actor, req)
	}

	scope := "all"
	if !actor.IsAdmin() {
		scope = fmt.Sprintf("u%d", actor.UserID)
	}
	key := cache.SentimentStatsKey(scope, req.EntityID, req.StartDate, req.EndDate)
	var cached SentimentStats
	if hit, err := cache.GetJSON(ctx, s.cache, key, &cached); err != nil {
		logger.Warn().Str("key", key).Err(err).Msg("stats cache read failed")
	} else if hit {
		return &cached, nil
	}

	stats, err := s.sentimentStats(ctx, actor, req)
	if err != nil {
		return nil, err
	}
	if err := cache.SetJSON(ctx, s.cache, key, stats, s.cacheTTL); err != nil {
		logger.Warn().Str("key", key).Err(err).Msg("stats cache write failed")
	}
	return stats, nil
}

func (s *AnalysisService) sentimentStats(ctx context.Context, actor Actor, req *SentimentStatsRequest) (*SentimentStats, error) {
	query, err := scopeRange(s.annotations(actor).WithContext(ctx), req.EntityID, req.StartDate, req.EndDate)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Sentiment string
		Total     int64
		ScoreSum  float64
	}
	if err := query.Session(&gorm.Session{}).
		Select("annotations.sentiment AS sentiment, COUNT(*) AS total, SUM(annotations.score) AS score_sum").
		Group("annotations.sentiment").Scan(&rows).Error; err != nil {
		return nil, err
	}

	stats := &SentimentStats{}
	var scoreSum float64
	for _, r := range rows {
		stats.TotalProcessed += r.Total
		scoreSum += r.ScoreSum
	}
	if stats.TotalProcessed == 0 {
		stats.Message = "No processed feedbacks found"
		return stats, nil
	}

	stats.SentimentBreakdown = map[string]int64{
		models.SentimentPositive: 0,
		models.SentimentNeutral:  0,
		models.SentimentNegative: 0,
	}
	stats.SentimentPercentage = map[string]float64{}
	for _, r := range rows {
		stats.SentimentBreakdown[r.Sentiment] = r.Total
	}
	for label, n := range stats.SentimentBreakdown {
		stats.SentimentPercentage[label] = round2(float64(n) * 100 / float64(stats.TotalProcessed))
	}
	avg := round2(scoreSum / float64(stats.TotalProcessed))
	stats.AverageScore = &avg

	var topicRows []models.Annotation
	if err := query.Session(&gorm.Session{}).Select("annotations.id, annotations.topics").Find(&topicRows).Error; err != nil {
		return nil, err
	}
	stats.TopicBreakdown = topTopics(topicRows, 10)
	return stats, nil
}

func topTopics(rows []models.Annotation, n int) []TopicCount {
	counts := map[string]int{}
	for _, a := range rows {
		for _, t := range a.Topics {
			counts[t]++
		}
	}
	out := make([]TopicCount, 0, len(counts))
	for t, c := range counts {
		out = append(out, TopicCount{Topic: t, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Topic < out[j].Topic
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
