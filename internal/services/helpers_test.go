package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Ranganathan-J/efsilonquest/internal/annotator"
	"github.com/Ranganathan-J/efsilonquest/internal/config"
	"github.com/Ranganathan-J/efsilonquest/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := models.Open(&config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    "file:" + uuid.NewString() + "?mode=memory&cache=shared",
	})
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))
	InitSystemLogger(db)
	t.Cleanup(func() {
		InitSystemLogger(nil)
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func seedUser(t *testing.T, db *gorm.DB, role string) *models.User {
	t.Helper()
	u := &models.User{Username: "user-" + uuid.NewString()[:8], Password: "x", Role: role, IsActive: true}
	require.NoError(t, db.Create(u).Error)
	return u
}

func seedEntity(t *testing.T, db *gorm.DB, ownerID uint, active bool) *models.BusinessEntity {
	t.Helper()
	e := &models.BusinessEntity{Name: "Acme " + uuid.NewString()[:4], OwnerID: ownerID, IsActive: true}
	require.NoError(t, db.Create(e).Error)
	if !active {
		require.NoError(t, db.Model(e).Update("is_active", false).Error)
		e.IsActive = false
	}
	return e
}

func seedFeedback(t *testing.T, db *gorm.DB, entityID uint, text string, status models.FeedbackStatus) *models.Feedback {
	t.Helper()
	fb := &models.Feedback{EntityID: entityID, Text: text, Source: models.SourceAPI, Status: status}
	if status == models.StatusFailed {
		fb.ErrorMessage = "annotator unavailable"
	}
	require.NoError(t, db.Create(fb).Error)
	return fb
}

func reloadFeedback(t *testing.T, db *gorm.DB, id uint) *models.Feedback {
	t.Helper()
	var fb models.Feedback
	require.NoError(t, db.First(&fb, id).Error)
	return &fb
}

// stubAnnotator fails the calls for which failOn returns an error.
type stubAnnotator struct {
	mu     sync.Mutex
	calls  int
	failOn func(call int) error
	block  bool
}

func (s *stubAnnotator) Name() string { return "stub-v1" }

func (s *stubAnnotator) Annotate(ctx context.Context, text string) (*annotator.Result, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()

	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.failOn != nil {
		if err := s.failOn(call); err != nil {
			return nil, err
		}
	}
	return &annotator.Result{
		Label:      "neutral",
		Score:      1.7,
		Summary:    text,
		KeyPhrases: nil,
		Duration:   5 * time.Millisecond,
	}, nil
}

func (s *stubAnnotator) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var errAnnotatorDown = errors.New("annotator unavailable: connection refused")

type testPipeline struct {
	*Pipeline
	db     *gorm.DB
	queue  *InProcessQueue
	delays *delayRecorder
	owner  *models.User
	entity *models.BusinessEntity
}

func newTestPipeline(t *testing.T, ann annotator.Annotator) *testPipeline {
	t.Helper()
	return newTestPipelineWith(t, ann, nil)
}

// newTestPipelineWith lets tune adjust the config before the pipeline is built.
func newTestPipelineWith(t *testing.T, ann annotator.Annotator, tune func(cfg *config.Config)) *testPipeline {
	t.Helper()
	db := setupTestDB(t)
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = false
	cfg.Worker.Concurrency = 2
	cfg.Pipeline.AnnotateTimeout = time.Second
	if tune != nil {
		tune(cfg)
	}

	p := NewPipeline(cfg, db, ann, NewSSEHub())
	q, ok := p.Queue.(*InProcessQueue)
	require.True(t, ok, "redis disabled should give the in-process queue")
	rec := &delayRecorder{}
	q.SetDelayFunc(rec.record)
	t.Cleanup(func() { p.Close() })

	owner := seedUser(t, db, models.RoleAnalyst)
	return &testPipeline{
		Pipeline: p,
		db:       db,
		queue:    q,
		delays:   rec,
		owner:    owner,
		entity:   seedEntity(t, db, owner.ID, true),
	}
}

func actorOf(u *models.User) Actor {
	return Actor{UserID: u.ID, Role: u.Role}
}

func seedAnnotation(t *testing.T, db *gorm.DB, fb *models.Feedback, sentiment string, score float64, topics []string, processedAt time.Time) *models.Annotation {
	t.Helper()
	ann := &models.Annotation{FeedbackID: fb.ID, Sentiment: sentiment, Score: score, Topics: topics, Summary: fb.Text}
	require.NoError(t, db.Create(ann).Error)
	require.NoError(t, db.Model(fb).Updates(map[string]interface{}{
		"status":       models.StatusProcessed,
		"processed_at": processedAt,
	}).Error)
	return ann
}

type recordingAlerter struct {
	mu     sync.Mutex
	titles []string
	texts  []string
}

func (a *recordingAlerter) Alert(_ context.Context, title, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.titles = append(a.titles, title)
	a.texts = append(a.texts, text)
	return nil
}

func (a *recordingAlerter) got() ([]string, []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.titles...), append([]string(nil), a.texts...)
}
