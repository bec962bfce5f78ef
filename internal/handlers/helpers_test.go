package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Ranganathan-J/efsilonquest/internal/annotator"
	"github.com/Ranganathan-J/efsilonquest/internal/cache"
	"github.com/Ranganathan-J/efsilonquest/internal/config"
	"github.com/Ranganathan-J/efsilonquest/internal/middleware"
	"github.com/Ranganathan-J/efsilonquest/internal/models"
	"github.com/Ranganathan-J/efsilonquest/internal/services"
	"github.com/Ranganathan-J/efsilonquest/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	db       *gorm.DB
	router   *gin.Engine
	pipeline *services.Pipeline
	queue    *services.InProcessQueue
	entities *services.EntityService

	admin   *models.User
	analyst *models.User
	other   *models.User
	viewer  *models.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := models.Open(&config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    "file:" + uuid.NewString() + "?mode=memory&cache=shared",
	})
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))
	services.InitSystemLogger(db)

	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = false
	cfg.Worker.Concurrency = 2
	cfg.Pipeline.AnnotateTimeout = time.Second
	cfg.Upload.MaxRows = 100

	p := services.NewPipeline(cfg, db, annotator.NewKeywordAnnotator(cfg.Annotator.EmbeddingDim), services.NewSSEHub())
	q, ok := p.Queue.(*services.InProcessQueue)
	require.True(t, ok)
	t.Cleanup(func() {
		p.Close()
		services.InitSystemLogger(nil)
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	entities := services.NewEntityService(db)
	env := &testEnv{db: db, pipeline: p, queue: q, entities: entities}
	env.admin = env.seedUser(t, models.RoleAdmin)
	env.analyst = env.seedUser(t, models.RoleAnalyst)
	env.other = env.seedUser(t, models.RoleAnalyst)
	env.viewer = env.seedUser(t, models.RoleViewer)

	auth := NewAuthHandler(db, cfg)
	entityH := NewEntityHandler(entities)
	feedbackH := NewFeedbackHandler(
		services.NewFeedbackService(db, entities, p),
		services.NewUploadService(db, entities, p, cfg.Upload),
	)
	analysisH := NewAnalysisHandler(services.NewAnalysisService(db).WithCache(cache.NewMemoryCache(), time.Minute), p)
	health := NewHealthHandler(db, cache.NewMemoryCache(), p)
	sse := NewSSEHandler(p.Hub, entities)

	r := gin.New()
	r.GET("/health", health.CheckHealth)
	api := r.Group("/api")
	api.POST("/users/register", auth.Register)
	api.POST("/users/login", auth.Login)
	api.POST("/users/token/refresh", auth.Refresh)
	api.GET("/events/feedbacks", sse.StreamFeedbackEvents)

	protected := api.Group("", middleware.AuthRequired(), middleware.WriteAccess())
	protected.GET("/users/profile", auth.Profile)
	protected.PATCH("/users/profile", auth.UpdateProfile)
	protected.GET("/entities", entityH.List)
	protected.POST("/entities", entityH.Create)
	protected.GET("/entities/:id", entityH.Get)
	protected.PATCH("/entities/:id", entityH.Update)
	protected.DELETE("/entities/:id", entityH.Delete)
	protected.GET("/entities/:id/statistics", entityH.Statistics)
	protected.GET("/feedbacks", feedbackH.List)
	protected.POST("/feedbacks", feedbackH.Create)
	protected.POST("/feedbacks/bulk", feedbackH.CreateBulk)
	protected.POST("/feedbacks/upload", feedbackH.Upload)
	protected.GET("/feedbacks/statistics", feedbackH.Statistics)
	protected.GET("/feedbacks/:id", feedbackH.Get)
	protected.PATCH("/feedbacks/:id", feedbackH.Update)
	protected.DELETE("/feedbacks/:id", feedbackH.Delete)
	protected.POST("/feedbacks/:id/reprocess", feedbackH.Reprocess)
	protected.GET("/uploads/:id", feedbackH.GetUpload)
	protected.GET("/analysis/annotations", analysisH.ListAnnotations)
	protected.GET("/analysis/annotations/:id", analysisH.GetAnnotation)
	protected.GET("/analysis/sentiment-stats", analysisH.SentimentStats)
	admin := protected.Group("", middleware.AdminRequired())
	admin.POST("/analysis/reprocess-failed", analysisH.ReprocessFailed)
	users := NewUserHandler(db)
	admin.GET("/users", users.List)
	admin.PATCH("/users/:id", users.Update)
	admin.DELETE("/users/:id", users.Delete)
	logs := NewSystemLogHandler(db, cfg.Pipeline.LogRetentionDays)
	admin.GET("/system-logs", logs.List)
	admin.GET("/system-logs/modules", logs.GetModules)
	admin.POST("/system-logs/cleanup", logs.Cleanup)

	env.router = r
	return env
}

func (e *testEnv) seedUser(t *testing.T, role string) *models.User {
	t.Helper()
	hashed, err := utils.HashPassword("s3cret-pass")
	require.NoError(t, err)
	u := &models.User{Username: role + "-" + uuid.NewString()[:8], Password: hashed, Role: role, IsActive: true}
	require.NoError(t, e.db.Create(u).Error)
	return u
}

func (e *testEnv) seedEntity(t *testing.T, owner *models.User) *models.BusinessEntity {
	t.Helper()
	ent := &models.BusinessEntity{Name: "Acme " + uuid.NewString()[:4], OwnerID: owner.ID, IsActive: true}
	require.NoError(t, e.db.Create(ent).Error)
	return ent
}

func (e *testEnv) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.queue.Wait(ctx))
}

func tokenFor(t *testing.T, u *models.User) string {
	t.Helper()
	token, err := utils.GenerateToken(u.ID, u.Username, u.Role, 1)
	require.NoError(t, err)
	return token
}

// do sends body as JSON unless it is already a reader.
func (e *testEnv) do(t *testing.T, method, path string, as *models.User, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	contentType := ""
	switch b := body.(type) {
	case nil:
	case io.Reader:
		reader = b
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
		contentType = "application/json"
	}

	req := httptest.NewRequest(method, path, reader)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if as != nil {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, as))
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// decode checks the status and unmarshals the envelope data into out.
func decode(t *testing.T, w *httptest.ResponseRecorder, status int, out interface{}) envelope {
	t.Helper()
	require.Equal(t, status, w.Code, w.Body.String())
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	if out != nil {
		require.NoError(t, json.Unmarshal(env.Data, out))
	}
	return env
}

type page[T any] struct {
	Total    int64 `json:"total"`
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Items    []T   `json:"items"`
}
