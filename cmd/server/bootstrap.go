package main

import (
	"context"

	"github.com/Ranganathan-J/efsilonquest/internal/annotator"
	"github.com/Ranganathan-J/efsilonquest/internal/cache"
	"github.com/Ranganathan-J/efsilonquest/internal/config"
	"github.com/Ranganathan-J/efsilonquest/internal/models"
	"github.com/Ranganathan-J/efsilonquest/internal/notify"
	"github.com/Ranganathan-J/efsilonquest/internal/services"
	"github.com/Ranganathan-J/efsilonquest/internal/utils"
	"github.com/Ranganathan-J/efsilonquest/pkg/logger"
)

// appServices holds everything the routes and the shutdown path need.
type appServices struct {
	cfg       *config.Config
	cache     cache.Cache
	pipeline  *services.Pipeline
	worker    *services.Worker
	scheduler *services.SweepScheduler

	entities  *services.EntityService
	feedbacks *services.FeedbackService
	uploads   *services.UploadService
	analysis  *services.AnalysisService
}

// bootstrap initializes the database, the processing pipeline and the schedulers.
func bootstrap(cfg *config.Config) *appServices {
	utils.SetJWTSecret(cfg.JWT.Secret)

	if err := models.InitDB(&cfg.Database); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	if err := models.AutoMigrate(); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}
	if err := models.SeedDefaultData(); err != nil {
		logger.Warn().Err(err).Msg("Failed to seed default data")
	}
	db := models.GetDB()

	services.InitSystemLogger(db)

	ann, err := annotator.New(cfg.Annotator)
	if err != nil {
		logger.Fatalf("Failed to build annotator: %v", err)
	}
	logger.Info().Str("annotator", ann.Name()).Msg("Annotator ready")

	c := cache.New(&cfg.Redis)
	if err := c.Ping(context.Background()); err != nil {
		logger.Warn().Err(err).Msg("Cache not reachable, statistics will be computed on every request")
	}

	p := services.NewPipeline(cfg, db, ann, services.NewSSEHub())

	// Async worker only runs when the queue is Redis-backed
	var worker *services.Worker
	if p.Queue.IsAsync() {
		worker = services.NewWorker(cfg, p.Registry)
		if worker != nil {
			if err := worker.Start(); err != nil {
				logger.Fatalf("Failed to start worker: %v", err)
			}
		}
	}

	locks := services.NewSchedulerLocker(db)
	scheduler, err := services.NewSweepScheduler(locks, services.DefaultSchedule(cfg, p, services.NewSystemLogService(db), locks))
	if err != nil {
		logger.Fatalf("Failed to build scheduler: %v", err)
	}

	if alerts := notify.New(&cfg.Notify); alerts != nil {
		p.SetAlerter(alerts)
		scheduler.SetAlerter(alerts)
		logger.Info().Msg("Slack alerts enabled")
	}
	scheduler.Start()

	entities := services.NewEntityService(db)
	return &appServices{
		cfg:       cfg,
		cache:     c,
		pipeline:  p,
		worker:    worker,
		scheduler: scheduler,
		entities:  entities,
		feedbacks: services.NewFeedbackService(db, entities, p),
		uploads:   services.NewUploadService(db, entities, p, cfg.Upload),
		analysis:  services.NewAnalysisService(db).WithCache(c, cfg.Redis.CacheTTL),
	}
}

// shutdown stops the schedulers first so no new work is enqueued, then
// drains the queue.
func (s *appServices) shutdown(ctx context.Context) {
	s.scheduler.Stop(ctx)
	logger.Info().Msg("Scheduler stopped")

	if s.worker != nil {
		s.worker.Stop()
	}
	if err := s.pipeline.Close(); err != nil {
		logger.Warn().Err(err).Msg("Queue close failed")
	}
	if err := s.cache.Close(); err != nil {
		logger.Warn().Err(err).Msg("Cache close failed")
	}
}
