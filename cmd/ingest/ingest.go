package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Ranganathan-J/efsilonquest/internal/annotator"
	"github.com/Ranganathan-J/efsilonquest/internal/config"
	"github.com/Ranganathan-J/efsilonquest/internal/models"
	"github.com/Ranganathan-J/efsilonquest/internal/services"
	"github.com/Ranganathan-J/efsilonquest/pkg/logger"
	"gorm.io/gorm"
)

type ingestOptions struct {
	File   string
	Entity string
	Source string
	Owner  string
	Submit bool
}

type ingestResult struct {
	Entity        *models.BusinessEntity
	EntityCreated bool
	Batch         *models.UploadBatch
	Processed     int64
}

func runIngest(ctx context.Context, cfg *config.Config, o ingestOptions) (*ingestResult, error) {
	name := strings.TrimSpace(o.Entity)
	if name == "" {
		return nil, errors.New("--entity is required")
	}
	source := models.FeedbackSource(strings.ToLower(strings.TrimSpace(o.Source)))
	if source != "" && !source.Valid() {
		return nil, fmt.Errorf("unknown source %q", o.Source)
	}

	f, err := os.Open(o.File)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	db, err := models.Open(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}()
	if err := models.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	services.InitSystemLogger(db)

	owner, err := findOwner(db, o.Owner)
	if err != nil {
		return nil, err
	}
	entity, created, err := findOrCreateEntity(db, name, owner)
	if err != nil {
		return nil, err
	}
	if !entity.IsActive {
		return nil, fmt.Errorf("entity %q: %w", entity.Name, services.ErrEntityInactive)
	}

	// Without --submit nothing is processed here, so skip Redis and the
	// configured annotator entirely.
	pcfg := *cfg
	var ann annotator.Annotator = annotator.NewKeywordAnnotator(cfg.Annotator.EmbeddingDim)
	if o.Submit {
		if ann, err = annotator.New(cfg.Annotator); err != nil {
			return nil, err
		}
	} else {
		pcfg.Redis.Enabled = false
	}
	p := services.NewPipeline(&pcfg, db, ann, services.NewSSEHub())
	defer p.Close()

	uploads := services.NewUploadService(db, services.NewEntityService(db), p, cfg.Upload)
	batch, err := uploads.ImportFile(ctx, entity.ID, owner.ID, o.File, f, services.ImportOptions{
		Submit:        o.Submit,
		DefaultSource: source,
	})
	if err != nil {
		return nil, err
	}
	res := &ingestResult{Entity: entity, EntityCreated: created, Batch: batch}

	if q, ok := p.Queue.(*services.InProcessQueue); ok && o.Submit {
		if err := q.Wait(ctx); err != nil {
			return res, fmt.Errorf("waiting for processing: %w", err)
		}
		db.Model(&models.Feedback{}).
			Where("upload_batch_id = ? AND status = ?", batch.ID, models.StatusProcessed).
			Count(&res.Processed)
	}
	return res, nil
}

func findOwner(db *gorm.DB, username string) (*models.User, error) {
	if username == "" {
		username = "admin"
	}
	var u models.User
	err := db.Where("username = ?", username).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("owner %q: %w", username, services.ErrUserNotFound)
	}
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, fmt.Errorf("owner %q: %w", username, services.ErrUserDisabled)
	}
	return &u, nil
}

func findOrCreateEntity(db *gorm.DB, name string, owner *models.User) (*models.BusinessEntity, bool, error) {
	var entity models.BusinessEntity
	err := db.Where("name = ?", name).Order("id").First(&entity).Error
	if err == nil {
		return &entity, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	entity = models.BusinessEntity{Name: name, OwnerID: owner.ID, IsActive: true}
	if err := db.Create(&entity).Error; err != nil {
		return nil, false, fmt.Errorf("create entity: %w", err)
	}
	logger.Info().Uint("entity_id", entity.ID).Str("name", name).Str("owner", owner.Username).Msg("entity created")
	return &entity, true, nil
}
