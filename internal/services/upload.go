package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Ranganathan-J/efsilonquest/internal/config"
	"github.com/Ranganathan-J/efsilonquest/internal/models"
	"github.com/Ranganathan-J/efsilonquest/pkg/logger"
	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
)

const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
	FormatJSON = "json"

	maxRowErrors = 100
)

// columnAliases maps accepted header names to the canonical column.
var columnAliases = map[string]string{
	"feedback_text":  "text",
	"text":           "text",
	"content":        "text",
	"feedback":       "text",
	"comment":        "text",
	"source":         "source",
	"channel":        "source",
	"customer_name":  "customer_name",
	"customer":       "customer_name",
	"customer_email": "customer_email",
	"email":          "customer_email",
	"product_name":   "product_name",
	"product":        "product_name",
	"rating":         "rating",
	"stars":          "rating",
	"timestamp":      "feedback_date",
	"date":           "feedback_date",
	"feedback_date":  "feedback_date",
	"created_at":     "feedback_date",
	"feedback_id":    "external_id",
	"external_id":    "external_id",
	"id":             "external_id",
}

// sourceAliases folds channel names seen in exports onto the source set.
var sourceAliases = map[string]models.FeedbackSource{
	"twitter":     models.SourceSocial,
	"x":           models.SourceSocial,
	"reddit":      models.SourceSocial,
	"facebook":    models.SourceSocial,
	"instagram":   models.SourceSocial,
	"linkedin":    models.SourceSocial,
	"app store":   models.SourceAppStore,
	"appstore":    models.SourceAppStore,
	"play store":  models.SourceAppStore,
	"google play": models.SourceAppStore,
	"web":         models.SourceWebsite,
	"mail":        models.SourceEmail,
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	dateLayout,
	"01/02/2006",
}

// DetectFormat returns the upload format from the file extension.
func DetectFormat(fileName string) (string, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".csv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("%w: %q (expected .csv, .xlsx or .json)", ErrUnsupportedFile, fileName)
}

// ParseRows reads a file into rows keyed by canonical column name.
func ParseRows(format string, data []byte) ([]map[string]string, error) {
	switch format {
	case FormatCSV:
		return parseCSV(data)
	case FormatXLSX:
		return parseXLSX(data)
	case FormatJSON:
		return parseJSON(data)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFile, format)
}

func canonicalHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	h = strings.ReplaceAll(h, " ", "_")
	return columnAliases[h]
}

func tableRows(table [][]string) ([]map[string]string, error) {
	if len(table) == 0 {
		return nil, fmt.Errorf("%w: file is empty", ErrInvalidInput)
	}
	header := make([]string, len(table[0]))
	hasText := false
	for i, h := range table[0] {
		header[i] = canonicalHeader(h)
		if header[i] == "text" {
			hasText = true
		}
	}
	if !hasText {
		return nil, fmt.Errorf("%w: no feedback text column (feedback_text, text or content)", ErrInvalidInput)
	}

	rows := make([]map[string]string, 0, len(table)-1)
	for _, rec := range table[1:] {
		row := map[string]string{}
		empty := true
		for i, v := range rec {
			if i >= len(header) || header[i] == "" {
				continue
			}
			v = strings.TrimSpace(v)
			if v != "" {
				empty = false
			}
			if _, seen := row[header[i]]; !seen || row[header[i]] == "" {
				row[header[i]] = v
			}
		}
		if !empty {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func parseCSV(data []byte) ([]map[string]string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	table, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: csv: %v", ErrInvalidInput, err)
	}
	return tableRows(table)
}

func parseXLSX(data []byte) ([]map[string]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: xlsx: %v", ErrInvalidInput, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: xlsx has no sheets", ErrInvalidInput)
	}
	table, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: xlsx: %v", ErrInvalidInput, err)
	}
	return tableRows(table)
}

// parseJSON accepts an array of objects or {"items": [...]}.
func parseJSON(data []byte) ([]map[string]string, error) {
	var objects []map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&objects); err != nil {
		var wrapped struct {
			Items []map[string]interface{} `json:"items"`
		}
		dec = json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if werr := dec.Decode(&wrapped); werr != nil || wrapped.Items == nil {
			return nil, fmt.Errorf("%w: json: %v", ErrInvalidInput, err)
		}
		objects = wrapped.Items
	}

	rows := make([]map[string]string, 0, len(objects))
	for _, obj := range objects {
		row := map[string]string{}
		for k, v := range obj {
			col := canonicalHeader(k)
			if col == "" || v == nil {
				continue
			}
			s := strings.TrimSpace(fmt.Sprint(v))
			if _, seen := row[col]; !seen || row[col] == "" {
				row[col] = s
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// RowInput converts one parsed row into a feedback input. Rows without a
// source are tagged csv.
func RowInput(row map[string]string) (FeedbackInput, error) {
	return rowInput(row, models.SourceCSV)
}

func rowInput(row map[string]string, defaultSource models.FeedbackSource) (FeedbackInput, error) {
	in := FeedbackInput{
		Text:          row["text"],
		Source:        mapSource(row["source"]),
		CustomerName:  row["customer_name"],
		CustomerEmail: row["customer_email"],
		ProductName:   row["product_name"],
		ExternalID:    row["external_id"],
	}
	if v := row["rating"]; v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return in, fmt.Errorf("%w: rating %q is not a number", ErrInvalidInput, v)
		}
		r := int(f + 0.5)
		in.Rating = &r
	}
	if v := row["feedback_date"]; v != "" {
		t, err := parseDate(v)
		if err != nil {
			return in, err
		}
		in.FeedbackDate = &t
	}
	return in, in.normalize(defaultSource)
}

func mapSource(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return ""
	}
	if s, ok := sourceAliases[v]; ok {
		return string(s)
	}
	if models.FeedbackSource(v).Valid() {
		return v
	}
	return string(models.SourceOther)
}

func parseDate(v string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognised date %q", ErrInvalidInput, v)
}

// UploadService turns uploaded files into feedback items and records an
// UploadBatch with the per-row outcome.
type UploadService struct {
	db       *gorm.DB
	entities *EntityService
	pipeline *Pipeline
	cfg      config.UploadConfig
}

func NewUploadService(db *gorm.DB, entities *EntityService, p *Pipeline, cfg config.UploadConfig) *UploadService {
	return &UploadService{db: db, entities: entities, pipeline: p, cfg: cfg}
}

// Upload checks actor may write to the entity and imports the file.
func (s *UploadService) Upload(ctx context.Context, actor Actor, entityID uint, fileName string, r io.Reader) (*models.UploadBatch, error) {
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
	return s.ImportFile(ctx, entity.ID, actor.UserID, fileName, r, ImportOptions{Submit: true})
}

// ImportOptions tunes ImportFile.
type ImportOptions struct {
	// Submit queues the created ids for processing; otherwise the pending
	// sweep picks them up.
	Submit bool
	// DefaultSource tags rows without a source column. Empty means csv.
	DefaultSource models.FeedbackSource
}

// ImportFile parses the file and inserts its valid rows as new items.
func (s *UploadService) ImportFile(ctx context.Context, entityID, uploadedBy uint, fileName string, r io.Reader, opts ImportOptions) (*models.UploadBatch, error) {
	defaultSource := opts.DefaultSource
	if defaultSource == "" {
		defaultSource = models.SourceCSV
	}
	if !defaultSource.Valid() {
		return nil, fmt.Errorf("%w: unknown source %q", ErrInvalidInput, defaultSource)
	}

	format, err := DetectFormat(fileName)
	if err != nil {
		return nil, err
	}

	limit := s.cfg.MaxFileBytes
	if limit <= 0 {
		limit = 10 << 20
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: file exceeds %d bytes", ErrInvalidInput, limit)
	}

	rows, err := ParseRows(format, data)
	if err != nil {
		return nil, err
	}
	if s.cfg.MaxRows > 0 && len(rows) > s.cfg.MaxRows {
		return nil, fmt.Errorf("%w: %d rows exceeds the limit of %d", ErrInvalidInput, len(rows), s.cfg.MaxRows)
	}

	batch := &models.UploadBatch{
		Reference:  uuid.NewString(),
		EntityID:   entityID,
		UploadedBy: uploadedBy,
		FileName:   filepath.Base(fileName),
		Format:     format,
		TotalRows:  len(rows),
		Status:     "processing",
		Errors:     []string{},
	}
	if err := s.db.WithContext(ctx).Create(batch).Error; err != nil {
		return nil, err
	}

	feedbacks := make([]*models.Feedback, 0, len(rows))
	for i, row := range rows {
		in, err := rowInput(row, defaultSource)
		if err != nil {
			batch.FailedRows++
			if len(batch.Errors) < maxRowErrors {
				// +2: one for the header, one for 1-based numbering
				batch.Errors = append(batch.Errors, fmt.Sprintf("row %d: %v", i+2, err))
			}
			continue
		}
		fb := in.model(entityID)
		fb.UploadBatchID = &batch.ID
		feedbacks = append(feedbacks, fb)
	}

	if len(feedbacks) > 0 {
		if err := s.db.WithContext(ctx).CreateInBatches(feedbacks, 200).Error; err != nil {
			s.finish(ctx, batch, "failed", append(batch.Errors, "insert: "+err.Error()))
			return batch, fmt.Errorf("insert upload rows: %w", err)
		}
	}
	batch.SuccessRows = len(feedbacks)

	status := "completed"
	if batch.SuccessRows == 0 && batch.TotalRows > 0 {
		status = "failed"
	}
	s.finish(ctx, batch, status, batch.Errors)

	logger.Info().
		Str("reference", batch.Reference).
		Uint("entity_id", entityID).
		Str("format", format).
		Int("total", batch.TotalRows).
		Int("success", batch.SuccessRows).
		Int("failed", batch.FailedRows).
		Msg("upload imported")

	if opts.Submit && len(feedbacks) > 0 {
		ids := make([]uint, 0, len(feedbacks))
		for _, fb := range feedbacks {
			ids = append(ids, fb.ID)
		}
		if _, err := s.pipeline.EnqueueBulk(ctx, ids); err != nil {
			logger.Warn().Str("reference", batch.Reference).Err(err).Msg("upload enqueue failed, left for pending sweep")
		}
	}
	return batch, nil
}

func (s *UploadService) finish(ctx context.Context, batch *models.UploadBatch, status string, rowErrors []string) {
	now := time.Now().UTC()
	batch.Status = status
	batch.Errors = rowErrors
	batch.CompletedAt = &now
	err := s.db.WithContext(context.WithoutCancel(ctx)).Model(batch).Select("status", "errors", "completed_at", "success_rows", "failed_rows").
		Updates(batch).Error
	if err != nil {
		logger.Error().Str("reference", batch.Reference).Err(err).Msg("update upload batch")
	}
}

// Get returns an upload batch of an entity actor can see.
func (s *UploadService) Get(actor Actor, id uint) (*models.UploadBatch, error) {
	var batch models.UploadBatch
	err := s.db.First(&batch, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUploadNotFound
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.entities.Get(actor, batch.EntityID); err != nil {
		return nil, err
	}
	return &batch, nil
}
