package services

import (
	"context"
	"strings"
	"testing"

	"github.com/Ranganathan-J/efsilonquest/internal/config"
	"github.com/Ranganathan-J/efsilonquest/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func newUploadService(tp *testPipeline, cfg config.UploadConfig) *UploadService {
	return NewUploadService(tp.db, NewEntityService(tp.db), tp.Pipeline, cfg)
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name string
		want string
		err  bool
	}{
		{"reviews.csv", FormatCSV, false},
		{"Reviews.XLSX", FormatXLSX, false},
		{"dump.json", FormatJSON, false},
		{"notes.txt", "", true},
		{"noext", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectFormat(tt.name)
			if tt.err {
				assert.ErrorIs(t, err, ErrUnsupportedFile)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRows_CSVAliases(t *testing.T) {
	data := "\ufeffFeedback_ID,Source,Customer Name,Product_Name,Feedback_Text,Rating,Timestamp,Ignored\n" +
		"f-1,twitter,Ann,Widget,Loved it,5,2026-01-02 10:00:00,zzz\n" +
		",,,,,,,\n" +
		"f-2,reddit,Bob,Widget,Broke after a day,1,2026-01-03,\n"
	rows, err := ParseRows(FormatCSV, []byte(data))
	require.NoError(t, err)
	require.Len(t, rows, 2, "blank rows are skipped")

	in, err := RowInput(rows[0])
	require.NoError(t, err)
	assert.Equal(t, "Loved it", in.Text)
	assert.Equal(t, "social", in.Source)
	assert.Equal(t, "Ann", in.CustomerName)
	assert.Equal(t, "f-1", in.ExternalID)
	require.NotNil(t, in.Rating)
	assert.Equal(t, 5, *in.Rating)
	require.NotNil(t, in.FeedbackDate)
	assert.Equal(t, 2, in.FeedbackDate.Day())
}

func TestParseRows_RequiresTextColumn(t *testing.T) {
	_, err := ParseRows(FormatCSV, []byte("name,rating\nx,1\n"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestParseRows_JSON(t *testing.T) {
	rows, err := ParseRows(FormatJSON, []byte(`[{"text":"a","rating":4},{"content":"b","source":"email"}]`))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "4", rows[0]["rating"])
	assert.Equal(t, "b", rows[1]["text"])

	rows, err = ParseRows(FormatJSON, []byte(`{"items":[{"feedback_text":"c"}]}`))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	_, err = ParseRows(FormatJSON, []byte(`{"nope":1}`))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRowInput_Errors(t *testing.T) {
	tests := []struct {
		name string
		row  map[string]string
	}{
		{"missing text", map[string]string{"text": ""}},
		{"bad rating", map[string]string{"text": "x", "rating": "five"}},
		{"rating out of range", map[string]string{"text": "x", "rating": "9"}},
		{"bad date", map[string]string{"text": "x", "feedback_date": "yesterday"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := RowInput(tt.row)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}

	in, err := RowInput(map[string]string{"text": "x", "source": "carrier pigeon"})
	require.NoError(t, err)
	assert.Equal(t, "other", in.Source)

	in, err = RowInput(map[string]string{"text": "x"})
	require.NoError(t, err)
	assert.Equal(t, "csv", in.Source)
}

func TestUploadService_CSV(t *testing.T) {
	ann := &stubAnnotator{}
	tp := newTestPipeline(t, ann)
	svc := newUploadService(tp, config.UploadConfig{MaxRows: 100, MaxFileBytes: 1 << 20})

	csv := "text,rating\nfirst,5\nsecond,oops\nthird,\n"
	batch, err := svc.Upload(context.Background(), actorOf(tp.owner), tp.entity.ID, "batch.csv", strings.NewReader(csv))
	require.NoError(t, err)
	assert.Equal(t, 3, batch.TotalRows)
	assert.Equal(t, 2, batch.SuccessRows)
	assert.Equal(t, 1, batch.FailedRows)
	assert.Equal(t, "completed", batch.Status)
	require.Len(t, batch.Errors, 1)
	assert.Contains(t, batch.Errors[0], "row 3")

	waitQueue(t, tp.queue)
	var items []models.Feedback
	require.NoError(t, tp.db.Where("upload_batch_id = ?", batch.ID).Find(&items).Error)
	require.Len(t, items, 2)
	for _, fb := range items {
		assert.Equal(t, models.StatusProcessed, fb.Status)
		assert.Equal(t, models.SourceCSV, fb.Source)
	}

	got, err := svc.Get(actorOf(tp.owner), batch.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.Reference, got.Reference)
	assert.Equal(t, []string{batch.Errors[0]}, got.Errors)
}

func TestUploadService_XLSX(t *testing.T) {
	tp := newTestPipeline(t, &stubAnnotator{})
	svc := newUploadService(tp, config.UploadConfig{MaxRows: 100, MaxFileBytes: 1 << 20})

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]interface{}{"Content", "Source", "Rating"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]interface{}{"Nice app", "App Store", 4}))
	require.NoError(t, f.SetSheetRow(sheet, "A3", &[]interface{}{"Crashes", "website", 1}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	batch, err := svc.ImportFile(context.Background(), tp.entity.ID, tp.owner.ID, "reviews.xlsx", buf, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, batch.Format)
	assert.Equal(t, 2, batch.SuccessRows)

	var items []models.Feedback
	require.NoError(t, tp.db.Where("upload_batch_id = ?", batch.ID).Order("id").Find(&items).Error)
	require.Len(t, items, 2)
	assert.Equal(t, models.SourceAppStore, items[0].Source)
	assert.Equal(t, models.StatusNew, items[0].Status, "without submit rows wait for the pending sweep")
}

func TestUploadService_Limits(t *testing.T) {
	tp := newTestPipeline(t, &stubAnnotator{})
	ctx := context.Background()

	svc := newUploadService(tp, config.UploadConfig{MaxRows: 1, MaxFileBytes: 1 << 20})
	_, err := svc.Upload(ctx, actorOf(tp.owner), tp.entity.ID, "a.csv", strings.NewReader("text\na\nb\n"))
	assert.ErrorIs(t, err, ErrInvalidInput)

	svc = newUploadService(tp, config.UploadConfig{MaxRows: 10, MaxFileBytes: 8})
	_, err = svc.Upload(ctx, actorOf(tp.owner), tp.entity.ID, "a.csv", strings.NewReader("text\nlonger than eight\n"))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Upload(ctx, actorOf(tp.owner), tp.entity.ID, "a.pdf", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrUnsupportedFile)

	viewer := seedUser(t, tp.db, models.RoleViewer)
	_, err = svc.Upload(ctx, actorOf(viewer), tp.entity.ID, "a.csv", strings.NewReader("text\na\n"))
	assert.ErrorIs(t, err, ErrForbidden)

	inactive := seedEntity(t, tp.db, tp.owner.ID, false)
	_, err = svc.Upload(ctx, actorOf(tp.owner), inactive.ID, "a.csv", strings.NewReader("text\na\n"))
	assert.ErrorIs(t, err, ErrEntityInactive)
}

func TestUploadService_AllRowsInvalid(t *testing.T) {
	tp := newTestPipeline(t, &stubAnnotator{})
	svc := newUploadService(tp, config.UploadConfig{})

	batch, err := svc.Upload(context.Background(), actorOf(tp.owner), tp.entity.ID, "a.csv", strings.NewReader("text,rating\nx,0\ny,7\n"))
	require.NoError(t, err)
	assert.Equal(t, "failed", batch.Status)
	assert.Equal(t, 2, batch.FailedRows)
	assert.NotNil(t, batch.CompletedAt)
}

func TestUploadService_ImportDefaultSource(t *testing.T) {
	tp := newTestPipeline(t, &stubAnnotator{})
	svc := newUploadService(tp, config.UploadConfig{})
	ctx := context.Background()

	csv := "text,source\nfrom the survey,\ntweeted,twitter\n"
	batch, err := svc.ImportFile(ctx, tp.entity.ID, tp.owner.ID, "survey.csv", strings.NewReader(csv), ImportOptions{DefaultSource: models.SourceEmail})
	require.NoError(t, err)
	require.Equal(t, 2, batch.SuccessRows)

	var items []models.Feedback
	require.NoError(t, tp.db.Where("upload_batch_id = ?", batch.ID).Order("id").Find(&items).Error)
	assert.Equal(t, models.SourceEmail, items[0].Source)
	assert.Equal(t, models.SourceSocial, items[1].Source)

	_, err = svc.ImportFile(ctx, tp.entity.ID, tp.owner.ID, "survey.csv", strings.NewReader(csv), ImportOptions{DefaultSource: "fax"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}
