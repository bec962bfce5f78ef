package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Ranganathan-J/efsilonquest/internal/config"
	"github.com/Ranganathan-J/efsilonquest/internal/models"
	"github.com/Ranganathan-J/efsilonquest/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func TestParseRouteInfo(t *testing.T) {
	tests := []struct {
		path, method   string
		module, action string
	}{
		{"/api/entities", "POST", "Entities", "Create"},
		{"/api/entities/:id", "PATCH", "Entities", "Update"},
		{"/api/feedbacks/:id", "DELETE", "Feedbacks", "Delete"},
		{"/api/feedbacks/:id/reprocess", "POST", "Feedbacks", "Reprocess"},
		{"/api/analysis/reprocess-failed", "POST", "Analysis", "ReprocessFailed"},
		{"/api/feedbacks/bulk", "POST", "Feedbacks", "Bulk"},
		{"", "POST", "Unknown", "Create"},
	}

	for _, tt := range tests {
		module, action := parseRouteInfo(tt.path, tt.method)
		if module != tt.module || action != tt.action {
			t.Errorf("parseRouteInfo(%q, %q) = (%q, %q), expected (%q, %q)", tt.path, tt.method, module, action, tt.module, tt.action)
		}
	}
}

func TestMaskSensitiveFields(t *testing.T) {
	body := `{"username":"ann","password": "hunter22","name":"x"}`
	got := maskSensitiveFields(body)
	if strings.Contains(got, "hunter22") {
		t.Errorf("password should be masked: %s", got)
	}
	if !strings.Contains(got, `"username":"ann"`) {
		t.Errorf("other fields should be kept: %s", got)
	}
}

func TestFormatAuditMessage(t *testing.T) {
	if got := formatAuditMessage("ann", "POST", "/api/entities", 201); got != "[Audit] ann POST /api/entities -> OK" {
		t.Errorf("unexpected message %q", got)
	}
	if got := formatAuditMessage("ann", "DELETE", "/api/entities/1", 403); !strings.HasSuffix(got, "Failed") {
		t.Errorf("unexpected message %q", got)
	}
}

func TestAuditLog_WritesSystemLog(t *testing.T) {
	db, err := models.Open(&config.DatabaseConfig{Driver: "sqlite", DSN: "file:" + uuid.NewString() + "?mode=memory&cache=shared"})
	if err != nil {
		t.Fatal(err)
	}
	if err := models.Migrate(db); err != nil {
		t.Fatal(err)
	}
	services.InitSystemLogger(db)
	t.Cleanup(func() { services.InitSystemLogger(nil) })

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(ContextUserID, uint(3))
		c.Set(ContextUsername, "ann")
		c.Next()
	})
	router.Use(AuditLog())
	router.POST("/api/entities", func(c *gin.Context) { c.Status(http.StatusCreated) })
	router.GET("/api/entities", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, method := range []string{"GET", "POST"} {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(method, "/api/entities", strings.NewReader(`{"name":"Acme"}`))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)
	}

	var logs []models.SystemLog
	if err := db.Find(&logs).Error; err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 audit entry for the write, got %d", len(logs))
	}
	if logs[0].Module != "Entities" || logs[0].Action != "Create" || logs[0].UserID == nil || *logs[0].UserID != 3 {
		t.Errorf("unexpected audit entry %+v", logs[0])
	}
}
