package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pulselog/internal/config"
	"github.com/pulselog/internal/db"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func setupTestDB(t *testing.T) (*API, func()) {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	if err := gdb.AutoMigrate(
		&db.RawEvent{},
		&db.Session{},
		&db.ViewCounter{},
		&db.ViewWitness{},
		&db.AggregateIndexRecord{},
		&db.CacheEntry{},
	); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	db.DB = gdb

	cfg := config.AppConfig{
		VisitWindow:     6 * time.Hour,
		CacheTTL:        10 * time.Minute,
		TopContentLimit: 5,
	}

	return NewAPI(db.DB, cfg), func() {
		sqlDB.Close()
	}
}

func postJSON(t *testing.T, handlerFn gin.HandlerFunc, path string, payload any, params ...gin.Param) *httptest.ResponseRecorder {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	c.Params = params

	handlerFn(c)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return body
}

func TestRecordEventCreatedThenDuplicate(t *testing.T) {
	api, cleanup := setupTestDB(t)
	defer cleanup()

	payload := map[string]any{
		"eventId":     "evt-1",
		"fingerprint": "fp-1",
		"targetType":  "page",
		"targetId":    "home",
		"occurredAt":  "2026-05-10T08:00:00Z",
	}

	w := postJSON(t, api.RecordEvent, "/api/events", payload)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	w = postJSON(t, api.RecordEvent, "/api/events", payload)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 for duplicate, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["created"] != false {
		t.Fatalf("expected created=false, got %v", body)
	}

	var count int64
	db.DB.Model(&db.RawEvent{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected a single stored event, found %d", count)
	}
}

func TestRecordEventRejectsMissingFingerprint(t *testing.T) {
	api, cleanup := setupTestDB(t)
	defer cleanup()

	payload := map[string]any{
		"targetType": "page",
		"targetId":   "home",
	}

	w := postJSON(t, api.RecordEvent, "/api/events", payload)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	api, cleanup := setupTestDB(t)
	defer cleanup()

	start := map[string]any{
		"sessionId":   "sess-1",
		"fingerprint": "fp-1",
		"entryPage":   "/home",
		"startedAt":   "2026-05-10T08:00:00Z",
	}

	w := postJSON(t, api.StartSession, "/api/sessions", start)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	end := map[string]any{
		"exitPage":    "/about",
		"totalClicks": 4,
		"endedAt":     "2026-05-10T08:02:30Z",
	}

	w = postJSON(t, api.EndSession, "/api/sessions/sess-1/end", end,
		gin.Param{Key: "id", Value: "sess-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["durationSeconds"] != float64(150) {
		t.Fatalf("expected duration 150, got %v", body["durationSeconds"])
	}
}

func TestEndSessionUnknownReturns404(t *testing.T) {
	api, cleanup := setupTestDB(t)
	defer cleanup()

	end := map[string]any{"endedAt": "2026-05-10T08:02:30Z"}
	w := postJSON(t, api.EndSession, "/api/sessions/missing/end", end,
		gin.Param{Key: "id", Value: "missing"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", w.Code)
	}
}

func TestRecordViewCountedFlag(t *testing.T) {
	api, cleanup := setupTestDB(t)
	defer cleanup()

	payload := map[string]any{
		"targetType":  "post",
		"targetId":    "307",
		"fingerprint": "fp-1",
	}

	w := postJSON(t, api.RecordView, "/api/views", payload)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["counted"] != true {
		t.Fatalf("expected first view counted, got %v", body)
	}

	// 同窗口内的重复浏览不再计数
	w = postJSON(t, api.RecordView, "/api/views", payload)
	if body := decodeBody(t, w); body["counted"] != false {
		t.Fatalf("expected duplicate view uncounted, got %v", body)
	}
}

func TestRecordViewUnknownTargetReturns404(t *testing.T) {
	api, cleanup := setupTestDB(t)
	defer cleanup()

	payload := map[string]any{
		"targetType":  "widget",
		"targetId":    "1",
		"fingerprint": "fp-1",
	}

	w := postJSON(t, api.RecordView, "/api/views", payload)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestStartSessionMissingIDReturns400(t *testing.T) {
	api, cleanup := setupTestDB(t)
	defer cleanup()

	payload := map[string]any{
		"fingerprint": "fp-1",
		"startedAt":   "2026-05-10T08:00:00Z",
	}

	w := postJSON(t, api.StartSession, "/api/sessions", payload)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d: %s", w.Code, w.Body.String())
	}
	// 参数错误是永久性的，不能带可重试提示
	if body := decodeBody(t, w); body["retryable"] != nil {
		t.Fatalf("invalid input must not be retryable: %v", body)
	}
}

func TestReconcileIdentityMissingUserIDReturns400(t *testing.T) {
	api, cleanup := setupTestDB(t)
	defer cleanup()

	payload := map[string]any{"fingerprint": "fp-1"}
	w := postJSON(t, api.ReconcileIdentity, "/api/identity/reconcile", payload)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d: %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["retryable"] != nil {
		t.Fatalf("invalid input must not be retryable: %v", body)
	}
}

func TestRecordViewNormalizesLegacyTargetType(t *testing.T) {
	api, cleanup := setupTestDB(t)
	defer cleanup()

	payload := map[string]any{
		"targetType":  "board_post",
		"targetId":    "307",
		"fingerprint": "fp-1",
	}

	w := postJSON(t, api.RecordView, "/api/views", payload)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var counter db.ViewCounter
	if err := db.DB.Where("target_type = ? AND target_id = ?", "post", "307").
		First(&counter).Error; err != nil {
		t.Fatalf("expected counter stored under canonical type: %v", err)
	}
	if counter.ViewCount != 1 {
		t.Fatalf("expected view count 1, got %d", counter.ViewCount)
	}
}

func TestReconcileIdentityEndpoint(t *testing.T) {
	api, cleanup := setupTestDB(t)
	defer cleanup()

	event := db.RawEvent{
		EventID:            "evt-anon",
		VisitorFingerprint: "fp-9",
		TargetType:         "page",
		TargetID:           "home",
		OccurredAt:         time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC),
	}
	if err := db.DB.Create(&event).Error; err != nil {
		t.Fatalf("failed to seed event: %v", err)
	}

	payload := map[string]any{"fingerprint": "fp-9", "userId": "user-42"}
	w := postJSON(t, api.ReconcileIdentity, "/api/identity/reconcile", payload)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["updatedEvents"] != float64(1) {
		t.Fatalf("expected 1 updated event, got %v", body)
	}

	var reloaded db.RawEvent
	if err := db.DB.Where("event_id = ?", "evt-anon").First(&reloaded).Error; err != nil {
		t.Fatalf("failed to reload event: %v", err)
	}
	if reloaded.UserID == nil || *reloaded.UserID != "user-42" {
		t.Fatalf("expected user backfilled, got %v", reloaded.UserID)
	}
}
