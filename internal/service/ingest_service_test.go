package service

import (
	"errors"
	"testing"
	"time"

	"github.com/pulselog/internal/db"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupServiceTestDB(t *testing.T) func() {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}

	if err := gdb.AutoMigrate(
		&db.RawEvent{}, &db.Session{},
		&db.ViewCounter{}, &db.ViewWitness{},
		&db.AggregateIndexRecord{}, &db.CacheEntry{},
	); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	db.DB = gdb

	return func() {
		sqlDB.Close()
	}
}

func strPtr(s string) *string {
	return &s
}

func TestRecordEventIdempotentOnEventID(t *testing.T) {
	cleanup := setupServiceTestDB(t)
	defer cleanup()

	svc := NewIngestService(db.DB)
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	event, created, err := svc.RecordEvent(RawEventInput{
		EventID:            "evt-1",
		VisitorFingerprint: "fp1",
		TargetType:         "page",
		TargetID:           "home",
		OccurredAt:         base,
	})
	if err != nil {
		t.Fatalf("first record failed: %v", err)
	}
	if !created || event.EventID != "evt-1" {
		t.Fatalf("expected new event evt-1, got created=%v id=%s", created, event.EventID)
	}

	// 客户端重试同一 eventId 不应产生新行
	event, created, err = svc.RecordEvent(RawEventInput{
		EventID:            "evt-1",
		VisitorFingerprint: "fp1",
		TargetType:         "page",
		TargetID:           "home",
		OccurredAt:         base.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("duplicate record failed: %v", err)
	}
	if created {
		t.Fatal("expected duplicate eventId to be a no-op")
	}
	if !event.OccurredAt.Equal(base) {
		t.Fatalf("expected original row returned, got occurredAt %v", event.OccurredAt)
	}

	var count int64
	db.DB.Model(&db.RawEvent{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected 1 event row, got %d", count)
	}
}

func TestRecordEventGeneratesEventID(t *testing.T) {
	cleanup := setupServiceTestDB(t)
	defer cleanup()

	svc := NewIngestService(db.DB)

	event, created, err := svc.RecordEvent(RawEventInput{
		VisitorFingerprint: "fp1",
		TargetType:         "page",
		TargetID:           "home",
	})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if !created || event.EventID == "" {
		t.Fatalf("expected generated event id, got created=%v id=%q", created, event.EventID)
	}
}

func TestRecordEventRequiresFingerprint(t *testing.T) {
	cleanup := setupServiceTestDB(t)
	defer cleanup()

	svc := NewIngestService(db.DB)

	if _, _, err := svc.RecordEvent(RawEventInput{TargetType: "page", TargetID: "home"}); !errors.Is(err, ErrMissingFingerprint) {
		t.Fatalf("expected ErrMissingFingerprint, got %v", err)
	}

	var count int64
	db.DB.Model(&db.RawEvent{}).Count(&count)
	if count != 0 {
		t.Fatalf("expected no rows, got %d", count)
	}
}

func TestSessionLifecycle(t *testing.T) {
	cleanup := setupServiceTestDB(t)
	defer cleanup()

	svc := NewIngestService(db.DB)
	base := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

	first, err := svc.StartSession(SessionInput{
		SessionID:          "sess-1",
		VisitorFingerprint: "fp1",
		EntryPage:          "/home",
		StartedAt:          base,
	})
	if err != nil {
		t.Fatalf("start session failed: %v", err)
	}

	// 重复的开始信号以首条为准
	dup, err := svc.StartSession(SessionInput{
		SessionID:          "sess-1",
		VisitorFingerprint: "fp1",
		EntryPage:          "/other",
		StartedAt:          base.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("duplicate start failed: %v", err)
	}
	if dup.ID != first.ID || dup.EntryPage != "/home" {
		t.Fatalf("expected duplicate start to keep first row, got %+v", dup)
	}

	var count int64
	db.DB.Model(&db.Session{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected 1 session row, got %d", count)
	}

	closed, err := svc.EndSession("sess-1", base.Add(90*time.Second), "/bye", 4)
	if err != nil {
		t.Fatalf("end session failed: %v", err)
	}
	if closed.DurationSeconds == nil || *closed.DurationSeconds != 90 {
		t.Fatalf("expected duration 90s, got %+v", closed.DurationSeconds)
	}
	if closed.ExitPage != "/bye" || closed.TotalClicks != 4 {
		t.Fatalf("unexpected closed session: %+v", closed)
	}
}

func TestEndSessionUnknown(t *testing.T) {
	cleanup := setupServiceTestDB(t)
	defer cleanup()

	svc := NewIngestService(db.DB)

	if _, err := svc.EndSession("missing", time.Now(), "", 0); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestEndSessionMissingIDIsInvalidInput(t *testing.T) {
	cleanup := setupServiceTestDB(t)
	defer cleanup()

	svc := NewIngestService(db.DB)

	if _, err := svc.EndSession("  ", time.Now(), "", 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.StartSession(SessionInput{VisitorFingerprint: "fp-1"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestEndSessionPreservesConcurrentAttribution(t *testing.T) {
	cleanup := setupServiceTestDB(t)
	defer cleanup()

	svc := NewIngestService(db.DB)
	started := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)
	if _, err := svc.StartSession(SessionInput{
		SessionID:          "sess-1",
		VisitorFingerprint: "fp-1",
		StartedAt:          started,
	}); err != nil {
		t.Fatalf("failed to start session: %v", err)
	}

	// 在结束信号加载会话快照之后、写回之前插入一次归并回填，
	// 复现结束与归并并发交错的时序
	backfilled := false
	err := db.DB.Callback().Query().After("gorm:query").Register("attribution_backfill", func(tx *gorm.DB) {
		if backfilled || tx.Statement.Table != "sessions" {
			return
		}
		backfilled = true
		tx.Session(&gorm.Session{NewDB: true}).Exec(
			"UPDATE sessions SET user_id = ? WHERE session_id = ?", "user-42", "sess-1")
	})
	if err != nil {
		t.Fatalf("failed to register callback: %v", err)
	}
	defer db.DB.Callback().Query().Remove("attribution_backfill")

	if _, err := svc.EndSession("sess-1", started.Add(90*time.Second), "/about", 3); err != nil {
		t.Fatalf("failed to end session: %v", err)
	}

	var session db.Session
	if err := db.DB.Where("session_id = ?", "sess-1").First(&session).Error; err != nil {
		t.Fatalf("failed to reload session: %v", err)
	}
	if session.UserID == nil || *session.UserID != "user-42" {
		t.Fatalf("expected backfilled attribution preserved, got %v", session.UserID)
	}
	if session.DurationSeconds == nil || *session.DurationSeconds != 90 {
		t.Fatalf("expected duration 90, got %v", session.DurationSeconds)
	}
	if session.ExitPage != "/about" || session.TotalClicks != 3 {
		t.Fatalf("expected end fields persisted, got %+v", session)
	}
}
