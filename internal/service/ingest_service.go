package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pulselog/internal/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrMissingFingerprint 在事件缺少访客指纹时返回
	ErrMissingFingerprint = errors.New("visitor fingerprint is required")
	// ErrSessionNotFound 在指定会话不存在时返回
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidInput 标记永久性的参数错误，与暂时性的存储故障区分，
	// 调用方不应对这类错误重试
	ErrInvalidInput = errors.New("invalid input")
)

// IngestService 负责原始事件与会话生命周期信号的落库。
// 所有写入都以客户端提供的 EventID/SessionID 做幂等保护，容忍重试。
type IngestService struct {
	db *gorm.DB
}

// NewIngestService 构造 IngestService。
func NewIngestService(gdb *gorm.DB) *IngestService {
	return &IngestService{db: gdb}
}

// RawEventInput 定义一次交互日志的可写字段。
type RawEventInput struct {
	EventID            string
	SessionID          string
	VisitorFingerprint string
	UserID             *string
	TargetType         string
	TargetID           string
	TargetTitle        string
	Section            string
	PageURL            string
	Referrer           string
	UTMSource          string
	UTMMedium          string
	UTMCampaign        string
	SequenceNumber     int
	IsAdminActor       bool
	OccurredAt         time.Time
}

// RecordEvent 追加一条原始事件。EventID 重复时不做任何修改并返回已有行，
// 缺失 EventID 时由服务端生成。返回值 created 表示本次调用是否产生了新行。
func (s *IngestService) RecordEvent(input RawEventInput) (*db.RawEvent, bool, error) {
	fingerprint := strings.TrimSpace(input.VisitorFingerprint)
	if fingerprint == "" {
		return nil, false, ErrMissingFingerprint
	}

	eventID := strings.TrimSpace(input.EventID)
	if eventID == "" {
		eventID = uuid.NewString()
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	event := db.RawEvent{
		EventID:            eventID,
		SessionID:          strings.TrimSpace(input.SessionID),
		VisitorFingerprint: fingerprint,
		UserID:             normalizeUserID(input.UserID),
		TargetType:         strings.TrimSpace(input.TargetType),
		TargetID:           strings.TrimSpace(input.TargetID),
		TargetTitle:        strings.TrimSpace(input.TargetTitle),
		Section:            strings.TrimSpace(input.Section),
		PageURL:            strings.TrimSpace(input.PageURL),
		Referrer:           strings.TrimSpace(input.Referrer),
		UTMSource:          strings.TrimSpace(input.UTMSource),
		UTMMedium:          strings.TrimSpace(input.UTMMedium),
		UTMCampaign:        strings.TrimSpace(input.UTMCampaign),
		SequenceNumber:     input.SequenceNumber,
		IsAdminActor:       input.IsAdminActor,
		OccurredAt:         occurredAt,
	}

	insert := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(&event)
	if insert.Error != nil {
		return nil, false, fmt.Errorf("record event: %w", insert.Error)
	}

	if insert.RowsAffected == 0 {
		var existing db.RawEvent
		if err := s.db.Where("event_id = ?", eventID).First(&existing).Error; err != nil {
			return nil, false, fmt.Errorf("load duplicate event: %w", err)
		}
		return &existing, false, nil
	}

	return &event, true, nil
}

// SessionInput 定义会话开始信号的可写字段。
type SessionInput struct {
	SessionID          string
	VisitorFingerprint string
	UserID             *string
	IsAdminActor       bool
	EntryPage          string
	Referrer           string
	UTMSource          string
	UTMMedium          string
	UTMCampaign        string
	StartedAt          time.Time
}

// StartSession 以 SessionID 为键 upsert 会话，重复的开始信号不会覆盖首条记录。
func (s *IngestService) StartSession(input SessionInput) (*db.Session, error) {
	sessionID := strings.TrimSpace(input.SessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}

	fingerprint := strings.TrimSpace(input.VisitorFingerprint)
	if fingerprint == "" {
		return nil, ErrMissingFingerprint
	}

	startedAt := input.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	session := db.Session{
		SessionID:          sessionID,
		VisitorFingerprint: fingerprint,
		UserID:             normalizeUserID(input.UserID),
		IsAdminActor:       input.IsAdminActor,
		EntryPage:          strings.TrimSpace(input.EntryPage),
		Referrer:           strings.TrimSpace(input.Referrer),
		UTMSource:          strings.TrimSpace(input.UTMSource),
		UTMMedium:          strings.TrimSpace(input.UTMMedium),
		UTMCampaign:        strings.TrimSpace(input.UTMCampaign),
		StartedAt:          startedAt,
	}

	insert := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoNothing: true,
	}).Create(&session)
	if insert.Error != nil {
		return nil, fmt.Errorf("start session: %w", insert.Error)
	}

	if insert.RowsAffected == 0 {
		var existing db.Session
		if err := s.db.Where("session_id = ?", sessionID).First(&existing).Error; err != nil {
			return nil, fmt.Errorf("load duplicate session: %w", err)
		}
		return &existing, nil
	}

	return &session, nil
}

// EndSession 关闭会话并回填时长。重复的结束信号按最后一次为准。
func (s *IngestService) EndSession(sessionID string, endedAt time.Time, exitPage string, totalClicks int) (*db.Session, error) {
	trimmed := strings.TrimSpace(sessionID)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}

	if endedAt.IsZero() {
		endedAt = time.Now().UTC()
	}

	var session db.Session
	if err := s.db.Where("session_id = ?", trimmed).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	duration := int(endedAt.Sub(session.StartedAt).Seconds())
	if duration < 0 {
		duration = 0
	}

	session.DurationSeconds = &duration
	session.ExitPage = strings.TrimSpace(exitPage)
	if totalClicks > 0 {
		session.TotalClicks = totalClicks
	}

	// 只更新结束信号携带的列，避免把加载时的快照写回去，
	// 覆盖掉并发归并刚补上的 user_id
	updates := map[string]interface{}{
		"duration_seconds": session.DurationSeconds,
		"exit_page":        session.ExitPage,
		"total_clicks":     session.TotalClicks,
	}
	if err := s.db.Model(&db.Session{}).
		Where("session_id = ?", trimmed).
		Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("end session: %w", err)
	}

	return &session, nil
}

func normalizeUserID(userID *string) *string {
	if userID == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*userID)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
