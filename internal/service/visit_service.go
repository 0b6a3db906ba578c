package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/pulselog/internal/db"
	"gorm.io/gorm"
)

const defaultVisitWindow = 6 * time.Hour

// VisitService 将原始事件流折叠为去重后的"访问"次数。
// 按访客身份（已登录取 userId，否则取指纹）把 occurredAt 切入固定宽度
// 的时间桶，非空桶的数量即该访客的访问数。桶宽固定使结果与事件到达
// 顺序无关，重算稳定。
type VisitService struct {
	db     *gorm.DB
	window time.Duration
}

// NewVisitService 创建 VisitService，默认去重窗口为 6 小时。
func NewVisitService(gdb *gorm.DB) *VisitService {
	return &VisitService{db: gdb, window: defaultVisitWindow}
}

// WithWindow 允许在测试或特定场景下调整去重窗口。
func (s *VisitService) WithWindow(d time.Duration) *VisitService {
	if d <= 0 {
		return s
	}
	s.window = d
	return s
}

// Window 返回当前的去重窗口宽度。
func (s *VisitService) Window() time.Duration {
	return s.window
}

func (s *VisitService) bucket(t time.Time) int64 {
	return t.Unix() / int64(s.window/time.Second)
}

// CountDistinctVisits 统计单个访客身份在时间区间内的去重访问数。
// 跨桶边界的连续活动会计为两次访问，这是既定行为而非缺陷。
func (s *VisitService) CountDistinctVisits(identity string, from, to time.Time) (int64, error) {
	trimmed := strings.TrimSpace(identity)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: visitor identity is required", ErrInvalidInput)
	}

	query := s.db.Model(&db.RawEvent{}).
		Select("occurred_at").
		Where("COALESCE(user_id, visitor_fingerprint) = ?", trimmed).
		Where("is_admin_actor = ?", false)
	query = applyTimeRange(query, from, to)

	var timestamps []time.Time
	if err := query.Pluck("occurred_at", &timestamps).Error; err != nil {
		return 0, fmt.Errorf("load events for visit count: %w", err)
	}

	buckets := make(map[int64]struct{}, len(timestamps))
	for _, ts := range timestamps {
		buckets[s.bucket(ts)] = struct{}{}
	}

	return int64(len(buckets)), nil
}

// VisitorVisits 描述单个访客身份在区间内的去重访问数。
type VisitorVisits struct {
	Identity string
	LoggedIn bool
	Visits   int64
}

// VisitCountsByVisitor 批量统计区间内所有访客的去重访问数，
// 供索引构建器与汇总查询复用。管理员的活动不参与统计。
func (s *VisitService) VisitCountsByVisitor(from, to time.Time) (map[string]VisitorVisits, error) {
	type eventRow struct {
		UserID             *string
		VisitorFingerprint string
		OccurredAt         time.Time
	}

	query := s.db.Model(&db.RawEvent{}).
		Select("user_id", "visitor_fingerprint", "occurred_at").
		Where("is_admin_actor = ?", false)
	query = applyTimeRange(query, from, to)

	var rows []eventRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load events for visit map: %w", err)
	}

	type visitorBuckets struct {
		loggedIn bool
		buckets  map[int64]struct{}
	}

	seen := make(map[string]*visitorBuckets)
	for _, row := range rows {
		identity := row.VisitorFingerprint
		loggedIn := false
		if row.UserID != nil && *row.UserID != "" {
			identity = *row.UserID
			loggedIn = true
		}

		entry, ok := seen[identity]
		if !ok {
			entry = &visitorBuckets{buckets: make(map[int64]struct{})}
			seen[identity] = entry
		}
		if loggedIn {
			entry.loggedIn = true
		}
		entry.buckets[s.bucket(row.OccurredAt)] = struct{}{}
	}

	result := make(map[string]VisitorVisits, len(seen))
	for identity, entry := range seen {
		result[identity] = VisitorVisits{
			Identity: identity,
			LoggedIn: entry.loggedIn,
			Visits:   int64(len(entry.buckets)),
		}
	}

	return result, nil
}

func applyTimeRange(query *gorm.DB, from, to time.Time) *gorm.DB {
	if !from.IsZero() {
		query = query.Where("occurred_at >= ?", from)
	}
	if !to.IsZero() {
		query = query.Where("occurred_at <= ?", to)
	}
	return query
}
