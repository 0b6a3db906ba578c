package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pulselog/internal/db"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 受支持的指标族。每个族作为一个整体被重建与失效。
const (
	MetricTotalVisits   = "total-visits"
	MetricPerUserVisits = "per-user-visits"
	MetricTopContent    = "top-content"
	MetricMonthlyRollup = "monthly-rollup"
	MetricSessionStats  = "session-stats"
)

// AllMetricFamilies 返回全部指标族，顺序即默认重建顺序。
func AllMetricFamilies() []string {
	return []string{
		MetricTotalVisits,
		MetricPerUserVisits,
		MetricTopContent,
		MetricMonthlyRollup,
		MetricSessionStats,
	}
}

// familyCachePrefixes 描述每个指标族重建成功后需要失效的缓存键前缀。
var familyCachePrefixes = map[string][]string{
	MetricTotalVisits:   {"summary:"},
	MetricPerUserVisits: {"summary:", "per-user:"},
	MetricSessionStats:  {"summary:"},
	MetricTopContent:    {"monthly:"},
	MetricMonthlyRollup: {"monthly:"},
}

// AggregateService 周期性地从原始日志全量重建物化统计索引。
// 每个指标族的删除与写入在同一事务内完成，读取方不会观察到半成品；
// 单个族的失败不会中断其余族的重建。
type AggregateService struct {
	db     *gorm.DB
	visits *VisitService
	cache  *StatsCache

	topLimit int

	mu      sync.Mutex
	running map[string]bool
}

// NewAggregateService 构造 AggregateService。
func NewAggregateService(gdb *gorm.DB, visits *VisitService, cache *StatsCache) *AggregateService {
	return &AggregateService{
		db:       gdb,
		visits:   visits,
		cache:    cache,
		topLimit: 20,
		running:  make(map[string]bool),
	}
}

// WithTopLimit 调整热门内容榜单的长度。
func (s *AggregateService) WithTopLimit(limit int) *AggregateService {
	if limit > 0 {
		s.topLimit = limit
	}
	return s
}

// RebuildReport 汇报一次重建的结果，包含逐族的部分失败信息。
type RebuildReport struct {
	RecordsWritten int               `json:"recordsWritten"`
	Duration       time.Duration     `json:"-"`
	DurationMs     int64             `json:"durationMs"`
	Rebuilt        []string          `json:"rebuilt"`
	Skipped        []string          `json:"skipped,omitempty"`
	Failed         map[string]string `json:"failed,omitempty"`
}

// Rebuild 重建指定的指标族，未指定时重建全部。
// 取消只在族与族之间生效，不会打断单个族的原子替换。
func (s *AggregateService) Rebuild(ctx context.Context, families ...string) (RebuildReport, error) {
	report := RebuildReport{Failed: make(map[string]string)}
	start := time.Now()

	if len(families) == 0 {
		families = AllMetricFamilies()
	}

	for _, family := range families {
		if err := ctx.Err(); err != nil {
			report.Duration = time.Since(start)
			report.DurationMs = report.Duration.Milliseconds()
			return report, err
		}

		if _, ok := familyCachePrefixes[family]; !ok {
			report.Failed[family] = "unknown metric family"
			continue
		}

		if !s.tryAcquire(family) {
			report.Skipped = append(report.Skipped, family)
			continue
		}

		written, err := s.rebuildFamily(family, time.Now().UTC())
		s.release(family)

		if err != nil {
			log.Printf("[aggregate] rebuild %q failed: %v", family, err)
			report.Failed[family] = err.Error()
			continue
		}

		report.Rebuilt = append(report.Rebuilt, family)
		report.RecordsWritten += written

		for _, prefix := range familyCachePrefixes[family] {
			if err := s.cache.Invalidate(prefix); err != nil {
				log.Printf("[aggregate] cache flush %q after rebuilding %q failed: %v", prefix, family, err)
			}
		}
	}

	report.Duration = time.Since(start)
	report.DurationMs = report.Duration.Milliseconds()
	return report, nil
}

func (s *AggregateService) tryAcquire(family string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[family] {
		return false
	}
	s.running[family] = true
	return true
}

func (s *AggregateService) release(family string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, family)
}

func (s *AggregateService) rebuildFamily(family string, now time.Time) (int, error) {
	var (
		records []db.AggregateIndexRecord
		err     error
	)

	switch family {
	case MetricTotalVisits:
		records, err = s.computeTotalVisits(now)
	case MetricPerUserVisits:
		records, err = s.computePerUserVisits(now)
	case MetricTopContent:
		records, err = s.computeTopContent(now)
	case MetricMonthlyRollup:
		records, err = s.computeMonthlyRollups(now)
	case MetricSessionStats:
		records, err = s.computeSessionStats(now)
	default:
		return 0, fmt.Errorf("unknown metric family %q", family)
	}
	if err != nil {
		return 0, err
	}

	// 同一事务内删旧写新，保证逐族的原子替换
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("metric_type = ?", family).
			Delete(&db.AggregateIndexRecord{}).Error; err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		return tx.CreateInBatches(records, 200).Error
	})
	if err != nil {
		return 0, fmt.Errorf("replace family %q: %w", family, err)
	}

	return len(records), nil
}

func (s *AggregateService) computeTotalVisits(now time.Time) ([]db.AggregateIndexRecord, error) {
	visits, err := s.visits.VisitCountsByVisitor(time.Time{}, now)
	if err != nil {
		return nil, err
	}

	var total, loggedIn, anonymous int64
	for _, v := range visits {
		total += v.Visits
		if v.LoggedIn {
			loggedIn += v.Visits
		} else {
			anonymous += v.Visits
		}
	}

	return []db.AggregateIndexRecord{
		{MetricType: MetricTotalVisits, DimensionKey: "total", Value: float64(total), ComputedAt: now},
		{MetricType: MetricTotalVisits, DimensionKey: "logged-in", Value: float64(loggedIn), ComputedAt: now},
		{MetricType: MetricTotalVisits, DimensionKey: "anonymous", Value: float64(anonymous), ComputedAt: now},
	}, nil
}

func (s *AggregateService) computePerUserVisits(now time.Time) ([]db.AggregateIndexRecord, error) {
	visits, err := s.visits.VisitCountsByVisitor(time.Time{}, now)
	if err != nil {
		return nil, err
	}

	var records []db.AggregateIndexRecord
	for identity, v := range visits {
		if !v.LoggedIn {
			continue
		}
		records = append(records, db.AggregateIndexRecord{
			MetricType:   MetricPerUserVisits,
			DimensionKey: identity,
			Value:        float64(v.Visits),
			ComputedAt:   now,
		})
	}

	return records, nil
}

func (s *AggregateService) computeTopContent(now time.Time) ([]db.AggregateIndexRecord, error) {
	var counters []db.ViewCounter
	if err := s.db.Order("view_count DESC").Limit(s.topLimit).
		Find(&counters).Error; err != nil {
		return nil, err
	}

	records := make([]db.AggregateIndexRecord, 0, len(counters))
	for _, counter := range counters {
		payload, err := json.Marshal(TopContent{
			TargetType: counter.TargetType,
			TargetID:   counter.TargetID,
			Title:      s.lookupTargetTitle(counter.TargetType, counter.TargetID),
			Count:      int64(counter.ViewCount),
		})
		if err != nil {
			return nil, err
		}
		records = append(records, db.AggregateIndexRecord{
			MetricType:   MetricTopContent,
			DimensionKey: counter.TargetType + ":" + counter.TargetID,
			Value:        float64(counter.ViewCount),
			Payload:      datatypes.JSON(payload),
			ComputedAt:   now,
		})
	}

	return records, nil
}

// lookupTargetTitle 从最近的事件日志里找回内容标题，找不到时留空。
func (s *AggregateService) lookupTargetTitle(targetType, targetID string) string {
	var title string
	s.db.Model(&db.RawEvent{}).
		Select("target_title").
		Where("target_type = ? AND target_id = ? AND target_title <> ''", targetType, targetID).
		Order("occurred_at DESC").
		Limit(1).
		Scan(&title)
	return title
}

func (s *AggregateService) computeMonthlyRollups(now time.Time) ([]db.AggregateIndexRecord, error) {
	var months []string
	if err := s.db.Model(&db.RawEvent{}).
		Where("is_admin_actor = ?", false).
		Select("strftime('%Y-%m', occurred_at) AS month").
		Group("month").
		Order("month").
		Scan(&months).Error; err != nil {
		return nil, err
	}

	records := make([]db.AggregateIndexRecord, 0, len(months))
	for _, month := range months {
		rollup, err := computeMonthlyRollup(s.db, month, s.topLimit, now)
		if err != nil {
			return nil, err
		}

		payload, err := json.Marshal(rollup)
		if err != nil {
			return nil, err
		}

		records = append(records, db.AggregateIndexRecord{
			MetricType:   MetricMonthlyRollup,
			DimensionKey: month,
			Value:        float64(rollup.Meta.TotalLogs),
			Payload:      datatypes.JSON(payload),
			ComputedAt:   now,
		})
	}

	return records, nil
}

func (s *AggregateService) computeSessionStats(now time.Time) ([]db.AggregateIndexRecord, error) {
	stats, err := computeSessionStats(s.db, time.Time{}, now)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(stats)
	if err != nil {
		return nil, err
	}

	return []db.AggregateIndexRecord{{
		MetricType:   MetricSessionStats,
		DimensionKey: "all",
		Value:        float64(stats.TotalSessions),
		Payload:      datatypes.JSON(payload),
		ComputedAt:   now,
	}}, nil
}

// SessionStats 汇总会话层面的统计。
// 跳出的判定沿用既有口径：点击不超过 1 次且停留不足 30 秒。
type SessionStats struct {
	TotalSessions      int64   `json:"totalSessions"`
	AvgDurationSeconds int64   `json:"avgDurationSeconds"`
	BounceRate         float64 `json:"bounceRate"`
}

func computeSessionStats(gdb *gorm.DB, from, to time.Time) (SessionStats, error) {
	var stats SessionStats

	query := gdb.Model(&db.Session{}).Where("is_admin_actor = ?", false)
	if !from.IsZero() {
		query = query.Where("started_at >= ?", from)
	}
	if !to.IsZero() {
		query = query.Where("started_at <= ?", to)
	}

	if err := query.Session(&gorm.Session{}).Count(&stats.TotalSessions).Error; err != nil {
		return stats, err
	}

	completed := query.Session(&gorm.Session{}).Where("duration_seconds IS NOT NULL")

	var completedCount int64
	if err := completed.Session(&gorm.Session{}).Count(&completedCount).Error; err != nil {
		return stats, err
	}
	if completedCount == 0 {
		return stats, nil
	}

	var totalDuration int64
	if err := completed.Session(&gorm.Session{}).
		Select("COALESCE(SUM(duration_seconds), 0)").
		Scan(&totalDuration).Error; err != nil {
		return stats, err
	}
	stats.AvgDurationSeconds = totalDuration / completedCount

	var bounced int64
	if err := completed.Session(&gorm.Session{}).
		Where("total_clicks <= 1 AND duration_seconds < 30").
		Count(&bounced).Error; err != nil {
		return stats, err
	}
	stats.BounceRate = float64(bounced) / float64(completedCount) * 100

	return stats, nil
}

// TopContent 描述榜单中的一条内容。
type TopContent struct {
	TargetType string `json:"targetType"`
	TargetID   string `json:"targetId"`
	Title      string `json:"title,omitempty"`
	Count      int64  `json:"count"`
}

// RollupMeta 描述一份月度汇总的元信息。
type RollupMeta struct {
	Range      string    `json:"range"`
	TotalLogs  int64     `json:"totalLogs"`
	ComputedAt time.Time `json:"computedAt"`
}

// MonthlyRollup 是一份月度汇总文档：元信息加上按点击量排序的热门内容。
type MonthlyRollup struct {
	Month       string       `json:"month"`
	Meta        RollupMeta   `json:"meta"`
	TopContents []TopContent `json:"topContents"`
}

// computeMonthlyRollup 从原始日志即时计算某个月（YYYY-MM，UTC）的汇总。
func computeMonthlyRollup(gdb *gorm.DB, month string, limit int, now time.Time) (*MonthlyRollup, error) {
	monthStart, err := time.Parse("2006-01", month)
	if err != nil {
		return nil, fmt.Errorf("invalid month %q: %w", month, err)
	}
	monthEnd := monthStart.AddDate(0, 1, 0)

	base := gdb.Model(&db.RawEvent{}).
		Where("is_admin_actor = ?", false).
		Where("occurred_at >= ? AND occurred_at < ?", monthStart, monthEnd)

	var totalLogs int64
	if err := base.Session(&gorm.Session{}).Count(&totalLogs).Error; err != nil {
		return nil, fmt.Errorf("count monthly logs: %w", err)
	}

	var topContents []TopContent
	if err := base.Session(&gorm.Session{}).
		Select("target_type AS target_type, target_id AS target_id, MAX(target_title) AS title, COUNT(*) AS count").
		Where("target_type <> '' AND target_id <> ''").
		Group("target_type, target_id").
		Order("count DESC").
		Limit(limit).
		Scan(&topContents).Error; err != nil {
		return nil, fmt.Errorf("rank monthly contents: %w", err)
	}

	return &MonthlyRollup{
		Month: month,
		Meta: RollupMeta{
			Range:      fmt.Sprintf("%s ~ %s", monthStart.Format("2006-01-02"), monthEnd.AddDate(0, 0, -1).Format("2006-01-02")),
			TotalLogs:  totalLogs,
			ComputedAt: now,
		},
		TopContents: topContents,
	}, nil
}
