package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pulselog/internal/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrTargetNotFound 在目标类型不受支持时返回，不产生任何写入
	ErrTargetNotFound = errors.New("target not found")
	// ErrMissingVisitor 在既无 userId 又无指纹时返回
	ErrMissingVisitor = errors.New("visitor identity is required")
)

// supportedTargetTypes 列出可计数的内容类型。内容本体存于外部系统，
// 这里只校验类型枚举。
var supportedTargetTypes = map[string]struct{}{
	"page":         {},
	"content-item": {},
	"post":         {},
}

// ViewCounterService 维护内容级浏览计数。
// 同一访客在一个去重窗口内的重复浏览至多计 1 次；依赖见证行的唯一约束
// 与表达式自增保证并发正确性，不使用应用层锁。
type ViewCounterService struct {
	db     *gorm.DB
	window time.Duration
}

// NewViewCounterService 创建 ViewCounterService，默认去重窗口为 6 小时。
func NewViewCounterService(gdb *gorm.DB) *ViewCounterService {
	return &ViewCounterService{db: gdb, window: defaultVisitWindow}
}

// WithWindow 允许在测试或特定场景下调整去重窗口。
func (s *ViewCounterService) WithWindow(d time.Duration) *ViewCounterService {
	if d <= 0 {
		return s
	}
	s.window = d
	return s
}

// windowStart 取时间所在去重窗口的起点。
// 与访问去重使用同一套按 Unix 秒整除的分桶，保证两边窗口边界一致。
func (s *ViewCounterService) windowStart(t time.Time) time.Time {
	windowSeconds := int64(s.window / time.Second)
	return time.Unix(t.Unix()/windowSeconds*windowSeconds, 0).UTC()
}

// RecordView 为内容记录一次浏览。窗口内的重复浏览返回 counted=false
// 且不增加计数；该去重信号不是错误。
func (s *ViewCounterService) RecordView(targetType, targetID string, userID *string, fingerprint string, now time.Time) (bool, error) {
	targetType = strings.TrimSpace(targetType)
	targetID = strings.TrimSpace(targetID)
	if _, ok := supportedTargetTypes[targetType]; !ok || targetID == "" {
		return false, ErrTargetNotFound
	}

	visitorKey := strings.TrimSpace(fingerprint)
	if userID != nil && strings.TrimSpace(*userID) != "" {
		visitorKey = strings.TrimSpace(*userID)
	}
	if visitorKey == "" {
		return false, ErrMissingVisitor
	}

	if now.IsZero() {
		now = time.Now().UTC()
	}

	counted := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		witness := db.ViewWitness{
			TargetType:  targetType,
			TargetID:    targetID,
			VisitorKey:  visitorKey,
			WindowStart: s.windowStart(now),
		}
		insert := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "target_type"}, {Name: "target_id"},
				{Name: "visitor_key"}, {Name: "window_start"},
			},
			DoNothing: true,
		}).Create(&witness)
		if insert.Error != nil {
			return insert.Error
		}

		// 窗口内已有见证行：吞掉重复，不增加计数
		if insert.RowsAffected == 0 {
			return nil
		}

		if err := s.increment(tx, targetType, targetID, now); err != nil {
			return err
		}

		counted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("record view: %w", err)
	}

	return counted, nil
}

// increment 对计数行做表达式自增，计数行缺失时惰性创建后重试。
// 读取-修改-写回会在并发下丢失更新，这里必须走数据库侧的原子自增。
func (s *ViewCounterService) increment(tx *gorm.DB, targetType, targetID string, now time.Time) error {
	update := tx.Model(&db.ViewCounter{}).
		Where("target_type = ? AND target_id = ?", targetType, targetID).
		UpdateColumns(map[string]interface{}{
			"view_count":     gorm.Expr("view_count + ?", 1),
			"last_viewed_at": now,
			"updated_at":     now,
		})
	if update.Error != nil {
		return update.Error
	}
	if update.RowsAffected > 0 {
		return nil
	}

	counter := db.ViewCounter{TargetType: targetType, TargetID: targetID}
	insert := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "target_type"}, {Name: "target_id"}},
		DoNothing: true,
	}).Create(&counter)
	if insert.Error != nil {
		return insert.Error
	}

	return tx.Model(&db.ViewCounter{}).
		Where("target_type = ? AND target_id = ?", targetType, targetID).
		UpdateColumns(map[string]interface{}{
			"view_count":     gorm.Expr("view_count + ?", 1),
			"last_viewed_at": now,
			"updated_at":     now,
		}).Error
}

// CounterMap 返回指定内容的计数行，未被浏览过的内容不会出现在结果中。
func (s *ViewCounterService) CounterMap(targetType string, targetIDs []string) (map[string]*db.ViewCounter, error) {
	result := make(map[string]*db.ViewCounter, len(targetIDs))
	if len(targetIDs) == 0 {
		return result, nil
	}

	var counters []db.ViewCounter
	if err := s.db.Where("target_type = ? AND target_id IN ?", targetType, targetIDs).
		Find(&counters).Error; err != nil {
		return nil, fmt.Errorf("load view counters: %w", err)
	}

	for i := range counters {
		counter := counters[i]
		copied := counter
		result[counter.TargetID] = &copied
	}

	return result, nil
}
