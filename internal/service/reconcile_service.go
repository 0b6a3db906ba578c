package service

import (
	"fmt"
	"log"
	"strings"

	"github.com/pulselog/internal/db"
	"gorm.io/gorm"
)

// ReconcileService 将匿名指纹的历史活动归并到已认证用户身上，
// 使登录前的浏览记录在登录后依然可以被归因。
type ReconcileService struct {
	db    *gorm.DB
	cache *StatsCache
}

// NewReconcileService 构造 ReconcileService。
func NewReconcileService(gdb *gorm.DB, cache *StatsCache) *ReconcileService {
	return &ReconcileService{db: gdb, cache: cache}
}

// ReconcileResult 汇报一次归并的匹配与实际更新行数。
type ReconcileResult struct {
	MatchedEvents   int64
	UpdatedEvents   int64
	MatchedSessions int64
	UpdatedSessions int64
}

// Mismatch 返回是否出现了匹配数与更新数不一致的情况。
// 归并与新事件写入并发竞争时会发生，属于良性现象，下次归并会补齐。
func (r ReconcileResult) Mismatch() bool {
	return r.UpdatedEvents != r.MatchedEvents || r.UpdatedSessions != r.MatchedSessions
}

// Reconcile 将 fingerprint 名下所有 user_id 为空的事件与会话回填为 userID。
// 已绑定其他用户的行不会被改写（共享设备保护）；重复执行是幂等的空操作。
func (s *ReconcileService) Reconcile(fingerprint, userID string) (ReconcileResult, error) {
	var result ReconcileResult

	fp := strings.TrimSpace(fingerprint)
	uid := strings.TrimSpace(userID)
	if fp == "" {
		return result, ErrMissingFingerprint
	}
	if uid == "" {
		return result, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}

	if err := s.db.Model(&db.RawEvent{}).
		Where("visitor_fingerprint = ? AND user_id IS NULL", fp).
		Count(&result.MatchedEvents).Error; err != nil {
		return result, fmt.Errorf("count reconcilable events: %w", err)
	}

	update := s.db.Model(&db.RawEvent{}).
		Where("visitor_fingerprint = ? AND user_id IS NULL", fp).
		Update("user_id", uid)
	if update.Error != nil {
		return result, fmt.Errorf("reconcile events: %w", update.Error)
	}
	result.UpdatedEvents = update.RowsAffected

	if err := s.db.Model(&db.Session{}).
		Where("visitor_fingerprint = ? AND user_id IS NULL", fp).
		Count(&result.MatchedSessions).Error; err != nil {
		return result, fmt.Errorf("count reconcilable sessions: %w", err)
	}

	update = s.db.Model(&db.Session{}).
		Where("visitor_fingerprint = ? AND user_id IS NULL", fp).
		Update("user_id", uid)
	if update.Error != nil {
		return result, fmt.Errorf("reconcile sessions: %w", update.Error)
	}
	result.UpdatedSessions = update.RowsAffected

	if result.Mismatch() {
		log.Printf("[reconcile] count mismatch for fingerprint %q: events %d/%d, sessions %d/%d",
			fp, result.UpdatedEvents, result.MatchedEvents, result.UpdatedSessions, result.MatchedSessions)
	}

	// 归并改变了该用户的历史归因，相关的按用户缓存需要失效
	if err := s.cache.Invalidate(perUserCachePrefix(uid)); err != nil {
		log.Printf("[reconcile] cache invalidation for user %q failed: %v", uid, err)
	}

	return result, nil
}

func perUserCachePrefix(userID string) string {
	return "per-user:" + userID
}
