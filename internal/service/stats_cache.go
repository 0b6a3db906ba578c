package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/pulselog/internal/db"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StatsCache 缓存昂贵的区间统计查询结果。
// 缓存不具备权威性：读取失败会退化为重算，丢失只带来重算成本。
type StatsCache struct {
	db *gorm.DB
}

// NewStatsCache 构造 StatsCache。
func NewStatsCache(gdb *gorm.DB) *StatsCache {
	return &StatsCache{db: gdb}
}

// GetOrCompute 返回未过期的缓存结果；缓存缺失或过期时调用 compute，
// 将结果以 ttl 写回后返回。写回失败只记录告警，不影响返回值。
func (c *StatsCache) GetOrCompute(key string, ttl time.Duration, compute func() (interface{}, error)) (datatypes.JSON, error) {
	now := time.Now().UTC()

	var entry db.CacheEntry
	err := c.db.Where("key = ? AND expires_at > ?", key, now).First(&entry).Error
	if err == nil {
		return entry.Payload, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Printf("[cache] read %q failed, recomputing: %v", key, err)
	}

	value, err := compute()
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal cache payload: %w", err)
	}

	fresh := db.CacheEntry{
		Key:       key,
		Payload:   datatypes.JSON(payload),
		ExpiresAt: now.Add(ttl),
	}
	if err := c.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "expires_at", "updated_at"}),
	}).Create(&fresh).Error; err != nil {
		log.Printf("[cache] store %q failed: %v", key, err)
	}

	return datatypes.JSON(payload), nil
}

// Invalidate 删除所有以 keyPrefix 开头的缓存条目。
func (c *StatsCache) Invalidate(keyPrefix string) error {
	if keyPrefix == "" {
		return errors.New("cache key prefix is required")
	}

	if err := c.db.Where("key LIKE ?", keyPrefix+"%").Delete(&db.CacheEntry{}).Error; err != nil {
		return fmt.Errorf("invalidate cache prefix %q: %w", keyPrefix, err)
	}
	return nil
}
