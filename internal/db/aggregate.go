package db

import (
	"time"

	"gorm.io/datatypes"
)

// AggregateIndexRecord 保存一条物化统计结果，由索引构建器整族替换，
// 其余组件只读。
type AggregateIndexRecord struct {
	ID           uint   `gorm:"primaryKey"`
	MetricType   string `gorm:"size:32;index"`
	DimensionKey string `gorm:"size:128"`
	Value        float64
	Payload      datatypes.JSON
	ComputedAt   time.Time
	CreatedAt    time.Time
}

// TableName 指定自定义表名。
func (AggregateIndexRecord) TableName() string {
	return "aggregate_index_records"
}

// CacheEntry 缓存一次昂贵查询的结果，过期或被构建器刷新后重算。
// 缓存不具备权威性，丢失只带来重算成本。
type CacheEntry struct {
	ID        uint   `gorm:"primaryKey"`
	Key       string `gorm:"size:128;uniqueIndex"`
	Payload   datatypes.JSON
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName 指定自定义表名。
func (CacheEntry) TableName() string {
	return "cache_entries"
}
