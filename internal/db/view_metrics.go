package db

import "time"

// ViewCounter 汇总单个内容的浏览次数，每个 (TargetType, TargetID) 仅一行。
// ViewCount 只允许通过原子自增修改，避免并发写入时的丢失更新。
type ViewCounter struct {
	ID           uint   `gorm:"primaryKey"`
	TargetType   string `gorm:"size:32;uniqueIndex:idx_view_counter_target"`
	TargetID     string `gorm:"size:64;uniqueIndex:idx_view_counter_target"`
	ViewCount    uint64 `gorm:"default:0"`
	LastViewedAt time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TableName 指定自定义表名。
func (ViewCounter) TableName() string {
	return "view_counters"
}

// ViewWitness 记录某访客在一个去重窗口内对某内容的首次浏览，
// 唯一索引使窗口内的重复插入失败，从而充当计数去重的闸门。
type ViewWitness struct {
	ID          uint      `gorm:"primaryKey"`
	TargetType  string    `gorm:"size:32;uniqueIndex:idx_view_witness"`
	TargetID    string    `gorm:"size:64;uniqueIndex:idx_view_witness"`
	VisitorKey  string    `gorm:"size:64;uniqueIndex:idx_view_witness"`
	WindowStart time.Time `gorm:"uniqueIndex:idx_view_witness"`
	CreatedAt   time.Time
}

// TableName 指定自定义表名。
func (ViewWitness) TableName() string {
	return "view_witnesses"
}
