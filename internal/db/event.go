package db

import "time"

// RawEvent 记录一次原始交互日志，写入后不可变。
// VisitorFingerprint 永远非空；UserID 在访客登录前保持为空，
// 之后由身份归并流程回填。
type RawEvent struct {
	ID                 uint    `gorm:"primaryKey"`
	EventID            string  `gorm:"size:64;uniqueIndex"`
	SessionID          string  `gorm:"size:64;index"`
	VisitorFingerprint string  `gorm:"size:64;index"`
	UserID             *string `gorm:"size:64;index"`
	TargetType         string  `gorm:"size:32;index"`
	TargetID           string  `gorm:"size:64"`
	TargetTitle        string  `gorm:"size:255"`
	Section            string  `gorm:"size:64"`
	PageURL            string  `gorm:"size:255"`
	Referrer           string  `gorm:"size:255"`
	UTMSource          string  `gorm:"size:64"`
	UTMMedium          string  `gorm:"size:64"`
	UTMCampaign        string  `gorm:"size:64"`
	SequenceNumber     int
	IsAdminActor       bool      `gorm:"index"`
	OccurredAt         time.Time `gorm:"index"`
	CreatedAt          time.Time
}

// TableName 指定自定义表名，避免自动复数化导致的歧义。
func (RawEvent) TableName() string {
	return "raw_events"
}

// Session 记录一次连续的浏览会话。
// 以 SessionID 作为 upsert 键，容忍客户端重复发送会话开始信号；
// DurationSeconds 在会话结束前保持为空。
type Session struct {
	ID                 uint    `gorm:"primaryKey"`
	SessionID          string  `gorm:"size:64;uniqueIndex"`
	VisitorFingerprint string  `gorm:"size:64;index"`
	UserID             *string `gorm:"size:64;index"`
	IsAdminActor       bool
	EntryPage          string `gorm:"size:255"`
	ExitPage           string `gorm:"size:255"`
	Referrer           string `gorm:"size:255"`
	UTMSource          string `gorm:"size:64"`
	UTMMedium          string `gorm:"size:64"`
	UTMCampaign        string `gorm:"size:64"`
	TotalClicks        int
	StartedAt          time.Time `gorm:"index"`
	DurationSeconds    *int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TableName 指定自定义表名。
func (Session) TableName() string {
	return "sessions"
}
