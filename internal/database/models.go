package database

import "time"

type User struct {
	ID           uint      `gorm:"primaryKey;autoIncrement"`
	Username     string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	Role         string    `gorm:"not null;default:user"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

// Setting is the per-user key/category store consumed by the cores. The AI
// vault persists its encrypted configuration blob under category "ai-config";
// user id 0 is reserved for server-generated secrets.
type Setting struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	UserID    uint      `gorm:"not null;uniqueIndex:idx_user_category"`
	Category  string    `gorm:"not null;uniqueIndex:idx_user_category"`
	Value     string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// AIUsageDay accumulates one row per user per UTC day. Rows older than the
// retention window are pruned by the maintenance job.
type AIUsageDay struct {
	ID           uint      `gorm:"primaryKey;autoIncrement"`
	UserID       uint      `gorm:"not null;uniqueIndex:idx_usage_user_day"`
	Day          string    `gorm:"not null;uniqueIndex:idx_usage_user_day"` // "2006-01-02" UTC
	Requests     int64     `gorm:"not null;default:0"`
	InputTokens  int64     `gorm:"not null;default:0"`
	OutputTokens int64     `gorm:"not null;default:0"`
	CostMicro    int64     `gorm:"not null;default:0"` // microdollars
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}
