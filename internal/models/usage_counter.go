package models

import "time"

// PeriodUsageCounter holds the bytes of all sessions closed within a billing period.
type PeriodUsageCounter struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Username    string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_period_usage_user_period,priority:1"` // Owning username.
	PeriodStart time.Time `gorm:"not null;uniqueIndex:idx_period_usage_user_period,priority:2"`                   // Period start (UTC).
	BytesUsed   int64     `gorm:"not null;default:0"`                                                             // Folded bytes.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
