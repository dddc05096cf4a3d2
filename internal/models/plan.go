package models

import "time"

// Plan is an immutable data/time plan template referenced by assignments.
type Plan struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name        string `gorm:"type:varchar(255);not null"` // Plan name.
	Description string `gorm:"type:text"`                  // Plan description.

	DataQuota    *int64 `gorm:"type:bigint"`        // Data quota in bytes; nil means unlimited.
	ValidityDays int    `gorm:"not null;default:0"` // Days an assignment stays valid.

	BandwidthUp    int64 `gorm:"not null;default:0"` // Upload limit in bits per second.
	BandwidthDown  int64 `gorm:"not null;default:0"` // Download limit in bits per second.
	SessionTimeout int   `gorm:"not null;default:0"` // Session-Timeout in seconds.
	IdleTimeout    int   `gorm:"not null;default:0"` // Idle-Timeout in seconds.

	IsEnabled bool `gorm:"not null;default:true"` // Whether the plan can be assigned.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
