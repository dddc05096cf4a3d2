package models

import "time"

// DisconnectReason explains why a user is queued for disconnection.
type DisconnectReason string

// DisconnectReason constants.
const (
	// DisconnectReasonQuotaExceeded is queued by the overage detector.
	DisconnectReasonQuotaExceeded DisconnectReason = "QUOTA_EXCEEDED"
	// DisconnectReasonPlanExpired is queued by the expiry sweep.
	DisconnectReasonPlanExpired DisconnectReason = "PLAN_EXPIRED"
)

// Valid reports whether r is a known reason.
func (r DisconnectReason) Valid() bool {
	return r == DisconnectReasonQuotaExceeded || r == DisconnectReasonPlanExpired
}

// DisconnectQueueEntry is a pending or processed forced-disconnect request.
// At most one unprocessed entry exists per username.
type DisconnectQueueEntry struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Username string           `gorm:"type:varchar(255);not null"` // Target username.
	Reason   DisconnectReason `gorm:"type:varchar(32);not null"`  // Why the user is disconnected.

	Processed   bool       `gorm:"not null;default:false;index"` // Whether enforcement finished.
	ProcessedAt *time.Time // Completion time.

	ClaimedBy string     `gorm:"type:varchar(64)"` // Worker currently holding the entry.
	ClaimedAt *time.Time // Claim time, used as a lease.
	Attempts  int        `gorm:"not null;default:0"` // Processing attempts.
	LastError string     `gorm:"type:text"`          // Last processing error.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Enqueue time.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`       // Last update timestamp.
}

// TableName pins the queue table name.
func (DisconnectQueueEntry) TableName() string { return "disconnect_queue" }
