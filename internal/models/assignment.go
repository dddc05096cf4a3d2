package models

import "time"

// AssignmentStatus represents the lifecycle state of a user plan assignment.
type AssignmentStatus string

// AssignmentStatus constants define assignment lifecycle states.
const (
	// AssignmentStatusActive marks an assignment that contributes quota.
	AssignmentStatusActive AssignmentStatus = "ACTIVE"
	// AssignmentStatusExpired marks an assignment that ran past its expiry.
	AssignmentStatusExpired AssignmentStatus = "EXPIRED"
	// AssignmentStatusCancelled marks an assignment cancelled by an operator.
	AssignmentStatusCancelled AssignmentStatus = "CANCELLED"
)

// UserPlanAssignment links a user to a plan. Rows are never deleted.
type UserPlanAssignment struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Username string `gorm:"type:varchar(255);not null;index:idx_assignments_username_status,priority:1"` // Owning username.

	PlanID uint64 `gorm:"not null;index"`    // Related plan ID.
	Plan   Plan   `gorm:"foreignKey:PlanID"` // Related plan record.

	Status            AssignmentStatus `gorm:"type:varchar(16);not null;default:'ACTIVE';index:idx_assignments_username_status,priority:2"` // Lifecycle state.
	ExpiresAt         *time.Time       `gorm:"index"`                                                                                      // Expiry time; nil never expires.
	DataQuotaOverride *int64           `gorm:"type:bigint"`                                                                                // Per-assignment quota override in bytes.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
