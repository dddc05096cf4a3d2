package models

import "time"

// TerminateCauseAdminReset is recorded when enforcement force-closes a session.
const TerminateCauseAdminReset = "Admin-Reset"

// AccountingSession is one accounting record per gateway session. It is mutated by
// interim updates until StoppedAt is set.
type AccountingSession struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	SessionID string `gorm:"type:varchar(128);not null;uniqueIndex"` // Acct-Session-Id, globally unique.
	Username  string `gorm:"type:varchar(255);not null;index"`       // Authenticated username.

	GatewayID *string `gorm:"type:varchar(64);index"` // Owning router ID; nil until linked.

	NASIdentifier   string `gorm:"type:varchar(255)"` // NAS-Identifier reported by the device.
	NASIPAddress    string `gorm:"type:varchar(64)"`  // Source IP of the accounting packet.
	CalledStationID string `gorm:"type:varchar(255)"` // Free-text device identifier, often MAC:SSID.
	Class           string `gorm:"type:varchar(255)"` // Session class tag.

	MACAddress string `gorm:"type:varchar(32)"` // Client MAC address.
	ClientIP   string `gorm:"type:varchar(64)"` // Client IP address.

	StartedAt time.Time  `gorm:"not null;index"` // Session start time.
	StoppedAt *time.Time `gorm:"index"`          // Session stop time; nil while active.

	BytesIn  int64 `gorm:"not null;default:0"` // Cumulative input octets.
	BytesOut int64 `gorm:"not null;default:0"` // Cumulative output octets.

	TerminateCause string `gorm:"type:varchar(64)"` // Acct-Terminate-Cause.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Active reports whether the session has not been closed yet.
func (s AccountingSession) Active() bool { return s.StoppedAt == nil }

// TotalBytes returns the combined input and output octets.
func (s AccountingSession) TotalBytes() int64 { return s.BytesIn + s.BytesOut }
