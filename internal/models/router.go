package models

import (
	"time"

	"gorm.io/datatypes"
)

// RouterStatus reports whether a router holds a live control channel.
type RouterStatus string

// RouterStatus constants.
const (
	RouterStatusOnline  RouterStatus = "ONLINE"
	RouterStatusOffline RouterStatus = "OFFLINE"
)

// Router is a registered hotspot gateway device.
type Router struct {
	ID string `gorm:"primaryKey;type:varchar(64)"` // Router identifier.

	Name          string `gorm:"type:varchar(255)"`       // Display name.
	NASIdentifier string `gorm:"type:varchar(255);index"` // NAS-Identifier configured on the device.
	MACAddress    string `gorm:"type:varchar(32);index"`  // Device MAC address.
	IPAddress     string `gorm:"type:varchar(64);index"`  // Last known device IP.

	RadiusSecret string `gorm:"type:varchar(255)"` // Shared RADIUS secret.
	UAMSecret    string `gorm:"type:varchar(255)"` // UAM shared secret used in CHAP.

	Status     RouterStatus   `gorm:"type:varchar(16);not null;default:'OFFLINE'"` // Control channel state.
	LastSeenAt *time.Time     // Last control channel activity.
	Metadata   datatypes.JSON `gorm:"type:jsonb"` // Device-reported metadata.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// CommandLog records a command sent to a router over the bridge.
type CommandLog struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	GatewayID string         `gorm:"type:varchar(64);not null;index"` // Target router ID.
	Command   string         `gorm:"type:varchar(64);not null"`       // Command name.
	Args      datatypes.JSON `gorm:"type:jsonb"`                      // Command arguments.
	Error     string         `gorm:"type:text"`                       // Error text if the command failed.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
