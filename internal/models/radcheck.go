package models

// RadCheck is a FreeRADIUS check attribute row.
type RadCheck struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Username  string `gorm:"type:varchar(255);not null;index"` // Username the check applies to.
	Attribute string `gorm:"type:varchar(64);not null"`        // Attribute name, e.g. Auth-Type.
	Op        string `gorm:"type:varchar(2);not null;default:':='"`
	Value     string `gorm:"type:varchar(253);not null"` // Attribute value.
}

// TableName keeps the FreeRADIUS table name.
func (RadCheck) TableName() string { return "radcheck" }

// RadCheck attribute values used to block authentication.
const (
	RadCheckAttrAuthType = "Auth-Type"
	RadCheckValueReject  = "Reject"
)
