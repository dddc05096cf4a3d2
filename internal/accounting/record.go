package accounting

import (
	"strings"
	"time"
)

// StatusType is the accounting packet kind.
type StatusType int

// StatusType values mirror Acct-Status-Type.
const (
	StatusStart StatusType = iota + 1
	StatusInterim
	StatusStop
)

// String returns the status label used in logs and metrics.
func (s StatusType) String() string {
	switch s {
	case StatusStart:
		return "start"
	case StatusInterim:
		return "interim"
	case StatusStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Record is one accounting report from a gateway device.
type Record struct {
	Status    StatusType
	SessionID string
	Username  string

	NASIdentifier   string
	NASIPAddress    string
	CalledStationID string
	Class           string
	MACAddress      string
	ClientIP        string

	BytesIn  int64
	BytesOut int64

	// StartedAt is the session start when the device reports it; otherwise the
	// first record's EventTime is used.
	StartedAt      time.Time
	EventTime      time.Time
	TerminateCause string
}

func (r Record) normalized(now time.Time) Record {
	r.SessionID = strings.TrimSpace(r.SessionID)
	r.Username = strings.TrimSpace(r.Username)
	r.NASIdentifier = strings.TrimSpace(r.NASIdentifier)
	r.NASIPAddress = strings.TrimSpace(r.NASIPAddress)
	r.CalledStationID = strings.TrimSpace(r.CalledStationID)
	r.Class = strings.TrimSpace(r.Class)
	r.MACAddress = strings.ToUpper(strings.TrimSpace(r.MACAddress))
	r.ClientIP = strings.TrimSpace(r.ClientIP)
	if r.BytesIn < 0 {
		r.BytesIn = 0
	}
	if r.BytesOut < 0 {
		r.BytesOut = 0
	}
	if r.EventTime.IsZero() {
		r.EventTime = now
	}
	r.EventTime = r.EventTime.UTC()
	if !r.StartedAt.IsZero() {
		r.StartedAt = r.StartedAt.UTC()
	}
	return r
}
