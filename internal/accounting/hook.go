package accounting

import (
	"context"
	"time"

	"github.com/rufaromugabe/spotfi-sub000/internal/models"
	"github.com/rufaromugabe/spotfi-sub000/internal/notify"
	"gorm.io/gorm"
)

// Change describes one committed-or-rolled-back mutation of a session.
type Change struct {
	// Before is the session as loaded, nil when the write created it.
	Before *models.AccountingSession
	// After is the session as written. Hooks may update it through tx.
	After *models.AccountingSession

	Created      bool // The write inserted the session.
	Closed       bool // The write moved the session from active to closed.
	Forced       bool // The close came from enforcement rather than the device.
	BytesChanged bool // The byte counters moved.

	Now time.Time

	events []notify.Event
}

// Emit queues an event for publication after the transaction commits.
func (c *Change) Emit(ev notify.Event) {
	c.events = append(c.events, ev)
}

// Hook runs inside the accounting write transaction. A returned error rolls the
// write back.
type Hook interface {
	AfterWrite(ctx context.Context, tx *gorm.DB, change *Change) error
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, tx *gorm.DB, change *Change) error

// AfterWrite implements Hook.
func (f HookFunc) AfterWrite(ctx context.Context, tx *gorm.DB, change *Change) error {
	return f(ctx, tx, change)
}
