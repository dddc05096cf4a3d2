package quota

import (
	"context"

	"github.com/rufaromugabe/spotfi-sub000/internal/accounting"
	"gorm.io/gorm"
)

// Folder is the accounting hook that folds closed sessions into period counters.
type Folder struct{}

// AfterWrite implements accounting.Hook.
func (Folder) AfterWrite(ctx context.Context, tx *gorm.DB, change *accounting.Change) error {
	if change == nil || !change.Closed {
		return nil
	}
	return FoldClosedSession(ctx, tx, change.After)
}
