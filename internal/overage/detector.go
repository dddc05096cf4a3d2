// Package overage decides when a user must be disconnected: on quota overage, from the
// accounting write path, and on plan expiry, from a scheduled sweep.
package overage

import (
	"context"
	"fmt"
	"time"

	"github.com/rufaromugabe/spotfi-sub000/internal/accounting"
	"github.com/rufaromugabe/spotfi-sub000/internal/disconnect"
	"github.com/rufaromugabe/spotfi-sub000/internal/metrics"
	"github.com/rufaromugabe/spotfi-sub000/internal/models"
	"github.com/rufaromugabe/spotfi-sub000/internal/notify"
	"github.com/rufaromugabe/spotfi-sub000/internal/quota"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Verdict is the outcome of one overage check.
type Verdict struct {
	Ceiling  quota.Ceiling
	Usage    int64
	Exceeded bool
	Entry    *models.DisconnectQueueEntry
	Inserted bool
}

// Detector is the accounting hook that queues QUOTA_EXCEEDED disconnects.
type Detector struct {
	queue   *disconnect.Queue
	metrics *metrics.Metrics
}

// NewDetector constructs a Detector.
func NewDetector(queue *disconnect.Queue, m *metrics.Metrics) *Detector {
	return &Detector{queue: queue, metrics: m}
}

// AfterWrite implements accounting.Hook. It runs when byte counters move or when the
// device itself closes a session; enforcement-driven closes are skipped.
func (d *Detector) AfterWrite(ctx context.Context, tx *gorm.DB, change *accounting.Change) error {
	if change == nil || change.After == nil || change.Forced {
		return nil
	}
	if !change.BytesChanged && !change.Closed {
		return nil
	}
	verdict, errCheck := d.Check(ctx, tx, change.After.Username, change.Now)
	if errCheck != nil {
		return errCheck
	}
	if verdict.Inserted {
		change.Emit(notify.Event{
			EntryID:  verdict.Entry.ID,
			Username: verdict.Entry.Username,
			Reason:   verdict.Entry.Reason,
			At:       verdict.Entry.CreatedAt,
		})
	}
	return nil
}

// Check compares the user's usage with the pooled ceiling and queues a disconnect when
// usage has reached it. Users without an active assignment or with an unlimited one are
// left alone.
func (d *Detector) Check(ctx context.Context, tx *gorm.DB, username string, now time.Time) (Verdict, error) {
	ceiling, errCeiling := quota.ComputeCeiling(ctx, tx, username, now)
	if errCeiling != nil {
		return Verdict{}, errCeiling
	}
	out := Verdict{Ceiling: ceiling}
	if !ceiling.Enforceable() {
		return out, nil
	}
	usage, errUsage := quota.TotalUsage(ctx, tx, username, now)
	if errUsage != nil {
		return out, errUsage
	}
	out.Usage = usage
	if usage < ceiling.Bytes {
		return out, nil
	}
	out.Exceeded = true

	entry, inserted, errEnqueue := d.queue.Enqueue(ctx, tx, username, models.DisconnectReasonQuotaExceeded)
	if errEnqueue != nil {
		return out, fmt.Errorf("overage: %w", errEnqueue)
	}
	out.Entry = &entry
	out.Inserted = inserted
	if inserted {
		d.metrics.RecordDisconnectEnqueued(string(models.DisconnectReasonQuotaExceeded))
		log.WithFields(log.Fields{
			"component": "overage",
			"username":  username,
			"usage":     usage,
			"ceiling":   ceiling.Bytes,
			"entry_id":  entry.ID,
		}).Info("overage: quota exceeded, disconnect queued")
	}
	return out, nil
}
