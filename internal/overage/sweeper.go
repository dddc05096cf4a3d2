package overage

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rufaromugabe/spotfi-sub000/internal/disconnect"
	"github.com/rufaromugabe/spotfi-sub000/internal/metrics"
	"github.com/rufaromugabe/spotfi-sub000/internal/models"
	"github.com/rufaromugabe/spotfi-sub000/internal/notify"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SweepResult summarizes one expiry sweep.
type SweepResult struct {
	Expired  int64    // Assignments moved from ACTIVE to EXPIRED.
	Rejected []string // Users blocked at RADIUS and queued for disconnect.
	Queued   int      // Entries inserted by this sweep.
}

// ExpirySweeper blocks users whose plans have all expired but who still hold an open
// session, and queues PLAN_EXPIRED disconnects for them.
type ExpirySweeper struct {
	db        *gorm.DB
	queue     *disconnect.Queue
	publisher notify.Publisher
	metrics   *metrics.Metrics
	nowFn     func() time.Time

	cron *cron.Cron
}

// NewExpirySweeper constructs an ExpirySweeper.
func NewExpirySweeper(db *gorm.DB, queue *disconnect.Queue, publisher notify.Publisher, m *metrics.Metrics, nowFn func() time.Time) *ExpirySweeper {
	if publisher == nil {
		publisher = notify.Discard{}
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &ExpirySweeper{db: db, queue: queue, publisher: publisher, metrics: m, nowFn: nowFn}
}

// Start schedules the sweep with a cron spec such as "@every 1m".
func (s *ExpirySweeper) Start(ctx context.Context, spec string) error {
	logger := log.WithField("component", "expiry-sweeper")
	c := cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(logger))))
	if _, errAdd := c.AddFunc(spec, func() {
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		res, errSweep := s.Sweep(runCtx)
		if errSweep != nil {
			logger.WithError(errSweep).Warn("expiry sweep failed")
			return
		}
		if res.Expired > 0 || res.Queued > 0 {
			logger.WithFields(log.Fields{"expired": res.Expired, "queued": res.Queued}).Info("expiry sweep finished")
		}
	}); errAdd != nil {
		return fmt.Errorf("overage: schedule sweep %q: %w", spec, errAdd)
	}
	s.cron = c
	c.Start()
	return nil
}

// Stop stops the schedule and waits for a running sweep.
func (s *ExpirySweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Sweep runs one pass.
func (s *ExpirySweeper) Sweep(ctx context.Context) (SweepResult, error) {
	now := s.nowFn().UTC()
	var (
		out    SweepResult
		events []notify.Event
	)
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.UserPlanAssignment{}).
			Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", models.AssignmentStatusActive, now).
			Updates(map[string]any{"status": models.AssignmentStatusExpired, "updated_at": now})
		if res.Error != nil {
			return fmt.Errorf("overage: expire assignments: %w", res.Error)
		}
		out.Expired = res.RowsAffected

		var usernames []string
		errFind := tx.Model(&models.AccountingSession{}).
			Distinct("username").
			Where("stopped_at IS NULL").
			Where("username IN (?)", tx.Model(&models.UserPlanAssignment{}).
				Select("username").
				Where("status = ?", models.AssignmentStatusExpired)).
			Where("username NOT IN (?)", tx.Model(&models.UserPlanAssignment{}).
				Select("username").
				Where("status = ? AND (expires_at IS NULL OR expires_at > ?)", models.AssignmentStatusActive, now)).
			Order("username ASC").
			Pluck("username", &usernames).Error
		if errFind != nil {
			return fmt.Errorf("overage: find expired users: %w", errFind)
		}

		for _, username := range usernames {
			if errReject := rejectUser(tx, username); errReject != nil {
				return errReject
			}
			entry, inserted, errEnqueue := s.queue.Enqueue(ctx, tx, username, models.DisconnectReasonPlanExpired)
			if errEnqueue != nil {
				return fmt.Errorf("overage: %w", errEnqueue)
			}
			out.Rejected = append(out.Rejected, username)
			if inserted {
				out.Queued++
				events = append(events, notify.Event{EntryID: entry.ID, Username: username, Reason: entry.Reason, At: entry.CreatedAt})
			}
		}
		return nil
	})
	if errTx != nil {
		return SweepResult{}, errTx
	}
	for _, ev := range events {
		s.metrics.RecordDisconnectEnqueued(string(ev.Reason))
		if errPublish := s.publisher.Publish(ctx, ev); errPublish != nil {
			log.WithError(errPublish).WithFields(log.Fields{"component": "expiry-sweeper", "username": ev.Username}).
				Warn("publish disconnect event failed, backstop poll will pick it up")
		}
	}
	return out, nil
}

// rejectUser adds Auth-Type := Reject for username unless it is already present.
func rejectUser(tx *gorm.DB, username string) error {
	var count int64
	if errCount := tx.Model(&models.RadCheck{}).
		Where("username = ? AND attribute = ? AND value = ?", username, models.RadCheckAttrAuthType, models.RadCheckValueReject).
		Count(&count).Error; errCount != nil {
		return fmt.Errorf("overage: check radcheck: %w", errCount)
	}
	if count > 0 {
		return nil
	}
	row := models.RadCheck{
		Username:  username,
		Attribute: models.RadCheckAttrAuthType,
		Op:        ":=",
		Value:     models.RadCheckValueReject,
	}
	if errCreate := tx.Create(&row).Error; errCreate != nil {
		return fmt.Errorf("overage: reject %s: %w", username, errCreate)
	}
	return nil
}
