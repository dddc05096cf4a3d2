// Package accounting owns the session table write path. Every write runs its post-write
// hooks (router linking, quota folding, overage detection) in the same transaction and
// publishes their events only after commit.
package accounting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rufaromugabe/spotfi-sub000/internal/metrics"
	"github.com/rufaromugabe/spotfi-sub000/internal/models"
	"github.com/rufaromugabe/spotfi-sub000/internal/notify"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidRecord is returned for records without a session id or username.
var ErrInvalidRecord = errors.New("accounting: record requires session id and username")

// Store writes accounting records.
type Store struct {
	db        *gorm.DB
	hooks     []Hook
	publisher notify.Publisher
	metrics   *metrics.Metrics
	nowFn     func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithMetrics records write outcomes.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Store) { s.metrics = m } }

// WithClock overrides the time source.
func WithClock(nowFn func() time.Time) Option { return func(s *Store) { s.nowFn = nowFn } }

// NewStore constructs a Store. Hooks run in the given order.
func NewStore(db *gorm.DB, publisher notify.Publisher, hooks []Hook, opts ...Option) *Store {
	if publisher == nil {
		publisher = notify.Discard{}
	}
	s := &Store{db: db, hooks: hooks, publisher: publisher, nowFn: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Write applies rec to its session. Byte counters never decrease; a record for an
// already closed session is ignored and returns the stored row.
func (s *Store) Write(ctx context.Context, rec Record) (*models.AccountingSession, error) {
	rec = rec.normalized(s.now())
	if rec.SessionID == "" || rec.Username == "" {
		return nil, ErrInvalidRecord
	}

	var (
		result *models.AccountingSession
		change *Change
	)
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.AccountingSession
		errFind := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("session_id = ?", rec.SessionID).
			Take(&existing).Error
		switch {
		case errors.Is(errFind, gorm.ErrRecordNotFound):
			created, ch, errCreate := s.create(tx, rec)
			if errCreate != nil {
				return errCreate
			}
			result, change = created, ch
		case errFind != nil:
			return fmt.Errorf("accounting: load session: %w", errFind)
		case !existing.Active():
			result = &existing
			return nil
		default:
			updated, ch, errUpdate := s.update(tx, existing, rec)
			if errUpdate != nil {
				return errUpdate
			}
			result, change = updated, ch
		}
		return s.runHooks(ctx, tx, change)
	})
	if errTx != nil {
		s.metrics.RecordAccountingWrite(rec.Status.String(), "error")
		return nil, errTx
	}
	s.metrics.RecordAccountingWrite(rec.Status.String(), "ok")
	if change != nil {
		s.publish(ctx, change.events)
	}
	return result, nil
}

func (s *Store) create(tx *gorm.DB, rec Record) (*models.AccountingSession, *Change, error) {
	started := rec.StartedAt
	if started.IsZero() {
		started = rec.EventTime
	}
	row := models.AccountingSession{
		SessionID:       rec.SessionID,
		Username:        rec.Username,
		NASIdentifier:   rec.NASIdentifier,
		NASIPAddress:    rec.NASIPAddress,
		CalledStationID: rec.CalledStationID,
		Class:           rec.Class,
		MACAddress:      rec.MACAddress,
		ClientIP:        rec.ClientIP,
		StartedAt:       started,
		BytesIn:         rec.BytesIn,
		BytesOut:        rec.BytesOut,
	}
	closed := rec.Status == StatusStop
	if closed {
		stopped := rec.EventTime
		row.StoppedAt = &stopped
		row.TerminateCause = rec.TerminateCause
	}
	if errCreate := tx.Create(&row).Error; errCreate != nil {
		return nil, nil, fmt.Errorf("accounting: create session: %w", errCreate)
	}
	return &row, &Change{
		After:        &row,
		Created:      true,
		Closed:       closed,
		BytesChanged: row.TotalBytes() > 0,
		Now:          rec.EventTime,
	}, nil
}

func (s *Store) update(tx *gorm.DB, existing models.AccountingSession, rec Record) (*models.AccountingSession, *Change, error) {
	before := existing
	after := existing
	after.BytesIn = max(existing.BytesIn, rec.BytesIn)
	after.BytesOut = max(existing.BytesOut, rec.BytesOut)
	fillBlank(&after.NASIdentifier, rec.NASIdentifier)
	fillBlank(&after.NASIPAddress, rec.NASIPAddress)
	fillBlank(&after.CalledStationID, rec.CalledStationID)
	fillBlank(&after.Class, rec.Class)
	fillBlank(&after.MACAddress, rec.MACAddress)
	fillBlank(&after.ClientIP, rec.ClientIP)

	closed := rec.Status == StatusStop
	if closed {
		stopped := rec.EventTime
		if stopped.Before(after.StartedAt) {
			stopped = after.StartedAt
		}
		after.StoppedAt = &stopped
		after.TerminateCause = rec.TerminateCause
	}

	errSave := tx.Model(&models.AccountingSession{}).
		Where("id = ?", existing.ID).
		Updates(map[string]any{
			"bytes_in":          after.BytesIn,
			"bytes_out":         after.BytesOut,
			"nas_identifier":    after.NASIdentifier,
			"nas_ip_address":    after.NASIPAddress,
			"called_station_id": after.CalledStationID,
			"class":             after.Class,
			"mac_address":       after.MACAddress,
			"client_ip":         after.ClientIP,
			"stopped_at":        after.StoppedAt,
			"terminate_cause":   after.TerminateCause,
			"updated_at":        rec.EventTime,
		}).Error
	if errSave != nil {
		return nil, nil, fmt.Errorf("accounting: update session: %w", errSave)
	}
	return &after, &Change{
		Before:       &before,
		After:        &after,
		Closed:       closed,
		BytesChanged: after.BytesIn != before.BytesIn || after.BytesOut != before.BytesOut,
		Now:          rec.EventTime,
	}, nil
}

// CloseUserSessions force-closes every open session of username with cause. Hooks run
// with Change.Forced set. It returns the number of sessions closed.
func (s *Store) CloseUserSessions(ctx context.Context, username, cause string) (int, error) {
	now := s.now()
	var events []notify.Event
	closed := 0
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open []models.AccountingSession
		if errFind := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("username = ? AND stopped_at IS NULL", username).
			Order("id ASC").
			Find(&open).Error; errFind != nil {
			return fmt.Errorf("accounting: load open sessions: %w", errFind)
		}
		for i := range open {
			before := open[i]
			after := open[i]
			stopped := now
			if stopped.Before(after.StartedAt) {
				stopped = after.StartedAt
			}
			after.StoppedAt = &stopped
			after.TerminateCause = cause
			res := tx.Model(&models.AccountingSession{}).
				Where("id = ? AND stopped_at IS NULL", after.ID).
				Updates(map[string]any{"stopped_at": stopped, "terminate_cause": cause, "updated_at": now})
			if res.Error != nil {
				return fmt.Errorf("accounting: close session %s: %w", after.SessionID, res.Error)
			}
			if res.RowsAffected == 0 {
				continue
			}
			change := &Change{Before: &before, After: &after, Closed: true, Forced: true, Now: now}
			if errHooks := s.runHooks(ctx, tx, change); errHooks != nil {
				return errHooks
			}
			events = append(events, change.events...)
			closed++
		}
		return nil
	})
	if errTx != nil {
		return 0, errTx
	}
	s.publish(ctx, events)
	return closed, nil
}

// ActiveSessions returns the open sessions of username.
func (s *Store) ActiveSessions(ctx context.Context, username string) ([]models.AccountingSession, error) {
	var rows []models.AccountingSession
	if errFind := s.db.WithContext(ctx).
		Where("username = ? AND stopped_at IS NULL", username).
		Order("started_at ASC, id ASC").
		Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("accounting: list active sessions: %w", errFind)
	}
	return rows, nil
}

// Session returns the session with sessionID.
func (s *Store) Session(ctx context.Context, sessionID string) (*models.AccountingSession, error) {
	var row models.AccountingSession
	if errFind := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&row).Error; errFind != nil {
		return nil, errFind
	}
	return &row, nil
}

func (s *Store) runHooks(ctx context.Context, tx *gorm.DB, change *Change) error {
	if change == nil {
		return nil
	}
	for _, hook := range s.hooks {
		if errHook := hook.AfterWrite(ctx, tx, change); errHook != nil {
			return errHook
		}
	}
	return nil
}

func (s *Store) publish(ctx context.Context, events []notify.Event) {
	for _, ev := range events {
		if errPublish := s.publisher.Publish(ctx, ev); errPublish != nil {
			s.metrics.RecordNotifyPublished("error")
			log.WithError(errPublish).WithFields(log.Fields{
				"component": "accounting",
				"username":  ev.Username,
				"entry_id":  ev.EntryID,
			}).Warn("accounting: publish disconnect event failed, backstop poll will pick it up")
			continue
		}
		s.metrics.RecordNotifyPublished("ok")
	}
}

func (s *Store) now() time.Time {
	return s.nowFn().UTC()
}

func fillBlank(dst *string, val string) {
	if *dst == "" && val != "" {
		*dst = val
	}
}
