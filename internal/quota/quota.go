// Package quota computes pooled quota ceilings and per-period usage. Usage is a running
// counter per (username, period) folded once per closed session, plus the live bytes of
// open sessions; closed history is never re-summed on the hot path.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rufaromugabe/spotfi-sub000/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PeriodStart returns the start of the calendar month containing t, in UTC.
func PeriodStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// PeriodEnd returns the exclusive end of the period starting at start.
func PeriodEnd(start time.Time) time.Time {
	return start.AddDate(0, 1, 0)
}

// Ceiling is a user's pooled quota.
type Ceiling struct {
	Bytes       int64 // Sum of limited quotas; meaningless when Unlimited.
	Unlimited   bool  // Any active assignment without a quota.
	Assignments int   // Number of active, unexpired assignments.
}

// HasActive reports whether any assignment contributes to the ceiling.
func (c Ceiling) HasActive() bool { return c.Assignments > 0 }

// Enforceable reports whether usage can exceed this ceiling.
func (c Ceiling) Enforceable() bool { return c.HasActive() && !c.Unlimited }

// Usage is a user's consumption in the current period.
type Usage struct {
	PeriodStart  time.Time `json:"period_start"`
	CounterBytes int64     `json:"counter_bytes"`
	ActiveBytes  int64     `json:"active_bytes"`
}

// Total returns counter plus live bytes.
func (u Usage) Total() int64 { return u.CounterBytes + u.ActiveBytes }

// activeAssignments loads ACTIVE assignments that have not expired at now.
func activeAssignments(ctx context.Context, db *gorm.DB, username string, now time.Time) ([]models.UserPlanAssignment, error) {
	var rows []models.UserPlanAssignment
	errFind := db.WithContext(ctx).
		Preload("Plan").
		Where("username = ? AND status = ?", username, models.AssignmentStatusActive).
		Where("expires_at IS NULL OR expires_at > ?", now.UTC()).
		Find(&rows).Error
	if errFind != nil {
		return nil, fmt.Errorf("quota: load assignments: %w", errFind)
	}
	return rows, nil
}

// ComputeCeiling pools quotas across the user's active assignments. An assignment
// override replaces its plan quota; any assignment without a quota makes the pool
// unlimited.
func ComputeCeiling(ctx context.Context, db *gorm.DB, username string, now time.Time) (Ceiling, error) {
	rows, errLoad := activeAssignments(ctx, db, username, now)
	if errLoad != nil {
		return Ceiling{}, errLoad
	}
	var out Ceiling
	for _, row := range rows {
		out.Assignments++
		limit := row.DataQuotaOverride
		if limit == nil {
			limit = row.Plan.DataQuota
		}
		if limit == nil {
			out.Unlimited = true
			continue
		}
		out.Bytes += *limit
	}
	return out, nil
}

// CurrentUsage returns the counter for the period containing now and the live bytes of
// the user's open sessions.
func CurrentUsage(ctx context.Context, db *gorm.DB, username string, now time.Time) (Usage, error) {
	period := PeriodStart(now)
	out := Usage{PeriodStart: period}

	var counter models.PeriodUsageCounter
	errCounter := db.WithContext(ctx).
		Where("username = ? AND period_start = ?", username, period).
		Take(&counter).Error
	switch {
	case errCounter == nil:
		out.CounterBytes = counter.BytesUsed
	case errors.Is(errCounter, gorm.ErrRecordNotFound):
	default:
		return out, fmt.Errorf("quota: load counter: %w", errCounter)
	}

	var active struct{ Total int64 }
	errActive := db.WithContext(ctx).
		Model(&models.AccountingSession{}).
		Select("COALESCE(SUM(bytes_in + bytes_out), 0) AS total").
		Where("username = ? AND stopped_at IS NULL", username).
		Scan(&active).Error
	if errActive != nil {
		return out, fmt.Errorf("quota: sum active sessions: %w", errActive)
	}
	out.ActiveBytes = active.Total
	return out, nil
}

// TotalUsage returns counter(username, period(now)) plus the bytes of open sessions.
func TotalUsage(ctx context.Context, db *gorm.DB, username string, now time.Time) (int64, error) {
	usage, err := CurrentUsage(ctx, db, username, now)
	if err != nil {
		return 0, err
	}
	return usage.Total(), nil
}

// FoldClosedSession adds a closed session's final byte total to the counter of the
// period the session started in. Call it exactly once, on the active to closed
// transition, inside the transaction that closes the session.
func FoldClosedSession(ctx context.Context, tx *gorm.DB, session *models.AccountingSession) error {
	if session == nil || session.StoppedAt == nil {
		return fmt.Errorf("quota: fold requires a closed session")
	}
	row := models.PeriodUsageCounter{
		Username:    session.Username,
		PeriodStart: PeriodStart(session.StartedAt),
		BytesUsed:   session.TotalBytes(),
	}
	errUpsert := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "username"}, {Name: "period_start"}},
		DoUpdates: clause.Assignments(map[string]any{
			"bytes_used": gorm.Expr("period_usage_counters.bytes_used + excluded.bytes_used"),
			"updated_at": time.Now().UTC(),
		}),
	}).Create(&row).Error
	if errUpsert != nil {
		return fmt.Errorf("quota: fold session %s: %w", session.SessionID, errUpsert)
	}
	return nil
}

// ScanPeriod re-sums closed sessions that started in the period beginning at start.
// It is the reconciliation path for the counter and is never used for enforcement.
func ScanPeriod(ctx context.Context, db *gorm.DB, username string, start time.Time) (int64, error) {
	start = PeriodStart(start)
	var result struct{ Total int64 }
	errScan := db.WithContext(ctx).
		Model(&models.AccountingSession{}).
		Select("COALESCE(SUM(bytes_in + bytes_out), 0) AS total").
		Where("username = ? AND stopped_at IS NOT NULL", username).
		Where("started_at >= ? AND started_at < ?", start, PeriodEnd(start)).
		Scan(&result).Error
	if errScan != nil {
		return 0, fmt.Errorf("quota: scan period: %w", errScan)
	}
	return result.Total, nil
}
