package disconnect

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	internaldb "github.com/rufaromugabe/spotfi-sub000/internal/db"
	"github.com/rufaromugabe/spotfi-sub000/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotClaimed is returned when an entry is finished by a worker that does not hold it.
var ErrNotClaimed = errors.New("disconnect: entry not claimed by this worker")

// Queue is the repository over the disconnect_queue table.
type Queue struct {
	db    *gorm.DB
	lease time.Duration
	nowFn func() time.Time
}

// NewQueue constructs a Queue. Claims older than lease may be taken over.
func NewQueue(db *gorm.DB, lease time.Duration, nowFn func() time.Time) *Queue {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Queue{db: db, lease: lease, nowFn: nowFn}
}

func (q *Queue) now() time.Time { return q.nowFn().UTC() }

// Enqueue inserts an unprocessed entry for username unless one already exists. It
// returns the pending entry and whether this call inserted it. Pass the caller's
// transaction as tx, or nil to use the queue's connection.
func (q *Queue) Enqueue(ctx context.Context, tx *gorm.DB, username string, reason models.DisconnectReason) (models.DisconnectQueueEntry, bool, error) {
	if tx == nil {
		tx = q.db
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return models.DisconnectQueueEntry{}, false, fmt.Errorf("disconnect: enqueue requires username")
	}
	if !reason.Valid() {
		return models.DisconnectQueueEntry{}, false, fmt.Errorf("disconnect: unknown reason %q", reason)
	}

	entry := models.DisconnectQueueEntry{Username: username, Reason: reason, CreatedAt: q.now()}
	res := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
	if res.Error != nil {
		return models.DisconnectQueueEntry{}, false, fmt.Errorf("disconnect: enqueue: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return entry, true, nil
	}

	var existing models.DisconnectQueueEntry
	if errFind := tx.WithContext(ctx).
		Where("username = ? AND processed = ?", username, false).
		Take(&existing).Error; errFind != nil {
		return models.DisconnectQueueEntry{}, false, fmt.Errorf("disconnect: load pending entry: %w", errFind)
	}
	return existing, false, nil
}

// FindPending returns the unprocessed entry for username, or nil.
func (q *Queue) FindPending(ctx context.Context, username string) (*models.DisconnectQueueEntry, error) {
	var entry models.DisconnectQueueEntry
	errFind := q.db.WithContext(ctx).
		Where("username = ? AND processed = ?", username, false).
		Take(&entry).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if errFind != nil {
		return nil, fmt.Errorf("disconnect: find pending: %w", errFind)
	}
	return &entry, nil
}

// Pending returns unprocessed, unclaimed (or lease-expired) entries created at or
// before olderThan, oldest first.
func (q *Queue) Pending(ctx context.Context, olderThan time.Time, limit int) ([]models.DisconnectQueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.DisconnectQueueEntry
	errFind := q.db.WithContext(ctx).
		Where("processed = ? AND created_at <= ?", false, olderThan.UTC()).
		Where("claimed_at IS NULL OR claimed_at < ?", q.now().Add(-q.lease)).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&rows).Error
	if errFind != nil {
		return nil, fmt.Errorf("disconnect: list pending: %w", errFind)
	}
	return rows, nil
}

// Claim takes the entry for owner. It reports false when the entry is processed or
// held by another worker whose lease has not expired.
func (q *Queue) Claim(ctx context.Context, id uint64, owner string) (bool, error) {
	now := q.now()
	res := q.db.WithContext(ctx).Model(&models.DisconnectQueueEntry{}).
		Where("id = ? AND processed = ?", id, false).
		Where("claimed_at IS NULL OR claimed_at < ?", now.Add(-q.lease)).
		Updates(map[string]any{
			"claimed_by": owner,
			"claimed_at": now,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("disconnect: claim %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MarkProcessed finishes a claimed entry.
func (q *Queue) MarkProcessed(ctx context.Context, id uint64, owner string) error {
	now := q.now()
	res := q.db.WithContext(ctx).Model(&models.DisconnectQueueEntry{}).
		Where("id = ? AND processed = ? AND claimed_by = ?", id, false, owner).
		Updates(map[string]any{
			"processed":    true,
			"processed_at": now,
			"last_error":   "",
			"updated_at":   now,
		})
	if res.Error != nil {
		return fmt.Errorf("disconnect: mark processed %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotClaimed
	}
	return nil
}

// Release drops owner's claim so the entry is retried, recording cause.
func (q *Queue) Release(ctx context.Context, id uint64, owner string, cause error) error {
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	res := q.db.WithContext(ctx).Model(&models.DisconnectQueueEntry{}).
		Where("id = ? AND processed = ? AND claimed_by = ?", id, false, owner).
		Updates(map[string]any{
			"claimed_by": "",
			"claimed_at": nil,
			"last_error": lastError,
			"updated_at": q.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("disconnect: release %d: %w", id, res.Error)
	}
	return nil
}

// ListFilter selects entries for the admin listing.
type ListFilter struct {
	Processed *bool
	Reason    models.DisconnectReason
	Search    string
	Page      int
	PageSize  int
}

// List returns a page of entries, newest first, and the total match count.
func (q *Queue) List(ctx context.Context, filter ListFilter) ([]models.DisconnectQueueEntry, int64, error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	query := q.db.WithContext(ctx).Model(&models.DisconnectQueueEntry{})
	if filter.Processed != nil {
		query = query.Where("processed = ?", *filter.Processed)
	}
	if filter.Reason != "" {
		query = query.Where("reason = ?", filter.Reason)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		expr, pattern := internaldb.ContainsFold(q.db, "username", search)
		query = query.Where(expr, pattern)
	}

	var total int64
	if errCount := query.Count(&total).Error; errCount != nil {
		return nil, 0, fmt.Errorf("disconnect: count: %w", errCount)
	}
	var rows []models.DisconnectQueueEntry
	if errFind := query.Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error; errFind != nil {
		return nil, 0, fmt.Errorf("disconnect: list: %w", errFind)
	}
	return rows, total, nil
}
