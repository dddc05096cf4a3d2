package disconnect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/rufaromugabe/spotfi-sub000/internal/bridge"
	"github.com/rufaromugabe/spotfi-sub000/internal/metrics"
	"github.com/rufaromugabe/spotfi-sub000/internal/models"
	"github.com/rufaromugabe/spotfi-sub000/internal/notify"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SessionStore is the part of the accounting store the worker needs.
type SessionStore interface {
	ActiveSessions(ctx context.Context, username string) ([]models.AccountingSession, error)
	CloseUserSessions(ctx context.Context, username, cause string) (int, error)
}

// WorkerConfig tunes a Worker.
type WorkerConfig struct {
	PollInterval time.Duration
	MinEntryAge  time.Duration
	BatchSize    int
	KickTimeout  time.Duration
	Concurrency  int
	// KickRate caps kicks per second across the worker; zero disables pacing.
	KickRate float64
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.MinEntryAge < 0 {
		c.MinEntryAge = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.KickTimeout <= 0 {
		c.KickTimeout = 5 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 16
	}
	return c
}

// Worker enforces disconnect queue entries: it kicks each active session through the
// router bridge, force-closes the user's accounting sessions and marks the entry
// processed last.
type Worker struct {
	db         *gorm.DB
	queue      *Queue
	store      SessionStore
	bridge     bridge.Bridge
	subscriber notify.Subscriber
	metrics    *metrics.Metrics
	cfg        WorkerConfig
	owner      string
	nowFn      func() time.Time

	pool    *ants.Pool
	limiter *rate.Limiter

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewWorker constructs a Worker. db receives the command audit log; subscriber may be
// nil, leaving only the backstop poll.
func NewWorker(db *gorm.DB, queue *Queue, store SessionStore, br bridge.Bridge, subscriber notify.Subscriber, m *metrics.Metrics, cfg WorkerConfig) (*Worker, error) {
	if queue == nil || store == nil || br == nil {
		return nil, errors.New("disconnect: worker requires queue, store and bridge")
	}
	cfg = cfg.withDefaults()
	pool, errPool := ants.NewPool(cfg.Concurrency)
	if errPool != nil {
		return nil, fmt.Errorf("disconnect: create kick pool: %w", errPool)
	}
	var limiter *rate.Limiter
	if cfg.KickRate > 0 {
		burst := int(cfg.KickRate)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.KickRate), burst)
	}
	return &Worker{
		db:         db,
		queue:      queue,
		store:      store,
		bridge:     br,
		subscriber: subscriber,
		metrics:    m,
		cfg:        cfg,
		owner:      "worker-" + uuid.NewString(),
		nowFn:      time.Now,
		pool:       pool,
		limiter:    limiter,
		inflight:   make(map[string]struct{}),
	}, nil
}

// Owner returns the claim identity of this worker.
func (w *Worker) Owner() string { return w.owner }

// Run consumes notifications and polls for missed entries until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	defer w.pool.Release()

	var wg sync.WaitGroup
	if w.subscriber != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if errSub := w.subscriber.Subscribe(ctx, w.HandleEvent); errSub != nil && !errors.Is(errSub, context.Canceled) {
				log.WithError(errSub).Error("disconnect: subscriber stopped")
			}
		}()
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, errPoll := w.ProcessPending(ctx); errPoll != nil && ctx.Err() == nil {
			log.WithError(errPoll).Warn("disconnect: backstop poll failed")
		}
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-ticker.C:
		}
	}
}

// HandleEvent processes the pending entry announced by ev. It is safe to call for
// duplicate or stale events.
func (w *Worker) HandleEvent(ctx context.Context, ev notify.Event) error {
	entry, errFind := w.queue.FindPending(ctx, ev.Username)
	if errFind != nil {
		return errFind
	}
	if entry == nil {
		return nil
	}
	_, errProcess := w.Process(ctx, *entry)
	return errProcess
}

// ProcessPending enforces unprocessed entries older than the grace period and returns
// how many it finished.
func (w *Worker) ProcessPending(ctx context.Context) (int, error) {
	rows, errPending := w.queue.Pending(ctx, w.nowFn().Add(-w.cfg.MinEntryAge), w.cfg.BatchSize)
	if errPending != nil {
		return 0, errPending
	}
	done := 0
	var firstErr error
	for _, entry := range rows {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		processed, errProcess := w.Process(ctx, entry)
		if errProcess != nil && firstErr == nil {
			firstErr = errProcess
		}
		if processed {
			done++
		}
	}
	return done, firstErr
}

// Process enforces one entry. It reports false without error when the entry is held by
// another worker or already processed.
func (w *Worker) Process(ctx context.Context, entry models.DisconnectQueueEntry) (bool, error) {
	if !w.enter(entry.Username) {
		return false, nil
	}
	defer w.leave(entry.Username)

	claimed, errClaim := w.queue.Claim(ctx, entry.ID, w.owner)
	if errClaim != nil {
		return false, errClaim
	}
	if !claimed {
		return false, nil
	}
	fields := log.Fields{"component": "disconnect", "entry_id": entry.ID, "username": entry.Username, "reason": entry.Reason}

	sessions, errSessions := w.store.ActiveSessions(ctx, entry.Username)
	if errSessions != nil {
		w.release(ctx, entry, errSessions)
		return false, errSessions
	}
	w.kickAll(ctx, sessions)

	closed, errClose := w.store.CloseUserSessions(ctx, entry.Username, models.TerminateCauseAdminReset)
	if errClose != nil {
		w.release(ctx, entry, errClose)
		return false, errClose
	}
	if errMark := w.queue.MarkProcessed(ctx, entry.ID, w.owner); errMark != nil {
		w.metrics.RecordDisconnectProcessed("lost_claim")
		return false, errMark
	}
	w.metrics.RecordDisconnectProcessed("processed")
	log.WithFields(fields).WithField("sessions_closed", closed).Info("disconnect: entry processed")
	return true, nil
}

func (w *Worker) release(ctx context.Context, entry models.DisconnectQueueEntry, cause error) {
	w.metrics.RecordDisconnectProcessed("retry")
	if errRelease := w.queue.Release(ctx, entry.ID, w.owner, cause); errRelease != nil {
		log.WithError(errRelease).WithField("entry_id", entry.ID).Warn("disconnect: release failed")
	}
	log.WithError(cause).WithFields(log.Fields{"entry_id": entry.ID, "username": entry.Username}).
		Warn("disconnect: entry released for retry")
}

func (w *Worker) enter(username string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, busy := w.inflight[username]; busy {
		return false
	}
	w.inflight[username] = struct{}{}
	return true
}

func (w *Worker) leave(username string) {
	w.mu.Lock()
	delete(w.inflight, username)
	w.mu.Unlock()
}

// kickAll kicks every session with a known gateway and MAC and waits for the attempts.
// Failures are logged and audited only.
func (w *Worker) kickAll(ctx context.Context, sessions []models.AccountingSession) {
	var wg sync.WaitGroup
	for i := range sessions {
		session := sessions[i]
		if session.GatewayID == nil || *session.GatewayID == "" || session.MACAddress == "" {
			continue
		}
		wg.Add(1)
		task := func() {
			defer wg.Done()
			w.kick(ctx, *session.GatewayID, session.MACAddress, session.Username)
		}
		if errSubmit := w.pool.Submit(task); errSubmit != nil {
			task()
		}
	}
	wg.Wait()
}

func (w *Worker) kick(ctx context.Context, gatewayID, mac, username string) {
	if w.limiter != nil {
		if errWait := w.limiter.Wait(ctx); errWait != nil {
			return
		}
	}
	kickCtx, cancel := context.WithTimeout(ctx, w.cfg.KickTimeout)
	defer cancel()
	errKick := w.bridge.KickClient(kickCtx, gatewayID, mac)

	result := "ok"
	switch {
	case errKick == nil:
	case errors.Is(errKick, bridge.ErrGatewayOffline):
		result = "offline"
	case errors.Is(errKick, bridge.ErrGatewayUnreachable):
		result = "unreachable"
	default:
		result = "error"
	}
	w.metrics.RecordKick(result)
	w.audit(gatewayID, mac, username, errKick)

	entry := log.WithFields(log.Fields{"component": "disconnect", "gateway_id": gatewayID, "mac": mac, "username": username})
	if errKick != nil {
		entry.WithError(errKick).Warn("disconnect: kick failed")
		return
	}
	entry.Debug("disconnect: client kicked")
}

func (w *Worker) audit(gatewayID, mac, username string, errKick error) {
	if w.db == nil {
		return
	}
	args, _ := json.Marshal(map[string]string{"mac": mac, "username": username})
	row := models.CommandLog{GatewayID: gatewayID, Command: "kick", Args: datatypes.JSON(args)}
	if errKick != nil {
		row.Error = errKick.Error()
	}
	if errCreate := w.db.Create(&row).Error; errCreate != nil {
		log.WithError(errCreate).Warn("disconnect: write command log failed")
	}
}
