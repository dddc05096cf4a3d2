package disconnect

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rufaromugabe/spotfi-sub000/internal/accounting"
	"github.com/rufaromugabe/spotfi-sub000/internal/bridge"
	"github.com/rufaromugabe/spotfi-sub000/internal/db"
	"github.com/rufaromugabe/spotfi-sub000/internal/models"
	"github.com/rufaromugabe/spotfi-sub000/internal/notify"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := db.Open("file:" + filepath.Join(t.TempDir(), "disconnect.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

type kickCall struct {
	gatewayID string
	mac       string
}

type fakeBridge struct {
	mu    sync.Mutex
	calls []kickCall
	err   error
}

func (b *fakeBridge) RPCCall(context.Context, string, string, string, any, time.Duration) (json.RawMessage, error) {
	return nil, bridge.ErrUnsupported
}

func (b *fakeBridge) KickClient(_ context.Context, gatewayID, mac string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, kickCall{gatewayID: gatewayID, mac: mac})
	return b.err
}

func (b *fakeBridge) kicks() []kickCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]kickCall(nil), b.calls...)
}

func openSession(t *testing.T, conn *gorm.DB, store *accounting.Store, sessionID, username, gatewayID, mac string) {
	t.Helper()
	if _, err := store.Write(context.Background(), accounting.Record{
		Status:     accounting.StatusStart,
		SessionID:  sessionID,
		Username:   username,
		MACAddress: mac,
		EventTime:  time.Now().UTC().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("start %s: %v", sessionID, err)
	}
	if gatewayID != "" {
		if err := conn.Model(&models.AccountingSession{}).Where("session_id = ?", sessionID).
			Update("gateway_id", gatewayID).Error; err != nil {
			t.Fatalf("link %s: %v", sessionID, err)
		}
	}
}

func TestQueue_EnqueueKeepsOnePending(t *testing.T) {
	conn := openTestDB(t)
	queue := NewQueue(conn, time.Minute, nil)
	ctx := context.Background()

	first, inserted, err := queue.Enqueue(ctx, nil, "alice", models.DisconnectReasonQuotaExceeded)
	if err != nil || !inserted {
		t.Fatalf("first enqueue: inserted=%v err=%v", inserted, err)
	}
	second, inserted, err := queue.Enqueue(ctx, nil, "alice", models.DisconnectReasonPlanExpired)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if inserted || second.ID != first.ID || second.Reason != models.DisconnectReasonQuotaExceeded {
		t.Fatalf("expected existing entry %d, got %+v inserted=%v", first.ID, second, inserted)
	}
	if _, _, err := queue.Enqueue(ctx, nil, "alice", "BOGUS"); err == nil {
		t.Fatalf("expected unknown reason error")
	}
}

func TestQueue_ClaimIsExclusiveUntilLeaseExpires(t *testing.T) {
	conn := openTestDB(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	queue := NewQueue(conn, time.Minute, func() time.Time { return now })
	ctx := context.Background()

	entry, _, err := queue.Enqueue(ctx, nil, "bob", models.DisconnectReasonPlanExpired)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if ok, err := queue.Claim(ctx, entry.ID, "w1"); err != nil || !ok {
		t.Fatalf("w1 claim: ok=%v err=%v", ok, err)
	}
	if ok, _ := queue.Claim(ctx, entry.ID, "w2"); ok {
		t.Fatalf("w2 must not claim a leased entry")
	}
	if err := queue.MarkProcessed(ctx, entry.ID, "w2"); err != ErrNotClaimed {
		t.Fatalf("expected ErrNotClaimed, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	if ok, err := queue.Claim(ctx, entry.ID, "w2"); err != nil || !ok {
		t.Fatalf("w2 claim after lease: ok=%v err=%v", ok, err)
	}
	if err := queue.MarkProcessed(ctx, entry.ID, "w2"); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	if ok, _ := queue.Claim(ctx, entry.ID, "w1"); ok {
		t.Fatalf("processed entry must not be claimable")
	}

	// A new entry is allowed once the previous one is processed.
	if _, inserted, err := queue.Enqueue(ctx, nil, "bob", models.DisconnectReasonQuotaExceeded); err != nil || !inserted {
		t.Fatalf("re-enqueue: inserted=%v err=%v", inserted, err)
	}
}

func TestWorker_ProcessesEntryExactlyOnce(t *testing.T) {
	conn := openTestDB(t)
	store := accounting.NewStore(conn, nil, nil)
	queue := NewQueue(conn, time.Minute, nil)
	br := &fakeBridge{}
	worker, err := NewWorker(conn, queue, store, br, nil, nil, WorkerConfig{MinEntryAge: 0, KickTimeout: time.Second})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	ctx := context.Background()

	openSession(t, conn, store, "s1", "alice", "rtr-1", "AA:BB:CC:DD:EE:01")
	openSession(t, conn, store, "s2", "alice", "", "AA:BB:CC:DD:EE:02")
	openSession(t, conn, store, "s3", "carol", "rtr-1", "AA:BB:CC:DD:EE:03")

	for i := 0; i < 2; i++ {
		if _, _, err := queue.Enqueue(ctx, nil, "alice", models.DisconnectReasonQuotaExceeded); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	done, err := worker.ProcessPending(ctx)
	if err != nil || done != 1 {
		t.Fatalf("expected one processed entry, got %d err=%v", done, err)
	}
	done, err = worker.ProcessPending(ctx)
	if err != nil || done != 0 {
		t.Fatalf("expected nothing left, got %d err=%v", done, err)
	}

	kicks := br.kicks()
	if len(kicks) != 1 || kicks[0].gatewayID != "rtr-1" || kicks[0].mac != "AA:BB:CC:DD:EE:01" {
		t.Fatalf("unexpected kicks %+v", kicks)
	}

	var entries []models.DisconnectQueueEntry
	if err := conn.Where("username = ?", "alice").Find(&entries).Error; err != nil {
		t.Fatalf("load entries: %v", err)
	}
	if len(entries) != 1 || !entries[0].Processed || entries[0].ProcessedAt == nil || entries[0].Attempts != 1 {
		t.Fatalf("unexpected entries %+v", entries)
	}

	active, _ := store.ActiveSessions(ctx, "alice")
	if len(active) != 0 {
		t.Fatalf("expected alice sessions closed, got %d", len(active))
	}
	closed, _ := store.Session(ctx, "s2")
	if closed.TerminateCause != models.TerminateCauseAdminReset {
		t.Fatalf("expected Admin-Reset, got %q", closed.TerminateCause)
	}
	if other, _ := store.ActiveSessions(ctx, "carol"); len(other) != 1 {
		t.Fatalf("carol must stay online")
	}

	var logs int64
	conn.Model(&models.CommandLog{}).Where("gateway_id = ? AND command = ?", "rtr-1", "kick").Count(&logs)
	if logs != 1 {
		t.Fatalf("expected one command log row, got %d", logs)
	}
}

func TestWorker_KickFailureStillClosesSessions(t *testing.T) {
	conn := openTestDB(t)
	store := accounting.NewStore(conn, nil, nil)
	queue := NewQueue(conn, time.Minute, nil)
	br := &fakeBridge{err: bridge.ErrGatewayOffline}
	worker, err := NewWorker(conn, queue, store, br, nil, nil, WorkerConfig{KickTimeout: time.Second})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	ctx := context.Background()
	openSession(t, conn, store, "s1", "dave", "rtr-9", "AA:BB:CC:DD:EE:09")
	entry, _, err := queue.Enqueue(ctx, nil, "dave", models.DisconnectReasonPlanExpired)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ok, err := worker.Process(ctx, entry)
	if err != nil || !ok {
		t.Fatalf("process: ok=%v err=%v", ok, err)
	}
	if active, _ := store.ActiveSessions(ctx, "dave"); len(active) != 0 {
		t.Fatalf("sessions must close when the kick fails")
	}
	var row models.CommandLog
	if err := conn.Where("gateway_id = ?", "rtr-9").Take(&row).Error; err != nil {
		t.Fatalf("load command log: %v", err)
	}
	if row.Error == "" {
		t.Fatalf("expected kick error in command log")
	}
}

func TestWorker_GracePeriodDefersBackstop(t *testing.T) {
	conn := openTestDB(t)
	store := accounting.NewStore(conn, nil, nil)
	queue := NewQueue(conn, time.Minute, nil)
	worker, err := NewWorker(conn, queue, store, &fakeBridge{}, nil, nil, WorkerConfig{MinEntryAge: time.Hour})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	ctx := context.Background()
	if _, _, err := queue.Enqueue(ctx, nil, "erin", models.DisconnectReasonQuotaExceeded); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if done, _ := worker.ProcessPending(ctx); done != 0 {
		t.Fatalf("fresh entry must wait for the grace period")
	}
	if err := worker.HandleEvent(ctx, notify.Event{Username: "erin"}); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if pending, _ := queue.FindPending(ctx, "erin"); pending != nil {
		t.Fatalf("event path must process immediately")
	}
	if err := worker.HandleEvent(ctx, notify.Event{Username: "erin"}); err != nil {
		t.Fatalf("duplicate event: %v", err)
	}
}

func TestWorker_RunConsumesNotifications(t *testing.T) {
	conn := openTestDB(t)
	store := accounting.NewStore(conn, nil, nil)
	queue := NewQueue(conn, time.Minute, nil)
	bus := notify.NewMemoryBus()
	defer bus.Close()
	worker, err := NewWorker(conn, queue, store, &fakeBridge{}, bus, nil, WorkerConfig{PollInterval: time.Hour, MinEntryAge: time.Hour})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopped := make(chan struct{})
	go func() {
		_ = worker.Run(ctx)
		close(stopped)
	}()

	entry, _, err := queue.Enqueue(ctx, nil, "frank", models.DisconnectReasonQuotaExceeded)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		// The subscription may not be live for the first publish.
		_ = bus.Publish(ctx, notify.Event{EntryID: entry.ID, Username: "frank"})
		pending, _ := queue.FindPending(ctx, "frank")
		if pending == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("entry not processed through notification")
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-stopped
}
