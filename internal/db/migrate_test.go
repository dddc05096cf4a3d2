package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rufaromugabe/spotfi-sub000/internal/models"
)

func TestMigrate_PendingDisconnectIsUniquePerUsername(t *testing.T) {
	conn, err := Open("file:" + filepath.Join(t.TempDir(), "migrate.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	// Running twice must be harmless.
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate again: %v", errMigrate)
	}

	first := models.DisconnectQueueEntry{Username: "alice", Reason: models.DisconnectReasonQuotaExceeded}
	if errCreate := conn.Create(&first).Error; errCreate != nil {
		t.Fatalf("create first: %v", errCreate)
	}
	dup := models.DisconnectQueueEntry{Username: "alice", Reason: models.DisconnectReasonPlanExpired}
	if errCreate := conn.Create(&dup).Error; errCreate == nil {
		t.Fatalf("expected unique violation for second pending entry")
	}

	now := time.Now().UTC()
	if errUpdate := conn.Model(&first).Updates(map[string]any{"processed": true, "processed_at": now}).Error; errUpdate != nil {
		t.Fatalf("mark processed: %v", errUpdate)
	}
	again := models.DisconnectQueueEntry{Username: "alice", Reason: models.DisconnectReasonQuotaExceeded}
	if errCreate := conn.Create(&again).Error; errCreate != nil {
		t.Fatalf("expected new pending entry after processing, got %v", errCreate)
	}
}

func TestOpen_DetectsDialect(t *testing.T) {
	if !IsPostgresDSN("postgres://u:p@localhost:5432/spotfi") {
		t.Fatalf("expected postgres url to be detected")
	}
	if !IsPostgresDSN("host=localhost user=spotfi dbname=spotfi") {
		t.Fatalf("expected keyword dsn to be detected")
	}
	if IsPostgresDSN("file:/tmp/spotfi.db") {
		t.Fatalf("expected sqlite path")
	}
	if got := SQLiteDSN("/tmp/x.db"); got[:5] != "file:" {
		t.Fatalf("expected file: prefix, got %q", got)
	}
}

func TestContainsFold_EscapesWildcards(t *testing.T) {
	conn, err := Open("file:" + filepath.Join(t.TempDir(), "fold.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	for _, name := range []string{"a_b", "axb", "50%off"} {
		entry := models.DisconnectQueueEntry{Username: name, Reason: models.DisconnectReasonQuotaExceeded}
		if errCreate := conn.Create(&entry).Error; errCreate != nil {
			t.Fatalf("create %s: %v", name, errCreate)
		}
	}
	cases := map[string][]string{
		"A_B": {"a_b"},
		"%":   {"50%off"},
		"X":   {"axb"},
	}
	for term, want := range cases {
		expr, pattern := ContainsFold(conn, "username", term)
		var got []string
		if errFind := conn.Model(&models.DisconnectQueueEntry{}).Where(expr, pattern).Order("username").Pluck("username", &got).Error; errFind != nil {
			t.Fatalf("search %q: %v", term, errFind)
		}
		if len(got) != len(want) || got[0] != want[0] {
			t.Fatalf("search %q: got %v want %v", term, got, want)
		}
	}
}
