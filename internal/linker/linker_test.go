package linker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rufaromugabe/spotfi-sub000/internal/accounting"
	"github.com/rufaromugabe/spotfi-sub000/internal/db"
	"github.com/rufaromugabe/spotfi-sub000/internal/models"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := db.Open("file:" + filepath.Join(t.TempDir(), "linker.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	routers := []models.Router{
		{ID: "rtr-a", NASIdentifier: "venue-a", IPAddress: "10.0.0.1", MACAddress: "aa:bb:cc:00:00:01"},
		{ID: "rtr-b", NASIdentifier: "venue-b", IPAddress: "10.0.0.2", MACAddress: "AA-BB-CC-00-00-02"},
		{ID: "rtr-c", IPAddress: "10.0.0.3"},
	}
	for i := range routers {
		if errCreate := conn.Create(&routers[i]).Error; errCreate != nil {
			t.Fatalf("create router: %v", errCreate)
		}
	}
	return conn
}

func TestResolve_PriorityOrder(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		session models.AccountingSession
		want    string
		rule    Rule
	}{
		{
			name:    "nas identifier wins over everything",
			session: models.AccountingSession{NASIdentifier: "rtr-a", Class: "rtr-b", NASIPAddress: "10.0.0.3", CalledStationID: "AA-BB-CC-00-00-02:Guest"},
			want:    "rtr-a",
			rule:    RuleNASIdentifier,
		},
		{
			name:    "class when nas identifier is unknown",
			session: models.AccountingSession{NASIdentifier: "unknown", Class: "rtr-b", NASIPAddress: "10.0.0.1"},
			want:    "rtr-b",
			rule:    RuleClass,
		},
		{
			name:    "nas ip",
			session: models.AccountingSession{NASIPAddress: "10.0.0.3", CalledStationID: "AABBCC000001"},
			want:    "rtr-c",
			rule:    RuleNASIP,
		},
		{
			name:    "mac embedded in called station id",
			session: models.AccountingSession{NASIPAddress: "192.168.1.9", CalledStationID: "aa-bb-cc-00-00-02:SpotFi Guest"},
			want:    "rtr-b",
			rule:    RuleMACSubstring,
		},
	}
	for _, tc := range cases {
		router, rule, err := Resolve(ctx, conn, &tc.session)
		if err != nil {
			t.Fatalf("%s: resolve: %v", tc.name, err)
		}
		if router == nil || router.ID != tc.want || rule != tc.rule {
			t.Fatalf("%s: expected %s via %s, got %+v via %s", tc.name, tc.want, tc.rule, router, rule)
		}
	}

	router, rule, err := Resolve(ctx, conn, &models.AccountingSession{NASIPAddress: "172.16.0.1", CalledStationID: "FF:FF:FF:FF:FF:FF"})
	if err != nil || router != nil || rule != RuleNone {
		t.Fatalf("expected no match, got %+v %s %v", router, rule, err)
	}
}

func TestLinker_StampsOnceAndRetriesWhileUnlinked(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	store := accounting.NewStore(conn, nil, []accounting.Hook{New(nil)})
	at := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	// First record carries nothing useful.
	row, err := store.Write(ctx, accounting.Record{Status: accounting.StatusStart, SessionID: "s1", Username: "gina", NASIPAddress: "172.16.0.1", EventTime: at})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if row.GatewayID != nil {
		t.Fatalf("expected unlinked session")
	}

	// An interim adds the called station id and links the session.
	row, err = store.Write(ctx, accounting.Record{Status: accounting.StatusInterim, SessionID: "s1", Username: "gina", CalledStationID: "AA:BB:CC:00:00:01:Cafe", EventTime: at.Add(time.Minute)})
	if err != nil {
		t.Fatalf("interim: %v", err)
	}
	if row.GatewayID == nil || *row.GatewayID != "rtr-a" {
		t.Fatalf("expected rtr-a, got %v", row.GatewayID)
	}

	// Later records never relink.
	row, err = store.Write(ctx, accounting.Record{Status: accounting.StatusInterim, SessionID: "s1", Username: "gina", NASIdentifier: "rtr-b", EventTime: at.Add(2 * time.Minute)})
	if err != nil {
		t.Fatalf("interim 2: %v", err)
	}
	if row.GatewayID == nil || *row.GatewayID != "rtr-a" {
		t.Fatalf("expected link to stay on rtr-a, got %v", row.GatewayID)
	}
	stored, _ := store.Session(ctx, "s1")
	if stored.GatewayID == nil || *stored.GatewayID != "rtr-a" {
		t.Fatalf("expected persisted rtr-a, got %v", stored.GatewayID)
	}
}

func TestNormalizeMAC(t *testing.T) {
	if got := NormalizeMAC(" aa:bb-cc.dd:ee:ff "); got != "AABBCCDDEEFF" {
		t.Fatalf("unexpected %q", got)
	}
}
