package radius

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rufaromugabe/spotfi-sub000/internal/accounting"
	"github.com/rufaromugabe/spotfi-sub000/internal/models"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
	"layeh.com/radius/rfc2869"
)

const testSecret = "testing123"

func startBackend(t *testing.T, handler radius.Handler) (string, int) {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := &radius.PacketServer{
		SecretSource: radius.StaticSecretSource([]byte(testSecret)),
		Handler:      handler,
	}
	go func() { _ = server.Serve(conn) }()
	t.Cleanup(func() { _ = server.Shutdown(context.Background()) })
	addr := conn.LocalAddr().(*net.UDPAddr)
	return addr.IP.String(), addr.Port
}

func TestClient_AuthenticateAcceptAndReject(t *testing.T) {
	host, port := startBackend(t, radius.HandlerFunc(func(w radius.ResponseWriter, r *radius.Request) {
		if rfc2865.UserName_GetString(r.Packet) == "alice" && rfc2865.UserPassword_GetString(r.Packet) == "wonderland" {
			resp := r.Response(radius.CodeAccessAccept)
			_ = rfc2865.SessionTimeout_Set(resp, 3600)
			_ = w.Write(resp)
			return
		}
		resp := r.Response(radius.CodeAccessReject)
		_ = rfc2865.ReplyMessage_SetString(resp, "bad password")
		_ = w.Write(resp)
	}))
	client := NewClient(2*time.Second, nil)
	ctx := context.Background()

	res, err := client.Authenticate(ctx, AuthRequest{Username: "alice", Password: "wonderland", NASID: "rtr-a", NASIP: "10.0.0.1", Secret: testSecret, Server: host, Port: port})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !res.Accepted || res.SessionTimeout != 3600 {
		t.Fatalf("expected accept with session timeout, got %+v", res)
	}

	res, err = client.Authenticate(ctx, AuthRequest{Username: "alice", Password: "nope", Secret: testSecret, Server: host, Port: port})
	if err != nil {
		t.Fatalf("authenticate reject: %v", err)
	}
	if res.Accepted || res.Reason != "bad password" {
		t.Fatalf("expected reject, got %+v", res)
	}
}

func TestClient_ErrorsWithoutServer(t *testing.T) {
	if _, err := NewClient(time.Second, nil).Authenticate(context.Background(), AuthRequest{Username: "a", Password: "b", Secret: "s"}); err != ErrNoServer {
		t.Fatalf("expected ErrNoServer, got %v", err)
	}
}

func TestClient_TimesOut(t *testing.T) {
	host, port := startBackend(t, radius.HandlerFunc(func(radius.ResponseWriter, *radius.Request) {}))
	client := NewClient(200*time.Millisecond, nil)
	started := time.Now()
	_, err := client.Authenticate(context.Background(), AuthRequest{Username: "a", Password: "b", Secret: testSecret, Server: host, Port: port})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if time.Since(started) > 2*time.Second {
		t.Fatalf("timeout not bounded: %s", time.Since(started))
	}
}

func TestRecordFromPacket_Gigawords(t *testing.T) {
	p := radius.New(radius.CodeAccountingRequest, []byte(testSecret))
	_ = rfc2866.AcctStatusType_Set(p, rfc2866.AcctStatusType_Value_Stop)
	_ = rfc2866.AcctSessionID_SetString(p, "sess-1")
	_ = rfc2865.UserName_SetString(p, "alice")
	_ = rfc2866.AcctInputOctets_Set(p, 10)
	_ = rfc2869.AcctInputGigawords_Set(p, 1)
	_ = rfc2866.AcctOutputOctets_Set(p, 20)
	_ = rfc2866.AcctSessionTime_Set(p, 60)
	_ = rfc2866.AcctTerminateCause_Set(p, rfc2866.AcctTerminateCause_Value_IdleTimeout)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec, ok := RecordFromPacket(p, "192.0.2.10", now)
	if !ok {
		t.Fatalf("expected record")
	}
	if rec.Status != accounting.StatusStop || rec.SessionID != "sess-1" || rec.Username != "alice" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.BytesIn != 1<<32+10 || rec.BytesOut != 20 {
		t.Fatalf("unexpected octets %d/%d", rec.BytesIn, rec.BytesOut)
	}
	if rec.NASIPAddress != "192.0.2.10" {
		t.Fatalf("expected source ip fallback, got %q", rec.NASIPAddress)
	}
	if !rec.StartedAt.Equal(now.Add(-time.Minute)) {
		t.Fatalf("unexpected start %s", rec.StartedAt)
	}
	if rec.TerminateCause == "" {
		t.Fatalf("expected terminate cause")
	}

	on := radius.New(radius.CodeAccountingRequest, []byte(testSecret))
	_ = rfc2866.AcctStatusType_Set(on, rfc2866.AcctStatusType_Value_AccountingOn)
	if _, ok := RecordFromPacket(on, "", now); ok {
		t.Fatalf("expected Accounting-On to be skipped")
	}
}

type fakeWriter struct {
	mu      sync.Mutex
	records []accounting.Record
	err     error
}

func (f *fakeWriter) Write(_ context.Context, rec accounting.Record) (*models.AccountingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.records = append(f.records, rec)
	return &models.AccountingSession{SessionID: rec.SessionID}, nil
}

func TestAccountingServer_AcknowledgesAfterWrite(t *testing.T) {
	writer := &fakeWriter{}
	server := NewAccountingServer("", testSecret, writer, nil)
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = server.Serve(conn) }()
	defer func() { _ = server.Shutdown(context.Background()) }()

	p := radius.New(radius.CodeAccountingRequest, []byte(testSecret))
	_ = rfc2866.AcctStatusType_Set(p, rfc2866.AcctStatusType_Value_Start)
	_ = rfc2866.AcctSessionID_SetString(p, "sess-9")
	_ = rfc2865.UserName_SetString(p, "bob")
	_ = rfc2865.NASIdentifier_SetString(p, "rtr-a")

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(conn.LocalAddr().(*net.UDPAddr).Port))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := radius.Exchange(ctx, p, addr)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if resp.Code != radius.CodeAccountingResponse {
		t.Fatalf("expected Accounting-Response, got %v", resp.Code)
	}
	writer.mu.Lock()
	defer writer.mu.Unlock()
	if len(writer.records) != 1 || writer.records[0].NASIdentifier != "rtr-a" || writer.records[0].NASIPAddress != "127.0.0.1" {
		t.Fatalf("unexpected records %+v", writer.records)
	}
}
