package radius

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rufaromugabe/spotfi-sub000/internal/accounting"
	"github.com/rufaromugabe/spotfi-sub000/internal/metrics"
	"github.com/rufaromugabe/spotfi-sub000/internal/models"
	log "github.com/sirupsen/logrus"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
	"layeh.com/radius/rfc2869"
)

// RecordWriter persists accounting records.
type RecordWriter interface {
	Write(ctx context.Context, rec accounting.Record) (*models.AccountingSession, error)
}

// AccountingServer receives Accounting-Request packets from gateway devices. The
// Accounting-Response is sent only after the record is committed, so a failed write is
// retransmitted by the device.
type AccountingServer struct {
	server  *radius.PacketServer
	writer  RecordWriter
	timeout time.Duration
	metrics *metrics.Metrics
}

// NewAccountingServer constructs an AccountingServer listening on addr.
func NewAccountingServer(addr, secret string, writer RecordWriter, m *metrics.Metrics) *AccountingServer {
	s := &AccountingServer{writer: writer, timeout: 5 * time.Second, metrics: m}
	s.server = &radius.PacketServer{
		Addr:         addr,
		Network:      "udp",
		SecretSource: radius.StaticSecretSource([]byte(secret)),
		Handler:      radius.HandlerFunc(s.serveRADIUS),
	}
	return s
}

// ListenAndServe blocks until the server is shut down.
func (s *AccountingServer) ListenAndServe() error {
	log.WithFields(log.Fields{"component": "radius-acct", "addr": s.server.Addr}).Info("accounting listener started")
	err := s.server.ListenAndServe()
	if errors.Is(err, radius.ErrServerShutdown) {
		return nil
	}
	return err
}

// Serve handles packets from conn until the server is shut down.
func (s *AccountingServer) Serve(conn net.PacketConn) error {
	err := s.server.Serve(conn)
	if errors.Is(err, radius.ErrServerShutdown) {
		return nil
	}
	return err
}

// Shutdown stops the listener.
func (s *AccountingServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *AccountingServer) serveRADIUS(w radius.ResponseWriter, r *radius.Request) {
	logger := log.WithFields(log.Fields{"component": "radius-acct", "remote": r.RemoteAddr.String()})
	if r.Code != radius.CodeAccountingRequest {
		logger.WithField("code", r.Code).Debug("ignoring non-accounting packet")
		return
	}
	rec, ok := RecordFromPacket(r.Packet, remoteIP(r), time.Now().UTC())
	if !ok {
		// Accounting-On/Off and unknown status types need no session write.
		_ = w.Write(r.Response(radius.CodeAccountingResponse))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	started := time.Now()
	if _, errWrite := s.writer.Write(ctx, rec); errWrite != nil {
		s.metrics.RecordRADIUSRequest("acct", "error", time.Since(started).Seconds())
		logger.WithError(errWrite).WithField("session_id", rec.SessionID).Warn("accounting write failed, not acknowledging")
		return
	}
	s.metrics.RecordRADIUSRequest("acct", rec.Status.String(), time.Since(started).Seconds())
	if errResp := w.Write(r.Response(radius.CodeAccountingResponse)); errResp != nil {
		logger.WithError(errResp).Warn("accounting response failed")
	}
}

func remoteIP(r *radius.Request) string {
	if udp, ok := r.RemoteAddr.(*net.UDPAddr); ok {
		return udp.IP.String()
	}
	return ""
}

// RecordFromPacket translates an Accounting-Request. Octet counters include the
// Gigawords attributes. NAS-IP-Address falls back to the packet source.
func RecordFromPacket(p *radius.Packet, sourceIP string, now time.Time) (accounting.Record, bool) {
	var status accounting.StatusType
	switch rfc2866.AcctStatusType_Get(p) {
	case rfc2866.AcctStatusType_Value_Start:
		status = accounting.StatusStart
	case rfc2866.AcctStatusType_Value_InterimUpdate:
		status = accounting.StatusInterim
	case rfc2866.AcctStatusType_Value_Stop:
		status = accounting.StatusStop
	default:
		return accounting.Record{}, false
	}

	rec := accounting.Record{
		Status:          status,
		SessionID:       rfc2866.AcctSessionID_GetString(p),
		Username:        rfc2865.UserName_GetString(p),
		NASIdentifier:   rfc2865.NASIdentifier_GetString(p),
		CalledStationID: rfc2865.CalledStationID_GetString(p),
		Class:           string(rfc2865.Class_Get(p)),
		MACAddress:      rfc2865.CallingStationID_GetString(p),
		BytesIn:         octets(uint32(rfc2866.AcctInputOctets_Get(p)), uint32(rfc2869.AcctInputGigawords_Get(p))),
		BytesOut:        octets(uint32(rfc2866.AcctOutputOctets_Get(p)), uint32(rfc2869.AcctOutputGigawords_Get(p))),
		EventTime:       now,
	}
	if ip := rfc2865.NASIPAddress_Get(p); ip != nil {
		rec.NASIPAddress = ip.String()
	} else {
		rec.NASIPAddress = sourceIP
	}
	if ip := rfc2865.FramedIPAddress_Get(p); ip != nil {
		rec.ClientIP = ip.String()
	}
	if delay := rfc2866.AcctDelayTime_Get(p); delay > 0 {
		rec.EventTime = now.Add(-time.Duration(delay) * time.Second)
	}
	if sessionTime := rfc2866.AcctSessionTime_Get(p); sessionTime > 0 {
		rec.StartedAt = rec.EventTime.Add(-time.Duration(sessionTime) * time.Second)
	}
	if status == accounting.StatusStop {
		if cause, errCause := rfc2866.AcctTerminateCause_Lookup(p); errCause == nil {
			rec.TerminateCause = cause.String()
		}
	}
	return rec, true
}

func octets(low, gigawords uint32) int64 {
	return int64(gigawords)<<32 | int64(low)
}
