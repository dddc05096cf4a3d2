// Package radius speaks RADIUS to the authentication backend and receives accounting
// from gateway devices.
package radius

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rufaromugabe/spotfi-sub000/internal/metrics"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2869"
)

// ErrNoServer is returned when no RADIUS server is configured.
var ErrNoServer = errors.New("radius: no server configured")

// AuthRequest holds one Access-Request.
type AuthRequest struct {
	Username string
	Password string
	NASIP    string
	NASID    string
	Secret   string
	Server   string
	Port     int

	CallingStationID string // Client MAC.
	CalledStationID  string
	FramedIP         string
}

// AuthResult is the backend's verdict.
type AuthResult struct {
	Accepted bool
	Reason   string // Reply-Message on reject, for logs only.

	SessionTimeout uint32
	IdleTimeout    uint32
	Class          []byte
}

// Authenticator is the RADIUS authentication backend.
type Authenticator interface {
	Authenticate(ctx context.Context, req AuthRequest) (AuthResult, error)
}

// Client sends Access-Requests with PAP credentials and a Message-Authenticator.
type Client struct {
	timeout time.Duration
	metrics *metrics.Metrics
}

// NewClient constructs a Client. Every exchange is bounded by timeout.
func NewClient(timeout time.Duration, m *metrics.Metrics) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{timeout: timeout, metrics: m}
}

// Authenticate implements Authenticator. A reject is not an error; transport and
// configuration failures are.
func (c *Client) Authenticate(ctx context.Context, req AuthRequest) (AuthResult, error) {
	server := strings.TrimSpace(req.Server)
	if server == "" || req.Port <= 0 {
		return AuthResult{}, ErrNoServer
	}
	if req.Secret == "" {
		return AuthResult{}, fmt.Errorf("radius: missing shared secret")
	}

	packet := radius.New(radius.CodeAccessRequest, []byte(req.Secret))
	if err := rfc2865.UserName_SetString(packet, req.Username); err != nil {
		return AuthResult{}, fmt.Errorf("radius: user-name: %w", err)
	}
	if err := rfc2865.UserPassword_SetString(packet, req.Password); err != nil {
		return AuthResult{}, fmt.Errorf("radius: user-password: %w", err)
	}
	if req.NASID != "" {
		_ = rfc2865.NASIdentifier_SetString(packet, req.NASID)
	}
	if ip := net.ParseIP(strings.TrimSpace(req.NASIP)); ip != nil && ip.To4() != nil {
		_ = rfc2865.NASIPAddress_Set(packet, ip.To4())
	}
	if req.CallingStationID != "" {
		_ = rfc2865.CallingStationID_SetString(packet, req.CallingStationID)
	}
	if req.CalledStationID != "" {
		_ = rfc2865.CalledStationID_SetString(packet, req.CalledStationID)
	}
	if ip := net.ParseIP(strings.TrimSpace(req.FramedIP)); ip != nil && ip.To4() != nil {
		_ = rfc2865.FramedIPAddress_Set(packet, ip.To4())
	}
	_ = rfc2865.ServiceType_Set(packet, rfc2865.ServiceType_Value_LoginUser)

	if err := addMessageAuthenticator(packet, []byte(req.Secret)); err != nil {
		return AuthResult{}, fmt.Errorf("radius: message authenticator: %w", err)
	}

	addr := net.JoinHostPort(server, strconv.Itoa(req.Port))
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	response, err := radius.Exchange(reqCtx, packet, addr)
	latency := time.Since(started).Seconds()
	if err != nil {
		c.metrics.RecordRADIUSRequest("auth", "error", latency)
		return AuthResult{}, fmt.Errorf("radius: exchange with %s: %w", addr, err)
	}

	switch response.Code {
	case radius.CodeAccessAccept:
		c.metrics.RecordRADIUSRequest("auth", "accept", latency)
		return AuthResult{
			Accepted:       true,
			SessionTimeout: uint32(rfc2865.SessionTimeout_Get(response)),
			IdleTimeout:    uint32(rfc2865.IdleTimeout_Get(response)),
			Class:          rfc2865.Class_Get(response),
		}, nil
	case radius.CodeAccessReject:
		c.metrics.RecordRADIUSRequest("auth", "reject", latency)
		return AuthResult{Reason: rfc2865.ReplyMessage_GetString(response)}, nil
	case radius.CodeAccessChallenge:
		c.metrics.RecordRADIUSRequest("auth", "challenge", latency)
		return AuthResult{Reason: "access-challenge not supported"}, nil
	default:
		c.metrics.RecordRADIUSRequest("auth", "error", latency)
		return AuthResult{}, fmt.Errorf("radius: unexpected response code %v", response.Code)
	}
}

// addMessageAuthenticator sets Message-Authenticator to HMAC-MD5 over the packet
// encoded with a zeroed authenticator attribute.
func addMessageAuthenticator(packet *radius.Packet, secret []byte) error {
	rfc2869.MessageAuthenticator_Del(packet)
	if err := rfc2869.MessageAuthenticator_Set(packet, make([]byte, 16)); err != nil {
		return err
	}
	encoded, err := packet.Encode()
	if err != nil {
		return err
	}
	hash := hmac.New(md5.New, secret)
	hash.Write(encoded)
	return rfc2869.MessageAuthenticator_Set(packet, hash.Sum(nil))
}
