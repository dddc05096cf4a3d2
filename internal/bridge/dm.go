package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rufaromugabe/spotfi-sub000/internal/models"
	"gorm.io/gorm"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
)

// errorCauseType is the RFC 5176 Error-Cause attribute.
const errorCauseType radius.Type = 101

// DisconnectBridge kicks clients with RFC 5176 Disconnect-Request packets sent to the
// router's last known IP, signed with its RADIUS secret.
type DisconnectBridge struct {
	db      *gorm.DB
	port    int
	timeout time.Duration
}

// NewDisconnectBridge constructs a DisconnectBridge.
func NewDisconnectBridge(db *gorm.DB, port int, timeout time.Duration) *DisconnectBridge {
	if port <= 0 {
		port = 3799
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &DisconnectBridge{db: db, port: port, timeout: timeout}
}

// RPCCall is not available over RADIUS.
func (b *DisconnectBridge) RPCCall(context.Context, string, string, string, any, time.Duration) (json.RawMessage, error) {
	return nil, ErrUnsupported
}

// KickClient implements Bridge.
func (b *DisconnectBridge) KickClient(ctx context.Context, gatewayID, mac string) error {
	var router models.Router
	if errFind := b.db.WithContext(ctx).Where("id = ?", gatewayID).Take(&router).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return ErrGatewayOffline
		}
		return fmt.Errorf("bridge: load router: %w", errFind)
	}
	if strings.TrimSpace(router.IPAddress) == "" || router.RadiusSecret == "" {
		return ErrGatewayOffline
	}

	packet := radius.New(radius.CodeDisconnectRequest, []byte(router.RadiusSecret))
	_ = rfc2865.CallingStationID_SetString(packet, formatMAC(mac))
	if router.NASIdentifier != "" {
		_ = rfc2865.NASIdentifier_SetString(packet, router.NASIdentifier)
	}
	var session models.AccountingSession
	errSession := b.db.WithContext(ctx).
		Where("gateway_id = ? AND mac_address = ? AND stopped_at IS NULL", gatewayID, strings.ToUpper(mac)).
		Order("started_at DESC").
		Take(&session).Error
	if errSession == nil {
		_ = rfc2865.UserName_SetString(packet, session.Username)
		_ = rfc2866.AcctSessionID_SetString(packet, session.SessionID)
	}

	reqCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	addr := net.JoinHostPort(router.IPAddress, strconv.Itoa(b.port))
	resp, errExchange := radius.Exchange(reqCtx, packet, addr)
	if errExchange != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnreachable, errExchange)
	}
	switch resp.Code {
	case radius.CodeDisconnectACK:
		return nil
	case radius.CodeDisconnectNAK:
		cause := "unspecified"
		if attr, ok := resp.Lookup(errorCauseType); ok {
			if code, errInt := radius.Integer(attr); errInt == nil {
				cause = strconv.FormatUint(uint64(code), 10)
			}
		}
		return &RPCError{Namespace: "radius", Method: "disconnect", Message: "NAK error-cause " + cause}
	default:
		return fmt.Errorf("bridge: unexpected disconnect response %v", resp.Code)
	}
}

// formatMAC renders mac as upper-case dash separated octets.
func formatMAC(mac string) string {
	hw, err := net.ParseMAC(strings.TrimSpace(mac))
	if err != nil || len(hw) != 6 {
		return strings.ToUpper(strings.TrimSpace(mac))
	}
	return fmt.Sprintf("%02X-%02X-%02X-%02X-%02X-%02X", hw[0], hw[1], hw[2], hw[3], hw[4], hw[5])
}
