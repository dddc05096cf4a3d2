// Package bridge reaches gateway devices: a per-router WebSocket command channel and an
// RFC 5176 Disconnect-Message fallback.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrGatewayOffline means the router holds no live control channel.
	ErrGatewayOffline = errors.New("bridge: gateway offline")
	// ErrGatewayUnreachable means the router did not answer in time.
	ErrGatewayUnreachable = errors.New("bridge: gateway unreachable")
	// ErrUnsupported means the transport cannot carry the call.
	ErrUnsupported = errors.New("bridge: operation not supported")
)

// RPCError is an error reported by the router itself.
type RPCError struct {
	Namespace string
	Method    string
	Message   string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("bridge: %s.%s: %s", e.Namespace, e.Method, e.Message)
}

// Bridge is the router command channel.
type Bridge interface {
	RPCCall(ctx context.Context, gatewayID, namespace, method string, args any, timeout time.Duration) (json.RawMessage, error)
	KickClient(ctx context.Context, gatewayID, mac string) error
}

// Fallback kicks through Primary and retries on Secondary when the gateway is offline
// on Primary. RPC calls only use Primary.
type Fallback struct {
	Primary   Bridge
	Secondary Bridge
}

// RPCCall implements Bridge.
func (f Fallback) RPCCall(ctx context.Context, gatewayID, namespace, method string, args any, timeout time.Duration) (json.RawMessage, error) {
	return f.Primary.RPCCall(ctx, gatewayID, namespace, method, args, timeout)
}

// KickClient implements Bridge.
func (f Fallback) KickClient(ctx context.Context, gatewayID, mac string) error {
	err := f.Primary.KickClient(ctx, gatewayID, mac)
	if err == nil || f.Secondary == nil || !errors.Is(err, ErrGatewayOffline) {
		return err
	}
	log.WithFields(log.Fields{"component": "bridge", "gateway_id": gatewayID}).
		Debug("bridge: gateway offline on control channel, trying disconnect message")
	return f.Secondary.KickClient(ctx, gatewayID, mac)
}
