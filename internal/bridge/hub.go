package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rufaromugabe/spotfi-sub000/internal/metrics"
	"github.com/rufaromugabe/spotfi-sub000/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	writeWait         = 10 * time.Second
	maxMessageSize    = 1 << 20
	defaultRPCTimeout = 5 * time.Second
)

// Frame types on the control channel.
const (
	frameRequest  = "request"
	frameResponse = "response"
	frameHello    = "hello"
)

// frame is one JSON message on the control channel.
type frame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Namespace string          `json:"namespace,omitempty"`
	Method    string          `json:"method,omitempty"`
	Args      any             `json:"args,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Hub holds one control channel per connected router.
type Hub struct {
	db           *gorm.DB
	secret       []byte
	pingInterval time.Duration
	metrics      *metrics.Metrics
	upgrader     websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*routerConn
}

// NewHub constructs a Hub. Routers authenticate with tokens signed by secret.
func NewHub(db *gorm.DB, secret []byte, pingInterval time.Duration, m *metrics.Metrics) *Hub {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Hub{
		db:           db,
		secret:       secret,
		pingInterval: pingInterval,
		metrics:      m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]*routerConn),
	}
}

type routerConn struct {
	id   string
	ws   *websocket.Conn
	wmu  sync.Mutex
	done chan struct{}
	once sync.Once

	pmu     sync.Mutex
	pending map[string]chan frame
}

func (c *routerConn) write(f frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(f)
}

func (c *routerConn) ping() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *routerConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Handle is the gin handler for the control channel endpoint.
func (h *Hub) Handle(c *gin.Context) {
	raw := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
	if raw == "" {
		raw = strings.TrimSpace(c.Query("token"))
	}
	routerID, errToken := ParseRouterToken(h.secret, raw)
	if errToken != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var router models.Router
	if errFind := h.db.WithContext(c.Request.Context()).Where("id = ?", routerID).Take(&router).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup router failed"})
		return
	}

	ws, errUpgrade := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if errUpgrade != nil {
		log.WithError(errUpgrade).WithField("router_id", routerID).Warn("bridge: upgrade failed")
		return
	}
	conn := &routerConn{id: routerID, ws: ws, done: make(chan struct{}), pending: make(map[string]chan frame)}
	h.register(conn, clientIP(c))
	defer h.unregister(conn)

	go h.keepalive(conn)
	h.readLoop(conn)
}

func clientIP(c *gin.Context) string {
	return c.ClientIP()
}

func (h *Hub) register(conn *routerConn, remoteIP string) {
	h.mu.Lock()
	if old := h.conns[conn.id]; old != nil {
		old.close()
	}
	h.conns[conn.id] = conn
	count := len(h.conns)
	h.mu.Unlock()
	h.metrics.SetBridgeConnected(count)

	now := time.Now().UTC()
	updates := map[string]any{"status": models.RouterStatusOnline, "last_seen_at": now}
	if remoteIP != "" {
		updates["ip_address"] = remoteIP
	}
	if errUpdate := h.db.Model(&models.Router{}).Where("id = ?", conn.id).Updates(updates).Error; errUpdate != nil {
		log.WithError(errUpdate).WithField("router_id", conn.id).Warn("bridge: mark online failed")
	}
	log.WithFields(log.Fields{"component": "bridge", "router_id": conn.id}).Info("bridge: router connected")
}

func (h *Hub) unregister(conn *routerConn) {
	conn.close()
	conn.pmu.Lock()
	for id, ch := range conn.pending {
		close(ch)
		delete(conn.pending, id)
	}
	conn.pmu.Unlock()

	h.mu.Lock()
	current := h.conns[conn.id] == conn
	if current {
		delete(h.conns, conn.id)
	}
	count := len(h.conns)
	h.mu.Unlock()
	h.metrics.SetBridgeConnected(count)
	if !current {
		return
	}
	if errUpdate := h.db.Model(&models.Router{}).Where("id = ?", conn.id).
		Updates(map[string]any{"status": models.RouterStatusOffline, "last_seen_at": time.Now().UTC()}).Error; errUpdate != nil {
		log.WithError(errUpdate).WithField("router_id", conn.id).Warn("bridge: mark offline failed")
	}
	log.WithFields(log.Fields{"component": "bridge", "router_id": conn.id}).Info("bridge: router disconnected")
}

func (h *Hub) keepalive(conn *routerConn) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			if errPing := conn.ping(); errPing != nil {
				conn.close()
				return
			}
		}
	}
}

func (h *Hub) readLoop(conn *routerConn) {
	readWait := 2 * h.pingInterval
	conn.ws.SetReadLimit(maxMessageSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(readWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(readWait))
	})
	for {
		var f frame
		if errRead := conn.ws.ReadJSON(&f); errRead != nil {
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(readWait))
		switch f.Type {
		case frameResponse:
			conn.pmu.Lock()
			ch := conn.pending[f.ID]
			delete(conn.pending, f.ID)
			conn.pmu.Unlock()
			if ch != nil {
				ch <- f
			}
		case frameHello:
			h.touch(conn.id, f.Metadata)
		default:
			log.WithFields(log.Fields{"component": "bridge", "router_id": conn.id, "type": f.Type}).Debug("bridge: ignoring frame")
		}
	}
}

func (h *Hub) touch(routerID string, metadata json.RawMessage) {
	updates := map[string]any{"last_seen_at": time.Now().UTC()}
	if len(metadata) > 0 && json.Valid(metadata) {
		updates["metadata"] = datatypes.JSON(metadata)
	}
	if errUpdate := h.db.Model(&models.Router{}).Where("id = ?", routerID).Updates(updates).Error; errUpdate != nil {
		log.WithError(errUpdate).WithField("router_id", routerID).Warn("bridge: update metadata failed")
	}
}

// Connected reports whether gatewayID holds a live channel.
func (h *Hub) Connected(gatewayID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[gatewayID]
	return ok
}

// RPCCall implements Bridge.
func (h *Hub) RPCCall(ctx context.Context, gatewayID, namespace, method string, args any, timeout time.Duration) (json.RawMessage, error) {
	h.mu.RLock()
	conn := h.conns[gatewayID]
	h.mu.RUnlock()
	if conn == nil {
		return nil, ErrGatewayOffline
	}
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}

	id := uuid.NewString()
	ch := make(chan frame, 1)
	conn.pmu.Lock()
	conn.pending[id] = ch
	conn.pmu.Unlock()
	defer func() {
		conn.pmu.Lock()
		delete(conn.pending, id)
		conn.pmu.Unlock()
	}()

	if errWrite := conn.write(frame{Type: frameRequest, ID: id, Namespace: namespace, Method: method, Args: args}); errWrite != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnreachable, errWrite)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrGatewayOffline
		}
		if resp.Error != "" {
			return nil, &RPCError{Namespace: namespace, Method: method, Message: resp.Error}
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, ErrGatewayUnreachable
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnreachable, ctx.Err())
	}
}

// KickClient implements Bridge by asking the router's portal daemon to log mac out.
func (h *Hub) KickClient(ctx context.Context, gatewayID, mac string) error {
	_, err := h.RPCCall(ctx, gatewayID, "uam", "kick", map[string]string{"mac": mac}, defaultRPCTimeout)
	return err
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*routerConn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()
	for _, conn := range conns {
		conn.close()
	}
}
