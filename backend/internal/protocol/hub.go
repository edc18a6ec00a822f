package protocol

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/bci-mcp/backend/internal/metric"
	"github.com/bci-mcp/backend/internal/session"
)

// ErrTooManyConnections is returned when the connection limit is reached.
var ErrTooManyConnections = errors.New("too many connections")

const methodSessionInfo = "notifications/session_info"

// Hub tracks live connections and fans server notifications out to them.
// It implements session.Notifier.
type Hub struct {
	mu       sync.RWMutex
	conns    map[*Conn]struct{}
	maxConns int
	metrics  *metric.Metrics
	logger   *slog.Logger
}

func NewHub(maxConns int, metrics *metric.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:    make(map[*Conn]struct{}),
		maxConns: maxConns,
		metrics:  metrics,
		logger:   logger,
	}
}

func (h *Hub) add(c *Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.maxConns > 0 && len(h.conns) >= h.maxConns {
		return ErrTooManyConnections
	}
	h.conns[c] = struct{}{}
	h.metrics.ClientConnected()
	return nil
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		h.metrics.ClientDisconnected()
	}
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) snapshot() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	return out
}

// Broadcast sends a notification to every connection. Connections whose
// send queue is full are closed.
func (h *Hub) Broadcast(method string, params any) {
	data, err := json.Marshal(Notification{JSONRPC: jsonrpcVersion, Method: method, Params: params})
	if err != nil {
		h.logger.Error("broadcast marshal failed", "method", method, "error", err)
		return
	}
	for _, c := range h.snapshot() {
		if c.enqueue(data) {
			h.metrics.NotificationSent(method)
		}
	}
}

// SessionChange is the payload of notifications/session_info.
type SessionChange struct {
	Change string       `json:"change"`
	Info   session.Info `json:"session_info"`
}

// Notify broadcasts a session lifecycle change. It never blocks.
func (h *Hub) Notify(c session.Change) {
	h.Broadcast(methodSessionInfo, SessionChange{Change: c.Type.String(), Info: c.Info})
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	for _, c := range h.snapshot() {
		c.close()
	}
}
