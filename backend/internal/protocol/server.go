// Package protocol serves the JSON-RPC 2.0 method table over WebSocket,
// plus the health, capabilities and metrics HTTP endpoints.
package protocol

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bci-mcp/backend/internal/config"
	"github.com/bci-mcp/backend/internal/health"
	"github.com/bci-mcp/backend/internal/metric"
	"github.com/bci-mcp/backend/internal/session"
)

// Options configures a Server.
type Options struct {
	Config  *config.Config
	Manager *session.Manager
	Metrics *metric.Metrics
	Health  *health.Checker
	Logger  *slog.Logger
	Version string
}

type Server struct {
	cfg     *config.Config
	mgr     *session.Manager
	hub     *Hub
	methods *Table
	topics  map[string]topicFunc
	metrics *metric.Metrics
	health  *health.Checker
	logger  *slog.Logger
	version string

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
}

func NewServer(opts Options) *Server {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "protocol")
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	checker := opts.Health
	if checker == nil {
		checker = health.NewChecker(version)
	}

	s := &Server{
		cfg:            cfg,
		mgr:            opts.Manager,
		hub:            NewHub(cfg.Protocol.MaxConnections, opts.Metrics, logger),
		methods:        NewTable(),
		metrics:        opts.Metrics,
		health:         checker,
		logger:         logger,
		version:        version,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      cfg.Server.AuthToken,
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	s.registerTopics()
	s.registerMethods()
	return s
}

// Hub returns the connection hub. Install it as the manager's notifier so
// lifecycle changes reach every client.
func (s *Server) Hub() *Hub { return s.hub }

// Methods returns the dispatch table.
func (s *Server) Methods() *Table { return s.methods }

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/capabilities", s.handleCapabilities)
	mux.Handle("/metrics", s.metrics.Handler())
}

// Handler returns a mux with every route installed.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return mux
}

// Close disconnects every client.
func (s *Server) Close() {
	s.hub.CloseAll()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(s, ws, r.RemoteAddr)
	if err := s.hub.add(c); err != nil {
		s.logger.Warn("rejecting client", "remote", r.RemoteAddr, "error", err)
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeWait))
		ws.Close()
		c.cancel()
		return
	}

	c.logger.Info("client connected")
	c.serve()
	c.logger.Info("client disconnected")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	report := s.health.Check(ctx)
	report.Clients = s.hub.Count()
	if s.mgr != nil {
		report.Session = s.mgr.SessionInfo()
	}
	writeJSON(w, report)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, s.Capabilities())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if s.tokenMatches(r.URL.Query().Get("token")) {
		return true
	}

	if s.tokenMatches(r.Header.Get("X-BCI-Token")) {
		return true
	}

	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok && s.tokenMatches(token) {
		return true
	}

	return false
}

func (s *Server) tokenMatches(token string) bool {
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Host
	if host == r.Host {
		return true
	}
	hostname := parsed.Hostname()
	return hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1"
}

// ListenAndServe runs an HTTP server for handler until ctx is done, then
// shuts it down gracefully.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
