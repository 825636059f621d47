// Package relay is the local endpoint bridges forward tokens to. It accepts
// bridge frames over WebSocket, offers an HTTP fallback for posting tokens,
// and keeps the received tokens in memory.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/time/rate"

	"github.com/tokenbridge/tokenbridge/internal/config"
	"github.com/tokenbridge/tokenbridge/internal/protocol"
)

const (
	maxFrameSize = 1 << 20
	authHeader   = "X-Tokenbridge-Token"
)

var errMissingToken = errors.New("missing accessToken field")

// Server serves the relay's WebSocket and HTTP routes.
type Server struct {
	cfg            config.RelayConfig
	store          *Store
	hub            *Hub
	logger         *slog.Logger
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	limiter        *rate.Limiter
	started        time.Time
	now            func() time.Time
}

// NewServer builds a server over store and hub. A positive TokenRate
// limits POST /api/token.
func NewServer(cfg config.RelayConfig, store *Store, hub *Hub, logger *slog.Logger) *Server {
	s := &Server{
		cfg:            cfg,
		store:          store,
		hub:            hub,
		logger:         logger,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		started:        time.Now(),
		now:            time.Now,
	}

	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	if cfg.TokenRate > 0 {
		burst := cfg.TokenBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.TokenRate), burst)
	}

	return s
}

// Handler returns the relay's routes wrapped in the security headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/token", s.handleToken)
	mux.HandleFunc("/api/tokens", s.handleTokens)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/request-token", s.handleRequestToken)
	return securityHeaders(mux)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c, err := s.hub.AddClient(conn)
	if err != nil {
		s.logger.Warn("ws client rejected", "remote", r.RemoteAddr, "error", err)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}
	s.logger.Info("ws client connected", "remote", r.RemoteAddr)

	go func() {
		defer func() {
			s.hub.RemoveClient(c)
			s.logger.Info("ws client disconnected", "remote", r.RemoteAddr)
		}()
		conn.SetReadLimit(maxFrameSize)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.handleFrame(c, data)
		}
	}()
}

func (s *Server) handleFrame(c *client, data []byte) {
	f, err := protocol.DecodeBridgeFrame(data)
	if err != nil {
		s.logger.Warn("dropping bridge frame", "client", c.addr, "error", err)
		return
	}

	switch f.Type {
	case protocol.MsgConnection:
		s.logger.Info("bridge announced", "client", f.Client, "client_id", f.ClientID)
		s.hub.Send(c, protocol.NewWelcome(s.now()))
	case protocol.MsgTokenUpdate:
		if err := s.acceptToken(f, "websocket"); err != nil {
			s.logger.Warn("token update rejected", "client", c.addr, "error", err)
			s.hub.Send(c, protocol.NewStatus(s.now(), "token_update ignored: "+err.Error()))
		}
	case protocol.MsgTokenError:
		s.logger.Warn("bridge reported token error", "error", f.Error, "status", f.Status)
	case protocol.MsgHeartbeat:
		s.hub.Send(c, protocol.NewPong(s.now()))
	case protocol.MsgPong:
	case protocol.MsgDisconnect:
		s.logger.Info("bridge disconnecting", "client", c.addr, "reason", f.Reason)
	default:
		s.logger.Warn("unknown bridge frame", "type", f.Type)
	}
}

func (s *Server) acceptToken(f protocol.BridgeFrame, transport string) error {
	if f.AccessToken == "" {
		return errMissingToken
	}
	name := f.User.Name
	if name == "" {
		name = "unknown"
	}
	email := f.User.Email
	if email == "" {
		email = "unknown"
	}
	status := f.Status
	if status == "" {
		status = protocol.StatusActive
	}

	total := s.store.Put(Entry{
		Token:       f.AccessToken,
		UserName:    name,
		UserEmail:   email,
		Expires:     f.Expires,
		Status:      status,
		LastUpdated: s.now(),
		Transport:   transport,
	})
	s.logger.Info("token received", "user", name, "email", email, "transport", transport, "length", len(f.AccessToken), "total", total)
	s.hub.Broadcast(protocol.NewTokenReceived(s.now(), name, total, transport))
	return nil
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.writeJSON(w, http.StatusTooManyRequests, map[string]any{"status": "error", "message": "rate limit exceeded"})
		return
	}

	var f protocol.BridgeFrame
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFrameSize)).Decode(&f); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "Invalid JSON format"})
		return
	}
	if err := s.acceptToken(f, "http"); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "Missing accessToken field"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"message":   "Token received successfully",
		"timestamp": protocol.Timestamp(s.now()),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":            "healthy",
		"server":            "tokenbridge-relay",
		"timestamp":         protocol.Timestamp(s.now()),
		"websocket_clients": s.hub.ClientCount(),
		"tokens_count":      s.store.Count(),
		"is_running":        true,
	})
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method == http.MethodDelete {
		n := s.store.Clear()
		s.logger.Info("tokens cleared", "count", n)
		s.writeJSON(w, http.StatusOK, map[string]any{"status": "success", "cleared": n})
		return
	}
	previews := s.store.Previews()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"count":     len(previews),
		"tokens":    previews,
		"timestamp": protocol.Timestamp(s.now()),
	})
}

// ProcessStats is the relay process's own resource use.
type ProcessStats struct {
	RSSBytes   uint64  `json:"rss_bytes"`
	Threads    int32   `json:"threads"`
	CPUPercent float64 `json:"cpu_percent"`
}

func processStats() (ProcessStats, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return ProcessStats{}, err
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return ProcessStats{}, fmt.Errorf("memory info: %w", err)
	}
	st := ProcessStats{RSSBytes: mem.RSS}
	if n, err := p.NumThreads(); err == nil {
		st.Threads = n
	}
	if cpu, err := p.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	}
	return st, nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	stats := map[string]any{
		"websocket_clients":  s.hub.ClientCount(),
		"tokens_count":       s.store.Count(),
		"server_running":     true,
		"port":               s.cfg.Port,
		"supports_websocket": true,
		"supports_http":      true,
		"uptime_seconds":     int(s.now().Sub(s.started).Seconds()),
	}
	if ps, err := processStats(); err == nil {
		stats["process"] = ps
	} else {
		s.logger.Debug("process stats unavailable", "error", err)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"stats":     stats,
		"timestamp": protocol.Timestamp(s.now()),
	})
}

func (s *Server) handleRequestToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.RequestToken()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"clients": s.hub.ClientCount(),
	})
}

// RequestToken asks every connected bridge for a fresh token.
func (s *Server) RequestToken() {
	s.hub.Broadcast(protocol.NewRequestToken(s.now()))
	s.logger.Info("token refresh requested", "clients", s.hub.ClientCount())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("writing response", "error", err)
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.cfg.AuthToken {
		return true
	}

	if r.Header.Get(authHeader) == s.cfg.AuthToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.cfg.AuthToken {
		return true
	}

	return false
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
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	hostname := parsed.Hostname()
	return hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1"
}

// ListenAndServe serves handler on host:port until ctx is cancelled, then
// shuts down gracefully.
func ListenAndServe(ctx context.Context, host string, port int, handler http.Handler, logger *slog.Logger) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("relay listening", "addr", addr, "ws", "ws://"+addr+"/ws")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
