package ws

import (
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/pairpad/backend/internal/config"
	"github.com/pairpad/backend/internal/sandbox"
	"github.com/pairpad/backend/internal/session"
)

type Server struct {
	registry        *session.Registry
	runner          *sandbox.Runner
	logger          *log.Logger
	maxMessageBytes int64
	frontendDir     string
	dev             bool
	embeddedHandler http.Handler
	allowedOrigins  map[string]bool
	allowedHosts    map[string]bool
	startedAt       time.Time
}

func NewServer(cfg *config.Config, registry *session.Registry, runner *sandbox.Runner, logger *log.Logger, frontendDir string, dev bool, embeddedHandler http.Handler) *Server {
	s := &Server{
		registry:        registry,
		runner:          runner,
		logger:          logger,
		maxMessageBytes: cfg.Session.MaxMessageBytes,
		frontendDir:     frontendDir,
		dev:             dev,
		embeddedHandler: embeddedHandler,
		allowedOrigins:  make(map[string]bool),
		allowedHosts:    make(map[string]bool),
		startedAt:       time.Now(),
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

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.Handle("/api/sessions", corsHeaders(http.HandlerFunc(s.handleSessions)))
	mux.Handle("/api/sessions/", corsHeaders(http.HandlerFunc(s.handleSessionRoutes)))
	mux.Handle("/api/health", corsHeaders(http.HandlerFunc(s.handleHealth)))
	mux.HandleFunc("/ws/", s.handleWS)

	if s.dev {
		s.logger.Info("serving frontend from filesystem", "dir", s.frontendDir)
		mux.Handle("/", http.FileServer(http.Dir(s.frontendDir)))
	} else if s.embeddedHandler != nil {
		s.logger.Info("serving embedded frontend")
		mux.Handle("/", s.embeddedHandler)
	}
}

// corsHeaders mirrors the original deployment, where the frontend may be
// served from another origin in development.
func corsHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess := s.registry.Create()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"session_id": sess.ID})
}

func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	// Parse: /api/sessions/{id}/join
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[1] != "join" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	sessionID, err := url.PathUnescape(parts[0])
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	s.handleJoin(w, r, sessionID)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, ok := s.registry.Get(sessionID)
	if !ok {
		http.Error(w, "session not found or expired", http.StatusNotFound)
		return
	}
	sess.Touch()

	language, code := sess.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"session_id": sess.ID,
		"language":   language,
		"code":       code,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID, err := url.PathUnescape(strings.TrimPrefix(r.URL.Path, "/ws/"))
	if err != nil || sessionID == "" {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	sess, ok := s.registry.Get(sessionID)
	if !ok {
		http.Error(w, "session not found or expired", http.StatusNotFound)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade", "err", err)
		return
	}
	conn.SetReadLimit(s.maxMessageBytes)

	c := newClient(conn)
	if !sess.Attach(c) {
		// Session ended between lookup and attach.
		c.Close()
		return
	}

	s.logger.Debug("participant connected", "session_id", sess.ID, "remote", r.RemoteAddr)
	s.serveSession(r.Context(), sess, c)
	s.logger.Debug("participant disconnected", "session_id", sess.ID, "remote", r.RemoteAddr)
}

type healthResponse struct {
	Status         string   `json:"status"`
	UptimeSeconds  int64    `json:"uptime_seconds"`
	Sessions       int      `json:"sessions"`
	Connections    int      `json:"connections"`
	Languages      []string `json:"languages"`
	MemUsedPercent float64  `json:"mem_used_percent,omitempty"`
	Load1          float64  `json:"load1,omitempty"`
	RSSBytes       uint64   `json:"rss_bytes,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Sessions:      s.registry.Len(),
		Connections:   s.registry.ConnCount(),
		Languages:     s.runner.Languages(),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		resp.MemUsedPercent = vm.UsedPercent
	}
	if avg, err := load.Avg(); err == nil {
		resp.Load1 = avg.Load1
	}
	if self, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := self.MemoryInfo(); err == nil {
			resp.RSSBytes = info.RSS
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
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

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}
