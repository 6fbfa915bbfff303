// Package server exposes the HTTP surface: platform webhooks, the website
// chat API, manual and cron trigger endpoints, and the WebSocket activity
// feed.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/replyloop/replyloop/internal/config"
	"github.com/replyloop/replyloop/internal/engine"
	"github.com/replyloop/replyloop/internal/schedule"
	"github.com/replyloop/replyloop/internal/store"
)

// Server handles inbound webhook deliveries and the operator API.
type Server struct {
	cfg       *config.Config
	engine    *engine.Engine
	scheduler *schedule.Scheduler
	stores    *store.Stores
	hub       *Hub

	upgrader websocket.Upgrader
	limiter  *keyLimiter

	httpServer *http.Server
	mux        *http.ServeMux
}

func New(cfg *config.Config, eng *engine.Engine, sched *schedule.Scheduler, stores *store.Stores) *Server {
	s := &Server{
		cfg:       cfg,
		engine:    eng,
		scheduler: sched,
		stores:    stores,
		hub:       NewHub(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	snap := cfg.Snapshot()
	s.limiter = newKeyLimiter(snap.Server.RateLimitRPM, 5)
	return s
}

// Hub returns the activity hub for out-of-band broadcasts (scheduler sweeps).
func (s *Server) Hub() *Hub { return s.hub }

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	// Platform webhooks. Meta platforms carry the receiving account in the
	// payload; Telegram carries it in the path.
	mux.HandleFunc("GET /webhooks/facebook", s.handleMetaVerify)
	mux.HandleFunc("POST /webhooks/facebook", s.handleMetaWebhook)
	mux.HandleFunc("GET /webhooks/instagram", s.handleMetaVerify)
	mux.HandleFunc("POST /webhooks/instagram", s.handleMetaWebhook)
	mux.HandleFunc("POST /webhooks/telegram/{account}", s.handleTelegramWebhook)

	// Operator API.
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("POST /v1/rules/{id}/trigger", s.requireToken(s.handleManualTrigger))
	mux.HandleFunc("POST /internal/cron/tick", s.requireToken(s.handleCronTick))
	mux.HandleFunc("GET /ws/activity", s.requireToken(s.handleActivityWS))

	s.mux = mux
	return mux
}

// Start begins listening and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	snap := s.cfg.Snapshot()
	addr := fmt.Sprintf("%s:%d", snap.Server.Host, snap.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("server starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	})
}

// requireToken gates an endpoint with the server bearer token. An empty
// configured token leaves the endpoint open (local/dev deployments).
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.Snapshot().Server.Token
		if token == "" {
			next(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got == "" {
			// WebSocket clients cannot set headers from browsers.
			got = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// handleActivityWS upgrades the connection and streams execution activity.
func (s *Server) handleActivityWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	c := &hubClient{conn: conn, send: make(chan []byte, 64)}
	s.hub.register(c)
	s.hub.run(c)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	max := s.cfg.Snapshot().Server.MaxBodyBytes
	if max <= 0 {
		max = 1 << 20
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, max))
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid body: " + err.Error()})
		return false
	}
	return true
}
