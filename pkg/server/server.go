package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/podium/pkg/bus"
	"github.com/go-go-golems/podium/pkg/emitter"
	"github.com/go-go-golems/podium/pkg/engine"
	"github.com/go-go-golems/podium/pkg/eventlog"
	"github.com/go-go-golems/podium/pkg/sequencer"
)

// Settings configures the HTTP surface.
type Settings struct {
	Addr               string `yaml:"addr"`
	IdleTimeoutSeconds int    `yaml:"idle_timeout_seconds"`
}

// Config wires the orchestration server.
type Config struct {
	BaseCtx   context.Context
	Backend   bus.StreamBackend
	Bus       *bus.DebateBus
	LogStore  eventlog.Store
	Snapshots sequencer.SnapshotStore

	// Providers maps script provider assignments to generation backends.
	Providers       map[string]engine.Provider
	DefaultProvider engine.Provider

	Emitter  emitter.Options
	Settings Settings
}

// Server exposes the debate push endpoint, catch-up reads over the event log
// and the orchestration control routes.
type Server struct {
	cfg      Config
	hub      *Hub
	registry *DebateRegistry
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

func New(cfg Config) (*Server, error) {
	if cfg.BaseCtx == nil {
		return nil, errors.New("base context is nil")
	}
	if cfg.Backend == nil {
		return nil, errors.New("stream backend is nil")
	}
	if cfg.Bus == nil {
		return nil, errors.New("debate bus is nil")
	}
	if cfg.LogStore == nil {
		return nil, errors.New("event log store is nil")
	}
	if cfg.Snapshots == nil {
		return nil, errors.New("snapshot store is nil")
	}
	hub, err := NewHub(HubConfig{
		BaseCtx:     cfg.BaseCtx,
		Backend:     cfg.Backend,
		IdleTimeout: time.Duration(cfg.Settings.IdleTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		hub:      hub,
		registry: NewDebateRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /debate/{debateId}/stream", s.handleStream)
	s.mux.HandleFunc("GET /debate/{debateId}/events", s.handleEvents)
	s.mux.HandleFunc("DELETE /debate/{debateId}/events", s.handleDeleteEvents)
	s.mux.HandleFunc("GET /debate/{debateId}/state", s.handleState)
	s.mux.HandleFunc("POST /debate/{debateId}/start", s.handleStart)
	s.mux.HandleFunc("POST /debate/{debateId}/resume", s.handleResume)
	s.mux.HandleFunc("POST /debate/{debateId}/pause", s.handlePause)
	s.mux.HandleFunc("POST /debate/{debateId}/cancel", s.handleCancel)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler { return s.mux }

// Hub returns the viewer hub (tests and composition).
func (s *Server) Hub() *Hub { return s.hub }

// BuildHTTPServer constructs an http.Server around the mux.
func (s *Server) BuildHTTPServer() *http.Server {
	addr := s.cfg.Settings.Addr
	if addr == "" {
		addr = ":8088"
	}
	return &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// Close releases the hub and every forwarder.
func (s *Server) Close() {
	s.hub.Close()
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	debateID := r.PathValue("debateId")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().
			Err(err).
			Str("component", "server").
			Str("debate_id", debateID).
			Msg("websocket upgrade failed")
		return
	}
	if err := s.hub.Attach(debateID, conn); err != nil {
		log.Warn().
			Err(err).
			Str("component", "server").
			Str("debate_id", debateID).
			Msg("viewer attach failed")
		_ = conn.Close()
	}
}
