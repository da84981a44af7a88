// Package gateway owns the websocket surface: connection supervision,
// frame dispatch, heartbeats, and teardown. One goroutine per
// connection reads frames in arrival order; responses for different
// requests may interleave on the wire.
package gateway

import (
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/parley/internal/config"
	"github.com/ent0n29/parley/internal/observability"
	"github.com/ent0n29/parley/internal/pipeline"
	"github.com/ent0n29/parley/internal/protocol"
	"github.com/ent0n29/parley/internal/session"
)

type Server struct {
	cfg      config.Config
	registry *session.Registry
	pipe     pipeline.Pipeline
	metrics  *observability.Metrics
	log      *zap.Logger
	upgrader websocket.Upgrader
	cpu      *cpuSampler

	mu    sync.Mutex
	conns map[*conn]struct{}
}

func New(cfg config.Config, registry *session.Registry, pipe pipeline.Pipeline, metrics *observability.Metrics, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		registry: registry,
		pipe:     pipe,
		metrics:  metrics,
		log:      log,
		cpu:      newCPUSampler(),
		conns:    make(map[*conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers send Origin; other websites must not be able
				// to drive a user's agent session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/agent/ws", s.handleWS)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newConn(s, ws)
	s.addConn(c)
	defer s.removeConn(c)

	c.run(r.Context())
}

func (s *Server) addConn(c *conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	n := len(s.conns)
	s.mu.Unlock()
	s.metrics.ActiveConnections.Set(float64(n))
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	n := len(s.conns)
	s.mu.Unlock()
	s.metrics.ActiveConnections.Set(float64(n))
}

func (s *Server) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// health builds the HEALTH_CHECK_ACK snapshot. Available to
// unregistered connections, so it exposes nothing session-scoped.
func (s *Server) health() protocol.HealthStatus {
	return protocol.HealthStatus{
		CPUUsage:  s.cpu.Sample(),
		ConnCount: s.connCount(),
		Status:    "UP",
	}
}

// Shutdown pushes a SHUTDOWN frame to every live connection and closes
// them. Called once during process shutdown.
func (s *Server) Shutdown(reason string) {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	env := protocol.NewEnvelope(protocol.TypeShutdown, "", protocol.ShutdownPayload{Reason: reason})
	for _, c := range conns {
		c.sendClose(env, reason)
	}
}
