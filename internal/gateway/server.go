// Package gateway serves the dashboard: HTTP status APIs, a websocket
// feed of live agent activity, and Prometheus metrics.
package gateway

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/gasflow/internal/bus"
	"github.com/nextlevelbuilder/gasflow/internal/config"
	"github.com/nextlevelbuilder/gasflow/internal/status"
	"github.com/nextlevelbuilder/gasflow/pkg/protocol"
)

//go:embed dashboard.html
var dashboardHTML []byte

// Server is the dashboard gateway.
type Server struct {
	cfg      *config.Config
	gatherer *status.Gatherer
	events   *bus.Bus
	logger   *slog.Logger

	upgrader websocket.Upgrader
	limiter  *rate.Limiter

	mu      sync.RWMutex
	clients map[string]*Client

	httpServer *http.Server
	metrics    *metrics
	startTime  time.Time
}

// NewServer wires a gateway over the gatherer and event bus.
func NewServer(cfg *config.Config, gatherer *status.Gatherer, events *bus.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	perSec := cfg.Limits.BroadcastPerSec
	if perSec <= 0 {
		perSec = 20
	}
	return &Server{
		cfg:      cfg,
		gatherer: gatherer,
		events:   events,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The dashboard is served same-origin but operators also
			// open it through tunnels, so origins are not enforced.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		limiter:   rate.NewLimiter(rate.Limit(perSec), perSec),
		clients:   map[string]*Client{},
		metrics:   newMetrics(),
		startTime: time.Now(),
	}
}

// BuildMux assembles the HTTP routes.
func (s *Server) BuildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleDashboard)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/agent/", s.handleAgent)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/cache", s.handleCache)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.handler())
	return mux
}

// Start serves until ctx is canceled, then shuts down gracefully. The
// watch loop and bus forwarding run alongside the listener.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.watch(ctx)
	go s.forwardBusEvents(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("gateway shutdown", "error", err)
		}
	}()

	s.logger.Info("gateway listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleWebSocket upgrades, registers the client, pushes the initial
// snapshot, and runs the pumps until the connection drops.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := newClient(uuid.NewString()[:8], conn, s)
	s.register(client)
	defer s.unregister(client)

	if snap, err := s.gatherer.FullStatus(time.Now()); err == nil {
		client.sendEnvelope(protocol.NewEnvelope(protocol.TypeInitialStatus, snap))
	}

	go client.writePump()
	client.readPump()
}

func (s *Server) register(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	n := len(s.clients)
	s.mu.Unlock()
	s.metrics.connectedClients.Set(float64(n))
	s.logger.Info("dashboard client connected", "client", c.id, "total", n)
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	if _, ok := s.clients[c.id]; ok {
		delete(s.clients, c.id)
		c.close()
	}
	n := len(s.clients)
	s.mu.Unlock()
	s.metrics.connectedClients.Set(float64(n))
	s.logger.Info("dashboard client disconnected", "client", c.id, "total", n)
}

// Broadcast sends an envelope to every client subscribed to its type.
func (s *Server) Broadcast(env protocol.Envelope) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		if c.subscribed(env.Type) {
			c.sendEnvelope(env)
		}
	}
	s.metrics.broadcastsTotal.WithLabelValues(env.Type).Inc()
}

// ClientCount returns the number of connected dashboard clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) forwardBusEvents(ctx context.Context) {
	if s.events == nil {
		return
	}
	ch := s.events.Subscribe()
	defer s.events.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			msgType := protocol.TypeStatusUpdate
			switch ev.Type {
			case bus.EventSuccession:
				msgType = protocol.TypeSuccession
			case bus.EventWaveChange:
				msgType = protocol.TypeWaveChange
			case bus.EventAgentDone:
				msgType = protocol.TypeAgentUpdate
			}
			s.Broadcast(protocol.NewEnvelope(msgType, ev))
		}
	}
}

// StartTestServer runs the gateway on an ephemeral port and returns
// its base URL and a stop function. Used by tests and the CLI smoke
// checks.
func StartTestServer(cfg *config.Config, gatherer *status.Gatherer, events *bus.Bus) (*Server, string, func(), error) {
	s := NewServer(cfg, gatherer, events, slog.Default())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.httpServer = &http.Server{Handler: s.BuildMux()}
	go s.watch(ctx)
	go s.forwardBusEvents(ctx)
	go s.httpServer.Serve(ln)

	url := "http://" + ln.Addr().String()
	stop := func() {
		cancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}
	return s, url, stop, nil
}
