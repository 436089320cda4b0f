package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/relaygate/tunnel/internal/protocol"
)

// Server is the relay process: it accepts public HTTP traffic and
// agent control-channel upgrades on one TCP port.
type Server struct {
	cfg      *Config
	registry *Registry
	pending  *PendingTable
	handler  *Handler
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// NewServer builds a configured, not-yet-running relay.
func NewServer(cfg *Config) *Server {
	registry := NewRegistry(cfg.MaxTunnels)
	pending := NewPendingTable()
	handler := NewHandler(cfg, registry, pending)

	s := &Server{
		cfg:      cfg,
		registry: registry,
		pending:  pending,
		handler:  handler,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.TunnelPath, s.handleTunnelUpgrade)
	mux.Handle("/", handler)
	s.httpSrv = &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	return s
}

// Run starts the relay and blocks until it exits (Shutdown is called,
// or ListenAndServe fails for a reason other than a graceful close).
func (s *Server) Run() error {
	slog.Info("relay server starting", "addr", s.cfg.ListenAddr, "base_domain", s.cfg.BaseDomain, "max_tunnels", s.cfg.MaxTunnels)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown performs the graceful teardown from spec §4.5: cancel every
// heartbeat and close every channel, drain the pending-request table
// (writing 503 to any still-writable response), then stop accepting
// new HTTP connections.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("relay server shutting down")
	for _, t := range s.registry.All() {
		t.Close()
	}
	s.pending.DrainAll()
	return s.httpSrv.Shutdown(ctx)
}

// handleTunnelUpgrade admits and upgrades one agent control-channel
// connection, per spec §4.2.
func (s *Server) handleTunnelUpgrade(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get(s.cfg.SecretHeader)
	if err := s.cfg.Authenticate(secret); err != nil {
		slog.Warn("agent auth failed", "remote", r.RemoteAddr, "err", err)
		http.Error(w, "unauthorised", http.StatusUnauthorized)
		return
	}

	if s.registry.AtCapacity() {
		slog.Warn("rejecting agent, at tunnel capacity", "remote", r.RemoteAddr, "max", s.cfg.MaxTunnels)
		writeJSONError(w, http.StatusServiceUnavailable, "Max tunnel limit reached", map[string]any{"limit": s.cfg.MaxTunnels})
		return
	}

	preferred := r.Header.Get(s.cfg.SubdomainHeader)
	id, err := resolveTunnelID(preferred, s.registry.Taken)
	if err != nil {
		slog.Error("failed to resolve tunnel id", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "err", err)
		return
	}

	tunnel := newTunnelConnection(id, conn, s.cfg.HeartbeatEvery, s.onTunnelResponse, s.registry.Remove)
	if err := s.registry.Add(tunnel); err != nil {
		// lost a race against another handshake for the same
		// capacity/id slot; refuse this one cleanly.
		slog.Warn("failed to register tunnel after upgrade", "id", id, "err", err)
		tunnel.Close()
		return
	}
	tunnel.Start()

	url := fmt.Sprintf("https://%s.%s", id, s.cfg.BaseDomain)
	if err := tunnel.Send(&protocol.Frame{
		Type:      protocol.TypeTunnelAssigned,
		Subdomain: id,
		URL:       url,
	}); err != nil {
		slog.Error("failed to send tunnel-assigned frame", "id", id, "err", err)
		tunnel.Close()
		return
	}

	slog.Info("agent attached", "id", id, "url", url, "remote", r.RemoteAddr)
}

// onTunnelResponse dispatches a tunnel-response frame to the pending
// table; a correlation miss (response for an id we don't know, e.g.
// because it already timed out) is silently discarded per spec §7.
func (s *Server) onTunnelResponse(f *protocol.Frame) {
	if !s.pending.Resolve(f.ID, f) {
		slog.Debug("discarding response for unknown or already-resolved correlation id", "id", f.ID)
	}
}
