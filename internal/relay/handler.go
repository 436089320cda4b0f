package relay

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/relaygate/tunnel/internal/protocol"
)

// Handler is the relay's public HTTP ingress: it resolves the target
// tunnel from the Host header, correlates each request with a pending
// reply, and serves the operational surface on the base domain.
type Handler struct {
	cfg      *Config
	registry *Registry
	pending  *PendingTable
}

// NewHandler creates the public ingress handler.
func NewHandler(cfg *Config, registry *Registry, pending *PendingTable) *Handler {
	return &Handler{cfg: cfg, registry: registry, pending: pending}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := stripPort(r.Host)
	subdomain := resolveSubdomain(host, h.cfg.BaseDomain)

	if subdomain == "" {
		h.serveOperational(w, r)
		return
	}

	tunnel, ok := h.registry.Get(subdomain)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown subdomain", map[string]any{"subdomain": subdomain})
		return
	}
	if !tunnel.Open() {
		h.registry.Remove(tunnel)
		writeJSONError(w, http.StatusBadGateway, "tunnel closed", nil)
		return
	}

	h.proxy(w, r, tunnel)
}

// serveOperational handles requests to the bare base domain: /health
// and a plain-text welcome banner for everything else.
func (h *Handler) serveOperational(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"tunnels":    h.registry.Count(),
			"maxTunnels": h.registry.Max(),
		})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(Banner(h.cfg)))
}

// proxy forwards one external request through tunnel and writes its
// eventual reply (or a synthetic error) back to w.
func (h *Handler) proxy(w http.ResponseWriter, r *http.Request, tunnel *TunnelConnection) {
	body, ok := h.readBodyWithCap(w, r)
	if !ok {
		return
	}

	id := uuid.New().String()
	frame := &protocol.Frame{
		Type:    protocol.TypeTunnelRequest,
		ID:      id,
		Method:  r.Method,
		Path:    r.URL.RequestURI(),
		Headers: flattenHeader(r.Header, true),
		Body:    protocol.EncodeBody(body),
	}

	pr := h.pending.Add(id, tunnel.ID())
	defer h.pending.Remove(id)

	if err := tunnel.Send(frame); err != nil {
		slog.Error("failed to write request frame to tunnel", "id", id, "tunnel", tunnel.ID(), "err", err)
		writeJSONError(w, http.StatusBadGateway, "tunnel closed", nil)
		return
	}

	select {
	case resp := <-pr.respCh:
		h.writeResponse(w, resp)
	case <-time.After(h.cfg.RequestTimeout):
		slog.Warn("request timed out waiting for tunnel response", "id", id, "tunnel", tunnel.ID())
		writeJSONError(w, http.StatusGatewayTimeout, "origin did not respond in time", nil)
	case <-pr.shutdownCh:
		writeJSONError(w, http.StatusServiceUnavailable, "server shutting down", nil)
	}
}

// readBodyWithCap reads the request body up to the configured cap. If
// the body exceeds the cap, it writes 413 and destroys the underlying
// connection without ever emitting a frame to the agent, per §4.3.
func (h *Handler) readBodyWithCap(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	limited := io.LimitReader(r.Body, h.cfg.MaxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "failed reading request body", nil)
		return nil, false
	}
	if int64(len(body)) > h.cfg.MaxBodyBytes {
		destroyConnection(w, h.cfg.MaxBodyBytes)
		return nil, false
	}
	return body, true
}

// destroyConnection hijacks the underlying connection, writes a 413
// status line directly to it and closes it, so the client sees the
// connection die rather than a clean keep-alive response. If the
// connection cannot be hijacked, it writes a plain 413 instead.
func destroyConnection(w http.ResponseWriter, limit int64) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}
	conn, buf, err := hj.Hijack()
	if err != nil {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}
	_, _ = buf.WriteString("HTTP/1.1 413 Request Entity Too Large\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")
	_ = buf.Flush()
	_ = conn.Close()
}

// writeResponse writes a tunnel-response frame as the public HTTP
// reply. The hop-by-hop transfer-encoding header is stripped; every
// other header is passed through verbatim.
func (h *Handler) writeResponse(w http.ResponseWriter, frame *protocol.Frame) {
	body, err := protocol.DecodeBody(frame.Body)
	if err != nil {
		slog.Error("failed to decode response body", "id", frame.ID, "err", err)
		writeJSONError(w, http.StatusBadGateway, "invalid response from origin", nil)
		return
	}
	for k, v := range frame.Headers {
		if strings.EqualFold(k, "transfer-encoding") {
			continue
		}
		w.Header().Set(k, v)
	}
	status := frame.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(body) > 0 {
		_, _ = w.Write(body)
	}
}

// stripPort removes an optional ":port" suffix from a Host header
// value (also handling bracketed IPv6 literals).
func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// resolveSubdomain computes the tunnel label from a request's
// hostname and the relay's base domain. An empty result means "serve
// the operational surface": the hostname is the base domain itself, is
// empty, or doesn't belong to the base domain at all.
func resolveSubdomain(host, baseDomain string) string {
	if host == "" || host == baseDomain {
		return ""
	}
	suffix := "." + baseDomain
	if !strings.HasSuffix(host, suffix) {
		return ""
	}
	return strings.TrimSuffix(host, suffix)
}

// flattenHeader converts an http.Header into the wire frame's
// string-to-string map, joining multiple values for a key with ", ".
// stripConnectionHeaders additionally strips the hop-by-hop
// transfer-encoding header before the frame is sent to the agent.
func flattenHeader(h http.Header, stripConnectionHeaders bool) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if stripConnectionHeaders && strings.EqualFold(k, "transfer-encoding") {
			continue
		}
		if len(v) > 0 {
			out[k] = strings.Join(v, ", ")
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string, extra map[string]any) {
	body := map[string]any{"error": message}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}
