package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/relaygate/tunnel/internal/protocol"
)

// TunnelInstance describes the subdomain and public URL the relay
// assigned to this agent's current connection.
type TunnelInstance struct {
	ID  string
	URL string
}

// Tunnel manages the agent-side control channel to the relay: reading
// tunnel-request frames, dispatching them to the local backend, and
// writing back tunnel-response frames. The relay drives the heartbeat
// (ping); the agent only ever answers with pong.
type Tunnel struct {
	codec     *protocol.Codec
	done      chan struct{}
	closeOnce sync.Once
	handler   *RequestHandler

	instance *TunnelInstance

	onRequest func(method, path string, status int)
	onError   func(err error)
}

// ConnectTunnel dials the relay's tunnel endpoint, authenticates via
// header, and blocks until the relay assigns a tunnel id.
func ConnectTunnel(ctx context.Context, cfg *Config, dialer *EgressDialer, handler *RequestHandler, onRequest func(method, path string, status int), onError func(err error)) (*Tunnel, error) {
	wsDialer := websocket.Dialer{}
	if dialer != nil {
		wsDialer.NetDialContext = dialer.DialContext
	}

	header := http.Header{}
	header.Set(cfg.SecretHeader, cfg.SharedSecret)
	if cfg.PreferredLabel != "" {
		header.Set(cfg.SubdomainHeader, cfg.PreferredLabel)
	}

	url := cfg.RelayURL + cfg.TunnelPath
	slog.Info("connecting to relay", "url", url)
	conn, resp, err := wsDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialling relay: %w (status %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("dialling relay: %w", err)
	}

	codec := protocol.NewCodec(conn)
	frame, err := codec.ReadFrame()
	if err != nil {
		codec.Close()
		return nil, fmt.Errorf("awaiting tunnel assignment: %w", err)
	}
	if frame.Type != protocol.TypeTunnelAssigned {
		codec.Close()
		return nil, fmt.Errorf("expected tunnel-assigned frame, got %q", frame.Type)
	}

	slog.Info("tunnel assigned", "id", frame.Subdomain, "url", frame.URL)
	return &Tunnel{
		codec:     codec,
		done:      make(chan struct{}),
		handler:   handler,
		instance:  &TunnelInstance{ID: frame.Subdomain, URL: frame.URL},
		onRequest: onRequest,
		onError:   onError,
	}, nil
}

// Instance returns the subdomain/URL assigned for this connection.
func (t *Tunnel) Instance() *TunnelInstance { return t.instance }

// Run processes frames from the relay until the channel closes.
func (t *Tunnel) Run() error {
	defer t.Close()
	for {
		frame, err := t.codec.ReadFrame()
		if err != nil {
			if _, ok := err.(*protocol.DecodeError); ok {
				slog.Warn("discarding unparseable frame from relay", "err", err)
				continue
			}
			select {
			case <-t.done:
				return nil
			default:
				return fmt.Errorf("reading frame: %w", err)
			}
		}

		switch frame.Type {
		case protocol.TypePing:
			if err := t.codec.WriteFrame(&protocol.Frame{Type: protocol.TypePong}); err != nil {
				return fmt.Errorf("sending pong: %w", err)
			}
		case protocol.TypeTunnelRequest:
			go t.handleRequest(frame)
		case protocol.TypeTunnelError:
			slog.Warn("relay reported a tunnel error", "message", frame.Message)
		default:
			slog.Warn("unexpected frame type from relay", "type", frame.Type)
		}
	}
}

// Close tears down the tunnel's control channel.
func (t *Tunnel) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.codec.Close()
		slog.Info("agent tunnel closed", "id", t.instance.ID)
	})
}

// Done returns a channel closed once the tunnel has torn down.
func (t *Tunnel) Done() <-chan struct{} { return t.done }

// handleRequest processes one tunnelled request and writes its
// tunnel-response frame back to the relay.
func (t *Tunnel) handleRequest(req *protocol.Frame) {
	resp := t.handler.Handle(req)
	if t.onRequest != nil {
		t.onRequest(req.Method, req.Path, resp.Status)
	}
	if resp.Status >= http.StatusInternalServerError && t.onError != nil {
		t.onError(fmt.Errorf("local backend returned status %d for %s %s", resp.Status, req.Method, req.Path))
	}
	if err := t.codec.WriteFrame(resp); err != nil {
		slog.Error("failed to send response frame", "id", req.ID, "err", err)
	}
}
