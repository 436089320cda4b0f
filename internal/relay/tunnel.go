package relay

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/relaygate/tunnel/internal/protocol"
)

// TunnelConnection represents one attached agent as seen by the relay:
// its control channel, liveness state, and heartbeat scheduler.
type TunnelConnection struct {
	id    string
	codec *protocol.Codec

	alive atomic.Bool

	done      chan struct{}
	closeOnce sync.Once

	heartbeatEvery time.Duration
	stopHeartbeat  chan struct{}

	// onResponse is invoked for each tunnel-response frame received.
	onResponse func(f *protocol.Frame)
	// onClose is invoked exactly once when the connection is torn down,
	// whether by an explicit Close, the read loop, or the heartbeat.
	onClose func(t *TunnelConnection)
}

// newTunnelConnection wraps an already-upgraded websocket connection.
// The caller is responsible for calling Start once the connection has
// been registered, and onResponse/onClose are invoked from the
// connection's own goroutines.
func newTunnelConnection(id string, conn *websocket.Conn, heartbeatEvery time.Duration, onResponse func(*protocol.Frame), onClose func(*TunnelConnection)) *TunnelConnection {
	t := &TunnelConnection{
		id:             id,
		codec:          protocol.NewCodec(conn),
		done:           make(chan struct{}),
		heartbeatEvery: heartbeatEvery,
		stopHeartbeat:  make(chan struct{}),
		onResponse:     onResponse,
		onClose:        onClose,
	}
	t.alive.Store(true)
	return t
}

// Start launches the read loop and heartbeat scheduler. Must be called
// at most once.
func (t *TunnelConnection) Start() {
	go t.readLoop()
	go t.heartbeatLoop()
}

// ID returns the tunnel's public identifier (subdomain label).
func (t *TunnelConnection) ID() string { return t.id }

// Send writes a frame to the agent.
func (t *TunnelConnection) Send(f *protocol.Frame) error {
	return t.codec.WriteFrame(f)
}

// Done returns a channel closed once the connection has torn down.
func (t *TunnelConnection) Done() <-chan struct{} { return t.done }

// Open reports whether the channel is still live (not yet torn down).
func (t *TunnelConnection) Open() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Close tears the connection down: stops the heartbeat, closes the
// websocket, and invokes onClose exactly once.
func (t *TunnelConnection) Close() {
	t.closeOnce.Do(func() {
		close(t.stopHeartbeat)
		close(t.done)
		t.codec.Close()
		slog.Info("tunnel closed", "id", t.id)
		if t.onClose != nil {
			t.onClose(t)
		}
	})
}

// readLoop reads frames until the channel closes, dispatching pong and
// tunnel-response frames; any other frame (including malformed ones) is
// discarded with a warning and does not close the channel.
func (t *TunnelConnection) readLoop() {
	defer t.Close()
	for {
		frame, err := t.codec.ReadFrame()
		if err != nil {
			if _, ok := asDecodeError(err); ok {
				slog.Warn("discarding unparseable frame", "id", t.id, "err", err)
				continue
			}
			select {
			case <-t.done:
				return
			default:
				slog.Info("tunnel transport closed", "id", t.id, "err", err)
				return
			}
		}

		switch frame.Type {
		case protocol.TypePong:
			t.alive.Store(true)
		case protocol.TypeTunnelResponse:
			if t.onResponse != nil {
				t.onResponse(frame)
			}
		default:
			slog.Warn("unexpected frame direction or type from agent", "id", t.id, "type", frame.Type)
		}
	}
}

// heartbeatLoop pings every heartbeatEvery and closes the connection
// if no pong was observed since the previous tick, per spec §4.4: two
// consecutive misses close the channel.
func (t *TunnelConnection) heartbeatLoop() {
	ticker := time.NewTicker(t.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !t.alive.Swap(false) {
				slog.Warn("heartbeat missed, closing tunnel", "id", t.id)
				t.Close()
				return
			}
			if err := t.Send(&protocol.Frame{Type: protocol.TypePing}); err != nil {
				slog.Warn("ping failed, closing tunnel", "id", t.id, "err", err)
				t.Close()
				return
			}
		case <-t.stopHeartbeat:
			return
		}
	}
}

// asDecodeError reports whether err is a protocol.DecodeError, i.e. a
// single bad frame rather than a transport failure.
func asDecodeError(err error) (*protocol.DecodeError, bool) {
	de, ok := err.(*protocol.DecodeError)
	return de, ok
}
