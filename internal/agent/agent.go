package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// reconnectDelays is the fixed backoff ladder between reconnect
// attempts. After the last entry is exhausted without a successful
// connection, the agent gives up and Run returns.
var reconnectDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

// Agent manages the lifecycle of the tunnel connection to the relay:
// an optional egress dialer, local-backend health checks, and
// reconnection with a fixed backoff ladder.
type Agent struct {
	cfg     *Config
	dialer  *EgressDialer
	handler *RequestHandler

	instance atomic.Pointer[TunnelInstance]

	mu        sync.Mutex
	onRequest func(method, path string, status int)
	onErr     func(err error)
	onClose   func()

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a new agent from the given configuration.
func New(cfg *Config) (*Agent, error) {
	var dialer *EgressDialer
	if cfg.ProxyURL != "" {
		var err error
		dialer, err = NewEgressDialer(cfg.ProxyURL, cfg.ProxyHealthTimeout)
		if err != nil {
			return nil, err
		}
	}
	return &Agent{
		cfg:     cfg,
		dialer:  dialer,
		handler: NewRequestHandler(cfg.localAddr(), cfg.RequestTimeout),
		closed:  make(chan struct{}),
	}, nil
}

// OnRequest registers a callback invoked once per completed proxy
// round-trip to the local backend, carrying the status the backend
// (or a synthetic local failure) responded with.
func (a *Agent) OnRequest(f func(method, path string, status int)) {
	a.mu.Lock()
	a.onRequest = f
	a.mu.Unlock()
}

// OnError registers a callback invoked when forwarding a request to
// the local backend fails or returns a server error.
func (a *Agent) OnError(f func(err error)) {
	a.mu.Lock()
	a.onErr = f
	a.mu.Unlock()
}

// OnClose registers a callback invoked once Run is about to return:
// after the backoff ladder is exhausted, Close is called, or the
// context is cancelled.
func (a *Agent) OnClose(f func()) {
	a.mu.Lock()
	a.onClose = f
	a.mu.Unlock()
}

// Instance returns the subdomain/URL currently assigned by the relay,
// or nil if no tunnel is attached right now. The returned value may
// change across a reconnect, per the agent's "reattach under the same
// preferred label, fall back to a freshly minted one" policy.
func (a *Agent) Instance() *TunnelInstance {
	return a.instance.Load()
}

// Close requests that the agent stop reconnecting and tears down any
// live tunnel. Safe to call more than once.
func (a *Agent) Close() {
	a.closeOnce.Do(func() {
		close(a.closed)
	})
}

// Run verifies the local backend is reachable (if configured to), then
// enters the reconnect loop. Blocks until the context is cancelled,
// Close is called, or the backoff ladder is exhausted.
func (a *Agent) Run(ctx context.Context) error {
	if a.cfg.VerifyLocalOnStart {
		check := NewLocalHealthCheck(a.cfg.localAddr(), a.cfg.ProxyHealthTimeout)
		if err := check.Check(ctx); err != nil {
			// not fatal: the agent may still attach before its local
			// origin comes up, at the cost of early requests 502'ing.
			slog.Warn("local backend preflight check failed, attaching anyway", "err", err)
		}
	}

	err := a.reconnectLoop(ctx)
	a.mu.Lock()
	onClose := a.onClose
	a.mu.Unlock()
	if onClose != nil {
		onClose()
	}
	return err
}

func (a *Agent) isClosed() bool {
	select {
	case <-a.closed:
		return true
	default:
		return false
	}
}

// reconnectLoop connects and runs the tunnel until it drops, then
// waits out the next rung of the fixed backoff ladder before trying
// again. A connection that was successfully established resets the
// ladder, so a flaky but largely healthy link doesn't exhaust its
// attempts from transient blips. After reconnectDelays is exhausted
// with no intervening successful connection, it gives up.
func (a *Agent) reconnectLoop(ctx context.Context) error {
	attempt := 0
	preferred := a.cfg.PreferredLabel
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if a.isClosed() {
			return nil
		}

		connected, err := a.runTunnel(ctx, preferred)
		if inst := a.instance.Swap(nil); inst != nil {
			// re-offer the last assigned label on the next connect.
			preferred = inst.ID
		}
		if connected {
			attempt = 0
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if a.isClosed() {
			return nil
		}
		if err == nil {
			// a clean close (e.g. the relay shut the channel deliberately)
			// still counts as a disconnect worth retrying.
			err = fmt.Errorf("tunnel closed")
		}

		if attempt >= len(reconnectDelays) {
			slog.Error("exhausted reconnect attempts, giving up", "attempts", attempt, "err", err)
			return fmt.Errorf("exhausted %d reconnect attempts: %w", len(reconnectDelays), err)
		}
		delay := reconnectDelays[attempt]
		attempt++
		slog.Warn("tunnel disconnected, reconnecting", "err", err, "delay", delay, "attempt", attempt)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		case <-a.closed:
			return nil
		}
	}
}

// runTunnel connects to the relay, offering preferred as the
// subdomain label, and processes frames until the connection drops.
// The returned bool reports whether the handshake itself succeeded,
// regardless of how the tunnel later ended.
func (a *Agent) runTunnel(ctx context.Context, preferred string) (bool, error) {
	cfg := a.cfg
	if preferred != cfg.PreferredLabel {
		c := *cfg
		c.PreferredLabel = preferred
		cfg = &c
	}
	tunnel, err := ConnectTunnel(ctx, cfg, a.dialer, a.handler, a.dispatchRequest, a.dispatchError)
	if err != nil {
		return false, err
	}
	defer tunnel.Close()
	a.instance.Store(tunnel.Instance())

	var stopCheck func()
	var checkFailed <-chan error
	if a.cfg.ProxyRecheckEvery > 0 {
		check := NewLocalHealthCheck(a.cfg.localAddr(), a.cfg.ProxyHealthTimeout)
		stopCheck, checkFailed = StartPeriodicCheck(check, a.cfg.ProxyRecheckEvery)
		defer stopCheck()
	}

	tunnelErr := make(chan error, 1)
	go func() {
		tunnelErr <- tunnel.Run()
	}()

	select {
	case err := <-tunnelErr:
		return true, err
	case err := <-checkFailed:
		slog.Error("local backend check failed, closing tunnel", "err", err)
		tunnel.Close()
		return true, err
	case <-ctx.Done():
		tunnel.Close()
		return true, ctx.Err()
	case <-a.closed:
		tunnel.Close()
		return true, nil
	}
}

func (a *Agent) dispatchRequest(method, path string, status int) {
	a.mu.Lock()
	f := a.onRequest
	a.mu.Unlock()
	if f != nil {
		f(method, path, status)
	}
}

func (a *Agent) dispatchError(err error) {
	a.mu.Lock()
	f := a.onErr
	a.mu.Unlock()
	if f != nil {
		f(err)
	}
}
