package relay

import (
	"fmt"
	"log/slog"
	"sync"
)

// Registry is the relay's subdomain -> TunnelConnection map. Each live
// TunnelId appears at most once; the live count never exceeds max.
type Registry struct {
	mu      sync.RWMutex
	tunnels map[string]*TunnelConnection
	max     int
}

// NewRegistry creates an empty registry capped at max concurrent
// tunnels.
func NewRegistry(max int) *Registry {
	return &Registry{tunnels: make(map[string]*TunnelConnection), max: max}
}

// ErrAtCapacity is returned by Add when the registry already holds max
// live tunnels.
var ErrAtCapacity = fmt.Errorf("maximum concurrent tunnel limit reached")

// Count returns the number of currently registered tunnels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tunnels)
}

// Max returns the configured tunnel cap.
func (r *Registry) Max() int { return r.max }

// AtCapacity reports whether the registry is currently at its cap,
// without reserving a slot. Used for the pre-handshake 503 check.
func (r *Registry) AtCapacity() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tunnels) >= r.max
}

// Get looks up a tunnel by subdomain.
func (r *Registry) Get(subdomain string) (*TunnelConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tunnels[subdomain]
	return t, ok
}

// Taken reports whether a label is currently held, for use with
// resolveTunnelID.
func (r *Registry) Taken(label string) bool {
	_, ok := r.Get(label)
	return ok
}

// Add inserts a tunnel under its own ID, atomically re-checking the
// capacity and uniqueness invariants under the same lock used for
// reads, so a racing handshake cannot overshoot max.
func (r *Registry) Add(t *TunnelConnection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tunnels) >= r.max {
		return ErrAtCapacity
	}
	if _, exists := r.tunnels[t.ID()]; exists {
		return fmt.Errorf("tunnel id %q already registered", t.ID())
	}
	r.tunnels[t.ID()] = t
	slog.Info("tunnel registered", "id", t.ID(), "count", len(r.tunnels))
	return nil
}

// Remove deletes a tunnel entry, but only if the current holder of that
// ID is the same connection instance — a reconnect may have already
// installed a newer connection under the same ID, and a straggling
// close from the old connection must not evict it.
func (r *Registry) Remove(t *TunnelConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tunnels[t.ID()]; ok && existing == t {
		delete(r.tunnels, t.ID())
		slog.Info("tunnel removed", "id", t.ID(), "count", len(r.tunnels))
	}
}

// All returns a snapshot slice of every currently registered tunnel,
// for use during shutdown.
func (r *Registry) All() []*TunnelConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*TunnelConnection, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		out = append(out, t)
	}
	return out
}
