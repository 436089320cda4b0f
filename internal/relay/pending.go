package relay

import (
	"sync"

	"github.com/relaygate/tunnel/internal/protocol"
)

// pendingRequest is one external HTTP request awaiting its reply
// through a tunnel.
type pendingRequest struct {
	id       string
	tunnelID string

	respCh     chan *protocol.Frame
	shutdownCh chan struct{}

	once sync.Once
}

// resolve delivers a response frame to the waiter, if it hasn't
// already been delivered or dropped. Safe to call more than once; only
// the first call has any effect, satisfying "at most one response per
// correlation id is written to the caller".
func (p *pendingRequest) resolve(f *protocol.Frame) {
	p.once.Do(func() {
		p.respCh <- f
	})
}

// PendingTable is the relay-wide correlation-id -> pendingRequest map.
type PendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingRequest
}

// NewPendingTable creates an empty pending-request table.
func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[string]*pendingRequest)}
}

// Add registers a new pending request and returns it. The caller owns
// removing it (via Remove) once resolved, timed out, or drained.
func (t *PendingTable) Add(id, tunnelID string) *pendingRequest {
	p := &pendingRequest{
		id:         id,
		tunnelID:   tunnelID,
		respCh:     make(chan *protocol.Frame, 1),
		shutdownCh: make(chan struct{}),
	}
	t.mu.Lock()
	t.entries[id] = p
	t.mu.Unlock()
	return p
}

// Resolve looks up a pending request by correlation id and delivers
// the response frame. Reports whether an entry was found; a miss is a
// correlation miss per spec §7 and is silently discarded by the
// caller.
func (t *PendingTable) Resolve(id string, f *protocol.Frame) bool {
	t.mu.Lock()
	p, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	p.resolve(f)
	return true
}

// Remove deletes an entry without resolving it, used when the waiter
// is giving up (timeout, or it resolved itself already). Safe to call
// even if Resolve already removed the entry.
func (t *PendingTable) Remove(id string) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

// DrainAll removes every pending entry and signals each one's
// shutdownCh, for use during graceful shutdown (§4.5). Entries whose
// waiter has already stopped listening are simply garbage collected.
func (t *PendingTable) DrainAll() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*pendingRequest)
	t.mu.Unlock()

	for _, p := range entries {
		close(p.shutdownCh)
	}
}

// Len reports the number of currently pending requests.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
