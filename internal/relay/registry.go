package relay

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ConnID identifies one live transport session for the lifetime of the process.
type ConnID string

// Handle delivers frames to one connection. The transport owns the
// implementation; the Registry is the only long-term holder of a Handle.
type Handle interface {
	// Send queues a text frame. It must not block.
	Send(payload []byte) error
	// Ping writes a liveness probe.
	Ping() error
	// Close forcibly terminates the underlying channel.
	Close() error
}

// ConnInfo is a point-in-time copy of a registry entry.
type ConnInfo struct {
	ID          ConnID          `json:"id"`
	Role        Role            `json:"role"`
	Ready       bool            `json:"ready"`
	PathSet     bool            `json:"pathSet"`
	ConnectedAt time.Time       `json:"connectedAt"`
	LastActive  time.Time       `json:"lastActive"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

type entry struct {
	handle      Handle
	role        Role
	ready       bool
	pathSet     bool
	alive       bool
	connectedAt time.Time
	lastActive  time.Time
	metadata    json.RawMessage
}

func (e *entry) info(id ConnID) ConnInfo {
	return ConnInfo{
		ID:          id,
		Role:        e.role,
		Ready:       e.ready,
		PathSet:     e.pathSet,
		ConnectedAt: e.connectedAt,
		LastActive:  e.lastActive,
		Metadata:    e.metadata,
	}
}

// Registry maps connection ids to their role, activity and send handle.
// Role groups are derived from it on demand and never stored elsewhere.
type Registry struct {
	mu    sync.RWMutex
	conns map[ConnID]*entry
	clock clock.Clock
}

// NewRegistry creates an empty registry. A nil clock means wall time.
func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		conns: make(map[ConnID]*entry),
		clock: clk,
	}
}

// Register adds a connection with role Unknown.
func (r *Registry) Register(id ConnID, h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, id)
	}
	now := r.clock.Now()
	r.conns[id] = &entry{
		handle:      h,
		role:        RoleUnknown,
		alive:       true,
		connectedAt: now,
		lastActive:  now,
	}
	return nil
}

// SetRole assigns or reassigns a role. Group membership follows immediately
// because groups are computed from this entry.
func (r *Registry) SetRole(id ConnID, role Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	if e.role != role {
		// Readiness belongs to the transfer client handshake of the old role.
		e.ready = false
		e.pathSet = false
	}
	e.role = role
	return nil
}

// SetMetadata stores the opaque enrichment blob for a connection.
func (r *Registry) SetMetadata(id ConnID, metadata json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	e.metadata = metadata
	return nil
}

// MarkReady records that a transfer client completed the readiness handshake.
func (r *Registry) MarkReady(id ConnID) error {
	return r.update(id, func(e *entry) { e.ready = true })
}

// MarkPathSet records that a transfer client confirmed its data path.
func (r *Registry) MarkPathSet(id ConnID) error {
	return r.update(id, func(e *entry) { e.pathSet = true })
}

// MarkAlive records a probe acknowledgement.
func (r *Registry) MarkAlive(id ConnID) {
	_ = r.update(id, func(e *entry) { e.alive = true })
}

// Touch refreshes lastActive. Unknown ids are ignored.
func (r *Registry) Touch(id ConnID) {
	now := r.clock.Now()
	_ = r.update(id, func(e *entry) { e.lastActive = now })
}

func (r *Registry) update(id ConnID, fn func(*entry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	fn(e)
	return nil
}

// Unregister removes a connection and reports whether it was present.
// Removing an absent id is a no-op.
func (r *Registry) Unregister(id ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	return true
}

// SendTo hands payload to the connection's handle. A failure is returned to
// the caller but leaves the entry in place.
func (r *Registry) SendTo(id ConnID, payload []byte) error {
	r.mu.RLock()
	e, ok := r.conns[id]
	var h Handle
	if ok {
		h = e.handle
	}
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	if err := h.Send(payload); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDeliveryFailure, id, err)
	}
	return nil
}

// Terminate closes the connection's channel without removing the entry; the
// transport's disconnect path performs the removal.
func (r *Registry) Terminate(id ConnID) error {
	r.mu.RLock()
	e, ok := r.conns[id]
	var h Handle
	if ok {
		h = e.handle
	}
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	return h.Close()
}

// GroupView returns a snapshot of the ids holding role.
func (r *Registry) GroupView(role Role) []ConnID {
	return r.Select(func(c ConnInfo) bool { return c.Role == role })
}

// Select returns a sorted snapshot of the ids whose info satisfies pred.
func (r *Registry) Select(pred func(ConnInfo) bool) []ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]ConnID, 0, len(r.conns))
	for id, e := range r.conns {
		if pred == nil || pred(e.info(id)) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Lookup returns a copy of one entry.
func (r *Registry) Lookup(id ConnID) (ConnInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[id]
	if !ok {
		return ConnInfo{}, false
	}
	return e.info(id), true
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// RoleCounts returns the number of connections per role.
func (r *Registry) RoleCounts() map[Role]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[Role]int, len(roleNames))
	for _, role := range Roles() {
		counts[role] = 0
	}
	for _, e := range r.conns {
		counts[e.role]++
	}
	return counts
}

// Probe pings every connection that acknowledged the previous probe and
// returns the ids that did not. Pings are written outside the lock.
func (r *Registry) Probe() []ConnID {
	type target struct {
		id ConnID
		h  Handle
	}

	r.mu.Lock()
	var stale []ConnID
	targets := make([]target, 0, len(r.conns))
	for id, e := range r.conns {
		if !e.alive {
			stale = append(stale, id)
			continue
		}
		e.alive = false
		targets = append(targets, target{id: id, h: e.handle})
	}
	r.mu.Unlock()

	for _, t := range targets {
		if err := t.h.Ping(); err != nil {
			supervisorLog.Debugw("liveness probe failed", "conn", t.id, "err", err)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
	return stale
}
