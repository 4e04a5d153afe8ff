// Package presence tracks which chat sessions are connected and the anonymous
// ordinal each one is shown as.
//
// A Registry is safe for concurrent use. The gateway's event loop is its only
// writer; HTTP handlers read snapshots.
package presence

import (
	"errors"
	"fmt"
	"sync"
)

// ErrReassignUnsupported is returned by ReassignAll under PolicyMonotonic.
var ErrReassignUnsupported = errors.New("presence: reassign requires the compacted policy")

// Admission is the outcome of TryAdmit.
type Admission struct {
	Admitted bool
	Ordinal  int
	// Rejoined is set when the session was already tracked and this
	// connection shares its ordinal.
	Rejoined bool
}

// Assignment pairs a session with its current ordinal.
type Assignment struct {
	SessionID string
	Ordinal   int
}

type entry struct {
	ordinal int
	conns   int
}

// Registry is the process-wide presence tracker.
type Registry struct {
	mu       sync.Mutex
	capacity int
	policy   Policy
	entries  map[string]*entry
	order    []string
	counter  int
}

// NewRegistry returns an empty registry admitting at most capacity sessions.
func NewRegistry(capacity int, policy Policy) (*Registry, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("presence: capacity must be positive, got %d", capacity)
	}
	switch policy {
	case PolicyMonotonic, PolicyCompacted:
	case "":
		policy = DefaultPolicy
	default:
		return nil, fmt.Errorf("presence: unknown policy %q", policy)
	}
	return &Registry{
		capacity: capacity,
		policy:   policy,
		entries:  make(map[string]*entry, capacity),
		order:    make([]string, 0, capacity),
	}, nil
}

// TryAdmit admits sessionID if it is already tracked or there is room.
func (r *Registry) TryAdmit(sessionID string) Admission {
	if sessionID == "" {
		return Admission{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[sessionID]; ok {
		e.conns++
		return Admission{Admitted: true, Ordinal: e.ordinal, Rejoined: true}
	}
	if len(r.entries) >= r.capacity {
		return Admission{}
	}

	var ordinal int
	switch r.policy {
	case PolicyMonotonic:
		r.counter++
		ordinal = r.counter
	default:
		ordinal = len(r.order) + 1
	}
	r.entries[sessionID] = &entry{ordinal: ordinal, conns: 1}
	r.order = append(r.order, sessionID)
	return Admission{Admitted: true, Ordinal: ordinal}
}

// Release drops one connection of sessionID. When the last connection goes
// the session leaves the registry and, under PolicyCompacted, the sessions
// whose ordinal changed are returned. Unknown sessions are ignored.
func (r *Registry) Release(sessionID string) []Assignment {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[sessionID]
	if !ok {
		return nil
	}
	e.conns--
	if e.conns > 0 {
		return nil
	}

	delete(r.entries, sessionID)
	for i, id := range r.order {
		if id == sessionID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	if r.policy != PolicyCompacted {
		return nil
	}
	return r.compactLocked()
}

// ReassignAll recomputes ordinals and returns every assignment in admission
// order.
func (r *Registry) ReassignAll() ([]Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.policy.SupportsReassign() {
		return nil, ErrReassignUnsupported
	}
	r.compactLocked()
	return r.snapshotLocked(), nil
}

// Ordinal returns the ordinal held by sessionID.
func (r *Registry) Ordinal(sessionID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[sessionID]
	if !ok {
		return 0, false
	}
	return e.ordinal, true
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Capacity returns the admission cap.
func (r *Registry) Capacity() int {
	return r.capacity
}

// Policy returns the ordinal policy in force.
func (r *Registry) Policy() Policy {
	return r.policy
}

// Snapshot returns every assignment in admission order.
func (r *Registry) Snapshot() []Assignment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) compactLocked() []Assignment {
	var changed []Assignment
	for i, id := range r.order {
		e := r.entries[id]
		if e.ordinal == i+1 {
			continue
		}
		e.ordinal = i + 1
		changed = append(changed, Assignment{SessionID: id, Ordinal: e.ordinal})
	}
	return changed
}

func (r *Registry) snapshotLocked() []Assignment {
	out := make([]Assignment, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, Assignment{SessionID: id, Ordinal: r.entries[id].ordinal})
	}
	return out
}
