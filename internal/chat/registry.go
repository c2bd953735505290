package chat

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Peer is the delivery side of a registered participant.
type Peer interface {
	// Send delivers one formatted message. It must not block on the network
	// for longer than the transport's write timeout.
	Send(payload string) error
	// Close releases the transport. It is called exactly once, after the
	// participant has been unregistered.
	Close() error
}

// Entry is a registered participant as seen through a snapshot.
type Entry struct {
	ID        string
	Name      string
	Transport string
	Peer      Peer
	JoinedAt  time.Time
	LastSeen  time.Time
	// Announced is set once the join has been broadcast. Departures of
	// unannounced participants are not broadcast.
	Announced bool

	seq uint64
}

// Registry maps participant identities to display names and enforces name
// uniqueness. All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	names   map[string]string // display name -> identity
	seq     uint64
	closed  bool
	now     func() time.Time
}

// NewRegistry creates an empty, open registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		names:   make(map[string]string),
		now:     time.Now,
	}
}

// Register admits id under name. The uniqueness check and the insert happen
// under the same lock.
func (r *Registry) Register(id, name, transport string, peer Peer) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if _, ok := r.entries[id]; ok {
		return ErrAlreadyJoined
	}
	if _, ok := r.names[name]; ok {
		return ErrNameTaken
	}

	r.seq++
	now := r.now()
	r.entries[id] = &Entry{
		ID:        id,
		Name:      name,
		Transport: transport,
		Peer:      peer,
		JoinedAt:  now,
		LastSeen:  now,
		seq:       r.seq,
	}
	r.names[name] = id
	return nil
}

// Unregister removes id. The boolean is false when id was not registered,
// which makes repeated removal a no-op.
func (r *Registry) Unregister(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	delete(r.entries, id)
	delete(r.names, e.Name)
	return *e, true
}

// MarkAnnounced flags id as announced and returns its display name. The
// boolean is false when id is not registered or was already announced.
func (r *Registry) MarkAnnounced(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.Announced {
		return "", false
	}
	e.Announced = true
	return e.Name, true
}

// Lookup returns the display name registered for id.
func (r *Registry) Lookup(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return "", false
	}
	return e.Name, true
}

// Get returns a copy of the entry registered for id.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Snapshot returns the current membership in admission order.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []Entry {
	entries := lo.MapToSlice(r.entries, func(_ string, e *Entry) Entry {
		return *e
	})
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})
	return entries
}

// Names returns the active display names in admission order.
func (r *Registry) Names() []string {
	return lo.Map(r.Snapshot(), func(e Entry, _ int) string {
		return e.Name
	})
}

// Len returns the number of active participants.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}

// Touch records activity for id at t.
func (r *Registry) Touch(id string, t time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.LastSeen = t
	return true
}

// IdleSince returns the entries of the given transport that have not been
// seen since cutoff.
func (r *Registry) IdleSince(transport string, cutoff time.Time) []Entry {
	return lo.Filter(r.Snapshot(), func(e Entry, _ int) bool {
		return e.Transport == transport && e.LastSeen.Before(cutoff)
	})
}

// Close refuses further registrations and returns the membership to drain.
// Closing an already closed registry returns the remaining entries.
func (r *Registry) Close() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	return r.snapshotLocked()
}

// Closed reports whether Close has been called.
func (r *Registry) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.closed
}
