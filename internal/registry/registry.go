package registry

import (
	"errors"
	"net"
	"sync"
)

// Mode selects which upstream stream a subscriber is attached to.
type Mode string

const (
	ModeHead         Mode = "head"
	ModeIrreversible Mode = "irreversible"
)

// Valid reports whether m is one of the two supported stream modes.
func (m Mode) Valid() bool {
	return m == ModeHead || m == ModeIrreversible
}

var (
	ErrNameInUse  = errors.New("registry: name already used")
	ErrNoSuchName = errors.New("registry: no such name")
)

type subscriber struct {
	endpoint *net.UDPAddr
	subs     []string // insertion-ordered operation-type filter
	lease    int
}

// Snapshot is a point-in-time copy of one subscriber record. Stream workers
// iterate snapshots so cohort mutation during a block's fan-out is safe.
type Snapshot struct {
	Name     string
	Endpoint *net.UDPAddr
	Subs     []string
	Lease    int
}

// Matches reports whether the filter contains the given operation type.
func (s Snapshot) Matches(opType string) bool {
	for _, sub := range s.Subs {
		if sub == opType {
			return true
		}
	}
	return false
}

// Registry is the authoritative mapping of subscriber name to record, split
// into one cohort per mode plus a name-to-mode index for command routing.
// All operations are atomic with respect to each other.
type Registry struct {
	mu        sync.Mutex
	ttl       int
	tolerance int
	cohorts   map[Mode]map[string]*subscriber
	modes     map[string]Mode
}

// New creates an empty registry. ttl is the initial lease in blocks,
// tolerance the number of blocks past zero before eviction.
func New(ttl, tolerance int) *Registry {
	return &Registry{
		ttl:       ttl,
		tolerance: tolerance,
		cohorts: map[Mode]map[string]*subscriber{
			ModeHead:         {},
			ModeIrreversible: {},
		},
		modes: make(map[string]Mode),
	}
}

// Create inserts a new record with an empty filter and a full lease.
func (r *Registry) Create(name string, mode Mode, endpoint *net.UDPAddr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modes[name]; exists {
		return ErrNameInUse
	}
	r.cohorts[mode][name] = &subscriber{endpoint: endpoint, lease: r.ttl}
	r.modes[name] = mode
	return nil
}

// Remove deletes a record. It returns the stored endpoint so callers can
// notify the subscriber, and false if the name was unknown.
func (r *Registry) Remove(name string) (*net.UDPAddr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mode, ok := r.modes[name]
	if !ok {
		return nil, false
	}
	ep := r.cohorts[mode][name].endpoint
	delete(r.cohorts[mode], name)
	delete(r.modes, name)
	return ep, true
}

// Mode returns the mode a name is registered in.
func (r *Registry) Mode(name string) (Mode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modes[name]
	return m, ok
}

// SetFilter replaces the subscriber's filter set.
func (r *Registry) SetFilter(name string, subs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.lookup(name)
	if !ok {
		return ErrNoSuchName
	}
	rec.subs = append([]string(nil), subs...)
	return nil
}

// AddFilter unions subs into the filter, appending only tags not yet present.
func (r *Registry) AddFilter(name string, subs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.lookup(name)
	if !ok {
		return ErrNoSuchName
	}
	for _, s := range subs {
		if !contains(rec.subs, s) {
			rec.subs = append(rec.subs, s)
		}
	}
	return nil
}

// RemFilter removes the given tags from the filter.
func (r *Registry) RemFilter(name string, subs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.lookup(name)
	if !ok {
		return ErrNoSuchName
	}
	kept := rec.subs[:0]
	for _, s := range rec.subs {
		if !contains(subs, s) {
			kept = append(kept, s)
		}
	}
	rec.subs = kept
	return nil
}

// Refresh resets the lease to the full TTL.
func (r *Registry) Refresh(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.lookup(name)
	if !ok {
		return ErrNoSuchName
	}
	rec.lease = r.ttl
	return nil
}

// Info returns a snapshot of one record.
func (r *Registry) Info(name string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mode, ok := r.modes[name]
	if !ok {
		return Snapshot{}, ErrNoSuchName
	}
	return r.cohorts[mode][name].snapshot(name), nil
}

// Cohort returns a stable snapshot of every subscriber in the given mode.
func (r *Registry) Cohort(mode Mode) []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	cohort := r.cohorts[mode]
	out := make([]Snapshot, 0, len(cohort))
	for name, rec := range cohort {
		out = append(out, rec.snapshot(name))
	}
	return out
}

// Empty reports whether the mode's cohort has no subscribers.
func (r *Registry) Empty(mode Mode) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cohorts[mode]) == 0
}

// DecrementLeases performs the per-block tick for one mode: every lease drops
// by one, and the two result lists are computed from the same locked pass.
// refresh holds subscribers whose lease crossed zero and who should be asked
// to refresh; evict holds those past tolerance, due for removal. The lists
// are disjoint.
func (r *Registry) DecrementLeases(mode Mode) (refresh, evict []Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, rec := range r.cohorts[mode] {
		rec.lease--
		switch {
		case rec.lease <= -r.tolerance:
			evict = append(evict, rec.snapshot(name))
		case rec.lease <= 0:
			refresh = append(refresh, rec.snapshot(name))
		}
	}
	return refresh, evict
}

func (r *Registry) lookup(name string) (*subscriber, bool) {
	mode, ok := r.modes[name]
	if !ok {
		return nil, false
	}
	return r.cohorts[mode][name], true
}

func (s *subscriber) snapshot(name string) Snapshot {
	return Snapshot{
		Name:     name,
		Endpoint: s.endpoint,
		Subs:     append([]string(nil), s.subs...),
		Lease:    s.lease,
	}
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
