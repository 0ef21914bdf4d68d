// Package registry indexes live SSH sessions by connection id and by every
// host descriptor a session is known under (address, hostname, user@host,
// host:port). Collectors report combined hostname@ip identifiers while
// subscribers send bare IPs, so lookups are fuzzy and may return several
// sessions; callers treat the result as a set.
package registry

import (
	"strings"
	"sync"
	"time"
)

// Entry is a snapshot of one registered session. Returned values are copies;
// mutating them does not touch the registry.
type Entry struct {
	ConnID       uint64
	SessionID    string
	UserID       uint
	Host         string
	Port         int
	Descriptors  []string
	RegisteredAt time.Time
}

type Registry struct {
	mu     sync.RWMutex
	byConn map[uint64]*Entry
	byDesc map[string]map[uint64]struct{} // normalized descriptor -> conn ids
}

func New() *Registry {
	return &Registry{
		byConn: make(map[uint64]*Entry),
		byDesc: make(map[string]map[uint64]struct{}),
	}
}

// Register inserts a session under all its descriptors. Registering an
// already-known connection id replaces the previous entry.
func (r *Registry) Register(connID uint64, sessionID string, userID uint, host string, port int, descriptors ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byConn[connID]; ok {
		r.dropDescriptorsLocked(connID, old.Descriptors)
	}
	e := &Entry{
		ConnID:       connID,
		SessionID:    sessionID,
		UserID:       userID,
		Host:         host,
		Port:         port,
		RegisteredAt: time.Now(),
	}
	r.byConn[connID] = e
	r.addDescriptorsLocked(e, descriptors)
}

// AddDescriptors attaches more identifiers to a live session, typically once
// the collector reports the combined hostname@ip form.
func (r *Registry) AddDescriptors(connID uint64, descriptors ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byConn[connID]
	if !ok {
		return
	}
	r.addDescriptorsLocked(e, descriptors)
}

// Remove deletes the session and all its descriptor index entries.
func (r *Registry) Remove(connID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byConn[connID]
	if !ok {
		return
	}
	r.dropDescriptorsLocked(connID, e.Descriptors)
	delete(r.byConn, connID)
}

// Get returns the entry for a connection id.
func (r *Registry) Get(connID uint64) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byConn[connID]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// Resolve returns every live session matching the target descriptor. A
// candidate matches when the normalized forms are equal, when the bare
// hostnames are equal, or when one side contains the other's hostname.
func (r *Registry) Resolve(target string) []Entry {
	norm := Normalize(target)
	if norm == "" {
		return nil
	}
	host := Hostname(target)

	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[uint64]struct{})
	var out []Entry

	// Exact hit on the descriptor index first.
	for connID := range r.byDesc[norm] {
		if e, ok := r.byConn[connID]; ok {
			seen[connID] = struct{}{}
			out = append(out, e.clone())
		}
	}

	for connID, e := range r.byConn {
		if _, dup := seen[connID]; dup {
			continue
		}
		for _, d := range e.Descriptors {
			if descriptorMatches(d, norm, host) {
				out = append(out, e.clone())
				break
			}
		}
	}
	return out
}

// Descriptors returns the identifiers the session is indexed under.
func (r *Registry) Descriptors(connID uint64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byConn[connID]
	if !ok {
		return nil
	}
	out := make([]string, len(e.Descriptors))
	copy(out, e.Descriptors)
	return out
}

func (r *Registry) addDescriptorsLocked(e *Entry, descriptors []string) {
	for _, d := range descriptors {
		norm := Normalize(d)
		if norm == "" {
			continue
		}
		dup := false
		for _, have := range e.Descriptors {
			if have == d {
				dup = true
				break
			}
		}
		if !dup {
			e.Descriptors = append(e.Descriptors, d)
		}
		set, ok := r.byDesc[norm]
		if !ok {
			set = make(map[uint64]struct{})
			r.byDesc[norm] = set
		}
		set[e.ConnID] = struct{}{}
	}
}

func (r *Registry) dropDescriptorsLocked(connID uint64, descriptors []string) {
	for _, d := range descriptors {
		norm := Normalize(d)
		if set, ok := r.byDesc[norm]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.byDesc, norm)
			}
		}
	}
}

func (e *Entry) clone() Entry {
	out := *e
	out.Descriptors = make([]string, len(e.Descriptors))
	copy(out.Descriptors, e.Descriptors)
	return out
}

func descriptorMatches(descriptor, targetNorm, targetHost string) bool {
	dNorm := Normalize(descriptor)
	if dNorm == targetNorm {
		return true
	}
	dHost := Hostname(descriptor)
	if dHost != "" && dHost == targetHost {
		return true
	}
	if targetHost != "" && strings.Contains(dNorm, targetHost) {
		return true
	}
	if dHost != "" && strings.Contains(targetNorm, dHost) {
		return true
	}
	return false
}

// Normalize reduces a descriptor to its comparable form: lowercased, scheme
// and credentials stripped, anything after the host portion dropped.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	return s
}

// Hostname strips the port from a normalized descriptor. Bracketed IPv6
// literals keep their full address.
func Hostname(s string) string {
	s = Normalize(s)
	if strings.HasPrefix(s, "[") {
		if i := strings.Index(s, "]"); i >= 0 {
			return s[1:i]
		}
		return s
	}
	// A single colon separates host from port; more than one means an
	// unbracketed IPv6 address with no port to strip.
	if strings.Count(s, ":") == 1 {
		return s[:strings.Index(s, ":")]
	}
	return s
}
