// Package session tracks live client sessions in an LRU-ordered store
// with TTL expiry and slot accounting for sessions still initializing.
package session

import (
	"io"
	"sync"
	"time"
)

// DefaultTTL is how long an idle session stays reachable.
const DefaultTTL = 30 * time.Minute

// Entry is one live client session.
type Entry struct {
	ID              string
	CreatedAt       time.Time
	LastSeen        time.Time
	Initialized     bool
	ProtocolVersion string
	AuthFingerprint string

	// Transport is the server-side half of the session's event channel.
	// It is closed exactly once, when the session is destroyed.
	Transport io.Closer
}

// Options configures a Store.
type Options struct {
	// TTL is the idle lifetime of a session. Zero uses DefaultTTL;
	// a negative value disables expiry.
	TTL time.Duration
}

// Store is an ordered map of session id to entry, most recently touched
// last. An expired entry is invisible to Get but stays in the store until
// EvictExpired returns it for external close.
type Store struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	order    []string
	inFlight int
	ttl      time.Duration
}

// New creates a Store with the given options.
func New(opts Options) *Store {
	ttl := opts.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Store{
		entries: make(map[string]*Entry),
		ttl:     ttl,
	}
}

// TTL returns the configured idle lifetime.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// ReserveSlot claims a capacity slot for a session that is still
// initializing. It returns false when the store is full.
func (s *Store) ReserveSlot(maxSessions int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries)+s.inFlight >= maxSessions {
		return false
	}
	s.inFlight++
	return true
}

// ReleaseSlot returns a slot claimed by ReserveSlot. Extra releases are
// ignored.
func (s *Store) ReleaseSlot() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight > 0 {
		s.inFlight--
	}
}

// Put inserts or replaces a session at the MRU position. Zero CreatedAt
// and LastSeen are filled with the current time.
func (s *Store) Put(e *Entry) {
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.LastSeen.IsZero() {
		e.LastSeen = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[e.ID]; ok {
		s.moveToEndLocked(e.ID)
	} else {
		s.order = append(s.order, e.ID)
	}
	s.entries[e.ID] = e
}

// Get returns the session for id. Expired sessions are reported as
// missing; the sweeper removes and closes them.
func (s *Store) Get(id string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || s.expiredLocked(e, time.Now()) {
		return nil, false
	}
	return e, true
}

// Touch refreshes the session's LastSeen and moves it to the MRU
// position. Unknown ids are ignored. LastSeen never moves backwards.
func (s *Store) Touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return
	}
	if now := time.Now(); now.After(e.LastSeen) {
		e.LastSeen = now
	}
	s.moveToEndLocked(id)
}

// Remove deletes the session and returns it for external close.
func (s *Store) Remove(id string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	s.removeLocked(id)
	return e, true
}

// EvictExpired removes every session idle for longer than the TTL and
// returns them, oldest first, for external close.
func (s *Store) EvictExpired() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var expired []*Entry
	for _, id := range s.order {
		if e := s.entries[id]; s.expiredLocked(e, now) {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		s.removeLocked(e.ID)
	}
	return expired
}

// EvictOldest removes and returns the least recently touched session.
func (s *Store) EvictOldest() (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.order) == 0 {
		return nil, false
	}
	e := s.entries[s.order[0]]
	s.removeLocked(e.ID)
	return e, true
}

// MarkInitialized records that the session completed the protocol
// handshake. Unknown ids are ignored.
func (s *Store) MarkInitialized(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return false
	}
	e.Initialized = true
	return true
}

// IDs returns a snapshot of the stored session ids, oldest first.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, len(s.order))
	copy(ids, s.order)
	return ids
}

// Drain removes and returns every session, oldest first. Used at
// shutdown to hand all live sessions to the close fan-out.
func (s *Store) Drain() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*Entry, 0, len(s.order))
	for _, id := range s.order {
		all = append(all, s.entries[id])
	}
	s.entries = make(map[string]*Entry)
	s.order = s.order[:0]
	return all
}

// SetTransport attaches t as the session's event channel and returns
// the previous transport so the caller can close it. ok is false when
// the session does not exist or has expired.
func (s *Store) SetTransport(id string, t io.Closer) (prev io.Closer, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.entries[id]
	if !found || s.expiredLocked(e, time.Now()) {
		return nil, false
	}
	prev = e.Transport
	e.Transport = t
	return prev, true
}

// ClearTransport detaches t from the session if it is still the current
// transport. A replaced transport stays attached to its replacement.
func (s *Store) ClearTransport(id string, t io.Closer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.entries[id]
	if !found || e.Transport != t {
		return false
	}
	e.Transport = nil
	return true
}

// Transport returns the session's current event channel, if any.
func (s *Store) Transport(id string) (io.Closer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.entries[id]
	if !found || e.Transport == nil || s.expiredLocked(e, time.Now()) {
		return nil, false
	}
	return e.Transport, true
}

// Len returns the number of stored sessions, expired ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// InFlight returns the number of reserved initialization slots.
func (s *Store) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

func (s *Store) expiredLocked(e *Entry, now time.Time) bool {
	return s.ttl > 0 && now.Sub(e.LastSeen) > s.ttl
}

func (s *Store) removeLocked(id string) {
	delete(s.entries, id)
	for i, k := range s.order {
		if k == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Store) moveToEndLocked(id string) {
	for i, k := range s.order {
		if k == id {
			s.order = append(append(s.order[:i], s.order[i+1:]...), id)
			break
		}
	}
}
