package session_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/j0hanz/fetch-url-mcp-sub000/internal/session"
)

func put(s *session.Store, id string) *session.Entry {
	e := &session.Entry{ID: id}
	s.Put(e)
	return e
}

// --- Basic operations ---

func TestStore_PutAndGet_ReturnsEntry(t *testing.T) {
	s := session.New(session.Options{})
	e := put(s, "s1")

	got, ok := s.Get("s1")
	require.True(t, ok)
	assert.Same(t, e, got)
	assert.False(t, got.CreatedAt.IsZero(), "Put fills CreatedAt")
	assert.False(t, got.LastSeen.IsZero(), "Put fills LastSeen")
}

func TestStore_Get_UnknownID(t *testing.T) {
	s := session.New(session.Options{})

	_, ok := s.Get("missing")
	assert.False(t, ok)
}

func TestStore_Remove_ReturnsEntryForClose(t *testing.T) {
	s := session.New(session.Options{})
	e := put(s, "s1")

	got, ok := s.Remove("s1")
	require.True(t, ok)
	assert.Same(t, e, got)
	assert.Equal(t, 0, s.Len())

	_, ok = s.Remove("s1")
	assert.False(t, ok)
}

// --- TTL expiry ---

func TestStore_Get_ExpiredSession_Unreachable(t *testing.T) {
	s := session.New(session.Options{TTL: 15 * time.Millisecond})
	put(s, "s1")

	time.Sleep(25 * time.Millisecond)

	_, ok := s.Get("s1")
	assert.False(t, ok, "expired session is invisible to Get")
	assert.Equal(t, 1, s.Len(), "entry stays until the sweep removes it")
}

func TestStore_NegativeTTL_NeverExpires(t *testing.T) {
	s := session.New(session.Options{TTL: -1})
	put(s, "s1")

	time.Sleep(10 * time.Millisecond)

	_, ok := s.Get("s1")
	assert.True(t, ok)
	assert.Empty(t, s.EvictExpired())
}

func TestStore_EvictExpired_RemovesExactlyExpired(t *testing.T) {
	s := session.New(session.Options{TTL: 40 * time.Millisecond})
	put(s, "old1")
	put(s, "old2")

	time.Sleep(55 * time.Millisecond)
	fresh := put(s, "fresh")

	expired := s.EvictExpired()
	require.Len(t, expired, 2)
	assert.Equal(t, "old1", expired[0].ID, "oldest first")
	assert.Equal(t, "old2", expired[1].ID)

	require.Equal(t, 1, s.Len())
	got, ok := s.Get("fresh")
	require.True(t, ok)
	assert.Same(t, fresh, got)
}

// --- Touch and LRU order ---

func TestStore_Touch_MovesSessionToMRU(t *testing.T) {
	s := session.New(session.Options{})
	put(s, "a")
	put(s, "b")

	s.Touch("a")

	e, ok := s.EvictOldest()
	require.True(t, ok)
	assert.Equal(t, "b", e.ID, "touched session is no longer oldest")
}

func TestStore_Touch_AdvancesLastSeen(t *testing.T) {
	s := session.New(session.Options{})
	e := put(s, "s1")
	before := e.LastSeen

	time.Sleep(5 * time.Millisecond)
	s.Touch("s1")

	assert.True(t, e.LastSeen.After(before))
}

func TestStore_Touch_UnknownID_Ignored(t *testing.T) {
	s := session.New(session.Options{})
	put(s, "s1")

	s.Touch("missing")

	assert.Equal(t, 1, s.Len())
}

func TestStore_EvictOldest_EmptyStore(t *testing.T) {
	s := session.New(session.Options{})

	_, ok := s.EvictOldest()
	assert.False(t, ok)
}

// --- Slot accounting ---

func TestStore_ReserveSlot_CountsSizeAndInFlight(t *testing.T) {
	s := session.New(session.Options{})
	put(s, "s1")

	require.True(t, s.ReserveSlot(3), "1 stored + 0 reserved < 3")
	require.True(t, s.ReserveSlot(3), "1 stored + 1 reserved < 3")
	assert.False(t, s.ReserveSlot(3), "1 stored + 2 reserved is full")
	assert.Equal(t, 2, s.InFlight())
}

func TestStore_ReleaseSlot_ExtraReleasesIgnored(t *testing.T) {
	s := session.New(session.Options{})
	require.True(t, s.ReserveSlot(1))

	s.ReleaseSlot()
	s.ReleaseSlot()

	assert.Equal(t, 0, s.InFlight())
	assert.True(t, s.ReserveSlot(1))
}

// --- Handshake state ---

func TestStore_MarkInitialized_SetsFlag(t *testing.T) {
	s := session.New(session.Options{})
	e := put(s, "s1")

	require.True(t, s.MarkInitialized("s1"))
	assert.True(t, e.Initialized)
}

func TestStore_MarkInitialized_UnknownID(t *testing.T) {
	s := session.New(session.Options{})

	assert.False(t, s.MarkInitialized("missing"))
}

func TestStore_IDs_OldestFirst(t *testing.T) {
	s := session.New(session.Options{})
	put(s, "a")
	put(s, "b")
	put(s, "c")
	s.Touch("a")

	assert.Equal(t, []string{"b", "c", "a"}, s.IDs())
}

// --- Drain ---

func TestStore_Drain_ReturnsAllOldestFirst(t *testing.T) {
	s := session.New(session.Options{})
	put(s, "a")
	put(s, "b")
	put(s, "c")
	s.Touch("a")

	all := s.Drain()
	require.Len(t, all, 3)
	assert.Equal(t, "b", all[0].ID)
	assert.Equal(t, "c", all[1].ID)
	assert.Equal(t, "a", all[2].ID)
	assert.Equal(t, 0, s.Len())
}

// --- Transport attachment ---

func TestStore_SetTransport_ReturnsPrevious(t *testing.T) {
	s := session.New(session.Options{})
	put(s, "a")

	first := &closeRecorder{}
	prev, ok := s.SetTransport("a", first)
	require.True(t, ok)
	assert.Nil(t, prev)

	second := &closeRecorder{}
	prev, ok = s.SetTransport("a", second)
	require.True(t, ok)
	assert.Same(t, first, prev)

	got, ok := s.Transport("a")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestStore_SetTransport_UnknownSession(t *testing.T) {
	s := session.New(session.Options{})
	_, ok := s.SetTransport("ghost", &closeRecorder{})
	assert.False(t, ok)
}

func TestStore_ClearTransport_OnlyDetachesCurrent(t *testing.T) {
	s := session.New(session.Options{})
	put(s, "a")

	old := &closeRecorder{}
	current := &closeRecorder{}
	s.SetTransport("a", old)
	s.SetTransport("a", current)

	// The replaced transport must not knock out its replacement.
	assert.False(t, s.ClearTransport("a", old))
	got, ok := s.Transport("a")
	require.True(t, ok)
	assert.Same(t, current, got)

	assert.True(t, s.ClearTransport("a", current))
	_, ok = s.Transport("a")
	assert.False(t, ok)
}

// --- Concurrency ---

func TestStore_ConcurrentAccess(t *testing.T) {
	s := session.New(session.Options{})
	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		put(s, id)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := ids[(n+j)%len(ids)]
				switch j % 4 {
				case 0:
					s.Touch(id)
				case 1:
					s.Get(id)
				case 2:
					if s.ReserveSlot(100) {
						s.ReleaseSlot()
					}
				case 3:
					s.IDs()
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, len(ids), s.Len())
	assert.Equal(t, 0, s.InFlight())
}
