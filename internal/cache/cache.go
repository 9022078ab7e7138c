// Package cache provides the in-memory LRU content cache for fetchd.
// Entries hold converted Markdown keyed by namespace and URL hash, bounded
// by a byte budget and an entry count. Thread-safe via sync.Mutex; update
// listeners fire outside the lock.
//
// Expiry is lazy: expired entries are removed when a read or write touches
// them, never by a background sweep.
package cache

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultTTL is the default time-to-live for cache entries.
const DefaultTTL = time.Hour

// DefaultMaxBytes is the default byte budget across all entries.
const DefaultMaxBytes = 64 << 20

// DefaultMaxEntries is the default maximum number of cache entries.
const DefaultMaxEntries = 256

// DefaultMaxEntryBytes is the default cap for a single entry.
const DefaultMaxEntryBytes = 10 << 20

// Options configures a Cache instance.
type Options struct {
	// Enabled is the master switch. A disabled cache misses on Get and
	// drops Set unless the caller forces the operation.
	Enabled bool

	// TTL is the absolute expiry set at insert. Zero uses DefaultTTL;
	// negative disables expiry.
	TTL time.Duration

	// MaxBytes bounds the byte total across entries. Zero uses DefaultMaxBytes.
	MaxBytes int64

	// MaxEntries bounds the entry count. Zero uses DefaultMaxEntries.
	MaxEntries int

	// MaxEntryBytes rejects oversized single entries. Zero uses DefaultMaxEntryBytes.
	MaxEntryBytes int64
}

// Meta carries the descriptive fields stored alongside entry content.
type Meta struct {
	URL   string
	Title string
}

// Entry is one cached fetch result.
type Entry struct {
	Key       string
	URL       string
	Title     string
	Content   string
	Size      int
	CreatedAt time.Time
	ExpiresAt time.Time // zero means no expiry
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Update describes one cache mutation for listeners. ListChanged is true
// when the set of live keys changed, not merely an entry's content.
type Update struct {
	Key         string
	Namespace   string
	URLHash     string
	ListChanged bool
}

// Cache is the byte-budgeted LRU cache. The order slice holds keys oldest
// first; a read moves its key to the end.
type Cache struct {
	mu        sync.Mutex
	entries   map[string]Entry
	order     []string
	bytes     int64
	listeners []func(Update)

	enabled       bool
	ttl           time.Duration
	maxBytes      int64
	maxEntries    int
	maxEntryBytes int64
}

// New creates a Cache with the given options.
func New(opts Options) *Cache {
	ttl := opts.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	maxEntryBytes := opts.MaxEntryBytes
	if maxEntryBytes <= 0 {
		maxEntryBytes = DefaultMaxEntryBytes
	}
	return &Cache{
		entries:       make(map[string]Entry),
		order:         make([]string, 0),
		enabled:       opts.Enabled,
		ttl:           ttl,
		maxBytes:      maxBytes,
		maxEntries:    maxEntries,
		maxEntryBytes: maxEntryBytes,
	}
}

// Get retrieves an entry by key and moves it to the MRU position. A
// disabled cache always misses unless force is set. Expired entries are
// removed lazily without an update event.
func (c *Cache) Get(key string, force bool) (Entry, bool) {
	if !c.enabled && !force {
		return Entry{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	if e.expired(time.Now()) {
		c.removeLocked(key)
		return Entry{}, false
	}
	c.moveToEndLocked(key)
	return e, true
}

// Peek retrieves an entry without updating its LRU position. Used for
// metadata listing.
func (c *Cache) Peek(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	if e.expired(time.Now()) {
		c.removeLocked(key)
		return Entry{}, false
	}
	return e, true
}

// Set inserts or replaces an entry at the MRU position, evicting oldest
// entries until both the byte budget and the entry count hold. Oversized
// entries are rejected with a warning. A disabled cache drops the write
// unless force is set.
func (c *Cache) Set(key, content string, meta Meta, force bool) {
	if !c.enabled && !force {
		return
	}

	size := int64(len(content))
	if size > c.maxEntryBytes || size > c.maxBytes {
		slog.Warn("cache entry exceeds size limit, not cached",
			"key", key, "size", size, "max_entry_bytes", c.maxEntryBytes)
		return
	}

	now := time.Now()
	e := Entry{
		Key:       key,
		URL:       meta.URL,
		Title:     meta.Title,
		Content:   content,
		Size:      int(size),
		CreatedAt: now,
	}
	if c.ttl > 0 {
		e.ExpiresAt = now.Add(c.ttl)
	}

	c.mu.Lock()
	_, existed := c.entries[key]
	if existed {
		// Replacing content keeps the key set unchanged.
		c.removeLocked(key)
	}
	evicted := 0
	for c.bytes+size > c.maxBytes && len(c.order) > 0 {
		c.evictOldestLocked()
		evicted++
	}
	c.entries[key] = e
	c.order = append(c.order, key)
	c.bytes += size
	for len(c.order) > c.maxEntries {
		c.evictOldestLocked()
		evicted++
	}
	c.mu.Unlock()

	namespace, urlHash, _ := SplitKey(key)
	c.emit(Update{
		Key:         key,
		Namespace:   namespace,
		URLHash:     urlHash,
		ListChanged: !existed || evicted > 0,
	})
}

// Keys returns all non-expired keys, oldest first. Expired entries found
// along the way are removed silently.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	keys := make([]string, 0, len(c.order))
	for _, k := range c.order {
		if e, ok := c.entries[k]; ok && e.expired(now) {
			delete(c.entries, k)
			c.bytes -= int64(e.Size)
			continue
		}
		keys = append(keys, k)
	}
	c.order = keys
	out := make([]string, len(keys))
	copy(out, keys)
	return out
}

// FindByHash returns the first live entry matching namespace and urlHash,
// ignoring any vary suffix. Used to serve cache resource URIs.
func (c *Cache) FindByHash(namespace, urlHash string) (Entry, bool) {
	prefix := namespace + ":" + urlHash
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for _, k := range c.order {
		if k != prefix && !strings.HasPrefix(k, prefix+".") {
			continue
		}
		e := c.entries[k]
		if e.expired(now) {
			c.removeLocked(k)
			continue
		}
		return e, true
	}
	return Entry{}, false
}

// OnUpdate registers a listener for cache mutations. A panicking listener
// is logged and never propagates to the caller of Set.
func (c *Cache) OnUpdate(fn func(Update)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Len returns the number of entries currently held, including expired
// entries not yet cleaned.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Bytes returns the byte total across held entries.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Enabled reports whether the cache accepts reads and writes by default.
func (c *Cache) Enabled() bool {
	return c.enabled
}

func (c *Cache) emit(u Update) {
	c.mu.Lock()
	listeners := make([]func(Update), len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("cache listener panicked", "key", u.Key, "panic", r)
				}
			}()
			fn(u)
		}()
	}
}

// removeLocked removes a key from the map, the order slice and the byte
// total. Caller must hold c.mu.
func (c *Cache) removeLocked(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	c.bytes -= int64(e.Size)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// evictOldestLocked removes the LRU entry. Caller must hold c.mu.
func (c *Cache) evictOldestLocked() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	if e, ok := c.entries[oldest]; ok {
		delete(c.entries, oldest)
		c.bytes -= int64(e.Size)
	}
}

// moveToEndLocked marks a key most recently used. Caller must hold c.mu.
func (c *Cache) moveToEndLocked(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			c.order = append(c.order, key)
			return
		}
	}
}
