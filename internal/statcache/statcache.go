// Package statcache caches per-path object metadata so that repeated
// getattr/lookup calls during a directory walk don't each cost a HEAD
// request. It is an LRU bounded by entry count, over whole-object stat entries instead
// of byte ranges, adding pin counts (for names synthesized ahead of
// upload completion), negative caching (for names known not to exist),
// and two expiry modes.
package statcache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/objectfs/objectfs/internal/storage/s3"
)

// ExpireMode selects how an entry's expiry deadline is computed.
type ExpireMode string

const (
	// ExpireFixed sets the deadline once, at insertion time.
	ExpireFixed ExpireMode = "fixed"
	// ExpireSliding resets the deadline on every cache hit.
	ExpireSliding ExpireMode = "sliding"
)

// Stat is the POSIX attribute subset the cache tracks per path.
type Stat struct {
	Size    int64
	Mode    uint32
	ModTime time.Time
	IsDir   bool
}

// Entry is one cached path's metadata.
type Entry struct {
	Path       string
	Stat       Stat
	Headers    s3.Headers
	HitCount   int64
	CacheDate  time.Time
	IsForceDir bool
	IsNegative bool
	PinCount   int

	expireAt time.Time
	element  *list.Element
}

// SymlinkEntry is one cached symlink target, kept in a separate map from
// regular entries since readlink has its own lookup path.
type SymlinkEntry struct {
	Target    string
	HitCount  int64
	CacheDate time.Time
}

// Config controls capacity and expiry behavior.
type Config struct {
	CacheSize       int64
	ExpireMode      ExpireMode
	Expire          time.Duration
	NegativeCaching bool
}

// DefaultConfig returns sensible production defaults, sized for metadata
// entries rather than byte ranges.
func DefaultConfig() *Config {
	return &Config{
		CacheSize:       100000,
		ExpireMode:      ExpireFixed,
		Expire:          5 * time.Minute,
		NegativeCaching: true,
	}
}

// Stats holds this cache's hit/miss/eviction counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Entries   int
	HitRate   float64
}

// Cache is a thread-safe, capacity-bounded stat cache with pinning,
// expiry, and negative-entry support.
type Cache struct {
	mu sync.RWMutex

	config *Config

	entries   map[string]*Entry
	evictList *list.List

	symlinks map[string]*SymlinkEntry

	// pins maps a directory path (with trailing slash) to the set of
	// child names pinned within it — names the filesystem must surface
	// in Readdir even though the backend hasn't completed the upload
	// for them yet.
	pins map[string]map[string]struct{}

	stats Stats
}

// New builds a Cache from cfg, falling back to DefaultConfig for a nil cfg.
func New(cfg *Config) *Cache {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Cache{
		config:    cfg,
		entries:   make(map[string]*Entry),
		evictList: list.New(),
		symlinks:  make(map[string]*SymlinkEntry),
		pins:      make(map[string]map[string]struct{}),
	}
}

// Get returns the cached entry for path, or (nil, false) on a miss or
// expiry. A hit updates hit count, moves the entry to the front of the
// eviction list, and — under sliding expiry — extends its deadline. Use
// GetChecked instead when a fresher ETag is available and a stale hit
// should self-evict rather than be returned.
func (c *Cache) Get(path string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[path]
	if !ok {
		c.stats.Misses++
		return nil, false
	}

	if c.isExpired(entry) {
		c.removeLocked(path)
		c.stats.Misses++
		return nil, false
	}

	entry.HitCount++
	if c.config.ExpireMode == ExpireSliding && c.config.Expire > 0 {
		entry.expireAt = time.Now().Add(c.config.Expire)
	}
	c.evictList.MoveToFront(entry.element)
	c.stats.Hits++
	c.updateHitRate()

	cp := *entry
	return &cp, true
}

// Put inserts or refreshes the entry for path. Pinned entries (PinCount >
// 0 carried over from a prior Put) are preserved unless explicitly
// unpinned via Unpin.
func (c *Cache) Put(path string, stat Stat, headers s3.Headers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(path, stat, headers, false, false)
}

// PutNegative records that path is known not to exist, so that repeated
// lookups for a name the caller just deleted (or that never existed)
// don't each cost a HEAD request. No-op if negative caching is disabled.
func (c *Cache) PutNegative(path string) {
	if !c.config.NegativeCaching {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(path, Stat{}, nil, false, true)
}

// PutForceDir records a synthesized directory entry — one inferred from
// the presence of children under path rather than from an explicit
// directory-marker object.
func (c *Cache) PutForceDir(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(path, Stat{IsDir: true}, nil, true, false)
}

func (c *Cache) putLocked(path string, stat Stat, headers s3.Headers, forceDir, negative bool) {
	now := time.Now()
	var expireAt time.Time
	if c.config.Expire > 0 {
		expireAt = now.Add(c.config.Expire)
	}

	if existing, ok := c.entries[path]; ok {
		existing.Stat = stat
		existing.Headers = headers
		existing.CacheDate = now
		existing.expireAt = expireAt
		existing.IsForceDir = forceDir
		existing.IsNegative = negative
		existing.HitCount++
		c.evictList.MoveToFront(existing.element)
		return
	}

	entry := &Entry{
		Path:       path,
		Stat:       stat,
		Headers:    headers,
		HitCount:   1,
		CacheDate:  now,
		IsForceDir: forceDir,
		IsNegative: negative,
		expireAt:   expireAt,
	}
	// A name pinned before its first Put starts out pinned.
	idx := strings.LastIndexByte(path, '/')
	if _, pinned := c.pins[path[:idx+1]][path[idx+1:]]; pinned {
		entry.PinCount = 1
	}
	entry.element = c.evictList.PushFront(path)
	c.entries[path] = entry

	c.evictIfNeeded()
}

// UpdateMetadata applies an in-place headers/stat update to an existing
// entry without touching its hit count or position — used after Setattr's
// metadata-only self-copy (chmod, or a requested mtime) so the cache reflects the
// new attributes immediately rather than waiting for expiry.
func (c *Cache) UpdateMetadata(path string, stat Stat, headers s3.Headers) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[path]
	if !ok {
		return false
	}
	entry.Stat = stat
	entry.Headers = headers
	entry.IsNegative = false
	return true
}

// CheckETag reports whether the cached entry for path carries the given
// ETag. Used by GetChecked to self-evict a stale entry once a fresher
// listing reveals the backend object has changed.
func (c *Cache) CheckETag(path, etag string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[path]
	if !ok || entry.Headers == nil {
		return false
	}
	cur, ok := entry.Headers.Get(s3.HeaderETag)
	return ok && cur == etag
}

// GetChecked is Get plus an ETag overcheck: if expectedETag is non-empty
// and disagrees with the cached entry's ETag, the entry is evicted and
// treated as a miss instead of being returned stale. Callers that just
// learned a fresher ETag from a listing or HEAD use this instead of Get
// to self-correct a cache entry that the backend has since moved past.
func (c *Cache) GetChecked(path, expectedETag string) (*Entry, bool) {
	if expectedETag != "" && !c.CheckETag(path, expectedETag) {
		c.mu.Lock()
		if _, ok := c.entries[path]; ok {
			c.removeLocked(path)
		}
		c.mu.Unlock()
		return nil, false
	}
	return c.Get(path)
}

// Pin increments the pin count of the cached entry parent+name, if any,
// and records name in parent's pin set, so Readdir on the parent
// synthesizes this name even before the backend upload completes. A
// pinned entry, including one first Put after the Pin, is skipped by
// eviction.
func (c *Cache) Pin(parent, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[parent+name]; ok {
		entry.PinCount++
	}
	children, ok := c.pins[parent]
	if !ok {
		children = make(map[string]struct{})
		c.pins[parent] = children
	}
	children[name] = struct{}{}
}

// Unpin decrements the pin count for path and, once it reaches zero,
// removes it from the parent's pin set so it becomes eligible for normal
// eviction and no longer appears synthesized in Readdir.
func (c *Cache) Unpin(parent, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[parent+name]; ok && entry.PinCount > 0 {
		entry.PinCount--
	}
	if children, ok := c.pins[parent]; ok {
		if entry, exists := c.entries[parent+name]; !exists || entry.PinCount <= 0 {
			delete(children, name)
			if len(children) == 0 {
				delete(c.pins, parent)
			}
		}
	}
}

// ListPinned returns the names pinned under parent (a directory path with
// a trailing slash), for Readdir to merge into its listing.
func (c *Cache) ListPinned(parent string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	children, ok := c.pins[parent]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(children))
	for name := range children {
		names = append(names, name)
	}
	return names
}

// Invalidate removes path's cached entry, if any, regardless of pin
// count or expiry.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(path)
}

// InvalidatePrefix removes every cached entry whose path starts with
// prefix, used after a directory rename or delete.
func (c *Cache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toRemove []string
	for path := range c.entries {
		if len(path) >= len(prefix) && path[:len(prefix)] == prefix {
			toRemove = append(toRemove, path)
		}
	}
	for _, path := range toRemove {
		c.removeLocked(path)
	}
}

// PutSymlink caches a symlink target.
func (c *Cache) PutSymlink(path, target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.symlinks[path] = &SymlinkEntry{Target: target, HitCount: 1, CacheDate: time.Now()}
}

// GetSymlink returns the cached target for path, if any.
func (c *Cache) GetSymlink(path string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.symlinks[path]
	if !ok {
		return "", false
	}
	entry.HitCount++
	return entry.Target, true
}

// Stats returns a snapshot of cache hit/miss/eviction counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := c.stats
	stats.Entries = len(c.entries)
	return stats
}

// Helper methods

func (c *Cache) isExpired(entry *Entry) bool {
	if entry.expireAt.IsZero() {
		return false
	}
	return time.Now().After(entry.expireAt)
}

func (c *Cache) removeLocked(path string) {
	entry, ok := c.entries[path]
	if !ok {
		return
	}
	if entry.element != nil {
		c.evictList.Remove(entry.element)
	}
	delete(c.entries, path)
	c.stats.Evictions++
}

// evictIfNeeded evicts least-recently-used, unpinned entries until the
// cache is back within its configured size. Pinned entries (PinCount > 0)
// are skipped even when they sit at the back of the list — they are
// evicted only after an explicit Unpin.
func (c *Cache) evictIfNeeded() {
	maxEntries := c.config.CacheSize
	if maxEntries <= 0 {
		return
	}
	for int64(len(c.entries)) > maxEntries {
		element := c.evictList.Back()
		evicted := false
		for element != nil {
			path, _ := element.Value.(string)
			entry := c.entries[path]
			prev := element.Prev()
			if entry == nil {
				c.evictList.Remove(element)
				element = prev
				continue
			}
			if entry.PinCount > 0 {
				element = prev
				continue
			}
			c.removeLocked(path)
			evicted = true
			break
		}
		if !evicted {
			// Every remaining entry is pinned; nothing more to do.
			return
		}
	}
}

func (c *Cache) updateHitRate() {
	total := c.stats.Hits + c.stats.Misses
	if total > 0 {
		c.stats.HitRate = float64(c.stats.Hits) / float64(total)
	}
}
