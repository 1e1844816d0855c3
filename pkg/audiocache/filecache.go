// Package audiocache persists synthesized audio segments on disk and tracks
// which (voice, text, rate) combinations are already rendered, satisfying
// scheduler.Cache. Entries are evicted least-recently-used when the cache
// grows past its configured capacity.
package audiocache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lokutor-ai/audiobook-ttsched/pkg/scheduler"
)

type entry struct {
	meta     scheduler.CacheEntryMeta
	lastUsed time.Time
}

// FileCache is an on-disk, LRU-bounded implementation of scheduler.Cache.
// Metadata lives in memory; the audio files already written by the
// Synthesizer are tracked by reference, never copied.
type FileCache struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	accessOrder []string
	maxEntries  int

	hits   int64
	misses int64
}

// NewFileCache builds a cache that evicts its least-recently-used entry once
// more than maxEntries are registered. maxEntries <= 0 disables eviction.
func NewFileCache(maxEntries int) *FileCache {
	return &FileCache{
		entries:    make(map[string]*entry),
		maxEntries: maxEntries,
	}
}

// IsReady reports whether cacheKey's audio is already on disk.
func (c *FileCache) IsReady(cacheKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[cacheKey]
	if !ok {
		c.misses++
		return false
	}
	if _, err := os.Stat(e.meta.FilePath); err != nil {
		// File vanished out from under us (e.g. OS cleared tmp). Treat as a
		// miss and drop the stale entry.
		delete(c.entries, cacheKey)
		c.removeFromAccessOrderLocked(cacheKey)
		c.misses++
		return false
	}
	e.lastUsed = time.Now()
	c.touchLocked(cacheKey)
	c.hits++
	return true
}

// FileFor returns the path to cacheKey's cached audio file.
func (c *FileCache) FileFor(cacheKey string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[cacheKey]
	if !ok {
		return "", fmt.Errorf("audiocache: %s not cached", cacheKey)
	}
	return e.meta.FilePath, nil
}

// DurationMs returns the trustworthy duration recorded at synthesis time, if
// known. Implements the optional interface the Coordinator probes for
// before falling back to a file-size estimate.
func (c *FileCache) DurationMs(cacheKey string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[cacheKey]
	if !ok || e.meta.AudioDurationMs <= 0 {
		return 0, false
	}
	return e.meta.AudioDurationMs, true
}

// Register commits a freshly synthesized segment, evicting the
// least-recently-used entry first if the cache is at capacity.
func (c *FileCache) Register(cacheKey string, meta scheduler.CacheEntryMeta) error {
	if meta.FilePath == "" {
		return fmt.Errorf("audiocache: cannot register %s with empty file path", cacheKey)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[cacheKey]; !exists && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictLRULocked()
	}

	c.entries[cacheKey] = &entry{meta: meta, lastUsed: time.Now()}
	c.touchLocked(cacheKey)

	log.Debug().
		Str("cache_key", shortKey(cacheKey)).
		Str("book_id", meta.BookID).
		Int("chapter", meta.ChapterIndex).
		Int("segment", meta.SegmentIndex).
		Int64("size_bytes", meta.SizeBytes).
		Msg("audio segment cached")

	return nil
}

// Stats reports hit/miss counters for diagnostics.
func (c *FileCache) Stats() (hits, misses int64, entries int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses, len(c.entries)
}

// Purge deletes the file each of this cache's entries points at and clears
// the index. Intended for test teardown and "clear downloads".
func (c *FileCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		os.Remove(e.meta.FilePath)
	}
	c.entries = make(map[string]*entry)
	c.accessOrder = nil
}

func (c *FileCache) touchLocked(cacheKey string) {
	c.removeFromAccessOrderLocked(cacheKey)
	c.accessOrder = append(c.accessOrder, cacheKey)
}

func (c *FileCache) removeFromAccessOrderLocked(cacheKey string) {
	for i, k := range c.accessOrder {
		if k == cacheKey {
			c.accessOrder = append(c.accessOrder[:i], c.accessOrder[i+1:]...)
			return
		}
	}
}

func (c *FileCache) evictLRULocked() {
	if len(c.accessOrder) == 0 {
		return
	}
	oldest := c.accessOrder[0]
	c.accessOrder = c.accessOrder[1:]
	if e, ok := c.entries[oldest]; ok {
		os.Remove(e.meta.FilePath)
		delete(c.entries, oldest)
		log.Debug().Str("cache_key", shortKey(oldest)).Msg("evicted LRU cache entry")
	}
}

func shortKey(key string) string {
	if len(key) <= 16 {
		return key
	}
	return key[:16]
}

// EnsureDir creates dir (and parents) if it doesn't already exist, for
// callers wiring a fresh cache directory at startup.
func EnsureDir(dir string) error {
	return os.MkdirAll(filepath.Clean(dir), 0o755)
}
