// Package cache maps (text, emotion) pairs to finished audio artifacts on
// disk.
//
// Keys are the hex MD5 of text + "_" + emotion, taken verbatim: no
// normalisation is applied, so "Oi" and "oi " are distinct entries. Artifacts
// live in the cache directory as {key}.wav. The index itself is pluggable: an
// in-process map by default, or a Redis hash via [RedisIndex].
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/luavoice/internal/observe"
)

// ErrIndex wraps every index I/O failure. Lookups treat it as a miss.
var ErrIndex = errors.New("cache: index failure")

// Entry is one cached artifact.
type Entry struct {
	Key       string    `json:"key"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// Key returns the cache key for text spoken with emotion.
func Key(text, emotion string) string {
	sum := md5.Sum([]byte(text + "_" + emotion))
	return hex.EncodeToString(sum[:])
}

// Option is a functional option for [New].
type Option func(*Cache)

// WithIndex replaces the default in-process index.
func WithIndex(idx Index) Option {
	return func(c *Cache) { c.index = idx }
}

// WithMetrics records lookups and evictions on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Cache is the result cache. A single mutex guards lookup, store and the
// index clear performed by eviction; file deletion runs outside it.
type Cache struct {
	dir     string
	index   Index
	metrics *observe.Metrics
	now     func() time.Time

	mu sync.Mutex
}

// New returns a cache rooted at dir, creating the directory if needed.
func New(dir string, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("cache: directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create %q: %w", dir, err)
	}
	c := &Cache{dir: dir, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	if c.index == nil {
		c.index = NewMemoryIndex()
	}
	return c, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// RawGrace is how long a raw backend file is shielded from eviction. A
// younger one may still be awaiting post-processing.
const RawGrace = 5 * time.Minute

const rawSuffix = ".raw.wav"

// ArtifactPath returns the path of the finished artifact for key.
func (c *Cache) ArtifactPath(key string) string {
	return filepath.Join(c.dir, key+".wav")
}

// RawPath returns the path backends write unprocessed audio for key to.
func (c *Cache) RawPath(key string) string {
	return filepath.Join(c.dir, key+rawSuffix)
}

// Lookup returns the entry for (text, emotion). It is a hit only if the
// artifact still exists; stale entries are dropped and reported as misses.
// Index failures are logged and reported as misses.
func (c *Cache) Lookup(ctx context.Context, text, emotion string) (Entry, bool) {
	key := Key(text, emotion)
	log := observe.Logger(ctx).With("key", key)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok, err := c.index.Get(ctx, key)
	if err != nil {
		log.Warn("cache: lookup failed", "err", fmt.Errorf("%w: %w", ErrIndex, err))
		c.record(ctx, observe.CacheMiss)
		return Entry{}, false
	}
	if !ok {
		c.record(ctx, observe.CacheMiss)
		return Entry{}, false
	}
	if _, err := os.Stat(e.Path); err != nil {
		log.Debug("cache: dropping stale entry", "path", e.Path)
		if err := c.index.Delete(ctx, key); err != nil {
			log.Warn("cache: drop stale entry", "err", fmt.Errorf("%w: %w", ErrIndex, err))
		}
		c.record(ctx, observe.CacheStale)
		return Entry{}, false
	}
	c.record(ctx, observe.CacheHit)
	return e, true
}

func (c *Cache) record(ctx context.Context, result string) {
	if c.metrics != nil {
		c.metrics.RecordCacheLookup(ctx, result)
	}
}

// Store records path as the artifact for (text, emotion), replacing any prior
// entry. path must exist.
func (c *Cache) Store(ctx context.Context, text, emotion, path string) (Entry, error) {
	if _, err := os.Stat(path); err != nil {
		return Entry{}, fmt.Errorf("cache: store: %w", err)
	}
	e := Entry{Key: Key(text, emotion), Path: path, CreatedAt: c.now()}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.index.Put(ctx, e); err != nil {
		return Entry{}, fmt.Errorf("%w: %w", ErrIndex, err)
	}
	return e, nil
}

// Evict deletes every regular file in the cache directory whose modification
// time is more than olderThan in the past, then clears the whole index.
// Entries whose files survive are recreated on their next synthesis. Raw
// backend files younger than [RawGrace] are kept regardless of olderThan.
func (c *Cache) Evict(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, fmt.Errorf("cache: evict: negative age %s", olderThan)
	}
	now := c.now()
	cutoff := now.Add(-olderThan)
	log := observe.Logger(ctx)

	dirents, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("cache: evict: %w", err)
	}
	removed := 0
	for _, de := range dirents {
		if !de.Type().IsRegular() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if strings.HasSuffix(de.Name(), rawSuffix) && now.Sub(info.ModTime()) < RawGrace {
			continue
		}
		path := filepath.Join(c.dir, de.Name())
		if err := os.Remove(path); err != nil {
			log.Warn("cache: evict file", "path", path, "err", err)
			continue
		}
		removed++
	}

	c.mu.Lock()
	err = c.index.Clear(ctx)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordEviction(ctx, removed)
	}
	log.Info("cache: evicted", "removed", removed, "older_than", olderThan)
	if err != nil {
		return removed, fmt.Errorf("%w: %w", ErrIndex, err)
	}
	return removed, nil
}

// Len returns the number of indexed entries, or 0 if the index is
// unreachable.
func (c *Cache) Len(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.index.Len(ctx)
	if err != nil {
		observe.Logger(ctx).Warn("cache: len failed", "err", fmt.Errorf("%w: %w", ErrIndex, err))
		return 0
	}
	return n
}
