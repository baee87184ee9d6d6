// Package dedup provides the bridging cache that stands in for the not-yet-indexed
// tail of the severity vector stores.
package dedup

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thebtf/runsift/pkg/models"
)

// Key groups cache entries by run and severity.
type Key struct {
	RunID    uuid.UUID
	Severity models.Severity
}

// Entry is a canonical embedding that may not be searchable in the vector store yet.
type Entry struct {
	ExpiresAt time.Time
	TS        time.Time
	Embedding []float32
	RunID     uuid.UUID
}

// Record converts the entry into a search candidate.
func (e Entry) Record() models.EmbeddingRecord {
	return models.EmbeddingRecord{RunID: e.RunID, TS: e.TS, Embedding: e.Embedding}
}

// Cache is a TTL-bounded map of (run, severity) to the canonical embeddings written
// during the last bridge window. Entries leave the cache when the vector store starts
// returning them (Merge) or when their window expires (Sweep), whichever comes first.
type Cache struct {
	now     func() time.Time
	entries map[Key][]Entry
	window  time.Duration
	mu      sync.Mutex
	closed  bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a Cache whose entries live for at most window.
func New(window time.Duration, opts ...Option) *Cache {
	c := &Cache{
		now:     time.Now,
		entries: make(map[Key][]Entry),
		window:  window,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Window returns the bridge window.
func (c *Cache) Window() time.Duration {
	return c.window
}

// Put remembers a freshly inserted canonical embedding.
func (c *Cache) Put(runID uuid.UUID, severity models.Severity, ts time.Time, embedding []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	key := Key{RunID: runID, Severity: severity}
	c.entries[key] = append(c.entries[key], Entry{
		RunID:     runID,
		TS:        ts,
		Embedding: embedding,
		ExpiresAt: c.now().Add(c.window),
	})
}

// Merge combines the rows just returned by the vector store with the cached entries
// for the same key. Entries already present in rows (the index caught up) and expired
// entries are dropped; the remaining live entries are kept and appended to the result.
func (c *Cache) Merge(runID uuid.UUID, severity models.Severity, rows []models.EmbeddingRecord) ([]models.EmbeddingRecord, []Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	combined := make([]models.EmbeddingRecord, 0, len(rows))
	combined = append(combined, rows...)

	key := Key{RunID: runID, Severity: severity}
	cached := c.entries[key]
	if len(cached) == 0 {
		return combined, nil
	}

	now := c.now()
	live := make([]Entry, 0, len(cached))
	for _, e := range cached {
		if !now.Before(e.ExpiresAt) {
			continue
		}
		if indexed(e, rows) {
			continue
		}
		live = append(live, e)
	}

	if len(live) == 0 {
		delete(c.entries, key)
		return combined, nil
	}

	c.entries[key] = live
	for _, e := range live {
		combined = append(combined, e.Record())
	}
	return combined, append([]Entry(nil), live...)
}

func indexed(e Entry, rows []models.EmbeddingRecord) bool {
	rec := e.Record()
	for _, r := range rows {
		if rec.SameRow(r) {
			return true
		}
	}
	return false
}

// Sweep removes every expired entry and returns how many were evicted.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	evicted := 0
	for key, list := range c.entries {
		kept := list[:0]
		for _, e := range list {
			if now.Before(e.ExpiresAt) {
				kept = append(kept, e)
			} else {
				evicted++
			}
		}
		if len(kept) == 0 {
			delete(c.entries, key)
			continue
		}
		c.entries[key] = kept
	}
	return evicted
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, list := range c.entries {
		n += len(list)
	}
	return n
}

// Keys returns the number of (run, severity) keys with cached entries.
func (c *Cache) Keys() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Shutdown drops all state. Subsequent Puts are ignored.
func (c *Cache) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.entries = make(map[Key][]Entry)
}
