// Package cache implements the shared, in-memory, URL-keyed response
// cache: the subsystem the original source calls cache.c/cache.h. Entries
// are append-only body logs with a subscriber list; the cache does not
// evict by size or age (that is an explicit non-goal) — an entry is only
// reclaimed once it has been marked invalid, has finished, and has no
// readers left.
package cache

import (
	"errors"
	"sync"

	"github.com/relaycache/relay/contrib/log"
	"github.com/relaycache/relay/internal/metrics"
	"github.com/relaycache/relay/pkg/pstring"
)

// ErrOffsetBeyondBody is returned by Extract when offset exceeds the
// amount of body data appended so far.
var ErrOffsetBeyondBody = errors.New("cache: offset beyond body length")

// Callback is invoked once on Subscribe, at least once after data is
// appended to an entry, and when the entry is marked finished (alone or
// together with invalid); MarkInvalid alone does not invoke it. It carries
// no payload — the subscriber must call Extract to learn what changed.
type Callback func()

// Reader is a subscription handle. It is owned exclusively by the
// entry's reader list; the subscribing caller holds only this handle,
// used to Unsubscribe.
type Reader struct {
	entry    *Entry
	callback Callback
}

// Entry is a single cached response, keyed by request URL.
type Entry struct {
	url string

	mu       sync.RWMutex
	body     pstring.Buffer
	finished bool
	invalid  bool
	readers  []*Reader
}

// URL returns the entry's key.
func (e *Entry) URL() string { return e.url }

// Finished reports whether the producer has signalled the end of body
// data.
func (e *Entry) Finished() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.finished
}

// Invalid reports whether the entry has been tainted (non-200 response,
// parse error, producer failure, or aborted connection).
func (e *Entry) Invalid() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.invalid
}

// Len returns the number of body bytes appended so far.
func (e *Entry) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.body.Len()
}

func (e *Entry) readerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.readers)
}

func (e *Entry) reclaimable() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.invalid && e.finished && len(e.readers) == 0
}

// Cache is the URL->entry registry. The zero value is not usable; use
// New.
type Cache struct {
	log *log.Helper

	mu      sync.Mutex
	entries []*Entry
}

// New returns an empty cache.
func New(logger log.Logger) *Cache {
	return &Cache{log: log.NewHelper(logger)}
}

// FindOrCreate scans the registry for a non-invalid entry matching url.
// While scanning it opportunistically reclaims any entry that is
// invalid, finished, and readerless. If no live match is found, a fresh
// entry is allocated, inserted, and returned with created=true.
func (c *Cache) FindOrCreate(url string) (entry *Entry, created bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.entries[:0]
	var found *Entry
	for _, e := range c.entries {
		if e.reclaimable() {
			c.log.Debugf("cache: reclaiming invalid+finished+readerless entry %q", e.url)
			continue
		}
		kept = append(kept, e)
		if found == nil && !e.Invalid() && e.url == url {
			found = e
		}
	}
	c.entries = kept

	if found != nil {
		metrics.CacheEntries.Set(float64(len(c.entries)))
		return found, false
	}

	entry = &Entry{url: url}
	c.entries = append(c.entries, entry)
	metrics.CacheEntries.Set(float64(len(c.entries)))
	return entry, true
}

// Subscribe registers callback on entry's reader list and fires it once
// synchronously before returning — an immediate "you may already have
// data waiting" signal, matching the original's cache_entry_subscribe.
func (c *Cache) Subscribe(entry *Entry, callback Callback) *Reader {
	r := &Reader{entry: entry, callback: callback}

	entry.mu.Lock()
	entry.readers = append(entry.readers, r)
	entry.mu.Unlock()

	callback()
	return r
}

// Unsubscribe removes reader from its entry's reader list. A no-op if
// reader was already removed.
func (c *Cache) Unsubscribe(reader *Reader) {
	if reader == nil {
		return
	}
	entry := reader.entry
	entry.mu.Lock()
	defer entry.mu.Unlock()
	for i, r := range entry.readers {
		if r == reader {
			entry.readers = append(entry.readers[:i], entry.readers[i+1:]...)
			return
		}
	}
}

// Extract copies up to len(buf) bytes starting at offset into buf and
// returns the number of bytes copied. It is an error for offset to
// exceed the body length observed so far.
func (c *Cache) Extract(entry *Entry, offset int, buf []byte) (int, error) {
	entry.mu.RLock()
	defer entry.mu.RUnlock()

	body := entry.body.Bytes()
	if offset > len(body) {
		return 0, ErrOffsetBeyondBody
	}

	n := copy(buf, body[offset:])
	return n, nil
}

// Append adds data to entry's body and fans out to every subscriber.
// The write lock is released before callbacks run so a callback may
// call back into the cache (e.g. Unsubscribe) without deadlocking.
func (c *Cache) Append(entry *Entry, data []byte) {
	entry.mu.Lock()
	entry.body.Append(data)
	snapshot := append([]*Reader(nil), entry.readers...)
	entry.mu.Unlock()

	fanOut(snapshot)
}

// MarkFinished sets entry.finished and fans out to subscribers. The
// body buffer is append-frozen from this point on.
func (c *Cache) MarkFinished(entry *Entry) {
	entry.mu.Lock()
	entry.finished = true
	snapshot := append([]*Reader(nil), entry.readers...)
	entry.mu.Unlock()

	fanOut(snapshot)
}

// MarkInvalid taints entry so future FindOrCreate calls never return it
// as a match. It does not disconnect existing subscribers and does not
// fan out — invalidity alone is not progress a streaming reader needs to
// learn about immediately.
func (c *Cache) MarkInvalid(entry *Entry) {
	entry.mu.Lock()
	entry.invalid = true
	entry.mu.Unlock()
}

// MarkInvalidAndFinished taints entry and signals completion in one
// step, fanning out so in-flight subscribers see end-of-body.
func (c *Cache) MarkInvalidAndFinished(entry *Entry) {
	entry.mu.Lock()
	entry.invalid = true
	entry.finished = true
	snapshot := append([]*Reader(nil), entry.readers...)
	entry.mu.Unlock()

	fanOut(snapshot)
}

// fanOut invokes each reader's callback. The caller must have already
// taken a snapshot of the reader list outside any lock: a callback is
// permitted to call Unsubscribe(self), which would otherwise mutate the
// slice being iterated.
func fanOut(readers []*Reader) {
	for _, r := range readers {
		r.callback()
	}
}

// Close destroys all entries. Callers must ensure no goroutine is still
// reading or writing entries when Close runs (invoked once, at process
// shutdown, after the multiplexer has delivered hangups to every
// connection).
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
	metrics.CacheEntries.Set(0)
}

// Len reports the number of entries currently tracked (including
// not-yet-reclaimed invalid ones) — used by metrics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
