package memory

import (
	"runtime"
	"sync"
	"time"
	"weak"
)

// Codec converts cache values to and from their compressed form.
type Codec[T any] struct {
	Encode func(*T) ([]byte, error)
	Decode func([]byte) (*T, error)
}

// cacheEntry holds a value in one of three tiers: strongly referenced,
// weakly referenced with a compressed copy, or weakly referenced only.
type cacheEntry[T any] struct {
	strong     *T
	weak       weak.Pointer[T]
	compressed []byte
	size       int
	lastAccess time.Time
}

// Cache keeps recently used values in memory and demotes idle ones so the
// Go garbage collector can reclaim them.
type Cache[T any] struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry[T]
	codec   Codec[T]
	now     func() time.Time

	idleCompress time.Duration
	evictAfter   time.Duration
	threshold    int
	minSavings   float64
}

// NewCache returns an empty cache. Values idle for idleCompress are
// demoted; demoted values larger than threshold bytes keep a compressed copy
// that is dropped after evictAfter. The copy is only kept when it is at
// least minSavings smaller than the value.
func NewCache[T any](codec Codec[T], idleCompress, evictAfter time.Duration, threshold int, minSavings float64, now func() time.Time) *Cache[T] {
	if now == nil {
		now = time.Now
	}
	return &Cache[T]{
		entries:      make(map[string]*cacheEntry[T]),
		codec:        codec,
		now:          now,
		idleCompress: idleCompress,
		evictAfter:   evictAfter,
		threshold:    threshold,
		minSavings:   minSavings,
	}
}

// Put stores v under key. size is the estimated footprint of v in bytes.
func (c *Cache[T]) Put(key string, v *T, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &cacheEntry[T]{
		strong:     v,
		weak:       weak.Make(v),
		size:       size,
		lastAccess: c.now(),
	}
}

// Get returns the value for key, promoting it back to the strong tier.
func (c *Cache[T]) Get(key string) (*T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	v := e.strong
	if v == nil {
		v = e.weak.Value()
	}
	if v == nil && e.compressed != nil {
		decoded, err := c.codec.Decode(e.compressed)
		if err != nil {
			delete(c.entries, key)
			return nil, false
		}
		v = decoded
		e.weak = weak.Make(v)
	}
	if v == nil {
		delete(c.entries, key)
		return nil, false
	}
	e.strong = v
	e.compressed = nil
	e.lastAccess = c.now()
	return v, true
}

// Delete removes key.
func (c *Cache[T]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the number of entries, in any tier.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// CacheStats counts entries per tier.
type CacheStats struct {
	Strong     int
	Compressed int
	WeakOnly   int
	Bytes      int
}

// Stats reports the current tier distribution.
func (c *Cache[T]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var st CacheStats
	for _, e := range c.entries {
		switch {
		case e.strong != nil:
			st.Strong++
			st.Bytes += e.size
		case e.compressed != nil:
			st.Compressed++
			st.Bytes += len(e.compressed)
		default:
			st.WeakOnly++
		}
	}
	return st
}

// GCResult summarizes one collection pass.
type GCResult struct {
	MemoryFreed       int64
	ObjectsCollected  int
	ObjectsCompressed int
	ObjectsEvicted    int
	Duration          time.Duration
}

// Collect runs a collection pass: idle entries are demoted (compressing
// the large ones), the runtime collector is given a chance to reclaim them,
// entries whose values are gone without a compressed copy are dropped and
// compressed entries untouched for evictAfter are evicted.
func (c *Cache[T]) Collect() GCResult {
	start := time.Now()
	var res GCResult

	c.mu.Lock()
	now := c.now()
	for _, e := range c.entries {
		if e.strong == nil || now.Sub(e.lastAccess) < c.idleCompress {
			continue
		}
		if e.size > c.threshold && c.codec.Encode != nil {
			blob, err := c.codec.Encode(e.strong)
			if err == nil && float64(len(blob)) <= float64(e.size)*(1-c.minSavings) {
				e.compressed = blob
				res.ObjectsCompressed++
				res.MemoryFreed += int64(e.size - len(blob))
			}
		}
		e.strong = nil
	}
	c.mu.Unlock()

	runtime.GC()

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if e.strong != nil {
			continue
		}
		if e.compressed == nil {
			if e.weak.Value() == nil {
				delete(c.entries, key)
				res.ObjectsCollected++
				res.MemoryFreed += int64(e.size)
			}
			continue
		}
		if now.Sub(e.lastAccess) >= c.evictAfter {
			res.MemoryFreed += int64(len(e.compressed))
			delete(c.entries, key)
			res.ObjectsEvicted++
		}
	}
	res.Duration = time.Since(start)
	return res
}
