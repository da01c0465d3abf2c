package cache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"

	"github.com/pathtiles/server/internal/logging"
	"github.com/pathtiles/server/internal/region"
)

// Sized is implemented by cached values that know their memory cost.
type Sized interface {
	SizeBytes() int64
}

// Key identifies a decoded region of one image server.
type Key struct {
	ServerID string
	Region   region.Region
}

func (k Key) String() string {
	return k.ServerID + "@" + k.Region.String()
}

// TileStats is a snapshot of tile cache counters.
type TileStats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Computes  uint64 `json:"computes"`
	Failures  uint64 `json:"failures"`
	Entries   int    `json:"entries"`
	Bytes     int64  `json:"bytes"`
	Budget    int64  `json:"budget"`
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s TileStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// TileCache is a memory-bounded LRU of decoded tiles shared by all image
// servers. Concurrent misses for the same key are coalesced into a single
// compute. The mutex only guards bookkeeping; computes run without it.
type TileCache[V Sized] struct {
	mu     sync.Mutex
	lru    *simplelru.LRU[Key, V]
	budget int64
	used   int64

	// epoch is bumped by Clear, gens[id] by Invalidate(id). A compute only
	// stores its result if neither moved while it ran.
	epoch uint64
	gens  map[string]uint64

	flight singleflight.Group

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	computes  atomic.Uint64
	failures  atomic.Uint64
}

// NewTileCache creates a cache holding at most budgetBytes of values.
func NewTileCache[V Sized](budgetBytes int64) (*TileCache[V], error) {
	if budgetBytes <= 0 {
		return nil, fmt.Errorf("tile cache budget must be positive, got %d", budgetBytes)
	}
	l, err := simplelru.NewLRU[Key, V](math.MaxInt32, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile lru: %w", err)
	}
	logging.Logger().Debug("tile cache created", "budget", humanize.IBytes(uint64(budgetBytes)))
	return &TileCache[V]{
		lru:    l,
		budget: budgetBytes,
		gens:   make(map[string]uint64),
	}, nil
}

// Get returns a cached value and marks it most recently used.
func (c *TileCache[V]) Get(key Key) (V, bool) {
	c.mu.Lock()
	v, ok := c.lru.Get(key)
	c.mu.Unlock()
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Put stores a value, evicting least recently used entries until it fits.
// Values larger than the whole budget are not stored; Put then returns false.
func (c *TileCache[V]) Put(key Key, v V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.putLocked(key, v)
}

func (c *TileCache[V]) putLocked(key Key, v V) bool {
	size := v.SizeBytes()
	if size > c.budget {
		return false
	}
	if old, ok := c.lru.Peek(key); ok {
		c.used -= old.SizeBytes()
		c.lru.Remove(key)
	}
	for c.used+size > c.budget {
		_, old, ok := c.lru.RemoveOldest()
		if !ok {
			break
		}
		c.used -= old.SizeBytes()
		c.evictions.Add(1)
	}
	c.lru.Add(key, v)
	c.used += size
	return true
}

func (c *TileCache[V]) generationLocked(serverID string) uint64 {
	return c.epoch + c.gens[serverID]
}

// GetOrCompute returns the cached value for key or runs compute to produce
// it. Concurrent callers for the same key share one compute and all receive
// its value or its error; errors are never cached.
//
// compute runs on a context detached from the caller's cancellation. A
// caller whose ctx is done stops waiting and gets ctx.Err(), while the
// compute continues and populates the cache for later readers.
func (c *TileCache[V]) GetOrCompute(ctx context.Context, key Key, compute func(context.Context) (V, error)) (V, error) {
	var zero V
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	detached := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(key.String(), func() (any, error) {
		c.mu.Lock()
		if v, ok := c.lru.Get(key); ok {
			c.mu.Unlock()
			return v, nil
		}
		gen := c.generationLocked(key.ServerID)
		c.mu.Unlock()

		c.computes.Add(1)
		v, err := safeCompute(detached, compute)
		if err != nil {
			c.failures.Add(1)
			logging.Logger().Debug("tile compute failed", "key", key.String(), "err", err)
			return zero, err
		}

		c.mu.Lock()
		if c.generationLocked(key.ServerID) == gen {
			c.putLocked(key, v)
		}
		c.mu.Unlock()
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// errComputePanic wraps a recovered panic from a compute function.
var errComputePanic = errors.New("tile compute panicked")

func safeCompute[V any](ctx context.Context, compute func(context.Context) (V, error)) (v V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errComputePanic, r)
		}
	}()
	return compute(ctx)
}

// Invalidate drops every entry of one server. Computes already running for
// that server will not store their results.
func (c *TileCache[V]) Invalidate(serverID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[serverID]++
	removed := 0
	for _, k := range c.lru.Keys() {
		if k.ServerID != serverID {
			continue
		}
		if v, ok := c.lru.Peek(k); ok {
			c.used -= v.SizeBytes()
			c.lru.Remove(k)
			removed++
		}
	}
	return removed
}

// Clear drops all entries.
func (c *TileCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.lru.Purge()
	c.used = 0
}

// Len returns the number of cached values.
func (c *TileCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Used returns the bytes currently held.
func (c *TileCache[V]) Used() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Budget returns the configured byte budget.
func (c *TileCache[V]) Budget() int64 {
	return c.budget
}

// Stats returns a snapshot of the counters.
func (c *TileCache[V]) Stats() TileStats {
	c.mu.Lock()
	entries, used := c.lru.Len(), c.used
	c.mu.Unlock()
	return TileStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Computes:  c.computes.Load(),
		Failures:  c.failures.Load(),
		Entries:   entries,
		Bytes:     used,
		Budget:    c.budget,
	}
}
