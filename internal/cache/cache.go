// Package cache provides the decoded tile cache shared by image servers and
// the caches for encoded tiles and object query results.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	RenderedTileSizeMB int
	RenderedTileTTL    time.Duration
	QueryCacheSize     int
}

// Manager manages encoded tile and query caches.
type Manager struct {
	tileCache  *bigcache.BigCache
	queryCache *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.RenderedTileTTL <= 0 {
		cfg.RenderedTileTTL = 10 * time.Minute
	}
	if cfg.QueryCacheSize <= 0 {
		cfg.QueryCacheSize = 1000
	}

	tileCacheConfig := bigcache.Config{
		Shards:             1024,
		LifeWindow:         cfg.RenderedTileTTL,
		CleanWindow:        cfg.RenderedTileTTL / 2,
		MaxEntriesInWindow: 100000,
		MaxEntrySize:       256 * 1024, // encoded PNG tiles with overlays
		HardMaxCacheSize:   cfg.RenderedTileSizeMB,
		Verbose:            false,
	}

	tileCache, err := bigcache.New(context.Background(), tileCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile cache: %w", err)
	}

	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		tileCache:  tileCache,
		queryCache: queryCache,
	}, nil
}

// GetTile retrieves an encoded tile from cache.
func (m *Manager) GetTile(key string) ([]byte, bool) {
	data, err := m.tileCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetTile stores an encoded tile in cache.
func (m *Manager) SetTile(key string, data []byte) error {
	return m.tileCache.Set(key, data)
}

// GetQuery retrieves a query result from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a query result in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// Reset drops every encoded tile and query result.
func (m *Manager) Reset() error {
	m.queryCache.Purge()
	return m.tileCache.Reset()
}

// RenderedTileKey generates a cache key for an encoded tile. Overlay tiles
// embed the hierarchy version so edits are never served stale.
func RenderedTileKey(slideID string, level, col, row int, overlay bool, version uint64, opts map[string]string) string {
	base := fmt.Sprintf("tile:%s:%d/%d/%d", slideID, level, col, row)
	if overlay {
		base += fmt.Sprintf(":v%d", version)
	}
	if len(opts) == 0 {
		return base
	}

	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(base))
	for _, k := range keys {
		h.Write([]byte(fmt.Sprintf("%s=%s", k, opts[k])))
	}
	return base + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// QueryKey generates a cache key for an object query at a hierarchy version.
func QueryKey(slideID string, version uint64, query string) string {
	return fmt.Sprintf("query:%s:v%d:%s", slideID, version, query)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"rendered_tile_cache_len": m.tileCache.Len(),
		"rendered_tile_cache_cap": m.tileCache.Capacity(),
		"query_cache_len":         m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.tileCache.Close()
}
