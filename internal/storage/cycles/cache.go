package cycles

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"upcycle/internal/domain"
)

// Cache is an optional read layer in front of the durable store. Cache
// failures are soft: the cached store logs them and falls through to the
// durable backend. A stale hit cannot corrupt state because saves CAS on
// the durable store's version token, never the cache's.
type Cache interface {
	Get(market string) (*domain.TradingCycle, uint64, bool, error)
	Set(market string, cycle *domain.TradingCycle, version uint64) error
	Invalidate(market string) error
}

type cacheEntry struct {
	cycle   *domain.TradingCycle
	version uint64
}

// MemoryCache is a process-local cycle cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]cacheEntry)}
}

func (c *MemoryCache) Get(market string) (*domain.TradingCycle, uint64, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[market]
	if !ok {
		return nil, 0, false, nil
	}
	return e.cycle.Clone(), e.version, true, nil
}

func (c *MemoryCache) Set(market string, cycle *domain.TradingCycle, version uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[market] = cacheEntry{cycle: cycle.Clone(), version: version}
	return nil
}

func (c *MemoryCache) Invalidate(market string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, market)
	return nil
}

// CachedStore wraps a durable Store with a read-through cache.
type CachedStore struct {
	store  Store
	cache  Cache
	logger *zap.Logger
}

func NewCachedStore(store Store, cache Cache, logger *zap.Logger) *CachedStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedStore{store: store, cache: cache, logger: logger}
}

func (s *CachedStore) Load(ctx context.Context, market string) (*domain.TradingCycle, uint64, error) {
	cycle, version, ok, err := s.cache.Get(market)
	if err != nil {
		s.logger.Warn("cycle cache read failed, falling back to store",
			zap.Error(err), zap.String("market", market))
	} else if ok {
		return cycle, version, nil
	}

	cycle, version, err = s.store.Load(ctx, market)
	if err != nil {
		return nil, 0, err
	}
	if cacheErr := s.cache.Set(market, cycle, version); cacheErr != nil {
		s.logger.Warn("cycle cache fill failed",
			zap.Error(cacheErr), zap.String("market", market))
	}
	return cycle, version, nil
}

func (s *CachedStore) Save(ctx context.Context, market string, cycle *domain.TradingCycle, expectedVersion uint64) (uint64, error) {
	newVersion, err := s.store.Save(ctx, market, cycle, expectedVersion)
	if err != nil {
		// the cached copy may be stale after a conflict, drop it.
		if invErr := s.cache.Invalidate(market); invErr != nil {
			s.logger.Warn("cycle cache invalidation failed",
				zap.Error(invErr), zap.String("market", market))
		}
		return 0, err
	}

	if cacheErr := s.cache.Set(market, cycle, newVersion); cacheErr != nil {
		s.logger.Warn("cycle cache update failed",
			zap.Error(cacheErr), zap.String("market", market))
	}
	return newVersion, nil
}

func (s *CachedStore) ListActiveMarkets(ctx context.Context) ([]string, error) {
	// listing always hits the durable store, it is the source of truth for
	// which markets participate in ticks.
	return s.store.ListActiveMarkets(ctx)
}
