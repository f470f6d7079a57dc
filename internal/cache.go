package internal

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dgraph-io/ristretto"
	gocache "github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	ristretto_store "github.com/eko/gocache/store/ristretto/v4"
)

// Cache layers. They double as the "layer" metric label. LayerMiss marks a
// response that went all the way to a provider.
const (
	LayerL1   = "l1"
	LayerL2   = "l2"
	LayerMiss = "miss"
)

// _lockLease is how long a stampede lock protects a key before it is
// presumed abandoned.
const _lockLease = 10 * time.Second

// cache is a TTL'd key/value store. Implementations swallow their own
// infrastructure failures; a broken cache behaves like an empty one.
type cache[V any] interface {
	Get(ctx context.Context, key string) (V, bool)
	GetWithTTL(ctx context.Context, key string) (V, time.Duration, bool)
	Set(ctx context.Context, key string, value V, ttl time.Duration)
	Expire(ctx context.Context, key string) error
}

// locker is set-if-absent locking for stampede protection. Implementations
// fail open: when the lock backend is unreachable it's better to let
// callers through than to wedge every search.
type locker interface {
	TryLock(ctx context.Context, key string, lease time.Duration) bool
	Unlock(ctx context.Context, key string)
}

// Cache key layout: "s/" holds result payloads, "k/" holds stampede locks.
func dataKey(provider, searchKey string) string { return "s/" + provider + "/" + searchKey }
func lockKey(provider, searchKey string) string { return "k/" + provider + "/" + searchKey }

// fuzz widens d by up to (factor-1)x so entries written together don't all
// expire together.
func fuzz(d time.Duration, factor float64) time.Duration {
	return time.Duration(float64(d) * (1 + rand.Float64()*(factor-1)))
}

// SearchCacheRow mirrors one book_search_cache row.
type SearchCacheRow struct {
	SearchKey   string
	Provider    string
	ResultCount int
	Results     []byte
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// searchStore is the durable layer under the Manager.
type searchStore interface {
	// SearchCache returns the unexpired row for (searchKey, provider), or
	// nil if there isn't one.
	SearchCache(ctx context.Context, searchKey, provider string) (*SearchCacheRow, error)
	// SearchCacheStale is SearchCache without the expiry filter.
	SearchCacheStale(ctx context.Context, searchKey, provider string) (*SearchCacheRow, error)
	UpsertSearchCache(ctx context.Context, row SearchCacheRow) error
}

// cachedPayload is the serialized form stored in both layers. Source
// survives cross-provider substitution: a secondary-sourced fill cached
// under the primary's key still reports where it came from.
type cachedPayload struct {
	Source  string         `json:"source"`
	Total   int            `json:"total"`
	Results []SearchResult `json:"results"`
}

// CachedResults is a cache readback, tagged with the layer that served it.
type CachedResults struct {
	Results []SearchResult
	Total   int
	Source  string
	Layer   string
	Stale   bool
}

// Manager layers an optional fast cache over the durable search cache
// table. Reads promote L2 hits into L1 off the request path.
type Manager struct {
	l1    cache[[]byte]
	locks locker
	store searchStore

	l1TTL time.Duration
	l2TTL time.Duration

	fills    chan fill
	buffered <-chan fill
}

// NewManager assembles the cache hierarchy. l1 and locks may be nil when no
// fast layer is configured; reads then go straight to the store and
// stampede locking grants everyone the lock.
func NewManager(l1 cache[[]byte], locks locker, store searchStore, l1TTL, l2TTL time.Duration) *Manager {
	if l1 == nil {
		l1 = nopCache[[]byte]{}
	}
	if locks == nil {
		locks = nopLocker{}
	}
	if l1TTL <= 0 {
		l1TTL = 12 * time.Hour
	}
	if l2TTL <= 0 {
		l2TTL = 30 * 24 * time.Hour
	}

	m := &Manager{
		l1:    l1,
		locks: locks,
		store: store,
		l1TTL: l1TTL,
		l2TTL: l2TTL,
		fills: make(chan fill),
	}
	m.buffered = accumulate(m.fills, &fillbuf{})
	return m
}

// Run applies buffered L1 backfills until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-m.buffered:
			m.l1.Set(ctx, f.key, f.val, f.ttl)
		}
	}
}

// Get tries L1 then L2. A nil result is a miss. L2 hits are backfilled
// into L1 asynchronously.
func (m *Manager) Get(ctx context.Context, searchKey, provider string) (*CachedResults, error) {
	key := dataKey(provider, searchKey)
	if raw, ttl, ok := m.l1.GetWithTTL(ctx, key); ok && ttl > 0 {
		var payload cachedPayload
		if err := sonic.ConfigStd.Unmarshal(raw, &payload); err != nil {
			Log(ctx).Warn("evicting undecodable cache entry", "key", key, "err", err)
			_ = m.l1.Expire(ctx, key)
		} else {
			return fromPayload(payload, LayerL1, false), nil
		}
	}

	row, err := m.store.SearchCache(ctx, searchKey, provider)
	if err != nil {
		return nil, fmt.Errorf("reading search cache: %w", err)
	}
	if row == nil {
		return nil, nil
	}

	var payload cachedPayload
	if err := sonic.ConfigStd.Unmarshal(row.Results, &payload); err != nil {
		return nil, fmt.Errorf("decoding cached results: %w", err)
	}

	// Don't let the L1 copy outlive the row it came from.
	if ttl := min(fuzz(m.l1TTL, 1.1), time.Until(row.ExpiresAt)); ttl > 0 {
		m.fills <- fill{key: key, val: row.Results, ttl: ttl}
	}

	return fromPayload(payload, LayerL2, false), nil
}

func fromPayload(p cachedPayload, layer string, stale bool) *CachedResults {
	if p.Results == nil {
		p.Results = []SearchResult{}
	}
	return &CachedResults{
		Results: p.Results,
		Total:   max(p.Total, len(p.Results)),
		Source:  p.Source,
		Layer:   layer,
		Stale:   stale,
	}
}

// Set writes both layers. The L2 upsert must succeed; L1 failures are the
// cache's own problem. source records which provider actually produced the
// results, which can differ from the cache identity under substitution.
func (m *Manager) Set(ctx context.Context, searchKey, provider string, results []SearchResult, total int, source string) error {
	raw, err := sonic.ConfigStd.Marshal(cachedPayload{
		Source:  source,
		Total:   max(total, len(results)),
		Results: results,
	})
	if err != nil {
		return fmt.Errorf("encoding results: %w", err)
	}

	now := time.Now()
	err = m.store.UpsertSearchCache(ctx, SearchCacheRow{
		SearchKey:   searchKey,
		Provider:    provider,
		ResultCount: len(results),
		Results:     raw,
		ExpiresAt:   now.Add(m.l2TTL),
		CreatedAt:   now,
	})
	if err != nil {
		return fmt.Errorf("writing search cache: %w", err)
	}

	m.l1.Set(ctx, dataKey(provider, searchKey), raw, fuzz(m.l1TTL, 1.1))
	return nil
}

// GetStale returns the L2 entry even past its expiry. Degraded fallback
// only; everything else goes through Get.
func (m *Manager) GetStale(ctx context.Context, searchKey, provider string) (*CachedResults, error) {
	row, err := m.store.SearchCacheStale(ctx, searchKey, provider)
	if err != nil {
		return nil, fmt.Errorf("reading stale search cache: %w", err)
	}
	if row == nil {
		return nil, nil
	}

	var payload cachedPayload
	if err := sonic.ConfigStd.Unmarshal(row.Results, &payload); err != nil {
		return nil, fmt.Errorf("decoding cached results: %w", err)
	}

	return fromPayload(payload, LayerL2, row.ExpiresAt.Before(time.Now())), nil
}

// AcquireLock makes the caller the fetcher for this key if nobody else is.
func (m *Manager) AcquireLock(ctx context.Context, searchKey, provider string) bool {
	return m.locks.TryLock(ctx, lockKey(provider, searchKey), _lockLease)
}

// ReleaseLock gives the key up after the fetch settles, success or failure.
func (m *Manager) ReleaseLock(ctx context.Context, searchKey, provider string) {
	m.locks.Unlock(ctx, lockKey(provider, searchKey))
}

// MemoryCache is the in-process L1, a ristretto cache with a mutex-guarded
// lease table bolted on for stampede locks. It's the default when no shared
// L1 is configured; locks then only coordinate within this process.
type MemoryCache struct {
	cc *gocache.Cache[[]byte]
	rc *ristretto.Cache

	mu    sync.Mutex
	locks map[string]time.Time
}

var (
	_ cache[[]byte] = (*MemoryCache)(nil)
	_ locker        = (*MemoryCache)(nil)
)

func NewMemoryCache() (*MemoryCache, error) {
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     256 << 20, // Result payloads are costed by size.
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("building ristretto cache: %w", err)
	}

	return &MemoryCache{
		cc:    gocache.New[[]byte](ristretto_store.NewRistretto(rc)),
		rc:    rc,
		locks: map[string]time.Time{},
	}, nil
}

func (m *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool) {
	v, err := m.cc.Get(ctx, key)
	return v, err == nil && v != nil
}

func (m *MemoryCache) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, bool) {
	v, ttl, err := m.cc.GetWithTTL(ctx, key)
	return v, ttl, err == nil && v != nil
}

func (m *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	err := m.cc.Set(ctx, key, value,
		store.WithCost(max(int64(len(value)), 1)),
		store.WithExpiration(ttl),
	)
	if err != nil {
		Log(ctx).Debug("problem writing to memory cache", "key", key, "err", err)
	}
}

func (m *MemoryCache) Expire(ctx context.Context, key string) error {
	return m.cc.Delete(ctx, key)
}

// Wait blocks until buffered writes are visible. Ristretto applies sets
// asynchronously; tests need a flush point.
func (m *MemoryCache) Wait() { m.rc.Wait() }

func (m *MemoryCache) Close() { m.rc.Close() }

func (m *MemoryCache) TryLock(_ context.Context, key string, lease time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if until, held := m.locks[key]; held && now.Before(until) {
		return false
	}
	m.locks[key] = now.Add(lease)
	return true
}

func (m *MemoryCache) Unlock(_ context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
}

// nopCache is the L1 stand-in when none is configured.
type nopCache[V any] struct{}

var _ cache[[]byte] = nopCache[[]byte]{}

func (nopCache[V]) Get(context.Context, string) (V, bool) {
	var v V
	return v, false
}

func (nopCache[V]) GetWithTTL(context.Context, string) (V, time.Duration, bool) {
	var v V
	return v, 0, false
}

func (nopCache[V]) Set(context.Context, string, V, time.Duration) {}

func (nopCache[V]) Expire(context.Context, string) error { return nil }

// nopLocker grants every lock. With no shared L1 there is nothing to
// coordinate on.
type nopLocker struct{}

var _ locker = nopLocker{}

func (nopLocker) TryLock(context.Context, string, time.Duration) bool { return true }

func (nopLocker) Unlock(context.Context, string) {}
