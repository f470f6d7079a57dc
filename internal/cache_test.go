package internal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memSearchStore fakes the durable layer with a map.
type memSearchStore struct {
	mu        sync.Mutex
	rows      map[string]SearchCacheRow
	readErr   error
	upsertErr error
	upserts   int
}

func newMemSearchStore() *memSearchStore {
	return &memSearchStore{rows: map[string]SearchCacheRow{}}
}

func storeKey(searchKey, provider string) string { return provider + "/" + searchKey }

func (s *memSearchStore) SearchCache(_ context.Context, searchKey, provider string) (*SearchCacheRow, error) {
	if s.readErr != nil {
		return nil, s.readErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[storeKey(searchKey, provider)]
	if !ok || !row.ExpiresAt.After(time.Now()) {
		return nil, nil
	}
	return &row, nil
}

func (s *memSearchStore) SearchCacheStale(_ context.Context, searchKey, provider string) (*SearchCacheRow, error) {
	if s.readErr != nil {
		return nil, s.readErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[storeKey(searchKey, provider)]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (s *memSearchStore) UpsertSearchCache(_ context.Context, row SearchCacheRow) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[storeKey(row.SearchKey, row.Provider)] = row
	s.upserts++
	return nil
}

// expire backdates a stored row, as if its TTL had lapsed.
func (s *memSearchStore) expire(searchKey, provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.rows[storeKey(searchKey, provider)]
	row.ExpiresAt = time.Now().Add(-time.Minute)
	s.rows[storeKey(searchKey, provider)] = row
}

var _testResults = []SearchResult{{
	ProviderID: "zyTCAlFPjgYC",
	Provider:   ProviderPrimary,
	Title:      "Dune",
	Authors:    []string{"Frank Herbert"},
	ISBN13:     "9780306406157",
}}

func TestManagerWriteThrough(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newMemSearchStore()
	m := NewManager(nil, nil, store, time.Hour, time.Hour)

	hit, err := m.Get(ctx, "k1", ProviderPrimary)
	require.NoError(t, err)
	assert.Nil(t, hit)

	require.NoError(t, m.Set(ctx, "k1", ProviderPrimary, _testResults, 37, ProviderPrimary))
	assert.Equal(t, 1, store.upserts)

	hit, err = m.Get(ctx, "k1", ProviderPrimary)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, LayerL2, hit.Layer)
	assert.Equal(t, _testResults, hit.Results)
	assert.Equal(t, 37, hit.Total)
	assert.Equal(t, ProviderPrimary, hit.Source)
	assert.False(t, hit.Stale)

	// Cache identities don't bleed into each other.
	hit, err = m.Get(ctx, "k1", ProviderSecondary)
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestManagerTotalAtLeastResultCount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newMemSearchStore()
	m := NewManager(nil, nil, store, time.Hour, time.Hour)

	two := []SearchResult{{Title: "A", ProviderID: "1"}, {Title: "B", ProviderID: "2"}}
	require.NoError(t, m.Set(ctx, "k", ProviderPrimary, two, 1, ProviderPrimary))

	hit, err := m.Get(ctx, "k", ProviderPrimary)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, 2, hit.Total)
}

func TestManagerCachesEmptyResults(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newMemSearchStore()
	m := NewManager(nil, nil, store, time.Hour, time.Hour)

	// "Nothing found" is a valid answer and gets cached like any other.
	require.NoError(t, m.Set(ctx, "k", ProviderPrimary, nil, 0, ProviderPrimary))

	hit, err := m.Get(ctx, "k", ProviderPrimary)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.NotNil(t, hit.Results)
	assert.Empty(t, hit.Results)
	assert.Zero(t, hit.Total)
}

func TestManagerSourceSurvivesSubstitution(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newMemSearchStore()
	m := NewManager(nil, nil, store, time.Hour, time.Hour)

	// A secondary-sourced fill cached under the primary identity still
	// reports where the data came from.
	require.NoError(t, m.Set(ctx, "k", ProviderPrimary, _testResults, 1, ProviderSecondary))

	hit, err := m.Get(ctx, "k", ProviderPrimary)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, ProviderSecondary, hit.Source)
}

func TestManagerL1ServesWithoutStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mem, err := NewMemoryCache()
	require.NoError(t, err)
	t.Cleanup(mem.Close)

	store := newMemSearchStore()
	m := NewManager(mem, mem, store, time.Hour, time.Hour)

	require.NoError(t, m.Set(ctx, "k", ProviderPrimary, _testResults, 1, ProviderPrimary))
	mem.Wait()

	// Even with the durable row gone, L1 answers.
	store.mu.Lock()
	clear(store.rows)
	store.mu.Unlock()

	hit, err := m.Get(ctx, "k", ProviderPrimary)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, LayerL1, hit.Layer)
	assert.Equal(t, _testResults, hit.Results)
}

func TestManagerEvictsUndecodableL1(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mem, err := NewMemoryCache()
	require.NoError(t, err)
	t.Cleanup(mem.Close)

	store := newMemSearchStore()
	m := NewManager(mem, mem, store, time.Hour, time.Hour)

	require.NoError(t, m.Set(ctx, "k", ProviderPrimary, _testResults, 1, ProviderPrimary))
	mem.Wait()
	mem.Set(ctx, dataKey(ProviderPrimary, "k"), []byte("not json"), time.Hour)
	mem.Wait()

	// The corrupt L1 entry is dropped and L2 answers.
	hit, err := m.Get(ctx, "k", ProviderPrimary)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, LayerL2, hit.Layer)

	_, ok := mem.Get(ctx, dataKey(ProviderPrimary, "k"))
	assert.False(t, ok)
}

func TestManagerBackfillsL1(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mem, err := NewMemoryCache()
	require.NoError(t, err)
	t.Cleanup(mem.Close)

	store := newMemSearchStore()
	m := NewManager(mem, mem, store, time.Hour, time.Hour)
	go func() { _ = m.Run(ctx) }()

	require.NoError(t, m.Set(ctx, "k", ProviderPrimary, _testResults, 1, ProviderPrimary))
	mem.Wait()
	require.NoError(t, mem.Expire(ctx, dataKey(ProviderPrimary, "k")))

	hit, err := m.Get(ctx, "k", ProviderPrimary)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, LayerL2, hit.Layer)

	// The miss gets promoted back into L1 off the request path.
	assert.Eventually(t, func() bool {
		mem.Wait()
		_, ok := mem.Get(ctx, dataKey(ProviderPrimary, "k"))
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	hit, err = m.Get(ctx, "k", ProviderPrimary)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, LayerL1, hit.Layer)
}

func TestManagerStale(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newMemSearchStore()
	m := NewManager(nil, nil, store, time.Hour, time.Hour)

	require.NoError(t, m.Set(ctx, "k", ProviderPrimary, _testResults, 1, ProviderPrimary))

	// Fresh rows aren't stale.
	hit, err := m.GetStale(ctx, "k", ProviderPrimary)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.False(t, hit.Stale)

	store.expire("k", ProviderPrimary)

	// Past expiry the normal path misses but the stale path still serves.
	hit, err = m.Get(ctx, "k", ProviderPrimary)
	require.NoError(t, err)
	assert.Nil(t, hit)

	hit, err = m.GetStale(ctx, "k", ProviderPrimary)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.True(t, hit.Stale)
	assert.Equal(t, LayerL2, hit.Layer)
	assert.Equal(t, _testResults, hit.Results)
}

func TestManagerStoreErrorsPropagate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newMemSearchStore()
	store.readErr = errors.New("connection refused")
	m := NewManager(nil, nil, store, time.Hour, time.Hour)

	_, err := m.Get(ctx, "k", ProviderPrimary)
	assert.ErrorIs(t, err, store.readErr)

	_, err = m.GetStale(ctx, "k", ProviderPrimary)
	assert.ErrorIs(t, err, store.readErr)
}

func TestManagerLocks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mem, err := NewMemoryCache()
	require.NoError(t, err)
	t.Cleanup(mem.Close)

	m := NewManager(mem, mem, newMemSearchStore(), time.Hour, time.Hour)

	assert.True(t, m.AcquireLock(ctx, "k", ProviderPrimary))
	assert.False(t, m.AcquireLock(ctx, "k", ProviderPrimary))

	// Lock identities are per provider.
	assert.True(t, m.AcquireLock(ctx, "k", ProviderSecondary))

	m.ReleaseLock(ctx, "k", ProviderPrimary)
	assert.True(t, m.AcquireLock(ctx, "k", ProviderPrimary))
}

func TestManagerNopLocksAlwaysGrant(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewManager(nil, nil, newMemSearchStore(), time.Hour, time.Hour)

	assert.True(t, m.AcquireLock(ctx, "k", ProviderPrimary))
	assert.True(t, m.AcquireLock(ctx, "k", ProviderPrimary))
	m.ReleaseLock(ctx, "k", ProviderPrimary)
}

func TestMemoryCacheLockLease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mem, err := NewMemoryCache()
	require.NoError(t, err)
	t.Cleanup(mem.Close)

	// An abandoned lock frees itself once the lease lapses.
	assert.True(t, mem.TryLock(ctx, "x", 20*time.Millisecond))
	assert.False(t, mem.TryLock(ctx, "x", 20*time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	assert.True(t, mem.TryLock(ctx, "x", 20*time.Millisecond))
}

func TestCacheKeyLayout(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "s/primary/abc", dataKey(ProviderPrimary, "abc"))
	assert.Equal(t, "k/primary/abc", lockKey(ProviderPrimary, "abc"))
}

func TestFuzz(t *testing.T) {
	t.Parallel()

	for range 100 {
		fuzzed := fuzz(time.Hour, 1.1)
		assert.GreaterOrEqual(t, fuzzed, time.Hour)
		assert.Less(t, fuzzed, time.Hour*11/10)
	}
}
