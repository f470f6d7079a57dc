package internal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// _prefAuto is the default provider preference: primary first, secondary as
// fallback, stale cache last.
const _prefAuto = "auto"

const (
	// _searchBudget is the orchestrator's own deadline when the caller
	// didn't bring one.
	_searchBudget = 3 * time.Second
	// Lock contention polling: how often and how long a non-fetching worker
	// rechecks the cache before giving up on the fetcher.
	_lockRetries    = 20
	_lockRetryDelay = 100 * time.Millisecond
)

// ControllerConfig tunes the orchestrator.
type ControllerConfig struct {
	// Breaker applies to each provider separately.
	Breaker BreakerConfig
	// Budget bounds a whole search, across providers. Zero means 3s.
	Budget time.Duration
	// NoSubstitute stops secondary answers from being cached under the
	// primary's key during fallback. Responses still degrade gracefully;
	// they just aren't reused for primary reads.
	NoSubstitute bool
}

// guarded is a provider behind its circuit breaker.
type guarded struct {
	provider
	breaker *CircuitBreaker
}

// Controller orchestrates a search: cache read, stampede lock, primary
// provider, fallback chain, cache write-through. Identical in-flight
// searches coalesce inside a singleflight group. One Controller serves all
// requests; it is safe for concurrent use.
type Controller struct {
	cache     *Manager
	primary   *guarded
	secondary *guarded // nil when only one upstream is configured

	metrics    SearchMetrics
	group      singleflight.Group
	budget     time.Duration
	substitute bool
}

// NewController wires the orchestrator. primary is required; secondary may
// be nil. Metrics are registered on reg when it's non-nil.
func NewController(cache *Manager, primary, secondary provider, cfg ControllerConfig, reg *prometheus.Registry) *Controller {
	metrics := newSearchMetrics(reg)

	guard := func(p provider) *guarded {
		if p == nil {
			return nil
		}
		bcfg := cfg.Breaker
		bcfg.OnChange = func(from, to string) {
			metrics.BreakerChange(p.Name(), from, to)
		}
		metrics.BreakerChange(p.Name(), "", BreakerClosed)
		return &guarded{provider: p, breaker: NewCircuitBreaker(bcfg)}
	}

	budget := cfg.Budget
	if budget <= 0 {
		budget = _searchBudget
	}

	return &Controller{
		cache:      cache,
		primary:    guard(primary),
		secondary:  guard(secondary),
		metrics:    metrics,
		budget:     budget,
		substitute: !cfg.NoSubstitute,
	}
}

// Search answers a query from cache if possible and from the providers if
// not. pref is "auto" (default), "primary" or "secondary"; pinning a
// provider keeps the round trip on it, with only stale cache as fallback.
func (c *Controller) Search(ctx context.Context, query string, typ SearchType, limit, offset int, pref string) (*SearchResponse, error) {
	start := time.Now()

	query, limit, offset, err := validateQuery(query, limit, offset)
	if err != nil {
		return nil, err
	}
	pref, err = c.parsePref(pref)
	if err != nil {
		return nil, err
	}

	key := searchKey(query, typ, []string{
		fmt.Sprintf("limit=%d", limit),
		fmt.Sprintf("offset=%d", offset),
	})

	// Every search gets at least the full budget. A caller deadline that is
	// already shorter still wins through cancellation.
	budget := c.budget
	if d, ok := ctx.Deadline(); ok {
		budget = max(budget, time.Until(d))
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	v, err, _ := c.group.Do(pref+" "+key, func() (any, error) {
		return c.search(ctx, key, query, typ, limit, offset, pref)
	})
	if err != nil {
		return nil, err
	}

	// The flight's response is shared; latency is per-caller.
	resp := *(v.(*SearchResponse))
	resp.LatencyMs = time.Since(start).Milliseconds()
	return &resp, nil
}

// search runs one coalesced search: cache read, stampede lock, fetch.
func (c *Controller) search(ctx context.Context, key, query string, typ SearchType, limit, offset int, pref string) (*SearchResponse, error) {
	cacheAs := ProviderPrimary
	if pref == ProviderSecondary {
		cacheAs = ProviderSecondary
	}

	if hit, err := c.cache.Get(ctx, key, cacheAs); err != nil {
		return nil, err
	} else if hit != nil {
		c.metrics.CacheHit(hit.Layer)
		return cachedResponse(hit, cacheAs), nil
	}
	c.metrics.CacheMiss()

	if c.cache.AcquireLock(ctx, key, cacheAs) {
		defer c.cache.ReleaseLock(context.WithoutCancel(ctx), key, cacheAs)

		// Someone may have filled the key between our miss and the lock.
		if hit, err := c.cache.Get(ctx, key, cacheAs); err != nil {
			return nil, err
		} else if hit != nil {
			c.metrics.CacheHit(hit.Layer)
			return cachedResponse(hit, cacheAs), nil
		}

		return c.fetch(ctx, key, query, typ, limit, offset, pref, cacheAs)
	}

	// Another worker owns the fetch. Poll for its fill.
	for range _lockRetries {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(_lockRetryDelay):
		}

		hit, err := c.cache.Get(ctx, key, cacheAs)
		if err != nil {
			return nil, err
		}
		if hit != nil {
			c.metrics.CacheHit(hit.Layer)
			return cachedResponse(hit, cacheAs), nil
		}
	}

	Log(ctx).Warn("stampede lock never filled, fetching unguarded", "searchKey", key)
	return c.fetch(ctx, key, query, typ, limit, offset, pref, cacheAs)
}

// fetch is the provider leg: first choice, fallback, stale cache, then
// defeat. Successful responses are written through the cache before they
// are returned; the durable write must succeed.
func (c *Controller) fetch(ctx context.Context, key, query string, typ SearchType, limit, offset int, pref, cacheAs string) (*SearchResponse, error) {
	first := c.primary
	if pref == ProviderSecondary {
		first = c.secondary
	}

	resp, err := c.call(ctx, first, query, typ, limit, offset)
	if err == nil {
		// Cache writes already in flight finish even if the caller hung up.
		wctx := context.WithoutCancel(ctx)
		if werr := c.cache.Set(wctx, key, cacheAs, resp.Results, resp.Total, first.Name()); werr != nil {
			return nil, werr
		}
		return &SearchResponse{
			Results:      resp.Results,
			Total:        resp.Total,
			CacheHit:     LayerMiss,
			ProviderUsed: first.Name(),
		}, nil
	}

	if !fallbackWorthy(err) {
		// The query itself is bad; it would fail anywhere.
		return nil, err
	}

	if pref == _prefAuto && c.secondary != nil {
		sresp, serr := c.call(ctx, c.secondary, query, typ, limit, offset)
		if serr == nil {
			if c.substitute {
				wctx := context.WithoutCancel(ctx)
				if werr := c.cache.Set(wctx, key, cacheAs, sresp.Results, sresp.Total, c.secondary.Name()); werr != nil {
					return nil, werr
				}
			}
			c.metrics.Degraded()
			Log(ctx).Warn("primary provider unavailable, served by secondary", "err", err)
			return &SearchResponse{
				Results:      sresp.Results,
				Total:        sresp.Total,
				CacheHit:     LayerMiss,
				Degraded:     true,
				ProviderUsed: c.secondary.Name(),
			}, nil
		}
		Log(ctx).Warn("secondary provider also failed", "err", serr)
	}

	if stale, serr := c.cache.GetStale(ctx, key, cacheAs); serr == nil && stale != nil {
		c.metrics.Degraded()
		Log(ctx).Warn("serving stale results, no provider available", "searchKey", key, "err", err)
		out := cachedResponse(stale, cacheAs)
		out.Degraded = true
		return out, nil
	}

	return nil, fmt.Errorf("%w: %w", errUnavailable, err)
}

// call runs one provider search under its breaker and records the outcome.
func (c *Controller) call(ctx context.Context, g *guarded, query string, typ SearchType, limit, offset int) (*ProviderResponse, error) {
	start := time.Now()
	resp, err := breakerDo(ctx, g.breaker, func(ctx context.Context) (*ProviderResponse, error) {
		return g.Search(ctx, query, typ, limit, offset)
	})
	if err != nil {
		c.metrics.ProviderError(g.Name(), kindOf(err))
		return nil, err
	}
	c.metrics.ProviderLatency(g.Name(), time.Since(start))
	return resp, nil
}

// Hydrate fetches the full record behind one search result, through the
// provider's breaker. Ingestion uses it to enrich sparse results before
// they're persisted.
func (c *Controller) Hydrate(ctx context.Context, providerName, providerID string) (*SearchResult, error) {
	var g *guarded
	switch {
	case providerName == c.primary.Name():
		g = c.primary
	case c.secondary != nil && providerName == c.secondary.Name():
		g = c.secondary
	default:
		return nil, validationError(fmt.Sprintf("unknown provider %q", providerName))
	}

	start := time.Now()
	res, err := breakerDo(ctx, g.breaker, func(ctx context.Context) (*SearchResult, error) {
		return g.provider.Hydrate(ctx, providerID)
	})
	if err != nil {
		if !errors.Is(err, errHydrateUnsupported) {
			c.metrics.ProviderError(g.Name(), kindOf(err))
		}
		return nil, err
	}
	c.metrics.ProviderLatency(g.Name(), time.Since(start))
	return res, nil
}

func (c *Controller) parsePref(pref string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(pref)) {
	case "", _prefAuto:
		return _prefAuto, nil
	case ProviderPrimary:
		return ProviderPrimary, nil
	case ProviderSecondary:
		if c.secondary == nil {
			return "", validationError("no secondary provider is configured")
		}
		return ProviderSecondary, nil
	}
	return "", validationError(fmt.Sprintf("unknown provider %q", pref))
}

// fallbackWorthy reports whether a failure justifies trying another source.
// Permanent failures mean the query itself is bad and would fail anywhere.
func fallbackWorthy(err error) bool {
	var pe *providerError
	if errors.As(err, &pe) {
		return pe.transient()
	}
	return errors.Is(err, errBreakerOpen) || errors.Is(err, context.DeadlineExceeded)
}

// kindOf labels a failed call for the provider-errors metric.
func kindOf(err error) errKind {
	var pe *providerError
	if errors.As(err, &pe) {
		return pe.kind
	}
	if errors.Is(err, errBreakerOpen) {
		return errRejected
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errTimeout
	}
	return errServer
}

func cachedResponse(hit *CachedResults, cacheAs string) *SearchResponse {
	source := hit.Source
	if source == "" {
		source = cacheAs
	}
	return &SearchResponse{
		Results:      hit.Results,
		Total:        hit.Total,
		CacheHit:     hit.Layer,
		Degraded:     hit.Stale,
		ProviderUsed: source,
	}
}
