package internal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"
)

// SearchType selects which provider search grammar a query uses.
type SearchType string

const (
	SearchGeneral SearchType = "general"
	SearchTitle   SearchType = "title"
	SearchAuthor  SearchType = "author"
	SearchISBN    SearchType = "isbn"
)

var _searchTypes = newSet(SearchGeneral, SearchTitle, SearchAuthor, SearchISBN)

// ParseSearchType maps the wire value to a SearchType. Empty means general.
func ParseSearchType(s string) (SearchType, error) {
	if s == "" {
		return SearchGeneral, nil
	}
	typ := SearchType(strings.ToLower(s))
	if _, ok := _searchTypes[typ]; !ok {
		return "", validationError(fmt.Sprintf("unknown search type %q", s))
	}
	return typ, nil
}

const (
	_minQueryLen  = 2
	_maxQueryLen  = 500
	_maxLimit     = 40
	_defaultLimit = 20
)

// validateQuery normalizes and bounds-checks the caller's search input.
// Zero limit gets the default.
func validateQuery(query string, limit, offset int) (string, int, int, error) {
	query = strings.TrimSpace(query)
	runes := utf8.RuneCountInString(query)
	if runes < _minQueryLen {
		return "", 0, 0, validationError("query must be at least 2 characters")
	}
	if runes > _maxQueryLen {
		return "", 0, 0, validationError("query must be at most 500 characters")
	}
	if limit == 0 {
		limit = _defaultLimit
	}
	if limit < 1 || limit > _maxLimit {
		return "", 0, 0, validationError(fmt.Sprintf("limit must be between 1 and %d", _maxLimit))
	}
	if offset < 0 {
		return "", 0, 0, validationError("offset must not be negative")
	}
	return query, limit, offset, nil
}

// ProviderResponse is one provider's answer to a search, already normalized
// into the canonical result shape.
type ProviderResponse struct {
	// Total is the provider's estimate of all matches, not just this page.
	Total   int
	Results []SearchResult
}

// provider is an upstream metadata source. Implementations translate our
// query grammar into theirs and normalize what comes back. All errors are
// *providerError so callers can classify them.
type provider interface {
	Name() string
	Search(ctx context.Context, query string, typ SearchType, limit, offset int) (*ProviderResponse, error)
	// Hydrate fetches the full record behind one search result. Providers
	// without a per-record endpoint return errHydrateUnsupported.
	Hydrate(ctx context.Context, providerID string) (*SearchResult, error)
}

// ProviderConfig carries everything needed to talk to an upstream.
type ProviderConfig struct {
	// BaseURL is the provider's API root, e.g. "https://www.googleapis.com/books/v1".
	BaseURL string
	// APIKey is optional. Providers that don't take one ignore it.
	APIKey string
	// UserAgent identifies us upstream.
	UserAgent string
	// Timeout bounds each round trip. This is the breaker's timeout budget,
	// enforced at the client so a slow upstream can't hold a request open.
	Timeout time.Duration
	// RPS throttles outbound requests. Zero means 1.
	RPS int
}

// client assembles the transport stack for a provider: throttled, pinned to
// the provider's host, with our User-Agent and any API key attached.
func (c ProviderConfig) client(apiKeyParam string) (*http.Client, string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("parsing base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, "", fmt.Errorf("base url %q needs a scheme and host", c.BaseURL)
	}

	rps := c.RPS
	if rps <= 0 {
		rps = 1
	}

	var transport http.RoundTripper = scopedTransport{
		scheme:       u.Scheme,
		host:         u.Host,
		RoundTripper: http.DefaultTransport,
	}
	if c.UserAgent != "" {
		transport = headerTransport{
			key:          "User-Agent",
			value:        c.UserAgent,
			RoundTripper: transport,
		}
	}
	if c.APIKey != "" && apiKeyParam != "" {
		transport = queryTransport{
			key:          apiKeyParam,
			value:        c.APIKey,
			RoundTripper: transport,
		}
	}
	transport = throttledTransport{
		RoundTripper: transport,
		Limiter:      rate.NewLimiter(rate.Limit(rps), rps),
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 2500 * time.Millisecond
	}

	return &http.Client{Transport: transport, Timeout: timeout}, strings.TrimSuffix(u.Path, "/"), nil
}

// classifyTransport wraps a failed round trip. Deadline overruns are
// timeouts, everything else is a network failure.
func classifyTransport(name string, err error) *providerError {
	if errors.Is(err, context.DeadlineExceeded) {
		return newProviderError(name, errTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return newProviderError(name, errTimeout, err)
	}
	return newProviderError(name, errNetwork, err)
}

// classifyStatus maps a non-200 provider response to an error kind. 403
// counts as rate limiting because that's how quota exhaustion surfaces on
// keyed APIs.
func classifyStatus(name string, status int) *providerError {
	err := fmt.Errorf("upstream status %d", status)
	switch {
	case status == http.StatusForbidden || status == http.StatusTooManyRequests:
		return newProviderError(name, errRateLimit, err)
	case status >= 500:
		return newProviderError(name, errServer, err)
	default:
		return newProviderError(name, errBadRequest, err)
	}
}
