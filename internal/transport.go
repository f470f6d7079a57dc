package internal

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// throttledTransport rate limits outbound requests to a provider.
type throttledTransport struct {
	http.RoundTripper
	*rate.Limiter
}

func (t throttledTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if err := t.Limiter.Wait(r.Context()); err != nil {
		return nil, err
	}
	resp, err := t.RoundTripper.RoundTrip(r)
	if err != nil {
		return nil, err
	}

	// Back off for a minute if the provider says we're over quota.
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		Log(r.Context()).Warn("backing off after quota response", "status", resp.StatusCode, "limit", t.Limiter.Limit())
		orig := t.Limiter.Limit()
		t.Limiter.SetLimit(rate.Every(time.Hour / 60))          // 1RPM
		t.Limiter.SetLimitAt(time.Now().Add(time.Minute), orig) // Restore
	}

	return resp, nil
}

// scopedTransport pins requests to one scheme and host, so redirects can't
// send credentials elsewhere.
type scopedTransport struct {
	scheme string
	host   string
	http.RoundTripper
}

func (t scopedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.URL.Scheme = t.scheme
	r.URL.Host = t.host
	return t.RoundTripper.RoundTrip(r)
}

// headerTransport sets a header on all requests. Best used with a
// scopedTransport.
type headerTransport struct {
	key   string
	value string
	http.RoundTripper
}

func (t headerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.Header.Set(t.key, t.value)
	return t.RoundTripper.RoundTrip(r)
}

// queryTransport adds a query parameter to all requests, for providers that
// take their API key in the URL. Best used with a scopedTransport.
type queryTransport struct {
	key   string
	value string
	http.RoundTripper
}

func (t queryTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	// The key rides on a clone. Mutating the caller's URL would put it in
	// http.Client error text, which reaches logs and response bodies.
	r = r.Clone(r.Context())
	q := r.URL.Query()
	q.Set(t.key, t.value)
	r.URL.RawQuery = q.Encode()
	return t.RoundTripper.RoundTrip(r)
}
