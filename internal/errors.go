package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// statusErr is an error that carries an HTTP status code. The handler
// unwraps these to answer with the same code.
type statusErr int

func (e statusErr) Error() string {
	return fmt.Sprintf("%d: %s", int(e), http.StatusText(int(e)))
}

// StatusCode returns the HTTP status code to surface to the client.
func (e statusErr) StatusCode() int {
	return int(e)
}

var (
	errNotFound = statusErr(http.StatusNotFound)

	// errBreakerOpen is returned without touching the provider while its
	// breaker is shedding load.
	errBreakerOpen = errors.New("breaker open")

	// errUnavailable means every upstream failed and no stale cache entry
	// exists. The caller should add the book manually.
	errUnavailable = errors.New("search unavailable, add the book manually")

	// errHydrateUnsupported is returned by providers that cannot look up a
	// single result by its provider ID.
	errHydrateUnsupported = errors.New("hydrate not supported")
)

// errKind classifies a provider failure. The kinds double as the "kind"
// metric label, so their string values are contractual.
type errKind string

const (
	errTimeout    errKind = "timeout"
	errRateLimit  errKind = "rate_limit"
	errServer     errKind = "server"
	errBadRequest errKind = "bad_request"
	errNetwork    errKind = "network"
	errParse      errKind = "parse"

	// errRejected labels calls shed by an open breaker. Only ever a metric
	// label; providers never produce it themselves.
	errRejected errKind = "breaker_open"
)

// providerError is a classified upstream failure. The orchestrator inspects
// the kind to decide between falling back and surfacing the error as-is.
type providerError struct {
	provider string
	kind     errKind
	err      error
}

func (e *providerError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.provider, e.kind, e.err)
}

func (e *providerError) Unwrap() error { return e.err }

// transient reports whether the failure should count against the breaker
// and trigger the fallback chain. User-caused and parse failures don't.
func (e *providerError) transient() bool {
	switch e.kind {
	case errTimeout, errRateLimit, errServer, errNetwork:
		return true
	}
	return false
}

func newProviderError(provider string, kind errKind, err error) *providerError {
	return &providerError{provider: provider, kind: kind, err: err}
}

// validationError is caller-supplied bad input. Never retried, never counted
// against a breaker.
type validationError string

func (e validationError) Error() string { return string(e) }

// isBreakerFailure reports whether err should be recorded as a failure in
// the breaker's rolling window.
func isBreakerFailure(err error) bool {
	if err == nil {
		return false
	}
	var pe *providerError
	if errors.As(err, &pe) {
		return pe.transient()
	}
	// A deadline imposed at the breaker's call site, before the provider
	// got a chance to classify it.
	return errors.Is(err, context.DeadlineExceeded)
}

// HTTPStatus maps an error from the search or ingestion pipeline to the
// status code the edge should answer with.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var ve validationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest
	}

	if errors.Is(err, errUnavailable) || errors.Is(err, errBreakerOpen) {
		return http.StatusServiceUnavailable
	}

	var pe *providerError
	if errors.As(err, &pe) {
		switch pe.kind {
		case errRateLimit:
			return http.StatusTooManyRequests
		case errBadRequest:
			return http.StatusBadRequest
		case errParse:
			return http.StatusBadGateway
		case errTimeout:
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}

	var se statusErr
	if errors.As(err, &se) {
		return se.StatusCode()
	}

	return http.StatusInternalServerError
}
