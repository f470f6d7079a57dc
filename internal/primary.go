package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/bytedance/sonic"
)

// GoogleBooks speaks the Books API volumes grammar. It is the primary
// provider: richest records, and the only upstream that can hydrate a
// single result by its provider ID.
type GoogleBooks struct {
	upstream *http.Client
	base     string
}

var _ provider = (*GoogleBooks)(nil)

// NewGoogleBooks returns a primary provider talking to the given API root.
func NewGoogleBooks(cfg ProviderConfig) (*GoogleBooks, error) {
	client, base, err := cfg.client("key")
	if err != nil {
		return nil, fmt.Errorf("building volumes client: %w", err)
	}
	return &GoogleBooks{upstream: client, base: base}, nil
}

// Name reports the provider's role in the fallback chain.
func (g *GoogleBooks) Name() string { return ProviderPrimary }

// Search translates a typed query into the volumes grammar. Scoped queries
// use the intitle:/inauthor:/isbn: field prefixes.
func (g *GoogleBooks) Search(ctx context.Context, query string, typ SearchType, limit, offset int) (*ProviderResponse, error) {
	q := query
	switch typ {
	case SearchTitle:
		q = "intitle:" + query
	case SearchAuthor:
		q = "inauthor:" + query
	case SearchISBN:
		q = "isbn:" + normalizeISBN(query)
	}

	v := url.Values{}
	v.Set("q", q)
	v.Set("startIndex", strconv.Itoa(offset))
	v.Set("maxResults", strconv.Itoa(limit))

	var volumes struct {
		TotalItems int               `json:"totalItems"`
		Items      []json.RawMessage `json:"items"`
	}
	if err := g.get(ctx, g.base+"/volumes?"+v.Encode(), &volumes); err != nil {
		return nil, err
	}

	out := &ProviderResponse{
		Total:   max(volumes.TotalItems, 0),
		Results: make([]SearchResult, 0, len(volumes.Items)),
	}
	for _, item := range volumes.Items {
		r, err := normalize(ProviderPrimary, item)
		if err != nil {
			Log(ctx).Debug("skipping malformed volume", "err", err)
			continue
		}
		if !usable(r) {
			continue
		}
		out.Results = append(out.Results, r)
	}
	return out, nil
}

// Hydrate fetches one volume by ID.
func (g *GoogleBooks) Hydrate(ctx context.Context, providerID string) (*SearchResult, error) {
	if providerID == "" {
		return nil, validationError("provider id required")
	}

	var raw json.RawMessage
	if err := g.get(ctx, g.base+"/volumes/"+url.PathEscape(providerID), &raw); err != nil {
		return nil, err
	}

	r, err := normalize(ProviderPrimary, raw)
	if err != nil {
		return nil, newProviderError(ProviderPrimary, errParse, err)
	}
	if !usable(r) {
		return nil, errNotFound
	}
	return &r, nil
}

func (g *GoogleBooks) get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return newProviderError(ProviderPrimary, errBadRequest, err)
	}

	resp, err := g.upstream.Do(req)
	if err != nil {
		return classifyTransport(ProviderPrimary, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return classifyStatus(ProviderPrimary, resp.StatusCode)
	}

	if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(out); err != nil {
		return newProviderError(ProviderPrimary, errParse, err)
	}
	return nil
}

// usable filters out records we could never ingest or dedupe: no title, or
// nothing to identify them by.
func usable(r SearchResult) bool {
	if r.Title == "" {
		return false
	}
	return r.ISBN13 != "" || r.ISBN10 != "" || r.ProviderID != ""
}
