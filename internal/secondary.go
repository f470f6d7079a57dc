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

// OpenLibrary speaks the search.json grammar. It is the secondary provider:
// thinner records, no API key, and no way to fetch a single result, so it
// only serves as a fallback when the primary is unhealthy.
type OpenLibrary struct {
	upstream *http.Client
	base     string
}

var _ provider = (*OpenLibrary)(nil)

// NewOpenLibrary returns a secondary provider talking to the given API root.
func NewOpenLibrary(cfg ProviderConfig) (*OpenLibrary, error) {
	client, base, err := cfg.client("")
	if err != nil {
		return nil, fmt.Errorf("building search client: %w", err)
	}
	return &OpenLibrary{upstream: client, base: base}, nil
}

// Name reports the provider's role in the fallback chain.
func (o *OpenLibrary) Name() string { return ProviderSecondary }

// Search translates a typed query into search.json parameters. Scoped
// queries use the dedicated title/author/isbn parameters instead of q.
func (o *OpenLibrary) Search(ctx context.Context, query string, typ SearchType, limit, offset int) (*ProviderResponse, error) {
	v := url.Values{}
	switch typ {
	case SearchTitle:
		v.Set("title", query)
	case SearchAuthor:
		v.Set("author", query)
	case SearchISBN:
		v.Set("isbn", normalizeISBN(query))
	default:
		v.Set("q", query)
	}
	v.Set("limit", strconv.Itoa(limit))
	v.Set("offset", strconv.Itoa(offset))

	req, err := http.NewRequestWithContext(ctx, "GET", o.base+"/search.json?"+v.Encode(), nil)
	if err != nil {
		return nil, newProviderError(ProviderSecondary, errBadRequest, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.upstream.Do(req)
	if err != nil {
		return nil, classifyTransport(ProviderSecondary, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(ProviderSecondary, resp.StatusCode)
	}

	var search struct {
		NumFound int               `json:"numFound"`
		Docs     []json.RawMessage `json:"docs"`
	}
	if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(&search); err != nil {
		return nil, newProviderError(ProviderSecondary, errParse, err)
	}

	out := &ProviderResponse{
		Total:   max(search.NumFound, 0),
		Results: make([]SearchResult, 0, len(search.Docs)),
	}
	for _, doc := range search.Docs {
		r, err := normalize(ProviderSecondary, doc)
		if err != nil {
			Log(ctx).Debug("skipping malformed doc", "err", err)
			continue
		}
		if !usable(r) {
			continue
		}
		out.Results = append(out.Results, r)
	}
	return out, nil
}

// Hydrate is unsupported. The search documents are already everything this
// upstream will tell us.
func (o *OpenLibrary) Hydrate(ctx context.Context, providerID string) (*SearchResult, error) {
	return nil, errHydrateUnsupported
}
