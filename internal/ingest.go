package internal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// ingestStore is the transactional write surface of the store. A lookup with
// no match returns (nil, nil).
type ingestStore interface {
	InsertBook(ctx context.Context, b *Book) error
	EditionByISBN13(ctx context.Context, bookID uuid.UUID, isbn13 string) (*BookEdition, error)
	EditionByISBN10(ctx context.Context, bookID uuid.UUID, isbn10 string) (*BookEdition, error)
	EditionByProviderID(ctx context.Context, bookID uuid.UUID, providerID string) (*BookEdition, error)
	InsertEdition(ctx context.Context, e *BookEdition) error
	InsertMetadataSource(ctx context.Context, src *BookMetadataSource) error
	InsertReadingEntry(ctx context.Context, entry *ReadingEntry) error
	InsertOverride(ctx context.Context, o *ReadingEntryOverride) error
}

// ingestDB opens transactions over an ingestStore. Implemented by Store.
type ingestDB interface {
	InTx(ctx context.Context, fn func(tx ingestStore) error) error
}

// hydrator fetches the full record behind one search result. Implemented by
// Controller; nil disables enrichment.
type hydrator interface {
	Hydrate(ctx context.Context, providerName, providerID string) (*SearchResult, error)
}

// errDuplicateFound aborts an ingestion transaction once a mid-flight
// duplicate turns up. The match itself travels out of band.
var errDuplicateFound = errors.New("duplicate found mid-ingestion")

// IngestOptions carries the optional parts of an ingestion request.
type IngestOptions struct {
	// Overrides are per-reader field replacements, keyed by field name.
	Overrides map[string]string
	// Format is the edition format the reader holds. Applied only when the
	// ingestion creates a fresh edition; reused editions keep theirs.
	Format string
	// Force ingests even when the detector reports a duplicate, attaching
	// the reading entry to the existing book instead of creating a second
	// canonical copy.
	Force bool
}

// Ingester turns a chosen search result into canonical rows: book, edition,
// provenance, the reader's entry, and any field overrides. Everything is
// written in one transaction; a failure at any step leaves no rows behind.
type Ingester struct {
	db      ingestDB
	detect  *Detector
	hydrate hydrator
	metrics IngestMetrics

	now func() time.Time
}

// NewIngester wires the ingestion service. hydrate may be nil to skip
// enrichment. Metrics are registered on reg when it's non-nil.
func NewIngester(db ingestDB, detect *Detector, hydrate hydrator, reg *prometheus.Registry) *Ingester {
	return &Ingester{
		db:      db,
		detect:  detect,
		hydrate: hydrate,
		metrics: newIngestMetrics(reg),
		now:     time.Now,
	}
}

// AddFromSearchResult adds res to readerID's shelf with the given entry
// status. A detected duplicate comes back as IngestionResult.Duplicate with
// nothing written, unless opts.Force attaches the entry to the existing book.
func (ing *Ingester) AddFromSearchResult(ctx context.Context, readerID uuid.UUID, res SearchResult, status string, opts IngestOptions) (*IngestionResult, error) {
	if readerID == uuid.Nil {
		return nil, validationError("reader id is required")
	}
	res.Title = strings.TrimSpace(res.Title)
	if res.Title == "" {
		return nil, validationError("search result is missing a title")
	}
	if _, ok := _entryStatuses[status]; !ok {
		return nil, validationError(fmt.Sprintf("unknown status %q", status))
	}
	if opts.Format != "" {
		if _, ok := _formats[opts.Format]; !ok {
			return nil, validationError(fmt.Sprintf("unknown format %q", opts.Format))
		}
	}
	if err := validateOverrides(opts.Overrides); err != nil {
		return nil, err
	}
	if res.Provider == "" {
		res.Provider = ProviderManual
	}
	switch res.Provider {
	case ProviderPrimary, ProviderSecondary, ProviderManual:
	default:
		return nil, validationError(fmt.Sprintf("unknown provider %q", res.Provider))
	}

	res = ing.enrich(ctx, res)

	// ISBNs that are present must be real; detection tolerates junk, but we
	// won't persist it.
	if res.ISBN13 != "" {
		res.ISBN13 = normalizeISBN(res.ISBN13)
		if !validISBN13(res.ISBN13) {
			return nil, validationError(fmt.Sprintf("invalid isbn13 %q", res.ISBN13))
		}
	}
	if res.ISBN10 != "" {
		res.ISBN10 = normalizeISBN(res.ISBN10)
		if !validISBN10(res.ISBN10) {
			return nil, validationError(fmt.Sprintf("invalid isbn10 %q", res.ISBN10))
		}
	}
	if res.ISBN13 == "" && res.ISBN10 == "" && res.ProviderID == "" {
		return nil, validationError("search result carries no isbn or provider id")
	}

	match, err := ing.detect.Detect(ctx, res)
	if err != nil {
		return nil, err
	}
	if match.MatchType != MatchNone && !opts.Force {
		ing.metrics.Duplicate(match.MatchType)
		return &IngestionResult{Duplicate: &match}, nil
	}

	payload, err := sonic.ConfigStd.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	digest := sha256.Sum256(payload)

	now := ing.now().UTC()

	var out IngestionResult
	var dup *DuplicateMatch

	err = ing.db.InTx(ctx, func(tx ingestStore) error {
		book := match.ExistingBook
		if book == nil {
			book = bookFromResult(res, now)
			if err := tx.InsertBook(ctx, book); err != nil {
				return err
			}
		}

		edition, err := ing.resolveEdition(ctx, tx, book.ID, res, opts.Format, now)
		if errors.Is(err, errEditionExists) {
			// The ISBN landed under some other book after our duplicate
			// check. Whoever holds it now is the duplicate.
			rematch, derr := ing.detect.Detect(ctx, res)
			if derr != nil {
				return derr
			}
			if rematch.MatchType != MatchNone {
				dup = &rematch
				return errDuplicateFound
			}
			return fmt.Errorf("resolving edition: %w", err)
		}
		if err != nil {
			return err
		}

		if err := tx.InsertMetadataSource(ctx, &BookMetadataSource{
			ID:                uuid.New(),
			BookEditionID:     edition.ID,
			Provider:          res.Provider,
			ProviderRequestID: res.ProviderID,
			FetchedAt:         now,
			PayloadHash:       hex.EncodeToString(digest[:]),
			RawPayload:        payload,
			CreatedAt:         now,
		}); err != nil {
			return err
		}

		entry := &ReadingEntry{
			ID:            uuid.New(),
			ReaderID:      readerID,
			BookID:        book.ID,
			BookEditionID: edition.ID,
			Status:        status,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.InsertReadingEntry(ctx, entry); err != nil {
			if errors.Is(err, errEntryExists) {
				dup = &DuplicateMatch{MatchType: MatchReaderEntry, Confidence: 1.0, ExistingBook: book}
				return errDuplicateFound
			}
			return err
		}

		for _, field := range slices.Sorted(maps.Keys(opts.Overrides)) {
			if err := tx.InsertOverride(ctx, &ReadingEntryOverride{
				ID:             uuid.New(),
				ReadingEntryID: entry.ID,
				FieldName:      field,
				OverrideValue:  opts.Overrides[field],
				CreatedAt:      now,
				UpdatedAt:      now,
			}); err != nil {
				return err
			}
		}

		out = IngestionResult{Book: book, Edition: edition, ReadingEntry: entry}
		return nil
	})
	if errors.Is(err, errDuplicateFound) {
		ing.metrics.Duplicate(dup.MatchType)
		return &IngestionResult{Duplicate: dup}, nil
	}
	if err != nil {
		return nil, err
	}

	ing.metrics.Created()
	Log(ctx).Info("ingested book",
		"bookID", out.Book.ID, "editionID", out.Edition.ID,
		"readerID", readerID, "provider", res.Provider)
	return &out, nil
}

// resolveEdition reuses the book's edition matching the result's identifiers
// or inserts a fresh one. Losing an insert race re-reads exactly once;
// errEditionExists after that means the identifier belongs to another book.
func (ing *Ingester) resolveEdition(ctx context.Context, tx ingestStore, bookID uuid.UUID, res SearchResult, format string, now time.Time) (*BookEdition, error) {
	lookup := func() (*BookEdition, error) {
		if res.ISBN13 != "" {
			if e, err := tx.EditionByISBN13(ctx, bookID, res.ISBN13); e != nil || err != nil {
				return e, err
			}
		}
		if res.ISBN10 != "" {
			if e, err := tx.EditionByISBN10(ctx, bookID, res.ISBN10); e != nil || err != nil {
				return e, err
			}
		}
		if res.ProviderID != "" {
			if e, err := tx.EditionByProviderID(ctx, bookID, res.ProviderID); e != nil || err != nil {
				return e, err
			}
		}
		return nil, nil
	}

	if e, err := lookup(); err != nil {
		return nil, err
	} else if e != nil {
		return e, nil
	}

	edition := &BookEdition{
		ID:            uuid.New(),
		BookID:        bookID,
		ISBN10:        res.ISBN10,
		ISBN13:        res.ISBN13,
		Format:        format,
		CoverImageURL: res.CoverImageURL,
		ProviderID:    res.ProviderID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := tx.InsertEdition(ctx, edition)
	if err == nil {
		return edition, nil
	}
	if !errors.Is(err, errEditionExists) {
		return nil, err
	}

	if e, lerr := lookup(); lerr != nil {
		return nil, lerr
	} else if e != nil {
		return e, nil
	}
	return nil, err
}

// enrich asks the provider for the full record when the result looks sparse.
// Best-effort: any failure keeps the result as it came in.
func (ing *Ingester) enrich(ctx context.Context, res SearchResult) SearchResult {
	if ing.hydrate == nil || res.ProviderID == "" {
		return res
	}
	if res.Provider != ProviderPrimary && res.Provider != ProviderSecondary {
		return res
	}
	if res.Description != "" && res.PageCount > 0 && (res.ISBN13 != "" || res.ISBN10 != "") {
		return res
	}

	full, err := ing.hydrate.Hydrate(ctx, res.Provider, res.ProviderID)
	if err != nil {
		if !errors.Is(err, errHydrateUnsupported) {
			Log(ctx).Debug("hydrate failed, ingesting the sparse result", "provider", res.Provider, "err", err)
		}
		return res
	}

	if res.Description == "" {
		res.Description = full.Description
	}
	if res.PageCount == 0 {
		res.PageCount = full.PageCount
	}
	if res.ISBN13 == "" {
		res.ISBN13 = full.ISBN13
	}
	if res.ISBN10 == "" {
		res.ISBN10 = full.ISBN10
	}
	if res.Subtitle == "" {
		res.Subtitle = full.Subtitle
	}
	if res.Publisher == "" {
		res.Publisher = full.Publisher
	}
	if res.PublicationDate == "" {
		res.PublicationDate = full.PublicationDate
	}
	if res.Language == "" {
		res.Language = full.Language
	}
	if res.CoverImageURL == "" {
		res.CoverImageURL = full.CoverImageURL
	}
	if len(res.Categories) == 0 {
		res.Categories = full.Categories
	}
	return res
}

// bookFromResult builds the canonical row for a result with no existing
// match. The normalizer owns every derived field.
func bookFromResult(res SearchResult, now time.Time) *Book {
	year, _ := atoiYear(yearOf(res.PublicationDate))
	return &Book{
		ID:              uuid.New(),
		Title:           res.Title,
		Author:          strings.Join(trimAll(res.Authors), ", "),
		NormalizedTitle: normalizedTitle(res.Title),
		PrimaryAuthor:   firstAuthor(res.Authors),
		Subtitle:        res.Subtitle,
		Language:        res.Language,
		Publisher:       res.Publisher,
		PublicationDate: res.PublicationDate,
		PublicationYear: year,
		PageCount:       res.PageCount,
		Description:     res.Description,
		Categories:      normalizeCategories(res.Categories),
		Fingerprint:     resultFingerprint(res),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// validateOverrides rejects overrides for fields readers may not touch.
func validateOverrides(overrides map[string]string) error {
	for field, value := range overrides {
		if _, ok := _overrideFields[field]; !ok {
			return validationError(fmt.Sprintf("field %q cannot be overridden", field))
		}
		if field == "pageCount" {
			if n, err := strconv.Atoi(value); err != nil || n <= 0 {
				return validationError("pageCount override must be a positive integer")
			}
		}
	}
	return nil
}
