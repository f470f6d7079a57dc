package internal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// Postgres error codes we branch on.
const (
	_pgUniqueViolation   = "23505"
	_pgUndefinedFunction = "42883"
)

// _entryConflict is the constraint enforcing one reading entry per
// (reader, book). Violations surface as duplicates, not storage errors.
const _entryConflict = "reading_entries_reader_id_book_id_key"

// errEntryExists maps _entryConflict violations.
var errEntryExists = errors.New("reader already has an entry for this book")

// errEditionExists is returned when an edition insert lost a race on one of
// the ISBN uniqueness constraints. Callers re-read to find the winner.
var errEditionExists = errors.New("edition already exists")

// querier is the subset of pgx shared by pools and transactions, so the same
// query methods serve both.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// queries holds every statement we run. It is embedded in Store for
// pool-scoped access and instantiated per-transaction by InTx.
type queries struct {
	q querier
}

// Store is the Postgres layer: canonical books, editions, provenance,
// reading entries, and the durable half of the search cache.
type Store struct {
	pool *pgxpool.Pool
	queries
}

// NewStore connects to Postgres and verifies the connection. Pool health and
// row counts are registered on reg when it's non-nil.
func NewStore(ctx context.Context, dsn string, reg *prometheus.Registry) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	_ = newDBMetrics(pool, reg)

	return &Store{pool: pool, queries: queries{q: pool}}, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// _schema is the forward migration. Statements are idempotent so reboots
// can run them unconditionally.
var _schema = []string{
	`CREATE TABLE IF NOT EXISTS books (
		id               UUID PRIMARY KEY,
		title            TEXT NOT NULL,
		author           TEXT NOT NULL DEFAULT '',
		normalized_title TEXT NOT NULL,
		primary_author   TEXT NOT NULL DEFAULT '',
		subtitle         TEXT NOT NULL DEFAULT '',
		language         TEXT NOT NULL DEFAULT '',
		publisher        TEXT NOT NULL DEFAULT '',
		publication_date TEXT NOT NULL DEFAULT '',
		publication_year INT  NOT NULL DEFAULT 0,
		page_count       INT  NOT NULL DEFAULT 0,
		description      TEXT NOT NULL DEFAULT '',
		categories       TEXT[] NOT NULL DEFAULT '{}',
		fingerprint      TEXT NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS books_fingerprint_idx ON books (fingerprint)`,
	`CREATE TABLE IF NOT EXISTS book_editions (
		id              UUID PRIMARY KEY,
		book_id         UUID NOT NULL REFERENCES books (id) ON DELETE CASCADE,
		isbn10          TEXT UNIQUE,
		isbn13          TEXT UNIQUE,
		edition         TEXT NOT NULL DEFAULT '',
		format          TEXT NOT NULL DEFAULT '',
		cover_image_url TEXT NOT NULL DEFAULT '',
		provider_id     TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		CHECK (isbn10 IS NOT NULL OR isbn13 IS NOT NULL OR provider_id IS NOT NULL)
	)`,
	`CREATE INDEX IF NOT EXISTS book_editions_book_id_idx ON book_editions (book_id)`,
	`CREATE INDEX IF NOT EXISTS book_editions_provider_id_idx ON book_editions (provider_id)`,
	`CREATE TABLE IF NOT EXISTS book_metadata_sources (
		id                  UUID PRIMARY KEY,
		book_edition_id     UUID NOT NULL REFERENCES book_editions (id) ON DELETE CASCADE,
		provider            TEXT NOT NULL,
		provider_request_id TEXT NOT NULL DEFAULT '',
		fetched_at          TIMESTAMPTZ NOT NULL,
		etag                TEXT NOT NULL DEFAULT '',
		payload_hash        TEXT NOT NULL,
		raw_payload         JSONB NOT NULL,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS book_metadata_sources_created_at_idx ON book_metadata_sources (created_at)`,
	`CREATE TABLE IF NOT EXISTS reading_entries (
		id              UUID PRIMARY KEY,
		reader_id       UUID NOT NULL,
		book_id         UUID NOT NULL REFERENCES books (id),
		book_edition_id UUID NOT NULL REFERENCES book_editions (id),
		status          TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT reading_entries_reader_id_book_id_key UNIQUE (reader_id, book_id)
	)`,
	`CREATE TABLE IF NOT EXISTS reading_entry_overrides (
		id               UUID PRIMARY KEY,
		reading_entry_id UUID NOT NULL REFERENCES reading_entries (id) ON DELETE CASCADE,
		field_name       TEXT NOT NULL,
		override_value   TEXT NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (reading_entry_id, field_name)
	)`,
	`CREATE TABLE IF NOT EXISTS book_search_cache (
		id           UUID PRIMARY KEY,
		search_key   TEXT NOT NULL,
		provider     TEXT NOT NULL,
		result_count INT NOT NULL,
		results      JSONB NOT NULL,
		expires_at   TIMESTAMPTZ NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (search_key, provider)
	)`,
	`CREATE INDEX IF NOT EXISTS book_search_cache_expires_at_idx ON book_search_cache (expires_at)`,
}

// _trigram enables fuzzy duplicate detection. It needs superuser (or the
// extension preinstalled), so failures downgrade instead of aborting.
var _trigram = []string{
	`CREATE EXTENSION IF NOT EXISTS pg_trgm`,
	`CREATE INDEX IF NOT EXISTS books_normalized_title_trgm_idx
		ON books USING gin (normalized_title gin_trgm_ops)`,
	`CREATE INDEX IF NOT EXISTS books_primary_author_trgm_idx
		ON books USING gin (primary_author gin_trgm_ops)`,
}

// _rollback drops everything Setup created, children before parents.
var _rollback = []string{
	`DROP TABLE IF EXISTS reading_entry_overrides`,
	`DROP TABLE IF EXISTS reading_entries`,
	`DROP TABLE IF EXISTS book_metadata_sources`,
	`DROP TABLE IF EXISTS book_editions`,
	`DROP TABLE IF EXISTS books`,
	`DROP TABLE IF EXISTS book_search_cache`,
}

// Setup applies the schema. Trigram support is best-effort; without it the
// duplicate detector falls back to exact matching at runtime.
func (s *Store) Setup(ctx context.Context) error {
	for _, stmt := range _schema {
		if _, err := s.q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	for _, stmt := range _trigram {
		if _, err := s.q.Exec(ctx, stmt); err != nil {
			Log(ctx).Warn("trigram support unavailable, fuzzy matching will be disabled", "err", err)
			break
		}
	}
	return nil
}

// RollbackSchema drops the schema in FK-safe order.
func (s *Store) RollbackSchema(ctx context.Context) error {
	for _, stmt := range _rollback {
		if _, err := s.q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("rolling back schema: %w", err)
		}
	}
	return nil
}

// InTx runs fn inside a single transaction. Any error rolls everything back.
func (s *Store) InTx(ctx context.Context, fn func(tx ingestStore) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&queries{q: tx})
	})
}

const _bookColumns = `id, title, author, normalized_title, primary_author, subtitle,
	language, publisher, publication_date, publication_year, page_count,
	description, categories, fingerprint, created_at, updated_at`

func scanBook(row pgx.Row) (*Book, error) {
	var b Book
	err := row.Scan(
		&b.ID, &b.Title, &b.Author, &b.NormalizedTitle, &b.PrimaryAuthor, &b.Subtitle,
		&b.Language, &b.Publisher, &b.PublicationDate, &b.PublicationYear, &b.PageCount,
		&b.Description, &b.Categories, &b.Fingerprint, &b.CreatedAt, &b.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning book: %w", err)
	}
	return &b, nil
}

// BookByEditionISBN13 resolves an ISBN-13 to its canonical book.
func (s *queries) BookByEditionISBN13(ctx context.Context, isbn13 string) (*Book, error) {
	return scanBook(s.q.QueryRow(ctx, `
		SELECT `+_bookColumns+`
		FROM books
		JOIN book_editions ON book_editions.book_id = books.id
		WHERE book_editions.isbn13 = $1
		LIMIT 1`, isbn13))
}

// BookByEditionISBN10 resolves an ISBN-10 to its canonical book.
func (s *queries) BookByEditionISBN10(ctx context.Context, isbn10 string) (*Book, error) {
	return scanBook(s.q.QueryRow(ctx, `
		SELECT `+_bookColumns+`
		FROM books
		JOIN book_editions ON book_editions.book_id = books.id
		WHERE book_editions.isbn10 = $1
		LIMIT 1`, isbn10))
}

// BooksByFingerprint returns books with this exact fingerprint, oldest
// first so collisions resolve deterministically.
func (s *queries) BooksByFingerprint(ctx context.Context, fingerprint string) ([]Book, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+_bookColumns+`
		FROM books
		WHERE fingerprint = $1
		ORDER BY created_at`, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("querying fingerprints: %w", err)
	}
	defer rows.Close()

	var books []Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, *b)
	}
	return books, rows.Err()
}

// SimilarBooks ranks trigram candidates by combined similarity. A database
// without pg_trgm reports errNoTrigram and the caller degrades.
func (s *queries) SimilarBooks(ctx context.Context, normalizedTitle, primaryAuthor string) ([]FuzzyCandidate, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+_bookColumns+`,
			similarity(normalized_title, $1) AS title_sim,
			similarity(primary_author, $2) AS author_sim
		FROM books
		WHERE similarity(normalized_title, $1) >= $3
		  AND similarity(primary_author, $2) >= $3
		ORDER BY similarity(normalized_title, $1) + similarity(primary_author, $2) DESC,
			created_at
		LIMIT 25`, normalizedTitle, primaryAuthor, _fuzzySimFloor)
	if err != nil {
		if isPgError(err, _pgUndefinedFunction) {
			return nil, errNoTrigram
		}
		return nil, fmt.Errorf("querying similar books: %w", err)
	}
	defer rows.Close()

	var out []FuzzyCandidate
	for rows.Next() {
		var c FuzzyCandidate
		b := &c.Book
		err := rows.Scan(
			&b.ID, &b.Title, &b.Author, &b.NormalizedTitle, &b.PrimaryAuthor, &b.Subtitle,
			&b.Language, &b.Publisher, &b.PublicationDate, &b.PublicationYear, &b.PageCount,
			&b.Description, &b.Categories, &b.Fingerprint, &b.CreatedAt, &b.UpdatedAt,
			&c.TitleSim, &c.AuthorSim,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertBook adds a canonical book.
func (s *queries) InsertBook(ctx context.Context, b *Book) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO books (`+_bookColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		b.ID, b.Title, b.Author, b.NormalizedTitle, b.PrimaryAuthor, b.Subtitle,
		b.Language, b.Publisher, b.PublicationDate, b.PublicationYear, b.PageCount,
		b.Description, b.Categories, b.Fingerprint, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting book: %w", err)
	}
	return nil
}

const _editionColumns = `id, book_id, isbn10, isbn13, edition, format, cover_image_url,
	provider_id, created_at, updated_at`

func scanEdition(row pgx.Row) (*BookEdition, error) {
	var e BookEdition
	var isbn10, isbn13, providerID pgtype.Text
	err := row.Scan(
		&e.ID, &e.BookID, &isbn10, &isbn13, &e.Edition, &e.Format, &e.CoverImageURL,
		&providerID, &e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning edition: %w", err)
	}
	e.ISBN10 = isbn10.String
	e.ISBN13 = isbn13.String
	e.ProviderID = providerID.String
	return &e, nil
}

// EditionByISBN13 returns this book's edition carrying the ISBN-13, if any.
func (s *queries) EditionByISBN13(ctx context.Context, bookID uuid.UUID, isbn13 string) (*BookEdition, error) {
	return scanEdition(s.q.QueryRow(ctx, `
		SELECT `+_editionColumns+`
		FROM book_editions
		WHERE book_id = $1 AND isbn13 = $2`, bookID, isbn13))
}

// EditionByISBN10 returns this book's edition carrying the ISBN-10, if any.
func (s *queries) EditionByISBN10(ctx context.Context, bookID uuid.UUID, isbn10 string) (*BookEdition, error) {
	return scanEdition(s.q.QueryRow(ctx, `
		SELECT `+_editionColumns+`
		FROM book_editions
		WHERE book_id = $1 AND isbn10 = $2`, bookID, isbn10))
}

// EditionByProviderID finds an ISBN-less edition by its provider handle.
func (s *queries) EditionByProviderID(ctx context.Context, bookID uuid.UUID, providerID string) (*BookEdition, error) {
	return scanEdition(s.q.QueryRow(ctx, `
		SELECT `+_editionColumns+`
		FROM book_editions
		WHERE book_id = $1 AND provider_id = $2`, bookID, providerID))
}

// InsertEdition adds an edition. Losing an ISBN uniqueness race returns
// errEditionExists without aborting the surrounding transaction, so the
// caller can re-read.
func (s *queries) InsertEdition(ctx context.Context, e *BookEdition) error {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO book_editions (`+_editionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING`,
		e.ID, e.BookID, nullable(e.ISBN10), nullable(e.ISBN13), e.Edition, e.Format,
		e.CoverImageURL, nullable(e.ProviderID), e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting edition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errEditionExists
	}
	return nil
}

// InsertMetadataSource appends one provenance row.
func (s *queries) InsertMetadataSource(ctx context.Context, src *BookMetadataSource) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO book_metadata_sources
			(id, book_edition_id, provider, provider_request_id, fetched_at, etag, payload_hash, raw_payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		src.ID, src.BookEditionID, src.Provider, src.ProviderRequestID,
		src.FetchedAt, src.ETag, src.PayloadHash, src.RawPayload, src.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting metadata source: %w", err)
	}
	return nil
}

// InsertReadingEntry adds a reader's entry. A second entry for the same
// (reader, book) returns errEntryExists.
func (s *queries) InsertReadingEntry(ctx context.Context, entry *ReadingEntry) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO reading_entries (id, reader_id, book_id, book_edition_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.ReaderID, entry.BookID, entry.BookEditionID,
		entry.Status, entry.CreatedAt, entry.UpdatedAt,
	)
	if isPgUniqueViolation(err, _entryConflict) {
		return errEntryExists
	}
	if err != nil {
		return fmt.Errorf("inserting reading entry: %w", err)
	}
	return nil
}

// InsertOverride adds one per-reader field override.
func (s *queries) InsertOverride(ctx context.Context, o *ReadingEntryOverride) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO reading_entry_overrides (id, reading_entry_id, field_name, override_value, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		o.ID, o.ReadingEntryID, o.FieldName, o.OverrideValue, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting override: %w", err)
	}
	return nil
}

// SearchCache returns the unexpired row for (searchKey, provider), or nil.
func (s *queries) SearchCache(ctx context.Context, searchKey, provider string) (*SearchCacheRow, error) {
	return scanSearchCache(s.q.QueryRow(ctx, `
		SELECT search_key, provider, result_count, results, expires_at, created_at
		FROM book_search_cache
		WHERE search_key = $1 AND provider = $2 AND expires_at > now()`, searchKey, provider))
}

// SearchCacheStale is SearchCache without the expiry filter.
func (s *queries) SearchCacheStale(ctx context.Context, searchKey, provider string) (*SearchCacheRow, error) {
	return scanSearchCache(s.q.QueryRow(ctx, `
		SELECT search_key, provider, result_count, results, expires_at, created_at
		FROM book_search_cache
		WHERE search_key = $1 AND provider = $2`, searchKey, provider))
}

func scanSearchCache(row pgx.Row) (*SearchCacheRow, error) {
	var r SearchCacheRow
	err := row.Scan(&r.SearchKey, &r.Provider, &r.ResultCount, &r.Results, &r.ExpiresAt, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning search cache: %w", err)
	}
	return &r, nil
}

// UpsertSearchCache writes one cache fill, replacing any previous results
// for the same key.
func (s *queries) UpsertSearchCache(ctx context.Context, row SearchCacheRow) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO book_search_cache (id, search_key, provider, result_count, results, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (search_key, provider) DO UPDATE SET
			result_count = EXCLUDED.result_count,
			results      = EXCLUDED.results,
			expires_at   = EXCLUDED.expires_at,
			created_at   = EXCLUDED.created_at`,
		uuid.New(), row.SearchKey, row.Provider, row.ResultCount, row.Results,
		row.ExpiresAt, row.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting search cache: %w", err)
	}
	return nil
}

// DeleteExpiredSearchCache removes rows past their expiry and reports how
// many went.
func (s *queries) DeleteExpiredSearchCache(ctx context.Context) (int64, error) {
	tag, err := s.q.Exec(ctx, `DELETE FROM book_search_cache WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("sweeping search cache: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteStaleMetadataSources removes provenance rows created before the
// cutoff and reports how many went.
func (s *queries) DeleteStaleMetadataSources(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.q.Exec(ctx, `DELETE FROM book_metadata_sources WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweeping metadata sources: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isPgError(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// isPgUniqueViolation reports whether err is a 23505 on the named
// constraint. An empty constraint matches any unique violation.
func isPgUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != _pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
