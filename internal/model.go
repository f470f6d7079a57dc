package internal

import (
	"time"

	"github.com/google/uuid"
)

// Provider names double as the provenance enum in book_metadata_sources.
const (
	ProviderPrimary   = "primary"
	ProviderSecondary = "secondary"
	ProviderManual    = "manual"
)

// Book is a canonical work shared across all readers. Presentation fields
// are immutable after creation; per-reader edits live in
// ReadingEntryOverride rows.
type Book struct {
	ID              uuid.UUID `json:"id"`
	Title           string    `json:"title"`
	Author          string    `json:"author"`
	NormalizedTitle string    `json:"normalizedTitle"`
	PrimaryAuthor   string    `json:"primaryAuthor"`
	Subtitle        string    `json:"subtitle,omitempty"`
	Language        string    `json:"language,omitempty"`
	Publisher       string    `json:"publisher,omitempty"`
	PublicationDate string    `json:"publicationDate,omitempty"`
	PublicationYear int       `json:"publicationYear,omitempty"`
	PageCount       int       `json:"pageCount,omitempty"`
	Description     string    `json:"description,omitempty"`
	Categories      []string  `json:"categories,omitempty"`
	Fingerprint     string    `json:"fingerprint"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Edition formats. Empty means unknown.
const (
	FormatHardcover = "hardcover"
	FormatPaperback = "paperback"
	FormatEbook     = "ebook"
	FormatAudiobook = "audiobook"
	FormatAudioCD   = "audio_cd"
)

var _formats = newSet(FormatHardcover, FormatPaperback, FormatEbook, FormatAudiobook, FormatAudioCD)

// BookEdition is an ISBN/format instance of a canonical book. At least one
// of ISBN10, ISBN13 and ProviderID is always set.
type BookEdition struct {
	ID            uuid.UUID `json:"id"`
	BookID        uuid.UUID `json:"bookId"`
	ISBN10        string    `json:"isbn10,omitempty"`
	ISBN13        string    `json:"isbn13,omitempty"`
	Edition       string    `json:"edition,omitempty"`
	Format        string    `json:"format,omitempty"`
	CoverImageURL string    `json:"coverImageURL,omitempty"`
	ProviderID    string    `json:"providerId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// BookMetadataSource records the provenance of a single fetch of a single
// edition: who answered, when, and with what payload. Rows are append-only
// and swept after 90 days.
type BookMetadataSource struct {
	ID                uuid.UUID `json:"id"`
	BookEditionID     uuid.UUID `json:"bookEditionId"`
	Provider          string    `json:"provider"`
	ProviderRequestID string    `json:"providerRequestId,omitempty"`
	FetchedAt         time.Time `json:"fetchedAt"`
	ETag              string    `json:"etag,omitempty"`
	PayloadHash       string    `json:"payloadHash"`
	RawPayload        []byte    `json:"-"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Reading entry statuses.
const (
	StatusToRead       = "TO_READ"
	StatusReading      = "READING"
	StatusRead         = "READ"
	StatusDidNotFinish = "DID_NOT_FINISH"
)

var _entryStatuses = newSet(StatusToRead, StatusReading, StatusRead, StatusDidNotFinish)

// ReadingEntry ties a reader to a book. The table enforces at most one entry
// per (reader, book); ingestion surfaces violations as duplicates.
type ReadingEntry struct {
	ID            uuid.UUID `json:"id"`
	ReaderID      uuid.UUID `json:"readerId"`
	BookID        uuid.UUID `json:"bookId"`
	BookEditionID uuid.UUID `json:"bookEditionId"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ReadingEntryOverride replaces one canonical field for one reading entry.
type ReadingEntryOverride struct {
	ID             uuid.UUID `json:"id"`
	ReadingEntryID uuid.UUID `json:"readingEntryId"`
	FieldName      string    `json:"fieldName"`
	OverrideValue  string    `json:"overrideValue"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Fields a reader is allowed to override.
var _overrideFields = newSet(
	"title", "author", "subtitle", "pageCount", "publisher",
	"publicationDate", "description", "language", "edition",
)

// SearchResult is the provider-independent shape of one search hit. It is a
// wire and cache value only, never persisted as such.
type SearchResult struct {
	ProviderID      string   `json:"providerId"`
	Provider        string   `json:"provider"`
	Title           string   `json:"title"`
	Authors         []string `json:"authors"`
	Subtitle        string   `json:"subtitle,omitempty"`
	ISBN10          string   `json:"isbn10,omitempty"`
	ISBN13          string   `json:"isbn13,omitempty"`
	Publisher       string   `json:"publisher,omitempty"`
	PublicationDate string   `json:"publicationDate,omitempty"`
	PageCount       int      `json:"pageCount,omitempty"`
	Language        string   `json:"language,omitempty"`
	Categories      []string `json:"categories,omitempty"`
	CoverImageURL   string   `json:"coverImageURL,omitempty"`
	Description     string   `json:"description,omitempty"`
}

// SearchResponse is what the search endpoint returns.
type SearchResponse struct {
	Results      []SearchResult `json:"results"`
	Total        int            `json:"total"`
	CacheHit     string         `json:"cacheHit"` // "l1", "l2" or "miss"
	Degraded     bool           `json:"degraded"`
	ProviderUsed string         `json:"providerUsed"`
	LatencyMs    int64          `json:"latencyMs"`
}

// DuplicateMatch describes an existing book a candidate collides with.
type DuplicateMatch struct {
	MatchType    string  `json:"matchType"`
	Confidence   float64 `json:"confidence"`
	ExistingBook *Book   `json:"existingBook,omitempty"`
}

// IngestionResult is the outcome of adding a search result to a reader's
// shelf. Either Duplicate is set, or the three created/reused rows are.
type IngestionResult struct {
	Book         *Book           `json:"book,omitempty"`
	Edition      *BookEdition    `json:"edition,omitempty"`
	ReadingEntry *ReadingEntry   `json:"readingEntry,omitempty"`
	Duplicate    *DuplicateMatch `json:"duplicate,omitempty"`
}
