package internal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html"
	"regexp"
	"slices"
	"strings"
	"unicode"

	"github.com/bytedance/sonic"
	"github.com/microcosm-cc/bluemonday"
)

// _stripTags removes all markup from provider descriptions. The primary
// upstream embeds HTML in its description fields.
var _stripTags = bluemonday.StrictPolicy()

var _yearRE = regexp.MustCompile(`\d{4}`)

// _maxCategories bounds how many subject strings we keep per result. The
// secondary upstream attaches dozens.
const _maxCategories = 10

// normalize maps one raw provider document into the internal SearchResult
// shape. Unknown provider names are rejected.
func normalize(provider string, raw []byte) (SearchResult, error) {
	switch provider {
	case ProviderPrimary:
		return mapPrimary(raw)
	case ProviderSecondary:
		return mapSecondary(raw)
	}
	return SearchResult{}, validationError(fmt.Sprintf("unknown provider %q", provider))
}

// normalizedTitle lowercases the title, strips punctuation and collapses
// whitespace. Idempotent.
func normalizedTitle(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// primaryAuthor extracts the first author from a combined author field,
// splitting on the first comma or semicolon.
func primaryAuthor(authorField string) string {
	if i := strings.IndexAny(authorField, ",;"); i >= 0 {
		authorField = authorField[:i]
	}
	return strings.TrimSpace(authorField)
}

// firstAuthor returns the first entry of an ordered author list, trimmed.
func firstAuthor(authors []string) string {
	if len(authors) == 0 {
		return ""
	}
	return strings.TrimSpace(authors[0])
}

// fingerprint digests a normalized title, primary author and publication
// year into the coarse duplicate bucket shared with the books table. The
// year is "" when unknown.
func fingerprint(normalizedTitle, primaryAuthor, year string) string {
	sum := sha256.Sum256([]byte(normalizedTitle + "||" + primaryAuthor + "||" + year))
	return hex.EncodeToString(sum[:])
}

// resultFingerprint computes the fingerprint for a search result candidate.
func resultFingerprint(r SearchResult) string {
	return fingerprint(normalizedTitle(r.Title), firstAuthor(r.Authors), yearOf(r.PublicationDate))
}

// yearOf pulls the first four-digit run out of a free-form date string.
// Provider dates arrive with mixed precision ("1925", "1925-04-10",
// "April 1925").
func yearOf(date string) string {
	return _yearRE.FindString(date)
}

type searchKeyParts struct {
	Q       string   `json:"q"`
	Type    string   `json:"type"`
	Filters []string `json:"filters"`
}

// searchKey derives the stable cache key for a query. The key is
// provider-independent and survives restarts: it hashes a canonical JSON
// encoding with lowercased query and sorted filters.
func searchKey(query string, typ SearchType, filters []string) string {
	parts := searchKeyParts{
		Q:       strings.ToLower(strings.TrimSpace(query)),
		Type:    string(typ),
		Filters: append([]string{}, filters...),
	}
	slices.Sort(parts.Filters)
	b, _ := sonic.ConfigStd.Marshal(parts)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// sanitizeText strips markup and entities so only plain text reaches the
// data model.
func sanitizeText(s string) string {
	return strings.TrimSpace(html.UnescapeString(_stripTags.Sanitize(s)))
}

// normalizeCategories dedupes and bounds a subject list deterministically.
func normalizeCategories(categories []string) []string {
	s := set[string]{}
	for _, c := range categories {
		c = strings.TrimSpace(c)
		if c != "" {
			s[c] = struct{}{}
		}
	}
	out := sorted(s)
	if len(out) > _maxCategories {
		out = out[:_maxCategories]
	}
	return out
}

// googleVolume is the primary provider's document shape.
type googleVolume struct {
	ID         string `json:"id"`
	VolumeInfo struct {
		Title               string   `json:"title"`
		Subtitle            string   `json:"subtitle"`
		Authors             []string `json:"authors"`
		Publisher           string   `json:"publisher"`
		PublishedDate       string   `json:"publishedDate"`
		Description         string   `json:"description"`
		PageCount           int      `json:"pageCount"`
		Categories          []string `json:"categories"`
		Language            string   `json:"language"`
		IndustryIdentifiers []struct {
			Type       string `json:"type"`
			Identifier string `json:"identifier"`
		} `json:"industryIdentifiers"`
		ImageLinks struct {
			Thumbnail      string `json:"thumbnail"`
			SmallThumbnail string `json:"smallThumbnail"`
		} `json:"imageLinks"`
	} `json:"volumeInfo"`
}

func mapPrimary(raw []byte) (SearchResult, error) {
	var v googleVolume
	if err := sonic.ConfigStd.Unmarshal(raw, &v); err != nil {
		return SearchResult{}, fmt.Errorf("decoding primary document: %w", err)
	}

	info := v.VolumeInfo
	r := SearchResult{
		ProviderID:      v.ID,
		Provider:        ProviderPrimary,
		Title:           strings.TrimSpace(info.Title),
		Authors:         trimAll(info.Authors),
		Subtitle:        strings.TrimSpace(info.Subtitle),
		Publisher:       strings.TrimSpace(info.Publisher),
		PublicationDate: info.PublishedDate,
		PageCount:       max(info.PageCount, 0),
		Language:        isoLanguage(info.Language),
		Categories:      normalizeCategories(info.Categories),
		Description:     sanitizeText(info.Description),
	}

	for _, id := range info.IndustryIdentifiers {
		switch id.Type {
		case "ISBN_10":
			if isbn := normalizeISBN(id.Identifier); validISBN10(isbn) {
				r.ISBN10 = isbn
			}
		case "ISBN_13":
			if isbn := normalizeISBN(id.Identifier); validISBN13(isbn) {
				r.ISBN13 = isbn
			}
		}
	}

	if info.ImageLinks.Thumbnail != "" {
		r.CoverImageURL = info.ImageLinks.Thumbnail
	} else {
		r.CoverImageURL = info.ImageLinks.SmallThumbnail
	}

	return r, nil
}

// openLibraryDoc is the secondary provider's document shape.
type openLibraryDoc struct {
	Key                 string   `json:"key"`
	Title               string   `json:"title"`
	Subtitle            string   `json:"subtitle"`
	AuthorName          []string `json:"author_name"`
	FirstPublishYear    int      `json:"first_publish_year"`
	ISBN                []string `json:"isbn"`
	Publisher           []string `json:"publisher"`
	Language            []string `json:"language"`
	Subject             []string `json:"subject"`
	CoverI              int64    `json:"cover_i"`
	NumberOfPagesMedian int      `json:"number_of_pages_median"`
}

func mapSecondary(raw []byte) (SearchResult, error) {
	var d openLibraryDoc
	if err := sonic.ConfigStd.Unmarshal(raw, &d); err != nil {
		return SearchResult{}, fmt.Errorf("decoding secondary document: %w", err)
	}

	r := SearchResult{
		ProviderID: strings.TrimPrefix(d.Key, "/works/"),
		Provider:   ProviderSecondary,
		Title:      strings.TrimSpace(d.Title),
		Authors:    trimAll(d.AuthorName),
		Subtitle:   strings.TrimSpace(d.Subtitle),
		PageCount:  max(d.NumberOfPagesMedian, 0),
		Categories: normalizeCategories(d.Subject),
	}

	if d.FirstPublishYear > 0 {
		r.PublicationDate = fmt.Sprintf("%d", d.FirstPublishYear)
	}
	if len(d.Publisher) > 0 {
		r.Publisher = strings.TrimSpace(d.Publisher[0])
	}
	if len(d.Language) > 0 {
		r.Language = isoLanguage(d.Language[0])
	}
	if d.CoverI > 0 {
		r.CoverImageURL = fmt.Sprintf("https://covers.openlibrary.org/b/id/%d-L.jpg", d.CoverI)
	}

	// The ISBN list mixes both lengths in no particular order. Keep the
	// first valid one of each.
	for _, raw := range d.ISBN {
		isbn := normalizeISBN(raw)
		switch {
		case r.ISBN13 == "" && validISBN13(isbn):
			r.ISBN13 = isbn
		case r.ISBN10 == "" && validISBN10(isbn):
			r.ISBN10 = isbn
		}
		if r.ISBN10 != "" && r.ISBN13 != "" {
			break
		}
	}

	return r, nil
}

func trimAll(ss []string) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// _langToISO1 maps the ISO 639-2 codes the secondary upstream uses onto the
// two-letter codes the data model stores. Unlisted three-letter codes are
// dropped rather than guessed.
var _langToISO1 = map[string]string{
	"eng": "en", "fre": "fr", "fra": "fr", "ger": "de", "deu": "de",
	"spa": "es", "ita": "it", "por": "pt", "rus": "ru", "jpn": "ja",
	"chi": "zh", "zho": "zh", "dut": "nl", "nld": "nl", "kor": "ko",
	"ara": "ar", "hin": "hi", "swe": "sv", "nor": "no", "dan": "da",
	"fin": "fi", "pol": "pl", "tur": "tr", "heb": "he", "gre": "el",
}

func isoLanguage(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	switch len(code) {
	case 2:
		return code
	case 3:
		return _langToISO1[code]
	}
	return ""
}
