package internal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Match types reported by the detector, in priority order. They double as
// the "matchType" metric label.
const (
	MatchISBN13      = "isbn13"
	MatchISBN10      = "isbn10"
	MatchISBN10To13  = "isbn10→13"
	MatchFingerprint = "fingerprint"
	MatchFuzzy       = "fuzzy"
	MatchReaderEntry = "readerEntry"
	MatchNone        = "none"
)

const (
	// _fuzzySimFloor is the per-field trigram similarity a candidate must
	// clear before it is considered at all.
	_fuzzySimFloor = 0.6
	// _fuzzyScoreFloor is the combined score a candidate must reach to
	// count as a duplicate.
	_fuzzyScoreFloor = 0.8
	// _fuzzyYearWindow is how far apart publication years may be.
	_fuzzyYearWindow = 2
)

// errNoTrigram is returned by the store when the database lacks a trigram
// similarity facility. The detector degrades to exact matching.
var errNoTrigram = errors.New("trigram similarity unavailable")

// FuzzyCandidate is a fuzzy-match candidate with its per-field trigram
// similarities, as computed by the store.
type FuzzyCandidate struct {
	Book      Book
	TitleSim  float64
	AuthorSim float64
}

// catalog is the read surface the detector needs. Lookups return (nil, nil)
// on no match.
type catalog interface {
	BookByEditionISBN13(ctx context.Context, isbn13 string) (*Book, error)
	BookByEditionISBN10(ctx context.Context, isbn10 string) (*Book, error)
	BooksByFingerprint(ctx context.Context, fingerprint string) ([]Book, error)
	// SimilarBooks returns candidates whose normalized title and primary
	// author both clear the similarity floor, best first.
	SimilarBooks(ctx context.Context, normalizedTitle, primaryAuthor string) ([]FuzzyCandidate, error)
}

// Detector finds the existing canonical book a candidate duplicates, if
// any. It never mutates state and tolerates candidates with missing fields.
type Detector struct {
	db catalog

	logTrigramOnce sync.Once
}

// NewDetector returns a detector reading through the given catalog.
func NewDetector(db catalog) *Detector {
	return &Detector{db: db}
}

// Detect runs the match ladder: ISBN-13, ISBN-10 (with 10→13 conversion),
// exact fingerprint, then trigram fuzzy. The first hit wins.
func (d *Detector) Detect(ctx context.Context, cand SearchResult) (DuplicateMatch, error) {
	none := DuplicateMatch{MatchType: MatchNone, Confidence: 0.0}

	isbn13 := normalizeISBN(cand.ISBN13)
	if !validISBN13(isbn13) {
		isbn13 = ""
	}
	isbn10 := normalizeISBN(cand.ISBN10)
	if !validISBN10(isbn10) {
		isbn10 = ""
	}

	if isbn13 != "" {
		book, err := d.db.BookByEditionISBN13(ctx, isbn13)
		if err != nil {
			return none, fmt.Errorf("looking up isbn13: %w", err)
		}
		if book != nil {
			return DuplicateMatch{MatchType: MatchISBN13, Confidence: 1.0, ExistingBook: book}, nil
		}
	}

	if isbn10 != "" {
		book, err := d.db.BookByEditionISBN10(ctx, isbn10)
		if err != nil {
			return none, fmt.Errorf("looking up isbn10: %w", err)
		}
		if book != nil {
			return DuplicateMatch{MatchType: MatchISBN10, Confidence: 1.0, ExistingBook: book}, nil
		}

		if isbn13 == "" {
			book, err := d.db.BookByEditionISBN13(ctx, isbn10to13(isbn10))
			if err != nil {
				return none, fmt.Errorf("looking up converted isbn13: %w", err)
			}
			if book != nil {
				return DuplicateMatch{MatchType: MatchISBN10To13, Confidence: 1.0, ExistingBook: book}, nil
			}
		}
	}

	books, err := d.db.BooksByFingerprint(ctx, resultFingerprint(cand))
	if err != nil {
		return none, fmt.Errorf("looking up fingerprint: %w", err)
	}
	if len(books) > 0 {
		// BooksByFingerprint orders by creation, so collisions resolve to
		// the oldest book.
		return DuplicateMatch{MatchType: MatchFingerprint, Confidence: 0.95, ExistingBook: &books[0]}, nil
	}

	return d.fuzzy(ctx, cand)
}

func (d *Detector) fuzzy(ctx context.Context, cand SearchResult) (DuplicateMatch, error) {
	none := DuplicateMatch{MatchType: MatchNone, Confidence: 0.0}

	nTitle := normalizedTitle(cand.Title)
	pAuthor := firstAuthor(cand.Authors)
	if nTitle == "" || pAuthor == "" {
		return none, nil
	}

	candidates, err := d.db.SimilarBooks(ctx, nTitle, pAuthor)
	if errors.Is(err, errNoTrigram) {
		d.logTrigramOnce.Do(func() {
			Log(ctx).Warn("trigram similarity unavailable, fuzzy duplicate detection disabled")
		})
		return none, nil
	}
	if err != nil {
		return none, fmt.Errorf("looking up similar books: %w", err)
	}

	candYear, candYearKnown := atoiYear(yearOf(cand.PublicationDate))

	var best *FuzzyCandidate
	var bestScore float64
	for i := range candidates {
		c := &candidates[i]
		if c.TitleSim < _fuzzySimFloor || c.AuthorSim < _fuzzySimFloor {
			continue
		}
		if candYearKnown && c.Book.PublicationYear > 0 {
			diff := candYear - c.Book.PublicationYear
			if diff < -_fuzzyYearWindow || diff > _fuzzyYearWindow {
				continue
			}
		}
		score := (c.TitleSim + c.AuthorSim) / 2
		if score < _fuzzyScoreFloor {
			continue
		}
		if best == nil || score > bestScore ||
			(score == bestScore && c.TitleSim > best.TitleSim) ||
			(score == bestScore && c.TitleSim == best.TitleSim && c.Book.CreatedAt.Before(best.Book.CreatedAt)) {
			best = c
			bestScore = score
		}
	}

	if best == nil {
		return none, nil
	}
	return DuplicateMatch{MatchType: MatchFuzzy, Confidence: bestScore, ExistingBook: &best.Book}, nil
}

func atoiYear(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	y, err := strconv.Atoi(s)
	return y, err == nil
}

// normalizeISBN strips the separators people and providers put into ISBNs.
func normalizeISBN(isbn string) string {
	isbn = strings.ToUpper(strings.TrimSpace(isbn))
	return strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' {
			return -1
		}
		return r
	}, isbn)
}

// validISBN10 checks shape and checksum. ISBNs that fail are treated as
// absent rather than reported as errors.
func validISBN10(isbn string) bool {
	if len(isbn) != 10 {
		return false
	}
	sum := 0
	for i, r := range isbn {
		var v int
		switch {
		case r >= '0' && r <= '9':
			v = int(r - '0')
		case r == 'X' && i == 9:
			v = 10
		default:
			return false
		}
		sum += (10 - i) * v
	}
	return sum%11 == 0
}

// validISBN13 checks the 978/979 prefix, shape and EAN checksum.
func validISBN13(isbn string) bool {
	if len(isbn) != 13 || !strings.HasPrefix(isbn, "978") && !strings.HasPrefix(isbn, "979") {
		return false
	}
	sum := 0
	for i, r := range isbn {
		if r < '0' || r > '9' {
			return false
		}
		v := int(r - '0')
		if i%2 == 1 {
			v *= 3
		}
		sum += v
	}
	return sum%10 == 0
}

// isbn10to13 converts a valid ISBN-10 to its ISBN-13 form: the 978 prefix,
// the first nine digits, and a recomputed EAN checksum.
func isbn10to13(isbn10 string) string {
	body := "978" + isbn10[:9]
	sum := 0
	for i, r := range body {
		v := int(r - '0')
		if i%2 == 1 {
			v *= 3
		}
		sum += v
	}
	check := (10 - sum%10) % 10
	return body + strconv.Itoa(check)
}
