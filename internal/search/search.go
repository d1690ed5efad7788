package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/nhle/attachment-archiver/internal/index"
	"github.com/nhle/attachment-archiver/internal/model"
)

// DefaultLimit caps search results when the caller does not.
const DefaultLimit = 100

// Rank tiers, best first. A record's tier is the best any query term
// achieves against it.
const (
	tierExact   = 0 // term equals the whole filename or sender address
	tierSubject = 1 // term appears in the subject
	tierToken   = 2 // term appears somewhere in a searched field
)

// Searcher answers ranked queries over the archive index.
type Searcher struct {
	idx *index.Index
}

// NewSearcher wraps an open index.
func NewSearcher(idx *index.Index) *Searcher {
	return &Searcher{idx: idx}
}

// Search parses query and returns matching attachment records, best
// matches first. Every term must match at least one of sender, sender
// name, subject, or filename; a double-quoted phrase must appear
// contiguously within a single field. An empty or blank query returns no
// results rather than the whole archive. Results are capped at limit, or
// DefaultLimit when limit is not positive.
func (s *Searcher) Search(
	ctx context.Context, query string, limit int,
) ([]model.IndexRecord, error) {
	terms := ParseQuery(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	// The SQL LIKE prefilter is ASCII-case-insensitive only, so terms
	// with other scripts are left out of it and checked here instead.
	var prefilter []string
	for _, t := range terms {
		if isASCII(t) {
			prefilter = append(prefilter, t)
		}
	}

	records, err := s.idx.Query(ctx, index.Filter{Terms: prefilter})
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}

	normTerms := make([]string, len(terms))
	for i, t := range terms {
		normTerms[i] = Normalize(t)
	}

	var matched []model.IndexRecord
	for _, rec := range records {
		if matchesAll(rec, normTerms) {
			matched = append(matched, rec)
		}
	}

	// Records arrive newest first; a stable sort by tier keeps that
	// order within each tier.
	sort.SliceStable(matched, func(i, j int) bool {
		return tierOf(matched[i], normTerms) < tierOf(matched[j], normTerms)
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// ParseQuery splits a query into terms: whitespace-separated words plus
// double-quoted phrases kept whole. An unclosed quote runs to the end of
// the query.
func ParseQuery(query string) []string {
	var terms []string
	var cur strings.Builder
	inQuote := false

	flush := func() {
		t := strings.TrimSpace(cur.String())
		if t != "" {
			terms = append(terms, t)
		}
		cur.Reset()
	}

	for _, r := range query {
		switch {
		case r == '"':
			flush()
			inQuote = !inQuote
		case !inQuote && unicode.IsSpace(r):
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()

	return terms
}

// Normalize folds a string for comparison: NFC then lowercase.
func Normalize(s string) string {
	return strings.ToLower(norm.NFC.String(s))
}

func matchesAll(rec model.IndexRecord, normTerms []string) bool {
	fields := []string{
		Normalize(rec.Sender),
		Normalize(rec.SenderName),
		Normalize(rec.Subject),
		Normalize(rec.Filename),
	}

	for _, term := range normTerms {
		found := false
		for _, f := range fields {
			if strings.Contains(f, term) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func tierOf(rec model.IndexRecord, normTerms []string) int {
	filename := Normalize(rec.Filename)
	sender := Normalize(rec.Sender)
	subject := Normalize(rec.Subject)

	best := tierToken
	for _, term := range normTerms {
		switch {
		case term == filename || term == sender:
			return tierExact
		case strings.Contains(subject, term):
			if tierSubject < best {
				best = tierSubject
			}
		}
	}
	return best
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
