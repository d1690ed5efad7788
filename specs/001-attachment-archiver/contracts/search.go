// The search contract: how queries over the archive index behave.
//
// Library: golang.org/x/text/unicode/norm for fold-insensitive matching.
package contracts

// Query grammar:
//   Whitespace-separated terms; a double-quoted phrase is one term and
//   must appear contiguously in a single field. An unclosed quote runs
//   to the end of the query. An empty query returns nothing.
//
// Matching:
//   Conjunctive: every term must match at least one of sender address,
//   sender name, subject, filename. Comparison folds NFC + lowercase on
//   both sides, so RÉSUMÉ finds résumé.pdf regardless of how either was
//   encoded.
//
// Two-stage evaluation:
//   SQL LIKE prefilters candidate rows (ASCII terms only; SQLite LIKE
//   is ASCII-case-insensitive), then Go re-verifies every term with the
//   full folding. The prefilter is an optimization, never the truth.
//
// Ranking, best first:
//   0  a term equals the whole filename or sender address
//   1  a term appears in the subject
//   2  a term appears somewhere in a searched field
//   Ties break newest first (received date, then UID).
//
// Results:
//   One row per attachment (a message with three matching attachments
//   yields three rows), only archived messages, capped at the limit
//   (default 100).
