// Package history persists the append-only record of settled payments and
// answers filtered, paginated, newest-first queries over it.
//
// Three backends share one filter implementation so query semantics cannot
// drift: a single-document JSON file (the default), a Redis list, and a
// Postgres table.
package history

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/x402labs/agentpay/types"
)

const (
	// DefaultLimit applies when a filter does not set one.
	DefaultLimit = 10

	// MaxLimit caps any requested page size.
	MaxLimit = 100
)

// Filter narrows a history query. Zero values mean "no constraint".
type Filter struct {
	// Limit is the page size, clamped to [1, MaxLimit]; 0 means DefaultLimit.
	Limit int

	// Before is a transaction signature acting as a pagination cursor: only
	// records strictly after it in the newest-first order are returned. The
	// cursor is positional, so it stays stable across duplicate timestamps.
	Before string

	// URL keeps only records whose URL contains this substring (case-sensitive).
	URL string

	// AfterDate keeps only records with timestamp strictly after it.
	AfterDate time.Time
}

// Store is the durable collection of transaction records. Append never
// overwrites prior records; Query against a backend that does not exist yet
// returns an empty result, not an error.
type Store interface {
	Append(ctx context.Context, record types.TransactionRecord) error
	Query(ctx context.Context, f Filter) ([]types.TransactionRecord, error)
}

// applyFilter sorts records newest-first by timestamp, resolves the Before
// cursor by position in that order, applies the URL and AfterDate filters,
// then truncates to the limit. All backends funnel through here.
func applyFilter(records []types.TransactionRecord, f Filter) []types.TransactionRecord {
	sorted := make([]types.TransactionRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return parseTimestamp(sorted[i].Timestamp).After(parseTimestamp(sorted[j].Timestamp))
	})

	if f.Before != "" {
		for i, rec := range sorted {
			if rec.Signature == f.Before {
				sorted = sorted[i+1:]
				break
			}
		}
	}

	out := sorted[:0:len(sorted)]
	for _, rec := range sorted {
		if f.URL != "" && !strings.Contains(rec.URL, f.URL) {
			continue
		}
		if !f.AfterDate.IsZero() && !parseTimestamp(rec.Timestamp).After(f.AfterDate) {
			continue
		}
		out = append(out, rec)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
