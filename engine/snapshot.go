package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/pacmano1/the-cache/cachedef"
)

// Filter scopes for snapshot queries.
const (
	FilterScopeKey   = "key"
	FilterScopeValue = "value"
	FilterScopeBoth  = "both"
)

// Sort fields for snapshot queries.
const (
	SortByKey         = "key"
	SortByValue       = "value"
	SortByLoadedAt    = "loadedAt"
	SortByAccessCount = "accessCount"
)

// SnapshotQuery selects, orders and caps the entries of a snapshot.
type SnapshotQuery struct {
	// Limit caps the returned entries; 0 or negative means no cap.
	Limit int
	// SortBy is one of key, value, loadedAt, accessCount.
	SortBy string
	// SortDir is asc or desc.
	SortDir string
	// Filter is matched case-insensitively; empty selects everything.
	Filter string
	// FilterScope is one of key, value, both.
	FilterScope string
	// FilterRegex treats Filter as a regular expression instead of a
	// literal substring.
	FilterRegex bool
}

// DefaultSnapshotQuery mirrors the REST defaults.
func DefaultSnapshotQuery() SnapshotQuery {
	return SnapshotQuery{
		Limit:       1000,
		SortBy:      SortByKey,
		SortDir:     "asc",
		FilterScope: FilterScopeKey,
	}
}

// Snapshot collects a point-in-time view of one cache: statistics plus the
// filtered, sorted, capped entries. The initial map iteration is the only
// consistent cut; concurrent mutations after it are not reflected.
func (e *Engine) Snapshot(id string, q SnapshotQuery) (cachedef.Snapshot, error) {
	reg, err := e.registration(id)
	if err != nil {
		return cachedef.Snapshot{}, err
	}

	stats := statisticsOf(reg)
	pairs := reg.store.Entries()
	loadedAt, accesses := reg.bookkeeping()

	entries := make([]cachedef.Entry, 0, len(pairs))
	for k, v := range pairs {
		entries = append(entries, cachedef.Entry{
			Key:            k,
			Value:          v,
			LoadedAtMillis: loadedAt[k],
			AccessCount:    accesses[k],
		})
	}
	total := len(entries)

	entries, err = filterEntries(entries, q)
	if err != nil {
		return cachedef.Snapshot{}, err
	}
	matched := len(entries)

	sortEntries(entries, q.SortBy, q.SortDir)
	if q.Limit > 0 && len(entries) > q.Limit {
		entries = entries[:q.Limit]
	}

	return cachedef.Snapshot{
		Statistics:     stats,
		Entries:        entries,
		TotalEntries:   total,
		MatchedEntries: matched,
	}, nil
}

func filterEntries(entries []cachedef.Entry, q SnapshotQuery) ([]cachedef.Entry, error) {
	if q.Filter == "" {
		return entries, nil
	}

	var match func(s string) bool
	if q.FilterRegex {
		re, err := regexp.Compile("(?i)" + q.Filter)
		if err != nil {
			return nil, fmt.Errorf("invalid filter expression: %w", err)
		}
		match = re.MatchString
	} else {
		needle := strings.ToLower(q.Filter)
		match = func(s string) bool {
			return strings.Contains(strings.ToLower(s), needle)
		}
	}

	scope := q.FilterScope
	if scope == "" {
		scope = FilterScopeKey
	}
	out := entries[:0]
	for _, entry := range entries {
		var ok bool
		switch scope {
		case FilterScopeValue:
			ok = match(entry.Value)
		case FilterScopeBoth:
			ok = match(entry.Key) || match(entry.Value)
		default:
			ok = match(entry.Key)
		}
		if ok {
			out = append(out, entry)
		}
	}
	return out, nil
}

func sortEntries(entries []cachedef.Entry, sortBy, sortDir string) {
	desc := strings.EqualFold(sortDir, "desc")
	less := func(a, b cachedef.Entry) bool {
		switch sortBy {
		case SortByValue:
			av, bv := strings.ToLower(a.Value), strings.ToLower(b.Value)
			if av != bv {
				return av < bv
			}
		case SortByLoadedAt:
			if a.LoadedAtMillis != b.LoadedAtMillis {
				return a.LoadedAtMillis < b.LoadedAtMillis
			}
		case SortByAccessCount:
			if a.AccessCount != b.AccessCount {
				return a.AccessCount < b.AccessCount
			}
		default:
			ak, bk := strings.ToLower(a.Key), strings.ToLower(b.Key)
			if ak != bk {
				return ak < bk
			}
		}
		// Stable tiebreak on the raw key.
		return a.Key < b.Key
	}
	sort.Slice(entries, func(i, j int) bool {
		if desc {
			return less(entries[j], entries[i])
		}
		return less(entries[i], entries[j])
	})
}
