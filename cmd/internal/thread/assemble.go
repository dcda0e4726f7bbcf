package thread

import (
	"sort"
	"time"
)

// DefaultRemainingCeiling caps the exposed remaining count; above it the
// estimate is reported as unknown.
const DefaultRemainingCeiling = 500

// Confidence qualifies TotalCount and Remaining.
type Confidence string

const (
	ConfidenceHigh Confidence = "high"
	ConfidenceLow  Confidence = "low"
)

// Remaining is the number of messages not yet loaded. Known is false when the
// count is indeterminate; Count is then meaningless.
type Remaining struct {
	Count int
	Known bool
}

// Page is one fetched window, already normalized and deduplicated.
type Page struct {
	Messages []NormalizedMessage
	HasMore  bool
	// OldestCursor is the created_at of the oldest valid kept message; the next
	// page asks for rows strictly older than it. Nil when the page has no valid rows.
	OldestCursor *time.Time

	// Set on the first page only.
	TotalCount int
	HasTotal   bool
	Seed       *ThreadSeed
}

// AssembleOptions carries the per-conversation inputs of Assemble.
type AssembleOptions struct {
	Seed             *ThreadSeed
	TotalCount       int
	HasNextPage      bool
	Context          *NormalizationContext
	QuotedExtraction bool
	RemainingCeiling int
}

// AssembleStats reports what Assemble dropped.
type AssembleStats struct {
	Duplicates     int
	Malformed      int
	SeedMismatches int
	// Fetched is the number of distinct store rows across all pages.
	Fetched int
}

// Assembled is the presentable list and its counters.
type Assembled struct {
	Messages    []NormalizedMessage
	LoadedCount int
	Remaining   Remaining
	Confidence  Confidence
	Stats       AssembleStats
}

// Assemble flattens pages in order, deduplicates globally, drops malformed
// entries, filters by the thread seed, optionally expands quotes, and sorts
// newest first. Entries with equal timestamps keep their relative order.
func Assemble(pages []Page, opts AssembleOptions) Assembled {
	n := 0
	for _, p := range pages {
		n += len(p.Messages)
	}
	flat := make([]NormalizedMessage, 0, n)
	for _, p := range pages {
		flat = append(flat, p.Messages...)
	}

	var stats AssembleStats
	flat, stats.Duplicates = dedupe(flat)
	stats.Fetched = len(flat)

	list := make([]NormalizedMessage, 0, len(flat))
	for _, m := range flat {
		if m.Malformed {
			stats.Malformed++
			continue
		}
		if opts.Seed != nil && !MessageMatchesThread(m, *opts.Seed) {
			stats.SeedMismatches++
			continue
		}
		list = append(list, m)
	}

	if opts.QuotedExtraction && opts.Context != nil {
		list = ExpandQuotes(list, opts.Context)
	}

	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})

	conf := ConfidenceFor(stats, opts.TotalCount)
	return Assembled{
		Messages:    list,
		LoadedCount: len(list),
		Remaining:   RemainingFor(opts.TotalCount, stats.Fetched, opts.HasNextPage, conf, opts.RemainingCeiling),
		Confidence:  conf,
		Stats:       stats,
	}
}

// ConfidenceFor downgrades to low when the count snapshot cannot describe the
// visible list: some loaded rows belong to another thread, or more distinct
// rows were loaded than the snapshot counted (inserts since the count).
func ConfidenceFor(stats AssembleStats, totalCount int) Confidence {
	if stats.SeedMismatches > 0 || stats.Fetched > totalCount {
		return ConfidenceLow
	}
	return ConfidenceHigh
}

// RemainingFor computes the remaining estimate. It is only ever exposed under
// high confidence. Then, with no next page nothing is left to fetch, so the
// answer is a known zero; otherwise the value is exposed when it does not
// exceed ceiling.
func RemainingFor(totalCount, fetched int, hasNextPage bool, conf Confidence, ceiling int) Remaining {
	if conf != ConfidenceHigh {
		return Remaining{}
	}
	if !hasNextPage {
		return Remaining{Count: 0, Known: true}
	}
	if ceiling <= 0 {
		ceiling = DefaultRemainingCeiling
	}
	left := max(totalCount-fetched, 0)
	if left > ceiling {
		return Remaining{}
	}
	return Remaining{Count: left, Known: true}
}
