package thread

import (
	"fmt"
	"testing"
	"time"

	"supporthub/cmd/internal/store"

	"github.com/google/go-cmp/cmp"
)

func rawSeq(id string, created int) store.RawMessage {
	return store.RawMessage{
		ID:             id,
		ConversationID: "c1",
		Content:        id,
		CreatedAt:      store.FormatTimestamp(time.Unix(int64(created), 0)),
	}
}

func TestAssemble_DuplicateAcrossPages(t *testing.T) {
	t.Parallel()

	a, b, c := rawSeq("1", 10), rawSeq("2", 9), rawSeq("3", 8)
	pages := []Page{
		{Messages: norm(a, b), HasMore: true},
		{Messages: norm(b, c)},
	}

	got := Assemble(pages, AssembleOptions{TotalCount: 3})
	if diff := cmp.Diff([]string{"1", "2", "3"}, ids(got.Messages)); diff != "" {
		t.Fatalf("list mismatch (-want +got):\n%s", diff)
	}
	if got.LoadedCount != 3 || got.Stats.Duplicates != 1 {
		t.Fatalf("loaded=%d duplicates=%d want 3,1", got.LoadedCount, got.Stats.Duplicates)
	}
	if got.Remaining != (Remaining{Count: 0, Known: true}) {
		t.Fatalf("remaining=%+v want known 0", got.Remaining)
	}
}

func TestAssemble_SortIsStableNewestFirst(t *testing.T) {
	t.Parallel()

	pages := []Page{
		{Messages: norm(rawSeq("old", 1), rawSeq("tie-a", 5))},
		{Messages: norm(rawSeq("tie-b", 5), rawSeq("new", 9))},
	}
	got := Assemble(pages, AssembleOptions{TotalCount: 4})
	if diff := cmp.Diff([]string{"new", "tie-a", "tie-b", "old"}, ids(got.Messages)); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestAssemble_DropsMalformed(t *testing.T) {
	t.Parallel()

	pages := []Page{{Messages: norm(rawSeq("1", 3), store.RawMessage{ID: "bad", CreatedAt: "??"}, rawSeq("2", 2))}}
	got := Assemble(pages, AssembleOptions{TotalCount: 3})
	if diff := cmp.Diff([]string{"1", "2"}, ids(got.Messages)); diff != "" {
		t.Fatalf("list mismatch (-want +got):\n%s", diff)
	}
	if got.Stats.Malformed != 1 || got.LoadedCount != 2 {
		t.Fatalf("malformed=%d loaded=%d want 1,2", got.Stats.Malformed, got.LoadedCount)
	}
}

func TestAssemble_SeedFilterLowersConfidence(t *testing.T) {
	t.Parallel()

	seed := ThreadSeed{Participants: []string{"help@acme.io", "jane@example.com"}, Subject: "invoice", InboxEmail: "help@acme.io"}
	pages := []Page{{
		Messages: norm(
			emailRaw("a", 3, "jane@example.com", "help@acme.io", "Invoice"),
			emailRaw("b", 2, "bob@example.com", "help@acme.io", "Something else"),
			rawAt("note", 1),
		),
		HasMore: true,
	}}

	got := Assemble(pages, AssembleOptions{Seed: &seed, TotalCount: 50, HasNextPage: true})
	if diff := cmp.Diff([]string{"a", "note"}, ids(got.Messages)); diff != "" {
		t.Fatalf("list mismatch (-want +got):\n%s", diff)
	}
	if got.Confidence != ConfidenceLow {
		t.Fatalf("confidence=%s want low", got.Confidence)
	}
	if got.Remaining.Known {
		t.Fatalf("remaining must be indeterminate under low confidence, got %+v", got.Remaining)
	}
}

func TestAssemble_LowConfidenceHidesRemainingOnLastPage(t *testing.T) {
	t.Parallel()

	seed := ThreadSeed{Participants: []string{"help@acme.io", "jane@example.com"}, Subject: "invoice", InboxEmail: "help@acme.io"}
	pages := []Page{{Messages: norm(
		emailRaw("a", 2, "jane@example.com", "help@acme.io", "Invoice"),
		emailRaw("b", 1, "bob@example.com", "help@acme.io", "Other thread"),
	)}}

	got := Assemble(pages, AssembleOptions{Seed: &seed, TotalCount: 2, HasNextPage: false})
	if got.Confidence != ConfidenceLow {
		t.Fatalf("confidence=%s want low", got.Confidence)
	}
	if got.Remaining.Known {
		t.Fatalf("remaining=%+v want indeterminate under low confidence", got.Remaining)
	}
}

func TestAssemble_QuotedExtractionFlag(t *testing.T) {
	t.Parallel()

	nctx := &NormalizationContext{}
	pages := []Page{{Messages: NormalizeAll([]store.RawMessage{quotedRaw("m1", "2025-03-05T09:00:00Z", gmailReply)}, nctx)}}

	off := Assemble(pages, AssembleOptions{Context: nctx, TotalCount: 1})
	if len(off.Messages) != 1 {
		t.Fatalf("flag off: len=%d want 1", len(off.Messages))
	}
	on := Assemble(pages, AssembleOptions{Context: nctx, TotalCount: 1, QuotedExtraction: true})
	if diff := cmp.Diff([]string{"m1", "m1#q1"}, ids(on.Messages)); diff != "" {
		t.Fatalf("flag on mismatch (-want +got):\n%s", diff)
	}
	if on.Stats.Fetched != 1 || on.Confidence != ConfidenceHigh {
		t.Fatalf("fetched=%d confidence=%s want 1 high", on.Stats.Fetched, on.Confidence)
	}
}

func TestAssemble_DedupIdempotentOverPages(t *testing.T) {
	t.Parallel()

	a, b, c := rawSeq("1", 10), rawSeq("2", 9), rawSeq("3", 8)
	pages := []Page{{Messages: norm(a, b, b)}, {Messages: norm(c, a)}, {Messages: norm(b, c)}}
	first := Assemble(pages, AssembleOptions{TotalCount: 3})
	again := Assemble([]Page{{Messages: first.Messages}}, AssembleOptions{TotalCount: 3})
	if diff := cmp.Diff(ids(first.Messages), ids(again.Messages)); diff != "" {
		t.Fatalf("re-assembly changed the list:\n%s", diff)
	}
	seen := map[string]bool{}
	for _, m := range first.Messages {
		if seen[m.DedupKey] {
			t.Fatalf("duplicate key %s", m.DedupKey)
		}
		seen[m.DedupKey] = true
	}
}

func TestConfidenceFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		stats AssembleStats
		total int
		want  Confidence
	}{
		{stats: AssembleStats{Fetched: 3}, total: 3, want: ConfidenceHigh},
		{stats: AssembleStats{Fetched: 3, Duplicates: 2, Malformed: 1}, total: 10, want: ConfidenceHigh},
		{stats: AssembleStats{Fetched: 3, SeedMismatches: 1}, total: 10, want: ConfidenceLow},
		{stats: AssembleStats{Fetched: 11}, total: 10, want: ConfidenceLow},
	}
	for i, tc := range cases {
		if got := ConfidenceFor(tc.stats, tc.total); got != tc.want {
			t.Fatalf("case %d: confidence=%s want=%s", i, got, tc.want)
		}
	}
}

func TestRemainingFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		total, fetched int
		hasNext        bool
		conf           Confidence
		ceiling        int
		want           Remaining
	}{
		{total: 3, fetched: 3, hasNext: false, conf: ConfidenceHigh, want: Remaining{Count: 0, Known: true}},
		{total: 10, fetched: 3, hasNext: false, conf: ConfidenceLow, want: Remaining{}},
		{total: 10, fetched: 3, hasNext: true, conf: ConfidenceHigh, want: Remaining{Count: 7, Known: true}},
		{total: 503, fetched: 3, hasNext: true, conf: ConfidenceHigh, want: Remaining{Count: 500, Known: true}},
		{total: 504, fetched: 3, hasNext: true, conf: ConfidenceHigh, want: Remaining{}},
		{total: 10, fetched: 3, hasNext: true, conf: ConfidenceLow, want: Remaining{}},
		{total: 2, fetched: 3, hasNext: true, conf: ConfidenceHigh, want: Remaining{Count: 0, Known: true}},
		{total: 30, fetched: 3, hasNext: true, conf: ConfidenceHigh, ceiling: 20, want: Remaining{}},
	}
	for _, tc := range cases {
		name := fmt.Sprintf("total=%d fetched=%d next=%v conf=%s ceiling=%d", tc.total, tc.fetched, tc.hasNext, tc.conf, tc.ceiling)
		if got := RemainingFor(tc.total, tc.fetched, tc.hasNext, tc.conf, tc.ceiling); got != tc.want {
			t.Fatalf("%s: remaining=%+v want=%+v", name, got, tc.want)
		}
	}
}
