package thread

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDedupKey_Priority(t *testing.T) {
	t.Parallel()

	cases := []struct {
		mid, ext, id string
		want         string
	}{
		{mid: "<A@B.com>", ext: "e1", id: "1", want: "mid:a@b.com"},
		{mid: "", ext: "e1", id: "1", want: "ext:e1"},
		{mid: "  ", ext: "", id: "1", want: "id:1"},
		{want: ""},
	}
	for _, tc := range cases {
		if got := DedupKey(tc.mid, tc.ext, tc.id); got != tc.want {
			t.Fatalf("DedupKey(%q,%q,%q)=%q want=%q", tc.mid, tc.ext, tc.id, got, tc.want)
		}
	}
}

func TestDedupe_StableFirstWins(t *testing.T) {
	t.Parallel()

	a := rawAt("1", 3)
	a.EmailMessageID = "<x@mail>"
	b := rawAt("2", 2)
	b.ExternalID = "wa-9"
	aCopy := rawAt("3", 1)
	aCopy.Headers = nil
	aCopy.EmailMessageID = "<X@MAIL>"
	bCopy := rawAt("4", 0)
	bCopy.ExternalID = "wa-9"
	c := rawAt("5", 0)

	in := norm(a, b, aCopy, c, bCopy)
	got := Dedupe(in)
	if diff := cmp.Diff([]string{"1", "2", "5"}, ids(got)); diff != "" {
		t.Fatalf("dedupe mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(ids(got), ids(Dedupe(got))); diff != "" {
		t.Fatalf("dedupe not idempotent:\n%s", diff)
	}
}

func TestDedupe_KeepsKeylessEntries(t *testing.T) {
	t.Parallel()

	in := []NormalizedMessage{{Content: "a"}, {Content: "b"}}
	if got := Dedupe(in); len(got) != 2 {
		t.Fatalf("len=%d want 2", len(got))
	}
}
