package thread

import (
	"testing"
	"time"

	"supporthub/cmd/internal/store"

	"github.com/google/go-cmp/cmp"
)

func quotedRaw(id, createdAt, content string) store.RawMessage {
	return store.RawMessage{
		ID:             id,
		ConversationID: "c1",
		Content:        content,
		SenderType:     store.SenderAgent,
		CreatedAt:      createdAt,
		EmailSubject:   "Re: Invoice",
		Headers:        store.Headers{{Name: "From", Value: "help@acme.io"}, {Name: "To", Value: "jane@example.com"}},
	}
}

const gmailReply = "Thanks, that works.\n\n" +
	"On Mon, Mar 3, 2025 at 10:00 AM, Jane <jane@example.com> wrote:\n" +
	"> Can you resend the invoice?\n" +
	"> Thanks"

func TestExpandQuotes_GmailAttribution(t *testing.T) {
	t.Parallel()

	nctx := &NormalizationContext{AgentEmails: []string{"help@acme.io"}}
	in := NormalizeAll([]store.RawMessage{quotedRaw("m1", "2025-03-05T09:00:00Z", gmailReply)}, nctx)

	out := ExpandQuotes(in, nctx)
	if len(out) != 2 {
		t.Fatalf("len=%d want 2", len(out))
	}
	if out[0].Content != "Thanks, that works." {
		t.Fatalf("parent content=%q", out[0].Content)
	}

	q := out[1]
	want := struct {
		ID, Content, SenderID, QuotedFrom string
		Direction                         Direction
		Synthetic                         bool
		CreatedAt                         time.Time
	}{
		ID:         "m1#q1",
		Content:    "Can you resend the invoice?\nThanks",
		SenderID:   "jane@example.com",
		QuotedFrom: "id:m1",
		Direction:  Inbound,
		Synthetic:  true,
		CreatedAt:  time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC),
	}
	got := want
	got.ID, got.Content, got.SenderID, got.QuotedFrom = q.ID, q.Content, q.SenderID, q.QuotedFrom
	got.Direction, got.Synthetic, got.CreatedAt = q.Direction, q.Synthetic, q.CreatedAt
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("synthetic mismatch (-want +got):\n%s", diff)
	}
}

func TestExpandQuotes_OutlookBlockAndAgentAuthor(t *testing.T) {
	t.Parallel()

	content := "Customer again.\n\n" +
		"-----Original Message-----\n" +
		"From: Help Desk <help@acme.io>\n" +
		"Sent: Monday, March 3, 2025 10:00 AM\n" +
		"To: jane@example.com\n" +
		"Subject: Invoice\n" +
		"\n" +
		"Please find the invoice attached."
	raw := quotedRaw("m2", "2025-03-05T09:00:00Z", content)
	raw.SenderType = store.SenderCustomer

	nctx := &NormalizationContext{AgentEmails: []string{"help@acme.io"}}
	out := ExpandQuotes(NormalizeAll([]store.RawMessage{raw}, nctx), nctx)
	if len(out) != 2 {
		t.Fatalf("len=%d want 2", len(out))
	}
	q := out[1]
	if q.Content != "Please find the invoice attached." {
		t.Fatalf("quote content=%q", q.Content)
	}
	if q.Direction != Outbound || q.SenderType != store.SenderAgent {
		t.Fatalf("direction=%s sender_type=%s want outbound agent", q.Direction, q.SenderType)
	}
	if !q.CreatedAt.Equal(time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("created_at=%v", q.CreatedAt)
	}
}

func TestExpandQuotes_NestedAndIdempotent(t *testing.T) {
	t.Parallel()

	content := "Third.\n\n" +
		"On Tue, Mar 4, 2025 at 9:00 AM, Help <help@acme.io> wrote:\n" +
		"> Second.\n" +
		">\n" +
		"> On Mon, Mar 3, 2025 at 10:00 AM, Jane <jane@example.com> wrote:\n" +
		">> First."
	nctx := &NormalizationContext{}
	in := NormalizeAll([]store.RawMessage{quotedRaw("m3", "2025-03-05T09:00:00Z", content)}, nctx)

	once := ExpandQuotes(in, nctx)
	if diff := cmp.Diff([]string{"m3", "m3#q1", "m3#q1#q2"}, ids(once)); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}
	if once[1].Content != "Second." || once[2].Content != "First." {
		t.Fatalf("contents=%q,%q", once[1].Content, once[2].Content)
	}

	twice := ExpandQuotes(once, nctx)
	if diff := cmp.Diff(ids(once), ids(twice)); diff != "" {
		t.Fatalf("not idempotent:\n%s", diff)
	}
}

func TestExpandQuotes_SkipsQuotesOfLoadedMessages(t *testing.T) {
	t.Parallel()

	original := quotedRaw("m0", "2025-03-03T10:00:00Z", "Can you resend the invoice?\nThanks")
	reply := quotedRaw("m1", "2025-03-05T09:00:00Z", gmailReply)
	nctx := &NormalizationContext{}

	out := ExpandQuotes(NormalizeAll([]store.RawMessage{reply, original}, nctx), nctx)
	if diff := cmp.Diff([]string{"m1", "m0"}, ids(out)); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}
	if out[0].Content != "Thanks, that works." {
		t.Fatalf("parent not trimmed: %q", out[0].Content)
	}
}

func TestExpandQuotes_DateAfterParentFallsBack(t *testing.T) {
	t.Parallel()

	nctx := &NormalizationContext{}
	in := NormalizeAll([]store.RawMessage{quotedRaw("m1", "2025-03-01T09:00:00Z", gmailReply)}, nctx)
	out := ExpandQuotes(in, nctx)
	if len(out) != 2 {
		t.Fatalf("len=%d want 2", len(out))
	}
	if want := in[0].CreatedAt.Add(-time.Millisecond); !out[1].CreatedAt.Equal(want) {
		t.Fatalf("created_at=%v want=%v", out[1].CreatedAt, want)
	}
}

func TestExpandQuotes_NilContextIsNoop(t *testing.T) {
	t.Parallel()

	in := norm(quotedRaw("m1", "2025-03-05T09:00:00Z", gmailReply))
	out := ExpandQuotes(in, nil)
	if len(out) != 1 || out[0].Content != gmailReply {
		t.Fatalf("expected unchanged input")
	}
}
