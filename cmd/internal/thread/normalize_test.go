package thread

import (
	"testing"
	"time"

	"supporthub/cmd/internal/store"
)

func TestNormalize_ValidRow(t *testing.T) {
	t.Parallel()

	raw := emailRaw("m1", 0, "Jane <jane+billing@Example.com>", "help@acme.io", "Re: Invoice")
	raw.ContentType = ""
	raw.Headers = append(raw.Headers, store.Header{Name: "Message-ID", Value: "<abc@mail.example.com>"})

	m := Normalize(raw, nil)
	if m.Malformed {
		t.Fatalf("unexpected malformed: %s", m.MalformedReason)
	}
	if !m.CreatedAt.Equal(testBase) {
		t.Fatalf("created_at=%v want=%v", m.CreatedAt, testBase)
	}
	if m.ContentType != "text/plain" {
		t.Fatalf("content_type=%q want text/plain", m.ContentType)
	}
	if m.EmailMessageID != "<abc@mail.example.com>" {
		t.Fatalf("email_message_id=%q (header fallback)", m.EmailMessageID)
	}
	if m.DedupKey != "mid:abc@mail.example.com" {
		t.Fatalf("dedup_key=%q", m.DedupKey)
	}
	if got, want := m.Participants, []string{"help@acme.io", "jane@example.com"}; len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("participants=%v want=%v", got, want)
	}
	if m.Direction != Inbound {
		t.Fatalf("direction=%s want inbound", m.Direction)
	}
}

func TestNormalize_SubjectFallsBackToHeader(t *testing.T) {
	t.Parallel()

	raw := rawAt("m1", 0)
	raw.Headers = store.Headers{{Name: "subject", Value: " Order 42 "}}
	if got := Normalize(raw, nil).Subject; got != "Order 42" {
		t.Fatalf("subject=%q want %q", got, "Order 42")
	}
}

func TestNormalize_MalformedIsTotal(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		raw    store.RawMessage
		reason string
	}{
		{name: "bad timestamp", raw: store.RawMessage{ID: "x", CreatedAt: "yesterday"}, reason: MalformedBadTimestamp},
		{name: "empty timestamp", raw: store.RawMessage{ID: "x"}, reason: MalformedBadTimestamp},
		{name: "missing id", raw: store.RawMessage{CreatedAt: "2025-03-01T12:00:00Z"}, reason: MalformedMissingID},
		{name: "blank id", raw: store.RawMessage{ID: "  ", CreatedAt: "2025-03-01T12:00:00Z"}, reason: MalformedMissingID},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := Normalize(tc.raw, nil)
			if !m.Malformed || m.MalformedReason != tc.reason {
				t.Fatalf("malformed=%v reason=%q want reason=%q", m.Malformed, m.MalformedReason, tc.reason)
			}
		})
	}

	m := Normalize(store.RawMessage{ID: "x", CreatedAt: "garbage"}, nil)
	if !m.CreatedAt.Equal(time.Unix(0, 0)) {
		t.Fatalf("created_at=%v want epoch", m.CreatedAt)
	}
}

func TestNormalize_DirectionFromContext(t *testing.T) {
	t.Parallel()

	nctx := &NormalizationContext{
		ViewerEmail: "viewer@acme.io",
		AgentEmails: []string{"Support+tier2@acme.io"},
		AgentPhones: []string{"+1 (555) 010-0200"},
	}

	cases := []struct {
		name string
		raw  store.RawMessage
		want Direction
	}{
		{name: "agent sender type", raw: func() store.RawMessage { r := rawAt("a", 0); r.SenderType = store.SenderAgent; return r }(), want: Outbound},
		{name: "viewer from", raw: emailRaw("b", 0, "viewer@acme.io", "c@x.com", "s"), want: Outbound},
		{name: "agent alias from", raw: emailRaw("c", 0, "support@acme.io", "c@x.com", "s"), want: Outbound},
		{name: "agent phone", raw: func() store.RawMessage { r := rawAt("d", 0); r.SenderID = "15550100200"; return r }(), want: Outbound},
		{name: "customer", raw: emailRaw("e", 0, "c@x.com", "support@acme.io", "s"), want: Inbound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Normalize(tc.raw, nctx).Direction; got != tc.want {
				t.Fatalf("direction=%s want=%s", got, tc.want)
			}
		})
	}
}

func TestNormalize_ContextNeverChangesDedupKey(t *testing.T) {
	t.Parallel()

	raw := emailRaw("m1", 0, "viewer@acme.io", "c@x.com", "s")
	raw.ExternalID = "wa-1"
	a := Normalize(raw, nil)
	b := Normalize(raw, &NormalizationContext{ViewerEmail: "viewer@acme.io"})
	if a.DedupKey != b.DedupKey {
		t.Fatalf("dedup key depends on context: %q vs %q", a.DedupKey, b.DedupKey)
	}
	if a.Direction == b.Direction {
		t.Fatalf("direction should differ by viewer")
	}
}

func TestNormalizeAddress(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Jane <Jane+x@Example.COM>": "jane@example.com",
		"bob@example.com":           "bob@example.com",
		"bad, a@b.io":               "a@b.io",
		"not an address":            "",
		"":                          "",
	}
	for in, want := range cases {
		if got := NormalizeAddress(in); got != want {
			t.Fatalf("NormalizeAddress(%q)=%q want=%q", in, got, want)
		}
	}
}
