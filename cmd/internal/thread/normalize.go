// Package thread turns paginated, overlapping message rows into one stable,
// deduplicated, newest-first conversation thread.
//
// The package is layered leaf first: Normalize, the thread seed, Dedupe,
// quote expansion, Assemble, and finally the Loader/Session pair that owns
// per-conversation paging state.
package thread

import (
	"encoding/json"
	"strings"
	"time"

	"supporthub/cmd/internal/store"
)

// Direction is the display-only classification of a message.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Malformed reasons.
const (
	MalformedMissingID    = "missing_id"
	MalformedBadTimestamp = "bad_timestamp"
)

// NormalizationContext describes who is looking at the thread. It only
// influences display classification; it never changes dedup keys.
type NormalizationContext struct {
	ViewerEmail string
	AgentEmails []string
	AgentPhones []string
}

func (c *NormalizationContext) isAgentAddress(addr string) bool {
	if c == nil || addr == "" {
		return false
	}
	if addr == NormalizeAddress(c.ViewerEmail) {
		return true
	}
	for _, a := range c.AgentEmails {
		if addr == NormalizeAddress(a) {
			return true
		}
	}
	return false
}

func (c *NormalizationContext) isAgentPhone(id string) bool {
	if c == nil {
		return false
	}
	digits := phoneDigits(id)
	if digits == "" {
		return false
	}
	for _, p := range c.AgentPhones {
		if phoneDigits(p) == digits {
			return true
		}
	}
	return false
}

// NormalizedMessage is the canonical in-memory message. It lives for one view
// and is never persisted.
type NormalizedMessage struct {
	ID             string
	ConversationID string
	Content        string
	ContentType    string
	SenderType     string
	SenderID       string
	IsInternal     bool
	Attachments    json.RawMessage
	CreatedAt      time.Time
	Subject        string
	Headers        store.Headers
	ExternalID     string
	EmailMessageID string
	Conversation   store.ConversationRef

	DedupKey     string
	Direction    Direction
	Participants []string

	Malformed       bool
	MalformedReason string

	// Synthetic marks an entry split out of another message's quoted text.
	Synthetic  bool
	QuotedFrom string
}

// Normalize converts one raw row. It is total: bad input yields a message
// flagged Malformed with CreatedAt at the Unix epoch, never a panic.
func Normalize(raw store.RawMessage, nctx *NormalizationContext) NormalizedMessage {
	m := NormalizedMessage{
		ID:             strings.TrimSpace(raw.ID),
		ConversationID: raw.ConversationID,
		Content:        raw.Content,
		ContentType:    raw.ContentType,
		SenderType:     raw.SenderType,
		SenderID:       raw.SenderID,
		IsInternal:     raw.IsInternal,
		Attachments:    raw.Attachments,
		Headers:        raw.Headers,
		ExternalID:     strings.TrimSpace(raw.ExternalID),
		EmailMessageID: strings.TrimSpace(raw.EmailMessageID),
		Conversation:   raw.Conversation,
	}
	if m.ContentType == "" {
		m.ContentType = "text/plain"
	}
	if m.EmailMessageID == "" {
		m.EmailMessageID = strings.TrimSpace(raw.Headers.Get("Message-ID"))
	}

	m.Subject = strings.TrimSpace(raw.EmailSubject)
	if m.Subject == "" {
		m.Subject = strings.TrimSpace(raw.Headers.Get("Subject"))
	}

	ts, ok := store.ParseTimestamp(raw.CreatedAt)
	switch {
	case m.ID == "":
		m.Malformed = true
		m.MalformedReason = MalformedMissingID
	case !ok:
		m.Malformed = true
		m.MalformedReason = MalformedBadTimestamp
	}
	if !ok {
		ts = time.Unix(0, 0).UTC()
	}
	m.CreatedAt = ts

	m.DedupKey = DedupKey(m.EmailMessageID, m.ExternalID, m.ID)
	m.Participants = participantsOf(raw.Headers)
	m.Direction = classifyDirection(m, nctx)
	return m
}

// NormalizeAll normalizes rows in order.
func NormalizeAll(rows []store.RawMessage, nctx *NormalizationContext) []NormalizedMessage {
	out := make([]NormalizedMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, Normalize(r, nctx))
	}
	return out
}

func classifyDirection(m NormalizedMessage, nctx *NormalizationContext) Direction {
	if m.SenderType == store.SenderAgent {
		return Outbound
	}
	if nctx != nil {
		if from := NormalizeAddress(m.Headers.Get("From")); from != "" && nctx.isAgentAddress(from) {
			return Outbound
		}
		if nctx.isAgentPhone(m.SenderID) {
			return Outbound
		}
	}
	return Inbound
}

func phoneDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() < 5 {
		return ""
	}
	return b.String()
}

// reclassify recomputes the viewer-dependent fields of cached messages.
func reclassify(msgs []NormalizedMessage, nctx *NormalizationContext) []NormalizedMessage {
	out := make([]NormalizedMessage, len(msgs))
	for i, m := range msgs {
		m.Direction = classifyDirection(m, nctx)
		out[i] = m
	}
	return out
}
