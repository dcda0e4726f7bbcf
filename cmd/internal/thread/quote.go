package thread

import (
	"encoding/hex"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"supporthub/cmd/internal/store"

	"golang.org/x/crypto/blake2b"
)

// maxQuoteDepth bounds recursion into nested quotes.
const maxQuoteDepth = 8

var (
	// "On Mon, Mar 3, 2025 at 10:00 AM, Jane <jane@x.com> wrote:" (Gmail, Apple Mail, Thunderbird).
	attributionRE = regexp.MustCompile(`(?m)^[ \t>]*On (.{4,300}?)\s+wrote:[ \t]*$`)
	// "-----Original Message-----" (Outlook).
	originalMessageRE = regexp.MustCompile(`(?mi)^[ \t>]*-{2,}\s*Original Message\s*-{2,}[ \t]*$`)

	emailInTextRE = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
)

var attributionDateLayouts = []string{
	"Mon, Jan 2, 2006 at 3:04 PM",
	"Mon, Jan 2, 2006 at 15:04",
	"Mon, 2 Jan 2006 at 15:04",
	"Mon, 2 Jan 2006 15:04",
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Jan 2, 2006, at 3:04 PM",
	"Jan 2, 2006 at 3:04 PM",
	"Monday, January 2, 2006 3:04 PM",
	"Monday, January 2, 2006 at 3:04 PM",
	"2 Jan 2006 15:04",
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
	"02/01/2006 15:04",
	"1/2/2006 3:04 PM",
}

type quoteBlock struct {
	head      string // text before the quote marker
	body      string // quoted text with one level of "> " removed
	author    string // normalized address, may be empty
	date      time.Time
	dateValid bool
}

// splitQuote finds the first quote marker in content.
func splitQuote(content string) (quoteBlock, bool) {
	attr := attributionRE.FindStringSubmatchIndex(content)
	orig := originalMessageRE.FindStringIndex(content)

	switch {
	case attr != nil && (orig == nil || attr[0] <= orig[0]):
		qb := quoteBlock{
			head: strings.TrimSpace(content[:attr[0]]),
			body: unquoteLines(content[attr[1]:]),
		}
		qb.author, qb.date, qb.dateValid = parseAttribution(content[attr[2]:attr[3]])
		return qb, true

	case orig != nil:
		qb := quoteBlock{head: strings.TrimSpace(content[:orig[0]])}
		qb.body, qb.author, qb.date, qb.dateValid = parseOriginalMessage(unquoteLines(content[orig[1]:]))
		return qb, true
	}
	return quoteBlock{}, false
}

// unquoteLines removes one level of ">" quoting and trims the block.
func unquoteLines(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		l = strings.TrimRight(l, "\r")
		t := strings.TrimLeft(l, " \t")
		if strings.HasPrefix(t, ">") {
			t = strings.TrimPrefix(t, ">")
			t = strings.TrimPrefix(t, " ")
			lines[i] = t
			continue
		}
		lines[i] = l
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func parseAttribution(s string) (string, time.Time, bool) {
	author := ""
	if m := emailInTextRE.FindString(s); m != "" {
		author = canonicalAddress(m)
	}

	parts := strings.Split(s, ",")
	for i := len(parts); i >= 1; i-- {
		cand := strings.TrimSpace(strings.Join(parts[:i], ","))
		if t, ok := parseLooseDate(cand); ok {
			return author, t, true
		}
	}
	return author, time.Time{}, false
}

// parseOriginalMessage reads the From/Sent/Date header block that follows an
// Outlook separator and returns the remaining body.
func parseOriginalMessage(s string) (body, author string, date time.Time, dateValid bool) {
	lines := strings.Split(s, "\n")
	i := 0
	for ; i < len(lines); i++ {
		l := strings.TrimSpace(lines[i])
		if l == "" {
			break
		}
		name, value, ok := strings.Cut(l, ":")
		if !ok {
			break
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "from":
			if a := NormalizeAddress(value); a != "" {
				author = a
			} else if m := emailInTextRE.FindString(value); m != "" {
				author = canonicalAddress(m)
			}
		case "sent", "date":
			date, dateValid = parseLooseDate(value)
		case "to", "cc", "subject":
		default:
			// Not a header block after all.
			return strings.TrimSpace(s), author, date, dateValid
		}
	}
	return strings.TrimSpace(strings.Join(lines[i:], "\n")), author, date, dateValid
}

func parseLooseDate(s string) (time.Time, bool) {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return time.Time{}, false
	}
	if t, err := mail.ParseDate(s); err == nil {
		return t.UTC(), true
	}
	for _, layout := range attributionDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// quoteFingerprint identifies quoted text independent of wrapping and case.
func quoteFingerprint(body string) string {
	sum := blake2b.Sum256([]byte(normalizeQuoteBody(body)))
	return hex.EncodeToString(sum[:16])
}

func normalizeQuoteBody(s string) string {
	var b strings.Builder
	for _, l := range strings.Split(s, "\n") {
		l = strings.TrimLeft(strings.TrimSpace(l), "> ")
		if l == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(l)
	}
	return strings.ToLower(strings.Join(strings.Fields(b.String()), " "))
}

// ExpandQuotes splits quoted history out of each message into synthetic
// entries placed at the quoted message's own time. Nested quotes are expanded
// in the same pass, so applying ExpandQuotes to its own output changes nothing.
// A quote whose text matches a message already in msgs is not emitted again.
// A nil nctx disables expansion.
func ExpandQuotes(msgs []NormalizedMessage, nctx *NormalizationContext) []NormalizedMessage {
	if nctx == nil || len(msgs) == 0 {
		return msgs
	}

	known := make(map[string]struct{}, len(msgs))
	keys := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if body := normalizeQuoteBody(m.Content); body != "" {
			known[body] = struct{}{}
		}
		keys[m.DedupKey] = struct{}{}
	}

	out := make([]NormalizedMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Synthetic || m.Malformed {
			out = append(out, m)
			continue
		}
		parent, synth := expandOne(m, nctx, known, keys, 0)
		out = append(out, parent)
		out = append(out, synth...)
	}
	return out
}

func expandOne(m NormalizedMessage, nctx *NormalizationContext, known, keys map[string]struct{}, depth int) (NormalizedMessage, []NormalizedMessage) {
	if depth >= maxQuoteDepth {
		return m, nil
	}
	qb, ok := splitQuote(m.Content)
	if !ok || qb.head == "" || qb.body == "" {
		return m, nil
	}
	m.Content = qb.head

	// A quote of a message already in the list is not repeated; that message
	// expands its own history.
	full := normalizeQuoteBody(qb.body)
	key := "quote:" + quoteFingerprint(qb.body)
	if _, dup := known[full]; dup {
		return m, nil
	}
	if _, dup := keys[key]; dup {
		return m, nil
	}
	known[full] = struct{}{}
	keys[key] = struct{}{}

	q := NormalizedMessage{
		ID:             m.ID + "#q" + strconv.Itoa(depth+1),
		ConversationID: m.ConversationID,
		Content:        qb.body,
		ContentType:    "text/plain",
		Subject:        m.Subject,
		Conversation:   m.Conversation,
		DedupKey:       key,
		Direction:      Inbound,
		SenderType:     store.SenderCustomer,
		Synthetic:      true,
		QuotedFrom:     m.DedupKey,
	}

	q.CreatedAt = m.CreatedAt.Add(-time.Millisecond)
	if qb.dateValid && qb.date.Before(m.CreatedAt) {
		q.CreatedAt = qb.date
	}

	if qb.author != "" {
		q.SenderID = qb.author
		q.Participants = []string{qb.author}
		if nctx.isAgentAddress(qb.author) {
			q.SenderType = store.SenderAgent
			q.Direction = Outbound
		}
	}

	q, nested := expandOne(q, nctx, known, keys, depth+1)
	return m, append([]NormalizedMessage{q}, nested...)
}
