// Package gmailsync imports Gmail threads into the message store.
package gmailsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"supporthub/cmd/internal/store"
	"supporthub/cmd/internal/thread"

	gmailv1 "google.golang.org/api/gmail/v1"
)

// ExternalIDPrefix namespaces Gmail ids in external_id.
const ExternalIDPrefix = "gmail:"

// ErrNoPayload reports a message fetched without its MIME tree.
var ErrNoPayload = errors.New("gmailsync: message has no payload")

// Mailbox describes the support inbox a thread belongs to.
type Mailbox struct {
	InboxID    string
	InboxEmail string
	// AgentEmails are other addresses whose mail counts as agent-sent.
	AgentEmails []string
}

func (m Mailbox) isAgent(addr string) bool {
	if addr == "" {
		return false
	}
	if addr == thread.NormalizeAddress(m.InboxEmail) {
		return true
	}
	return slices.ContainsFunc(m.AgentEmails, func(a string) bool {
		return thread.NormalizeAddress(a) == addr
	})
}

// ConversationID maps a Gmail thread onto a conversation id.
func ConversationID(threadID string) string {
	return "gmail-" + threadID
}

// ConvertMessage builds the append input for one Gmail message.
func ConvertMessage(m *gmailv1.Message, conversationID string, box Mailbox) (store.AppendMessageInput, error) {
	if m == nil || m.Payload == nil {
		return store.AppendMessageInput{}, ErrNoPayload
	}
	if strings.TrimSpace(m.Id) == "" {
		return store.AppendMessageInput{}, fmt.Errorf("%w: missing gmail id", store.ErrInvalidInput)
	}

	headers := make(store.Headers, 0, len(m.Payload.Headers))
	for _, h := range m.Payload.Headers {
		if h == nil || strings.TrimSpace(h.Name) == "" {
			continue
		}
		headers = append(headers, store.Header{Name: h.Name, Value: h.Value})
	}

	from := thread.NormalizeAddress(headers.Get("From"))
	sender := store.SenderCustomer
	if box.isAgent(from) {
		sender = store.SenderAgent
	}

	content, contentType := plainBody(m.Payload), "text/plain"
	if strings.TrimSpace(content) == "" {
		if html := htmlBody(m.Payload); html != "" {
			content = stripHTML(html)
		}
	}
	if strings.TrimSpace(content) == "" {
		content = m.Snippet
	}

	in := store.AppendMessageInput{
		ConversationID: conversationID,
		Conversation: store.ConversationRef{
			CustomerEmail: customerAddress(headers, box),
			InboxID:       box.InboxID,
		},
		Content:        content,
		ContentType:    contentType,
		SenderType:     sender,
		SenderID:       from,
		EmailSubject:   headers.Get("Subject"),
		Headers:        headers,
		ExternalID:     ExternalIDPrefix + m.Id,
		EmailMessageID: headers.Get("Message-ID"),
		CreatedAt:      internalDate(m),
	}
	if atts := attachmentNames(m.Payload); len(atts) > 0 {
		b, err := json.Marshal(atts)
		if err != nil {
			return store.AppendMessageInput{}, err
		}
		in.Attachments = b
	}
	return in, nil
}

// customerAddress picks the first non-agent address out of From, Reply-To, To.
func customerAddress(h store.Headers, box Mailbox) string {
	for _, name := range []string{"From", "Reply-To", "To"} {
		for _, v := range h.Values(name) {
			for _, part := range strings.Split(v, ",") {
				addr := thread.NormalizeAddress(part)
				if addr != "" && !box.isAgent(addr) {
					return addr
				}
			}
		}
	}
	return ""
}

// internalDate is Gmail's receive time, in milliseconds since the epoch.
// Zero lets the store stamp the import time.
func internalDate(m *gmailv1.Message) time.Time {
	if m.InternalDate <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.InternalDate).UTC()
}
