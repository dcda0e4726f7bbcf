// Package store holds the helpdesk message persistence layer: the raw row shape,
// header decoding at the boundary, and the MessageStore implementations
// (in-memory, PostgreSQL, SQLite).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Sender types.
const (
	SenderCustomer = "customer"
	SenderAgent    = "agent"
)

const (
	defaultPageRows = 21
	maxPageRows     = 201

	maxContentBytes = 256 << 10
)

var (
	// ErrInvalidInput reports a rejected write or query argument.
	ErrInvalidInput = errors.New("store: invalid input")
	// ErrNotFound reports a missing inbox or conversation.
	ErrNotFound = errors.New("store: not found")
)

// ConversationRef is the conversation back-reference carried on every row.
type ConversationRef struct {
	CustomerEmail string
	CustomerName  string
	InboxID       string
}

// RawMessage is one messages row exactly as the store returns it.
// CreatedAt is kept as the stored string; parsing happens during normalization.
type RawMessage struct {
	ID             string
	ConversationID string
	Content        string
	ContentType    string
	SenderType     string
	SenderID       string
	IsInternal     bool
	Attachments    json.RawMessage
	CreatedAt      string
	EmailSubject   string
	Headers        Headers
	// HeadersInvalid is set when the stored header blob could not be decoded.
	HeadersInvalid bool
	ExternalID     string
	EmailMessageID string
	Conversation   ConversationRef
}

// PageQuery selects one window of a conversation, newest first.
// Before is an exclusive upper bound on created_at.
type PageQuery struct {
	ConversationID string
	Limit          int
	Before         *time.Time
}

// AppendMessageInput describes one message write.
type AppendMessageInput struct {
	ConversationID string
	Conversation   ConversationRef

	Content     string
	ContentType string
	SenderType  string
	SenderID    string
	IsInternal  bool
	Attachments json.RawMessage

	EmailSubject   string
	Headers        Headers
	ExternalID     string
	EmailMessageID string

	// CreatedAt defaults to now (UTC).
	CreatedAt time.Time
}

// AppendMessageResult is the append operation result.
type AppendMessageResult struct {
	Stored     RawMessage
	Duplicated bool
}

// MessageStore persists and queries conversation messages.
//
// Requirements:
//   - Idempotency per (conversation_id, external_id) and per (conversation_id, canonical email_message_id)
//   - FetchMessagesPage ordered by created_at DESC, id DESC, with Before exclusive
//   - FetchMessagesPage returns at most Limit rows; callers over-fetch to detect more
type MessageStore interface {
	FetchMessagesPage(ctx context.Context, q PageQuery) ([]RawMessage, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)
	AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)
	InboxEmail(ctx context.Context, inboxID string) (string, error)
	PutInbox(ctx context.Context, inboxID, email string) error
	Close() error
}

// TimestampLayout is the canonical created_at text form. It is fixed width so
// lexicographic order matches time order in text columns.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTimestamp renders t in TimestampLayout (UTC).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	TimestampLayout,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	time.RFC1123Z,
	time.RFC1123,
}

// ParseTimestamp parses a stored created_at value. It accepts RFC 3339,
// the canonical layout, and the text forms Postgres emits for timestamptz.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// CanonicalMessageID trims, strips angle brackets and lowercases an RFC 5322 Message-ID.
func CanonicalMessageID(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	return strings.ToLower(strings.TrimSpace(s))
}

func validateAppend(in AppendMessageInput) error {
	if strings.TrimSpace(in.ConversationID) == "" {
		return fmt.Errorf("%w: missing conversation_id", ErrInvalidInput)
	}
	switch in.SenderType {
	case SenderCustomer, SenderAgent:
	default:
		return fmt.Errorf("%w: sender_type must be %q or %q", ErrInvalidInput, SenderCustomer, SenderAgent)
	}
	if strings.TrimSpace(in.Content) == "" && len(in.Attachments) == 0 {
		return fmt.Errorf("%w: empty message", ErrInvalidInput)
	}
	if len(in.Content) > maxContentBytes {
		return fmt.Errorf("%w: content too large: max=%d bytes", ErrInvalidInput, maxContentBytes)
	}
	if !utf8.ValidString(in.Content) {
		return fmt.Errorf("%w: content is not valid utf-8", ErrInvalidInput)
	}
	if len(in.Attachments) > 0 && !json.Valid(in.Attachments) {
		return fmt.Errorf("%w: attachments is not valid json", ErrInvalidInput)
	}
	return nil
}

// prepareAppend fills defaults shared by every implementation.
func prepareAppend(in AppendMessageInput) AppendMessageInput {
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	in.CreatedAt = in.CreatedAt.UTC()
	if in.ContentType == "" {
		in.ContentType = "text/plain"
	}
	if len(in.Attachments) == 0 {
		in.Attachments = json.RawMessage("[]")
	}
	in.ExternalID = strings.TrimSpace(in.ExternalID)
	in.EmailMessageID = strings.TrimSpace(in.EmailMessageID)
	return in
}

func clampPageLimit(limit int) int {
	if limit <= 0 {
		return defaultPageRows
	}
	if limit > maxPageRows {
		return maxPageRows
	}
	return limit
}

func validatePageQuery(q PageQuery) error {
	if strings.TrimSpace(q.ConversationID) == "" {
		return fmt.Errorf("%w: missing conversation_id", ErrInvalidInput)
	}
	return nil
}
