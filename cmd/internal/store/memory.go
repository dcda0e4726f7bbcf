package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"supporthub/cmd/internal/ids"
)

const (
	memMaxMessagesPerConversation = 10_000
)

// InMemoryStore is a dev-only fallback when no database is configured.
// It is also the fixture store for tests: Seed accepts raw rows verbatim,
// including rows a real database would have rejected.
type InMemoryStore struct {
	mu      sync.Mutex
	convs   map[string]*memConv
	inboxes map[string]string
}

type memConv struct {
	ref  ConversationRef
	ext  map[string]RawMessage // external_id -> stored message
	mids map[string]RawMessage // canonical email_message_id -> stored message
	msgs []memRow
}

type memRow struct {
	msg RawMessage
	ts  time.Time // parsed created_at
	ok  bool      // false when created_at is unparseable
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs:   make(map[string]*memConv),
		inboxes: make(map[string]string),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// PutInbox registers the address an inbox receives mail on.
func (s *InMemoryStore) PutInbox(ctx context.Context, inboxID, email string) error {
	if strings.TrimSpace(inboxID) == "" || strings.TrimSpace(email) == "" {
		return fmt.Errorf("%w: missing inbox id or email", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.inboxes[inboxID] = strings.TrimSpace(email)
	s.mu.Unlock()
	return nil
}

// InboxEmail returns the address registered for inboxID.
func (s *InMemoryStore) InboxEmail(ctx context.Context, inboxID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	email, ok := s.inboxes[inboxID]
	if !ok {
		return "", ErrNotFound
	}
	return email, nil
}

// Seed inserts rows as-is, bypassing validation and idempotency.
func (s *InMemoryStore) Seed(rows ...RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range rows {
		c := s.convLocked(m.ConversationID, m.Conversation)
		ts, ok := ParseTimestamp(m.CreatedAt)
		c.msgs = append(c.msgs, memRow{msg: m, ts: ts, ok: ok})
	}
}

// AppendMessage persists a message idempotently.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if err := validateAppend(in); err != nil {
		return AppendMessageResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}
	in = prepareAppend(in)

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convLocked(in.ConversationID, in.Conversation)

	if in.ExternalID != "" {
		if existing, ok := c.ext[in.ExternalID]; ok {
			return AppendMessageResult{Stored: existing, Duplicated: true}, nil
		}
	}
	midKey := CanonicalMessageID(in.EmailMessageID)
	if midKey != "" {
		if existing, ok := c.mids[midKey]; ok {
			return AppendMessageResult{Stored: existing, Duplicated: true}, nil
		}
	}

	id, err := ids.NewULID(in.CreatedAt)
	if err != nil {
		return AppendMessageResult{}, err
	}

	msg := RawMessage{
		ID:             id,
		ConversationID: in.ConversationID,
		Content:        in.Content,
		ContentType:    in.ContentType,
		SenderType:     in.SenderType,
		SenderID:       in.SenderID,
		IsInternal:     in.IsInternal,
		Attachments:    in.Attachments,
		CreatedAt:      FormatTimestamp(in.CreatedAt),
		EmailSubject:   in.EmailSubject,
		Headers:        in.Headers,
		ExternalID:     in.ExternalID,
		EmailMessageID: in.EmailMessageID,
		Conversation:   c.ref,
	}
	if in.ExternalID != "" {
		c.ext[in.ExternalID] = msg
	}
	if midKey != "" {
		c.mids[midKey] = msg
	}
	c.msgs = append(c.msgs, memRow{msg: msg, ts: in.CreatedAt, ok: true})

	// Bound memory to avoid unbounded growth in dev.
	if len(c.msgs) > memMaxMessagesPerConversation {
		c.msgs = c.msgs[len(c.msgs)-memMaxMessagesPerConversation:]
	}

	return AppendMessageResult{Stored: msg, Duplicated: false}, nil
}

// FetchMessagesPage returns up to q.Limit rows ordered by created_at DESC, id DESC.
// Rows with an unparseable created_at sort after every valid row and never
// satisfy a Before bound, so they cannot crowd valid rows out of a page.
func (s *InMemoryStore) FetchMessagesPage(ctx context.Context, q PageQuery) ([]RawMessage, error) {
	if err := validatePageQuery(q); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := clampPageLimit(q.Limit)

	s.mu.Lock()
	c := s.convs[q.ConversationID]
	var snap []memRow
	if c != nil {
		snap = append([]memRow(nil), c.msgs...)
	}
	s.mu.Unlock()

	sort.SliceStable(snap, func(i, j int) bool {
		if snap[i].ok != snap[j].ok {
			return snap[i].ok
		}
		if !snap[i].ts.Equal(snap[j].ts) {
			return snap[i].ts.After(snap[j].ts)
		}
		return snap[i].msg.ID > snap[j].msg.ID
	})

	out := make([]RawMessage, 0, min(limit, len(snap)))
	for _, r := range snap {
		if q.Before != nil && (!r.ok || !r.ts.Before(*q.Before)) {
			continue
		}
		out = append(out, r.msg)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// CountMessages returns the number of rows in a conversation.
func (s *InMemoryStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	if strings.TrimSpace(conversationID) == "" {
		return 0, fmt.Errorf("%w: missing conversation_id", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c := s.convs[conversationID]; c != nil {
		return len(c.msgs), nil
	}
	return 0, nil
}

func (s *InMemoryStore) convLocked(id string, ref ConversationRef) *memConv {
	c := s.convs[id]
	if c == nil {
		c = &memConv{
			ref:  ref,
			ext:  make(map[string]RawMessage),
			mids: make(map[string]RawMessage),
			msgs: make([]memRow, 0, 64),
		}
		s.convs[id] = c
	}
	return c
}
