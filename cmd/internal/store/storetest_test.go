package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// exerciseMessageStore runs the behavior every MessageStore implementation shares.
func exerciseMessageStore(t *testing.T, st MessageStore) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	convID := "conv-" + fmt.Sprint(time.Now().UnixNano())
	ref := ConversationRef{CustomerEmail: "cust@example.com", CustomerName: "Cust", InboxID: "inbox-1"}

	if err := st.PutInbox(ctx, "inbox-1", "support@example.com"); err != nil {
		t.Fatalf("put inbox: %v", err)
	}
	email, err := st.InboxEmail(ctx, "inbox-1")
	if err != nil || email != "support@example.com" {
		t.Fatalf("inbox email=%q err=%v", email, err)
	}
	if _, err := st.InboxEmail(ctx, "inbox-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing inbox err=%v want ErrNotFound", err)
	}

	// Insert 5 messages one minute apart.
	for i := 0; i < 5; i++ {
		res, err := st.AppendMessage(ctx, AppendMessageInput{
			ConversationID: convID,
			Conversation:   ref,
			Content:        fmt.Sprintf("m%d", i),
			SenderType:     SenderCustomer,
			ExternalID:     fmt.Sprintf("ext-%d", i),
			EmailMessageID: fmt.Sprintf("<M%d@Example.com>", i),
			EmailSubject:   "Order",
			Headers:        Headers{{Name: "From", Value: "cust@example.com"}},
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if res.Duplicated {
			t.Fatalf("append %d: unexpected duplicate", i)
		}
		if len(res.Stored.ID) != 26 {
			t.Fatalf("append %d: id=%q want ULID", i, res.Stored.ID)
		}
	}

	// Same external id.
	dup, err := st.AppendMessage(ctx, AppendMessageInput{
		ConversationID: convID,
		Content:        "again",
		SenderType:     SenderCustomer,
		ExternalID:     "ext-2",
	})
	if err != nil {
		t.Fatalf("append dup external: %v", err)
	}
	if !dup.Duplicated || dup.Stored.Content != "m2" {
		t.Fatalf("dup external: duplicated=%v content=%q", dup.Duplicated, dup.Stored.Content)
	}

	// Same Message-ID in a different textual form.
	dup, err = st.AppendMessage(ctx, AppendMessageInput{
		ConversationID: convID,
		Content:        "again",
		SenderType:     SenderCustomer,
		EmailMessageID: "m3@example.COM",
	})
	if err != nil {
		t.Fatalf("append dup message id: %v", err)
	}
	if !dup.Duplicated || dup.Stored.Content != "m3" {
		t.Fatalf("dup message id: duplicated=%v content=%q", dup.Duplicated, dup.Stored.Content)
	}

	n, err := st.CountMessages(ctx, convID)
	if err != nil || n != 5 {
		t.Fatalf("count=%d err=%v want 5", n, err)
	}

	page1, err := st.FetchMessagesPage(ctx, PageQuery{ConversationID: convID, Limit: 2})
	if err != nil {
		t.Fatalf("page1: %v", err)
	}
	if got := contents(page1); fmt.Sprint(got) != "[m4 m3]" {
		t.Fatalf("page1=%v want [m4 m3]", got)
	}
	if page1[0].Conversation.CustomerEmail != "cust@example.com" || page1[0].Conversation.InboxID != "inbox-1" {
		t.Fatalf("conversation ref=%+v", page1[0].Conversation)
	}
	if page1[0].Headers.Get("from") != "cust@example.com" {
		t.Fatalf("headers=%+v", page1[0].Headers)
	}
	if _, ok := ParseTimestamp(page1[0].CreatedAt); !ok {
		t.Fatalf("created_at %q not parseable", page1[0].CreatedAt)
	}

	cursor, _ := ParseTimestamp(page1[1].CreatedAt)
	page2, err := st.FetchMessagesPage(ctx, PageQuery{ConversationID: convID, Limit: 10, Before: &cursor})
	if err != nil {
		t.Fatalf("page2: %v", err)
	}
	if got := contents(page2); fmt.Sprint(got) != "[m2 m1 m0]" {
		t.Fatalf("page2=%v want [m2 m1 m0]", got)
	}

	if _, err := st.AppendMessage(ctx, AppendMessageInput{ConversationID: convID, SenderType: "bot", Content: "x"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad sender err=%v want ErrInvalidInput", err)
	}
	if _, err := st.FetchMessagesPage(ctx, PageQuery{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing conversation err=%v want ErrInvalidInput", err)
	}
}

func contents(msgs []RawMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}
