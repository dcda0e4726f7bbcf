// Package v1 defines the JSON shapes of the supporthub thread HTTP API.
package v1

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Confidence values.
const (
	ConfidenceHigh = "high"
	ConfidenceLow  = "low"
)

// Direction values.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// ViewerHeader carries the email of the agent looking at a thread.
const ViewerHeader = "X-Viewer-Email"

// Message is one presentable thread entry.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Content        string          `json:"content"`
	ContentType    string          `json:"content_type,omitempty"`
	SenderType     string          `json:"sender_type"`
	SenderID       string          `json:"sender_id,omitempty"`
	IsInternal     bool            `json:"is_internal"`
	Attachments    json.RawMessage `json:"attachments,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	Subject        string          `json:"subject,omitempty"`
	ExternalID     string          `json:"external_id,omitempty"`
	EmailMessageID string          `json:"email_message_id,omitempty"`
	Direction      string          `json:"direction"`
	DedupKey       string          `json:"dedup_key"`

	// Set on entries split out of another message's quoted text.
	Synthetic  bool   `json:"synthetic,omitempty"`
	QuotedFrom string `json:"quoted_from,omitempty"`
}

// ThreadView is the response of the thread endpoints.
//
// Remaining is null when the number of unloaded messages is unknown or above
// the exposure ceiling.
type ThreadView struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
	TotalCount     int       `json:"total_count"`
	LoadedCount    int       `json:"loaded_count"`
	Remaining      *int      `json:"remaining"`
	Confidence     string    `json:"confidence"`
	HasNextPage    bool      `json:"has_next_page"`
	IsLoading      bool      `json:"is_loading"`
	State          string    `json:"state"`
	Error          string    `json:"error,omitempty"`
}

// AppendMessageRequest is the body of POST /v1/conversations/{id}/messages.
type AppendMessageRequest struct {
	Content     string          `json:"content"`
	ContentType string          `json:"content_type,omitempty"`
	SenderType  string          `json:"sender_type"`
	SenderID    string          `json:"sender_id,omitempty"`
	IsInternal  bool            `json:"is_internal,omitempty"`
	Attachments json.RawMessage `json:"attachments,omitempty"`

	EmailSubject   string            `json:"email_subject,omitempty"`
	EmailHeaders   json.RawMessage   `json:"email_headers,omitempty"`
	ExternalID     string            `json:"external_id,omitempty"`
	EmailMessageID string            `json:"email_message_id,omitempty"`
	CreatedAt      *time.Time        `json:"created_at,omitempty"`
	Conversation   *ConversationInfo `json:"conversation,omitempty"`
}

// ConversationInfo describes the conversation when a message creates it.
type ConversationInfo struct {
	CustomerEmail string `json:"customer_email,omitempty"`
	CustomerName  string `json:"customer_name,omitempty"`
	InboxID       string `json:"inbox_id,omitempty"`
}

// Validate performs structural validation. Field-level rules live in the store.
func (r AppendMessageRequest) Validate() error {
	if strings.TrimSpace(r.Content) == "" && len(r.Attachments) == 0 {
		return errors.New("missing field: content")
	}
	if strings.TrimSpace(r.SenderType) == "" {
		return errors.New("missing field: sender_type")
	}
	return nil
}

// AppendMessageResponse reports the stored row.
type AppendMessageResponse struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	Duplicated bool      `json:"duplicated"`
}

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
