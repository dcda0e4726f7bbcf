// Package v1 defines the supporthub change feed protocol v1.
//
// The same Event shape travels over Postgres NOTIFY payloads, the Redis bridge
// and the /ws socket, so every producer and consumer agrees on one schema.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol clients must offer.
const Subprotocol = "supporthub.changefeed.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSubscribe replaces the set of watched tables (client -> server), echoed back.
	TypeSubscribe = "subscribe"

	// TypeTableChanged carries one change event (server -> subscribers).
	TypeTableChanged = "table_changed"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Table names carried by events.
const (
	TableMessages      = "messages"
	TableConversations = "conversations"
)

// Operation names carried by events.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}

	switch e.Type {
	case "":
		return errors.New("missing field: type")
	case TypeHello, TypeHelloAck, TypeSubscribe, TypeTableChanged, TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// Event is one row-level change.
type Event struct {
	Table          string    `json:"table"`
	Op             string    `json:"op"`
	ConversationID string    `json:"conversation_id,omitempty"`
	RecordID       string    `json:"record_id,omitempty"`
	TS             time.Time `json:"ts"`

	// Origin tags the instance that produced the event; bridges use it to drop echoes.
	Origin string `json:"origin,omitempty"`
}

// Validate checks the fields every consumer relies on.
func (e Event) Validate() error {
	if strings.TrimSpace(e.Table) == "" {
		return errors.New("missing field: table")
	}
	switch e.Op {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("unknown op: %q", e.Op)
	}
	if e.Table == TableMessages && strings.TrimSpace(e.ConversationID) == "" {
		return errors.New("messages event without conversation_id")
	}
	return nil
}

// DecodeEvent parses and validates a JSON-encoded Event.
func DecodeEvent(b []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct{}

// HelloAckPayload returns the server-assigned session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// SubscribePayload lists the tables a client wants events for.
type SubscribePayload struct {
	Tables []string `json:"tables"`
}

// TableChangedPayload wraps one Event.
type TableChangedPayload struct {
	Event Event `json:"event"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
