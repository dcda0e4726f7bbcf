package v1

import (
	"strings"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		env     Envelope
		wantErr string
	}{
		{name: "ok", env: Envelope{V: Version, Type: TypeSubscribe}},
		{name: "missing version", env: Envelope{Type: TypeHello}, wantErr: "missing field: v"},
		{name: "wrong version", env: Envelope{V: "v2", Type: TypeHello}, wantErr: "unsupported protocol version"},
		{name: "missing type", env: Envelope{V: Version}, wantErr: "missing field: type"},
		{name: "unknown type", env: Envelope{V: Version, Type: "message_send"}, wantErr: "unknown type"},
	}

	for _, tc := range cases {
		err := tc.env.Validate()
		if tc.wantErr == "" {
			if err != nil {
				t.Fatalf("%s: unexpected err: %v", tc.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Fatalf("%s: err=%v want substring %q", tc.name, err, tc.wantErr)
		}
	}
}

func TestDecodeEvent(t *testing.T) {
	t.Parallel()

	ev, err := DecodeEvent([]byte(`{"table":"messages","op":"INSERT","conversation_id":"c1","record_id":"m1","ts":"2025-03-01T10:00:00Z"}`))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.ConversationID != "c1" || ev.RecordID != "m1" {
		t.Fatalf("event=%+v", ev)
	}
	if !ev.TS.Equal(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("ts=%v", ev.TS)
	}

	if _, err := DecodeEvent([]byte(`{"table":"messages","op":"INSERT"}`)); err == nil {
		t.Fatalf("expected error for messages event without conversation_id")
	}
	if _, err := DecodeEvent([]byte(`{"table":"messages","op":"UPSERT","conversation_id":"c1"}`)); err == nil {
		t.Fatalf("expected error for unknown op")
	}
	if _, err := DecodeEvent([]byte(`{`)); err == nil {
		t.Fatalf("expected error for bad json")
	}
}
