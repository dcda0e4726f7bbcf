package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Header is one email header line.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers is an ordered header list with case-insensitive lookup.
type Headers []Header

// Get returns the first value for name, or "".
func (h Headers) Get(name string) string {
	for _, kv := range h {
		if strings.EqualFold(kv.Name, name) {
			return kv.Value
		}
	}
	return ""
}

// Values returns every value for name in order.
func (h Headers) Values(name string) []string {
	var out []string
	for _, kv := range h {
		if strings.EqualFold(kv.Name, name) {
			out = append(out, kv.Value)
		}
	}
	return out
}

// MarshalJSON always encodes the list form.
func (h Headers) MarshalJSON() ([]byte, error) {
	if h == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Header(h))
}

// UnmarshalJSON accepts every stored shape (see DecodeHeaders).
func (h *Headers) UnmarshalJSON(b []byte) error {
	out, err := DecodeHeaders(b)
	if err != nil {
		return err
	}
	*h = out
	return nil
}

var errHeaderShape = errors.New("store: unsupported email_headers shape")

// DecodeHeaders decodes a stored email_headers blob. Rows in the wild carry
// one of three shapes:
//
//	{"Subject": "hi", "To": "a@x"}
//	{"To": ["a@x", "b@x"]}
//	[{"name": "Subject", "value": "hi"}]
//
// Object keys are emitted in sorted order since JSON objects are unordered.
// Empty input and JSON null decode to nil.
func DecodeHeaders(b []byte) (Headers, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil, nil
	}

	switch b[0] {
	case '[':
		var list []Header
		if err := json.Unmarshal(b, &list); err != nil {
			return nil, fmt.Errorf("decode header list: %w", err)
		}
		out := make(Headers, 0, len(list))
		for _, kv := range list {
			if strings.TrimSpace(kv.Name) == "" {
				continue
			}
			out = append(out, Header{Name: strings.TrimSpace(kv.Name), Value: kv.Value})
		}
		return out, nil

	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(b, &obj); err != nil {
			return nil, fmt.Errorf("decode header object: %w", err)
		}
		names := make([]string, 0, len(obj))
		for k := range obj {
			names = append(names, k)
		}
		sort.Strings(names)

		out := make(Headers, 0, len(obj))
		for _, name := range names {
			vals, err := headerValues(obj[name])
			if err != nil {
				return nil, fmt.Errorf("header %q: %w", name, err)
			}
			for _, v := range vals {
				out = append(out, Header{Name: name, Value: v})
			}
		}
		return out, nil

	default:
		return nil, errHeaderShape
	}
}

func headerValues(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []string{s}, nil
	case '[':
		var ss []string
		if err := json.Unmarshal(raw, &ss); err != nil {
			return nil, err
		}
		return ss, nil
	default:
		return nil, errHeaderShape
	}
}
