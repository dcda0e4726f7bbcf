package thread

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreQuery marks a failed page or count query. Loaded pages are kept.
	ErrStoreQuery = errors.New("thread: store query failed")
	// ErrStaleResponse marks a response that arrived after its conversation was
	// switched away from or invalidated. It is never merged.
	ErrStaleResponse = errors.New("thread: stale response")
)

// QueryError describes a failed store query.
type QueryError struct {
	Op             string // "page" | "count"
	ConversationID string
	Err            error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("thread: %s query for conversation %s: %v", e.Op, e.ConversationID, e.Err)
}

// Unwrap exposes both ErrStoreQuery and the underlying cause to errors.Is/As.
func (e *QueryError) Unwrap() []error {
	return []error{ErrStoreQuery, e.Err}
}

// IsStoreQuery reports whether err is (or wraps) a store query failure.
func IsStoreQuery(err error) bool { return errors.Is(err, ErrStoreQuery) }

// IsStale reports whether err is (or wraps) ErrStaleResponse.
func IsStale(err error) bool { return errors.Is(err, ErrStaleResponse) }
