package realtime

import (
	"sync"

	feedv1 "supporthub/shared/contracts/changefeed/v1"
)

// Client is one change feed subscriber.
//
// Send is never closed by the server so concurrent publishers cannot panic;
// done signals shutdown instead. Close is idempotent.
type Client struct {
	SessionID string
	Send      chan feedv1.Envelope

	mu     sync.Mutex
	tables map[string]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan feedv1.Envelope, sendQueueSize),
		tables:    make(map[string]struct{}),
		done:      make(chan struct{}),
	}
}

// Tables returns the subscribed table names.
func (c *Client) Tables() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.tables))
	for t := range c.tables {
		out = append(out, t)
	}
	return out
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// offer queues env without blocking. It reports false when the queue is full
// or the client is shutting down.
func (c *Client) offer(env feedv1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
