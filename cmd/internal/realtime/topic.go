package realtime

import (
	"log/slog"
	"sync"

	feedv1 "supporthub/shared/contracts/changefeed/v1"
)

// Topic fans change events of one table out to its subscribers.
//
// Join and Leave are safe under concurrent Broadcast. Broadcast never blocks:
// a full subscriber queue drops the event for that subscriber only.
type Topic struct {
	log   *slog.Logger
	Table string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewTopic constructs an empty topic.
func NewTopic(log *slog.Logger, table string) *Topic {
	return &Topic{
		log:     log,
		Table:   table,
		members: make(map[string]*Client),
	}
}

// Join adds a client.
func (t *Topic) Join(client *Client) {
	if t == nil || client == nil || client.SessionID == "" {
		return
	}
	t.mu.Lock()
	t.members[client.SessionID] = client
	t.mu.Unlock()

	t.log.Debug("feed.topic.join", "table", t.Table, "session_id", client.SessionID)
}

// Leave removes a client. It does not close it; the client may still watch other tables.
func (t *Topic) Leave(sessionID string) {
	if t == nil || sessionID == "" {
		return
	}
	t.mu.Lock()
	delete(t.members, sessionID)
	t.mu.Unlock()

	t.log.Debug("feed.topic.leave", "table", t.Table, "session_id", sessionID)
}

// Len returns the number of subscribers.
func (t *Topic) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}

// Broadcast offers env to every member and returns delivered and dropped counts.
func (t *Topic) Broadcast(env feedv1.Envelope) (delivered, dropped int) {
	if t == nil {
		return 0, 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, m := range t.members {
		if m == nil {
			continue
		}
		if m.offer(env) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}
