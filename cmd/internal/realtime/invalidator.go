package realtime

import (
	"log/slog"

	feedv1 "supporthub/shared/contracts/changefeed/v1"
)

// ThreadCache is the part of the thread loader the invalidator drives.
type ThreadCache interface {
	Invalidate(conversationID string)
}

// Invalidator drops cached thread pages when their conversation changes.
type Invalidator struct {
	log   *slog.Logger
	cache ThreadCache
}

// NewInvalidator constructs an Invalidator over cache.
func NewInvalidator(log *slog.Logger, cache ThreadCache) *Invalidator {
	if log == nil {
		log = slog.Default()
	}
	return &Invalidator{log: log, cache: cache}
}

// Attach registers the invalidator on the hub's messages table.
func (i *Invalidator) Attach(h *Hub) {
	h.Listen(feedv1.TableMessages, i.Handle)
}

// Handle invalidates the conversation named by ev.
func (i *Invalidator) Handle(ev feedv1.Event) {
	if ev.Table != feedv1.TableMessages || ev.ConversationID == "" {
		return
	}
	i.cache.Invalidate(ev.ConversationID)
	i.log.Debug("feed.invalidate", "conversation_id", ev.ConversationID, "op", ev.Op, "record_id", ev.RecordID)
}
