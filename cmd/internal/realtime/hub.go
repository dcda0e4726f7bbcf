package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"supporthub/cmd/internal/ids"
	feedv1 "supporthub/shared/contracts/changefeed/v1"
)

// Publisher accepts change events for fanout.
type Publisher interface {
	Publish(ctx context.Context, ev feedv1.Event) error
}

// Listener is an in-process consumer. Listeners run synchronously on the
// publishing goroutine and never miss an event, so they must be fast.
type Listener func(ev feedv1.Event)

// Hub owns the per-table topics of this instance.
type Hub struct {
	log     *slog.Logger
	metrics *FeedMetrics
	now     func() time.Time

	mu        sync.RWMutex
	topics    map[string]*Topic
	listeners map[string][]Listener
}

// NewHub constructs a Hub. metrics may be nil.
func NewHub(log *slog.Logger, metrics *FeedMetrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:       log,
		metrics:   metrics,
		now:       time.Now,
		topics:    make(map[string]*Topic),
		listeners: make(map[string][]Listener),
	}
}

// Topic returns the stable topic for table.
func (h *Hub) Topic(table string) *Topic {
	h.mu.RLock()
	t, ok := h.topics[table]
	h.mu.RUnlock()
	if ok {
		return t
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[table]; ok {
		return t
	}
	t = NewTopic(h.log, table)
	h.topics[table] = t
	return t
}

// Listen registers fn for events of table.
func (h *Hub) Listen(table string, fn Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners[table] = append(h.listeners[table], fn)
}

// Subscribe replaces the tables client watches.
func (h *Hub) Subscribe(client *Client, tables []string) {
	want := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		want[t] = struct{}{}
	}

	client.mu.Lock()
	old := client.tables
	client.tables = want
	client.mu.Unlock()

	for t := range old {
		if _, keep := want[t]; !keep {
			h.Topic(t).Leave(client.SessionID)
		}
	}
	for t := range want {
		if _, had := old[t]; !had {
			h.Topic(t).Join(client)
		}
	}
}

// Unsubscribe removes client from every topic.
func (h *Hub) Unsubscribe(client *Client) {
	h.Subscribe(client, nil)
}

// Publish validates ev and fans it out to listeners and subscribers of its table.
func (h *Hub) Publish(_ context.Context, ev feedv1.Event) error {
	if err := ev.Validate(); err != nil {
		h.metrics.rejected()
		return err
	}
	if ev.TS.IsZero() {
		ev.TS = h.now().UTC()
	}

	h.mu.RLock()
	ls := h.listeners[ev.Table]
	h.mu.RUnlock()
	for _, fn := range ls {
		fn(ev)
	}

	payload, err := json.Marshal(feedv1.TableChangedPayload{Event: ev})
	if err != nil {
		return err
	}
	env := newEnvelope(feedv1.TypeTableChanged, payload, ev.TS)
	delivered, dropped := h.Topic(ev.Table).Broadcast(env)
	h.metrics.published(ev.Table, delivered, dropped)

	h.log.Debug("feed.event.published",
		"table", ev.Table,
		"op", ev.Op,
		"conversation_id", ev.ConversationID,
		"origin", ev.Origin,
		"delivered", delivered,
		"dropped", dropped,
	)
	return nil
}

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) feedv1.Envelope {
	return feedv1.Envelope{
		V:       feedv1.Version,
		Type:    typ,
		ID:      ids.MustULID(ts),
		TS:      ts,
		Payload: payload,
	}
}
