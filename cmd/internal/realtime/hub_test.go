package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	feedv1 "supporthub/shared/contracts/changefeed/v1"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func msgEvent(conv string) feedv1.Event {
	return feedv1.Event{Table: feedv1.TableMessages, Op: feedv1.OpInsert, ConversationID: conv, RecordID: "r-" + conv}
}

func decodeChanged(t *testing.T, env feedv1.Envelope) feedv1.Event {
	t.Helper()
	if env.Type != feedv1.TypeTableChanged {
		t.Fatalf("type=%s want %s", env.Type, feedv1.TypeTableChanged)
	}
	var p feedv1.TableChangedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return p.Event
}

func TestHub_DeliversOnlyToSubscribedTables(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger(), nil)
	msgs := NewClient("a", 4)
	convs := NewClient("b", 4)
	h.Subscribe(msgs, []string{feedv1.TableMessages})
	h.Subscribe(convs, []string{feedv1.TableConversations})

	if err := h.Publish(context.Background(), msgEvent("c1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case env := <-msgs.Send:
		if ev := decodeChanged(t, env); ev.ConversationID != "c1" || ev.TS.IsZero() {
			t.Fatalf("event=%+v", ev)
		}
		if env.ID == "" || env.V != feedv1.Version {
			t.Fatalf("envelope=%+v", env)
		}
	default:
		t.Fatalf("messages subscriber got nothing")
	}
	select {
	case env := <-convs.Send:
		t.Fatalf("conversations subscriber got %+v", env)
	default:
	}
}

func TestHub_SubscribeReplacesTables(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger(), nil)
	c := NewClient("a", 4)
	h.Subscribe(c, []string{feedv1.TableMessages, feedv1.TableConversations})
	h.Subscribe(c, []string{feedv1.TableConversations})

	if n := h.Topic(feedv1.TableMessages).Len(); n != 0 {
		t.Fatalf("messages members=%d want 0", n)
	}
	if n := h.Topic(feedv1.TableConversations).Len(); n != 1 {
		t.Fatalf("conversations members=%d want 1", n)
	}

	h.Unsubscribe(c)
	if n := h.Topic(feedv1.TableConversations).Len(); n != 0 {
		t.Fatalf("conversations members=%d want 0", n)
	}
	if got := c.Tables(); len(got) != 0 {
		t.Fatalf("tables=%v want none", got)
	}
}

func TestHub_FullQueueDropsWithoutBlocking(t *testing.T) {
	t.Parallel()

	m := NewFeedMetrics(prometheus.NewRegistry())
	h := NewHub(testLogger(), m)
	slow := NewClient("slow", 1)
	h.Subscribe(slow, []string{feedv1.TableMessages})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			_ = h.Publish(context.Background(), msgEvent("c1"))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}

	if got := testutil.ToFloat64(m.drops.WithLabelValues(feedv1.TableMessages)); got != 4 {
		t.Fatalf("dropped_total=%v want 4", got)
	}
	if got := testutil.ToFloat64(m.events.WithLabelValues(feedv1.TableMessages)); got != 5 {
		t.Fatalf("events_total=%v want 5", got)
	}
}

func TestHub_ClosedClientIsSkipped(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger(), nil)
	c := NewClient("a", 4)
	h.Subscribe(c, []string{feedv1.TableMessages})
	c.Close()

	_ = h.Publish(context.Background(), msgEvent("c1"))
	if len(c.Send) != 0 {
		t.Fatalf("closed client received %d envelopes", len(c.Send))
	}
}

func TestHub_RejectsInvalidEvents(t *testing.T) {
	t.Parallel()

	m := NewFeedMetrics(prometheus.NewRegistry())
	h := NewHub(testLogger(), m)
	if err := h.Publish(context.Background(), feedv1.Event{Table: feedv1.TableMessages, Op: feedv1.OpInsert}); err == nil {
		t.Fatalf("expected error for messages event without conversation_id")
	}
	if got := testutil.ToFloat64(m.rejects); got != 1 {
		t.Fatalf("rejected_total=%v want 1", got)
	}
}

type recordingCache struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingCache) Invalidate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *recordingCache) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func TestInvalidator_InvalidatesMessageConversations(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger(), nil)
	cache := &recordingCache{}
	NewInvalidator(testLogger(), cache).Attach(h)

	ctx := context.Background()
	_ = h.Publish(ctx, msgEvent("c1"))
	_ = h.Publish(ctx, feedv1.Event{Table: feedv1.TableConversations, Op: feedv1.OpUpdate, RecordID: "c2"})
	_ = h.Publish(ctx, msgEvent("c3"))

	got := cache.seen()
	if len(got) != 2 || got[0] != "c1" || got[1] != "c3" {
		t.Fatalf("invalidated=%v want [c1 c3]", got)
	}
}
