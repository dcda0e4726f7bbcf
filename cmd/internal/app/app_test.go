package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"supporthub/cmd/internal/realtime"
	"supporthub/cmd/internal/store"
	feedv1 "supporthub/shared/contracts/changefeed/v1"
	viewv1 "supporthub/shared/contracts/threadview/v1"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
)

var testBase = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestApp(t *testing.T, cfg Config) (*App, *httptest.Server) {
	t.Helper()

	a, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		a.closeStore()
	})
	return a, srv
}

// olderPagesStore fails or interrupts queries for pages past the first one.
type olderPagesStore struct {
	*store.InMemoryStore

	mu      sync.Mutex
	err     error
	onOlder func()
}

func (s *olderPagesStore) FetchMessagesPage(ctx context.Context, q store.PageQuery) ([]store.RawMessage, error) {
	if q.Before != nil {
		s.mu.Lock()
		err, hook := s.err, s.onOlder
		s.onOlder = nil
		s.mu.Unlock()
		if hook != nil {
			hook()
		}
		if err != nil {
			return nil, err
		}
	}
	return s.InMemoryStore.FetchMessagesPage(ctx, q)
}

func (s *olderPagesStore) set(err error, onOlder func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err, s.onOlder = err, onOlder
}

func newTestAppWithStore(t *testing.T, st store.MessageStore) (*App, *httptest.Server) {
	t.Helper()

	a := &App{
		log:       discardLogger(),
		store:     st,
		storeKind: "memory",
		registry:  prometheus.NewRegistry(),
	}
	if err := a.wire(); err != nil {
		t.Fatalf("wire: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return a, srv
}

func postMessage(t *testing.T, srv *httptest.Server, convID string, req viewv1.AppendMessageRequest) (int, viewv1.AppendMessageResponse) {
	t.Helper()

	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(srv.URL+"/v1/conversations/"+convID+"/messages", "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var out viewv1.AppendMessageResponse
	if resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode append response: %v", err)
		}
	}
	return resp.StatusCode, out
}

func getView(t *testing.T, srv *httptest.Server, method, path string) (int, viewv1.ThreadView) {
	t.Helper()

	req, err := http.NewRequest(method, srv.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set(viewv1.ViewerHeader, "agent@support.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var v viewv1.ThreadView
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	return resp.StatusCode, v
}

func contents(v viewv1.ThreadView) []string {
	out := make([]string, 0, len(v.Messages))
	for _, m := range v.Messages {
		out = append(out, m.Content)
	}
	return out
}

func chat(i int) viewv1.AppendMessageRequest {
	at := testBase.Add(time.Duration(i) * time.Minute)
	return viewv1.AppendMessageRequest{
		Content:    fmt.Sprintf("m%d", i),
		SenderType: "customer",
		SenderID:   "cust-1",
		ExternalID: fmt.Sprintf("ext-%d", i),
		CreatedAt:  &at,
	}
}

func TestThreadAPI_PagingAndDedup(t *testing.T) {
	t.Parallel()

	a, srv := newTestApp(t, Config{})

	client := realtime.NewClient("test", 16)
	a.hub.Subscribe(client, []string{feedv1.TableMessages})

	for i := 1; i <= 5; i++ {
		if code, res := postMessage(t, srv, "c1", chat(i)); code != http.StatusCreated || res.Duplicated {
			t.Fatalf("append m%d: status=%d duplicated=%v", i, code, res.Duplicated)
		}
	}
	code, res := postMessage(t, srv, "c1", chat(2))
	if code != http.StatusOK || !res.Duplicated {
		t.Fatalf("duplicate append: status=%d duplicated=%v want=200 true", code, res.Duplicated)
	}
	if got := len(client.Send); got != 5 {
		t.Fatalf("feed events=%d want=5", got)
	}

	code, v := getView(t, srv, http.MethodGet, "/v1/conversations/c1/thread")
	if code != http.StatusOK {
		t.Fatalf("thread status=%d", code)
	}
	if diff := cmp.Diff([]string{"m5", "m4", "m3"}, contents(v)); diff != "" {
		t.Fatalf("first page (-want +got):\n%s", diff)
	}
	if v.TotalCount != 5 || v.LoadedCount != 3 || !v.HasNextPage {
		t.Fatalf("total=%d loaded=%d has_next=%v want=5 3 true", v.TotalCount, v.LoadedCount, v.HasNextPage)
	}
	if v.Remaining == nil || *v.Remaining != 2 || v.Confidence != viewv1.ConfidenceHigh {
		t.Fatalf("remaining=%v confidence=%q want=2 high", v.Remaining, v.Confidence)
	}

	_, v = getView(t, srv, http.MethodPost, "/v1/conversations/c1/thread/next")
	if diff := cmp.Diff([]string{"m5", "m4", "m3", "m2", "m1"}, contents(v)); diff != "" {
		t.Fatalf("after next (-want +got):\n%s", diff)
	}
	if v.HasNextPage || v.Remaining == nil || *v.Remaining != 0 {
		t.Fatalf("has_next=%v remaining=%v want=false 0", v.HasNextPage, v.Remaining)
	}
	if v.Messages[0].Direction != viewv1.DirectionInbound {
		t.Fatalf("direction=%q want=%q", v.Messages[0].Direction, viewv1.DirectionInbound)
	}
}

func TestThreadAPI_AppendInvalidatesCachedThread(t *testing.T) {
	t.Parallel()

	_, srv := newTestApp(t, Config{})

	for i := 1; i <= 2; i++ {
		postMessage(t, srv, "c2", chat(i))
	}
	_, v := getView(t, srv, http.MethodGet, "/v1/conversations/c2/thread")
	if v.TotalCount != 2 {
		t.Fatalf("total=%d want=2", v.TotalCount)
	}

	postMessage(t, srv, "c2", chat(3))

	_, v = getView(t, srv, http.MethodGet, "/v1/conversations/c2/thread")
	if diff := cmp.Diff([]string{"m3", "m2", "m1"}, contents(v)); diff != "" {
		t.Fatalf("after append (-want +got):\n%s", diff)
	}
	if v.TotalCount != 3 {
		t.Fatalf("total=%d want=3", v.TotalCount)
	}
}

func TestThreadAPI_NextPageFailureKeepsLoadedMessages(t *testing.T) {
	t.Parallel()

	st := &olderPagesStore{InMemoryStore: store.NewInMemoryStore()}
	_, srv := newTestAppWithStore(t, st)

	for i := 1; i <= 5; i++ {
		postMessage(t, srv, "c4", chat(i))
	}
	code, v := getView(t, srv, http.MethodGet, "/v1/conversations/c4/thread")
	if code != http.StatusOK || v.LoadedCount != 3 {
		t.Fatalf("first page status=%d loaded=%d want=200 3", code, v.LoadedCount)
	}

	st.set(errors.New("connection reset"), nil)
	code, v = getView(t, srv, http.MethodPost, "/v1/conversations/c4/thread/next")
	if code != http.StatusOK {
		t.Fatalf("next status=%d want=200", code)
	}
	if diff := cmp.Diff([]string{"m5", "m4", "m3"}, contents(v)); diff != "" {
		t.Fatalf("failed next page (-want +got):\n%s", diff)
	}
	if v.Error == "" || v.State != "error" || !v.HasNextPage {
		t.Fatalf("error=%q state=%q has_next=%v want error set, state=error, has_next", v.Error, v.State, v.HasNextPage)
	}

	st.set(nil, nil)
	code, v = getView(t, srv, http.MethodPost, "/v1/conversations/c4/thread/retry")
	if code != http.StatusOK || v.LoadedCount != 5 || v.Error != "" {
		t.Fatalf("retry status=%d loaded=%d error=%q want=200 5 \"\"", code, v.LoadedCount, v.Error)
	}
}

func TestThreadAPI_FirstPageFailureIsUnavailable(t *testing.T) {
	t.Parallel()

	st := &failingCountStore{InMemoryStore: store.NewInMemoryStore()}
	_, srv := newTestAppWithStore(t, st)
	postMessage(t, srv, "c5", chat(1))

	code, v := getView(t, srv, http.MethodGet, "/v1/conversations/c5/thread")
	if code != http.StatusServiceUnavailable || v.Error == "" || len(v.Messages) != 0 {
		t.Fatalf("status=%d error=%q messages=%d want=503 set 0", code, v.Error, len(v.Messages))
	}
}

type failingCountStore struct {
	*store.InMemoryStore
}

func (failingCountStore) CountMessages(context.Context, string) (int, error) {
	return 0, errors.New("count timed out")
}

func TestThreadAPI_NextPageInvalidatedMidFlightReloads(t *testing.T) {
	t.Parallel()

	st := &olderPagesStore{InMemoryStore: store.NewInMemoryStore()}
	a, srv := newTestAppWithStore(t, st)

	for i := 1; i <= 5; i++ {
		postMessage(t, srv, "c6", chat(i))
	}
	getView(t, srv, http.MethodGet, "/v1/conversations/c6/thread")

	st.set(nil, func() { a.loader.Invalidate("c6") })
	code, v := getView(t, srv, http.MethodPost, "/v1/conversations/c6/thread/next")
	if code != http.StatusOK {
		t.Fatalf("status=%d want=200", code)
	}
	if diff := cmp.Diff([]string{"m5", "m4", "m3"}, contents(v)); diff != "" {
		t.Fatalf("reloaded view (-want +got):\n%s", diff)
	}
	if v.TotalCount != 5 || !v.HasNextPage || v.Error != "" {
		t.Fatalf("total=%d has_next=%v error=%q want=5 true \"\"", v.TotalCount, v.HasNextPage, v.Error)
	}
}

func TestThreadAPI_AppendRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, srv := newTestApp(t, Config{})

	cases := []struct {
		name string
		body string
	}{
		{name: "bad json", body: `{"content":`},
		{name: "unknown field", body: `{"content":"x","sender_type":"customer","nope":1}`},
		{name: "missing sender", body: `{"content":"x"}`},
		{name: "bad sender", body: `{"content":"x","sender_type":"robot"}`},
		{name: "bad headers", body: `{"content":"x","sender_type":"customer","email_headers":"oops"}`},
	}

	for _, tc := range cases {
		resp, err := http.Post(srv.URL+"/v1/conversations/c3/messages", "application/json", strings.NewReader(tc.body))
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		var e viewv1.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest || e.Error == "" {
			t.Fatalf("%s: status=%d error=%q want=400 with code", tc.name, resp.StatusCode, e.Error)
		}
	}
}

func TestHealthReadyMetrics(t *testing.T) {
	t.Parallel()

	_, srv := newTestApp(t, Config{})

	for path, want := range map[string]string{"/healthz": "ok\n", "/readyz": "ready\n"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || string(b) != want {
			t.Fatalf("GET %s: status=%d body=%q want=200 %q", path, resp.StatusCode, b, want)
		}
		if resp.Header.Get(RequestIDHeader) == "" {
			t.Fatalf("GET %s: missing %s", path, RequestIDHeader)
		}
	}

	postMessage(t, srv, "c4", chat(1))
	getView(t, srv, http.MethodGet, "/v1/conversations/c4/thread")

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, name := range []string{"supporthub_thread_pages_fetched_total", "supporthub_feed_events_total", "go_goroutines"} {
		if !strings.Contains(string(b), name) {
			t.Fatalf("/metrics missing %s", name)
		}
	}
}

func TestReadyz_RequireDBWithoutDB(t *testing.T) {
	t.Parallel()

	_, srv := newTestApp(t, Config{ReadinessRequireDB: true})

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want=503", resp.StatusCode)
	}
}

func TestNewStore_SQLite(t *testing.T) {
	t.Parallel()

	a, srv := newTestApp(t, Config{SQLitePath: t.TempDir() + "/supporthub.db"})
	if a.storeKind != "sqlite" {
		t.Fatalf("storeKind=%q want=sqlite", a.storeKind)
	}

	postMessage(t, srv, "c5", chat(1))
	_, v := getView(t, srv, http.MethodGet, "/v1/conversations/c5/thread")
	if diff := cmp.Diff([]string{"m1"}, contents(v)); diff != "" {
		t.Fatalf("sqlite thread (-want +got):\n%s", diff)
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("SUPPORTHUB_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("SUPPORTHUB_PAGE_SIZE", "50")
	t.Setenv("SUPPORTHUB_STORE_TIMEOUT", "3s")
	t.Setenv("SUPPORTHUB_AGENT_EMAILS", " a@x.test, ,b@x.test ")
	t.Setenv("ENABLE_QUOTED_EXTRACTION", "true")
	t.Setenv("SUPPORTHUB_ENABLE_QUOTED_EXTRACTION", "")
	t.Setenv("SUPPORTHUB_INITIAL_VISIBLE_COUNT", "-1")

	cfg := LoadConfig()
	if cfg.HTTPAddr != "127.0.0.1:9999" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.PageSize != 50 || cfg.InitialVisibleCount != 3 {
		t.Fatalf("PageSize=%d InitialVisibleCount=%d want=50 3", cfg.PageSize, cfg.InitialVisibleCount)
	}
	if cfg.StoreTimeout != 3*time.Second {
		t.Fatalf("StoreTimeout=%v want=3s", cfg.StoreTimeout)
	}
	if diff := cmp.Diff([]string{"a@x.test", "b@x.test"}, cfg.AgentEmails); diff != "" {
		t.Fatalf("AgentEmails (-want +got):\n%s", diff)
	}
	if !cfg.QuotedExtraction {
		t.Fatalf("QuotedExtraction=false want=true")
	}

	t.Setenv("SUPPORTHUB_ENABLE_QUOTED_EXTRACTION", "false")
	if LoadConfig().QuotedExtraction {
		t.Fatalf("prefixed flag should override the bare one")
	}
}
