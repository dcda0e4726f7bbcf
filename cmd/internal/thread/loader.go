package thread

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"supporthub/cmd/internal/store"

	"golang.org/x/sync/errgroup"
)

// Fetcher is the message store query surface the loader consumes.
type Fetcher interface {
	FetchMessagesPage(ctx context.Context, q store.PageQuery) ([]store.RawMessage, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)
}

// InboxResolver maps an inbox id to its address. A Fetcher that also
// implements it lets the seed ignore the inbox address.
type InboxResolver interface {
	InboxEmail(ctx context.Context, inboxID string) (string, error)
}

// State is the lifecycle of one conversation's cache entry.
type State string

const (
	StateIdle          State = "idle"
	StateFetchingFirst State = "fetching_first"
	StateReady         State = "ready"
	StateFetchingNext  State = "fetching_next"
	StateError         State = "error"
)

// View is the presentable state of one conversation thread.
type View struct {
	ConversationID string
	Messages       []NormalizedMessage
	TotalCount     int
	LoadedCount    int
	Remaining      Remaining
	Confidence     Confidence
	HasNextPage    bool
	IsLoading      bool
	State          State
	// Err is the last store query failure; previously loaded pages stay valid.
	Err   error
	Stats AssembleStats
}

type entry struct {
	// fetchMu serializes page loads: page N+1 is requested only after page N is applied.
	fetchMu sync.Mutex

	mu       sync.Mutex
	gen      uint64
	state    State
	pages    []Page
	total    int
	hasTotal bool
	seed     *ThreadSeed
	err      error
	lastUsed time.Time
}

// Loader owns the per-conversation page cache. Different conversations load
// concurrently; pages of one conversation load strictly in order.
type Loader struct {
	log     *slog.Logger
	store   Fetcher
	inboxes InboxResolver
	opts    Options
	metrics *Metrics
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// NewLoader constructs a Loader over st.
func NewLoader(log *slog.Logger, st Fetcher, opts Options) *Loader {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()
	l := &Loader{
		log:     log,
		store:   st,
		opts:    opts,
		metrics: opts.Metrics,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	if r, ok := st.(InboxResolver); ok {
		l.inboxes = r
	}
	return l
}

// Options returns the effective options.
func (l *Loader) Options() Options { return l.opts }

func (l *Loader) entry(conversationID string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[conversationID]
	if !ok {
		l.evictLocked()
		e = &entry{state: StateIdle}
		l.entries[conversationID] = e
	}
	e.mu.Lock()
	e.lastUsed = l.now()
	e.mu.Unlock()
	return e
}

// evictLocked drops the least recently used idle entry once the cache is full.
func (l *Loader) evictLocked() {
	if len(l.entries) < l.opts.MaxConversations {
		return
	}
	var (
		victimID string
		victim   *entry
		oldest   time.Time
	)
	for id, e := range l.entries {
		e.mu.Lock()
		busy := e.state == StateFetchingFirst || e.state == StateFetchingNext
		used := e.lastUsed
		e.mu.Unlock()
		if busy {
			continue
		}
		if victim == nil || used.Before(oldest) {
			victimID, victim, oldest = id, e, used
		}
	}
	if victim == nil {
		return
	}
	victim.mu.Lock()
	victim.gen++
	victim.mu.Unlock()
	delete(l.entries, victimID)
}

// LoadFirst loads the first page of a conversation, or returns the cached
// view when pages are already loaded.
func (l *Loader) LoadFirst(ctx context.Context, conversationID string, nctx *NormalizationContext) (View, error) {
	e := l.entry(conversationID)
	e.fetchMu.Lock()
	defer e.fetchMu.Unlock()

	e.mu.Lock()
	if len(e.pages) > 0 {
		v := l.viewLocked(conversationID, e, nctx)
		e.mu.Unlock()
		return v, nil
	}
	e.mu.Unlock()
	return l.loadFirstLocked(ctx, conversationID, e, nctx)
}

// LoadNext loads the page after the last successfully loaded one. Without a
// first page it loads the first page. When nothing is left it is a no-op.
// After a failure, calling it again re-issues the same request with the same cursor.
func (l *Loader) LoadNext(ctx context.Context, conversationID string, nctx *NormalizationContext) (View, error) {
	e := l.entry(conversationID)
	e.fetchMu.Lock()
	defer e.fetchMu.Unlock()

	e.mu.Lock()
	if len(e.pages) == 0 {
		e.mu.Unlock()
		return l.loadFirstLocked(ctx, conversationID, e, nctx)
	}
	last := e.pages[len(e.pages)-1]
	if !last.HasMore || last.OldestCursor == nil {
		v := l.viewLocked(conversationID, e, nctx)
		e.mu.Unlock()
		return v, nil
	}
	cursor := *last.OldestCursor
	gen := e.gen
	prev := e.state
	e.state = StateFetchingNext
	e.mu.Unlock()

	started := time.Now()
	rows, err := l.fetchPage(ctx, conversationID, l.opts.PageSize+1, &cursor)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		l.discardStale(conversationID, "next")
		return View{}, ErrStaleResponse
	}
	if err != nil {
		return l.failLocked(ctx, conversationID, e, prev, err, nctx)
	}

	page, dups, overlap := l.buildPage(conversationID, rows, l.opts.PageSize, &cursor, nctx)
	l.applyLocked(e, page, dups+overlap)
	l.metrics.pageApplied("next", started)
	l.log.Debug("thread.page.loaded",
		"conversation_id", conversationID,
		"kind", "next",
		"rows", len(rows),
		"kept", len(page.Messages),
		"has_more", page.HasMore,
		"pages", len(e.pages),
	)
	return l.viewLocked(conversationID, e, nctx), nil
}

// Retry re-issues the request that last failed for the conversation.
func (l *Loader) Retry(ctx context.Context, conversationID string, nctx *NormalizationContext) (View, error) {
	return l.LoadNext(ctx, conversationID, nctx)
}

// Invalidate drops the cached pages of a conversation. In-flight loads for the
// dropped generation are discarded when they return.
func (l *Loader) Invalidate(conversationID string) {
	l.mu.Lock()
	e, ok := l.entries[conversationID]
	l.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	e.gen++
	e.pages = nil
	e.total, e.hasTotal = 0, false
	e.seed = nil
	e.err = nil
	e.state = StateIdle
	e.mu.Unlock()

	l.metrics.invalidated()
	l.log.Debug("thread.cache.invalidated", "conversation_id", conversationID)
}

// View returns the current view of a conversation without loading anything.
func (l *Loader) View(conversationID string, nctx *NormalizationContext) View {
	l.mu.Lock()
	e, ok := l.entries[conversationID]
	l.mu.Unlock()
	if !ok {
		return View{ConversationID: conversationID, State: StateIdle, Confidence: ConfidenceHigh, Remaining: Remaining{Known: true}}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return l.viewLocked(conversationID, e, nctx)
}

func (l *Loader) loadFirstLocked(ctx context.Context, conversationID string, e *entry, nctx *NormalizationContext) (View, error) {
	e.mu.Lock()
	gen := e.gen
	prev := e.state
	e.state = StateFetchingFirst
	e.err = nil
	e.mu.Unlock()

	started := time.Now()
	take := l.opts.InitialVisibleCount

	var (
		rows   []store.RawMessage
		total  int
		sample []store.RawMessage
		inbox  string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rows, err = l.fetchPage(gctx, conversationID, take+1, nil)
		return err
	})
	g.Go(func() error {
		var err error
		total, err = l.count(gctx, conversationID)
		return err
	})
	g.Go(func() error {
		// The seed is advisory: failures leave the thread unfiltered.
		var err error
		sample, err = l.fetchPage(gctx, conversationID, SeedSampleSize, nil)
		if err != nil {
			if gctx.Err() == nil {
				l.metrics.queryFailed("seed")
				l.log.Warn("thread.seed.sample_failed", "conversation_id", conversationID, "err", err)
			}
			sample = nil
			return nil
		}
		inbox = l.inboxEmail(gctx, conversationID, sample)
		return nil
	})
	err := g.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		l.discardStale(conversationID, "first")
		return View{}, ErrStaleResponse
	}
	if err != nil {
		return l.failLocked(ctx, conversationID, e, prev, err, nctx)
	}

	page, dups, _ := l.buildPage(conversationID, rows, take, nil, nctx)
	page.TotalCount, page.HasTotal = total, true
	if seed, ok := BuildThreadSeed(NormalizeAll(sample, nctx), inbox); ok {
		page.Seed = &seed
	}

	e.total, e.hasTotal = total, true
	e.seed = page.Seed
	l.applyLocked(e, page, dups)
	l.metrics.pageApplied("first", started)
	l.log.Debug("thread.page.loaded",
		"conversation_id", conversationID,
		"kind", "first",
		"rows", len(rows),
		"kept", len(page.Messages),
		"has_more", page.HasMore,
		"total", total,
		"seeded", page.Seed != nil,
	)
	return l.viewLocked(conversationID, e, nctx), nil
}

// failLocked records a failed load and returns the view of the pages already
// loaded alongside the error. A cancelled caller does not poison the entry;
// the previous state is restored instead.
func (l *Loader) failLocked(ctx context.Context, conversationID string, e *entry, prev State, err error, nctx *NormalizationContext) (View, error) {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		if prev == StateFetchingFirst || prev == StateFetchingNext {
			prev = StateIdle
		}
		if len(e.pages) > 0 && prev == StateIdle {
			prev = StateReady
		}
		e.state = prev
		return l.viewLocked(conversationID, e, nctx), ctx.Err()
	}
	e.state = StateError
	e.err = err
	l.log.Warn("thread.page.failed", "conversation_id", conversationID, "pages", len(e.pages), "err", err)
	return l.viewLocked(conversationID, e, nctx), err
}

func (l *Loader) applyLocked(e *entry, page Page, dropped int) {
	malformed := 0
	mismatched := 0
	for _, m := range page.Messages {
		switch {
		case m.Malformed:
			malformed++
		case e.seed != nil && !MessageMatchesThread(m, *e.seed):
			mismatched++
		}
	}
	l.metrics.dropped(dropped, malformed)
	l.metrics.mismatched(mismatched)

	e.pages = append(e.pages, page)
	e.state = StateReady
	e.err = nil
}

// buildPage applies the over-fetch rule, normalizes, enforces the strict
// cursor bound and deduplicates within the page. It returns the page, the
// number of in-page duplicates and the number of rows at or above before.
func (l *Loader) buildPage(conversationID string, rows []store.RawMessage, take int, before *time.Time, nctx *NormalizationContext) (Page, int, int) {
	hasMore := len(rows) > take
	if hasMore {
		rows = rows[:take]
	}

	msgs := make([]NormalizedMessage, 0, len(rows))
	overlap := 0
	for _, r := range rows {
		m := Normalize(r, nctx)
		if m.Malformed {
			l.log.Warn("thread.record.malformed",
				"conversation_id", conversationID,
				"message_id", m.ID,
				"reason", m.MalformedReason,
				"created_at", r.CreatedAt,
			)
		}
		if r.HeadersInvalid {
			l.log.Debug("thread.record.headers_invalid", "conversation_id", conversationID, "message_id", m.ID)
		}
		if before != nil && !m.Malformed && !m.CreatedAt.Before(*before) {
			overlap++
			continue
		}
		msgs = append(msgs, m)
	}
	msgs, dups := dedupe(msgs)

	var oldest *time.Time
	for _, m := range msgs {
		if m.Malformed {
			continue
		}
		if oldest == nil || m.CreatedAt.Before(*oldest) {
			t := m.CreatedAt
			oldest = &t
		}
	}
	if oldest == nil && hasMore {
		// Stores order malformed rows last, so only malformed rows remain.
		l.log.Warn("thread.page.no_cursor", "conversation_id", conversationID, "rows", len(rows))
		hasMore = false
	}

	return Page{Messages: msgs, HasMore: hasMore, OldestCursor: oldest}, dups, overlap
}

func (l *Loader) viewLocked(conversationID string, e *entry, nctx *NormalizationContext) View {
	pages := make([]Page, len(e.pages))
	for i, p := range e.pages {
		p.Messages = reclassify(p.Messages, nctx)
		pages[i] = p
	}

	hasNext := false
	if n := len(e.pages); n > 0 {
		hasNext = e.pages[n-1].HasMore
	}

	a := Assemble(pages, AssembleOptions{
		Seed:             e.seed,
		TotalCount:       e.total,
		HasNextPage:      hasNext,
		Context:          nctx,
		QuotedExtraction: l.opts.QuotedExtraction,
		RemainingCeiling: l.opts.RemainingCeiling,
	})
	return View{
		ConversationID: conversationID,
		Messages:       a.Messages,
		TotalCount:     e.total,
		LoadedCount:    a.LoadedCount,
		Remaining:      a.Remaining,
		Confidence:     a.Confidence,
		HasNextPage:    hasNext,
		IsLoading:      e.state == StateFetchingFirst || e.state == StateFetchingNext,
		State:          e.state,
		Err:            e.err,
		Stats:          a.Stats,
	}
}

func (l *Loader) discardStale(conversationID, kind string) {
	l.metrics.stale()
	l.log.Debug("thread.page.stale", "conversation_id", conversationID, "kind", kind)
}

func (l *Loader) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.opts.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.opts.StoreTimeout)
}

func (l *Loader) fetchPage(ctx context.Context, conversationID string, limit int, before *time.Time) ([]store.RawMessage, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	rows, err := l.store.FetchMessagesPage(ctx, store.PageQuery{
		ConversationID: conversationID,
		Limit:          limit,
		Before:         before,
	})
	if err != nil {
		l.metrics.queryFailed("page")
		return nil, &QueryError{Op: "page", ConversationID: conversationID, Err: err}
	}
	return rows, nil
}

func (l *Loader) count(ctx context.Context, conversationID string) (int, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	n, err := l.store.CountMessages(ctx, conversationID)
	if err != nil {
		l.metrics.queryFailed("count")
		return 0, &QueryError{Op: "count", ConversationID: conversationID, Err: err}
	}
	return n, nil
}

func (l *Loader) inboxEmail(ctx context.Context, conversationID string, sample []store.RawMessage) string {
	if l.inboxes == nil {
		return ""
	}
	inboxID := ""
	for _, r := range sample {
		if r.Conversation.InboxID != "" {
			inboxID = r.Conversation.InboxID
			break
		}
	}
	if inboxID == "" {
		return ""
	}

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	email, err := l.inboxes.InboxEmail(ctx, inboxID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			l.log.Warn("thread.seed.inbox_failed", "conversation_id", conversationID, "inbox_id", inboxID, "err", err)
		}
		return ""
	}
	return email
}
