package thread

import (
	"context"
	"sync"
)

// Session tracks the conversation one viewer currently has open. Responses for
// a conversation that is no longer active are dropped with ErrStaleResponse and
// never reach the active view.
type Session struct {
	loader *Loader
	nctx   *NormalizationContext

	mu     sync.Mutex
	active string
	token  uint64
	// scope is cancelled when the active conversation changes.
	scope  context.Context
	cancel context.CancelFunc
}

// NewSession starts a session for the viewer described by nctx.
func (l *Loader) NewSession(nctx *NormalizationContext) *Session {
	return &Session{loader: l, nctx: nctx}
}

// Active returns the open conversation id.
func (s *Session) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Open switches the session to conversationID and loads its first page.
// In-flight requests issued for the previous conversation are cancelled.
func (s *Session) Open(ctx context.Context, conversationID string) (View, error) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.token++
	s.active = conversationID
	tok := s.token
	s.scope, s.cancel = context.WithCancel(context.Background())
	ctx, done := bind(ctx, s.scope)
	s.mu.Unlock()
	defer done()

	v, err := s.loader.LoadFirst(ctx, conversationID, s.nctx)
	return s.settle(tok, conversationID, "open", v, err)
}

// FetchNextPage loads the next page of the active conversation.
func (s *Session) FetchNextPage(ctx context.Context) (View, error) {
	convID, tok, ctx, done, ok := s.current(ctx)
	defer done()
	if !ok {
		return s.View(), nil
	}
	v, err := s.loader.LoadNext(ctx, convID, s.nctx)
	return s.settle(tok, convID, "next", v, err)
}

// Retry re-issues the last failed request of the active conversation with
// the same cursor.
func (s *Session) Retry(ctx context.Context) (View, error) {
	convID, tok, ctx, done, ok := s.current(ctx)
	defer done()
	if !ok {
		return s.View(), nil
	}
	v, err := s.loader.Retry(ctx, convID, s.nctx)
	return s.settle(tok, convID, "retry", v, err)
}

// Refetch drops the active conversation's pages and loads the first page again.
func (s *Session) Refetch(ctx context.Context) (View, error) {
	convID, tok, ctx, done, ok := s.current(ctx)
	defer done()
	if !ok {
		return s.View(), nil
	}
	s.loader.Invalidate(convID)
	v, err := s.loader.LoadFirst(ctx, convID, s.nctx)
	return s.settle(tok, convID, "refetch", v, err)
}

// View returns the active conversation's current view.
func (s *Session) View() View {
	s.mu.Lock()
	convID := s.active
	s.mu.Unlock()
	if convID == "" {
		return View{State: StateIdle, Confidence: ConfidenceHigh, Remaining: Remaining{Known: true}}
	}
	return s.loader.View(convID, s.nctx)
}

// Close cancels any in-flight request.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// current returns the active conversation and a request context that is also
// cancelled when the session switches away. done must always be called.
func (s *Session) current(ctx context.Context) (convID string, tok uint64, reqCtx context.Context, done func(), ok bool) {
	s.mu.Lock()
	convID, tok, scope := s.active, s.token, s.scope
	s.mu.Unlock()
	if convID == "" || scope == nil {
		return "", 0, ctx, func() {}, false
	}

	reqCtx, done = bind(ctx, scope)
	return convID, tok, reqCtx, done, true
}

// bind derives a context from ctx that is also cancelled with scope.
func bind(ctx, scope context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(scope, cancel)
	return ctx, func() { stop(); cancel() }
}

func (s *Session) settle(tok uint64, conversationID, kind string, v View, err error) (View, error) {
	s.mu.Lock()
	stale := s.token != tok || s.active != conversationID
	s.mu.Unlock()
	if stale {
		s.loader.discardStale(conversationID, kind)
		return View{}, ErrStaleResponse
	}
	return v, err
}
