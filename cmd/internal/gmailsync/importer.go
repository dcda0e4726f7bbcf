package gmailsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"supporthub/cmd/internal/store"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	gmailv1 "google.golang.org/api/gmail/v1"
)

// Defaults for Importer.
const (
	DefaultWorkers        = 4
	DefaultRequestsPerSec = 10
	defaultListPage       = 100
)

// ThreadSource reads Gmail threads.
type ThreadSource interface {
	ListThreadIDs(ctx context.Context, query string, limit int) ([]string, error)
	GetThread(ctx context.Context, id string) (*gmailv1.Thread, error)
}

// Appender is the store surface the importer writes through.
type Appender interface {
	AppendMessage(ctx context.Context, in store.AppendMessageInput) (store.AppendMessageResult, error)
}

// ImportError reports a thread that failed to import.
type ImportError struct {
	ThreadID string
	Err      error
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("gmailsync: thread %s: %v", e.ThreadID, e.Err)
}

func (e *ImportError) Unwrap() error { return e.Err }

// Result counts what an import run did.
type Result struct {
	Threads    int
	Imported   int
	Duplicated int
	Skipped    int
	Failed     int
}

// ImporterConfig tunes an Importer. Zero values take the defaults.
type ImporterConfig struct {
	Workers        int
	RequestsPerSec float64
	Mailbox        Mailbox
}

// Importer copies Gmail threads into a message store. Appends are idempotent
// through external_id and Message-ID, so re-running an import is safe.
type Importer struct {
	log     *slog.Logger
	src     ThreadSource
	dst     Appender
	box     Mailbox
	workers int
	limiter *rate.Limiter
}

// NewImporter constructs an Importer.
func NewImporter(log *slog.Logger, src ThreadSource, dst Appender, cfg ImporterConfig) (*Importer, error) {
	if src == nil || dst == nil {
		return nil, errors.New("gmailsync: nil source or store")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = DefaultRequestsPerSec
	}
	return &Importer{
		log:     log,
		src:     src,
		dst:     dst,
		box:     cfg.Mailbox,
		workers: cfg.Workers,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), max(1, int(cfg.RequestsPerSec))),
	}, nil
}

// ImportThreads imports up to limit threads matching query. Per-thread failures
// do not stop the run; they are joined into the returned error as *ImportError.
func (im *Importer) ImportThreads(ctx context.Context, query string, limit int) (Result, error) {
	if err := im.limiter.Wait(ctx); err != nil {
		return Result{}, err
	}
	threadIDs, err := im.src.ListThreadIDs(ctx, query, limit)
	if err != nil {
		return Result{}, fmt.Errorf("gmailsync: list threads: %w", err)
	}

	var (
		imported, duplicated, skipped, failed atomic.Int64

		errsMu sync.Mutex
		errs   []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(im.workers)

	for _, id := range threadIDs {
		g.Go(func() error {
			r, err := im.importThread(gctx, id)
			imported.Add(int64(r.Imported))
			duplicated.Add(int64(r.Duplicated))
			skipped.Add(int64(r.Skipped))
			if err == nil {
				return nil
			}
			if gctx.Err() != nil {
				return gctx.Err()
			}
			failed.Add(1)
			im.log.Warn("gmail.thread.fail", "thread_id", id, "err", err)
			errsMu.Lock()
			errs = append(errs, &ImportError{ThreadID: id, Err: err})
			errsMu.Unlock()
			return nil
		})
	}

	waitErr := g.Wait()

	res := Result{
		Threads:    len(threadIDs),
		Imported:   int(imported.Load()),
		Duplicated: int(duplicated.Load()),
		Skipped:    int(skipped.Load()),
		Failed:     int(failed.Load()),
	}
	im.log.Info("gmail.import.done",
		"threads", res.Threads,
		"imported", res.Imported,
		"duplicated", res.Duplicated,
		"skipped", res.Skipped,
		"failed", res.Failed,
	)
	if waitErr != nil {
		return res, waitErr
	}
	return res, errors.Join(errs...)
}

func (im *Importer) importThread(ctx context.Context, threadID string) (Result, error) {
	var r Result
	if err := im.limiter.Wait(ctx); err != nil {
		return r, err
	}
	start := time.Now()
	th, err := im.src.GetThread(ctx, threadID)
	if err != nil {
		return r, err
	}

	convID := ConversationID(threadID)
	for _, m := range th.Messages {
		in, err := ConvertMessage(m, convID, im.box)
		if err != nil {
			r.Skipped++
			im.log.Debug("gmail.message.skip", "thread_id", threadID, "err", err)
			continue
		}
		res, err := im.dst.AppendMessage(ctx, in)
		switch {
		case errors.Is(err, store.ErrInvalidInput):
			r.Skipped++
			im.log.Debug("gmail.message.skip", "thread_id", threadID, "gmail_id", m.Id, "err", err)
		case err != nil:
			return r, fmt.Errorf("append %s: %w", m.Id, err)
		case res.Duplicated:
			r.Duplicated++
		default:
			r.Imported++
		}
	}

	im.log.Debug("gmail.thread.imported",
		"thread_id", threadID,
		"conversation_id", convID,
		"messages", len(th.Messages),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return r, nil
}

// ServiceSource reads threads through the Gmail API for the authenticated user.
type ServiceSource struct {
	Svc  *gmailv1.Service
	User string
}

func (s ServiceSource) user() string {
	if s.User == "" {
		return "me"
	}
	return s.User
}

// ListThreadIDs pages through Users.Threads.List until limit ids are collected.
// A limit of zero lists everything.
func (s ServiceSource) ListThreadIDs(ctx context.Context, query string, limit int) ([]string, error) {
	var ids []string
	pageToken := ""
	for {
		call := s.Svc.Users.Threads.List(s.user()).Context(ctx).MaxResults(defaultListPage)
		if query != "" {
			call = call.Q(query)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return ids, err
		}
		for _, t := range resp.Threads {
			ids = append(ids, t.Id)
			if limit > 0 && len(ids) >= limit {
				return ids, nil
			}
		}
		if resp.NextPageToken == "" {
			return ids, nil
		}
		pageToken = resp.NextPageToken
	}
}

// GetThread fetches one thread with full MIME payloads.
func (s ServiceSource) GetThread(ctx context.Context, id string) (*gmailv1.Thread, error) {
	return s.Svc.Users.Threads.Get(s.user(), id).Format("full").Context(ctx).Do()
}
