package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	feedv1 "supporthub/shared/contracts/changefeed/v1"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	listenMinBackoff = 250 * time.Millisecond
	listenMaxBackoff = 30 * time.Second
)

// PostgresListener relays NOTIFY payloads from one channel into a Publisher.
// It holds one pooled connection while listening and reconnects with capped
// exponential backoff.
type PostgresListener struct {
	log     *slog.Logger
	pool    *pgxpool.Pool
	channel string
	sink    Publisher
	metrics *FeedMetrics

	minBackoff time.Duration
	maxBackoff time.Duration

	// ready is closed after the first successful LISTEN.
	ready     chan struct{}
	readyOnce sync.Once
}

// NewPostgresListener constructs a listener for channel.
func NewPostgresListener(log *slog.Logger, pool *pgxpool.Pool, channel string, sink Publisher, metrics *FeedMetrics) (*PostgresListener, error) {
	if pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	if sink == nil {
		return nil, errors.New("realtime: nil sink")
	}
	if channel == "" {
		return nil, errors.New("realtime: empty notify channel")
	}
	if log == nil {
		log = slog.Default()
	}
	return &PostgresListener{
		log:        log,
		pool:       pool,
		channel:    channel,
		sink:       sink,
		metrics:    metrics,
		minBackoff: listenMinBackoff,
		maxBackoff: listenMaxBackoff,
		ready:      make(chan struct{}),
	}, nil
}

// Ready is closed once the listener has subscribed for the first time.
func (l *PostgresListener) Ready() <-chan struct{} { return l.ready }

// Run listens until ctx is done.
func (l *PostgresListener) Run(ctx context.Context) error {
	backoff := l.minBackoff
	for {
		started := time.Now()
		err := l.listenOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if time.Since(started) > l.maxBackoff {
			backoff = l.minBackoff
		}
		l.metrics.reconnect("postgres")
		l.log.Warn("feed.pg.listen_failed", "channel", l.channel, "err", err, "retry_in", backoff.String())

		// Wait in [backoff/2, 1.5*backoff).
		wait := time.Duration(rand.Int64N(int64(backoff))) + backoff/2
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		backoff = min(backoff*2, l.maxBackoff)
	}
}

func (l *PostgresListener) listenOnce(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	defer func() {
		// A LISTENing connection must not return to the pool as is.
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(cctx, "UNLISTEN *"); err != nil {
			_ = conn.Conn().Close(cctx)
		}
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	l.readyOnce.Do(func() { close(l.ready) })
	l.log.Info("feed.pg.listening", "channel", l.channel)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait: %w", err)
		}
		ev, err := feedv1.DecodeEvent([]byte(n.Payload))
		if err != nil {
			l.metrics.rejected()
			l.log.Warn("feed.pg.bad_payload", "channel", n.Channel, "pid", n.PID, "err", err)
			continue
		}
		if err := l.sink.Publish(ctx, ev); err != nil {
			l.log.Warn("feed.pg.publish_failed", "table", ev.Table, "err", err)
		}
	}
}
