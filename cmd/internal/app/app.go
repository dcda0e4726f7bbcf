// Package app wires the supporthub server runtime: config, logging, the message
// store, the thread engine, the change feed and HTTP routes.
package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"supporthub/cmd/internal/ids"
	"supporthub/cmd/internal/realtime"
	"supporthub/cmd/internal/store"
	"supporthub/cmd/internal/thread"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// App is the supporthub server runtime: it owns the store, the thread loader,
// the change feed and HTTP server wiring.
type App struct {
	cfg Config
	log Logger

	store     store.MessageStore
	storeKind string

	dbPool    *pgxpool.Pool
	dbEnabled bool

	registry *prometheus.Registry

	loader *thread.Loader
	hub    *realtime.Hub
	ws     *realtime.WSGateway

	listener *realtime.PostgresListener
	bridge   *realtime.RedisBridge
	rdb      *redis.Client

	threads *threadAPI
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	ctx := context.Background()

	st, kind, dbPool, err := newStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		storeKind: kind,
		dbPool:    dbPool,
		dbEnabled: dbPool != nil,
		registry:  prometheus.NewRegistry(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := a.wire(); err != nil {
		a.closeStore()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	threadMetrics := thread.NewMetrics(a.registry)
	feedMetrics := realtime.NewFeedMetrics(a.registry)

	a.loader = thread.NewLoader(a.log.With("component", "thread"), a.store, a.cfg.ThreadOptions(threadMetrics))
	a.hub = realtime.NewHub(a.log.With("component", "feed"), feedMetrics)
	realtime.NewInvalidator(a.log, a.loader).Attach(a.hub)

	// Postgres announces inserts itself through NOTIFY; the other stores rely
	// on the HTTP layer to publish.
	var feed realtime.Publisher = a.hub
	if a.dbEnabled {
		feed = nil
		l, err := realtime.NewPostgresListener(a.log.With("component", "feed"), a.dbPool, a.cfg.FeedChannel, a.hub, feedMetrics)
		if err != nil {
			return err
		}
		a.listener = l
	}

	if a.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(a.cfg.RedisURL)
		if err != nil {
			return err
		}
		a.rdb = redis.NewClient(opts)
		origin := ids.MustULID(time.Now())
		if host, err := os.Hostname(); err == nil {
			origin = host + "-" + origin
		}
		b, err := realtime.NewRedisBridge(a.log.With("component", "feed"), a.hub, a.rdb, a.cfg.RedisChannel, origin, feedMetrics)
		if err != nil {
			_ = a.rdb.Close()
			return err
		}
		a.bridge = b
		if feed != nil {
			feed = b
		}
	}

	a.ws = realtime.NewWSGateway(a.log.With("component", "ws"), a.hub, realtime.GatewayConfigFromEnv(), feedMetrics)

	a.threads = &threadAPI{
		log:         a.log,
		loader:      a.loader,
		store:       a.store,
		feed:        feed,
		agentEmails: a.cfg.AgentEmails,
		agentPhones: a.cfg.AgentPhones,
	}
	return nil
}

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.threads, a.registry)

	var h http.Handler = mux
	h = WithSecurityHeaders(h)
	h = WithRequestLogging(h, a.log)
	h = WithRequestID(h)
	return h
}

// Run starts the HTTP server and the change-feed sources and blocks until
// context cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"store", a.storeKind,
		"redis", a.bridge != nil,
		"quoted_extraction", a.cfg.QuotedExtraction,
	)

	g, gctx := errgroup.WithContext(ctx)

	if a.listener != nil {
		g.Go(func() error { return a.listener.Run(gctx) })
	}
	if a.bridge != nil {
		g.Go(func() error { return a.bridge.Run(gctx) })
	}

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()

	a.closeStore()
	a.log.Info("server.stopped")
	return err
}

func (a *App) closeStore() {
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	// The pool is owned here; PostgresStore.Close is a no-op.
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore picks Postgres, then SQLite, then the in-memory dev store.
func newStore(ctx context.Context, cfg Config, log Logger) (store.MessageStore, string, *pgxpool.Pool, error) {
	switch {
	case cfg.DatabaseURL != "":
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, "", nil, err
		}

		opts := []store.PostgresOption{store.WithNotifyChannel(cfg.FeedChannel)}
		if cfg.DBSchema != "" {
			opts = append(opts, store.WithSchema(cfg.DBSchema))
		}
		st, err := store.NewPostgresStore(pool, opts...)
		if err != nil {
			pool.Close()
			return nil, "", nil, err
		}
		if cfg.DBAutoMigrate {
			if err := st.Migrate(ctx); err != nil {
				pool.Close()
				return nil, "", nil, err
			}
		}
		log.Info("db.enabled.postgres_store", "schema", st.Schema(), "migrated", cfg.DBAutoMigrate)
		return st, "postgres", pool, nil

	case cfg.SQLitePath != "":
		st, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, "", nil, err
		}
		log.Info("db.enabled.sqlite_store", "path", cfg.SQLitePath)
		return st, "sqlite", nil, nil

	default:
		log.Info("db.disabled.inmemory_store")
		return store.NewInMemoryStore(), "memory", nil, nil
	}
}

// OpenStore opens the store selected by cfg for tools that run without the
// HTTP server. The returned close func releases the store and its pool.
func OpenStore(ctx context.Context, cfg Config, log Logger) (store.MessageStore, func(), error) {
	st, kind, pool, err := newStore(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	log.Debug("store.open", "store", kind)
	closeFn := func() {
		_ = st.Close()
		if pool != nil {
			pool.Close()
		}
	}
	return st, closeFn, nil
}
