package app

import (
	"time"

	"supporthub/cmd/internal/realtime"
	"supporthub/cmd/internal/store"
	"supporthub/cmd/internal/thread"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Store selection: Postgres when DatabaseURL is set, else SQLite when
	// SQLitePath is set, else in-memory.
	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	DBSchema      string
	DBAutoMigrate bool
	SQLitePath    string

	// Change feed.
	FeedChannel  string
	RedisURL     string
	RedisChannel string

	// Thread engine.
	InitialVisibleCount int
	PageSize            int
	RemainingCeiling    int
	StoreTimeout        time.Duration
	QuotedExtraction    bool
	MaxConversations    int

	// Viewer context shared by every request.
	AgentEmails []string
	AgentPhones []string

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("SUPPORTHUB_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("SUPPORTHUB_LOG_LEVEL", "info"),
		LogFormat: EnvString("SUPPORTHUB_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("SUPPORTHUB_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("SUPPORTHUB_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("SUPPORTHUB_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("SUPPORTHUB_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("SUPPORTHUB_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:   EnvString("SUPPORTHUB_DATABASE_URL", ""),
		DBMaxConns:    EnvInt32("SUPPORTHUB_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("SUPPORTHUB_DB_MIN_CONNS", 0),
		DBSchema:      EnvString("SUPPORTHUB_DB_SCHEMA", store.DefaultSchema),
		DBAutoMigrate: EnvBool("SUPPORTHUB_DB_AUTO_MIGRATE", true),
		SQLitePath:    EnvString("SUPPORTHUB_SQLITE_PATH", ""),

		FeedChannel:  EnvString("SUPPORTHUB_FEED_CHANNEL", store.DefaultNotifyChannel),
		RedisURL:     EnvString("SUPPORTHUB_REDIS_URL", ""),
		RedisChannel: EnvString("SUPPORTHUB_REDIS_CHANNEL", realtime.DefaultRedisChannel),

		InitialVisibleCount: EnvInt("SUPPORTHUB_INITIAL_VISIBLE_COUNT", thread.DefaultInitialVisibleCount),
		PageSize:            EnvInt("SUPPORTHUB_PAGE_SIZE", thread.DefaultPageSize),
		RemainingCeiling:    EnvInt("SUPPORTHUB_REMAINING_CEILING", thread.DefaultRemainingCeiling),
		StoreTimeout:        EnvDuration("SUPPORTHUB_STORE_TIMEOUT", thread.DefaultStoreTimeout),
		QuotedExtraction:    quotedExtractionFromEnv(),
		MaxConversations:    EnvInt("SUPPORTHUB_MAX_CONVERSATIONS", thread.DefaultMaxConversations),

		AgentEmails: EnvCSV("SUPPORTHUB_AGENT_EMAILS"),
		AgentPhones: EnvCSV("SUPPORTHUB_AGENT_PHONES"),

		ReadinessRequireDB: EnvBool("SUPPORTHUB_READINESS_REQUIRE_DB", false),
	}
}

// quotedExtractionFromEnv reads the bare feature flag, overridden by the
// prefixed key when both are set.
func quotedExtractionFromEnv() bool {
	on := EnvBool("ENABLE_QUOTED_EXTRACTION", false)
	return EnvBool("SUPPORTHUB_ENABLE_QUOTED_EXTRACTION", on)
}

// ThreadOptions maps the thread engine settings onto loader options.
func (c Config) ThreadOptions(m *thread.Metrics) thread.Options {
	return thread.Options{
		InitialVisibleCount: c.InitialVisibleCount,
		PageSize:            c.PageSize,
		RemainingCeiling:    c.RemainingCeiling,
		QuotedExtraction:    c.QuotedExtraction,
		MaxConversations:    c.MaxConversations,
		StoreTimeout:        c.StoreTimeout,
		Metrics:             m,
	}
}
