package thread

import "time"

// Paging defaults.
const (
	DefaultInitialVisibleCount = 3
	DefaultPageSize            = 20
	DefaultMaxConversations    = 1024
	DefaultStoreTimeout        = 10 * time.Second
)

// Options tunes a Loader. Zero values take the defaults above.
type Options struct {
	// InitialVisibleCount is the size of the first page.
	InitialVisibleCount int
	// PageSize is the size of every later page.
	PageSize int
	// RemainingCeiling hides remaining estimates above it.
	RemainingCeiling int
	// QuotedExtraction enables ExpandQuotes during assembly.
	QuotedExtraction bool
	// MaxConversations bounds the page cache; idle entries are evicted oldest first.
	MaxConversations int
	// StoreTimeout bounds each store round trip. Zero disables the bound.
	StoreTimeout time.Duration

	Metrics *Metrics
}

func (o Options) withDefaults() Options {
	if o.InitialVisibleCount <= 0 {
		o.InitialVisibleCount = DefaultInitialVisibleCount
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.RemainingCeiling <= 0 {
		o.RemainingCeiling = DefaultRemainingCeiling
	}
	if o.MaxConversations <= 0 {
		o.MaxConversations = DefaultMaxConversations
	}
	if o.StoreTimeout < 0 {
		o.StoreTimeout = 0
	}
	return o
}
