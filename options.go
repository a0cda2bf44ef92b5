package contentcore

import (
	"time"

	"go.uber.org/zap"
)

// BackendOption configures a Backend at construction time using the
// functional-options pattern.
type BackendOption func(*backendConfig)

type backendConfig struct {
	cacheTTL      time.Duration
	cacheLimit    int
	loadLimit     uint64
	streamBuffer  int
	minRetryDelay time.Duration
	maxRetryDelay time.Duration
	retryFactor   float64

	shouldStoreSnapshot func(Snapshot) bool
	onWarning           func(docType, id string, err error)
	logger              *zap.Logger
}

func defaultBackendConfig() *backendConfig {
	cfg := &backendConfig{
		cacheTTL:      5 * time.Minute,
		cacheLimit:    256,
		loadLimit:     100,
		streamBuffer:  64,
		minRetryDelay: time.Second,
		maxRetryDelay: 10 * time.Second,
		retryFactor:   1.5,
		shouldStoreSnapshot: func(s Snapshot) bool {
			return s.Version%1000 == 0
		},
		logger: zap.NewNop(),
	}
	cfg.onWarning = func(docType, id string, err error) {
		cfg.logger.Warn("content backend warning",
			zap.String("type", docType), zap.String("id", id), zap.Error(err))
	}
	return cfg
}

// WithCacheTTL sets how long a document's cache entry survives after its
// last touch once no stream is open for it.
func WithCacheTTL(ttl time.Duration) BackendOption {
	return func(c *backendConfig) { c.cacheTTL = ttl }
}

// WithCacheLimit sets the maximum number of buffered operations a cache
// entry retains before folding the oldest into its snapshot.
func WithCacheLimit(limit int) BackendOption {
	return func(c *backendConfig) { c.cacheLimit = limit }
}

// WithLoadLimit bounds how many versions the work loop fetches from the
// store in one pass (default 100).
func WithLoadLimit(limit uint64) BackendOption {
	return func(c *backendConfig) { c.loadLimit = limit }
}

// WithStreamBuffer sets the channel buffer size new OperationStreams are
// constructed with.
func WithStreamBuffer(size int) BackendOption {
	return func(c *backendConfig) { c.streamBuffer = size }
}

// WithRetryBackoff sets the work loop's exponential back-off parameters
// (defaults 1s / 10s / 1.5).
func WithRetryBackoff(minDelay, maxDelay time.Duration, factor float64) BackendOption {
	return func(c *backendConfig) {
		c.minRetryDelay = minDelay
		c.maxRetryDelay = maxDelay
		c.retryFactor = factor
	}
}

// WithShouldStoreSnapshot overrides the policy deciding whether a
// newly-computed snapshot is worth persisting after a successful submit;
// the default keeps every 1000th version.
func WithShouldStoreSnapshot(fn func(Snapshot) bool) BackendOption {
	return func(c *backendConfig) { c.shouldStoreSnapshot = fn }
}

// WithOnWarning installs a callback for non-fatal background failures, such
// as a snapshot-save error after a successful submit: these are never
// surfaced to the caller of SubmitOperation, only reported here.
func WithOnWarning(fn func(docType, id string, err error)) BackendOption {
	return func(c *backendConfig) { c.onWarning = fn }
}

// WithLogger supplies a *zap.Logger; defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) BackendOption {
	return func(c *backendConfig) { c.logger = logger }
}
