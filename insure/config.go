package insure

import "time"

// Defaults applied by NewWorker for zero-valued config fields.
const (
	DefaultBatchSize             = 100
	DefaultTickMicroseconds      = 100_000
	DefaultTimeoutSeconds        = 5
	DefaultMaxRetries            = 10
	DefaultRetryBaseDelaySeconds = 5
	DefaultRetryCeilingSeconds   = 3600
	DefaultPauseRetrySeconds     = 60
	DefaultMaxInlineBodyBytes    = 64 * 1024
)

// WorkerConfig holds the construction parameters of a Worker. Zero
// values mean "use the default"; the boolean toggles are enabled by
// default and are switched off through the Disable* fields so that an
// empty config is a working config.
type WorkerConfig struct {
	// BatchSize is the number of rows claimed per cycle.
	BatchSize int

	// TickMicroseconds is the minimum cycle period. A cycle that runs
	// shorter than this sleeps the remainder.
	TickMicroseconds int

	// TimeoutSeconds bounds each transport call, unless the row carries
	// its own timeout.
	TimeoutSeconds int

	// MaxRetries caps how many times a row may be parked in waiting
	// before it is failed, unless the row carries its own cap.
	MaxRetries int

	// RetryBaseDelaySeconds is the base of the exponential backoff
	// curve: delay = base * factor^retry_count, capped at
	// RetryCeilingSeconds.
	RetryBaseDelaySeconds int
	RetryCeilingSeconds   int

	// PauseRetrySeconds is the short cool-down applied when the worker
	// itself failed while processing a row.
	PauseRetrySeconds int

	// MaxInlineBodyBytes is the largest response body stored inline in
	// a log row. Larger bodies are offloaded to the object store when
	// one is attached, and truncated otherwise.
	MaxInlineBodyBytes int

	// DisableKeepAlive turns off HTTP keep-alive on the transport.
	DisableKeepAlive bool

	// DisableDbPing skips the per-tick connection liveness check that
	// re-establishes dropped database connections.
	DisableDbPing bool
}

func (c *WorkerConfig) applyDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.TickMicroseconds == 0 {
		c.TickMicroseconds = DefaultTickMicroseconds
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBaseDelaySeconds == 0 {
		c.RetryBaseDelaySeconds = DefaultRetryBaseDelaySeconds
	}
	if c.RetryCeilingSeconds == 0 {
		c.RetryCeilingSeconds = DefaultRetryCeilingSeconds
	}
	if c.PauseRetrySeconds == 0 {
		c.PauseRetrySeconds = DefaultPauseRetrySeconds
	}
	if c.MaxInlineBodyBytes == 0 {
		c.MaxInlineBodyBytes = DefaultMaxInlineBodyBytes
	}
}

// effectiveTimeout returns the transport timeout for a row, preferring
// the row's own setting.
func (c *WorkerConfig) effectiveTimeout(req *Request) time.Duration {
	secs := c.TimeoutSeconds
	if req.TimeoutSeconds > 0 {
		secs = req.TimeoutSeconds
	}
	return time.Duration(secs) * time.Second
}

// effectiveMaxRetries returns the retry cap for a row, preferring the
// row's own setting.
func (c *WorkerConfig) effectiveMaxRetries(req *Request) int {
	if req.MaxRetries > 0 {
		return req.MaxRetries
	}
	return c.MaxRetries
}
