// Package insure implements durable, retriable HTTP request delivery.
// A caller persists the intent to make an HTTP request as a row in a
// shared relational store; one or more Worker processes cooperate
// through row-level locks to drain the queue and guarantee the request
// is eventually delivered or explicitly given up on, despite process
// restarts, network failures and transient upstream errors.
//
// Life cycle of a persisted request:
//  1. A row is created in state "ready".
//  2. A worker claims a batch of ready rows, moving them to "pending"
//     under a lock stamp.
//  3. The worker dispatches each row over its Transport, records a log
//     row for the attempt, and writes the next state: "completed",
//     "failed", or "waiting" with a retry timestamp.
//  4. The sweeper promotes "waiting" rows whose retry timestamp has
//     elapsed back to "ready".
//
// Delivery is at-least-once; idempotency towards the upstream is the
// caller's concern (via headers on the stored request).
package insure

import (
	"context"
	"encoding/json"
	"time"
)

// RequestState is the lifecycle state of a persisted request.
type RequestState string

const (
	StateReady     RequestState = "ready"
	StatePending   RequestState = "pending"
	StateWaiting   RequestState = "waiting"
	StateCompleted RequestState = "completed"
	StateFailed    RequestState = "failed"
	StateAbandoned RequestState = "abandoned"
)

// Terminal reports whether the state is absorbing. Rows in a terminal
// state never transition again.
func (s RequestState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateAbandoned:
		return true
	}
	return false
}

// Request is one persisted delivery intent. Headers are held decoded;
// on disk they are JSON text with sensitive values sealed (see Sealer).
type Request struct {
	ID                int64
	Priority          int
	URL               string
	Method            string
	Headers           map[string][]string
	Payload           string
	State             RequestState
	StateChangedAt    time.Time
	RetryAt           *time.Time // non-nil iff State == StateWaiting
	RetryCount        int
	RetryFactor       int
	RetryInconsistent bool
	MaxRetries        int // 0 means "use the worker's configured cap"
	TimeoutSeconds    int // 0 means "use the worker's configured timeout"
	LockedAt          *time.Time // non-nil iff State == StatePending
	CompletedAt       *time.Time
	AbandonedAt       *time.Time
	TimingsCPUMs      float64
	TimingsWallMs     float64
	CreatedAt         time.Time
}

// NewRequest is the caller-supplied portion of a request row. Rows are
// always inserted in state "ready".
type NewRequest struct {
	Priority          int
	URL               string
	Method            string
	Headers           map[string][]string
	Payload           string
	RetryFactor       int
	RetryInconsistent bool
	MaxRetries        int
	TimeoutSeconds    int
}

// AttemptLog is one append-only log row for a delivery attempt.
// Body and Headers are nil for inconsistent outcomes -- the transport
// produced nothing usable to record.
type AttemptLog struct {
	ResponseCode    int
	ResponseBody    *string
	ResponseHeaders map[string][]string
	AttemptedAt     time.Time
}

// Attempt carries the measurements of the attempt that caused a state
// transition.
type Attempt struct {
	WallMs float64
	CPUMs  float64
}

// Sentinel response codes recorded for attempts that produced no HTTP
// status: 0 for a connection-level timeout, -1 for an inconsistent
// outcome (no response and no usable error).
const (
	CodeTimedOut     = 0
	CodeInconsistent = -1
)

// Outcome is the classified result of one delivery attempt.
type Outcome struct {
	Code    int
	Body    *string
	Headers map[string][]string
	WallMs  float64
	CPUMs   float64
}

// Successful reports an HTTP status in [200, 299].
func (o Outcome) Successful() bool { return o.Code >= 200 && o.Code <= 299 }

// Retryable reports whether the outcome permits another attempt.
// Client errors (4xx) are final. Inconsistent outcomes are retryable
// only when the row opts in via retry_inconsistent.
func (o Outcome) Retryable(retryInconsistent bool) bool {
	switch {
	case o.Successful():
		return false
	case o.Code >= 400 && o.Code <= 499:
		return false
	case o.Code == CodeInconsistent:
		return retryInconsistent
	default:
		// 5xx, sentinel timeout, and any other status (1xx/3xx).
		return true
	}
}

// Dispatch is the wire-level instruction handed to a Transport.
type Dispatch struct {
	Method    string
	URL       string
	Headers   map[string][]string
	Payload   string
	Timeout   time.Duration
	KeepAlive bool
}

// Transport sends one HTTP request and classifies the result. Any
// internal failure must be folded into the returned Outcome (code -1);
// Send never panics and never returns an error. Timeouts are enforced
// by the transport itself, bounded by Dispatch.Timeout.
type Transport interface {
	Send(ctx context.Context, d Dispatch) Outcome
}

// RequestStore is the persistence contract the worker drives. The
// PostgreSQL implementation lives in the pg subpackage.
type RequestStore interface {
	// ClaimReadyBatch atomically moves up to limit ready rows to
	// pending with a lock stamp, in (priority, id) order, and returns
	// their ids. Returns ErrClaimFailed if the selection was non-empty
	// but the update touched zero rows.
	ClaimReadyBatch(ctx context.Context, limit int) ([]int64, error)

	// Load fetches full rows for the given ids, ordered by
	// (priority, id).
	Load(ctx context.Context, ids []int64) ([]Request, error)

	// Complete, Fail and Defer write the next state of a pending row
	// and clear its lock stamp. Fail bumps the retry counter only when
	// countAttempt is true (a non-retryable outcome); exhaustion leaves
	// the counter where it stopped. Defer always bumps it.
	Complete(ctx context.Context, id int64, a Attempt) error
	Fail(ctx context.Context, id int64, a Attempt, countAttempt bool) error
	Defer(ctx context.Context, id int64, retryAt time.Time, a Attempt) error

	// Pause parks a pending row in waiting without counting an attempt.
	// Used when the worker itself misbehaved and an operator should get
	// a chance to look before the row is retried.
	Pause(ctx context.Context, id int64, retryAt time.Time) error

	// Unlock clears the lock stamp unconditionally. Called at the end
	// of processing every claimed row, whatever happened; idempotent.
	Unlock(ctx context.Context, id int64) error

	// PromoteWaitingToReady moves rows whose retry timestamp has
	// elapsed back to ready. Set-based and idempotent; returns the
	// number of rows promoted.
	PromoteWaitingToReady(ctx context.Context) (int64, error)

	// AppendLog records one delivery attempt for the row.
	AppendLog(ctx context.Context, id int64, l AttemptLog) error
}

// EncodeHeaders renders a header map as the JSON text stored on disk.
func EncodeHeaders(h map[string][]string) ([]byte, error) {
	if h == nil {
		h = map[string][]string{}
	}
	return json.Marshal(h)
}

// DecodeHeaders parses the JSON header text stored on disk.
func DecodeHeaders(b []byte) (map[string][]string, error) {
	if len(b) == 0 {
		return map[string][]string{}, nil
	}
	var h map[string][]string
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, err
	}
	return h, nil
}
