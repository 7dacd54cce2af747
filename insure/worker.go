package insure

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/sureq/insure/objstore"
	"github.com/remiges-tech/sureq/metrics"
)

// Claim duration thresholds. A slow claim points at lock contention or
// a missing index, so it is surfaced at escalating severities.
const (
	claimInfoThreshold = 30 * time.Second
	claimWarnThreshold = 60 * time.Second
	claimCritThreshold = 80 * time.Second
)

// errorPenaltySleep is how long the loop backs off after a cycle-level
// error, so a persistently broken store does not flood the logs.
const errorPenaltySleep = 5 * time.Second

// Worker is one long-lived delivery process. Each tick it claims a
// batch of ready rows, dispatches them sequentially, runs the waiting
// sweeper at most once per second, sleeps the remainder of the tick and
// polls for shutdown signals. Horizontal scale comes from running
// several workers against the same store; the claim protocol keeps them
// from stepping on each other.
type Worker struct {
	store     RequestStore
	transport Transport
	logger    *logharbour.Logger
	cfg       WorkerConfig

	// instanceID tags this worker's log lines so interleaved output
	// from multiple workers can be told apart.
	instanceID string

	gate     *secondGate
	shutdown atomic.Bool
	sigCh    chan os.Signal

	// Optional collaborators, attached through the With* methods.
	db        *pgxpool.Pool
	objStore  objstore.ObjectStore
	objBucket string
	metrics   metrics.Metrics
	heartbeat *Heartbeat
}

// NewWorker constructs a Worker. The logger is mandatory (panic on
// nil, matching the rest of the stack); a missing store or transport
// and non-positive sizes are configuration errors.
func NewWorker(store RequestStore, transport Transport, logger *logharbour.Logger, cfg *WorkerConfig) (*Worker, error) {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if store == nil {
		return nil, ConfigError{Field: "store", Details: "no request store supplied"}
	}
	if transport == nil {
		return nil, ConfigError{Field: "transport", Details: "no transport supplied"}
	}
	if cfg == nil {
		cfg = &WorkerConfig{}
	}
	cfg.applyDefaults()
	if cfg.BatchSize < 1 {
		return nil, ConfigError{Field: "BatchSize", Details: "must be at least 1"}
	}
	if cfg.TickMicroseconds < 1 {
		return nil, ConfigError{Field: "TickMicroseconds", Details: "must be at least 1"}
	}

	instanceID := uuid.NewString()[:8]
	return &Worker{
		store:      store,
		transport:  transport,
		logger:     logger.WithInstanceId(instanceID),
		cfg:        *cfg,
		instanceID: instanceID,
		gate:       newSecondGate(),
		sigCh:      make(chan os.Signal, 2),
	}, nil
}

// WithPool attaches the pgx pool used for the per-tick connection
// liveness check.
func (w *Worker) WithPool(db *pgxpool.Pool) *Worker {
	w.db = db
	return w
}

// WithObjectStore attaches an object store for oversized response
// bodies.
func (w *Worker) WithObjectStore(store objstore.ObjectStore, bucket string) *Worker {
	w.objStore = store
	w.objBucket = bucket
	return w
}

// WithMetrics attaches a metrics sink. The engine metric set must have
// been registered with RegisterWorkerMetrics.
func (w *Worker) WithMetrics(m metrics.Metrics) *Worker {
	w.metrics = m
	return w
}

// WithHeartbeat attaches the redis liveness registry.
func (w *Worker) WithHeartbeat(hb *Heartbeat) *Worker {
	w.heartbeat = hb
	return w
}

// InstanceID returns the 8-character identifier of this worker.
func (w *Worker) InstanceID() string { return w.instanceID }

// Run is the main loop. It installs handlers for SIGTERM and SIGQUIT
// and runs ticks until one of them arrives; a tick in progress always
// runs to completion, because interrupting a cycle mid-flight would
// leak lock stamps. SIGKILL is out of contract: it leaves rows in
// pending with a stale lock, to be released by an operator.
func (w *Worker) Run() {
	w.RunWithContext(context.Background())
}

// RunWithContext is Run with an additional cancellation path: the loop
// also exits, again only between ticks, when ctx is cancelled.
func (w *Worker) RunWithContext(ctx context.Context) {
	signal.Notify(w.sigCh, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(w.sigCh)

	if w.heartbeat != nil {
		go w.heartbeat.Run()
	}

	w.logger.Info().LogActivity("Worker started", map[string]any{
		"batchSize": w.cfg.BatchSize,
		"tickUs":    w.cfg.TickMicroseconds,
	})

	tick := time.Duration(w.cfg.TickMicroseconds) * time.Microsecond
	for {
		started := time.Now()

		if !w.cfg.DisableDbPing && w.db != nil {
			// Force a round trip so a connection dropped mid-flight is
			// re-established before the claim, not during it.
			if err := w.db.Ping(ctx); err != nil {
				w.logger.Warn().LogActivity("Database ping failed", map[string]any{
					"error": err.Error(),
				})
			}
		}

		err := w.runCycle(ctx)

		if w.gate.TryEnter() {
			w.sweepWaiting(ctx)
		}

		if err != nil {
			w.logger.Error(err).LogActivity("Cycle failed", nil)
			w.sleepInterruptible(ctx, errorPenaltySleep)
		} else if remaining := tick - time.Since(started); remaining > 0 {
			w.sleepInterruptible(ctx, remaining)
		}

		w.pollSignals()
		if w.shutdown.Load() || ctx.Err() != nil {
			w.logger.Info().LogActivity("Worker stopping", nil)
			return
		}
	}
}

// RunOneCycle executes a single claim-and-process cycle plus the gated
// sweeper. Exposed for callers that drive ticks themselves (and for
// tests).
func (w *Worker) RunOneCycle(ctx context.Context) error {
	err := w.runCycle(ctx)
	if w.gate.TryEnter() {
		w.sweepWaiting(ctx)
	}
	return err
}

func (w *Worker) runCycle(ctx context.Context) error {
	claimStart := time.Now()
	ids, err := w.store.ClaimReadyBatch(ctx, w.cfg.BatchSize)
	w.observeClaim(time.Since(claimStart), len(ids))
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	w.logger.Info().LogActivity("Claimed batch", map[string]any{
		"count": len(ids),
	})

	rows, err := w.store.Load(ctx, ids)
	if err != nil {
		return err
	}
	for _, req := range rows {
		w.processRow(ctx, req)
	}
	return nil
}

func (w *Worker) sweepWaiting(ctx context.Context) {
	n, err := w.store.PromoteWaitingToReady(ctx)
	if err != nil {
		w.logger.Error(err).LogActivity("Sweeper failed", nil)
		return
	}
	if n > 0 {
		w.logger.Debug0().LogActivity("Promoted waiting rows", map[string]any{
			"count": n,
		})
		if w.metrics != nil {
			w.metrics.Record(metricPromotedTotal, float64(n))
		}
	}
}

func (w *Worker) observeClaim(d time.Duration, claimed int) {
	if w.metrics != nil {
		w.metrics.Record(metricClaimSeconds, d.Seconds())
		w.metrics.Record(metricClaimedRows, float64(claimed))
	}
	data := map[string]any{
		"durationMs": d.Milliseconds(),
		"claimed":    claimed,
	}
	switch {
	case d >= claimCritThreshold:
		w.logger.Crit().LogActivity("Claim took too long", data)
	case d >= claimWarnThreshold:
		w.logger.Warn().LogActivity("Claim is slow", data)
	case d >= claimInfoThreshold:
		w.logger.Info().LogActivity("Claim duration elevated", data)
	}
}

// pollSignals drains any pending shutdown signals without blocking.
func (w *Worker) pollSignals() {
	for {
		select {
		case sig := <-w.sigCh:
			w.logger.Info().LogActivity("Shutdown signal received", map[string]any{
				"signal": sig.String(),
			})
			w.shutdown.Store(true)
		default:
			return
		}
	}
}

// sleepInterruptible sleeps for d, waking early on context
// cancellation or an incoming signal. An early wake-up from a signal
// still finishes the loop iteration normally; the flag is acted on at
// the tick boundary.
func (w *Worker) sleepInterruptible(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	case sig := <-w.sigCh:
		w.logger.Info().LogActivity("Shutdown signal received", map[string]any{
			"signal": sig.String(),
		})
		w.shutdown.Store(true)
	}
}
