package insure

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/remiges-tech/logharbour/logharbour"
)

// processRow runs one claimed row through a delivery attempt: transport
// call, attempt log, next-state transition. Rows are independent; a
// failure here never propagates to the cycle. The lock stamp is cleared
// no matter what happens, including a panic, so a misbehaving row can
// not wedge itself in pending.
func (w *Worker) processRow(ctx context.Context, req Request) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error(fmt.Errorf("panic while processing request: %v", r)).
				LogActivity("Pausing request after processor panic", map[string]any{
					"requestId": req.ID,
				})
			w.pauseRow(ctx, req.ID)
		}
		if err := w.store.Unlock(ctx, req.ID); err != nil {
			w.logger.Error(err).LogActivity("Failed to release lock", map[string]any{
				"requestId": req.ID,
			})
		}
	}()

	outcome := w.transport.Send(ctx, Dispatch{
		Method:    req.Method,
		URL:       req.URL,
		Headers:   req.Headers,
		Payload:   req.Payload,
		Timeout:   w.cfg.effectiveTimeout(&req),
		KeepAlive: !w.cfg.DisableKeepAlive,
	})

	if w.metrics != nil {
		w.metrics.RecordWithLabels(metricAttemptsTotal, 1, outcome.Class())
		w.metrics.Record(metricAttemptSeconds, outcome.WallMs/1000)
	}

	if err := w.store.AppendLog(ctx, req.ID, w.attemptLog(ctx, req.ID, outcome)); err != nil {
		w.logger.Error(err).LogActivity("Failed to append attempt log, pausing request", map[string]any{
			"requestId": req.ID,
		})
		w.pauseRow(ctx, req.ID)
		return
	}

	if err := w.transition(ctx, req, outcome); err != nil {
		w.logger.Error(err).LogActivity("State transition failed, pausing request", map[string]any{
			"requestId": req.ID,
		})
		w.pauseRow(ctx, req.ID)
	}
}

// transition computes and writes the next state for a row given the
// outcome of its latest attempt.
//
// The retry counter counts attempts that did not complete the request.
// A non-retryable failure counts its attempt; exhaustion does not bump
// the counter again -- the row had its configured number of stints in
// waiting and the counter already reflects them.
func (w *Worker) transition(ctx context.Context, req Request, outcome Outcome) error {
	attempt := Attempt{WallMs: outcome.WallMs, CPUMs: outcome.CPUMs}

	var (
		err  error
		next RequestState
	)
	switch {
	case outcome.Successful():
		next = StateCompleted
		err = w.store.Complete(ctx, req.ID, attempt)

	case !outcome.Retryable(req.RetryInconsistent):
		next = StateFailed
		err = w.store.Fail(ctx, req.ID, attempt, true)

	case req.RetryCount >= w.cfg.effectiveMaxRetries(&req):
		next = StateFailed
		err = w.store.Fail(ctx, req.ID, attempt, false)

	default:
		next = StateWaiting
		retryAt := time.Now().Add(w.backoffDelay(&req))
		err = w.store.Defer(ctx, req.ID, retryAt, attempt)
	}
	if err != nil {
		return err
	}

	w.logger.LogDataChange("Request state updated", logharbour.ChangeInfo{
		Entity: "Request",
		Op:     "Deliver",
		Changes: []logharbour.ChangeDetail{
			{Field: "state", OldVal: StatePending, NewVal: next},
		},
	})
	return nil
}

// backoffDelay computes the exponential cool-down before the next
// attempt: base * factor^retry_count, capped at the configured ceiling.
// The per-row factor defaults to 2 when unset.
func (w *Worker) backoffDelay(req *Request) time.Duration {
	factor := req.RetryFactor
	if factor < 1 {
		factor = 2
	}
	ceiling := time.Duration(w.cfg.RetryCeilingSeconds) * time.Second

	delay := time.Duration(w.cfg.RetryBaseDelaySeconds) * time.Second
	for i := 0; i < req.RetryCount; i++ {
		delay *= time.Duration(factor)
		if delay >= ceiling || delay < 0 {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

// pauseRow parks a row in waiting with a short retry after the worker
// itself failed. The request is preserved for operator inspection
// rather than being failed outright.
func (w *Worker) pauseRow(ctx context.Context, id int64) {
	retryAt := time.Now().Add(time.Duration(w.cfg.PauseRetrySeconds) * time.Second)
	if err := w.store.Pause(ctx, id, retryAt); err != nil {
		w.logger.Error(err).LogActivity("Failed to pause request", map[string]any{
			"requestId": id,
		})
	}
}

// attemptLog shapes an outcome into its log row. Inconsistent outcomes
// are recorded with null body and headers. Oversized bodies are moved
// to the object store when one is attached, leaving a pointer in the
// row; without one the stored body is truncated.
func (w *Worker) attemptLog(ctx context.Context, id int64, outcome Outcome) AttemptLog {
	l := AttemptLog{
		ResponseCode:    outcome.Code,
		ResponseBody:    outcome.Body,
		ResponseHeaders: outcome.Headers,
		AttemptedAt:     time.Now(),
	}
	if outcome.Code == CodeInconsistent {
		l.ResponseBody = nil
		l.ResponseHeaders = nil
		return l
	}
	if l.ResponseBody == nil || len(*l.ResponseBody) <= w.cfg.MaxInlineBodyBytes {
		return l
	}

	body := *l.ResponseBody
	if w.objStore == nil {
		truncated := body[:w.cfg.MaxInlineBodyBytes]
		l.ResponseBody = &truncated
		return l
	}

	obj := fmt.Sprintf("responses/%d/%s", id, uuid.NewString())
	contentType := mimetype.Detect([]byte(body)).String()
	err := w.objStore.Put(ctx, w.objBucket, obj, strings.NewReader(body), int64(len(body)), contentType)
	if err != nil {
		w.logger.Warn().LogActivity("Body offload failed, truncating", map[string]any{
			"requestId": id,
			"error":     err.Error(),
		})
		truncated := body[:w.cfg.MaxInlineBodyBytes]
		l.ResponseBody = &truncated
		return l
	}
	pointer := objectPointerPrefix + obj
	l.ResponseBody = &pointer
	return l
}

// objectPointerPrefix marks a stored response body as a reference into
// the object store rather than the body itself.
const objectPointerPrefix = "objstore:"

// Class names the outcome category for logs and metric labels.
func (o Outcome) Class() string {
	switch {
	case o.Successful():
		return "successful"
	case o.Code >= 400 && o.Code <= 499:
		return "client_error"
	case o.Code >= 500 && o.Code <= 599:
		return "server_error"
	case o.Code == CodeTimedOut:
		return "timed_out"
	case o.Code == CodeInconsistent:
		return "inconsistent"
	default:
		return "other_status"
	}
}
