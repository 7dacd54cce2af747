// Package pg is the PostgreSQL request store. It exposes the atomic
// claim, transition and query operations the delivery worker drives,
// plus the administrative operations surfaced by the admin service.
package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/remiges-tech/sureq/insure"
)

// terminalStates appears inline in transition guards so a terminal row
// can never be mutated, whatever the caller believes its state is.
const terminalStates = "('completed', 'failed', 'abandoned')"

// Store implements insure.RequestStore on a pgx connection pool.
// When a sealer is attached, sensitive header values are encrypted on
// insert and decrypted when rows are loaded for dispatch; every other
// read returns them opaque.
type Store struct {
	db     *pgxpool.Pool
	sealer *insure.Sealer
}

// NewStore builds a Store. sealer may be nil, in which case headers
// are stored in the clear.
func NewStore(db *pgxpool.Pool, sealer *insure.Sealer) *Store {
	return &Store{db: db, sealer: sealer}
}

// ClaimReadyBatch selects up to limit ready rows in (priority, id)
// order with row-level write locks, skipping rows a concurrent claimer
// already holds, and marks them pending with a lock stamp. One
// transaction, retried up to five times on deadlock or serialization
// failure.
func (s *Store) ClaimReadyBatch(ctx context.Context, limit int) ([]int64, error) {
	var ids []int64
	err := withTransaction(ctx, s.db, claimRetries, func(tx pgx.Tx) error {
		ids = ids[:0]
		rows, err := tx.Query(ctx, `
			SELECT id FROM requests
			WHERE state = 'ready' AND locked_at IS NULL
			ORDER BY priority, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED`, limit)
		if err != nil {
			return err
		}
		ids, err = collectIDs(rows)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		tag, err := tx.Exec(ctx, `
			UPDATE requests
			SET state = 'pending', locked_at = now(), state_changed_at = now()
			WHERE id = ANY($1)`, ids)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return insure.ErrClaimFailed
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func collectIDs(rows pgx.Rows) ([]int64, error) {
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const requestColumns = `
	id, priority, url, method, headers, payload, state, state_changed_at,
	retry_at, retry_count, retry_factor, retry_inconsistent, max_retries,
	timeout_seconds, locked_at, completed_at, abandoned_at,
	timings_cpu_ms, timings_wall_ms, created_at`

func (s *Store) scanRequest(row pgx.Row, unseal bool) (insure.Request, error) {
	var (
		req        insure.Request
		state      string
		headersRaw []byte
	)
	err := row.Scan(
		&req.ID, &req.Priority, &req.URL, &req.Method, &headersRaw, &req.Payload,
		&state, &req.StateChangedAt, &req.RetryAt, &req.RetryCount,
		&req.RetryFactor, &req.RetryInconsistent, &req.MaxRetries,
		&req.TimeoutSeconds, &req.LockedAt, &req.CompletedAt, &req.AbandonedAt,
		&req.TimingsCPUMs, &req.TimingsWallMs, &req.CreatedAt,
	)
	if err != nil {
		return insure.Request{}, err
	}
	req.State = insure.RequestState(state)

	headers, err := insure.DecodeHeaders(headersRaw)
	if err != nil {
		return insure.Request{}, fmt.Errorf("decode headers for request %d: %w", req.ID, err)
	}
	if unseal && s.sealer != nil {
		headers, err = s.sealer.UnsealHeaders(headers)
		if err != nil {
			return insure.Request{}, fmt.Errorf("unseal headers for request %d: %w", req.ID, err)
		}
	}
	req.Headers = headers
	return req, nil
}

// Load fetches full rows for processing, in (priority, id) order, with
// sealed headers decrypted for dispatch.
func (s *Store) Load(ctx context.Context, ids []int64) ([]insure.Request, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+requestColumns+`
		FROM requests
		WHERE id = ANY($1)
		ORDER BY priority, id`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []insure.Request
	for rows.Next() {
		req, err := s.scanRequest(rows, true)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// Complete marks a pending row delivered. The lock stamp is cleared in
// the same statement so the lock invariant holds atomically; the
// worker's trailing Unlock is then a no-op.
func (s *Store) Complete(ctx context.Context, id int64, a insure.Attempt) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE requests
		SET state = 'completed', completed_at = now(), state_changed_at = now(),
		    retry_at = NULL, locked_at = NULL,
		    timings_cpu_ms = $2, timings_wall_ms = $3
		WHERE id = $1 AND state = 'pending'`, id, a.CPUMs, a.WallMs)
	if err != nil {
		return err
	}
	return s.requirePendingHit(ctx, tag.RowsAffected(), id)
}

// Fail marks a pending row permanently failed. countAttempt bumps the
// retry counter for non-retryable outcomes; an exhausted row keeps the
// counter where its last deferral left it.
func (s *Store) Fail(ctx context.Context, id int64, a insure.Attempt, countAttempt bool) error {
	bump := 0
	if countAttempt {
		bump = 1
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE requests
		SET state = 'failed', state_changed_at = now(),
		    retry_at = NULL, locked_at = NULL,
		    retry_count = retry_count + $2,
		    timings_cpu_ms = $3, timings_wall_ms = $4
		WHERE id = $1 AND state = 'pending'`, id, bump, a.CPUMs, a.WallMs)
	if err != nil {
		return err
	}
	return s.requirePendingHit(ctx, tag.RowsAffected(), id)
}

// Defer parks a pending row in waiting until retryAt and counts the
// attempt.
func (s *Store) Defer(ctx context.Context, id int64, retryAt time.Time, a insure.Attempt) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE requests
		SET state = 'waiting', state_changed_at = now(),
		    retry_at = $2, locked_at = NULL,
		    retry_count = retry_count + 1,
		    timings_cpu_ms = $3, timings_wall_ms = $4
		WHERE id = $1 AND state = 'pending'`, id, retryAt, a.CPUMs, a.WallMs)
	if err != nil {
		return err
	}
	return s.requirePendingHit(ctx, tag.RowsAffected(), id)
}

// Pause parks a pending row in waiting without counting an attempt,
// used when the worker itself failed while handling the row.
func (s *Store) Pause(ctx context.Context, id int64, retryAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE requests
		SET state = 'waiting', state_changed_at = now(),
		    retry_at = $2, locked_at = NULL
		WHERE id = $1 AND state = 'pending'`, id, retryAt)
	if err != nil {
		return err
	}
	return s.requirePendingHit(ctx, tag.RowsAffected(), id)
}

func (s *Store) requirePendingHit(ctx context.Context, affected int64, id int64) error {
	if affected == 1 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM requests WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return insure.ErrRequestNotFound
	}
	return insure.ErrNotPending
}

// Unlock clears the lock stamp unconditionally. Idempotent: the state
// transitions already clear it, so this usually touches nothing; it
// exists so a row can never leave processing still stamped.
func (s *Store) Unlock(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE requests SET locked_at = NULL
		WHERE id = $1 AND locked_at IS NOT NULL`, id)
	return err
}

// PromoteWaitingToReady moves elapsed waiting rows back to ready. Set
// based and idempotent; safe to run from any number of workers.
func (s *Store) PromoteWaitingToReady(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE requests
		SET state = 'ready', retry_at = NULL, state_changed_at = now()
		WHERE state = 'waiting' AND retry_at <= now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// AppendLog records one delivery attempt.
func (s *Store) AppendLog(ctx context.Context, id int64, l insure.AttemptLog) error {
	var headersRaw []byte
	if l.ResponseHeaders != nil {
		var err error
		headersRaw, err = insure.EncodeHeaders(l.ResponseHeaders)
		if err != nil {
			return fmt.Errorf("encode response headers: %w", err)
		}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO request_logs (request_id, response_code, response_body, response_headers, attempted_at)
		VALUES ($1, $2, $3, $4, $5)`,
		id, l.ResponseCode, l.ResponseBody, headersRaw, l.AttemptedAt)
	return err
}

// Insert creates a new row in state ready, sealing sensitive headers.
func (s *Store) Insert(ctx context.Context, nr insure.NewRequest) (int64, error) {
	headers := nr.Headers
	if s.sealer != nil {
		var err error
		headers, err = s.sealer.SealHeaders(headers)
		if err != nil {
			return 0, fmt.Errorf("seal headers: %w", err)
		}
	}
	headersRaw, err := insure.EncodeHeaders(headers)
	if err != nil {
		return 0, fmt.Errorf("encode headers: %w", err)
	}

	retryFactor := nr.RetryFactor
	if retryFactor < 1 {
		retryFactor = 2
	}
	priority := nr.Priority
	if priority == 0 {
		priority = 9999
	}

	var id int64
	err = s.db.QueryRow(ctx, `
		INSERT INTO requests (priority, url, method, headers, payload,
			retry_factor, retry_inconsistent, max_retries, timeout_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		priority, nr.URL, nr.Method, headersRaw, nr.Payload,
		retryFactor, nr.RetryInconsistent, nr.MaxRetries, nr.TimeoutSeconds,
	).Scan(&id)
	return id, err
}

// Get fetches one row. Headers stay sealed: this is the admin read
// path and tokens are not for display.
func (s *Store) Get(ctx context.Context, id int64) (insure.Request, error) {
	req, err := s.scanRequest(s.db.QueryRow(ctx, `
		SELECT `+requestColumns+` FROM requests WHERE id = $1`, id), false)
	if errors.Is(err, pgx.ErrNoRows) {
		return insure.Request{}, insure.ErrRequestNotFound
	}
	return req, err
}

// Logs returns the attempt history of a request in chronological order.
func (s *Store) Logs(ctx context.Context, id int64) ([]insure.AttemptLog, error) {
	rows, err := s.db.Query(ctx, `
		SELECT response_code, response_body, response_headers, attempted_at
		FROM request_logs
		WHERE request_id = $1
		ORDER BY attempted_at, id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []insure.AttemptLog
	for rows.Next() {
		var (
			l          insure.AttemptLog
			headersRaw []byte
		)
		if err := rows.Scan(&l.ResponseCode, &l.ResponseBody, &headersRaw, &l.AttemptedAt); err != nil {
			return nil, err
		}
		if headersRaw != nil {
			l.ResponseHeaders, err = insure.DecodeHeaders(headersRaw)
			if err != nil {
				return nil, err
			}
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListFilter narrows List. Zero values mean "any".
type ListFilter struct {
	State  insure.RequestState
	MaxAge time.Duration
	Limit  int
	Offset int
}

// List returns rows for the admin surface, newest first. Headers stay
// sealed.
func (s *Store) List(ctx context.Context, f ListFilter) ([]insure.Request, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	q := `SELECT ` + requestColumns + ` FROM requests WHERE true`
	args := []any{}
	if f.State != "" {
		args = append(args, string(f.State))
		q += fmt.Sprintf(" AND state = $%d", len(args))
	}
	if f.MaxAge > 0 {
		args = append(args, time.Now().Add(-f.MaxAge))
		q += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))
	args = append(args, f.Offset)
	q += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []insure.Request
	for rows.Next() {
		req, err := s.scanRequest(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// StateCounts returns row counts per state for the monitor endpoint.
func (s *Store) StateCounts(ctx context.Context) (map[insure.RequestState]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT state, count(*) FROM requests GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[insure.RequestState]int64)
	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[insure.RequestState(state)] = n
	}
	return counts, rows.Err()
}

// Abandon is the operator's "give up on this request". It refuses rows
// already in a terminal state.
func (s *Store) Abandon(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE requests
		SET state = 'abandoned', abandoned_at = now(), state_changed_at = now(),
		    retry_at = NULL, locked_at = NULL
		WHERE id = $1 AND state NOT IN `+terminalStates, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM requests WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return insure.ErrRequestNotFound
	}
	return insure.ErrTerminalState
}

// AdminUnlock releases a stuck pending row back to ready. This is a
// deliberate operator action, never automatic: the lock holder may be
// merely slow, and reaping its row would risk double delivery.
func (s *Store) AdminUnlock(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE requests
		SET state = 'ready', locked_at = NULL, state_changed_at = now()
		WHERE id = $1 AND state = 'pending' AND locked_at IS NOT NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.requirePendingHit(ctx, 0, id)
}

// RetryNow promotes one waiting row ahead of its retry time, or
// resurrects a failed row. A resurrected row gets its attempt counter
// reset, otherwise the next attempt would exhaust it immediately.
// Completed and abandoned rows are refused.
func (s *Store) RetryNow(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE requests
		SET state = 'ready', retry_at = NULL, state_changed_at = now(),
		    retry_count = CASE WHEN state = 'failed' THEN 0 ELSE retry_count END
		WHERE id = $1 AND state IN ('waiting', 'failed')`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var state string
	err = s.db.QueryRow(ctx, `SELECT state FROM requests WHERE id = $1`, id).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return insure.ErrRequestNotFound
	}
	if err != nil {
		return err
	}
	if insure.RequestState(state).Terminal() {
		return insure.ErrTerminalState
	}
	return fmt.Errorf("request %d is %s, only waiting or failed requests can be retried", id, state)
}
