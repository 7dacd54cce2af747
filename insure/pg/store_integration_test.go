package pg

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/remiges-tech/sureq/insure"
)

// setupTestDB starts a throwaway PostgreSQL container, runs the
// migrations and returns a connected pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test requiring Docker")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	conn, err := pgx.Connect(ctx, connStr)
	require.NoError(t, err)
	err = insure.MigrateDatabase(conn)
	require.NoError(t, err)
	conn.Close(ctx)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func insertReady(t *testing.T, store *Store, nr insure.NewRequest) int64 {
	t.Helper()
	if nr.URL == "" {
		nr.URL = "http://upstream.example/hook"
	}
	if nr.Method == "" {
		nr.Method = "POST"
	}
	id, err := store.Insert(context.Background(), nr)
	require.NoError(t, err)
	return id
}

func rowState(t *testing.T, pool *pgxpool.Pool, id int64) string {
	t.Helper()
	var state string
	err := pool.QueryRow(context.Background(),
		`SELECT state::text FROM requests WHERE id = $1`, id).Scan(&state)
	require.NoError(t, err)
	return state
}

func TestClaimReadyBatch(t *testing.T) {
	pool := setupTestDB(t)
	store := NewStore(pool, nil)
	ctx := context.Background()

	// Three ready rows with distinct priorities, one row already
	// waiting which must not be touched.
	low := insertReady(t, store, insure.NewRequest{Priority: 100})
	high := insertReady(t, store, insure.NewRequest{Priority: 1})
	mid := insertReady(t, store, insure.NewRequest{Priority: 50})
	parked := insertReady(t, store, insure.NewRequest{Priority: 1})
	_, err := pool.Exec(ctx,
		`UPDATE requests SET state = 'waiting', retry_at = now() + interval '1 hour' WHERE id = $1`, parked)
	require.NoError(t, err)

	ids, err := store.ClaimReadyBatch(ctx, 2)
	require.NoError(t, err)
	// Claimed in priority order, limit respected.
	assert.Equal(t, []int64{high, mid}, ids)

	assert.Equal(t, "pending", rowState(t, pool, high))
	assert.Equal(t, "pending", rowState(t, pool, mid))
	assert.Equal(t, "ready", rowState(t, pool, low))
	assert.Equal(t, "waiting", rowState(t, pool, parked))

	var lockedAt *time.Time
	err = pool.QueryRow(ctx, `SELECT locked_at FROM requests WHERE id = $1`, high).Scan(&lockedAt)
	require.NoError(t, err)
	assert.NotNil(t, lockedAt)

	// A second claim picks up only what is left.
	ids, err = store.ClaimReadyBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{low}, ids)

	// And a third finds nothing.
	ids, err = store.ClaimReadyBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestLoadReturnsRowsInPriorityOrder(t *testing.T) {
	pool := setupTestDB(t)
	store := NewStore(pool, nil)
	ctx := context.Background()

	a := insertReady(t, store, insure.NewRequest{Priority: 5, Payload: `{"n":1}`})
	b := insertReady(t, store, insure.NewRequest{Priority: 1, TimeoutSeconds: 30, MaxRetries: 3})

	rows, err := store.Load(ctx, []int64{a, b})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, b, rows[0].ID)
	assert.Equal(t, a, rows[1].ID)
	assert.Equal(t, 30, rows[0].TimeoutSeconds)
	assert.Equal(t, 3, rows[0].MaxRetries)
	assert.Equal(t, `{"n":1}`, rows[1].Payload)
}

func TestStateTransitions(t *testing.T) {
	pool := setupTestDB(t)
	store := NewStore(pool, nil)
	ctx := context.Background()
	attempt := insure.Attempt{WallMs: 12.5, CPUMs: 1.5}

	claim := func(id int64) {
		t.Helper()
		ids, err := store.ClaimReadyBatch(ctx, 100)
		require.NoError(t, err)
		require.Contains(t, ids, id)
	}

	t.Run("complete", func(t *testing.T) {
		id := insertReady(t, store, insure.NewRequest{})
		claim(id)
		require.NoError(t, store.Complete(ctx, id, attempt))

		req, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, insure.StateCompleted, req.State)
		assert.NotNil(t, req.CompletedAt)
		assert.Nil(t, req.LockedAt)
		assert.Equal(t, 12.5, req.TimingsWallMs)
	})

	t.Run("fail counted", func(t *testing.T) {
		id := insertReady(t, store, insure.NewRequest{})
		claim(id)
		require.NoError(t, store.Fail(ctx, id, attempt, true))

		req, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, insure.StateFailed, req.State)
		assert.Equal(t, 1, req.RetryCount)
		assert.Nil(t, req.LockedAt)
	})

	t.Run("fail on exhaustion leaves counter", func(t *testing.T) {
		id := insertReady(t, store, insure.NewRequest{})
		_, err := pool.Exec(ctx, `UPDATE requests SET retry_count = 4 WHERE id = $1`, id)
		require.NoError(t, err)
		claim(id)
		require.NoError(t, store.Fail(ctx, id, attempt, false))

		req, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 4, req.RetryCount)
	})

	t.Run("defer", func(t *testing.T) {
		id := insertReady(t, store, insure.NewRequest{})
		claim(id)
		retryAt := time.Now().Add(time.Hour)
		require.NoError(t, store.Defer(ctx, id, retryAt, attempt))

		req, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, insure.StateWaiting, req.State)
		require.NotNil(t, req.RetryAt)
		assert.Equal(t, 1, req.RetryCount)
		assert.Nil(t, req.LockedAt)
	})

	t.Run("pause does not count", func(t *testing.T) {
		id := insertReady(t, store, insure.NewRequest{})
		claim(id)
		require.NoError(t, store.Pause(ctx, id, time.Now().Add(time.Minute)))

		req, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, insure.StateWaiting, req.State)
		assert.Zero(t, req.RetryCount)
	})
}

func TestTransitionGuards(t *testing.T) {
	pool := setupTestDB(t)
	store := NewStore(pool, nil)
	ctx := context.Background()
	attempt := insure.Attempt{}

	// A ready row was never claimed; transitions refuse it.
	id := insertReady(t, store, insure.NewRequest{})
	assert.ErrorIs(t, store.Complete(ctx, id, attempt), insure.ErrNotPending)
	assert.ErrorIs(t, store.Fail(ctx, id, attempt, true), insure.ErrNotPending)
	assert.ErrorIs(t, store.Defer(ctx, id, time.Now(), attempt), insure.ErrNotPending)
	assert.ErrorIs(t, store.Pause(ctx, id, time.Now()), insure.ErrNotPending)

	// Unknown ids are distinguished from wrong-state rows.
	assert.ErrorIs(t, store.Complete(ctx, 999999, attempt), insure.ErrRequestNotFound)

	// A completed row cannot be completed twice.
	ids, err := store.ClaimReadyBatch(ctx, 10)
	require.NoError(t, err)
	require.Contains(t, ids, id)
	require.NoError(t, store.Complete(ctx, id, attempt))
	assert.ErrorIs(t, store.Complete(ctx, id, attempt), insure.ErrNotPending)
}

func TestUnlockIdempotent(t *testing.T) {
	pool := setupTestDB(t)
	store := NewStore(pool, nil)
	ctx := context.Background()

	id := insertReady(t, store, insure.NewRequest{})
	ids, err := store.ClaimReadyBatch(ctx, 10)
	require.NoError(t, err)
	require.Contains(t, ids, id)

	require.NoError(t, store.Unlock(ctx, id))
	require.NoError(t, store.Unlock(ctx, id))
	require.NoError(t, store.Unlock(ctx, 999999))

	req, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, req.LockedAt)
	// Unlock clears the stamp only; the state is untouched.
	assert.Equal(t, insure.StatePending, req.State)
}

func TestPromoteWaitingToReady(t *testing.T) {
	pool := setupTestDB(t)
	store := NewStore(pool, nil)
	ctx := context.Background()

	due := insertReady(t, store, insure.NewRequest{})
	notDue := insertReady(t, store, insure.NewRequest{})
	_, err := pool.Exec(ctx,
		`UPDATE requests SET state = 'waiting', retry_at = now() - interval '1 minute' WHERE id = $1`, due)
	require.NoError(t, err)
	_, err = pool.Exec(ctx,
		`UPDATE requests SET state = 'waiting', retry_at = now() + interval '1 hour' WHERE id = $1`, notDue)
	require.NoError(t, err)

	n, err := store.PromoteWaitingToReady(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, "ready", rowState(t, pool, due))
	assert.Equal(t, "waiting", rowState(t, pool, notDue))

	var retryAt *time.Time
	err = pool.QueryRow(ctx, `SELECT retry_at FROM requests WHERE id = $1`, due).Scan(&retryAt)
	require.NoError(t, err)
	assert.Nil(t, retryAt)

	// Idempotent: a second sweep finds nothing.
	n, err = store.PromoteWaitingToReady(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAppendLogAndLogs(t *testing.T) {
	pool := setupTestDB(t)
	store := NewStore(pool, nil)
	ctx := context.Background()

	id := insertReady(t, store, insure.NewRequest{})
	body := `{"ok":true}`
	require.NoError(t, store.AppendLog(ctx, id, insure.AttemptLog{
		ResponseCode:    503,
		ResponseBody:    &body,
		ResponseHeaders: map[string][]string{"Retry-After": {"30"}},
		AttemptedAt:     time.Now().Add(-time.Minute),
	}))
	// An inconsistent outcome records nulls.
	require.NoError(t, store.AppendLog(ctx, id, insure.AttemptLog{
		ResponseCode: insure.CodeInconsistent,
		AttemptedAt:  time.Now(),
	}))

	logs, err := store.Logs(ctx, id)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, 503, logs[0].ResponseCode)
	assert.Equal(t, body, *logs[0].ResponseBody)
	assert.Equal(t, []string{"30"}, logs[0].ResponseHeaders["Retry-After"])
	assert.Equal(t, insure.CodeInconsistent, logs[1].ResponseCode)
	assert.Nil(t, logs[1].ResponseBody)
	assert.Nil(t, logs[1].ResponseHeaders)
}

func TestInsertDefaults(t *testing.T) {
	pool := setupTestDB(t)
	store := NewStore(pool, nil)
	ctx := context.Background()

	id := insertReady(t, store, insure.NewRequest{})
	req, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, insure.StateReady, req.State)
	assert.Equal(t, 9999, req.Priority)
	assert.Equal(t, 2, req.RetryFactor)
	assert.Zero(t, req.RetryCount)
	assert.Nil(t, req.RetryAt)
	assert.Nil(t, req.LockedAt)
}

func TestSealedHeadersAtRest(t *testing.T) {
	pool := setupTestDB(t)
	key := []byte("0123456789abcdef0123456789abcdef")
	sealer, err := insure.NewSealer(key, nil)
	require.NoError(t, err)
	store := NewStore(pool, sealer)
	ctx := context.Background()

	id := insertReady(t, store, insure.NewRequest{
		Headers: map[string][]string{
			"Authorization": {"Bearer secret-token"},
			"Content-Type":  {"application/json"},
		},
	})

	// On disk the sensitive value is ciphertext.
	var raw string
	err = pool.QueryRow(ctx, `SELECT headers::text FROM requests WHERE id = $1`, id).Scan(&raw)
	require.NoError(t, err)
	assert.NotContains(t, raw, "secret-token")
	assert.Contains(t, raw, "enc:v1:")

	// The admin read path returns it still sealed.
	req, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(req.Headers["Authorization"][0], "enc:v1:"))

	// The dispatch path decrypts.
	rows, err := store.Load(ctx, []int64{id})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Bearer secret-token", rows[0].Headers["Authorization"][0])
	assert.Equal(t, "application/json", rows[0].Headers["Content-Type"][0])
}

func TestListAndStateCounts(t *testing.T) {
	pool := setupTestDB(t)
	store := NewStore(pool, nil)
	ctx := context.Background()

	a := insertReady(t, store, insure.NewRequest{})
	b := insertReady(t, store, insure.NewRequest{})
	c := insertReady(t, store, insure.NewRequest{})
	_, err := pool.Exec(ctx, `UPDATE requests SET state = 'completed' WHERE id = $1`, b)
	require.NoError(t, err)

	all, err := store.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Newest first.
	assert.Equal(t, c, all[0].ID)

	ready, err := store.List(ctx, ListFilter{State: insure.StateReady})
	require.NoError(t, err)
	require.Len(t, ready, 2)
	assert.Equal(t, []int64{c, a}, []int64{ready[0].ID, ready[1].ID})

	paged, err := store.List(ctx, ListFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, b, paged[0].ID)

	counts, err := store.StateCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[insure.StateReady])
	assert.Equal(t, int64(1), counts[insure.StateCompleted])
}

func TestAbandon(t *testing.T) {
	pool := setupTestDB(t)
	store := NewStore(pool, nil)
	ctx := context.Background()

	id := insertReady(t, store, insure.NewRequest{})
	require.NoError(t, store.Abandon(ctx, id))

	req, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, insure.StateAbandoned, req.State)
	assert.NotNil(t, req.AbandonedAt)

	// Terminal rows refuse a second abandon.
	assert.ErrorIs(t, store.Abandon(ctx, id), insure.ErrTerminalState)
	assert.ErrorIs(t, store.Abandon(ctx, 999999), insure.ErrRequestNotFound)
}

func TestAdminUnlock(t *testing.T) {
	pool := setupTestDB(t)
	store := NewStore(pool, nil)
	ctx := context.Background()

	id := insertReady(t, store, insure.NewRequest{})
	ids, err := store.ClaimReadyBatch(ctx, 10)
	require.NoError(t, err)
	require.Contains(t, ids, id)

	require.NoError(t, store.AdminUnlock(ctx, id))
	req, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, insure.StateReady, req.State)
	assert.Nil(t, req.LockedAt)

	// It only applies to stamped pending rows.
	assert.ErrorIs(t, store.AdminUnlock(ctx, id), insure.ErrNotPending)
	assert.ErrorIs(t, store.AdminUnlock(ctx, 999999), insure.ErrRequestNotFound)
}

func TestRetryNow(t *testing.T) {
	pool := setupTestDB(t)
	store := NewStore(pool, nil)
	ctx := context.Background()

	t.Run("waiting row promoted early", func(t *testing.T) {
		id := insertReady(t, store, insure.NewRequest{})
		_, err := pool.Exec(ctx,
			`UPDATE requests SET state = 'waiting', retry_at = now() + interval '1 hour', retry_count = 2 WHERE id = $1`, id)
		require.NoError(t, err)

		require.NoError(t, store.RetryNow(ctx, id))
		req, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, insure.StateReady, req.State)
		assert.Nil(t, req.RetryAt)
		// Early promotion keeps the counter; only resurrection resets it.
		assert.Equal(t, 2, req.RetryCount)
	})

	t.Run("failed row resurrected with counter reset", func(t *testing.T) {
		id := insertReady(t, store, insure.NewRequest{})
		_, err := pool.Exec(ctx,
			`UPDATE requests SET state = 'failed', retry_count = 10 WHERE id = $1`, id)
		require.NoError(t, err)

		require.NoError(t, store.RetryNow(ctx, id))
		req, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, insure.StateReady, req.State)
		assert.Zero(t, req.RetryCount)
	})

	t.Run("refusals", func(t *testing.T) {
		id := insertReady(t, store, insure.NewRequest{})
		assert.Error(t, store.RetryNow(ctx, id)) // ready, nothing to hurry

		_, err := pool.Exec(ctx, `UPDATE requests SET state = 'completed' WHERE id = $1`, id)
		require.NoError(t, err)
		assert.ErrorIs(t, store.RetryNow(ctx, id), insure.ErrTerminalState)
		assert.ErrorIs(t, store.RetryNow(ctx, 999999), insure.ErrRequestNotFound)
	})
}

func TestMigrationIsIdempotent(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()

	// setupTestDB already migrated; a second run must be a no-op.
	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()
	require.NoError(t, insure.MigrateDatabase(conn.Conn()))
}
