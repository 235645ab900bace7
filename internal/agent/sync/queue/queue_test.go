package queue

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haztrack/surveysync/internal/agent/models"
	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
CREATE TABLE sync_queue (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  op TEXT NOT NULL,
  resource_id TEXT NOT NULL,
  payload TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  retry_count INTEGER NOT NULL DEFAULT 0,
  next_attempt_at INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  state TEXT NOT NULL DEFAULT 'pending'
);
`)
	require.NoError(t, err)

	return db
}

func testConfig() Config {
	return Config{
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
		MaxRetries: 3,
		Jitter:     0, // deterministic schedules in tests
	}
}

func TestNextDelay_MonotonicAndCapped(t *testing.T) {
	cfg := Config{BaseDelay: 2 * time.Second, MaxDelay: time.Minute, MaxRetries: 20}

	prev := time.Duration(0)
	for retry := 1; retry <= 20; retry++ {
		d := NextDelay(cfg, retry)
		assert.GreaterOrEqual(t, d, prev, "retry %d", retry)
		assert.LessOrEqual(t, d, cfg.MaxDelay)
		prev = d
	}
	assert.Equal(t, 2*time.Second, NextDelay(cfg, 1))
	assert.Equal(t, 4*time.Second, NextDelay(cfg, 2))
	assert.Equal(t, time.Minute, NextDelay(cfg, 20))
}

func TestEnqueue_PersistsWithoutNetwork(t *testing.T) {
	db := setupDB(t)
	q := New(db, testConfig())
	ctx := context.Background()

	item, err := q.Enqueue(ctx, models.ItemKindSurvey, models.ItemOpCreate, "s1", []byte(`{"id":"s1"}`))
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, models.ItemStatePending, item.State)

	n, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEnqueue_DeleteCollapsesPendingCreate(t *testing.T) {
	db := setupDB(t)
	q := New(db, testConfig())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, models.ItemKindSurvey, models.ItemOpCreate, "s1", nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, models.ItemKindSurvey, models.ItemOpUpdate, "s1", nil)
	require.NoError(t, err)

	item, err := q.Enqueue(ctx, models.ItemKindSurvey, models.ItemOpDelete, "s1", nil)
	require.NoError(t, err)
	assert.Nil(t, item, "collapse must not enqueue the delete")

	// The whole line vanished: nothing ever reaches the server.
	n, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEnqueue_DeleteAfterSyncedCreateIsQueued(t *testing.T) {
	db := setupDB(t)
	q := New(db, testConfig())
	ctx := context.Background()

	// No undelivered create for s1, so the delete must go out.
	item, err := q.Enqueue(ctx, models.ItemKindSurvey, models.ItemOpDelete, "s1", nil)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, models.ItemOpDelete, item.Op)
}

func TestPeekNext_ClaimsInflight(t *testing.T) {
	db := setupDB(t)
	q := New(db, testConfig())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, models.ItemKindSurvey, models.ItemOpCreate, "s1", nil)
	require.NoError(t, err)

	items, err := q.PeekNext(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.ItemStateInflight, items[0].State)

	// Claimed items are invisible to a second pass.
	again, err := q.PeekNext(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestMarkFailed_ReschedulesWithBackoff(t *testing.T) {
	db := setupDB(t)
	q := New(db, testConfig())
	q.now = func() time.Time { return time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	item, err := q.Enqueue(ctx, models.ItemKindSurvey, models.ItemOpCreate, "s1", nil)
	require.NoError(t, err)

	claimed, err := q.PeekNext(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	terminal, err := q.MarkFailed(ctx, &claimed[0], errors.New("503"), false)
	require.NoError(t, err)
	assert.False(t, terminal)

	got, err := q.repo.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatePending, got.State)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "503", got.LastError)
	assert.Equal(t, q.now().Add(time.Second), got.NextAttemptAt, "first retry waits BaseDelay")

	// Not eligible until the backoff elapses.
	items, err := q.PeekNext(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestExpedite_LiftsBackoffWait(t *testing.T) {
	db := setupDB(t)
	q := New(db, testConfig())
	q.now = func() time.Time { return time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	_, err := q.Enqueue(ctx, models.ItemKindSurvey, models.ItemOpCreate, "s1", nil)
	require.NoError(t, err)

	claimed, err := q.PeekNext(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	_, err = q.MarkFailed(ctx, &claimed[0], errors.New("503"), false)
	require.NoError(t, err)

	// Parked until the backoff elapses.
	items, err := q.PeekNext(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, items)

	require.NoError(t, q.Expedite(ctx, "s1"))

	items, err = q.PeekNext(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].RetryCount, "expedite keeps the retry count")
}

func TestMarkFailed_TerminalAfterRetryBudget(t *testing.T) {
	db := setupDB(t)
	q := New(db, testConfig())
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := q.Enqueue(ctx, models.ItemKindSurvey, models.ItemOpCreate, "s1", nil)
	require.NoError(t, err)

	var terminal bool
	for i := 0; i < testConfig().MaxRetries; i++ {
		now = now.Add(2 * time.Minute) // past any backoff
		claimed, err := q.PeekNext(ctx, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d", i+1)

		terminal, err = q.MarkFailed(ctx, &claimed[0], errors.New("boom"), false)
		require.NoError(t, err)
	}
	assert.True(t, terminal, "budget exhausted, item must be terminally failed")

	failed, err := q.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "boom", failed[0].LastError)

	// Terminal items stay off the wire until an operator retries them.
	now = now.Add(time.Hour)
	items, err := q.PeekNext(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, items)

	require.NoError(t, q.Retry(ctx, failed[0].ID))
	items, err = q.PeekNext(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 0, items[0].RetryCount)
}

func TestMarkFailed_PermanentSkipsRetries(t *testing.T) {
	db := setupDB(t)
	q := New(db, testConfig())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, models.ItemKindSurvey, models.ItemOpCreate, "s1", nil)
	require.NoError(t, err)

	claimed, err := q.PeekNext(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	terminal, err := q.MarkFailed(ctx, &claimed[0], errors.New("422 rejected"), true)
	require.NoError(t, err)
	assert.True(t, terminal)
}

func TestMarkSucceeded_RemovesItem(t *testing.T) {
	db := setupDB(t)
	q := New(db, testConfig())
	ctx := context.Background()

	item, err := q.Enqueue(ctx, models.ItemKindSurvey, models.ItemOpCreate, "s1", nil)
	require.NoError(t, err)

	require.NoError(t, q.MarkSucceeded(ctx, item.ID))

	n, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRecover_ReturnsInflightToPending(t *testing.T) {
	db := setupDB(t)
	q := New(db, testConfig())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, models.ItemKindSurvey, models.ItemOpCreate, "s1", nil)
	require.NoError(t, err)
	_, err = q.PeekNext(ctx, 1)
	require.NoError(t, err)

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	items, err := q.PeekNext(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}
