package surveys

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haztrack/surveysync/internal/agent/models"
	"github.com/haztrack/surveysync/internal/common"
	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
CREATE TABLE surveys (
  id TEXT PRIMARY KEY,
  org_id TEXT NOT NULL,
  customer_id TEXT NOT NULL DEFAULT '',
  sections TEXT NOT NULL DEFAULT '{}',
  active_section TEXT NOT NULL DEFAULT '',
  updated_at INTEGER NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  last_error TEXT NOT NULL DEFAULT ''
);
`)
	require.NoError(t, err)

	return db
}

func sampleSurvey(id string, updatedAt time.Time) *models.OfflineSurvey {
	return &models.OfflineSurvey{
		ID:            id,
		OrgID:         "org-1",
		CustomerID:    "cust-1",
		Sections:      models.SectionSet{"property": json.RawMessage(`{"address":"12 Oak St"}`)},
		ActiveSection: "property",
		UpdatedAt:     updatedAt,
		Status:        models.SyncStatusPending,
	}
}

func TestUpsert_InsertAndGet(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, r.Upsert(ctx, sampleSurvey("sv-1", now)))

	got, err := r.Get(ctx, "sv-1")
	require.NoError(t, err)
	assert.Equal(t, "org-1", got.OrgID)
	assert.Equal(t, "cust-1", got.CustomerID)
	assert.Equal(t, models.SyncStatusPending, got.Status)
	assert.True(t, got.UpdatedAt.Equal(now))
	assert.JSONEq(t, `{"address":"12 Oak St"}`, string(got.Sections["property"]))
}

func TestUpsert_TimestampNeverDecreases(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	later := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, r.Upsert(ctx, sampleSurvey("sv-1", later)))

	// A write carrying an older timestamp must not move updated_at back.
	earlier := later.Add(-time.Hour)
	require.NoError(t, r.Upsert(ctx, sampleSurvey("sv-1", earlier)))

	got, err := r.Get(ctx, "sv-1")
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(later))
}

func TestUpsert_IdenticalWriteIsNoOp(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := sampleSurvey("sv-1", now)
	require.NoError(t, r.Upsert(ctx, s))
	first, err := r.Get(ctx, "sv-1")
	require.NoError(t, err)

	require.NoError(t, r.Upsert(ctx, s))
	second, err := r.Get(ctx, "sv-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGet_NotFound(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)

	_, err := r.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestListByOrgAndStatus(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	a := sampleSurvey("sv-a", base)
	b := sampleSurvey("sv-b", base.Add(time.Minute))
	b.Status = models.SyncStatusSynced
	c := sampleSurvey("sv-c", base.Add(2*time.Minute))
	c.OrgID = "org-2"

	for _, s := range []*models.OfflineSurvey{a, b, c} {
		require.NoError(t, r.Upsert(ctx, s))
	}

	byOrg, err := r.ListByOrg(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, byOrg, 2)
	// Newest first.
	assert.Equal(t, "sv-b", byOrg[0].ID)
	assert.Equal(t, "sv-a", byOrg[1].ID)

	synced, err := r.ListByStatus(ctx, models.SyncStatusSynced)
	require.NoError(t, err)
	require.Len(t, synced, 1)
	assert.Equal(t, "sv-b", synced[0].ID)

	recent, err := r.ListModifiedSince(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestSetStatus(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, r.Upsert(ctx, sampleSurvey("sv-1", now)))

	require.NoError(t, r.SetStatus(ctx, "sv-1", models.SyncStatusError, "survey already finalized"))

	got, err := r.Get(ctx, "sv-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusError, got.Status)
	assert.Equal(t, "survey already finalized", got.LastError)
	// Status changes must not bump the content timestamp.
	assert.True(t, got.UpdatedAt.Equal(now))

	err = r.SetStatus(ctx, "missing", models.SyncStatusSynced, "")
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestDelete(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	require.NoError(t, r.Upsert(ctx, sampleSurvey("sv-1", time.Now().UTC())))
	require.NoError(t, r.Delete(ctx, "sv-1"))

	_, err := r.Get(ctx, "sv-1")
	assert.True(t, errors.Is(err, common.ErrNotFound))

	// Deleting an absent id is a no-op.
	require.NoError(t, r.Delete(ctx, "sv-1"))
}
