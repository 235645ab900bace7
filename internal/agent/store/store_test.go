package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haztrack/surveysync/internal/agent/models"
	"github.com/haztrack/surveysync/internal/common"
	"github.com/haztrack/surveysync/internal/dbx"
)

func testSurvey(id string) *models.OfflineSurvey {
	return &models.OfflineSurvey{
		ID:        id,
		OrgID:     "org-1",
		Sections:  models.SectionSet{"property": json.RawMessage(`{"address":"12 Oak St"}`)},
		UpdatedAt: time.Now().UTC(),
		Status:    models.SyncStatusPending,
	}
}

func testPhoto(id, surveyID string, status models.UploadStatus) *models.OfflinePhoto {
	return &models.OfflinePhoto{
		ID:       id,
		SurveyID: surveyID,
		Blob:     []byte("image-bytes"),
		TakenAt:  time.Now().UTC(),
		Status:   status,
	}
}

func TestOpen_BadPathIsStorageUnavailable(t *testing.T) {
	_, err := Open(context.Background(), "file:/nonexistent-dir/sub/agent.db?mode=rw")
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrStorageUnavailable))
}

func TestDurability_AcrossReopen(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "agent.db")

	st, err := Open(ctx, dsn)
	require.NoError(t, err)

	require.NoError(t, st.Surveys(nil).Upsert(ctx, testSurvey("sv-1")))
	require.NoError(t, st.Photos(nil).Insert(ctx, testPhoto("ph-1", "sv-1", models.UploadStatusPending)))
	require.NoError(t, st.Close())

	// Simulated process restart.
	st2, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer st2.Close()

	sv, err := st2.Surveys(nil).Get(ctx, "sv-1")
	require.NoError(t, err)
	assert.Equal(t, "org-1", sv.OrgID)

	ph, err := st2.Photos(nil).Get(ctx, "ph-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("image-bytes"), ph.Blob)
}

func TestWithTx_DraftAndQueueItemAreAtomic(t *testing.T) {
	ctx := context.Background()
	st, err := Open(ctx, filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	defer st.Close()

	boom := errors.New("boom")
	err = st.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if err := st.Surveys(tx).Upsert(ctx, testSurvey("sv-1")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = st.Surveys(nil).Get(ctx, "sv-1")
	assert.True(t, errors.Is(err, common.ErrNotFound), "rolled-back draft must not be visible")
}

func TestPurgeSynced(t *testing.T) {
	ctx := context.Background()
	st, err := Open(ctx, filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	defer st.Close()

	// sv-done: synced survey, all photos uploaded -> fully purged.
	svDone := testSurvey("sv-done")
	svDone.Status = models.SyncStatusSynced
	require.NoError(t, st.Surveys(nil).Upsert(ctx, svDone))
	p1 := testPhoto("ph-1", "sv-done", models.UploadStatusUploaded)
	p1.RemoteURL = "https://cdn.example.com/ph-1"
	require.NoError(t, st.Photos(nil).Insert(ctx, p1))

	// sv-partial: synced survey with a photo still pending -> kept.
	svPartial := testSurvey("sv-partial")
	svPartial.Status = models.SyncStatusSynced
	require.NoError(t, st.Surveys(nil).Upsert(ctx, svPartial))
	require.NoError(t, st.Photos(nil).Insert(ctx, testPhoto("ph-2", "sv-partial", models.UploadStatusPending)))

	// sv-active: pending survey with an uploaded photo -> blob cleared only.
	require.NoError(t, st.Surveys(nil).Upsert(ctx, testSurvey("sv-active")))
	p3 := testPhoto("ph-3", "sv-active", models.UploadStatusUploaded)
	p3.RemoteURL = "https://cdn.example.com/ph-3"
	require.NoError(t, st.Photos(nil).Insert(ctx, p3))

	purged, cleared, err := st.PurgeSynced(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	assert.Equal(t, 1, cleared)

	_, err = st.Surveys(nil).Get(ctx, "sv-done")
	assert.True(t, errors.Is(err, common.ErrNotFound))
	_, err = st.Photos(nil).Get(ctx, "ph-1")
	assert.True(t, errors.Is(err, common.ErrNotFound))

	_, err = st.Surveys(nil).Get(ctx, "sv-partial")
	assert.NoError(t, err, "survey with unsynced photos must survive purge")

	ph3, err := st.Photos(nil).Get(ctx, "ph-3")
	require.NoError(t, err)
	assert.Nil(t, ph3.Blob)
	assert.Equal(t, "https://cdn.example.com/ph-3", ph3.RemoteURL)
}

func TestQuotaExceeded_PurgeThenRetry(t *testing.T) {
	ctx := context.Background()
	st, err := Open(ctx, filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	defer st.Close()

	// Constrain the database to 1 MiB to provoke SQLITE_FULL. A single
	// photo blob takes ~60% of that, so one fits and two cannot.
	_, err = st.DB().ExecContext(ctx, `PRAGMA max_page_count = 256`)
	require.NoError(t, err)

	// A synced survey with a large uploaded blob fills most of the quota.
	sv := testSurvey("sv-old")
	sv.Status = models.SyncStatusSynced
	require.NoError(t, st.Surveys(nil).Upsert(ctx, sv))
	big := testPhoto("ph-old", "sv-old", models.UploadStatusUploaded)
	big.Blob = make([]byte, 600*1024)
	big.RemoteURL = "https://cdn.example.com/ph-old"
	require.NoError(t, st.Photos(nil).Insert(ctx, big))

	// The next large write must fail with the recoverable quota error.
	next := testPhoto("ph-new", "sv-new", models.UploadStatusPending)
	next.Blob = make([]byte, 600*1024)
	err = st.Photos(nil).Insert(ctx, next)
	require.Error(t, err)
	require.True(t, errors.Is(err, common.ErrQuotaExceeded), "got: %v", err)

	// Freeing already-synced data makes the same write succeed.
	_, _, err = st.PurgeSynced(ctx)
	require.NoError(t, err)

	require.NoError(t, st.Photos(nil).Insert(ctx, next))
}
