package photos

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haztrack/surveysync/internal/agent/models"
	"github.com/haztrack/surveysync/internal/common"
	"github.com/haztrack/surveysync/internal/dbx"
	"github.com/haztrack/surveysync/internal/sqlitex"
)

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const photoColumns = `id, survey_id, blob, preview, category, location, caption, gps_lat, gps_lon, taken_at, status, remote_url, last_error`

// Insert stores a captured photo. Re-inserting an existing id is rejected:
// the blob is immutable, so a second write with the same id is a programming
// error rather than an upsert.
func (r *SQLiteRepository) Insert(ctx context.Context, p *models.OfflinePhoto) error {
	query := `INSERT INTO photos (` + photoColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var lat, lon any
	if p.GPS != nil {
		lat, lon = p.GPS.Lat, p.GPS.Lon
	}

	_, err := r.db.ExecContext(ctx, query,
		p.ID, p.SurveyID, p.Blob, p.Preview, p.Category, p.Location, p.Caption,
		lat, lon, p.TakenAt.UTC().UnixNano(), string(p.Status), p.RemoteURL, p.LastError)
	if err != nil {
		err = sqlitex.MapError(err)
		if !errors.Is(err, common.ErrQuotaExceeded) && isUniqueViolation(err) {
			return fmt.Errorf("photo %s: %w", p.ID, common.ErrBlobImmutable)
		}
		return fmt.Errorf("failed to insert photo: %w", err)
	}
	return nil
}

// Get returns a photo by id, blob included.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*models.OfflinePhoto, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+photoColumns+` FROM photos WHERE id = ?`, id)
	p, err := scanPhoto(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select photo: %w", err)
	}
	return p, nil
}

// ListBySurvey lists a survey's photos in capture order.
func (r *SQLiteRepository) ListBySurvey(ctx context.Context, surveyID string) ([]models.OfflinePhoto, error) {
	query := `SELECT ` + photoColumns + ` FROM photos WHERE survey_id = ? ORDER BY taken_at ASC`
	return r.list(ctx, query, surveyID)
}

// ListByStatus lists photos in the given upload status.
func (r *SQLiteRepository) ListByStatus(ctx context.Context, status models.UploadStatus) ([]models.OfflinePhoto, error) {
	query := `SELECT ` + photoColumns + ` FROM photos WHERE status = ? ORDER BY taken_at ASC`
	return r.list(ctx, query, string(status))
}

func (r *SQLiteRepository) list(ctx context.Context, query string, args ...any) ([]models.OfflinePhoto, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select photos: %w", err)
	}
	defer rows.Close()

	var result []models.OfflinePhoto
	for rows.Next() {
		p, err := scanPhoto(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateMetadata changes the user-editable fields only; the blob and the
// upload bookkeeping are untouched.
func (r *SQLiteRepository) UpdateMetadata(ctx context.Context, id, category, location, caption string) error {
	query := `UPDATE photos SET category = ?, location = ?, caption = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query, category, location, caption, id)
	if err != nil {
		return fmt.Errorf("failed to update photo metadata: %w", sqlitex.MapError(err))
	}
	return requireOneRow(res)
}

// SetStatus records an upload state transition.
func (r *SQLiteRepository) SetStatus(ctx context.Context, id string, status models.UploadStatus, remoteURL, lastError string) error {
	query := `UPDATE photos SET status = ?, remote_url = ?, last_error = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query, string(status), remoteURL, lastError, id)
	if err != nil {
		return fmt.Errorf("failed to update photo status: %w", sqlitex.MapError(err))
	}
	return requireOneRow(res)
}

// ClearBlob drops the local bytes of an uploaded photo.
func (r *SQLiteRepository) ClearBlob(ctx context.Context, id string) error {
	query := `UPDATE photos SET blob = NULL WHERE id = ? AND status = ?`
	res, err := r.db.ExecContext(ctx, query, id, string(models.UploadStatusUploaded))
	if err != nil {
		return fmt.Errorf("failed to clear photo blob: %w", err)
	}
	return requireOneRow(res)
}

// DeleteBySurvey removes all photo rows of a survey.
func (r *SQLiteRepository) DeleteBySurvey(ctx context.Context, surveyID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM photos WHERE survey_id = ?`, surveyID)
	if err != nil {
		return fmt.Errorf("failed to delete photos: %w", err)
	}
	return nil
}

// Delete removes a single photo row.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM photos WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete photo: %w", err)
	}
	return nil
}

func requireOneRow(res sql.Result) error {
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra == 0 {
		return common.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func scanPhoto(scan func(dest ...any) error) (*models.OfflinePhoto, error) {
	p := &models.OfflinePhoto{}
	var lat, lon sql.NullFloat64
	var takenAt int64
	var status string
	err := scan(&p.ID, &p.SurveyID, &p.Blob, &p.Preview, &p.Category, &p.Location, &p.Caption,
		&lat, &lon, &takenAt, &status, &p.RemoteURL, &p.LastError)
	if err != nil {
		return nil, err
	}
	if lat.Valid && lon.Valid {
		p.GPS = &models.GeoPoint{Lat: lat.Float64, Lon: lon.Float64}
	}
	p.TakenAt = time.Unix(0, takenAt).UTC()
	p.Status = models.UploadStatus(status)
	return p, nil
}
