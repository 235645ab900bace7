package surveys

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
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

const surveyColumns = `id, org_id, customer_id, sections, active_section, updated_at, status, last_error`

// Upsert writes a survey by id. On conflict all mutable columns are replaced,
// except updated_at which is clamped so it never moves backwards. Rewriting
// identical content is a harmless overwrite observable as a no-op.
func (r *SQLiteRepository) Upsert(ctx context.Context, s *models.OfflineSurvey) error {
	sections, err := json.Marshal(s.Sections)
	if err != nil {
		return fmt.Errorf("failed to encode sections: %w", err)
	}

	query := `INSERT INTO surveys (id, org_id, customer_id, sections, active_section, updated_at, status, last_error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				org_id = excluded.org_id,
				customer_id = excluded.customer_id,
				sections = excluded.sections,
				active_section = excluded.active_section,
				updated_at = MAX(excluded.updated_at, surveys.updated_at),
				status = excluded.status,
				last_error = excluded.last_error
	`
	_, err = r.db.ExecContext(ctx, query,
		s.ID, s.OrgID, s.CustomerID, string(sections), s.ActiveSection,
		s.UpdatedAt.UTC().UnixNano(), string(s.Status), s.LastError)
	if err != nil {
		return fmt.Errorf("failed to upsert survey: %w", sqlitex.MapError(err))
	}
	return nil
}

// Get returns a survey by id.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*models.OfflineSurvey, error) {
	query := `SELECT ` + surveyColumns + ` FROM surveys WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, id)

	s, err := scanSurvey(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select survey: %w", err)
	}
	return s, nil
}

// ListByOrg lists the organization's surveys, newest modification first.
func (r *SQLiteRepository) ListByOrg(ctx context.Context, orgID string) ([]models.OfflineSurvey, error) {
	query := `SELECT ` + surveyColumns + ` FROM surveys WHERE org_id = ? ORDER BY updated_at DESC`
	return r.list(ctx, query, orgID)
}

// ListByStatus lists surveys in the given sync status.
func (r *SQLiteRepository) ListByStatus(ctx context.Context, status models.SyncStatus) ([]models.OfflineSurvey, error) {
	query := `SELECT ` + surveyColumns + ` FROM surveys WHERE status = ? ORDER BY updated_at DESC`
	return r.list(ctx, query, string(status))
}

// ListModifiedSince lists surveys modified at or after t.
func (r *SQLiteRepository) ListModifiedSince(ctx context.Context, t time.Time) ([]models.OfflineSurvey, error) {
	query := `SELECT ` + surveyColumns + ` FROM surveys WHERE updated_at >= ? ORDER BY updated_at DESC`
	return r.list(ctx, query, t.UTC().UnixNano())
}

func (r *SQLiteRepository) list(ctx context.Context, query string, args ...any) ([]models.OfflineSurvey, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select surveys: %w", err)
	}
	defer rows.Close()

	var result []models.OfflineSurvey
	for rows.Next() {
		s, err := scanSurvey(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// SetStatus updates sync status and error message without touching the
// survey's content or its last-modified timestamp.
func (r *SQLiteRepository) SetStatus(ctx context.Context, id string, status models.SyncStatus, lastError string) error {
	query := `UPDATE surveys SET status = ?, last_error = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query, string(status), lastError, id)
	if err != nil {
		return fmt.Errorf("failed to update survey status: %w", sqlitex.MapError(err))
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra == 0 {
		return common.ErrNotFound
	}
	return nil
}

// Delete removes the survey row.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM surveys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete survey: %w", err)
	}
	return nil
}

func scanSurvey(scan func(dest ...any) error) (*models.OfflineSurvey, error) {
	s := &models.OfflineSurvey{}
	var sections string
	var updatedAt int64
	var status string
	if err := scan(&s.ID, &s.OrgID, &s.CustomerID, &sections, &s.ActiveSection, &updatedAt, &status, &s.LastError); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(sections), &s.Sections); err != nil {
		return nil, fmt.Errorf("failed to decode sections: %w", err)
	}
	s.UpdatedAt = time.Unix(0, updatedAt).UTC()
	s.Status = models.SyncStatus(status)
	return s, nil
}
