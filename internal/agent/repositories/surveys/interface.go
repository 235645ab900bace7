package surveys

import (
	"context"
	"time"

	"github.com/haztrack/surveysync/internal/agent/models"
)

// Repository describes persistence operations for OfflineSurvey records.
// Implementations are backed by the local SQLite database.
type Repository interface {
	// Upsert inserts a survey or overwrites an existing one by ID. The
	// stored UpdatedAt never decreases, even if the caller passes an
	// older timestamp.
	Upsert(ctx context.Context, s *models.OfflineSurvey) error

	// Get returns a survey by ID, or common.ErrNotFound.
	Get(ctx context.Context, id string) (*models.OfflineSurvey, error)

	// ListByOrg returns all surveys owned by the organization, most
	// recently modified first.
	ListByOrg(ctx context.Context, orgID string) ([]models.OfflineSurvey, error)

	// ListByStatus returns all surveys in the given sync status.
	ListByStatus(ctx context.Context, status models.SyncStatus) ([]models.OfflineSurvey, error)

	// ListModifiedSince returns surveys modified at or after t.
	ListModifiedSince(ctx context.Context, t time.Time) ([]models.OfflineSurvey, error)

	// SetStatus updates only the sync status and error message.
	SetStatus(ctx context.Context, id string, status models.SyncStatus, lastError string) error

	// Delete removes a survey record. Deleting an absent ID is a no-op.
	Delete(ctx context.Context, id string) error
}
