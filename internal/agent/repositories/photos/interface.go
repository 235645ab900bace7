package photos

import (
	"context"

	"github.com/haztrack/surveysync/internal/agent/models"
)

// Repository describes persistence operations for OfflinePhoto records.
// The blob column is written once at insert and never replaced afterwards;
// later upserts only touch metadata and status fields.
type Repository interface {
	// Insert stores a newly captured photo, blob included.
	Insert(ctx context.Context, p *models.OfflinePhoto) error

	// Get returns a photo by ID, or common.ErrNotFound.
	Get(ctx context.Context, id string) (*models.OfflinePhoto, error)

	// ListBySurvey returns all photos of a survey in capture order.
	ListBySurvey(ctx context.Context, surveyID string) ([]models.OfflinePhoto, error)

	// ListByStatus returns all photos in the given upload status.
	ListByStatus(ctx context.Context, status models.UploadStatus) ([]models.OfflinePhoto, error)

	// UpdateMetadata changes the user-editable fields only.
	UpdateMetadata(ctx context.Context, id, category, location, caption string) error

	// SetStatus records an upload state transition, optionally with the
	// remote URL (on success) or an error detail (on failure).
	SetStatus(ctx context.Context, id string, status models.UploadStatus, remoteURL, lastError string) error

	// ClearBlob drops the local bytes of an already-uploaded photo to
	// reclaim space. The remote URL stays.
	ClearBlob(ctx context.Context, id string) error

	// DeleteBySurvey removes all photo rows of a survey.
	DeleteBySurvey(ctx context.Context, surveyID string) error

	// Delete removes a single photo row.
	Delete(ctx context.Context, id string) error
}
