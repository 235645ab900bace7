// Package services implements the capture-side use cases: every draft
// write lands in local storage together with its queue entry in one
// transaction, so no mutation can exist without its delivery record.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haztrack/surveysync/internal/agent/capture"
	"github.com/haztrack/surveysync/internal/agent/models"
	"github.com/haztrack/surveysync/internal/agent/store"
	syncqueue "github.com/haztrack/surveysync/internal/agent/sync/queue"
	"github.com/haztrack/surveysync/internal/common"
	"github.com/haztrack/surveysync/internal/dbx"
	"github.com/haztrack/surveysync/internal/logging"
)

// SyncTrigger schedules a delivery pass after a capture write. The write
// itself never waits on it.
type SyncTrigger interface {
	RequestSubmit(ctx context.Context, surveyID string)
}

// SurveyService owns the offline capture flows.
type SurveyService struct {
	store    *store.Store
	queue    *syncqueue.Queue
	ingestor *capture.Ingestor
	trigger  SyncTrigger
	log      logging.Logger
	now      func() time.Time
}

func NewSurveyService(st *store.Store, q *syncqueue.Queue, ing *capture.Ingestor, trigger SyncTrigger, log logging.Logger) *SurveyService {
	return &SurveyService{
		store:    st,
		queue:    q,
		ingestor: ing,
		trigger:  trigger,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateSurvey starts a new draft and queues its creation.
func (s *SurveyService) CreateSurvey(ctx context.Context, orgID, customerID string) (*models.OfflineSurvey, error) {
	survey := &models.OfflineSurvey{
		ID:         uuid.NewString(),
		OrgID:      orgID,
		CustomerID: customerID,
		Sections:   models.SectionSet{},
		UpdatedAt:  s.now(),
		Status:     models.SyncStatusPending,
	}

	err := s.withQuotaRetry(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.store.Surveys(tx).Upsert(ctx, survey); err != nil {
			return err
		}
		return s.enqueueSurvey(ctx, tx, survey, models.ItemOpCreate)
	})
	if err != nil {
		return nil, err
	}

	s.kick(ctx, survey.ID)
	return survey, nil
}

// SaveSection validates and stores one section's form payload and queues an
// update. Saving a section on an already synced survey pulls it back to
// pending until the edit is delivered.
func (s *SurveyService) SaveSection(ctx context.Context, surveyID, section string, payload json.RawMessage) error {
	err := s.withQuotaRetry(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.store.Surveys(tx)
		survey, err := repo.Get(ctx, surveyID)
		if err != nil {
			return err
		}
		if survey.Sections == nil {
			survey.Sections = models.SectionSet{}
		}
		if err := survey.Sections.Set(section, payload); err != nil {
			return err
		}
		survey.ActiveSection = section
		survey.UpdatedAt = s.now()
		survey.Status = models.SyncStatusPending
		survey.LastError = ""

		if err := repo.Upsert(ctx, survey); err != nil {
			return err
		}
		return s.enqueueSurvey(ctx, tx, survey, models.ItemOpUpdate)
	})
	if err != nil {
		return err
	}

	s.kick(ctx, surveyID)
	return nil
}

// AttachPhoto ingests camera bytes against a survey and queues the upload.
func (s *SurveyService) AttachPhoto(ctx context.Context, surveyID, category, location, caption string, blob []byte) (*models.OfflinePhoto, error) {
	if _, err := s.store.Surveys(nil).Get(ctx, surveyID); err != nil {
		return nil, err
	}

	photo := s.ingestor.Ingest(ctx, surveyID, category, location, caption, blob)

	err := s.withQuotaRetry(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.store.Photos(tx).Insert(ctx, photo); err != nil {
			return err
		}
		return s.enqueuePhoto(ctx, tx, photo.ID, surveyID, models.ItemOpCreate)
	})
	if err != nil {
		return nil, err
	}

	s.kick(ctx, surveyID)
	return photo, nil
}

// UpdatePhotoMetadata edits a photo's tags and queues a re-registration.
// The blob never changes; retried deliveries overwrite the same object key.
func (s *SurveyService) UpdatePhotoMetadata(ctx context.Context, photoID, category, location, caption string) error {
	photo, err := s.store.Photos(nil).Get(ctx, photoID)
	if err != nil {
		return err
	}

	err = s.withQuotaRetry(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.store.Photos(tx).UpdateMetadata(ctx, photoID, category, location, caption); err != nil {
			return err
		}
		return s.enqueuePhoto(ctx, tx, photoID, photo.SurveyID, models.ItemOpUpdate)
	})
	if err != nil {
		return err
	}

	s.kick(ctx, photo.SurveyID)
	return nil
}

// DeleteSurvey removes the survey locally right away and queues the remote
// deletion. When the survey never reached the server, the queued create and
// the delete cancel out and nothing goes over the wire.
func (s *SurveyService) DeleteSurvey(ctx context.Context, surveyID string) error {
	err := s.store.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		photos, err := s.store.Photos(tx).ListBySurvey(ctx, surveyID)
		if err != nil {
			return err
		}
		q := s.queue.Bind(tx)
		// Photo queue lines die with the survey; the server cascades photo
		// records when the survey goes.
		for _, p := range photos {
			if err := q.DiscardResource(ctx, p.ID); err != nil {
				return err
			}
		}
		if err := s.store.Photos(tx).DeleteBySurvey(ctx, surveyID); err != nil {
			return err
		}
		if err := s.store.Surveys(tx).Delete(ctx, surveyID); err != nil {
			return err
		}
		_, err = q.Enqueue(ctx, models.ItemKindSurvey, models.ItemOpDelete, surveyID, nil)
		return err
	})
	if err != nil {
		return err
	}

	s.kick(ctx, surveyID)
	return nil
}

// DeletePhoto removes a photo locally and queues the remote deletion,
// subject to the same create/delete collapse as surveys.
func (s *SurveyService) DeletePhoto(ctx context.Context, photoID string) error {
	photo, err := s.store.Photos(nil).Get(ctx, photoID)
	if err != nil {
		return err
	}

	err = s.store.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.store.Photos(tx).Delete(ctx, photoID); err != nil {
			return err
		}
		ref, err := json.Marshal(models.PhotoRef{ID: photoID, SurveyID: photo.SurveyID})
		if err != nil {
			return err
		}
		_, err = s.queue.Bind(tx).Enqueue(ctx, models.ItemKindPhoto, models.ItemOpDelete, photoID, ref)
		return err
	})
	if err != nil {
		return err
	}

	s.kick(ctx, photo.SurveyID)
	return nil
}

// GetSurvey returns one survey.
func (s *SurveyService) GetSurvey(ctx context.Context, surveyID string) (*models.OfflineSurvey, error) {
	return s.store.Surveys(nil).Get(ctx, surveyID)
}

// ListSurveys returns the organization's surveys, newest first.
func (s *SurveyService) ListSurveys(ctx context.Context, orgID string) ([]models.OfflineSurvey, error) {
	return s.store.Surveys(nil).ListByOrg(ctx, orgID)
}

// ListRecentSurveys returns surveys touched since the given time, most
// recently modified first. Backs the "what did I work on today" view.
func (s *SurveyService) ListRecentSurveys(ctx context.Context, since time.Time) ([]models.OfflineSurvey, error) {
	return s.store.Surveys(nil).ListModifiedSince(ctx, since)
}

// ListPhotos returns a survey's photos in capture order.
func (s *SurveyService) ListPhotos(ctx context.Context, surveyID string) ([]models.OfflinePhoto, error) {
	return s.store.Photos(nil).ListBySurvey(ctx, surveyID)
}

// Purge reclaims local space taken by fully synced data.
func (s *SurveyService) Purge(ctx context.Context) (surveysPurged, blobsCleared int, err error) {
	return s.store.PurgeSynced(ctx)
}

func (s *SurveyService) enqueueSurvey(ctx context.Context, tx dbx.DBTX, survey *models.OfflineSurvey, op models.ItemOp) error {
	snap, err := survey.Snapshot()
	if err != nil {
		return err
	}
	_, err = s.queue.Bind(tx).Enqueue(ctx, models.ItemKindSurvey, op, survey.ID, snap)
	return err
}

func (s *SurveyService) enqueuePhoto(ctx context.Context, tx dbx.DBTX, photoID, surveyID string, op models.ItemOp) error {
	ref, err := json.Marshal(models.PhotoRef{ID: photoID, SurveyID: surveyID})
	if err != nil {
		return err
	}
	_, err = s.queue.Bind(tx).Enqueue(ctx, models.ItemKindPhoto, op, photoID, ref)
	return err
}

// withQuotaRetry runs the write transaction and, when local storage is
// full, purges synced data and tries exactly once more. If the retry still
// hits the quota the caller sees ErrQuotaExceeded and nothing was captured.
func (s *SurveyService) withQuotaRetry(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error {
	err := s.store.WithTx(ctx, fn)
	if !errors.Is(err, common.ErrQuotaExceeded) {
		return err
	}

	purged, cleared, perr := s.store.PurgeSynced(ctx)
	if perr != nil {
		return fmt.Errorf("purging after quota fault: %w", perr)
	}
	s.log.Warn(ctx, "local storage full, purged synced data", "surveys", purged, "blobs", cleared)

	return s.store.WithTx(ctx, fn)
}

func (s *SurveyService) kick(ctx context.Context, surveyID string) {
	if s.trigger != nil {
		s.trigger.RequestSubmit(ctx, surveyID)
	}
}
