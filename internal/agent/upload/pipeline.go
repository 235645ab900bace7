package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/haztrack/surveysync/internal/agent/models"
	"github.com/haztrack/surveysync/internal/agent/repositories/photos"
	"github.com/haztrack/surveysync/internal/common"
	"github.com/haztrack/surveysync/internal/logging"
)

// Pipeline uploads photo blobs and records the resulting URLs. Uploads are
// idempotent: the object key is derived from the photo's client-generated
// ID, so a retried upload overwrites the same object instead of duplicating
// it, and an already-uploaded photo is a no-op.
type Pipeline struct {
	repo  photos.Repository
	store ObjectStore
	log   logging.Logger

	// inflight prevents two concurrent uploads of the same photo within
	// this process.
	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewPipeline wires the pipeline to its photo repository and blob store.
func NewPipeline(repo photos.Repository, store ObjectStore, log logging.Logger) *Pipeline {
	return &Pipeline{
		repo:     repo,
		store:    store,
		log:      log,
		inflight: make(map[string]struct{}),
	}
}

// ObjectKey derives the stable object-store key for a photo.
func ObjectKey(surveyID, photoID string) string {
	return fmt.Sprintf("surveys/%s/photos/%s.jpg", surveyID, photoID)
}

// Upload pushes one photo's blob to object storage and returns the durable
// URL. Already-uploaded photos return their recorded URL without touching
// the network. A photo whose blob was purged before it uploaded cannot be
// recovered and fails permanently.
func (p *Pipeline) Upload(ctx context.Context, photoID string) (string, error) {
	if !p.claim(photoID) {
		return "", fmt.Errorf("photo %s: upload already in progress", photoID)
	}
	defer p.release(photoID)

	photo, err := p.repo.Get(ctx, photoID)
	if err != nil {
		return "", err
	}

	if photo.Status == models.UploadStatusUploaded {
		return photo.RemoteURL, nil
	}
	if photo.Blob == nil {
		return "", fmt.Errorf("%w: photo %s has no local blob", ErrPermanent, photoID)
	}

	if err := p.repo.SetStatus(ctx, photoID, models.UploadStatusUploading, "", ""); err != nil {
		return "", err
	}

	url, err := p.store.Put(ctx, ObjectKey(photo.SurveyID, photo.ID), "image/jpeg", photo.Blob)
	if err != nil {
		// Record the failure but hand the original classification back to
		// the caller; storage trouble must not mask the upload verdict.
		status := models.UploadStatusPending
		if errors.Is(err, ErrPermanent) {
			status = models.UploadStatusError
		}
		if serr := p.repo.SetStatus(ctx, photoID, status, "", err.Error()); serr != nil && !errors.Is(serr, common.ErrNotFound) {
			p.log.Error(ctx, "failed to record upload failure", "photo", photoID, "error", serr)
		}
		return "", err
	}

	if err := p.repo.SetStatus(ctx, photoID, models.UploadStatusUploaded, url, ""); err != nil {
		return "", err
	}

	p.log.Info(ctx, "photo uploaded", "photo", photoID, "survey", photo.SurveyID)
	return url, nil
}

// UploadPending uploads every photo of the survey that has not reached the
// store yet. The first failure stops the pass; remaining photos stay queued.
func (p *Pipeline) UploadPending(ctx context.Context, surveyID string) error {
	list, err := p.repo.ListBySurvey(ctx, surveyID)
	if err != nil {
		return err
	}
	for _, photo := range list {
		if photo.Status == models.UploadStatusUploaded {
			continue
		}
		if _, err := p.Upload(ctx, photo.ID); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) claim(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[id]; busy {
		return false
	}
	p.inflight[id] = struct{}{}
	return true
}

func (p *Pipeline) release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, id)
}
