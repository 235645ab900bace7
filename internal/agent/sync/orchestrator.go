// Package sync drives delivery of queued mutations to the server. The
// orchestrator owns the drain loop; ordering, retry and conflict policy
// live in the queue and conflict packages it composes.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/haztrack/surveysync/internal/agent/models"
	"github.com/haztrack/surveysync/internal/agent/store"
	"github.com/haztrack/surveysync/internal/agent/sync/conflict"
	syncqueue "github.com/haztrack/surveysync/internal/agent/sync/queue"
	"github.com/haztrack/surveysync/internal/agent/transport"
	"github.com/haztrack/surveysync/internal/agent/upload"
	"github.com/haztrack/surveysync/internal/common"
	"github.com/haztrack/surveysync/internal/dbx"
	"github.com/haztrack/surveysync/internal/logging"
)

// Config tunes the drain loop.
type Config struct {
	// FanOut caps concurrent deliveries within a pass. Items for the same
	// resource never run concurrently regardless; the queue hands out at
	// most one per resource.
	FanOut int

	// BatchSize caps how many items one pass claims at once.
	BatchSize int
}

func DefaultConfig() Config {
	return Config{FanOut: 4, BatchSize: 16}
}

// Orchestrator owns the sync loop: it waits for a trigger, drains the
// queue once, and goes back to waiting. Triggers arriving mid-drain extend
// the current pass instead of stacking a second one.
type Orchestrator struct {
	store    *store.Store
	queue    *syncqueue.Queue
	client   transport.Client
	pipeline *upload.Pipeline
	resolver *conflict.Resolver
	log      logging.Logger
	cfg      Config

	kick chan struct{}
}

func NewOrchestrator(st *store.Store, q *syncqueue.Queue, client transport.Client, pipeline *upload.Pipeline, log logging.Logger, cfg Config) *Orchestrator {
	if cfg.FanOut <= 0 {
		cfg.FanOut = DefaultConfig().FanOut
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	return &Orchestrator{
		store:    st,
		queue:    q,
		client:   client,
		pipeline: pipeline,
		resolver: conflict.NewResolver(),
		log:      log,
		cfg:      cfg,
		kick:     make(chan struct{}, 1),
	}
}

// NotifyConnectivityRestored schedules a drain pass; called by the
// connectivity watcher on the offline-to-online edge.
func (o *Orchestrator) NotifyConnectivityRestored() { o.trigger() }

// NotifyAppForeground schedules a drain pass when the app regains focus.
func (o *Orchestrator) NotifyAppForeground() { o.trigger() }

// RequestSubmit schedules a drain pass after an explicit user submit. A
// non-empty surveyID clears the backoff wait on that survey's queue line
// and its photos' lines, and eagerly pushes its pending blobs so the drain
// only has registrations left to deliver; an empty ID just triggers the
// pass. Upload faults stay best-effort here, the drain retries them.
func (o *Orchestrator) RequestSubmit(ctx context.Context, surveyID string) {
	if surveyID != "" {
		if err := o.queue.Expedite(ctx, surveyID); err != nil {
			o.log.Warn(ctx, "failed to expedite survey", "survey_id", surveyID, "error", err)
		}
		photos, err := o.store.Photos(nil).ListBySurvey(ctx, surveyID)
		if err != nil {
			o.log.Warn(ctx, "failed to list photos for submit", "survey_id", surveyID, "error", err)
		}
		for _, p := range photos {
			if err := o.queue.Expedite(ctx, p.ID); err != nil {
				o.log.Warn(ctx, "failed to expedite photo", "photo_id", p.ID, "error", err)
			}
		}
		if err := o.pipeline.UploadPending(ctx, surveyID); err != nil {
			o.log.Warn(ctx, "eager photo upload incomplete", "survey_id", surveyID, "error", err)
		}
	}
	o.trigger()
}

func (o *Orchestrator) trigger() {
	select {
	case o.kick <- struct{}{}:
	default:
		// A pass is already scheduled; the pending kick covers this one.
	}
}

// QueueStatus is a point-in-time view of the sync backlog.
type QueueStatus struct {
	Pending int
	Failed  []models.QueueItem
}

// Status reports the backlog for operator inspection.
func (o *Orchestrator) Status(ctx context.Context) (*QueueStatus, error) {
	pending, err := o.queue.Pending(ctx)
	if err != nil {
		return nil, err
	}
	failed, err := o.queue.Failed(ctx)
	if err != nil {
		return nil, err
	}
	return &QueueStatus{Pending: pending, Failed: failed}, nil
}

// RetryFailed returns a terminally failed item to the queue and schedules
// a pass (operator-initiated).
func (o *Orchestrator) RetryFailed(ctx context.Context, itemID string) error {
	if err := o.queue.Retry(ctx, itemID); err != nil {
		return err
	}
	o.trigger()
	return nil
}

// Run recovers orphaned inflight items, then serves drain requests until
// the context is cancelled. Blocking; run it in its own goroutine.
func (o *Orchestrator) Run(ctx context.Context) error {
	n, err := o.queue.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover sync queue: %w", err)
	}
	if n > 0 {
		o.log.Info(ctx, "recovered interrupted deliveries", "count", n)
	}
	o.trigger()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.kick:
			o.drain(ctx)
		}
	}
}

// drain delivers eligible items in bounded-concurrency batches until the
// queue runs dry, the server becomes unreachable, or ctx is cancelled.
func (o *Orchestrator) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		items, err := o.queue.PeekNext(ctx, o.cfg.BatchSize)
		if err != nil {
			o.log.Error(ctx, "failed to read sync queue", "error", err)
			return
		}
		if len(items) == 0 {
			return
		}

		var offline atomic.Bool
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.cfg.FanOut)
		for idx := range items {
			item := items[idx]
			g.Go(func() error {
				if err := o.deliver(gctx, &item); err != nil {
					if errors.Is(err, transport.ErrUnavailable) || errors.Is(err, transport.ErrUnauthorized) {
						offline.Store(true)
					}
				}
				return nil
			})
		}
		_ = g.Wait()

		if offline.Load() {
			// No point hammering a dead uplink; the connectivity watcher
			// kicks us when the server is back.
			o.log.Info(ctx, "sync paused: server unreachable")
			return
		}
	}
}

// deliver pushes one item to the server and settles its queue state.
// The returned error is the delivery classification; queue bookkeeping
// errors are logged, not returned.
func (o *Orchestrator) deliver(ctx context.Context, item *models.QueueItem) error {
	var err error
	switch item.Kind {
	case models.ItemKindSurvey:
		err = o.deliverSurvey(ctx, item)
	case models.ItemKindPhoto:
		err = o.deliverPhoto(ctx, item)
	default:
		err = fmt.Errorf("%w: unknown item kind %q", transport.ErrRejected, item.Kind)
	}

	if err == nil {
		if qerr := o.queue.MarkSucceeded(ctx, item.ID); qerr != nil {
			o.log.Error(ctx, "failed to settle delivered item", "item", item.ID, "error", qerr)
		}
		return nil
	}

	o.settleFailure(ctx, item, err)
	return err
}

func (o *Orchestrator) deliverSurvey(ctx context.Context, item *models.QueueItem) error {
	switch item.Op {
	case models.ItemOpDelete:
		return o.client.DeleteSurvey(ctx, item.ResourceID)
	default:
		var u models.SurveyUpsert
		if err := json.Unmarshal(item.Payload, &u); err != nil {
			return fmt.Errorf("%w: undecodable payload: %v", transport.ErrRejected, err)
		}
		o.markSurvey(ctx, item.ResourceID, models.SyncStatusSyncing, "")
		if err := o.client.UpsertSurvey(ctx, &u); err != nil {
			return err
		}
		o.finishSurvey(ctx, item)
		return nil
	}
}

// finishSurvey flips the survey to synced, unless newer queued mutations
// for it are still waiting their turn.
func (o *Orchestrator) finishSurvey(ctx context.Context, item *models.QueueItem) {
	remaining, err := o.queue.ItemsFor(ctx, item.ResourceID)
	if err != nil {
		o.log.Error(ctx, "failed to check remaining queue line", "survey", item.ResourceID, "error", err)
		return
	}
	for _, r := range remaining {
		if r.ID != item.ID {
			return
		}
	}
	o.markSurvey(ctx, item.ResourceID, models.SyncStatusSynced, "")
}

func (o *Orchestrator) deliverPhoto(ctx context.Context, item *models.QueueItem) error {
	var ref models.PhotoRef
	if err := json.Unmarshal(item.Payload, &ref); err != nil {
		return fmt.Errorf("%w: undecodable payload: %v", transport.ErrRejected, err)
	}

	if item.Op == models.ItemOpDelete {
		return o.client.DeletePhoto(ctx, ref.SurveyID, ref.ID)
	}

	url, err := o.pipeline.Upload(ctx, ref.ID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			// The photo vanished locally; nothing left to deliver.
			return nil
		}
		if errors.Is(err, upload.ErrPermanent) {
			return fmt.Errorf("%w: %v", transport.ErrRejected, err)
		}
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}

	photo, err := o.store.Photos(nil).Get(ctx, ref.ID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}

	return o.client.RegisterPhoto(ctx, &models.PhotoRegistration{
		ID:       photo.ID,
		SurveyID: photo.SurveyID,
		Category: photo.Category,
		Location: photo.Location,
		Caption:  photo.Caption,
		GPS:      photo.GPS,
		TakenAt:  photo.TakenAt,
		URL:      url,
	})
}

// settleFailure decides what a failed delivery does to the queue item and
// the local record: transient failures back off, conflicts consult the
// resolver, everything else parks for review.
func (o *Orchestrator) settleFailure(ctx context.Context, item *models.QueueItem, cause error) {
	if errors.Is(cause, transport.ErrUnavailable) || errors.Is(cause, transport.ErrUnauthorized) {
		terminal, err := o.queue.MarkFailed(ctx, item, cause, false)
		if err != nil {
			o.log.Error(ctx, "failed to reschedule item", "item", item.ID, "error", err)
			return
		}
		if item.Op != models.ItemOpDelete {
			switch item.Kind {
			case models.ItemKindSurvey:
				// Leave the record visibly waiting rather than stuck on syncing.
				status := models.SyncStatusPending
				if terminal {
					status = models.SyncStatusError
				}
				o.markSurvey(ctx, item.ResourceID, status, cause.Error())
			case models.ItemKindPhoto:
				// The pipeline already returned the photo to pending for the
				// next attempt; only an exhausted budget needs surfacing.
				if terminal {
					o.markPhoto(ctx, item.ResourceID, models.UploadStatusError, cause.Error())
				}
			}
		}
		return
	}

	if item.Kind == models.ItemKindSurvey && (errors.Is(cause, transport.ErrGone) || errors.Is(cause, transport.ErrConflict)) {
		o.resolveSurveyConflict(ctx, item, cause)
		return
	}

	// Permanent rejection: park the item and flag the record.
	terminal, err := o.queue.MarkFailed(ctx, item, cause, true)
	if err != nil {
		o.log.Error(ctx, "failed to park rejected item", "item", item.ID, "error", err)
		return
	}
	if terminal {
		switch item.Kind {
		case models.ItemKindSurvey:
			o.markSurvey(ctx, item.ResourceID, models.SyncStatusError, cause.Error())
		case models.ItemKindPhoto:
			o.markPhoto(ctx, item.ResourceID, models.UploadStatusError, cause.Error())
		}
	}
	o.log.Warn(ctx, "delivery rejected", "item", item.ID, "kind", item.Kind, "error", cause)
}

// resolveSurveyConflict applies the resolver's verdict for a survey the
// server refused structurally.
func (o *Orchestrator) resolveSurveyConflict(ctx context.Context, item *models.QueueItem, cause error) {
	local, err := o.store.Surveys(nil).Get(ctx, item.ResourceID)
	if errors.Is(err, common.ErrNotFound) {
		// Local copy already gone (e.g. a delete raced through); drop the line.
		if derr := o.queue.DiscardResource(ctx, item.ResourceID); derr != nil {
			o.log.Error(ctx, "failed to discard queue line", "survey", item.ResourceID, "error", derr)
		}
		return
	}
	if err != nil {
		o.log.Error(ctx, "failed to load survey for conflict resolution", "survey", item.ResourceID, "error", err)
		return
	}

	snapshotAt := item.CreatedAt
	var snap models.SurveyUpsert
	if len(item.Payload) > 0 && json.Unmarshal(item.Payload, &snap) == nil && !snap.UpdatedAt.IsZero() {
		snapshotAt = snap.UpdatedAt
	}

	decision := o.resolver.Resolve(cause, local.UpdatedAt, snapshotAt)
	o.log.Warn(ctx, "sync conflict", "survey", item.ResourceID, "decision", decision.String(), "cause", cause)

	switch decision {
	case conflict.DiscardLocal:
		err = o.store.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
			if err := o.store.Photos(tx).DeleteBySurvey(ctx, local.ID); err != nil {
				return err
			}
			if err := o.store.Surveys(tx).Delete(ctx, local.ID); err != nil {
				return err
			}
			return o.store.Queue(tx).DeleteByResource(ctx, local.ID)
		})
		if err != nil {
			o.log.Error(ctx, "failed to discard local survey", "survey", local.ID, "error", err)
		}

	case conflict.KeepLocalAsNewDraft:
		err = o.store.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
			return o.reDraft(ctx, tx, local)
		})
		if err != nil {
			o.log.Error(ctx, "failed to re-draft survey", "survey", local.ID, "error", err)
		}

	case conflict.RequiresManualReview:
		if _, err := o.queue.MarkFailed(ctx, item, cause, true); err != nil {
			o.log.Error(ctx, "failed to park conflicted item", "item", item.ID, "error", err)
		}
		o.markSurvey(ctx, item.ResourceID, models.SyncStatusError, cause.Error())
	}
}

// reDraft clones a survey the server dropped into a fresh draft so the
// field work survives under a new identity, photos included, and queues
// the whole thing for delivery.
func (o *Orchestrator) reDraft(ctx context.Context, tx dbx.DBTX, old *models.OfflineSurvey) error {
	draft := *old
	draft.ID = uuid.NewString()
	draft.Status = models.SyncStatusPending
	draft.LastError = ""
	draft.UpdatedAt = time.Now().UTC()

	if err := o.store.Surveys(tx).Upsert(ctx, &draft); err != nil {
		return err
	}

	q := o.queue.Bind(tx)
	snap, err := draft.Snapshot()
	if err != nil {
		return err
	}
	if _, err := q.Enqueue(ctx, models.ItemKindSurvey, models.ItemOpCreate, draft.ID, snap); err != nil {
		return err
	}

	oldPhotos, err := o.store.Photos(tx).ListBySurvey(ctx, old.ID)
	if err != nil {
		return err
	}
	for _, p := range oldPhotos {
		clone := p
		clone.ID = uuid.NewString()
		clone.SurveyID = draft.ID
		clone.Status = models.UploadStatusPending
		clone.RemoteURL = ""
		clone.LastError = ""
		if err := o.store.Photos(tx).Insert(ctx, &clone); err != nil {
			return err
		}
		ref, err := json.Marshal(models.PhotoRef{ID: clone.ID, SurveyID: draft.ID})
		if err != nil {
			return err
		}
		if _, err := q.Enqueue(ctx, models.ItemKindPhoto, models.ItemOpCreate, clone.ID, ref); err != nil {
			return err
		}
	}

	if err := o.store.Photos(tx).DeleteBySurvey(ctx, old.ID); err != nil {
		return err
	}
	if err := o.store.Surveys(tx).Delete(ctx, old.ID); err != nil {
		return err
	}
	return o.store.Queue(tx).DeleteByResource(ctx, old.ID)
}

func (o *Orchestrator) markSurvey(ctx context.Context, id string, status models.SyncStatus, lastError string) {
	if err := o.store.Surveys(nil).SetStatus(ctx, id, status, lastError); err != nil && !errors.Is(err, common.ErrNotFound) {
		o.log.Error(ctx, "failed to update survey status", "survey", id, "error", err)
	}
}

func (o *Orchestrator) markPhoto(ctx context.Context, id string, status models.UploadStatus, lastError string) {
	repo := o.store.Photos(nil)
	photo, err := repo.Get(ctx, id)
	if errors.Is(err, common.ErrNotFound) {
		// Deleted locally while its item was in flight.
		return
	}
	if err != nil {
		o.log.Error(ctx, "failed to load photo for status update", "photo", id, "error", err)
		return
	}
	// Keep the remote URL: registration can fail after the blob made it up.
	if err := repo.SetStatus(ctx, id, status, photo.RemoteURL, lastError); err != nil && !errors.Is(err, common.ErrNotFound) {
		o.log.Error(ctx, "failed to update photo status", "photo", id, "error", err)
	}
}
