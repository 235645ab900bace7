// Package queue implements the durable sync queue: ordered, retried
// delivery of pending mutations with exponential backoff and a terminal
// failure state the operator can inspect and retry.
package queue

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/haztrack/surveysync/internal/agent/models"
	qrepo "github.com/haztrack/surveysync/internal/agent/repositories/queue"
	"github.com/haztrack/surveysync/internal/dbx"
)

// Config tunes the retry policy.
type Config struct {
	// BaseDelay is the wait before the first retry; it doubles per attempt.
	BaseDelay time.Duration

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration

	// MaxRetries is the number of failed attempts after which an item
	// becomes terminally failed.
	MaxRetries int

	// Jitter is the fraction of the delay added randomly on top, spreading
	// out reconnection storms. 0.2 means up to +20%.
	Jitter float64
}

// DefaultConfig mirrors what a flaky mobile uplink needs: quick first
// retries, an hour at the tail, a retry budget an operator can reason about.
func DefaultConfig() Config {
	return Config{
		BaseDelay:  2 * time.Second,
		MaxDelay:   time.Hour,
		MaxRetries: 8,
		Jitter:     0.2,
	}
}

// NextDelay computes the unjittered backoff for the given retry count
// (1-based). It is monotonically non-decreasing and capped at MaxDelay.
func NextDelay(cfg Config, retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := cfg.BaseDelay
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	if d > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return d
}

// Queue layers delivery semantics over the queue repository. It is cheap to
// construct and can be bound to a transaction, so composite flows (persist
// draft + enqueue) stay atomic.
type Queue struct {
	repo qrepo.Repository
	cfg  Config
	now  func() time.Time
}

// New returns a Queue bound to the given DBTX.
func New(db dbx.DBTX, cfg Config) *Queue {
	return &Queue{
		repo: qrepo.NewSQLiteRepository(db),
		cfg:  cfg,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Bind returns a copy of the queue operating on tx, so enqueues can join a
// caller's transaction.
func (q *Queue) Bind(tx dbx.DBTX) *Queue {
	return &Queue{
		repo: qrepo.NewSQLiteRepository(tx),
		cfg:  q.cfg,
		now:  q.now,
	}
}

// Enqueue appends a mutation to the durable queue and returns immediately;
// it never touches the network. Enqueueing a delete while an undelivered
// create exists for the same resource collapses both into a local no-op:
// from the server's perspective the resource never existed. The returned
// item is nil when the collapse fired.
func (q *Queue) Enqueue(ctx context.Context, kind models.ItemKind, op models.ItemOp, resourceID string, payload []byte) (*models.QueueItem, error) {
	if op == models.ItemOpDelete {
		created, err := q.repo.PendingCreateExists(ctx, resourceID)
		if err != nil {
			return nil, err
		}
		if created {
			if err := q.repo.DeleteByResource(ctx, resourceID); err != nil {
				return nil, err
			}
			return nil, nil
		}
	}

	item := &models.QueueItem{
		ID:         uuid.NewString(),
		Kind:       kind,
		Op:         op,
		ResourceID: resourceID,
		Payload:    payload,
		CreatedAt:  q.now(),
		State:      models.ItemStatePending,
	}
	if err := q.repo.Insert(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// PeekNext returns up to limit deliverable items, one per resource, and
// claims each as inflight so no other drain pass can pick them up.
func (q *Queue) PeekNext(ctx context.Context, limit int) ([]models.QueueItem, error) {
	items, err := q.repo.NextEligible(ctx, q.now(), limit)
	if err != nil {
		return nil, err
	}
	claimed := make([]models.QueueItem, 0, len(items))
	for _, item := range items {
		if err := q.repo.MarkInflight(ctx, item.ID); err != nil {
			// Lost the claim to a concurrent pass; skip.
			continue
		}
		item.State = models.ItemStateInflight
		claimed = append(claimed, item)
	}
	return claimed, nil
}

// MarkSucceeded removes a delivered item.
func (q *Queue) MarkSucceeded(ctx context.Context, id string) error {
	return q.repo.Delete(ctx, id)
}

// MarkFailed records a delivery failure. Transient failures reschedule the
// item with jittered exponential backoff; permanent failures, and transient
// ones past the retry budget, move it to the terminal failed state. The
// item stays queryable either way. Returns true when the failure is
// terminal.
func (q *Queue) MarkFailed(ctx context.Context, item *models.QueueItem, cause error, permanent bool) (bool, error) {
	retry := item.RetryCount + 1
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if permanent || retry >= q.cfg.MaxRetries {
		err := q.repo.Fail(ctx, item.ID, retry, q.now(), msg, models.ItemStateFailed)
		if err != nil {
			return false, fmt.Errorf("failed to record terminal failure: %w", err)
		}
		return true, nil
	}

	delay := NextDelay(q.cfg, retry)
	if q.cfg.Jitter > 0 {
		delay += time.Duration(rand.Float64() * q.cfg.Jitter * float64(delay))
	}
	err := q.repo.Fail(ctx, item.ID, retry, q.now().Add(delay), msg, models.ItemStatePending)
	if err != nil {
		return false, fmt.Errorf("failed to schedule retry: %w", err)
	}
	return false, nil
}

// Expedite clears the backoff wait for a resource's pending items. An
// explicit submit should not sit out a retry delay earned by an earlier
// outage.
func (q *Queue) Expedite(ctx context.Context, resourceID string) error {
	return q.repo.Expedite(ctx, resourceID)
}

// Retry resets a terminally failed item so it is dequeued again
// (operator-initiated).
func (q *Queue) Retry(ctx context.Context, id string) error {
	return q.repo.Reset(ctx, id)
}

// Failed lists terminally failed items for operator review.
func (q *Queue) Failed(ctx context.Context) ([]models.QueueItem, error) {
	return q.repo.ListFailed(ctx)
}

// Pending reports the number of undelivered items.
func (q *Queue) Pending(ctx context.Context) (int, error) {
	return q.repo.CountPending(ctx)
}

// Recover returns orphaned inflight items to pending. Call once at startup;
// inflight is per-process state and meaningless after a crash.
func (q *Queue) Recover(ctx context.Context) (int64, error) {
	return q.repo.ResetInflight(ctx)
}

// DiscardResource drops every undelivered item for a resource. Used when a
// conflict resolution discards the local copy.
func (q *Queue) DiscardResource(ctx context.Context, resourceID string) error {
	return q.repo.DeleteByResource(ctx, resourceID)
}

// ItemsFor returns a resource's queue items in creation order.
func (q *Queue) ItemsFor(ctx context.Context, resourceID string) ([]models.QueueItem, error) {
	return q.repo.ListByResource(ctx, resourceID)
}
