package queue

import (
	"context"
	"time"

	"github.com/haztrack/surveysync/internal/agent/models"
)

// Repository persists sync-queue items. Delivery bookkeeping (backoff
// arithmetic, retry limits) lives in the queue engine; the repository only
// stores what it is told and answers eligibility queries.
type Repository interface {
	// Insert appends a new item.
	Insert(ctx context.Context, item *models.QueueItem) error

	// Get returns an item by ID, or common.ErrNotFound.
	Get(ctx context.Context, id string) (*models.QueueItem, error)

	// NextEligible returns up to limit pending items ready for delivery at
	// now, at most one per resource, oldest first. An item is eligible only
	// if it is the head of its resource's line: no older pending item, no
	// inflight item, no terminally failed item for the same resource.
	NextEligible(ctx context.Context, now time.Time, limit int) ([]models.QueueItem, error)

	// MarkInflight transitions a pending item to inflight.
	MarkInflight(ctx context.Context, id string) error

	// Delete removes an item (delivery succeeded).
	Delete(ctx context.Context, id string) error

	// Fail records a delivery failure with the engine-computed retry state.
	Fail(ctx context.Context, id string, retryCount int, nextAttemptAt time.Time, lastError string, state models.ItemState) error

	// Reset returns a terminally failed item to pending with a clean retry
	// counter (operator-initiated retry).
	Reset(ctx context.Context, id string) error

	// Expedite clears the backoff wait on a resource's pending items so
	// they become eligible immediately (explicit operator submit).
	Expedite(ctx context.Context, resourceID string) error

	// ResetInflight returns all inflight items to pending. Called once at
	// startup: inflight state is only meaningful within a single process.
	ResetInflight(ctx context.Context) (int64, error)

	// PendingCreateExists reports whether an undelivered create item exists
	// for the resource (used for the create/delete collapse).
	PendingCreateExists(ctx context.Context, resourceID string) (bool, error)

	// DeleteByResource removes every undelivered item for a resource.
	DeleteByResource(ctx context.Context, resourceID string) error

	// ListByResource returns all items for a resource in creation order.
	ListByResource(ctx context.Context, resourceID string) ([]models.QueueItem, error)

	// ListFailed returns terminally failed items, oldest first.
	ListFailed(ctx context.Context) ([]models.QueueItem, error)

	// CountPending returns the number of undelivered (pending or inflight)
	// items.
	CountPending(ctx context.Context) (int, error)
}
