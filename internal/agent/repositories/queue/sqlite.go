package queue

import (
	"context"
	"database/sql"
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

const itemColumns = `id, kind, op, resource_id, payload, created_at, retry_count, next_attempt_at, last_error, state`

// Insert appends a queue item.
func (r *SQLiteRepository) Insert(ctx context.Context, item *models.QueueItem) error {
	query := `INSERT INTO sync_queue (` + itemColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		item.ID, string(item.Kind), string(item.Op), item.ResourceID, string(item.Payload),
		item.CreatedAt.UTC().UnixNano(), item.RetryCount, item.NextAttemptAt.UTC().UnixNano(),
		item.LastError, string(item.State))
	if err != nil {
		return fmt.Errorf("failed to insert queue item: %w", sqlitex.MapError(err))
	}
	return nil
}

// Get returns an item by id.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*models.QueueItem, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM sync_queue WHERE id = ?`, id)
	item, err := scanItem(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select queue item: %w", err)
	}
	return item, nil
}

// NextEligible selects the delivery frontier: for each resource, the single
// oldest pending item, and only when nothing older, inflight or failed
// stands in front of it. Items whose backoff window has not elapsed are
// skipped, which also holds back every younger item for the same resource.
func (r *SQLiteRepository) NextEligible(ctx context.Context, now time.Time, limit int) ([]models.QueueItem, error) {
	query := `
SELECT ` + itemColumns + ` FROM sync_queue q
WHERE q.state = 'pending'
  AND q.next_attempt_at <= ?
  AND NOT EXISTS (
    SELECT 1 FROM sync_queue q2
    WHERE q2.resource_id = q.resource_id
      AND q2.id != q.id
      AND (
        q2.state IN ('inflight', 'failed')
        OR (q2.state = 'pending'
            AND (q2.created_at < q.created_at
                 OR (q2.created_at = q.created_at AND q2.id < q.id)))
      )
  )
ORDER BY q.created_at ASC, q.id ASC
LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, now.UTC().UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select eligible items: %w", err)
	}
	defer rows.Close()

	var result []models.QueueItem
	for rows.Next() {
		item, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkInflight transitions pending -> inflight. Transitioning anything else
// returns common.ErrNotFound so concurrent drain passes cannot double-claim.
func (r *SQLiteRepository) MarkInflight(ctx context.Context, id string) error {
	query := `UPDATE sync_queue SET state = 'inflight' WHERE id = ? AND state = 'pending'`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark item inflight: %w", err)
	}
	return requireOneRow(res)
}

// Delete removes a delivered item.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete queue item: %w", err)
	}
	return nil
}

// Fail writes back the retry state computed by the engine.
func (r *SQLiteRepository) Fail(ctx context.Context, id string, retryCount int, nextAttemptAt time.Time, lastError string, state models.ItemState) error {
	query := `UPDATE sync_queue SET retry_count = ?, next_attempt_at = ?, last_error = ?, state = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query,
		retryCount, nextAttemptAt.UTC().UnixNano(), lastError, string(state), id)
	if err != nil {
		return fmt.Errorf("failed to record item failure: %w", sqlitex.MapError(err))
	}
	return requireOneRow(res)
}

// Reset returns a failed item to pending with a fresh retry budget.
func (r *SQLiteRepository) Reset(ctx context.Context, id string) error {
	query := `UPDATE sync_queue SET state = 'pending', retry_count = 0, next_attempt_at = 0, last_error = '' WHERE id = ? AND state = 'failed'`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to reset queue item: %w", err)
	}
	return requireOneRow(res)
}

// ResetInflight returns crashed-process leftovers to pending.
func (r *SQLiteRepository) Expedite(ctx context.Context, resourceID string) error {
	query := `UPDATE sync_queue SET next_attempt_at = 0 WHERE resource_id = ? AND state = 'pending'`
	if _, err := r.db.ExecContext(ctx, query, resourceID); err != nil {
		return fmt.Errorf("failed to expedite queue items: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ResetInflight(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE sync_queue SET state = 'pending' WHERE state = 'inflight'`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset inflight items: %w", err)
	}
	return res.RowsAffected()
}

// PendingCreateExists reports an undelivered create for the resource.
func (r *SQLiteRepository) PendingCreateExists(ctx context.Context, resourceID string) (bool, error) {
	query := `SELECT COUNT(*) FROM sync_queue WHERE resource_id = ? AND op = 'create' AND state IN ('pending', 'failed')`
	var n int
	if err := r.db.QueryRowContext(ctx, query, resourceID).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check pending create: %w", err)
	}
	return n > 0, nil
}

// DeleteByResource removes every undelivered item for a resource.
func (r *SQLiteRepository) DeleteByResource(ctx context.Context, resourceID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE resource_id = ?`, resourceID)
	if err != nil {
		return fmt.Errorf("failed to delete queue items: %w", err)
	}
	return nil
}

// ListByResource returns a resource's items in creation order.
func (r *SQLiteRepository) ListByResource(ctx context.Context, resourceID string) ([]models.QueueItem, error) {
	query := `SELECT ` + itemColumns + ` FROM sync_queue WHERE resource_id = ? ORDER BY created_at ASC, id ASC`
	return r.list(ctx, query, resourceID)
}

// ListFailed returns terminally failed items, oldest first.
func (r *SQLiteRepository) ListFailed(ctx context.Context) ([]models.QueueItem, error) {
	query := `SELECT ` + itemColumns + ` FROM sync_queue WHERE state = 'failed' ORDER BY created_at ASC, id ASC`
	return r.list(ctx, query)
}

// CountPending counts undelivered items.
func (r *SQLiteRepository) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE state IN ('pending', 'inflight')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending items: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) list(ctx context.Context, query string, args ...any) ([]models.QueueItem, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select queue items: %w", err)
	}
	defer rows.Close()

	var result []models.QueueItem
	for rows.Next() {
		item, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
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

func scanItem(scan func(dest ...any) error) (*models.QueueItem, error) {
	item := &models.QueueItem{}
	var kind, op, payload, state string
	var createdAt, nextAttemptAt int64
	err := scan(&item.ID, &kind, &op, &item.ResourceID, &payload, &createdAt,
		&item.RetryCount, &nextAttemptAt, &item.LastError, &state)
	if err != nil {
		return nil, err
	}
	item.Kind = models.ItemKind(kind)
	item.Op = models.ItemOp(op)
	if payload != "" {
		item.Payload = []byte(payload)
	}
	item.CreatedAt = time.Unix(0, createdAt).UTC()
	item.NextAttemptAt = time.Unix(0, nextAttemptAt).UTC()
	item.State = models.ItemState(state)
	return item, nil
}
