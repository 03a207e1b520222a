package receiptflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const defaultRecentLimit = 50

// WebhookQueue is the durable queue of document IDs pushed by inbound
// notifications. It is written by the API process and drained only by a
// lock holder.
type WebhookQueue struct {
	store *Store
}

func NewWebhookQueue(store *Store) *WebhookQueue {
	return &WebhookQueue{store: store}
}

// Enqueue inserts or revives an entry. It is a no-op while the document is
// already pending or processing; queued reports whether a new pending entry
// was written.
func (q *WebhookQueue) Enqueue(ctx context.Context, documentID int64, rawPayload string) (queued bool, err error) {
	if documentID <= 0 {
		return false, ErrInvalidInput
	}
	ctx, cancel := operationContext(ctx)
	defer cancel()
	now := toMillis(q.store.clock())
	res, err := q.store.exec(ctx, `
		INSERT INTO webhook_queue (document_id, raw_payload, status, enqueued_at, updated_at, attempts, last_error)
		VALUES (?, ?, ?, ?, ?, 0, '')
		ON CONFLICT (document_id) DO UPDATE SET
			raw_payload = excluded.raw_payload,
			status = excluded.status,
			enqueued_at = excluded.enqueued_at,
			updated_at = excluded.updated_at,
			attempts = 0,
			last_error = ''
		WHERE webhook_queue.status NOT IN (?, ?)`,
		documentID, rawPayload, string(WebhookPending), now, now,
		string(WebhookPending), string(WebhookProcessing))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (q *WebhookQueue) HasPending(ctx context.Context) (bool, error) {
	ctx, cancel := operationContext(ctx)
	defer cancel()
	var count int
	if err := q.store.queryRow(ctx, `SELECT COUNT(*) FROM webhook_queue WHERE status = ?`, string(WebhookPending)).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// ConsumePending claims every pending entry for the caller, oldest first.
// Each row moves to processing through a conditional update, so an entry is
// handed to at most one consumer.
func (q *WebhookQueue) ConsumePending(ctx context.Context) ([]int64, error) {
	ctx, cancel := operationContext(ctx)
	defer cancel()
	now := toMillis(q.store.clock())
	claimed := []int64{}
	err := q.store.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, q.store.rebind(`
			SELECT document_id FROM webhook_queue
			WHERE status = ?
			ORDER BY enqueued_at ASC, document_id ASC`), string(WebhookPending))
		if err != nil {
			return err
		}
		candidates := []int64{}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return err
			}
			candidates = append(candidates, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range candidates {
			res, err := tx.ExecContext(ctx, q.store.rebind(`
				UPDATE webhook_queue
				SET status = ?, attempts = attempts + 1, updated_at = ?
				WHERE document_id = ? AND status = ?`),
				string(WebhookProcessing), now, id, string(WebhookPending))
			if err != nil {
				return err
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 1 {
				claimed = append(claimed, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (q *WebhookQueue) MarkCompleted(ctx context.Context, documentID int64) error {
	return q.finish(ctx, documentID, WebhookCompleted, "")
}

func (q *WebhookQueue) MarkFailed(ctx context.Context, documentID int64, reason string) error {
	return q.finish(ctx, documentID, WebhookFailed, reason)
}

// Requeue hands a claimed entry back to pending, for documents a stopping
// pass never reached.
func (q *WebhookQueue) Requeue(ctx context.Context, documentID int64) error {
	ctx, cancel := operationContext(ctx)
	defer cancel()
	_, err := q.store.exec(ctx, `
		UPDATE webhook_queue SET status = ?, attempts = CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END, updated_at = ?
		WHERE document_id = ? AND status = ?`,
		string(WebhookPending), toMillis(q.store.clock()), documentID, string(WebhookProcessing))
	return err
}

// finish settles a claimed entry. An entry that is no longer processing, for
// example one RecoverStale handed back to pending, is left untouched and
// reported as ErrInvalidState.
func (q *WebhookQueue) finish(ctx context.Context, documentID int64, status WebhookStatus, reason string) error {
	ctx, cancel := operationContext(ctx)
	defer cancel()
	return q.store.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, q.store.rebind(`
			UPDATE webhook_queue SET status = ?, last_error = ?, updated_at = ?
			WHERE document_id = ? AND status = ?`),
			string(status), strings.TrimSpace(reason), toMillis(q.store.clock()), documentID, string(WebhookProcessing))
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 1 {
			return nil
		}
		var current string
		err = tx.QueryRowContext(ctx, q.store.rebind(`SELECT status FROM webhook_queue WHERE document_id = ?`), documentID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: webhook entry %d is %s, not processing", ErrInvalidState, documentID, current)
	})
}

// Cleanup deletes completed and failed entries last touched before the
// retention window and returns how many were removed.
func (q *WebhookQueue) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	if retention < 0 {
		retention = 0
	}
	ctx, cancel := operationContext(ctx)
	defer cancel()
	cutoff := toMillis(q.store.clock().Add(-retention))
	res, err := q.store.exec(ctx, `
		DELETE FROM webhook_queue
		WHERE status IN (?, ?) AND updated_at < ?`,
		string(WebhookCompleted), string(WebhookFailed), cutoff)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// RecoverStale returns entries stuck in processing longer than olderThan to
// pending. A worker that died mid-batch leaves such rows behind.
func (q *WebhookQueue) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	ctx, cancel := operationContext(ctx)
	defer cancel()
	now := q.store.clock()
	res, err := q.store.exec(ctx, `
		UPDATE webhook_queue SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?`,
		string(WebhookPending), toMillis(now), string(WebhookProcessing), toMillis(now.Add(-olderThan)))
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (q *WebhookQueue) Stats(ctx context.Context) (WebhookStats, error) {
	ctx, cancel := operationContext(ctx)
	defer cancel()
	rows, err := q.store.query(ctx, `SELECT status, COUNT(*) FROM webhook_queue GROUP BY status`)
	if err != nil {
		return WebhookStats{}, err
	}
	defer rows.Close()
	stats := WebhookStats{}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return WebhookStats{}, err
		}
		switch WebhookStatus(status) {
		case WebhookPending:
			stats.Pending = count
		case WebhookProcessing:
			stats.Processing = count
		case WebhookCompleted:
			stats.Completed = count
		case WebhookFailed:
			stats.Failed = count
		}
		stats.Total += count
	}
	return stats, rows.Err()
}

// Recent returns the most recently enqueued entries, newest first.
func (q *WebhookQueue) Recent(ctx context.Context, limit int) ([]WebhookEntry, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	ctx, cancel := operationContext(ctx)
	defer cancel()
	rows, err := q.store.query(ctx, `
		SELECT document_id, raw_payload, status, enqueued_at, updated_at, attempts, last_error
		FROM webhook_queue
		ORDER BY enqueued_at DESC, document_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []WebhookEntry{}
	for rows.Next() {
		var (
			entry      WebhookEntry
			status     string
			enqueuedAt int64
			updatedAt  int64
		)
		if err := rows.Scan(&entry.DocumentID, &entry.RawPayload, &status, &enqueuedAt, &updatedAt, &entry.Attempts, &entry.LastError); err != nil {
			return nil, err
		}
		entry.Status = WebhookStatus(status)
		entry.EnqueuedAt = fromMillis(enqueuedAt)
		entry.UpdatedAt = fromMillis(updatedAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
