package receiptflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
)

var allowedTransitions = map[Status][]Status{
	StatusDetected:   {StatusProcessing, StatusSkipped},
	StatusRetrying:   {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusSkipped},
}

// CanTransition reports whether one attempt may move from one status to
// another. completed, failed and skipped are terminal for the attempt; a new
// attempt starts a new row.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func IsTerminal(status Status) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusSkipped
}

var statusProgress = map[Status]int{
	StatusDetected:   0,
	StatusRetrying:   0,
	StatusProcessing: 10,
	StatusCompleted:  100,
	StatusFailed:     100,
	StatusSkipped:    100,
}

// ProcessingLog is the per-attempt audit trail of document processing.
// Rows are keyed by (document_id, attempt).
type ProcessingLog struct {
	store *Store
}

func NewProcessingLog(store *Store) *ProcessingLog {
	return &ProcessingLog{store: store}
}

// Begin opens a new attempt row. A retry attempt starts in retrying, every
// other attempt in detected.
func (l *ProcessingLog) Begin(ctx context.Context, documentID int64, origin Origin, fileName string) (LogEntry, error) {
	if documentID <= 0 {
		return LogEntry{}, ErrInvalidInput
	}
	status := StatusDetected
	if origin == OriginRetry {
		status = StatusRetrying
	}
	ctx, cancel := operationContext(ctx)
	defer cancel()
	now := l.store.clock()
	entry := LogEntry{
		DocumentID: documentID,
		Status:     status,
		Progress:   statusProgress[status],
		Origin:     origin,
		FileName:   strings.TrimSpace(fileName),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := l.store.withTx(ctx, func(tx *sql.Tx) error {
		var last sql.NullInt64
		if err := tx.QueryRowContext(ctx, l.store.rebind(`SELECT MAX(attempt) FROM processing_log WHERE document_id = ?`), documentID).Scan(&last); err != nil {
			return err
		}
		entry.Attempt = int(last.Int64) + 1
		_, err := tx.ExecContext(ctx, l.store.rebind(`
			INSERT INTO processing_log (document_id, attempt, status, progress, origin, file_name, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			entry.DocumentID, entry.Attempt, string(entry.Status), entry.Progress, string(entry.Origin),
			entry.FileName, toMillis(now), toMillis(now))
		return err
	})
	if err != nil {
		return LogEntry{}, err
	}
	return entry, nil
}

// Transition moves an attempt to a new status, rejecting moves the state
// machine does not allow. workflow and fileName are kept when empty.
func (l *ProcessingLog) Transition(ctx context.Context, documentID int64, attempt int, to Status, workflow, fileName string) error {
	return l.update(ctx, documentID, attempt, to, func(b *logUpdate) {
		b.set("workflow", strings.TrimSpace(workflow), workflow != "")
		b.set("file_name", strings.TrimSpace(fileName), fileName != "")
	})
}

func (l *ProcessingLog) Complete(ctx context.Context, documentID int64, attempt int, summary Summary, receiptData json.RawMessage) error {
	return l.update(ctx, documentID, attempt, StatusCompleted, func(b *logUpdate) {
		b.set("vendor", strings.TrimSpace(summary.Vendor), true)
		b.set("currency", strings.TrimSpace(summary.Currency), true)
		if summary.Amount != nil {
			b.set("amount", *summary.Amount, true)
		} else {
			b.set("amount", nil, true)
		}
		b.set("receipt_data", string(receiptData), true)
		b.set("error", "", true)
	})
}

func (l *ProcessingLog) Fail(ctx context.Context, documentID int64, attempt int, cause string) error {
	return l.update(ctx, documentID, attempt, StatusFailed, func(b *logUpdate) {
		b.set("error", strings.TrimSpace(cause), true)
	})
}

// GiveUp fails an attempt and marks the document as given up. Scans leave a
// document alone while its latest attempt carries the mark.
func (l *ProcessingLog) GiveUp(ctx context.Context, documentID int64, attempt int, cause string) error {
	return l.update(ctx, documentID, attempt, StatusFailed, func(b *logUpdate) {
		b.set("error", strings.TrimSpace(cause), true)
		b.set("gave_up", 1, true)
	})
}

// ClearGiveUp lifts the give-up mark so the document is eligible for
// processing again. ErrNotFound means it was not given up on.
func (l *ProcessingLog) ClearGiveUp(ctx context.Context, documentID int64) error {
	ctx, cancel := operationContext(ctx)
	defer cancel()
	res, err := l.store.exec(ctx, `UPDATE processing_log SET gave_up = 0, updated_at = ?
		WHERE document_id = ? AND gave_up = 1`, toMillis(l.store.clock()), documentID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GivenUp returns the documents whose latest attempt was given up on.
func (l *ProcessingLog) GivenUp(ctx context.Context) (map[int64]struct{}, error) {
	ctx, cancel := operationContext(ctx)
	defer cancel()
	rows, err := l.store.query(ctx, `
		SELECT p.document_id FROM processing_log p
		JOIN (SELECT document_id, MAX(attempt) AS attempt FROM processing_log GROUP BY document_id) latest
		  ON latest.document_id = p.document_id AND latest.attempt = p.attempt
		WHERE p.gave_up = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := map[int64]struct{}{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

func (l *ProcessingLog) Skip(ctx context.Context, documentID int64, attempt int, reason string) error {
	return l.update(ctx, documentID, attempt, StatusSkipped, func(b *logUpdate) {
		b.set("error", strings.TrimSpace(reason), true)
	})
}

type logUpdate struct {
	columns []string
	args    []any
}

func (b *logUpdate) set(column string, value any, ok bool) {
	if !ok {
		return
	}
	b.columns = append(b.columns, column+" = ?")
	b.args = append(b.args, value)
}

func (l *ProcessingLog) update(ctx context.Context, documentID int64, attempt int, to Status, fill func(*logUpdate)) error {
	ctx, cancel := operationContext(ctx)
	defer cancel()
	return l.store.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, l.store.rebind(`
			SELECT status FROM processing_log WHERE document_id = ? AND attempt = ?`),
			documentID, attempt).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !CanTransition(Status(current), to) {
			return &TransitionError{DocumentID: documentID, From: Status(current), To: to}
		}
		b := &logUpdate{}
		b.set("status", string(to), true)
		b.set("progress", statusProgress[to], true)
		b.set("updated_at", toMillis(l.store.clock()), true)
		if fill != nil {
			fill(b)
		}
		args := append(b.args, documentID, attempt)
		_, err = tx.ExecContext(ctx, l.store.rebind(
			"UPDATE processing_log SET "+strings.Join(b.columns, ", ")+" WHERE document_id = ? AND attempt = ?"),
			args...)
		return err
	})
}

const logColumns = `document_id, attempt, status, progress, origin, workflow, file_name,
	vendor, amount, currency, receipt_data, error, gave_up, created_at, updated_at`

// Recent returns the latest attempts across documents, newest first. An empty
// status returns every status.
func (l *ProcessingLog) Recent(ctx context.Context, limit int, status Status) ([]LogEntry, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	ctx, cancel := operationContext(ctx)
	defer cancel()
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = l.store.query(ctx, `SELECT `+logColumns+` FROM processing_log
			ORDER BY updated_at DESC, document_id DESC, attempt DESC LIMIT ?`, limit)
	} else {
		rows, err = l.store.query(ctx, `SELECT `+logColumns+` FROM processing_log WHERE status = ?
			ORDER BY updated_at DESC, document_id DESC, attempt DESC LIMIT ?`, string(status), limit)
	}
	if err != nil {
		return nil, err
	}
	return scanLogEntries(rows)
}

// ForDocument returns every attempt for one document in attempt order.
func (l *ProcessingLog) ForDocument(ctx context.Context, documentID int64) ([]LogEntry, error) {
	ctx, cancel := operationContext(ctx)
	defer cancel()
	rows, err := l.store.query(ctx, `SELECT `+logColumns+` FROM processing_log
		WHERE document_id = ? ORDER BY attempt ASC`, documentID)
	if err != nil {
		return nil, err
	}
	return scanLogEntries(rows)
}

// Latest returns the newest attempt for a document.
func (l *ProcessingLog) Latest(ctx context.Context, documentID int64) (LogEntry, error) {
	ctx, cancel := operationContext(ctx)
	defer cancel()
	rows, err := l.store.query(ctx, `SELECT `+logColumns+` FROM processing_log
		WHERE document_id = ? ORDER BY attempt DESC LIMIT 1`, documentID)
	if err != nil {
		return LogEntry{}, err
	}
	entries, err := scanLogEntries(rows)
	if err != nil {
		return LogEntry{}, err
	}
	if len(entries) == 0 {
		return LogEntry{}, ErrNotFound
	}
	return entries[0], nil
}

// Stats counts documents by the status of their latest attempt.
func (l *ProcessingLog) Stats(ctx context.Context) (map[Status]int, error) {
	ctx, cancel := operationContext(ctx)
	defer cancel()
	rows, err := l.store.query(ctx, `
		SELECT p.status, COUNT(*) FROM processing_log p
		JOIN (SELECT document_id, MAX(attempt) AS attempt FROM processing_log GROUP BY document_id) latest
		  ON latest.document_id = p.document_id AND latest.attempt = p.attempt
		GROUP BY p.status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[Status]int{}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[Status(status)] = count
	}
	return counts, rows.Err()
}

func scanLogEntries(rows *sql.Rows) ([]LogEntry, error) {
	defer rows.Close()
	entries := []LogEntry{}
	for rows.Next() {
		var (
			entry       LogEntry
			status      string
			origin      string
			amount      sql.NullFloat64
			receiptData string
			gaveUp      int
			createdAt   int64
			updatedAt   int64
		)
		if err := rows.Scan(&entry.DocumentID, &entry.Attempt, &status, &entry.Progress, &origin,
			&entry.Workflow, &entry.FileName, &entry.Vendor, &amount, &entry.Currency,
			&receiptData, &entry.Error, &gaveUp, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		entry.Status = Status(status)
		entry.GaveUp = gaveUp != 0
		entry.Origin = Origin(origin)
		if amount.Valid {
			v := amount.Float64
			entry.Amount = &v
		}
		if strings.TrimSpace(receiptData) != "" && json.Valid([]byte(receiptData)) {
			entry.ReceiptData = json.RawMessage(receiptData)
		}
		entry.CreatedAt = fromMillis(createdAt)
		entry.UpdatedAt = fromMillis(updatedAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
