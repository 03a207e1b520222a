package receiptflow

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultMaxRetries = 3

// DefaultBackoff is the retry schedule. Attempts past the last tier stay on it.
var DefaultBackoff = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}

// BackoffFor returns the delay before retry number attempts (1-based).
func BackoffFor(attempts int, tiers []time.Duration) time.Duration {
	if len(tiers) == 0 {
		tiers = DefaultBackoff
	}
	if attempts < 1 {
		attempts = 1
	}
	idx := attempts - 1
	if idx > len(tiers)-1 {
		idx = len(tiers) - 1
	}
	return tiers[idx]
}

// RetryPersister stores the whole retry queue. Save replaces what is stored.
type RetryPersister interface {
	Load() ([]RetryEntry, error)
	Save(entries []RetryEntry) error
}

type RetryQueueOptions struct {
	// MaxRetries is the give-up threshold. It is independent of the
	// backoff table length.
	MaxRetries int
	Backoff    []time.Duration
	Now        func() time.Time
	Logger     zerolog.Logger
}

// RetryQueue holds failed documents waiting for another attempt. Every
// mutation is written through to the persister before it returns.
type RetryQueue struct {
	persister  RetryPersister
	maxRetries int
	backoff    []time.Duration
	now        func() time.Time
	log        zerolog.Logger

	mu      sync.Mutex
	entries map[int64]RetryEntry
}

// NewRetryQueue loads the persisted queue. Unreadable state is logged and
// the queue starts empty.
func NewRetryQueue(persister RetryPersister, opts RetryQueueOptions) *RetryQueue {
	if persister == nil {
		persister = NewMemoryRetryPersister()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	q := &RetryQueue{
		persister:  persister,
		maxRetries: opts.MaxRetries,
		backoff:    append([]time.Duration(nil), opts.Backoff...),
		now:        opts.Now,
		log:        opts.Logger.With().Str("component", "retry").Logger(),
		entries:    map[int64]RetryEntry{},
	}
	q.Reload()
	return q
}

func (q *RetryQueue) MaxRetries() int {
	return q.maxRetries
}

// Reload replaces the in-memory queue with the persisted one.
func (q *RetryQueue) Reload() {
	loaded, err := q.persister.Load()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = map[int64]RetryEntry{}
	if err != nil {
		q.log.Warn().Err(err).Msg("retry queue state unreadable, starting empty")
		return
	}
	for _, entry := range loaded {
		if entry.DocumentID <= 0 || entry.Attempts < 1 {
			continue
		}
		q.entries[entry.DocumentID] = entry
	}
}

// Add records a failed attempt and schedules the next one.
func (q *RetryQueue) Add(documentID int64, cause string) (RetryEntry, error) {
	if documentID <= 0 {
		return RetryEntry{}, ErrInvalidInput
	}
	now := q.now().UTC()
	q.mu.Lock()
	defer q.mu.Unlock()
	prev, existed := q.entries[documentID]
	entry := prev
	if !existed {
		entry = RetryEntry{DocumentID: documentID, FirstFailedAt: now}
	}
	entry.Attempts++
	entry.LastError = strings.TrimSpace(cause)
	entry.NextRetryAt = now.Add(BackoffFor(entry.Attempts, q.backoff))
	entry.UpdatedAt = now
	q.entries[documentID] = entry
	if err := q.saveLocked(); err != nil {
		if existed {
			q.entries[documentID] = prev
		} else {
			delete(q.entries, documentID)
		}
		return RetryEntry{}, err
	}
	return entry, nil
}

// ReadyForRetry returns entries whose next attempt is due, earliest first.
func (q *RetryQueue) ReadyForRetry() []RetryEntry {
	now := q.now().UTC()
	q.mu.Lock()
	defer q.mu.Unlock()
	ready := []RetryEntry{}
	for _, entry := range q.entries {
		if !entry.NextRetryAt.After(now) {
			ready = append(ready, entry)
		}
	}
	sortRetryEntries(ready)
	return ready
}

// Waiting reports whether the document is queued with a retry not yet due.
func (q *RetryQueue) Waiting(documentID int64) bool {
	now := q.now().UTC()
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[documentID]
	return ok && entry.NextRetryAt.After(now)
}

func (q *RetryQueue) ShouldGiveUp(documentID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[documentID]
	return ok && entry.Attempts >= q.maxRetries
}

// Remove drops the entry. Removing an absent document is not an error.
func (q *RetryQueue) Remove(documentID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	prev, ok := q.entries[documentID]
	if !ok {
		return nil
	}
	delete(q.entries, documentID)
	if err := q.saveLocked(); err != nil {
		q.entries[documentID] = prev
		return err
	}
	return nil
}

func (q *RetryQueue) Get(documentID int64) (RetryEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[documentID]
	return entry, ok
}

func (q *RetryQueue) Has(documentID int64) bool {
	_, ok := q.Get(documentID)
	return ok
}

func (q *RetryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a snapshot ordered by next retry time.
func (q *RetryQueue) Entries() []RetryEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]RetryEntry, 0, len(q.entries))
	for _, entry := range q.entries {
		out = append(out, entry)
	}
	sortRetryEntries(out)
	return out
}

func (q *RetryQueue) saveLocked() error {
	out := make([]RetryEntry, 0, len(q.entries))
	for _, entry := range q.entries {
		out = append(out, entry)
	}
	sortRetryEntries(out)
	return q.persister.Save(out)
}

func sortRetryEntries(entries []RetryEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].NextRetryAt.Equal(entries[j].NextRetryAt) {
			return entries[i].DocumentID < entries[j].DocumentID
		}
		return entries[i].NextRetryAt.Before(entries[j].NextRetryAt)
	})
}

// tableRetryPersister keeps the retry queue in the shared store.
type tableRetryPersister struct {
	store *Store
}

// RetryTable returns a RetryPersister backed by the retry_queue table.
func (s *Store) RetryTable() RetryPersister {
	return tableRetryPersister{store: s}
}

func (p tableRetryPersister) Load() ([]RetryEntry, error) {
	ctx, cancel := operationContext(context.Background())
	defer cancel()
	rows, err := p.store.query(ctx, `
		SELECT document_id, attempts, last_error, next_retry_at, first_failed_at, updated_at
		FROM retry_queue ORDER BY next_retry_at ASC, document_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []RetryEntry{}
	for rows.Next() {
		var (
			entry         RetryEntry
			nextRetryAt   int64
			firstFailedAt int64
			updatedAt     int64
		)
		if err := rows.Scan(&entry.DocumentID, &entry.Attempts, &entry.LastError, &nextRetryAt, &firstFailedAt, &updatedAt); err != nil {
			return nil, err
		}
		entry.NextRetryAt = fromMillis(nextRetryAt)
		entry.FirstFailedAt = fromMillis(firstFailedAt)
		entry.UpdatedAt = fromMillis(updatedAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (p tableRetryPersister) Save(entries []RetryEntry) error {
	s := p.store
	ctx, cancel := operationContext(context.Background())
	defer cancel()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM retry_queue`); err != nil {
			return err
		}
		for _, entry := range entries {
			if _, err := tx.ExecContext(ctx, s.rebind(`
				INSERT INTO retry_queue (document_id, attempts, last_error, next_retry_at, first_failed_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)`),
				entry.DocumentID, entry.Attempts, entry.LastError,
				toMillis(entry.NextRetryAt), toMillis(entry.FirstFailedAt), toMillis(entry.UpdatedAt)); err != nil {
				return err
			}
		}
		return nil
	})
}
