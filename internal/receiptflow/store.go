package receiptflow

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	workerStateTable      = "worker_state"
	webhookQueueTable     = "webhook_queue"
	retryQueueTable       = "retry_queue"
	processingLogTable    = "processing_log"
	workerStateKey        = 1
	storeOperationTimeout = 5 * time.Second
)

type dialect string

const (
	dialectSQLite   dialect = "sqlite3"
	dialectPostgres dialect = "postgres"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Store is the shared persistent state of the API and worker processes.
// Every coordination primitive (lock, pause flag, scan trigger, webhook queue,
// retry table, processing log) is a row in this store, never process memory.
type Store struct {
	db      *sql.DB
	dialect dialect
	kind    string
	now     func() time.Time
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS worker_state (
		id INTEGER PRIMARY KEY,
		is_paused INTEGER NOT NULL DEFAULT 0,
		pause_reason TEXT NOT NULL DEFAULT '',
		paused_at BIGINT,
		last_scan_at BIGINT,
		scan_requested INTEGER NOT NULL DEFAULT 0,
		last_scan_result TEXT NOT NULL DEFAULT '',
		lock_holder TEXT NOT NULL DEFAULT '',
		lock_acquired_at BIGINT,
		lock_expires_at BIGINT
	)`,
	`INSERT INTO worker_state (id) VALUES (1) ON CONFLICT (id) DO NOTHING`,
	`CREATE TABLE IF NOT EXISTS webhook_queue (
		document_id BIGINT PRIMARY KEY,
		raw_payload TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		enqueued_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS webhook_queue_status_idx ON webhook_queue (status, enqueued_at)`,
	`CREATE TABLE IF NOT EXISTS retry_queue (
		document_id BIGINT PRIMARY KEY,
		attempts INTEGER NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		next_retry_at BIGINT NOT NULL,
		first_failed_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS processing_log (
		document_id BIGINT NOT NULL,
		attempt INTEGER NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		origin TEXT NOT NULL DEFAULT '',
		workflow TEXT NOT NULL DEFAULT '',
		file_name TEXT NOT NULL DEFAULT '',
		vendor TEXT NOT NULL DEFAULT '',
		amount DOUBLE PRECISION,
		currency TEXT NOT NULL DEFAULT '',
		receipt_data TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		gave_up INTEGER NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (document_id, attempt)
	)`,
	`CREATE INDEX IF NOT EXISTS processing_log_updated_idx ON processing_log (updated_at)`,
	`CREATE INDEX IF NOT EXISTS processing_log_status_idx ON processing_log (status)`,
}

// OpenSQLiteStore opens (and creates) a SQLite database file. Transactions
// start IMMEDIATE so concurrent writers queue on busy_timeout instead of
// failing on lock upgrade.
func OpenSQLiteStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	dsn := "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
	return openStore(sql.Open, dialectSQLite, dsn, "sqlite")
}

// OpenMemoryStore opens a private in-memory SQLite database. Two stores never
// share an in-memory database.
func OpenMemoryStore() (*Store, error) {
	dsn := fmt.Sprintf("file:receiptflow_%s?mode=memory&cache=shared&_busy_timeout=5000&_txlock=immediate", uuid.NewString())
	return openStore(sql.Open, dialectSQLite, dsn, "memory")
}

func OpenPostgresStore(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return openStore(sql.Open, dialectPostgres, dsn, "postgres")
}

func openStore(open sqlOpenFunc, d dialect, dsn, kind string) (*Store, error) {
	db, err := open(string(d), dsn)
	if err != nil {
		return nil, err
	}
	if d == dialectSQLite {
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db, dialect: d, kind: kind, now: time.Now}
	ctx, cancel := context.WithTimeout(context.Background(), storeOperationTimeout)
	defer cancel()
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize %s schema: %w", kind, err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// SetClock replaces the time source; tests use it to drive leases and backoff.
func (s *Store) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.now = now
}

func (s *Store) Kind() string {
	return s.kind
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, storeOperationTimeout)
}
