package receiptflow

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultLockTTL = 10 * time.Minute

// NewHolderID builds a lock holder identity unique to this process lifetime.
// A restarted process gets a new identity and waits for the old lease.
func NewHolderID(role string) string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "unknown"
	}
	role = strings.TrimSpace(role)
	if role == "" {
		role = "process"
	}
	return fmt.Sprintf("%s@%s:%d/%s", role, host, os.Getpid(), uuid.NewString()[:8])
}

// LockCoordinator is the single-flight scan lock. It is an advisory lease in
// the worker_state row; acquisition is one conditional UPDATE so two OS
// processes sharing the store cannot both win.
type LockCoordinator struct {
	store  *Store
	holder string
	ttl    time.Duration
}

func NewLockCoordinator(store *Store, holder string, ttl time.Duration) *LockCoordinator {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	holder = strings.TrimSpace(holder)
	if holder == "" {
		holder = NewHolderID("")
	}
	return &LockCoordinator{store: store, holder: holder, ttl: ttl}
}

func (l *LockCoordinator) Holder() string {
	return l.holder
}

// Acquire is non-blocking. false means a live lease exists, including one
// this coordinator already holds; Renew extends an owned lease.
func (l *LockCoordinator) Acquire(ctx context.Context) (bool, error) {
	ctx, cancel := operationContext(ctx)
	defer cancel()
	now := l.store.clock()
	res, err := l.store.exec(ctx, `
		UPDATE worker_state
		SET lock_holder = ?, lock_acquired_at = ?, lock_expires_at = ?
		WHERE id = ?
		  AND (lock_holder = '' OR lock_expires_at IS NULL OR lock_expires_at <= ?)`,
		l.holder, toMillis(now), toMillis(now.Add(l.ttl)), workerStateKey, toMillis(now))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// Renew extends the lease. It fails with ErrLockNotHeld once the lease was
// lost to another holder.
func (l *LockCoordinator) Renew(ctx context.Context) error {
	ctx, cancel := operationContext(ctx)
	defer cancel()
	now := l.store.clock()
	res, err := l.store.exec(ctx, `
		UPDATE worker_state SET lock_expires_at = ?
		WHERE id = ? AND lock_holder = ?`,
		toMillis(now.Add(l.ttl)), workerStateKey, l.holder)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Release clears the lock if this coordinator holds it; otherwise it is a no-op.
func (l *LockCoordinator) Release(ctx context.Context) error {
	ctx, cancel := operationContext(ctx)
	defer cancel()
	_, err := l.store.exec(ctx, `
		UPDATE worker_state
		SET lock_holder = '', lock_acquired_at = NULL, lock_expires_at = NULL
		WHERE id = ? AND lock_holder = ?`, workerStateKey, l.holder)
	return err
}

// WithLock runs fn while holding the lock and always releases it afterwards,
// including when fn panics. acquired is false when the lock was busy.
func (l *LockCoordinator) WithLock(ctx context.Context, fn func(ctx context.Context) error) (acquired bool, err error) {
	acquired, err = l.Acquire(ctx)
	if err != nil || !acquired {
		return acquired, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeOperationTimeout)
		defer cancel()
		if releaseErr := l.Release(releaseCtx); releaseErr != nil && err == nil {
			err = fmt.Errorf("release lock: %w", releaseErr)
		}
	}()
	return true, fn(ctx)
}
