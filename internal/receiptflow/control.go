package receiptflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
)

func (s *Store) WorkerState(ctx context.Context) (WorkerState, error) {
	ctx, cancel := operationContext(ctx)
	defer cancel()

	var (
		state          WorkerState
		isPaused       int
		scanRequested  int
		pausedAt       sql.NullInt64
		lastScanAt     sql.NullInt64
		lastScanResult string
		lockAcquiredAt sql.NullInt64
		lockExpiresAt  sql.NullInt64
	)
	err := s.queryRow(ctx, `
		SELECT is_paused, pause_reason, paused_at, last_scan_at, scan_requested,
		       last_scan_result, lock_holder, lock_acquired_at, lock_expires_at
		FROM worker_state WHERE id = ?`, workerStateKey).Scan(
		&isPaused, &state.PauseReason, &pausedAt, &lastScanAt, &scanRequested,
		&lastScanResult, &state.Lock.HeldBy, &lockAcquiredAt, &lockExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return WorkerState{}, ErrNotFound
	}
	if err != nil {
		return WorkerState{}, err
	}
	state.IsPaused = isPaused != 0
	state.ScanRequested = scanRequested != 0
	state.PausedAt = timePtr(pausedAt)
	state.LastScanAt = timePtr(lastScanAt)
	state.Lock.AcquiredAt = timePtr(lockAcquiredAt)
	state.Lock.ExpiresAt = timePtr(lockExpiresAt)
	if strings.TrimSpace(lastScanResult) != "" {
		var result ScanResult
		if err := json.Unmarshal([]byte(lastScanResult), &result); err == nil {
			state.LastScanResult = &result
		}
	}
	return state, nil
}

// Pause stops all processing until Resume. Pausing twice keeps the first
// pausedAt and replaces the reason.
func (s *Store) Pause(ctx context.Context, reason string) error {
	ctx, cancel := operationContext(ctx)
	defer cancel()
	_, err := s.exec(ctx, `
		UPDATE worker_state
		SET pause_reason = ?,
		    paused_at = CASE WHEN is_paused = 1 THEN paused_at ELSE ? END,
		    is_paused = 1
		WHERE id = ?`, strings.TrimSpace(reason), toMillis(s.clock()), workerStateKey)
	return err
}

func (s *Store) Resume(ctx context.Context) error {
	ctx, cancel := operationContext(ctx)
	defer cancel()
	_, err := s.exec(ctx, `
		UPDATE worker_state SET is_paused = 0, pause_reason = '', paused_at = NULL
		WHERE id = ?`, workerStateKey)
	return err
}

func (s *Store) IsPaused(ctx context.Context) (bool, error) {
	ctx, cancel := operationContext(ctx)
	defer cancel()
	var paused int
	if err := s.queryRow(ctx, `SELECT is_paused FROM worker_state WHERE id = ?`, workerStateKey).Scan(&paused); err != nil {
		return false, err
	}
	return paused != 0, nil
}

func (s *Store) RequestScan(ctx context.Context) error {
	ctx, cancel := operationContext(ctx)
	defer cancel()
	_, err := s.exec(ctx, `UPDATE worker_state SET scan_requested = 1 WHERE id = ?`, workerStateKey)
	return err
}

// ScanRequested reads the manual trigger without clearing it.
func (s *Store) ScanRequested(ctx context.Context) (bool, error) {
	ctx, cancel := operationContext(ctx)
	defer cancel()
	var requested int
	if err := s.queryRow(ctx, `SELECT scan_requested FROM worker_state WHERE id = ?`, workerStateKey).Scan(&requested); err != nil {
		return false, err
	}
	return requested != 0, nil
}

// ConsumeScanRequest clears the manual trigger and reports whether it was set.
// The read and the clear are one conditional write, so only one caller ever
// observes a given request.
func (s *Store) ConsumeScanRequest(ctx context.Context) (bool, error) {
	ctx, cancel := operationContext(ctx)
	defer cancel()
	res, err := s.exec(ctx, `UPDATE worker_state SET scan_requested = 0 WHERE id = ? AND scan_requested = 1`, workerStateKey)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *Store) RecordScanResult(ctx context.Context, result ScanResult) error {
	if result.Timestamp.IsZero() {
		result.Timestamp = s.clock()
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	ctx, cancel := operationContext(ctx)
	defer cancel()
	_, err = s.exec(ctx, `UPDATE worker_state SET last_scan_at = ?, last_scan_result = ? WHERE id = ?`,
		toMillis(result.Timestamp), string(payload), workerStateKey)
	return err
}
