package receiptflow

import "context"

// Snapshot collects the read-only status shown by the CLI, the HTTP API and
// the live stream. Retry entries are read from the persister so another
// process sees what the worker last wrote.
func Snapshot(ctx context.Context, store *Store, retries RetryPersister, maxRetryEntries int) (StatusSnapshot, error) {
	worker, err := store.WorkerState(ctx)
	if err != nil {
		return StatusSnapshot{}, err
	}
	webhookStats, err := NewWebhookQueue(store).Stats(ctx)
	if err != nil {
		return StatusSnapshot{}, err
	}
	logStats, err := NewProcessingLog(store).Stats(ctx)
	if err != nil {
		return StatusSnapshot{}, err
	}
	snapshot := StatusSnapshot{
		Worker:   worker,
		Webhooks: webhookStats,
		Logs:     logStats,
		TakenAt:  store.clock(),
	}
	if retries != nil {
		entries, err := retries.Load()
		if err != nil {
			// Unreadable retry state reads as empty, as it does for the worker.
			entries = nil
		}
		sortRetryEntries(entries)
		snapshot.RetryDepth = len(entries)
		if maxRetryEntries > 0 && len(entries) > maxRetryEntries {
			entries = entries[:maxRetryEntries]
		}
		snapshot.Retries = entries
	}
	return snapshot, nil
}

// LogStatuses lists the statuses in lifecycle order, for stable rendering.
func LogStatuses() []Status {
	return []Status{StatusDetected, StatusRetrying, StatusProcessing, StatusCompleted, StatusFailed, StatusSkipped}
}
