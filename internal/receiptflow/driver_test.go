package receiptflow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func sameStatuses(got []Status, want ...Status) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestWebhookDocumentWithoutTriggerTagIsSkipped(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.docs.add(42, "invoice")
	if _, err := h.webhooks.Enqueue(ctx, 42, `{"document_id":42}`); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if wait := h.driver.Tick(ctx); wait != 5*time.Second {
		t.Fatalf("expected poll interval, got %s", wait)
	}
	entry := h.latest(42)
	if entry.Status != StatusSkipped || entry.Origin != OriginWebhook || entry.Attempt != 1 {
		t.Fatalf("expected skipped webhook attempt, got %+v", entry)
	}
	if h.retries.Has(42) {
		t.Fatalf("skipped document must not be queued for retry")
	}
	stats, _ := h.webhooks.Stats(ctx)
	if stats.Completed != 1 || stats.Pending != 0 {
		t.Fatalf("expected webhook entry completed, got %+v", stats)
	}
	if h.extractor.callsFor(42) != 0 {
		t.Fatalf("skipped document must not reach extraction")
	}
}

func TestFailedDocumentRetriesWithBackoffThenSucceeds(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	start := h.clock.Now()
	h.docs.add(7, "inbox-receipt")
	h.extractor.failNext(7, 2)

	h.driver.Tick(ctx)
	if got := h.statuses(7); !sameStatuses(got, StatusFailed) {
		t.Fatalf("expected first attempt failed, got %v", got)
	}
	entry, ok := h.retries.Get(7)
	if !ok || entry.Attempts != 1 || !entry.NextRetryAt.Equal(start.Add(time.Minute)) {
		t.Fatalf("expected retry at +1m, got %+v ok=%v", entry, ok)
	}

	h.clock.Advance(59 * time.Second)
	h.driver.Tick(ctx)
	if h.extractor.callsFor(7) != 1 {
		t.Fatalf("retry must wait for its backoff, calls=%d", h.extractor.callsFor(7))
	}

	h.clock.Advance(time.Second)
	h.driver.Tick(ctx)
	if got := h.statuses(7); !sameStatuses(got, StatusFailed, StatusFailed) {
		t.Fatalf("expected two failed attempts, got %v", got)
	}
	entry, _ = h.retries.Get(7)
	if entry.Attempts != 2 || !entry.NextRetryAt.Equal(start.Add(time.Minute+5*time.Minute)) {
		t.Fatalf("expected second retry 5m after the first, got %+v", entry)
	}
	if h.latest(7).Origin != OriginRetry {
		t.Fatalf("expected retry origin on second attempt")
	}

	h.clock.Advance(5 * time.Minute)
	h.driver.Tick(ctx)
	if got := h.statuses(7); !sameStatuses(got, StatusFailed, StatusFailed, StatusCompleted) {
		t.Fatalf("expected [failed failed completed], got %v", got)
	}
	if h.retries.Has(7) {
		t.Fatalf("completed document must leave the retry queue")
	}
	done := h.latest(7)
	if done.Vendor != "ACME" || done.Amount == nil || *done.Amount != 12.5 || done.Currency != "EUR" {
		t.Fatalf("expected extracted summary, got %+v", done)
	}
	if tags := h.docs.tagNamesOf(7); len(tags) != 1 || tags[0] != "receipt-processed" {
		t.Fatalf("expected trigger replaced by processed tag, got %v", tags)
	}
}

func TestWebhookDocumentIsProcessedBeforeScan(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.docs.add(98, "inbox-receipt")
	h.docs.add(99, "inbox-receipt")
	_, _ = h.webhooks.Enqueue(ctx, 99, "")

	h.driver.Tick(ctx)
	order := h.docs.updatedOrder()
	if len(order) != 2 || order[0] != 99 || order[1] != 98 {
		t.Fatalf("expected webhook document first, got %v", order)
	}
	if h.extractor.callsFor(99) != 1 {
		t.Fatalf("webhook document must be processed once, calls=%d", h.extractor.callsFor(99))
	}
	if h.latest(99).Origin != OriginWebhook || h.latest(98).Origin != OriginScan {
		t.Fatalf("unexpected origins: %s %s", h.latest(99).Origin, h.latest(98).Origin)
	}
	state, _ := h.store.WorkerState(ctx)
	if state.LastScanResult == nil || state.LastScanResult.DocumentsFound != 1 || state.LastScanResult.DocumentsCompleted != 1 {
		t.Fatalf("unexpected scan result: %+v", state.LastScanResult)
	}
}

func TestPausedWorkerDoesNoWork(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.docs.add(7, "inbox-receipt")
	_, _ = h.webhooks.Enqueue(ctx, 7, "")
	if err := h.store.Pause(ctx, "maintenance"); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if wait := h.driver.Tick(ctx); wait != 5*time.Second {
			t.Fatalf("expected poll interval while paused, got %s", wait)
		}
		h.clock.Advance(11 * time.Minute)
	}
	if _, err := h.log.Latest(ctx, 7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no processing while paused, got %v", err)
	}
	if pending, _ := h.webhooks.HasPending(ctx); !pending {
		t.Fatalf("webhook entry must stay pending while paused")
	}
	if !h.metrics.paused {
		t.Fatalf("expected paused gauge set")
	}

	_ = h.store.Resume(ctx)
	h.driver.Tick(ctx)
	if h.latest(7).Status != StatusCompleted {
		t.Fatalf("expected processing after resume, got %+v", h.latest(7))
	}
}

func TestBusyLockSkipsWorkAndKeepsScanRequest(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.docs.add(7, "inbox-receipt")
	other := NewLockCoordinator(h.store, "api-process", time.Hour)
	if ok, _ := other.Acquire(ctx); !ok {
		t.Fatalf("expected foreign holder to acquire")
	}
	_ = h.store.RequestScan(ctx)

	if wait := h.driver.Tick(ctx); wait != 5*time.Second {
		t.Fatalf("expected poll interval with busy lock, got %s", wait)
	}
	if _, err := h.log.Latest(ctx, 7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no processing without the lock, got %v", err)
	}
	requested, _ := h.store.ScanRequested(ctx)
	if !requested {
		t.Fatalf("manual trigger must survive a busy lock")
	}
	if len(h.metrics.busy) == 0 || h.metrics.busy[len(h.metrics.busy)-1] != "scan" {
		t.Fatalf("expected busy scan lock reported, got %v", h.metrics.busy)
	}

	_ = other.Release(ctx)
	h.driver.Tick(ctx)
	requested, _ = h.store.ScanRequested(ctx)
	if requested || h.latest(7).Status != StatusCompleted {
		t.Fatalf("expected trigger consumed and document processed")
	}
}

func TestListingErrorCoolsDownAndRecordsResult(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.docs.listErr = errBoom

	if wait := h.driver.Tick(ctx); wait != 60*time.Second {
		t.Fatalf("expected cooldown after listing error, got %s", wait)
	}
	state, _ := h.store.WorkerState(ctx)
	if state.LastScanResult == nil || !strings.Contains(state.LastScanResult.Error, "boom") {
		t.Fatalf("expected failed scan recorded, got %+v", state.LastScanResult)
	}
	if state.Lock.HeldBy != "" {
		t.Fatalf("lock must be released after a failed scan, holder=%q", state.Lock.HeldBy)
	}
	if h.metrics.tickErrs != 1 {
		t.Fatalf("expected one tick error, got %d", h.metrics.tickErrs)
	}
}

func TestConfigErrorBlocksDocumentWork(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.docs.add(7, "inbox-receipt")
	_, _ = h.webhooks.Enqueue(ctx, 7, "")
	h.configErr = errors.New("paperless token missing")

	if wait := h.driver.Tick(ctx); wait != 5*time.Second {
		t.Fatalf("expected poll interval with config error, got %s", wait)
	}
	if _, err := h.log.Latest(ctx, 7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no processing with config error, got %v", err)
	}
	state, _ := h.store.WorkerState(ctx)
	if state.LastScanAt != nil {
		t.Fatalf("no scan may run with config error")
	}

	h.configErr = nil
	h.driver.Tick(ctx)
	if h.latest(7).Status != StatusCompleted {
		t.Fatalf("expected processing once configuration is complete")
	}
}

func TestGivingUpAppliesFailedTag(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	h.docs.add(7, "inbox-receipt")
	h.extractor.failNext(7, -1)

	h.driver.Tick(ctx)
	if !h.retries.Has(7) {
		t.Fatalf("expected retry scheduled after first failure")
	}
	h.clock.Advance(time.Minute)
	h.driver.Tick(ctx)

	if h.retries.Has(7) {
		t.Fatalf("given up document must leave the retry queue")
	}
	last := h.latest(7)
	if last.Status != StatusFailed || !strings.HasPrefix(last.Error, "gave up: ") {
		t.Fatalf("expected give-up failure, got %+v", last)
	}
	if tags := h.docs.tagNamesOf(7); len(tags) != 1 || tags[0] != "receipt-failed" {
		t.Fatalf("expected failed tag replacing trigger, got %v", tags)
	}
	if h.metrics.gaveUp != 1 {
		t.Fatalf("expected one give-up observed, got %d", h.metrics.gaveUp)
	}

	h.clock.Advance(time.Hour)
	h.driver.Tick(ctx)
	if h.extractor.callsFor(7) != 2 {
		t.Fatalf("given up document must not be picked up again, calls=%d", h.extractor.callsFor(7))
	}
}

func TestSkipFieldFalseTagsDocumentSkipped(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.docs.add(7, "inbox-receipt")
	h.extractor.data[7] = map[string]any{"vendor": "Shop", "total": 1.0, "is_receipt": false}

	h.driver.Tick(ctx)
	last := h.latest(7)
	if last.Status != StatusSkipped || last.Workflow != "receipts" {
		t.Fatalf("expected skipped attempt, got %+v", last)
	}
	if tags := h.docs.tagNamesOf(7); len(tags) != 1 || tags[0] != "not-a-receipt" {
		t.Fatalf("expected skipped tag replacing trigger, got %v", tags)
	}
	if h.retries.Has(7) {
		t.Fatalf("skipped document must not be retried")
	}
}

func TestScanSkipsDocumentsWaitingOnBackoff(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.docs.add(7, "inbox-receipt")
	h.extractor.failNext(7, 1)

	h.driver.Tick(ctx)
	h.clock.Advance(10 * time.Second)
	_ = h.store.RequestScan(ctx)
	h.driver.Tick(ctx)

	state, _ := h.store.WorkerState(ctx)
	if state.LastScanResult.DocumentsFound != 1 || state.LastScanResult.DocumentsSkipped != 1 || state.LastScanResult.DocumentsQueued != 0 {
		t.Fatalf("expected waiting document skipped by scan, got %+v", state.LastScanResult)
	}
	if h.extractor.callsFor(7) != 1 {
		t.Fatalf("waiting document must not be extracted, calls=%d", h.extractor.callsFor(7))
	}
}

func TestDeletedWebhookDocumentIsNotRetried(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	_, _ = h.webhooks.Enqueue(ctx, 404, "")

	h.driver.Tick(ctx)
	if h.retries.Has(404) {
		t.Fatalf("missing document must not be retried")
	}
	entries, _ := h.webhooks.Recent(ctx, 1)
	if entries[0].Status != WebhookFailed {
		t.Fatalf("expected webhook entry failed, got %+v", entries[0])
	}
}

func TestStoppedDriverRequeuesClaimedWebhooks(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.docs.add(1, "inbox-receipt")
	h.docs.add(2, "inbox-receipt")
	_, _ = h.webhooks.Enqueue(ctx, 1, "")
	_, _ = h.webhooks.Enqueue(ctx, 2, "")

	h.driver.Stop()
	h.driver.Tick(ctx)

	stats, _ := h.webhooks.Stats(ctx)
	if stats.Pending != 2 {
		t.Fatalf("expected unstarted documents back in pending, got %+v", stats)
	}
	if h.extractor.callsFor(1)+h.extractor.callsFor(2) != 0 {
		t.Fatalf("stopped driver must not start documents")
	}
	entries, _ := h.webhooks.Recent(ctx, 0)
	for _, e := range entries {
		if e.Attempts != 0 {
			t.Fatalf("requeue must not count an attempt, got %+v", e)
		}
	}
}

func TestHeartbeatFailureStopsPass(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.docs.add(1, "inbox-receipt")
	h.docs.add(2, "inbox-receipt")
	_, _ = h.webhooks.Enqueue(ctx, 1, "")
	_, _ = h.webhooks.Enqueue(ctx, 2, "")
	processor := NewProcessor(h.docs, h.extractor, staticReceipts(), h.log, h.retries, ProcessorOptions{
		Logger:    zerolog.Nop(),
		Now:       h.clock.Now,
		Heartbeat: func(context.Context) error { return ErrLockNotHeld },
	})

	outcomes := processor.ProcessDocuments(ctx, []int64{1, 2}, OriginWebhook)
	if outcomes[0].Status != StatusCompleted || outcomes[0].NotStarted {
		t.Fatalf("expected first document processed, got %+v", outcomes[0])
	}
	if !outcomes[1].NotStarted {
		t.Fatalf("expected pass to stop after lost lease, got %+v", outcomes[1])
	}
}

func TestScanRenewsLeaseAfterListing(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.docs.add(1, "inbox-receipt")
	var beats []int
	processor := NewProcessor(h.docs, h.extractor, staticReceipts(), h.log, h.retries, ProcessorOptions{
		Logger: zerolog.Nop(),
		Now:    h.clock.Now,
		Heartbeat: func(context.Context) error {
			beats = append(beats, h.extractor.callsFor(1))
			return nil
		},
	})

	if _, err := processor.RunScan(ctx); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(beats) != 2 || beats[0] != 0 || beats[1] != 1 {
		t.Fatalf("expected a renewal before and after the document, got %v", beats)
	}

	lost := NewProcessor(h.docs, h.extractor, staticReceipts(), h.log, h.retries, ProcessorOptions{
		Logger:    zerolog.Nop(),
		Now:       h.clock.Now,
		Heartbeat: func(context.Context) error { return ErrLockNotHeld },
	})
	h.docs.add(2, "inbox-receipt")
	if _, err := lost.RunScan(ctx); !errors.Is(err, ErrLockNotHeld) {
		t.Fatalf("expected lost lease to fail the scan, got %v", err)
	}
	if h.extractor.callsFor(2) != 0 {
		t.Fatalf("no document may start after the lease is lost")
	}
}

func TestRunReleasesLockOnShutdown(t *testing.T) {
	h := newHarness(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.driver.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("driver did not stop")
	}
	state, _ := h.store.WorkerState(context.Background())
	if state.Lock.HeldBy != "" {
		t.Fatalf("expected lock released on shutdown, holder=%q", state.Lock.HeldBy)
	}
}

func TestSnapshotCombinesState(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.docs.add(7, "inbox-receipt")
	h.extractor.failNext(7, 1)
	_, _ = h.webhooks.Enqueue(ctx, 8, "")
	_ = h.store.Pause(ctx, "")
	_ = h.store.Resume(ctx)

	_, _ = h.webhooks.ConsumePending(ctx)
	_ = h.webhooks.Requeue(ctx, 8)
	_ = h.store.RequestScan(ctx)
	_ = h.driver.runScan(ctx)

	snap, err := Snapshot(ctx, h.store, h.store.RetryTable(), 10)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if snap.RetryDepth != 1 || len(snap.Retries) != 1 || snap.Retries[0].DocumentID != 7 {
		t.Fatalf("expected persisted retry visible, got %+v", snap.Retries)
	}
	if snap.Webhooks.Pending != 1 || snap.Logs[StatusFailed] != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Worker.LastScanResult == nil || snap.Worker.LastScanResult.DocumentsFailed != 1 {
		t.Fatalf("expected last scan result, got %+v", snap.Worker.LastScanResult)
	}
	if len(LogStatuses()) != 6 {
		t.Fatalf("expected six log statuses")
	}
}

func TestGiveUpWithoutFailedTagIsTerminal(t *testing.T) {
	wf := receiptWorkflow()
	wf.FailedTag = ""
	h := newHarness(t, 1, wf)
	ctx := context.Background()
	h.docs.add(7, "inbox-receipt")
	h.extractor.failNext(7, -1)

	h.driver.Tick(ctx)
	last := h.latest(7)
	if !last.GaveUp || last.Status != StatusFailed || h.retries.Has(7) {
		t.Fatalf("expected give-up after one failure, got %+v retry=%v", last, h.retries.Has(7))
	}

	for i := 0; i < 3; i++ {
		h.clock.Advance(11 * time.Minute)
		h.driver.Tick(ctx)
	}
	if calls := h.extractor.callsFor(7); calls != 1 {
		t.Fatalf("given up document was processed again: %d extraction calls", calls)
	}
	if got := h.statuses(7); !sameStatuses(got, StatusFailed) {
		t.Fatalf("expected a single failed attempt, got %v", got)
	}
	state, _ := h.store.WorkerState(ctx)
	if state.LastScanResult.DocumentsFound != 1 || state.LastScanResult.DocumentsSkipped != 1 {
		t.Fatalf("expected scan to skip the given up document, got %+v", state.LastScanResult)
	}

	// The write-back of the document fires a webhook; it must not restart the cycle.
	if _, err := h.webhooks.Enqueue(ctx, 7, ""); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	h.driver.Tick(ctx)
	if calls := h.extractor.callsFor(7); calls != 1 {
		t.Fatalf("webhook restarted a given up document: %d extraction calls", calls)
	}
	stats, _ := h.webhooks.Stats(ctx)
	if stats.Failed != 1 || stats.Pending != 0 {
		t.Fatalf("expected webhook settled as failed, got %+v", stats)
	}

	if err := h.log.ClearGiveUp(ctx, 7); err != nil {
		t.Fatalf("clear give up failed: %v", err)
	}
	if _, err := h.webhooks.Enqueue(ctx, 7, ""); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	h.driver.Tick(ctx)
	if calls := h.extractor.callsFor(7); calls != 2 {
		t.Fatalf("expected one more attempt after clearing, got %d extraction calls", calls)
	}
	if last := h.latest(7); last.Attempt != 2 || !last.GaveUp {
		t.Fatalf("expected second attempt to give up again, got %+v", last)
	}
}

func TestGiveUpBeforeWorkflowResolvedIsTerminal(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	h.docs.add(7, "inbox-receipt")
	h.docs.getErr = errBoom
	if _, err := h.webhooks.Enqueue(ctx, 7, ""); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	h.driver.Tick(ctx)
	last := h.latest(7)
	if !last.GaveUp || last.Origin != OriginWebhook {
		t.Fatalf("expected webhook attempt given up, got %+v", last)
	}

	h.docs.mu.Lock()
	h.docs.getErr = nil
	h.docs.mu.Unlock()
	h.clock.Advance(11 * time.Minute)
	h.driver.Tick(ctx)
	if calls := h.extractor.callsFor(7); calls != 0 {
		t.Fatalf("scan picked up a given up document: %d extraction calls", calls)
	}
	if got := h.statuses(7); !sameStatuses(got, StatusFailed) {
		t.Fatalf("expected a single failed attempt, got %v", got)
	}
}
