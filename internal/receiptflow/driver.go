package receiptflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type DriverConfig struct {
	PollInterval      time.Duration
	ScanInterval      time.Duration
	CleanupInterval   time.Duration
	WebhookRetention  time.Duration
	StaleWebhookAfter time.Duration
	Cooldown          time.Duration
}

func (c DriverConfig) withDefaults() DriverConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = 10 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.WebhookRetention <= 0 {
		c.WebhookRetention = 24 * time.Hour
	}
	if c.StaleWebhookAfter <= 0 {
		c.StaleWebhookAfter = 30 * time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
	return c
}

type DriverOptions struct {
	Config DriverConfig
	// ConfigError reports missing credentials. While it returns an error the
	// driver does no document work, but pause and status keep working.
	ConfigError func() error
	Logger      zerolog.Logger
	Metrics     Metrics
	Now         func() time.Time
}

// Driver is the cooperative scan loop. One tick runs to completion before
// the next starts, and the loop has a single sleep point.
type Driver struct {
	store     *Store
	lock      *LockCoordinator
	webhooks  *WebhookQueue
	retries   *RetryQueue
	processor *Processor
	cfg       DriverConfig
	configErr func() error
	logger    zerolog.Logger
	metrics   Metrics
	now       func() time.Time

	lastCleanup   time.Time
	lastConfigErr string

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewDriver(store *Store, lock *LockCoordinator, webhooks *WebhookQueue, retries *RetryQueue, processor *Processor, opts DriverOptions) *Driver {
	if opts.ConfigError == nil {
		opts.ConfigError = func() error { return nil }
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Driver{
		store:     store,
		lock:      lock,
		webhooks:  webhooks,
		retries:   retries,
		processor: processor,
		cfg:       opts.Config.withDefaults(),
		configErr: opts.ConfigError,
		logger:    opts.Logger.With().Str("component", "driver").Str("holder", lock.Holder()).Logger(),
		metrics:   opts.Metrics,
		now:       opts.Now,
		stopCh:    make(chan struct{}),
	}
}

// Stop asks Run to return. A pass in flight stops before its next document.
func (d *Driver) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.processor.Stop()
	})
}

// Run ticks until ctx ends or Stop is called, then releases the lock.
func (d *Driver) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			d.Stop()
		case <-d.stopCh:
		}
	}()
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), storeOperationTimeout)
		defer cancel()
		if err := d.lock.Release(releaseCtx); err != nil {
			d.logger.Warn().Err(err).Msg("release lock on shutdown failed")
		}
	}()
	d.logger.Info().Dur("poll_interval", d.cfg.PollInterval).Dur("scan_interval", d.cfg.ScanInterval).Msg("driver started")
	for {
		select {
		case <-d.stopCh:
			d.logger.Info().Msg("driver stopped")
			return nil
		default:
		}
		// Ticks are not cancelled mid-document; Stop is observed between documents.
		wait := d.Tick(context.WithoutCancel(ctx))
		timer := time.NewTimer(wait)
		select {
		case <-d.stopCh:
			timer.Stop()
			d.logger.Info().Msg("driver stopped")
			return nil
		case <-timer.C:
		}
	}
}

// Tick runs one iteration and returns how long to wait before the next one.
func (d *Driver) Tick(ctx context.Context) (wait time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Str("panic", fmt.Sprint(r)).Bytes("stack", debug.Stack()).Msg("tick panicked, cooling down")
			d.metrics.TickError()
			wait = d.cfg.Cooldown
		}
	}()
	defer d.reportDepths(ctx)

	paused, err := d.store.IsPaused(ctx)
	if err != nil {
		return d.tickFailed("read pause state", err)
	}
	d.metrics.SetPaused(paused)
	if paused {
		return d.cfg.PollInterval
	}
	if err := d.configErr(); err != nil {
		if msg := err.Error(); msg != d.lastConfigErr {
			d.lastConfigErr = msg
			d.logger.Warn().Err(err).Msg("configuration incomplete, not processing documents")
		}
		return d.cfg.PollInterval
	}
	d.lastConfigErr = ""

	if err := d.drainWebhooks(ctx); err != nil {
		return d.tickFailed("webhook drain", err)
	}
	d.maybeCleanup(ctx)
	if err := d.drainRetries(ctx); err != nil {
		return d.tickFailed("retry drain", err)
	}

	due, err := d.scanDue(ctx)
	if err != nil {
		return d.tickFailed("scan schedule", err)
	}
	if !due {
		return d.cfg.PollInterval
	}
	if err := d.runScan(ctx); err != nil {
		return d.tickFailed("scan", err)
	}
	return d.cfg.PollInterval
}

func (d *Driver) tickFailed(step string, err error) time.Duration {
	d.logger.Error().Err(err).Str("step", step).Dur("cooldown", d.cfg.Cooldown).Msg("tick failed, cooling down")
	d.metrics.TickError()
	return d.cfg.Cooldown
}

func (d *Driver) drainWebhooks(ctx context.Context) error {
	pending, err := d.webhooks.HasPending(ctx)
	if err != nil || !pending {
		return err
	}
	acquired, err := d.lock.WithLock(ctx, func(ctx context.Context) error {
		ids, err := d.webhooks.ConsumePending(ctx)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		d.logger.Info().Int("documents", len(ids)).Msg("draining webhook queue")
		for _, outcome := range d.processor.ProcessDocuments(ctx, ids, OriginWebhook) {
			if err := d.settleWebhook(ctx, outcome); err != nil {
				d.logger.Warn().Err(err).Int64("document_id", outcome.DocumentID).Msg("cannot update webhook entry")
			}
		}
		return nil
	})
	if err == nil && !acquired {
		d.metrics.LockBusy("webhooks")
	}
	return err
}

func (d *Driver) settleWebhook(ctx context.Context, outcome Outcome) error {
	switch {
	case outcome.NotStarted:
		return d.webhooks.Requeue(ctx, outcome.DocumentID)
	case outcome.Status == StatusFailed:
		reason := "processing failed"
		if outcome.Err != nil {
			reason = outcome.Err.Error()
		}
		return d.webhooks.MarkFailed(ctx, outcome.DocumentID, reason)
	default:
		return d.webhooks.MarkCompleted(ctx, outcome.DocumentID)
	}
}

// maybeCleanup purges old webhook entries and recovers stale claims at most
// once per cleanup interval. Failures are logged and swallowed.
func (d *Driver) maybeCleanup(ctx context.Context) {
	now := d.now()
	if !d.lastCleanup.IsZero() && now.Sub(d.lastCleanup) < d.cfg.CleanupInterval {
		return
	}
	d.lastCleanup = now
	removed, err := d.webhooks.Cleanup(ctx, d.cfg.WebhookRetention)
	if err != nil {
		d.logger.Warn().Err(err).Msg("webhook cleanup failed")
	} else if removed > 0 {
		d.logger.Info().Int("removed", removed).Msg("webhook queue cleaned up")
	}
	recovered, err := d.webhooks.RecoverStale(ctx, d.cfg.StaleWebhookAfter)
	if err != nil {
		d.logger.Warn().Err(err).Msg("stale webhook recovery failed")
	} else if recovered > 0 {
		d.logger.Warn().Int("recovered", recovered).Msg("returned stale webhook claims to pending")
	}
}

func (d *Driver) drainRetries(ctx context.Context) error {
	ready := d.retries.ReadyForRetry()
	if len(ready) == 0 {
		return nil
	}
	acquired, err := d.lock.WithLock(ctx, func(ctx context.Context) error {
		ids := make([]int64, 0, len(ready))
		for _, entry := range ready {
			ids = append(ids, entry.DocumentID)
		}
		d.logger.Info().Int("documents", len(ids)).Msg("retrying failed documents")
		d.processor.ProcessDocuments(ctx, ids, OriginRetry)
		return nil
	})
	if err == nil && !acquired {
		d.metrics.LockBusy("retries")
	}
	return err
}

func (d *Driver) scanDue(ctx context.Context) (bool, error) {
	state, err := d.store.WorkerState(ctx)
	if err != nil {
		return false, err
	}
	if state.ScanRequested || state.LastScanAt == nil {
		return true, nil
	}
	return d.now().Sub(*state.LastScanAt) >= d.cfg.ScanInterval, nil
}

// runScan runs one pass under the lock. The manual trigger is consumed only
// once the lock is held, and the scan result is recorded even when the pass
// fails.
func (d *Driver) runScan(ctx context.Context) error {
	acquired, err := d.lock.WithLock(ctx, func(ctx context.Context) error {
		manual, err := d.store.ConsumeScanRequest(ctx)
		if err != nil {
			return err
		}
		started := d.now()
		d.logger.Info().Bool("manual", manual).Msg("scan started")
		result, scanErr := d.processor.RunScan(ctx)
		result.Timestamp = d.now().UTC()
		if scanErr != nil {
			result.Error = scanErr.Error()
		}
		d.metrics.ObserveScan(result, d.now().Sub(started))
		if err := d.store.RecordScanResult(ctx, result); err != nil {
			return errors.Join(scanErr, fmt.Errorf("record scan result: %w", err))
		}
		if scanErr != nil {
			return scanErr
		}
		d.logger.Info().
			Int("found", result.DocumentsFound).
			Int("queued", result.DocumentsQueued).
			Int("skipped", result.DocumentsSkipped).
			Int("completed", result.DocumentsCompleted).
			Int("failed", result.DocumentsFailed).
			Msg("scan finished")
		return nil
	})
	if err == nil && !acquired {
		d.metrics.LockBusy("scan")
		d.logger.Debug().Msg("scan lock held elsewhere")
	}
	return err
}

func (d *Driver) reportDepths(ctx context.Context) {
	stats, err := d.webhooks.Stats(ctx)
	if err != nil {
		return
	}
	d.metrics.SetQueueDepths(stats.Pending, d.retries.Depth())
}
