package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/receiptflow/internal/config"
	"github.com/agentworkforce/receiptflow/internal/extraction"
	"github.com/agentworkforce/receiptflow/internal/metrics"
	"github.com/agentworkforce/receiptflow/internal/paperless"
	"github.com/agentworkforce/receiptflow/internal/receiptflow"
	"github.com/agentworkforce/receiptflow/internal/workflow"
)

func (a *app) workerCommand() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the scan loop that processes documents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := a.load("worker")
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				cfg.Metrics.Addr = metricsAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics on this address (overrides metrics.addr)")
	return cmd
}

func runWorker(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	b, err := openBackends(cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	registry, err := workflow.NewFileRegistry(cfg.Workflows.File, logger)
	if err != nil {
		return err
	}

	model, closeModel, err := buildModel(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeModel()

	collector := metrics.NewCollector()
	holder := receiptflow.NewHolderID("worker")
	lock := receiptflow.NewLockCoordinator(b.store, holder, cfg.Worker.LockTTL)
	webhooks := receiptflow.NewWebhookQueue(b.store)
	retries := receiptflow.NewRetryQueue(b.retries, receiptflow.RetryQueueOptions{
		MaxRetries: cfg.Retry.MaxRetries,
		Backoff:    cfg.Retry.Backoff,
		Logger:     logger,
	})
	docRetries := cfg.Paperless.MaxRetries
	if docRetries == 0 {
		// The client reads zero as its default; the config means none.
		docRetries = -1
	}
	docs := paperless.NewClient(cfg.Paperless.BaseURL, cfg.Paperless.Token,
		&http.Client{Timeout: cfg.Paperless.Timeout},
		paperless.Options{AuthScheme: cfg.Paperless.AuthScheme, MaxRetries: docRetries})
	processor := receiptflow.NewProcessor(docs,
		extraction.NewService(model, cfg.Extraction.Timeout),
		registry,
		receiptflow.NewProcessingLog(b.store),
		retries,
		receiptflow.ProcessorOptions{
			Concurrency: cfg.Worker.Concurrency,
			Logger:      logger,
			Metrics:     collector,
			Heartbeat:   lock.Renew,
		})
	driver := receiptflow.NewDriver(b.store, lock, webhooks, retries, processor, receiptflow.DriverOptions{
		Config: receiptflow.DriverConfig{
			PollInterval:      cfg.Worker.PollInterval,
			ScanInterval:      cfg.Worker.ScanInterval,
			CleanupInterval:   cfg.Worker.CleanupInterval,
			WebhookRetention:  cfg.Worker.WebhookRetention,
			StaleWebhookAfter: cfg.Worker.StaleWebhookAfter,
			Cooldown:          cfg.Worker.Cooldown,
		},
		ConfigError: cfg.WorkerCredentialsError,
		Logger:      logger,
		Metrics:     collector,
	})

	logger.Info().
		Str("holder", holder).
		Str("store", b.store.Kind()).
		Int("workflows", len(registry.ListEnabled())).
		Msg("receiptflow worker starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return driver.Run(gctx)
	})
	if cfg.Workflows.Watch {
		g.Go(func() error {
			if err := registry.Watch(gctx); err != nil {
				logger.Warn().Err(err).Msg("workflow file watch stopped")
			}
			return nil
		})
	}
	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           collector.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Str("addr", cfg.Metrics.Addr).Msg("worker metrics listening")
			return serveUntilDone(gctx, srv)
		})
	}
	return g.Wait()
}

// buildModel connects the extraction model. Without credentials the worker
// still starts so pause and status work; the driver refuses document work.
func buildModel(ctx context.Context, cfg config.Config, logger zerolog.Logger) (extraction.Model, func(), error) {
	if err := cfg.WorkerCredentialsError(); err != nil {
		logger.Warn().Err(err).Msg("extraction model not configured")
		return nil, func() {}, nil
	}
	vertex, err := extraction.NewVertexModel(ctx, cfg.Extraction.ProjectID, cfg.Extraction.Region, cfg.Extraction.Model)
	if err != nil {
		return nil, nil, err
	}
	return vertex, func() {
		if err := vertex.Close(); err != nil {
			logger.Warn().Err(err).Msg("close extraction model")
		}
	}, nil
}
