package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/receiptflow/internal/httpapi"
	"github.com/agentworkforce/receiptflow/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

func (a *app) serveCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook, control and status API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := a.load("serve")
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.API.Addr = addr
			}
			b, err := openBackends(cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			if cfg.API.WebhookToken == "" && cfg.API.WebhookHMACSecret == "" {
				logger.Warn().Msg("webhook endpoint has no token or hmac secret configured and accepts any caller")
			}
			if cfg.API.JWTSecret == "" {
				logger.Warn().Msg("api.jwt_secret not set, using the development secret")
			}

			collector := metrics.NewCollector()
			server := httpapi.NewServer(b.store, b.retries, httpapi.ServerConfig{
				JWTSecret:         cfg.API.JWTSecret,
				WebhookToken:      cfg.API.WebhookToken,
				WebhookHMACSecret: cfg.API.WebhookHMACSecret,
				WebhookMaxSkew:    cfg.API.WebhookMaxSkew,
				RateLimitMax:      cfg.API.RateLimitMax,
				RateLimitWindow:   cfg.API.RateLimitWindow,
				MaxBodyBytes:      cfg.API.MaxBodyBytes,
				StreamInterval:    cfg.API.StreamInterval,
				Logger:            logger,
				Metrics:           collector,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			httpServer := &http.Server{
				Addr:              cfg.API.Addr,
				Handler:           server,
				ReadHeaderTimeout: 10 * time.Second,
			}
			logger.Info().Str("addr", cfg.API.Addr).Str("store", b.store.Kind()).Msg("receiptflow api listening")
			return serveUntilDone(ctx, httpServer)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides api.addr)")
	return cmd
}

// serveUntilDone runs srv until ctx ends, then shuts it down gracefully.
func serveUntilDone(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
