package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/receiptflow/internal/config"
	"github.com/agentworkforce/receiptflow/internal/logging"
	"github.com/agentworkforce/receiptflow/internal/receiptflow"
)

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries what every subcommand needs: the config path and where to
// print results.
type app struct {
	configPath string
	out        io.Writer
}

func newRootCommand(out io.Writer) *cobra.Command {
	a := &app{out: out}
	root := &cobra.Command{
		Use:           "receiptflow",
		Short:         "Extract receipt data from a document store",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", config.DefaultPath, "config file path")

	root.AddCommand(
		a.serveCommand(),
		a.workerCommand(),
		a.pauseCommand(),
		a.resumeCommand(),
		a.scanCommand(),
		a.statusCommand(),
		a.retriesCommand(),
		a.requeueCommand(),
		a.workflowsCommand(),
	)
	return root
}

// load reads and validates the config and builds the process logger. Env
// override warnings are logged here since the logger did not exist earlier.
func (a *app) load(process string) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	logger := logging.New(cfg.Logging, process)
	for _, warning := range cfg.Warnings {
		logger.Warn().Msg(warning)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, logger, err
	}
	return cfg, logger, nil
}

type backends struct {
	store   *receiptflow.Store
	retries receiptflow.RetryPersister
}

func openBackends(cfg config.Config) (backends, error) {
	store, err := receiptflow.BuildStoreFromDSN(cfg.Database.DSN)
	if err != nil {
		return backends{}, fmt.Errorf("open state store: %w", err)
	}
	retries, err := receiptflow.BuildRetryPersisterFromDSN(cfg.Retry.DSN, store)
	if err != nil {
		_ = store.Close()
		return backends{}, fmt.Errorf("open retry queue: %w", err)
	}
	return backends{store: store, retries: retries}, nil
}

func (b backends) Close() error {
	return b.store.Close()
}

// withBackends runs a short-lived control command against the shared store.
func (a *app) withBackends(ctx context.Context, fn func(ctx context.Context, b backends) error) error {
	cfg, _, err := a.load("cli")
	if err != nil {
		return err
	}
	b, err := openBackends(cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(ctx, b)
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
