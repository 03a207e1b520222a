package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/receiptflow/internal/receiptflow"
	"github.com/agentworkforce/receiptflow/internal/workflow"
)

func (a *app) pauseCommand() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Stop all document processing until resumed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withBackends(cmd.Context(), func(ctx context.Context, b backends) error {
				if err := b.store.Pause(ctx, reason); err != nil {
					return err
				}
				fmt.Fprintln(a.out, "worker paused")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why processing is paused")
	return cmd
}

func (a *app) resumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume document processing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withBackends(cmd.Context(), func(ctx context.Context, b backends) error {
				if err := b.store.Resume(ctx); err != nil {
					return err
				}
				fmt.Fprintln(a.out, "worker resumed")
				return nil
			})
		},
	}
}

func (a *app) scanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Ask the worker for a scan on its next tick",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withBackends(cmd.Context(), func(ctx context.Context, b backends) error {
				if err := b.store.RequestScan(ctx); err != nil {
					return err
				}
				fmt.Fprintln(a.out, "scan requested")
				return nil
			})
		},
	}
}

func (a *app) statusCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show worker state, queue depths and processing counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withBackends(cmd.Context(), func(ctx context.Context, b backends) error {
				snapshot, err := receiptflow.Snapshot(ctx, b.store, b.retries, 10)
				if err != nil {
					return err
				}
				if asJSON {
					return a.printJSON(snapshot)
				}
				a.printStatus(snapshot)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON")
	return cmd
}

func (a *app) printStatus(s receiptflow.StatusSnapshot) {
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	defer w.Flush()

	state := "running"
	if s.Worker.IsPaused {
		state = "paused"
		if s.Worker.PauseReason != "" {
			state += " (" + s.Worker.PauseReason + ")"
		}
	}
	fmt.Fprintf(w, "worker:\t%s\n", state)
	fmt.Fprintf(w, "lock:\t%s\n", orDash(s.Worker.Lock.HeldBy))
	fmt.Fprintf(w, "last scan:\t%s\n", formatTime(s.Worker.LastScanAt))
	fmt.Fprintf(w, "scan requested:\t%t\n", s.Worker.ScanRequested)
	if r := s.Worker.LastScanResult; r != nil {
		fmt.Fprintf(w, "last result:\tfound=%d queued=%d skipped=%d completed=%d failed=%d\n",
			r.DocumentsFound, r.DocumentsQueued, r.DocumentsSkipped, r.DocumentsCompleted, r.DocumentsFailed)
		if r.Error != "" {
			fmt.Fprintf(w, "last error:\t%s\n", r.Error)
		}
	}
	fmt.Fprintf(w, "webhooks:\tpending=%d processing=%d completed=%d failed=%d\n",
		s.Webhooks.Pending, s.Webhooks.Processing, s.Webhooks.Completed, s.Webhooks.Failed)
	fmt.Fprintf(w, "retry queue:\t%d\n", s.RetryDepth)
	counts := make([]string, 0, len(s.Logs))
	for _, status := range receiptflow.LogStatuses() {
		counts = append(counts, fmt.Sprintf("%s=%d", status, s.Logs[status]))
	}
	fmt.Fprintf(w, "documents:\t%s\n", strings.Join(counts, " "))
}

func (a *app) retriesCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "retries",
		Short: "List documents waiting for another attempt",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withBackends(cmd.Context(), func(ctx context.Context, b backends) error {
				snapshot, err := receiptflow.Snapshot(ctx, b.store, b.retries, 0)
				if err != nil {
					return err
				}
				if asJSON {
					return a.printJSON(snapshot.Retries)
				}
				if len(snapshot.Retries) == 0 {
					fmt.Fprintln(a.out, "retry queue is empty")
					return nil
				}
				w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				defer w.Flush()
				fmt.Fprintln(w, "DOCUMENT\tATTEMPTS\tNEXT RETRY\tLAST ERROR")
				for _, entry := range snapshot.Retries {
					next := entry.NextRetryAt
					fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", entry.DocumentID, entry.Attempts, formatTime(&next), entry.LastError)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")
	return cmd
}

func (a *app) requeueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <document-id>",
		Short: "Lift a give-up and queue the document for the next worker tick",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid document id %q", args[0])
			}
			return a.withBackends(cmd.Context(), func(ctx context.Context, b backends) error {
				cleared := true
				if err := receiptflow.NewProcessingLog(b.store).ClearGiveUp(ctx, id); err != nil {
					if !errors.Is(err, receiptflow.ErrNotFound) {
						return err
					}
					cleared = false
				}
				payload := fmt.Sprintf(`{"document_id":%d,"source":"cli"}`, id)
				queued, err := receiptflow.NewWebhookQueue(b.store).Enqueue(ctx, id, payload)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "document %d queued=%t give-up cleared=%t\n", id, queued, cleared)
				return nil
			})
		},
	}
}

func (a *app) workflowsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "Inspect workflow definitions",
	}
	var file string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check every workflow and compile its schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := file
			if path == "" {
				cfg, _, err := a.load("cli")
				if err != nil {
					return err
				}
				path = cfg.Workflows.File
			}
			workflows, err := workflow.LoadFile(path)
			if err != nil {
				return err
			}
			workflow.Sort(workflows)
			w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WORKFLOW\tPRIORITY\tENABLED\tTRIGGER")
			for _, wf := range workflows {
				fmt.Fprintf(w, "%s\t%d\t%t\t%s\n", wf.Name, wf.Priority, wf.IsEnabled(), wf.TriggerTag)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%d workflows ok\n", len(workflows))
			return nil
		},
	}
	validate.Flags().StringVarP(&file, "file", "f", "", "workflow file (defaults to workflows.file)")
	cmd.AddCommand(validate)
	return cmd
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
