package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newReconcileCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass against the broker and print the report",
		Long: `Connect to the broker, align its chores with the ledger store and exit.

Discrepancies are corrected in the store exactly as the run command does
at startup, so running it twice in a row reports no discrepancies the
second time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			t, err := newTrader(opts.cfg, opts.log, nil)
			if err != nil {
				return err
			}
			defer t.Close()

			runCtx, stop := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() { done <- t.eng.Run(runCtx) }()

			rep, err := t.reconcile(ctx)
			stop()
			if runErr := <-done; runErr != nil && !errors.Is(runErr, context.Canceled) {
				opts.log.Warn("event loop stopped with error", "error", runErr)
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		},
	}
}
