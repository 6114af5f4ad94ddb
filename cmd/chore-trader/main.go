package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"chorelink/internal/config"
	"chorelink/internal/util"
)

// rootOptions holds global flags and what PersistentPreRunE derives from
// them.
type rootOptions struct {
	configPath string
	cfg        *config.Config
	log        *slog.Logger
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "chore-trader:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "chore-trader",
		Short:         "Broker-facing chore engine with reconciliation and basket management",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			opts.cfg = cfg
			opts.log = util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
			util.SetDefault(opts.log)
			return nil
		},
	}

	defaultPath := "config/chorelink.yaml"
	if p := os.Getenv("CHORELINK_CONFIG"); p != "" {
		defaultPath = p
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultPath, "path to the YAML config")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newReconcileCommand(opts))
	cmd.AddCommand(newArchiveCommand(opts))
	return cmd
}
