package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"chorelink/internal/store"
)

func newArchiveCommand(opts *rootOptions) *cobra.Command {
	var date string

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Export one day of chore and fill ledgers to Parquet",
		Long: `Copy a UTC day of ledger entries from the SQLite store into
<data_dir>/ledger/<date>/{chore_ledger,fill_ledger}.parquet.

Re-archiving a day merges by ledger id, so the command is safe to repeat.

Example:
  chore-trader archive --date 2026-03-02`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := parseDay(date, time.Now())
			if err != nil {
				return err
			}

			st, err := store.NewSQLiteStore(opts.cfg.Storage.SQLitePath)
			if err != nil {
				return fmt.Errorf("opening ledger store: %w", err)
			}
			defer st.Close()

			res, err := store.NewParquetArchive(opts.cfg.Storage.DataDir).Archive(cmd.Context(), st, day)
			if err != nil {
				return err
			}
			opts.log.Info("ledger archived", "date", res.Date, "choreEntries", res.ChoreEntries, "fillEntries", res.FillEntries)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d chore entries, %d fill entries\n", res.Date, res.ChoreEntries, res.FillEntries)
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "UTC day to archive as YYYY-MM-DD (default today)")
	return cmd
}

// parseDay parses a YYYY-MM-DD date, defaulting to now's UTC day.
func parseDay(s string, now time.Time) (time.Time, error) {
	if s == "" {
		y, m, d := now.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	day, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --date %q: %w", s, err)
	}
	return day, nil
}
