package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/metalagman/tally/internal/app"
	"github.com/metalagman/tally/internal/db"
	"github.com/metalagman/tally/internal/ledger"
)

func pruneCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Apply the retention policy to the task journal and the ledger trash",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := db.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()

			m, err := app.Prune(cmd.Context(), cfg.Retention, db.NewStore(conn), ledger.NewStore(conn), dryRun)
			if err != nil {
				return fmt.Errorf("prune failed: %w", err)
			}
			verb := "deleted"
			if dryRun {
				verb = "would delete"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "journal: %d considered, %d kept, %s %d\ntrash: purged %d records\n",
				m.Journal.Considered, m.Journal.Kept, verb, m.Journal.Deleted, m.Purged)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without deleting")
	return cmd
}
