package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/metalagman/tally/internal/db"
)

func tasksCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List background tasks from the journal",
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

			entries, err := db.NewStore(conn).ListTasks(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			printTasks(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, running, completed, failed, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of tasks")
	return cmd
}

var statusStyles = map[string]lipgloss.Style{
	"completed": lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
	"failed":    lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	"cancelled": lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
}

func printTasks(w io.Writer, entries []db.JournalEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no tasks")
		return
	}
	header := lipgloss.NewStyle().Bold(true)
	fmt.Fprintln(w, header.Render(fmt.Sprintf("%-36s  %-10s  %-20s  %s", "ID", "STATUS", "INTENT", "MESSAGE")))
	for _, e := range entries {
		st := fmt.Sprintf("%-10s", e.Status)
		if style, ok := statusStyles[e.Status]; ok {
			st = style.Render(st)
		}
		msg := e.Message
		if e.Error != "" && msg == "" {
			msg = e.Error
		}
		fmt.Fprintf(w, "%-36s  %s  %-20s  %s\n", e.TaskID, st, e.IntentID, msg)
	}
}
