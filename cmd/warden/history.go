package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"warden/internal/adapter/journal"
)

func (c *cli) newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [plugin-id]",
		Short: "Show recent executions recorded in the journal",
		Long: `History prints the newest entries of the execution journal. The journal
must be enabled in the config (journal.enabled: true).`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			return c.history(cmd.Context(), id, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", journal.DefaultRecentLimit, "maximum number of records")
	return cmd
}

func (c *cli) history(ctx context.Context, pluginID string, limit int) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Journal.Enabled {
		return fmt.Errorf("journal is disabled; set journal.enabled in %s", c.cfgPath)
	}
	j, err := journal.NewSQLiteJournal(cfg.Journal.Path)
	if err != nil {
		return err
	}
	defer j.Close()

	records, err := j.Recent(ctx, pluginID, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(c.stdout, "No executions recorded.")
		return nil
	}

	w := tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tPLUGIN\tNAME\tOUTCOME\tDURATION\tIN\tOUT")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			r.StartedAt.Format(time.RFC3339), r.PluginID, r.PluginName, r.Outcome,
			r.Duration.Round(time.Microsecond), r.InputBytes, r.OutputBytes)
	}
	return w.Flush()
}
