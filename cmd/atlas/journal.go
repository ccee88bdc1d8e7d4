package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newJournalCmd() *cobra.Command {
	var (
		configPath string
		draftID    string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recent draft actions",
		Long:  "Lists the draft lifecycle actions recorded in the local journal, newest first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournal(cmd, configPath, draftID, limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Atlas config file")
	cmd.Flags().StringVar(&draftID, "draft", "", "only show actions for this draft")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of actions to show")
	return cmd
}

func runJournal(cmd *cobra.Command, configPath, draftID string, limit int) error {
	a, err := loadApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	rows, err := a.journal.Recent(cmd.Context(), draftID, limit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(rows) == 0 {
		fmt.Fprintln(out, "No draft actions recorded.")
		return nil
	}
	for _, r := range rows {
		fmt.Fprintln(out, formatAction(r))
	}
	return nil
}
