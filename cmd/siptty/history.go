package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/siptty/siptty/internal/history"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent calls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, closeLog, err := loadConfig(opts)
			if err != nil {
				return err
			}
			defer closeLog()

			if !cfg.History.Enabled {
				return errors.New("call history is disabled in the configuration")
			}
			store, err := history.Open(cfg.History.DBFile)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "no calls recorded")
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), historyTable(entries))
			return err
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of calls to show (0 for all)")
	return cmd
}

func historyTable(entries []history.Entry) string {
	t := table.New().Headers("#", "ENDED", "DIR", "REMOTE", "RESULT", "DURATION")
	for _, e := range entries {
		t.Row(
			strconv.Itoa(e.CallID),
			e.EndedAt.Local().Format(time.DateTime),
			string(e.Direction),
			e.RemoteURI,
			string(e.Disposition),
			e.Duration.Truncate(time.Second).String(),
		)
	}
	return t.String()
}
