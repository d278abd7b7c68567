package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/siptty/siptty/internal/banner"
	"github.com/siptty/siptty/internal/config"
)

func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and list accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, closeLog, err := loadConfig(opts)
			if err != nil {
				return err
			}
			defer closeLog()

			path, err := config.Find(opts.configPath)
			if err != nil {
				return err
			}
			return banner.Fprint(cmd.OutOrStdout(), "configuration ok", summary(path, cfg))
		},
	}
}

func summary(path string, cfg *config.Config) []banner.Line {
	lines := []banner.Line{
		{Label: "config", Value: path},
		{Label: "user agent", Value: cfg.General.UserAgent},
		{Label: "audio", Value: cfg.Audio.Mode},
		{Label: "log file", Value: cfg.General.LogFile},
		{Label: "history", Value: historySummary(cfg.History)},
		{Label: "accounts", Value: strconv.Itoa(len(cfg.Accounts))},
	}
	for _, a := range cfg.Accounts {
		state := "enabled"
		if !a.Enabled {
			state = "disabled"
		}
		lines = append(lines, banner.Line{
			Label: "  " + a.Name,
			Value: fmt.Sprintf("%s (%s, %s)", a.SIPURI, a.Transport, state),
		})
	}
	return lines
}

func historySummary(h config.HistoryConfig) string {
	if !h.Enabled {
		return "disabled"
	}
	return fmt.Sprintf("%s (max %d)", h.DBFile, h.MaxEntries)
}
