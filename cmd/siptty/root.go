package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/siptty/siptty/internal/config"
	"github.com/siptty/siptty/internal/logger"
)

type rootOptions struct {
	configPath string
	debug      bool
	dev        bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "siptty",
		Short:         "Terminal SIP softphone",
		Long:          "siptty registers SIP accounts and places and answers calls from the terminal, with a live SIP message trace.",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPhone(cmd.Context(), opts)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (default: ./siptty.toml, then the user config dir)")
	flags.BoolVar(&opts.debug, "debug", false, "log at debug level")
	flags.BoolVar(&opts.dev, "dev", false, "human-friendly development log output")

	rootCmd.AddCommand(
		newCheckCmd(opts),
		newHistoryCmd(opts),
	)
	return rootCmd
}

// loadConfig loads the configuration and points the logger at its log file.
// The returned close func releases the log file.
func loadConfig(opts *rootOptions) (*config.Config, func(), error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, err
	}

	level := logger.LevelFromVerbosity(cfg.General.LogLevel)
	if opts.debug {
		level = slog.LevelDebug
	}

	out, closeLog := os.Stderr, func() {}
	if cfg.General.LogFile != "" {
		f, err := logger.OpenFile(cfg.General.LogFile)
		if err != nil {
			return nil, nil, err
		}
		out, closeLog = f, func() { _ = f.Close() }
	}
	logger.Init(logger.Options{Level: level, Output: out, Dev: opts.dev})
	return cfg, closeLog, nil
}
