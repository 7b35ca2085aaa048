package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Rorqualx/scrollharvest/internal/config"
	"github.com/Rorqualx/scrollharvest/internal/logging"
	"github.com/Rorqualx/scrollharvest/pkg/version"
)

// rootState is shared by the subcommands once PersistentPreRunE has run.
type rootState struct {
	envFile   string
	logLevel  string
	cfg       *config.Config
	logCloser io.Closer
	// quiet keeps log output off the terminal, for the dashboard.
	quiet bool
}

func newRootCmd() *cobra.Command {
	st := &rootState{}

	cmd := &cobra.Command{
		Use:           "scrollharvest",
		Short:         "Extract posts and videos from infinite-scroll feeds with pooled headless browsers",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return st.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if st.logCloser != nil {
				_ = st.logCloser.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&st.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	cmd.PersistentFlags().StringVar(&st.logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")

	cmd.AddCommand(
		newServeCmd(st),
		newRunCmd(st),
		newWatchCmd(st),
		newVersionCmd(),
	)
	return cmd
}

// load reads the dotenv file, the environment and sets up logging.
func (st *rootState) load() error {
	if st.envFile != "" {
		if err := godotenv.Load(st.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", st.envFile, err)
		}
	}

	st.cfg = config.Load()
	if st.logLevel != "" {
		st.cfg.LogLevel = st.logLevel
	}

	opts := logging.Options{
		Level:      st.cfg.LogLevel,
		JSON:       st.cfg.LogJSONConsole,
		File:       st.cfg.LogFile,
		MaxSizeMB:  st.cfg.LogMaxSizeMB,
		MaxBackups: st.cfg.LogMaxBackups,
		MaxAgeDays: st.cfg.LogMaxAgeDays,
	}
	if st.quiet {
		opts.Level = "disabled"
	}
	closer, err := logging.Setup(opts)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	st.logCloser = closer

	// Validate after logging so clamping warnings are visible.
	st.cfg.Validate()

	log.Debug().Str("version", version.Full()).Msg("Configuration loaded")
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		// No config or logging needed.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "scrollharvest %s (%s)\n", version.Full(), version.GoVersion())
		},
	}
}
