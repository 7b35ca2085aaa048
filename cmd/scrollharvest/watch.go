package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Rorqualx/scrollharvest/internal/client"
	"github.com/Rorqualx/scrollharvest/internal/tui"
)

func newWatchCmd(st *rootState) *cobra.Command {
	var (
		addr     string
		apiKey   string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Open a live dashboard of pools and running jobs on a server",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			st.quiet = true
			return st.load()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = fmt.Sprintf("%s:%d", st.cfg.Host, st.cfg.Port)
			}
			if apiKey == "" && st.cfg.APIKeyEnabled {
				apiKey = st.cfg.APIKey
			}

			c, err := client.New(addr, client.WithAPIKey(apiKey))
			if err != nil {
				return err
			}
			return tui.Run(c, addr, interval)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "server address (defaults to HOST:PORT)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key (defaults to API_KEY when API_KEY_ENABLED)")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "refresh interval")
	return cmd
}
