// Package cli implements the hdsync command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/healthcare-dapp/hdsync/internal/config"
)

var (
	version = "dev"
	cfgFile string
)

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "hdsync",
	Short: "Peer-to-peer sync for medical records",
	Long: `hdsync - Peer-to-peer sync for medical records

Keeps the record stores of your paired devices in step. Devices find each
other through signed envelopes posted to a shared ledger and then exchange
records and files directly over WebRTC.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.config/hdsync/config.toml)")
}

// loadConfig reads --config if given, otherwise the default config file.
func loadConfig(paths *config.Paths) (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = paths.ConfigFile
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
