package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/healthcare-dapp/hdsync/internal/config"
	"github.com/healthcare-dapp/hdsync/internal/daemon"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running daemon's status",
	Long: `Ask the running daemon for its status over the HTTP API configured in
[metrics].`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}
	cfg, err := loadConfig(paths)
	if err != nil {
		return err
	}
	if !cfg.Metrics.Enabled {
		return errors.New("the daemon HTTP API is disabled ([metrics] enabled = false)")
	}

	s, err := fetchStatus("http://" + cfg.Metrics.Listen + "/api/status")
	if err != nil {
		fmt.Println("Daemon: not running")
		return nil
	}

	fmt.Println("Daemon: running")
	fmt.Printf("  Name:        %s\n", s.Name)
	fmt.Printf("  Address:     %s\n", s.Address)
	fmt.Printf("  Fingerprint: %s\n", s.Fingerprint)
	fmt.Printf("  Version:     %s\n", s.Version)
	fmt.Printf("  Uptime:      %s\n", s.Uptime)
	fmt.Printf("  Ledger:      %s\n", s.Ledger)
	if s.LedgerError != "" {
		fmt.Printf("  Last error:  %s\n", s.LedgerError)
	}
	fmt.Println()
	fmt.Printf("Devices: %d paired, %d online, %d waiting\n", s.Devices, len(s.Online), len(s.Waiting))
	for _, addr := range s.Online {
		fmt.Printf("  online   %s\n", addr)
	}
	for _, addr := range s.Waiting {
		fmt.Printf("  waiting  %s\n", addr)
	}
	if s.Pending > 0 {
		fmt.Printf("\nSignals queued for the ledger: %d\n", s.Pending)
	}
	return nil
}

func fetchStatus(url string) (*daemon.Status, error) {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status: %s", resp.Status)
	}
	var s daemon.Status
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &s, nil
}
