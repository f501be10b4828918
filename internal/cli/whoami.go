package cli

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/healthcare-dapp/hdsync/internal/config"
)

func init() {
	rootCmd.AddCommand(whoamiCmd)
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show identity information",
	Long: `Unlock the identity and show the details other devices need to pair
with this one.

Does not require the daemon to be running.`,
	Args: cobra.NoArgs,
	RunE: runWhoami,
}

func runWhoami(cmd *cobra.Command, args []string) error {
	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}

	if !paths.IdentityExists() {
		fmt.Println("No identity found.")
		fmt.Println()
		fmt.Println("To create an identity, run: hdsync init")
		return nil
	}

	id, err := unlockIdentity(paths)
	if err != nil {
		return err
	}

	fmt.Printf("Name:        %s\n", id.Name)
	fmt.Printf("Address:     %s\n", id.Address())
	fmt.Printf("Fingerprint: %s\n", id.Fingerprint())
	fmt.Printf("Created:     %s\n", id.CreatedAt.Format("2006-01-02 15:04:05 UTC"))
	fmt.Printf("Public key:  %s\n", hex.EncodeToString(id.SigningPublicKey()))
	fmt.Println()
	fmt.Printf("Identity file: %s\n", paths.IdentityFile)
	return nil
}
