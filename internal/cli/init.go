package cli

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strings"

	"github.com/spf13/cobra"

	"github.com/healthcare-dapp/hdsync/internal/config"
	"github.com/healthcare-dapp/hdsync/internal/crypto"
	"github.com/healthcare-dapp/hdsync/internal/keychain"
	"github.com/healthcare-dapp/hdsync/internal/tui"
)

const minPassphraseLen = 8

var (
	initName     string
	initAccount  string
	initLedger   string
	initKeychain bool
)

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(&initName, "name", "", "device name (default: username-hostname)")
	initCmd.Flags().StringVar(&initAccount, "account", "", "account address whose contact chats this device maintains (default: own address)")
	initCmd.Flags().StringVar(&initLedger, "ledger", "", "ledger gateway websocket url")
	initCmd.Flags().BoolVar(&initKeychain, "keychain", false, "store passphrase in system keychain for auto-unlock")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create this device's identity",
	Long: `Create a new identity for this device and write a default config.

The identity holds the device's signing key. It is encrypted with a
passphrase, which is needed every time the daemon starts unless it is
kept in the system keychain (--keychain) or passed in HDSYNC_PASSPHRASE.

Examples:
  hdsync init
  hdsync init --name ward-tablet --ledger wss://ledger.example.org/ws
  hdsync init --keychain`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}

	if paths.IdentityExists() {
		fmt.Println("Identity already exists.")
		fmt.Printf("  Identity file: %s\n", paths.IdentityFile)
		fmt.Println()
		fmt.Println("To view it, run: hdsync whoami")
		return nil
	}

	name := initName
	if name == "" {
		name, err = tui.ReadLineDefault("Device name: ", defaultDeviceName())
		if err != nil {
			return fmt.Errorf("read name: %w", err)
		}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("device name cannot be empty")
	}
	if len(name) > 64 {
		return errors.New("device name too long (max 64 characters)")
	}

	if err := paths.EnsureDirectories(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	cfg, err := loadConfig(paths)
	if err != nil {
		return err
	}
	cfg.Identity.Name = name
	if initAccount != "" {
		cfg.Identity.Account = initAccount
	}
	if initLedger != "" {
		cfg.Ledger.URL = initLedger
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	passphrase, err := newPassphrase()
	if err != nil {
		return err
	}
	defer crypto.ZeroBytes(passphrase)

	fmt.Println()
	fmt.Print("Generating identity...")
	id, err := crypto.GenerateIdentity(name)
	if err != nil {
		fmt.Println(" failed")
		return fmt.Errorf("generate identity: %w", err)
	}
	fmt.Println(" done")

	fmt.Print("Saving encrypted identity...")
	if err := id.SaveEncrypted(paths.IdentityFile, passphrase); err != nil {
		fmt.Println(" failed")
		return fmt.Errorf("save identity: %w", err)
	}
	fmt.Println(" done")

	configPath := cfgFile
	if configPath == "" {
		configPath = paths.ConfigFile
	}
	if err := cfg.SaveTo(configPath); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	if initKeychain {
		fmt.Print("Storing passphrase in keychain...")
		if err := keychain.For(paths.IdentityFile).Store(string(passphrase)); err != nil {
			fmt.Println(" failed")
			fmt.Printf("  Warning: %v\n", err)
			fmt.Println("  The daemon will prompt for the passphrase on start.")
		} else {
			fmt.Println(" done")
		}
	}

	if auditLog := openAudit(paths, cfg, id); auditLog != nil {
		auditLog.IdentityCreated(id.Name, id.Address())
		auditLog.Close()
	}

	fmt.Println()
	fmt.Println("Identity created.")
	fmt.Printf("  Name:        %s\n", id.Name)
	fmt.Printf("  Address:     %s\n", id.Address())
	fmt.Printf("  Fingerprint: %s\n", id.Fingerprint())
	fmt.Printf("  Config:      %s\n", configPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  hdsync device add ...   pair another device")
	fmt.Println("  hdsync run              start syncing")
	return nil
}

func newPassphrase() ([]byte, error) {
	if env := os.Getenv(PassphraseEnv); env != "" {
		if len(env) < minPassphraseLen {
			return nil, fmt.Errorf("%s must be at least %d characters", PassphraseEnv, minPassphraseLen)
		}
		return []byte(env), nil
	}

	fmt.Println()
	fmt.Println("Your identity will be encrypted with a passphrase.")
	fmt.Println("This passphrase is required to start the daemon.")
	fmt.Println()

	passphrase, err := tui.ReadPasswordConfirm("Passphrase: ", "Confirm passphrase: ")
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	if len(passphrase) < minPassphraseLen {
		crypto.ZeroBytes(passphrase)
		return nil, fmt.Errorf("passphrase must be at least %d characters", minPassphraseLen)
	}
	return passphrase, nil
}

func defaultDeviceName() string {
	username := "user"
	if u, err := user.Current(); err == nil && u.Username != "" {
		username = u.Username
		if i := strings.LastIndexAny(username, `\/`); i >= 0 {
			username = username[i+1:]
		}
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return username
	}
	if i := strings.IndexByte(hostname, '.'); i > 0 {
		hostname = hostname[:i]
	}
	return strings.ToLower(username + "-" + hostname)
}
