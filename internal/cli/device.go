package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/healthcare-dapp/hdsync/internal/config"
	"github.com/healthcare-dapp/hdsync/internal/crypto"
	"github.com/healthcare-dapp/hdsync/internal/daemon"
	"github.com/healthcare-dapp/hdsync/internal/records"
	"github.com/healthcare-dapp/hdsync/internal/store"
)

var (
	deviceName      string
	deviceAddress   string
	devicePublicKey string
	deviceRequester string
	deviceSecret    string
)

func init() {
	rootCmd.AddCommand(deviceCmd)
	deviceCmd.AddCommand(deviceAddCmd, deviceListCmd)

	f := deviceAddCmd.Flags()
	f.StringVar(&deviceName, "name", "", "name of the other device")
	f.StringVar(&deviceAddress, "address", "", "address of the other device")
	f.StringVar(&devicePublicKey, "public-key", "", "hex signing public key of the other device")
	f.StringVar(&deviceRequester, "requester", "", "address of the device that started the pairing (default: this device)")
	f.StringVar(&deviceSecret, "secret", "", "hex pairing secret (default: generate one)")
	deviceAddCmd.MarkFlagRequired("address")
	deviceAddCmd.MarkFlagRequired("public-key")
}

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage paired devices",
}

var deviceAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Pair with another device",
	Long: `Record another device as paired with this one.

Pairing is symmetric: both devices must add each other with the same
secret. Run 'hdsync whoami' on the other device for its address and
public key, then run add here without --secret. The command prints
what to run on the other device.

Examples:
  hdsync device add --name ward-tablet --address 0x12... --public-key 3f9a...`,
	Args: cobra.NoArgs,
	RunE: runDeviceAdd,
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List paired devices",
	Args:  cobra.NoArgs,
	RunE:  runDeviceList,
}

// commandEnv is what the device commands need from the local install.
type commandEnv struct {
	paths *config.Paths
	cfg   *config.Config
	id    *crypto.Identity
	store store.Store
}

func openCommandEnv() (*commandEnv, error) {
	paths, err := config.GetPaths()
	if err != nil {
		return nil, fmt.Errorf("get paths: %w", err)
	}
	cfg, err := loadConfig(paths)
	if err != nil {
		return nil, err
	}
	if cfg.Store.Backend == "memory" {
		return nil, errors.New("the memory store backend keeps no devices between runs")
	}
	id, err := unlockIdentity(paths)
	if err != nil {
		return nil, err
	}
	st, err := daemon.OpenStore(cfg, paths, id)
	if err != nil {
		return nil, err
	}
	return &commandEnv{paths: paths, cfg: cfg, id: id, store: st}, nil
}

func runDeviceAdd(cmd *cobra.Command, args []string) error {
	pub, err := hex.DecodeString(strings.TrimSpace(devicePublicKey))
	if err != nil {
		return fmt.Errorf("invalid --public-key: %w", err)
	}
	address := crypto.AddressFromPublicKey(pub)
	if given := strings.TrimSpace(deviceAddress); !strings.EqualFold(given, address) {
		return fmt.Errorf("public key belongs to %s, not %s", address, given)
	}

	env, err := openCommandEnv()
	if err != nil {
		return err
	}
	defer env.store.Close()

	if address == env.id.Address() {
		return errors.New("cannot pair a device with itself")
	}

	requester := deviceRequester
	if requester == "" {
		requester = env.id.Address()
	}

	generated := deviceSecret == ""
	var secret []byte
	if generated {
		secret = make([]byte, crypto.SecretSize)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generate secret: %w", err)
		}
	} else {
		secret, err = hex.DecodeString(strings.TrimSpace(deviceSecret))
		if err != nil {
			return fmt.Errorf("invalid --secret: %w", err)
		}
	}

	name := deviceName
	if name == "" {
		name = address
	}
	peer, err := crypto.NewPeerIdentity(name, address, pub, requester, secret)
	if err != nil {
		return fmt.Errorf("invalid pairing: %w", err)
	}

	dev := &records.Device{
		Name:             name,
		Address:          address,
		PublicKey:        pub,
		RequesterAddress: requester,
		Secret:           secret,
		PairedWith:       env.id.Address(),
		AddedAt:          time.Now().UTC(),
	}
	if _, err := env.store.Put(context.Background(), dev); err != nil {
		return fmt.Errorf("save device: %w", err)
	}

	if auditLog := openAudit(env.paths, env.cfg, env.id); auditLog != nil {
		auditLog.DeviceAdded(peer.DeviceHash, address)
		auditLog.Close()
	}

	fmt.Printf("Paired with %s (%s)\n", name, address)
	fmt.Printf("  Device hash: %s\n", peer.DeviceHash)

	if generated {
		fmt.Println()
		fmt.Println("Run this on the other device to finish pairing:")
		fmt.Printf("  hdsync device add --name %q --address %s --public-key %s --requester %s --secret %s\n",
			env.id.Name, env.id.Address(), hex.EncodeToString(env.id.SigningPublicKey()),
			requester, hex.EncodeToString(secret))
		fmt.Println()
		fmt.Println("The secret lets anyone holding it sign as your devices. Send it over a trusted channel.")
	}

	if signalDaemon(env.paths) {
		fmt.Println()
		fmt.Println("Running daemon notified.")
	}
	return nil
}

func runDeviceList(cmd *cobra.Command, args []string) error {
	env, err := openCommandEnv()
	if err != nil {
		return err
	}
	defer env.store.Close()

	peers, err := store.Devices(context.Background(), env.store, env.id.Address())
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	if len(peers) == 0 {
		fmt.Println("No paired devices.")
		fmt.Println()
		fmt.Println("To pair one, run: hdsync device add --help")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tDEVICE")
	for _, p := range peers {
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.Name, p.Address, p.Short())
	}
	return w.Flush()
}

// signalDaemon sends SIGHUP to the daemon named by the PID file, if any.
func signalDaemon(paths *config.Paths) bool {
	if paths.PIDFile == "" {
		return false
	}
	data, err := os.ReadFile(paths.PIDFile)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.SIGHUP) == nil
}
