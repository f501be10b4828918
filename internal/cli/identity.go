package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/healthcare-dapp/hdsync/internal/audit"
	"github.com/healthcare-dapp/hdsync/internal/config"
	"github.com/healthcare-dapp/hdsync/internal/crypto"
	"github.com/healthcare-dapp/hdsync/internal/keychain"
	"github.com/healthcare-dapp/hdsync/internal/tui"
)

// PassphraseEnv unlocks the identity without a prompt.
const PassphraseEnv = "HDSYNC_PASSPHRASE"

const unlockAttempts = 3

// unlockIdentity decrypts the identity file. The passphrase comes from
// PassphraseEnv, then the keychain, then the terminal.
func unlockIdentity(paths *config.Paths) (*crypto.Identity, error) {
	if !paths.IdentityExists() {
		return nil, errors.New("no identity found, run 'hdsync init' first")
	}

	if env := os.Getenv(PassphraseEnv); env != "" {
		passphrase := []byte(env)
		defer crypto.ZeroBytes(passphrase)
		id, err := crypto.LoadEncrypted(paths.IdentityFile, passphrase)
		if err != nil {
			return nil, fmt.Errorf("unlock identity with %s: %w", PassphraseEnv, err)
		}
		return id, nil
	}

	if stored, err := keychain.For(paths.IdentityFile).Get(); err == nil {
		passphrase := []byte(stored)
		id, err := crypto.LoadEncrypted(paths.IdentityFile, passphrase)
		crypto.ZeroBytes(passphrase)
		if err == nil {
			return id, nil
		}
		fmt.Fprintln(os.Stderr, "Keychain passphrase did not unlock the identity.")
	}

	for attempt := 1; attempt <= unlockAttempts; attempt++ {
		passphrase, err := tui.ReadPassword("Passphrase: ")
		if err != nil {
			return nil, fmt.Errorf("read passphrase: %w", err)
		}
		id, err := crypto.LoadEncrypted(paths.IdentityFile, passphrase)
		crypto.ZeroBytes(passphrase)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, crypto.ErrBadPassphrase) {
			return nil, fmt.Errorf("load identity: %w", err)
		}
		if attempt < unlockAttempts {
			fmt.Fprintln(os.Stderr, "Invalid passphrase. Try again.")
		}
	}
	return nil, fmt.Errorf("failed to unlock identity after %d attempts", unlockAttempts)
}

// openAudit opens the audit log for a one-shot command. It returns nil
// when auditing is off or the log cannot be opened.
func openAudit(paths *config.Paths, cfg *config.Config, id *crypto.Identity) *audit.Logger {
	if !cfg.Logging.Audit {
		return nil
	}
	l, err := audit.NewLogger(paths.AuditLogFile, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: open audit log: %v\n", err)
		return nil
	}
	l.SetIdentity(id.Fingerprint())
	return l
}
