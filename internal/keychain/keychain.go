// Package keychain keeps identity passphrases in the system keychain
// (macOS Keychain, Linux Secret Service, Windows Credential Manager).
package keychain

import (
	"errors"
	"path/filepath"

	"github.com/zalando/go-keyring"
)

// ServiceName is the keychain service identifier.
const ServiceName = "hdsync"

// ErrNotFound is returned when no passphrase is stored for an identity.
var ErrNotFound = errors.New("passphrase not found in keychain")

// Entry is the keychain slot for one identity file. Instances started
// with different config directories get different slots.
type Entry struct {
	account string
}

// For returns the entry for the identity stored at identityFile.
func For(identityFile string) Entry {
	if abs, err := filepath.Abs(identityFile); err == nil {
		identityFile = abs
	}
	return Entry{account: "identity:" + identityFile}
}

// Store saves the passphrase.
func (e Entry) Store(passphrase string) error {
	return keyring.Set(ServiceName, e.account, passphrase)
}

// Get returns the stored passphrase, or ErrNotFound.
func (e Entry) Get() (string, error) {
	pass, err := keyring.Get(ServiceName, e.account)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	return pass, err
}

// Delete removes the passphrase. Deleting a missing entry is not an error.
func (e Entry) Delete() error {
	err := keyring.Delete(ServiceName, e.account)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}
