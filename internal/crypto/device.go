package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const deviceHashInfo = "hdsync-device-hash:"

// SecretSize is the length of a per-device shared secret.
const SecretSize = 32

// PeerIdentity describes a remote device we are allowed to sync with.
type PeerIdentity struct {
	Name             string `json:"name,omitempty"`
	Address          string `json:"address"`
	PublicKey        []byte `json:"public_key"`
	RequesterAddress string `json:"requester_address"`
	Secret           []byte `json:"secret"`
	DeviceHash       string `json:"device_hash"`
}

// NewPeerIdentity builds a PeerIdentity and derives its device hash.
func NewPeerIdentity(name, address string, pubKey []byte, requesterAddress string, secret []byte) (*PeerIdentity, error) {
	p := &PeerIdentity{
		Name:             name,
		Address:          address,
		PublicKey:        pubKey,
		RequesterAddress: requesterAddress,
		Secret:           secret,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p.DeviceHash = DeriveDeviceHash(requesterAddress, secret)
	return p, nil
}

// Validate checks the static fields of the identity.
func (p *PeerIdentity) Validate() error {
	if p.Address == "" {
		return errors.New("peer address is required")
	}
	if len(p.PublicKey) != ed25519.PublicKeySize {
		return errors.New("peer public key must be an ed25519 key")
	}
	if p.RequesterAddress == "" {
		return errors.New("requester address is required")
	}
	if len(p.Secret) != SecretSize {
		return errors.New("device secret must be 32 bytes")
	}
	return nil
}

// Short returns the first 8 characters of the device hash for logging.
func (p *PeerIdentity) Short() string {
	return ShortHash(p.DeviceHash)
}

// DeriveDeviceHash computes the identifier both sides of a device pair
// agree on without transmitting it: HKDF-SHA256 over the shared secret,
// bound to the address that requested the pairing.
func DeriveDeviceHash(requesterAddress string, secret []byte) string {
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, nil, []byte(deviceHashInfo+requesterAddress))
	// hkdf only fails past 255*HashLen bytes
	_, _ = io.ReadFull(r, out)
	return hex.EncodeToString(out)
}

// ShortHash truncates a hex identifier for log output.
func ShortHash(h string) string {
	if len(h) <= 8 {
		return h
	}
	return h[:8]
}
