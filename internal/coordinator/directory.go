package coordinator

import (
	"context"
	"sort"
	"sync"

	"github.com/healthcare-dapp/hdsync/internal/crypto"
	"github.com/healthcare-dapp/hdsync/internal/store"
)

// Directory is the set of devices paired with this one, keyed by device
// hash. It is the relay's Keyring.
type Directory struct {
	mu    sync.RWMutex
	peers map[string]*crypto.PeerIdentity
}

// NewDirectory returns a directory holding peers.
func NewDirectory(peers ...*crypto.PeerIdentity) *Directory {
	d := &Directory{peers: make(map[string]*crypto.PeerIdentity)}
	d.Set(peers)
	return d
}

// Peer implements relay.Keyring.
func (d *Directory) Peer(deviceHash string) (*crypto.PeerIdentity, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[deviceHash]
	return p, ok
}

// Set replaces the directory contents and returns the device hashes that
// were not present before.
func (d *Directory) Set(peers []*crypto.PeerIdentity) []string {
	next := make(map[string]*crypto.PeerIdentity, len(peers))
	for _, p := range peers {
		next[p.DeviceHash] = p
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	var added []string
	for h := range next {
		if _, ok := d.peers[h]; !ok {
			added = append(added, h)
		}
	}
	d.peers = next
	sort.Strings(added)
	return added
}

// Load reads the devices paired with self from s.
func (d *Directory) Load(ctx context.Context, s store.Store, self string) ([]string, error) {
	peers, err := store.Devices(ctx, s, self)
	if err != nil {
		return nil, err
	}
	return d.Set(peers), nil
}

// All returns every peer ordered by device hash.
func (d *Directory) All() []*crypto.PeerIdentity {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*crypto.PeerIdentity, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceHash < out[j].DeviceHash })
	return out
}

// Hashes returns every device hash in order.
func (d *Directory) Hashes() []string {
	peers := d.All()
	hashes := make([]string, len(peers))
	for i, p := range peers {
		hashes[i] = p.DeviceHash
	}
	return hashes
}
