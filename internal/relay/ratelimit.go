package relay

import (
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/healthcare-dapp/hdsync/internal/protocol"
)

// RateLimitConfig defines inbound limits for signaling traffic
type RateLimitConfig struct {
	// Ledger transactions per second per device
	DeviceTxPerSecond float64
	DeviceBurst       int

	// Per-signal-type limits (signals per minute)
	TypeLimits map[protocol.SignalType]TypeLimit

	// Maximum sealed payload size per signal
	MaxPayloadSize int
}

// TypeLimit defines rate limit for a specific signal type
type TypeLimit struct {
	PerMinute int
	Burst     int
}

// DefaultRateLimitConfig returns sensible defaults
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		DeviceTxPerSecond: 5,
		DeviceBurst:       20,

		TypeLimits: map[protocol.SignalType]TypeLimit{
			// A remote restart re-pings; more than a few a minute is abuse.
			protocol.SignalPing:        {PerMinute: 12, Burst: 4},
			protocol.SignalDescription: {PerMinute: 60, Burst: 10},
			// Trickled ICE produces many candidates per negotiation.
			protocol.SignalCandidate: {PerMinute: 600, Burst: 100},
		},

		MaxPayloadSize: 64 * 1024,
	}
}

// RateLimiter tracks per-device inbound limits
type RateLimiter struct {
	config *RateLimitConfig

	deviceLimiters sync.Map // device hash -> *rate.Limiter
	typeLimiters   sync.Map // "device:type" -> *rate.Limiter

	mu      sync.RWMutex
	dropped map[string]int64 // device hash -> count
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	return &RateLimiter{
		config:  config,
		dropped: make(map[string]int64),
	}
}

// AllowTx checks whether another ledger transaction from device is allowed
func (rl *RateLimiter) AllowTx(deviceHash string) error {
	if !rl.deviceLimiter(deviceHash).Allow() {
		rl.recordDrop(deviceHash)
		return fmt.Errorf("device rate limit exceeded")
	}
	return nil
}

// AllowSignal checks a single decrypted signal against its type limit
func (rl *RateLimiter) AllowSignal(deviceHash string, signalType protocol.SignalType, size int) error {
	if rl.config.MaxPayloadSize > 0 && size > rl.config.MaxPayloadSize {
		rl.recordDrop(deviceHash)
		return fmt.Errorf("signal size %d exceeds limit %d", size, rl.config.MaxPayloadSize)
	}

	limiter := rl.typeLimiter(deviceHash, signalType)
	if limiter != nil && !limiter.Allow() {
		rl.recordDrop(deviceHash)
		return fmt.Errorf("signal type %s rate limit exceeded", signalType)
	}
	return nil
}

func (rl *RateLimiter) deviceLimiter(deviceHash string) *rate.Limiter {
	if limiter, ok := rl.deviceLimiters.Load(deviceHash); ok {
		return limiter.(*rate.Limiter)
	}
	limiter, _ := rl.deviceLimiters.LoadOrStore(deviceHash,
		rate.NewLimiter(rate.Limit(rl.config.DeviceTxPerSecond), rl.config.DeviceBurst))
	return limiter.(*rate.Limiter)
}

func (rl *RateLimiter) typeLimiter(deviceHash string, signalType protocol.SignalType) *rate.Limiter {
	key := deviceHash + ":" + string(signalType)
	if limiter, ok := rl.typeLimiters.Load(key); ok {
		return limiter.(*rate.Limiter)
	}

	typeLimit, exists := rl.config.TypeLimits[signalType]
	if !exists {
		return nil
	}

	perSecond := float64(typeLimit.PerMinute) / 60.0
	limiter, _ := rl.typeLimiters.LoadOrStore(key, rate.NewLimiter(rate.Limit(perSecond), typeLimit.Burst))
	return limiter.(*rate.Limiter)
}

func (rl *RateLimiter) recordDrop(deviceHash string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.dropped[deviceHash]++
}

// RemoveDevice cleans up limiters for a device
func (rl *RateLimiter) RemoveDevice(deviceHash string) {
	rl.deviceLimiters.Delete(deviceHash)
	for signalType := range rl.config.TypeLimits {
		rl.typeLimiters.Delete(deviceHash + ":" + string(signalType))
	}
}

// Retain forgets every device not in deviceHashes.
func (rl *RateLimiter) Retain(deviceHashes []string) {
	keep := make(map[string]struct{}, len(deviceHashes))
	for _, h := range deviceHashes {
		keep[h] = struct{}{}
	}
	rl.deviceLimiters.Range(func(k, _ any) bool {
		if _, ok := keep[k.(string)]; !ok {
			rl.RemoveDevice(k.(string))
			rl.mu.Lock()
			delete(rl.dropped, k.(string))
			rl.mu.Unlock()
		}
		return true
	})
}

// DropCount returns the number of dropped payloads for a device
func (rl *RateLimiter) DropCount(deviceHash string) int64 {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.dropped[deviceHash]
}
