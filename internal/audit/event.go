package audit

import (
	"time"
)

// Event represents an audit log entry
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Level     string         `json:"level"`
	Category  string         `json:"category"`
	Action    string         `json:"action"`
	Message   string         `json:"msg"`
	Actor     string         `json:"actor,omitempty"`   // Fingerprint of this device
	Device    string         `json:"device,omitempty"`  // Short hash of the remote device
	Address   string         `json:"address,omitempty"` // Address of the remote device
	Details   map[string]any `json:"details,omitempty"` // Additional context
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
}

// Log levels
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Action constants organized by category
const (
	// Identity actions
	ActionIdentityCreated = "identity.created"

	// Device actions
	ActionDeviceAdded = "device.added"

	// Peer actions
	ActionPeerConnected    = "peer.connected"
	ActionPeerDisconnected = "peer.disconnected"

	// Sync actions
	ActionSyncFinished  = "sync.finished"
	ActionSyncRejected  = "sync.rejected"
	ActionFileCommitted = "sync.file_committed"

	// Daemon actions
	ActionDaemonStarted = "daemon.started"
	ActionDaemonStopped = "daemon.stopped"
	ActionDaemonError   = "daemon.error"
)

// Categories for filtering
const (
	CategoryIdentity = "identity"
	CategoryDevice   = "device"
	CategoryPeer     = "peer"
	CategorySync     = "sync"
	CategoryDaemon   = "daemon"
)
