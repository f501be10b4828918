package audit

import "time"

// Info logs an info-level event
func (l *Logger) Info(action, message string, fields ...any) {
	event := Event{
		Level:   LevelInfo,
		Action:  action,
		Message: message,
		Success: true,
	}
	applyFields(&event, fields)
	l.Log(event)
}

// Warn logs a warning-level event
func (l *Logger) Warn(action, message string, fields ...any) {
	event := Event{
		Level:   LevelWarn,
		Action:  action,
		Message: message,
	}
	applyFields(&event, fields)
	l.Log(event)
}

// Error logs an error-level event
func (l *Logger) Error(action, message string, err error, fields ...any) {
	event := Event{
		Level:   LevelError,
		Action:  action,
		Message: message,
	}
	if err != nil {
		event.Error = err.Error()
	}
	applyFields(&event, fields)
	l.Log(event)
}

// applyFields applies key-value fields to an event
func applyFields(event *Event, fields []any) {
	for i := 0; i < len(fields)-1; i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		value := fields[i+1]

		switch key {
		case "device":
			event.Device, _ = value.(string)
		case "address":
			event.Address, _ = value.(string)
		case "actor":
			event.Actor, _ = value.(string)
		case "category":
			event.Category, _ = value.(string)
		default:
			if event.Details == nil {
				event.Details = make(map[string]any)
			}
			event.Details[key] = value
		}
	}
}

// IdentityCreated logs identity creation
func (l *Logger) IdentityCreated(name, address string) {
	l.Info(ActionIdentityCreated, "identity created",
		"name", name,
		"address", address,
	)
}

// DeviceAdded logs a new pairing
func (l *Logger) DeviceAdded(device, address string) {
	l.Info(ActionDeviceAdded, "device paired",
		"device", device,
		"address", address,
	)
}

// PeerConnected logs an established direct connection
func (l *Logger) PeerConnected(device, address string, polite bool) {
	l.Info(ActionPeerConnected, "peer connected",
		"device", device,
		"address", address,
		"polite", polite,
	)
}

// PeerDisconnected logs a session teardown
func (l *Logger) PeerDisconnected(device, reason string) {
	l.Info(ActionPeerDisconnected, "peer disconnected",
		"device", device,
		"reason", reason,
	)
}

// SyncFinished logs the end of a pulled delta
func (l *Logger) SyncFinished(device string, records, files int, took time.Duration) {
	l.Info(ActionSyncFinished, "sync finished",
		"device", device,
		"records", records,
		"files", files,
		"duration_ms", took.Milliseconds(),
	)
}

// SyncRejected logs a message dropped for failing authentication or
// integrity checks
func (l *Logger) SyncRejected(device, reason string) {
	l.Warn(ActionSyncRejected, "sync message rejected",
		"device", device,
		"reason", reason,
	)
}

// FileCommitted logs a reassembled file blob
func (l *Logger) FileCommitted(device, blobHash string, size int64) {
	l.Info(ActionFileCommitted, "file committed",
		"device", device,
		"blob", blobHash,
		"size", size,
	)
}

// DaemonStarted logs daemon start
func (l *Logger) DaemonStarted(version string, devices int) {
	l.Info(ActionDaemonStarted, "daemon started",
		"version", version,
		"devices", devices,
	)
}

// DaemonStopped logs daemon stop
func (l *Logger) DaemonStopped(reason string) {
	l.Info(ActionDaemonStopped, "daemon stopped",
		"reason", reason,
	)
}
