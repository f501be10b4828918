// Package metrics exposes sync and signaling counters to Prometheus.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hdsync"

// maxRecentErrors bounds the in-memory error ring.
const maxRecentErrors = 50

// Metrics collects operational metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	startTime time.Time

	EnvelopesSent     *prometheus.CounterVec
	EnvelopesReceived *prometheus.CounterVec
	EnvelopesRejected *prometheus.CounterVec
	SignalsQueued     *prometheus.CounterVec
	SignalsReceived   *prometheus.CounterVec
	SignalsDropped    *prometheus.CounterVec
	LedgerPublishes   *prometheus.CounterVec
	RecordsApplied    *prometheus.CounterVec
	FilesApplied      prometheus.Counter
	FileBytesReceived prometheus.Counter
	SyncCycles        *prometheus.CounterVec
	SyncDuration      prometheus.Histogram
	OpenSessions      prometheus.Gauge
	QueueDepth        prometheus.Gauge

	errorsMu   sync.RWMutex
	errors     []ErrorEntry
	errorIndex int
}

// ErrorEntry records an error event
type ErrorEntry struct {
	Time    time.Time `json:"time"`
	Type    string    `json:"type"`
	Message string    `json:"message"`
	Device  string    `json:"device,omitempty"`
}

// New creates the collectors and registers them with reg. A nil
// registerer leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		startTime: time.Now(),
		EnvelopesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "envelopes_sent_total",
			Help: "Sync envelopes sent over data channels.",
		}, []string{"type"}),
		EnvelopesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "envelopes_received_total",
			Help: "Verified sync envelopes received.",
		}, []string{"type"}),
		EnvelopesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "envelopes_rejected_total",
			Help: "Sync envelopes dropped before being applied.",
		}, []string{"reason"}),
		SignalsQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_queued_total",
			Help: "Signaling payloads queued for the ledger.",
		}, []string{"type"}),
		SignalsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_received_total",
			Help: "Signaling payloads received from the ledger.",
		}, []string{"type"}),
		SignalsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_dropped_total",
			Help: "Inbound signaling payloads dropped.",
		}, []string{"reason"}),
		LedgerPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ledger_publishes_total",
			Help: "Ledger transactions published by the relay.",
		}, []string{"result"}),
		RecordsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_applied_total",
			Help: "Records received from peers and written to the store.",
		}, []string{"kind"}),
		FilesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "files_applied_total",
			Help: "File blobs reassembled and written to the store.",
		}),
		FileBytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "file_bytes_received_total",
			Help: "File chunk bytes received.",
		}),
		SyncCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sync_cycles_total",
			Help: "Sync cycles by role.",
		}, []string{"role"}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "sync_duration_seconds",
			Help:    "Time from SHOW_CURRENT_STATE to SYNC_FINISHED.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		OpenSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "open_sessions",
			Help: "Peer sessions currently open.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "signaling_queue_depth",
			Help: "Signaling payloads waiting for publication.",
		}),
		errors: make([]ErrorEntry, maxRecentErrors),
	}

	if reg != nil {
		reg.MustRegister(
			m.EnvelopesSent, m.EnvelopesReceived, m.EnvelopesRejected,
			m.SignalsQueued, m.SignalsReceived, m.SignalsDropped,
			m.LedgerPublishes, m.RecordsApplied, m.FilesApplied,
			m.FileBytesReceived, m.SyncCycles, m.SyncDuration,
			m.OpenSessions, m.QueueDepth,
		)
	}
	return m
}

// Uptime returns the time since the metrics were created.
func (m *Metrics) Uptime() time.Duration {
	if m == nil {
		return 0
	}
	return time.Since(m.startTime)
}

func (m *Metrics) EnvelopeSent(msgType string) {
	if m != nil {
		m.EnvelopesSent.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) EnvelopeReceived(msgType string) {
	if m != nil {
		m.EnvelopesReceived.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) EnvelopeRejected(reason string) {
	if m != nil {
		m.EnvelopesRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) SignalQueued(signalType string) {
	if m != nil {
		m.SignalsQueued.WithLabelValues(signalType).Inc()
	}
}

func (m *Metrics) SignalReceived(signalType string) {
	if m != nil {
		m.SignalsReceived.WithLabelValues(signalType).Inc()
	}
}

func (m *Metrics) SignalDropped(reason string) {
	if m != nil {
		m.SignalsDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) LedgerPublish(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.LedgerPublishes.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordApplied(kind string) {
	if m != nil {
		m.RecordsApplied.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) FileChunkReceived(n int) {
	if m != nil {
		m.FileBytesReceived.Add(float64(n))
	}
}

func (m *Metrics) FileApplied() {
	if m != nil {
		m.FilesApplied.Inc()
	}
}

func (m *Metrics) SyncCompleted(role string, d time.Duration) {
	if m == nil {
		return
	}
	m.SyncCycles.WithLabelValues(role).Inc()
	if d > 0 {
		m.SyncDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) SetOpenSessions(n int) {
	if m != nil {
		m.OpenSessions.Set(float64(n))
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}

// RecordError adds an error to the ring of recent errors.
func (m *Metrics) RecordError(errType, message, device string) {
	if m == nil {
		return
	}
	m.errorsMu.Lock()
	defer m.errorsMu.Unlock()

	m.errors[m.errorIndex%maxRecentErrors] = ErrorEntry{
		Time:    time.Now(),
		Type:    errType,
		Message: message,
		Device:  device,
	}
	m.errorIndex++
}

// RecentErrors returns recorded errors, oldest first.
func (m *Metrics) RecentErrors() []ErrorEntry {
	if m == nil {
		return nil
	}
	m.errorsMu.RLock()
	defer m.errorsMu.RUnlock()

	n := m.errorIndex
	if n > maxRecentErrors {
		n = maxRecentErrors
	}
	out := make([]ErrorEntry, 0, n)
	start := m.errorIndex - n
	for i := start; i < m.errorIndex; i++ {
		out = append(out, m.errors[i%maxRecentErrors])
	}
	return out
}
