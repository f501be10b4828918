package daemon

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/healthcare-dapp/hdsync/internal/audit"
	"github.com/healthcare-dapp/hdsync/internal/logging"
)

const maxQueryLimit = 5000

// Handler serves the daemon's HTTP API:
//
//	/metrics       Prometheus exposition
//	/api/status    Status
//	/api/peers     paired devices with online state
//	/api/logs      recent log records
//	/api/audit     audit events
//	/api/errors    recent sync errors
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{Registry: d.registry}))
	mux.HandleFunc("GET /api/status", d.handleStatus)
	mux.HandleFunc("GET /api/peers", d.handlePeers)
	mux.HandleFunc("GET /api/logs", d.handleLogs)
	mux.HandleFunc("GET /api/audit", d.handleAudit)
	mux.HandleFunc("GET /api/errors", d.handleErrors)
	return mux
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, d.Status())
}

type peerView struct {
	Name       string `json:"name,omitempty"`
	Address    string `json:"address"`
	DeviceHash string `json:"device_hash"`
	Online     bool   `json:"online"`
}

func (d *Daemon) handlePeers(w http.ResponseWriter, r *http.Request) {
	online := make(map[string]bool)
	if coord := d.Coordinator(); coord != nil {
		for _, p := range coord.OnlinePeerDevices() {
			online[p.DeviceHash] = true
		}
	}

	peers := []peerView{}
	for _, p := range d.dir.All() {
		peers = append(peers, peerView{
			Name:       p.Name,
			Address:    p.Address,
			DeviceHash: p.DeviceHash,
			Online:     online[p.DeviceHash],
		})
	}
	jsonResponse(w, peers)
}

func (d *Daemon) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := logging.Query{Limit: 500}

	if level := q.Get("level"); level != "" {
		lvl, err := logging.ParseLevel(level)
		if err != nil {
			errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		query.MinLevel = lvl
	}
	if device := q.Get("device"); device != "" {
		query.Match = map[string]string{"device": device}
	}
	if since, ok := parseTime(q.Get("since")); ok {
		query.Since = since
	}
	query.Limit = parseLimit(q.Get("limit"), query.Limit)

	entries := d.logs.Query(query)
	jsonResponse(w, map[string]any{
		"entries": entries,
		"count":   len(entries),
		"total":   d.logs.Len(),
	})
}

func (d *Daemon) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := audit.QueryOpts{
		Level:    strings.ToUpper(q.Get("level")),
		Category: q.Get("category"),
		Device:   q.Get("device"),
		Search:   q.Get("search"),
		Limit:    parseLimit(q.Get("limit"), 500),
	}
	if since, ok := parseTime(q.Get("since")); ok {
		opts.Since = &since
	}
	if until, ok := parseTime(q.Get("until")); ok {
		opts.Until = &until
	}

	events := d.audit.Query(opts)
	jsonResponse(w, map[string]any{
		"events":     events,
		"count":      len(events),
		"categories": d.audit.CategoryCounts(),
	})
}

func (d *Daemon) handleErrors(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, d.metrics.RecentErrors())
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	return t, err == nil
}

func parseLimit(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= maxQueryLimit {
		return n
	}
	return def
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
