// Package daemon runs hdsync as a long-lived process: it opens the
// record store, connects to the signaling ledger, starts the sync
// coordinator and serves status and metrics over HTTP.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/healthcare-dapp/hdsync/internal/audit"
	"github.com/healthcare-dapp/hdsync/internal/config"
	"github.com/healthcare-dapp/hdsync/internal/coordinator"
	"github.com/healthcare-dapp/hdsync/internal/crypto"
	"github.com/healthcare-dapp/hdsync/internal/ledger"
	"github.com/healthcare-dapp/hdsync/internal/logging"
	"github.com/healthcare-dapp/hdsync/internal/metrics"
	"github.com/healthcare-dapp/hdsync/internal/relay"
	"github.com/healthcare-dapp/hdsync/internal/store"
	"github.com/healthcare-dapp/hdsync/internal/transport"
)

// Options configures a Daemon. Config, Paths and Identity are required.
// Store, Ledger and Factory replace the ones Config would select.
type Options struct {
	Config   *config.Config
	Paths    *config.Paths
	Identity *crypto.Identity
	Version  string

	Logger    *slog.Logger
	LogBuffer *logging.Buffer

	Store   store.Store
	Ledger  ledger.Ledger
	Factory transport.Factory
}

// Daemon is the hdsync process.
type Daemon struct {
	cfg      *config.Config
	paths    *config.Paths
	identity *crypto.Identity
	version  string
	logger   *slog.Logger
	log      *slog.Logger
	logs     *logging.Buffer

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	audit    *audit.Logger
	store    store.Store
	factory  transport.Factory
	ledger   ledger.Ledger

	dir    *coordinator.Directory
	server *http.Server

	mu        sync.RWMutex
	relay     *relay.Relay
	coord     *coordinator.Coordinator
	startTime time.Time

	stopOnce sync.Once
}

// New opens the store and audit log. Network connections are made by
// Start.
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil || opts.Paths == nil || opts.Identity == nil {
		return nil, errors.New("daemon: config, paths and identity are required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d := &Daemon{
		cfg:      opts.Config,
		paths:    opts.Paths,
		identity: opts.Identity,
		version:  opts.Version,
		logger:   logging.DefaultIfNil(opts.Logger),
		log:      logging.Child(opts.Logger, "daemon"),
		logs:     opts.LogBuffer,
		registry: prometheus.NewRegistry(),
		store:    opts.Store,
		ledger:   opts.Ledger,
		factory:  opts.Factory,
		dir:      coordinator.NewDirectory(),
	}
	if d.logs == nil {
		d.logs = logging.NewBuffer(0)
	}

	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d.metrics = metrics.New(d.registry)

	auditPath := ""
	if d.cfg.Logging.Audit {
		auditPath = d.paths.AuditLogFile
	}
	auditLog, err := audit.NewLogger(auditPath, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	auditLog.SetIdentity(d.identity.Fingerprint())
	d.audit = auditLog

	if d.store == nil {
		st, err := d.openStore()
		if err != nil {
			d.audit.Close()
			return nil, err
		}
		d.store = st
	}

	if d.factory == nil {
		d.factory = transport.NewWebRTC(transport.WebRTCConfig{
			ICEServers: d.cfg.WebRTC.ICEServers,
			Logger:     opts.Logger,
		})
	}

	if d.cfg.Metrics.Enabled {
		d.server = &http.Server{
			Addr:         d.cfg.Metrics.Listen,
			Handler:      d.Handler(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
	}

	return d, nil
}

func (d *Daemon) openStore() (store.Store, error) {
	if d.cfg.Store.Backend == "memory" {
		d.log.Warn("Using in-memory store, records are lost on exit")
	}
	return OpenStore(d.cfg, d.paths, d.identity)
}

// OpenStore opens the record store selected by cfg. SQLite stores are
// encrypted with a key derived from id.
func OpenStore(cfg *config.Config, paths *config.Paths, id *crypto.Identity) (store.Store, error) {
	if cfg.Store.Backend == "memory" {
		return store.NewMemory(), nil
	}

	key, err := id.StoreKey()
	if err != nil {
		return nil, fmt.Errorf("derive store key: %w", err)
	}
	st, err := store.OpenSQLite(paths.StoreDir(cfg), key)
	crypto.ZeroBytes(key)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func (d *Daemon) connectLedger(ctx context.Context) (ledger.Ledger, error) {
	if d.cfg.Ledger.URL == "" {
		d.log.Warn("No ledger url configured, signaling stays in this process")
		return ledger.NewMemory(nil, d.cfg.Ledger.ConfirmDelay.Duration).Client(d.identity.Address()), nil
	}

	d.log.Info("Connecting to ledger gateway", "url", d.cfg.Ledger.URL)
	c, err := ledger.Dial(ctx, d.cfg.Ledger.URL, d.identity.Address(), d.identity.SigningPrivateKey(), d.logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Start connects to the ledger and starts the coordinator.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	d.startTime = time.Now()
	d.mu.Unlock()
	d.log.Info("Starting daemon",
		"identity", d.identity.Name,
		"address", d.identity.Address(),
		"fingerprint", d.identity.Fingerprint(),
	)

	if d.paths.PIDFile != "" {
		if err := os.WriteFile(d.paths.PIDFile, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
			d.log.Warn("Failed to write PID file", "error", err)
		}
	}

	if d.ledger == nil {
		l, err := d.connectLedger(ctx)
		if err != nil {
			return fmt.Errorf("connect ledger: %w", err)
		}
		d.ledger = l
	}

	r := relay.New(d.ledger, d.identity.Fingerprint(), d.dir, relay.Options{
		Debounce: d.cfg.Sync.SignalDebounce.Duration,
		Logger:   d.logger,
		Metrics:  d.metrics,
	})

	coord, err := coordinator.New(coordinator.Config{
		Identity:       d.identity,
		Account:        d.cfg.Identity.Account,
		Store:          d.store,
		Relay:          r,
		Directory:      d.dir,
		Factory:        d.factory,
		WriteDebounce:  d.cfg.Sync.WriteDebounce.Duration,
		ReconcileDelay: d.cfg.Sync.ReconcileDelay.Duration,
		PingInterval:   d.cfg.Sync.PingInterval.Duration,
		PingHoldoff:    d.cfg.Sync.PingHoldoff.Duration,
		FinishGrace:    d.cfg.Sync.FinishGrace.Duration,
		PullTimeout:    d.cfg.Sync.PullTimeout.Duration,
		ParkLimit:      d.cfg.Sync.ParkLimit,
		Logger:         d.logger,
		Metrics:        d.metrics,
		Audit:          d.audit,
	})
	if err != nil {
		r.Close()
		return fmt.Errorf("create coordinator: %w", err)
	}

	d.mu.Lock()
	d.relay = r
	d.coord = coord
	d.mu.Unlock()

	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	d.audit.DaemonStarted(d.version, len(d.dir.All()))
	d.log.Info("Daemon started", "devices", len(d.dir.All()))
	return nil
}

// Run starts the daemon and blocks until ctx is done or the HTTP server
// fails, then stops it.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		d.Stop("start failed")
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if d.server != nil {
		g.Go(func() error {
			d.log.Info("HTTP server starting", "addr", d.server.Addr)
			if err := d.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return d.server.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err := g.Wait()
	reason := "shutdown"
	if err != nil {
		reason = err.Error()
		d.audit.Error(audit.ActionDaemonError, "daemon failed", err)
	}
	d.Stop(reason)
	return err
}

// Stop releases everything the daemon opened. It is safe to call more
// than once.
func (d *Daemon) Stop(reason string) {
	d.stopOnce.Do(func() {
		d.log.Info("Stopping daemon", "reason", reason)

		r, coord := d.running()
		if coord != nil {
			coord.Stop()
		}
		if r != nil {
			r.Close()
		}
		if c, ok := d.ledger.(io.Closer); ok {
			if err := c.Close(); err != nil {
				d.log.Warn("Failed to close ledger", "error", err)
			}
		}
		if err := d.store.Close(); err != nil {
			d.log.Warn("Failed to close store", "error", err)
		}

		d.audit.DaemonStopped(reason)
		d.audit.Close()

		if d.paths.PIDFile != "" {
			os.Remove(d.paths.PIDFile)
		}
		d.log.Info("Daemon stopped")
	})
}

// Reload makes the running coordinator reread paired devices from the
// store. It does nothing before Start.
func (d *Daemon) Reload() {
	if coord := d.Coordinator(); coord != nil {
		d.log.Info("Reloading paired devices")
		coord.Reload()
	}
}

// Status is the daemon summary served on /api/status.
type Status struct {
	Name        string   `json:"name"`
	Address     string   `json:"address"`
	Fingerprint string   `json:"fingerprint"`
	Version     string   `json:"version"`
	Uptime      string   `json:"uptime"`
	Devices     int      `json:"devices"`
	Online      []string `json:"online"`
	Waiting     []string `json:"waiting"`
	Pending     int      `json:"pending_signals"`
	Ledger      string   `json:"ledger"`
	LedgerError string   `json:"ledger_error,omitempty"`
}

// ledgerHealth is implemented by ledgers that hold a network connection.
type ledgerHealth interface {
	Connected() bool
	LastError() error
}

// Status returns the daemon's current status
func (d *Daemon) Status() Status {
	s := Status{
		Name:        d.identity.Name,
		Address:     d.identity.Address(),
		Fingerprint: d.identity.Fingerprint(),
		Version:     d.version,
		Devices:     len(d.dir.All()),
		Online:      []string{},
		Waiting:     []string{},
	}
	d.mu.RLock()
	started := d.startTime
	d.mu.RUnlock()
	if !started.IsZero() {
		s.Uptime = time.Since(started).Round(time.Second).String()
	}
	r, coord := d.running()
	if coord != nil {
		s.Online = append(s.Online, coord.OnlinePeerAddresses()...)
		for _, p := range coord.WaitingPeerDevices() {
			s.Waiting = append(s.Waiting, p.Address)
		}
	}
	if r != nil {
		s.Pending = r.Pending()
	}
	s.Ledger = "local"
	if lh, ok := d.ledger.(ledgerHealth); ok {
		s.Ledger = "disconnected"
		if lh.Connected() {
			s.Ledger = "connected"
		}
		if err := lh.LastError(); err != nil {
			s.LedgerError = err.Error()
		}
	}
	return s
}

func (d *Daemon) running() (*relay.Relay, *coordinator.Coordinator) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.relay, d.coord
}

// Store returns the daemon's record store.
func (d *Daemon) Store() store.Store {
	return d.store
}

// Coordinator returns the running coordinator, or nil before Start.
func (d *Daemon) Coordinator() *coordinator.Coordinator {
	_, coord := d.running()
	return coord
}
