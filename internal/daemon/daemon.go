// Package daemon is the taskd server process: it owns storage, the task
// manager, the monitor and a transport server, and dispatches requests
// to them.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/valter-silva-au/taskd/internal/agent"
	"github.com/valter-silva-au/taskd/internal/core"
	"github.com/valter-silva-au/taskd/internal/observability"
	"github.com/valter-silva-au/taskd/internal/pidfile"
	"github.com/valter-silva-au/taskd/internal/procctl"
	"github.com/valter-silva-au/taskd/internal/storage"
	"github.com/valter-silva-au/taskd/internal/transport"
	"github.com/valter-silva-au/taskd/pkg/models"
)

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("daemon already started")

// Option configures a Daemon.
type Option func(*Daemon)

// WithLogger sets the daemon's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Daemon) { d.logger = logger }
}

// WithRunner replaces the agent runner built from the agent config.
func WithRunner(r agent.Runner) Option {
	return func(d *Daemon) { d.runner = r }
}

// WithProcessController replaces the OS process controller.
func WithProcessController(p procctl.Controller) Option {
	return func(d *Daemon) { d.proc = p }
}

// WithRegistry registers the daemon's Prometheus collectors on reg.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(d *Daemon) { d.registry = reg }
}

// WithVersion sets the version written to the PID file and reported by ping.
func WithVersion(v string) Option {
	return func(d *Daemon) { d.version = v }
}

// Daemon is one taskd server process.
type Daemon struct {
	cfg      *models.Config
	version  string
	logger   *slog.Logger
	runner   agent.Runner
	proc     procctl.Controller
	registry *prometheus.Registry

	mu         sync.Mutex
	started    bool
	stopped    bool
	pidWritten bool

	lock       *storage.RootLock
	store      storage.TaskStorage
	manager    core.TaskManager
	monitor    observability.TaskMonitor
	prom       *observability.PromRecorder
	server     transport.Server
	metricsSrv *http.Server

	cleanupCancel context.CancelFunc
	cleanupDone   chan struct{}
	done          chan struct{}
}

// New creates a Daemon for cfg. Nothing is touched on disk until Start.
func New(cfg *models.Config, opts ...Option) *Daemon {
	d := &Daemon{
		cfg:     cfg,
		version: "dev",
		logger:  slog.Default(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.proc == nil {
		d.proc = procctl.New()
	}
	if d.runner == nil {
		d.runner = agent.NewCommandRunner(cfg.Agent.Command, cfg.Agent.Args, cfg.Agent.ModelFlag)
	}
	return d
}

// Start brings the daemon up: root lock, storage, manager recovery,
// monitor, transport, PID file, cleanup loop and the optional metrics
// listener. On failure everything already started is torn down.
func (d *Daemon) Start(ctx context.Context) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return ErrAlreadyStarted
	}

	defer func() {
		if err != nil {
			d.teardown(context.Background())
		}
	}()

	d.lock, err = storage.AcquireRootLock(d.cfg.StorageDir)
	if err != nil {
		return fmt.Errorf("locking storage root: %w", err)
	}

	d.store = storage.NewTaskStorage(d.cfg.StorageDir)
	if err = d.store.Initialize(); err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}

	d.prom = observability.NewPromRecorder(d.registry)

	factory := core.NewExecutorFactory(d.runner, d.proc, core.SettingsFromConfig(d.cfg))
	d.manager = core.NewTaskManager(d.store, factory,
		core.ManagerConfig{
			MaxConcurrentTasks:   d.cfg.Daemon.MaxConcurrentTasks,
			DefaultMaxIterations: d.cfg.Agent.MaxIterations,
		},
		core.WithLogger(d.logger),
		core.WithMetrics(d.prom),
	)
	if err = d.manager.Initialize(ctx); err != nil {
		return fmt.Errorf("recovering tasks: %w", err)
	}

	d.monitor = observability.NewTaskMonitor(d.store, d.cfg.Daemon.MaxConcurrentTasks)

	d.server, err = transport.NewServer(transport.ConfigFrom(d.cfg.Transport),
		transport.WithLogger(d.logger),
		transport.WithMetricsHandler(d.prom.Handler()),
	)
	if err != nil {
		return fmt.Errorf("creating transport server: %w", err)
	}
	d.server.SetRequestHandler(d.Handle)
	if err = d.server.Start(); err != nil {
		d.server = nil
		return fmt.Errorf("starting transport server: %w", err)
	}

	if err = pidfile.Write(d.cfg.PIDFile, os.Getpid(), d.version); err != nil {
		return err
	}
	d.pidWritten = true

	if d.cfg.Daemon.CleanupInterval > 0 {
		d.startCleanupLoop(d.cfg.Daemon.CleanupInterval)
	}

	if addr := d.cfg.Daemon.MetricsAddress; addr != "" {
		if err = d.startMetricsListener(addr); err != nil {
			return err
		}
	}

	d.started = true
	d.logger.Info("daemon started",
		"version", d.version,
		"pid", os.Getpid(),
		"transport", string(transport.ConfigFrom(d.cfg.Transport).Backend()),
		"addr", d.server.Addr(),
		"storage_dir", d.cfg.StorageDir,
		"max_concurrent_tasks", d.cfg.Daemon.MaxConcurrentTasks,
	)
	return nil
}

func (d *Daemon) startMetricsListener(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening for metrics on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", d.prom.Handler())
	d.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := d.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("metrics listener stopped", "error", err)
		}
	}()
	d.logger.Info("metrics listener started", "addr", ln.Addr().String())
	return nil
}

// Addr is the transport address clients connect to.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.server == nil {
		return ""
	}
	return d.server.Addr()
}

// Done is closed once Stop has completed.
func (d *Daemon) Done() <-chan struct{} { return d.done }

// Run starts the daemon, blocks until ctx is cancelled or SIGINT/SIGTERM
// arrives, then stops it within the configured shutdown timeout.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		d.logger.Info("shutdown signal received")
	case <-d.done:
		return nil
	}

	timeout := d.cfg.Daemon.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return d.Stop(shutdownCtx)
}

// Stop shuts the daemon down in reverse start order. Only the first call
// does any work.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started || d.stopped {
		return nil
	}
	d.stopped = true
	err := d.teardown(ctx)
	close(d.done)
	d.logger.Info("daemon stopped")
	return err
}

// teardown releases whatever Start acquired. Callers hold d.mu.
func (d *Daemon) teardown(ctx context.Context) error {
	var errs []error

	if d.cleanupCancel != nil {
		d.cleanupCancel()
		<-d.cleanupDone
		d.cleanupCancel = nil
	}
	if d.manager != nil {
		if err := d.manager.Shutdown(ctx); err != nil {
			d.logger.Warn("task drain incomplete", "error", err)
			errs = append(errs, err)
		}
	}
	if d.server != nil {
		if err := d.server.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping transport server: %w", err))
		}
	}
	if d.metricsSrv != nil {
		if err := d.metricsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping metrics listener: %w", err))
		}
	}
	if d.pidWritten {
		if err := pidfile.Remove(d.cfg.PIDFile); err != nil {
			errs = append(errs, err)
		}
	}
	if d.lock != nil {
		if err := d.lock.Release(); err != nil {
			errs = append(errs, fmt.Errorf("releasing storage lock: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (d *Daemon) startCleanupLoop(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	d.cleanupCancel = cancel
	d.cleanupDone = make(chan struct{})

	go func() {
		defer close(d.cleanupDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := d.store.CleanupOldTasks(d.cfg.Daemon.RetentionDays, d.cfg.Daemon.MaxTasks)
				if err != nil {
					d.logger.Error("periodic cleanup failed", "error", err)
					continue
				}
				if n > 0 {
					d.logger.Info("periodic cleanup removed tasks", "deleted", n)
				}
			}
		}
	}()
}
