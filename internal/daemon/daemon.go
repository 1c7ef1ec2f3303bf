// Package daemon wires the signal sources, registry, store, and hub
// together and runs them as one background service.
//
// One daemon per workspace: a flock-guarded PID file prevents a second
// instance from double-reporting signals against the same store.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"

	"github.com/steveyegge/lookout/internal/config"
	"github.com/steveyegge/lookout/internal/eventbus"
	"github.com/steveyegge/lookout/internal/heartbeat"
	"github.com/steveyegge/lookout/internal/hub"
	"github.com/steveyegge/lookout/internal/probe"
	"github.com/steveyegge/lookout/internal/queue"
	"github.com/steveyegge/lookout/internal/registry"
	"github.com/steveyegge/lookout/internal/scanner"
	"github.com/steveyegge/lookout/internal/store"
	"github.com/steveyegge/lookout/internal/sweeper"
)

// ErrAlreadyRunning means another daemon holds the workspace lock.
var ErrAlreadyRunning = errors.New("lookout daemon already running for this workspace")

// rescanInterval is how often discovery re-walks the workspace for agents
// and projects that appeared after startup.
const rescanInterval = 5 * time.Minute

// Daemon is the composed lookout service.
type Daemon struct {
	cfg    config.Config
	logger *slog.Logger

	store     store.Store
	bus       *eventbus.Bus
	registry  *registry.Registry
	tracker   *registry.Tracker
	scanner   *scanner.Scanner
	probe     *probe.Probe
	logs      *probe.LogHeuristic
	heartbeat *heartbeat.Monitor
	queue     *queue.Watcher
	sweeper   *sweeper.Sweeper
	hub       *hub.Hub

	lock *flock.Flock
}

// New composes a Daemon from the configuration.
func New(cfg config.Config) (*Daemon, error) {
	st, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	bus := eventbus.New()
	reg := registry.New(st, bus)
	tracker := registry.NewTracker(reg)

	d := &Daemon{
		cfg:       cfg,
		logger:    slog.Default().With("component", "daemon"),
		store:     st,
		bus:       bus,
		registry:  reg,
		tracker:   tracker,
		scanner:   scanner.New(cfg.Workspace, reg),
		probe:     probe.New(),
		logs:      probe.NewLogHeuristic(probe.WithLogWindow(cfg.LogWindow.Std())),
		heartbeat: heartbeat.New(cfg.HeartbeatDir, heartbeat.WithWindow(cfg.HeartbeatWindow.Std())),
		queue:     queue.New(cfg.QueueDir, tracker, reg, bus),
		hub:       hub.New(reg, st, bus),
	}
	d.sweeper = sweeper.New(reg, d.probe, d.logs, st, bus,
		sweeper.WithInterval(cfg.SweepInterval.Std()),
		sweeper.WithStaleness(cfg.Staleness.Std()))
	d.sweeper.DowngradeActive = cfg.DowngradeActive
	return d, nil
}

// Run starts every task and blocks until ctx is canceled. Each signal
// source runs independently; one source failing never stops the others.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.acquireLock(); err != nil {
		d.store.Close()
		return err
	}
	defer d.releaseLock()
	defer d.store.Close()
	defer d.bus.Close()

	if err := d.scanner.Scan(); err != nil {
		// A broken workspace still gets heartbeat and queue coverage.
		d.logger.Warn("initial discovery failed", "error", err)
	}

	go d.sweeper.Run(ctx)
	go d.heartbeatLoop(ctx)
	go d.rescanLoop(ctx)
	go d.hub.Run(ctx)
	go func() {
		if err := d.queue.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Warn("queue watcher stopped", "error", err)
		}
	}()

	server := &http.Server{Addr: d.cfg.ListenAddr, Handler: d.routes()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	d.logger.Info("lookout running",
		"workspace", d.cfg.Workspace, "listen", d.cfg.ListenAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving subscribers: %w", err)
	}
	return nil
}

// routes exposes the subscription endpoint. Everything else about HTTP
// (auth, sessions, the dashboard itself) lives outside this service.
func (d *Daemon) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", d.hub)
	return mux
}

// heartbeatLoop sweeps the heartbeat directory on its own cadence.
func (d *Daemon) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.HeartbeatCadence.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sig := range d.heartbeat.Sweep() {
				d.registry.Observe(sig)
			}
		}
	}
}

// rescanLoop re-runs discovery periodically. Discovery is idempotent, so
// rescans only pick up agents and projects created after startup.
func (d *Daemon) rescanLoop(ctx context.Context) {
	ticker := time.NewTicker(rescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.scanner.Scan(); err != nil {
				d.logger.Warn("rescan failed", "error", err)
			}
		}
	}
}

// acquireLock takes the workspace flock and records our PID.
func (d *Daemon) acquireLock() error {
	dir := filepath.Dir(d.cfg.DatabasePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	d.lock = flock.New(filepath.Join(dir, "lookout.lock"))
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring workspace lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}

	pidFile := filepath.Join(dir, "lookout.pid")
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		d.logger.Warn("writing pid file failed", "error", err)
	}
	return nil
}

func (d *Daemon) releaseLock() {
	if d.lock == nil {
		return
	}
	dir := filepath.Dir(d.cfg.DatabasePath)
	os.Remove(filepath.Join(dir, "lookout.pid"))
	d.lock.Unlock()
}
