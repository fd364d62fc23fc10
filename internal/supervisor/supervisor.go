// Package supervisor hosts the engine, owns the command-listen socket and
// the three outbound helper connections, and performs every I/O
// side-effect the engine's pure transitions request.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/vmmd-project/vmmd/internal/launch"
	"github.com/vmmd-project/vmmd/internal/logging"
	"github.com/vmmd-project/vmmd/internal/taps"
	"github.com/vmmd-project/vmmd/internal/vmengine"
	"github.com/vmmd-project/vmmd/internal/vmmconfig"
)

const helperQueueDepth = 256

// Supervisor is the long-lived process hosting the VM lifecycle engine.
type Supervisor struct {
	cfg          vmmconfig.Config
	logger       *slog.Logger
	launcher     launch.Launcher
	tapAllocator *taps.Allocator // nil when the deployment manages taps out of band

	mu    sync.Mutex
	state vmengine.State

	// createMu serializes a create's Add-request-then-await-reply sequence
	// against the shared console connection, so concurrent creates cannot
	// consume each other's ack.
	createMu sync.Mutex

	console *helperChannel
	stats   *helperChannel // nil when unavailable; missing stats degrades silently
	log     *helperChannel

	netns taps.NamespaceIsolator // zero value; only exercised when cfg.UseNetns

	listener net.Listener

	startTime time.Time
}

// New constructs a Supervisor from configuration and a resource budget. The
// launcher is injected so tests and alternate deployments can substitute a
// fake without touching libvirt or exec. tapAllocator may be nil when taps
// are provisioned out of band.
func New(cfg vmmconfig.Config, budgets vmengine.Budgets, launcher launch.Launcher, tapAllocator *taps.Allocator, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:          cfg,
		logger:       logging.WithComponent(logger, "supervisor"),
		launcher:     launcher,
		tapAllocator: tapAllocator,
		state:        vmengine.NewState(budgets),
	}
}

// Start removes any stale socket, binds the command socket, connects to
// helpers, and serves clients until ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) error {
	ignoreSIGPIPE()

	if err := os.MkdirAll(s.cfg.TmpDir, 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	if err := s.connectHelpers(); err != nil {
		return err
	}
	defer s.closeHelpers()

	socketPath := s.cfg.CommandSocketPath()
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove stale socket %s: %w", socketPath, err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	s.listener = listener
	defer listener.Close()

	s.startTime = time.Now()
	if s.cfg.StatsEnabled {
		go s.runStatsReporter(ctx)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("supervisor listening", "socket", socketPath)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept client: %w", err)
		}
		go s.serveClient(conn)
	}
}

// connectHelpers dials console (required), log (required), and stats
// (optional) in that order. Console and log are load-bearing: a failure to
// connect aborts the daemon, per spec.md §4.4.
func (s *Supervisor) connectHelpers() error {
	consoleConn, err := net.Dial("unix", s.cfg.ConsoleSocketPath())
	if err != nil {
		return fmt.Errorf("connect to console helper (required): %w", err)
	}
	s.console = newHelperChannel(helperConsole, consoleConn, true, helperQueueDepth, s.logger)

	logConn, err := net.Dial("unix", s.cfg.LogSocketPath())
	if err != nil {
		consoleConn.Close()
		return fmt.Errorf("connect to log helper (required): %w", err)
	}
	s.log = newHelperChannel(helperLog, logConn, true, helperQueueDepth, s.logger)

	if statsConn, err := net.Dial("unix", s.cfg.StatsSocketPath()); err == nil {
		s.stats = newHelperChannel(helperStats, statsConn, false, helperQueueDepth, s.logger)
	} else {
		s.logger.Warn("stats helper unavailable, degrading silently", "error", err)
	}

	go s.watchEssentialHelpers()
	return nil
}

// watchEssentialHelpers exits the process if the console or log channel's
// sender goroutine reports a fatal write error, per spec.md §7 ("I/O errors
// on the console or log helper channels are fatal to the daemon").
func (s *Supervisor) watchEssentialHelpers() {
	select {
	case err := <-s.console.fatal:
		s.logger.Error("console helper channel failed, aborting", "error", err)
		os.Exit(1)
	case err := <-s.log.fatal:
		s.logger.Error("log helper channel failed, aborting", "error", err)
		os.Exit(1)
	}
}

func (s *Supervisor) closeHelpers() {
	if s.console != nil {
		s.console.Close()
	}
	if s.log != nil {
		s.log.Close()
	}
	if s.stats != nil {
		s.stats.Close()
	}
}

// runStatsReporter periodically logs a summary of uptime and VM counters.
func (s *Supervisor) runStatsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			running := len(s.state.VMs)
			created := s.state.Created
			destroyed := s.state.Destroyed
			s.mu.Unlock()

			s.logger.Info("supervisor summary",
				"uptime", time.Since(s.startTime).Round(time.Second),
				"created", created,
				"destroyed", destroyed,
				"running", running,
			)
		}
	}
}
