// Package supervisor implements the primary process that owns the worker
// fleet and the rendezvous socket. It forks script-executor children,
// tracks their readiness handshake, replaces crashes and drains the fleet
// on shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Config describes one supervised fleet.
type Config struct {
	// SocketPath is the rendezvous socket to listen on. Any stale file at
	// the path is unlinked first.
	SocketPath string

	// Workers is the fleet size.
	Workers int

	// WorkerCommand is the argv of the script-executor child.
	WorkerCommand []string

	// GracePeriod bounds draining on shutdown before stragglers are killed.
	// Defaults to 10s.
	GracePeriod time.Duration

	// MaxCrashes is the number of crash replacements allowed over the
	// supervisor's lifetime; the next crash shuts the fleet down instead.
	// The count is never reset. Defaults to three per worker.
	MaxCrashes int

	Logger *slog.Logger
}

type evKind int

const (
	evReady evKind = iota
	evExit
	evRespawn
	evFileGone
)

type event struct {
	kind     evKind
	workerID int
	err      error
	path     string
}

// Supervisor owns the fleet. Run drives everything from a single event loop
// so worker state transitions are serialized.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	ln     *net.UnixListener
	lnFile *os.File

	events      chan event
	shutdownReq chan struct{}

	workers map[int]*worker
	nextID  int
	crashes int

	shuttingDown bool
	graceTimer   *time.Timer

	readyCh   chan struct{}
	readyOnce bool
}

// New validates the config and prepares a supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("supervisor: socket path is required")
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("supervisor: workers must be >= 1, got %d", cfg.Workers)
	}
	if len(cfg.WorkerCommand) == 0 {
		return nil, errors.New("supervisor: worker command is required")
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	if cfg.MaxCrashes <= 0 {
		cfg.MaxCrashes = 3 * cfg.Workers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Supervisor{
		cfg:         cfg,
		logger:      cfg.Logger,
		events:      make(chan event, 64),
		shutdownReq: make(chan struct{}, 1),
		workers:     make(map[int]*worker),
		readyCh:     make(chan struct{}),
	}, nil
}

// Ready is closed once every worker of the initial fleet has reported ready.
func (s *Supervisor) Ready() <-chan struct{} {
	return s.readyCh
}

// Shutdown requests a graceful drain of the fleet. Safe from any goroutine;
// repeated calls are absorbed.
func (s *Supervisor) Shutdown() {
	select {
	case s.shutdownReq <- struct{}{}:
	default:
	}
}

// Run listens on the rendezvous socket, forks the fleet and supervises it
// until shutdown completes or the fleet is declared failed. The socket file
// is unlinked before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.SocketPath, err)
	}
	s.ln = ln.(*net.UnixListener)
	// Children outlive any single accept; keep the inode until we exit.
	s.ln.SetUnlinkOnClose(false)
	defer os.Remove(s.cfg.SocketPath)
	defer s.ln.Close()

	s.lnFile, err = s.ln.File()
	if err != nil {
		return fmt.Errorf("dup listener fd: %w", err)
	}
	defer s.lnFile.Close()

	watcher, err := newTeardownWatcher(s.cfg.SocketPath, s.cfg.WorkerCommand[0], s.events, s.logger)
	if err != nil {
		s.logger.Warn("teardown watcher unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	s.logger.Info("supervisor listening",
		"socket", s.cfg.SocketPath, "workers", s.cfg.Workers)

	for i := 0; i < s.cfg.Workers; i++ {
		if err := s.fork(); err != nil {
			s.beginShutdown("fork failed")
			break
		}
	}

	var graceC <-chan time.Time
	for {
		if s.shuttingDown && s.liveCount() == 0 {
			s.logger.Info("fleet drained")
			return nil
		}

		if s.graceTimer != nil {
			graceC = s.graceTimer.C
		}

		select {
		case ev := <-s.events:
			s.handle(ev)
		case <-s.shutdownReq:
			if !s.shuttingDown {
				s.beginShutdown("shutdown requested")
			}
		case <-graceC:
			s.killStragglers()
		case <-ctx.Done():
			if !s.shuttingDown {
				s.beginShutdown("context cancelled")
			}
		}
	}
}

func (s *Supervisor) handle(ev event) {
	switch ev.kind {
	case evReady:
		s.handleReady(ev.workerID)
	case evExit:
		s.handleExit(ev.workerID, ev.err)
	case evRespawn:
		if !s.shuttingDown {
			if err := s.fork(); err != nil {
				s.beginShutdown("respawn failed")
			}
		}
	case evFileGone:
		if !s.shuttingDown {
			s.logger.Warn("required file disappeared, shutting down", "path", ev.path)
			s.beginShutdown("file disappeared")
		}
	}
}

func (s *Supervisor) handleReady(id int) {
	w, ok := s.workers[id]
	if !ok || w.terminal() {
		return
	}

	// A worker that came up after shutdown began must be told immediately;
	// it missed the broadcast.
	if s.shuttingDown {
		s.logger.Debug("late ready during shutdown", "worker_id", id)
		w.sendShutdown()
		return
	}

	w.state = StateReady
	s.logger.Info("worker ready", "worker_id", id, "pid", w.pid())

	if !s.readyOnce && s.readyCount() >= s.cfg.Workers {
		s.readyOnce = true
		close(s.readyCh)
	}
}

func (s *Supervisor) handleExit(id int, err error) {
	w, ok := s.workers[id]
	if !ok {
		return
	}

	if w.state == StateDraining && err == nil {
		w.state = StateExited
		s.logger.Info("worker exited", "worker_id", id)
		return
	}

	w.state = StateCrashed
	s.logger.Warn("worker crashed", "worker_id", id, "error", err)

	if s.shuttingDown {
		return
	}

	// An unclean host teardown shows up as our files disappearing; restart
	// loops against a dead peer help nobody.
	if s.peerTornDown() {
		s.beginShutdown("socket or worker executable gone")
		return
	}

	s.crashes++
	if s.crashes > s.cfg.MaxCrashes {
		s.logger.Error("crash budget exhausted, shutting down", "crashes", s.crashes)
		s.beginShutdown("crash budget exhausted")
		return
	}

	// Replacement with a short delay to avoid a tight fork loop.
	time.AfterFunc(100*time.Millisecond, func() {
		s.events <- event{kind: evRespawn}
	})
}

func (s *Supervisor) fork() error {
	s.nextID++
	id := s.nextID
	w, err := spawn(id, s.cfg.WorkerCommand, s.cfg.SocketPath, s.lnFile, s.events, s.logger)
	if err != nil {
		s.logger.Error("fork failed", "worker_id", id, "error", err)
		return err
	}
	s.workers[id] = w
	return nil
}

func (s *Supervisor) beginShutdown(reason string) {
	s.shuttingDown = true
	s.logger.Info("draining fleet", "reason", reason, "live", s.liveCount())

	for _, w := range s.workers {
		switch w.state {
		case StateOnline, StateReady:
			w.sendShutdown()
		}
	}
	s.graceTimer = time.NewTimer(s.cfg.GracePeriod)
}

func (s *Supervisor) killStragglers() {
	for id, w := range s.workers {
		if !w.terminal() {
			s.logger.Warn("killing straggler", "worker_id", id, "state", w.state.String())
			w.kill()
		}
	}
}

func (s *Supervisor) peerTornDown() bool {
	if _, err := os.Stat(s.cfg.SocketPath); os.IsNotExist(err) {
		return true
	}
	// Bare command names resolve through PATH; only a vanished absolute
	// path is a teardown signal.
	if cmd := s.cfg.WorkerCommand[0]; filepath.IsAbs(cmd) {
		if _, err := os.Stat(cmd); os.IsNotExist(err) {
			return true
		}
	}
	return false
}

func (s *Supervisor) liveCount() int {
	n := 0
	for _, w := range s.workers {
		if !w.terminal() {
			n++
		}
	}
	return n
}

func (s *Supervisor) readyCount() int {
	n := 0
	for _, w := range s.workers {
		if w.state == StateReady {
			n++
		}
	}
	return n
}
