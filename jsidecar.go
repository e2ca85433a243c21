// Package jsidecar executes untrusted or host-supplied script code in a
// fleet of external worker processes. The host submits scripts through a
// pooled client API; under the hood the package manages the supervisor
// process, the rendezvous socket and the framed wire protocol.
package jsidecar

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sadewadee/jsidecar/internal/conn"
)

// Config is the prepared configuration record consumed by Start.
type Config struct {
	// Workers is the number of script-executor processes. Defaults to the
	// CPU count.
	Workers int

	// SocketPath is the rendezvous socket. Empty means an ephemeral file in
	// a scoped temporary directory removed on Close.
	SocketPath string

	// SupervisorCommand is the argv prefix of the supervisor executable.
	// "--socket PATH --workers N" is appended. Defaults to
	// {"jsidecar", "supervise"} resolved from PATH.
	SupervisorCommand []string

	// PoolSize caps concurrently held clients. Defaults to Workers.
	PoolSize int

	// StartupTimeout bounds waiting for the socket to become connectable.
	// Defaults to 10s.
	StartupTimeout time.Duration

	// RequestTimeout is the ceiling on any single run's host-side deadline.
	// Zero means no ceiling; runs with their own Timeout still get one.
	RequestTimeout time.Duration

	// ShutdownGrace bounds waiting for the supervisor to exit on Close
	// before it is killed. Defaults to 10s.
	ShutdownGrace time.Duration

	Logger *slog.Logger
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = cfg.Workers
	}
	if len(cfg.SupervisorCommand) == 0 {
		cfg.SupervisorCommand = []string{"jsidecar", "supervise"}
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return cfg
}

// Handle owns the running subsystem: the supervisor process, its worker
// fleet and the connection pool. It is safe to share and to Close from any
// goroutine.
type Handle struct {
	cfg        Config
	logger     *slog.Logger
	socketPath string
	tmpDir     string

	cmd      *exec.Cmd
	procDone chan struct{}
	waitErr  error

	pool *Pool

	closeOnce sync.Once
	closeErr  error
}

// Start launches the supervisor, waits for the rendezvous socket to become
// connectable and constructs the pool. On failure all partial state is torn
// down before returning.
func Start(ctx context.Context, cfg Config) (*Handle, error) {
	cfg = cfg.withDefaults()
	h := &Handle{cfg: cfg, logger: cfg.Logger}

	if cfg.SocketPath == "" {
		dir, err := os.MkdirTemp("", "jsidecar-")
		if err != nil {
			return nil, fmt.Errorf("%w: creating socket dir: %w", ErrStartup, err)
		}
		h.tmpDir = dir
		h.socketPath = filepath.Join(dir, "jsidecar.sock")
	} else {
		h.socketPath = cfg.SocketPath
		// A lingering file from a prior crash would make the supervisor's
		// bind fail or the host connect to nothing.
		if err := os.Remove(h.socketPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: removing stale socket: %w", ErrStartup, err)
		}
	}

	argv := append(append([]string{}, cfg.SupervisorCommand...),
		"--socket", h.socketPath,
		"--workers", strconv.Itoa(cfg.Workers),
	)
	h.cmd = exec.Command(argv[0], argv[1:]...)

	stderr, err := h.cmd.StderrPipe()
	if err != nil {
		h.cleanupDir()
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}

	if err := h.cmd.Start(); err != nil {
		h.cleanupDir()
		return nil, fmt.Errorf("%w: launching supervisor: %w", ErrStartup, err)
	}
	h.logger.Info("supervisor launched", "pid", h.cmd.Process.Pid, "socket", h.socketPath)

	go h.forwardStderr(stderr)

	h.procDone = make(chan struct{})
	go func() {
		h.waitErr = h.cmd.Wait()
		close(h.procDone)
	}()

	if err := h.awaitSocket(ctx); err != nil {
		h.killSupervisor()
		h.cleanupDir()
		return nil, err
	}

	h.pool = NewPool(cfg.PoolSize, func(ctx context.Context) (*Client, error) {
		c, err := conn.Dial(h.socketPath, h.logger)
		if err != nil {
			return nil, err
		}
		return NewClient(c, cfg.RequestTimeout, h.logger), nil
	}, h.logger)

	return h, nil
}

// Pool returns the connection pool.
func (h *Handle) Pool() *Pool {
	return h.pool
}

// Acquire is shorthand for Pool().Acquire.
func (h *Handle) Acquire(ctx context.Context) (*Guard, error) {
	return h.pool.Acquire(ctx)
}

// SocketPath returns the rendezvous socket in use.
func (h *Handle) SocketPath() string {
	return h.socketPath
}

// Close shuts the subsystem down: the pool first, then a graceful supervisor
// shutdown with a bounded wait and a kill fallback. Close is idempotent.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		if h.pool != nil {
			h.pool.Close()
		}

		if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			// Already gone; collect the exit below.
			h.logger.Debug("signaling supervisor", "error", err)
		}

		select {
		case <-h.procDone:
			if h.waitErr != nil {
				h.logger.Warn("supervisor exited with error", "error", h.waitErr)
				h.closeErr = fmt.Errorf("supervisor exit: %w", h.waitErr)
			}
		case <-time.After(h.cfg.ShutdownGrace):
			h.logger.Warn("supervisor did not exit in time, killing")
			h.cmd.Process.Kill()
			<-h.procDone
			h.closeErr = fmt.Errorf("supervisor killed after grace period: %w", h.waitErr)
		}

		h.cleanupDir()
	})
	return h.closeErr
}

// awaitSocket polls until the rendezvous socket accepts a connection, the
// startup timeout elapses, or the supervisor dies.
func (h *Handle) awaitSocket(ctx context.Context) error {
	deadline := time.NewTimer(h.cfg.StartupTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		probe, err := net.DialTimeout("unix", h.socketPath, time.Second)
		if err == nil {
			probe.Close()
			return nil
		}

		select {
		case <-tick.C:
		case <-deadline.C:
			return fmt.Errorf("%w: socket %s not connectable within %s",
				ErrStartup, h.socketPath, h.cfg.StartupTimeout)
		case <-h.procDone:
			return fmt.Errorf("%w: supervisor exited during startup: %v", ErrStartup, h.waitErr)
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrStartup, ctx.Err())
		}
	}
}

func (h *Handle) forwardStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		h.logger.Debug("supervisor stderr", "line", sc.Text())
	}
}

func (h *Handle) killSupervisor() {
	h.cmd.Process.Kill()
	<-h.procDone
}

func (h *Handle) cleanupDir() {
	if h.tmpDir != "" {
		os.RemoveAll(h.tmpDir)
	} else {
		// The supervisor unlinks its socket on exit; this is the backstop
		// for unclean exits.
		os.Remove(h.socketPath)
	}
}
