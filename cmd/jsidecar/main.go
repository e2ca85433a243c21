package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/sadewadee/jsidecar/internal/config"
	"github.com/sadewadee/jsidecar/internal/supervisor"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "supervise":
		os.Exit(supervise(os.Args[2:]))
	case "version":
		fmt.Printf("jsidecar v%s\n", version)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func supervise(args []string) int {
	fs := flag.NewFlagSet("supervise", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to YAML config file")
	socket := fs.String("socket", "", "rendezvous socket path (required)")
	workers := fs.Int("workers", 0, "worker count (default: CPU count)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", *cfgPath, err)
			return 1
		}
		cfg = loaded
	}

	// Flags override the file.
	if *socket != "" {
		cfg.Supervisor.Socket = *socket
	}
	if *workers > 0 {
		cfg.Supervisor.Workers = *workers
	}
	if cfg.Supervisor.Workers == 0 {
		cfg.Supervisor.Workers = runtime.NumCPU()
	}
	if cfg.Supervisor.Socket == "" {
		fmt.Fprintln(os.Stderr, "supervise: --socket is required")
		return 1
	}
	if len(cfg.Supervisor.WorkerCommand) == 0 {
		// Remaining positional args name the worker executable.
		cfg.Supervisor.WorkerCommand = fs.Args()
	}
	if len(cfg.Supervisor.WorkerCommand) == 0 {
		fmt.Fprintln(os.Stderr, "supervise: worker command is required (config worker_command or positional args)")
		return 1
	}

	logger, logCloser := setupLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	if logCloser != nil {
		defer logCloser.Close()
	}
	logger.Info("jsidecar supervisor starting", "version", version)

	sup, err := supervisor.New(supervisor.Config{
		SocketPath:    cfg.Supervisor.Socket,
		Workers:       cfg.Supervisor.Workers,
		WorkerCommand: cfg.Supervisor.WorkerCommand,
		GracePeriod:   cfg.Supervisor.GracePeriod.Duration(),
		MaxCrashes:    cfg.Supervisor.MaxCrashes,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("invalid supervisor config", "error", err)
		return 1
	}

	done := make(chan struct{})
	quit := make(chan os.Signal, 2)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-quit:
		case <-done:
			return
		}
		logger.Info("shutdown signal received")
		sup.Shutdown()

		// A second signal within the grace window forces immediate exit.
		select {
		case <-quit:
			logger.Warn("second signal, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	err = sup.Run(context.Background())
	close(done)
	if err != nil {
		logger.Error("supervisor failed", "error", err)
		return 1
	}
	logger.Info("jsidecar supervisor stopped")
	return 0
}

func setupLogger(level, format, output string) (*slog.Logger, io.Closer) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	writer, closer := resolveLogOutput(output)
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(writer, opts)
	}

	return slog.New(handler), closer
}

func resolveLogOutput(output string) (io.Writer, io.Closer) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return os.Stderr, nil
		}
		return f, f
	}
}

func printUsage() {
	fmt.Println(`jsidecar - script sidecar worker supervisor

Usage:
  jsidecar <command> [options]

Commands:
  supervise [flags] [-- worker command...]
                   Run the worker supervisor
  version          Show version
  help             Show this help

Supervise flags:
  --socket PATH    Rendezvous socket path (required)
  --workers N      Worker count (default: CPU count)
  --config FILE    YAML config file

Signals:
  SIGINT/SIGTERM   Graceful shutdown; a second signal forces exit

Examples:
  jsidecar supervise --socket /run/jsidecar.sock --workers 4 -- node worker.js
  jsidecar supervise --config /etc/jsidecar/jsidecar.yaml`)
}
