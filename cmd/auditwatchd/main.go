// Command auditwatchd is a standalone daemon that opens an audit project
// read-only and runs its tamper-evident integrity watcher, publishing
// SecurityAlert / DataIntegrityIssue events to its own observer bus and
// exposing a /healthz liveness endpoint. It exists for deployments that
// keep the watcher in its own process rather than embedded in whatever
// writes the log (e.g. a central compliance host watching a project whose
// writer runs elsewhere on a shared volume).
//
// This mirrors the teacher's cmd/agent daemon shape closely: load config,
// start the long-running component, serve /healthz, block on SIGTERM or
// SIGINT, shut down gracefully.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qmsforge/auditcore/internal/config"
	"github.com/qmsforge/auditcore/internal/integritywatch"
	"github.com/qmsforge/auditcore/internal/layout"
	"github.com/qmsforge/auditcore/internal/observer"
)

func main() {
	configPath := flag.String("config", "/etc/qms/audit.yaml", "path to the audit project YAML configuration file")
	healthAddr := flag.String("health-addr", ":9090", "liveness endpoint listener address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "auditwatchd: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	proj, err := layout.New(cfg.ProjectPath)
	if err != nil {
		logger.Error("failed to open project layout", slog.Any("error", err))
		os.Exit(1)
	}

	bus := observer.New(logger)
	bus.Register("auditwatchd-logger", 0, func(observer.Kind) bool { return true }, func(evt observer.Event) {
		logger.Warn("integrity event", slog.String("kind", string(evt.Kind)), slog.String("detail", evt.Detail))
	})

	watcher, err := integritywatch.Open(proj, bus, logger)
	if err != nil {
		logger.Error("failed to start integrity watcher", slog.Any("error", err))
		os.Exit(1)
	}
	if watcher == nil {
		logger.Warn("no platform notifier registered for this OS; watcher is a no-op")
	} else {
		defer watcher.Close()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	healthServer := &http.Server{
		Addr:         *healthAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("healthz server listening", slog.String("addr", *healthAddr))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("healthz server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("healthz server shutdown error", slog.Any("error", err))
	}

	logger.Info("auditwatchd exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
