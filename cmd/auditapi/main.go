// Command auditapi is the HTTP demo front end for the audit log: it loads
// a YAML configuration file, initializes the audit log facade, serves the
// JWT-protected REST API from internal/webapi, and shuts down gracefully
// on SIGTERM or SIGINT. It plays the role the teacher's cmd/server plays
// for the dashboard, minus the gRPC ingestion side this module has no use
// for (there are no remote agents pushing events here).
package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qmsforge/auditcore/internal/auditlog"
	"github.com/qmsforge/auditcore/internal/config"
	"github.com/qmsforge/auditcore/internal/webapi"
)

func main() {
	configPath := flag.String("config", "/etc/qms/audit.yaml", "path to the audit log YAML configuration file")
	httpAddr := flag.String("http-addr", ":8080", "HTTP REST API listener address")
	jwtPubKeyPath := flag.String("jwt-pubkey", "", "path to PEM RSA public key for JWT validation (optional; dev mode if empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "auditapi: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("project_path", cfg.ProjectPath),
		slog.String("http_addr", *httpAddr),
	)

	al, err := auditlog.Initialize(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize audit log", slog.Any("error", err))
		os.Exit(1)
	}
	defer al.Close()

	var pubKey *rsa.PublicKey
	if *jwtPubKeyPath != "" {
		pem, err := os.ReadFile(*jwtPubKeyPath)
		if err != nil {
			logger.Error("failed to read JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		pubKey, err = parseRSAPublicKey(pem)
		if err != nil {
			logger.Error("failed to parse JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("JWT validation enabled")
	} else {
		logger.Warn("jwt-pubkey not configured; REST API authentication disabled (dev mode)")
	}

	srv := webapi.NewServer(al)
	httpHandler := webapi.NewRouter(srv, pubKey)

	httpServer := &http.Server{
		Addr:         *httpAddr,
		Handler:      httpHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP REST server listening", slog.String("addr", *httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	logger.Info("auditapi exited cleanly")
}

// parseRSAPublicKey decodes a PEM-encoded PKIX or PKCS1 RSA public key.
func parseRSAPublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		if rsaKey, ok := key.(*rsa.PublicKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("PEM block is not an RSA public key")
	}
	return x509.ParsePKCS1PublicKey(block.Bytes)
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
