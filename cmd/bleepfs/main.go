// Package main is the entry point for the bleepfs file server.
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

	"github.com/bleepstore/bleepfs/internal/config"
	"github.com/bleepstore/bleepfs/internal/engine"
	"github.com/bleepstore/bleepfs/internal/logging"
	"github.com/bleepstore/bleepfs/internal/metrics"
	"github.com/bleepstore/bleepfs/internal/server"
	"github.com/bleepstore/bleepfs/internal/versioning"
)

func main() {
	os.Exit(run())
}

// run wires and serves bleepfs, returning the process exit code. Deferred
// shutdown steps run before main exits.
func run() int {
	configPath := flag.String("config", "bleepfs.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 9100)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	shutdownTimeout := flag.Int("shutdown-timeout", 0, "graceful shutdown timeout in seconds (default: from config or 30)")
	maxFileSize := flag.Int64("max-file-size", 0, "maximum file size in bytes (default: from config or 5368709120)")
	pageSize := flag.Int("page-size", 0, "page size in bytes (default: from config or 65536)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}
	if *maxFileSize != 0 {
		cfg.Server.MaxFileSize = *maxFileSize
	}
	if *pageSize != 0 {
		cfg.Storage.PageSize = *pageSize
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	metrics.Register()

	// Crash-only design: every startup is recovery. SQLite WAL recovers on
	// open, orphaned temp pages are removed by the local backend, and the
	// versioning policies are re-seeded if missing.
	ctx := context.Background()

	metaStore, err := openMetadataStore(ctx, cfg.Metadata)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize metadata store: %v\n", err)
		return 1
	}
	defer metaStore.Close()

	pageStore, pageCloser, err := openPageStore(ctx, cfg.Storage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize page store: %v\n", err)
		return 1
	}
	if pageCloser != nil {
		defer pageCloser.Close()
	}

	eng := engine.New(metaStore, pageStore, engine.Options{
		PageSize:                cfg.Storage.PageSize,
		VersioningActive:        cfg.Versioning.Active,
		AllowChangesToRevisions: cfg.Versioning.AllowChangesToRevisions,
	})
	eng.Pipeline().Register(versioning.NewTrigger(eng.Accessor()))

	if cfg.Versioning.Active {
		if err := seedVersioning(ctx, eng, cfg.Versioning); err != nil {
			fmt.Fprintf(os.Stderr, "failed to seed versioning configuration: %v\n", err)
			return 1
		}
	}
	eng.Start()
	defer func() {
		if err := eng.Close(); err != nil {
			slog.Error("Engine shutdown error", "error", err)
		}
	}()

	srv, err := server.New(cfg, eng)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		return 1
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Start the server in a goroutine so we can handle shutdown signals.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("bleepfs listening", "addr", addr, "versioning", cfg.Versioning.Active)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		slog.Info("Server stopped")

	case err := <-errCh:
		if err != nil {
			slog.Error("Server error", "error", err)
			return 1
		}
	}
	return 0
}
