// Command dialtone-signaling runs the call signaling server: the call-record
// HTTP API, the durable per-call signaling log, and the WebSocket fan-out hub
// both parties of a call connect to.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/rhizomelab/dialtone/internal/callstore"
	"github.com/rhizomelab/dialtone/internal/config"
	"github.com/rhizomelab/dialtone/internal/metrics"
	"github.com/rhizomelab/dialtone/internal/sigserver"
)

// buildCommit is stamped via -ldflags at release time.
var buildCommit = ""

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("invalid configuration", "err", err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		slog.Error("invalid logging configuration", "err", err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	commit := resolveBuildCommit()
	logger.Info("starting dialtone signaling server",
		"commit", commit,
		"mode", cfg.Mode,
		"listenAddr", cfg.ListenAddr,
		"dbPath", cfg.DBPath,
	)

	store, err := callstore.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.New()
	srv := sigserver.New(cfg, store, m, logger)

	srv.Mux().HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		sigserver.WriteJSON(w, http.StatusOK, map[string]string{"commit": commit})
	})

	l, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown incomplete, forcing close", "err", err)
		_ = srv.Close()
	}
	return <-errCh
}

func resolveBuildCommit() string {
	if buildCommit != "" {
		return buildCommit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				return s.Value
			}
		}
	}
	return "unknown"
}
