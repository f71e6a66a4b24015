// Package main runs the desktop server. The UI talks to it over REST and a
// WebSocket event stream on localhost; peers reach its LAN sync endpoint on
// the same listener.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kimhsiao/crmorbit/backend/internal/app"
	"github.com/kimhsiao/crmorbit/backend/internal/config"
	"github.com/kimhsiao/crmorbit/backend/internal/logging"
	"github.com/kimhsiao/crmorbit/backend/internal/services"
	syncpkg "github.com/kimhsiao/crmorbit/backend/internal/sync"
)

// Version is set at build time.
var Version = "0.1.0"

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON config file")
	envFile := flag.String("env", "", "path to a .env file")
	flag.Parse()

	var envFiles []string
	if *envFile != "" {
		envFiles = append(envFiles, *envFile)
	}
	cfg, err := config.Load(*configPath, envFiles...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logging.Init(os.Stderr, logging.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, nil); err != nil {
		logging.Error("server stopped", err, nil)
		os.Exit(1)
	}
}

// serve runs the device and its HTTP server until ctx is cancelled. ready,
// when set, receives the bound address once the listener is open.
func serve(ctx context.Context, cfg *config.Config, ready func(addr string)) error {
	hub := NewWSHub()
	defer hub.Close()

	a, err := app.New(ctx, cfg, app.Options{
		Version:  Version,
		OnChange: func(ch services.Change) { hub.BroadcastDocumentChanged(ch) },
		OnPhase:  func(peerID string, p syncpkg.Phase) { hub.BroadcastSyncPhase(peerID, p) },
	})
	if err != nil {
		return err
	}
	defer a.Close()

	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.HTTP.Addr, err)
	}

	server := &http.Server{
		Handler:      newRouter(a, hub, Version),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	if err := a.Start(ctx); err != nil {
		ln.Close()
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()
	logging.Info("desktop server listening", map[string]interface{}{
		"addr":      ln.Addr().String(),
		"device_id": cfg.DeviceID,
		"version":   Version,
	})
	if ready != nil {
		ready(ln.Addr().String())
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logging.Info("shutting down server", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logging.Info("server stopped gracefully", nil)
	return nil
}
