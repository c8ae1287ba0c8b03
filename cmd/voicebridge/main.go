package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ent0n29/voicebridge/internal/app"
	"github.com/ent0n29/voicebridge/internal/config"
	"github.com/ent0n29/voicebridge/internal/logging"
	"github.com/ent0n29/voicebridge/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, flush, err := logging.Init(cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer flush()
	sugar := logging.Component(logger, "main")

	app.PrintBanner(os.Stdout, "VOICEBRIDGE")

	built, err := app.Build(context.Background(), cfg, logger, nil)
	if err != nil {
		sugar.Fatalw("app build failed", "error", err)
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			sugar.Warnw("cleanup failed", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.Server.BindAddr,
		Handler: built.API.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	built.Sessions.StartJanitor(runCtx, cfg.Session.JanitorInterval)

	go func() {
		sugar.Infow("server listening", "addr", cfg.Server.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalw("listen error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	sugar.Infow("shutdown signal received")

	// Websocket sessions are hijacked connections; Shutdown does not wait
	// for them, so stop them first.
	built.Sessions.StopAll(session.CauseShutdown)
	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	// Cleanup closes the history recorder; let drivers record closed first.
	if err := built.Sessions.WaitClosed(shutdownCtx); err != nil {
		sugar.Warnw("sessions did not close before shutdown timeout", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}

	sugar.Infow("shutdown complete")
}
