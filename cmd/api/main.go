package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"hallucheck-backend/internal/bootstrap"
	"hallucheck-backend/internal/jobs"
	"hallucheck-backend/internal/shared/config"
	"hallucheck-backend/internal/shared/server"
	"hallucheck-backend/internal/shared/telemetry"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Build(ctx, cfg, bootstrap.RoleAPI)
	if err != nil {
		log.Fatalf("bootstrap build: %v", err)
	}

	srv := &http.Server{
		Addr: server.Addr(cfg.Port),
		Handler: server.NewRouter(server.RouterDeps{
			Config:   cfg,
			Handlers: []server.RouteRegistrar{app.JobHandler},
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		telemetry.Info("api.listen", map[string]any{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return app.Service.RunSweeper(gctx, cfg.SweepInterval, jobs.StaleWindows{
			Claimed: cfg.StaleAfter,
			Queued:  cfg.StaleQueuedAfter,
		})
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		telemetry.Info("api.shutdown", map[string]any{"timeout_ms": shutdownTimeout.Milliseconds()})
		err := srv.Shutdown(shutdownCtx)
		app.Close(shutdownCtx)
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("api: %v", err)
	}
}
