package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/mind-ai/mind/internal/orchestrator/auth"
	"github.com/mind-ai/mind/internal/orchestrator/catalog"
	"github.com/mind-ai/mind/internal/orchestrator/docker"
	"github.com/mind-ai/mind/internal/orchestrator/engine"
	"github.com/mind-ai/mind/internal/orchestrator/gpu"
	"github.com/mind-ai/mind/internal/orchestrator/hfcache"
	"github.com/mind-ai/mind/internal/orchestrator/mediator"
	"github.com/mind-ai/mind/internal/orchestrator/metrics"
	"github.com/mind-ai/mind/internal/orchestrator/reconcile"
	"github.com/mind-ai/mind/internal/orchestrator/router"
	"github.com/mind-ai/mind/internal/orchestrator/server"
	"github.com/mind-ai/mind/internal/orchestrator/store"
	"github.com/mind-ai/mind/pkg/aferox"
	"github.com/mind-ai/mind/pkg/logging"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator API server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe(cmd)
		},
	}
}

func runServe(cmd *cobra.Command) {
	app := fx.New(
		configProvider(cmd),
		aferox.Module,
		logging.Module,
		metrics.Module,
		store.Module,
		catalog.Module,
		docker.Module,
		gpu.Module,
		hfcache.Module,
		router.Module,
		auth.Module,
		engine.Module,
		mediator.Module,
		server.Module,
		reconcile.Module,
		fx.Invoke(registerLifecycle),
	)
	app.Run()
}

// registerLifecycle sequences startup: background samplers and the boot
// reconcile come up before the HTTP listener takes traffic, and shutdown
// drains the listener before waiting out in-flight deployments.
func registerLifecycle(
	lc fx.Lifecycle,
	logger logging.Interface,
	inspector *gpu.Inspector,
	cat *catalog.Catalog,
	reconciler *reconcile.Reconciler,
	eng *engine.Engine,
	srv *server.Server,
) {
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			inspector.Start(runCtx)
			if err := cat.Watch(runCtx); err != nil {
				logger.WithError(err).Warn("Catalog watch unavailable; continuing without hot reload")
			}
			reconciler.Start(runCtx)
			return srv.Start()
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			if err := srv.Shutdown(ctx); err != nil {
				logger.WithError(err).Warn("HTTP shutdown did not drain cleanly")
			}
			eng.Wait()
			logger.Info("Orchestrator stopped")
			return nil
		},
	})
}
