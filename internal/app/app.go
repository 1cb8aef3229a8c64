// Package app wires the adapters and services together and runs them.
package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bindery-io/bindery/internal/adapters/out/eventbus"
	"github.com/bindery-io/bindery/internal/adapters/out/lockstore"
	"github.com/bindery-io/bindery/internal/adapters/out/opm"
	"github.com/bindery-io/bindery/internal/adapters/out/registry"
	"github.com/bindery-io/bindery/internal/adapters/out/sqlitestore"
	"github.com/bindery-io/bindery/internal/config"
	"github.com/bindery-io/bindery/internal/logging"
	"github.com/bindery-io/bindery/internal/usecase/dispatch"
	"github.com/bindery-io/bindery/internal/usecase/orchestrator"
	"github.com/bindery-io/bindery/internal/usecase/sweeper"
)

const shutdownTimeout = 10 * time.Second

// Run starts every component in dependency order and blocks until the
// context is cancelled or a termination signal arrives. Startup order
// matters: the lock ledger is reloaded and swept before the dispatcher
// may hand out new work, and the API comes up last. Shutdown cancels the
// context the workers run under, so in-flight builds are interrupted and
// failed with an interruption reason instead of running to completion.
func Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Setup(cfg.Log.Level)

	customizations, err := config.LoadCustomizations(cfg.Builder.CustomizationsPath)
	if err != nil {
		return err
	}

	store, err := sqlitestore.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	locks, err := lockstore.New(cfg.Storage.LockDir)
	if err != nil {
		return err
	}
	defer locks.Close()

	bus := eventbus.NewInMemory(100)
	if err := bus.Start(); err != nil {
		return err
	}
	defer bus.Stop()

	resolver, err := registry.New()
	if err != nil {
		return err
	}

	builder := opm.New(cfg.Builder, customizations)
	service := orchestrator.NewService(store, resolver, bus)
	if err := bus.Subscribe(orchestrator.NewCoordinator(store, bus)); err != nil {
		return err
	}
	if err := bus.Subscribe(orchestrator.NewAuditor()); err != nil {
		return err
	}

	swp := sweeper.New(store, locks, bus, sweeper.Config{
		Interval:         cfg.Dispatch.SweepInterval,
		MaxBuildDuration: cfg.Dispatch.MaxBuildDuration,
		ReclaimGrace:     cfg.Dispatch.ReclaimGrace,
		Retention:        cfg.Storage.RetentionPeriod,
	})
	// Reconcile requests and locks left over from a previous run before
	// any new work is dispatched.
	if err := swp.RunOnce(ctx); err != nil {
		log.Warn().Err(err).Msg("Startup sweep failed")
	}

	dispatcher := dispatch.New(store, locks, resolver, builder, bus, dispatch.Config{
		Workers:      cfg.Dispatch.Workers,
		PollInterval: cfg.Dispatch.PollInterval,
		BuildTimeout: cfg.Dispatch.MaxBuildDuration,
	})
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	swp.Start(ctx)
	defer swp.Stop()

	e := newServer(cfg, service)
	go func() {
		if err := e.Start(cfg.Server.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("API server error")
		}
	}()
	log.Info().Str("listen", cfg.Server.Listen).Msg("API server listening")

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	// ctx is already cancelled here, so the deferred dispatcher.Stop
	// finds workers that have been interrupted rather than waiting out
	// their builds.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("API server shutdown error")
	}
	return nil
}
