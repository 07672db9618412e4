// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 UnitHost Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/unithost/unithost/internal/bus"
	"github.com/unithost/unithost/internal/configstore"
	"github.com/unithost/unithost/internal/host"
	"github.com/unithost/unithost/internal/loader"
	"github.com/unithost/unithost/internal/logging"
	"github.com/unithost/unithost/internal/observability"
	"github.com/unithost/unithost/internal/supervisor"
	"github.com/unithost/unithost/internal/xdg"
	"github.com/unithost/unithost/pkg/errutil"
	"github.com/unithost/unithost/pkg/unit"
)

// NewRunCmd creates the run subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the unit host",
		Long: `Run the unit host: discover installed units, autostart the enabled
ones in their persisted order, and serve the event stream until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadRunConfig(cmd.Flags(), configFile)
			if err != nil {
				return err
			}
			return runWithDeps(cmd.Context(), cfg, nil)
		},
	}

	registerRunFlags(cmd.Flags())
	return cmd
}

// runWithDeps starts the host with injectable dependencies. If deps is
// nil, default implementations are used.
func runWithDeps(ctx context.Context, cfg *runConfig, deps *RunDeps) error {
	if deps == nil {
		deps = &RunDeps{}
	}

	// Set up default factories
	if deps.StoreFactory == nil {
		deps.StoreFactory = func(root string) (*configstore.Store, error) {
			return configstore.New(root)
		}
	}
	if deps.LoaderFactory == nil {
		deps.LoaderFactory = func(dir string, log *slog.Logger) (*loader.Loader, error) {
			return loader.New(dir, loader.WithLogger(log))
		}
	}
	if deps.ObservabilityServerFactory == nil {
		deps.ObservabilityServerFactory = func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, readinessChecker)
		}
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logging.SetDefault("unithost", version, cfg.LogFormat, cfg.LogLevel)
	log := slog.Default()

	configDir := cfg.ConfigDir
	if configDir == "" {
		configDir = xdg.ConfigDir()
	}
	unitsDir := cfg.UnitsDir
	if unitsDir == "" {
		unitsDir = xdg.UnitsDir()
	}

	log.Info("starting unit host",
		"units_dir", unitsDir,
		"config_dir", configDir,
		"log_format", cfg.LogFormat,
	)

	store, err := deps.StoreFactory(configDir)
	if err != nil {
		return fmt.Errorf("failed to open config store: %w", err)
	}

	events := bus.New(bus.WithCapacity(cfg.QueueSize), bus.WithLogger(log))
	sup := supervisor.New(events, supervisor.WithLogger(log))
	mgr := host.New(store, sup, events,
		host.WithLogger(log),
		host.WithJoinTimeout(cfg.JoinTimeout),
	)

	ld, err := deps.LoaderFactory(unitsDir, log)
	if err != nil {
		return fmt.Errorf("failed to create unit loader: %w", err)
	}
	loaded, err := ld.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load units: %w", err)
	}
	for _, lu := range loaded {
		if _, err := mgr.Register(lu.Unit, host.WithInitialSettings(settingsFromManifest(lu.Manifest))); err != nil {
			// One broken unit never keeps the host from starting.
			errutil.LogWarn(log, "unit not registered", err)
		}
	}

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := events.Start(ctx); err != nil {
		return fmt.Errorf("failed to start signal bus: %w", err)
	}

	// The host's single event consumer: every unit event becomes a log
	// line. Runs until the bus closes its channel during shutdown.
	var consumer sync.WaitGroup
	consumer.Add(1)
	go func() {
		defer consumer.Done()
		consumeEvents(log, events.Events())
	}()

	// Start observability server if configured
	var ready atomic.Bool
	var obsServer ObservabilityServer
	if cfg.MetricsAddr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.MetricsAddr, ready.Load)
		obsErrChan, err := obsServer.Start()
		if err != nil {
			events.Stop()
			consumer.Wait()
			return fmt.Errorf("failed to start observability server: %w", err)
		}
		// Monitor observability server errors - cancel context on error
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		log.Info("observability server started", "addr", obsServer.Addr())
	}

	if !cfg.NoAutostart {
		if err := mgr.AutostartAll(ctx); err != nil {
			// Autostart failures are per-unit and already surfaced as
			// events; the host keeps running with whatever came up.
			errutil.LogWarn(log, "autostart finished with failures", err)
		}
	}
	ready.Store(true)

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	log.Info("unit host ready", "units", len(loaded))

	// Wait for shutdown signal or error
	select {
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		log.Info("context cancelled, shutting down")
	}

	// Graceful shutdown
	log.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.JoinTimeout+5*time.Second)
	defer shutdownCancel()

	if err := mgr.Shutdown(shutdownCtx); err != nil {
		errutil.LogWarn(log, "shutdown left units behind", err)
	}

	events.Stop()
	consumer.Wait()

	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			log.Warn("error stopping observability server", "error", err)
		}
	}

	log.Info("unit host stopped")
	return nil
}

// settingsFromManifest seeds a freshly installed unit's registry metadata.
// Persisted settings in the global document always win over these.
func settingsFromManifest(m *loader.Manifest) host.Settings {
	s := host.Settings{
		Enabled:    true,
		Autostart:  m.AutoStart,
		StartOrder: host.DefaultStartOrder,
	}
	if m.StartOrder != nil {
		s.StartOrder = *m.StartOrder
	}
	return s
}

// consumeEvents renders unit events as log lines until the channel closes.
func consumeEvents(log *slog.Logger, events <-chan unit.Event) {
	for ev := range events {
		switch ev.Kind {
		case unit.KindStatusChanged:
			log.Info("unit status changed", "unit", ev.UnitID, "status", string(ev.Status))
		case unit.KindErrorOccurred:
			if ev.Warn {
				log.Warn("unit warning", "unit", ev.UnitID, "message", ev.Message)
			} else {
				log.Error("unit error", "unit", ev.UnitID, "message", ev.Message)
			}
		case unit.KindOutputGenerated:
			log.Info("unit output", "unit", ev.UnitID, "text", ev.Text)
		}
	}
}

// monitorServerErrors watches a server's error channel and triggers
// shutdown on error.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			// Channel closed, server stopped gracefully
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
		// Context cancelled, exit monitoring
	}
}
