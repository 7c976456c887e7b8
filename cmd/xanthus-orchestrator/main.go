/*
Copyright 2024 Xanthus Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package main is the entrypoint for xanthus-orchestrator, which deploys
// catalog applications onto VPS-hosted clusters and keeps them converged.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/chrishham/xanthus-sub007/internal/server"
	"github.com/chrishham/xanthus-sub007/pkg/catalog"
	"github.com/chrishham/xanthus-sub007/pkg/cluster"
	"github.com/chrishham/xanthus-sub007/pkg/config"
	"github.com/chrishham/xanthus-sub007/pkg/events"
	"github.com/chrishham/xanthus-sub007/pkg/ingress"
	"github.com/chrishham/xanthus-sub007/pkg/observability"
	"github.com/chrishham/xanthus-sub007/pkg/orchestrator"
	"github.com/chrishham/xanthus-sub007/pkg/registry"
	"github.com/chrishham/xanthus-sub007/pkg/version"
	"github.com/chrishham/xanthus-sub007/pkg/vps"
)

var (
	buildVersion = "dev"
	commit       = "unknown"
	buildTime    = "unknown"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "xanthus-orchestrator",
		Short: "Xanthus Orchestrator - application deployment for VPS clusters",
		Long: `Xanthus Orchestrator deploys catalog applications as Helm releases onto
VPS-hosted Kubernetes clusters, resolves their versions from upstream
sources, binds them to subdomains, and reconciles them back to a settled
state after interruptions.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", buildVersion, commit, buildTime),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configFile)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to configuration file")

	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newValidateCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("xanthus-orchestrator %s\n", buildVersion)
			fmt.Printf("  commit:  %s\n", commit)
			fmt.Printf("  built:   %s\n", buildTime)
		},
	}
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [config-file]",
		Short: "Validate configuration file and catalog sources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			store := catalog.NewStore(catalogSources(cfg))
			report, err := store.Load(cmd.Context())
			if err != nil {
				return fmt.Errorf("loading catalog: %w", err)
			}

			fmt.Println("Configuration is valid")
			fmt.Printf("  Catalog sources: %d\n", len(cfg.Catalog.Sources))
			fmt.Printf("  Descriptors loaded: %d\n", report.Loaded)
			fmt.Printf("  Descriptors excluded: %d\n", len(report.Excluded))
			for _, issue := range store.Issues() {
				fmt.Printf("    %s: %s: %s\n", issue.DescriptorID, issue.Field, issue.Reason)
			}
			fmt.Printf("  Storage backend: %s\n", cfg.Storage.Backend)
			fmt.Printf("  Fleet servers: %d\n", len(cfg.Fleet.Servers))

			return nil
		},
	}
}

func run(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := observability.NewLogger(observability.LoggerConfig{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		Encoding:    cfg.Logging.Encoding,
	})
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	metrics := observability.NoopMetrics()
	if cfg.Telemetry.Enabled {
		shutdown, err := observability.InitMeter(ctx, observability.MeterConfig{
			ServiceName:    cfg.ServiceName,
			ServiceVersion: cfg.ServiceVersion,
			Endpoint:       cfg.Telemetry.Endpoint,
			Insecure:       cfg.Telemetry.Insecure,
			ExportInterval: cfg.Telemetry.ExportInterval.Duration(),
		})
		if err != nil {
			return fmt.Errorf("initializing metrics: %w", err)
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Error(err, "shutting down metrics")
			}
		}()
		if metrics, err = observability.NewOrchestratorMetrics(observability.Meter(cfg.ServiceName)); err != nil {
			return fmt.Errorf("creating metrics: %w", err)
		}
	}

	logger.Info("starting xanthus-orchestrator",
		"version", buildVersion,
		"catalogSources", len(cfg.Catalog.Sources),
		"storageBackend", cfg.Storage.Backend,
	)

	store := catalog.NewStore(catalogSources(cfg), catalog.WithLogger(logger.WithName("catalog")))
	report, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}
	logger.Info("catalog loaded", "descriptors", report.Loaded, "excluded", len(report.Excluded))

	resolverOpts := []version.ResolverOption{
		version.WithTTL(cfg.Resolver.CacheTTL.Duration()),
		version.WithMaxRetries(cfg.Resolver.MaxRetries),
		version.WithResolverLogger(logger.WithName("resolver")),
	}
	if cfg.Resolver.RateLimitInterval > 0 {
		resolverOpts = append(resolverOpts,
			version.WithRateLimit(cfg.Resolver.RateLimitInterval.Duration(), cfg.Resolver.RateLimitBurst))
	}
	resolver := version.NewResolver(
		version.NewGitTagLister(),
		version.NewHTTPChartIndexFetcher(http.DefaultClient),
		resolverOpts...,
	)

	storage, closeStorage, err := newStorage(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStorage()

	var applier cluster.Applier
	if cfg.Cluster.DryRun {
		logger.Info("dry-run mode, applies are recorded in memory only")
		applier = cluster.NewFakeApplier()
	} else {
		applier = cluster.NewHelmApplier(
			cluster.WithHelmBinary(cfg.Cluster.HelmBinary),
			cluster.WithKubeconfig(cfg.Cluster.Kubeconfig),
			cluster.WithApplyTimeout(cfg.Cluster.ApplyTimeout.Duration()),
			cluster.WithHelmLogger(logger.WithName("helm")),
		)
	}

	binder := ingress.NewMemoryBinder(ingress.WithBinderLogger(logger.WithName("ingress")))
	bus := events.NewBus(events.WithBusLogger(logger.WithName("events")))

	fleet := vps.NewMirror(
		&vps.StaticProvider{Servers: cfg.Fleet.Servers},
		vps.WithMirrorLogger(logger.WithName("fleet")),
	)
	if err := fleet.Sync(ctx); err != nil {
		return fmt.Errorf("syncing fleet: %w", err)
	}

	orc := orchestrator.New(store, resolver, storage, applier, binder,
		orchestrator.WithFleet(fleet),
		orchestrator.WithBus(bus),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithLogger(logger.WithName("orchestrator")),
	)

	// Settle anything left over from a previous run before serving traffic.
	if _, err := orc.Reconcile(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("startup reconcile: %w", err)
	}

	go reconcileLoop(ctx, orc, cfg.Reconcile.Interval.Duration(), logger)
	go refreshLoop(ctx, store, cfg.Catalog.RefreshInterval.Duration(), logger)

	srv := server.New(cfg.Server, orc, store, resolver, storage,
		server.WithFleet(fleet),
		server.WithBus(bus),
		server.WithLogger(logger.WithName("http")),
	)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}

	logger.Info("xanthus-orchestrator stopped")
	return nil
}

func catalogSources(cfg config.Config) []catalog.Source {
	sources := make([]catalog.Source, 0, len(cfg.Catalog.Sources))
	for _, src := range cfg.Catalog.Sources {
		sources = append(sources, catalog.Source{
			Name:          src.Name,
			DescriptorDir: src.DescriptorDir,
			TemplateDir:   src.TemplateDir,
		})
	}
	return sources
}

func newStorage(cfg config.Config, logger logr.Logger) (registry.Storage, func(), error) {
	switch cfg.Storage.Backend {
	case config.StorageMySQL:
		store, err := registry.NewMySQLStorage(cfg.Storage.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("opening mysql storage: %w", err)
		}
		schemaCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := store.EnsureSchema(schemaCtx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("ensuring mysql schema: %w", err)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Error(err, "closing mysql storage")
			}
		}, nil
	default:
		return registry.NewMemoryStorage(), func() {}, nil
	}
}

func reconcileLoop(ctx context.Context, orc *orchestrator.Orchestrator, interval time.Duration, logger logr.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := orc.Reconcile(ctx); err != nil && ctx.Err() == nil {
				logger.Error(err, "reconcile pass failed")
			}
		}
	}
}

func refreshLoop(ctx context.Context, store *catalog.Store, interval time.Duration, logger logr.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := store.Refresh(ctx); err != nil && ctx.Err() == nil {
				logger.Error(err, "catalog refresh failed")
			}
		}
	}
}
