package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/realtycrm/unicache/internal/circuit"
	"github.com/realtycrm/unicache/internal/config"
	"github.com/realtycrm/unicache/internal/coordination"
	"github.com/realtycrm/unicache/internal/metrics"
	"github.com/realtycrm/unicache/internal/store"
	"github.com/realtycrm/unicache/pkg/api"
	"github.com/realtycrm/unicache/pkg/health"
	"github.com/realtycrm/unicache/pkg/types"
	"github.com/realtycrm/unicache/pkg/unicache"
	"github.com/realtycrm/unicache/pkg/utils"
)

const version = "0.1.0"

type app struct {
	configPath      string
	shutdownTimeout time.Duration
}

func newRootCommand() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "unicached",
		Short:         "Unified cache daemon",
		Long:          "unicached runs a two-tier cache node that keeps sibling processes in sync and queues critical writes while offline.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}

	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().DurationVar(&a.shutdownTimeout, "shutdown-timeout", 10*time.Second, "grace period for in-flight work on shutdown")

	cmd.AddCommand(a.newConfigCommand())
	return cmd
}

func (a *app) newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or generate configuration",
	}

	var out string
	defaults := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration to a file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				return fmt.Errorf("--out is required")
			}
			if err := config.NewDefault().SaveToFile(out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
			return nil
		},
	}
	defaults.Flags().StringVarP(&out, "out", "o", "", "destination file")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load the configuration the daemon would use and validate it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := a.loadConfig(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(defaults, validate)
	return cmd
}

// loadConfig layers defaults, the config file and UNICACHE_* variables
func (a *app) loadConfig() (*config.Configuration, error) {
	cfg := config.NewDefault()
	if a.configPath != "" {
		if err := cfg.LoadFromFile(a.configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Global.InstanceID == "" {
		cfg.Global.InstanceID = uuid.NewString()
	}
	return cfg, nil
}

func (a *app) serve(parent context.Context) (err error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}

	logger, err := utils.NewLogger(cfg.LogConfig())
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("instance_id", cfg.Global.InstanceID))

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector, err := metrics.NewCollector(metrics.Config{
		Enabled:   cfg.Monitoring.Metrics.Enabled,
		Namespace: cfg.Monitoring.Metrics.Namespace,
	})
	if err != nil {
		return err
	}
	tracker := health.NewTracker(health.DefaultConfig())

	var (
		durable *store.Store
		persist types.Persister
	)
	if cfg.Store.Enabled {
		durable = store.New(store.Config{
			Path:           cfg.Store.Path,
			BusyTimeout:    cfg.Store.BusyTimeout,
			BreakerEnabled: cfg.Store.CircuitBreaker.Enabled,
			Breaker: circuit.Config{
				FailureThreshold: uint32(max(cfg.Store.CircuitBreaker.FailureThreshold, 1)), // #nosec G115 -- clamped positive
				Timeout:          cfg.Store.CircuitBreaker.Timeout,
			},
		}, logger)
		defer func() { err = multierr.Append(err, durable.Close()) }()
		persist = durable
	}

	broadcaster, err := coordination.SelectBroadcaster(ctx, unicache.TransportConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("failed to start sync transport: %w", err)
	}

	var connectivity unicache.Connectivity
	if cfg.Offline.ProbeAddress != "" {
		probe := unicache.NewProbeConnectivity(ctx, unicache.ProbeConfig{
			Address:  cfg.Offline.ProbeAddress,
			Interval: cfg.Offline.ProbeInterval,
			Timeout:  cfg.Offline.ProbeTimeout,
		}, logger)
		defer func() { _ = probe.Close() }()
		connectivity = probe
	}

	opts, err := unicache.OptionsFromConfig(cfg)
	if err != nil {
		_ = broadcaster.Close()
		return err
	}

	c, err := unicache.New(ctx, opts, unicache.Dependencies{
		Store:        persist,
		Broadcaster:  broadcaster,
		Connectivity: connectivity,
		Recorder:     collector,
		Health:       tracker,
		Logger:       logger,
	})
	if err != nil {
		_ = broadcaster.Close()
		return err
	}
	defer func() { err = multierr.Append(err, c.Close()) }()

	go tracker.Run(ctx, func(ctx context.Context, component string) error {
		if component == health.ComponentStore && durable != nil {
			return durable.Ping(ctx)
		}
		return nil
	})

	var server *api.Server
	if cfg.Monitoring.API.Enabled {
		serverConfig := api.DefaultServerConfig()
		serverConfig.Address = cfg.Monitoring.API.Address
		deps := api.Dependencies{Cache: c, Health: tracker, Logger: logger}
		if collector.Enabled() {
			deps.Metrics = collector.Handler()
		}
		server = api.NewServer(serverConfig, deps)
		server.StartBackground()
	}

	logger.Info("unicached started",
		zap.String("version", version),
		zap.String("transport", c.TransportName()),
		zap.Bool("leader", c.IsLeader()),
		zap.Bool("store", durable != nil))

	<-ctx.Done()
	logger.Info("Shutting down")

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()
		if serr := server.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("API shutdown failed", zap.Error(serr))
		}
	}
	return nil
}
