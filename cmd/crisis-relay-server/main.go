// Package main provides the crisis relay server binary.
// It accepts websocket subscribers and fans domain events out to them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/crisiscenter/crisis-relay/internal/auth"
	"github.com/crisiscenter/crisis-relay/internal/bus"
	"github.com/crisiscenter/crisis-relay/internal/config"
	"github.com/crisiscenter/crisis-relay/internal/connection"
	"github.com/crisiscenter/crisis-relay/internal/dispatch"
	"github.com/crisiscenter/crisis-relay/internal/ingest"
	"github.com/crisiscenter/crisis-relay/internal/metrics"
	"github.com/crisiscenter/crisis-relay/internal/pkg/logger"
	"github.com/crisiscenter/crisis-relay/internal/router"
	"github.com/crisiscenter/crisis-relay/internal/server"
	"github.com/crisiscenter/crisis-relay/internal/watch"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "crisis-relay-server",
		Short: "Crisis Relay Server - real-time event distribution",
		Long: `Crisis Relay Server pushes incident, NGO, government and user events
to connected websocket clients.

The server exposes:
  - Websocket endpoint on /ws and /ws/{incident|ngo|gov|user}/{id}
  - Publish API on POST /v1/publish
  - Admin queries, health probes and Prometheus metrics

Examples:
  crisis-relay-server                        # Start with defaults
  crisis-relay-server --port 9090            # Custom HTTP port
  crisis-relay-server -c relay.yaml          # Load a config file
  crisis-relay-server --bus kafka            # Ingest domain events from Kafka`,
		RunE:         runServer,
		SilenceUsage: true,
	}

	rootCmd.Flags().StringP("config", "c", "", "config file path")
	rootCmd.Flags().BoolP("verbose", "v", false, "verbose logging")
	rootCmd.Flags().Int("port", 8080, "HTTP server port")
	rootCmd.Flags().String("host", "0.0.0.0", "server host")
	rootCmd.Flags().String("bus", "", "event bus type (memory, kafka); overrides config")
	rootCmd.Flags().String("auth", "", "auth mode (jwt, insecure); overrides config")
	rootCmd.Flags().Bool("watch-config", true, "reload ACL rules and topic policies when the config file changes")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("crisis-relay-server %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	appCfg, err := config.Read(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Override from flags
	if cmd.Flags().Changed("port") {
		appCfg.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("host") {
		appCfg.Host, _ = cmd.Flags().GetString("host")
	}
	if busType, _ := cmd.Flags().GetString("bus"); busType != "" {
		appCfg.Bus.Type = busType
	}
	if mode, _ := cmd.Flags().GetString("auth"); mode != "" {
		appCfg.Auth.Mode = mode
	}
	if verbose {
		appCfg.Log.Level = "debug"
	}
	if err := appCfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logger.New(appCfg.Log.Level, appCfg.Log.Format)
	log.Info("Starting Crisis Relay Server",
		"version", version,
		"port", appCfg.Port,
		"bus", appCfg.Bus.Type,
		"auth", appCfg.Auth.Mode,
	)

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals...)
	defer stop()

	rel, err := buildRelay(ctx, appCfg, version, log)
	if err != nil {
		return err
	}
	defer rel.Close()

	var watcher *watch.Watcher
	if watchConfig, _ := cmd.Flags().GetBool("watch-config"); watchConfig && configPath != "" {
		watcher, err = watch.NewWatcher(watch.WatcherConfig{
			Path:  configPath,
			Apply: applyRealtime(rel.router, rel.dispatcher, log),
			Log:   log,
		})
		if err != nil {
			return fmt.Errorf("failed to create config watcher: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rel.server.Run(gctx) })
	g.Go(func() error { return rel.registry.RunSweeper(gctx, 0) })
	g.Go(func() error { return rel.collector.Run(gctx, 15*time.Second) })
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}

	err = g.Wait()
	log.Info("Server stopped", "connections_left", rel.registry.Count())
	return err
}

// relay is the assembled server graph.
type relay struct {
	metrics    *metrics.Metrics
	bus        bus.Bus
	registry   *connection.Registry
	router     *router.Router
	dispatcher *dispatch.Dispatcher
	bridge     *ingest.Bridge
	collector  *metrics.Collector
	server     *server.Server

	closers []func() error
}

// Close releases resources in reverse order of creation.
func (r *relay) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		_ = r.closers[i]()
	}
	r.closers = nil
}

// buildRelay wires the relay from configuration. Bus subscribers are started
// on ctx; long-running loops are left to the caller.
func buildRelay(ctx context.Context, appCfg *config.Config, buildVersion string, log *logger.Logger) (_ *relay, err error) {
	r := &relay{}
	defer func() {
		if err != nil {
			r.Close()
		}
	}()

	// Metrics first; the instrumented bus and the dispatcher report to it.
	r.metrics = metrics.NewWithConfig(appCfg.Metrics.Persistence, appCfg.Metrics.RedisURL, log)
	r.closers = append(r.closers, r.metrics.Close)
	log.Info("Initialized metrics", "persistence", appCfg.Metrics.Persistence, "redis", r.metrics.IsRedisPersisted())

	innerBus, err := bus.NewBus(appCfg.Bus, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create event bus: %w", err)
	}
	r.closers = append(r.closers, innerBus.Close)

	eventLogger, err := bus.NewEventLogger(appCfg.Bus.EventLogPath, appCfg.Bus.EventLogPath != "")
	if err != nil {
		return nil, fmt.Errorf("failed to create event logger: %w", err)
	}
	r.closers = append(r.closers, eventLogger.Close)

	if eventLogger.IsEnabled() {
		r.bus = bus.NewInstrumentedBus(bus.NewLoggedBus(innerBus, eventLogger, log), r.metrics)
		log.Info("Event logging enabled", "path", appCfg.Bus.EventLogPath)
	} else {
		r.bus = bus.NewInstrumentedBus(innerBus, r.metrics)
	}

	// Relay core
	r.registry = connection.NewRegistry(connection.ConfigFrom(appCfg.Realtime), r.bus, log)
	acl, err := router.ACLFromConfig(appCfg.Realtime.ACL)
	if err != nil {
		return nil, fmt.Errorf("invalid acl: %w", err)
	}
	r.router = router.New(r.registry, router.Config{Shards: appCfg.Realtime.RegistryShards, ACL: acl}, log)
	r.registry.OnRemove(r.router.RemoveHook())

	sequencer, err := dispatch.NewSequencer(appCfg.Realtime)
	if err != nil {
		return nil, fmt.Errorf("failed to create sequencer: %w", err)
	}
	r.closers = append(r.closers, sequencer.Close)

	policies, err := dispatch.PoliciesFromConfig(appCfg.Realtime)
	if err != nil {
		return nil, fmt.Errorf("invalid topic policies: %w", err)
	}
	r.dispatcher = dispatch.New(r.router, dispatch.Config{
		Sequencer:       sequencer,
		Policies:        policies,
		Metrics:         r.metrics,
		SequenceTimeout: appCfg.Realtime.SequenceTimeout,
	}, log)
	log.Info("Initialized relay core",
		"sequencer", appCfg.Realtime.Sequencer,
		"default_policy", appCfg.Realtime.DefaultPolicy,
		"single_session", appCfg.Realtime.SingleSession,
	)

	authn, err := auth.New(appCfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create authenticator: %w", err)
	}
	if appCfg.Auth.Mode == "insecure" {
		log.Warn("Insecure auth mode: identities are taken from query parameters")
	}

	// Bus subscribers
	r.bridge = ingest.NewBridge(r.bus, r.dispatcher, log)
	if err := r.bridge.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start event ingress: %w", err)
	}

	if err := metrics.NewEventSubscriber(r.metrics, r.bus).SubscribeToEvents(ctx); err != nil {
		log.Warn("Failed to subscribe metrics to events", "error", err)
	}

	monitor := connection.NewMonitor(r.bus, log, connection.DefaultMonitoringConfig())
	if err := monitor.Start(ctx); err != nil {
		log.Warn("Failed to start connection monitor", "error", err)
	}
	if err := r.bus.Subscribe(ctx, bus.TopicAlertTriggered, alertLogger(log)); err != nil {
		log.Warn("Failed to subscribe to alert events", "error", err)
	}

	auditLogger, err := connection.NewAuditLogger(connection.AuditLoggerConfig{LogPath: appCfg.Bus.AuditLogPath}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit logger: %w", err)
	}
	r.closers = append(r.closers, auditLogger.Close)
	if err := auditLogger.SubscribeToEvents(ctx, r.bus); err != nil {
		log.Warn("Failed to subscribe audit logger", "error", err)
	}

	bridge := r.bridge
	r.collector = metrics.NewCollector(r.metrics, metrics.Sources{
		Connections:   r.registry,
		Subscriptions: r.router,
		Ingest:        func() any { return bridge.Stats() },
	})

	srvCfg := server.ConfigFrom(appCfg)
	srvCfg.Version = buildVersion
	srvCfg.Commit = commit
	srvCfg.BuildDate = date
	r.server, err = server.New(srvCfg, server.Deps{
		Registry:   r.registry,
		Router:     r.router,
		Dispatcher: r.dispatcher,
		Auth:       authn,
		Metrics:    r.metrics,
		Collector:  r.collector,
		EventLog:   eventLogger,
		Bus:        r.bus,
		Log:        log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	return r, nil
}

// applyRealtime swaps in the ACL and topic policies of a reloaded config.
// Other settings need a restart.
func applyRealtime(rt *router.Router, d *dispatch.Dispatcher, log *logger.Logger) watch.ApplyFunc {
	return func(cfg *config.Config) error {
		acl, err := router.ACLFromConfig(cfg.Realtime.ACL)
		if err != nil {
			return fmt.Errorf("invalid acl: %w", err)
		}
		policies, err := dispatch.PoliciesFromConfig(cfg.Realtime)
		if err != nil {
			return fmt.Errorf("invalid topic policies: %w", err)
		}
		rt.SetACL(acl)
		d.SetPolicies(policies)
		log.Info("Applied realtime settings",
			"acl_rules", len(acl.Rules()),
			"default_policy", cfg.Realtime.DefaultPolicy,
			"topic_policies", len(cfg.Realtime.TopicPolicies),
		)
		return nil
	}
}

// alertLogger logs relay alerts at a level matching their severity.
func alertLogger(log *logger.Logger) bus.Handler {
	return func(_ context.Context, event bus.Event) error {
		var alert bus.Alert
		if err := bus.DecodePayload(event, &alert); err != nil {
			return nil
		}

		fields := []interface{}{
			"type", alert.Type,
			"severity", alert.Severity,
			"identity", alert.Identity,
			"message", alert.Message,
		}
		switch alert.Severity {
		case "high", "critical":
			log.Warn("Relay alert", fields...)
		case "medium":
			log.Info("Relay alert", fields...)
		default:
			log.Debug("Relay alert", fields...)
		}
		return nil
	}
}
