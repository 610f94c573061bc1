// Command clustermaster runs the WebStalk distributed cluster master: it
// loads the persisted backlog, connects to every configured worker node
// over NATS, and serves the operator API and poll loop until signaled to
// stop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/webstalk/clustermaster/internal/api"
	"github.com/webstalk/clustermaster/internal/cluster"
	"github.com/webstalk/clustermaster/internal/clusterrpc"
	"github.com/webstalk/clustermaster/internal/config"
)

var (
	cfgFile string
	verbose bool
	apiPort int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clustermaster",
		Short: "WebStalk cluster master — coordinates crawl jobs across worker nodes",
		RunE:  runMaster,
	}
	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.Flags().IntVar(&apiPort, "api-port", 9292, "operator HTTP API port")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMaster(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !cfg.Cluster.Enabled {
		return fmt.Errorf("cluster.enabled is false in config — nothing to run")
	}

	groupSettings := cluster.NoGroupSettings
	if cfg.Cluster.GroupSettings.Enabled {
		loaded, err := cluster.LoadGroupSettingsFile(cfg.Cluster.GroupSettings.Module)
		if err != nil {
			return fmt.Errorf("load group settings: %w", err)
		}
		groupSettings = loaded
	}

	settings := cluster.FromConfig(&cfg.Cluster, globalSettingValues(cfg), groupSettings)
	backlog := cluster.NewBacklog(settings, cluster.YAMLCodec{})
	metrics := cluster.NewMetrics(prometheus.DefaultRegisterer)

	// cluster.nodes addresses are descriptive (host:port of the worker's
	// machine, validated by config.Validate) but dialing itself always goes
	// through the single shared NATS broker — every node's request subject
	// lives on the same connection.
	conn, err := nats.Connect(cfg.Cluster.NATSURL, nats.Name("clustermaster"), nats.MaxReconnects(-1), nats.ReconnectWait(time.Second))
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer conn.Close()

	dialer := cluster.Dialer(func(ctx context.Context, name, address string) (cluster.Peer, error) {
		return clusterrpc.NewClient(conn, name), nil
	})
	master := cluster.NewMaster(settings, backlog, cluster.SystemClock(), logger, metrics, dialer)
	lifecycle := cluster.NewLifecycle(master, settings, cluster.SystemClock())

	updatesSub, err := clusterrpc.SubscribeUpdates(conn, master.HandleRemoteUpdate)
	if err != nil {
		return fmt.Errorf("subscribe to worker updates: %w", err)
	}
	defer updatesSub.Unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := lifecycle.Start(ctx); err != nil {
		return fmt.Errorf("start cluster lifecycle: %w", err)
	}

	if uri := cfg.Cluster.AuditMongoURI; uri != "" {
		mirror, err := cluster.NewMongoMirror(uri, "webstalk", "backlog_history")
		if err != nil {
			logger.Warn("backlog audit mirror unavailable", "error", err)
		} else {
			defer mirror.Close(context.Background())
			go mirrorBacklog(ctx, mirror, backlog, cfg.Cluster.PollInterval, logger)
		}
	}

	apiServer := api.NewServer(apiPort, logger)
	apiServer.SetCluster(master)
	if err := apiServer.Start(); err != nil {
		logger.Warn("failed to start operator API", "error", err)
	}

	logger.Info("cluster master running", "nodes", len(cfg.Cluster.Nodes), "poll_interval", cfg.Cluster.PollInterval, "api_port", apiPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cluster.ShutdownGrace)
	defer shutdownCancel()
	lifecycle.Stop(shutdownCtx)

	return nil
}

// mirrorBacklog records a backlog snapshot to the audit mirror once per
// poll interval until ctx ends.
func mirrorBacklog(ctx context.Context, mirror *cluster.MongoMirror, backlog *cluster.Backlog, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := mirror.RecordSnapshot(ctx, backlog.Snapshot(2)); err != nil {
				logger.Warn("backlog audit snapshot failed", "error", err)
			}
		}
	}
}

// globalSettingValues resolves the configured global setting names against
// the loaded application config, the same values a worker would use for an
// equivalent standalone crawl.
func globalSettingValues(cfg *config.Config) map[string]any {
	return map[string]any{
		"max_depth":        cfg.Engine.MaxDepth,
		"concurrency":      cfg.Engine.Concurrency,
		"max_requests":     cfg.Engine.MaxRequests,
		"politeness_delay": cfg.Engine.PolitenessDelay.String(),
		"allowed_domains":  cfg.Engine.AllowedDomains,
	}
}
