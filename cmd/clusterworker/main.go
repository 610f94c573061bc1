// Command clusterworker runs a single WebStalk cluster worker node: it
// registers on NATS under the configured node name, accepts run/stop/status
// calls from the cluster master, and crawls each assigned domain with the
// standard engine stack.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/webstalk/clustermaster/internal/cluster"
	"github.com/webstalk/clustermaster/internal/clusterrpc"
	"github.com/webstalk/clustermaster/internal/clusterworker"
	"github.com/webstalk/clustermaster/internal/config"
)

var (
	cfgFile  string
	verbose  bool
	nodeName string
	maxproc  int
	natsURL  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clusterworker",
		Short: "WebStalk cluster worker node — runs assigned domain crawls for a cluster master",
		RunE:  runWorker,
	}
	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.Flags().StringVar(&nodeName, "node-name", "", "this node's name, as listed in the master's cluster.nodes config (required)")
	rootCmd.Flags().IntVar(&maxproc, "maxproc", 4, "maximum number of domains this node crawls concurrently")
	rootCmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL (defaults to cluster.nats_url from config)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	if nodeName == "" {
		return fmt.Errorf("--node-name is required")
	}

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

	url := natsURL
	if url == "" {
		url = cfg.Cluster.NATSURL
	}
	conn, err := nats.Connect(url, nats.Name("clusterworker-"+nodeName), nats.MaxReconnects(-1), nats.ReconnectWait(time.Second))
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer conn.Close()

	publish := func(node, domain, status string, snap cluster.NodeSnapshot) {
		if err := clusterrpc.PublishUpdate(conn, node, domain, status, snap); err != nil {
			logger.Error("publish status update failed", "domain", domain, "status", status, "error", err)
		}
	}

	runner := clusterworker.NewRunner(nodeName, cfg, maxproc, logger, publish)
	server := clusterrpc.NewServer(conn, nodeName, runner, logger)
	if err := server.Start(); err != nil {
		return fmt.Errorf("start rpc server: %w", err)
	}
	defer server.Stop()

	logger.Info("cluster worker ready", "node", nodeName, "maxproc", maxproc, "nats_url", url)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	return nil
}
