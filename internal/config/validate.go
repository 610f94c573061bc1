package config

import (
	"fmt"
	"net"
	"net/url"
)

// Validate rejects configurations the process cannot run with. Called once
// at startup; any error here is fatal.
func Validate(cfg *Config) error {
	if cfg.Engine.Concurrency < 1 || cfg.Engine.Concurrency > 1000 {
		return fmt.Errorf("engine.concurrency must be 1-1000, got %d", cfg.Engine.Concurrency)
	}
	if cfg.Engine.MaxDepth < 0 {
		return fmt.Errorf("engine.max_depth must be >= 0, got %d", cfg.Engine.MaxDepth)
	}
	if cfg.Engine.RequestTimeout <= 0 {
		return fmt.Errorf("engine.request_timeout must be > 0")
	}
	if cfg.Engine.PolitenessDelay < 0 {
		return fmt.Errorf("engine.politeness_delay must be >= 0")
	}
	if cfg.Engine.MaxRetries < 0 {
		return fmt.Errorf("engine.max_retries must be >= 0, got %d", cfg.Engine.MaxRetries)
	}

	if cfg.Fetcher.Type != "http" && cfg.Fetcher.Type != "browser" {
		return fmt.Errorf("fetcher.type must be 'http' or 'browser', got %q", cfg.Fetcher.Type)
	}
	if cfg.Fetcher.MaxBodySize <= 0 {
		return fmt.Errorf("fetcher.max_body_size must be > 0")
	}
	if cfg.Fetcher.MaxRedirects < 0 {
		return fmt.Errorf("fetcher.max_redirects must be >= 0")
	}

	if cfg.Proxy.Enabled {
		if cfg.Proxy.Rotation != "round_robin" && cfg.Proxy.Rotation != "random" {
			return fmt.Errorf("proxy.rotation must be 'round_robin' or 'random', got %q", cfg.Proxy.Rotation)
		}
		if len(cfg.Proxy.URLs) == 0 {
			return fmt.Errorf("proxy.enabled requires at least one proxy.urls entry")
		}
		for _, raw := range cfg.Proxy.URLs {
			if _, err := url.Parse(raw); err != nil {
				return fmt.Errorf("proxy url %q: %w", raw, err)
			}
		}
	}

	switch cfg.Storage.Type {
	case "json", "jsonl", "csv":
	case "mongo":
		if cfg.Storage.MongoURI == "" {
			return fmt.Errorf("storage.type 'mongo' requires storage.mongo_uri")
		}
	default:
		return fmt.Errorf("storage.type %q not supported (json, jsonl, csv, mongo)", cfg.Storage.Type)
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug/info/warn/error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'text' or 'json', got %q", cfg.Logging.Format)
	}

	if cfg.Metrics.Enabled && (cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be 1-65535, got %d", cfg.Metrics.Port)
	}

	if cfg.Cluster.Enabled {
		if cfg.Cluster.StateFile == "" {
			return fmt.Errorf("cluster.state_file is required when cluster.enabled is true")
		}
		if cfg.Cluster.PollInterval <= 0 {
			return fmt.Errorf("cluster.poll_interval must be > 0")
		}
		if cfg.Cluster.PriorityFloor > cfg.Cluster.DefaultPriority {
			return fmt.Errorf("cluster.priority_floor (%d) must be <= cluster.default_priority (%d)",
				cfg.Cluster.PriorityFloor, cfg.Cluster.DefaultPriority)
		}
		for name, hostport := range cfg.Cluster.Nodes {
			if _, _, err := net.SplitHostPort(hostport); err != nil {
				return fmt.Errorf("cluster.nodes[%s]: invalid host:port %q: %w", name, hostport, err)
			}
		}
	}

	return nil
}
