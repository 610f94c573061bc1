// Package config defines, loads, and validates the application
// configuration shared by the standalone crawl engine, the cluster
// worker, and the cluster master.
package config

import (
	"time"
)

// Config is the root configuration.
type Config struct {
	Engine  EngineConfig  `mapstructure:"engine"  yaml:"engine"`
	Fetcher FetcherConfig `mapstructure:"fetcher" yaml:"fetcher"`
	Proxy   ProxyConfig   `mapstructure:"proxy"   yaml:"proxy"`
	Parser  ParserConfig  `mapstructure:"parser"  yaml:"parser"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Cluster ClusterConfig `mapstructure:"cluster" yaml:"cluster"`
}

// ClusterConfig controls the distributed cluster master.
type ClusterConfig struct {
	Enabled         bool                `mapstructure:"enabled"          yaml:"enabled"`
	StateFile       string              `mapstructure:"state_file"       yaml:"state_file"`
	Nodes           map[string]string   `mapstructure:"nodes"            yaml:"nodes"`
	PollInterval    time.Duration       `mapstructure:"poll_interval"    yaml:"poll_interval"`
	DefaultPriority int                 `mapstructure:"default_priority" yaml:"default_priority"`
	PriorityFloor   int                 `mapstructure:"priority_floor"   yaml:"priority_floor"`
	GlobalSettings  []string            `mapstructure:"global_settings"  yaml:"global_settings"`
	GroupSettings   GroupSettingsConfig `mapstructure:"group_settings"   yaml:"group_settings"`
	NATSURL         string              `mapstructure:"nats_url"         yaml:"nats_url"`

	// AuditMongoURI, when set, mirrors a backlog snapshot to MongoDB on
	// every poll tick for offline inspection. The state file remains the
	// source of truth.
	AuditMongoURI string `mapstructure:"audit_mongo_uri" yaml:"audit_mongo_uri"`
}

// GroupSettingsConfig controls the pluggable per-domain settings lookup.
type GroupSettingsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Module  string `mapstructure:"module"  yaml:"module"`
}

// EngineConfig controls the crawl engine.
type EngineConfig struct {
	Concurrency        int           `mapstructure:"concurrency"         yaml:"concurrency"`
	MaxDepth           int           `mapstructure:"max_depth"           yaml:"max_depth"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"     yaml:"request_timeout"`
	PolitenessDelay    time.Duration `mapstructure:"politeness_delay"    yaml:"politeness_delay"`
	RespectRobotsTxt   bool          `mapstructure:"respect_robots_txt"  yaml:"respect_robots_txt"`
	MaxRetries         int           `mapstructure:"max_retries"         yaml:"max_retries"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"         yaml:"retry_delay"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval" yaml:"checkpoint_interval"`
	UserAgents         []string      `mapstructure:"user_agents"         yaml:"user_agents"`
	AllowedDomains     []string      `mapstructure:"allowed_domains"     yaml:"allowed_domains"`
	DisallowedDomains  []string      `mapstructure:"disallowed_domains"  yaml:"disallowed_domains"`
	MaxRequests        int           `mapstructure:"max_requests"        yaml:"max_requests"`
}

// FetcherConfig controls page retrieval.
type FetcherConfig struct {
	Type            string        `mapstructure:"type"              yaml:"type"`
	FollowRedirects bool          `mapstructure:"follow_redirects"  yaml:"follow_redirects"`
	MaxRedirects    int           `mapstructure:"max_redirects"     yaml:"max_redirects"`
	MaxBodySize     int64         `mapstructure:"max_body_size"     yaml:"max_body_size"`
	TLSInsecure     bool          `mapstructure:"tls_insecure"      yaml:"tls_insecure"`
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout" yaml:"idle_conn_timeout"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    yaml:"max_idle_conns"`
}

// ProxyConfig controls outbound proxy rotation.
type ProxyConfig struct {
	Enabled  bool     `mapstructure:"enabled"  yaml:"enabled"`
	Rotation string   `mapstructure:"rotation" yaml:"rotation"`
	URLs     []string `mapstructure:"urls"     yaml:"urls"`
}

// ParserConfig holds the extraction rules applied to every fetched page.
type ParserConfig struct {
	Rules []ParseRule `mapstructure:"rules" yaml:"rules"`
}

// ParseRule is one extraction rule: css, xpath, or regex.
type ParseRule struct {
	Name      string `mapstructure:"name"      yaml:"name"`
	Selector  string `mapstructure:"selector"  yaml:"selector"`
	Type      string `mapstructure:"type"      yaml:"type"`
	Attribute string `mapstructure:"attribute" yaml:"attribute"`
	Pattern   string `mapstructure:"pattern"   yaml:"pattern"`
}

// StorageConfig controls where extracted items land.
type StorageConfig struct {
	Type            string `mapstructure:"type"             yaml:"type"`
	OutputPath      string `mapstructure:"output_path"      yaml:"output_path"`
	BatchSize       int    `mapstructure:"batch_size"       yaml:"batch_size"`
	MongoURI        string `mapstructure:"mongo_uri"        yaml:"mongo_uri"`
	MongoDatabase   string `mapstructure:"mongo_database"   yaml:"mongo_database"`
	MongoCollection string `mapstructure:"mongo_collection" yaml:"mongo_collection"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig holds Prometheus exposition settings. They are loaded and
// validated, but neither command reads them: the cluster master serves
// /metrics on its operator API port.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port"    yaml:"port"`
	Path    string `mapstructure:"path"    yaml:"path"`
}

// DefaultConfig returns the baseline configuration every load starts from.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Concurrency:        10,
			MaxDepth:           5,
			RequestTimeout:     30 * time.Second,
			PolitenessDelay:    1 * time.Second,
			RespectRobotsTxt:   true,
			MaxRetries:         3,
			RetryDelay:         2 * time.Second,
			CheckpointInterval: 60 * time.Second,
			UserAgents: []string{
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
				"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			},
		},
		Fetcher: FetcherConfig{
			Type:            "http",
			FollowRedirects: true,
			MaxRedirects:    10,
			MaxBodySize:     10 * 1024 * 1024,
			IdleConnTimeout: 90 * time.Second,
			MaxIdleConns:    100,
		},
		Proxy: ProxyConfig{
			Rotation: "round_robin",
		},
		Storage: StorageConfig{
			Type:            "json",
			OutputPath:      "./output",
			BatchSize:       100,
			MongoDatabase:   "webstalk",
			MongoCollection: "items",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Port: 9090,
			Path: "/metrics",
		},
		Cluster: ClusterConfig{
			StateFile:       "./cluster_state.yaml",
			PollInterval:    30 * time.Second,
			DefaultPriority: 20,
			PriorityFloor:   -1000,
			NATSURL:         "nats://127.0.0.1:4222",
		},
	}
}
