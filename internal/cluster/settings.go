package cluster

import "github.com/webstalk/clustermaster/internal/config"

// GroupSettingsFunc resolves the per-domain settings group for a domain. The
// default, used when GROUPSETTINGS_ENABLED is false, returns an empty map.
type GroupSettingsFunc func(domain string) map[string]any

// NoGroupSettings is the default GroupSettingsFunc: no group settings configured.
func NoGroupSettings(string) map[string]any { return map[string]any{} }

// Settings is the read-only facade over cluster configuration that the
// backlog and master consult. It exists so tests can substitute a minimal
// configuration without loading a full config.Config via viper.
type Settings struct {
	Enabled         bool
	StateFile       string
	Nodes           map[string]string
	PollInterval    int64 // nanoseconds, mirrors time.Duration without importing it twice in call sites
	DefaultPriority int
	PriorityFloor   int
	GlobalSettings  map[string]any
	GroupSettings   GroupSettingsFunc
}

// FromConfig builds a Settings facade from the loaded application config.
// globalValues resolves each name in cfg.Cluster.GlobalSettings to its
// current value; callers typically pass a lookup backed by the same
// config.Config the rest of the process uses.
func FromConfig(cfg *config.ClusterConfig, globalValues map[string]any, groupSettings GroupSettingsFunc) *Settings {
	if groupSettings == nil {
		groupSettings = NoGroupSettings
	}
	global := make(map[string]any, len(cfg.GlobalSettings))
	for _, name := range cfg.GlobalSettings {
		if v, ok := globalValues[name]; ok {
			global[name] = v
		}
	}
	nodes := make(map[string]string, len(cfg.Nodes))
	for k, v := range cfg.Nodes {
		nodes[k] = v
	}
	return &Settings{
		Enabled:         cfg.Enabled,
		StateFile:       cfg.StateFile,
		Nodes:           nodes,
		PollInterval:    int64(cfg.PollInterval),
		DefaultPriority: cfg.DefaultPriority,
		PriorityFloor:   cfg.PriorityFloor,
		GlobalSettings:  global,
		GroupSettings:   groupSettings,
	}
}

// EffectiveSettings composes group ∪ global ∪ override, override winning, per spec.
func (s *Settings) EffectiveSettings(domain string, override map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range s.GroupSettings(domain) {
		out[k] = v
	}
	for k, v := range s.GlobalSettings {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
