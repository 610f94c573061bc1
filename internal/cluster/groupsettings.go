package cluster

import (
	"fmt"
	"os"

	yaml "go.yaml.in/yaml/v3"
)

// LoadGroupSettingsFile builds a GroupSettingsFunc backed by a static YAML
// file mapping domain -> settings. It stands in for the original cluster
// master's dynamically-imported group_settings() Python module: Go has no
// equivalent late-bound import story, so group settings here are data, not
// code, resolved once at startup and held in memory for the process lifetime.
func LoadGroupSettingsFile(path string) (GroupSettingsFunc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cluster: read group settings file %s: %w", path, err)
	}
	var table map[string]map[string]any
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("cluster: parse group settings file %s: %w", path, err)
	}
	return func(domain string) map[string]any {
		if v, ok := table[domain]; ok {
			return v
		}
		return map[string]any{}
	}, nil
}
