// Package risk classifies tool names into risk tiers. High-risk tools
// require human approval before execution.
package risk

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Tier is the risk classification of a tool.
type Tier string

const (
	TierNone   Tier = "none"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

var validTiers = map[Tier]bool{
	TierNone:   true,
	TierMedium: true,
	TierHigh:   true,
}

// defaultTiers classifies the built-in tool set. Unlisted tools are TierNone.
var defaultTiers = map[string]Tier{
	"web_search":     TierNone,
	"read_file":      TierNone,
	"write_file":     TierMedium,
	"generate_image": TierMedium,
	"run_command":    TierHigh,
	"send_email":     TierHigh,
	"browser_action": TierHigh,
}

// Registry maps tool names to risk tiers. Overrides can be layered on the
// defaults from YAML files, so adding a new high-risk tool needs no code
// change.
type Registry struct {
	mu    sync.RWMutex
	tiers map[string]Tier
}

// NewRegistry returns a registry seeded with the built-in classification.
func NewRegistry() *Registry {
	tiers := make(map[string]Tier, len(defaultTiers))
	for name, tier := range defaultTiers {
		tiers[name] = tier
	}
	return &Registry{tiers: tiers}
}

// Classify returns the tier for a tool name. Unknown tools are TierNone.
func (r *Registry) Classify(tool string) Tier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.tiers[tool]; ok {
		return t
	}
	return TierNone
}

// Set registers or overrides the tier for a tool.
func (r *Registry) Set(tool string, tier Tier) error {
	if !validTiers[tier] {
		return fmt.Errorf("invalid risk tier %q for tool %q", tier, tool)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tiers[tool] = tier
	return nil
}

// registryFile is the YAML shape for tier overrides.
type registryFile struct {
	Tools map[string]Tier `yaml:"tools"`
}

// LoadDir overlays tier overrides from every *.yaml file in dir. A missing
// dir is not an error.
func (r *Registry) LoadDir(dir string) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read risk dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the configured dir
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		var f registryFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		for tool, tier := range f.Tools {
			if err := r.Set(tool, tier); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
		}
	}
	return nil
}
