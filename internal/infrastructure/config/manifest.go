package config

import (
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModelManifest is the optional per-model capability manifest. It overrides
// the global assumption that the upstream lacks native tool-calling: models
// matching a pattern with native_tools=true receive their tool definitions
// on the wire instead of the injected prompt.
type ModelManifest struct {
	Models []ModelCapability `yaml:"models"`
}

// ModelCapability maps a model-name glob to its tool-calling capability.
type ModelCapability struct {
	Pattern     string `yaml:"pattern"`
	NativeTools bool   `yaml:"native_tools"`
}

// LoadManifest reads and validates a manifest file. An empty path yields an
// empty manifest (no overrides).
func LoadManifest(filePath string) (*ModelManifest, error) {
	if filePath == "" {
		return &ModelManifest{}, nil
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read model manifest %s: %w", filePath, err)
	}

	var m ModelManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse model manifest %s: %w", filePath, err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid model manifest %s: %w", filePath, err)
	}
	return &m, nil
}

func (m *ModelManifest) validate() error {
	for i, mc := range m.Models {
		if mc.Pattern == "" {
			return fmt.Errorf("models[%d]: pattern is required", i)
		}
		if _, err := path.Match(mc.Pattern, "probe"); err != nil {
			return fmt.Errorf("models[%d]: bad pattern %q: %w", i, mc.Pattern, err)
		}
	}
	return nil
}

// NativeTools looks up the capability override for a model name. The second
// return is false when no pattern matches. First match wins.
func (m *ModelManifest) NativeTools(model string) (bool, bool) {
	name := strings.ToLower(model)
	for _, mc := range m.Models {
		if ok, _ := path.Match(strings.ToLower(mc.Pattern), name); ok {
			return mc.NativeTools, true
		}
	}
	return false, false
}
