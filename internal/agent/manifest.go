package agent

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed manifest.yaml
var defaultManifest []byte

type Company struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Email       string `yaml:"email"`
}

type Greeting struct {
	Known   string `yaml:"known"`
	Unknown string `yaml:"unknown"`
}

// ToolSpec is a function tool as declared in the manifest.
type ToolSpec struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
}

// Manifest is the declarative part of an agent: prompt templates, filler
// phrases and the tools offered to the model.
type Manifest struct {
	Company      Company             `yaml:"company"`
	Instructions string              `yaml:"instructions"`
	Greeting     Greeting            `yaml:"greeting"`
	Fillers      map[string][]string `yaml:"fillers"`
	Tools        []ToolSpec          `yaml:"tools"`
}

// LoadManifest reads a YAML manifest from path, or the built-in manifest
// when path is empty.
func LoadManifest(path string) (Manifest, error) {
	raw := defaultManifest
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Manifest{}, fmt.Errorf("read manifest: %w", err)
		}
		raw = b
	}
	return ParseManifest(raw)
}

func ParseManifest(raw []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func (m Manifest) Validate() error {
	if strings.TrimSpace(m.Instructions) == "" {
		return errors.New("manifest instructions are required")
	}
	seen := make(map[string]struct{}, len(m.Tools))
	for i, t := range m.Tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return fmt.Errorf("manifest tool %d has no name", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("manifest tool %q declared twice", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

func (m Manifest) hasTool(name string) bool {
	for _, t := range m.Tools {
		if t.Name == name {
			return true
		}
	}
	return false
}
