package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AgentTypeDef declares a pilot agent type and the capabilities pilots of
// that type advertise by default. Loaded from the optional capabilities
// registry YAML.
type AgentTypeDef struct {
	Name         string          `yaml:"name"`
	Description  string          `yaml:"description,omitempty"`
	Capabilities []CapabilityDef `yaml:"capabilities"`
}

// CapabilityDef is a named skill with the trigger words the scheduler matches
// against work order keywords.
type CapabilityDef struct {
	Name         string   `yaml:"name"`
	TriggerWords []string `yaml:"trigger_words"`
}

// CapabilityRegistry holds the parsed agent-type definitions keyed by name.
type CapabilityRegistry struct {
	AgentTypes map[string]AgentTypeDef
}

type capabilitiesFile struct {
	AgentTypes []AgentTypeDef `yaml:"agent_types"`
}

// LoadCapabilities parses the registry file. A missing path yields an empty
// registry; pilots then rely entirely on self-declared capabilities.
func LoadCapabilities(path string) (*CapabilityRegistry, error) {
	reg := &CapabilityRegistry{AgentTypes: make(map[string]AgentTypeDef)}
	if path == "" {
		return reg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, fmt.Errorf("reading capabilities registry: %w", err)
	}

	var file capabilitiesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing capabilities registry: %w", err)
	}

	for _, at := range file.AgentTypes {
		if at.Name == "" {
			return nil, fmt.Errorf("capabilities registry: agent type with empty name")
		}
		if _, dup := reg.AgentTypes[at.Name]; dup {
			return nil, fmt.Errorf("capabilities registry: duplicate agent type %q", at.Name)
		}
		reg.AgentTypes[at.Name] = at
	}
	return reg, nil
}

// Defaults returns the default capabilities for an agent type, or nil when
// the type is not in the registry.
func (r *CapabilityRegistry) Defaults(agentType string) []CapabilityDef {
	at, ok := r.AgentTypes[agentType]
	if !ok {
		return nil
	}
	return at.Capabilities
}
