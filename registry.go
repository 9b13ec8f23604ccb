package acpbridge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentSpec describes one launchable agent. Immutable after load.
type AgentSpec struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Command     []string `json:"command" yaml:"command"`
	Version     string   `json:"version,omitempty" yaml:"version,omitempty"`

	// APIKey may reference a host environment variable with a ${NAME}
	// placeholder; it is resolved at lookup time, not at load time.
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
}

// ManifestCapabilities are the capability hints published for an agent.
type ManifestCapabilities struct {
	Modes                []RunMode `json:"modes"`
	SupportsStreaming    bool      `json:"supports_streaming"`
	SupportsCancellation bool      `json:"supports_cancellation"`
}

// Manifest is the public description of one agent.
type Manifest struct {
	Name         string               `json:"name"`
	Description  string               `json:"description"`
	Version      string               `json:"version"`
	Capabilities ManifestCapabilities `json:"capabilities"`
}

type registryFile struct {
	Agents []AgentSpec `json:"agents" yaml:"agents"`
}

// Registry is the read-only agent catalog, loaded once at startup.
type Registry struct {
	specs  []AgentSpec
	byName map[string]int
}

// LoadRegistry reads the agents catalog. The file is a JSON document
// {"agents": [...]}; files named *.yaml or *.yml are parsed as YAML
// with the same shape.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Errorf(KindConfig, "read agents config %s: %v", path, err)
	}

	var file registryFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	default:
		err = json.Unmarshal(data, &file)
	}
	if err != nil {
		return nil, Errorf(KindConfig, "parse agents config %s: %v", path, err)
	}

	return NewRegistry(file.Agents)
}

// NewRegistry validates specs and builds the catalog, preserving
// insertion order.
func NewRegistry(specs []AgentSpec) (*Registry, error) {
	r := &Registry{byName: make(map[string]int, len(specs))}
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, Errorf(KindConfig, "agent with empty name")
		}
		if len(spec.Command) == 0 {
			return nil, Errorf(KindConfig, "agent %q has an empty command", spec.Name)
		}
		if _, dup := r.byName[spec.Name]; dup {
			return nil, Errorf(KindConfig, "duplicate agent %q", spec.Name)
		}
		r.byName[spec.Name] = len(r.specs)
		r.specs = append(r.specs, spec)
	}
	return r, nil
}

// Get returns the named agent with its API key placeholder resolved
// against the host environment. An unresolved variable yields an empty
// key and the agent launches without that credential.
func (r *Registry) Get(name string) (AgentSpec, error) {
	i, ok := r.byName[name]
	if !ok {
		return AgentSpec{}, Errorf(KindAgentNotFound, "unknown agent %q", name)
	}
	spec := r.specs[i]
	spec.APIKey = os.Expand(spec.APIKey, os.Getenv)
	return spec, nil
}

// List returns all specs in insertion order. Keys are not resolved.
func (r *Registry) List() []AgentSpec {
	out := make([]AgentSpec, len(r.specs))
	copy(out, r.specs)
	return out
}

// Manifest returns the published manifest for the named agent.
func (r *Registry) Manifest(name string) (Manifest, error) {
	i, ok := r.byName[name]
	if !ok {
		return Manifest{}, Errorf(KindAgentNotFound, "unknown agent %q", name)
	}
	spec := r.specs[i]
	description := spec.Description
	if description == "" {
		description = fmt.Sprintf("ZedACP agent %q exposed over the bridge", spec.Name)
	}
	version := spec.Version
	if version == "" {
		version = "0.1.0"
	}
	return Manifest{
		Name:        spec.Name,
		Description: description,
		Version:     version,
		Capabilities: ManifestCapabilities{
			Modes:                []RunMode{ModeSync, ModeStream},
			SupportsStreaming:    true,
			SupportsCancellation: true,
		},
	}, nil
}
