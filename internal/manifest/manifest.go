// Package manifest declares the component graph and the wiring plan that the
// provisioner deploys. A manifest is static: it is loaded once per run and is
// never mutated afterwards.
package manifest

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultManifest []byte

// ErrInvalidManifest is returned when a manifest fails validation.
var ErrInvalidManifest = errors.New("manifest: invalid manifest")

// Role names one of the three signing accounts.
type Role string

const (
	RoleOwner   Role = "owner"
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
)

// ConstructorArgs selects what a component's constructor receives.
type ConstructorArgs string

const (
	// ArgsRoles passes (admin, manager) role addresses.
	ArgsRoles ConstructorArgs = "roles"
	// ArgsNone passes nothing.
	ArgsNone ConstructorArgs = "none"
)

// ComponentSpec is one deployable unit.
type ComponentSpec struct {
	Name            string          `yaml:"name" json:"name" validate:"required"`
	SourceRef       string          `yaml:"source" json:"source" validate:"required"`
	DependsOn       []string        `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	ConstructorArgs ConstructorArgs `yaml:"constructor_args,omitempty" json:"constructor_args,omitempty" validate:"omitempty,oneof=roles none"`
}

// WiringRule tells Source the address of Target by calling Operation on it.
type WiringRule struct {
	Source      string `yaml:"source" json:"source" validate:"required"`
	Operation   string `yaml:"operation" json:"operation" validate:"required"`
	Target      string `yaml:"target" json:"target" validate:"required"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	From        Role   `yaml:"from,omitempty" json:"from,omitempty" validate:"omitempty,oneof=owner admin manager"`
}

// String renders the rule as Source.Operation(Target).
func (r WiringRule) String() string {
	return fmt.Sprintf("%s.%s(%s)", r.Source, r.Operation, r.Target)
}

// Signer returns the role that signs the rule's transaction.
func (r WiringRule) Signer() Role {
	if r.From == "" {
		return RoleOwner
	}
	return r.From
}

// Manifest is the full declaration: components in declaration order plus the
// ordered wiring plan.
type Manifest struct {
	Sources    []string        `yaml:"sources,omitempty" json:"sources,omitempty"`
	Components []ComponentSpec `yaml:"components" json:"components" validate:"required,min=1,dive"`
	Wiring     []WiringRule    `yaml:"wiring,omitempty" json:"wiring,omitempty" validate:"dive"`
}

// Default returns the built-in manifest.
func Default() (*Manifest, error) {
	return Parse(defaultManifest)
}

// Load reads a manifest from path. An empty path yields the built-in manifest.
func Load(path string) (*Manifest, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML manifest.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	for i := range m.Components {
		if m.Components[i].ConstructorArgs == "" {
			m.Components[i].ConstructorArgs = ArgsRoles
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks field constraints and that every wiring rule references a
// declared component. Dependency edges are checked by the planner.
func (m *Manifest) Validate() error {
	if err := validator.New().Struct(m); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	known := make(map[string]bool, len(m.Components))
	for _, c := range m.Components {
		known[c.Name] = true
	}
	var bad []string
	for i, r := range m.Wiring {
		if !known[r.Source] {
			bad = append(bad, fmt.Sprintf("rule %d: unknown source %q", i+1, r.Source))
		}
		if !known[r.Target] {
			bad = append(bad, fmt.Sprintf("rule %d: unknown target %q", i+1, r.Target))
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidManifest, strings.Join(bad, "; "))
	}
	return nil
}

// Names returns component names in declaration order.
func (m *Manifest) Names() []string {
	names := make([]string, len(m.Components))
	for i, c := range m.Components {
		names[i] = c.Name
	}
	return names
}

// Component looks up a component by name.
func (m *Manifest) Component(name string) (ComponentSpec, bool) {
	for _, c := range m.Components {
		if c.Name == name {
			return c, true
		}
	}
	return ComponentSpec{}, false
}

// SourceRefs returns every source the compiler must see, without duplicates.
func (m *Manifest) SourceRefs() []string {
	seen := make(map[string]bool)
	var refs []string
	add := func(ref string) {
		if ref != "" && !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	for _, s := range m.Sources {
		add(s)
	}
	for _, c := range m.Components {
		add(c.SourceRef)
	}
	return refs
}
