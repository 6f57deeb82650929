// Package manifest loads and validates the build plan: the set of
// buildable units, their builders, and the dependency edges between them.
// Cycle detection happens here, before any goal exists; the goal core
// assumes the "depends on" graph is acyclic at every instant.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/gammazero/toposort"

	"github.com/aristath/buildloom/internal/store"
)

// Unit is one buildable entry in the manifest.
type Unit struct {
	// Builder is the command run to produce the unit's outputs. It runs
	// with one OUT_<NAME> environment variable per output, naming the
	// store file the builder must create.
	Builder string   `json:"builder"`
	Args    []string `json:"args,omitempty"`

	// Env is extra environment for the builder.
	Env map[string]string `json:"env,omitempty"`

	// Outputs are the named outputs this unit produces. Defaults to
	// ["out"] when empty.
	Outputs []string `json:"outputs,omitempty"`

	// Inputs are derived paths this unit needs realised first: either
	// "otherunit!out" forms or bare store paths to substitute.
	Inputs []string `json:"inputs,omitempty"`
}

// Manifest is the whole build plan.
type Manifest struct {
	// Targets are the derived paths realised when none are given on the
	// command line.
	Targets []string `json:"targets,omitempty"`

	Units map[string]Unit `json:"units"`
}

// Load reads and parses a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	return m, nil
}

// Parse parses manifest JSON.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if len(m.Units) == 0 {
		return nil, fmt.Errorf("manifest defines no units")
	}
	return &m, nil
}

// Unit returns the named unit.
func (m *Manifest) Unit(name string) (Unit, bool) {
	u, ok := m.Units[name]
	return u, ok
}

// Outputs returns the unit's output names, applying the "out" default.
func (u Unit) OutputNames() []string {
	if len(u.Outputs) == 0 {
		return []string{"out"}
	}
	return u.Outputs
}

// InputPaths parses the unit's input strings into derived paths.
func (u Unit) InputPaths() ([]store.DerivedPath, error) {
	paths := make([]store.DerivedPath, 0, len(u.Inputs))
	for _, in := range u.Inputs {
		d, err := store.ParseDerivedPath(in)
		if err != nil {
			return nil, err
		}
		paths = append(paths, d)
	}
	return paths, nil
}

// Validate runs topological sort over the unit dependency graph using
// gammazero/toposort. Returns ordered unit names, or an error if a cycle
// is detected or a built input names a unit that doesn't exist. Opaque
// (bare store path) inputs are not edges; they are satisfied by
// substitution at realisation time.
func (m *Manifest) Validate() ([]string, error) {
	for name, unit := range m.Units {
		inputs, err := unit.InputPaths()
		if err != nil {
			return nil, fmt.Errorf("unit %q: %w", name, err)
		}
		for _, in := range inputs {
			if in.Opaque() {
				continue
			}
			if _, exists := m.Units[in.Unit]; !exists {
				return nil, fmt.Errorf("unit %q depends on non-existent unit %q", name, in.Unit)
			}
			for _, out := range in.Outputs.Normalize().Names {
				dep := m.Units[in.Unit]
				if !contains(dep.OutputNames(), out) {
					return nil, fmt.Errorf("unit %q requests output %q that unit %q does not produce", name, out, in.Unit)
				}
			}
		}
	}

	// Build edges for topological sort
	var edges []toposort.Edge
	for name, unit := range m.Units {
		inputs, _ := unit.InputPaths()
		depended := false
		for _, in := range inputs {
			if in.Opaque() {
				continue
			}
			// Edge (dep, name) means dep must come before name
			edges = append(edges, toposort.Edge{in.Unit, name})
			depended = true
		}
		if !depended {
			// Unit with no built inputs - edge from nil to ensure it's included
			edges = append(edges, toposort.Edge{nil, name})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("manifest contains dependency cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	// Catches disconnected units the sort lost
	if len(order) != len(m.Units) {
		missing := []string{}
		foundMap := make(map[string]bool)
		for _, id := range order {
			foundMap[id] = true
		}
		for name := range m.Units {
			if !foundMap[name] {
				missing = append(missing, name)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d units: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}

func contains(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}
