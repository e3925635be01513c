// Package planner orders components so that each one is deployed after
// everything it depends on.
package planner

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Bidon15/popsigner/provisioner/internal/manifest"
)

var (
	// ErrCyclicDependency is returned when the dependsOn graph has a cycle.
	ErrCyclicDependency = errors.New("planner: cyclic dependency")
	// ErrUnknownDependency is returned when a component depends on a name
	// that is not declared.
	ErrUnknownDependency = errors.New("planner: unknown dependency")
	// ErrDuplicateComponent is returned when a name is declared twice.
	ErrDuplicateComponent = errors.New("planner: duplicate component")
	// ErrUnknownSkip is returned when the skip set names an undeclared component.
	ErrUnknownSkip = errors.New("planner: skip names unknown component")
)

// SkipSet holds components whose earlier deployment is authoritative.
type SkipSet map[string]struct{}

// NewSkipSet builds a skip set from names.
func NewSkipSet(names ...string) SkipSet {
	s := make(SkipSet, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			s[n] = struct{}{}
		}
	}
	return s
}

// Has reports whether name is skipped.
func (s SkipSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Names returns the skipped names sorted.
func (s SkipSet) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Action says what happens to a component in this run.
type Action string

const (
	// ActionDeploy submits a construction transaction.
	ActionDeploy Action = "deploy"
	// ActionReuse keeps the address recorded by an earlier run.
	ActionReuse Action = "reuse"
)

// Step is one position in the plan.
type Step struct {
	Component manifest.ComponentSpec `json:"component"`
	Action    Action                 `json:"action"`
}

// Plan is a validated topological order over every declared component.
// Skipped components keep their position as reuse steps.
type Plan struct {
	Steps []Step `json:"steps"`
}

// Order returns component names in plan order.
func (p *Plan) Order() []string {
	names := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		names[i] = s.Component.Name
	}
	return names
}

// Deployments returns the components that will be deployed, in order.
func (p *Plan) Deployments() []manifest.ComponentSpec {
	var out []manifest.ComponentSpec
	for _, s := range p.Steps {
		if s.Action == ActionDeploy {
			out = append(out, s.Component)
		}
	}
	return out
}

// Build validates the graph and returns a deployment order. Among components
// that are ready at the same time, declaration order wins.
func Build(specs []manifest.ComponentSpec, skip SkipSet) (*Plan, error) {
	index := make(map[string]int, len(specs))
	for i, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("%w: component %d has no name", ErrDuplicateComponent, i+1)
		}
		if _, dup := index[s.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateComponent, s.Name)
		}
		index[s.Name] = i
	}

	for _, name := range skip.Names() {
		if _, ok := index[name]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSkip, name)
		}
	}

	// deps[i] holds the declaration indexes component i depends on.
	deps := make([][]int, len(specs))
	dependents := make([][]int, len(specs))
	indeg := make([]int, len(specs))
	for i, s := range specs {
		seen := make(map[int]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("%w: %q depends on %q", ErrUnknownDependency, s.Name, dep)
			}
			if j == i {
				return nil, fmt.Errorf("%w: %s -> %s", ErrCyclicDependency, s.Name, s.Name)
			}
			if seen[j] {
				continue
			}
			seen[j] = true
			deps[i] = append(deps[i], j)
			dependents[j] = append(dependents[j], i)
			indeg[i]++
		}
	}

	ready := make([]int, 0, len(specs))
	for i := range specs {
		if indeg[i] == 0 {
			ready = append(ready, i)
		}
	}

	plan := &Plan{Steps: make([]Step, 0, len(specs))}
	for len(ready) > 0 {
		sort.Ints(ready)
		i := ready[0]
		ready = ready[1:]

		action := ActionDeploy
		if skip.Has(specs[i].Name) {
			action = ActionReuse
		}
		plan.Steps = append(plan.Steps, Step{Component: specs[i], Action: action})

		for _, d := range dependents[i] {
			indeg[d]--
			if indeg[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(plan.Steps) != len(specs) {
		return nil, fmt.Errorf("%w: %s", ErrCyclicDependency, strings.Join(findCycle(specs, deps, indeg), " -> "))
	}
	return plan, nil
}

// findCycle walks unresolved dependency edges from the first blocked
// component until a name repeats.
func findCycle(specs []manifest.ComponentSpec, deps [][]int, indeg []int) []string {
	start := -1
	for i := range specs {
		if indeg[i] > 0 {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}

	pos := make(map[int]int)
	var path []int
	for cur := start; ; {
		if p, seen := pos[cur]; seen {
			cycle := make([]string, 0, len(path)-p+1)
			for _, i := range path[p:] {
				cycle = append(cycle, specs[i].Name)
			}
			return append(cycle, specs[cur].Name)
		}
		pos[cur] = len(path)
		path = append(path, cur)

		next := -1
		for _, d := range deps[cur] {
			if indeg[d] > 0 {
				next = d
				break
			}
		}
		if next < 0 {
			return []string{specs[start].Name}
		}
		cur = next
	}
}
