// Package loader discovers plugins on disk, resolves their dependency
// order, and drives the lifecycle state machine.
package loader

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dotcommander/secplugd/pkg/secplugin"
)

// CycleError is the fatal load-batch error reporting one dependency
// cycle, including the full closed cycle path.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: %s", secplugin.ErrDependencyCycle, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error {
	return secplugin.ErrDependencyCycle
}

// depGraph is the DAG keyed by manifest dependencies.
type depGraph struct {
	nodes map[string][]string
}

func buildGraph(manifests map[string]*secplugin.Manifest) *depGraph {
	g := &depGraph{nodes: make(map[string][]string, len(manifests))}
	for id, m := range manifests {
		g.nodes[id] = append([]string(nil), m.Dependencies...)
	}
	return g
}

// topoOrder returns plugin ids such that every plugin appears after
// all of its dependencies, or a *CycleError. Missing dependencies are
// left to the load phase (they resolve to dependency_unavailable per
// plugin, not a batch failure). Traversal is in sorted-id order so
// batches are deterministic.
func (g *depGraph) topoOrder() ([]string, error) {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)

	state := make(map[string]int, len(g.nodes))
	order := make([]string, 0, len(g.nodes))
	var stack []string

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			// Found a back edge; the cycle is the stack suffix from
			// the first occurrence of id, closed with id itself.
			start := 0
			for i, s := range stack {
				if s == id {
					start = i
					break
				}
			}
			cycle := append(append([]string(nil), stack[start:]...), id)
			return &CycleError{Path: cycle}
		}

		state[id] = visiting
		stack = append(stack, id)

		for _, dep := range g.nodes[id] {
			if _, known := g.nodes[dep]; !known {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = done
		order = append(order, id)
		return nil
	}

	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// generations groups a topological order into batches where every
// plugin's dependencies live in strictly earlier batches, so each
// batch can load in parallel.
func (g *depGraph) generations(order []string) [][]string {
	depth := make(map[string]int, len(order))
	maxDepth := 0
	for _, id := range order {
		d := 0
		for _, dep := range g.nodes[id] {
			if dd, ok := depth[dep]; ok && dd+1 > d {
				d = dd + 1
			}
		}
		depth[id] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	gens := make([][]string, maxDepth+1)
	for _, id := range order {
		gens[depth[id]] = append(gens[depth[id]], id)
	}
	return gens
}

// cycleMembers returns the set of plugin ids on the cycle path.
func (e *CycleError) cycleMembers() map[string]bool {
	members := make(map[string]bool, len(e.Path))
	for _, id := range e.Path {
		members[id] = true
	}
	return members
}
