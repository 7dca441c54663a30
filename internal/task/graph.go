package task

import (
	"sort"
	"strings"
)

// splitDependency splits a "group:task" reference into its group and task
// parts. A bare name (no colon) has an empty group, meaning "local to this
// build".
func splitDependency(ref string) (group, name string) {
	if idx := strings.IndexByte(ref, ':'); idx >= 0 {
		return ref[:idx], ref[idx+1:]
	}
	return "", ref
}

// detectCycle runs DFS with an explicit recursion stack over the local
// dependency graph (name -> depends-on names), returning the first back-edge
// found as a CycleError naming both endpoints.
func detectCycle(deps map[string][]string) error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(deps))

	var visit func(node string) error
	visit = func(node string) error {
		state[node] = visiting
		for _, dep := range deps[node] {
			switch state[dep] {
			case visiting:
				return &CycleError{From: node, To: dep}
			case unvisited:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		state[node] = done
		return nil
	}

	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if state[name] == unvisited {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}
