// Package dag assembles task configurations and group declarations into a
// Unified DAG: synthetic __start__/__end__ barrier nodes for groups,
// dependency rewriting of group references to their completion barrier, and
// a level-based (wave) topological sort the executor walks.
package dag

import (
	"fmt"
	"sort"
)

const (
	startBarrier = "__start__"
	endBarrier   = "__end__"
)

// NodeKind distinguishes a leaf task from the two group semantics.
type NodeKind int

const (
	KindTask NodeKind = iota
	KindSequentialGroup
	KindParallelGroup
)

// Node is one entry in the hierarchical declaration tree: a task or a
// group of children, preserving the declaration order children were
// written in (load-bearing for sequential chaining).
type Node struct {
	Kind      NodeKind
	Name      string
	Children  []Node
	DependsOn []string // raw references: bare names of top-level nodes; a "group:task" reference is reported as an unknown dependency
}

// FlatTask is one task emitted by Flatten: its group-qualified id and its
// dependencies, also rewritten to group-qualified ids (with group
// references pointing at the group's __end__ barrier).
type FlatTask struct {
	ID        string
	IsBarrier bool
	DependsOn []string
}

// ConfigError names the offending node(s) for a missing dependency, unknown
// task, or other configuration-time DAG error.
type ConfigError struct {
	Detail string
	Nodes  []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("dag: %s (%v)", e.Detail, e.Nodes)
}

func qualify(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + ":" + name
}

// Flatten walks roots (a set of top-level nodes, addressed by their own
// Name) and every node they transitively depend on, recursively expanding
// groups into barrier-linked children, and returns every task and barrier
// exactly once, keyed by its group-qualified id.
func Flatten(roots []Node) (map[string]FlatTask, error) {
	flat := make(map[string]FlatTask)
	byName := make(map[string]Node, len(roots))
	for _, r := range roots {
		byName[r.Name] = r
	}

	// walk emits n (recursively expanding groups) and returns its entry id
	// (where an external predecessor's dependency edge attaches) and its
	// exit id (what a dependent or a following sibling depends on). For a
	// task these coincide; for a group they are the __start__ and __end__
	// barriers.
	var walk func(parent string, n Node) (entry, exit string, err error)
	walk = func(parent string, n Node) (string, string, error) {
		id := qualify(parent, n.Name)
		if existing, ok := flat[id]; ok {
			return id, existing.ID, nil
		}

		deps, err := rewriteDeps(parent, n.DependsOn, byName)
		if err != nil {
			return "", "", err
		}

		switch n.Kind {
		case KindTask:
			flat[id] = FlatTask{ID: id, DependsOn: deps}
			return id, id, nil

		case KindSequentialGroup, KindParallelGroup:
			startID := qualify(id, startBarrier)
			endID := qualify(id, endBarrier)
			flat[startID] = FlatTask{ID: startID, IsBarrier: true, DependsOn: deps}

			var childExits []string
			prevExit := startID
			for _, child := range n.Children {
				childEntry, childExit, err := walk(id, child)
				if err != nil {
					return "", "", err
				}
				entryTask := flat[childEntry]
				switch n.Kind {
				case KindSequentialGroup:
					entryTask.DependsOn = append(entryTask.DependsOn, prevExit)
					prevExit = childExit
				case KindParallelGroup:
					entryTask.DependsOn = append(entryTask.DependsOn, startID)
				}
				flat[childEntry] = entryTask
				childExits = append(childExits, childExit)
			}

			var endDeps []string
			if len(childExits) == 0 {
				endDeps = []string{startID}
			} else if n.Kind == KindSequentialGroup {
				endDeps = []string{prevExit}
			} else {
				endDeps = childExits
			}
			flat[endID] = FlatTask{ID: endID, IsBarrier: true, DependsOn: endDeps}
			return startID, endID, nil

		default:
			return "", "", &ConfigError{Detail: "unknown node kind", Nodes: []string{id}}
		}
	}

	ids := make([]string, 0, len(roots))
	for _, r := range roots {
		_, exit, err := walk("", r)
		if err != nil {
			return nil, err
		}
		ids = append(ids, exit)
	}
	sort.Strings(ids)

	return flat, nil
}

// rewriteDeps resolves each raw dependency reference by bare name against
// the top-level nodes in byName: a name referring to a group is rewritten to
// that group's __end__ barrier so external dependents observe the whole group
// as one completion event; a name referring to a root task resolves directly.
// Qualified "group:name" references and names of nested children are not
// looked up and are reported as unknown dependencies.
func rewriteDeps(parent string, raw []string, byName map[string]Node) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, ref := range raw {
		node, ok := byName[ref]
		if !ok {
			return nil, &ConfigError{Detail: "unknown dependency", Nodes: []string{ref}}
		}
		if node.Kind == KindTask {
			out = append(out, node.Name)
		} else {
			out = append(out, qualify(node.Name, endBarrier))
		}
	}
	return out, nil
}
