package dag

import "sort"

// Plan is the wave-partitioned order the executor walks: every task in
// Waves[k] has all its dependencies in some Waves[j], j < k.
type Plan struct {
	Waves [][]string
}

// Build performs a level-based topological sort over flat (as produced by
// Flatten): every node's level is one past the maximum level of its
// dependencies. A missing dependency or a cycle is a ConfigError naming the
// offending node(s).
func Build(flat map[string]FlatTask) (Plan, error) {
	for id, t := range flat {
		for _, dep := range t.DependsOn {
			if _, ok := flat[dep]; !ok {
				return Plan{}, &ConfigError{Detail: "missing dependency", Nodes: []string{id, dep}}
			}
		}
	}

	level := make(map[string]int, len(flat))
	const unresolved = -1
	for id := range flat {
		level[id] = unresolved
	}

	const (
		unvisited = 0
		visiting  = 1
		resolved  = 2
	)
	state := make(map[string]int, len(flat))

	var resolve func(id string, path []string) (int, error)
	resolve = func(id string, path []string) (int, error) {
		switch state[id] {
		case visiting:
			return 0, &ConfigError{Detail: "dependency cycle", Nodes: append(append([]string(nil), path...), id)}
		case resolved:
			return level[id], nil
		}
		state[id] = visiting
		maxDepLevel := -1
		for _, dep := range flat[id].DependsOn {
			depLevel, err := resolve(dep, append(path, id))
			if err != nil {
				return 0, err
			}
			if depLevel > maxDepLevel {
				maxDepLevel = depLevel
			}
		}
		state[id] = resolved
		level[id] = maxDepLevel + 1
		return level[id], nil
	}

	ids := make([]string, 0, len(flat))
	for id := range flat {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	maxLevel := 0
	for _, id := range ids {
		l, err := resolve(id, nil)
		if err != nil {
			return Plan{}, err
		}
		if l > maxLevel {
			maxLevel = l
		}
	}

	waves := make([][]string, maxLevel+1)
	for _, id := range ids {
		l := level[id]
		waves[l] = append(waves[l], id)
	}
	for _, w := range waves {
		sort.Strings(w)
	}

	return Plan{Waves: waves}, nil
}
