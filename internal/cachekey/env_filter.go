package cachekey

import (
	"path"
	"sort"
	"strings"
)

// EnvFilterPolicy configures how environment variables are filtered before
// they influence a cache key. Task-specific rules (TaskExcludeGlobs,
// TaskIncludeGlobs) override the global rules (ExcludeGlobs, IncludeGlobs)
// when present for a given task.
type EnvFilterPolicy struct {
	ExcludeGlobs     []string
	IncludeGlobs     []string
	UseSmartDefaults bool

	TaskExcludeGlobs map[string][]string
	TaskIncludeGlobs map[string][]string
}

// smartDenyGlobs and smartAllowGlobs resolve spec.md §9 open question (a):
// exact membership is load-bearing and may need per-platform tuning, so it is
// recorded and justified in DESIGN.md rather than here.
var smartDenyGlobs = []string{
	"PATH", "PS1", "PS2", "PROMPT_COMMAND", "SHLVL", "_", "OLDPWD", "PWD",
	"TERM", "TERM_PROGRAM*", "COLORTERM", "TMUX*", "STY", "WINDOWID",
	"SSH_AUTH_SOCK", "SSH_AGENT_PID", "DISPLAY", "XAUTHORITY",
	"HISTFILE", "HISTSIZE", "*_FZF_*", "LESS*",
}

var smartAllowGlobs = []string{
	"*_VERSION", "*_HOME", "*_ENV", "CI", "CI_*", "GITHUB_*", "LANG", "LC_*",
}

// FilterEnv applies the ordered pipeline from spec.md §4.1: deny-list always
// wins; then, if an include list is present, keep only matches; otherwise, if
// smart defaults are enabled, keep only names matching the built-in allow-list
// and not the built-in deny-list.
func FilterEnv(policy EnvFilterPolicy, taskName string, env map[string]string) (map[string]string, error) {
	excludeGlobs := policy.ExcludeGlobs
	if task, ok := policy.TaskExcludeGlobs[taskName]; ok {
		excludeGlobs = task
	}
	includeGlobs := policy.IncludeGlobs
	if task, ok := policy.TaskIncludeGlobs[taskName]; ok {
		includeGlobs = task
	}

	exclude, err := compileGlobs(excludeGlobs)
	if err != nil {
		return nil, err
	}
	include, err := compileGlobs(includeGlobs)
	if err != nil {
		return nil, err
	}
	var denyDefault []compiledGlob
	for _, p := range smartDenyGlobs {
		g, err := compileGlobs([]string{p})
		if err != nil {
			// Built-in patterns with a "*" at both ends match through path.Match.
			g = []compiledGlob{{pattern: p, kind: globExact}}
		}
		denyDefault = append(denyDefault, g...)
	}
	allowDefault, _ := compileGlobs(smartAllowGlobs)

	out := make(map[string]string, len(env))
	for name, value := range env {
		if matchAny(exclude, name) {
			continue
		}
		if len(include) > 0 {
			if matchAny(include, name) {
				out[name] = value
			}
			continue
		}
		if policy.UseSmartDefaults {
			if matchAny(denyDefault, name) || !matchAny(allowDefault, name) {
				continue
			}
		}
		out[name] = value
	}
	return out, nil
}

type compiledGlob struct {
	pattern string
	kind    globKind
}

type globKind int

const (
	globExact globKind = iota
	globPrefix
	globSuffix
)

func compileGlobs(patterns []string) ([]compiledGlob, error) {
	out := make([]compiledGlob, 0, len(patterns))
	for _, p := range patterns {
		if strings.Count(p, "*") > 1 {
			return nil, &InvalidGlobError{Pattern: p}
		}
		switch {
		case strings.HasSuffix(p, "*") && !strings.HasPrefix(p, "*"):
			out = append(out, compiledGlob{pattern: strings.TrimSuffix(p, "*"), kind: globPrefix})
		case strings.HasPrefix(p, "*") && !strings.HasSuffix(p, "*"):
			out = append(out, compiledGlob{pattern: strings.TrimPrefix(p, "*"), kind: globSuffix})
		case p == "*":
			out = append(out, compiledGlob{pattern: "", kind: globPrefix})
		default:
			out = append(out, compiledGlob{pattern: p, kind: globExact})
		}
	}
	return out, nil
}

func matchAny(globs []compiledGlob, name string) bool {
	for _, g := range globs {
		switch g.kind {
		case globExact:
			if ok, _ := path.Match(g.pattern, name); ok || g.pattern == name {
				return true
			}
		case globPrefix:
			if strings.HasPrefix(name, g.pattern) {
				return true
			}
		case globSuffix:
			if strings.HasSuffix(name, g.pattern) {
				return true
			}
		}
	}
	return false
}

// InvalidGlobError reports a glob pattern the key generator cannot compile.
type InvalidGlobError struct {
	Pattern string
}

func (e *InvalidGlobError) Error() string {
	return "cachekey: invalid glob pattern: " + e.Pattern
}

// sortedPairs returns env entries sorted by name, for deterministic hashing.
func sortedPairs(env map[string]string) []string {
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
