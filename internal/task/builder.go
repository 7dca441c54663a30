package task

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
)

type buildResult struct {
	defs map[string]Definition
	err  error
}

// Builder validates raw task configs into Definitions: per-field
// validation, group-qualified dependency resolution, cycle detection,
// environment expansion, working-directory canonicalization, and security
// envelope checks. A dependency-validation cache indexed by the whole
// graph's signature short-circuits repeated builds of the same
// configuration within a process, a feature supplemented from the
// original_source's task builder rather than named in the distilled spec.
type Builder struct {
	workspaceRoot string
	globalEnv     map[string]string
	canonicalize  func(path string) (string, error)

	cacheMu sync.Mutex
	cache   map[string]buildResult
}

// New constructs a Builder rooted at workspaceRoot, expanding ${VAR}
// references against globalEnv. canonicalize resolves symlinks/relative
// segments (typically filepath.EvalSymlinks); tests may supply a fake.
func New(workspaceRoot string, globalEnv map[string]string, canonicalize func(path string) (string, error)) *Builder {
	return &Builder{
		workspaceRoot: workspaceRoot,
		globalEnv:     globalEnv,
		canonicalize:  canonicalize,
		cache:         make(map[string]buildResult),
	}
}

// Build validates every config in raw, resolving cross-group dependencies
// via the group:task syntax against otherGroups, the full set of groups
// available for reference (otherGroups may be nil when the caller only has
// one group).
func (b *Builder) Build(groupName string, raw map[string]RawConfig, otherGroups map[string]map[string]RawConfig) (map[string]Definition, error) {
	signature := graphSignature(groupName, raw)
	groups := make([]string, 0, len(otherGroups))
	for g := range otherGroups {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	for _, g := range groups {
		signature += ":" + graphSignature(g, otherGroups[g])
	}

	b.cacheMu.Lock()
	if cached, ok := b.cache[signature]; ok {
		b.cacheMu.Unlock()
		return cached.defs, cached.err
	}
	b.cacheMu.Unlock()

	defs, err := b.build(groupName, raw, otherGroups)

	b.cacheMu.Lock()
	b.cache[signature] = buildResult{defs: defs, err: err}
	b.cacheMu.Unlock()

	return defs, err
}

func (b *Builder) build(groupName string, raw map[string]RawConfig, otherGroups map[string]map[string]RawConfig) (map[string]Definition, error) {
	localDeps := make(map[string][]string, len(raw))

	for name, cfg := range raw {
		if err := validateConfig(cfg); err != nil {
			return nil, err
		}
		var local []string
		for _, dep := range cfg.DependsOn {
			group, task := splitDependency(dep)
			if group == "" || group == groupName {
				if _, ok := raw[task]; !ok {
					return nil, &ConfigError{Task: name, Detail: "unknown local dependency: " + task}
				}
				local = append(local, task)
			} else {
				refGroup, ok := otherGroups[group]
				if !ok {
					return nil, &ConfigError{Task: name, Detail: "unknown group in dependency: " + dep}
				}
				if _, ok := refGroup[task]; !ok {
					return nil, &ConfigError{Task: name, Detail: "unknown task in dependency: " + dep}
				}
			}
		}
		localDeps[name] = local
	}

	if err := detectCycle(localDeps); err != nil {
		return nil, err
	}

	defs := make(map[string]Definition, len(raw))
	for name, cfg := range raw {
		workDir, err := resolveWorkingDir(name, b.workspaceRoot, cfg.WorkingDir, b.canonicalize)
		if err != nil {
			return nil, err
		}
		declaredPaths := append(append(append([]string(nil), cfg.Security.ReadOnlyPaths...), cfg.Security.ReadWritePaths...), cfg.Security.DenyPaths...)
		if len(declaredPaths) > 0 {
			if err := validateSecurityPaths(name, b.workspaceRoot, declaredPaths, b.canonicalize); err != nil {
				return nil, err
			}
		}
		if cfg.Security.RestrictNetwork || len(cfg.Security.AllowedHosts) > 0 {
			if err := validateAllowedHosts(name, cfg.Security.AllowedHosts); err != nil {
				return nil, err
			}
		}

		env := make(map[string]string, len(b.globalEnv)+len(cfg.Env))
		for k, v := range b.globalEnv {
			env[k] = v
		}
		for k, v := range cfg.Env {
			env[k] = v
		}

		defs[name] = Definition{
			Name:           name,
			Command:        expandEnv(cfg.Command, env),
			Script:         expandEnv(cfg.Script, env),
			DependsOn:      cfg.DependsOn,
			Shell:          cfg.Shell,
			TimeoutSeconds: cfg.TimeoutSeconds,
			WorkingDir:     workDir,
			Env:            env,
			Inputs:         cfg.Inputs,
			Outputs:        cfg.Outputs,
			Security:       cfg.Security,
		}
	}

	return defs, nil
}

// graphSignature derives a stable digest over a group's full raw
// configuration, used to key the dependency-validation cache.
func graphSignature(groupName string, raw map[string]RawConfig) string {
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	fmt.Fprintf(h, "group:%s\n", groupName)
	for _, name := range names {
		cfg := raw[name]
		fmt.Fprintf(h, "task:%s\ncommand:%s\nscript:%s\nshell:%s\ntimeout:%d\nworkdir:%s\n",
			name, cfg.Command, cfg.Script, cfg.Shell, cfg.TimeoutSeconds, cfg.WorkingDir)
		deps := append([]string(nil), cfg.DependsOn...)
		sort.Strings(deps)
		fmt.Fprintf(h, "deps:%s\n", strings.Join(deps, ","))
		envKeys := sortedKeys(cfg.Env)
		for _, k := range envKeys {
			fmt.Fprintf(h, "env:%s=%s\n", k, cfg.Env[k])
		}
		inputs := append([]string(nil), cfg.Inputs...)
		sort.Strings(inputs)
		fmt.Fprintf(h, "inputs:%s\n", strings.Join(inputs, ","))
		outputs := append([]string(nil), cfg.Outputs...)
		sort.Strings(outputs)
		fmt.Fprintf(h, "outputs:%s\n", strings.Join(outputs, ","))

		ro := append([]string(nil), cfg.Security.ReadOnlyPaths...)
		sort.Strings(ro)
		fmt.Fprintf(h, "ro_paths:%s\n", strings.Join(ro, ","))
		rw := append([]string(nil), cfg.Security.ReadWritePaths...)
		sort.Strings(rw)
		fmt.Fprintf(h, "rw_paths:%s\n", strings.Join(rw, ","))
		deny := append([]string(nil), cfg.Security.DenyPaths...)
		sort.Strings(deny)
		fmt.Fprintf(h, "deny_paths:%s\n", strings.Join(deny, ","))
		hosts := append([]string(nil), cfg.Security.AllowedHosts...)
		sort.Strings(hosts)
		fmt.Fprintf(h, "hosts:%s\n", strings.Join(hosts, ","))
		fmt.Fprintf(h, "restrict_disk:%t\nrestrict_network:%t\n", cfg.Security.RestrictDisk, cfg.Security.RestrictNetwork)
	}
	return hex.EncodeToString(h.Sum(nil))
}
