package task

import (
	"path/filepath"
	"strings"
)

// resolveWorkingDir resolves a possibly-relative working directory against
// workspaceRoot and canonicalizes it. Failure is reported as a ConfigError
// tied to taskName, per spec's "failure here is an error tied to the task
// name".
func resolveWorkingDir(taskName, workspaceRoot, dir string, canonicalize func(string) (string, error)) (string, error) {
	if dir == "" {
		dir = workspaceRoot
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(workspaceRoot, dir)
	}
	resolved, err := canonicalize(dir)
	if err != nil {
		return "", &ConfigError{Task: taskName, Detail: "cannot canonicalize working directory: " + err.Error()}
	}
	return resolved, nil
}

// validateSecurityPaths resolves every declared security path and rejects
// any path that escapes workspaceRoot when its real path cannot be
// canonicalized (i.e. it does not exist yet, so symlink escapes cannot be
// ruled out, and the nominal path itself already falls outside the
// workspace).
func validateSecurityPaths(taskName, workspaceRoot string, paths []string, canonicalize func(string) (string, error)) error {
	for _, p := range paths {
		abs := p
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(workspaceRoot, abs)
		}
		resolved, err := canonicalize(abs)
		if err != nil {
			if !withinRoot(workspaceRoot, abs) {
				return &ConfigError{Task: taskName, Detail: "security path escapes workspace and cannot be canonicalized: " + p}
			}
			continue
		}
		if !withinRoot(workspaceRoot, resolved) {
			return &ConfigError{Task: taskName, Detail: "security path escapes workspace: " + p}
		}
	}
	return nil
}

func withinRoot(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// validateAllowedHosts rejects an empty host list or any host containing
// whitespace.
func validateAllowedHosts(taskName string, hosts []string) error {
	if len(hosts) == 0 {
		return &ConfigError{Task: taskName, Detail: "allowed hosts must be non-empty"}
	}
	for _, h := range hosts {
		if strings.ContainsAny(h, " \t\n") {
			return &ConfigError{Task: taskName, Detail: "allowed host contains whitespace: " + h}
		}
	}
	return nil
}
