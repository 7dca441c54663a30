package executor

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rawkode/cuenv-sub003/internal/task"
)

// captureOutputs globs def.Outputs against def.WorkingDir and reads every
// matched file, keyed by its path relative to WorkingDir.
func captureOutputs(def task.Definition) (map[string][]byte, error) {
	matches, err := globFiles(def.WorkingDir, def.Outputs)
	if err != nil {
		return nil, err
	}
	files := make(map[string][]byte, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		data, err := os.ReadFile(m)
		if err != nil {
			return nil, fmt.Errorf("read output %q: %w", m, err)
		}
		rel, err := filepath.Rel(def.WorkingDir, m)
		if err != nil {
			rel = filepath.Base(m)
		}
		files[rel] = data
	}
	return files, nil
}

// reconstituteOutputs writes files (path relative to def.WorkingDir) back
// to disk on a cache hit, recreating parent directories as needed.
func reconstituteOutputs(def task.Definition, files map[string][]byte) error {
	for relPath, data := range files {
		full := filepath.Join(def.WorkingDir, relPath)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("reconstitute output %q: %w", relPath, err)
		}
		if err := os.WriteFile(full, data, 0o644); err != nil {
			return fmt.Errorf("reconstitute output %q: %w", relPath, err)
		}
	}
	return nil
}
