// Package hooks supervises per-directory environment hooks: fingerprints
// their inputs, short-circuits execution via a sidecar cache when the
// fingerprint matches a prior run, enforces mutual exclusion with a
// filesystem lock, and for source hooks diffs the shell environment across
// the hook's execution to produce a captured environment map.
package hooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Mode is the supervisor's run mode.
type Mode string

const (
	ModeForeground  Mode = "foreground"
	ModeBackground  Mode = "background"
	ModeSynchronous Mode = "synchronous"
)

// Status is a hook's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Hook is one declared environment hook.
type Hook struct {
	Name        string
	Command     string
	Args        []string
	WorkingDir  string
	IsSource    bool
	InputGlobs  []string
	TimeoutSecs int64
}

// CapturedEnvironment is the sidecar payload persisted under
// hooks/<input-hash>.json and hooks/latest_env.json, matching spec.md §6's
// JSON shape exactly.
type CapturedEnvironment struct {
	EnvVars   map[string]string `json:"env_vars"`
	InputHash string            `json:"input_hash"`
	Timestamp int64             `json:"timestamp"`
}

// Supervisor runs hooks for one directory, enforcing mutual exclusion and
// publishing status transitions.
type Supervisor struct {
	root      string // cache root; hooks/ and locks/ live under here
	status    *StatusManager
	nowFn     func() time.Time
	sessionID string
}

// New constructs a Supervisor rooted at cacheRoot. Each Supervisor is
// stamped with a fresh session id; terminal hook statuses from a prior
// session never leak into a new one since New always starts from a clean
// StatusManager.
func New(cacheRoot string) *Supervisor {
	return &Supervisor{
		root:      cacheRoot,
		status:    NewStatusManager(),
		nowFn:     time.Now,
		sessionID: RunID(),
	}
}

// SessionID identifies this Supervisor's run, for correlating status
// transitions and log lines across one environment-entry session.
func (s *Supervisor) SessionID() string { return s.sessionID }

// Status exposes the status manager for front-end polling.
func (s *Supervisor) Status() *StatusManager { return s.status }

func (s *Supervisor) hooksDir() string { return filepath.Join(s.root, "hooks") }
func (s *Supervisor) locksDir() string { return filepath.Join(s.root, "locks") }

// Fingerprint computes the input-hash: a digest over every hook's command,
// args, working dir, and for each declared input glob, sorted (path,
// mtime) pairs of matches.
func Fingerprint(hooks []Hook, glob func(pattern string) ([]string, error), statFn func(path string) (time.Time, error)) (string, error) {
	h := sha256.New()
	for _, hk := range hooks {
		fmt.Fprintf(h, "hook:%s\ncommand:%s\nargs:%v\nworkdir:%s\n", hk.Name, hk.Command, hk.Args, hk.WorkingDir)
		var pairs []string
		for _, pattern := range hk.InputGlobs {
			matches, err := glob(pattern)
			if err != nil {
				return "", fmt.Errorf("hooks: glob %q: %w", pattern, err)
			}
			for _, m := range matches {
				mtime, err := statFn(m)
				if err != nil {
					return "", fmt.Errorf("hooks: stat %q: %w", m, err)
				}
				pairs = append(pairs, fmt.Sprintf("%s@%d", m, mtime.Unix()))
			}
		}
		sort.Strings(pairs)
		for _, p := range pairs {
			fmt.Fprintf(h, "input:%s\n", p)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// sidecarPath returns the path to the cached environment for inputHash.
func (s *Supervisor) sidecarPath(inputHash string) string {
	return filepath.Join(s.hooksDir(), inputHash+".json")
}

func (s *Supervisor) latestEnvPath() string {
	return filepath.Join(s.hooksDir(), "latest_env.json")
}

// Lookup checks the sidecar cache for inputHash. On a hit it publishes the
// captured environment to latest_env.json and returns it, short-circuiting
// the caller from running hooks at all.
func (s *Supervisor) Lookup(inputHash string) (CapturedEnvironment, bool, error) {
	data, err := os.ReadFile(s.sidecarPath(inputHash))
	if os.IsNotExist(err) {
		return CapturedEnvironment{}, false, nil
	}
	if err != nil {
		return CapturedEnvironment{}, false, fmt.Errorf("hooks: read sidecar: %w", err)
	}
	var env CapturedEnvironment
	if err := json.Unmarshal(data, &env); err != nil {
		return CapturedEnvironment{}, false, fmt.Errorf("hooks: decode sidecar: %w", err)
	}
	if err := s.publishLatest(env); err != nil {
		return CapturedEnvironment{}, false, err
	}
	return env, true, nil
}

// Publish persists env both under its own input-hash sidecar and as the
// most recently hydrated environment.
func (s *Supervisor) Publish(env CapturedEnvironment) error {
	if err := os.MkdirAll(s.hooksDir(), 0o755); err != nil {
		return fmt.Errorf("hooks: create hooks dir: %w", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("hooks: marshal sidecar: %w", err)
	}
	if err := writeFileAtomic(s.sidecarPath(env.InputHash), data); err != nil {
		return fmt.Errorf("hooks: write sidecar: %w", err)
	}
	return s.publishLatest(env)
}

func (s *Supervisor) publishLatest(env CapturedEnvironment) error {
	if err := os.MkdirAll(s.hooksDir(), 0o755); err != nil {
		return fmt.Errorf("hooks: create hooks dir: %w", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("hooks: marshal latest env: %w", err)
	}
	return writeFileAtomic(s.latestEnvPath(), data)
}

// acquireLockForMode acquires dirKey's lock, blocking and retrying across
// unlock events when mode demands the caller wait, or failing fast with
// ErrLockBusy when mode is ModeBackground.
func (s *Supervisor) acquireLockForMode(ctx context.Context, mode Mode, dirKey string) (*Lock, error) {
	for {
		lock, err := AcquireLock(s.locksDir(), dirKey)
		if err == nil {
			return lock, nil
		}
		if mode == ModeBackground {
			return nil, ErrLockBusy
		}
		if waitErr := WaitForUnlock(ctx, s.locksDir(), dirKey); waitErr != nil {
			return nil, waitErr
		}
	}
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ErrLockBusy is returned by Run in ModeBackground when a directory's lock
// is already held: a background run never blocks waiting for a sibling
// session, it defers to the caller to requeue.
var ErrLockBusy = fmt.Errorf("hooks: lock busy")

// Run executes hooks in order under mutual exclusion, short-circuiting on a
// sidecar hit. On a cold run it executes every hook (using runFn, the
// source-hook diff wrapper for IsSource hooks and a plain invocation
// otherwise), merges their captured environments, and persists the result.
//
// mode governs what happens when dirKey's lock is already held by another
// session: ModeForeground and ModeSynchronous block on WaitForUnlock and
// retry, since the caller is waiting on this environment to become ready.
// ModeBackground returns ErrLockBusy immediately rather than blocking a
// detached run.
func (s *Supervisor) Run(ctx context.Context, mode Mode, dirKey string, hooks []Hook, inputHash string, runFn func(ctx context.Context, h Hook) (map[string]string, error)) (CapturedEnvironment, error) {
	if env, ok, err := s.Lookup(inputHash); err != nil {
		return CapturedEnvironment{}, err
	} else if ok {
		return env, nil
	}

	lock, err := s.acquireLockForMode(ctx, mode, dirKey)
	if err != nil {
		return CapturedEnvironment{}, err
	}
	defer lock.Release()

	// Re-check under the lock: another supervisor may have populated the
	// sidecar while we waited to acquire it.
	if env, ok, err := s.Lookup(inputHash); err != nil {
		return CapturedEnvironment{}, err
	} else if ok {
		return env, nil
	}

	merged := make(map[string]string)
	for _, h := range hooks {
		s.status.Transition(h.Name, StatusRunning)

		hookCtx := ctx
		var cancel context.CancelFunc
		if h.TimeoutSecs > 0 {
			hookCtx, cancel = context.WithTimeout(ctx, time.Duration(h.TimeoutSecs)*time.Second)
		}
		vars, err := runFn(hookCtx, h)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			s.status.Transition(h.Name, StatusFailed)
			return CapturedEnvironment{}, fmt.Errorf("hooks: %s: %w", h.Name, err)
		}
		s.status.Transition(h.Name, StatusCompleted)
		for k, v := range vars {
			merged[k] = v
		}
	}

	env := CapturedEnvironment{
		EnvVars:   merged,
		InputHash: inputHash,
		Timestamp: s.nowFn().Unix(),
	}
	if err := s.Publish(env); err != nil {
		return CapturedEnvironment{}, err
	}
	return env, nil
}
