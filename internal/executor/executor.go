// Package executor walks a DAG plan wave by wave, computing each task's
// cache key, short-circuiting on a cache hit, and otherwise spawning the
// task's command under a process-group that can be killed whole on timeout
// or cancellation.
package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/rawkode/cuenv-sub003/internal/cachekey"
	"github.com/rawkode/cuenv-sub003/internal/capability"
	"github.com/rawkode/cuenv-sub003/internal/dag"
	"github.com/rawkode/cuenv-sub003/internal/merkle"
	"github.com/rawkode/cuenv-sub003/internal/monitor"
	"github.com/rawkode/cuenv-sub003/internal/store"
	"github.com/rawkode/cuenv-sub003/internal/task"
)

// Remote is the subset of a remote cache client the executor needs: a C5
// fallback tier consulted when the local C4 store misses, keyed by the
// same fingerprint. Get reports (nil, false, nil) on a miss or any
// transport failure — the caller always falls back to executing the task.
type Remote interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
}

// Status is the terminal state of one task's execution.
type Status string

const (
	StatusCacheHit  Status = "cache_hit"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusTimedOut  Status = "timed_out"
)

// Result is one task's outcome within a Run.
type Result struct {
	TaskID   string
	Status   Status
	ExitCode int
	Duration time.Duration
	Error    string
	CacheKey string
}

// Event is emitted as execution progresses, mirroring the TaskStarted /
// CacheHit / TaskCompleted / TaskFailed event names tasks are observed
// through.
type Event struct {
	TaskID string
	Kind   string // "started", "cache_hit", "completed", "failed", "skipped"
	Detail string
}

// Runner spawns task processes; Run's default implementation uses os/exec
// with a dedicated process group so a timeout kills the whole tree.
type Runner interface {
	Run(ctx context.Context, def task.Definition, stdout, stderr *limitedBuffer) (exitCode int, err error)
}

// Executor runs a dag.Plan's waves, consulting the cache before spawning
// any process and recording successful results back into it.
type Executor struct {
	concurrency int
	sem         chan struct{}

	store  *store.Store
	tree   *merkle.Tree
	mon    *monitor.Monitor
	runner Runner
	remote Remote
	sf     singleflight.Group

	authority *capability.Authority
	token     capability.Token

	events chan Event
	mu     sync.Mutex
}

// Config configures an Executor.
type Config struct {
	Concurrency int
	Store       *store.Store
	Tree        *merkle.Tree
	Monitor     *monitor.Monitor
	Runner      Runner
	Remote      Remote
	Authority   *capability.Authority
	Token       capability.Token
}

// New constructs an Executor with a semaphore sized to cfg.Concurrency.
func New(cfg Config) *Executor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Executor{
		concurrency: cfg.Concurrency,
		sem:         make(chan struct{}, cfg.Concurrency),
		store:       cfg.Store,
		tree:        cfg.Tree,
		mon:         cfg.Monitor,
		runner:      cfg.Runner,
		remote:      cfg.Remote,
		authority:   cfg.Authority,
		token:       cfg.Token,
		events:      make(chan Event, 256),
	}
}

// Events returns the channel Run publishes progress events to. The
// caller must drain it to avoid blocking execution once its buffer fills.
func (e *Executor) Events() <-chan Event { return e.events }

func (e *Executor) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
	}
}

// Run executes plan's waves in order, returning one Result per task. A
// task whose dependency failed or was skipped is marked Skipped and never
// started, per the failure-propagation rule.
func (e *Executor) Run(ctx context.Context, plan dag.Plan, defs map[string]task.Definition) ([]Result, error) {
	results := make(map[string]Result)
	var resultsMu sync.Mutex

	for _, wave := range plan.Waves {
		g, waveCtx := errgroup.WithContext(ctx)
		for _, id := range wave {
			id := id
			g.Go(func() error {
				def, ok := defs[id]
				if !ok {
					// Barrier node: nothing to execute, always succeeds once
					// its dependencies (already verified by the planner) have
					// run.
					resultsMu.Lock()
					results[id] = Result{TaskID: id, Status: StatusSucceeded}
					resultsMu.Unlock()
					return nil
				}

				if depFailed(def, results, &resultsMu) {
					resultsMu.Lock()
					results[id] = Result{TaskID: id, Status: StatusSkipped}
					resultsMu.Unlock()
					e.emit(Event{TaskID: id, Kind: "skipped"})
					return nil
				}

				res := e.runOne(waveCtx, id, def)
				resultsMu.Lock()
				results[id] = res
				resultsMu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	out := make([]Result, 0, len(results))
	for _, id := range orderedIDs(plan) {
		if r, ok := results[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func orderedIDs(plan dag.Plan) []string {
	var ids []string
	for _, wave := range plan.Waves {
		ids = append(ids, wave...)
	}
	return ids
}

func depFailed(def task.Definition, results map[string]Result, mu *sync.Mutex) bool {
	mu.Lock()
	defer mu.Unlock()
	for _, dep := range def.DependsOn {
		if r, ok := results[dep]; ok {
			if r.Status == StatusFailed || r.Status == StatusSkipped || r.Status == StatusTimedOut {
				return true
			}
		}
	}
	return false
}

func (e *Executor) runOne(ctx context.Context, id string, def task.Definition) Result {
	start := time.Now()
	track := e.mon.Begin(ctx)
	defer track.Release()

	key, err := e.computeKey(def)
	if err != nil {
		e.emit(Event{TaskID: id, Kind: "failed", Detail: err.Error()})
		return Result{TaskID: id, Status: StatusFailed, Error: err.Error(), Duration: time.Since(start)}
	}

	e.emit(Event{TaskID: id, Kind: "started"})

	if e.authority != nil {
		op := capability.Operation{Permission: capability.PermWrite, Key: key}
		if check := e.authority.Check(ctx, e.token, op); check != capability.Authorized {
			err := fmt.Errorf("executor: unauthorized for task %s: %s", id, check)
			e.emit(Event{TaskID: id, Kind: "failed", Detail: err.Error()})
			return Result{TaskID: id, Status: StatusFailed, Error: err.Error(), CacheKey: key, Duration: time.Since(start)}
		}
	}

	entry, hit := e.lookup(ctx, key)
	if hit {
		e.mon.RecordOperation(ctx, "get", "hit", time.Since(start), monitor.KeyPatternBucket(key))
		snapshot, err := decodeSnapshot(entry)
		if err != nil {
			e.emit(Event{TaskID: id, Kind: "failed", Detail: err.Error()})
			return Result{TaskID: id, Status: StatusFailed, Error: err.Error(), CacheKey: key, Duration: time.Since(start)}
		}
		if err := reconstituteOutputs(def, snapshot.Files); err != nil {
			e.emit(Event{TaskID: id, Kind: "failed", Detail: err.Error()})
			return Result{TaskID: id, Status: StatusFailed, Error: err.Error(), CacheKey: key, Duration: time.Since(start)}
		}
		e.emit(Event{TaskID: id, Kind: "cache_hit"})
		return Result{TaskID: id, Status: StatusCacheHit, ExitCode: 0, CacheKey: key, Duration: 0}
	}
	e.mon.RecordOperation(ctx, "get", "miss", time.Since(start), monitor.KeyPatternBucket(key))

	// singleflight dedups identical cache keys launched concurrently within
	// the same wave, so a fan-out of tasks sharing a fingerprint runs the
	// underlying command once.
	v, err, _ := e.sf.Do(key, func() (interface{}, error) {
		return e.execute(ctx, id, def, key)
	})
	if err != nil {
		e.emit(Event{TaskID: id, Kind: "failed", Detail: err.Error()})
		return Result{TaskID: id, Status: StatusFailed, Error: err.Error(), CacheKey: key, Duration: time.Since(start)}
	}
	res := v.(Result)
	res.Duration = time.Since(start)
	return res
}

// lookup queries C4, falling back to C5 on a local miss. A remote hit is
// warmed back into the local store so subsequent lookups stay local.
func (e *Executor) lookup(ctx context.Context, key string) ([]byte, bool) {
	if entry, ok, _ := e.store.Get(key); ok {
		return entry, true
	}
	if e.remote == nil {
		return nil, false
	}
	data, ok, err := e.remote.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	_ = e.store.Put(key, data, nil)
	return data, true
}

func (e *Executor) computeKey(def task.Definition) (string, error) {
	inputs, err := resolveInputs(def)
	if err != nil {
		return "", fmt.Errorf("executor: resolve inputs: %w", err)
	}
	identity := cachekey.TaskIdentity{
		TaskName:   def.Name,
		WorkingDir: def.WorkingDir,
		Command:    def.Command,
		Script:     def.Script,
		Inputs:     inputs,
		Env:        def.Env,
	}
	return cachekey.Derive(identity, def.Env)
}

// resolveInputs expands def.Inputs's glob patterns against def.WorkingDir
// and hashes every match via cachekey.HashFiles, so the fingerprint
// incorporates input file content rather than just the command text.
func resolveInputs(def task.Definition) ([]cachekey.InputFile, error) {
	paths, err := globFiles(def.WorkingDir, def.Inputs)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, nil
	}
	return cachekey.HashFiles(paths, os.ReadFile)
}

// globFiles resolves patterns (relative to workingDir unless already
// absolute) into a flat list of matching file paths.
func globFiles(workingDir string, patterns []string) ([]string, error) {
	var paths []string
	for _, pattern := range patterns {
		full := pattern
		if !filepath.IsAbs(full) {
			full = filepath.Join(workingDir, pattern)
		}
		matches, err := filepath.Glob(full)
		if err != nil {
			return nil, fmt.Errorf("invalid glob %q: %w", pattern, err)
		}
		paths = append(paths, matches...)
	}
	return paths, nil
}
