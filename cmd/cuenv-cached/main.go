// Command cuenv-cached wires the content-addressed build cache and task
// scheduler into a long-running service: an HTTP surface for submitting task
// graphs, inspecting cache/hit-rate statistics, and health checks, backed by
// the two-tier store, Merkle integrity index, capability authority, monitor,
// DAG planner, and executor.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/rawkode/cuenv-sub003/internal/capability"
	"github.com/rawkode/cuenv-sub003/internal/dag"
	"github.com/rawkode/cuenv-sub003/internal/executor"
	"github.com/rawkode/cuenv-sub003/internal/hooks"
	"github.com/rawkode/cuenv-sub003/internal/logging"
	"github.com/rawkode/cuenv-sub003/internal/maintenance"
	"github.com/rawkode/cuenv-sub003/internal/monitor"
	"github.com/rawkode/cuenv-sub003/internal/otelinit"
	"github.com/rawkode/cuenv-sub003/internal/remote"
	"github.com/rawkode/cuenv-sub003/internal/store"
	"github.com/rawkode/cuenv-sub003/internal/task"
)

func main() {
	var (
		cacheRoot   = flag.String("cache-root", "./cache-data", "root directory for cache storage, index, and hooks state")
		listenAddr  = flag.String("listen", ":8090", "HTTP listen address")
		concurrency = flag.Int("concurrency", 4, "max concurrent task executions per wave")
		maxEntries  = flag.Int("max-entries", 10_000, "hot+cold tier entry cap")
		maxBytes    = flag.Int64("max-bytes", 1<<30, "hot+cold tier total byte cap")
		remoteAddr  = flag.String("remote-cache", "", "address of a C5 remote cache (REAPI-subset) to fall back to on local miss; empty disables the remote tier")
	)
	flag.Parse()

	const service = "cuenv-cached"
	logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, _ := otelinit.InitMetrics(ctx, service)

	st, err := store.New(store.Config{
		Root:               filepath.Join(*cacheRoot, "entries"),
		MaxEntries:         *maxEntries,
		MaxSizeBytes:       *maxBytes,
		CompressionEnabled: true,
	})
	if err != nil {
		slog.Error("store init failed", "error", err)
		os.Exit(1)
	}

	snapshotPath := filepath.Join(*cacheRoot, "index", "merkle.snap")
	tree, err := maintenance.LoadSnapshot(snapshotPath)
	if err != nil {
		slog.Error("merkle snapshot load failed", "error", err)
		os.Exit(1)
	}

	mon := monitor.New()

	authority, adminToken, err := bootstrapAuthority(*cacheRoot)
	if err != nil {
		slog.Error("capability authority init failed", "error", err)
		os.Exit(1)
	}
	defer authority.Close()

	hookSup := hooks.New(filepath.Join(*cacheRoot, "hooks"))

	var remoteCache *remote.Cache
	if *remoteAddr != "" {
		remoteClient, err := remote.Dial(ctx, remote.DefaultConfig(*remoteAddr))
		if err != nil {
			slog.Error("remote cache dial failed", "error", err, "address", *remoteAddr)
			os.Exit(1)
		}
		defer remoteClient.Close()
		remoteCache = remote.NewCache(remoteClient)
		slog.Info("remote cache enabled", "address", *remoteAddr)
	}

	exec := executor.New(executor.Config{
		Concurrency: *concurrency,
		Store:       st,
		Tree:        tree,
		Monitor:     mon,
		Authority:   authority,
		Token:       adminToken,
		Remote:      remoteCacheOrNil(remoteCache),
	})

	maint, err := maintenance.New(maintenance.Config{SnapshotPath: snapshotPath}, st, tree)
	if err != nil {
		slog.Error("maintenance scheduler init failed", "error", err)
		os.Exit(1)
	}
	if err := maint.Start(ctx); err != nil {
		slog.Error("maintenance scheduler start failed", "error", err)
		os.Exit(1)
	}

	srv := newServer(*listenAddr, st, mon, exec, hookSup)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	slog.Info("cuenv-cached started", "listen", *listenAddr, "cache_root", *cacheRoot)
	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	_ = maint.Stop(shutdownCtx)
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}

// remoteCacheOrNil returns c as an executor.Remote, or a true nil interface
// when c itself is nil — assigning a nil *remote.Cache directly to an
// interface field would leave it non-nil (a typed-nil interface), which
// would make the executor's "e.remote != nil" fallback check always fire.
func remoteCacheOrNil(c *remote.Cache) executor.Remote {
	if c == nil {
		return nil
	}
	return c
}

// bootstrapAuthority opens (or creates) the capability authority's bbolt
// database under cacheRoot and issues a long-lived admin token this process
// uses for its own executor-driven cache access. A real deployment provisions
// tokens out of band; this keeps the binary self-contained for local use.
func bootstrapAuthority(cacheRoot string) (*capability.Authority, capability.Token, error) {
	dbPath := filepath.Join(cacheRoot, "index", "capability.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, capability.Token{}, fmt.Errorf("create capability dir: %w", err)
	}

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, capability.Token{}, fmt.Errorf("generate signing key: %w", err)
	}

	authority, err := capability.Open(dbPath, priv, "cuenv-cached")
	if err != nil {
		return nil, capability.Token{}, fmt.Errorf("open capability authority: %w", err)
	}

	token, err := authority.Issue(
		"cuenv-cached",
		[]capability.Permission{
			capability.PermRead, capability.PermWrite, capability.PermDelete,
			capability.PermList, capability.PermStatistics, capability.PermClear,
		},
		[]string{"*"},
		24*time.Hour,
		nil,
		nil,
		uuid.NewString(),
	)
	if err != nil {
		authority.Close()
		return nil, capability.Token{}, fmt.Errorf("issue admin token: %w", err)
	}
	return authority, token, nil
}

// taskRequest is the wire shape for one task in a /v1/run submission: a flat
// (non-grouped) task list, sufficient to exercise the full C7/C8/C9 pipeline
// without requiring callers to express nested sequential/parallel groups
// over the wire.
type taskRequest struct {
	Name           string               `json:"name"`
	Command        string               `json:"command,omitempty"`
	Script         string               `json:"script,omitempty"`
	DependsOn      []string             `json:"depends_on,omitempty"`
	Shell          string               `json:"shell,omitempty"`
	TimeoutSeconds int64                `json:"timeout_seconds"`
	WorkingDir     string               `json:"working_dir,omitempty"`
	Env            map[string]string    `json:"env,omitempty"`
	Inputs         []string             `json:"inputs,omitempty"`
	Outputs        []string             `json:"outputs,omitempty"`
	Security       securityEnvelopeWire `json:"security,omitempty"`
}

// securityEnvelopeWire mirrors task.SecurityEnvelope over the wire.
type securityEnvelopeWire struct {
	ReadOnlyPaths   []string `json:"read_only_paths,omitempty"`
	ReadWritePaths  []string `json:"read_write_paths,omitempty"`
	DenyPaths       []string `json:"deny_paths,omitempty"`
	AllowedHosts    []string `json:"allowed_hosts,omitempty"`
	RestrictDisk    bool     `json:"restrict_disk,omitempty"`
	RestrictNetwork bool     `json:"restrict_network,omitempty"`
}

type runRequest struct {
	Tasks []taskRequest `json:"tasks"`
}

type runResponse struct {
	RunID   string            `json:"run_id"`
	Results []executor.Result `json:"results"`
}

// hookRequest is the wire shape for one declared environment hook.
type hookRequest struct {
	Name        string   `json:"name"`
	Command     string   `json:"command"`
	Args        []string `json:"args,omitempty"`
	WorkingDir  string   `json:"working_dir,omitempty"`
	IsSource    bool     `json:"is_source,omitempty"`
	InputGlobs  []string `json:"input_globs,omitempty"`
	TimeoutSecs int64    `json:"timeout_secs,omitempty"`
}

// hooksRunRequest submits a directory's declared hooks for C10
// environment-entry execution, independently of any task run.
type hooksRunRequest struct {
	DirKey string            `json:"dir_key"`
	Mode   string            `json:"mode"`
	Hooks  []hookRequest     `json:"hooks"`
	Env    map[string]string `json:"env,omitempty"`
}

func newServer(addr string, st *store.Store, mon *monitor.Monitor, exec *executor.Executor, hookSup *hooks.Supervisor) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/v1/stats", func(w http.ResponseWriter, r *http.Request) {
		snap := st.Statistics()
		hitRate1h, hits1h, misses1h := mon.HitRate(monitor.Window1h)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"store":                 snap,
			"concurrent_operations": mon.ConcurrentOperations(),
			"hit_rate_1h":           hitRate1h,
			"hits_1h":               hits1h,
			"misses_1h":             misses1h,
			"session_id":            hookSup.SessionID(),
		})
	})

	mux.HandleFunc("/v1/run", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req runRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}

		defs, plan, err := buildPlan(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		runID := uuid.NewString()
		results, err := exec.Run(r.Context(), plan, defs)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(runResponse{RunID: runID, Results: results})
	})

	mux.HandleFunc("/v1/hooks/run", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req hooksRunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}

		mode := hooks.Mode(req.Mode)
		if mode == "" {
			mode = hooks.ModeForeground
		}

		declared := make([]hooks.Hook, 0, len(req.Hooks))
		for _, h := range req.Hooks {
			declared = append(declared, hooks.Hook{
				Name:        h.Name,
				Command:     h.Command,
				Args:        h.Args,
				WorkingDir:  h.WorkingDir,
				IsSource:    h.IsSource,
				InputGlobs:  h.InputGlobs,
				TimeoutSecs: h.TimeoutSecs,
			})
		}

		inputHash, err := hooks.Fingerprint(declared, filepath.Glob, statModTime)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		env := req.Env
		if env == nil {
			env = environToMap(os.Environ())
		}

		captured, err := hookSup.Run(r.Context(), mode, req.DirKey, declared, inputHash, hooks.DefaultRunFn(env))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(captured)
	})

	return &http.Server{Addr: addr, Handler: mux}
}

// statModTime adapts os.Stat to the (path string) (time.Time, error) shape
// hooks.Fingerprint expects for its per-input-glob mtime lookups.
func statModTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// environToMap converts os.Environ()'s KEY=VALUE slice into a map, the shape
// hooks.DefaultRunFn's baseEnv parameter expects.
func environToMap(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}

// buildPlan validates req's flat task list into Definitions via
// task.Builder, flattens it into a single-group DAG, and computes its
// wave-ordered execution plan.
func buildPlan(req runRequest) (map[string]task.Definition, dag.Plan, error) {
	raw := make(map[string]task.RawConfig, len(req.Tasks))
	nodes := make([]dag.Node, 0, len(req.Tasks))
	for _, t := range req.Tasks {
		raw[t.Name] = task.RawConfig{
			Name:           t.Name,
			Command:        t.Command,
			Script:         t.Script,
			DependsOn:      t.DependsOn,
			Shell:          t.Shell,
			TimeoutSeconds: t.TimeoutSeconds,
			WorkingDir:     t.WorkingDir,
			Env:            t.Env,
			Inputs:         t.Inputs,
			Outputs:        t.Outputs,
			Security: task.SecurityEnvelope{
				ReadOnlyPaths:   t.Security.ReadOnlyPaths,
				ReadWritePaths:  t.Security.ReadWritePaths,
				DenyPaths:       t.Security.DenyPaths,
				AllowedHosts:    t.Security.AllowedHosts,
				RestrictDisk:    t.Security.RestrictDisk,
				RestrictNetwork: t.Security.RestrictNetwork,
			},
		}
		nodes = append(nodes, dag.Node{Kind: dag.KindTask, Name: t.Name, DependsOn: t.DependsOn})
	}

	builder := task.New(".", nil, func(path string) (string, error) { return filepath.Abs(path) })
	defs, err := builder.Build("default", raw, nil)
	if err != nil {
		return nil, dag.Plan{}, fmt.Errorf("task build: %w", err)
	}

	flat, err := dag.Flatten(nodes)
	if err != nil {
		return nil, dag.Plan{}, fmt.Errorf("dag flatten: %w", err)
	}
	plan, err := dag.Build(flat)
	if err != nil {
		return nil, dag.Plan{}, fmt.Errorf("dag plan: %w", err)
	}
	return defs, plan, nil
}
