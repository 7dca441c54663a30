// Package maintenance runs the cache's periodic upkeep: a TTL sweep that
// physically reclaims expired entries, a cold-tier compaction trigger, and
// Merkle snapshot persistence, each on its own cron schedule.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rawkode/cuenv-sub003/internal/merkle"
	"github.com/rawkode/cuenv-sub003/internal/store"
)

// Sweeper is the subset of *store.Store the scheduler needs.
type Sweeper interface {
	Sweep(now time.Time) (int, error)
	Statistics() store.Snapshot
}

// Compactor is implemented by the cold tier's owning store when it supports
// an explicit reclaim pass over fragmented shard directories. cuenv-sub003's
// store reclaims space inline on Remove, so the default compaction job is a
// no-op hook point kept for a store implementation that batches deletes.
type Compactor interface {
	Compact(ctx context.Context) error
}

// Config configures the maintenance scheduler's cadence. Empty cron
// expressions fall back to the defaults noted on each field.
type Config struct {
	SweepCron    string // default "0 */1 * * * *" (every minute)
	CompactCron  string // default "0 0 * * * *" (hourly)
	SnapshotCron string // default "0 */5 * * * *" (every 5 minutes)
	SnapshotPath string // no default; required
}

func (c Config) withDefaults() Config {
	if c.SweepCron == "" {
		c.SweepCron = "0 */1 * * * *"
	}
	if c.CompactCron == "" {
		c.CompactCron = "0 0 * * * *"
	}
	if c.SnapshotCron == "" {
		c.SnapshotCron = "0 */5 * * * *"
	}
	return c
}

// Scheduler drives the TTL sweep, cold-tier compaction, and Merkle snapshot
// persistence jobs on independent cron schedules, using seconds-precision
// cron.Cron the way a workflow schedule registry would.
type Scheduler struct {
	cron *cron.Cron
	cfg  Config

	store Sweeper
	tree  *merkle.Tree

	sweepRuns    metric.Int64Counter
	sweepRemoved metric.Int64Counter
	snapshotRuns metric.Int64Counter
	compactRuns  metric.Int64Counter
	jobFailures  metric.Int64Counter
	tracer       trace.Tracer
}

// New constructs a Scheduler. store and tree must outlive the Scheduler.
func New(cfg Config, st Sweeper, tree *merkle.Tree) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	if cfg.SnapshotPath == "" {
		return nil, fmt.Errorf("maintenance: snapshot path required")
	}

	meter := otel.Meter("cuenv-cache-maintenance")
	sweepRuns, _ := meter.Int64Counter("cuenv_cache_maintenance_sweep_runs_total")
	sweepRemoved, _ := meter.Int64Counter("cuenv_cache_maintenance_sweep_entries_removed_total")
	snapshotRuns, _ := meter.Int64Counter("cuenv_cache_maintenance_snapshot_runs_total")
	compactRuns, _ := meter.Int64Counter("cuenv_cache_maintenance_compact_runs_total")
	jobFailures, _ := meter.Int64Counter("cuenv_cache_maintenance_job_failures_total")

	return &Scheduler{
		cron:         cron.New(cron.WithSeconds()),
		cfg:          cfg,
		store:        st,
		tree:         tree,
		sweepRuns:    sweepRuns,
		sweepRemoved: sweepRemoved,
		snapshotRuns: snapshotRuns,
		compactRuns:  compactRuns,
		jobFailures:  jobFailures,
		tracer:       otel.Tracer("cuenv-cache-maintenance"),
	}, nil
}

// Start registers all jobs and begins running them on their schedules.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.SweepCron, func() { s.runSweep(context.Background()) }); err != nil {
		return fmt.Errorf("maintenance: add sweep schedule: %w", err)
	}
	if _, err := s.cron.AddFunc(s.cfg.SnapshotCron, func() { s.runSnapshot(context.Background()) }); err != nil {
		return fmt.Errorf("maintenance: add snapshot schedule: %w", err)
	}
	if _, err := s.cron.AddFunc(s.cfg.CompactCron, func() { s.runCompact(context.Background()) }); err != nil {
		return fmt.Errorf("maintenance: add compact schedule: %w", err)
	}
	s.cron.Start()
	slog.Info("maintenance scheduler started",
		"sweep_cron", s.cfg.SweepCron,
		"snapshot_cron", s.cfg.SnapshotCron,
		"compact_cron", s.cfg.CompactCron,
	)
	return nil
}

// Stop waits for in-flight jobs to finish or ctx to expire, whichever first.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		slog.Info("maintenance scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		slog.Warn("maintenance scheduler stop timeout")
		return ctx.Err()
	}
}

func (s *Scheduler) runSweep(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "maintenance.sweep")
	defer span.End()

	start := time.Now()
	removed, err := s.store.Sweep(start)
	if err != nil {
		slog.Error("ttl sweep failed", "error", err)
		s.jobFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("job", "sweep")))
		return
	}

	s.sweepRuns.Add(ctx, 1)
	s.sweepRemoved.Add(ctx, int64(removed))
	slog.Info("ttl sweep completed", "removed", removed, "duration_ms", time.Since(start).Milliseconds())
}

func (s *Scheduler) runSnapshot(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "maintenance.snapshot")
	defer span.End()

	start := time.Now()
	if err := s.persistSnapshot(); err != nil {
		slog.Error("merkle snapshot failed", "error", err)
		s.jobFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("job", "snapshot")))
		return
	}
	s.snapshotRuns.Add(ctx, 1)
	slog.Info("merkle snapshot persisted", "path", s.cfg.SnapshotPath, "leaves", s.tree.Size(), "duration_ms", time.Since(start).Milliseconds())
}

// persistSnapshot writes the tree's current state to cfg.SnapshotPath via
// write-to-temp-then-rename, the same crash-safety idiom the cold tier uses
// for its own records.
func (s *Scheduler) persistSnapshot() error {
	dir := filepath.Dir(s.cfg.SnapshotPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("maintenance: create snapshot dir: %w", err)
	}
	data := s.tree.Serialize()
	tmp := s.cfg.SnapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("maintenance: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.cfg.SnapshotPath); err != nil {
		return fmt.Errorf("maintenance: rename snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads a previously persisted snapshot from path, returning a
// freshly populated Tree. Absence of the file is not an error: a cold start
// simply begins with an empty tree that the store repopulates as entries are
// written.
func LoadSnapshot(path string) (*merkle.Tree, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return merkle.New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("maintenance: read snapshot: %w", err)
	}
	tree, err := merkle.Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("maintenance: decode snapshot: %w", err)
	}
	return tree, nil
}

func (s *Scheduler) runCompact(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "maintenance.compact")
	defer span.End()

	compactor, ok := s.store.(Compactor)
	if !ok {
		return
	}
	start := time.Now()
	if err := compactor.Compact(ctx); err != nil {
		slog.Error("cold tier compaction failed", "error", err)
		s.jobFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("job", "compact")))
		return
	}
	s.compactRuns.Add(ctx, 1)
	slog.Info("cold tier compaction completed", "duration_ms", time.Since(start).Milliseconds())
}
