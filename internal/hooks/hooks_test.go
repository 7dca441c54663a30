package hooks

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFingerprintStableForSameInputs(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "input.txt")
	if err := os.WriteFile(file, []byte("data"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	hooks := []Hook{{Name: "h1", Command: "true", InputGlobs: []string{file}}}

	glob := func(pattern string) ([]string, error) { return []string{pattern}, nil }
	statFn := func(path string) (time.Time, error) {
		info, err := os.Stat(path)
		if err != nil {
			return time.Time{}, err
		}
		return info.ModTime(), nil
	}

	fp1, err := Fingerprint(hooks, glob, statFn)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	fp2, err := Fingerprint(hooks, glob, statFn)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if fp1 != fp2 {
		t.Fatalf("expected stable fingerprint, got %s vs %s", fp1, fp2)
	}
}

func TestRunShortCircuitsOnSidecarHit(t *testing.T) {
	root := t.TempDir()
	sup := New(root)

	env := CapturedEnvironment{EnvVars: map[string]string{"FOO": "bar"}, InputHash: "abc123", Timestamp: 1000}
	if err := sup.Publish(env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	called := false
	result, err := sup.Run(context.Background(), ModeSynchronous, "dir1", []Hook{{Name: "h1"}}, "abc123", func(ctx context.Context, h Hook) (map[string]string, error) {
		called = true
		return nil, nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if called {
		t.Fatal("expected hook not to run on sidecar hit")
	}
	if result.EnvVars["FOO"] != "bar" {
		t.Fatalf("unexpected env: %+v", result.EnvVars)
	}
}

func TestRunExecutesAndPublishesOnMiss(t *testing.T) {
	root := t.TempDir()
	sup := New(root)

	result, err := sup.Run(context.Background(), ModeSynchronous, "dir1", []Hook{{Name: "h1"}}, "fresh-hash", func(ctx context.Context, h Hook) (map[string]string, error) {
		return map[string]string{"X": "1"}, nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.EnvVars["X"] != "1" {
		t.Fatalf("unexpected env: %+v", result.EnvVars)
	}

	if _, ok, _ := sup.Lookup("fresh-hash"); !ok {
		t.Fatal("expected sidecar to be persisted")
	}
}

func TestRunMarksFailedStatusOnHookError(t *testing.T) {
	root := t.TempDir()
	sup := New(root)

	_, err := sup.Run(context.Background(), ModeSynchronous, "dir1", []Hook{{Name: "h1"}}, "fail-hash", func(ctx context.Context, h Hook) (map[string]string, error) {
		return nil, context.DeadlineExceeded
	})
	if err == nil {
		t.Fatal("expected error from failing hook")
	}
	status, ok := sup.Status().Get("h1")
	if !ok || status != StatusFailed {
		t.Fatalf("expected h1 status Failed, got %v ok=%v", status, ok)
	}
}

func TestAcquireLockRejectsSecondHolder(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir, "project-a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lock.Release()

	if _, err := AcquireLock(dir, "project-a"); err == nil {
		t.Fatal("expected second acquisition to fail while lock is held")
	}
}

func TestAcquireLockClearsStalePid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, hashDirKey("project-b")+".lock")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("999999"), 0o644); err != nil {
		t.Fatalf("write stale lock: %v", err)
	}

	lock, err := AcquireLock(dir, "project-b")
	if err != nil {
		t.Fatalf("expected stale lock to be cleared and reacquired, got %v", err)
	}
	lock.Release()
}

func TestValidEnvNameRejectsLeadingDigitAndUnderscore(t *testing.T) {
	cases := map[string]bool{
		"":     false,
		"_":    false,
		"1VAR": false,
		"VAR1": true,
		"PATH": true,
	}
	for name, want := range cases {
		if got := validEnvName(name); got != want {
			t.Errorf("validEnvName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestRunBackgroundModeFailsFastOnLockContention(t *testing.T) {
	root := t.TempDir()
	sup := New(root)

	lock, err := AcquireLock(sup.locksDir(), "dir1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lock.Release()

	_, err = sup.Run(context.Background(), ModeBackground, "dir1", []Hook{{Name: "h1"}}, "bg-hash", func(ctx context.Context, h Hook) (map[string]string, error) {
		t.Fatal("hook should not run while lock is held")
		return nil, nil
	})
	if err != ErrLockBusy {
		t.Fatalf("expected ErrLockBusy, got %v", err)
	}
}

func TestRunSynchronousModeWaitsForUnlock(t *testing.T) {
	root := t.TempDir()
	sup := New(root)

	lock, err := AcquireLock(sup.locksDir(), "dir1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		lock.Release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := sup.Run(ctx, ModeSynchronous, "dir1", []Hook{{Name: "h1"}}, "sync-hash", func(ctx context.Context, h Hook) (map[string]string, error) {
		return map[string]string{"X": "1"}, nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.EnvVars["X"] != "1" {
		t.Fatalf("unexpected env: %+v", result.EnvVars)
	}
}

func TestWaitForUnlockReturnsImmediatelyWhenNoLockHeld(t *testing.T) {
	dir := t.TempDir()
	if err := WaitForUnlock(context.Background(), dir, "project-c"); err != nil {
		t.Fatalf("expected no error when no lock held, got %v", err)
	}
}

func TestRunIDProducesDistinctValues(t *testing.T) {
	a := RunID()
	b := RunID()
	if a == b {
		t.Fatal("expected distinct run ids")
	}
	if New("").SessionID() == "" {
		t.Fatal("expected non-empty session id")
	}
}

func TestDiffEnvReportsChangedAndNewVars(t *testing.T) {
	before := map[string]string{"A": "1", "B": "2"}
	after := map[string]string{"A": "1", "B": "3", "C": "4"}
	diff := diffEnv(before, after)
	if len(diff) != 2 || diff["B"] != "3" || diff["C"] != "4" {
		t.Fatalf("unexpected diff: %+v", diff)
	}
}
