package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/rawkode/cuenv-sub003/internal/task"
)

// sandbox holds the resources a security-envelope-restricted run needs
// torn down after the process exits.
type sandbox struct {
	root    string
	mounted []string
}

// prepareSandbox builds the SysProcAttr for def's declared security
// envelope. RestrictNetwork puts the child in a fresh network namespace
// (loopback only, no route to any external host — coarser than the
// per-host AllowedHosts allow-list, which stays declarative pending an
// egress proxy). RestrictDisk bind-mounts only the working directory plus
// the declared read-only and read-write paths into a private root and
// chroots the child into it, so a path outside the envelope simply does
// not exist from the process's point of view. Both require the executor
// to run with CAP_SYS_ADMIN; a deployment that can't grant it should leave
// both flags unset and rely on the build-time path containment check
// alone.
func prepareSandbox(def task.Definition) (*syscall.SysProcAttr, *sandbox, error) {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if def.Security.RestrictNetwork {
		attr.Cloneflags |= syscall.CLONE_NEWNET
	}
	if !def.Security.RestrictDisk {
		return attr, nil, nil
	}

	root, err := os.MkdirTemp("", "cuenv-sandbox-*")
	if err != nil {
		return nil, nil, fmt.Errorf("executor: create sandbox root: %w", err)
	}
	sb := &sandbox{root: root}

	binds := append([]string{def.WorkingDir}, def.Security.ReadWritePaths...)
	for _, dir := range binds {
		if err := sb.bindMount(dir, false); err != nil {
			sb.teardown()
			return nil, nil, err
		}
	}
	for _, dir := range def.Security.ReadOnlyPaths {
		if err := sb.bindMount(dir, true); err != nil {
			sb.teardown()
			return nil, nil, err
		}
	}

	attr.Cloneflags |= syscall.CLONE_NEWNS
	attr.Chroot = root
	return attr, sb, nil
}

// bindMount mirrors src into the jail at the same absolute path, so that
// cmd.Dir and every declared envelope path still resolve identically once
// the child is chrooted, then for a read-only bind remounts it —
// MS_BIND ignores MS_RDONLY on the first call, hence the two-step.
func (sb *sandbox) bindMount(src string, readOnly bool) error {
	if src == "" {
		return nil
	}
	dst := filepath.Join(sb.root, src)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("executor: create jail path %q: %w", dst, err)
	}
	if err := syscall.Mount(src, dst, "", syscall.MS_BIND, ""); err != nil {
		return fmt.Errorf("executor: bind mount %q: %w", src, err)
	}
	sb.mounted = append(sb.mounted, dst)
	if readOnly {
		if err := syscall.Mount(src, dst, "", syscall.MS_BIND|syscall.MS_REMOUNT|syscall.MS_RDONLY, ""); err != nil {
			return fmt.Errorf("executor: remount %q read-only: %w", src, err)
		}
	}
	return nil
}

// teardown unmounts every bind in reverse order and removes the jail
// root. Best-effort: a leftover bind mount is a deployment cleanup
// concern, not a reason to fail a task that already finished.
func (sb *sandbox) teardown() {
	if sb == nil {
		return
	}
	for i := len(sb.mounted) - 1; i >= 0; i-- {
		_ = syscall.Unmount(sb.mounted[i], 0)
	}
	_ = os.RemoveAll(sb.root)
}
