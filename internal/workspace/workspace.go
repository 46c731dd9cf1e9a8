// Package workspace manages the per-execution scratch directories that
// are bind-mounted into sandbox containers.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Workspace is a directory owned by exactly one execution.
type Workspace struct {
	ID  string
	Dir string

	hostDir string
}

// Path joins name onto the workspace directory.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// MountSource is the path the container runtime should bind-mount.
func (w *Workspace) MountSource() string {
	return w.hostDir
}

// WriteFile writes data to a file directly inside the workspace. Names
// containing path separators or parent references are rejected.
func (w *Workspace) WriteFile(name string, data []byte) error {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return fmt.Errorf("invalid workspace file name %q", name)
	}
	// World-readable so the unprivileged sandbox user can read it.
	if err := os.WriteFile(w.Path(name), data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// Exists reports whether name exists inside the workspace.
func (w *Workspace) Exists(name string) bool {
	_, err := os.Stat(w.Path(name))
	return err == nil
}

// Manager creates and removes workspaces under a single root.
type Manager struct {
	root     string
	hostRoot string
}

// NewManager creates the root directory if needed. hostRoot, when set,
// is the same directory as seen by the container runtime.
func NewManager(root, hostRoot string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	return &Manager{root: abs, hostRoot: hostRoot}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Acquire creates a fresh, empty workspace with a random id.
func (m *Manager) Acquire(ctx context.Context) (*Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	dir := filepath.Join(m.root, id)
	// Mkdir, not MkdirAll: an existing directory must never be reused.
	// 0o777 so a non-root container user can write build output.
	if err := os.Mkdir(dir, 0o777); err != nil {
		return nil, fmt.Errorf("creating workspace %s: %w", id, err)
	}
	// Undo the umask.
	if err := os.Chmod(dir, 0o777); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("chmod workspace %s: %w", id, err)
	}

	return &Workspace{ID: id, Dir: dir, hostDir: m.HostPath(dir)}, nil
}

// Release removes the workspace and everything in it. Safe to call more
// than once and on partially removed directories.
func (m *Manager) Release(w *Workspace) error {
	if w == nil {
		return nil
	}
	if !m.owns(w.Dir) {
		return fmt.Errorf("workspace %q is not under %q", w.Dir, m.root)
	}
	if err := os.RemoveAll(w.Dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing workspace %s: %w", w.ID, err)
	}
	return nil
}

// With runs fn with a fresh workspace and releases it on every exit path.
// A release failure is returned only if fn succeeded.
func (m *Manager) With(ctx context.Context, fn func(*Workspace) error) (err error) {
	w, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := m.Release(w); relErr != nil && err == nil {
			err = relErr
		}
	}()
	return fn(w)
}

// HostPath translates an engine-local path under the root into the path
// the container runtime sees. Without a host root it is the identity.
func (m *Manager) HostPath(local string) string {
	if m.hostRoot == "" {
		return local
	}
	rel, err := filepath.Rel(m.root, local)
	if err != nil || strings.HasPrefix(rel, "..") {
		return local
	}
	return filepath.Join(m.hostRoot, rel)
}

// Sweep removes workspaces left under the root by an earlier process.
// Only uuid-named directories are touched, so a root shared with other
// files is safe. It must not run while executions are in flight.
func (m *Manager) Sweep() (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("reading workspace root: %w", err)
	}
	var errs []error
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := uuid.Parse(e.Name()); err != nil {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.root, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (m *Manager) owns(dir string) bool {
	rel, err := filepath.Rel(m.root, dir)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..")
}
