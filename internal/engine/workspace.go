package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 250 * time.Millisecond

// Workspaces hands out per-job scratch directories under one root.
type Workspaces struct {
	root string
}

// NewWorkspaces creates a workspace factory rooted at root.
func NewWorkspaces(root string) *Workspaces {
	return &Workspaces{root: root}
}

// Workspace is a scratch directory exclusively owned by one attempt of one job.
type Workspace struct {
	dir  string
	lock *flock.Flock
}

// Acquire creates a fresh, empty directory for jobID. Anything left behind by
// an earlier attempt is removed first. A lock file next to the directory keeps
// overlapping deliveries of the same job on this host from sharing it; Acquire
// blocks until the lock is free or ctx is done.
func (w *Workspaces) Acquire(ctx context.Context, jobID string) (*Workspace, error) {
	if jobID == "" || jobID != filepath.Base(jobID) || strings.HasPrefix(jobID, ".") {
		return nil, fmt.Errorf("workspace: invalid job id %q", jobID)
	}

	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: failed to create root: %w", err)
	}

	lock := flock.New(filepath.Join(w.root, jobID+".lock"))
	ok, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("workspace: failed to lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("workspace: lock for %s not acquired", jobID)
	}

	dir := filepath.Join(w.root, jobID)
	if err := os.RemoveAll(dir); err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("workspace: failed to clear stale directory: %w", err)
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("workspace: failed to create directory: %w", err)
	}

	return &Workspace{dir: dir, lock: lock}, nil
}

// Dir returns the workspace directory.
func (ws *Workspace) Dir() string { return ws.dir }

// Path returns where a file called name lives inside the workspace.
func (ws *Workspace) Path(name string) string {
	return filepath.Join(ws.dir, filepath.Base(name))
}

// Adopt maps a path reported by a modification onto the workspace. Relative
// paths are taken as relative to the workspace; absolute paths must already
// point inside it.
func (ws *Workspace) Adopt(p string) (string, error) {
	if !filepath.IsAbs(p) {
		rel := filepath.Clean(p)
		if base := filepath.Base(ws.dir); strings.HasPrefix(rel, base+string(filepath.Separator)) {
			rel = strings.TrimPrefix(rel, base+string(filepath.Separator))
		}
		p = filepath.Join(ws.dir, rel)
	}

	rel, err := filepath.Rel(ws.dir, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("workspace: %s is outside %s", p, ws.dir)
	}

	return p, nil
}

// Release removes the directory recursively and frees the lock. Both steps
// run even if the first fails.
func (ws *Workspace) Release() error {
	rmErr := os.RemoveAll(ws.dir)
	unlockErr := ws.lock.Unlock()

	if rmErr != nil {
		return fmt.Errorf("workspace: failed to remove %s: %w", ws.dir, rmErr)
	}
	if unlockErr != nil {
		return fmt.Errorf("workspace: failed to unlock: %w", unlockErr)
	}

	return nil
}
