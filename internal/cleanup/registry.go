// Package cleanup tracks which extraction roots still have uploads in flight
// and removes them, their manifests, and finally the source archive when the
// last reference drains.
package cleanup

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"media-courier/internal/task"
)

// Registry is written by the process stage, the upload worker and startup
// reattachment, all under one mutex; status queries read under the same lock.
type Registry struct {
	logger *slog.Logger

	mu        sync.Mutex
	refcounts map[string]int             // extraction root -> outstanding uploads
	open      map[string]bool            // extraction root -> still being expanded
	archives  map[string]map[string]bool // archive path -> roots it produced
	rootOwner map[string]string          // extraction root -> archive path
	manifests map[string]string          // extraction root -> manifest path
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger,
		refcounts: make(map[string]int),
		open:      make(map[string]bool),
		archives:  make(map[string]map[string]bool),
		rootOwner: make(map[string]string),
		manifests: make(map[string]string),
	}
}

// Register ties an extraction root to its source archive and manifest. An
// open root is never swept even at refcount zero; expansion may still yield
// into it.
func (r *Registry) Register(archivePath, root, manifestPath string, open bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.archives[archivePath] == nil {
		r.archives[archivePath] = make(map[string]bool)
	}
	r.archives[archivePath][root] = true
	r.rootOwner[root] = archivePath
	r.manifests[root] = manifestPath
	r.open[root] = open
}

// CloseRoot marks expansion finished for a root and sweeps it if no uploads
// remain outstanding.
func (r *Registry) CloseRoot(root string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open[root] {
		return
	}
	r.open[root] = false
	if r.refcounts[root] == 0 {
		r.sweepRootLocked(root)
	}
}

// Acquire adds one outstanding upload against an extraction root
func (r *Registry) Acquire(root string) {
	if root == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refcounts[root]++
}

// AcquireN adds n references at once
func (r *Registry) AcquireN(root string, n int) {
	if root == "" || n <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refcounts[root] += n
}

// Release drops one reference. At zero the root is swept: the extraction
// directory and manifest go away, and the archive itself once its last root
// is gone.
func (r *Registry) Release(root string) {
	if root == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.refcounts[root] > 0 {
		r.refcounts[root]--
	}
	if r.refcounts[root] > 0 || r.open[root] {
		return
	}
	r.sweepRootLocked(root)
}

func (r *Registry) sweepRootLocked(root string) {
	delete(r.refcounts, root)
	delete(r.open, root)

	if err := os.RemoveAll(root); err != nil {
		r.logger.Warn("failed to remove extraction root", "root", root, "error", err)
	}
	if m := r.manifests[root]; m != "" {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("failed to remove manifest", "path", m, "error", err)
		}
		delete(r.manifests, root)
	}
	// Remove the now-empty parent if extraction roots share a directory
	if parent := filepath.Dir(root); parent != "." {
		os.Remove(parent) // fails silently while non-empty
	}

	archive := r.rootOwner[root]
	delete(r.rootOwner, root)
	if archive == "" {
		return
	}
	roots := r.archives[archive]
	delete(roots, root)
	if len(roots) > 0 {
		return
	}
	delete(r.archives, archive)
	if err := os.Remove(archive); err != nil && !os.IsNotExist(err) {
		r.logger.Warn("failed to remove source archive", "path", archive, "error", err)
	}
	r.logger.Info("archive fully processed, source removed", "archive", archive)
}

// Refcount returns the outstanding upload count for a root
func (r *Registry) Refcount(root string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refcounts[root]
}

// Reattach rebuilds refcounts from restored queue state: one reference per
// outstanding upload task touching the root. Restores invariant I4 after a
// crash.
func (r *Registry) Reattach(uploadTasks []*task.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refcounts = make(map[string]int)
	for _, t := range uploadTasks {
		if t.Archive == nil || t.Archive.ExtractionRoot == "" {
			continue
		}
		switch t.Type {
		case task.TypeAlbumDispatch, task.TypeDirectUpload:
			r.refcounts[t.Archive.ExtractionRoot]++
		}
	}
}

// Snapshot returns a copy of the refcount table for status queries
func (r *Registry) Snapshot() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.refcounts))
	for k, v := range r.refcounts {
		out[k] = v
	}
	return out
}
