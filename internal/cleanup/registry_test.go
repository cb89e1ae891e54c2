package cleanup

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"media-courier/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupRoot(t *testing.T) (dir, archivePath, root, manifest string) {
	t.Helper()
	dir = t.TempDir()
	archivePath = filepath.Join(dir, "A.zip")
	root = filepath.Join(dir, "extract", "abc")
	manifest = filepath.Join(dir, "manifests", "abc.json")
	os.WriteFile(archivePath, []byte("zip"), 0644)
	os.MkdirAll(root, 0755)
	os.WriteFile(filepath.Join(root, "img.jpg"), []byte("x"), 0644)
	os.MkdirAll(filepath.Dir(manifest), 0755)
	os.WriteFile(manifest, []byte("{}"), 0644)
	return
}

func TestReleaseSweepsAtZero(t *testing.T) {
	_, archivePath, root, manifest := setupRoot(t)
	r := NewRegistry(testLogger())
	r.Register(archivePath, root, manifest, false)

	r.Acquire(root)
	r.Acquire(root)
	r.Release(root)
	if _, err := os.Stat(root); err != nil {
		t.Fatal("Root swept while references remain")
	}

	r.Release(root)
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Error("Root not swept at refcount zero")
	}
	if _, err := os.Stat(manifest); !os.IsNotExist(err) {
		t.Error("Manifest not removed with its root")
	}
	if _, err := os.Stat(archivePath); !os.IsNotExist(err) {
		t.Error("Archive not removed after last root")
	}
}

// An open root survives refcount zero; expansion may still yield into it
func TestOpenRootNotSwept(t *testing.T) {
	_, archivePath, root, manifest := setupRoot(t)
	r := NewRegistry(testLogger())
	r.Register(archivePath, root, manifest, true)

	r.Acquire(root)
	r.Release(root)
	if _, err := os.Stat(root); err != nil {
		t.Fatal("Open root swept prematurely")
	}

	r.CloseRoot(root)
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Error("Closed idle root should sweep")
	}
}

func TestArchiveSurvivesWhileOtherRootsLive(t *testing.T) {
	dir, archivePath, root, manifest := setupRoot(t)
	root2 := filepath.Join(dir, "extract", "def")
	os.MkdirAll(root2, 0755)

	r := NewRegistry(testLogger())
	r.Register(archivePath, root, manifest, false)
	r.Register(archivePath, root2, "", false)

	r.Acquire(root)
	r.Acquire(root2)
	r.Release(root)

	if _, err := os.Stat(archivePath); err != nil {
		t.Fatal("Archive removed while another root is alive")
	}
	r.Release(root2)
	if _, err := os.Stat(archivePath); !os.IsNotExist(err) {
		t.Error("Archive should go with its last root")
	}
}

// Refcounts rebuilt from a restored queue equal the number of outstanding
// upload tasks per root (P7)
func TestReattachMatchesOutstandingTasks(t *testing.T) {
	r := NewRegistry(testLogger())

	actx := &task.ArchiveCtx{ArchiveName: "A.zip", ExtractionRoot: "/x/roots/a"}
	bctx := &task.ArchiveCtx{ArchiveName: "B.zip", ExtractionRoot: "/x/roots/b"}

	tasks := []*task.Task{
		{Type: task.TypeAlbumDispatch, Archive: actx, Files: []string{"1", "2", "3"}},
		{Type: task.TypeDirectUpload, Archive: actx},
		{Type: task.TypeAlbumDispatch, Archive: bctx, Files: []string{"1"}},
		{Type: task.TypeDownload}, // no archive ctx, ignored
		{Type: task.TypeExtract, Archive: actx},
	}
	r.Reattach(tasks)

	if got := r.Refcount(actx.ExtractionRoot); got != 2 {
		t.Errorf("Expected refcount 2 for root a, got %d", got)
	}
	if got := r.Refcount(bctx.ExtractionRoot); got != 1 {
		t.Errorf("Expected refcount 1 for root b, got %d", got)
	}
}
