package batch

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"media-courier/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type captureEmit struct {
	albums   []*task.Task
	idGroups [][]int64
	released []int64
}

func (c *captureEmit) emit(ids []int64, album *task.Task) error {
	c.idGroups = append(c.idGroups, ids)
	c.albums = append(c.albums, album)
	return nil
}

func (c *captureEmit) release(id int64) {
	c.released = append(c.released, id)
}

func member(id int64, archive *task.ArchiveCtx, kind task.MediaKind, path string) *task.Task {
	return &task.Task{
		ID:            id,
		Type:          task.TypeDirectUpload,
		Archive:       archive,
		Kind:          kind,
		Path:          path,
		CleanupRefs:   []string{path},
		NextAttemptAt: task.HoldTime,
	}
}

func TestEmitsAtCap(t *testing.T) {
	cap10 := func() int { return 10 }
	cap := &captureEmit{}
	b := NewBatcher(testLogger(), cap10, cap.emit, cap.release)

	actx := &task.ArchiveCtx{ArchiveName: "A.zip", ExtractionRoot: "/r"}
	b.SetDiscovered(*actx, task.KindImage, 11)

	for i := int64(1); i <= 9; i++ {
		if err := b.Add(member(i, actx, task.KindImage, fmt.Sprintf("/r/%d.jpg", i))); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	if len(cap.albums) != 0 {
		t.Fatal("Album emitted before the cap")
	}

	b.Add(member(10, actx, task.KindImage, "/r/10.jpg"))
	if len(cap.albums) != 1 {
		t.Fatalf("Expected 1 album at cap, got %d", len(cap.albums))
	}
	album := cap.albums[0]
	if len(album.Files) != 10 {
		t.Errorf("Expected 10 files, got %d", len(album.Files))
	}
	if album.Files[0] != "/r/1.jpg" || album.Files[9] != "/r/10.jpg" {
		t.Error("Insertion order not preserved")
	}
	if album.BatchIndex != 1 || album.BatchTotal != 2 {
		t.Errorf("Expected batch 1/2, got %d/%d", album.BatchIndex, album.BatchTotal)
	}
	if album.Caption != "A.zip – Images (Batch 1/2: 10 files)" {
		t.Errorf("Unexpected caption: %q", album.Caption)
	}
}

// cap+1 items of one kind produce one full batch and one single (P11)
func TestCapPlusOne(t *testing.T) {
	cap := &captureEmit{}
	b := NewBatcher(testLogger(), func() int { return 10 }, cap.emit, cap.release)
	actx := &task.ArchiveCtx{ArchiveName: "A.zip", ExtractionRoot: "/r"}
	b.SetDiscovered(*actx, task.KindImage, 11)

	for i := int64(1); i <= 11; i++ {
		b.Add(member(i, actx, task.KindImage, fmt.Sprintf("/r/%d.jpg", i)))
	}
	if err := b.FlushArchive(*actx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if len(cap.albums) != 1 {
		t.Fatalf("Expected exactly 1 album, got %d", len(cap.albums))
	}
	if len(cap.albums[0].Files) != 10 {
		t.Errorf("Expected 10 files in the album, got %d", len(cap.albums[0].Files))
	}
	if len(cap.released) != 1 || cap.released[0] != 11 {
		t.Errorf("Expected the trailing single released, got %v", cap.released)
	}
}

// Images and videos never share a batch (P3)
func TestKindsNeverMix(t *testing.T) {
	cap := &captureEmit{}
	b := NewBatcher(testLogger(), func() int { return 3 }, cap.emit, cap.release)
	actx := &task.ArchiveCtx{ArchiveName: "Mixed.rar", ExtractionRoot: "/r"}

	b.Add(member(1, actx, task.KindImage, "/r/1.jpg"))
	b.Add(member(2, actx, task.KindVideo, "/r/1.mp4"))
	b.Add(member(3, actx, task.KindImage, "/r/2.jpg"))
	b.Add(member(4, actx, task.KindVideo, "/r/2.mp4"))
	b.FlushArchive(*actx)

	if len(cap.albums) != 2 {
		t.Fatalf("Expected 2 kind-separated albums, got %d", len(cap.albums))
	}
	for _, album := range cap.albums {
		for _, f := range album.Files {
			if album.Kind == task.KindImage && task.KindOfFile(f) != task.KindImage {
				t.Errorf("Image album holds %s", f)
			}
			if album.Kind == task.KindVideo && task.KindOfFile(f) != task.KindVideo {
				t.Errorf("Video album holds %s", f)
			}
		}
	}
}

func TestSeparateArchivesSeparateBuffers(t *testing.T) {
	cap := &captureEmit{}
	b := NewBatcher(testLogger(), func() int { return 2 }, cap.emit, cap.release)

	a1 := &task.ArchiveCtx{ArchiveName: "A.zip", ExtractionRoot: "/a"}
	a2 := &task.ArchiveCtx{ArchiveName: "B.zip", ExtractionRoot: "/b"}

	b.Add(member(1, a1, task.KindImage, "/a/1.jpg"))
	b.Add(member(2, a2, task.KindImage, "/b/1.jpg"))
	if len(cap.albums) != 0 {
		t.Fatal("Cross-archive items must not share a buffer")
	}
	b.Add(member(3, a1, task.KindImage, "/a/2.jpg"))
	if len(cap.albums) != 1 {
		t.Fatalf("Expected A.zip album, got %d albums", len(cap.albums))
	}
	if cap.albums[0].Archive.ArchiveName != "A.zip" {
		t.Errorf("Wrong archive grouped: %s", cap.albums[0].Archive.ArchiveName)
	}
}

func TestBatchIndexAdvances(t *testing.T) {
	cap := &captureEmit{}
	b := NewBatcher(testLogger(), func() int { return 2 }, cap.emit, cap.release)
	actx := &task.ArchiveCtx{ArchiveName: "A.zip", ExtractionRoot: "/r"}
	b.SetDiscovered(*actx, task.KindImage, 6)

	for i := int64(1); i <= 6; i++ {
		b.Add(member(i, actx, task.KindImage, fmt.Sprintf("/r/%d.jpg", i)))
	}
	if len(cap.albums) != 3 {
		t.Fatalf("Expected 3 albums, got %d", len(cap.albums))
	}
	for i, album := range cap.albums {
		if album.BatchIndex != i+1 {
			t.Errorf("Album %d has batch index %d", i, album.BatchIndex)
		}
		if album.BatchTotal != 3 {
			t.Errorf("Album %d has total %d", i, album.BatchTotal)
		}
	}
}

func TestRejectsNonAlbumMaterial(t *testing.T) {
	cap := &captureEmit{}
	b := NewBatcher(testLogger(), func() int { return 10 }, cap.emit, cap.release)

	if err := b.Add(&task.Task{ID: 1, Type: task.TypeDirectUpload, Kind: task.KindDocument}); err == nil {
		t.Error("Document accepted into an album buffer")
	}
	if err := b.Add(&task.Task{ID: 2, Type: task.TypeDirectUpload, Kind: task.KindImage}); err == nil {
		t.Error("Archive-less item accepted into an album buffer")
	}
}
