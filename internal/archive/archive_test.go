package archive

import (
	"archive/tar"
	stdzip "archive/zip"
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeZip(t *testing.T, dir string, files map[string][]byte) string {
	t.Helper()
	path := filepath.Join(dir, "fixture.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create zip: %v", err)
	}
	zw := stdzip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("Failed to add member: %v", err)
		}
		w.Write(content)
	}
	zw.Close()
	f.Close()
	return path
}

func writeTarGz(t *testing.T, dir string, files map[string][]byte) string {
	t.Helper()
	path := filepath.Join(dir, "fixture.tar.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create tarball: %v", err)
	}
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(content))})
		tw.Write(content)
	}
	tw.Close()
	gz.Close()
	f.Close()
	return path
}

func TestZipMembersAndStream(t *testing.T) {
	dir := t.TempDir()
	path := writeZip(t, dir, map[string][]byte{
		"photos/one.jpg": []byte("jpegdata-one"),
		"photos/two.png": []byte("pngdata-two"),
		"readme.txt":     []byte("not media"),
	})

	r, err := Open(path, "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	members := r.Members()
	if len(members) != 3 {
		t.Fatalf("Expected 3 members, got %d", len(members))
	}

	var buf bytes.Buffer
	for _, m := range members {
		if m.Name == "photos/one.jpg" {
			if err := r.Stream(m.Index, &buf); err != nil {
				t.Fatalf("Stream failed: %v", err)
			}
		}
	}
	if buf.String() != "jpegdata-one" {
		t.Errorf("Streamed content mismatch: %q", buf.String())
	}
}

func TestTarGzMembersAndStream(t *testing.T) {
	dir := t.TempDir()
	path := writeTarGz(t, dir, map[string][]byte{
		"clip.mp4": []byte("videobytes"),
	})

	r, err := Open(path, "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	members := r.Members()
	if len(members) != 1 {
		t.Fatalf("Expected 1 member, got %d", len(members))
	}
	if members[0].Size != int64(len("videobytes")) {
		t.Errorf("Member size %d", members[0].Size)
	}

	var buf bytes.Buffer
	if err := r.Stream(0, &buf); err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if buf.String() != "videobytes" {
		t.Errorf("Streamed content mismatch: %q", buf.String())
	}
}

func TestSupported(t *testing.T) {
	yes := []string{"a.zip", "b.RAR", "c.7z", "d.tar", "e.tar.gz", "f.tgz", "g.tar.xz", "h.tar.zst", "d.gz.tar"}
	for _, name := range yes {
		if !Supported(name) {
			t.Errorf("%s should be supported", name)
		}
	}
	no := []string{"a.jpg", "b.mp4", "c.txt"}
	for _, name := range no {
		if Supported(name) {
			t.Errorf("%s should not be supported", name)
		}
	}
}

func TestManifestRoundTripAndResume(t *testing.T) {
	dir := t.TempDir()
	m := NewManifest(dir, "abc", "A.zip", "/x/A.zip", "/x/extract/abc", 100, 80)
	if err := m.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	m.MarkProcessed(3)
	m.MarkProcessed(7)
	m.MarkSkipped(5)

	back, err := LoadManifest(dir, "abc")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if back.TotalEntries != 100 || back.MediaTotal != 80 {
		t.Error("Counters lost")
	}
	if !back.IsProcessed(3) || !back.IsProcessed(7) {
		t.Error("Processed entries lost")
	}
	if back.IsProcessed(5) {
		t.Error("Skipped entry counted as processed")
	}
	if back.Complete() {
		t.Error("Manifest with 2/80 processed cannot be complete")
	}
}

func TestManifestComplete(t *testing.T) {
	dir := t.TempDir()
	m := NewManifest(dir, "x", "A.zip", "/a", "/r", 3, 2)
	m.Save()
	m.MarkProcessed(0)
	if m.Complete() {
		t.Error("Complete too early")
	}
	m.MarkProcessed(2)
	if !m.Complete() {
		t.Error("All media processed, should be complete")
	}
}

func TestExtractEntryWritesUniqueTemp(t *testing.T) {
	dir := t.TempDir()
	path := writeZip(t, dir, map[string][]byte{
		"a.jpg": []byte("payload-a"),
	})

	svc := NewService(testLogger(), dir, func() int64 { return 0 }, nil)
	root := filepath.Join(dir, "root")

	out1, err := svc.ExtractEntry(context.Background(), path, 0, "a.jpg", root)
	if err != nil {
		t.Fatalf("ExtractEntry failed: %v", err)
	}
	out2, err := svc.ExtractEntry(context.Background(), path, 0, "a.jpg", root)
	if err != nil {
		t.Fatalf("Second ExtractEntry failed: %v", err)
	}
	if out1 == out2 {
		t.Error("Temp files must be unique")
	}
	got, _ := os.ReadFile(out1)
	if string(got) != "payload-a" {
		t.Errorf("Extracted content mismatch: %q", got)
	}
	svc.CloseArchive(path)
}

func TestSecretBoxSingleWaiter(t *testing.T) {
	b := NewSecretBox()

	got := make(chan string, 1)
	go func() {
		secret, err := b.Await(context.Background(), "/x/locked.zip")
		if err != nil {
			t.Errorf("Await failed: %v", err)
		}
		got <- secret
	}()

	// Wait until the waiter registered
	for b.Waiting() == "" {
		time.Sleep(time.Millisecond)
	}

	if _, err := b.Await(context.Background(), "/y/other.zip"); err == nil {
		t.Error("Second concurrent waiter must be rejected")
	}

	if err := b.Provide("hunter2"); err != nil {
		t.Fatalf("Provide failed: %v", err)
	}
	if secret := <-got; secret != "hunter2" {
		t.Errorf("Wrong secret delivered: %q", secret)
	}
	if b.Get("/x/locked.zip") != "hunter2" {
		t.Error("Secret not remembered for reopen")
	}
	if err := b.Provide("again"); err == nil {
		t.Error("Provide with no waiter should error")
	}
}
