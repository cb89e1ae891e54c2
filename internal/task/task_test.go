package task

import (
	"testing"
	"time"
)

func TestMarshalRoundTrip(t *testing.T) {
	orig := &Task{
		ID:   42,
		Type: TypeAlbumDispatch,
		Archive: &ArchiveCtx{
			ArchiveName:    "A.zip",
			ExtractionRoot: "/x/extract/abc",
			ManifestID:     "abc",
		},
		Kind:          KindImage,
		RetryCount:    2,
		NextAttemptAt: time.Now().Add(time.Hour).Truncate(time.Second),
		CleanupRefs:   []string{"/x/1.jpg", "/x/2.jpg"},
		Files:         []string{"/x/1.jpg", "/x/2.jpg"},
		Caption:       "A.zip – Images (Batch 1/1: 2 files)",
		BatchIndex:    1,
		BatchTotal:    1,
	}

	data, err := orig.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	back, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if back.ID != orig.ID || back.Type != orig.Type || back.Kind != orig.Kind {
		t.Error("Core fields lost in round trip")
	}
	if back.Archive == nil || back.Archive.ArchiveName != "A.zip" {
		t.Error("Archive context lost")
	}
	if len(back.Files) != 2 || back.Files[1] != "/x/2.jpg" {
		t.Error("File list lost")
	}
	if !back.NextAttemptAt.Equal(orig.NextAttemptAt) {
		t.Errorf("NextAttemptAt drifted: %v vs %v", back.NextAttemptAt, orig.NextAttemptAt)
	}
	if back.Caption != orig.Caption {
		t.Errorf("Caption lost: %q", back.Caption)
	}
}

func TestLegacyRecordGetsDefaults(t *testing.T) {
	back, err := Unmarshal([]byte(`{"id":7,"type":"direct_upload","name":"pic.png"}`))
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if back.Kind != KindImage {
		t.Errorf("Missing kind should derive from name, got %s", back.Kind)
	}
	if back.SourceRef != nil {
		t.Error("Missing source ref should stay nil")
	}
}

func TestUnknownTypeReported(t *testing.T) {
	back, err := Unmarshal([]byte(`{"id":9,"type":"quantum_upload"}`))
	if err != nil {
		t.Fatalf("Unmarshal itself should not fail: %v", err)
	}
	if back.Type.Known() {
		t.Error("Unknown discriminant claimed to be known")
	}
}

func TestKindOfFile(t *testing.T) {
	cases := map[string]MediaKind{
		"photo.JPG":     KindImage,
		"clip.mkv":      KindVideo,
		"stream.ts":     KindVideo,
		"bundle.ZIP":    KindArchive,
		"notes.txt":     KindDocument,
		"weird":         KindDocument,
		"deep/a.webp":   KindImage,
		"movie.tar.zst": KindArchive,
	}
	for name, want := range cases {
		if got := KindOfFile(name); got != want {
			t.Errorf("KindOfFile(%q) = %s, want %s", name, got, want)
		}
	}
}

func TestGroupKey(t *testing.T) {
	actx := &ArchiveCtx{ArchiveName: "A.zip", ExtractionRoot: "/r"}
	img := &Task{Type: TypeDirectUpload, Archive: actx, Kind: KindImage}
	vid := &Task{Type: TypeDirectUpload, Archive: actx, Kind: KindVideo}
	doc := &Task{Type: TypeDirectUpload, Archive: actx, Kind: KindDocument}
	loose := &Task{Type: TypeDirectUpload, Kind: KindImage}

	if img.GroupKey() == vid.GroupKey() {
		t.Error("Image and video must group separately")
	}
	if doc.GroupKey() != "" {
		t.Error("Documents do not batch into albums")
	}
	if loose.GroupKey() != "" {
		t.Error("Archive-less tasks do not batch")
	}
	other := &Task{Type: TypeDirectUpload, Archive: &ArchiveCtx{ArchiveName: "B.zip", ExtractionRoot: "/r"}, Kind: KindImage}
	if img.GroupKey() == other.GroupKey() {
		t.Error("Different archives must group separately")
	}
}

func TestHeld(t *testing.T) {
	held := &Task{NextAttemptAt: HoldTime}
	if !held.Held() {
		t.Error("HoldTime sentinel not recognized")
	}
	if held.Ready(time.Now()) {
		t.Error("Held task must not be ready")
	}
	delayed := &Task{NextAttemptAt: time.Now().Add(time.Minute)}
	if delayed.Held() {
		t.Error("An ordinary delay is not a hold")
	}
}
