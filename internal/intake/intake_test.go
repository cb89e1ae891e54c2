package intake

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"media-courier/internal/config"
	"media-courier/internal/messenger"
	"media-courier/internal/storage"
	"media-courier/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *storage.Storage {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&storage.TransferRecord{}, &storage.QuarantineRecord{}, &storage.DailyStat{}, &storage.AppSetting{}); err != nil {
		t.Fatalf("Migration failed: %v", err)
	}
	return &storage.Storage{DB: db}
}

type fakeQueue struct {
	nextID int64
	tasks  []*task.Task
}

func (f *fakeQueue) Enqueue(t *task.Task) error {
	f.tasks = append(f.tasks, t)
	return nil
}

func (f *fakeQueue) NextID() int64 {
	return atomic.AddInt64(&f.nextID, 1)
}

func newIntake(t *testing.T) (*Intake, *fakeQueue, *[]string) {
	store := testStore(t)
	q := &fakeQueue{}
	replies := &[]string{}
	reply := func(ctx context.Context, ref *task.SourceRef, text string) {
		*replies = append(*replies, text)
	}
	cfg := config.NewManager(store, testLogger())
	in := New(testLogger(), cfg, store, q, reply, t.TempDir())
	return in, q, replies
}

func inboundDoc(name string, size int64) *messenger.Inbound {
	return &messenger.Inbound{
		ChatID:    7,
		MessageID: 100,
		Document: &messenger.Attachment{
			FileID: "file-id-1",
			Name:   name,
			Size:   size,
			Kind:   task.KindOfFile(name),
		},
	}
}

func TestAttachmentBecomesDownloadTask(t *testing.T) {
	in, q, _ := newIntake(t)

	if err := in.OnMessage(context.Background(), inboundDoc("bundle.zip", 1024)); err != nil {
		t.Fatalf("OnMessage failed: %v", err)
	}
	if len(q.tasks) != 1 {
		t.Fatalf("Expected 1 task, got %d", len(q.tasks))
	}
	tk := q.tasks[0]
	if tk.Type != task.TypeDownload {
		t.Errorf("Expected download task, got %s", tk.Type)
	}
	if tk.Kind != task.KindArchive {
		t.Errorf("Expected archive kind, got %s", tk.Kind)
	}
	if tk.FileRef != "file-id-1" {
		t.Errorf("File ref lost: %q", tk.FileRef)
	}
	if tk.SourceRef == nil || tk.SourceRef.ChatID != 7 {
		t.Error("Source ref lost")
	}
	if tk.Dest == "" {
		t.Error("Destination not assigned at intake")
	}
}

func TestOversizeArchiveRejected(t *testing.T) {
	in, q, replies := newIntake(t)

	huge := inboundDoc("huge.zip", 5<<30) // over the 2 GiB default
	if err := in.OnMessage(context.Background(), huge); err != nil {
		t.Fatalf("OnMessage failed: %v", err)
	}
	if len(q.tasks) != 0 {
		t.Error("Oversize archive must not enqueue")
	}
	if len(*replies) == 0 {
		t.Error("Rejection should be reported back")
	}
}

// Re-submitting the same (name, size) after completion yields no new work (P10)
func TestDuplicateByNameAndSizeSkipped(t *testing.T) {
	in, q, _ := newIntake(t)

	in.store.SaveTransfer(storage.TransferRecord{
		Name: "seen.jpg", Size: 512, Status: "completed", Fingerprint: "aa",
	})

	if err := in.OnMessage(context.Background(), inboundDoc("seen.jpg", 512)); err != nil {
		t.Fatalf("OnMessage failed: %v", err)
	}
	if len(q.tasks) != 0 {
		t.Error("Known (name, size) must be skipped before any download")
	}

	// Same name, different size is new work
	if err := in.OnMessage(context.Background(), inboundDoc("seen.jpg", 513)); err != nil {
		t.Fatalf("OnMessage failed: %v", err)
	}
	if len(q.tasks) != 1 {
		t.Error("Different size should not be deduplicated")
	}
}

func TestTextLinksClassified(t *testing.T) {
	in, q, _ := newIntake(t)

	msg := &messenger.Inbound{
		ChatID:    7,
		MessageID: 2,
		Text:      "grab https://cdn.example.com/files/movie.mkv and https://dav.example.com/share/ too",
	}
	if err := in.OnMessage(context.Background(), msg); err != nil {
		t.Fatalf("OnMessage failed: %v", err)
	}
	if len(q.tasks) != 2 {
		t.Fatalf("Expected 2 tasks, got %d", len(q.tasks))
	}

	var gotDownload, gotCrawl bool
	for _, tk := range q.tasks {
		switch tk.Type {
		case task.TypeDownload:
			gotDownload = true
			if tk.Kind != task.KindVideo {
				t.Errorf("Expected video kind for .mkv link, got %s", tk.Kind)
			}
		case task.TypeWebdavCrawl:
			gotCrawl = true
		}
	}
	if !gotDownload || !gotCrawl {
		t.Errorf("Expected one download and one crawl, got %+v", q.tasks)
	}
}

func TestPlainChatterIgnored(t *testing.T) {
	in, q, _ := newIntake(t)
	in.OnMessage(context.Background(), &messenger.Inbound{ChatID: 7, Text: "hello there"})
	if len(q.tasks) != 0 {
		t.Error("Text without links should produce no work")
	}
}
