// Package intake turns inbound messages into download work: attachments,
// pasted links, and WebDAV trees. Duplicates are short-circuited by
// (name, exact size) before any byte is fetched; content-hash dedup runs
// after materialization.
package intake

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"media-courier/internal/config"
	"media-courier/internal/messenger"
	"media-courier/internal/storage"
	"media-courier/internal/task"
	"media-courier/internal/webdav"
)

var linkPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

// Enqueuer is the slice of the queue engine intake needs
type Enqueuer interface {
	Enqueue(t *task.Task) error
	NextID() int64
}

// Replier sends best-effort acknowledgements back at the source chat
type Replier func(ctx context.Context, ref *task.SourceRef, text string)

type Intake struct {
	logger *slog.Logger
	cfg    *config.Manager
	store  *storage.Storage
	queue  Enqueuer
	reply  Replier
	dir    string // download working area
}

func New(logger *slog.Logger, cfg *config.Manager, store *storage.Storage, queue Enqueuer, reply Replier, dir string) *Intake {
	return &Intake{
		logger: logger,
		cfg:    cfg,
		store:  store,
		queue:  queue,
		reply:  reply,
		dir:    dir,
	}
}

// OnMessage is the inbound event entry point called by the messaging adapter
func (in *Intake) OnMessage(ctx context.Context, m *messenger.Inbound) error {
	ref := &task.SourceRef{ChatID: m.ChatID, MessageID: m.MessageID}

	switch {
	case m.Document != nil:
		return in.acceptAttachment(ctx, ref, m.Document)
	case m.Video != nil:
		return in.acceptAttachment(ctx, ref, m.Video)
	case m.Photo != nil:
		return in.acceptAttachment(ctx, ref, m.Photo)
	case m.Text != "":
		return in.acceptText(ctx, ref, m.Text)
	}
	return nil
}

func (in *Intake) acceptAttachment(ctx context.Context, ref *task.SourceRef, att *messenger.Attachment) error {
	if att.Kind == task.KindArchive && att.Size > in.cfg.MaxArchiveSize() {
		in.reply(ctx, ref, fmt.Sprintf("Archive %s is too large (%d bytes, limit %d)",
			att.Name, att.Size, in.cfg.MaxArchiveSize()))
		return nil
	}

	dup, err := in.store.HasCompletedTransfer(att.Name, att.Size)
	if err != nil {
		in.logger.Warn("history lookup failed, continuing", "name", att.Name, "error", err)
	}
	if dup {
		in.logger.Info("duplicate by name and size, skipping", "name", att.Name, "size", att.Size)
		in.reply(ctx, ref, fmt.Sprintf("Already processed: %s", att.Name))
		return nil
	}

	t := &task.Task{
		ID:        in.queue.NextID(),
		Type:      task.TypeDownload,
		SourceRef: ref,
		Kind:      att.Kind,
		FileRef:   att.FileID,
		Name:      att.Name,
		Size:      att.Size,
		Dest:      in.destFor(att.Name),
	}
	if err := in.queue.Enqueue(t); err != nil {
		return fmt.Errorf("failed to enqueue download: %w", err)
	}
	in.logger.Info("attachment accepted",
		"name", att.Name, "kind", string(att.Kind), "size", att.Size, "task", t.String())
	in.reply(ctx, ref, fmt.Sprintf("Queued: %s", att.Name))
	return nil
}

func (in *Intake) acceptText(ctx context.Context, ref *task.SourceRef, text string) error {
	links := linkPattern.FindAllString(text, -1)
	if len(links) == 0 {
		return nil
	}

	accepted := 0
	for _, link := range links {
		link = strings.TrimRight(link, ").,")
		if webdav.IsWebdavLink(link) {
			t := &task.Task{
				ID:        in.queue.NextID(),
				Type:      task.TypeWebdavCrawl,
				SourceRef: ref,
				Kind:      task.KindTextLink,
				URL:       link,
			}
			if err := in.queue.Enqueue(t); err != nil {
				return err
			}
			accepted++
			continue
		}

		name := filepath.Base(strings.SplitN(link, "?", 2)[0])
		t := &task.Task{
			ID:        in.queue.NextID(),
			Type:      task.TypeDownload,
			SourceRef: ref,
			Kind:      task.KindOfFile(name),
			URL:       link,
			Name:      name,
			Dest:      in.destFor(name),
		}
		if err := in.queue.Enqueue(t); err != nil {
			return err
		}
		accepted++
	}

	if accepted > 0 {
		in.logger.Info("links accepted", "count", accepted)
		in.reply(ctx, ref, fmt.Sprintf("Queued %d link(s)", accepted))
	}
	return nil
}

// destFor places the payload in the working area under its sanitized name;
// the download handler makes the final path unique per task
func (in *Intake) destFor(name string) string {
	if name == "" {
		name = "payload.bin"
	}
	return filepath.Join(in.dir, "incoming", sanitize(name))
}

func sanitize(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" || name == "." || name == "/" {
		name = "payload.bin"
	}
	return name
}
