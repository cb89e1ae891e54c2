package messenger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v3"

	"media-courier/internal/failure"
	"media-courier/internal/task"
)

// Telegram adapts the bot API to the Messenger/Fetcher contracts and feeds
// inbound messages into the Sink.
type Telegram struct {
	logger *slog.Logger
	bot    *tele.Bot
	sink   Sink
}

func NewTelegram(token string, logger *slog.Logger, sink Sink) (*Telegram, error) {
	bot, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 30 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start bot session: %w", err)
	}
	t := &Telegram{logger: logger, bot: bot, sink: sink}
	t.registerHandlers()
	return t, nil
}

// Start runs the long poller until ctx is done
func (t *Telegram) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		t.bot.Stop()
	}()
	t.bot.Start()
}

func (t *Telegram) registerHandlers() {
	t.bot.Handle(tele.OnDocument, func(c tele.Context) error {
		m := c.Message()
		doc := m.Document
		return t.deliver(&Inbound{
			ChatID:    m.Chat.ID,
			MessageID: m.ID,
			Document: &Attachment{
				FileID: doc.File.FileID,
				Name:   doc.FileName,
				Size:   doc.File.FileSize,
				MIME:   doc.MIME,
				Kind:   task.KindOfFile(doc.FileName),
			},
		})
	})

	t.bot.Handle(tele.OnVideo, func(c tele.Context) error {
		m := c.Message()
		v := m.Video
		name := v.FileName
		if name == "" {
			name = fmt.Sprintf("video_%d.mp4", m.ID)
		}
		return t.deliver(&Inbound{
			ChatID:    m.Chat.ID,
			MessageID: m.ID,
			Video: &Attachment{
				FileID: v.File.FileID,
				Name:   name,
				Size:   v.File.FileSize,
				MIME:   v.MIME,
				Kind:   task.KindVideo,
			},
		})
	})

	t.bot.Handle(tele.OnPhoto, func(c tele.Context) error {
		m := c.Message()
		p := m.Photo
		return t.deliver(&Inbound{
			ChatID:    m.Chat.ID,
			MessageID: m.ID,
			Photo: &Attachment{
				FileID: p.File.FileID,
				Name:   fmt.Sprintf("photo_%d.jpg", m.ID),
				Size:   p.File.FileSize,
				Kind:   task.KindImage,
			},
		})
	})

	t.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		return t.deliver(&Inbound{
			ChatID:    m.Chat.ID,
			MessageID: m.ID,
			Text:      m.Text,
		})
	})
}

func (t *Telegram) deliver(m *Inbound) error {
	if t.sink == nil {
		return nil
	}
	if err := t.sink.OnMessage(context.Background(), m); err != nil {
		t.logger.Error("inbound message handling failed", "chat", m.ChatID, "error", err)
	}
	return nil
}

// FetchAttachment streams a runtime-held file to dest
func (t *Telegram) FetchAttachment(ctx context.Context, fileID, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return failure.New(failure.ClassPermanent, err)
	}
	rc, err := t.bot.File(&tele.File{FileID: fileID})
	if err != nil {
		return classifySendError(err)
	}
	defer rc.Close()

	part := dest + ".part"
	out, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return failure.New(failure.ClassPermanent, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return failure.Classify(err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	out.Close()
	return os.Rename(part, dest)
}

func (t *Telegram) SendAlbum(ctx context.Context, target Target, items []Item, caption string) error {
	album := make(tele.Album, 0, len(items))
	for i, item := range items {
		var entry tele.Inputtable
		itemCaption := ""
		if i == 0 {
			itemCaption = caption
		}
		switch item.Kind {
		case task.KindVideo:
			v := &tele.Video{
				File:      tele.FromDisk(item.Path),
				Width:     item.Width,
				Height:    item.Height,
				Duration:  item.Duration,
				Streaming: true,
				Caption:   itemCaption,
			}
			if item.Thumb != "" {
				v.Thumbnail = &tele.Photo{File: tele.FromDisk(item.Thumb)}
			}
			entry = v
		default:
			entry = &tele.Photo{File: tele.FromDisk(item.Path), Caption: itemCaption}
		}
		album = append(album, entry)
	}

	if _, err := t.bot.SendAlbum(tele.ChatID(target.ChatID), album); err != nil {
		return classifySendError(err)
	}
	return nil
}

func (t *Telegram) SendMedia(ctx context.Context, target Target, item Item, caption string) error {
	var what interface{}
	switch item.Kind {
	case task.KindVideo:
		v := &tele.Video{
			File:      tele.FromDisk(item.Path),
			Width:     item.Width,
			Height:    item.Height,
			Duration:  item.Duration,
			Streaming: true,
			Caption:   caption,
		}
		if item.Thumb != "" {
			v.Thumbnail = &tele.Photo{File: tele.FromDisk(item.Thumb)}
		}
		what = v
	case task.KindImage:
		what = &tele.Photo{File: tele.FromDisk(item.Path), Caption: caption}
	default:
		what = &tele.Document{
			File:     tele.FromDisk(item.Path),
			FileName: item.Filename,
			Caption:  caption,
		}
	}

	if _, err := t.bot.Send(tele.ChatID(target.ChatID), what); err != nil {
		return classifySendError(err)
	}
	return nil
}

func (t *Telegram) SendText(ctx context.Context, target Target, text string) error {
	if _, err := t.bot.Send(tele.ChatID(target.ChatID), text); err != nil {
		return classifySendError(err)
	}
	return nil
}

// ResolveTarget accepts a numeric chat id or an @username
func (t *Telegram) ResolveTarget(ctx context.Context, handle string) (Target, error) {
	if id, err := strconv.ParseInt(handle, 10, 64); err == nil {
		return Target{ChatID: id}, nil
	}
	chat, err := t.bot.ChatByUsername(handle)
	if err != nil {
		return Target{}, classifySendError(err)
	}
	return Target{ChatID: chat.ID}, nil
}

// classifySendError maps bot API failures into the pipeline taxonomy.
// Flood waits surface with the exact server-reported seconds.
func classifySendError(err error) error {
	if err == nil {
		return nil
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return failure.RateLimit(time.Duration(flood.RetryAfter)*time.Second, err)
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) {
		return failure.RateLimit(time.Duration(floodPtr.RetryAfter)*time.Second, err)
	}

	msg := err.Error()
	switch {
	case containsAny(msg,
		"PHOTO_INVALID_DIMENSIONS", "PHOTO_SAVE_FILE_INVALID",
		"Request Entity Too Large", "file is too big"):
		return failure.New(failure.ClassPhotoTooLarge, err)
	case containsAny(msg,
		"MEDIA_EMPTY", "VIDEO_CONTENT_TYPE_INVALID", "MEDIA_INVALID",
		"wrong file identifier", "failed to get HTTP URL content"):
		return failure.New(failure.ClassMediaInvalid, err)
	case containsAny(msg, "unauthorized", "Unauthorized", "bot was blocked", "token"):
		return failure.New(failure.ClassAuth, err)
	}
	return failure.Classify(err)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
