// Package messenger holds the outbound messaging collaborator and the
// inbound event surface the pipeline kernel is driven by.
package messenger

import (
	"context"

	"media-courier/internal/task"
)

// Target is a resolved recipient
type Target struct {
	ChatID int64
}

// Item is one outbound media item with its attributes: videos carry
// duration, dimensions and a thumbnail; images their size; documents a
// filename.
type Item struct {
	Path     string
	Kind     task.MediaKind
	Filename string
	Size     int64
	Width    int
	Height   int
	Duration int
	Thumb    string
}

// Messenger sends to the single authorized recipient. Errors come back
// classified (internal/failure); rate-limit waits carry the exact number of
// seconds the server demanded.
type Messenger interface {
	SendAlbum(ctx context.Context, target Target, items []Item, caption string) error
	SendMedia(ctx context.Context, target Target, item Item, caption string) error
	SendText(ctx context.Context, target Target, text string) error
	ResolveTarget(ctx context.Context, handle string) (Target, error)
}

// Attachment describes an inbound file reference held by the runtime
type Attachment struct {
	FileID string
	Name   string
	Size   int64
	MIME   string
	Kind   task.MediaKind
}

// Inbound is one normalized event from the messaging runtime
type Inbound struct {
	ChatID    int64
	MessageID int
	Document  *Attachment
	Photo     *Attachment
	Video     *Attachment
	Text      string
}

// Sink receives inbound events; implemented by the intake
type Sink interface {
	OnMessage(ctx context.Context, m *Inbound) error
}

// Fetcher materializes a runtime-held attachment to local disk
type Fetcher interface {
	FetchAttachment(ctx context.Context, fileID, dest string) error
}
