package queue

import (
	"os"

	"media-courier/internal/task"
)

// regroupLocked collapses restored individual media upload tasks that share
// (archive_name, extraction_root, kind) into AlbumDispatch tasks of at most
// albumCap files, preserving on-disk order. Tasks whose file vanished are
// dropped. Groups that end up with a single task stay individual uploads.
// Caller holds e.mu.
func (e *Engine) regroupLocked(albumCap int, captionFn func(group []*task.Task, index, total int) string) (grouped, albums, dropped int) {
	groups := make(map[string][]*task.Task)
	var groupOrder []string

	for _, t := range e.pending[StageUpload] {
		key := t.GroupKey()
		if key == "" || t.Type != task.TypeDirectUpload {
			continue
		}
		if _, ok := groups[key]; !ok {
			groupOrder = append(groupOrder, key)
		}
		groups[key] = append(groups[key], t)
	}

	replaceWith := make(map[int64]*task.Task) // first member id -> album
	drop := make(map[int64]bool)

	for _, key := range groupOrder {
		members := groups[key]

		// Skip members whose files vanished while we were down
		alive := members[:0]
		for _, m := range members {
			if _, err := os.Stat(m.Path); err != nil {
				drop[m.ID] = true
				dropped++
				if rerr := e.journals[StageUpload].Remove(m.ID); rerr != nil {
					e.logger.Error("failed to drop stale upload task", "task", m.String(), "error", rerr)
				}
				continue
			}
			alive = append(alive, m)
		}
		members = alive
		if len(members) < 2 {
			continue
		}

		total := (len(members) + albumCap - 1) / albumCap
		for i := 0; i < len(members); i += albumCap {
			end := i + albumCap
			if end > len(members) {
				end = len(members)
			}
			chunk := members[i:end]
			if len(chunk) < 2 {
				// A trailing single keeps its individual task
				continue
			}

			album := &task.Task{
				ID:         e.NextID(),
				Type:       task.TypeAlbumDispatch,
				Archive:    chunk[0].Archive,
				Kind:       chunk[0].Kind,
				BatchIndex: i/albumCap + 1,
				BatchTotal: total,
			}
			var ids []int64
			for _, m := range chunk {
				album.Files = append(album.Files, m.Path)
				album.CleanupRefs = append(album.CleanupRefs, m.CleanupRefs...)
				ids = append(ids, m.ID)
				drop[m.ID] = true
			}
			if captionFn != nil {
				album.Caption = captionFn(chunk, album.BatchIndex, total)
			}

			if err := e.journals[StageUpload].Rewrite(ids, []*task.Task{album}); err != nil {
				e.logger.Error("failed to persist regrouped album", "album", album.String(), "error", err)
				// Leave the individuals in place on error
				for _, id := range ids {
					delete(drop, id)
				}
				continue
			}
			replaceWith[chunk[0].ID] = album
			grouped += len(chunk)
			albums++
		}
	}

	if len(drop) == 0 {
		return grouped, albums, dropped
	}

	rebuilt := make([]*task.Task, 0, len(e.pending[StageUpload]))
	for _, t := range e.pending[StageUpload] {
		if album, ok := replaceWith[t.ID]; ok {
			rebuilt = append(rebuilt, album)
		}
		if drop[t.ID] {
			continue
		}
		rebuilt = append(rebuilt, t)
	}
	e.pending[StageUpload] = rebuilt
	return grouped, albums, dropped
}
