// Package webdav walks external WebDAV/CDN directory trees and surfaces the
// media and archive files they hold for the download stage.
package webdav

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/studio-b12/gowebdav"
	"golang.org/x/sync/errgroup"

	"media-courier/internal/task"
)

const (
	maxDepth       = 6
	crawlersPerDir = 4
)

// Remote is one downloadable file discovered on the share
type Remote struct {
	URL  string
	Path string
	Name string
	Size int64
	Kind task.MediaKind
}

type Crawler struct {
	logger *slog.Logger
}

func NewCrawler(logger *slog.Logger) *Crawler {
	return &Crawler{logger: logger}
}

// Crawl lists every media or archive file under base. Directories fan out
// over a bounded group; results come back in path order for deterministic
// downstream task ids.
func (c *Crawler) Crawl(ctx context.Context, base, username, password string) ([]Remote, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid webdav url: %w", err)
	}
	rootPath := parsed.Path
	if rootPath == "" {
		rootPath = "/"
	}
	serverBase := *parsed
	serverBase.Path = ""

	client := gowebdav.NewClient(serverBase.String(), username, password)

	var mu sync.Mutex
	var found []Remote

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(crawlersPerDir)

	var walk func(dir string, depth int) error
	walk = func(dir string, depth int) error {
		if depth > maxDepth {
			c.logger.Warn("webdav tree too deep, pruning", "dir", dir, "depth", depth)
			return nil
		}
		if gctx.Err() != nil {
			return gctx.Err()
		}
		entries, err := client.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", dir, err)
		}
		for _, entry := range entries {
			name := entry.Name()
			full := path.Join(dir, name)
			if entry.IsDir() {
				sub := full
				d := depth + 1
				// TryGo so a fully occupied group degrades to an inline walk
				// instead of deadlocking parents against their children
				if !g.TryGo(func() error { return walk(sub, d) }) {
					if err := walk(sub, d); err != nil {
						return err
					}
				}
				continue
			}
			kind := task.KindOfFile(name)
			if kind != task.KindImage && kind != task.KindVideo && kind != task.KindArchive {
				continue
			}
			fileURL := serverBase
			fileURL.Path = full
			mu.Lock()
			found = append(found, Remote{
				URL:  fileURL.String(),
				Path: full,
				Name: name,
				Size: entry.Size(),
				Kind: kind,
			})
			mu.Unlock()
		}
		return nil
	}

	g.Go(func() error { return walk(rootPath, 0) })
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(found, func(i, j int) bool { return found[i].Path < found[j].Path })
	c.logger.Info("webdav crawl finished", "base", base, "files", len(found))
	return found, nil
}

// IsWebdavLink guesses whether a pasted link points at a crawlable directory
// rather than a single file.
func IsWebdavLink(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	base := path.Base(parsed.Path)
	return parsed.Path == "" || strings.HasSuffix(parsed.Path, "/") || !strings.Contains(base, ".")
}
