package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"media-courier/internal/task"
)

// lowDiskPollInterval is how often the backpressure wait re-checks free space
const lowDiskPollInterval = 15 * time.Second

// PauseFunc surfaces a user-visible pause reason (e.g. low storage). Called
// once when the wait starts.
type PauseFunc func(reason string)

// Service owns archive expansion: scanning containers, streaming single
// members under the free-space floor, and the awaiting-secret state.
type Service struct {
	logger  *slog.Logger
	dir     string
	floor   func() int64
	onPause PauseFunc
	secrets *SecretBox

	mu      sync.Mutex
	readers map[string]Reader // archive path -> open reader (single Process worker)
}

func NewService(logger *slog.Logger, dir string, floor func() int64, onPause PauseFunc) *Service {
	return &Service{
		logger:  logger,
		dir:     dir,
		floor:   floor,
		onPause: onPause,
		secrets: NewSecretBox(),
		readers: make(map[string]Reader),
	}
}

func (s *Service) Secrets() *SecretBox {
	return s.secrets
}

// ScanResult is what the Extract stage needs to fan out per-entry work
type ScanResult struct {
	Manifest *Manifest
	Media    []Member // members that are images or videos, in archive order
}

// Scan opens the archive, blocks for a secret if the container is protected,
// and builds (or reloads) the manifest. Non-media members are recorded as
// skipped immediately.
func (s *Service) Scan(ctx context.Context, archivePath, archiveName, manifestID, root string) (*ScanResult, error) {
	r, err := s.open(ctx, archivePath)
	if err != nil {
		return nil, err
	}

	var media []Member
	for _, m := range r.Members() {
		if m.IsDir {
			continue
		}
		kind := task.KindOfFile(m.Name)
		if kind == task.KindImage || kind == task.KindVideo {
			media = append(media, m)
		}
	}

	man, err := LoadManifest(s.dir, manifestID)
	if err != nil {
		man = NewManifest(s.dir, manifestID, archiveName, archivePath, root, len(r.Members()), len(media))
		for _, m := range r.Members() {
			if m.IsDir {
				continue
			}
			kind := task.KindOfFile(m.Name)
			if kind != task.KindImage && kind != task.KindVideo {
				man.Skipped = append(man.Skipped, m.Index)
			}
		}
		if err := man.Save(); err != nil {
			return nil, fmt.Errorf("failed to persist manifest: %w", err)
		}
		skipped := len(r.Members()) - len(media)
		s.logger.Info("archive scanned",
			"archive", archiveName, "entries", len(r.Members()),
			"media", len(media), "skipped", skipped)
	}

	return &ScanResult{Manifest: man, Media: media}, nil
}

// ExtractEntry streams one member into a unique temp file under root,
// waiting out low-disk backpressure first. Returns the extracted path.
func (s *Service) ExtractEntry(ctx context.Context, archivePath string, index int, entryName, root string) (string, error) {
	if err := s.waitForDisk(ctx, root); err != nil {
		return "", err
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", err
	}

	r, err := s.open(ctx, archivePath)
	if err != nil {
		return "", err
	}

	base := sanitizeName(filepath.Base(entryName))
	out, err := os.CreateTemp(root, "*_"+base)
	if err != nil {
		return "", fmt.Errorf("failed to create extraction file: %w", err)
	}

	if err := r.Stream(index, out); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", fmt.Errorf("failed to extract %s: %w", entryName, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", err
	}
	out.Close()
	return out.Name(), nil
}

// CloseArchive drops the cached reader once an archive is fully expanded
func (s *Service) CloseArchive(archivePath string) {
	s.mu.Lock()
	r := s.readers[archivePath]
	delete(s.readers, archivePath)
	s.mu.Unlock()
	if r != nil {
		r.Close()
	}
}

// open returns a cached reader, opening (and awaiting a secret for) the
// archive on first use.
func (s *Service) open(ctx context.Context, archivePath string) (Reader, error) {
	s.mu.Lock()
	if r, ok := s.readers[archivePath]; ok {
		s.mu.Unlock()
		return r, nil
	}
	s.mu.Unlock()

	secret := s.secrets.Get(archivePath)
	r, err := Open(archivePath, secret)
	if err == ErrSecretRequired {
		if s.onPause != nil {
			s.onPause(fmt.Sprintf("archive %s is password-protected, awaiting secret", filepath.Base(archivePath)))
		}
		secret, err = s.secrets.Await(ctx, archivePath)
		if err != nil {
			return nil, err
		}
		r, err = Open(archivePath, secret)
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.readers[archivePath] = r
	s.mu.Unlock()
	return r, nil
}

// waitForDisk blocks while free space on root's volume is under the floor
func (s *Service) waitForDisk(ctx context.Context, root string) error {
	floor := s.floor()
	if floor <= 0 {
		return nil
	}
	notified := false
	for {
		usage, err := disk.Usage(volumeOf(root))
		if err != nil {
			s.logger.Warn("free-space probe failed, continuing", "path", root, "error", err)
			return nil
		}
		if int64(usage.Free) >= floor {
			return nil
		}
		if !notified {
			notified = true
			s.logger.Warn("pausing extraction: low disk space",
				"free", usage.Free, "floor", floor)
			if s.onPause != nil {
				s.onPause("extraction paused: low storage")
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lowDiskPollInterval):
		}
	}
}

func volumeOf(path string) string {
	for p := path; p != "/" && p != "."; p = filepath.Dir(p) {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return "/"
}

func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, string(os.PathSeparator), "_")
	if len(name) > 120 {
		name = name[len(name)-120:]
	}
	return name
}

// SecretBox serializes the awaiting-secret state: at most one archive waits
// for a password at a time, delivered out-of-band via the control surface.
type SecretBox struct {
	mu      sync.Mutex
	known   map[string]string
	waiting string
	ch      chan string
}

func NewSecretBox() *SecretBox {
	return &SecretBox{known: make(map[string]string)}
}

// Get returns a previously provided secret for the archive, if any
func (b *SecretBox) Get(archivePath string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.known[archivePath]
}

// Waiting returns the archive currently blocked on a secret, or ""
func (b *SecretBox) Waiting() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waiting
}

// Await blocks until a secret arrives for archivePath. Only one archive may
// wait at a time; a second waiter errors instead of queueing.
func (b *SecretBox) Await(ctx context.Context, archivePath string) (string, error) {
	b.mu.Lock()
	if b.waiting != "" && b.waiting != archivePath {
		b.mu.Unlock()
		return "", fmt.Errorf("another archive is already awaiting a secret: %s", b.waiting)
	}
	b.waiting = archivePath
	b.ch = make(chan string, 1)
	ch := b.ch
	b.mu.Unlock()

	select {
	case secret := <-ch:
		return secret, nil
	case <-ctx.Done():
		b.mu.Lock()
		b.waiting = ""
		b.mu.Unlock()
		return "", ctx.Err()
	}
}

// Provide delivers the secret for the waiting archive
func (b *SecretBox) Provide(secret string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.waiting == "" {
		return fmt.Errorf("no archive is awaiting a secret")
	}
	b.known[b.waiting] = secret
	b.waiting = ""
	b.ch <- secret
	return nil
}
