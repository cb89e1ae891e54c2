// Package media decides whether a video needs re-encoding for target
// playback and executes the conversion with progress and a hard timeout.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Outcome is the normalization decision for one file
type Outcome int

const (
	// OutcomePassthrough means the file is already playback-compatible
	OutcomePassthrough Outcome = iota
	// OutcomeInline means a fast synchronous conversion is worth blocking on
	OutcomeInline
	// OutcomeDefer hands the file to the deferred conversion ledger
	OutcomeDefer
)

func (o Outcome) String() string {
	switch o {
	case OutcomePassthrough:
		return "passthrough"
	case OutcomeInline:
		return "inline"
	case OutcomeDefer:
		return "defer"
	}
	return "unknown"
}

// Prober inspects a media file
type Prober interface {
	Probe(ctx context.Context, path string) (*Info, error)
}

// Transcoder re-encodes and thumbnails
type Transcoder interface {
	Transcode(ctx context.Context, in, out string, durationSec float64, progress func(pct int)) error
	Thumbnail(ctx context.Context, in, out string) error
}

// inlineDurationLimit separates the fast path from deferred conversions
const inlineDurationLimit = 5 * time.Minute

// compatible container/codec combinations that upload as-is
var goodContainers = map[string]bool{"mp4": true, "mov": true}
var goodVideoCodecs = map[string]bool{"h264": true}
var goodAudioCodecs = map[string]bool{"aac": true, "": true}

type Normalizer struct {
	logger     *slog.Logger
	prober     Prober
	transcoder Transcoder
	enabled    func() bool
	timeout    func() time.Duration
}

func NewNormalizer(logger *slog.Logger, prober Prober, transcoder Transcoder, enabled func() bool, timeout func() time.Duration) *Normalizer {
	return &Normalizer{
		logger:     logger,
		prober:     prober,
		transcoder: transcoder,
		enabled:    enabled,
		timeout:    timeout,
	}
}

// Plan probes the file and decides the outcome. `.ts` transport streams are
// always passthrough regardless of the toggle.
func (n *Normalizer) Plan(ctx context.Context, path string) (Outcome, *Info, error) {
	if strings.EqualFold(filepath.Ext(path), ".ts") {
		return OutcomePassthrough, nil, nil
	}
	if !n.enabled() {
		return OutcomePassthrough, nil, nil
	}

	info, err := n.prober.Probe(ctx, path)
	if err != nil {
		// An unprobeable file is sent as-is; the uploader's MEDIA_INVALID
		// path catches it if the platform rejects it too.
		n.logger.Warn("probe failed, skipping normalization", "path", path, "error", err)
		return OutcomePassthrough, nil, nil
	}

	if containerOK(info.Container) && goodVideoCodecs[info.VideoCodec] && goodAudioCodecs[info.AudioCodec] {
		return OutcomePassthrough, info, nil
	}

	if info.Duration > 0 && info.Duration > inlineDurationLimit.Seconds() {
		return OutcomeDefer, info, nil
	}
	return OutcomeInline, info, nil
}

// Result is a completed normalization
type Result struct {
	Path  string
	Thumb string
	Info  *Info
}

// Normalize converts path into a playback-compatible mp4 next to it and
// extracts a thumbnail. The encoder runs under the configured timeout; on
// expiry partial outputs are deleted and NORMALIZE_TIMEOUT surfaces.
func (n *Normalizer) Normalize(ctx context.Context, path string, progress func(pct int)) (*Result, error) {
	info, err := n.prober.Probe(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to probe before conversion: %w", err)
	}

	out := convertedPath(path)
	tctx, cancel := context.WithTimeout(ctx, n.timeout())
	defer cancel()

	start := time.Now()
	if err := n.transcoder.Transcode(tctx, path, out, info.Duration, progress); err != nil {
		return nil, err
	}
	n.logger.Info("video normalized", "path", path, "out", out, "took", time.Since(start).String())

	res := &Result{Path: out}
	if converted, err := n.prober.Probe(ctx, out); err == nil {
		res.Info = converted
	} else {
		res.Info = info
	}

	thumb := out + ".thumb.jpg"
	if err := n.transcoder.Thumbnail(ctx, out, thumb); err != nil {
		n.logger.Warn("thumbnail extraction failed", "path", out, "error", err)
	} else {
		res.Thumb = thumb
	}
	return res, nil
}

// MakeThumbnail extracts a thumbnail for an already-compatible video
func (n *Normalizer) MakeThumbnail(ctx context.Context, path string) (string, error) {
	thumb := path + ".thumb.jpg"
	if err := n.transcoder.Thumbnail(ctx, path, thumb); err != nil {
		return "", err
	}
	return thumb, nil
}

// Probe exposes the prober for attribute plumbing
func (n *Normalizer) Probe(ctx context.Context, path string) (*Info, error) {
	return n.prober.Probe(ctx, path)
}

func containerOK(formatName string) bool {
	// ffprobe reports e.g. "mov,mp4,m4a,3gp,3g2,mj2"
	for _, part := range strings.Split(formatName, ",") {
		if goodContainers[strings.TrimSpace(part)] {
			return true
		}
	}
	return false
}

func convertedPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".conv.mp4"
}

// RemoveConversionArtifacts deletes the converted output and thumbnail for a
// source file, used when a conversion is abandoned.
func RemoveConversionArtifacts(path string) {
	out := convertedPath(path)
	os.Remove(out)
	os.Remove(out + ".thumb.jpg")
}
