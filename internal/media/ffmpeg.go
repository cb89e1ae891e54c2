package media

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"media-courier/internal/failure"
)

// Info is the probe result for one media file
type Info struct {
	Container  string
	VideoCodec string
	AudioCodec string
	Width      int
	Height     int
	Duration   float64
	Size       int64
}

// FFmpeg shells out to ffprobe/ffmpeg. It is the only encoder collaborator
// this build ships; everything above it talks to the Prober/Transcoder
// interfaces.
type FFmpeg struct {
	FFprobePath string
	FFmpegPath  string
}

func NewFFmpeg() *FFmpeg {
	return &FFmpeg{FFprobePath: "ffprobe", FFmpegPath: "ffmpeg"}
}

type probeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
}

type probeStream struct {
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

type probeOutput struct {
	Format  probeFormat   `json:"format"`
	Streams []probeStream `json:"streams"`
}

// Probe runs ffprobe and parses the JSON report
func (f *FFmpeg) Probe(ctx context.Context, path string) (*Info, error) {
	cmd := exec.CommandContext(ctx, f.FFprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}

	var po probeOutput
	if err := json.Unmarshal(out, &po); err != nil {
		return nil, fmt.Errorf("ffprobe output unreadable: %w", err)
	}

	info := &Info{Container: po.Format.FormatName}
	info.Duration, _ = strconv.ParseFloat(po.Format.Duration, 64)
	info.Size, _ = strconv.ParseInt(po.Format.Size, 10, 64)
	for _, st := range po.Streams {
		switch st.CodecType {
		case "video":
			if info.VideoCodec == "" {
				info.VideoCodec = st.CodecName
				info.Width = st.Width
				info.Height = st.Height
			}
		case "audio":
			if info.AudioCodec == "" {
				info.AudioCodec = st.CodecName
			}
		}
	}
	return info, nil
}

// Transcode re-encodes in into a playback-compatible mp4: h264/aac, even
// dimensions, faststart moov. progress receives whole percents parsed from
// the encoder's machine-readable output.
func (f *FFmpeg) Transcode(ctx context.Context, in, out string, durationSec float64, progress func(pct int)) error {
	cmd := exec.CommandContext(ctx, f.FFmpegPath,
		"-y",
		"-i", in,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "23",
		"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2",
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		"-progress", "pipe:1",
		"-nostats",
		out,
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start encoder: %w", err)
	}

	go func() {
		sc := bufio.NewScanner(stdout)
		for sc.Scan() {
			line := sc.Text()
			if !strings.HasPrefix(line, "out_time_ms=") {
				continue
			}
			us, err := strconv.ParseInt(strings.TrimPrefix(line, "out_time_ms="), 10, 64)
			if err != nil || durationSec <= 0 {
				continue
			}
			pct := int(float64(us) / 1e6 / durationSec * 100)
			if pct > 100 {
				pct = 100
			}
			if progress != nil {
				progress(pct)
			}
		}
	}()

	err = cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		// The context already killed the process; scrub the partial output
		os.Remove(out)
		return failure.New(failure.ClassNormalizeTimeout, fmt.Errorf("encoder exceeded its time budget"))
	}
	if err != nil {
		os.Remove(out)
		return fmt.Errorf("encoder failed: %w", err)
	}
	return nil
}

// Thumbnail grabs a single early frame scaled to thumbnail width
func (f *FFmpeg) Thumbnail(ctx context.Context, in, out string) error {
	cmd := exec.CommandContext(ctx, f.FFmpegPath,
		"-y",
		"-ss", "1",
		"-i", in,
		"-frames:v", "1",
		"-vf", "scale=320:-2",
		out,
	)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("thumbnail extraction failed: %w", err)
	}
	return nil
}
