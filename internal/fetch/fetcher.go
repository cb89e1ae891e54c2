// Package fetch materializes URLs to disk with range-based resume, chunked
// streaming, and an inactivity watchdog. Partial payloads live next to their
// destination as .part files and survive every failure except a server that
// refuses to honor the resumed range.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"media-courier/internal/failure"
)

const (
	defaultChunkSize  = 256 * 1024
	genericUserAgent  = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36"
	defaultInactivity = 120 * time.Second
)

// Progress receives throttled transfer heartbeats. total is -1 when the
// server did not declare a length.
type Progress func(done, total int64, pct int)

type Options struct {
	ExpectedName      string
	ChunkSize         int
	InactivityTimeout time.Duration
	MinInterval       time.Duration
	MinStep           int
	Headers           map[string]string
	Username          string
	Password          string
}

type Fetcher struct {
	logger *slog.Logger
	client *http.Client
}

func NewFetcher(logger *slog.Logger) *Fetcher {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true, // raw bytes; sizes must match Content-Length
	}
	return &Fetcher{
		logger: logger,
		client: &http.Client{
			Transport: transport,
			Timeout:   0, // per-request contexts and the watchdog bound us
		},
	}
}

// Fetch streams url into dest, resuming an existing .part when the server
// cooperates. On success dest exists and the .part is gone. On failure the
// .part is retained except when the server ignored a range request.
func (f *Fetcher) Fetch(ctx context.Context, url, dest string, opts Options, progress Progress) error {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = defaultInactivity
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return failure.New(failure.ClassPermanent, err)
	}

	part := dest + ".part"
	offset := int64(0)
	if fi, err := os.Stat(part); err == nil {
		if fi.Size() == 0 {
			os.Remove(part)
		} else {
			offset = fi.Size()
		}
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var stalled atomic.Bool
	watchdog := time.AfterFunc(opts.InactivityTimeout, func() {
		stalled.Store(true)
		cancel()
		f.client.CloseIdleConnections()
	})
	defer watchdog.Stop()

	req, err := f.newRequest(reqCtx, url, opts)
	if err != nil {
		return failure.New(failure.ClassPermanent, err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if stalled.Load() {
			return failure.New(failure.ClassStall, err)
		}
		if ctx.Err() != nil {
			return failure.New(failure.ClassCanceled, ctx.Err())
		}
		return failure.Classify(err)
	}
	defer resp.Body.Close()

	var total int64 = -1
	appendMode := false

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		// Server confirmed the range; append to the .part
		appendMode = true
		if t, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
			total = t
		} else if resp.ContentLength >= 0 {
			total = offset + resp.ContentLength
		}

	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		// The .part may already be the whole payload
		if t, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok && t == offset {
			if err := os.Rename(part, dest); err != nil {
				return failure.New(failure.ClassPermanent, err)
			}
			f.logger.Info("partial file already complete", "dest", dest, "size", offset)
			if progress != nil {
				progress(offset, offset, 100)
			}
			return nil
		}
		return failure.HTTPStatus(resp.StatusCode, fmt.Errorf("range not satisfiable at offset %d", offset))

	case resp.StatusCode == http.StatusOK:
		// Either a fresh download, or the server ignored our range
		if offset > 0 {
			f.logger.Warn("server ignored range request, restarting from zero", "url", url, "offset", offset)
			if err := os.Remove(part); err != nil && !os.IsNotExist(err) {
				return failure.New(failure.ClassPermanent, err)
			}
			offset = 0
		}
		if resp.ContentLength >= 0 {
			total = resp.ContentLength
		}

	case resp.StatusCode == http.StatusTooManyRequests:
		wait := parseRetryAfter(resp.Header.Get("Retry-After"))
		return failure.RateLimit(wait, fmt.Errorf("server throttled download"))

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if resp.ContentLength >= 0 {
			total = resp.ContentLength
		}

	default:
		return failure.HTTPStatus(resp.StatusCode, fmt.Errorf("unexpected status %s", resp.Status))
	}

	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(part, flags, 0644)
	if err != nil {
		return failure.New(failure.ClassPermanent, err)
	}

	written, copyErr := f.stream(resp.Body, out, offset, total, opts, watchdog, progress)
	if syncErr := out.Sync(); copyErr == nil && syncErr != nil {
		copyErr = syncErr
	}
	out.Close()
	watchdog.Stop()

	if copyErr != nil {
		if stalled.Load() {
			return failure.New(failure.ClassStall, copyErr)
		}
		if ctx.Err() != nil {
			return failure.New(failure.ClassCanceled, ctx.Err())
		}
		return failure.Classify(copyErr)
	}

	if total >= 0 && written != total {
		return failure.New(failure.ClassIncomplete,
			fmt.Errorf("size mismatch: got %d bytes, server declared %d", written, total))
	}

	if err := os.Rename(part, dest); err != nil {
		return failure.New(failure.ClassPermanent, err)
	}
	f.logger.Info("download complete", "dest", dest, "bytes", written)
	if progress != nil {
		progress(written, total, 100)
	}
	return nil
}

// stream copies body to out chunk by chunk, kicking the watchdog and emitting
// throttled progress. Returns the absolute file size written so far.
func (f *Fetcher) stream(body io.Reader, out *os.File, offset, total int64, opts Options, watchdog *time.Timer, progress Progress) (int64, error) {
	buf := make([]byte, opts.ChunkSize)
	written := offset

	minInterval := opts.MinInterval
	if minInterval <= 0 {
		minInterval = 3 * time.Second
	}
	minStep := opts.MinStep
	if minStep <= 0 {
		minStep = 5
	}
	limiter := rate.NewLimiter(rate.Every(minInterval), 1)
	lastPct := -1

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			watchdog.Reset(opts.InactivityTimeout)
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				return written, writeErr
			}
			written += int64(n)

			if progress != nil && total > 0 {
				pct := int(written * 100 / total)
				if pct-lastPct >= minStep && limiter.Allow() {
					lastPct = pct
					progress(written, total, pct)
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			return written, readErr
		}
	}
}

func (f *Fetcher) newRequest(ctx context.Context, url string, opts Options) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", genericUserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Connection", "keep-alive")
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if opts.Username != "" {
		req.SetBasicAuth(opts.Username, opts.Password)
	}
	return req, nil
}

// parseContentRangeTotal extracts the total size from "bytes a-b/total" or
// "bytes */total"
func parseContentRangeTotal(cr string) (int64, bool) {
	if cr == "" {
		return 0, false
	}
	parts := strings.Split(cr, "/")
	if len(parts) != 2 || parts[1] == "*" {
		return 0, false
	}
	total, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return 0, false
	}
	return total, true
}

func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 60 * time.Second
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 60 * time.Second
}
