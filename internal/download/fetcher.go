package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/kirkphillip605/Vibe-Song-Sync/internal/catalog"
)

const (
	// headerFileHref carries the true direct-download URL after the
	// initiation request.
	headerFileHref = "X-File-Href"

	fetchMaxAttempts   = 5
	resolveMaxAttempts = 3

	chunkSize = 16 * 1024
)

// TrackError is the terminal failure for one track after all attempts are
// exhausted.
type TrackError struct {
	TrackID  string
	Attempts int
	Err      error
}

func (e *TrackError) Error() string {
	return fmt.Sprintf("track %s: download failed after %d attempts: %v", e.TrackID, e.Attempts, e.Err)
}

func (e *TrackError) Unwrap() error { return e.Err }

// Options controls one archive fetch.
type Options struct {
	Unzip     bool
	DeleteZip bool

	// OnProgress receives per-chunk streaming progress. May be invoked
	// from a worker goroutine; must not block.
	OnProgress func(percent int, message string)
}

// Getter is the slice of the authenticated session the fetcher needs.
type Getter interface {
	Get(ctx context.Context, url string) (*http.Response, error)
}

// Fetcher downloads one track's archive: resolve the direct URL, stream to a
// temp file, verify, optionally extract. Mutates the given track's file
// paths and flags in place; each track is owned by exactly one fetch at a
// time.
type Fetcher struct {
	session Getter
	dir     string
	logger  *slog.Logger

	// Tunables, shrunk by tests.
	resolveDelay time.Duration
	backoffUnit  time.Duration
}

// NewFetcher builds a fetcher writing archives into downloadDir.
func NewFetcher(session Getter, downloadDir string) *Fetcher {
	return &Fetcher{
		session:      session,
		dir:          downloadDir,
		logger:       slog.Default(),
		resolveDelay: 2 * time.Second,
		backoffUnit:  time.Second,
	}
}

// Fetch runs the per-track state machine with up to five attempts. On
// success the track's FilePaths/Downloaded/Extracted fields reflect the
// local result; on exhaustion the track is marked not-downloaded and a
// *TrackError is returned.
func (f *Fetcher) Fetch(ctx context.Context, track *catalog.Track, opts Options) error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("creating download directory: %w", err)
	}

	fileName := SanitizeFilename(track.Artist, track.Title, track.ID)
	finalPath := filepath.Join(f.dir, fileName)
	tmpPath := finalPath + ".tmp"

	// Idempotent re-run: an existing, intact archive satisfies the fetch
	// with zero network calls.
	if _, err := os.Stat(finalPath); err == nil {
		if verr := verifyArchive(finalPath); verr == nil {
			f.logger.Info("archive already present and valid", "track", track.ID, "file", fileName)
			track.FilePaths = []string{fileName}
			track.Downloaded = true
			return nil
		}
		// Corrupted leftover from an interrupted run.
		os.Remove(finalPath)
	}

	var lastErr error
	for attempt := 1; attempt <= fetchMaxAttempts; attempt++ {
		err := f.fetchOnce(ctx, track, opts, finalPath, tmpPath, fileName)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		lastErr = err

		os.Remove(tmpPath)
		os.Remove(finalPath)

		if attempt < fetchMaxAttempts {
			delay := f.backoffDelay(attempt)
			f.logger.Warn("download attempt failed, retrying",
				"track", track.ID, "attempt", attempt, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	track.Downloaded = false
	f.logger.Error("download failed after all attempts", "track", track.ID, "error", lastErr)
	return &TrackError{TrackID: track.ID, Attempts: fetchMaxAttempts, Err: lastErr}
}

// backoffDelay is min(2^(attempt-1) + random(0,1), 30) in backoff units.
func (f *Fetcher) backoffDelay(attempt int) time.Duration {
	units := math.Min(math.Pow(2, float64(attempt-1))+rand.Float64(), 30)
	return time.Duration(units * float64(f.backoffUnit))
}

func (f *Fetcher) fetchOnce(ctx context.Context, track *catalog.Track, opts Options, finalPath, tmpPath, fileName string) error {
	directURL, err := f.resolveDirectURL(ctx, track.DownloadURL)
	if err != nil {
		return err
	}

	if err := f.stream(ctx, directURL, tmpPath, opts.OnProgress); err != nil {
		return err
	}

	// Atomic placement: the final name only ever points at a fully
	// written archive.
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("placing archive: %w", err)
	}

	if err := verifyArchive(finalPath); err != nil {
		os.Remove(finalPath)
		return err
	}

	track.FilePaths = []string{fileName}
	track.Downloaded = true
	track.Extracted = false

	if opts.Unzip {
		files, err := extractArchive(finalPath, track.ID, opts.DeleteZip)
		if err != nil {
			// Extraction trouble doesn't undo a verified download.
			f.logger.Error("extraction failed", "track", track.ID, "error", err)
		} else {
			track.FilePaths = files
			track.Extracted = true
		}
	}

	f.logger.Info("download complete", "track", track.ID, "files", len(track.FilePaths))
	return nil
}

// resolveDirectURL exchanges the vendor-relative initiation link for the
// true download URL carried in the X-File-Href response header. Retries a
// fixed number of times with a fixed delay.
func (f *Fetcher) resolveDirectURL(ctx context.Context, initiationURL string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= resolveMaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(f.resolveDelay):
			}
		}

		resp, err := f.session.Get(ctx, initiationURL)
		if err != nil {
			lastErr = err
			f.logger.Warn("direct URL resolution attempt failed", "attempt", attempt, "error", err)
			continue
		}
		href := resp.Header.Get(headerFileHref)
		resp.Body.Close()
		if href != "" {
			return href, nil
		}
		lastErr = fmt.Errorf("response missing %s header", headerFileHref)
	}
	return "", fmt.Errorf("resolving direct download URL: %w", lastErr)
}

// stream GETs the direct URL and writes it to tmpPath in fixed-size chunks,
// emitting progress with an ETA estimate per chunk.
func (f *Fetcher) stream(ctx context.Context, url, tmpPath string, onProgress func(int, string)) error {
	resp, err := f.session.Get(ctx, url)
	if err != nil {
		return fmt.Errorf("starting download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("starting download: unexpected status %d", resp.StatusCode)
	}

	out, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	total := resp.ContentLength
	var written int64
	start := time.Now()
	buf := make([]byte, chunkSize)

	for {
		// Cancellation safe point between chunks.
		select {
		case <-ctx.Done():
			out.Close()
			return ctx.Err()
		default:
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				return fmt.Errorf("writing temp file: %w", werr)
			}
			written += int64(n)
			if onProgress != nil && total > 0 {
				percent := int(written * 100 / total)
				if percent > 100 {
					percent = 100
				}
				onProgress(percent, progressMessage(written, total, start))
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			out.Close()
			return fmt.Errorf("reading download stream: %w", rerr)
		}
	}

	return out.Close()
}

func progressMessage(written, total int64, start time.Time) string {
	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 || written <= 0 {
		return fmt.Sprintf("%d/%d bytes", written, total)
	}
	speed := float64(written) / elapsed
	eta := float64(total-written) / speed
	if eta > 1 {
		return fmt.Sprintf("%d/%d bytes (ETA: %ds)", written, total, int(eta))
	}
	return fmt.Sprintf("%d/%d bytes", written, total)
}
