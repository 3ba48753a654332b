package scrape

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kirkphillip605/Vibe-Song-Sync/internal/catalog"
)

const (
	listingPath = "/my/download.html?m=a&orderField=add_date&orderSort=desc&type=2&page=%d"

	// pageProbe is a page number safely beyond any real library; the
	// response still renders the pagination block, whose last link is the
	// true page count.
	pageProbe = 9999

	pageMaxAttempts = 3
)

// PageFetcher retrieves and parses one listing page of purchased tracks.
type PageFetcher struct {
	session *Session
	logger  *slog.Logger

	// backoffBase is the unit for the 2^attempt backoff between page
	// attempts. Tests shrink it.
	backoffBase time.Duration
}

// NewPageFetcher wraps an authenticated session.
func NewPageFetcher(session *Session) *PageFetcher {
	return &PageFetcher{
		session:     session,
		logger:      slog.Default(),
		backoffBase: time.Second,
	}
}

// FetchPage retrieves listing page n with up to three attempts and
// exponential backoff. A row missing required fields is skipped and logged,
// never fatal to the page. On exhaustion the error is a soft per-page
// failure: callers record the page as failed and continue with the rest of
// the batch.
func (f *PageFetcher) FetchPage(ctx context.Context, page int) ([]catalog.Track, bool, error) {
	var lastErr error
	for attempt := 1; attempt <= pageMaxAttempts; attempt++ {
		if attempt > 1 {
			delay := f.backoffBase << (attempt - 2) // 1s, 2s
			select {
			case <-ctx.Done():
				return nil, false, ctx.Err()
			case <-time.After(delay):
			}
		}

		parsed, err := f.fetchOnce(ctx, page)
		if err != nil {
			lastErr = err
			f.logger.Warn("listing page fetch attempt failed",
				"page", page, "attempt", attempt, "error", err)
			continue
		}
		if parsed.SkippedRows > 0 {
			f.logger.Warn("skipped incomplete listing rows",
				"page", page, "rows", parsed.SkippedRows)
		}
		return parsed.Tracks, parsed.HasNext, nil
	}

	f.logger.Error("all attempts failed for listing page", "page", page, "error", lastErr)
	return nil, false, fmt.Errorf("fetching listing page %d: %w", page, lastErr)
}

func (f *PageFetcher) fetchOnce(ctx context.Context, page int) (listingPage, error) {
	resp, err := f.session.Get(ctx, fmt.Sprintf(listingPath, page))
	if err != nil {
		return listingPage{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return listingPage{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	parsed, err := parseListing(resp.Body)
	if err != nil {
		return listingPage{}, fmt.Errorf("parsing listing: %w", err)
	}
	return parsed, nil
}

// TotalPages probes a page number beyond the real range and reads the last
// pagination link. Degrades to a single page on probe failure, matching the
// listing's behavior for one-page libraries.
func (f *PageFetcher) TotalPages(ctx context.Context) (int, error) {
	resp, err := f.session.Get(ctx, fmt.Sprintf(listingPath, pageProbe))
	if err != nil {
		return 1, fmt.Errorf("probing total pages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 1, fmt.Errorf("probing total pages: unexpected status %d", resp.StatusCode)
	}
	total, err := parseTotalPages(resp.Body)
	if err != nil {
		return 1, fmt.Errorf("parsing pagination: %w", err)
	}
	return total, nil
}
