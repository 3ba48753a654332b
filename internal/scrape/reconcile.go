package scrape

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/kirkphillip605/Vibe-Song-Sync/internal/catalog"
)

// ProgressFunc receives (percent 0..100, message). It may be invoked from
// worker goroutines and must not block.
type ProgressFunc func(percent int, message string)

// PageSource abstracts the page fetcher for the reconciler.
type PageSource interface {
	FetchPage(ctx context.Context, page int) ([]catalog.Track, bool, error)
	TotalPages(ctx context.Context) (int, error)
}

// Options controls one reconciliation run.
type Options struct {
	// Watermark is the identifier of the most-recently-known purchase.
	// Reconciliation stops accepting results once it reappears, bounding
	// the scrape to new purchases only. Empty means scrape everything.
	Watermark string

	// FullRescan ignores the watermark and collects every page.
	FullRescan bool

	OnProgress ProgressFunc
}

// Result is the outcome of a reconciliation run. FailedPages lists pages
// whose fetch exhausted its retries; the run still succeeds with a partial
// result.
type Result struct {
	Tracks      []catalog.Track
	TotalPages  int
	FailedPages []int
	Stopped     bool // watermark was found
}

// Reconciler drives concurrent fetching of all listing pages and merges the
// results in completion order.
type Reconciler struct {
	source  PageSource
	workers int
	logger  *slog.Logger
}

// NewReconciler builds a reconciler over the given page source. workers <= 0
// defaults to 10.
func NewReconciler(source PageSource, workers int) *Reconciler {
	if workers <= 0 {
		workers = 10
	}
	return &Reconciler{
		source:  source,
		workers: workers,
		logger:  slog.Default(),
	}
}

type pageResult struct {
	page    int
	tracks  []catalog.Track
	err     error
	skipped bool // not fetched because the stop flag was already set
}

// ReconcileAll fetches pages 1..N through a bounded pool and accumulates
// tracks in completion order. With a watermark set (and no full rescan), the
// run stops accepting results the moment the watermark track is seen;
// in-flight pages finish but their results are discarded, and unscheduled
// pages are never fetched.
func (r *Reconciler) ReconcileAll(ctx context.Context, opts Options) (Result, error) {
	total, err := r.source.TotalPages(ctx)
	if err != nil {
		// The listing always has at least one page; scrape it rather
		// than failing the whole run on a probe hiccup.
		r.logger.Warn("total page probe failed, assuming one page", "error", err)
		total = 1
	}
	r.logger.Info("reconciliation started",
		"pages", total, "watermark", opts.Watermark, "full_rescan", opts.FullRescan)

	var stop atomic.Bool
	results := make(chan pageResult)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	go func() {
		for page := 1; page <= total; page++ {
			page := page
			g.Go(func() error {
				if stop.Load() || gctx.Err() != nil {
					results <- pageResult{page: page, skipped: true}
					return nil
				}
				tracks, _, err := r.source.FetchPage(gctx, page)
				results <- pageResult{page: page, tracks: tracks, err: err}
				return nil
			})
		}
		g.Wait()
		close(results)
	}()

	res := Result{TotalPages: total}
	completed := 0
	for pr := range results {
		if pr.skipped || res.Stopped {
			continue
		}
		completed++
		percent := completed * 100 / total

		if pr.err != nil {
			res.FailedPages = append(res.FailedPages, pr.page)
			r.emit(opts.OnProgress, percent, "Failed page %d, continuing...", pr.page)
			continue
		}

		for _, track := range pr.tracks {
			if opts.Watermark != "" && !opts.FullRescan && track.ID == opts.Watermark {
				res.Stopped = true
				stop.Store(true)
				r.logger.Info("watermark found, stopping scrape", "watermark", opts.Watermark)
				break
			}
			res.Tracks = append(res.Tracks, track)
		}

		r.emit(opts.OnProgress, percent, "Scraped page %d/%d", completed, total)
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}

	sort.Ints(res.FailedPages)
	if len(res.FailedPages) > 0 {
		r.logger.Warn("some pages failed to scrape", "pages", res.FailedPages)
	}
	r.logger.Info("reconciliation finished",
		"tracks", len(res.Tracks), "failed_pages", len(res.FailedPages))
	return res, nil
}

func (r *Reconciler) emit(fn ProgressFunc, percent int, format string, args ...any) {
	if fn == nil {
		return
	}
	fn(percent, fmt.Sprintf(format, args...))
}
