package download

import (
	"context"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirkphillip605/Vibe-Song-Sync/internal/catalog"
)

const (
	defaultDownloadWorkers = 5
	batchMaxAttempts       = 3
)

// TrackFetcher downloads one track's archive.
type TrackFetcher interface {
	Fetch(ctx context.Context, track *catalog.Track, opts Options) error
}

// CatalogWriter persists per-track results as they arrive.
type CatalogWriter interface {
	UpsertTrack(track catalog.Track) error
}

// Events receives per-track lifecycle notifications. Any field may be nil.
// Callbacks run on worker goroutines.
type Events struct {
	Started  func(track catalog.Track)
	Progress func(trackID string, percent int, message string)
	Finished func(track catalog.Track)
	Failed   func(trackID string, err error)
}

// Summary is the batch-level outcome of a download run.
type Summary struct {
	Downloaded int
	Failed     int
	Cancelled  int
}

// Orchestrator drives a bounded worker pool over a set of pending tracks,
// retrying tracks that failed in further rounds.
type Orchestrator struct {
	fetcher TrackFetcher
	store   CatalogWriter
	workers int
	logger  *slog.Logger
	events  Events

	stopped atomic.Bool
	jitter  func() time.Duration
}

// NewOrchestrator builds an orchestrator with the requested worker count.
// workers <= 0 selects the default.
func NewOrchestrator(fetcher TrackFetcher, store CatalogWriter, workers int, events Events) *Orchestrator {
	if workers <= 0 {
		workers = defaultDownloadWorkers
	}
	return &Orchestrator{
		fetcher: fetcher,
		store:   store,
		workers: workers,
		logger:  slog.Default(),
		events:  events,
		jitter: func() time.Duration {
			return time.Duration(1+rand.Intn(5)) * time.Second
		},
	}
}

// Stop requests cooperative cancellation. In-flight downloads finish their
// current attempt; queued tracks are skipped and counted as cancelled.
func (o *Orchestrator) Stop() {
	o.stopped.Store(true)
}

// DownloadAll fetches every not-yet-downloaded track in the list. Tracks
// that fail are retried as a batch up to three times with a short random
// pause between rounds. One track's failure never aborts the batch, and
// per-track results are persisted immediately so an interrupted run resumes
// where it left off.
func (o *Orchestrator) DownloadAll(ctx context.Context, tracks []catalog.Track, opts Options) (Summary, error) {
	var summary Summary

	pending := make([]catalog.Track, 0, len(tracks))
	for _, t := range tracks {
		if t.Downloaded {
			continue
		}
		pending = append(pending, t)
	}
	if len(pending) == 0 {
		return summary, nil
	}

	for round := 1; round <= batchMaxAttempts && len(pending) > 0; round++ {
		if round > 1 {
			delay := o.jitter()
			o.logger.Info("retrying failed downloads", "round", round, "remaining", len(pending), "delay", delay)
			select {
			case <-ctx.Done():
				summary.Cancelled += len(pending)
				return summary, ctx.Err()
			case <-time.After(delay):
			}
		}

		failed, skipped, done := o.runRound(ctx, pending, opts)
		summary.Downloaded += done

		if ctx.Err() != nil {
			summary.Cancelled += len(failed) + len(skipped)
			return summary, ctx.Err()
		}
		if o.stopped.Load() {
			summary.Failed += len(failed)
			summary.Cancelled += len(skipped)
			return summary, nil
		}
		pending = failed
	}

	summary.Failed += len(pending)
	return summary, nil
}

// runRound dispatches one pass over the pending tracks through the worker
// pool and partitions the outcomes.
func (o *Orchestrator) runRound(ctx context.Context, pending []catalog.Track, opts Options) (failed, skipped []catalog.Track, downloaded int) {
	g := new(errgroup.Group)
	g.SetLimit(o.workers)

	results := make(chan roundResult, len(pending))

	for i := range pending {
		track := pending[i]
		g.Go(func() error {
			if o.stopped.Load() || ctx.Err() != nil {
				results <- roundResult{track: track, skipped: true}
				return nil
			}

			if o.events.Started != nil {
				o.events.Started(track)
			}

			trackOpts := opts
			if o.events.Progress != nil {
				id := track.ID
				trackOpts.OnProgress = func(percent int, message string) {
					o.events.Progress(id, percent, message)
				}
			}

			err := o.fetcher.Fetch(ctx, &track, trackOpts)

			// Persist the outcome either way so resumption sees it.
			if serr := o.store.UpsertTrack(track); serr != nil {
				o.logger.Error("persisting track state", "track", track.ID, "error", serr)
			}

			if err != nil {
				if o.events.Failed != nil {
					o.events.Failed(track.ID, err)
				}
				results <- roundResult{track: track, err: err}
				return nil
			}

			if o.events.Finished != nil {
				o.events.Finished(track)
			}
			results <- roundResult{track: track, done: true}
			return nil
		})
	}

	g.Wait()
	close(results)

	for res := range results {
		switch {
		case res.done:
			downloaded++
		case res.skipped:
			skipped = append(skipped, res.track)
		default:
			failed = append(failed, res.track)
		}
	}
	return failed, skipped, downloaded
}

type roundResult struct {
	track   catalog.Track
	err     error
	done    bool
	skipped bool
}
