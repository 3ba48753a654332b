package main

import (
	"fmt"
	"sync"

	"github.com/fatih/color"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/kirkphillip605/Vibe-Song-Sync/internal/catalog"
	"github.com/kirkphillip605/Vibe-Song-Sync/internal/download"
)

// progressRenderer draws one progress bar per in-flight download. It is the
// bridge between orchestrator events and the terminal.
type progressRenderer struct {
	p *mpb.Progress

	mu   sync.Mutex
	bars map[string]*mpb.Bar
	msgs map[string]string
}

func newProgressRenderer() *progressRenderer {
	return &progressRenderer{
		p:    mpb.New(mpb.WithAutoRefresh(), mpb.WithOutput(color.Output), mpb.WithWidth(40)),
		bars: make(map[string]*mpb.Bar),
		msgs: make(map[string]string),
	}
}

func (r *progressRenderer) events() download.Events {
	return download.Events{
		Started:  r.started,
		Progress: r.progress,
		Finished: r.finished,
		Failed:   r.failed,
	}
}

func (r *progressRenderer) started(track catalog.Track) {
	id := track.ID
	bar := r.p.AddBar(100,
		mpb.BarRemoveOnComplete(),
		mpb.PrependDecorators(
			decor.Name(barName(track), decor.WCSyncSpaceR),
			decor.Percentage(decor.WCSyncSpace),
		),
		mpb.AppendDecorators(
			decor.Any(func(decor.Statistics) string {
				r.mu.Lock()
				defer r.mu.Unlock()
				return r.msgs[id]
			}, decor.WCSyncSpaceR),
		),
	)

	r.mu.Lock()
	r.bars[id] = bar
	r.mu.Unlock()
}

func (r *progressRenderer) progress(trackID string, percent int, message string) {
	r.mu.Lock()
	bar := r.bars[trackID]
	r.msgs[trackID] = message
	r.mu.Unlock()

	if bar != nil {
		bar.SetCurrent(int64(percent))
	}
}

func (r *progressRenderer) finished(track catalog.Track) {
	r.mu.Lock()
	bar := r.bars[track.ID]
	r.mu.Unlock()

	if bar != nil {
		bar.SetCurrent(100)
	}
	successColor.Fprintln(r.p, "✓ "+barName(track))
}

func (r *progressRenderer) failed(trackID string, err error) {
	r.mu.Lock()
	bar := r.bars[trackID]
	r.mu.Unlock()

	if bar != nil {
		bar.Abort(true)
	}
	errorColor.Fprintln(r.p, "✗ "+trackID+": "+err.Error())
}

// wait flushes remaining bar output. Call after the orchestrator returns.
func (r *progressRenderer) wait() {
	r.p.Wait()
}

func barName(track catalog.Track) string {
	name := fmt.Sprintf("%s - %s", track.Artist, track.Title)
	if len(name) > 32 {
		name = name[:29] + "..."
	}
	return fmt.Sprintf("%-7s %s", track.ID, name)
}
