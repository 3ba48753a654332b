package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kirkphillip605/Vibe-Song-Sync/internal/catalog"
	"github.com/kirkphillip605/Vibe-Song-Sync/internal/config"
	"github.com/kirkphillip605/Vibe-Song-Sync/internal/download"
	"github.com/kirkphillip605/Vibe-Song-Sync/internal/logging"
	"github.com/kirkphillip605/Vibe-Song-Sync/internal/scrape"
)

// app bundles the pieces every command needs: loaded config, the open
// catalog, and the log writer to close on exit.
type app struct {
	cfg     config.Config
	store   *catalog.Store
	logsOut io.Closer
}

func newApp() (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	closer, err := logging.Setup(cfg.DataDir, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}

	store, err := catalog.Open(cfg.DataDir)
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("opening catalog: %w", err)
	}

	return &app{cfg: cfg, store: store, logsOut: closer}, nil
}

func (a *app) Close() {
	a.store.Close()
	a.logsOut.Close()
}

func (a *app) login(ctx context.Context) (*scrape.Session, error) {
	if err := a.cfg.RequireCredentials(); err != nil {
		return nil, err
	}

	session, err := scrape.NewSession(a.cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	printStep("Logging in as %s", a.cfg.Username)
	if err := session.Login(ctx, a.cfg.Username, a.cfg.Password); err != nil {
		return nil, err
	}
	printSuccess("Logged in")
	return session, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Discover purchased tracks and update the local catalog",
	Long: `Scan the purchase listing and add newly purchased tracks to the
local catalog. By default scanning stops at the newest already-known track;
use --full to walk every page.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		full, _ := cmd.Flags().GetBool("full")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()

		session, err := a.login(ctx)
		if err != nil {
			return err
		}

		added, err := runSync(ctx, a, session, full)
		if err != nil {
			return err
		}
		printSuccess("Sync complete: %d new track(s)", added)
		return nil
	},
}

func runSync(ctx context.Context, a *app, session *scrape.Session, full bool) (int, error) {
	opID, err := a.store.StartOperation("sync", "scanning purchase listing")
	if err != nil {
		return 0, fmt.Errorf("recording operation: %w", err)
	}

	watermark := ""
	if !full {
		watermark, err = catalogWatermark(a.store)
		if err != nil {
			a.store.CompleteOperation(opID, catalog.StatusFailed, err.Error())
			return 0, fmt.Errorf("reading catalog watermark: %w", err)
		}
	}

	rec := scrape.NewReconciler(scrape.NewPageFetcher(session), a.cfg.PageWorkers)
	result, err := rec.ReconcileAll(ctx, scrape.Options{
		Watermark:  watermark,
		FullRescan: full,
		OnProgress: func(percent int, message string) {
			printStep("[%3d%%] %s", percent, message)
		},
	})
	if err != nil {
		a.store.CompleteOperation(opID, catalog.StatusFailed, err.Error())
		return 0, err
	}

	added, err := persistScraped(a.store, result.Tracks)
	if err != nil {
		a.store.CompleteOperation(opID, catalog.StatusFailed, err.Error())
		return added, err
	}

	details := fmt.Sprintf("%d pages scanned, %d new tracks", result.TotalPages, added)
	status := catalog.StatusSuccess
	if len(result.FailedPages) > 0 {
		details = fmt.Sprintf("%s, %d page(s) failed", details, len(result.FailedPages))
		printWarning("Could not scan %d page(s); run sync again to retry", len(result.FailedPages))
	}
	if err := a.store.CompleteOperation(opID, status, details); err != nil {
		return added, fmt.Errorf("recording operation result: %w", err)
	}
	return added, nil
}

// catalogWatermark returns the newest known track ID. A fresh catalog has
// none, which means the next sync scans every listing page.
func catalogWatermark(store *catalog.Store) (string, error) {
	id, err := store.LastTrackID()
	if errors.Is(err, catalog.ErrNotFound) {
		return "", nil
	}
	return id, err
}

// persistScraped writes scraped tracks into the catalog. Unknown tracks are
// inserted; known tracks that have not been downloaded yet get their vendor
// metadata refreshed while local download state is kept. Downloaded tracks
// are left alone. Returns the number of newly inserted tracks.
func persistScraped(store *catalog.Store, tracks []catalog.Track) (int, error) {
	added := 0
	for _, t := range tracks {
		existing, gerr := store.GetTrack(t.ID)
		switch {
		case gerr == nil:
			if existing.Downloaded {
				continue
			}
			t.FilePaths = existing.FilePaths
			t.Downloaded = existing.Downloaded
			t.Extracted = existing.Extracted
			if uerr := store.UpsertTrack(t); uerr != nil {
				return added, uerr
			}
		case errors.Is(gerr, catalog.ErrNotFound):
			if uerr := store.UpsertTrack(t); uerr != nil {
				return added, uerr
			}
			added++
		default:
			return added, gerr
		}
	}
	return added, nil
}

func init() {
	syncCmd.Flags().Bool("full", false, "rescan every listing page, ignoring known tracks")
}

// --- download ---

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download pending track archives",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		unzip := a.cfg.Unzip
		if cmd.Flags().Changed("unzip") {
			unzip, _ = cmd.Flags().GetBool("unzip")
		}
		deleteZip := a.cfg.DeleteZip
		if cmd.Flags().Changed("delete-zip") {
			deleteZip, _ = cmd.Flags().GetBool("delete-zip")
		}
		workers, _ := cmd.Flags().GetInt("workers")
		if workers <= 0 {
			workers = a.cfg.DownloadWorkers
		}
		id, _ := cmd.Flags().GetString("id")

		ctx, stop := signalContext()
		defer stop()

		session, err := a.login(ctx)
		if err != nil {
			return err
		}

		var tracks []catalog.Track
		if id != "" {
			track, err := a.store.GetTrack(id)
			if err != nil {
				return fmt.Errorf("track %s: %w", id, err)
			}
			track.Downloaded = false
			tracks = []catalog.Track{track}
		} else {
			tracks, err = a.store.PendingTracks()
			if err != nil {
				return fmt.Errorf("listing pending tracks: %w", err)
			}
		}

		if len(tracks) == 0 {
			printSuccess("Nothing to download")
			return nil
		}

		sum, err := runDownload(ctx, a, session, tracks, workers, download.Options{
			Unzip:     unzip,
			DeleteZip: deleteZip,
		})
		if err != nil {
			return err
		}

		printSuccess("Downloaded %d track(s)", sum.Downloaded)
		if sum.Failed > 0 {
			printWarning("%d track(s) failed; run download again to retry", sum.Failed)
		}
		if sum.Cancelled > 0 {
			printWarning("%d track(s) cancelled", sum.Cancelled)
		}
		return nil
	},
}

func runDownload(ctx context.Context, a *app, session *scrape.Session, tracks []catalog.Track, workers int, opts download.Options) (download.Summary, error) {
	opID, err := a.store.StartOperation("download", fmt.Sprintf("%d track(s) queued", len(tracks)))
	if err != nil {
		return download.Summary{}, fmt.Errorf("recording operation: %w", err)
	}

	bars := newProgressRenderer()
	fetcher := download.NewFetcher(session, a.cfg.DownloadDir)
	orch := download.NewOrchestrator(fetcher, a.store, workers, bars.events())

	go func() {
		<-ctx.Done()
		orch.Stop()
	}()

	sum, err := orch.DownloadAll(ctx, tracks, opts)
	bars.wait()

	details := fmt.Sprintf("%d downloaded, %d failed, %d cancelled", sum.Downloaded, sum.Failed, sum.Cancelled)
	status := catalog.StatusSuccess
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		status = catalog.StatusCancelled
	case err != nil || sum.Failed > 0:
		status = catalog.StatusFailed
	}
	if cerr := a.store.CompleteOperation(opID, status, details); cerr != nil && err == nil {
		err = fmt.Errorf("recording operation result: %w", cerr)
	}
	return sum, err
}

func init() {
	downloadCmd.Flags().Bool("unzip", false, "extract archives after download")
	downloadCmd.Flags().Bool("delete-zip", false, "delete archives after extraction")
	downloadCmd.Flags().Int("workers", 0, "concurrent downloads (default from config)")
	downloadCmd.Flags().String("id", "", "download a single track by ID, even if already fetched")
}

// --- resync ---

var resyncCmd = &cobra.Command{
	Use:   "resync",
	Short: "Clear the catalog and rebuild it from the purchase listing",
	Long: `Drop every catalog row and run a full sync. Downloaded files on
disk are left untouched; re-running download will rediscover them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This clears the local catalog. Use --confirm to proceed.")
			return nil
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()

		session, err := a.login(ctx)
		if err != nil {
			return err
		}

		printStep("Clearing catalog")
		if err := a.store.ClearTracks(); err != nil {
			return fmt.Errorf("clearing catalog: %w", err)
		}

		added, err := runSync(ctx, a, session, true)
		if err != nil {
			return err
		}
		printSuccess("Catalog rebuilt with %d track(s)", added)

		// Every row is pending after the rebuild; archives already on disk
		// are revalidated without refetching.
		pending, err := a.store.PendingTracks()
		if err != nil {
			return fmt.Errorf("listing pending tracks: %w", err)
		}
		if len(pending) == 0 {
			return nil
		}
		sum, err := runDownload(ctx, a, session, pending, a.cfg.DownloadWorkers, download.Options{
			Unzip:     a.cfg.Unzip,
			DeleteZip: a.cfg.DeleteZip,
		})
		if err != nil {
			return err
		}
		printSuccess("Resync complete: %d downloaded, %d failed", sum.Downloaded, sum.Failed)
		return nil
	},
}

func init() {
	resyncCmd.Flags().Bool("confirm", false, "confirm catalog rebuild")
}

// --- watch ---

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Periodically sync and download new purchases",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		interval, _ := cmd.Flags().GetInt("interval")
		if interval <= 0 {
			interval = a.cfg.PollIntervalSeconds
		}

		ctx, stop := signalContext()
		defer stop()

		session, err := a.login(ctx)
		if err != nil {
			return err
		}

		finish := recordWatchWindow(a.store, interval)
		defer finish()

		printStep("Watching for new purchases every %ds", interval)
		for {
			if err := watchCycle(ctx, a, session); err != nil {
				if ctx.Err() != nil {
					printStep("Stopped")
					return nil
				}
				printError("Cycle failed: %v", err)
			}

			select {
			case <-ctx.Done():
				printStep("Stopped")
				return nil
			case <-time.After(time.Duration(interval) * time.Second):
			}
		}
	},
}

// recordWatchWindow logs the start of a polling window in the operation log
// and returns a func that marks it stopped.
func recordWatchWindow(store *catalog.Store, interval int) func() {
	opID, err := store.StartOperation("watch", fmt.Sprintf("polling every %ds", interval))
	if err != nil {
		slog.Warn("recording watch operation", "error", err)
		return func() {}
	}
	return func() {
		if cerr := store.CompleteOperation(opID, catalog.StatusInfo, "polling stopped"); cerr != nil {
			slog.Warn("recording watch stop", "error", cerr)
		}
	}
}

func watchCycle(ctx context.Context, a *app, session *scrape.Session) error {
	added, err := runSync(ctx, a, session, false)
	if err != nil {
		return err
	}
	if added > 0 {
		printSuccess("Found %d new track(s)", added)
	}

	pending, err := a.store.PendingTracks()
	if err != nil {
		return fmt.Errorf("listing pending tracks: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	sum, err := runDownload(ctx, a, session, pending, a.cfg.DownloadWorkers, download.Options{
		Unzip:     a.cfg.Unzip,
		DeleteZip: a.cfg.DeleteZip,
	})
	if err != nil {
		return err
	}
	printSuccess("Downloaded %d track(s)", sum.Downloaded)
	return nil
}

func init() {
	watchCmd.Flags().Int("interval", 0, "seconds between cycles (default from config)")
}

// --- format ---

var formatCmd = &cobra.Command{
	Use:   "format <download-id> <format>",
	Short: "Change the delivery format for a purchased track",
	Long: `Ask the vendor to re-render a purchase in a different karaoke
format (for example CDG) before downloading it.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()

		session, err := a.login(ctx)
		if err != nil {
			return err
		}

		if err := session.ChangeFormat(ctx, args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Format change requested for %s", args[0])
		return nil
	},
}

// --- integrity ---

var integrityCmd = &cobra.Command{
	Use:   "integrity",
	Short: "Check catalog consistency",
	RunE: func(cmd *cobra.Command, args []string) error {
		repair, _ := cmd.Flags().GetBool("repair")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.store.CheckIntegrity()
		if err != nil {
			return err
		}

		printStatus("Tracks", "%d", report.TotalTracks)
		printStatus("Invalid IDs", "%d", report.InvalidIDs)
		printStatus("Duplicate IDs", "%d", report.DuplicateIDs)
		printStatus("Missing file refs", "%d", report.MissingFiles)

		if report.Healthy && report.MissingFiles == 0 {
			printSuccess("Catalog is healthy")
			return nil
		}
		if !repair {
			printWarning("Issues found. Run with --repair to fix them.")
			return nil
		}

		fixed, err := a.store.RepairIntegrity()
		if err != nil {
			return err
		}
		printSuccess("Removed %d invalid row(s), reset %d stale download flag(s)",
			fixed.RemovedInvalid, fixed.ResetMissing)
		return nil
	},
}

func init() {
	integrityCmd.Flags().Bool("repair", false, "repair issues found")
}

// --- logs ---

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent sync and download operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		operation, _ := cmd.Flags().GetString("operation")
		search, _ := cmd.Flags().GetString("search")
		page, _ := cmd.Flags().GetInt("page")
		pageSize, _ := cmd.Flags().GetInt("page-size")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.store.RecentOperations(catalog.LogFilter{
			Operation: operation,
			Search:    search,
			Page:      page,
			PageSize:  pageSize,
		})
		if err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, e := range entries {
			fmt.Printf("%s  %s  %-10s %-9s %s\n",
				stepColor.Sprint(e.ID),
				e.StartTime.Format(time.RFC3339),
				e.Operation,
				statusLabel(e.Status),
				e.Details,
			)
		}
		return nil
	},
}

func statusLabel(status string) string {
	switch status {
	case catalog.StatusSuccess:
		return successColor.Sprint(status)
	case catalog.StatusFailed:
		return errorColor.Sprint(status)
	case catalog.StatusCancelled, catalog.StatusRunning:
		return warnColor.Sprint(status)
	default:
		return status
	}
}

func init() {
	logsCmd.Flags().String("operation", "", "filter by operation name")
	logsCmd.Flags().String("search", "", "substring to match in details")
	logsCmd.Flags().Int("page", 1, "page number")
	logsCmd.Flags().Int("page-size", 20, "entries per page")
}
