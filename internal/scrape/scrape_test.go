package scrape

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirkphillip605/Vibe-Song-Sync/internal/catalog"
)

type listingRow struct {
	songID   string // numeric suffix; empty to render a broken row
	title    string
	artist   string
	date     string
	download string
}

func renderListing(rows []listingRow, hasNext bool) string {
	var sb strings.Builder
	sb.WriteString("<html><body><table>")
	for _, r := range rows {
		sb.WriteString(`<tr class="vam">`)
		fmt.Fprintf(&sb, `<td class="my-downloaded-files__song"><a href="/song/%s.html">%s</a></td>`, r.songID, r.title)
		fmt.Fprintf(&sb, `<td><a href="/artist/%s.html">%s</a></td>`, r.artist, r.artist)
		fmt.Fprintf(&sb, `<td class="my-downloaded-files__date">%s</td>`, r.date)
		sb.WriteString("<td>")
		if r.songID != "" {
			fmt.Fprintf(&sb, `<button class="my-downloaded-files__vote" data-songid="%s">vote</button>`, r.songID)
		}
		if r.download != "" {
			fmt.Fprintf(&sb, `<a class="my-downloaded-files__action" href="%s">Download</a>`, r.download)
		}
		sb.WriteString("</td></tr>")
	}
	sb.WriteString("</table>")
	if hasNext {
		sb.WriteString(`<a rel="next" class="next" href="#">next</a>`)
	}
	sb.WriteString("</body></html>")
	return sb.String()
}

func row(n int, date string) listingRow {
	return listingRow{
		songID:   fmt.Sprintf("%d", n),
		title:    fmt.Sprintf("Song %d", n),
		artist:   fmt.Sprintf("Artist %d", n),
		date:     date,
		download: fmt.Sprintf("/my/download_file.html?id=%d", n),
	}
}

func newTestSession(t *testing.T, srv *httptest.Server) *Session {
	t.Helper()
	s, err := NewSession(srv.URL)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func newTestFetcher(t *testing.T, srv *httptest.Server) *PageFetcher {
	t.Helper()
	f := NewPageFetcher(newTestSession(t, srv))
	f.backoffBase = time.Millisecond
	return f
}

func TestLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/my/login.html" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		r.ParseForm()
		if r.PostFormValue("frm_login") == "alice" && r.PostFormValue("frm_password") == "secret" {
			fmt.Fprint(w, `<html><a href="/my/logout.html">Logout</a></html>`)
			return
		}
		fmt.Fprint(w, `<html>Invalid credentials</html>`)
	}))
	defer srv.Close()

	s := newTestSession(t, srv)
	if err := s.Login(context.Background(), "alice", "secret"); err != nil {
		t.Errorf("Login with good credentials: %v", err)
	}
	if err := s.Login(context.Background(), "alice", "wrong"); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("Login with bad credentials: got %v, want ErrAuthFailed", err)
	}
}

func TestChangeFormat(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/my/changeformat.html" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		gotQuery = r.URL.RawQuery
	}))
	defer srv.Close()

	s := newTestSession(t, srv)
	if err := s.ChangeFormat(context.Background(), "12345", "3-1-10507374"); err != nil {
		t.Fatalf("ChangeFormat: %v", err)
	}
	for _, want := range []string{"dl_id=12345", "method=ajax", "applyall=on"} {
		if !strings.Contains(gotQuery, want) {
			t.Errorf("query %q missing %q", gotQuery, want)
		}
	}
}

func TestParseListingSkipsIncompleteRows(t *testing.T) {
	rows := []listingRow{
		row(101, "9/2/24"),
		{title: "No ID", artist: "Someone", download: "/my/d.html"}, // missing data-songid
		row(102, "bogus date"),
	}
	page, err := parseListing(strings.NewReader(renderListing(rows, true)))
	if err != nil {
		t.Fatalf("parseListing: %v", err)
	}
	if len(page.Tracks) != 2 {
		t.Fatalf("got %d tracks, want 2: %+v", len(page.Tracks), page.Tracks)
	}
	if page.SkippedRows != 1 {
		t.Errorf("SkippedRows = %d, want 1", page.SkippedRows)
	}
	if !page.HasNext {
		t.Error("HasNext should be true")
	}

	first := page.Tracks[0]
	if first.ID != "KV101" || first.Title != "Song 101" || first.Artist != "Artist 101" {
		t.Errorf("first track mismatch: %+v", first)
	}
	if first.PurchaseDate != "2024-09-02" {
		t.Errorf("PurchaseDate = %q, want 2024-09-02", first.PurchaseDate)
	}
	if first.DownloadURL != "/my/download_file.html?id=101" {
		t.Errorf("DownloadURL = %q", first.DownloadURL)
	}
	// Unrecognized dates become empty, not an error.
	if page.Tracks[1].PurchaseDate != "" {
		t.Errorf("bogus date should normalize to empty, got %q", page.Tracks[1].PurchaseDate)
	}
}

func TestFetchPageRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, renderListing([]listingRow{row(101, "9/2/24")}, false))
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv)
	tracks, hasNext, err := f.FetchPage(context.Background(), 1)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if len(tracks) != 1 || tracks[0].ID != "KV101" {
		t.Errorf("tracks = %+v", tracks)
	}
	if hasNext {
		t.Error("hasNext should be false")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server calls = %d, want 3", got)
	}
}

// TestFetchPageExhaustion verifies a permanently failing page produces
// exactly the configured number of attempts, then a terminal error.
func TestFetchPageExhaustion(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv)
	tracks, hasNext, err := f.FetchPage(context.Background(), 2)
	if err == nil {
		t.Fatal("FetchPage should report exhaustion")
	}
	if len(tracks) != 0 || hasNext {
		t.Errorf("exhausted fetch should yield empty result, got %v %v", tracks, hasNext)
	}
	if got := calls.Load(); got != pageMaxAttempts {
		t.Errorf("server calls = %d, want %d", got, pageMaxAttempts)
	}
}

func TestTotalPagesProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("page"); got != "9999" {
			t.Errorf("probe page = %q, want 9999", got)
		}
		fmt.Fprint(w, `<html><div class="pagination">
			<a class="hidden-xs" href="#">1</a>
			<a class="hidden-xs" href="#">2</a>
			<a class="hidden-xs" href="#">4</a>
			<a class="next" rel="next" href="#">next</a>
		</div></html>`)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv)
	total, err := f.TotalPages(context.Background())
	if err != nil {
		t.Fatalf("TotalPages: %v", err)
	}
	if total != 4 {
		t.Errorf("TotalPages = %d, want 4", total)
	}
}

func TestTotalPagesNoPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, renderListing([]listingRow{row(101, "9/2/24")}, false))
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv)
	total, err := f.TotalPages(context.Background())
	if err != nil {
		t.Fatalf("TotalPages: %v", err)
	}
	if total != 1 {
		t.Errorf("TotalPages = %d, want 1", total)
	}
}

// fakeSource serves canned pages to the reconciler without a network.
type fakeSource struct {
	pages    map[int][]catalog.Track
	failing  map[int]bool
	totalErr error
}

func (f *fakeSource) FetchPage(ctx context.Context, page int) ([]catalog.Track, bool, error) {
	if f.failing[page] {
		return nil, false, fmt.Errorf("fetching listing page %d: boom", page)
	}
	return f.pages[page], page < len(f.pages), nil
}

func (f *fakeSource) TotalPages(ctx context.Context) (int, error) {
	if f.totalErr != nil {
		return 1, f.totalErr
	}
	return len(f.pages), nil
}

func track(id, date string) catalog.Track {
	return catalog.Track{ID: id, Artist: "a", Title: "t", PurchaseDate: date, DownloadURL: "/d/" + id}
}

// TestReconcileNewPurchaseDelta is the watermark scenario: the store knows
// KV100, the remote listing has KV101 on top. Only KV101 comes back.
func TestReconcileNewPurchaseDelta(t *testing.T) {
	src := &fakeSource{pages: map[int][]catalog.Track{
		1: {track("KV101", "2024-02-01"), track("KV100", "2024-01-01")},
	}}
	r := NewReconciler(src, 2)

	res, err := r.ReconcileAll(context.Background(), Options{Watermark: "KV100"})
	if err != nil {
		t.Fatalf("ReconcileAll: %v", err)
	}
	if len(res.Tracks) != 1 || res.Tracks[0].ID != "KV101" {
		t.Errorf("tracks = %+v, want exactly [KV101]", res.Tracks)
	}
	if !res.Stopped {
		t.Error("Stopped should be true when the watermark is found")
	}
}

// TestReconcileEarlyStopBound verifies no already-known track leaks into the
// result regardless of page count.
func TestReconcileEarlyStopBound(t *testing.T) {
	pages := map[int][]catalog.Track{
		1: {track("KV110", "2024-05-01"), track("KV109", "2024-04-01")},
		2: {track("KV108", "2024-03-01"), track("KV100", "2024-01-05")},
		3: {track("KV099", "2024-01-04"), track("KV098", "2024-01-03")},
		4: {track("KV097", "2024-01-02"), track("KV096", "2024-01-01")},
	}
	src := &fakeSource{pages: pages}
	r := NewReconciler(src, 1)

	res, err := r.ReconcileAll(context.Background(), Options{Watermark: "KV100"})
	if err != nil {
		t.Fatalf("ReconcileAll: %v", err)
	}

	old := map[string]bool{"KV100": true, "KV099": true, "KV098": true, "KV097": true, "KV096": true}
	for _, tr := range res.Tracks {
		if old[tr.ID] {
			t.Errorf("already-known track %s leaked into result", tr.ID)
		}
	}
	if !res.Stopped {
		t.Error("Stopped should be true")
	}
}

func TestReconcileFullRescanIgnoresWatermark(t *testing.T) {
	src := &fakeSource{pages: map[int][]catalog.Track{
		1: {track("KV101", "2024-02-01"), track("KV100", "2024-01-01")},
	}}
	r := NewReconciler(src, 2)

	res, err := r.ReconcileAll(context.Background(), Options{Watermark: "KV100", FullRescan: true})
	if err != nil {
		t.Fatalf("ReconcileAll: %v", err)
	}
	if len(res.Tracks) != 2 {
		t.Errorf("full rescan got %d tracks, want 2", len(res.Tracks))
	}
	if res.Stopped {
		t.Error("full rescan must not early-stop")
	}
}

// TestReconcilePartialPageFailure: page 2 of 3 always fails; pages 1 and 3
// still arrive and the failure is reported, not fatal.
func TestReconcilePartialPageFailure(t *testing.T) {
	src := &fakeSource{
		pages: map[int][]catalog.Track{
			1: {track("KV103", "2024-03-01")},
			2: {track("KV102", "2024-02-01")},
			3: {track("KV101", "2024-01-01")},
		},
		failing: map[int]bool{2: true},
	}
	r := NewReconciler(src, 3)

	var progress []string
	res, err := r.ReconcileAll(context.Background(), Options{
		OnProgress: func(pct int, msg string) { progress = append(progress, msg) },
	})
	if err != nil {
		t.Fatalf("ReconcileAll: %v", err)
	}

	ids := map[string]bool{}
	for _, tr := range res.Tracks {
		ids[tr.ID] = true
	}
	if !ids["KV103"] || !ids["KV101"] || ids["KV102"] {
		t.Errorf("tracks = %+v, want pages 1 and 3 only", res.Tracks)
	}
	if len(res.FailedPages) != 1 || res.FailedPages[0] != 2 {
		t.Errorf("FailedPages = %v, want [2]", res.FailedPages)
	}
	if len(progress) != 3 {
		t.Errorf("progress emitted %d times, want 3", len(progress))
	}
}

func TestReconcileProbeFailureDegradesToOnePage(t *testing.T) {
	src := &fakeSource{
		pages:    map[int][]catalog.Track{1: {track("KV101", "2024-02-01")}},
		totalErr: errors.New("probe down"),
	}
	r := NewReconciler(src, 2)

	res, err := r.ReconcileAll(context.Background(), Options{})
	if err != nil {
		t.Fatalf("ReconcileAll: %v", err)
	}
	if res.TotalPages != 1 || len(res.Tracks) != 1 {
		t.Errorf("result = %+v, want single degraded page", res)
	}
}
