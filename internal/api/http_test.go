package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kirkphillip605/Vibe-Song-Sync/internal/catalog"
)

func setupAppHandler(t *testing.T) (http.Handler, *catalog.Store) {
	t.Helper()
	store, err := catalog.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	handler := NewAppHandler(AppDeps{
		Store:   store,
		Version: "test",
	})
	return handler, store
}

func seedTrack(t *testing.T, store *catalog.Store, id string, downloaded bool) {
	t.Helper()
	err := store.UpsertTrack(catalog.Track{
		ID:           id,
		Artist:       "Artist " + id,
		Title:        "Title " + id,
		PurchaseDate: "2026-02-01",
		DownloadURL:  "/downloadmp3.html?id=" + id,
		Downloaded:   downloaded,
	})
	if err != nil {
		t.Fatalf("seeding track %s: %v", id, err)
	}
}

func TestHealth(t *testing.T) {
	h, _ := setupAppHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestStatus(t *testing.T) {
	h, store := setupAppHandler(t)
	seedTrack(t, store, "KV1", true)
	seedTrack(t, store, "KV2", false)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var resp StatusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if resp.TotalTracks != 2 {
		t.Errorf("TotalTracks = %d, want 2", resp.TotalTracks)
	}
	if resp.PendingTracks != 1 {
		t.Errorf("PendingTracks = %d, want 1", resp.PendingTracks)
	}
	if resp.Version != "test" {
		t.Errorf("Version = %q", resp.Version)
	}
}

func TestStatusEmptyCatalog(t *testing.T) {
	h, _ := setupAppHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var resp StatusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if resp.TotalTracks != 0 {
		t.Errorf("TotalTracks = %d, want 0", resp.TotalTracks)
	}
	if resp.LastTrackID != "" {
		t.Errorf("LastTrackID = %q, want empty", resp.LastTrackID)
	}
}

func TestListTracksPendingFilter(t *testing.T) {
	h, store := setupAppHandler(t)
	seedTrack(t, store, "KV1", true)
	seedTrack(t, store, "KV2", false)
	seedTrack(t, store, "KV3", false)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/tracks?pending=true", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var tracks []catalog.Track
	if err := json.Unmarshal(rr.Body.Bytes(), &tracks); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if len(tracks) != 2 {
		t.Fatalf("got %d tracks, want 2", len(tracks))
	}
	for _, tr := range tracks {
		if tr.Downloaded {
			t.Errorf("track %s should be pending", tr.ID)
		}
	}
}

func TestGetTrackNotFound(t *testing.T) {
	h, _ := setupAppHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/tracks/KV404", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestGetTrack(t *testing.T) {
	h, store := setupAppHandler(t)
	seedTrack(t, store, "KV7", false)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/tracks/KV7", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var track catalog.Track
	if err := json.Unmarshal(rr.Body.Bytes(), &track); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if track.ID != "KV7" || track.Artist != "Artist KV7" {
		t.Errorf("unexpected track %+v", track)
	}
}

func TestListLogs(t *testing.T) {
	h, store := setupAppHandler(t)

	id, err := store.StartOperation("sync", "initial sync")
	if err != nil {
		t.Fatalf("StartOperation: %v", err)
	}
	if err := store.CompleteOperation(id, catalog.StatusSuccess, "found 5 tracks"); err != nil {
		t.Fatalf("CompleteOperation: %v", err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/logs?operation=sync", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var logs []catalog.OperationLog
	if err := json.Unmarshal(rr.Body.Bytes(), &logs); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("got %d logs, want 1", len(logs))
	}
	if logs[0].Status != catalog.StatusSuccess {
		t.Errorf("Status = %q", logs[0].Status)
	}
}

func TestIntegrityEndpoints(t *testing.T) {
	h, store := setupAppHandler(t)
	seedTrack(t, store, "KV1", false)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/integrity", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("check status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var report catalog.IntegrityReport
	if err := json.Unmarshal(rr.Body.Bytes(), &report); err != nil {
		t.Fatalf("parsing report: %v", err)
	}
	if !report.Healthy || report.TotalTracks != 1 {
		t.Errorf("unexpected report %+v", report)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/integrity/repair", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("repair status = %d; body = %s", rr.Code, rr.Body.String())
	}
}
