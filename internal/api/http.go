package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kirkphillip605/Vibe-Song-Sync/internal/catalog"
)

// AppDeps holds dependencies for the HTTP status API.
type AppDeps struct {
	Store   *catalog.Store
	Version string
}

// NewAppHandler returns the read-mostly HTTP API over the local library.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Get("/status", handleStatus(deps))
	r.Get("/tracks", handleListTracks(deps))
	r.Get("/tracks/{id}", handleGetTrack(deps))
	r.Get("/logs", handleListLogs(deps))
	r.Get("/integrity", handleCheckIntegrity(deps))
	r.Post("/integrity/repair", handleRepairIntegrity(deps))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// StatusResponse summarizes the library for dashboards and MCP clients.
type StatusResponse struct {
	Version       string `json:"version"`
	TotalTracks   int    `json:"total_tracks"`
	PendingTracks int    `json:"pending_tracks"`
	LastTrackID   string `json:"last_track_id,omitempty"`
	OperationLogs int    `json:"operation_logs"`
}

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		total, err := deps.Store.TrackCount()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count tracks: %v", err)
			return
		}
		pending, err := deps.Store.PendingTracks()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list pending tracks: %v", err)
			return
		}
		last, err := deps.Store.LastTrackID()
		if err != nil && !errors.Is(err, catalog.ErrNotFound) {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read last track: %v", err)
			return
		}
		logs, err := deps.Store.OperationLogCount()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count logs: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(StatusResponse{
			Version:       deps.Version,
			TotalTracks:   total,
			PendingTracks: len(pending),
			LastTrackID:   last,
			OperationLogs: logs,
		})
	}
}

func handleListTracks(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tracks, err := deps.Store.ListTracks()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list tracks: %v", err)
			return
		}
		if r.URL.Query().Get("pending") == "true" {
			filtered := tracks[:0]
			for _, t := range tracks {
				if !t.Downloaded {
					filtered = append(filtered, t)
				}
			}
			tracks = filtered
		}
		if tracks == nil {
			tracks = []catalog.Track{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tracks)
	}
}

func handleGetTrack(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		track, err := deps.Store.GetTrack(id)
		if errors.Is(err, catalog.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "track not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get track: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(track)
	}
}

func handleListLogs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := catalog.LogFilter{
			Operation: r.URL.Query().Get("operation"),
			Search:    r.URL.Query().Get("search"),
			Page:      parseIntParam(r, "page", 1, 0),
			PageSize:  parseIntParam(r, "page_size", 20, 100),
		}

		logs, err := deps.Store.RecentOperations(filter)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list operation logs: %v", err)
			return
		}
		if logs == nil {
			logs = []catalog.OperationLog{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(logs)
	}
}

func handleCheckIntegrity(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := deps.Store.CheckIntegrity()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "integrity check failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(report)
	}
}

func handleRepairIntegrity(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := deps.Store.RepairIntegrity()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "integrity repair failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(report)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
