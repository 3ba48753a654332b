package catalog

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrEmptyTrackID is returned when a track with an empty vendor identifier
// is handed to the store.
var ErrEmptyTrackID = errors.New("track id is empty")

// Track is one purchased karaoke item. The vendor identifier (e.g. "KV12345")
// is the primary key; FilePaths, Downloaded, and Extracted describe local
// state filled in after a download.
type Track struct {
	ID           string
	Artist       string
	ArtistURL    string
	Title        string
	TitleURL     string
	PurchaseDate string // ISO-8601 calendar date, empty if unparseable
	DownloadURL  string // vendor-relative initiation link
	FilePaths    []string
	Downloaded   bool
	Extracted    bool
}

// Operation log statuses.
const (
	StatusRunning   = "running"
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusInfo      = "info"
)

// OperationLog is an audit record of one long-running action.
type OperationLog struct {
	ID        string
	Operation string
	StartTime time.Time
	EndTime   *time.Time // nil until completion
	Status    string
	Details   string
}

// IntegrityReport summarizes a consistency pass over the track table.
type IntegrityReport struct {
	TotalTracks  int
	InvalidIDs   int
	DuplicateIDs int
	MissingFiles int // downloaded=1 but no file reference
	Healthy      bool
}

// RepairReport summarizes what RepairIntegrity changed.
type RepairReport struct {
	RemovedInvalid int
	ResetMissing   int
}

// LogFilter narrows RecentOperations results.
type LogFilter struct {
	Operation string // exact operation name, empty for all
	Search    string // substring over operation/details/status
	Page      int    // 1-based
	PageSize  int
}
