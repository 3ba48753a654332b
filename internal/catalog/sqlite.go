package catalog

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// maxOperationLogs bounds the operation_logs table; older entries are purged
// on every CompleteOperation.
const maxOperationLogs = 100

// Store wraps a SQLite database holding the track catalog and the operation
// log. Every method is an independently atomic unit of work; callers must not
// rely on read-then-write atomicity across two calls.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "vibesync.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Tracks ---

// UpsertTrack inserts or fully replaces the row for t.ID.
func (s *Store) UpsertTrack(t Track) error {
	if t.ID == "" {
		return ErrEmptyTrackID
	}
	paths, err := encodeFilePaths(t.FilePaths)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO tracks (track_id, artist, artist_url, title, title_url, purchase_date, download_url, file_paths, downloaded, extracted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Artist, t.ArtistURL, t.Title, t.TitleURL,
		t.PurchaseDate, t.DownloadURL, paths, boolToInt(t.Downloaded), boolToInt(t.Extracted),
	)
	return err
}

// GetTrack returns the track with the given vendor identifier.
func (s *Store) GetTrack(id string) (Track, error) {
	row := s.db.QueryRow(`
		SELECT track_id, artist, artist_url, title, title_url, purchase_date, download_url, file_paths, downloaded, extracted
		FROM tracks WHERE track_id = ?`, id)
	t, err := scanTrack(row)
	if err == sql.ErrNoRows {
		return Track{}, ErrNotFound
	}
	return t, err
}

// ListTracks returns all tracks ordered by purchase date (newest first), then id.
func (s *Store) ListTracks() ([]Track, error) {
	rows, err := s.db.Query(`
		SELECT track_id, artist, artist_url, title, title_url, purchase_date, download_url, file_paths, downloaded, extracted
		FROM tracks ORDER BY purchase_date DESC, track_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tracks []Track
	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return tracks, rows.Err()
}

// PendingTracks returns tracks not yet marked downloaded.
func (s *Store) PendingTracks() ([]Track, error) {
	rows, err := s.db.Query(`
		SELECT track_id, artist, artist_url, title, title_url, purchase_date, download_url, file_paths, downloaded, extracted
		FROM tracks WHERE downloaded = 0 ORDER BY purchase_date DESC, track_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tracks []Track
	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return tracks, rows.Err()
}

// LastTrackID returns the identifier of the track with the latest purchase
// date. Used as the reconciliation watermark.
func (s *Store) LastTrackID() (string, error) {
	var id string
	err := s.db.QueryRow("SELECT track_id FROM tracks ORDER BY purchase_date DESC LIMIT 1").Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return id, err
}

// TrackCount returns the total number of catalogued tracks.
func (s *Store) TrackCount() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM tracks").Scan(&n)
	return n, err
}

// ClearTracks wipes the track table. Downloaded files on disk are untouched.
func (s *Store) ClearTracks() error {
	_, err := s.db.Exec("DELETE FROM tracks")
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrack(r rowScanner) (Track, error) {
	var t Track
	var paths string
	var downloaded, extracted int
	err := r.Scan(&t.ID, &t.Artist, &t.ArtistURL, &t.Title, &t.TitleURL,
		&t.PurchaseDate, &t.DownloadURL, &paths, &downloaded, &extracted)
	if err != nil {
		return Track{}, err
	}
	t.FilePaths, err = decodeFilePaths(paths)
	if err != nil {
		return Track{}, fmt.Errorf("decoding file paths for %s: %w", t.ID, err)
	}
	t.Downloaded = downloaded != 0
	t.Extracted = extracted != 0
	return t, nil
}

func encodeFilePaths(paths []string) (string, error) {
	if len(paths) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(paths)
	if err != nil {
		return "", fmt.Errorf("encoding file paths: %w", err)
	}
	return string(b), nil
}

func decodeFilePaths(raw string) ([]string, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var paths []string
	if err := json.Unmarshal([]byte(raw), &paths); err != nil {
		return nil, err
	}
	return paths, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Operation log ---

// StartOperation records the start of a long-running action and returns the
// log entry id.
func (s *Store) StartOperation(name, details string) (string, error) {
	id := strings.ToUpper(uuid.New().String()[:8])
	start := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO operation_logs (id, operation, start_time, status, details)
		VALUES (?, ?, ?, ?, ?)`,
		id, name, start, StatusRunning, details,
	)
	if err != nil {
		return "", fmt.Errorf("starting operation log %q: %w", name, err)
	}
	return id, nil
}

// CompleteOperation records the terminal status of an operation and prunes
// log entries beyond the retention cap.
func (s *Store) CompleteOperation(id, status, details string) error {
	end := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE operation_logs SET end_time = ?, status = ?, details = ? WHERE id = ?`,
		end, status, details, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	_, err = s.db.Exec(`
		DELETE FROM operation_logs
		WHERE id NOT IN (
			SELECT id FROM operation_logs
			ORDER BY start_time DESC
			LIMIT ?
		)`, maxOperationLogs)
	return err
}

// RecentOperations returns operation log entries newest first, optionally
// filtered and paginated.
func (s *Store) RecentOperations(f LogFilter) ([]OperationLog, error) {
	query := "SELECT id, operation, start_time, end_time, status, details FROM operation_logs"
	var clauses []string
	var args []any

	if f.Search != "" {
		clauses = append(clauses, "(operation LIKE ? OR details LIKE ? OR status LIKE ?)")
		pattern := "%" + f.Search + "%"
		args = append(args, pattern, pattern, pattern)
	}
	if f.Operation != "" {
		clauses = append(clauses, "operation = ?")
		args = append(args, f.Operation)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	page := f.Page
	if page < 1 {
		page = 1
	}
	size := f.PageSize
	if size <= 0 {
		size = 10
	}
	query += " ORDER BY start_time DESC LIMIT ? OFFSET ?"
	args = append(args, size, (page-1)*size)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []OperationLog
	for rows.Next() {
		var l OperationLog
		var start string
		var end sql.NullString
		if err := rows.Scan(&l.ID, &l.Operation, &start, &end, &l.Status, &l.Details); err != nil {
			return nil, err
		}
		if l.StartTime, err = time.Parse(time.RFC3339, start); err != nil {
			return nil, fmt.Errorf("parsing start_time for log %s: %w", l.ID, err)
		}
		if end.Valid {
			t, err := time.Parse(time.RFC3339, end.String)
			if err != nil {
				return nil, fmt.Errorf("parsing end_time for log %s: %w", l.ID, err)
			}
			l.EndTime = &t
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// OperationLogCount returns the number of retained log entries.
func (s *Store) OperationLogCount() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM operation_logs").Scan(&n)
	return n, err
}

// --- Integrity ---

// CheckIntegrity runs a diagnostic pass over the track table without
// modifying anything.
func (s *Store) CheckIntegrity() (IntegrityReport, error) {
	var r IntegrityReport

	if err := s.db.QueryRow("SELECT COUNT(*) FROM tracks").Scan(&r.TotalTracks); err != nil {
		return r, fmt.Errorf("counting tracks: %w", err)
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM tracks WHERE track_id IS NULL OR track_id = ''").Scan(&r.InvalidIDs); err != nil {
		return r, fmt.Errorf("counting invalid ids: %w", err)
	}
	if err := s.db.QueryRow(`
		SELECT COUNT(*) FROM (
			SELECT track_id FROM tracks GROUP BY track_id HAVING COUNT(*) > 1
		)`).Scan(&r.DuplicateIDs); err != nil {
		return r, fmt.Errorf("counting duplicate ids: %w", err)
	}
	if err := s.db.QueryRow(`
		SELECT COUNT(*) FROM tracks
		WHERE downloaded = 1 AND (file_paths IS NULL OR file_paths = '' OR file_paths = '[]')`).Scan(&r.MissingFiles); err != nil {
		return r, fmt.Errorf("counting missing file references: %w", err)
	}

	r.Healthy = r.InvalidIDs == 0 && r.DuplicateIDs == 0
	return r, nil
}

// RepairIntegrity removes rows with empty identifiers and resets the
// downloaded flag on rows claiming a download with no file reference.
func (s *Store) RepairIntegrity() (RepairReport, error) {
	var r RepairReport

	res, err := s.db.Exec("DELETE FROM tracks WHERE track_id IS NULL OR track_id = ''")
	if err != nil {
		return r, fmt.Errorf("removing invalid rows: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return r, err
	}
	r.RemovedInvalid = int(removed)

	res, err = s.db.Exec(`
		UPDATE tracks SET downloaded = 0, file_paths = '[]'
		WHERE downloaded = 1 AND (file_paths IS NULL OR file_paths = '' OR file_paths = '[]')`)
	if err != nil {
		return r, fmt.Errorf("resetting downloaded flags: %w", err)
	}
	reset, err := res.RowsAffected()
	if err != nil {
		return r, err
	}
	r.ResetMissing = int(reset)

	return r, nil
}
