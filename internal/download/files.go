package download

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrCorruptArchive marks an archive that failed its integrity test. The
// offending file is deleted so the next attempt starts clean.
var ErrCorruptArchive = errors.New("archive failed integrity check")

// memberExtensions are the only file types the vendor packs into a karaoke
// archive.
var memberExtensions = map[string]bool{
	".mp3": true,
	".cdg": true,
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-\(\)&']`)

// SanitizeFilename builds the deterministic archive filename for a track.
// Characters outside the allow-list are stripped; the result is stable under
// repeated sanitization.
func SanitizeFilename(artist, title, id string) string {
	a := strings.TrimSpace(unsafeChars.ReplaceAllString(artist, ""))
	t := strings.TrimSpace(unsafeChars.ReplaceAllString(title, ""))
	return fmt.Sprintf("%s - %s - %s.zip", a, t, id)
}

// verifyArchive opens the zip and reads every member to force CRC checks.
func verifyArchive(path string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	defer r.Close()

	for _, f := range r.File {
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("%w: opening %s: %v", ErrCorruptArchive, f.Name, err)
		}
		_, err = io.Copy(io.Discard, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("%w: reading %s: %v", ErrCorruptArchive, f.Name, err)
		}
	}
	return nil
}

// extractArchive expands the zip into its own directory, renames member
// files tagged with the track's numeric suffix to carry the canonical KV
// prefix, and either deletes the archive or keeps it as a .bak recovery
// artifact. Returns the resulting file names (base names only).
func extractArchive(zipPath, trackID string, deleteZip bool) ([]string, error) {
	dir := filepath.Dir(zipPath)
	numeric := strings.TrimPrefix(trackID, "KV")

	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}

	var members []string
	for _, f := range r.File {
		name := filepath.Base(f.Name)
		if f.FileInfo().IsDir() || name == "" || strings.HasPrefix(name, ".") {
			continue
		}
		if err := extractMember(f, filepath.Join(dir, name)); err != nil {
			r.Close()
			return nil, fmt.Errorf("extracting %s: %w", f.Name, err)
		}
		members = append(members, name)
	}
	r.Close()

	var files []string
	for _, name := range members {
		ext := strings.ToLower(filepath.Ext(name))
		if !memberExtensions[ext] || !strings.Contains(name, numeric) || strings.Contains(name, trackID) {
			files = append(files, name)
			continue
		}
		renamed := strings.Replace(name, numeric, trackID, 1)
		if err := os.Rename(filepath.Join(dir, name), filepath.Join(dir, renamed)); err != nil {
			return nil, fmt.Errorf("renaming extracted member %s: %w", name, err)
		}
		files = append(files, renamed)
	}

	if deleteZip {
		if err := os.Remove(zipPath); err != nil {
			return nil, fmt.Errorf("removing archive: %w", err)
		}
	} else {
		bak := zipPath + ".bak"
		if err := os.Rename(zipPath, bak); err != nil {
			return nil, fmt.Errorf("renaming archive to backup: %w", err)
		}
		files = append(files, filepath.Base(bak))
	}

	return files, nil
}

func extractMember(f *zip.File, dst string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
