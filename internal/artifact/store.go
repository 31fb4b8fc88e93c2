package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"photo-engine/internal/logging"
	"photo-engine/internal/metrics"
	"photo-engine/internal/persist"
)

// IndexFileName is the on-disk name of the artifact index snapshot.
const IndexFileName = "metadata-index.json"

const (
	sidecarDirName   = "xmp"
	thumbnailDirName = "thumbnails"
)

// Record maps one original file to its derived artifacts. UpdatedAt
// strictly increases on every mutation.
type Record struct {
	SidecarPath string            `json:"xmpPath,omitempty"`
	Thumbnails  map[string]string `json:"thumbnails,omitempty"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Store is the single source of truth for where an original's sidecar and
// thumbnails live. All access is serialized behind one mutex; the record
// map never escapes by reference.
type Store struct {
	root   string
	mu     sync.Mutex
	byPath map[string]*Record
	writer *persist.DebouncedWriter
}

// New loads (or initializes) the artifact store rooted at dir. A corrupt
// snapshot is logged and replaced with an empty index.
func New(dir string, debounce time.Duration) (*Store, error) {
	s := &Store{
		root:   dir,
		byPath: make(map[string]*Record),
	}

	path := filepath.Join(dir, IndexFileName)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// First run.
	case err != nil:
		logging.Warn("Failed to read artifact index %s: %v, starting empty", path, err)
	default:
		if err := json.Unmarshal(data, &s.byPath); err != nil {
			logging.Warn("Corrupt artifact index %s: %v, starting empty", path, err)
			s.byPath = make(map[string]*Record)
		}
	}

	s.writer = persist.NewDebouncedWriter(path, debounce, s.marshal)
	s.writer.SetOnWrite(func(err error) {
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.PersistWritesTotal.WithLabelValues("artifact", status).Inc()
	})

	logging.Info("Artifact index loaded: %d records", len(s.byPath))
	return s, nil
}

func (s *Store) marshal() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.MarshalIndent(s.byPath, "", "  ")
}

// mirrorPath turns an original's absolute path into a relative path under
// the cache root. Kept path-based (not hashed) so the cache layout stays
// debuggable.
func mirrorPath(original string) string {
	p := filepath.ToSlash(original)
	if vol := filepath.VolumeName(original); vol != "" {
		p = strings.ReplaceAll(strings.TrimPrefix(p, filepath.ToSlash(vol)), ":", "_")
	}
	p = strings.TrimPrefix(p, "/")
	return filepath.FromSlash(p)
}

// touch advances UpdatedAt, bumping by a nanosecond if the wall clock has
// not moved, so the timestamp strictly increases on every mutation.
func touch(rec *Record) {
	now := time.Now()
	if !now.After(rec.UpdatedAt) {
		now = rec.UpdatedAt.Add(time.Nanosecond)
	}
	rec.UpdatedAt = now
}

func (s *Store) record(original string) *Record {
	rec, ok := s.byPath[original]
	if !ok {
		rec = &Record{}
		s.byPath[original] = rec
	}
	return rec
}

// SidecarPath returns the deterministic sidecar location for an original,
// creating parent directories and recording the mapping.
func (s *Store) SidecarPath(original string) (string, error) {
	mirrored := mirrorPath(original)
	ext := filepath.Ext(mirrored)
	path := filepath.Join(s.root, sidecarDirName, strings.TrimSuffix(mirrored, ext)+".xmp")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create sidecar directory: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.record(original)
	if rec.SidecarPath != path {
		rec.SidecarPath = path
		touch(rec)
		s.writer.Kick()
	}
	return path, nil
}

// CurrentThumbnailPath returns the cached thumbnail path for a size if the
// backing file still exists. A dangling map entry self-heals by removal.
// Hits refresh the file's mtime, which drives prune ordering.
func (s *Store) CurrentThumbnailPath(original, size string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byPath[original]
	if !ok {
		return "", false
	}
	path, ok := rec.Thumbnails[size]
	if !ok {
		return "", false
	}
	if _, err := os.Stat(path); err != nil {
		delete(rec.Thumbnails, size)
		touch(rec)
		s.writer.Kick()
		return "", false
	}

	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		logging.Debug("Failed to touch thumbnail %s: %v", path, err)
	}
	return path, true
}

// AllocateThumbnailPath produces a fresh, uniquely named candidate path
// for a thumbnail write. The name is never in use, so a writer can build
// the new file completely before committing it, and a concurrent reader
// of the old path is never disturbed.
func (s *Store) AllocateThumbnailPath(original, size string) (string, error) {
	dir := filepath.Join(s.root, thumbnailDirName, mirrorPath(original))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create thumbnail directory: %w", err)
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%s.jpg", size, uuid.NewString())), nil
}

// CommitThumbnailPath installs newPath as the thumbnail for a size and
// returns the previous path (if any and different) so the caller can
// delete it once the new file is durable. Commit-then-delete-old keeps a
// reader from ever observing a missing thumbnail mid-write.
func (s *Store) CommitThumbnailPath(original, size, newPath string) (previous string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.record(original)
	if rec.Thumbnails == nil {
		rec.Thumbnails = make(map[string]string)
	}
	previous = rec.Thumbnails[size]
	rec.Thumbnails[size] = newPath
	touch(rec)
	s.writer.Kick()

	if previous == newPath {
		return ""
	}
	return previous
}

// CurrentCacheSize sums the on-disk sizes of all mapped thumbnails.
func (s *Store) CurrentCacheSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, rec := range s.byPath {
		for _, path := range rec.Thumbnails {
			if info, err := os.Stat(path); err == nil {
				total += info.Size()
			}
		}
	}
	metrics.CacheSizeBytes.Set(float64(total))
	return total
}

// ReconcileMissing walks all records. For originals that no longer exist,
// and when removal is allowed and not vetoed by isSafeToRemove, the
// sidecar, thumbnails and record are deleted. Otherwise only dangling
// sub-entries (missing sidecar file, missing individual thumbnail sizes)
// are pruned while the record is kept. Delete errors are swallowed
// per-entry; bookkeeping always proceeds.
func (s *Store) ReconcileMissing(removeMissingOriginals bool, isSafeToRemove func(original string) bool) (recordsRemoved, filesRemoved int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for original, rec := range s.byPath {
		_, statErr := os.Stat(original)
		originalMissing := statErr != nil

		if originalMissing && removeMissingOriginals && (isSafeToRemove == nil || isSafeToRemove(original)) {
			if rec.SidecarPath != "" {
				if err := os.Remove(rec.SidecarPath); err == nil {
					filesRemoved++
				}
			}
			for _, path := range rec.Thumbnails {
				if err := os.Remove(path); err == nil {
					filesRemoved++
				}
			}
			delete(s.byPath, original)
			recordsRemoved++
			continue
		}

		// Keep the record, heal dangling sub-entries.
		changed := false
		if rec.SidecarPath != "" {
			if _, err := os.Stat(rec.SidecarPath); err != nil {
				rec.SidecarPath = ""
				changed = true
			}
		}
		for size, path := range rec.Thumbnails {
			if _, err := os.Stat(path); err != nil {
				delete(rec.Thumbnails, size)
				changed = true
			}
		}
		if changed {
			touch(rec)
		}
	}

	if recordsRemoved > 0 || filesRemoved > 0 {
		s.writer.Kick()
	}
	metrics.CacheRecords.Set(float64(len(s.byPath)))
	return recordsRemoved, filesRemoved
}

// Snapshot returns a deep copy of all records for display.
func (s *Store) Snapshot() map[string]Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Record, len(s.byPath))
	for original, rec := range s.byPath {
		copied := Record{
			SidecarPath: rec.SidecarPath,
			UpdatedAt:   rec.UpdatedAt,
		}
		if rec.Thumbnails != nil {
			copied.Thumbnails = make(map[string]string, len(rec.Thumbnails))
			for size, path := range rec.Thumbnails {
				copied.Thumbnails[size] = path
			}
		}
		out[original] = copied
	}
	return out
}

// Count returns the number of tracked originals.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byPath)
}

// Root returns the cache root directory.
func (s *Store) Root() string {
	return s.root
}

// Flush persists the current snapshot immediately.
func (s *Store) Flush() error {
	return s.writer.Flush()
}

// Close flushes and stops the debounced writer.
func (s *Store) Close() error {
	return s.writer.Close()
}
