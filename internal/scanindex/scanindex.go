package scanindex

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"photo-engine/internal/logging"
	"photo-engine/internal/metrics"
	"photo-engine/internal/persist"
)

// IndexFileName is the on-disk name of the scan index snapshot.
const IndexFileName = "scan-index.json"

// DirStatus tracks where a directory is in its scan lifecycle.
type DirStatus string

const (
	StatusIdle     DirStatus = "idle"
	StatusScanning DirStatus = "scanning"
	StatusComplete DirStatus = "complete"
)

// DirectoryRecord is the per-directory scan bookkeeping entry.
type DirectoryRecord struct {
	Path      string    `json:"path"`
	Parent    string    `json:"parent,omitempty"`
	Status    DirStatus `json:"status"`
	FileCount int       `json:"fileCount"`
	LastScan  time.Time `json:"lastScan,omitzero"`
}

// AISnapshot holds the result of an analysis pass over one image.
type AISnapshot struct {
	Tags     []string       `json:"tags,omitempty"`
	Entities map[string]int `json:"entities,omitempty"`
	Mood     string         `json:"mood,omitempty"`
	At       time.Time      `json:"at"`
}

// FileRecord is the per-file freshness entry. Zero timestamps mean the
// corresponding artifact has never been generated.
type FileRecord struct {
	Path        string      `json:"path"`
	Directory   string      `json:"directory"`
	Size        int64       `json:"size"`
	ModTime     time.Time   `json:"modTime"`
	ThumbnailAt time.Time   `json:"thumbnailAt,omitzero"`
	AnalyzedAt  time.Time   `json:"analyzedAt,omitzero"`
	Snapshot    *AISnapshot `json:"snapshot,omitempty"`
}

type snapshot struct {
	Directories map[string]*DirectoryRecord `json:"directories"`
	Files       map[string]*FileRecord      `json:"files"`
}

// Index is the persistent record of directory scan status and per-file
// artifact freshness. All access is serialized behind one mutex; internal
// maps never escape by reference.
type Index struct {
	mu          sync.Mutex
	directories map[string]*DirectoryRecord
	files       map[string]*FileRecord
	writer      *persist.DebouncedWriter
}

// New loads (or initializes) the scan index under dir. A corrupt snapshot
// is logged and replaced with an empty index, never a startup failure.
func New(dir string, debounce time.Duration) (*Index, error) {
	ix := &Index{
		directories: make(map[string]*DirectoryRecord),
		files:       make(map[string]*FileRecord),
	}

	path := filepath.Join(dir, IndexFileName)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// First run.
	case err != nil:
		logging.Warn("Failed to read scan index %s: %v, starting empty", path, err)
	default:
		var snap snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			logging.Warn("Corrupt scan index %s: %v, starting empty", path, err)
		} else {
			if snap.Directories != nil {
				ix.directories = snap.Directories
			}
			if snap.Files != nil {
				ix.files = snap.Files
			}
		}
	}

	ix.writer = persist.NewDebouncedWriter(path, debounce, ix.marshal)
	ix.writer.SetOnWrite(func(err error) {
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.PersistWritesTotal.WithLabelValues("scan", status).Inc()
	})

	logging.Info("Scan index loaded: %d directories, %d files", len(ix.directories), len(ix.files))
	return ix, nil
}

// marshal produces the persisted snapshot under the index lock.
func (ix *Index) marshal() ([]byte, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return json.MarshalIndent(snapshot{
		Directories: ix.directories,
		Files:       ix.files,
	}, "", "  ")
}

// DirectoryOption applies one field of a partial directory update.
type DirectoryOption func(*DirectoryRecord)

// WithParent sets the directory's parent path.
func WithParent(parent string) DirectoryOption {
	return func(rec *DirectoryRecord) { rec.Parent = parent }
}

// WithStatus sets the scan status.
func WithStatus(status DirStatus) DirectoryOption {
	return func(rec *DirectoryRecord) { rec.Status = status }
}

// WithFileCount sets the number of image files found in the directory.
func WithFileCount(n int) DirectoryOption {
	return func(rec *DirectoryRecord) { rec.FileCount = n }
}

// WithLastScan sets the completion time of the last scan pass.
func WithLastScan(t time.Time) DirectoryOption {
	return func(rec *DirectoryRecord) { rec.LastScan = t }
}

// UpsertDirectory creates or partially updates a directory record. Only
// fields named by the supplied options change; everything else keeps its
// prior value. New records default to idle.
func (ix *Index) UpsertDirectory(path string, opts ...DirectoryOption) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	rec, ok := ix.directories[path]
	if !ok {
		rec = &DirectoryRecord{Path: path, Status: StatusIdle}
		ix.directories[path] = rec
	}
	for _, opt := range opts {
		opt(rec)
	}
	ix.writer.Kick()
}

// UpsertFile creates or refreshes a file record's size, mtime and owning
// directory. Artifact timestamps are preserved across refreshes.
func (ix *Index) UpsertFile(path, directory string, size int64, modTime time.Time) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	rec, ok := ix.files[path]
	if !ok {
		rec = &FileRecord{Path: path}
		ix.files[path] = rec
	}
	rec.Directory = directory
	rec.Size = size
	rec.ModTime = modTime
	ix.writer.Kick()
}

// RemoveFile drops a file record, e.g. after a delete notification.
func (ix *Index) RemoveFile(path string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, ok := ix.files[path]; !ok {
		return
	}
	delete(ix.files, path)
	ix.writer.Kick()
}

// NeedsThumbnail reports whether a thumbnail must be (re)generated: true
// when the file is unknown, has never had one, or its thumbnail predates
// the given modification time.
func (ix *Index) NeedsThumbnail(path string, sinceModTime time.Time) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	rec, ok := ix.files[path]
	if !ok {
		return true
	}
	return rec.ThumbnailAt.IsZero() || rec.ThumbnailAt.Before(sinceModTime)
}

// NeedsAnalysis reports whether an analysis pass must run, with the same
// staleness rule as NeedsThumbnail.
func (ix *Index) NeedsAnalysis(path string, sinceModTime time.Time) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	rec, ok := ix.files[path]
	if !ok {
		return true
	}
	return rec.AnalyzedAt.IsZero() || rec.AnalyzedAt.Before(sinceModTime)
}

// MarkThumbnailGenerated stamps thumbnail completion. A file removed from
// the index mid-flight is silently ignored.
func (ix *Index) MarkThumbnailGenerated(path string, at time.Time) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	rec, ok := ix.files[path]
	if !ok {
		return
	}
	rec.ThumbnailAt = at
	ix.writer.Kick()
}

// MarkAnalyzed stamps analysis completion and stores the snapshot.
// A file removed from the index mid-flight is silently ignored.
func (ix *Index) MarkAnalyzed(path string, at time.Time, snap *AISnapshot) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	rec, ok := ix.files[path]
	if !ok {
		return
	}
	rec.AnalyzedAt = at
	if snap != nil {
		copied := *snap
		rec.Snapshot = &copied
	}
	ix.writer.Kick()
}

// Directory returns a copy of one directory record.
func (ix *Index) Directory(path string) (DirectoryRecord, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	rec, ok := ix.directories[path]
	if !ok {
		return DirectoryRecord{}, false
	}
	return *rec, true
}

// File returns a copy of one file record.
func (ix *Index) File(path string) (FileRecord, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	rec, ok := ix.files[path]
	if !ok {
		return FileRecord{}, false
	}
	copied := *rec
	if rec.Snapshot != nil {
		snap := *rec.Snapshot
		copied.Snapshot = &snap
	}
	return copied, true
}

// Counts returns the number of directory and file records.
func (ix *Index) Counts() (directories, files int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.directories), len(ix.files)
}

// DirectorySnapshot returns a copied view of all directory records for
// display; the internal map is never shared.
func (ix *Index) DirectorySnapshot() map[string]DirectoryRecord {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	out := make(map[string]DirectoryRecord, len(ix.directories))
	for path, rec := range ix.directories {
		out[path] = *rec
	}
	return out
}

// RemoveDirectoryTree drops all directory records at or under root.
// File records are kept; they become orphaned but harmless until the
// next reconcile pass.
func (ix *Index) RemoveDirectoryTree(root string) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	prefix := strings.TrimSuffix(root, string(filepath.Separator)) + string(filepath.Separator)
	removed := 0
	for path := range ix.directories {
		if path == root || strings.HasPrefix(path, prefix) {
			delete(ix.directories, path)
			removed++
		}
	}
	if removed > 0 {
		ix.writer.Kick()
	}
	return removed
}

// Flush persists the current snapshot immediately.
func (ix *Index) Flush() error {
	return ix.writer.Flush()
}

// Close flushes and stops the debounced writer.
func (ix *Index) Close() error {
	return ix.writer.Close()
}
