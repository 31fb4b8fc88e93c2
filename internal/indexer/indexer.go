package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"photo-engine/internal/logging"
	"photo-engine/internal/metrics"
	"photo-engine/internal/scanindex"
	"photo-engine/internal/scheduler"
	"photo-engine/internal/workers"
)

// ErrAccessDenied is returned when a root's access token cannot be
// resolved to a readable path.
var ErrAccessDenied = errors.New("access to root denied")

// AccessResolver exchanges a stored access token for a usable filesystem
// path. Resolution happens once per AddRoot; tokens that no longer grant
// access leave the root in a failed state.
type AccessResolver interface {
	Resolve(token string) (string, error)
}

// imageExts are the file extensions treated as indexable images.
var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
	".tiff": true,
	".tif":  true,
	".heic": true,
	".heif": true,
	".avif": true,
	".dng":  true,
	".cr2":  true,
	".nef":  true,
	".arw":  true,
	".exr":  true,
	".hdr":  true,
}

// IsImage reports whether a file name has an indexable image extension.
func IsImage(name string) bool {
	return imageExts[strings.ToLower(filepath.Ext(name))]
}

// RootStatus is a display snapshot of one watch root.
type RootStatus struct {
	Path     string `json:"path"`
	Failed   bool   `json:"failed"`
	Scanning bool   `json:"scanning"`
}

type watchRoot struct {
	path     string
	token    string
	failed   bool
	scanning bool
	cancel   context.CancelFunc
}

// Indexer scans watch roots breadth-first and records what it finds in
// the scan index, queuing thumbnail and analysis tasks for files whose
// artifacts are missing or stale.
type Indexer struct {
	index    *scanindex.Index
	sched    *scheduler.Scheduler
	resolver AccessResolver

	fanout     int
	thumbSize  string
	skipHidden bool

	mu    sync.Mutex
	roots map[string]*watchRoot
	wg    sync.WaitGroup
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithFanout overrides the per-level concurrent directory listing limit.
func WithFanout(n int) Option {
	return func(ix *Indexer) {
		if n > 0 {
			ix.fanout = n
		}
	}
}

// WithThumbnailSize sets the size class queued for discovered files.
func WithThumbnailSize(size string) Option {
	return func(ix *Indexer) { ix.thumbSize = size }
}

// New creates an indexer feeding the given scan index and scheduler.
func New(index *scanindex.Index, sched *scheduler.Scheduler, resolver AccessResolver, opts ...Option) *Indexer {
	ix := &Indexer{
		index:      index,
		sched:      sched,
		resolver:   resolver,
		fanout:     workers.ForIO(16),
		thumbSize:  "medium",
		skipHidden: true,
		roots:      make(map[string]*watchRoot),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// AddRoot registers a watch root. The access token is resolved up front;
// on failure the root is recorded as failed and no scan will start for
// it until AddRoot succeeds again.
func (ix *Indexer) AddRoot(path, token string) error {
	resolved, err := ix.resolver.Resolve(token)
	if err != nil {
		ix.mu.Lock()
		ix.roots[path] = &watchRoot{path: path, token: token, failed: true}
		ix.mu.Unlock()
		logging.Warn("Access resolution failed for root %s: %v", path, err)
		return fmt.Errorf("%w: %s: %v", ErrAccessDenied, path, err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if existing, ok := ix.roots[path]; ok && existing.scanning {
		// Keep the running scan; just refresh the token.
		existing.token = token
		existing.failed = false
		return nil
	}
	ix.roots[path] = &watchRoot{path: resolved, token: token}
	return nil
}

// RemoveRoot forgets a watch root: any in-flight scan is cancelled and
// all directory records under it are dropped. File records are left for
// the reconcile pass so cached artifacts survive a root being re-added.
func (ix *Indexer) RemoveRoot(path string) {
	ix.mu.Lock()
	rt, ok := ix.roots[path]
	if ok {
		if rt.cancel != nil {
			rt.cancel()
		}
		delete(ix.roots, path)
	}
	ix.mu.Unlock()

	if !ok {
		return
	}
	// Directory records are keyed by the resolved path, which need not
	// equal the registered one.
	removed := ix.index.RemoveDirectoryTree(rt.path)
	logging.Info("Removed root %s (%d directory records)", path, removed)
}

// StartScan begins a breadth-first scan of one root. It is a no-op when
// that root is already scanning or is in a failed state.
func (ix *Indexer) StartScan(path string) {
	ix.mu.Lock()
	rt, ok := ix.roots[path]
	if !ok || rt.failed || rt.scanning {
		ix.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	rt.scanning = true
	rt.cancel = cancel
	ix.wg.Add(1)
	ix.mu.Unlock()

	metrics.IndexerScansTotal.Inc()
	metrics.IndexerScansRunning.Inc()

	go func() {
		defer ix.wg.Done()
		defer metrics.IndexerScansRunning.Dec()
		defer cancel()

		start := time.Now()
		ix.scanRoot(ctx, rt.path)
		metrics.IndexerScanDuration.Observe(time.Since(start).Seconds())

		ix.mu.Lock()
		if cur, ok := ix.roots[path]; ok {
			cur.scanning = false
			cur.cancel = nil
		}
		ix.mu.Unlock()

		// Kick the scheduler so freshly queued work starts draining.
		ix.sched.Start()
	}()
}

// ScanAll starts scans for every registered, non-failed root.
func (ix *Indexer) ScanAll() {
	ix.mu.Lock()
	paths := make([]string, 0, len(ix.roots))
	for path := range ix.roots {
		paths = append(paths, path)
	}
	ix.mu.Unlock()

	for _, path := range paths {
		ix.StartScan(path)
	}
}

// Wait blocks until all in-flight scans finish. Intended for shutdown
// and tests.
func (ix *Indexer) Wait() {
	ix.wg.Wait()
}

// Stop cancels every in-flight scan and waits for them to wind down.
func (ix *Indexer) Stop() {
	ix.mu.Lock()
	for _, rt := range ix.roots {
		if rt.cancel != nil {
			rt.cancel()
		}
	}
	ix.mu.Unlock()
	ix.wg.Wait()
}

// Roots returns a sorted snapshot of root states for display.
func (ix *Indexer) Roots() []RootStatus {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	out := make([]RootStatus, 0, len(ix.roots))
	for path, rt := range ix.roots {
		out = append(out, RootStatus{Path: path, Failed: rt.failed, Scanning: rt.scanning})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// scanRoot walks the tree breadth-first. Each level's directories are
// listed concurrently under a semaphore; the next level only starts once
// the current one is fully done, which keeps parent records complete
// before their children are touched.
func (ix *Indexer) scanRoot(ctx context.Context, root string) {
	logging.Info("Scanning root %s (fanout %d)", root, ix.fanout)
	level := []string{root}

	for len(level) > 0 {
		select {
		case <-ctx.Done():
			logging.Info("Scan of %s cancelled", root)
			return
		default:
		}

		var (
			mu   sync.Mutex
			next []string
			wg   sync.WaitGroup
		)
		sem := make(chan struct{}, ix.fanout)

		for _, dir := range level {
			select {
			case <-ctx.Done():
				wg.Wait()
				return
			case sem <- struct{}{}:
			}

			wg.Add(1)
			go func(dir string) {
				defer wg.Done()
				defer func() { <-sem }()

				subdirs := ix.scanDirectory(ctx, dir)
				if len(subdirs) > 0 {
					mu.Lock()
					next = append(next, subdirs...)
					mu.Unlock()
				}
			}(dir)
		}
		wg.Wait()

		sort.Strings(next)
		level = next
	}
}

// scanDirectory lists one directory, upserts its image files, queues
// work for stale artifacts and returns the subdirectories found. Listing
// errors mark the directory complete with zero files rather than
// aborting the scan.
func (ix *Indexer) scanDirectory(ctx context.Context, dir string) []string {
	ix.index.UpsertDirectory(dir, scanindex.WithStatus(scanindex.StatusScanning))

	entries, err := os.ReadDir(dir)
	if err != nil {
		logging.Warn("Failed to list %s: %v", dir, err)
		ix.index.UpsertDirectory(dir,
			scanindex.WithStatus(scanindex.StatusComplete),
			scanindex.WithLastScan(time.Now()))
		return nil
	}

	var subdirs []string
	fileCount := 0

	for _, entry := range entries {
		select {
		case <-ctx.Done():
			// Back to idle so a half-scanned directory is not treated
			// as mid-scan forever.
			ix.index.UpsertDirectory(dir, scanindex.WithStatus(scanindex.StatusIdle))
			return nil
		default:
		}

		if ix.skipHidden && strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			ix.index.UpsertDirectory(path, scanindex.WithParent(dir))
			subdirs = append(subdirs, path)
			continue
		}
		if !IsImage(entry.Name()) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			logging.Debug("Stat failed for %s: %v", path, err)
			continue
		}

		fileCount++
		ix.index.UpsertFile(path, dir, info.Size(), info.ModTime())
		metrics.IndexerFilesIndexed.Inc()

		if ix.index.NeedsThumbnail(path, info.ModTime()) {
			ix.sched.QueueThumbnail(scheduler.ThumbnailTask{
				Path:     path,
				Size:     ix.thumbSize,
				Priority: scheduler.PriorityNormal,
			})
		}
		if ix.index.NeedsAnalysis(path, info.ModTime()) {
			ix.sched.QueueAnalysis(scheduler.AnalysisTask{
				Path:     path,
				Priority: scheduler.PriorityNormal,
			})
		}
	}

	ix.index.UpsertDirectory(dir,
		scanindex.WithStatus(scanindex.StatusComplete),
		scanindex.WithFileCount(fileCount),
		scanindex.WithLastScan(time.Now()))
	metrics.IndexerFoldersIndexed.Inc()

	return subdirs
}
