package engine

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"photo-engine/internal/artifact"
	"photo-engine/internal/indexer"
	"photo-engine/internal/logging"
	"photo-engine/internal/scanindex"
	"photo-engine/internal/scheduler"
	"photo-engine/internal/thumbnail"
	"photo-engine/internal/watcher"
)

// Analyzer produces an AI snapshot for one image. A nil Analyzer disables
// analysis work entirely; thumbnail generation is unaffected.
type Analyzer interface {
	Analyze(ctx context.Context, path, language string) (scanindex.AISnapshot, error)
}

// Options collects the engine's collaborators and tunables.
type Options struct {
	Index      *scanindex.Index
	Store      *artifact.Store
	Thumbnails *thumbnail.Cache
	Indexer    *indexer.Indexer
	Analyzer   Analyzer
	Sidecars   SidecarCodec

	AnalysisLanguage  string
	ReconcileInterval time.Duration
}

// Engine is the top-level background service: it executes scheduled
// tasks, reacts to directory watchers and periodically reconciles cached
// artifacts against the filesystem.
type Engine struct {
	index    *scanindex.Index
	store    *artifact.Store
	thumbs   *thumbnail.Cache
	sched    *scheduler.Scheduler
	indexer  *indexer.Indexer
	analyzer Analyzer
	sidecars SidecarCodec

	language          string
	reconcileInterval time.Duration

	mu       sync.Mutex
	watchers map[string]*watcher.Watcher

	done chan struct{}
	wg   sync.WaitGroup
}

// New assembles the engine and its scheduler. The scheduler is created
// here so task executors can close over engine state.
func New(opts Options) *Engine {
	e := &Engine{
		index:             opts.Index,
		store:             opts.Store,
		thumbs:            opts.Thumbnails,
		indexer:           opts.Indexer,
		analyzer:          opts.Analyzer,
		sidecars:          opts.Sidecars,
		language:          opts.AnalysisLanguage,
		reconcileInterval: opts.ReconcileInterval,
		watchers:          make(map[string]*watcher.Watcher),
		done:              make(chan struct{}),
	}
	if e.sidecars == nil {
		e.sidecars = XMPCodec{}
	}
	e.sched = scheduler.New(e.runThumbnail, e.runAnalysis)
	return e
}

// Scheduler exposes the engine's task scheduler for the indexer wiring.
func (e *Engine) Scheduler() *scheduler.Scheduler {
	return e.sched
}

// SetIndexer attaches the indexer after construction. The indexer needs
// the engine's scheduler, so the two are built in sequence.
func (e *Engine) SetIndexer(ix *indexer.Indexer) {
	e.indexer = ix
}

// Start launches the periodic reconcile loop.
func (e *Engine) Start() {
	if e.reconcileInterval > 0 {
		e.wg.Add(1)
		go e.reconcileLoop()
	}
}

// Stop shuts the engine down: watchers close, scans and queued work wind
// down cooperatively, then both indexes flush to disk.
func (e *Engine) Stop() {
	close(e.done)

	e.mu.Lock()
	for dir, w := range e.watchers {
		if err := w.Close(); err != nil {
			logging.Warn("Failed to close watcher for %s: %v", dir, err)
		}
	}
	e.watchers = make(map[string]*watcher.Watcher)
	e.mu.Unlock()

	if e.indexer != nil {
		e.indexer.Stop()
	}
	e.sched.Close()
	e.sched.Wait()
	e.wg.Wait()

	if err := e.index.Close(); err != nil {
		logging.Error("Failed to flush scan index: %v", err)
	}
	if err := e.store.Close(); err != nil {
		logging.Error("Failed to flush artifact index: %v", err)
	}
	logging.Info("Engine stopped")
}

// runThumbnail is the scheduler's thumbnail executor. A vanished source
// drops the file record; other failures are logged by the scheduler.
func (e *Engine) runThumbnail(ctx context.Context, task scheduler.ThumbnailTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := e.thumbs.Get(task.Path, task.Size, task.Regenerate)
	if err != nil {
		if errors.Is(err, thumbnail.ErrNotFound) {
			e.index.RemoveFile(task.Path)
		}
		return err
	}
	e.index.MarkThumbnailGenerated(task.Path, time.Now())
	return nil
}

// runAnalysis is the scheduler's analysis executor.
func (e *Engine) runAnalysis(ctx context.Context, task scheduler.AnalysisTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.analyzer == nil {
		return nil
	}

	snap, err := e.analyzer.Analyze(ctx, task.Path, e.language)
	if err != nil {
		return err
	}
	e.index.MarkAnalyzed(task.Path, time.Now(), &snap)
	return nil
}

// WatchDirectory starts live change tracking for one directory. Watching
// an already watched directory is a no-op.
func (e *Engine) WatchDirectory(dir string) error {
	e.mu.Lock()
	if _, ok := e.watchers[dir]; ok {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	w, err := watcher.New(dir, watcher.WithFilter(indexer.IsImage))
	if err != nil {
		return err
	}

	e.mu.Lock()
	if _, ok := e.watchers[dir]; ok {
		// Lost the race to another WatchDirectory call.
		e.mu.Unlock()
		return w.Close()
	}
	e.watchers[dir] = w
	e.mu.Unlock()

	e.wg.Add(1)
	go e.consumeEvents(dir, w)
	return nil
}

// UnwatchDirectory stops live change tracking for one directory.
func (e *Engine) UnwatchDirectory(dir string) {
	e.mu.Lock()
	w, ok := e.watchers[dir]
	if ok {
		delete(e.watchers, dir)
	}
	e.mu.Unlock()

	if ok {
		if err := w.Close(); err != nil {
			logging.Warn("Failed to close watcher for %s: %v", dir, err)
		}
	}
}

// consumeEvents applies one watcher's event stream to the index and
// queues urgent artifact work. Changes seen live outrank scan backlog,
// so these tasks are queued at high priority.
func (e *Engine) consumeEvents(dir string, w *watcher.Watcher) {
	defer e.wg.Done()

	for ev := range w.Events() {
		switch ev.Type {
		case watcher.EventCreate, watcher.EventModify:
			info, err := os.Stat(ev.Path)
			if err != nil {
				continue
			}
			e.index.UpsertFile(ev.Path, dir, info.Size(), info.ModTime())
			if e.index.NeedsThumbnail(ev.Path, info.ModTime()) {
				e.sched.QueueThumbnail(scheduler.ThumbnailTask{
					Path:       ev.Path,
					Size:       "medium",
					Priority:   scheduler.PriorityHigh,
					Regenerate: ev.Type == watcher.EventModify,
				})
			}
			if e.analyzer != nil && e.index.NeedsAnalysis(ev.Path, info.ModTime()) {
				e.sched.QueueAnalysis(scheduler.AnalysisTask{
					Path:     ev.Path,
					Priority: scheduler.PriorityHigh,
				})
			}
			e.sched.Start()

		case watcher.EventDelete:
			e.index.RemoveFile(ev.Path)
		}
	}
}

// Reconcile removes cached artifacts whose originals are gone. Removal
// is vetoed while the original's directory is mid-scan, since a scan in
// progress may not have listed the file yet.
func (e *Engine) Reconcile() (recordsRemoved, filesRemoved int) {
	safe := func(original string) bool {
		if rec, ok := e.index.File(original); ok {
			if dir, ok := e.index.Directory(rec.Directory); ok && dir.Status == scanindex.StatusScanning {
				return false
			}
		}
		return true
	}
	recordsRemoved, filesRemoved = e.store.ReconcileMissing(true, safe)
	if recordsRemoved > 0 || filesRemoved > 0 {
		logging.Info("Reconcile removed %d records, %d files", recordsRemoved, filesRemoved)
	}
	return recordsRemoved, filesRemoved
}

func (e *Engine) reconcileLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.Reconcile()
			e.store.CurrentCacheSize()
		}
	}
}

// Status is a point-in-time view of the engine for the status endpoint.
type Status struct {
	Roots           []indexer.RootStatus `json:"roots"`
	Directories     int                  `json:"directories"`
	Files           int                  `json:"files"`
	CacheRecords    int                  `json:"cacheRecords"`
	CacheSizeBytes  int64                `json:"cacheSizeBytes"`
	QueuedThumbs    int                  `json:"queuedThumbnails"`
	QueuedAnalyses  int                  `json:"queuedAnalyses"`
	Processing      bool                 `json:"processing"`
	WatchedDirCount int                  `json:"watchedDirectories"`
}

// Status snapshots the engine's state.
func (e *Engine) Status() Status {
	dirs, files := e.index.Counts()
	thumbs, analyses := e.sched.QueueDepths()

	e.mu.Lock()
	watched := len(e.watchers)
	e.mu.Unlock()

	st := Status{
		Directories:     dirs,
		Files:           files,
		CacheRecords:    e.store.Count(),
		CacheSizeBytes:  e.store.CurrentCacheSize(),
		QueuedThumbs:    thumbs,
		QueuedAnalyses:  analyses,
		Processing:      e.sched.Processing(),
		WatchedDirCount: watched,
	}
	if e.indexer != nil {
		st.Roots = e.indexer.Roots()
	}
	return st
}
