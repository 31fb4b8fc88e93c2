package indexer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"photo-engine/internal/scanindex"
	"photo-engine/internal/scheduler"
)

// passResolver resolves every token to itself.
type passResolver struct{}

func (passResolver) Resolve(token string) (string, error) { return token, nil }

// denyResolver rejects every token.
type denyResolver struct{}

func (denyResolver) Resolve(token string) (string, error) {
	return "", errors.New("token expired")
}

// taskRecorder collects the paths the scheduler actually executed.
type taskRecorder struct {
	mu         sync.Mutex
	thumbnails []string
	analyses   []string
}

func (r *taskRecorder) runThumbnail(_ context.Context, task scheduler.ThumbnailTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.thumbnails = append(r.thumbnails, task.Path)
	return nil
}

func (r *taskRecorder) runAnalysis(_ context.Context, task scheduler.AnalysisTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.analyses = append(r.analyses, task.Path)
	return nil
}

func (r *taskRecorder) counts() (thumbs, analyses int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.thumbnails), len(r.analyses)
}

func newTestIndexer(t *testing.T) (*Indexer, *scanindex.Index, *taskRecorder) {
	t.Helper()
	index, err := scanindex.New(t.TempDir(), 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { index.Close() })

	rec := &taskRecorder{}
	sched := scheduler.New(rec.runThumbnail, rec.runAnalysis)
	t.Cleanup(sched.Close)

	return New(index, sched, passResolver{}, WithFanout(4)), index, rec
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("img"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func scanAndWait(t *testing.T, ix *Indexer, root string) {
	t.Helper()
	ix.StartScan(root)
	ix.Wait()
}

func TestScanDiscoversTree(t *testing.T) {
	ix, index, _ := newTestIndexer(t)
	root := t.TempDir()

	writeFile(t, filepath.Join(root, "a.jpg"))
	writeFile(t, filepath.Join(root, "sub", "b.png"))
	writeFile(t, filepath.Join(root, "sub", "deep", "c.webp"))
	writeFile(t, filepath.Join(root, "notes.txt")) // not an image

	if err := ix.AddRoot(root, root); err != nil {
		t.Fatalf("AddRoot: %v", err)
	}
	scanAndWait(t, ix, root)

	dirs, files := index.Counts()
	if dirs != 3 {
		t.Errorf("indexed %d directories, want 3", dirs)
	}
	if files != 3 {
		t.Errorf("indexed %d files, want 3", files)
	}

	for _, path := range []string{root, filepath.Join(root, "sub"), filepath.Join(root, "sub", "deep")} {
		dir, ok := index.Directory(path)
		if !ok {
			t.Fatalf("directory %s not indexed", path)
		}
		if dir.Status != scanindex.StatusComplete {
			t.Errorf("directory %s status %s, want complete", path, dir.Status)
		}
		if dir.LastScan.IsZero() {
			t.Errorf("directory %s has zero lastScan", path)
		}
	}

	if dir, _ := index.Directory(root); dir.FileCount != 2 {
		t.Errorf("root fileCount %d, want 2 (txt excluded)", dir.FileCount)
	}
	if child, _ := index.Directory(filepath.Join(root, "sub")); child.Parent != root {
		t.Errorf("sub parent %q, want %q", child.Parent, root)
	}
}

func TestScanQueuesWorkForStaleFilesOnly(t *testing.T) {
	ix, index, rec := newTestIndexer(t)
	root := t.TempDir()

	fresh := filepath.Join(root, "fresh.jpg")
	stale := filepath.Join(root, "stale.jpg")
	writeFile(t, fresh)
	writeFile(t, stale)

	// Pretend fresh.jpg already has up-to-date artifacts.
	info, err := os.Stat(fresh)
	if err != nil {
		t.Fatal(err)
	}
	index.UpsertFile(fresh, root, info.Size(), info.ModTime())
	done := info.ModTime().Add(time.Second)
	index.MarkThumbnailGenerated(fresh, done)
	index.MarkAnalyzed(fresh, done, nil)

	if err := ix.AddRoot(root, root); err != nil {
		t.Fatal(err)
	}
	scanAndWait(t, ix, root)

	// Scheduler runs after the scan; wait for the queues to drain.
	deadline := time.Now().Add(2 * time.Second)
	for {
		thumbs, analyses := rec.counts()
		if thumbs == 1 && analyses == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("executed %d thumbnail and %d analysis tasks, want 1 and 1", thumbs, analyses)
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.thumbnails[0] != stale {
		t.Errorf("thumbnail queued for %s, want %s", rec.thumbnails[0], stale)
	}
	if rec.analyses[0] != stale {
		t.Errorf("analysis queued for %s, want %s", rec.analyses[0], stale)
	}
}

func TestScanSkipsHiddenEntries(t *testing.T) {
	ix, index, _ := newTestIndexer(t)
	root := t.TempDir()

	writeFile(t, filepath.Join(root, "visible.jpg"))
	writeFile(t, filepath.Join(root, ".hidden.jpg"))
	writeFile(t, filepath.Join(root, ".stash", "inside.jpg"))

	if err := ix.AddRoot(root, root); err != nil {
		t.Fatal(err)
	}
	scanAndWait(t, ix, root)

	dirs, files := index.Counts()
	if dirs != 1 {
		t.Errorf("indexed %d directories, want 1", dirs)
	}
	if files != 1 {
		t.Errorf("indexed %d files, want 1", files)
	}
}

func TestAddRootResolutionFailure(t *testing.T) {
	index, err := scanindex.New(t.TempDir(), 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer index.Close()
	rec := &taskRecorder{}
	sched := scheduler.New(rec.runThumbnail, rec.runAnalysis)
	defer sched.Close()

	ix := New(index, sched, denyResolver{})
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.jpg"))

	err = ix.AddRoot(root, root)
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("AddRoot error = %v, want ErrAccessDenied", err)
	}

	roots := ix.Roots()
	if len(roots) != 1 || !roots[0].Failed {
		t.Fatalf("root not recorded as failed: %+v", roots)
	}

	// A failed root never scans.
	scanAndWait(t, ix, root)
	if _, files := index.Counts(); files != 0 {
		t.Errorf("failed root was scanned: %d files indexed", files)
	}
}

func TestStartScanUnknownRootIsNoop(t *testing.T) {
	ix, index, _ := newTestIndexer(t)
	scanAndWait(t, ix, "/never/registered")
	if dirs, files := index.Counts(); dirs != 0 || files != 0 {
		t.Errorf("unknown root produced records: %d dirs, %d files", dirs, files)
	}
}

func TestStartScanIsIdempotentPerRoot(t *testing.T) {
	ix, index, _ := newTestIndexer(t)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.jpg"))

	if err := ix.AddRoot(root, root); err != nil {
		t.Fatal(err)
	}
	ix.StartScan(root)
	ix.StartScan(root)
	ix.StartScan(root)
	ix.Wait()

	if rec, _ := index.Directory(root); rec.FileCount != 1 {
		t.Errorf("root fileCount %d, want 1", rec.FileCount)
	}
}

func TestRemoveRootDropsDirectoriesKeepsFiles(t *testing.T) {
	ix, index, _ := newTestIndexer(t)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "sub", "a.jpg"))

	if err := ix.AddRoot(root, root); err != nil {
		t.Fatal(err)
	}
	scanAndWait(t, ix, root)

	ix.RemoveRoot(root)

	dirs, files := index.Counts()
	if dirs != 0 {
		t.Errorf("%d directory records remain after RemoveRoot", dirs)
	}
	if files != 1 {
		t.Errorf("%d file records remain, want 1 (kept for reconcile)", files)
	}
	if len(ix.Roots()) != 0 {
		t.Error("root still registered after RemoveRoot")
	}

	// Removing again is harmless.
	ix.RemoveRoot(root)
}

// mapResolver resolves tokens through a lookup table, modelling scoped
// access credentials that do not equal the registered path.
type mapResolver map[string]string

func (m mapResolver) Resolve(token string) (string, error) {
	resolved, ok := m[token]
	if !ok {
		return "", errors.New("unknown token")
	}
	return resolved, nil
}

func TestRemoveRootWithNonIdentityResolver(t *testing.T) {
	index, err := scanindex.New(t.TempDir(), 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer index.Close()
	rec := &taskRecorder{}
	sched := scheduler.New(rec.runThumbnail, rec.runAnalysis)
	defer sched.Close()

	registered := "/library/vacation"
	resolved := t.TempDir()
	writeFile(t, filepath.Join(resolved, "sub", "a.jpg"))

	ix := New(index, sched, mapResolver{"token-1": resolved}, WithFanout(4))
	if err := ix.AddRoot(registered, "token-1"); err != nil {
		t.Fatal(err)
	}
	scanAndWait(t, ix, registered)

	if dirs, _ := index.Counts(); dirs != 2 {
		t.Fatalf("scan indexed %d directories, want 2", dirs)
	}

	// Removal must drop the records keyed by the resolved tree.
	ix.RemoveRoot(registered)
	if dirs, _ := index.Counts(); dirs != 0 {
		t.Errorf("%d directory records remain after RemoveRoot", dirs)
	}
}

func TestCancelledScanLeavesDirectoryIdle(t *testing.T) {
	ix, index, _ := newTestIndexer(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.jpg"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ix.scanDirectory(ctx, dir)

	rec, ok := index.Directory(dir)
	if !ok {
		t.Fatal("directory record missing")
	}
	if rec.Status != scanindex.StatusIdle {
		t.Errorf("cancelled directory status %s, want idle", rec.Status)
	}
}

func TestStopCancelsInFlightScan(t *testing.T) {
	ix, _, _ := newTestIndexer(t)
	root := t.TempDir()
	for i := 0; i < 50; i++ {
		writeFile(t, filepath.Join(root, "d", string(rune('a'+i%26))+"x", "f.jpg"))
	}

	if err := ix.AddRoot(root, root); err != nil {
		t.Fatal(err)
	}
	ix.StartScan(root)
	ix.Stop()

	// After Stop the root must accept a fresh scan.
	scanAndWait(t, ix, root)
	roots := ix.Roots()
	if len(roots) != 1 || roots[0].Scanning {
		t.Errorf("root state after restart: %+v", roots)
	}
}
