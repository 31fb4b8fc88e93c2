package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"photo-engine/internal/logging"
)

// SnapshotFunc marshals the current state of an index. It is called at
// write time, never at schedule time, so the write always reflects the
// latest state. Implementations must take their own lock and return an
// independent byte slice.
type SnapshotFunc func() ([]byte, error)

// DebouncedWriter coalesces bursts of mutations into a single atomic
// snapshot write. Every Kick restarts the delay; only the final state of
// a burst reaches disk.
type DebouncedWriter struct {
	path     string
	delay    time.Duration
	snapshot SnapshotFunc
	onWrite  func(error)

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
	wg     sync.WaitGroup
}

// NewDebouncedWriter creates a writer targeting path. The snapshot
// function supplies the bytes to persist.
func NewDebouncedWriter(path string, delay time.Duration, snapshot SnapshotFunc) *DebouncedWriter {
	return &DebouncedWriter{
		path:     path,
		delay:    delay,
		snapshot: snapshot,
	}
}

// SetOnWrite registers a callback invoked after every write attempt with
// its result. Used for metrics; may be nil.
func (w *DebouncedWriter) SetOnWrite(fn func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onWrite = fn
}

// Kick schedules a write after the debounce delay, cancelling any
// previously scheduled write.
func (w *DebouncedWriter) Kick() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if w.timer != nil && w.timer.Stop() {
		w.wg.Done()
	}
	w.wg.Add(1)
	w.timer = time.AfterFunc(w.delay, func() {
		defer w.wg.Done()
		w.write()
	})
}

// Flush cancels any pending write and persists the current snapshot
// immediately.
func (w *DebouncedWriter) Flush() error {
	w.mu.Lock()
	if w.timer != nil && w.timer.Stop() {
		w.wg.Done()
	}
	w.timer = nil
	w.mu.Unlock()

	return w.write()
}

// Close flushes pending state and prevents further scheduling.
func (w *DebouncedWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil && w.timer.Stop() {
		w.wg.Done()
	}
	w.timer = nil
	w.mu.Unlock()

	w.wg.Wait()
	return w.write()
}

// write marshals the snapshot and replaces the target file atomically
// (temp file plus rename), so readers never observe a torn index.
func (w *DebouncedWriter) write() error {
	data, err := w.snapshot()
	if err == nil {
		err = atomicWrite(w.path, data)
	}

	w.mu.Lock()
	onWrite := w.onWrite
	w.mu.Unlock()
	if onWrite != nil {
		onWrite(err)
	}

	if err != nil {
		logging.Error("Failed to persist %s: %v", w.path, err)
		return err
	}
	logging.Debug("Persisted snapshot: %s (%d bytes)", w.path, len(data))
	return nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
