package scheduler

import (
	"context"
	"sync"
	"time"

	"photo-engine/internal/logging"
	"photo-engine/internal/metrics"
)

// Priority orders queued tasks. Higher runs first; equal priorities keep
// arrival order.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ThumbnailTask requests generation of one thumbnail.
type ThumbnailTask struct {
	Path       string
	Size       string
	Priority   Priority
	Regenerate bool
}

// AnalysisTask requests an AI analysis pass over one image.
type AnalysisTask struct {
	Path     string
	Priority Priority
}

// ThumbnailFunc executes a thumbnail task.
type ThumbnailFunc func(ctx context.Context, task ThumbnailTask) error

// AnalysisFunc executes an analysis task.
type AnalysisFunc func(ctx context.Context, task AnalysisTask) error

// Scheduler is a priority-queued, single-flight background executor for
// thumbnail and analysis work. The processing loop alternates one
// thumbnail task with one analysis task so cheap, latency-sensitive
// thumbnail work is never starved by an analysis backlog.
type Scheduler struct {
	runThumbnail ThumbnailFunc
	runAnalysis  AnalysisFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	thumbnails []ThumbnailTask
	analyses   []AnalysisTask
	processing bool
	paused     bool
	idle       chan struct{} // closed whenever the loop exits; replaced on start
}

// New creates a scheduler with the given task executors.
func New(runThumbnail ThumbnailFunc, runAnalysis AnalysisFunc) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &Scheduler{
		runThumbnail: runThumbnail,
		runAnalysis:  runAnalysis,
		ctx:          ctx,
		cancel:       cancel,
		idle:         idle,
	}
}

// QueueThumbnail enqueues a thumbnail task. Safe to call at any time,
// including while the loop is processing.
func (s *Scheduler) QueueThumbnail(task ThumbnailTask) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.thumbnails = insertByPriority(s.thumbnails, task, func(t ThumbnailTask) Priority { return t.Priority })
	metrics.SchedulerQueueDepth.WithLabelValues("thumbnail").Set(float64(len(s.thumbnails)))
}

// QueueAnalysis enqueues an analysis task.
func (s *Scheduler) QueueAnalysis(task AnalysisTask) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.analyses = insertByPriority(s.analyses, task, func(t AnalysisTask) Priority { return t.Priority })
	metrics.SchedulerQueueDepth.WithLabelValues("analysis").Set(float64(len(s.analyses)))
}

// insertByPriority places a task after all entries of greater or equal
// priority. This stable insertion keeps arrival order within a priority
// band instead of re-sorting the whole queue.
func insertByPriority[T any](queue []T, task T, priority func(T) Priority) []T {
	pos := len(queue)
	for i, existing := range queue {
		if priority(existing) < priority(task) {
			pos = i
			break
		}
	}
	queue = append(queue, task)
	copy(queue[pos+1:], queue[pos:])
	queue[pos] = task
	return queue
}

// Start begins the processing loop. It is a no-op if a loop is already
// running; concurrent calls are absorbed, so the loop is strictly
// single-flight. Start also clears a previous pause.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.paused = false
	if s.processing {
		return
	}
	s.processing = true
	s.idle = make(chan struct{})
	go s.loop(s.idle)
}

// Pause cooperatively stops the loop between tasks. In-flight work is
// never aborted.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Close cancels the task context and pauses the loop.
func (s *Scheduler) Close() {
	s.Pause()
	s.cancel()
}

// Wait blocks until the current processing loop exits (queue exhaustion
// or pause). Intended for tests and shutdown.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	<-idle
}

// QueueDepths returns the current number of waiting tasks per queue.
func (s *Scheduler) QueueDepths() (thumbnails, analyses int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.thumbnails), len(s.analyses)
}

// Processing reports whether the loop is currently running.
func (s *Scheduler) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// loop drains both queues, alternating one thumbnail task with one
// analysis task per iteration. A failed task is logged and the loop
// moves on; nothing is retried automatically.
func (s *Scheduler) loop(idle chan struct{}) {
	defer close(idle)

	for {
		s.mu.Lock()
		if s.paused || (len(s.thumbnails) == 0 && len(s.analyses) == 0) {
			s.processing = false
			s.mu.Unlock()
			return
		}

		var thumb *ThumbnailTask
		if len(s.thumbnails) > 0 {
			t := s.thumbnails[0]
			s.thumbnails = s.thumbnails[1:]
			thumb = &t
		}
		metrics.SchedulerQueueDepth.WithLabelValues("thumbnail").Set(float64(len(s.thumbnails)))
		s.mu.Unlock()

		if thumb != nil {
			s.execute("thumbnail", thumb.Path, func(ctx context.Context) error {
				return s.runThumbnail(ctx, *thumb)
			})
		}

		s.mu.Lock()
		if s.paused {
			s.processing = false
			s.mu.Unlock()
			return
		}
		var analysis *AnalysisTask
		if len(s.analyses) > 0 {
			t := s.analyses[0]
			s.analyses = s.analyses[1:]
			analysis = &t
		}
		metrics.SchedulerQueueDepth.WithLabelValues("analysis").Set(float64(len(s.analyses)))
		s.mu.Unlock()

		if analysis != nil {
			s.execute("analysis", analysis.Path, func(ctx context.Context) error {
				return s.runAnalysis(ctx, *analysis)
			})
		}
	}
}

func (s *Scheduler) execute(queue, path string, run func(context.Context) error) {
	start := time.Now()
	err := run(s.ctx)
	metrics.SchedulerTaskDuration.WithLabelValues(queue).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.SchedulerTasksTotal.WithLabelValues(queue, "error").Inc()
		logging.Warn("%s task failed for %s: %v", queue, path, err)
		return
	}
	metrics.SchedulerTasksTotal.WithLabelValues(queue, "ok").Inc()
}
