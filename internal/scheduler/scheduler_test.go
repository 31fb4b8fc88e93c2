package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recorder collects executed task paths in order.
type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) add(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func TestPriorityOrderingWithStableTies(t *testing.T) {
	rec := &recorder{}
	s := New(
		func(_ context.Context, task ThumbnailTask) error {
			rec.add(task.Path)
			return nil
		},
		func(_ context.Context, _ AnalysisTask) error { return nil },
	)
	defer s.Close()

	// Queued as [low, high-1, normal, high-2]: both highs drain before
	// normal, normal before low, and the highs keep enqueue order.
	s.QueueThumbnail(ThumbnailTask{Path: "low", Priority: PriorityLow})
	s.QueueThumbnail(ThumbnailTask{Path: "high-1", Priority: PriorityHigh})
	s.QueueThumbnail(ThumbnailTask{Path: "normal", Priority: PriorityNormal})
	s.QueueThumbnail(ThumbnailTask{Path: "high-2", Priority: PriorityHigh})

	s.Start()
	s.Wait()

	want := []string{"high-1", "high-2", "normal", "low"}
	got := rec.get()
	if len(got) != len(want) {
		t.Fatalf("executed %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("executed %v, want %v", got, want)
		}
	}
}

func TestAlternatesThumbnailAndAnalysis(t *testing.T) {
	rec := &recorder{}
	s := New(
		func(_ context.Context, task ThumbnailTask) error {
			rec.add("t:" + task.Path)
			return nil
		},
		func(_ context.Context, task AnalysisTask) error {
			rec.add("a:" + task.Path)
			return nil
		},
	)
	defer s.Close()

	for _, p := range []string{"1", "2", "3"} {
		s.QueueThumbnail(ThumbnailTask{Path: p, Priority: PriorityNormal})
		s.QueueAnalysis(AnalysisTask{Path: p, Priority: PriorityNormal})
	}

	s.Start()
	s.Wait()

	want := []string{"t:1", "a:1", "t:2", "a:2", "t:3", "a:3"}
	got := rec.get()
	if len(got) != len(want) {
		t.Fatalf("executed %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("executed %v, want %v", got, want)
		}
	}
}

func TestAnalysisBacklogDoesNotStarveThumbnails(t *testing.T) {
	rec := &recorder{}
	s := New(
		func(_ context.Context, task ThumbnailTask) error {
			rec.add("t:" + task.Path)
			return nil
		},
		func(_ context.Context, task AnalysisTask) error {
			rec.add("a:" + task.Path)
			return nil
		},
	)
	defer s.Close()

	for i := 0; i < 10; i++ {
		s.QueueAnalysis(AnalysisTask{Path: "bulk", Priority: PriorityNormal})
	}
	s.QueueThumbnail(ThumbnailTask{Path: "urgent", Priority: PriorityNormal})

	s.Start()
	s.Wait()

	got := rec.get()
	if len(got) == 0 || got[0] != "t:urgent" {
		t.Errorf("thumbnail should run in the first iteration, got %v", got[:min(3, len(got))])
	}
}

func TestStartIsSingleFlight(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 10)

	s := New(
		func(_ context.Context, _ ThumbnailTask) error {
			started <- struct{}{}
			<-block
			return nil
		},
		func(_ context.Context, _ AnalysisTask) error { return nil },
	)
	defer s.Close()

	s.QueueThumbnail(ThumbnailTask{Path: "only", Priority: PriorityNormal})
	for i := 0; i < 5; i++ {
		s.Start()
	}

	<-started
	select {
	case <-started:
		t.Fatal("a second processing loop executed the same queue")
	case <-time.After(50 * time.Millisecond):
	}
	close(block)
	s.Wait()
}

func TestFailedTaskDoesNotStopTheLoop(t *testing.T) {
	rec := &recorder{}
	s := New(
		func(_ context.Context, task ThumbnailTask) error {
			rec.add(task.Path)
			if task.Path == "bad" {
				return errors.New("decode failed")
			}
			return nil
		},
		func(_ context.Context, _ AnalysisTask) error { return nil },
	)
	defer s.Close()

	s.QueueThumbnail(ThumbnailTask{Path: "bad", Priority: PriorityHigh})
	s.QueueThumbnail(ThumbnailTask{Path: "good", Priority: PriorityNormal})

	s.Start()
	s.Wait()

	got := rec.get()
	if len(got) != 2 || got[1] != "good" {
		t.Errorf("loop did not continue past failure: %v", got)
	}
}

func TestPauseStopsBetweenTasks(t *testing.T) {
	rec := &recorder{}
	gate := make(chan struct{})
	inFlight := make(chan struct{})
	s := New(
		func(_ context.Context, task ThumbnailTask) error {
			rec.add(task.Path)
			if task.Path == "first" {
				inFlight <- struct{}{}
				<-gate
			}
			return nil
		},
		func(_ context.Context, _ AnalysisTask) error { return nil },
	)
	defer s.Close()

	s.QueueThumbnail(ThumbnailTask{Path: "first", Priority: PriorityNormal})
	s.QueueThumbnail(ThumbnailTask{Path: "second", Priority: PriorityNormal})

	s.Start()
	// Pause while the first task is in flight: it must finish, the
	// second must not start.
	<-inFlight
	s.Pause()
	close(gate)
	s.Wait()

	got := rec.get()
	if len(got) != 1 || got[0] != "first" {
		t.Errorf("expected only the in-flight task to run, got %v", got)
	}
	if thumbs, _ := s.QueueDepths(); thumbs != 1 {
		t.Errorf("second task should remain queued, depth = %d", thumbs)
	}

	// Start resumes after a pause.
	s.Start()
	s.Wait()
	if got := rec.get(); len(got) != 2 {
		t.Errorf("resume did not drain the queue: %v", got)
	}
}

func TestEnqueueWhileProcessingIsPickedUp(t *testing.T) {
	rec := &recorder{}
	var once sync.Once
	s := New(nil, nil)
	s.runThumbnail = func(_ context.Context, task ThumbnailTask) error {
		rec.add(task.Path)
		once.Do(func() {
			s.QueueThumbnail(ThumbnailTask{Path: "late", Priority: PriorityNormal})
		})
		return nil
	}
	s.runAnalysis = func(_ context.Context, _ AnalysisTask) error { return nil }
	defer s.Close()

	s.QueueThumbnail(ThumbnailTask{Path: "early", Priority: PriorityNormal})
	s.Start()
	s.Wait()

	got := rec.get()
	if len(got) != 2 || got[1] != "late" {
		t.Errorf("task enqueued mid-loop was not processed: %v", got)
	}
}
