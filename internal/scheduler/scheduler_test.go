package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleRunsOnce(t *testing.T) {
	s := New(2)
	defer s.Stop()

	var ran int32
	done := make(chan struct{})

	s.Schedule(func(ctx context.Context) {
		atomic.AddInt32(&ran, 1)
		close(done)
	}, ScheduleOptions{In: 10 * time.Millisecond})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run in time")
	}

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatalf("expected task to run exactly once, ran %d times", ran)
	}
}

func TestScheduleRepeat(t *testing.T) {
	s := New(1)
	defer s.Stop()

	var count int32
	s.Schedule(func(ctx context.Context) {
		atomic.AddInt32(&count, 1)
	}, ScheduleOptions{In: 5 * time.Millisecond, Repeat: 15 * time.Millisecond})

	time.Sleep(200 * time.Millisecond)
	if atomic.LoadInt32(&count) < 3 {
		t.Fatalf("expected repeat to fire several times, got %d", count)
	}
}

func TestCancelPreventsRun(t *testing.T) {
	s := New(1)
	defer s.Stop()

	var ran int32
	h := s.Schedule(func(ctx context.Context) {
		atomic.AddInt32(&ran, 1)
	}, ScheduleOptions{In: 30 * time.Millisecond})

	h.Cancel()
	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&ran) != 0 {
		t.Fatalf("expected cancelled task not to run, ran %d times", ran)
	}
}

func TestStrandSerializesJobs(t *testing.T) {
	s := New(4)
	defer s.Stop()

	var mu sync.Mutex
	var active int
	var maxActive int

	task := func(ctx context.Context) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		s.Schedule(func(ctx context.Context) {
			defer wg.Done()
			task(ctx)
		}, ScheduleOptions{In: time.Duration(i) * time.Millisecond, Strand: "checkpoint"})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if maxActive > 1 {
		t.Fatalf("expected strand to serialize jobs to a single worker, saw %d concurrent", maxActive)
	}
}
