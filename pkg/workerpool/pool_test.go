package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsEveryTask(t *testing.T) {
	var sum atomic.Int64
	var mu sync.Mutex
	results := map[string]Result{}

	p, err := New[int](Config{Workers: 3, QueueSize: 16}, func(ctx context.Context, n int) error {
		sum.Add(int64(n))
		return nil
	}, func(r Result) {
		mu.Lock()
		defer mu.Unlock()
		results[r.TaskID] = r
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Start()

	for i := 1; i <= 10; i++ {
		if err := p.Submit(context.Background(), &Task[int]{ID: fmt.Sprint(i), Payload: i}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	p.Stop()

	if sum.Load() != 55 {
		t.Errorf("sum = %d, want 55", sum.Load())
	}
	if len(results) != 10 {
		t.Errorf("got %d results", len(results))
	}
	if s := p.Stats(); s.TasksCompleted != 10 || s.TasksFailed != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestPoolRetries(t *testing.T) {
	var calls atomic.Int32
	done := make(chan Result, 1)

	p, err := New[string](Config{Workers: 1, QueueSize: 1, MaxRetries: 2, RetryDelay: time.Millisecond}, func(ctx context.Context, _ string) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, func(r Result) { done <- r }, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Start()
	defer p.Stop()

	if err := p.TrySubmit(&Task[string]{ID: "a"}); err != nil {
		t.Fatalf("TrySubmit: %v", err)
	}
	r := <-done
	if r.Err != nil || r.Attempts != 3 {
		t.Errorf("result = %+v", r)
	}
}

func TestPoolGivesUp(t *testing.T) {
	done := make(chan Result, 1)
	boom := errors.New("boom")

	p, _ := New[string](Config{Workers: 1, QueueSize: 1, MaxRetries: 1, RetryDelay: time.Millisecond}, func(context.Context, string) error {
		return boom
	}, func(r Result) { done <- r }, nil)
	p.Start()
	defer p.Stop()

	_ = p.TrySubmit(&Task[string]{ID: "a"})
	r := <-done
	if !errors.Is(r.Err, boom) || r.Attempts != 2 {
		t.Errorf("result = %+v", r)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p, _ := New[int](DefaultConfig(), func(context.Context, int) error { return nil }, nil, nil)
	p.Start()
	p.Stop()
	p.Stop()

	if err := p.TrySubmit(&Task[int]{ID: "x"}); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestNewRequiresFunc(t *testing.T) {
	if _, err := New[int](DefaultConfig(), nil, nil, nil); err == nil {
		t.Error("expected error")
	}
}

func TestIsHealthyTracksQueueHeadroom(t *testing.T) {
	p, err := New[int](Config{Workers: 1, QueueSize: 10}, func(context.Context, int) error { return nil }, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !p.IsHealthy() {
		t.Fatal("empty pool reported unhealthy")
	}
	// not started: tasks stay queued
	for i := 0; i < 9; i++ {
		if err := p.TrySubmit(&Task[int]{ID: fmt.Sprint(i), Payload: i}); err != nil {
			t.Fatalf("TrySubmit: %v", err)
		}
	}
	if p.IsHealthy() {
		t.Errorf("pool with 9/10 queued reported healthy")
	}
	p.Start()
	p.Stop()
	if !p.IsHealthy() {
		t.Errorf("drained pool reported unhealthy")
	}
}
