package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lexreason/legalcore"
)

func TestPoolRunsSubmittedWork(t *testing.T) {
	p, err := NewPool(2, 10)
	if err != nil {
		t.Fatalf("creating pool: %v", err)
	}
	defer p.Release()

	var ran atomic.Bool
	if err := p.Submit(context.Background(), func() error {
		ran.Store(true)
		return nil
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !ran.Load() {
		t.Fatal("expected the submitted function to have run")
	}
}

func TestPoolPropagatesTaskError(t *testing.T) {
	p, err := NewPool(1, 10)
	if err != nil {
		t.Fatalf("creating pool: %v", err)
	}
	defer p.Release()

	want := legalcore.New(legalcore.KindTransient, "embed call failed")
	got := p.Submit(context.Background(), func() error { return want })
	if legalcore.Of(got) != legalcore.KindTransient {
		t.Fatalf("expected the task's error back, got %v", got)
	}
}

// TestPoolRejectsWhenQueueFull: a full admission queue rejects with
// ResourceExhausted instead of blocking or growing without bound.
func TestPoolRejectsWhenQueueFull(t *testing.T) {
	p, err := NewPool(1, 1)
	if err != nil {
		t.Fatalf("creating pool: %v", err)
	}
	defer p.Release()

	started := make(chan struct{})
	release := make(chan struct{})
	go p.Submit(context.Background(), func() error {
		close(started)
		<-release
		return nil
	})
	<-started

	err = p.Submit(context.Background(), func() error { return nil })
	if legalcore.Of(err) != legalcore.KindResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
	close(release)
}

func TestPoolSubmitHonoursCancellation(t *testing.T) {
	p, err := NewPool(1, 10)
	if err != nil {
		t.Fatalf("creating pool: %v", err)
	}
	defer p.Release()

	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	defer close(release)

	done := make(chan error, 1)
	go func() {
		done <- p.Submit(ctx, func() error {
			<-release
			return nil
		})
	}()

	cancel()
	select {
	case err := <-done:
		if legalcore.Of(err) != legalcore.KindCancelled {
			t.Fatalf("expected Cancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Submit did not return after cancellation")
	}
}

// TestSingleFlightCoalesces: concurrent callers sharing a key run fn once
// and all observe the same result.
func TestSingleFlightCoalesces(t *testing.T) {
	var sf SingleFlight
	var executions atomic.Int32

	gate := make(chan struct{})
	const callers = 8
	results := make([]interface{}, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err, _ := sf.Do("doc-hash", func() (interface{}, error) {
				executions.Add(1)
				<-gate
				return int64(42), nil
			})
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
			}
			results[i] = v
		}(i)
	}

	// Give every caller a chance to join the in-flight execution, then
	// let it finish.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if n := executions.Load(); n != 1 {
		t.Fatalf("expected exactly 1 execution, got %d", n)
	}
	for i, v := range results {
		if v != int64(42) {
			t.Errorf("caller %d got %v, want 42", i, v)
		}
	}
}

func TestSingleFlightForget(t *testing.T) {
	var sf SingleFlight
	var executions atomic.Int32

	run := func() {
		sf.Do("k", func() (interface{}, error) {
			executions.Add(1)
			return nil, nil
		})
	}
	run()
	sf.Forget("k")
	run()

	if n := executions.Load(); n != 2 {
		t.Fatalf("expected 2 executions after Forget, got %d", n)
	}
}
