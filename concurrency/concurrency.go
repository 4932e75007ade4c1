// Package concurrency provides the shared bounded worker pool and
// single-flight helpers: a capacity ceiling on concurrent embed/chat
// backend calls, backed by a bounded queue that rejects with
// ResourceExhausted instead of growing without bound, and single-flight
// coalescing for ingestion-by-hash and session-title generation.
package concurrency

import (
	"context"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/singleflight"

	"github.com/lexreason/legalcore"
)

// Pool bounds concurrent backend calls behind a fixed-size ants pool,
// with a bounded admission queue that rejects with ResourceExhausted
// when full.
type Pool struct {
	workers *ants.Pool
	admit   chan struct{}
}

// NewPool builds a Pool with the given concurrency ceiling and queue
// capacity.
func NewPool(concurrency, queueCapacity int) (*Pool, error) {
	if concurrency <= 0 {
		concurrency = 10
	}
	if queueCapacity <= 0 {
		queueCapacity = 100
	}
	p, err := ants.NewPool(concurrency, ants.WithNonblocking(false))
	if err != nil {
		return nil, legalcore.Wrap(legalcore.KindFatal, "creating worker pool", err)
	}
	return &Pool{workers: p, admit: make(chan struct{}, queueCapacity)}, nil
}

// Submit runs fn on the pool and returns fn's error, blocking until fn
// has returned or ctx is cancelled. Waiting for a free worker is not
// interrupted by ctx; cancellation is observed once fn has been handed
// to a worker. Returns ResourceExhausted if the admission queue is full.
func (p *Pool) Submit(ctx context.Context, fn func() error) error {
	select {
	case p.admit <- struct{}{}:
	default:
		return legalcore.New(legalcore.KindResourceExhausted, "worker pool queue is full")
	}
	defer func() { <-p.admit }()

	done := make(chan error, 1)
	err := p.workers.Submit(func() {
		done <- fn()
	})
	if err != nil {
		return legalcore.Wrap(legalcore.KindFatal, "submitting to worker pool", err)
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return legalcore.Wrap(legalcore.KindCancelled, "worker pool task cancelled", ctx.Err())
	}
}

// Release tears down the pool's goroutines. Call once at shutdown.
func (p *Pool) Release() { p.workers.Release() }

// SingleFlight coalesces concurrent callers sharing a key into one
// execution: the second caller blocks on the first's result instead of
// repeating the work.
type SingleFlight struct {
	g singleflight.Group
}

// Do runs fn for key, or waits for and returns an in-flight call's
// result if one is already running for the same key.
func (s *SingleFlight) Do(key string, fn func() (interface{}, error)) (interface{}, error, bool) {
	return s.g.Do(key, fn)
}

// Forget removes key so the next Do call starts a fresh execution
// instead of replaying a stale in-flight result.
func (s *SingleFlight) Forget(key string) { s.g.Forget(key) }
