package ioqueue

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Fanout runs synchronous tasks with bounded concurrency, grounded on the
// teacher's task_runner.go (errgroup.Group plus a limiter channel). It is
// used by commit (§4.5) to issue a bounded number of coalesced
// grain-range copies concurrently for throughput; it is not used by the
// read/write fast paths, which issue genuinely asynchronous I/O via
// Parent instead.
type Fanout struct {
	eg      *errgroup.Group
	limiter chan struct{}
}

// NewFanout returns a Fanout bounded to maxConcurrent simultaneous tasks,
// running under ctx (cancelled if any task returns an error).
func NewFanout(ctx context.Context, maxConcurrent int) (*Fanout, context.Context) {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	eg, gctx := errgroup.WithContext(ctx)
	return &Fanout{eg: eg, limiter: make(chan struct{}, maxConcurrent)}, gctx
}

// Go schedules task to run, blocking only long enough to acquire a slot
// within the concurrency bound.
func (f *Fanout) Go(task func() error) {
	f.limiter <- struct{}{}
	f.eg.Go(func() error {
		defer func() { <-f.limiter }()
		return task()
	})
}

// Wait blocks until every scheduled task has completed, returning the
// first error encountered, if any.
func (f *Fanout) Wait() error {
	return f.eg.Wait()
}
