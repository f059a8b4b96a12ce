// Package tasks implements the supervised background-task collection that
// a Conn uses to run its receive, send, and dispatch loops, resolve
// watchers, and call-completion and cancellation watchers "concurrently"
// with the calls a user makes explicitly.
//
// Add operations, observe their failures through a Reaper, and let the
// whole set be torn down once.
package tasks

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Reaper is notified when an operation added to a Set returns a non-nil,
// non-cancellation error. The Set itself does not stop because of it —
// only the individual operation's failure is reported, matching
// "the set continues" from the connection's failure model.
type Reaper interface {
	TaskFailed(err error)
}

// ReaperFunc adapts a plain function to a Reaper.
type ReaperFunc func(error)

// TaskFailed implements Reaper.
func (f ReaperFunc) TaskFailed(err error) { f(err) }

// Set is a dynamic collection of background operations.
type Set struct {
	reaper Reaper
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSet creates an empty Set reporting failures to reaper. If reaper is
// nil, failures are silently dropped.
func NewSet(reaper Reaper) *Set {
	ctx, cancel := context.WithCancel(context.Background())
	return &Set{
		reaper: reaper,
		group:  &errgroup.Group{},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Context is canceled once Terminate runs. Long-lived operations (the
// dispatch loop, resolve watchers) should select on it to unwind
// promptly.
func (s *Set) Context() context.Context {
	return s.ctx
}

// Add enqueues op onto its own goroutine. op should return promptly once
// s.Context() is canceled. Add after Terminate is a no-op: the operation
// is simply never started, since there is nothing left supervising it.
func (s *Set) Add(op func(ctx context.Context) error) {
	select {
	case <-s.ctx.Done():
		return
	default:
	}
	s.group.Go(func() error {
		err := op(s.ctx)
		if err != nil && err != context.Canceled {
			if s.reaper != nil {
				s.reaper.TaskFailed(err)
			}
		}
		// Always nil: a Set never fails as a whole because one of its
		// operations failed, so nothing useful would come from errgroup's
		// aggregate error.
		return nil
	})
}

// Terminate stops accepting new operations and signals Context() as done.
// In-flight operations are expected to observe that and return; Terminate
// itself does not block on them.
func (s *Set) Terminate() {
	s.cancel()
}

// Wait blocks until every operation added via Add has returned. Call
// Terminate first if you want Wait to return promptly.
func (s *Set) Wait() {
	// The errgroup's own Wait is fine to reuse even though we always
	// return nil from each task.
	_ = s.group.Wait()
}
