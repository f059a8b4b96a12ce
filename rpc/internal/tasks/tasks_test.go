package tasks_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/capnp-go/rpc-core/rpc/internal/tasks"
)

func TestSetReapsFailures(t *testing.T) {
	var mu sync.Mutex
	var failures []error
	reaper := tasks.ReaperFunc(func(err error) {
		mu.Lock()
		failures = append(failures, err)
		mu.Unlock()
	})

	s := tasks.NewSet(reaper)
	boom := errors.New("boom")
	s.Add(func(ctx context.Context) error { return boom })
	s.Add(func(ctx context.Context) error { return nil })
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, failures, 1)
	assert.Equal(t, boom, failures[0])
}

func TestSetTerminateCancelsContext(t *testing.T) {
	s := tasks.NewSet(nil)
	started := make(chan struct{})
	var sawCancel int32
	s.Add(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		atomic.StoreInt32(&sawCancel, 1)
		return ctx.Err()
	})
	<-started
	s.Terminate()
	s.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&sawCancel))
}

func TestSetRejectsAddAfterTerminate(t *testing.T) {
	s := tasks.NewSet(nil)
	s.Terminate()
	var ran int32
	s.Add(func(ctx context.Context) error {
		atomic.StoreInt32(&ran, 1)
		return nil
	})
	s.Wait()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
}
