package rpc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHook is a ClientHook that records the method id of each call in
// the order Send receives them, so tests can assert on ordering.
type recordingHook struct {
	mu    sync.Mutex
	order []int
}

func (r *recordingHook) Send(call *Call) (*Answer, *Pipeline) {
	r.mu.Lock()
	r.order = append(r.order, int(call.Method.MethodID))
	r.mu.Unlock()
	ans := newSettledAnswer(Payload{}, nil)
	return ans, ans.Pipeline()
}

func (r *recordingHook) AddRef() ClientHook                  { return r }
func (r *recordingHook) Release()                            {}
func (r *recordingHook) Brand() Brand                        { return Brand{} }
func (r *recordingHook) Resolution() (<-chan struct{}, bool) { return nil, false }
func (r *recordingHook) Resolved() (ClientHook, error)       { return r, nil }

func TestQueuedClientPreservesEnqueueOrder(t *testing.T) {
	q, rv := NewQueuedClient()

	const n = 20
	anss := make([]*Answer, n)
	for i := 0; i < n; i++ {
		ans, _ := q.Send(&Call{Method: Method{InterfaceID: 1, MethodID: uint16(i)}})
		anss[i] = ans
	}

	target := &recordingHook{}
	rv.Fulfill(target)

	// A call issued after resolution must be delivered after every
	// queued call.
	postAns, _ := q.Send(&Call{Method: Method{InterfaceID: 1, MethodID: 99}})

	for i, ans := range anss {
		select {
		case <-ans.Done():
		case <-time.After(time.Second):
			t.Fatalf("queued call %d never settled", i)
		}
	}
	select {
	case <-postAns.Done():
	case <-time.After(time.Second):
		t.Fatal("post-resolution call never settled")
	}

	target.mu.Lock()
	defer target.mu.Unlock()
	require.Len(t, target.order, n+1)
	for i := 0; i < n; i++ {
		assert.Equal(t, i, target.order[i], "backing hook must see calls in enqueue order")
	}
	assert.Equal(t, 99, target.order[n], "post-resolution call must come after every queued call")
}

func TestQueuedClientRejectFailsQueuedCalls(t *testing.T) {
	q, rv := NewQueuedClient()

	ans1, _ := q.Send(&Call{Method: Method{InterfaceID: 1, MethodID: 1}})
	ans2, _ := q.Send(&Call{Method: Method{InterfaceID: 1, MethodID: 2}})

	rv.Reject(Failedf("backing promise broke"))

	_, err1 := ans1.Payload()
	_, err2 := ans2.Payload()
	require.Error(t, err1)
	require.Error(t, err2)

	// Once broken, further calls fail immediately too.
	ans3, _ := q.Send(&Call{Method: Method{InterfaceID: 1, MethodID: 3}})
	_, err3 := ans3.Payload()
	require.Error(t, err3)
}

func TestQueuedClientPassesThroughAfterResolution(t *testing.T) {
	q, rv := NewQueuedClient()
	target := &recordingHook{}
	rv.Fulfill(target)

	ans, _ := q.Send(&Call{Method: Method{InterfaceID: 1, MethodID: 1}})
	_, err := ans.Payload()
	require.NoError(t, err)

	target.mu.Lock()
	defer target.mu.Unlock()
	assert.Len(t, target.order, 1)
}
