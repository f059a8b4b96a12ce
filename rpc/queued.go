package rpc

import (
	"sync"

	"github.com/capnp-go/rpc-core/rpc/internal/refcount"
)

// Resolver is the write side of a QueuedClient: whoever is responsible for
// eventually producing the real capability (a pipeline hook waiting for
// its Answer to settle, an import waiting for its disembargo echo) calls
// Fulfill or Reject exactly once when it knows the answer.
type Resolver interface {
	// Fulfill resolves the queue to hook, taking ownership of the one
	// reference hook already holds.
	Fulfill(hook ClientHook)
	// Reject resolves the queue to a permanently broken state.
	Reject(err error)
}

type queuedState int

const (
	queuedPending queuedState = iota
	queuedResolved
	queuedBroken
)

type queuedCall struct {
	call *Call
	ans  *Answer
}

// queuedClient is a ClientHook for a capability promise whose real target
// isn't known yet: a path into an Answer that hasn't settled
// (newAnswerPipelineClient), or an import held back by a disembargo
// (embargoResolvedImport). Calls made against it queue; once Fulfill or Reject runs, the
// queue drains in FIFO order against whatever the promise settled to.
type queuedClient struct {
	mu     sync.Mutex
	state  queuedState
	target ClientHook
	err    error
	queue  []queuedCall
	done   chan struct{}
	box    *refcount.Box
}

// NewQueuedClient returns a fresh pending QueuedClient and the Resolver
// used to settle it.
func NewQueuedClient() (*queuedClient, Resolver) {
	q := &queuedClient{state: queuedPending, done: make(chan struct{})}
	q.box = refcount.New(q.releaseTarget)
	return q, &queuedResolver{q: q}
}

func (q *queuedClient) Send(call *Call) (*Answer, *Pipeline) {
	q.mu.Lock()
	switch q.state {
	case queuedResolved:
		target := q.target
		q.mu.Unlock()
		return target.Send(call)
	case queuedBroken:
		err := q.err
		q.mu.Unlock()
		ans := newSettledAnswer(Payload{}, err)
		return ans, ans.Pipeline()
	default:
		ans := newAnswer()
		q.queue = append(q.queue, queuedCall{call: call, ans: ans})
		q.mu.Unlock()
		return ans, ans.Pipeline()
	}
}

func (q *queuedClient) AddRef() ClientHook {
	q.box.Ref()
	return q
}

func (q *queuedClient) Release() {
	q.box.Release()
}

func (q *queuedClient) releaseTarget() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == queuedResolved && q.target != nil {
		q.target.Release()
	}
}

func (q *queuedClient) Brand() Brand {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == queuedResolved {
		return q.target.Brand()
	}
	return Brand{}
}

// Resolution always reports a channel: a QueuedClient exists precisely
// because its target wasn't known yet when it was created.
func (q *queuedClient) Resolution() (<-chan struct{}, bool) {
	return q.done, true
}

func (q *queuedClient) Resolved() (ClientHook, error) {
	<-q.done
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == queuedBroken {
		return nil, q.err
	}
	return q.target, nil
}

type queuedResolver struct {
	q *queuedClient
}

func (r *queuedResolver) Fulfill(hook ClientHook) {
	r.q.resolve(hook, nil)
}

func (r *queuedResolver) Reject(err error) {
	if err == nil {
		err = Failedf("queued client rejected with no error")
	}
	r.q.resolve(nil, err)
}

// resolve settles q, then drains whatever calls queued while it was
// pending against the real target, in the order they arrived.
func (q *queuedClient) resolve(hook ClientHook, err error) {
	q.mu.Lock()
	if q.state != queuedPending {
		q.mu.Unlock()
		if hook != nil {
			hook.Release()
		}
		return
	}
	pending := q.queue
	q.queue = nil
	if err != nil {
		q.state = queuedBroken
		q.err = err
	} else {
		q.state = queuedResolved
		q.target = hook
	}
	q.mu.Unlock()
	close(q.done)

	for _, qc := range pending {
		if err != nil {
			qc.ans.settle(Payload{}, err)
			continue
		}
		realAns, _ := hook.Send(qc.call)
		qc.ans.chainFrom(realAns)
	}
}
