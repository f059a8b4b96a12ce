package rpc

import (
	"context"

	"github.com/capnp-go/rpc-core/rpc/internal/refcount"
)

// Server is the interface application code implements to expose a
// capability locally. Call is invoked once per incoming method call;
// LocalClient takes care of turning its result into an Answer and routing
// pipelined calls while it's in flight.
type Server interface {
	Call(ctx context.Context, call *Call) (Payload, error)
}

// Shutdowner is an optional extension a Server can implement to run
// cleanup once its last reference is released.
type Shutdowner interface {
	Shutdown()
}

// localClient is the ClientHook for a Server living in this process.
type localClient struct {
	box *refcount.Box
	srv Server
}

// NewLocalClient wraps srv as a Client.
func NewLocalClient(srv Server) Client {
	l := &localClient{srv: srv}
	l.box = refcount.New(func() {
		if s, ok := srv.(Shutdowner); ok {
			s.Shutdown()
		}
	})
	return NewClient(l)
}

func (l *localClient) Send(call *Call) (*Answer, *Pipeline) {
	ans := newAnswer()
	ans.setPipelineCaller(&localPipelineCaller{ans: ans})
	go func() {
		ctx := call.Ctx
		if ctx == nil {
			ctx = context.Background()
		}
		result, err := l.srv.Call(ctx, call)
		ans.settle(result, err)
	}()
	return ans, ans.Pipeline()
}

func (l *localClient) AddRef() ClientHook {
	l.box.Ref()
	return l
}

func (l *localClient) Release() {
	l.box.Release()
}

func (l *localClient) Brand() Brand { return Brand{} }

func (l *localClient) Resolution() (<-chan struct{}, bool) { return nil, false }

func (l *localClient) Resolved() (ClientHook, error) { return l, nil }

// localPipelineCaller accepts calls pipelined off a LocalClient's answer
// while that call is still running, holds each one until the whole call
// has finished, and then sends it to the capability at its path, without
// routing through a QueuedClient or the wire tables.
type localPipelineCaller struct {
	ans *Answer
}

func (c *localPipelineCaller) PipelineSend(ops []PipelineOp, call *Call) (*Answer, *Pipeline) {
	select {
	case <-c.ans.Done():
		return c.forward(ops, call)
	default:
	}
	result := newAnswer()
	go func() {
		<-c.ans.Done()
		hook, err := extractHook(mustPayload(c.ans), ops)
		if err != nil {
			result.settle(Payload{}, err)
			return
		}
		realAns, _ := hook.Send(call)
		result.chainFrom(realAns)
	}()
	return result, result.Pipeline()
}

func (c *localPipelineCaller) forward(ops []PipelineOp, call *Call) (*Answer, *Pipeline) {
	hook, err := extractHook(mustPayload(c.ans), ops)
	if err != nil {
		ans := newSettledAnswer(Payload{}, err)
		return ans, ans.Pipeline()
	}
	return hook.Send(call)
}
