package rpc

import (
	"context"

	"golang.org/x/net/trace"
)

// traceEvent wraps a golang.org/x/net/trace.Trace so callers can treat a
// disabled traceEvent (the nil case) as a no-op.
type traceEvent struct {
	tr trace.Trace
}

// traceQuestion starts a /debug/requests event for a question this Conn
// is sending, so it shows up next to method/target details as the call
// progresses.
func traceQuestion(connID string, qid questionID, meth Method) traceEvent {
	tr := trace.New("capnp.rpc.question", connID)
	tr.LazyPrintf("question=%d interface=%#x method=%d", qid, meth.InterfaceID, meth.MethodID)
	return traceEvent{tr: tr}
}

// traceAnswer starts a /debug/requests event for a Call message this Conn
// received and is dispatching locally.
func traceAnswer(connID string, aid answerID, meth Method) traceEvent {
	tr := trace.New("capnp.rpc.answer", connID)
	tr.LazyPrintf("answer=%d interface=%#x method=%d", aid, meth.InterfaceID, meth.MethodID)
	return traceEvent{tr: tr}
}

func (e traceEvent) errorf(format string, args ...interface{}) {
	if e.tr == nil {
		return
	}
	e.tr.LazyPrintf(format, args...)
	e.tr.SetError()
}

func (e traceEvent) finish() {
	if e.tr == nil {
		return
	}
	e.tr.Finish()
}

// withTrace attaches tr to ctx where trace.FromContext callers expect
// to find it.
func withTrace(ctx context.Context, e traceEvent) context.Context {
	if e.tr == nil {
		return ctx
	}
	return trace.NewContext(ctx, e.tr)
}
