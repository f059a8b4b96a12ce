package rpc

import (
	"context"
	"sync"

	"zombiezen.com/go/capnproto2"
)

// Method identifies a single method on a capability's interface, the
// (interfaceId, methodId) pair rpc.capnp's Call message carries.
type Method struct {
	InterfaceID uint64
	MethodID    uint16
}

// PipelineOp is one step of a path into a not-yet-arrived result: "take
// the pointer field at this index." rpc.capnp's PromisedAnswer.Op has a
// noop variant too; we only ever produce getPointerField steps and treat
// anything else as a noop when decoding (see promisedAnswerOpsFromWire).
type PipelineOp struct {
	Field uint16
}

// Call describes an invocation: which method, and either a ready-made
// Params payload (used when forwarding a call this package already
// decoded off the wire or replayed from a queue) or a callback that
// fills in a freshly allocated params struct (used when application code
// is originating the call). ParamsSize tells PlaceParams how much room
// to reserve before it runs.
type Call struct {
	Ctx         context.Context
	Method      Method
	Params      *Payload
	ParamsSize  capnp.ObjectSize
	PlaceParams func(capnp.Struct, *CapTable) error
}

// params returns this call's params Payload, building it against a fresh
// single-segment message via PlaceParams if Params wasn't already set.
func (c *Call) params() (Payload, error) {
	if c.Params != nil {
		return *c.Params, nil
	}
	if c.PlaceParams == nil {
		return Payload{}, nil
	}
	_, seg, err := capnp.NewMessage(capnp.SingleSegment(nil))
	if err != nil {
		return Payload{}, err
	}
	st, err := capnp.NewStruct(seg, c.ParamsSize)
	if err != nil {
		return Payload{}, err
	}
	var pl Payload
	if err := c.PlaceParams(st, &pl.CapTable); err != nil {
		return Payload{}, err
	}
	pl.Content = st.ToPtr()
	return pl, nil
}

// Args returns call's parameters as a Payload, the method a Server
// implementation calls to read what it was invoked with.
func (c *Call) Args() (Payload, error) { return c.params() }

// ClientHook is a polymorphic "thing you can call" — the contract every
// capability variant (local server, imported remote, broken, queued,
// pipelined) implements.
type ClientHook interface {
	// Send starts call, returning a Pipeline for forming hooks against
	// paths into the eventual result, and an Answer for the result
	// itself. Send must not block.
	Send(call *Call) (*Answer, *Pipeline)

	// AddRef returns a new reference to the same underlying hook. The
	// returned value and the receiver must each be Released independently.
	AddRef() ClientHook

	// Release drops one reference. Implementations run their cleanup
	// (table row removal, Release-message emission) only once the last
	// reference is dropped.
	Release()

	// Brand reports where this hook originates, so a Conn can recognize
	// hooks it should special-case when deciding how to describe a
	// capability on the wire.
	Brand() Brand

	// Resolution reports whether this hook is itself a promise that may
	// later collapse to a different hook. If it is not a promise, ok is
	// false. If it is, done is closed once Resolved is safe to call.
	Resolution() (done <-chan struct{}, ok bool)

	// Resolved returns the hook this one settled to, once done (from
	// Resolution) is closed. Calling it earlier is a programmer error.
	Resolved() (ClientHook, error)
}

// BrandKind distinguishes the shape of a Conn-bound hook.
type BrandKind int

const (
	// BrandNone: the hook is not tied to any particular connection.
	BrandNone BrandKind = iota
	// BrandImport: the hook is an ImportClient, a capability the peer
	// described as senderHosted or senderPromise.
	BrandImport
	// BrandQuestion: the hook is a pipeline client rooted at one of our
	// own outstanding questions.
	BrandQuestion
)

// Brand is the answer to "where did this hook come from". A Conn uses it
// when choosing a CapabilityDescriptor for an outgoing capability: hooks
// branded to the same Conn avoid a round trip by referencing the existing
// import/question id instead of exporting a fresh one.
type Brand struct {
	Conn       *Conn
	Kind       BrandKind
	ImportID   importID
	QuestionID questionID
	Transform  []PipelineOp
}

// PipelineCaller lets an Answer accept a pipelined call before the Answer
// has settled and hand it to the extracted target once it settles,
// instead of going through a QueuedClient. A LocalClient sets this on the
// answers it produces so that pipelined calls on a local answer are
// serviced locally.
type PipelineCaller interface {
	PipelineSend(transform []PipelineOp, call *Call) (*Answer, *Pipeline)
}

// Answer is the eventual result of a Call: either a Payload or an error,
// settled exactly once, with every observer getting a cheap read view.
type Answer struct {
	done   chan struct{}
	result Payload
	err    error

	mu      sync.Mutex
	settled bool
	pcaller PipelineCaller
}

// newAnswer returns an unsettled Answer.
func newAnswer() *Answer {
	return &Answer{done: make(chan struct{})}
}

// newSettledAnswer returns an Answer that is already settled.
func newSettledAnswer(result Payload, err error) *Answer {
	ans := newAnswer()
	ans.settle(result, err)
	return ans
}

// Done returns a channel closed once the Answer has settled.
func (ans *Answer) Done() <-chan struct{} { return ans.done }

// settle fulfills or fails the Answer. Only the first call has any
// effect, matching the "settled exactly once" contract.
func (ans *Answer) settle(result Payload, err error) {
	ans.mu.Lock()
	if ans.settled {
		ans.mu.Unlock()
		return
	}
	ans.settled = true
	ans.result, ans.err = result, err
	ans.pcaller = nil
	ans.mu.Unlock()
	close(ans.done)
}

// setPipelineCaller installs pc as the early-dispatch route for calls
// pipelined off this Answer, provided it hasn't already settled.
func (ans *Answer) setPipelineCaller(pc PipelineCaller) {
	ans.mu.Lock()
	if !ans.settled {
		ans.pcaller = pc
	}
	ans.mu.Unlock()
}

func (ans *Answer) pipelineCaller() PipelineCaller {
	ans.mu.Lock()
	defer ans.mu.Unlock()
	return ans.pcaller
}

// Payload blocks until the Answer settles and returns its result.
func (ans *Answer) Payload() (Payload, error) {
	<-ans.done
	return ans.result, ans.err
}

// Struct blocks until the Answer settles and returns the result's content
// as a Struct, the shape application-level generated code wants.
func (ans *Answer) Struct() (capnp.Struct, error) {
	<-ans.done
	if ans.err != nil {
		return capnp.Struct{}, ans.err
	}
	return ans.result.Content.Struct(), nil
}

// Err blocks until the Answer settles and returns its error, if any.
func (ans *Answer) Err() error {
	<-ans.done
	return ans.err
}

// chainFrom arranges for ans to settle with whatever src eventually
// settles with. Used by QueuedClient and pipeline hooks to forward a
// call's completion through an intermediary Answer.
func (ans *Answer) chainFrom(src *Answer) {
	go func() {
		result, err := src.Payload()
		ans.settle(result, err)
	}()
}

// Pipeline returns a Pipeline rooted at ans, not bound to any Conn. Use
// Conn.startCall's own Pipeline (call.go) for Conn-bound pipelining.
func (ans *Answer) Pipeline() *Pipeline {
	return &Pipeline{ans: ans}
}

// Client is a cheap handle to a ClientHook, the type user code and
// generated schema code actually pass around. Each ClientHook
// implementation owns its own reference counting (via
// rpc/internal/refcount), so Client itself carries no state beyond the
// hook pointer; AddRef/Release simply delegate.
type Client struct {
	hook ClientHook
}

// NewClient wraps hook, taking ownership of the one reference hook
// already holds (the caller should not also Release it).
func NewClient(hook ClientHook) Client {
	return Client{hook: hook}
}

// IsValid reports whether c refers to a hook at all. The zero Client is
// the null capability and always fails calls.
func (c Client) IsValid() bool { return c.hook != nil }

// Hook exposes the underlying ClientHook, for code (mainly inside this
// package) that needs to branch on Brand or Resolution.
func (c Client) Hook() ClientHook { return c.hook }

// AddRef returns a new Client referencing the same hook, incrementing its
// reference count. Safe to call on the zero Client.
func (c Client) AddRef() Client {
	if c.hook == nil {
		return Client{}
	}
	return Client{hook: c.hook.AddRef()}
}

// Release drops this Client's reference. Safe to call on the zero Client.
func (c Client) Release() {
	if c.hook != nil {
		c.hook.Release()
	}
}

// SendCall starts call against c's hook, or fails immediately with a
// "null capability" error if c is the zero Client.
func (c Client) SendCall(call *Call) (*Answer, *Pipeline) {
	if c.hook == nil {
		ans := newSettledAnswer(Payload{}, Failedf("call on null capability"))
		return ans, ans.Pipeline()
	}
	return c.hook.Send(call)
}
