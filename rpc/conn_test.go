package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zombiezen.com/go/capnproto2"
)

// waitUntil polls cond until it reports true or the deadline passes,
// failing the test in the latter case. Table cleanup (Release sends,
// row teardown) happens asynchronously on a Conn's actor goroutine, so
// assertions about it need to poll rather than check once.
func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

// questionCount reads the question table's size on the actor goroutine,
// since tables must never be touched from any other goroutine.
func questionCount(c *Conn) int {
	ch := make(chan int, 1)
	c.do(func() { ch <- len(c.tables.questions) })
	select {
	case n := <-ch:
		return n
	case <-time.After(time.Second):
		return -1
	}
}

func newUint64Call(method uint16, x uint64) *Call {
	return &Call{
		Ctx:        context.Background(),
		Method:     Method{InterfaceID: 0xbeef, MethodID: method},
		ParamsSize: capnp.ObjectSize{DataSize: 8},
		PlaceParams: func(st capnp.Struct, ct *CapTable) error {
			st.SetUint64(0, x)
			return nil
		},
	}
}

// incServer answers any method with its single uint64 argument plus one
// (the "sayHello"/"op" stand-in used throughout this file, since the
// schema-generated codecs the real methods would use live outside this
// package).
type incServer struct{}

func (incServer) Call(ctx context.Context, call *Call) (Payload, error) {
	args, err := call.Args()
	if err != nil {
		return Payload{}, err
	}
	x := args.Content.Struct().Uint64(0)
	_, seg, err := capnp.NewMessage(capnp.SingleSegment(nil))
	if err != nil {
		return Payload{}, err
	}
	st, err := capnp.NewStruct(seg, capnp.ObjectSize{DataSize: 8})
	if err != nil {
		return Payload{}, err
	}
	st.SetUint64(0, x+1)
	return Payload{Content: st.ToPtr()}, nil
}

func TestConnHelloWorldRoundTrip(t *testing.T) {
	ct, st := NewPipeTransport(4)
	serverConn := NewConn(st, Options{BootstrapClient: NewLocalClient(incServer{}), Logger: nopLogger{}})
	clientConn := NewConn(ct, Options{Logger: nopLogger{}})
	defer clientConn.Close()
	defer serverConn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	root := clientConn.Bootstrap(ctx)
	ans, _ := root.SendCall(newUint64Call(1, 41))
	result, err := ans.Struct()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), result.Uint64(0))

	root.Release()

	waitUntil(t, func() bool {
		return questionCount(clientConn) == 0
	}, "client question table never drained")
}

// subServer is the capability a root bootstrap hands back for the
// pipelined-call test: getSub() returns a capability that op(x) is then
// pipelined onto.
type subServer struct{}

func (subServer) Call(ctx context.Context, call *Call) (Payload, error) {
	return incServer{}.Call(ctx, call)
}

type rootServer struct{}

func (rootServer) Call(ctx context.Context, call *Call) (Payload, error) {
	_, seg, err := capnp.NewMessage(capnp.SingleSegment(nil))
	if err != nil {
		return Payload{}, err
	}
	st, err := capnp.NewStruct(seg, capnp.ObjectSize{PointerCount: 1})
	if err != nil {
		return Payload{}, err
	}
	var ct CapTable
	iface := ct.NewCap(seg, NewLocalClient(subServer{}).Hook())
	if err := st.SetPtr(0, iface); err != nil {
		return Payload{}, err
	}
	return Payload{Content: st.ToPtr(), CapTable: ct}, nil
}

func TestConnPipelinedCallAcrossWire(t *testing.T) {
	ct, st := NewPipeTransport(4)
	serverConn := NewConn(st, Options{BootstrapClient: NewLocalClient(rootServer{}), Logger: nopLogger{}})
	clientConn := NewConn(ct, Options{Logger: nopLogger{}})
	defer clientConn.Close()
	defer serverConn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	root := clientConn.Bootstrap(ctx)
	defer root.Release()

	getSubAns, getSubPl := root.SendCall(&Call{
		Ctx:        ctx,
		Method:     Method{InterfaceID: 0xbeef, MethodID: 0},
		ParamsSize: capnp.ObjectSize{},
	})

	// Issue the second call against the not-yet-arrived result without
	// waiting for getSubAns — the heart of promise pipelining.
	subHook := getSubPl.Client([]PipelineOp{{Field: 0}})
	sub := NewClient(subHook)
	defer sub.Release()

	opAns, _ := sub.SendCall(newUint64Call(1, 6))
	opResult, err := opAns.Struct()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), opResult.Uint64(0))

	_, err = getSubAns.Payload()
	require.NoError(t, err)
}

// exportCount and importCount read table sizes on the actor goroutine,
// like questionCount.
func exportCount(c *Conn) int {
	ch := make(chan int, 1)
	c.do(func() { ch <- len(c.tables.exports) })
	select {
	case n := <-ch:
		return n
	case <-time.After(time.Second):
		return -1
	}
}

func importCount(c *Conn) int {
	ch := make(chan int, 1)
	c.do(func() { ch <- len(c.tables.imports) })
	select {
	case n := <-ch:
		return n
	case <-time.After(time.Second):
		return -1
	}
}

func TestConnCapabilityReturnAndRelease(t *testing.T) {
	ct, st := NewPipeTransport(4)
	serverConn := NewConn(st, Options{BootstrapClient: NewLocalClient(rootServer{}), Logger: nopLogger{}})
	clientConn := NewConn(ct, Options{Logger: nopLogger{}})
	defer clientConn.Close()
	defer serverConn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	root := clientConn.Bootstrap(ctx)
	defer root.Release()

	getSubAns, _ := root.SendCall(&Call{
		Method:     Method{InterfaceID: 0xbeef, MethodID: 0},
		ParamsSize: capnp.ObjectSize{},
	})
	result, err := getSubAns.Payload()
	require.NoError(t, err)

	// The server created the capability locally, so returning it minted an
	// export row there and an import row here.
	// Take over the payload's reference to the extracted capability.
	subHook, err := extractHook(result, []PipelineOp{{Field: 0}})
	require.NoError(t, err)
	sub := NewClient(subHook)

	waitUntil(t, func() bool { return exportCount(serverConn) >= 1 }, "server never exported the returned capability")
	waitUntil(t, func() bool { return importCount(clientConn) >= 1 }, "client never imported the returned capability")

	opAns, _ := sub.SendCall(newUint64Call(1, 4))
	opResult, err := opAns.Struct()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), opResult.Uint64(0))

	// Dropping the last local reference must send Release and empty both
	// tables.
	sub.Release()
	waitUntil(t, func() bool { return importCount(clientConn) == 0 }, "client import table never drained after Release")
	waitUntil(t, func() bool { return exportCount(serverConn) == 0 }, "server export table never drained after Release")
}

// shutdownServer records whether its Shutdown hook ran, so tests can
// observe that a disconnect reaps server-side state instead of leaking it.
type shutdownServer struct {
	incServer
	down chan struct{}
}

func (s *shutdownServer) Shutdown() { close(s.down) }

func TestConnTransportCloseReapsServerState(t *testing.T) {
	ct, st := NewPipeTransport(4)
	srv := &shutdownServer{down: make(chan struct{})}
	serverConn := NewConn(st, Options{BootstrapClient: NewLocalClient(srv), Logger: nopLogger{}})
	clientConn := NewConn(ct, Options{Logger: nopLogger{}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	root := clientConn.Bootstrap(ctx)
	ans, _ := root.SendCall(newUint64Call(1, 1))
	_, err := ans.Struct()
	require.NoError(t, err)

	// Drop the transport out from under both sides mid-session. The
	// server's tables must be reaped via disconnect, not leaked: its
	// bootstrap reference is released, which fires Shutdown.
	require.NoError(t, ct.Close())

	require.Error(t, serverConn.Wait())
	require.Error(t, clientConn.Wait())

	select {
	case <-srv.down:
	case <-time.After(2 * time.Second):
		t.Fatal("server bootstrap was never released after disconnect")
	}

	// Calls after disconnect fail with a Disconnected exception instead of
	// hanging.
	lateAns, _ := root.SendCall(newUint64Call(1, 2))
	_, err = lateAns.Payload()
	require.Error(t, err)
	assert.Equal(t, Disconnected, KindOf(err))
	root.Release()
}

func TestConnMalformedReturnAbortsConnection(t *testing.T) {
	ct, st := NewPipeTransport(4)
	clientConn := NewConn(ct, Options{Logger: nopLogger{}})
	defer clientConn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Stand in for a malicious/broken peer: a bare Transport that sends
	// one Return referencing a question id the client never allocated.
	msg, _, err := newMessage()
	require.NoError(t, err)
	ret, err := msg.NewReturn()
	require.NoError(t, err)
	ret.SetAnswerId(999)
	_, err = ret.NewResults()
	require.NoError(t, err)
	require.NoError(t, st.SendMessage(ctx, msg))

	waitUntil(t, func() bool {
		return clientConn.Err() != nil
	}, "connection never disconnected after a malformed Return")
	require.Error(t, clientConn.Err())
}
