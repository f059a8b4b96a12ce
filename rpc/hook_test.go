package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnswerSettleOnce(t *testing.T) {
	ans := newAnswer()
	select {
	case <-ans.Done():
		t.Fatal("answer reported done before settling")
	default:
	}

	want := Failedf("first")
	ans.settle(Payload{}, want)
	ans.settle(Payload{}, Failedf("second"))

	err := ans.Err()
	assert.Equal(t, want, err, "settle should keep only the first result")
}

func TestAnswerChainFrom(t *testing.T) {
	src := newAnswer()
	dst := newAnswer()
	dst.chainFrom(src)

	src.settle(Payload{}, Failedf("boom"))

	select {
	case <-dst.Done():
	case <-time.After(time.Second):
		t.Fatal("chained answer never settled")
	}
	assert.EqualError(t, dst.Err(), "boom")
}

func TestClientNullCapabilityFailsCalls(t *testing.T) {
	var c Client
	assert.False(t, c.IsValid())

	ans, pl := c.SendCall(&Call{Method: Method{InterfaceID: 1, MethodID: 2}})
	require.NotNil(t, ans)
	require.NotNil(t, pl)
	_, err := ans.Payload()
	require.Error(t, err)
	assert.Equal(t, Failed, KindOf(err))
}

func TestClientAddRefRelease(t *testing.T) {
	released := make(chan struct{})
	srv := &fakeServer{onCall: func(*Call) (Payload, error) {
		return Payload{}, nil
	}}
	c := NewLocalClient(srv)
	c2 := c.AddRef()

	go func() {
		c.Release()
		c2.Release()
		close(released)
	}()

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("release never completed")
	}
	_ = srv
}

// fakeServer adapts a closure to the Server interface for tests.
type fakeServer struct {
	onCall func(*Call) (Payload, error)
}

func (f *fakeServer) Call(ctx context.Context, call *Call) (Payload, error) {
	return f.onCall(call)
}
