package rpc

import (
	"context"
	"sync"

	rpccp "zombiezen.com/go/capnproto2/std/capnp/rpc"
)

// Transport is the message-level boundary a Conn speaks over: whole
// rpc.capnp Messages in, whole rpc.capnp Messages out. It is deliberately
// minimal (SendMessage/RecvMessage/Close): a Conn pulls messages
// instead of being handed them by a goroutine it doesn't own.
//
// A production Transport wraps a net.Conn with capnp's packed stream
// codec; tests use NewPipeTransport, an in-memory pairing.
type Transport interface {
	SendMessage(ctx context.Context, msg rpccp.Message) error
	RecvMessage(ctx context.Context) (rpccp.Message, error)
	Close() error
}

// pipeTransport is an in-memory Transport backed by a pair of buffered
// channels, used by tests and by in-process vat pairs that don't need a
// real network. Closing either end tears down both, the way losing a
// socket does.
type pipeTransport struct {
	send chan<- rpccp.Message
	recv <-chan rpccp.Message

	closeOnce *sync.Once
	closed    chan struct{}
}

// NewPipeTransport returns two Transports, each of which delivers what
// the other sends. bufSize sets how many messages either side may have
// in flight before SendMessage blocks.
func NewPipeTransport(bufSize int) (Transport, Transport) {
	ab := make(chan rpccp.Message, bufSize)
	ba := make(chan rpccp.Message, bufSize)
	once := new(sync.Once)
	closed := make(chan struct{})
	t1 := &pipeTransport{send: ab, recv: ba, closeOnce: once, closed: closed}
	t2 := &pipeTransport{send: ba, recv: ab, closeOnce: once, closed: closed}
	return t1, t2
}

func (t *pipeTransport) SendMessage(ctx context.Context, msg rpccp.Message) error {
	select {
	case t.send <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return errDisconnected(nil)
	}
}

func (t *pipeTransport) RecvMessage(ctx context.Context) (rpccp.Message, error) {
	select {
	case msg, ok := <-t.recv:
		if !ok {
			return rpccp.Message{}, errDisconnected(nil)
		}
		return msg, nil
	case <-ctx.Done():
		return rpccp.Message{}, ctx.Err()
	case <-t.closed:
		return rpccp.Message{}, errDisconnected(nil)
	}
}

func (t *pipeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}
