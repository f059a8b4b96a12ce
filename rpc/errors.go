package rpc

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
	rpccp "zombiezen.com/go/capnproto2/std/capnp/rpc"
)

// Kind classifies an RPC error the way rpc.capnp's Exception.Type does.
// It is not a Go error type in itself; it is the question "what kind of
// problem was this", orthogonal to the error's message.
type Kind int

const (
	// Failed is an ordinary application error: surfaced to the caller
	// verbatim, with no special handling by the connection.
	Failed Kind = iota
	// Overloaded means the peer refused temporarily; safe to retry. The
	// core never retries on its own; retry policy belongs to the caller.
	Overloaded
	// Disconnected means the connection is gone; every outstanding and
	// future operation on it fails with a Disconnected exception.
	Disconnected
	// Unimplemented means the method or message kind is unknown to the
	// peer or to us.
	Unimplemented
)

func (k Kind) String() string {
	switch k {
	case Failed:
		return "failed"
	case Overloaded:
		return "overloaded"
	case Disconnected:
		return "disconnected"
	case Unimplemented:
		return "unimplemented"
	default:
		return "failed"
	}
}

// wireType maps Kind to the generated rpc.capnp Exception.Type enum so
// exceptions can be placed directly onto a Return or Abort message.
func (k Kind) wireType() rpccp.Exception_Type {
	switch k {
	case Overloaded:
		return rpccp.Exception_Type_overloaded
	case Disconnected:
		return rpccp.Exception_Type_disconnected
	case Unimplemented:
		return rpccp.Exception_Type_unimplemented
	default:
		return rpccp.Exception_Type_failed
	}
}

// kindFromWire is the inverse of wireType, used when decoding an
// Exception read off the wire from a peer.
func kindFromWire(t rpccp.Exception_Type) Kind {
	switch t {
	case rpccp.Exception_Type_overloaded:
		return Overloaded
	case rpccp.Exception_Type_disconnected:
		return Disconnected
	case rpccp.Exception_Type_unimplemented:
		return Unimplemented
	default:
		return Failed
	}
}

// Exception is an error carrying an RPC Kind, the way every error that
// crosses a connection boundary must. Local errors are wrapped into one
// when they're placed on a Return or Abort message; errors read off the
// wire are decoded into one.
type Exception struct {
	kind  Kind
	cause error
}

// NewException wraps cause with the given kind. If cause is nil, the
// Exception's message is just kind.String().
func NewException(kind Kind, cause error) *Exception {
	return &Exception{kind: kind, cause: cause}
}

// Failedf builds a Failed exception from a format string, the common case
// for application-level errors raised inside this package.
func Failedf(format string, args ...interface{}) *Exception {
	return &Exception{kind: Failed, cause: fmt.Errorf(format, args...)}
}

// Disconnectedf builds a Disconnected exception.
func Disconnectedf(format string, args ...interface{}) *Exception {
	return &Exception{kind: Disconnected, cause: fmt.Errorf(format, args...)}
}

// Overloadedf builds an Overloaded exception.
func Overloadedf(format string, args ...interface{}) *Exception {
	return &Exception{kind: Overloaded, cause: fmt.Errorf(format, args...)}
}

// Unimplementedf builds an Unimplemented exception.
func Unimplementedf(format string, args ...interface{}) *Exception {
	return &Exception{kind: Unimplemented, cause: fmt.Errorf(format, args...)}
}

// Error implements error.
func (e *Exception) Error() string {
	if e.cause == nil {
		return e.kind.String()
	}
	return e.cause.Error()
}

// Kind reports the exception's RPC error kind.
func (e *Exception) Kind() Kind { return e.kind }

// Cause implements github.com/pkg/errors' Causer, so errors.Cause(e)
// unwraps to whatever local error we annotated.
func (e *Exception) Cause() error { return e.cause }

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *Exception) Unwrap() error { return e.cause }

// KindOf classifies err the way the connection needs to when deciding
// how to react to a failure: walks pkg/errors cause chains one wrapper at
// a time and returns the Kind of the first (outermost) Exception found,
// defaulting to Failed for ordinary errors that never passed through
// this package.
func KindOf(err error) Kind {
	for err != nil {
		if exc, ok := err.(*Exception); ok {
			return exc.kind
		}
		causer, ok := err.(interface{ Cause() error })
		if !ok {
			break
		}
		err = causer.Cause()
	}
	return Failed
}

// annotate wraps err with additional context using pkg/errors, preserving
// whatever Kind it carried (annotate is meant for errors we are about to
// return to a caller, not for errors we're about to put on the wire).
func annotate(err error, context string) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrap(err, context)
}

// writeException fills a wire Exception builder from err.
func writeException(dst rpccp.Exception, err error) error {
	dst.SetType(KindOf(err).wireType())
	return dst.SetReason(err.Error())
}

// readException converts a wire Exception reader into an *Exception.
func readException(src rpccp.Exception) (*Exception, error) {
	reason, err := src.Reason()
	if err != nil {
		return nil, err
	}
	kind := kindFromWire(src.Type())
	return &Exception{kind: kind, cause: fmt.Errorf("%s", reason)}, nil
}

// errDisconnected is the canonical error every table row is failed with
// once a Conn transitions to disconnected.
func errDisconnected(cause error) *Exception {
	if cause == nil {
		return Disconnectedf("disconnected")
	}
	return NewException(Disconnected, cause)
}
