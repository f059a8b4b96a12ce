// Package refcount provides a small atomic reference count for values that
// must run a release callback exactly once, no matter how many holders drop
// their reference.
//
// It exists for the same reason zombiezen.com/go/capnproto2/rpc keeps a
// private refcount helper next to its Conn: export rows and the ImportClient
// handles handed out to callers are reference-counted independently of
// Go's garbage collector, because the *count* (not reachability) is what
// drives Release messages on the wire.
package refcount

import "sync/atomic"

// Box wraps a release callback behind a count that starts at 1.
type Box struct {
	n       int32
	release func()
}

// New returns a Box with count 1, calling release when the count reaches
// zero for the first time.
func New(release func()) *Box {
	return &Box{n: 1, release: release}
}

// Ref increments the count and returns the same Box, for a cheap "AddRef"
// that doesn't need a new allocation.
func (b *Box) Ref() *Box {
	atomic.AddInt32(&b.n, 1)
	return b
}

// Release decrements the count. It reports whether this call was the one
// that drove the count to zero (and therefore ran release).
func (b *Box) Release() bool {
	if atomic.AddInt32(&b.n, -1) == 0 {
		if b.release != nil {
			b.release()
		}
		return true
	}
	return false
}

// Count returns the current reference count. Intended for diagnostics and
// tests; callers should not otherwise branch on it.
func (b *Box) Count() int32 {
	return atomic.LoadInt32(&b.n)
}
