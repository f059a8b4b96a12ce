package rpc

import (
	"zombiezen.com/go/capnproto2"
)

// CapTable is the ordered list of capabilities referenced by interface
// pointers inside a Payload's Content. This mirrors rpc.capnp's
// Payload.capTable: an interface pointer inside Content stores only a
// small index, and CapTable is what turns that index back into a
// ClientHook locally, or into a CapabilityDescriptor when placed on the
// wire (see capimport.go and call.go).
//
// It is deliberately a small value of our own rather than a reuse of
// zombiezen.com/go/capnproto2's Message.CapTable, since this package
// defines its own ClientHook rather than reusing that library's Client.
type CapTable struct {
	hooks []ClientHook
}

// Add appends h to the table and returns the index an interface pointer
// should reference.
func (t *CapTable) Add(h ClientHook) capnp.CapabilityID {
	t.hooks = append(t.hooks, h)
	return capnp.CapabilityID(len(t.hooks) - 1)
}

// At returns the hook at id, or nil if id is out of range.
func (t *CapTable) At(id capnp.CapabilityID) ClientHook {
	i := int(id)
	if i < 0 || i >= len(t.hooks) {
		return nil
	}
	return t.hooks[i]
}

// Len reports how many capabilities the table holds.
func (t *CapTable) Len() int { return len(t.hooks) }

// All returns the table's hooks in index order. Callers must not mutate
// the returned slice.
func (t *CapTable) All() []ClientHook { return t.hooks }

// NewCap writes an interface pointer referencing h into segment s and
// returns it, registering h in the table first. Application code (the
// schema-generated message builders this package leaves to the
// capnp toolchain) uses this to place a capability-typed field.
func (t *CapTable) NewCap(s *capnp.Segment, h ClientHook) capnp.Ptr {
	id := t.Add(h)
	return capnp.NewInterface(s, id).ToPtr()
}

// Payload pairs a content pointer with the capability table needed to
// interpret any interface pointers inside it — the in-memory analog of
// rpc.capnp's Payload struct.
type Payload struct {
	Content  capnp.Ptr
	CapTable CapTable
}

// extractHook resolves the capability reachable from p by following ops,
// a sequence of "get pointer field" steps, the same walk
// rpc.capnp's PromisedAnswer.transform describes.
func extractHook(p Payload, ops []PipelineOp) (ClientHook, error) {
	transform := make([]capnp.PipelineOp, len(ops))
	for i, op := range ops {
		transform[i] = capnp.PipelineOp{Field: op.Field}
	}
	cur, err := capnp.TransformPtr(p.Content, transform)
	if err != nil {
		return nil, annotate(err, "pipeline transform")
	}
	iface := cur.Interface()
	if !iface.IsValid() {
		return nil, Failedf("pipeline path does not resolve to a capability")
	}
	hook := p.CapTable.At(iface.Capability())
	if hook == nil {
		return nil, Failedf("pipeline path references unknown capability index %d", iface.Capability())
	}
	return hook, nil
}
