package rpc

import (
	"context"

	"github.com/capnp-go/rpc-core/rpc/internal/refcount"
	"zombiezen.com/go/capnproto2"
	rpccp "zombiezen.com/go/capnproto2/std/capnp/rpc"
)

// importClient is the ClientHook for a capability the peer hosts,
// reachable on the wire as MessageTarget.importedCap(id). Whoever
// exports a capability assigns its id, so our "import" id and the
// peer's "export" id for the same capability are the same number.
type importClient struct {
	conn *Conn
	id   importID
	box  *refcount.Box
}

func (ic *importClient) Send(call *Call) (*Answer, *Pipeline) {
	return ic.conn.startCall(func(t rpccp.MessageTarget) error {
		t.SetImportedCap(uint32(ic.id))
		return nil
	}, call)
}

func (ic *importClient) AddRef() ClientHook {
	ic.box.Ref()
	return ic
}

func (ic *importClient) Release() { ic.box.Release() }

func (ic *importClient) Brand() Brand {
	return Brand{Conn: ic.conn, Kind: BrandImport, ImportID: ic.id}
}

// Resolution reports false: a senderPromise import is treated exactly
// like senderHosted (see addImport), so an importClient never itself
// transitions — handleResolveMessage swaps the import table's entry in
// place instead.
func (ic *importClient) Resolution() (<-chan struct{}, bool) { return nil, false }

func (ic *importClient) Resolved() (ClientHook, error) { return ic, nil }

// addImport returns the hook for id, creating an importRow the first
// time id is seen and bumping its wire-reference count on every decode
// after that. Must run on the actor goroutine.
func (c *Conn) addImport(id importID) ClientHook {
	if row, ok := c.tables.imports[id]; ok {
		row.vends++
		return row.client.AddRef()
	}
	ic := &importClient{conn: c, id: id}
	row := &importRow{id: id, client: ic, vends: 1}
	ic.box = refcount.New(func() {
		c.do(func() { c.dropImport(id) })
	})
	c.tables.imports[id] = row
	c.metrics.setImports(c.id(), len(c.tables.imports))
	return ic
}

// dropImport removes id's row and tells the peer how many times we used
// it, once our last local holder releases it. Must run on the actor
// goroutine.
func (c *Conn) dropImport(id importID) {
	row, ok := c.tables.imports[id]
	if !ok {
		return
	}
	delete(c.tables.imports, id)
	c.metrics.setImports(c.id(), len(c.tables.imports))
	msg, err := newReleaseMessage(exportID(id), uint32(row.vends))
	if err != nil {
		c.logger.LogError(c.id(), "build release message", err)
		return
	}
	c.sendMessage(msg)
}

// handleResolveMessage applies a Resolve message for one of our
// imports: it either swaps the import's hook for the capability the
// promise settled to, or replaces it with a BrokenClient.
func (c *Conn) handleResolveMessage(m rpccp.Message) error {
	res, err := m.Resolve()
	if err != nil {
		return err
	}
	id := importID(res.PromiseId())
	row, ok := c.tables.imports[id]
	if !ok {
		return nil
	}
	switch res.Which() {
	case rpccp.Resolve_Which_cap:
		desc, err := res.Cap()
		if err != nil {
			return err
		}
		if desc.Which() == rpccp.CapDescriptor_Which_receiverHosted {
			return c.embargoResolvedImport(row, id, exportID(desc.ReceiverHosted()))
		}
		hook, err := c.hookFromDescriptor(desc)
		if err != nil {
			return err
		}
		old := row.client
		row.client = hook
		old.Release()
	case rpccp.Resolve_Which_exception:
		exc, err := res.Exception()
		if err != nil {
			return err
		}
		rerr, err := readException(exc)
		if err != nil {
			return err
		}
		old := row.client
		row.client = &BrokenClient{err: rerr}
		old.Release()
	default:
		um, err := newUnimplementedMessage(m)
		if err != nil {
			return err
		}
		c.sendMessage(um)
	}
	return nil
}

// embargoResolvedImport runs the disembargo handshake for the case
// where a promise we imported (id) has resolved to a capability we
// ourselves export (eid). Calls we issued before the Resolve took the
// wire path through the peer, so new calls cannot jump straight to the
// local export until we've confirmed every one of those older calls
// has already been forwarded back to us. Must run on the actor
// goroutine.
func (c *Conn) embargoResolvedImport(row *importRow, id importID, eid exportID) error {
	erow, ok := c.tables.exports[eid]
	if !ok {
		old := row.client
		row.client = &BrokenClient{err: Failedf("resolve names unknown export id %d", eid)}
		old.Release()
		return nil
	}
	target := erow.client.AddRef().Hook()
	q, rv := NewQueuedClient()
	old := row.client
	row.client = q
	old.Release()

	eaid := c.ids.allocEmbargo()
	msg, d, err := newDisembargoMessage(rpccp.Disembargo_context_Which_senderLoopback, eaid)
	if err != nil {
		c.ids.releaseEmbargo(eaid)
		rv.Fulfill(target)
		return err
	}
	wtarget, err := d.NewTarget()
	if err != nil {
		c.ids.releaseEmbargo(eaid)
		rv.Fulfill(target)
		return err
	}
	wtarget.SetImportedCap(uint32(id))

	c.tables.embargoes[eaid] = &embargoRow{id: eaid, target: target, fulfill: func() {
		rv.Fulfill(target)
	}}
	c.sendMessage(msg)
	return nil
}

// descriptorForClient fills desc to describe hook as an outgoing
// capability, reusing an existing export/question id when hook is
// already branded to this Conn. Must run on the actor goroutine.
func (c *Conn) descriptorForClient(desc rpccp.CapDescriptor, hook ClientHook) error {
	if hook == nil {
		desc.SetNone()
		return nil
	}
	brand := hook.Brand()
	if brand.Conn == c {
		switch brand.Kind {
		case BrandImport:
			desc.SetReceiverHosted(uint32(brand.ImportID))
			return nil
		case BrandQuestion:
			pa, err := desc.NewReceiverAnswer()
			if err != nil {
				return err
			}
			pa.SetQuestionId(uint32(brand.QuestionID))
			ops, err := promisedAnswerOpsToWire(desc.Segment(), brand.Transform)
			if err != nil {
				return err
			}
			return pa.SetTransform(ops)
		}
	}
	if eid, ok := c.tables.exportsByClient[hook]; ok {
		row := c.tables.exports[eid]
		row.refs++
		desc.SetSenderHosted(uint32(eid))
		return nil
	}
	eid := c.ids.allocExport()
	row := &exportRow{id: eid, client: NewClient(hook.AddRef()), refs: 1}
	c.tables.exports[eid] = row
	c.tables.exportsByClient[hook] = eid
	c.metrics.setExports(c.id(), len(c.tables.exports))
	if done, isPromise := hook.Resolution(); isPromise {
		desc.SetSenderPromise(uint32(eid))
		c.sendResolveWhenSettled(eid, hook, done)
	} else {
		desc.SetSenderHosted(uint32(eid))
	}
	return nil
}

// sendResolveWhenSettled watches an exported promise and tells the peer
// what it settled to. The export row keeps holding the original hook,
// which forwards to the settled target after resolution anyway, so row
// ownership is unchanged.
func (c *Conn) sendResolveWhenSettled(eid exportID, hook ClientHook, done <-chan struct{}) {
	watched := hook.AddRef()
	c.tasks.Add(func(ctx context.Context) error {
		defer watched.Release()
		select {
		case <-ctx.Done():
			return nil
		case <-done:
		}
		resolved, rerr := watched.Resolved()
		c.do(func() { c.sendResolve(eid, resolved, rerr) })
		return nil
	})
}

// sendResolve ships the Resolve message for a settled promise export.
// Must run on the actor goroutine.
func (c *Conn) sendResolve(eid exportID, resolved ClientHook, rerr error) {
	if _, ok := c.tables.exports[eid]; !ok {
		return
	}
	msg, _, err := newMessage()
	if err != nil {
		c.logger.LogError(c.id(), "build resolve message", err)
		return
	}
	res, err := msg.NewResolve()
	if err != nil {
		c.logger.LogError(c.id(), "build resolve message", err)
		return
	}
	res.SetPromiseId(uint32(eid))
	if rerr != nil {
		exc, err := res.NewException()
		if err != nil {
			c.logger.LogError(c.id(), "build resolve exception", err)
			return
		}
		if err := writeException(exc, rerr); err != nil {
			c.logger.LogError(c.id(), "build resolve exception", err)
			return
		}
	} else {
		desc, err := res.NewCap()
		if err != nil {
			c.logger.LogError(c.id(), "build resolve capability", err)
			return
		}
		if err := c.descriptorForClient(desc, resolved); err != nil {
			c.logger.LogError(c.id(), "encode resolve capability", err)
			return
		}
	}
	c.sendMessage(msg)
}

// hookFromDescriptor decodes one incoming CapDescriptor into a
// ClientHook. Must run on the actor goroutine.
func (c *Conn) hookFromDescriptor(desc rpccp.CapDescriptor) (ClientHook, error) {
	switch desc.Which() {
	case rpccp.CapDescriptor_Which_none:
		return nil, nil
	case rpccp.CapDescriptor_Which_senderHosted:
		return c.addImport(importID(desc.SenderHosted())), nil
	case rpccp.CapDescriptor_Which_senderPromise:
		// Treated identically to senderHosted: deliveries still route
		// correctly, at the cost of extra round trips if it later
		// resolves to a capability we host ourselves.
		return c.addImport(importID(desc.SenderPromise())), nil
	case rpccp.CapDescriptor_Which_receiverHosted:
		eid := exportID(desc.ReceiverHosted())
		row, ok := c.tables.exports[eid]
		if !ok {
			return nil, Failedf("capability table references unknown export id %d", eid)
		}
		return row.client.Hook().AddRef(), nil
	case rpccp.CapDescriptor_Which_receiverAnswer:
		recvAns, err := desc.ReceiverAnswer()
		if err != nil {
			return nil, err
		}
		aid := answerID(recvAns.QuestionId())
		row, ok := c.tables.answers[aid]
		if !ok {
			return nil, Failedf("capability table references unknown answer id %d", aid)
		}
		transform, err := recvAns.Transform()
		if err != nil {
			return nil, err
		}
		ops := promisedAnswerOpsFromWire(transform)
		return newAnswerPipelineClient(row.ans, ops), nil
	default:
		return nil, errUnimplementedDescriptor
	}
}

var errUnimplementedDescriptor = Unimplementedf("unsupported capability descriptor")

// populateCapTable decodes every descriptor in payload's capTable into a
// CapTable of ClientHooks. Must run on the actor goroutine.
func (c *Conn) populateCapTable(payload rpccp.Payload) (CapTable, error) {
	var t CapTable
	descs, err := payload.CapTable()
	if err != nil {
		return t, err
	}
	for i, n := 0, descs.Len(); i < n; i++ {
		hook, err := c.hookFromDescriptor(descs.At(i))
		if err != nil {
			return t, err
		}
		t.Add(hook)
	}
	return t, nil
}

// makeCapTable encodes the hooks in t as outgoing CapDescriptors onto
// seg. Must run on the actor goroutine.
func (c *Conn) makeCapTable(seg *capnp.Segment, t *CapTable) (rpccp.CapDescriptor_List, error) {
	hooks := t.All()
	list, err := rpccp.NewCapDescriptor_List(seg, int32(len(hooks)))
	if err != nil {
		return rpccp.CapDescriptor_List{}, err
	}
	for i, hook := range hooks {
		if err := c.descriptorForClient(list.At(i), hook); err != nil {
			return rpccp.CapDescriptor_List{}, err
		}
	}
	return list, nil
}

// exportIDsFor returns the export id of each of hooks that has a row in
// the export table (whether a prior makeCapTable call just minted it or
// reused an existing row), skipping hooks that were described as an
// existing receiverHosted/receiverAnswer capability instead. Must run on
// the actor goroutine.
func (c *Conn) exportIDsFor(hooks []ClientHook) []exportID {
	var ids []exportID
	for _, h := range hooks {
		if h == nil {
			continue
		}
		if eid, ok := c.tables.exportsByClient[h]; ok {
			ids = append(ids, eid)
		}
	}
	return ids
}

// releaseExport drops refs from id's wire reference count, removing and
// releasing the row entirely once it reaches zero. Releasing more
// references than the peer holds is a protocol violation. Must run on
// the actor goroutine.
func (c *Conn) releaseExport(id exportID, refs uint32) error {
	row, ok := c.tables.exports[id]
	if !ok {
		return nil
	}
	if refs > row.refs {
		return Failedf("release of export id %d drops %d references but only %d are held", id, refs, row.refs)
	}
	row.refs -= refs
	if row.refs == 0 {
		delete(c.tables.exports, id)
		delete(c.tables.exportsByClient, row.client.Hook())
		row.client.Release()
		c.ids.releaseExport(id)
		c.metrics.setExports(c.id(), len(c.tables.exports))
	}
	return nil
}
