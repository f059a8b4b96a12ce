package rpc

// questionID, answerID, exportID, importID, and embargoID are the four
// wire-visible id spaces rpc.capnp defines (Call.questionId,
// Return.answerId, CapDescriptor's senderHosted/receiverHosted ids, and
// Disembargo.embargoId). answerId and questionId share one numbering:
// whichever side sent the Call picks the questionId, and the answering
// side echoes it back unchanged as the Return's answerId.
type questionID uint32
type answerID uint32
type exportID uint32
type importID uint32
type embargoID uint32

// idgen hands out the smallest id not currently in use. rpc.capnp
// expects ids to be reused once released, keeping the peer's tables
// dense.
type idgen struct {
	next uint32
	free []uint32
}

func (g *idgen) alloc() uint32 {
	if n := len(g.free); n > 0 {
		min := 0
		for i := 1; i < n; i++ {
			if g.free[i] < g.free[min] {
				min = i
			}
		}
		id := g.free[min]
		g.free[min] = g.free[n-1]
		g.free = g.free[:n-1]
		return id
	}
	id := g.next
	g.next++
	return id
}

func (g *idgen) release(id uint32) {
	g.free = append(g.free, id)
}

// questionRow tracks one call we sent to the peer, from the moment we
// allocate its questionId until its Return has been processed and our
// Finish has been sent.
type questionRow struct {
	id questionID

	// ans is the Answer startCall returned to our own caller; receiving
	// the matching Return settles it.
	ans *Answer

	// tr is the /debug/requests event tracking this question from send
	// to Return; finished exactly once, when the row retires.
	tr traceEvent

	// paramCaps are the export ids minted for capabilities in the Call's
	// params, released (their wire refcount dropped by one) once the
	// matching Return arrives with releaseParamCaps set.
	paramCaps []exportID

	// returnReceived and finishSent track the two-sided teardown a
	// question goes through; the row is only retired, and its id only
	// released back to the generator, once both are true. ans.Done()
	// closes when the Return is processed, or earlier if the call is
	// canceled or the connection fails; questionPipelineClient
	// (pipeline.go) checks ans.Done() rather than these flags.
	returnReceived bool
	finishSent     bool
}

// answerRow tracks one call the peer sent to us, from the Call message
// until we've sent a Return and received the matching Finish.
type answerRow struct {
	id answerID

	// ans is settled once our local dispatch (a LocalClient, or a
	// pipeline hook chased down from another answer/import) completes.
	ans *Answer

	// tr is the /debug/requests event tracking this answer from the
	// incoming Call to the outgoing Return; finished once the row retires.
	tr traceEvent

	// resultCaps are the export ids minted for capabilities in the
	// Return's result, so Finish{releaseResultCaps: true} knows what to
	// release.
	resultCaps []exportID

	returnSent  bool
	finishSent  bool
	releaseCaps bool

	// cancel, if non-nil, cancels the context passed to the underlying
	// Server.Call when a Finish arrives before the call completed.
	cancel func()
}

// exportRow is one entry in our export table: a capability we have
// described to the peer as senderHosted/senderPromise. refs is the
// wire reference count — how many times the peer has been sent this id
// minus how many Release messages it has sent back — which is entirely
// independent of Go-level reference counting on client.
type exportRow struct {
	id     exportID
	client Client
	refs   uint32
}

// importRow is one entry in our import table: a capability the peer
// described with senderHosted/senderPromise, reachable locally as an
// ImportClient. vends counts how many CapDescriptors have named this id
// so far; it is what we report back to the peer in a Release message's
// referenceCount once our last local holder drops its reference.
type importRow struct {
	id     importID
	client ClientHook
	vends  uint32
}

// embargoRow tracks one outstanding disembargo: we've sent a
// senderLoopback Disembargo for a formerly-promise import that just
// resolved to a capability we export ourselves, and calls through that import
// must queue locally until the matching receiverLoopback echoes back.
// fulfill is called exactly once, when that echo arrives.
type embargoRow struct {
	id      embargoID
	target  ClientHook
	fulfill func()
}

// tables bundles every id-indexed row collection a Conn keeps. Every
// field here is touched only from the connection's single actor
// goroutine; id *allocation* is a separate, synchronized concern (see
// idAllocators in conn.go) since ClientHook.Send must return a Pipeline
// synchronously, before the actor has had a chance to run.
type tables struct {
	questions map[questionID]*questionRow

	answers map[answerID]*answerRow

	exports map[exportID]*exportRow
	// exportsByClient lets us reuse an existing export id when the same
	// local capability is sent to the peer more than once, rather than
	// minting a fresh one each time.
	exportsByClient map[ClientHook]exportID

	imports map[importID]*importRow

	embargoes map[embargoID]*embargoRow
}

func newTables() *tables {
	return &tables{
		questions:       make(map[questionID]*questionRow),
		answers:         make(map[answerID]*answerRow),
		exports:         make(map[exportID]*exportRow),
		exportsByClient: make(map[ClientHook]exportID),
		imports:         make(map[importID]*importRow),
		embargoes:       make(map[embargoID]*embargoRow),
	}
}
