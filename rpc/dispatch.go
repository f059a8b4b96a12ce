package rpc

import (
	"context"

	rpccp "zombiezen.com/go/capnproto2/std/capnp/rpc"
)

// handleMessage decodes and routes one inbound wire message. Runs on the
// actor goroutine, which is the only goroutine that ever touches tables.
func (c *Conn) handleMessage(m rpccp.Message) {
	var err error
	switch m.Which() {
	case rpccp.Message_Which_unimplemented:
		// No-op: avoid responding to an unimplemented with another one.
	case rpccp.Message_Which_abort:
		// handleAbortMessage always drives disconnect itself; never abort
		// back in response to the peer's own Abort.
		if aerr := c.handleAbortMessage(m); aerr != nil {
			c.logger.LogError(c.id(), "handle message", aerr)
		}
		return
	case rpccp.Message_Which_bootstrap:
		err = c.handleBootstrapMessage(m)
	case rpccp.Message_Which_call:
		err = c.handleCallMessage(m)
	case rpccp.Message_Which_return:
		err = c.handleReturnMessage(m)
	case rpccp.Message_Which_finish:
		err = c.handleFinishMessage(m)
	case rpccp.Message_Which_release:
		err = c.handleReleaseMessage(m)
	case rpccp.Message_Which_disembargo:
		err = c.handleDisembargoMessage(m)
	case rpccp.Message_Which_resolve:
		err = c.handleResolveMessage(m)
	default:
		// provide/accept/join and anything newer than this package knows:
		// Level 1 only promises these get an unimplemented reply.
		if um, uerr := newUnimplementedMessage(m); uerr == nil {
			c.sendMessage(um)
		}
	}
	if err != nil {
		c.logger.LogError(c.id(), "handle message", err)
		c.abort(err)
	}
}

// abort reacts to a protocol error this Conn detected locally (an
// invariant violation like a Return naming an unknown question id, a
// malformed capability descriptor, or an encoding failure): best-effort
// notify the peer with an Abort message, then fail the connection. Must
// run on the actor goroutine.
func (c *Conn) abort(cause error) {
	if msg, merr := newAbortMessage(cause); merr == nil {
		c.sendMessage(msg)
	}
	c.fail(cause)
}

func (c *Conn) handleAbortMessage(m rpccp.Message) error {
	a, err := m.Abort()
	if err != nil {
		return err
	}
	exc, err := readException(a)
	if err != nil {
		return err
	}
	c.fail(exc)
	return nil
}

func (c *Conn) handleBootstrapMessage(m rpccp.Message) error {
	boot, err := m.Bootstrap()
	if err != nil {
		return err
	}
	aid := answerID(boot.QuestionId())
	if !c.bootstrap.IsValid() {
		return c.sendReturnException(aid, Unimplementedf("no bootstrap interface"))
	}
	msg, ret, err := newReturnMessage(aid)
	if err != nil {
		return err
	}
	results, err := ret.NewResults()
	if err != nil {
		return err
	}
	// The hook is borrowed, not AddRef'd: the Conn holds its bootstrap
	// reference for its whole life, and the export row minted below takes
	// a reference of its own.
	var capTable CapTable
	iface := capTable.NewCap(results.Segment(), c.bootstrap.Hook())
	if err := results.SetContentPtr(iface); err != nil {
		return err
	}
	descs, err := c.makeCapTable(results.Segment(), &capTable)
	if err != nil {
		return err
	}
	if err := results.SetCapTable(descs); err != nil {
		return err
	}
	row := &answerRow{id: aid, ans: newSettledAnswer(Payload{Content: iface, CapTable: capTable}, nil),
		resultCaps: c.exportIDsFor(capTable.All())}
	c.tables.answers[aid] = row
	c.metrics.setAnswers(c.id(), len(c.tables.answers))
	c.sendMessage(msg)
	return nil
}

func (c *Conn) handleCallMessage(m rpccp.Message) error {
	mcall, err := m.Call()
	if err != nil {
		return err
	}
	aid := answerID(mcall.QuestionId())
	if _, exists := c.tables.answers[aid]; exists {
		return Failedf("question id %d reused", aid)
	}
	target, err := mcall.Target()
	if err != nil {
		return err
	}
	mparams, err := mcall.Params()
	if err != nil {
		return err
	}
	capTable, err := c.populateCapTable(mparams)
	if err != nil {
		return err
	}
	content, err := mparams.ContentPtr()
	if err != nil {
		return err
	}
	meth := Method{InterfaceID: mcall.InterfaceId(), MethodID: mcall.MethodId()}
	tr := traceAnswer(c.id(), aid, meth)

	hook, err := c.resolveCallTarget(target, aid)
	if err != nil {
		tr.errorf("resolve call target: %v", err)
		tr.finish()
		return c.sendReturnException(aid, err)
	}

	ctx, cancel := context.WithCancel(c.tasks.Context())
	ctx = withTrace(ctx, tr)
	call := incomingCall(ctx, meth, Payload{Content: content, CapTable: capTable})
	ans, _ := hook.Send(call)
	row := &answerRow{id: aid, ans: ans, cancel: cancel, tr: tr}
	c.tables.answers[aid] = row
	c.metrics.setAnswers(c.id(), len(c.tables.answers))

	c.tasks.Add(func(ctx context.Context) error {
		result, cerr := ans.Payload()
		c.do(func() { c.finishAnswer(aid, result, cerr) })
		return nil
	})
	return nil
}

// resolveCallTarget finds the hook a Call message's target names. Must
// run on the actor goroutine.
func (c *Conn) resolveCallTarget(target rpccp.MessageTarget, aid answerID) (ClientHook, error) {
	switch target.Which() {
	case rpccp.MessageTarget_Which_importedCap:
		eid := exportID(target.ImportedCap())
		row, ok := c.tables.exports[eid]
		if !ok {
			return nil, Failedf("call targets unknown export id %d", eid)
		}
		return row.client.Hook(), nil
	case rpccp.MessageTarget_Which_promisedAnswer:
		pa, err := target.PromisedAnswer()
		if err != nil {
			return nil, err
		}
		qaid := answerID(pa.QuestionId())
		if qaid == aid {
			return nil, Failedf("call targets its own answer id %d", aid)
		}
		prow, ok := c.tables.answers[qaid]
		if !ok {
			return nil, Failedf("call targets unknown answer id %d", qaid)
		}
		transform, err := pa.Transform()
		if err != nil {
			return nil, err
		}
		ops := promisedAnswerOpsFromWire(transform)
		return newAnswerPipelineClient(prow.ans, ops), nil
	default:
		return nil, Unimplementedf("unsupported call target")
	}
}

// finishAnswer sends the Return for a completed local dispatch. Must run
// on the actor goroutine (submitted via do from the waiting task).
func (c *Conn) finishAnswer(aid answerID, result Payload, cerr error) {
	row, ok := c.tables.answers[aid]
	if !ok {
		return
	}
	if row.returnSent {
		return
	}
	row.returnSent = true
	msg, ret, err := newReturnMessage(aid)
	if err != nil {
		c.logger.LogError(c.id(), "build return message", err)
		return
	}
	if cerr != nil {
		row.tr.errorf("dispatch failed: %v", cerr)
		exc, err := ret.NewException()
		if err == nil {
			writeException(exc, cerr)
		}
		c.sendMessage(msg)
		return
	}
	results, err := ret.NewResults()
	if err != nil {
		c.logger.LogError(c.id(), "build return results", err)
		return
	}
	if err := results.SetContentPtr(result.Content); err != nil {
		c.logger.LogError(c.id(), "set return content", err)
		return
	}
	descs, err := c.makeCapTable(results.Segment(), &result.CapTable)
	if err != nil {
		c.logger.LogError(c.id(), "encode return cap table", err)
		return
	}
	if err := results.SetCapTable(descs); err != nil {
		c.logger.LogError(c.id(), "set return cap table", err)
		return
	}
	row.resultCaps = c.exportIDsFor(result.CapTable.All())
	c.sendMessage(msg)
}

func (c *Conn) sendReturnException(aid answerID, cause error) error {
	msg, ret, err := newReturnMessage(aid)
	if err != nil {
		return err
	}
	exc, err := ret.NewException()
	if err != nil {
		return err
	}
	if err := writeException(exc, cause); err != nil {
		return err
	}
	c.tables.answers[aid] = &answerRow{id: aid, ans: newSettledAnswer(Payload{}, cause), returnSent: true}
	c.metrics.setAnswers(c.id(), len(c.tables.answers))
	c.sendMessage(msg)
	return nil
}

func (c *Conn) handleReturnMessage(m rpccp.Message) error {
	ret, err := m.Return()
	if err != nil {
		return err
	}
	qid := questionID(ret.AnswerId())
	row, ok := c.tables.questions[qid]
	if !ok {
		return Failedf("return for unknown question id %d", qid)
	}
	if ret.ReleaseParamCaps() {
		for _, eid := range row.paramCaps {
			if err := c.releaseExport(eid, 1); err != nil {
				return err
			}
		}
	}
	row.returnReceived = true

	if row.finishSent {
		// The question was canceled locally; this Return only retires the
		// row. Its payload is not decoded — the Finish we already sent
		// asked the peer to release any result capabilities.
		delete(c.tables.questions, qid)
		c.metrics.setQuestions(c.id(), len(c.tables.questions))
		c.ids.releaseQuestion(qid)
		row.tr.finish()
		return nil
	}

	releaseResultCaps := true
	switch ret.Which() {
	case rpccp.Return_Which_results:
		releaseResultCaps = false
		results, err := ret.Results()
		if err != nil {
			return err
		}
		capTable, err := c.populateCapTable(results)
		if err != nil {
			return err
		}
		content, err := results.ContentPtr()
		if err != nil {
			return err
		}
		row.ans.settle(Payload{Content: content, CapTable: capTable}, nil)
	case rpccp.Return_Which_exception:
		exc, err := ret.Exception()
		if err != nil {
			return err
		}
		rerr, err := readException(exc)
		if err != nil {
			return err
		}
		row.ans.settle(Payload{}, rerr)
	case rpccp.Return_Which_canceled:
		row.ans.settle(Payload{}, Failedf("call canceled by peer"))
	case rpccp.Return_Which_takeFromOtherQuestion:
		// Tail-call redirect: the results for this question are whatever
		// the named question eventually returns.
		other, ok := c.tables.questions[questionID(ret.TakeFromOtherQuestion())]
		if !ok {
			return Failedf("return redirects to unknown question id %d", ret.TakeFromOtherQuestion())
		}
		row.ans.chainFrom(other.ans)
	case rpccp.Return_Which_acceptFromThirdParty:
		row.ans.settle(Payload{}, Unimplementedf("level 3 return not supported"))
	default:
		um, err := newUnimplementedMessage(m)
		if err != nil {
			return err
		}
		c.sendMessage(um)
		return nil
	}

	fin, err := newFinishMessage(answerID(qid), releaseResultCaps)
	if err != nil {
		return err
	}
	row.finishSent = true
	delete(c.tables.questions, qid)
	c.metrics.setQuestions(c.id(), len(c.tables.questions))
	c.ids.releaseQuestion(qid)
	row.tr.finish()
	c.sendMessage(fin)
	return nil
}

func (c *Conn) handleFinishMessage(m rpccp.Message) error {
	fin, err := m.Finish()
	if err != nil {
		return err
	}
	aid := answerID(fin.QuestionId())
	row, ok := c.tables.answers[aid]
	if !ok {
		return nil
	}
	delete(c.tables.answers, aid)
	c.metrics.setAnswers(c.id(), len(c.tables.answers))
	row.tr.finish()
	if row.cancel != nil {
		row.cancel()
	}
	if fin.ReleaseResultCaps() {
		for _, eid := range row.resultCaps {
			if err := c.releaseExport(eid, 1); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Conn) handleReleaseMessage(m rpccp.Message) error {
	rel, err := m.Release()
	if err != nil {
		return err
	}
	return c.releaseExport(exportID(rel.Id()), rel.ReferenceCount())
}

// handleDisembargoMessage implements the loopback handshake: a
// senderLoopback disembargo asks us to echo it straight back once every
// call we'd already routed through the named promisedAnswer has been
// delivered; a receiverLoopback disembargo is that echo arriving, which
// releases whatever local embargo was waiting on it.
func (c *Conn) handleDisembargoMessage(m rpccp.Message) error {
	d, err := m.Disembargo()
	if err != nil {
		return err
	}
	target, err := d.Target()
	if err != nil {
		return err
	}
	switch d.Context().Which() {
	case rpccp.Disembargo_context_Which_senderLoopback:
		id := embargoID(d.Context().SenderLoopback())
		switch target.Which() {
		case rpccp.MessageTarget_Which_promisedAnswer, rpccp.MessageTarget_Which_importedCap:
		default:
			return Failedf("senderLoopback disembargo targets neither an import nor a promised answer")
		}
		// Our dispatch loop processes messages strictly in arrival order
		// and every call this disembargo needs to follow — whether routed
		// through a promisedAnswer or straight at one of our exports via
		// importedCap — has already been handled above, so there is
		// nothing left to wait for: echo back immediately.
		resp, rd, err := newDisembargoMessage(rpccp.Disembargo_context_Which_receiverLoopback, id)
		if err != nil {
			return err
		}
		if err := rd.SetTarget(target); err != nil {
			return err
		}
		c.sendMessage(resp)
		return nil
	case rpccp.Disembargo_context_Which_receiverLoopback:
		id := embargoID(d.Context().ReceiverLoopback())
		row, ok := c.tables.embargoes[id]
		if !ok {
			return Failedf("receiverLoopback disembargo for unknown embargo id %d", id)
		}
		delete(c.tables.embargoes, id)
		c.ids.releaseEmbargo(id)
		row.fulfill()
		return nil
	default:
		um, err := newUnimplementedMessage(m)
		if err != nil {
			return err
		}
		c.sendMessage(um)
		return nil
	}
}
