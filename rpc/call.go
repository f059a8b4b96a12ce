package rpc

import (
	"context"

	"zombiezen.com/go/capnproto2"
	rpccp "zombiezen.com/go/capnproto2/std/capnp/rpc"
)

// startCall allocates a question, submits the work of building and
// sending its Call message onto the actor goroutine, and returns
// immediately with the Answer/Pipeline pair every ClientHook.Send must
// produce without blocking. setTarget fills in the Call's
// MessageTarget — importedCap for an ImportClient, promisedAnswer for a
// pipelined call routed through sendPipelinedCall below.
func (c *Conn) startCall(setTarget func(rpccp.MessageTarget) error, call *Call) (*Answer, *Pipeline) {
	qid := c.ids.allocQuestion()
	ans := newAnswer()
	tr := traceQuestion(c.id(), qid, call.Method)
	row := &questionRow{id: qid, ans: ans, tr: tr}

	c.submitOrFail(ans, func() {
		c.tables.questions[qid] = row
		c.metrics.setQuestions(c.id(), len(c.tables.questions))
		msg, wcall, err := newCallMessage(qid, call.Method)
		if err != nil {
			c.abandonQuestion(row, err)
			return
		}
		target, err := wcall.NewTarget()
		if err != nil {
			c.abandonQuestion(row, err)
			return
		}
		if err := setTarget(target); err != nil {
			c.abandonQuestion(row, err)
			return
		}
		payload, err := wcall.NewParams()
		if err != nil {
			c.abandonQuestion(row, err)
			return
		}
		var capTable CapTable
		var content capnp.Ptr
		if call.PlaceParams != nil {
			st, err := capnp.NewStruct(payload.Segment(), call.ParamsSize)
			if err != nil {
				c.abandonQuestion(row, err)
				return
			}
			if err := call.PlaceParams(st, &capTable); err != nil {
				c.abandonQuestion(row, err)
				return
			}
			content = st.ToPtr()
		}
		if err := payload.SetContentPtr(content); err != nil {
			c.abandonQuestion(row, err)
			return
		}
		descs, err := c.makeCapTable(payload.Segment(), &capTable)
		if err != nil {
			c.abandonQuestion(row, err)
			return
		}
		if err := payload.SetCapTable(descs); err != nil {
			c.abandonQuestion(row, err)
			return
		}
		row.paramCaps = c.exportIDsFor(capTable.All())
		c.sendMessage(msg)
	})

	if call.Ctx != nil && call.Ctx.Done() != nil {
		callCtx := call.Ctx
		c.tasks.Add(func(tctx context.Context) error {
			select {
			case <-ans.Done():
			case <-tctx.Done():
			case <-callCtx.Done():
				c.do(func() { c.cancelQuestion(row) })
			}
			return nil
		})
	}

	return ans, &Pipeline{ans: ans, conn: c, qid: qid}
}

// cancelQuestion abandons an outgoing call whose caller's context ended
// before the Return arrived: tell the peer via Finish with
// releaseResultCaps set, fail the Answer locally, and leave the row in
// place so the peer's eventual Return can still retire it. Must run on
// the actor goroutine.
func (c *Conn) cancelQuestion(row *questionRow) {
	q, ok := c.tables.questions[row.id]
	if !ok || q != row || row.finishSent || row.returnReceived {
		return
	}
	fin, err := newFinishMessage(answerID(row.id), true)
	if err != nil {
		c.logger.LogError(c.id(), "build finish message", err)
		return
	}
	row.finishSent = true
	row.tr.errorf("canceled by caller")
	c.sendMessage(fin)
	row.ans.settle(Payload{}, Failedf("call canceled"))
}

// abandonQuestion fails row locally without ever having sent its Call,
// e.g. because encoding the outgoing message itself failed. Must run on
// the actor goroutine.
func (c *Conn) abandonQuestion(row *questionRow, err error) {
	delete(c.tables.questions, row.id)
	c.metrics.setQuestions(c.id(), len(c.tables.questions))
	c.ids.releaseQuestion(row.id)
	row.tr.errorf("abandoned: %v", err)
	row.tr.finish()
	row.ans.settle(Payload{}, err)
}

// sendPipelinedCall routes call as a Call message targeting
// promisedAnswer(qid, ops), the wire path pipeline clients rooted at
// our own outstanding questions use.
func (c *Conn) sendPipelinedCall(qid questionID, ops []PipelineOp, call *Call) (*Answer, *Pipeline) {
	return c.startCall(func(t rpccp.MessageTarget) error {
		pa, err := t.NewPromisedAnswer()
		if err != nil {
			return err
		}
		pa.SetQuestionId(uint32(qid))
		opsList, err := promisedAnswerOpsToWire(t.Segment(), ops)
		if err != nil {
			return err
		}
		return pa.SetTransform(opsList)
	}, call)
}

// incomingCall turns a Call message this Conn just decoded — its method
// and already-resolved params Payload — into the *Call our ClientHook
// abstraction forwards to a local export or pipeline target.
func incomingCall(ctx context.Context, meth Method, params Payload) *Call {
	return &Call{Ctx: ctx, Method: meth, Params: &params}
}
