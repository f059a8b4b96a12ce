package rpc

// Pipeline represents the ability to form a ClientHook from a path into an
// Answer that hasn't arrived yet. A Pipeline formed
// by Conn.startCall is Conn-bound: calls on hooks it produces are shipped
// immediately as receiverAnswer(question, transform) Call messages on the
// same wire, without waiting for ans to settle. A Pipeline formed any
// other way (a local Answer, a bootstrap answer) is not Conn-bound: calls
// on hooks it produces queue until ans settles, then resolve to the
// extracted capability directly.
type Pipeline struct {
	ans *Answer

	conn *Conn
	qid  questionID
}

// Client returns a ClientHook for the object reachable from this
// Pipeline's eventual result by following ops.
func (p *Pipeline) Client(ops []PipelineOp) ClientHook {
	if p.conn != nil {
		return newQuestionPipelineClient(p.conn, p.qid, ops, p.ans)
	}
	return newAnswerPipelineClient(p.ans, ops)
}

// Answer exposes the underlying Answer, e.g. so a caller can wait for the
// whole call to complete rather than just one pipelined path.
func (p *Pipeline) Answer() *Answer { return p.ans }

// newAnswerPipelineClient returns a ClientHook that queues calls until ans
// settles, then forwards them (with the transform applied) to whatever
// capability that path resolved to. It reuses QueuedClient's queue-until-
// resolved machinery, specialized to "resolve by extracting a path out of
// an Answer" instead of "resolve by external Fulfill/Reject".
func newAnswerPipelineClient(ans *Answer, ops []PipelineOp) ClientHook {
	if pc := ans.pipelineCaller(); pc != nil {
		return &eagerPipelineClient{pcaller: pc, ops: ops, ans: ans}
	}
	q, rv := NewQueuedClient()
	go func() {
		_, err := ans.Payload()
		if err != nil {
			rv.Reject(err)
			return
		}
		hook, err := extractHook(mustPayload(ans), ops)
		if err != nil {
			rv.Reject(err)
			return
		}
		rv.Fulfill(hook)
	}()
	return q
}

func mustPayload(ans *Answer) Payload {
	result, _ := ans.Payload()
	return result
}

// eagerPipelineClient forwards directly to a PipelineCaller (a LocalClient
// answer, which accepts calls while its call is in flight and dispatches
// them once it settles), skipping the QueuedClient: pipelined calls on a
// local client are serviced locally.
type eagerPipelineClient struct {
	pcaller PipelineCaller
	ops     []PipelineOp
	ans     *Answer
}

func (e *eagerPipelineClient) Send(call *Call) (*Answer, *Pipeline) {
	return e.pcaller.PipelineSend(e.ops, call)
}
func (e *eagerPipelineClient) AddRef() ClientHook { return e }
func (e *eagerPipelineClient) Release()           {}
func (e *eagerPipelineClient) Brand() Brand       { return Brand{} }
func (e *eagerPipelineClient) Resolution() (<-chan struct{}, bool) {
	return e.ans.Done(), true
}
func (e *eagerPipelineClient) Resolved() (ClientHook, error) {
	return extractHook(mustPayload(e.ans), e.ops)
}

// questionPipelineClient routes calls as receiverAnswer(qid, transform)
// Call messages directly on conn, for as long as qid's Return hasn't been
// processed yet. Once the underlying Answer has settled, it falls back to
// delegating straight to the extracted capability, since the question row
// may already be retired and is no longer a valid wire target.
type questionPipelineClient struct {
	conn *Conn
	qid  questionID
	ops  []PipelineOp
	ans  *Answer
}

func newQuestionPipelineClient(conn *Conn, qid questionID, ops []PipelineOp, ans *Answer) ClientHook {
	return &questionPipelineClient{conn: conn, qid: qid, ops: ops, ans: ans}
}

func (q *questionPipelineClient) Send(call *Call) (*Answer, *Pipeline) {
	select {
	case <-q.ans.Done():
		hook, err := extractHook(mustPayload(q.ans), q.ops)
		if err != nil {
			ans := newSettledAnswer(Payload{}, err)
			return ans, ans.Pipeline()
		}
		return hook.Send(call)
	default:
		return q.conn.sendPipelinedCall(q.qid, q.ops, call)
	}
}

func (q *questionPipelineClient) AddRef() ClientHook { return q }
func (q *questionPipelineClient) Release()           {}
func (q *questionPipelineClient) Brand() Brand {
	return Brand{Conn: q.conn, Kind: BrandQuestion, QuestionID: q.qid, Transform: q.ops}
}
func (q *questionPipelineClient) Resolution() (<-chan struct{}, bool) {
	return q.ans.Done(), true
}
func (q *questionPipelineClient) Resolved() (ClientHook, error) {
	return extractHook(mustPayload(q.ans), q.ops)
}
