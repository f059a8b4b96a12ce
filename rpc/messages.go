package rpc

import (
	"zombiezen.com/go/capnproto2"
	rpccp "zombiezen.com/go/capnproto2/std/capnp/rpc"
)

// newMessage allocates a fresh, empty rpc.capnp Message in its own
// single-segment arena.
func newMessage() (rpccp.Message, *capnp.Segment, error) {
	_, seg, err := capnp.NewMessage(capnp.SingleSegment(nil))
	if err != nil {
		return rpccp.Message{}, nil, err
	}
	msg, err := rpccp.NewRootMessage(seg)
	if err != nil {
		return rpccp.Message{}, nil, err
	}
	return msg, seg, nil
}

func newAbortMessage(err error) (rpccp.Message, error) {
	msg, _, merr := newMessage()
	if merr != nil {
		return rpccp.Message{}, merr
	}
	exc, aerr := msg.NewAbort()
	if aerr != nil {
		return rpccp.Message{}, aerr
	}
	if werr := writeException(exc, err); werr != nil {
		return rpccp.Message{}, werr
	}
	return msg, nil
}

func newUnimplementedMessage(orig rpccp.Message) (rpccp.Message, error) {
	msg, _, err := newMessage()
	if err != nil {
		return rpccp.Message{}, err
	}
	if err := msg.SetUnimplemented(orig); err != nil {
		return rpccp.Message{}, err
	}
	return msg, nil
}

func newFinishMessage(id answerID, releaseResultCaps bool) (rpccp.Message, error) {
	msg, _, err := newMessage()
	if err != nil {
		return rpccp.Message{}, err
	}
	fin, err := msg.NewFinish()
	if err != nil {
		return rpccp.Message{}, err
	}
	fin.SetQuestionId(uint32(id))
	fin.SetReleaseResultCaps(releaseResultCaps)
	return msg, nil
}

func newReleaseMessage(id exportID, refs uint32) (rpccp.Message, error) {
	msg, _, err := newMessage()
	if err != nil {
		return rpccp.Message{}, err
	}
	rel, err := msg.NewRelease()
	if err != nil {
		return rpccp.Message{}, err
	}
	rel.SetId(uint32(id))
	rel.SetReferenceCount(refs)
	return msg, nil
}

func newReturnMessage(id answerID) (rpccp.Message, rpccp.Return, error) {
	msg, _, err := newMessage()
	if err != nil {
		return rpccp.Message{}, rpccp.Return{}, err
	}
	ret, err := msg.NewReturn()
	if err != nil {
		return rpccp.Message{}, rpccp.Return{}, err
	}
	ret.SetAnswerId(uint32(id))
	ret.SetReleaseParamCaps(false)
	return msg, ret, nil
}

func newDisembargoMessage(which rpccp.Disembargo_context_Which, id embargoID) (rpccp.Message, rpccp.Disembargo, error) {
	msg, _, err := newMessage()
	if err != nil {
		return rpccp.Message{}, rpccp.Disembargo{}, err
	}
	d, err := msg.NewDisembargo()
	if err != nil {
		return rpccp.Message{}, rpccp.Disembargo{}, err
	}
	switch which {
	case rpccp.Disembargo_context_Which_senderLoopback:
		d.Context().SetSenderLoopback(uint32(id))
	case rpccp.Disembargo_context_Which_receiverLoopback:
		d.Context().SetReceiverLoopback(uint32(id))
	}
	return msg, d, nil
}

func newCallMessage(qid questionID, meth Method) (rpccp.Message, rpccp.Call, error) {
	msg, _, err := newMessage()
	if err != nil {
		return rpccp.Message{}, rpccp.Call{}, err
	}
	call, err := msg.NewCall()
	if err != nil {
		return rpccp.Message{}, rpccp.Call{}, err
	}
	call.SetQuestionId(uint32(qid))
	call.SetInterfaceId(meth.InterfaceID)
	call.SetMethodId(meth.MethodID)
	return msg, call, nil
}

func promisedAnswerOpsToWire(seg *capnp.Segment, ops []PipelineOp) (rpccp.PromisedAnswer_Op_List, error) {
	list, err := rpccp.NewPromisedAnswer_Op_List(seg, int32(len(ops)))
	if err != nil {
		return rpccp.PromisedAnswer_Op_List{}, err
	}
	for i, op := range ops {
		list.At(i).SetGetPointerField(op.Field)
	}
	return list, nil
}

func promisedAnswerOpsFromWire(list rpccp.PromisedAnswer_Op_List) []PipelineOp {
	ops := make([]PipelineOp, 0, list.Len())
	for i, n := 0, list.Len(); i < n; i++ {
		op := list.At(i)
		if op.Which() == rpccp.PromisedAnswer_Op_Which_getPointerField {
			ops = append(ops, PipelineOp{Field: op.GetPointerField()})
		}
	}
	return ops
}
