package rpc

// BrokenClient is a ClientHook that fails every call with a stored error.
// It is the terminal state for a capability whose connection has been
// dropped, whose promise rejected, or whose wire descriptor we could not
// make sense of. Unlike the other hook variants it never does any
// reference-counted cleanup of its own: there is nothing behind it to
// release.
type BrokenClient struct {
	err error
}

// NewBrokenClient returns a Client permanently bound to err.
func NewBrokenClient(err error) Client {
	if err == nil {
		err = Failedf("broken capability")
	}
	return NewClient(&BrokenClient{err: err})
}

func (b *BrokenClient) Send(call *Call) (*Answer, *Pipeline) {
	ans := newSettledAnswer(Payload{}, b.err)
	return ans, ans.Pipeline()
}

func (b *BrokenClient) AddRef() ClientHook { return b }

func (b *BrokenClient) Release() {}

func (b *BrokenClient) Brand() Brand { return Brand{} }

// Resolution reports false: a broken capability is already a terminal
// value, not a promise for one.
func (b *BrokenClient) Resolution() (<-chan struct{}, bool) { return nil, false }

func (b *BrokenClient) Resolved() (ClientHook, error) { return b, nil }
