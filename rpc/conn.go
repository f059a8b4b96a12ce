package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/capnp-go/rpc-core/rpc/internal/tasks"
	"github.com/google/uuid"
	rpccp "zombiezen.com/go/capnproto2/std/capnp/rpc"
)

// idAllocators hands out question, export, and embargo ids synchronously,
// from whatever goroutine calls SendCall. Every other piece of connection
// state lives behind the single actor goroutine (runActor, below); ids are
// split out because ClientHook.Send must return a Pipeline before the
// actor has necessarily processed anything, so the id it names has to
// already be real.
type idAllocators struct {
	mu       sync.Mutex
	question idgen
	export   idgen
	embargo  idgen
}

func (a *idAllocators) allocQuestion() questionID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return questionID(a.question.alloc())
}

func (a *idAllocators) releaseQuestion(id questionID) {
	a.mu.Lock()
	a.question.release(uint32(id))
	a.mu.Unlock()
}

func (a *idAllocators) allocExport() exportID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return exportID(a.export.alloc())
}

func (a *idAllocators) releaseExport(id exportID) {
	a.mu.Lock()
	a.export.release(uint32(id))
	a.mu.Unlock()
}

func (a *idAllocators) allocEmbargo() embargoID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return embargoID(a.embargo.alloc())
}

func (a *idAllocators) releaseEmbargo(id embargoID) {
	a.mu.Lock()
	a.embargo.release(uint32(id))
	a.mu.Unlock()
}

// Options configures a Conn. The zero value is usable: no bootstrap
// interface, a logrus-backed Logger, no metrics.
type Options struct {
	// BootstrapClient is returned to the peer's Bootstrap messages. If
	// the zero Client, bootstrap requests fail with Unimplemented.
	BootstrapClient Client

	// Logger receives protocol-level problems the Conn chose to tolerate
	// rather than abort on. Defaults to a logrus logger tagged
	// component=rpc.
	Logger Logger

	// SendBufferSize bounds how many outgoing messages may be queued
	// ahead of the transport.
	SendBufferSize int

	// Metrics, if non-nil, receives gauge updates as tables grow and
	// shrink (metrics.go).
	Metrics *Metrics
}

// Conn is a connection to one peer vat, speaking Level 1 of the Cap'n
// Proto RPC protocol (bootstrap/call/return/finish/resolve/release/
// disembargo; provide/accept/join always answer unimplemented). All
// table mutation happens on a single actor goroutine (runActor): one
// goroutine reading from two channels (inbound wire messages, and
// action closures submitted by ClientHook.Send implementations) needs
// no locks at all over tables.
type Conn struct {
	transport Transport
	logger    Logger
	metrics   *Metrics
	bootstrap Client

	ids    idAllocators
	tables *tables

	connID  string
	actions chan func()
	in      chan rpccp.Message
	out     chan rpccp.Message

	tasks *tasks.Set

	doneOnce sync.Once
	done     chan struct{}
	errMu    sync.Mutex
	err      error
}

// NewConn creates a connection speaking over t and starts its actor,
// send, and receive goroutines. Call Close to shut the connection down
// cleanly, or Wait to block until the peer (or the transport) ends it.
func NewConn(t Transport, opts Options) *Conn {
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = newLogrusLogger()
	}
	c := &Conn{
		transport: t,
		logger:    logger,
		metrics:   opts.Metrics,
		bootstrap: opts.BootstrapClient,
		tables:    newTables(),
		connID:    uuid.NewString(),
		actions:   make(chan func(), 16),
		in:        make(chan rpccp.Message, opts.SendBufferSize),
		out:       make(chan rpccp.Message, opts.SendBufferSize),
		done:      make(chan struct{}),
	}
	c.tasks = tasks.NewSet(tasks.ReaperFunc(func(err error) {
		c.logger.LogError(c.id(), "background task", err)
	}))
	c.tasks.Add(c.recvLoop)
	c.tasks.Add(c.sendLoop)
	c.tasks.Add(c.runActor)
	return c
}

// id returns a stable identifier for this Conn, used to correlate log
// lines, trace events, and metric labels that span its three
// goroutines — a pointer would work too, but a uuid survives being
// copied into a log aggregator that doesn't preserve process identity.
func (c *Conn) id() string {
	return c.connID
}

// do submits fn to run on the actor goroutine, without blocking the
// caller. Once the connection has started shutting down, fn may be
// dropped without running: runActor stops reading actions as soon as its
// context is canceled, and closures still buffered then never run.
func (c *Conn) do(fn func()) {
	go func() {
		select {
		case c.actions <- fn:
		case <-c.tasks.Context().Done():
		}
	}()
}

// disconnectedErr reports why this Conn ended, or a generic disconnected
// Exception if it hasn't finished failing yet (fail records the cause
// before canceling tasks.Context(), so there is a narrow window where
// Err() is still nil even though new work must not be accepted).
func (c *Conn) disconnectedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return errDisconnected(nil)
}

// submitOrFail is do, specialized for the two call sites (Bootstrap,
// startCall) that hand a caller an Answer up front and rely on fn to
// settle it: if the connection is already shutting down and fn never
// gets to run, the Answer would otherwise hang forever instead of
// failing with Disconnected.
func (c *Conn) submitOrFail(ans *Answer, fn func()) {
	go func() {
		select {
		case c.actions <- fn:
			// The enqueue can still race with actor shutdown: fn sits in
			// the buffer and never runs. Watch for that and settle anyway;
			// settle is idempotent, so the normal path is unaffected.
			select {
			case <-ans.Done():
			case <-c.tasks.Context().Done():
				ans.settle(Payload{}, c.disconnectedErr())
			}
		case <-c.tasks.Context().Done():
			ans.settle(Payload{}, c.disconnectedErr())
		}
	}()
}

func (c *Conn) recvLoop(ctx context.Context) error {
	for {
		msg, err := c.transport.RecvMessage(ctx)
		if err != nil {
			c.fail(err)
			return err
		}
		select {
		case c.in <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Conn) sendLoop(ctx context.Context) error {
	for {
		select {
		case msg := <-c.out:
			if err := c.transport.SendMessage(ctx, msg); err != nil {
				c.fail(err)
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Conn) runActor(ctx context.Context) error {
	for {
		select {
		case msg := <-c.in:
			c.handleMessage(msg)
		case fn := <-c.actions:
			fn()
		case <-ctx.Done():
			c.teardown()
			return ctx.Err()
		}
	}
}

// sendMessage enqueues msg for the send goroutine. Must run on the actor
// goroutine, or inside a closure submitted via do, so that message order
// matches the order table mutations implying those messages happened.
func (c *Conn) sendMessage(msg rpccp.Message) {
	select {
	case c.out <- msg:
	case <-c.tasks.Context().Done():
	}
}

// teardown runs once, from the actor goroutine, after the actor's
// context is canceled: it fails every outstanding table row and closes
// the bootstrap interface.
func (c *Conn) teardown() {
	cause := c.Err()
	if cause == nil {
		cause = errDisconnected(nil)
	}
	for _, q := range c.tables.questions {
		if q.ans != nil {
			q.ans.settle(Payload{}, cause)
		}
		q.tr.finish()
	}
	for _, a := range c.tables.answers {
		if a.cancel != nil {
			a.cancel()
		}
		a.tr.finish()
	}
	for _, e := range c.tables.exports {
		e.client.Release()
	}
	for _, im := range c.tables.imports {
		im.client.Release()
	}
	if c.bootstrap.IsValid() {
		c.bootstrap.Release()
	}
	c.doneOnce.Do(func() { close(c.done) })
}

// fail records err as the reason the connection ended (first writer
// wins) and begins shutdown.
func (c *Conn) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
	c.tasks.Terminate()
}

// Err returns the error the connection ended with, or nil if it hasn't
// ended yet.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Wait blocks until the connection has ended, then returns the reason
// (an *Exception, usually Disconnected, or the local Close's cause).
func (c *Conn) Wait() error {
	<-c.done
	return c.Err()
}

// Close ends the connection, telling the peer why via an Abort message.
func (c *Conn) Close() error {
	c.fail(errDisconnected(fmt.Errorf("connection closed locally")))
	abortMsg, err := newAbortMessage(Failedf("connection closed locally"))
	if err == nil {
		ctx, cancel := context.WithCancel(context.Background())
		_ = c.transport.SendMessage(ctx, abortMsg)
		cancel()
	}
	<-c.done
	return c.transport.Close()
}

// Bootstrap asks the peer for its main interface. The returned Client is
// a pipeline client until the bootstrap call's Return arrives.
func (c *Conn) Bootstrap(ctx context.Context) Client {
	qid := c.ids.allocQuestion()
	ans := newAnswer()
	row := &questionRow{id: qid, ans: ans}

	c.submitOrFail(ans, func() {
		c.tables.questions[qid] = row
		c.metrics.setQuestions(c.id(), len(c.tables.questions))
		msg, err := newBootstrapMessage(qid)
		if err != nil {
			delete(c.tables.questions, qid)
			c.metrics.setQuestions(c.id(), len(c.tables.questions))
			ans.settle(Payload{}, err)
			return
		}
		c.sendMessage(msg)
	})

	return NewClient(newQuestionPipelineClient(c, qid, nil, ans))
}

func newBootstrapMessage(qid questionID) (rpccp.Message, error) {
	msg, _, err := newMessage()
	if err != nil {
		return rpccp.Message{}, err
	}
	boot, err := msg.NewBootstrap()
	if err != nil {
		return rpccp.Message{}, err
	}
	boot.SetQuestionId(uint32(qid))
	return msg, nil
}
