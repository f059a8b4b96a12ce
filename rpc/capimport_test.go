package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/capnp-go/rpc-core/rpc/internal/refcount"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	rpccp "zombiezen.com/go/capnproto2/std/capnp/rpc"
)

// TestEmbargoResolvedImportQueuesUntilDisembargoEchoes drives
// embargoResolvedImport directly: a promise we imported has just resolved
// to a capability we ourselves export, so a senderLoopback Disembargo must
// go out addressed at the old import id, and calls through the import must
// not reach the local export until a matching receiverLoopback comes back.
func TestEmbargoResolvedImportQueuesUntilDisembargoEchoes(t *testing.T) {
	ours, peer := NewPipeTransport(4)
	conn := NewConn(ours, Options{Logger: nopLogger{}})
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const oldImportID = importID(7)
	const exportedAs = exportID(3)

	calls := make(chan uint64, 4)
	local := NewLocalClient(&fakeServer{onCall: func(call *Call) (Payload, error) {
		args, err := call.Args()
		if err != nil {
			return Payload{}, err
		}
		calls <- args.Content.Struct().Uint64(0)
		return Payload{}, nil
	}})

	done := make(chan struct{})
	var setupErr error
	conn.do(func() {
		defer close(done)
		conn.tables.exports[exportedAs] = &exportRow{id: exportedAs, client: local.AddRef(), refs: 1}
		conn.tables.exportsByClient[local.Hook()] = exportedAs

		ic := &importClient{conn: conn, id: oldImportID}
		ic.box = refcount.New(func() { conn.do(func() { conn.dropImport(oldImportID) }) })
		conn.tables.imports[oldImportID] = &importRow{id: oldImportID, client: ic, vends: 1}

		setupErr = conn.embargoResolvedImport(conn.tables.imports[oldImportID], oldImportID, exportedAs)
	})
	<-done
	require.NoError(t, setupErr)

	// The import's hook is now a QueuedClient; send a call through it before
	// the echo arrives, and confirm it does not reach the local export yet.
	conn.do(func() {
		row := conn.tables.imports[oldImportID]
		row.client.AddRef().Send(newUint64Call(1, 99))
	})

	select {
	case <-calls:
		t.Fatal("call reached the local export before the disembargo echo arrived")
	case <-time.After(50 * time.Millisecond):
	}

	// The peer side of the pipe should have received the senderLoopback
	// Disembargo naming the old import id.
	msg, err := peer.RecvMessage(ctx)
	require.NoError(t, err)
	require.Equal(t, rpccp.Message_Which_disembargo, msg.Which())
	d, err := msg.Disembargo()
	require.NoError(t, err)
	require.Equal(t, rpccp.Disembargo_context_Which_senderLoopback, d.Context().Which())
	eid := embargoID(d.Context().SenderLoopback())
	target, err := d.Target()
	require.NoError(t, err)
	require.Equal(t, rpccp.MessageTarget_Which_importedCap, target.Which())
	assert.Equal(t, uint32(oldImportID), target.ImportedCap())

	// Echo it back as the peer would (receiverLoopback, same target).
	resp, rd, err := newDisembargoMessage(rpccp.Disembargo_context_Which_receiverLoopback, eid)
	require.NoError(t, err)
	rtarget, err := rd.NewTarget()
	require.NoError(t, err)
	rtarget.SetImportedCap(uint32(oldImportID))
	require.NoError(t, peer.SendMessage(ctx, resp))

	waitUntil(t, func() bool {
		select {
		case x := <-calls:
			return x == 99
		default:
			return false
		}
	}, "queued call never reached the local export after the disembargo echo")

	waitUntil(t, func() bool {
		ch := make(chan bool, 1)
		conn.do(func() {
			_, ok := conn.tables.imports[oldImportID]
			ch <- ok
		})
		select {
		case ok := <-ch:
			return ok
		case <-time.After(time.Second):
			return false
		}
	}, "import row vanished unexpectedly")
}
