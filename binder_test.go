package binder

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/raspberrypi/linux-sub000/internal/node"
	"github.com/raspberrypi/linux-sub000/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConn(t *testing.T) *Conn {
	t.Helper()
	ctx := RegisterContext(t.Name())
	t.Cleanup(func() { DeregisterContext(t.Name()) })
	// MaxThreads starts at zero like a freshly opened device fd; tests
	// that want spawn signalling raise it with SetMaxThreads.
	conn, err := Open(ctx, Config{ArenaSize: 4096, ArenaPages: 4})
	require.NoError(t, err)
	return conn
}

func encodeCmd(cmd wire.Command) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(cmd))
	return buf
}

// S1 — looper entry, no work.
func TestScenarioS1LooperEntryNoWork(t *testing.T) {
	conn := newTestConn(t)
	write := encodeCmd(wire.BC_ENTER_LOOPER)
	read := make([]byte, 64)

	wr := &wire.WriteRead{WriteSize: uint64(len(write)), ReadSize: uint64(len(read))}
	err := conn.WriteRead(context.Background(), 1, wr, write, read, false)
	require.NoError(t, err)

	assert.Equal(t, uint64(4), wr.WriteConsumed)
	assert.Equal(t, uint64(4), wr.ReadConsumed)
	assert.Equal(t, uint32(wire.BR_NOOP), binary.LittleEndian.Uint32(read[0:4]))

	ee, err := conn.GetExtendedError(1)
	require.NoError(t, err)
	_ = ee
}

// S2 — spawn request.
func TestScenarioS2SpawnRequest(t *testing.T) {
	conn := newTestConn(t)
	write := encodeCmd(wire.BC_ENTER_LOOPER)
	read := make([]byte, 64)
	wr := &wire.WriteRead{WriteSize: uint64(len(write)), ReadSize: uint64(len(read))}
	require.NoError(t, conn.WriteRead(context.Background(), 1, wr, write, read, false))

	conn.SetMaxThreads(4)

	wr2 := &wire.WriteRead{ReadSize: uint64(len(read))}
	err := conn.WriteRead(context.Background(), 1, wr2, nil, read, false)
	require.NoError(t, err)
	assert.Equal(t, uint32(wire.BR_SPAWN_LOOPER), binary.LittleEndian.Uint32(read[0:4]))

	requested, started, _ := conn.proc.ThreadCounters()
	assert.Equal(t, uint32(1), requested)
	assert.Equal(t, uint32(0), started)
}

// S3/S4 — node export, first reference, and the ack interlock: the
// owner sees BR_INCREFS then BR_ACQUIRE; a release arriving while the
// acks are outstanding is held back until both BC_INCREFS_DONE and
// BC_ACQUIRE_DONE land, then BR_RELEASE and BR_DECREFS are delivered.
func TestScenarioS3S4RefcountNotificationInterlock(t *testing.T) {
	ctx := RegisterContext(t.Name())
	t.Cleanup(func() { DeregisterContext(t.Name()) })

	owner, err := Open(ctx, Config{ArenaSize: 4096, ArenaPages: 4})
	require.NoError(t, err)
	holder, err := Open(ctx, Config{ArenaSize: 4096, ArenaPages: 4})
	require.NoError(t, err)

	n := owner.Process().NewLocalNode(0xAAA, 0xBBB, 0)
	handle := holder.Process().AddHandle(node.TakeRef(n, 1, 1))

	readNode := func(buf []byte, at int) (wire.Return, uint64, uint64) {
		return wire.Return(binary.LittleEndian.Uint32(buf[at:])),
			binary.LittleEndian.Uint64(buf[at+4:]),
			binary.LittleEndian.Uint64(buf[at+12:])
	}

	// S3: the owner's read stream carries the acquisition.
	read := make([]byte, 64)
	wr := &wire.WriteRead{ReadSize: uint64(len(read))}
	require.NoError(t, owner.WriteRead(context.Background(), 1, wr, nil, read, false))
	require.Equal(t, uint64(44), wr.ReadConsumed) // NOOP + 2 * (code, ptr, cookie)

	code, ptr, cookie := readNode(read, 4)
	assert.Equal(t, wire.BR_INCREFS, code)
	assert.Equal(t, uint64(0xAAA), ptr)
	assert.Equal(t, uint64(0xBBB), cookie)
	code, _, _ = readNode(read, 24)
	assert.Equal(t, wire.BR_ACQUIRE, code)

	// S4: the holder drops its reference before the owner acks.
	handleBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(handleBytes, handle)
	var drop []byte
	drop = append(drop, encodeCmd(wire.BC_RELEASE)...)
	drop = append(drop, handleBytes...)
	drop = append(drop, encodeCmd(wire.BC_DECREFS)...)
	drop = append(drop, handleBytes...)
	wrDrop := &wire.WriteRead{WriteSize: uint64(len(drop))}
	require.NoError(t, holder.WriteRead(context.Background(), 1, wrDrop, drop, nil, false))

	// Nothing is deliverable yet: the acks are still outstanding.
	read2 := make([]byte, 64)
	wr2 := &wire.WriteRead{ReadSize: uint64(len(read2))}
	require.NoError(t, owner.WriteRead(context.Background(), 1, wr2, nil, read2, false))
	assert.Equal(t, uint64(4), wr2.ReadConsumed)

	nodeID := make([]byte, 16)
	binary.LittleEndian.PutUint64(nodeID, 0xAAA)
	binary.LittleEndian.PutUint64(nodeID[8:], 0xBBB)
	var acks []byte
	acks = append(acks, encodeCmd(wire.BC_INCREFS_DONE)...)
	acks = append(acks, nodeID...)
	acks = append(acks, encodeCmd(wire.BC_ACQUIRE_DONE)...)
	acks = append(acks, nodeID...)

	read3 := make([]byte, 64)
	wr3 := &wire.WriteRead{WriteSize: uint64(len(acks)), ReadSize: uint64(len(read3))}
	require.NoError(t, owner.WriteRead(context.Background(), 1, wr3, acks, read3, false))
	require.Equal(t, uint64(44), wr3.ReadConsumed)

	code, _, _ = readNode(read3, 4)
	assert.Equal(t, wire.BR_RELEASE, code)
	code, _, _ = readNode(read3, 24)
	assert.Equal(t, wire.BR_DECREFS, code)
}

func TestVersion(t *testing.T) {
	conn := newTestConn(t)
	assert.Equal(t, wire.ProtocolVersion, conn.Version())
}

func TestWriteReadNonBlockingEmptyReturnsNoWork(t *testing.T) {
	conn := newTestConn(t)
	read := make([]byte, 64)
	wr := &wire.WriteRead{ReadSize: uint64(len(read))}
	err := conn.WriteRead(context.Background(), 1, wr, nil, read, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), wr.ReadConsumed)
	assert.Equal(t, uint32(wire.BR_NOOP), binary.LittleEndian.Uint32(read[0:4]))
}

func TestWriteReadBlockingInterrupted(t *testing.T) {
	conn := newTestConn(t)
	read := make([]byte, 64)
	wr := &wire.WriteRead{ReadSize: uint64(len(read))}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := conn.WriteRead(ctx, 1, wr, nil, read, true)
	assert.ErrorIs(t, err, ErrInterrupted)
}

func TestContextRegisterProcessLifecycle(t *testing.T) {
	ctx := RegisterContext(t.Name())
	t.Cleanup(func() { DeregisterContext(t.Name()) })

	conn, err := Open(ctx, DefaultConfig())
	require.NoError(t, err)
	assert.Len(t, ctx.Processes(), 1)

	conn.Release()
	assert.Eventually(t, func() bool { return len(ctx.Processes()) == 0 },
		time.Second, time.Millisecond)
}
