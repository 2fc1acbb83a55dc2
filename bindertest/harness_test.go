package bindertest

import (
	"testing"

	"github.com/raspberrypi/linux-sub000/internal/process"
	"github.com/raspberrypi/linux-sub000/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHarnessDeliversOnewayTransaction(t *testing.T) {
	h, err := New(t.Name())
	require.NoError(t, err)
	defer h.Close()

	handle := h.ExportNode(0xAAA, 0xBBB, 0)

	tid := process.CurrentThreadID()
	require.NoError(t, h.SubmitOneway(tid, handle, 7, []byte("payload")))

	buf, err := h.DrainOne(999, 128)
	require.NoError(t, err)
	assert.Equal(t, uint32(wire.BR_NOOP), uint32LE(buf[0:4]))
	assert.Equal(t, uint32(wire.BR_TRANSACTION), uint32LE(buf[4:8]))

	td := wire.DecodeTransactionData(buf[8:])
	assert.Equal(t, uint32(7), td.Code)
	assert.Equal(t, uint64(len("payload")), td.DataSize)

	counts := h.CallCounts()
	assert.Equal(t, 1, counts["transactions"])
	assert.Equal(t, 2, counts["write_read"])

	h.Reset()
	assert.Equal(t, 0, h.CallCounts()["transactions"])
}

func TestHarnessAcquireNodeNotifiesServer(t *testing.T) {
	h, err := New(t.Name())
	require.NoError(t, err)
	defer h.Close()

	_ = h.AcquireNode(0x77, 0x88, 0)

	buf, err := h.DrainOne(999, 64)
	require.NoError(t, err)
	assert.Equal(t, uint32(wire.BR_NOOP), uint32LE(buf[0:4]))
	assert.Equal(t, uint32(wire.BR_INCREFS), uint32LE(buf[4:8]))
	assert.Equal(t, uint32(wire.BR_ACQUIRE), uint32LE(buf[24:28]))
}

func uint32LE(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
