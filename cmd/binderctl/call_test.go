package main

import (
	"testing"

	binder "github.com/raspberrypi/linux-sub000"
	"github.com/raspberrypi/linux-sub000/internal/node"
	"github.com/raspberrypi/linux-sub000/internal/process"
	"github.com/raspberrypi/linux-sub000/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitDemoTransactionDeliversPayload(t *testing.T) {
	ctx := binder.RegisterContext(t.Name())
	defer binder.DeregisterContext(t.Name())
	cfg := binder.DefaultConfig()

	server, err := binder.Open(ctx, cfg)
	require.NoError(t, err)
	defer server.Release()

	client, err := binder.Open(ctx, cfg)
	require.NoError(t, err)
	defer client.Release()

	exported := server.Process().NewLocalNode(0x42, 0x24, 0)
	handle := client.Process().AddHandle(node.TakeRefAcked(exported, 1, 1))

	require.NoError(t, submitDemoTransaction(client, handle, 9, []byte("hi")))

	th, err := server.Process().Thread(process.CurrentThreadID())
	require.NoError(t, err)
	buf := make([]byte, 256)
	wr := &wire.WriteRead{ReadSize: uint64(len(buf))}
	require.NoError(t, th.WriteRead(wr, nil, buf, false))

	td := wire.DecodeTransactionData(buf[8:])
	assert.Equal(t, uint32(9), td.Code)
	assert.Equal(t, uint64(2), td.DataSize)
}
