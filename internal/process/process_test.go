package process

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNeedsThreadReservesSlotOnce(t *testing.T) {
	p := newTestProcess(t)
	p.SetMaxThreads(2)

	assert.True(t, p.NeedsThread())
	// requested is now 1, so a second call must not reserve again.
	assert.False(t, p.NeedsThread())

	requested, started, _ := p.ThreadCounters()
	assert.Equal(t, uint32(1), requested)
	assert.Equal(t, uint32(0), started)
}

func TestRegisterThreadConsumesReservedSlot(t *testing.T) {
	p := newTestProcess(t)
	p.SetMaxThreads(2)
	require.True(t, p.NeedsThread())

	ok := p.RegisterThread()
	assert.True(t, ok)

	requested, started, _ := p.ThreadCounters()
	assert.Equal(t, uint32(0), requested)
	assert.Equal(t, uint32(1), started)
}

func TestArenaReserveCommitFreeBuffer(t *testing.T) {
	p := newTestProcess(t)

	offset, err := p.ReserveArena(128, true, 1)
	require.NoError(t, err)

	var freed bool
	err = p.CommitArena(offset, "payload", func(any) { freed = true })
	require.NoError(t, err)
	assert.False(t, freed)

	err = p.FreeBuffer(offset)
	require.NoError(t, err)
	assert.True(t, freed)

	// The segment is free again: a same-size reservation should land
	// back at the same offset.
	offset2, err := p.ReserveArena(128, true, 1)
	require.NoError(t, err)
	assert.Equal(t, offset, offset2)
}

func TestArenaAbortNeverCommitted(t *testing.T) {
	p := newTestProcess(t)

	offset, err := p.ReserveArena(64, false, 1)
	require.NoError(t, err)

	err = p.AbortArena(offset, 64)
	require.NoError(t, err)

	offset2, err := p.ReserveArena(64, false, 1)
	require.NoError(t, err)
	assert.Equal(t, offset, offset2)
}

func TestWriteReadArenaRoundTrip(t *testing.T) {
	p := newTestProcess(t)
	offset, err := p.ReserveArena(16, true, 1)
	require.NoError(t, err)

	src := []byte("0123456789abcdef")
	require.NoError(t, p.WriteArena(offset, src))

	dst := make([]byte, len(src))
	require.NoError(t, p.ReadArena(offset, dst))
	assert.Equal(t, src, dst)
}

type fakeCtxOwner struct {
	mu           sync.Mutex
	deregistered []*Process
}

func (f *fakeCtxOwner) DeregisterProcess(p *Process) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregistered = append(f.deregistered, p)
}

func TestReleaseMarksDeadAndDeregisters(t *testing.T) {
	ctx := &fakeCtxOwner{}
	p, err := NewProcess(1, ctx, Params{ArenaSize: 4096, ArenaPages: 4, MaxThreads: 1}, nil)
	require.NoError(t, err)

	p.Release()

	require.Eventually(t, func() bool {
		return p.IsProcessDead()
	}, time.Second, time.Millisecond)

	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	assert.Equal(t, []*Process{p}, ctx.deregistered)
}
