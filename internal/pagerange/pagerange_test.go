package pagerange

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRange(t *testing.T, numPages int) (*ShrinkablePageRange, *Shrinker) {
	t.Helper()
	var mmLock sync.RWMutex
	shrinker := NewShrinker()
	r, err := NewRange(numPages, &mmLock, shrinker)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, shrinker
}

func TestUseRangePopulatesFreePage(t *testing.T) {
	r, _ := newTestRange(t, 4)

	require.NoError(t, r.UseRange(0))
	require.NoError(t, r.Write(0, []byte("hello")))

	buf := make([]byte, 5)
	require.NoError(t, r.Read(0, buf))
	assert.Equal(t, "hello", string(buf))
}

func TestUseRangeIsIdempotent(t *testing.T) {
	r, _ := newTestRange(t, 2)

	require.NoError(t, r.UseRange(0))
	require.NoError(t, r.UseRange(0))
}

func TestIOOnNonUsedPageFails(t *testing.T) {
	r, _ := newTestRange(t, 2)

	err := r.Write(0, []byte("x"))
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrNotUsed, perr.Code)
}

func TestStopUsingRangeParksOnShrinkerLRU(t *testing.T) {
	r, shrinker := newTestRange(t, 2)

	require.NoError(t, r.UseRange(0))
	assert.Equal(t, 0, shrinker.Count())

	require.NoError(t, r.StopUsingRange(0))
	assert.Equal(t, 1, shrinker.Count())
}

func TestStopUsingRangeOnNonUsedFails(t *testing.T) {
	r, _ := newTestRange(t, 2)

	err := r.StopUsingRange(0)
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrNotUsed, perr.Code)
}

func TestUseRangeReclaimsFromLRUWithoutDataLoss(t *testing.T) {
	r, shrinker := newTestRange(t, 2)

	require.NoError(t, r.UseRange(0))
	require.NoError(t, r.Write(0, []byte("keep-me")))
	require.NoError(t, r.StopUsingRange(0))
	assert.Equal(t, 1, shrinker.Count())

	require.NoError(t, r.UseRange(0))
	assert.Equal(t, 0, shrinker.Count())

	buf := make([]byte, len("keep-me"))
	require.NoError(t, r.Read(0, buf))
	assert.Equal(t, "keep-me", string(buf))
}

func TestShrinkerScanReclaimsAvailablePages(t *testing.T) {
	r, shrinker := newTestRange(t, 4)

	for i := 0; i < 4; i++ {
		require.NoError(t, r.UseRange(i))
		require.NoError(t, r.StopUsingRange(i))
	}
	assert.Equal(t, 4, shrinker.Count())

	n := shrinker.Scan(2)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, shrinker.Count())
}

func TestShrinkerScanSkipsBusyRange(t *testing.T) {
	r, shrinker := newTestRange(t, 1)

	require.NoError(t, r.UseRange(0))
	require.NoError(t, r.StopUsingRange(0))

	r.mu.Lock() // simulate a concurrent in-flight transaction on this range
	n := shrinker.Scan(1)
	r.mu.Unlock()

	assert.Equal(t, 0, n)
}

func TestFillZero(t *testing.T) {
	r, _ := newTestRange(t, 1)

	require.NoError(t, r.UseRange(0))
	require.NoError(t, r.Write(0, []byte("dirty")))
	require.NoError(t, r.FillZero(0, 5))

	buf := make([]byte, 5)
	require.NoError(t, r.Read(0, buf))
	assert.Equal(t, []byte{0, 0, 0, 0, 0}, buf)
}

func TestNewRangeTooLarge(t *testing.T) {
	var mmLock sync.RWMutex
	_, err := NewRange(MaxRangePages+1, &mmLock, NewShrinker())
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrTooLarge, perr.Code)
}
