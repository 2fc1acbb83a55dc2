package node

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/raspberrypi/linux-sub000/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOwner struct {
	mu        sync.Mutex
	dead      bool
	removed   []uint64
	scheduled []*Node
}

func (f *fakeOwner) Lock()                          { f.mu.Lock() }
func (f *fakeOwner) Unlock()                        { f.mu.Unlock() }
func (f *fakeOwner) IsDead() bool                   { return f.dead }
func (f *fakeOwner) RemoveNodeLocked(ptr uint64)    { f.removed = append(f.removed, ptr) }
func (f *fakeOwner) ScheduleNodeWorkLocked(n *Node) { f.scheduled = append(f.scheduled, n) }

func TestUpdateRefcountLockedIncrementEdge(t *testing.T) {
	owner := &fakeOwner{}
	n := New(1, 2, 0, owner)

	// 0 -> 1 on a live node must request notification.
	notify := n.UpdateRefcountLocked(true, true, 1, false)
	assert.True(t, notify)

	// 1 -> 2 still notifies: has_count stays false until the owner has
	// been told.
	notify = n.UpdateRefcountLocked(true, true, 1, false)
	assert.True(t, notify)

	// Once has_count is set, a further increment does not notify.
	n.ForceHasCountLocked()
	notify = n.UpdateRefcountLocked(true, true, 1, false)
	assert.False(t, notify)
}

func TestUpdateRefcountLockedDeadNodeNeverNotifies(t *testing.T) {
	owner := &fakeOwner{}
	n := New(1, 2, 0, owner)

	notify := n.UpdateRefcountLocked(true, true, 1, true)
	assert.False(t, notify)
}

func TestUpdateRefcountLockedDecrementToZeroWithHasCountNotifies(t *testing.T) {
	owner := &fakeOwner{}
	n := New(1, 2, 0, owner)
	n.UpdateRefcountLocked(true, true, 1, false)
	n.strong.hasCount = true

	notify := n.UpdateRefcountLocked(false, true, 1, false)
	assert.True(t, notify)
	assert.Equal(t, uint32(0), n.strong.count)
}

func TestIncRefDoneLockedWithNoActiveRefsLogsAndReturnsFalse(t *testing.T) {
	owner := &fakeOwner{}
	n := New(1, 2, 0, owner)

	assert.False(t, n.IncRefDoneLocked(true))
}

func TestDoWorkLockedDeliversIncRefsAndAcquireOnFirstReference(t *testing.T) {
	owner := &fakeOwner{}
	n := New(0xAAA, 0xBBB, 0, owner)
	n.strong.count = 1
	n.weak.count = 1

	results := n.DoWorkLocked(false)

	var codes []wire.Return
	for _, r := range results {
		codes = append(codes, r.Code)
	}
	assert.Contains(t, codes, wire.BR_INCREFS)
	assert.Contains(t, codes, wire.BR_ACQUIRE)
	assert.Equal(t, uint8(2), n.activeIncRefs)
}

func TestDoWorkLockedRemovesNodeWhenFullyUnreferenced(t *testing.T) {
	owner := &fakeOwner{}
	n := New(0xAAA, 0xBBB, 0, owner)

	results := n.DoWorkLocked(false)

	assert.Empty(t, results)
	assert.Equal(t, []uint64{0xAAA}, owner.removed)
}

func TestDoWorkLockedDropsStrongAndWeakWhenReferencesGoAway(t *testing.T) {
	owner := &fakeOwner{}
	n := New(0xAAA, 0xBBB, 0, owner)
	n.strong.hasCount = true
	n.weak.hasCount = true

	results := n.DoWorkLocked(false)

	var codes []wire.Return
	for _, r := range results {
		codes = append(codes, r.Code)
	}
	assert.Contains(t, codes, wire.BR_RELEASE)
	assert.Contains(t, codes, wire.BR_DECREFS)
}

func TestNodeRefUpdateNotifiesNodeOnFirstWeakReference(t *testing.T) {
	owner := &fakeOwner{}
	n := New(1, 2, 0, owner)
	ref := NewNodeRef(n, 0, 0)

	removed := ref.Update(true, false)
	assert.False(t, removed)
	assert.Equal(t, uint32(1), n.weak.count)
	require.Len(t, owner.scheduled, 1)
}

func TestNodeRefUpdateRemovesRefWhenBothCountsReachZero(t *testing.T) {
	owner := &fakeOwner{}
	n := New(1, 2, 0, owner)
	ref := NewNodeRef(n, 1, 0) // already holds one strong reference

	removed := ref.Update(false, true)
	assert.True(t, removed) // weak was already zero
	assert.Equal(t, uint32(0), n.strong.count)
}

func TestNodeRefUpdateOnStrongFromZeroIsNoOp(t *testing.T) {
	owner := &fakeOwner{}
	n := New(1, 2, 0, owner)
	ref := NewNodeRef(n, 0, 1) // weak only, no strong ref to upgrade

	removed := ref.Update(true, true)
	assert.False(t, removed)
	assert.Equal(t, uint32(0), n.strong.count)
	assert.Empty(t, owner.scheduled)
}

func TestNodeRefCloneRequiresExistingStrongRef(t *testing.T) {
	owner := &fakeOwner{}
	n := New(1, 2, 0, owner)
	ref := NewNodeRef(n, 0, 1) // weak only

	_, err := ref.Clone(true)
	assert.ErrorIs(t, err, ErrInvalid)

	clone, err := ref.Clone(false)
	require.NoError(t, err)
	assert.Same(t, n, clone.Node)
}

func TestNodeRefAbsorbMergesAndZeroesOther(t *testing.T) {
	owner := &fakeOwner{}
	n := New(1, 2, 0, owner)
	a := NewNodeRef(n, 1, 1)
	b := NewNodeRef(n, 2, 3)

	a.Absorb(b)

	assert.Equal(t, uint32(3), a.strongCount)
	assert.Equal(t, uint32(4), a.weakCount)
	assert.Equal(t, uint32(0), b.strongCount)
	assert.Equal(t, uint32(0), b.weakCount)
}

func TestNodeRefAbsorbPanicsOnDifferentNodes(t *testing.T) {
	owner := &fakeOwner{}
	a := NewNodeRef(New(1, 1, 0, owner), 1, 0)
	b := NewNodeRef(New(2, 2, 0, owner), 1, 0)

	assert.Panics(t, func() { a.Absorb(b) })
}

func TestTakeRefAppliesCountsAndSchedulesOwner(t *testing.T) {
	owner := &fakeOwner{}
	n := New(1, 2, 0, owner)

	ref := TakeRef(n, 1, 1)

	assert.Equal(t, uint32(1), n.strong.count)
	assert.Equal(t, uint32(1), n.weak.count)
	assert.NotEmpty(t, owner.scheduled)
	assert.Equal(t, uint32(1), ref.strongCount)
}

func TestTakeRefAckedSuppressesNotification(t *testing.T) {
	owner := &fakeOwner{}
	n := New(1, 2, 0, owner)

	_ = TakeRefAcked(n, 1, 1)

	assert.Empty(t, owner.scheduled)
	assert.True(t, n.strong.hasCount)
	assert.True(t, n.weak.hasCount)
	assert.Equal(t, uint32(1), n.strong.count)
}

// TestNodeRefcountConservation drives a randomized sequence of
// update/clone operations and checks after every step that the node's
// global counts equal the sums contributed by the live NodeRefs.
func TestNodeRefcountConservation(t *testing.T) {
	owner := &fakeOwner{}
	n := New(1, 2, 0, owner)
	rng := rand.New(rand.NewSource(7))

	refs := []*NodeRef{TakeRef(n, 1, 1)}
	for i := 0; i < 500 && len(refs) > 0; i++ {
		idx := rng.Intn(len(refs))
		r := refs[idx]
		strong := rng.Intn(2) == 0
		switch rng.Intn(3) {
		case 0:
			r.Update(true, strong)
		case 1:
			if (strong && r.strongCount > 0) || (!strong && r.weakCount > 0) {
				if r.Update(false, strong) {
					refs = append(refs[:idx], refs[idx+1:]...)
				}
			}
		case 2:
			if clone, err := r.Clone(strong); err == nil {
				refs = append(refs, clone)
			}
		}

		var strongSum, weakSum uint32
		for _, rr := range refs {
			strongSum += rr.strongNodeCount
			weakSum += rr.weakNodeCount
		}
		require.Equal(t, strongSum, n.strong.count, "strong counts diverged at step %d", i)
		require.Equal(t, weakSum, n.weak.count, "weak counts diverged at step %d", i)
	}
}

// Clone then Release must be a no-op on the node's global counts.
func TestNodeRefCloneThenReleaseIsNoOp(t *testing.T) {
	owner := &fakeOwner{}
	n := New(1, 2, 0, owner)
	ref := TakeRef(n, 1, 1)

	clone, err := ref.Clone(true)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), n.strong.count)

	clone.Release()
	assert.Equal(t, uint32(1), n.strong.count)
	assert.Equal(t, uint32(1), n.weak.count)
}

func TestNodeRefReleaseDropsOutstandingNodeCounts(t *testing.T) {
	owner := &fakeOwner{}
	n := New(1, 2, 0, owner)
	ref := TakeRef(n, 1, 0)
	require.Equal(t, uint32(1), n.strong.count)

	ref.Release()

	assert.Equal(t, uint32(0), n.strong.count)
}
