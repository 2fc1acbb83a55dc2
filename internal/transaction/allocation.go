package transaction

import (
	"fmt"

	"github.com/raspberrypi/linux-sub000/internal/logging"
	"github.com/raspberrypi/linux-sub000/internal/node"
	"github.com/raspberrypi/linux-sub000/internal/process"
)

// AllocationInfo carries what happens when an Allocation is eventually
// freed (allocation.rs's AllocationInfo): the reference keeping the
// target node alive while the buffer is outstanding, the node whose
// oneway serialization this allocation is holding up, and whether the
// buffer must be zeroed before the segment goes back to Free.
type AllocationInfo struct {
	TargetNode  *node.NodeRef
	OnewayNode  *node.Node
	ClearOnFree bool
}

// Allocation is a single reservation inside a Process's shared arena,
// still owned by the kernel side until KeepAlive hands it off to
// userspace (allocation.rs).
type Allocation struct {
	proc    *process.Process
	Offset  uint64
	size    uint64
	info    *AllocationInfo
	settled bool
}

// NewAllocation wraps a fresh reservation at offset/size inside proc.
func NewAllocation(proc *process.Process, offset, size uint64) *Allocation {
	return &Allocation{proc: proc, Offset: offset, size: size}
}

func (a *Allocation) checkBounds(offset uint64, length int) error {
	if offset+uint64(length) > a.size {
		return fmt.Errorf("transaction: allocation write out of bounds (offset=%d len=%d size=%d)", offset, length, a.size)
	}
	return nil
}

// Write copies src into the allocation at the given offset (allocation.rs's
// write/copy_into).
func (a *Allocation) Write(offset uint64, src []byte) error {
	if err := a.checkBounds(offset, len(src)); err != nil {
		return err
	}
	return a.proc.WriteArena(a.Offset+offset, src)
}

// Read copies out of the allocation at offset into dst.
func (a *Allocation) Read(offset uint64, dst []byte) error {
	if err := a.checkBounds(offset, len(dst)); err != nil {
		return err
	}
	return a.proc.ReadArena(a.Offset+offset, dst)
}

// FillZero zeroes the entire allocation (allocation.rs's fill_zero).
func (a *Allocation) FillZero() error {
	return a.proc.FillZeroArena(a.Offset, int(a.size))
}

// SetInfo attaches info, replacing whatever was previously set.
func (a *Allocation) SetInfo(info AllocationInfo) {
	a.info = &info
}

// getOrInitInfo mirrors get_or_init_info: the individual set_info_*
// helpers below build up the record field by field as Build discovers
// each piece.
func (a *Allocation) getOrInitInfo() *AllocationInfo {
	if a.info == nil {
		a.info = &AllocationInfo{}
	}
	return a.info
}

// SetTargetNode records the reference holding the target node alive
// until the buffer is freed; it is released by the free-time hook.
func (a *Allocation) SetTargetNode(ref *node.NodeRef) { a.getOrInitInfo().TargetNode = ref }

// SetOnewayNode records the node whose oneway serialization this
// allocation must release when freed.
func (a *Allocation) SetOnewayNode(n *node.Node) { a.getOrInitInfo().OnewayNode = n }

// SetClearOnFree requests the buffer be zeroed when the allocation is freed.
func (a *Allocation) SetClearOnFree() { a.getOrInitInfo().ClearOnFree = true }

// KeepAlive commits the allocation into the arena's Allocated state,
// registering a.info's cleanup as the hook BC_FREE_BUFFER (or process
// teardown) eventually runs. After this call the Allocation is no
// longer owned by the caller (allocation.rs's keep_alive /
// buffer_make_freeable).
func (a *Allocation) KeepAlive() error {
	a.settled = true
	info := a.info
	size := int(a.size)
	return a.proc.CommitArena(a.Offset, info, func(any) {
		runAllocationInfo(a.proc, a.Offset, size, info)
	})
}

// Cancel aborts a reservation that was never handed to userspace (a
// transaction submission that failed after ReserveArena succeeded).
func (a *Allocation) Cancel() error {
	if a.settled {
		return nil
	}
	a.settled = true
	return releaseAllocation(a.proc, a.Offset, int(a.size), a.info)
}

// runAllocationInfo performs the Drop-equivalent side effects captured
// in info — releasing the node's oneway serialization slot and
// optionally zeroing the buffer — the hook both KeepAlive (via
// Process.FreeBuffer) and Cancel run before the segment goes back to
// Free (allocation.rs's Drop impl).
func runAllocationInfo(proc *process.Process, offset uint64, size int, info *AllocationInfo) {
	if info == nil {
		return
	}
	if info.OnewayNode != nil {
		// The next queued delivery must run outside the owner's lock:
		// Deliver pushes onto the owning process's todo list, which is
		// guarded by that same lock.
		info.OnewayNode.Owner.Lock()
		next := info.OnewayNode.PendingOnewayFinishedLocked()
		info.OnewayNode.Owner.Unlock()
		if next != nil {
			next.Deliver()
		}
	}
	if info.ClearOnFree {
		if err := proc.FillZeroArena(offset, size); err != nil {
			logging.Error("failed to clear data on free", "offset", offset, "err", err)
		}
	}
	if info.TargetNode != nil {
		info.TargetNode.Release()
	}
}

// releaseAllocation runs the same info-driven side effects as
// KeepAlive's hook, then immediately aborts the reservation — used by
// Cancel, which frees an allocation that was never committed.
func releaseAllocation(proc *process.Process, offset uint64, size int, info *AllocationInfo) error {
	runAllocationInfo(proc, offset, size, info)
	return proc.AbortArena(offset, uint64(size))
}
