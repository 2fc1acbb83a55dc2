// Package node implements the binder Node/NodeRef two-tier refcount
// protocol (spec §4.3): a Node tracks how many NodeRef holders exist
// across every process, and each NodeRef tracks how many times
// userspace in one particular process holds that reference.
package node

import (
	"errors"
	"unsafe"

	"github.com/raspberrypi/linux-sub000/internal/logging"
	"github.com/raspberrypi/linux-sub000/internal/wire"
)

// ErrInvalid is returned when a strong clone is requested against a
// NodeRef that holds no strong reference.
var ErrInvalid = errors.New("node: invalid operation")

// Owner is the subset of Process a Node needs, kept as an interface
// so this package never imports internal/process (which imports this
// package for Node/NodeRef).
type Owner interface {
	Lock()
	Unlock()
	IsDead() bool
	RemoveNodeLocked(ptr uint64)
	ScheduleNodeWorkLocked(n *Node)
}

// CountState tracks one direction (strong or weak) of a Node's
// refcount together with whether the owning process believes it
// holds a counterpart kernel-side refcount.
type CountState struct {
	count    uint32
	hasCount bool
}

// Node is a binder object: something a client holds a handle to.
// All of its mutable state is guarded by Owner's lock, mirroring the
// source's LockedBy<NodeInner, ProcessInner>; none of the *Locked
// methods below take or release a lock themselves.
type Node struct {
	Ptr    uint64
	Cookie uint64
	Flags  uint32
	Owner  Owner

	strong        CountState
	weak          CountState
	activeIncRefs uint8
	refs          []*NodeRefInfo

	hasOnewayTransaction bool
	onewayTodo           []OnewayWork
}

// OnewayWork is the narrow interface a transaction queued behind an
// in-flight oneway delivery to the same node satisfies, kept here
// (rather than importing internal/transaction) for the same reason
// Owner is an interface: binder guarantees oneway transactions to a
// single node are delivered in send order, so a second one arriving
// before the first's allocation is freed waits on this node instead of
// going straight onto its target process's todo list.
type OnewayWork interface {
	Deliver()
}

// SubmitOnewayLocked registers w as a oneway delivery targeting this
// node. It reports whether w may be delivered immediately; if another
// oneway delivery to this node is already outstanding, w is queued and
// SubmitOnewayLocked returns false — the caller must not call w.Deliver
// itself in that case, PendingOnewayFinishedLocked will do it once the
// node is free again.
func (n *Node) SubmitOnewayLocked(w OnewayWork) bool {
	if !n.hasOnewayTransaction {
		n.hasOnewayTransaction = true
		return true
	}
	n.onewayTodo = append(n.onewayTodo, w)
	return false
}

// PendingOnewayFinishedLocked is called when a oneway allocation
// targeting this node is freed, releasing the node for the next queued
// delivery (allocation.rs's pending_oneway_finished). It returns the
// next queued delivery, if any; the caller must invoke its Deliver
// after dropping the owner's lock, since delivering pushes onto the
// owning process's todo list under that same lock.
func (n *Node) PendingOnewayFinishedLocked() OnewayWork {
	if len(n.onewayTodo) == 0 {
		n.hasOnewayTransaction = false
		return nil
	}
	next := n.onewayTodo[0]
	n.onewayTodo = n.onewayTodo[1:]
	return next
}

// NodeRefInfo is the back-reference a process keeps in its own table
// for each NodeRef it has handed out, letting Node locate and detach
// them (e.g. on process teardown).
type NodeRefInfo struct {
	NodeRef *NodeRef
}

// New creates a Node owned by owner. ptr/cookie are the opaque
// userspace object identity; flags carries FLAT_BINDER_FLAG_* bits.
func New(ptr, cookie uint64, flags uint32, owner Owner) *Node {
	return &Node{Ptr: ptr, Cookie: cookie, Flags: flags, Owner: owner}
}

// GlobalID is unique across every Node on the system: its own
// address, exactly as the source uses the Rust object's address as
// the by_node map key.
func (n *Node) GlobalID() uintptr { return uintptr(unsafe.Pointer(n)) }

// GetID returns the (ptr, cookie) pair userspace uses to name this node.
func (n *Node) GetID() (uint64, uint64) { return n.Ptr, n.Cookie }

// InsertNodeInfoLocked records a NodeRef pointing at this node.
func (n *Node) InsertNodeInfoLocked(info *NodeRefInfo) {
	n.refs = append(n.refs, info)
}

// RemoveNodeInfoLocked detaches a previously inserted NodeRefInfo.
func (n *Node) RemoveNodeInfoLocked(info *NodeRefInfo) {
	for i, r := range n.refs {
		if r == info {
			n.refs = append(n.refs[:i], n.refs[i+1:]...)
			return
		}
	}
}

// IncRefDoneLocked consumes one pending BC_INCREFS_DONE/BC_ACQUIRE_DONE
// acknowledgment. It returns whether a BR_RELEASE/BR_DECREFS
// notification, postponed while the ack was outstanding, must now be
// scheduled.
func (n *Node) IncRefDoneLocked(strong bool) bool {
	if n.activeIncRefs == 0 {
		logging.Error("inc_ref_done called when no active inc_refs", "ptr", n.Ptr)
		return false
	}

	n.activeIncRefs--
	if n.activeIncRefs != 0 {
		return false
	}

	strongHeld := n.strong.count > 0
	hasStrong := n.strong.hasCount
	weakHeld := strongHeld || n.weak.count > 0
	hasWeak := n.weak.hasCount

	shouldDropWeak := !weakHeld && hasWeak
	shouldDropStrong := !strongHeld && hasStrong
	return shouldDropWeak || shouldDropStrong
}

// UpdateRefcountLocked applies a +count/-count delta to the strong or
// weak side of this Node's refcount and reports whether the owning
// process needs to be told (a BR_INCREFS/BR_ACQUIRE or
// BR_RELEASE/BR_DECREFS transition edge).
func (n *Node) UpdateRefcountLocked(inc, strong bool, count uint32, isDead bool) bool {
	state := &n.weak
	if strong {
		state = &n.strong
	}

	if inc {
		state.count += count
		return !isDead && !state.hasCount
	}

	if state.count < count {
		logging.Error("refcount underflow", "ptr", n.Ptr, "strong", strong)
		return false
	}
	state.count -= count
	return !isDead && state.count == 0 && state.hasCount
}

// UpdateRefcount locks Owner, applies the delta, and schedules
// delivery work if the transition needs to be reported to userspace.
func (n *Node) UpdateRefcount(inc, strong bool, count uint32) {
	n.Owner.Lock()
	defer n.Owner.Unlock()
	if n.UpdateRefcountLocked(inc, strong, count, n.Owner.IsDead()) {
		n.Owner.ScheduleNodeWorkLocked(n)
	}
}

// ForceHasCountLocked marks both directions as already acknowledged,
// used by TakeRefAcked for handles wired up at export time whose owner
// should not receive a redundant BR_INCREFS/BR_ACQUIRE pair.
func (n *Node) ForceHasCountLocked() {
	n.strong.hasCount = true
	n.weak.hasCount = true
}

// CountsLocked reports the current strong/weak refcounts (caller
// holds Owner's lock), used by debug/introspection commands.
func (n *Node) CountsLocked() (strong, weak uint32) {
	return n.strong.count, n.weak.count
}

// WorkResult is one BR_* notification DoWorkLocked produces.
type WorkResult struct {
	Code   wire.Return
	Ptr    uint64
	Cookie uint64
}

// DoWorkLocked runs the four-boolean notification algorithm: it
// decides which of BR_INCREFS/BR_ACQUIRE/BR_RELEASE/BR_DECREFS must be
// delivered to catch the node's has_count bookkeeping up to its actual
// refcounts, and removes the node from its owner if it has become
// entirely unreferenced. Caller holds Owner's lock.
func (n *Node) DoWorkLocked(isDead bool) []WorkResult {
	strong := n.strong.count > 0
	hasStrong := n.strong.hasCount
	weak := strong || n.weak.count > 0
	hasWeak := n.weak.hasCount

	if weak && !hasWeak {
		n.weak.hasCount = true
		n.activeIncRefs++
	}
	if strong && !hasStrong {
		n.strong.hasCount = true
		n.activeIncRefs++
	}

	noActiveIncRefs := n.activeIncRefs == 0
	shouldDropWeak := noActiveIncRefs && !weak && hasWeak
	shouldDropStrong := noActiveIncRefs && !strong && hasStrong
	if shouldDropWeak {
		n.weak.hasCount = false
	}
	if shouldDropStrong {
		n.strong.hasCount = false
	}
	if noActiveIncRefs && !weak {
		n.Owner.RemoveNodeLocked(n.Ptr)
	}

	var results []WorkResult
	if weak && !hasWeak {
		results = append(results, WorkResult{Code: wire.BR_INCREFS, Ptr: n.Ptr, Cookie: n.Cookie})
	}
	if strong && !hasStrong {
		results = append(results, WorkResult{Code: wire.BR_ACQUIRE, Ptr: n.Ptr, Cookie: n.Cookie})
	}
	if shouldDropStrong {
		results = append(results, WorkResult{Code: wire.BR_RELEASE, Ptr: n.Ptr, Cookie: n.Cookie})
	}
	if shouldDropWeak {
		results = append(results, WorkResult{Code: wire.BR_DECREFS, Ptr: n.Ptr, Cookie: n.Cookie})
	}
	return results
}

// ShouldSyncWakeup reports whether delivering this work item should
// wake a thread that is waiting specifically for a synchronous reply.
// A node notification never is one.
func (n *Node) ShouldSyncWakeup() bool { return false }

// NodeRef represents one process's hold on a Node: it may be the
// node's own owning process (a "local" node ref created at node
// creation time) or a remote process that received a handle to it in
// a transaction.
type NodeRef struct {
	Node *Node

	strongNodeCount uint32
	weakNodeCount   uint32
	strongCount     uint32
	weakCount       uint32
}

// NewNodeRef creates a NodeRef already holding strongCount/weakCount
// references from userspace's perspective. The caller is responsible
// for having applied those counts to the node itself; TakeRef and
// TakeRefAcked below are the two ways of doing that.
func NewNodeRef(n *Node, strongCount, weakCount uint32) *NodeRef {
	return &NodeRef{
		Node:            n,
		strongNodeCount: strongCount,
		weakNodeCount:   weakCount,
		strongCount:     strongCount,
		weakCount:       weakCount,
	}
}

// TakeRef takes fresh strong/weak references on n on behalf of some
// other process, queueing BR_INCREFS/BR_ACQUIRE delivery to n's owner
// where the transition warrants it. This is the path a transaction
// that carries a node across processes takes.
func TakeRef(n *Node, strongCount, weakCount uint32) *NodeRef {
	n.Owner.Lock()
	dead := n.Owner.IsDead()
	if weakCount > 0 && n.UpdateRefcountLocked(true, false, weakCount, dead) {
		n.Owner.ScheduleNodeWorkLocked(n)
	}
	if strongCount > 0 && n.UpdateRefcountLocked(true, true, strongCount, dead) {
		n.Owner.ScheduleNodeWorkLocked(n)
	}
	n.Owner.Unlock()
	return NewNodeRef(n, strongCount, weakCount)
}

// TakeRefAcked is TakeRef for references the owner is treated as
// having already acknowledged: the counts are applied but no
// BR_INCREFS/BR_ACQUIRE is queued and has_count is forced on, so the
// eventual release still delivers BR_RELEASE/BR_DECREFS. Used when
// wiring up an initial handle at export time.
func TakeRefAcked(n *Node, strongCount, weakCount uint32) *NodeRef {
	n.Owner.Lock()
	dead := n.Owner.IsDead()
	if weakCount > 0 {
		n.UpdateRefcountLocked(true, false, weakCount, dead)
	}
	if strongCount > 0 {
		n.UpdateRefcountLocked(true, true, strongCount, dead)
	}
	n.ForceHasCountLocked()
	n.Owner.Unlock()
	return NewNodeRef(n, strongCount, weakCount)
}

// Absorb merges other's counts into self; other must reference the
// same Node and is left empty. This is a programming-error check, not
// a recoverable condition, so a mismatch panics.
func (r *NodeRef) Absorb(other *NodeRef) {
	if r.Node != other.Node {
		panic("node: Absorb called with differing nodes")
	}
	r.strongNodeCount += other.strongNodeCount
	r.weakNodeCount += other.weakNodeCount
	r.strongCount += other.strongCount
	r.weakCount += other.weakCount
	other.strongCount = 0
	other.weakCount = 0
	other.strongNodeCount = 0
	other.weakNodeCount = 0
}

// Clone creates a new NodeRef on the same Node with a single
// reference of the requested strength, taking that reference on the
// node. It fails if a strong clone is requested from a NodeRef that
// holds no strong reference (a dead reference cannot be promoted).
func (r *NodeRef) Clone(strong bool) (*NodeRef, error) {
	if strong && r.strongCount == 0 {
		return nil, ErrInvalid
	}
	if strong {
		return TakeRef(r.Node, 1, 0), nil
	}
	return TakeRef(r.Node, 0, 1), nil
}

// Update increments or decrements the reference counts held against
// the node. When a count transitions 0->1 or 1->0 it notifies the
// node via UpdateRefcount. It returns whether r itself is now fully
// unreferenced and should be dropped by the caller.
func (r *NodeRef) Update(inc, strong bool) bool {
	// A NodeRef that holds no strong reference cannot be upgraded to
	// strong through Update (only through Clone/creation); this mirrors
	// the equivalent guard on the strong side in the source.
	if strong && r.strongCount == 0 {
		return false
	}
	var count, nodeCount *uint32
	var otherCount uint32
	if strong {
		count, nodeCount, otherCount = &r.strongCount, &r.strongNodeCount, r.weakCount
	} else {
		count, nodeCount, otherCount = &r.weakCount, &r.weakNodeCount, r.strongCount
	}

	if inc {
		if *count == 0 {
			*nodeCount = 1
			r.Node.UpdateRefcount(true, strong, 1)
		}
		*count++
		return false
	}

	if *count == 0 {
		logging.Error("ref decrement below zero", "ptr", r.Node.Ptr, "strong", strong)
		return false
	}
	*count--
	if *count == 0 {
		r.Node.UpdateRefcount(false, strong, *nodeCount)
		*nodeCount = 0
		return otherCount == 0
	}
	return false
}

// Release drops whatever node-side refcounts this NodeRef is still
// holding. Callers must call it exactly once when done with a
// NodeRef, standing in for the source's Drop impl (Go has no
// destructors).
func (r *NodeRef) Release() {
	if r.strongNodeCount > 0 {
		r.Node.UpdateRefcount(false, true, r.strongNodeCount)
	}
	if r.weakNodeCount > 0 {
		r.Node.UpdateRefcount(false, false, r.weakNodeCount)
	}
}
