// Package transaction implements one-way Transaction delivery (spec
// §4.5): building a Transaction out of a BC_TRANSACTION command,
// queuing it as a process.WorkItem, and the Allocation its payload
// lives in while in flight.
package transaction

import (
	"fmt"
	"time"

	"github.com/raspberrypi/linux-sub000/internal/listarc"
	"github.com/raspberrypi/linux-sub000/internal/metrics"
	"github.com/raspberrypi/linux-sub000/internal/node"
	"github.com/raspberrypi/linux-sub000/internal/process"
	"github.com/raspberrypi/linux-sub000/internal/wire"
	lru "github.com/hashicorp/golang-lru/v2"
)

// recentTraceCapacity bounds the ring of recently delivered
// transactions kept for GET_EXTENDED_ERROR-style debugging.
const recentTraceCapacity = 64

// Trace is one entry in the recent-transaction cache, kept for
// GET_EXTENDED_ERROR-style debugging and readable through RecentTrace;
// nothing else in this module reads it.
type Trace struct {
	Code    uint32
	Flags   uint32
	FromPID int32
	ToNode  uint64
}

var recent, _ = lru.New[uint64, Trace](recentTraceCapacity)

func recordTrace(key uint64, tr Trace) { recent.Add(key, tr) }

// RecentTrace returns the cached trace for a transaction keyed by its
// arena offset, if still present.
func RecentTrace(key uint64) (Trace, bool) {
	return recent.Get(key)
}

// Transaction is a queued one-way delivery (transaction.rs). Unlike
// the source this implementation never carries a reply path: non-oneway
// construction is rejected by Build before a Transaction is created.
type Transaction struct {
	links listarc.Links

	targetNode *node.Node
	fromPID    int32
	toProcess  *process.Process

	code       uint32
	flags      uint32
	dataSize   uint64
	senderEUID uint32

	// secctxOff is the offset of the sender's security context within
	// the allocation, valid only when hasSecctx is set (the target node
	// carries FLAT_BINDER_FLAG_TXN_SECURITY_CTX).
	secctxOff uint64
	hasSecctx bool

	submitted time.Time

	alloc *Allocation
}

func align8(n uint64) uint64 { return (n + 7) &^ 7 }

// Build constructs a Transaction out of a decoded wire descriptor and
// hands it an Allocation already reserved in the target process's
// arena. It satisfies process.TransactionBuilder.
func Build(from *process.Thread, target *node.NodeRef, trd wire.TransactionData, payload []byte) (process.WorkItem, error) {
	if trd.Flags&wire.TF_ONE_WAY == 0 {
		return nil, ErrNonOneway
	}

	targetProc, ok := target.Node.Owner.(*process.Process)
	if !ok {
		return nil, fmt.Errorf("transaction: node owner is not a process.Process")
	}
	if targetProc.IsProcessDead() {
		return nil, ErrDeadTarget
	}

	// The allocation holds the 8-aligned payload, then the sender's
	// NUL-terminated security context when the node asks for one.
	var secctx []byte
	secctxOff := align8(uint64(len(payload)))
	allocSize := secctxOff
	if target.Node.Flags&wire.FLAT_BINDER_FLAG_TXN_SECURITY_CTX != 0 {
		secctx = append([]byte(from.Process().Secctx()), 0)
		allocSize += uint64(len(secctx))
	}
	if allocSize == 0 {
		allocSize = 8
	}

	offset, err := targetProc.ReserveArena(allocSize, true, from.Process().ID())
	if err != nil {
		return nil, ErrArenaExhausted
	}
	alloc := NewAllocation(targetProc, offset, allocSize)
	if len(payload) > 0 {
		if err := alloc.Write(0, payload); err != nil {
			_ = alloc.Cancel()
			return nil, err
		}
	}
	if len(secctx) > 0 {
		if err := alloc.Write(secctxOff, secctx); err != nil {
			_ = alloc.Cancel()
			return nil, err
		}
	}
	if trd.Flags&wire.TF_CLEAR_BUF != 0 {
		alloc.SetClearOnFree()
	}

	// Hold the target node until the buffer is freed; the clone is
	// released by the allocation's cleanup hook.
	held, err := target.Clone(true)
	if err != nil {
		_ = alloc.Cancel()
		return nil, err
	}
	alloc.SetTargetNode(held)

	t := &Transaction{
		targetNode: target.Node,
		fromPID:    from.PID(),
		toProcess:  targetProc,
		code:       trd.Code,
		flags:      trd.Flags,
		dataSize:   uint64(len(payload)),
		senderEUID: trd.SenderEUID,
		secctxOff:  secctxOff,
		hasSecctx:  len(secctx) > 0,
		submitted:  time.Now(),
		alloc:      alloc,
	}
	alloc.SetOnewayNode(target.Node)

	// Binder guarantees one-way transactions to the same node are
	// delivered in send order: if one is already in flight, this one
	// waits on the node itself instead of going onto the process todo
	// list, and Deliver runs later from PendingOnewayFinishedLocked
	// (allocation.rs's pending_oneway_finished contract).
	target.Node.Owner.Lock()
	deliverNow := target.Node.SubmitOnewayLocked(t)
	target.Node.Owner.Unlock()
	if deliverNow {
		t.Deliver()
	}

	return t, nil
}

// Deliver submits the transaction onto its target process's todo list,
// satisfying node.OnewayWork. Called either immediately by Build (the
// node had no transaction already in flight) or later by the node once
// its prior delivery's allocation is freed.
func (t *Transaction) Deliver() {
	if err := t.toProcess.PushWork(t); err != nil {
		t.Cancel()
	}
}

// ListLinks implements listarc.Item.
func (t *Transaction) ListLinks() *listarc.Links { return &t.links }

// DoWork delivers the transaction descriptor to the selected thread's
// read buffer (transaction.rs's DeliverToRead::do_work). It always
// returns false: a transaction is always the last thing written before
// the read phase yields control back to userspace, exactly as a reply
// or one-way delivery ends a read pass in the source.
func (t *Transaction) DoWork(th *process.Thread, rw *process.ReadWriter) (bool, error) {
	ptr, cookie := t.targetNode.GetID()
	td := wire.TransactionData{
		Handle:     ptr,
		Cookie:     cookie,
		Code:       t.code,
		Flags:      t.flags,
		SenderPID:  0,
		SenderEUID: t.senderEUID,
		DataSize:   t.dataSize,
		DataBuffer: t.alloc.Offset,
	}
	if t.hasSecctx {
		sec := wire.TransactionDataSecctx{
			Data:       td,
			SecctxAddr: t.alloc.Offset + t.secctxOff,
		}
		if !rw.PutTransactionDataSecctx(sec) {
			return false, nil
		}
	} else if !rw.PutTransactionData(wire.BR_TRANSACTION, td) {
		return false, nil
	}

	metrics.TransactionDeliveryDuration.Observe(time.Since(t.submitted).Seconds())
	recordTrace(t.alloc.Offset, Trace{Code: t.code, Flags: t.flags, FromPID: t.fromPID, ToNode: t.targetNode.Ptr})

	// Responsibility for the allocation now passes to userspace; it is
	// freed later by BC_FREE_BUFFER (allocation.rs's keep_alive).
	if err := t.alloc.KeepAlive(); err != nil {
		return false, err
	}
	return false, nil
}

// Cancel releases the transaction's allocation without ever delivering
// it — the process died, or the thread it was queued on exited, before
// a read phase drained it.
func (t *Transaction) Cancel() {
	_ = t.alloc.Cancel()
}

// OnThreadSelected is a no-op: a one-way Transaction carries no
// thread-affinity state to update once a specific Thread is chosen to
// deliver it.
func (t *Transaction) OnThreadSelected(th *process.Thread) {}

// ShouldSyncWakeup reports whether waking a thread for this item
// should count as satisfying a synchronous wait. One-way transactions
// never do (transaction.rs: `flags & TF_ONE_WAY == 0`, always false
// here since non-oneway construction is rejected).
func (t *Transaction) ShouldSyncWakeup() bool { return false }

// DebugPrint renders a one-line summary for debug introspection.
func (t *Transaction) DebugPrint() string {
	return fmt.Sprintf("transaction code=%#x flags=%#x from_pid=%d data_size=%d", t.code, t.flags, t.fromPID, t.dataSize)
}
