package process

import (
	"encoding/binary"
	"fmt"

	"github.com/raspberrypi/linux-sub000/internal/listarc"
	"github.com/raspberrypi/linux-sub000/internal/node"
	"github.com/raspberrypi/linux-sub000/internal/wire"
)

// WorkItem is the todo-list vtable every deliverable unit implements
// (spec §4.5/§4.6): a node refcount notification, a bare return code,
// or — from internal/transaction, which implements this interface
// against these same Thread/ReadWriter types — a transaction.
type WorkItem interface {
	listarc.Item
	DoWork(t *Thread, rw *ReadWriter) (shouldContinue bool, err error)
	Cancel()
	OnThreadSelected(t *Thread)
	ShouldSyncWakeup() bool
	DebugPrint() string
}

// ReadWriter is a cursor over a WRITE_READ read buffer. The "copy to
// user" primitive itself is a host-OS collaborator out of scope (spec
// §1); callers of Process.Thread.WriteRead already hold the resolved
// Go slice, so this type only tracks how much of it has been filled.
type ReadWriter struct {
	buf []byte
	pos int
}

// NewReadWriter wraps buf for sequential filling.
func NewReadWriter(buf []byte) *ReadWriter { return &ReadWriter{buf: buf} }

// Pos reports how many bytes have been written so far.
func (w *ReadWriter) Pos() int { return w.pos }

// Remaining reports how much room is left in the buffer.
func (w *ReadWriter) Remaining() int { return len(w.buf) - w.pos }

// PutReturn writes a bare 4-byte return code, reporting whether it fit.
func (w *ReadWriter) PutReturn(code wire.Return) bool {
	if w.Remaining() < 4 {
		return false
	}
	binary.LittleEndian.PutUint32(w.buf[w.pos:], uint32(code))
	w.pos += 4
	return true
}

// PutNodeResult writes one BR_INCREFS/BR_ACQUIRE/BR_RELEASE/BR_DECREFS
// notification: the code followed by the node's (ptr, cookie) pair.
func (w *ReadWriter) PutNodeResult(r node.WorkResult) bool {
	const size = 4 + 8 + 8
	if w.Remaining() < size {
		return false
	}
	binary.LittleEndian.PutUint32(w.buf[w.pos:], uint32(r.Code))
	binary.LittleEndian.PutUint64(w.buf[w.pos+4:], r.Ptr)
	binary.LittleEndian.PutUint64(w.buf[w.pos+12:], r.Cookie)
	w.pos += size
	return true
}

// PutTransactionData writes a return code followed by a wire
// transaction descriptor.
func (w *ReadWriter) PutTransactionData(code wire.Return, td wire.TransactionData) bool {
	if w.Remaining() < 4+wire.TransactionDataSize {
		return false
	}
	if !w.PutReturn(code) {
		return false
	}
	td.Encode(w.buf[w.pos:])
	w.pos += wire.TransactionDataSize
	return true
}

// PutTransactionDataSecctx writes BR_TRANSACTION_SEC_CTX followed by
// the descriptor variant with the trailing secctx pointer.
func (w *ReadWriter) PutTransactionDataSecctx(td wire.TransactionDataSecctx) bool {
	if w.Remaining() < 4+wire.TransactionDataSecctxSize {
		return false
	}
	if !w.PutReturn(wire.BR_TRANSACTION_SEC_CTX) {
		return false
	}
	td.Encode(w.buf[w.pos:])
	w.pos += wire.TransactionDataSecctxSize
	return true
}

// PutAt overwrites the return code at the very start of the buffer,
// used to replace a reserved BR_NOOP with BR_SPAWN_LOOPER once the
// read phase learns a new pool thread is needed.
func (w *ReadWriter) PutAt(offset int, code wire.Return) {
	binary.LittleEndian.PutUint32(w.buf[offset:], uint32(code))
}

// nodeWorkItem adapts a *node.Node's DoWorkLocked notification
// algorithm to the WorkItem vtable without node importing this
// package (the same Owner-interface seam node.go documents).
type nodeWorkItem struct {
	links listarc.Links
	n     *node.Node
}

func (w *nodeWorkItem) ListLinks() *listarc.Links { return &w.links }

func (w *nodeWorkItem) DoWork(t *Thread, rw *ReadWriter) (bool, error) {
	t.process.mu.Lock()
	results := w.n.DoWorkLocked(t.process.isDead)
	t.process.mu.Unlock()
	for _, r := range results {
		if !rw.PutNodeResult(r) {
			return false, nil
		}
	}
	return true, nil
}

func (w *nodeWorkItem) Cancel() {}

func (w *nodeWorkItem) OnThreadSelected(t *Thread) {}

func (w *nodeWorkItem) ShouldSyncWakeup() bool { return w.n.ShouldSyncWakeup() }

func (w *nodeWorkItem) DebugPrint() string {
	return fmt.Sprintf("node work ptr=%#x cookie=%#x", w.n.Ptr, w.n.Cookie)
}

// bareWorkItem is a todo entry that advances a single return code with
// no payload, used for BR_TRANSACTION_COMPLETE acknowledgments.
type bareWorkItem struct {
	links listarc.Links
	code  wire.Return
}

func (w *bareWorkItem) ListLinks() *listarc.Links { return &w.links }

func (w *bareWorkItem) DoWork(t *Thread, rw *ReadWriter) (bool, error) {
	if !rw.PutReturn(w.code) {
		return false, nil
	}
	return true, nil
}

func (w *bareWorkItem) Cancel() {}

func (w *bareWorkItem) OnThreadSelected(t *Thread) {}

func (w *bareWorkItem) ShouldSyncWakeup() bool { return false }

func (w *bareWorkItem) DebugPrint() string { return "bare:" + w.code.String() }
