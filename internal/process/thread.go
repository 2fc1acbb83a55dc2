package process

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/raspberrypi/linux-sub000/internal/listarc"
	"github.com/raspberrypi/linux-sub000/internal/logging"
	"github.com/raspberrypi/linux-sub000/internal/metrics"
	"github.com/raspberrypi/linux-sub000/internal/wire"
	"golang.org/x/sys/unix"
)

// Looper-flags bitset (thread.rs).
const (
	looperRegistered uint32 = 1 << 0
	looperEntered    uint32 = 1 << 1
	looperExited     uint32 = 1 << 2
	looperInvalid    uint32 = 1 << 3
)

var errIDSeq atomic.Uint32

// nextErrID hands out the globally monotone id every Thread's
// extended-error record is stamped with (thread.rs's static
// AtomicU32 counter).
func nextErrID() uint32 { return errIDSeq.Add(1) }

// CurrentThreadID returns the calling OS thread's id, the identity
// get_current_thread keys its lookup on. Callers that need a stable
// per-userspace-thread Thread across repeated WRITE_READ calls — the
// normal binder usage pattern — must pin their goroutine to its OS
// thread first (runtime.LockOSThread), the same discipline the
// teacher's queue runner used Gettid/LockOSThread for.
func CurrentThreadID() int32 { return int32(unix.Gettid()) }

// Thread is per-userspace-thread state inside a Process (spec §3/§4.4).
type Thread struct {
	pid     int32
	process *Process

	mu          sync.Mutex
	looperFlags uint32
	isDead      bool
	extErr      wire.ExtendedError

	todo listarc.List[WorkItem]
}

// PID returns the task id this Thread represents.
func (t *Thread) PID() int32 { return t.pid }

// Process returns the owning Process.
func (t *Thread) Process() *Process { return t.process }

// EnterLooper handles BC_ENTER_LOOPER: the caller cannot also be
// registered through BC_REGISTER_LOOPER.
func (t *Thread) EnterLooper() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.looperFlags |= looperEntered
	if t.looperFlags&looperRegistered != 0 {
		t.looperFlags |= looperInvalid
	}
}

// RegisterLooper handles BC_REGISTER_LOOPER. valid is the result of
// Process.RegisterThread: a spurious register (no outstanding spawn
// request) or a register after ENTER_LOOPER both mark the thread
// INVALID without otherwise failing the command.
func (t *Thread) RegisterLooper(valid bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.looperFlags |= looperRegistered
	if !valid || t.looperFlags&looperEntered != 0 {
		t.looperFlags |= looperInvalid
	}
}

// ExitLooper handles BC_EXIT_LOOPER.
func (t *Thread) ExitLooper() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.looperFlags |= looperExited
}

// IsLooper reports whether this thread has joined the pool (spec
// §4.4: ENTERED|REGISTERED intersects its flags).
func (t *Thread) IsLooper() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.looperFlags&(looperEntered|looperRegistered) != 0
}

// LooperFlags exposes the raw bitset for tests and debug introspection.
func (t *Thread) LooperFlags() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.looperFlags
}

func (t *Thread) setExtendedError(cmd wire.Command, param int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.extErr = wire.ExtendedError{ID: nextErrID(), Command: uint32(cmd), Param: param}
}

// ExtendedError returns the current error record (GET_EXTENDED_ERROR).
func (t *Thread) ExtendedError() wire.ExtendedError {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.extErr
}

func (t *Thread) pushTodo(item WorkItem) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.todo.PushBack(item); err != nil {
		return err
	}
	metrics.TodoQueueDepth.WithLabelValues("thread").Inc()
	return nil
}

func (t *Thread) popTodo() (WorkItem, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.todo.PopFront()
	if ok {
		metrics.TodoQueueDepth.WithLabelValues("thread").Dec()
	}
	return item, ok
}

// release marks the thread dead and cancels whatever is left on its
// own todo list (THREAD_EXIT, or process teardown).
func (t *Thread) release() {
	t.mu.Lock()
	t.isDead = true
	t.mu.Unlock()
	for {
		item, ok := t.popTodo()
		if !ok {
			break
		}
		item.Cancel()
	}
}

// WriteRead implements the WRITE_READ control operation (spec §4.4):
// a write phase that parses BC_* commands out of writeBuf, then a read
// phase that drains todo work into readBuf. wr carries the
// WriteSize/ReadSize the caller asked for and is updated in place with
// how much of each buffer was actually consumed, mirroring the packed
// header userspace supplies. block selects whether an empty read phase
// should report ErrWouldBlock or return immediately with only the
// BR_NOOP header consumed.
func (t *Thread) WriteRead(wr *wire.WriteRead, writeBuf, readBuf []byte, block bool) error {
	if wr.WriteSize > 0 {
		n, err := t.writePhase(writeBuf[:wr.WriteSize])
		wr.WriteConsumed = uint64(n)
		if err != nil {
			wr.ReadConsumed = 0
			return err
		}
	}
	if wr.ReadSize > 0 {
		n, err := t.readPhase(readBuf[:wr.ReadSize], wr.ReadConsumed != 0, block)
		wr.ReadConsumed = uint64(n)
		return err
	}
	return nil
}

func (t *Thread) writePhase(buf []byte) (int, error) {
	consumed := 0
	for consumed+4 <= len(buf) {
		cmd := wire.Command(binary.LittleEndian.Uint32(buf[consumed:]))
		n, err := t.dispatchCommand(cmd, buf[consumed+4:])
		if err != nil {
			t.setExtendedError(cmd, -int32(unix.EINVAL))
			return consumed, err
		}
		consumed += 4 + n
	}
	return consumed, nil
}

func (t *Thread) dispatchCommand(cmd wire.Command, body []byte) (int, error) {
	switch cmd {
	case wire.BC_ENTER_LOOPER:
		t.EnterLooper()
		return 0, nil

	case wire.BC_EXIT_LOOPER:
		t.ExitLooper()
		return 0, nil

	case wire.BC_REGISTER_LOOPER:
		ok := t.process.RegisterThread()
		t.RegisterLooper(ok)
		return 0, nil

	case wire.BC_INCREFS, wire.BC_ACQUIRE, wire.BC_RELEASE, wire.BC_DECREFS:
		if len(body) < 4 {
			return 0, ErrInvalid
		}
		handle := binary.LittleEndian.Uint32(body)
		inc := cmd == wire.BC_INCREFS || cmd == wire.BC_ACQUIRE
		strong := cmd == wire.BC_ACQUIRE || cmd == wire.BC_RELEASE
		if err := t.process.UpdateHandleRef(handle, inc, strong); err != nil {
			return 0, err
		}
		return 4, nil

	case wire.BC_INCREFS_DONE, wire.BC_ACQUIRE_DONE:
		if len(body) < 16 {
			return 0, ErrInvalid
		}
		ptr := binary.LittleEndian.Uint64(body)
		t.process.AckIncRef(ptr, cmd == wire.BC_ACQUIRE_DONE)
		return 16, nil

	case wire.BC_FREE_BUFFER:
		if len(body) < 8 {
			return 0, ErrInvalid
		}
		offset := binary.LittleEndian.Uint64(body)
		if err := t.process.FreeBuffer(offset); err != nil {
			return 0, err
		}
		return 8, nil

	case wire.BC_TRANSACTION, wire.BC_TRANSACTION_SG:
		return t.dispatchTransaction(body)

	case wire.BC_REPLY:
		// Only one-way transactions are accepted in this revision (spec
		// §4.5 "current restrictions"); synchronous replies are the
		// unimplemented half of that restriction.
		return 0, ErrInvalid

	default:
		return 0, ErrInvalid
	}
}

func (t *Thread) dispatchTransaction(body []byte) (int, error) {
	if t.process.txBuilder == nil {
		return 0, ErrInvalid
	}
	if len(body) < wire.TransactionDataSize {
		return 0, ErrInvalid
	}
	trd := wire.DecodeTransactionData(body)
	if trd.Flags&wire.TF_ONE_WAY == 0 {
		// Non-oneway transactions are not yet supported (spec §4.5).
		return 0, ErrInvalid
	}

	payloadEnd := wire.TransactionDataSize + int(trd.DataSize)
	if len(body) < payloadEnd {
		return 0, ErrInvalid
	}
	payload := body[wire.TransactionDataSize:payloadEnd]

	ref, ok := t.process.LookupHandle(uint32(trd.Handle))
	if !ok {
		return 0, ErrInvalid
	}

	// Build both constructs the transaction and submits it — either onto
	// its target process's todo list, or behind an in-flight one-way
	// delivery to the same node, per the node's oneway-serialization slot.
	if _, err := t.process.txBuilder.Build(t, ref, trd, payload); err != nil {
		switch {
		case errors.Is(err, ErrTransactionFailed):
			// Resource failure: tell the sender via its read stream and
			// keep parsing the rest of the write buffer.
			t.setExtendedError(wire.BC_TRANSACTION, -int32(unix.ENOSPC))
			_ = t.pushTodo(&bareWorkItem{code: wire.BR_FAILED_REPLY})
			return payloadEnd, nil
		case errors.Is(err, ErrTargetDead):
			// Routine, not worth an extended-error record.
			_ = t.pushTodo(&bareWorkItem{code: wire.BR_DEAD_REPLY})
			return payloadEnd, nil
		}
		return 0, err
	}

	// A one-way submission completes immediately from the sender's
	// point of view; BR_TRANSACTION_COMPLETE tells it so on its next read.
	_ = t.pushTodo(&bareWorkItem{code: wire.BR_TRANSACTION_COMPLETE})

	return payloadEnd, nil
}

func (t *Thread) readPhase(buf []byte, alreadyConsumed bool, block bool) (int, error) {
	rw := NewReadWriter(buf)
	if !alreadyConsumed {
		if !rw.PutReturn(wire.BR_NOOP) {
			return 0, nil
		}
	}

	emitted := false
	for {
		item, ok := t.popTodo()
		if !ok {
			item, ok = t.process.popTodo()
		}
		if !ok {
			break
		}
		item.OnThreadSelected(t)
		cont, err := item.DoWork(t, rw)
		if err != nil {
			logging.Error("work item delivery failed", "err", err)
		}
		emitted = true
		if !cont {
			break
		}
	}

	if !emitted && block {
		return rw.Pos(), ErrWouldBlock
	}

	// About to return to userspace: ask it to grow the pool if this
	// looper found the process under-provisioned. Runs whether or not
	// work was drained, matching the driver's done-label placement.
	if !alreadyConsumed && t.IsLooper() && t.process.NeedsThread() {
		rw.PutAt(0, wire.BR_SPAWN_LOOPER)
	}
	return rw.Pos(), nil
}
