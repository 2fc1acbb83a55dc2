// Package process implements the per-open-file Process and
// per-userspace-thread Thread state (spec §4.4): the thread map and
// pool counters, the shared transaction arena, the node table and
// handle table, and the WRITE_READ write/read phase dispatch.
package process

import (
	"strconv"
	"sync"

	"github.com/raspberrypi/linux-sub000/internal/listarc"
	"github.com/raspberrypi/linux-sub000/internal/logging"
	"github.com/raspberrypi/linux-sub000/internal/metrics"
	"github.com/raspberrypi/linux-sub000/internal/node"
	"github.com/raspberrypi/linux-sub000/internal/pagerange"
	"github.com/raspberrypi/linux-sub000/internal/rangealloc"
	"github.com/raspberrypi/linux-sub000/internal/wire"
)

// arenaShrinker is the single module-wide reclaim list every process's
// page range registers with (spec §4.2: one shrinker, registered once
// at startup, with an LRU shared across all ranges).
var arenaShrinker = pagerange.NewShrinker()

// ArenaShrinker exposes the shared shrinker for the host's
// memory-pressure callback to drive.
func ArenaShrinker() *pagerange.Shrinker { return arenaShrinker }

// Deferred-work bitmask (process.rs's PROC_DEFER_FLUSH/PROC_DEFER_RELEASE).
const (
	deferFlush   uint8 = 1 << 0
	deferRelease uint8 = 1 << 1
)

// ContextOwner is the narrow slice of the root Context a Process needs
// for release-time deregistration, kept as an interface so this
// package never imports the root binder package (which imports this
// one to hold a Process per registered file).
type ContextOwner interface {
	DeregisterProcess(p *Process)
}

// TransactionBuilder constructs the work item for a BC_TRANSACTION
// command. internal/process cannot import internal/transaction
// directly (transaction.Transaction targets a *process.Process), so
// the root binder package wires the concrete implementation in at
// Process creation time, the same seam node.Owner uses to avoid the
// symmetric cycle with internal/node.
type TransactionBuilder interface {
	Build(from *Thread, target *node.NodeRef, trd wire.TransactionData, payload []byte) (WorkItem, error)
}

// Params configures a new Process's arena and thread pool. The root
// binder package derives this from its own Config (go-ublk's
// DeviceParams/DefaultParams shape).
type Params struct {
	ArenaSize  uint64
	ArenaPages int
	MaxThreads uint32

	// Secctx is the opening task's security context as rendered by the
	// host's credential primitives (an out-of-scope collaborator);
	// attached to transactions targeting nodes that carry
	// FLAT_BINDER_FLAG_TXN_SECURITY_CTX.
	Secctx string
}

// arenaCommit is the per-allocation payload stored in the arena's
// range allocator: an opaque data value plus the cleanup hook to run
// when the segment is freed by a later BC_FREE_BUFFER or by process
// teardown (Allocation.Cancel does its own cleanup and does not run
// this hook). Keeping this in
// process.go rather than exposing the allocator's T parameter lets
// internal/transaction own AllocationInfo without this package needing
// to know its shape.
type arenaCommit struct {
	data   any
	onFree func(any)
}

// Process represents one open of the binder device (spec §3 "Process").
type Process struct {
	id       int32
	pidLabel string
	secctx   string
	ctx      ContextOwner

	mu                   sync.Mutex
	threads              map[int32]*Thread
	requestedThreadCount uint32
	startedThreadCount   uint32
	maxThreads           uint32
	isDead               bool
	deferWork            uint8

	nodes      map[uint64]*node.Node
	nodeWork   map[uint64]*nodeWorkItem
	handles    map[uint32]*node.NodeRef
	nextHandle uint32

	todo listarc.List[WorkItem]

	mmapLock sync.RWMutex
	pages    *pagerange.ShrinkablePageRange
	arena    *rangealloc.RangeAllocator[arenaCommit]

	txBuilder TransactionBuilder
}

// NewProcess creates a Process bound to ctx with a freshly mmap'd
// arena of params.ArenaPages pages. txBuilder may be nil, in which
// case BC_TRANSACTION is rejected with ErrInvalid (useful for tests
// that only exercise the looper/refcount paths).
func NewProcess(id int32, ctx ContextOwner, params Params, txBuilder TransactionBuilder) (*Process, error) {
	p := &Process{
		id:         id,
		pidLabel:   strconv.FormatInt(int64(id), 10),
		secctx:     params.Secctx,
		ctx:        ctx,
		threads:    make(map[int32]*Thread),
		nodes:      make(map[uint64]*node.Node),
		nodeWork:   make(map[uint64]*nodeWorkItem),
		handles:    make(map[uint32]*node.NodeRef),
		maxThreads: params.MaxThreads,
		txBuilder:  txBuilder,
	}
	pages, err := pagerange.NewRange(params.ArenaPages, &p.mmapLock, arenaShrinker)
	if err != nil {
		return nil, err
	}
	p.pages = pages
	p.arena = rangealloc.New[arenaCommit](params.ArenaSize)
	metrics.ProcessesTotal.Inc()
	return p, nil
}

// ID returns the process's task-group id.
func (p *Process) ID() int32 { return p.id }

// Secctx returns the security context recorded when the process opened
// the device.
func (p *Process) Secctx() string { return p.secctx }

// Lock/Unlock/IsDead/RemoveNodeLocked/ScheduleNodeWorkLocked implement
// node.Owner: a Node's mutable state is guarded by its owner Process's
// lock rather than a lock of its own (spec §5's structural invariant).

func (p *Process) Lock()   { p.mu.Lock() }
func (p *Process) Unlock() { p.mu.Unlock() }

// IsDead is called by node.Node only while the caller already holds
// p's lock (via Lock/Unlock above), matching node.Owner's contract.
func (p *Process) IsDead() bool { return p.isDead }

func (p *Process) RemoveNodeLocked(ptr uint64) {
	if _, ok := p.nodes[ptr]; ok {
		metrics.NodesTotal.Dec()
	}
	delete(p.nodes, ptr)
	delete(p.nodeWork, ptr)
}

func (p *Process) ScheduleNodeWorkLocked(n *node.Node) {
	p.scheduleNodeWorkLocked(n)
}

func (p *Process) scheduleNodeWorkLocked(n *node.Node) {
	w, ok := p.nodeWork[n.Ptr]
	if !ok {
		w = &nodeWorkItem{n: n}
		p.nodeWork[n.Ptr] = w
	}
	// A node already linked into the todo list is already scheduled;
	// DoWork re-reads the refcount booleans when it eventually runs, so
	// pushing it a second time would only duplicate delivery.
	if p.todo.PushBack(w) == nil {
		metrics.TodoQueueDepth.WithLabelValues("process").Inc()
	}
}

// NewLocalNode exports a new node owned by p. Binder object translation
// (turning a flat_binder_object in a transaction payload into a Node or
// NodeRef) is out of scope in this revision (spec §9); callers that
// need a node to exist — tests, and cmd/binderctl's demo — create it
// directly through this entry point instead.
func (p *Process) NewLocalNode(ptr, cookie uint64, flags uint32) *node.Node {
	n := node.New(ptr, cookie, flags, p)
	p.mu.Lock()
	p.nodes[ptr] = n
	p.mu.Unlock()
	metrics.NodesTotal.Inc()
	return n
}

// AddHandle registers ref under a freshly allocated handle, the
// integer userspace will use to name it (Glossary: "Handle").
func (p *Process) AddHandle(ref *node.NodeRef) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextHandle++
	h := p.nextHandle
	p.handles[h] = ref
	return h
}

// LookupHandle resolves a handle to its NodeRef.
func (p *Process) LookupHandle(h uint32) (*node.NodeRef, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref, ok := p.handles[h]
	return ref, ok
}

// UpdateHandleRef applies a BC_INCREFS/BC_ACQUIRE/BC_RELEASE/BC_DECREFS
// command to the NodeRef named by handle, removing the handle once the
// reference has fully drained.
func (p *Process) UpdateHandleRef(handle uint32, inc, strong bool) error {
	p.mu.Lock()
	ref, ok := p.handles[handle]
	p.mu.Unlock()
	if !ok {
		return ErrInvalid
	}
	if ref.Update(inc, strong) {
		p.mu.Lock()
		delete(p.handles, handle)
		p.mu.Unlock()
		ref.Release()
	}
	return nil
}

// AckIncRef applies a BC_INCREFS_DONE/BC_ACQUIRE_DONE acknowledgment
// for the node identified by ptr, rescheduling its delivery if the ack
// unblocked a pending decrement (spec §4.3 "Completing an increment").
func (p *Process) AckIncRef(ptr uint64, strong bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.nodes[ptr]
	if !ok {
		logging.Error("ack for unknown node", "ptr", ptr)
		return
	}
	if n.IncRefDoneLocked(strong) {
		p.scheduleNodeWorkLocked(n)
	}
}

// NeedsThread reports whether the pool is under-provisioned (spec
// §4.4) and, if so, reserves a spawn slot by pre-incrementing
// requestedThreadCount.
func (p *Process) NeedsThread() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.requestedThreadCount == 0 && p.startedThreadCount < p.maxThreads {
		p.requestedThreadCount++
		return true
	}
	return false
}

// RegisterThread consumes one reserved spawn slot. It returns false
// (a "spurious register") if nothing was outstanding.
func (p *Process) RegisterThread() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.requestedThreadCount == 0 {
		return false
	}
	p.requestedThreadCount--
	p.startedThreadCount++
	return true
}

// SetMaxThreads applies BC_SET_MAX_THREADS / the SET_MAX_THREADS
// control operation.
func (p *Process) SetMaxThreads(n uint32) {
	p.mu.Lock()
	p.maxThreads = n
	p.mu.Unlock()
}

// ThreadCounters reports the pool's current bookkeeping, used by tests
// and debug introspection.
func (p *Process) ThreadCounters() (requested, started, max uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requestedThreadCount, p.startedThreadCount, p.maxThreads
}

// Thread returns the Thread for tid, creating it on first use
// (get_current_thread in process.rs). Storage is pre-allocated outside
// the lock and the map is re-checked under it, matching the source's
// defence against a concurrent duplicate insert for the same tid.
func (p *Process) Thread(tid int32) (*Thread, error) {
	p.mu.Lock()
	if t, ok := p.threads[tid]; ok {
		p.mu.Unlock()
		return t, nil
	}
	dead := p.isDead
	p.mu.Unlock()
	if dead {
		return nil, errProcessDead
	}

	t := &Thread{
		pid:     tid,
		process: p,
		extErr:  wire.ExtendedError{ID: nextErrID(), Command: uint32(wire.BR_OK)},
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isDead {
		return nil, errProcessDead
	}
	if _, ok := p.threads[tid]; ok {
		return nil, errDuplicateThread
	}
	p.threads[tid] = t
	return t, nil
}

// ThreadExit removes tid's Thread and releases its todo list
// (the THREAD_EXIT control operation).
func (p *Process) ThreadExit(tid int32) {
	p.mu.Lock()
	t, ok := p.threads[tid]
	if ok {
		delete(p.threads, tid)
	}
	p.mu.Unlock()
	if ok {
		t.release()
	}
}

// PushWork queues item on the process-wide todo list (used both for a
// freshly submitted transaction targeting this process, and by a node
// rescheduling its own delivery). A dead process accepts no work; the
// caller must cancel the item.
func (p *Process) PushWork(item WorkItem) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isDead {
		return errProcessDead
	}
	if err := p.todo.PushBack(item); err != nil {
		return err
	}
	metrics.TodoQueueDepth.WithLabelValues("process").Inc()
	return nil
}

func (p *Process) popTodo() (WorkItem, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.todo.PopFront()
	if ok {
		metrics.TodoQueueDepth.WithLabelValues("process").Dec()
	}
	return item, ok
}

// Flush schedules the deferred flush teardown path (currently a
// no-op, spec §9 Open Questions).
func (p *Process) Flush() { p.scheduleDeferred(deferFlush) }

// Release schedules deferred process teardown: marking the process
// dead, deregistering it from its context, and releasing every thread.
func (p *Process) Release() { p.scheduleDeferred(deferRelease) }

// scheduleDeferred sets bit in the deferred-work mask and, only the
// first time since the mask was last drained, spawns the worker that
// performs the corresponding teardown — standing in for submitting the
// process onto a host workqueue (spec §4.4), the one place this driver
// needs an async worker, mirroring the teacher's queue runner's
// dispatch-one-goroutine-per-unit-of-work shape.
func (p *Process) scheduleDeferred(bit uint8) {
	p.mu.Lock()
	first := p.deferWork == 0
	p.deferWork |= bit
	p.mu.Unlock()
	if first {
		go p.runDeferred()
	}
}

func (p *Process) runDeferred() {
	p.mu.Lock()
	work := p.deferWork
	p.deferWork = 0
	p.mu.Unlock()

	if work&deferFlush != 0 {
		// No cleanup performed in this revision (spec §9).
	}
	if work&deferRelease != 0 {
		p.doRelease()
	}
}

func (p *Process) doRelease() {
	p.mu.Lock()
	p.isDead = true
	p.mu.Unlock()

	if p.ctx != nil {
		p.ctx.DeregisterProcess(p)
	}

	p.mu.Lock()
	threads := p.threads
	p.threads = nil
	p.mu.Unlock()
	for _, t := range threads {
		t.release()
	}

	for {
		item, ok := p.popTodo()
		if !ok {
			break
		}
		item.Cancel()
	}

	// Buffers already handed to userspace will never see a
	// BC_FREE_BUFFER now; run their cleanup hooks so node refs and
	// oneway serialization slots unwind (spec §4.1's take_for_each).
	p.mu.Lock()
	var orphaned []arenaCommit
	var orphanedBytes uint64
	p.arena.TakeForEach(func(offset, size uint64, data arenaCommit) {
		orphaned = append(orphaned, data)
		orphanedBytes += size
	})
	p.mu.Unlock()
	for _, entry := range orphaned {
		if entry.onFree != nil {
			entry.onFree(entry.data)
		}
	}
	metrics.ArenaBytesInUse.WithLabelValues(p.pidLabel).Sub(float64(orphanedBytes))

	if err := p.pages.Close(); err != nil {
		logging.Error("failed to unmap arena", "pid", p.id, "err", err)
	}
	metrics.ProcessesTotal.Dec()
}

// IsProcessDead reports the liveness flag for callers outside the
// node.Owner seam (tests, debug introspection).
func (p *Process) IsProcessDead() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isDead
}

// Arena operations. The range allocator is guarded by p.mu (spec §5's
// per-process spinlock covers it); the page range has its own internal
// locking, nested one level inside.

// ReserveArena finds and reserves size bytes in the arena, deducting
// from the one-way quota when isOneway. pid identifies the requesting
// (sending) process for the one-way spam bookkeeping.
func (p *Process) ReserveArena(size uint64, isOneway bool, pid int32) (uint64, error) {
	p.mu.Lock()
	spamBefore := p.arena.OnewaySpamDetected()
	offset, err := p.arena.ReserveNew(size, isOneway, uint32(pid))
	spamAfter := p.arena.OnewaySpamDetected()
	p.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if spamAfter && !spamBefore {
		logging.Warn("oneway spam detected", "pid", pid, "arena_pid", p.id)
		metrics.OnewaySpamDetectedTotal.Inc()
	}
	metrics.ArenaBytesInUse.WithLabelValues(p.pidLabel).Add(float64(size))
	return offset, nil
}

// CommitArena transitions offset from Reserved to Allocated, attaching
// data and the hook to run when the segment is eventually freed.
func (p *Process) CommitArena(offset uint64, data any, onFree func(any)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.arena.Commit(offset, arenaCommit{data: data, onFree: onFree})
}

// AbortArena returns a still-Reserved segment (never handed to
// userspace) to Free. size is the reservation's size, which the caller
// (the Allocation wrapping it) always knows.
func (p *Process) AbortArena(offset, size uint64) error {
	p.mu.Lock()
	_, err := p.arena.Abort(offset)
	p.mu.Unlock()
	if err == nil {
		metrics.ArenaBytesInUse.WithLabelValues(p.pidLabel).Sub(float64(size))
	}
	return err
}

// FreeBuffer implements BC_FREE_BUFFER: it takes the Allocated segment
// back to Reserved, runs its cleanup hook, then frees the reservation.
func (p *Process) FreeBuffer(offset uint64) error {
	p.mu.Lock()
	size, entry, err := p.arena.ReserveExisting(offset)
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if entry.onFree != nil {
		entry.onFree(entry.data)
	}
	p.mu.Lock()
	_, err = p.arena.Abort(offset)
	p.mu.Unlock()
	if err == nil {
		metrics.ArenaBytesInUse.WithLabelValues(p.pidLabel).Sub(float64(size))
	}
	return err
}

func (p *Process) useArenaBytes(offset uint64, length int) error {
	if length == 0 {
		return nil
	}
	first := int(offset / pagerange.PageSize)
	last := int((offset + uint64(length) - 1) / pagerange.PageSize)
	for pg := first; pg <= last; pg++ {
		if err := p.pages.UseRange(pg); err != nil {
			return err
		}
	}
	return nil
}

func (p *Process) stopUsingArenaBytes(offset uint64, length int) {
	if length == 0 {
		return
	}
	first := int(offset / pagerange.PageSize)
	last := int((offset + uint64(length) - 1) / pagerange.PageSize)
	for pg := first; pg <= last; pg++ {
		_ = p.pages.StopUsingRange(pg)
	}
}

// WriteArena copies src into the arena at offset, faulting in whatever
// pages are still Free.
func (p *Process) WriteArena(offset uint64, src []byte) error {
	if err := p.useArenaBytes(offset, len(src)); err != nil {
		return err
	}
	defer p.stopUsingArenaBytes(offset, len(src))
	return p.pages.Write(offset, src)
}

// ReadArena copies out of the arena at offset into dst.
func (p *Process) ReadArena(offset uint64, dst []byte) error {
	if err := p.useArenaBytes(offset, len(dst)); err != nil {
		return err
	}
	defer p.stopUsingArenaBytes(offset, len(dst))
	return p.pages.Read(offset, dst)
}

// FillZeroArena zeroes length bytes starting at offset.
func (p *Process) FillZeroArena(offset uint64, length int) error {
	if err := p.useArenaBytes(offset, length); err != nil {
		return err
	}
	defer p.stopUsingArenaBytes(offset, length)
	return p.pages.FillZero(offset, length)
}
