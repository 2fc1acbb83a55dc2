package binder

import (
	"context"
	"time"

	"github.com/raspberrypi/linux-sub000/internal/constants"
	"github.com/raspberrypi/linux-sub000/internal/process"
	"github.com/raspberrypi/linux-sub000/internal/wire"
)

// Conn is one open of the binder device (spec §6's character-device
// operations table, minus the file-descriptor plumbing itself which
// is out of scope per spec §1): it owns a Process registered in a
// Context and dispatches the VERSION / SET_MAX_THREADS / THREAD_EXIT /
// WRITE_READ / GET_EXTENDED_ERROR control operations against it.
type Conn struct {
	ctx  *Context
	proc *process.Process
}

// Open registers a new Process in ctx and returns a Conn bound to it
// (spec §6 "open": "Create a Process bound to the context identified
// by the inode's private data; store the Process handle as the file's
// private data").
func Open(ctx *Context, cfg Config) (*Conn, error) {
	p, err := ctx.RegisterProcess(cfg, defaultTxBuilder)
	if err != nil {
		return nil, err
	}
	return &Conn{ctx: ctx, proc: p}, nil
}

// Process returns the underlying Process, for callers (tests,
// cmd/binderctl's demo) that need to export nodes or inspect
// bookkeeping the Conn surface doesn't expose directly.
func (c *Conn) Process() *process.Process { return c.proc }

// Version implements the VERSION control operation.
func (c *Conn) Version() int32 { return wire.ProtocolVersion }

// SetMaxThreads implements SET_MAX_THREADS.
func (c *Conn) SetMaxThreads(n uint32) { c.proc.SetMaxThreads(n) }

// ThreadExit implements the THREAD_EXIT control operation for the
// given thread id.
func (c *Conn) ThreadExit(tid int32) { c.proc.ThreadExit(tid) }

// GetExtendedError implements GET_EXTENDED_ERROR for tid.
func (c *Conn) GetExtendedError(tid int32) (wire.ExtendedError, error) {
	t, err := c.proc.Thread(tid)
	if err != nil {
		return wire.ExtendedError{}, wrapError("GET_EXTENDED_ERROR", c.ctx.Name(), c.proc.ID(), tid, err)
	}
	return t.ExtendedError(), nil
}

// WriteRead implements the WRITE_READ control operation for the
// calling thread tid (spec §4.4, §6). It loops the underlying
// Thread.WriteRead while block is true and the read phase comes back
// empty, standing in for a real interruptible wait queue (spec §5):
// each retry is spaced by constants.BlockingReadPollInterval, and ctx
// cancellation returns ErrInterrupted without having consumed any
// work, matching "a signal during the blocking read returns
// Interrupted without modifying read_consumed".
func (c *Conn) WriteRead(ctx context.Context, tid int32, wr *wire.WriteRead, writeBuf, readBuf []byte, block bool) error {
	t, err := c.proc.Thread(tid)
	if err != nil {
		return wrapError("WRITE_READ", c.ctx.Name(), c.proc.ID(), tid, err)
	}

	origWriteSize := wr.WriteSize
	defer func() { wr.WriteSize = origWriteSize }()
	for {
		err := t.WriteRead(wr, writeBuf, readBuf, block)
		if err == nil {
			return nil
		}
		if err != process.ErrWouldBlock || !block {
			return wrapError("WRITE_READ", c.ctx.Name(), c.proc.ID(), tid, err)
		}
		// The write phase has already run to completion; from here on
		// poll only the read phase, and restart it from an empty read
		// buffer each time.
		wr.WriteSize = 0
		wr.ReadConsumed = 0
		select {
		case <-ctx.Done():
			return ErrInterrupted
		case <-time.After(constants.BlockingReadPollInterval):
		}
	}
}

// Flush implements the flush file operation (spec §4.4 "deferred
// release"): currently a no-op teardown, scheduled the same deferred
// way as Release.
func (c *Conn) Flush() { c.proc.Flush() }

// Release implements the release file operation: schedules deferred
// process teardown (marks the process dead, deregisters it from its
// context, releases every thread).
func (c *Conn) Release() { c.proc.Release() }

// Mmap is not supported in this revision (spec §6 table): the shared
// transaction arena is populated lazily by internal/pagerange as
// WRITE_READ commands touch it, rather than through an explicit mmap
// entry point on this seam.
func (c *Conn) Mmap() error { return &Error{Op: "mmap", Code: CodeInvalidParameters, Msg: "mmap not supported"} }

// Poll is not supported in this revision (spec §6 table).
func (c *Conn) Poll() error { return &Error{Op: "poll", Code: CodeInvalidParameters, Msg: "poll not supported"} }
