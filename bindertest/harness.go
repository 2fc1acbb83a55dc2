// Package bindertest provides fixture builders for exercising the
// binder core without a real character device, modeled on go-ublk's
// testing.go MockBackend: a call-counting fake guarded by a
// sync.RWMutex, offering CallCounts()/Reset() for assertions.
package bindertest

import (
	"encoding/binary"
	"sync"

	binder "github.com/raspberrypi/linux-sub000"
	"github.com/raspberrypi/linux-sub000/internal/node"
	"github.com/raspberrypi/linux-sub000/internal/process"
	"github.com/raspberrypi/linux-sub000/internal/transaction"
	"github.com/raspberrypi/linux-sub000/internal/wire"
)

// Harness wires a Context with two Processes (Server and Client) into
// each other: Client holds a handle to a node exported by Server. It
// tracks call counts the way MockBackend tracks read/write/flush/sync,
// so tests can assert "the write phase ran N times" without threading
// counters through every call site by hand.
type Harness struct {
	Ctx    *binder.Context
	Server *binder.Conn
	Client *binder.Conn

	mu              sync.RWMutex
	writeReadCalls  int
	transactionsOut int
}

// Option configures a Harness at construction time.
type Option func(*binder.Config)

// WithArenaSize overrides the default arena size for both processes.
func WithArenaSize(size uint64, pages int) Option {
	return func(c *binder.Config) {
		c.ArenaSize = size
		c.ArenaPages = pages
	}
}

// New builds a Harness in a freshly registered, uniquely named
// Context. Callers typically follow it with ExportNode to give the
// Client something to hold a handle to.
func New(contextName string, opts ...Option) (*Harness, error) {
	cfg := binder.DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx := binder.RegisterContext(contextName)

	server, err := binder.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	client, err := binder.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &Harness{Ctx: ctx, Server: server, Client: client}, nil
}

// ExportNode creates a node owned by the Server and hands the Client a
// handle to it, with the references treated as already acknowledged so
// the Server's read stream starts clean (standing in for the
// out-of-scope binder-object translation: spec §9 names this as a hook
// point rather than designing it).
func (h *Harness) ExportNode(ptr, cookie uint64, flags uint32) uint32 {
	n := h.Server.Process().NewLocalNode(ptr, cookie, flags)
	return h.Client.Process().AddHandle(node.TakeRefAcked(n, 1, 1))
}

// AcquireNode is ExportNode's noisy sibling: the reference acquisition
// is delivered to the Server as BR_INCREFS/BR_ACQUIRE work, letting
// tests drive the full acknowledgment protocol.
func (h *Harness) AcquireNode(ptr, cookie uint64, flags uint32) uint32 {
	n := h.Server.Process().NewLocalNode(ptr, cookie, flags)
	return h.Client.Process().AddHandle(node.TakeRef(n, 1, 1))
}

// SubmitOneway builds and encodes a BC_TRANSACTION write buffer
// carrying payload to handle and runs it through the Client's
// WRITE_READ dispatch, the same shape transaction_test.go's
// submitOneway helper uses internally.
func (h *Harness) SubmitOneway(tid int32, handle uint32, code uint32, payload []byte) error {
	h.mu.Lock()
	h.writeReadCalls++
	h.transactionsOut++
	h.mu.Unlock()

	th, err := h.Client.Process().Thread(tid)
	if err != nil {
		return err
	}

	td := wire.TransactionData{
		Handle:   uint64(handle),
		Code:     code,
		Flags:    wire.TF_ONE_WAY,
		DataSize: uint64(len(payload)),
	}
	body := make([]byte, wire.TransactionDataSize+len(payload))
	td.Encode(body)
	copy(body[wire.TransactionDataSize:], payload)

	writeBuf := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(writeBuf, uint32(wire.BC_TRANSACTION))
	copy(writeBuf[4:], body)

	wr := &wire.WriteRead{WriteSize: uint64(len(writeBuf))}
	return th.WriteRead(wr, writeBuf, nil, false)
}

// DrainOne runs a non-blocking WRITE_READ read phase against tid in
// the Server process and returns the raw bytes it produced.
func (h *Harness) DrainOne(tid int32, bufSize int) ([]byte, error) {
	h.mu.Lock()
	h.writeReadCalls++
	h.mu.Unlock()

	th, err := h.Server.Process().Thread(tid)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, bufSize)
	wr := &wire.WriteRead{ReadSize: uint64(bufSize)}
	if err := th.WriteRead(wr, nil, buf, false); err != nil {
		return nil, err
	}
	return buf[:wr.ReadConsumed], nil
}

// CallCounts reports how many times SubmitOneway/DrainOne ran and how
// many transactions were submitted, mirroring MockBackend.CallCounts.
func (h *Harness) CallCounts() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]int{
		"write_read":   h.writeReadCalls,
		"transactions": h.transactionsOut,
	}
}

// Reset zeroes the call counters (MockBackend.Reset's equivalent).
func (h *Harness) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writeReadCalls = 0
	h.transactionsOut = 0
}

// Close tears down both processes and deregisters the Context, for use
// in a test's defer.
func (h *Harness) Close() {
	h.Server.Release()
	h.Client.Release()
	binder.DeregisterContext(h.Ctx.Name())
}

// NewBuilder exposes transaction.NewBuilder for callers (cmd/binderctl,
// other harnesses) that need to wire their own Process without going
// through Harness/binder.Open.
func NewBuilder() process.TransactionBuilder { return transaction.NewBuilder() }
