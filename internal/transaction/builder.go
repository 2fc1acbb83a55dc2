package transaction

import (
	"github.com/raspberrypi/linux-sub000/internal/node"
	"github.com/raspberrypi/linux-sub000/internal/process"
	"github.com/raspberrypi/linux-sub000/internal/wire"
)

// Builder adapts the package-level Build function to
// process.TransactionBuilder, the seam the root binder package wires
// into each Process it creates.
type Builder struct{}

// NewBuilder returns a ready-to-use Builder. It carries no state of its
// own; the recent-transaction trace cache lives at package scope.
func NewBuilder() Builder { return Builder{} }

// Build satisfies process.TransactionBuilder.
func (Builder) Build(from *process.Thread, target *node.NodeRef, trd wire.TransactionData, payload []byte) (process.WorkItem, error) {
	return Build(from, target, trd, payload)
}
