package transaction

import (
	"errors"
	"fmt"

	"github.com/raspberrypi/linux-sub000/internal/process"
)

// ErrNonOneway is returned when a transaction's TF_ONE_WAY flag is not
// set; synchronous transactions are not supported in this revision.
var ErrNonOneway = errors.New("transaction: non-oneway transactions not supported")

// ErrArenaExhausted is returned when the target process's arena has no
// room for the transaction's payload. It wraps
// process.ErrTransactionFailed so the write-phase dispatcher turns it
// into a BR_FAILED_REPLY instead of an errno.
var ErrArenaExhausted = fmt.Errorf("transaction: arena exhausted: %w", process.ErrTransactionFailed)

// ErrDeadTarget is returned when the transaction's target process has
// already released; the dispatcher turns it into a BR_DEAD_REPLY.
var ErrDeadTarget = fmt.Errorf("transaction: target dead: %w", process.ErrTargetDead)
