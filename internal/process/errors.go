package process

import "errors"

// ErrInvalid covers every malformed or out-of-protocol write-phase
// command (spec §4.4's "unknown commands fail with Invalid").
var ErrInvalid = errors.New("process: invalid command")

// ErrWouldBlock is returned by the read phase when nothing was ready
// to deliver and the caller asked for a blocking read. The actual
// suspend/wake primitive is a host-OS collaborator out of this
// package's scope (spec §1); callers that want blocking behavior wait
// on it themselves and retry.
var ErrWouldBlock = errors.New("process: would block")

// ErrTransactionFailed marks a transaction-path resource failure (no
// arena space, copy failure). Unlike a malformed command it does not
// abort the write phase: the sender gets a BR_FAILED_REPLY on its next
// read plus an extended-error record, and parsing continues.
var ErrTransactionFailed = errors.New("process: transaction failed")

// ErrTargetDead marks a transaction aimed at a process that has
// already released; the sender gets BR_DEAD_REPLY, silently (dead
// replies are routine, spec §7).
var ErrTargetDead = errors.New("process: target process is dead")

// errProcessDead is returned by PushWork once release has marked the
// process dead; the item's owner must cancel it instead.
var errProcessDead = errors.New("process: process is dead")

// errDuplicateThread mirrors get_current_thread's defensive duplicate
// check (spec §4.4): it should be unreachable in practice since the
// calling task id is the map key, but two concurrent lookups for the
// same brand-new id could race to insert.
var errDuplicateThread = errors.New("process: duplicate thread insert")
