package binder

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/raspberrypi/linux-sub000/internal/process"
	"github.com/raspberrypi/linux-sub000/internal/rangealloc"
)

// ErrorCode classifies a binder error the way BinderReplyCode below
// drives which BR_* reply code (if any) a transaction-path failure
// becomes (spec §7 "Error taxonomy").
type ErrorCode string

const (
	CodeInvalidParameters ErrorCode = "INVALID_PARAMETERS"
	CodeNoSpace           ErrorCode = "NO_SPACE"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodePermission        ErrorCode = "PERMISSION"
	CodeDead              ErrorCode = "DEAD"
	CodeFrozen            ErrorCode = "FROZEN"
	CodeInterrupted       ErrorCode = "INTERRUPTED"
	CodeWouldBlock        ErrorCode = "WOULD_BLOCK"
	CodeInternal          ErrorCode = "INTERNAL"
)

// Error is a structured binder error with context and errno mapping,
// the same shape go-ublk's *Error carried (Op/Code/Errno/Msg/Inner)
// adapted from a per-device/per-queue identity to a per-context/
// per-process/per-thread one.
type Error struct {
	Op      string    // operation that failed, e.g. "WRITE_READ", "SET_MAX_THREADS"
	Context string    // context name (empty if not applicable)
	PID     int32     // process id (0 if not applicable)
	TID     int32     // thread id, -1 if not applicable
	Code    ErrorCode // high-level error category
	Errno   syscall.Errno
	Msg     string
	Inner   error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Context != "" {
		parts = append(parts, fmt.Sprintf("ctx=%s", e.Context))
	}
	if e.PID != 0 {
		parts = append(parts, fmt.Sprintf("pid=%d", e.PID))
	}
	if e.TID > 0 {
		parts = append(parts, fmt.Sprintf("tid=%d", e.TID))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("binder: %s (%s)", msg, strings.Join(parts, " "))
	}
	return fmt.Sprintf("binder: %s", msg)
}

// Unwrap supports errors.Is/As against the wrapped cause.
func (e *Error) Unwrap() error { return e.Inner }

// Is reports whether target is a *Error with the same Code.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// classify maps an internal package error into an ErrorCode, the same
// translation Thread.WriteRead's caller must do before surfacing it as
// a *Error (spec §7's "propagation").
func classify(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, process.ErrInvalid):
		return CodeInvalidParameters
	case errors.Is(err, process.ErrWouldBlock):
		return CodeWouldBlock
	case errors.Is(err, ErrInterrupted):
		return CodeInterrupted
	}
	var raErr *rangealloc.Error
	if errors.As(err, &raErr) {
		switch raErr.Code {
		case rangealloc.ErrNoSpace:
			return CodeNoSpace
		case rangealloc.ErrNotFound:
			return CodeNotFound
		case rangealloc.ErrInvalidState:
			return CodePermission
		}
	}
	return CodeInternal
}

// wrapError builds a *Error around err, classifying it if it isn't
// already one of ours.
func wrapError(op string, ctxName string, pid, tid int32, err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	return &Error{Op: op, Context: ctxName, PID: pid, TID: tid, Code: classify(err), Msg: err.Error(), Inner: err}
}

// ErrInterrupted is returned by a blocking WRITE_READ read phase when
// the caller's context is cancelled before a work item arrives (spec
// §5 "a signal during the blocking read returns Interrupted without
// modifying read_consumed").
var ErrInterrupted = errors.New("binder: interrupted")

// BinderReplyCode is a transaction-path BR_* reply code a BinderError
// carries back to userspace (spec §7 "Transport error").
type BinderReplyCode int

const (
	ReplyNone BinderReplyCode = iota
	ReplyDead
	ReplyFrozen
	ReplyFrozenOneway
	ReplyFailed
)

// BinderError is the discriminated {return-code, optional source
// errno} pair the transaction path produces (spec §7 "Propagation"),
// ported from original_source/drivers/android/binder/error.rs's
// BinderError.
type BinderError struct {
	Reply BinderReplyCode
	Errno syscall.Errno
}

func (e *BinderError) Error() string {
	switch e.Reply {
	case ReplyDead:
		return "binder: dead reply"
	case ReplyFrozen:
		return "binder: frozen reply"
	case ReplyFrozenOneway:
		return "binder: transaction pending, target frozen"
	case ReplyFailed:
		return fmt.Sprintf("binder: failed reply (errno=%d)", e.Errno)
	default:
		return "binder: ok"
	}
}

// NewDeadErr reports that the transaction's target process has
// already released (error.rs's BinderError::new_dead).
func NewDeadErr() *BinderError { return &BinderError{Reply: ReplyDead, Errno: syscall.ESRCH} }

// NewFrozenErr reports that the target process is frozen and cannot
// accept a synchronous transaction right now (error.rs's new_frozen).
// No process in this revision carries a frozen flag (spec §9's
// "process-freeze integration... no state backing"); this constructor
// exists so the reply-code taxonomy is complete.
func NewFrozenErr() *BinderError { return &BinderError{Reply: ReplyFrozen, Errno: syscall.EAGAIN} }

// NewFrozenOnewayErr reports that a one-way transaction was accepted
// but will not be delivered until the target process thaws
// (error.rs's new_frozen_oneway).
func NewFrozenOnewayErr() *BinderError {
	return &BinderError{Reply: ReplyFrozenOneway, Errno: syscall.EAGAIN}
}

// NewFailedErr wraps a resource error (allocation failure, bad user
// pointer) as a FAILED_REPLY carrying the source errno.
func NewFailedErr(errno syscall.Errno) *BinderError {
	return &BinderError{Reply: ReplyFailed, Errno: errno}
}

// AsErrno returns the errno a caller should surface for this reply,
// ported from error.rs's as_errno.
func (e *BinderError) AsErrno() syscall.Errno { return e.Errno }

// ShouldLog reports whether this reply is noteworthy enough to log
// (error.rs's should_pr_warn): dead/frozen replies are routine and
// silent, everything else warrants a log line.
func (e *BinderError) ShouldLog() bool {
	return e.Reply != ReplyDead && e.Reply != ReplyFrozen && e.Reply != ReplyFrozenOneway
}
