// Package constants holds the tunable defaults that back the root
// Config, mirroring the teacher's constants package one-for-one:
// plain untyped consts the public API re-exports rather than
// hand-copies.
package constants

import "time"

// Arena and thread-pool defaults (spec §4.4's Params, §4.1's arena).
const (
	// DefaultArenaSize is the default byte size of a process's shared
	// transaction arena (1MB, matching the Android binder default
	// mapping size used by most system services).
	DefaultArenaSize = 1 << 20

	// DefaultArenaPages is the default page-granularity footprint of
	// that arena (4KB pages).
	DefaultArenaPages = DefaultArenaSize / 4096

	// DefaultMaxThreads is the default per-process thread-pool cap
	// applied until userspace calls SET_MAX_THREADS.
	DefaultMaxThreads = 15
)

// BlockingReadPollInterval is how often a blocking WRITE_READ call
// without a ready work item re-checks the todo lists. The real driver
// this is modeled on parks the calling thread on a wait queue and is
// woken by the first PushWork; this module stands that in with a
// polling loop since there is no waitqueue primitive in the supported
// dependency set (spec §5's "interruptible wait" suspension point).
const BlockingReadPollInterval = 2 * time.Millisecond
