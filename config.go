package binder

import "github.com/raspberrypi/linux-sub000/internal/constants"

// Config configures a Process created through Open, the same shape
// go-ublk's DeviceParams/DefaultParams played for a block device
// (spec §3 "Process", §4.4 "Params").
type Config struct {
	// ArenaSize is the byte size of the process's shared transaction
	// arena's range allocator.
	ArenaSize uint64

	// ArenaPages is the page-granularity footprint of the mmap'd region
	// backing that arena. Must be at least ArenaSize/4096.
	ArenaPages int

	// MaxThreads is the initial thread-pool cap, before any
	// SET_MAX_THREADS control operation.
	MaxThreads uint32

	// Secctx is the opening task's security context, as the host's
	// credential layer would render it; attached to transactions whose
	// target node carries FLAT_BINDER_FLAG_TXN_SECURITY_CTX.
	Secctx string
}

// DefaultConfig returns the default arena size and thread pool cap
// (constants.DefaultArenaSize / constants.DefaultMaxThreads).
func DefaultConfig() Config {
	return Config{
		ArenaSize:  constants.DefaultArenaSize,
		ArenaPages: constants.DefaultArenaPages,
		MaxThreads: constants.DefaultMaxThreads,
	}
}
