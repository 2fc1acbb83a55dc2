// Package pagerange implements the lazily-populated, shrinker-reclaimable
// arena backing a process's transaction buffer (spec §4.2).
package pagerange

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// PageSize is the reclaim granularity: unix.Madvise(MADV_DONTNEED) is
// issued one PageSize slice at a time.
const PageSize = 4096

// MaxRangePages caps a single registration, mirroring the source's
// SZ_4M ceiling on one vma's backing array.
const MaxRangePages = (4 * 1024 * 1024) / PageSize

// ErrorCode classifies a ShrinkablePageRange failure.
type ErrorCode int

const (
	ErrTooLarge ErrorCode = iota
	ErrOutOfRange
	ErrNotUsed
	ErrAlreadyUsed
	ErrMmap
)

// Error is returned by every ShrinkablePageRange operation that can fail.
type Error struct {
	Code ErrorCode
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pagerange: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("pagerange: %s: %s", e.Op, e.codeString())
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) codeString() string {
	switch e.Code {
	case ErrTooLarge:
		return "range larger than MaxRangePages"
	case ErrOutOfRange:
		return "page index out of range"
	case ErrNotUsed:
		return "page not in Used state"
	case ErrAlreadyUsed:
		return "page already Used"
	case ErrMmap:
		return "mmap failed"
	default:
		return "unknown error"
	}
}

type slotState int

const (
	slotFree slotState = iota
	slotAvailable
	slotUsed
)

type pageSlot struct {
	state   slotState
	lruNode *lruNode
}

// ShrinkablePageRange is a lazily populated arena of numPages pages,
// backed by one anonymous mmap call. Pages transition Free (never
// touched) -> Used (populated, excluded from reclaim) -> Available
// (populated, idle, reclaimable, parked on the shrinker's LRU) and
// back to Free when the shrinker reclaims them via MADV_DONTNEED.
type ShrinkablePageRange struct {
	mu sync.Mutex // per-range spinlock: guards data/pages below

	mmapLock *sync.RWMutex // the owning process's "mm" lock; write-held only to populate a Free page
	shrinker *Shrinker

	data  []byte
	pages []pageSlot
}

// NewRange mmaps an anonymous region of numPages*PageSize bytes and
// registers it with shrinker. mmapLock is the caller's mmap
// semaphore (spec §5's outermost lock); it is taken for write only on
// the slow path that populates a never-touched page.
func NewRange(numPages int, mmapLock *sync.RWMutex, shrinker *Shrinker) (*ShrinkablePageRange, error) {
	if numPages > MaxRangePages {
		return nil, &Error{Code: ErrTooLarge, Op: "NewRange"}
	}
	data, err := unix.Mmap(-1, 0, numPages*PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, &Error{Code: ErrMmap, Op: "NewRange", Err: err}
	}
	r := &ShrinkablePageRange{
		mmapLock: mmapLock,
		shrinker: shrinker,
		data:     data,
		pages:    make([]pageSlot, numPages),
	}
	return r, nil
}

// Close unmaps the backing region. The caller must have already
// stopped using every page.
func (r *ShrinkablePageRange) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.pages {
		if r.pages[i].state == slotAvailable {
			r.shrinker.removeLocked(r.pages[i].lruNode)
		}
	}
	return unix.Munmap(r.data)
}

// NumPages reports the slot count.
func (r *ShrinkablePageRange) NumPages() int { return len(r.pages) }

func (r *ShrinkablePageRange) checkIdx(idx int) error {
	if idx < 0 || idx >= len(r.pages) {
		return &Error{Code: ErrOutOfRange, Op: "pagerange"}
	}
	return nil
}

// UseRange marks pageIdx Used, populating it if it was never touched
// (Free) or pulling it off the shrinker's LRU if it was merely idle
// (Available). Idempotent when the page is already Used.
func (r *ShrinkablePageRange) UseRange(pageIdx int) error {
	r.mu.Lock()
	if err := r.checkIdx(pageIdx); err != nil {
		r.mu.Unlock()
		return err
	}
	slot := &r.pages[pageIdx]
	switch slot.state {
	case slotUsed:
		r.mu.Unlock()
		return nil
	case slotAvailable:
		r.shrinker.remove(slot.lruNode)
		slot.lruNode = nil
		slot.state = slotUsed
		r.mu.Unlock()
		return nil
	default: // slotFree: slow path, may need to fault the page in
		r.mu.Unlock()
		r.mmapLock.Lock()
		r.mu.Lock()
		// re-check: another caller may have raced us into Used/Available
		if slot.state == slotFree {
			start := pageIdx * PageSize
			r.data[start] = r.data[start] // touch: commits the physical page
			slot.state = slotUsed
		} else if slot.state == slotAvailable {
			r.shrinker.remove(slot.lruNode)
			slot.lruNode = nil
			slot.state = slotUsed
		}
		r.mu.Unlock()
		r.mmapLock.Unlock()
		return nil
	}
}

// StopUsingRange marks pageIdx Available and parks it on the
// shrinker's LRU. Never sleeps and never takes the mmap lock.
func (r *ShrinkablePageRange) StopUsingRange(pageIdx int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkIdx(pageIdx); err != nil {
		return err
	}
	slot := &r.pages[pageIdx]
	if slot.state != slotUsed {
		return &Error{Code: ErrNotUsed, Op: "StopUsingRange"}
	}
	slot.state = slotAvailable
	slot.lruNode = r.shrinker.add(r, pageIdx)
	return nil
}

func (r *ShrinkablePageRange) pageRangeForOffset(offset uint64, length int) (firstPage, lastPage int) {
	firstPage = int(offset / PageSize)
	lastPage = int((offset + uint64(length) - 1) / PageSize)
	return
}

func (r *ShrinkablePageRange) requireUsed(firstPage, lastPage int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for p := firstPage; p <= lastPage; p++ {
		if err := r.checkIdx(p); err != nil {
			return err
		}
		if r.pages[p].state != slotUsed {
			return &Error{Code: ErrNotUsed, Op: "io"}
		}
	}
	return nil
}

// Read copies length bytes starting at offset into dst. Every page
// touched must already be Used (the caller calls UseRange first).
func (r *ShrinkablePageRange) Read(offset uint64, dst []byte) error {
	first, last := r.pageRangeForOffset(offset, len(dst))
	if err := r.requireUsed(first, last); err != nil {
		return err
	}
	copy(dst, r.data[offset:offset+uint64(len(dst))])
	return nil
}

// Write copies src into the arena starting at offset.
func (r *ShrinkablePageRange) Write(offset uint64, src []byte) error {
	first, last := r.pageRangeForOffset(offset, len(src))
	if err := r.requireUsed(first, last); err != nil {
		return err
	}
	copy(r.data[offset:offset+uint64(len(src))], src)
	return nil
}

// FillZero zeroes length bytes starting at offset.
func (r *ShrinkablePageRange) FillZero(offset uint64, length int) error {
	first, last := r.pageRangeForOffset(offset, length)
	if err := r.requireUsed(first, last); err != nil {
		return err
	}
	region := r.data[offset : offset+uint64(length)]
	for i := range region {
		region[i] = 0
	}
	return nil
}
