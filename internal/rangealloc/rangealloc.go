// Package rangealloc implements the best-fit range allocator that
// carves a process's transaction arena into free, reserved, and
// allocated segments (spec §4.1).
//
// Callers are expected to hold whatever external lock guards the
// allocator (the owning process's lock, in this driver); nothing here
// is safe for concurrent use on its own.
package rangealloc

import (
	"fmt"

	"github.com/google/btree"
)

// PageSize is the page granularity used to compute the freed page
// range reported by Abort.
const PageSize = 4096

// ErrorCode classifies a RangeAllocator failure (spec §4.1 "Errors").
type ErrorCode int

const (
	ErrNoSpace ErrorCode = iota
	ErrNotFound
	ErrInvalidState
)

// Error is returned by every RangeAllocator operation that can fail.
type Error struct {
	Code ErrorCode
	Op   string
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrNoSpace:
		return fmt.Sprintf("rangealloc: %s: no space", e.Op)
	case ErrNotFound:
		return fmt.Sprintf("rangealloc: %s: offset not found", e.Op)
	case ErrInvalidState:
		return fmt.Sprintf("rangealloc: %s: invalid descriptor state", e.Op)
	default:
		return fmt.Sprintf("rangealloc: %s: unknown error", e.Op)
	}
}

type state int

const (
	stateFree state = iota
	stateReserved
	stateAllocated
)

// descriptor is one segment of the arena's tiling. It lives in the
// offset-ordered tree for as long as it exists, and additionally in
// the free-ordered tree while state is stateFree.
type descriptor[T any] struct {
	offset   uint64
	size     uint64
	state    state
	pid      uint32
	isOneway bool
	data     T
}

func byOffsetLess[T any](a, b *descriptor[T]) bool {
	return a.offset < b.offset
}

// byFreeLess orders free descriptors by (size, offset), the lookup
// key for best-fit: the smallest free segment at least as big as the
// request, ties broken by lowest offset.
func byFreeLess[T any](a, b *descriptor[T]) bool {
	if a.size != b.size {
		return a.size < b.size
	}
	return a.offset < b.offset
}

// FreedRange reports the inclusive-start/exclusive-end page indices
// that became entirely free as a result of an Abort call.
type FreedRange struct {
	StartPage uint64
	EndPage   uint64
}

// Empty reports whether no whole page was freed.
func (f FreedRange) Empty() bool { return f.StartPage >= f.EndPage }

// RangeAllocator is a fixed-size [0, size) arena carved into
// segments. T is the per-allocation data attached on commit (the
// driver instantiates this with its transaction allocation info).
type RangeAllocator[T any] struct {
	size uint64

	byOffset *btree.BTreeG[*descriptor[T]]
	free     *btree.BTreeG[*descriptor[T]]

	freeOnewaySpace    uint64
	onewaySpamDetected bool
}

// New creates a RangeAllocator over [0, size), initially one free
// segment spanning the whole arena. The one-way quota starts at
// size/2, matching the source's initial quota.
func New[T any](size uint64) *RangeAllocator[T] {
	ra := &RangeAllocator[T]{
		size:            size,
		byOffset:        btree.NewG(32, byOffsetLess[T]),
		free:            btree.NewG(32, byFreeLess[T]),
		freeOnewaySpace: size / 2,
	}
	if size > 0 {
		d := &descriptor[T]{offset: 0, size: size, state: stateFree}
		ra.byOffset.ReplaceOrInsert(d)
		ra.free.ReplaceOrInsert(d)
	}
	return ra
}

// Size returns the total arena size.
func (ra *RangeAllocator[T]) Size() uint64 { return ra.size }

// OnewaySpamDetected reports the latched spam flag (spec §4.1).
func (ra *RangeAllocator[T]) OnewaySpamDetected() bool { return ra.onewaySpamDetected }

// ReserveNew finds the smallest free segment of at least size bytes,
// splits it if larger, and marks it Reserved. For one-way requests it
// first deducts size from the one-way quota, failing with ErrNoSpace
// on underflow.
func (ra *RangeAllocator[T]) ReserveNew(size uint64, isOneway bool, pid uint32) (uint64, error) {
	if isOneway && size > ra.freeOnewaySpace {
		return 0, &Error{Code: ErrNoSpace, Op: "ReserveNew"}
	}

	pivot := &descriptor[T]{size: size, offset: 0}
	var found *descriptor[T]
	ra.free.AscendGreaterOrEqual(pivot, func(d *descriptor[T]) bool {
		found = d
		return false
	})
	if found == nil {
		return 0, &Error{Code: ErrNoSpace, Op: "ReserveNew"}
	}

	ra.free.Delete(found)
	if found.size > size {
		remainder := &descriptor[T]{offset: found.offset + size, size: found.size - size, state: stateFree}
		found.size = size
		ra.byOffset.ReplaceOrInsert(remainder)
		ra.free.ReplaceOrInsert(remainder)
	}
	found.state = stateReserved
	found.pid = pid
	found.isOneway = isOneway

	if isOneway {
		ra.freeOnewaySpace -= size
		if ra.lowOnewaySpace() {
			ra.checkSpam(pid)
		}
	}

	return found.offset, nil
}

// lowOnewaySpace reports whether the remaining one-way quota has
// dropped below 10% of the arena.
func (ra *RangeAllocator[T]) lowOnewaySpace() bool {
	return ra.freeOnewaySpace < ra.size/10
}

// checkSpam walks the descriptors bounded by arena size looking for a
// pid that is hogging one-way space (spec §4.1 "One-way spam
// detection").
func (ra *RangeAllocator[T]) checkSpam(pid uint32) {
	var count int
	var total uint64
	ra.byOffset.Ascend(func(d *descriptor[T]) bool {
		if d.state != stateFree && d.isOneway && d.pid == pid {
			count++
			total += d.size
		}
		return true
	})
	if count > 50 || total > ra.size/4 {
		ra.onewaySpamDetected = true
	}
}

func (ra *RangeAllocator[T]) lookup(offset uint64) *descriptor[T] {
	var found *descriptor[T]
	ra.byOffset.AscendGreaterOrEqual(&descriptor[T]{offset: offset}, func(d *descriptor[T]) bool {
		if d.offset == offset {
			found = d
		}
		return false
	})
	return found
}

func (ra *RangeAllocator[T]) neighbors(d *descriptor[T]) (prev, next *descriptor[T]) {
	ra.byOffset.DescendLessOrEqual(&descriptor[T]{offset: d.offset - 1}, func(c *descriptor[T]) bool {
		prev = c
		return false
	})
	if d.offset == 0 {
		prev = nil
	}
	ra.byOffset.AscendGreaterOrEqual(&descriptor[T]{offset: d.offset + d.size}, func(c *descriptor[T]) bool {
		if c.offset == d.offset+d.size {
			next = c
		}
		return false
	})
	return prev, next
}

// Abort transitions the Reserved descriptor at offset back to Free,
// coalescing with free neighbours, and reports the page range that
// became entirely free.
func (ra *RangeAllocator[T]) Abort(offset uint64) (FreedRange, error) {
	d := ra.lookup(offset)
	if d == nil {
		return FreedRange{}, &Error{Code: ErrNotFound, Op: "Abort"}
	}
	if d.state != stateReserved {
		return FreedRange{}, &Error{Code: ErrInvalidState, Op: "Abort"}
	}

	if d.isOneway {
		ra.freeOnewaySpace += d.size
	}

	start, end := d.offset, d.offset+d.size

	// Interior pages of the aborted segment: first page boundary at or
	// after start, last boundary at or before end.
	freed := FreedRange{
		StartPage: (start + PageSize - 1) / PageSize,
		EndPage:   end / PageSize,
	}
	// How large each free neighbour must be for the merge to bring one
	// more whole page into the newly freed range. Pages beyond that were
	// already reported freed when the neighbour itself was released.
	addNextPageNeeded := ^uint64(0)
	if rem := end % PageSize; rem != 0 {
		addNextPageNeeded = PageSize - rem
	}
	addPrevPageNeeded := ^uint64(0)
	if rem := start % PageSize; rem != 0 {
		addPrevPageNeeded = rem
	}

	prev, next := ra.neighbors(d)

	if next != nil && next.state == stateFree {
		if next.size >= addNextPageNeeded {
			freed.EndPage++
		}
		ra.byOffset.Delete(next)
		ra.free.Delete(next)
		end = next.offset + next.size
	}
	if prev != nil && prev.state == stateFree {
		if prev.size >= addPrevPageNeeded {
			freed.StartPage--
		}
		ra.byOffset.Delete(prev)
		ra.free.Delete(prev)
		start = prev.offset
	}

	ra.byOffset.Delete(d)
	merged := &descriptor[T]{offset: start, size: end - start, state: stateFree}
	ra.byOffset.ReplaceOrInsert(merged)
	ra.free.ReplaceOrInsert(merged)

	return freed, nil
}

// Commit transitions the Reserved descriptor at offset to Allocated,
// attaching data.
func (ra *RangeAllocator[T]) Commit(offset uint64, data T) error {
	d := ra.lookup(offset)
	if d == nil {
		return &Error{Code: ErrNotFound, Op: "Commit"}
	}
	if d.state != stateReserved {
		return &Error{Code: ErrInvalidState, Op: "Commit"}
	}
	d.state = stateAllocated
	d.data = data
	return nil
}

// ReserveExisting transitions the Allocated descriptor at offset back
// to Reserved (for a free-buffer command), returning its size and the
// data that was attached on Commit.
func (ra *RangeAllocator[T]) ReserveExisting(offset uint64) (uint64, T, error) {
	var zero T
	d := ra.lookup(offset)
	if d == nil {
		return 0, zero, &Error{Code: ErrNotFound, Op: "ReserveExisting"}
	}
	if d.state != stateAllocated {
		return 0, zero, &Error{Code: ErrInvalidState, Op: "ReserveExisting"}
	}
	data := d.data
	d.data = zero
	d.state = stateReserved
	return d.size, data, nil
}

// TakeForEach drains every Allocated descriptor, invoking cb with its
// offset, size, and attached data, and removing it from the arena.
// Used on process teardown.
func (ra *RangeAllocator[T]) TakeForEach(cb func(offset, size uint64, data T)) {
	var allocated []*descriptor[T]
	ra.byOffset.Ascend(func(d *descriptor[T]) bool {
		if d.state == stateAllocated {
			allocated = append(allocated, d)
		}
		return true
	})
	for _, d := range allocated {
		cb(d.offset, d.size, d.data)
		ra.byOffset.Delete(d)
	}
}
