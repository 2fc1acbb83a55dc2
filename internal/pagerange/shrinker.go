package pagerange

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Shrinker is the process-wide reclaim list: every Available page
// across every ShrinkablePageRange owned by a process lives on one
// shared LRU, guarded by its own lock one level inside each range's
// per-range spinlock (spec §5's lock order).
type Shrinker struct {
	mu   sync.Mutex
	list lruList
}

// NewShrinker creates an empty, process-wide reclaim list.
func NewShrinker() *Shrinker {
	return &Shrinker{}
}

// Count reports how many pages are currently reclaimable, the
// shrink_count half of the kernel shrinker callback pair.
func (s *Shrinker) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list.length
}

func (s *Shrinker) add(owner *ShrinkablePageRange, pageIdx int) *lruNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := &lruNode{owner: owner, pageIdx: pageIdx}
	s.list.pushFront(n)
	return n
}

func (s *Shrinker) remove(n *lruNode) {
	if n == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list.remove(n)
}

// removeLocked is used by ShrinkablePageRange.Close, which already
// holds the range's own spinlock; it still needs the LRU's lock since
// the two are always distinct.
func (s *Shrinker) removeLocked(n *lruNode) {
	s.remove(n)
}

// Scan reclaims up to target pages from the tail of the LRU (the
// least-recently-idled pages first), calling MADV_DONTNEED on each
// and returning it to Free. It walks the list under its own lock,
// dropping that lock to trylock each candidate's owning range in the
// order the kernel shrinker does: a range that's busy (TryLock fails)
// is simply skipped rather than waited on, since shrink_scan must
// never block.
func (s *Shrinker) Scan(target int) int {
	reclaimed := 0
	// Bound the walk by the list's current population so re-queued busy
	// entries cannot make the scan spin.
	attempts := s.Count()
	for reclaimed < target && attempts > 0 {
		attempts--
		s.mu.Lock()
		n := s.list.popBack()
		s.mu.Unlock()
		if n == nil {
			break
		}

		owner := n.owner
		if !owner.mu.TryLock() {
			// Busy range: put the entry back so the page stays
			// reclaimable on a later scan.
			s.mu.Lock()
			s.list.pushFront(n)
			s.mu.Unlock()
			continue
		}
		slot := &owner.pages[n.pageIdx]
		if slot.state == slotAvailable {
			start := n.pageIdx * PageSize
			_ = unix.Madvise(owner.data[start:start+PageSize], unix.MADV_DONTNEED)
			slot.state = slotFree
			slot.lruNode = nil
			reclaimed++
		}
		owner.mu.Unlock()
	}
	return reclaimed
}
