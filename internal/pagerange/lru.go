package pagerange

// lruNode is one doubly-linked list node, held by pointer in a
// pageSlot. It is not a standalone container (no container/list, no
// github.com/hashicorp/golang-lru — see DESIGN.md): the shrinker needs
// to remove a specific slot by pointer without a side map, and needs
// to walk from the tail releasing and re-acquiring its own lock
// per-entry, which a self-locking cache cannot support.
type lruNode struct {
	prev, next *lruNode
	owner      *ShrinkablePageRange
	pageIdx    int
}

// lruList is a tail-eviction doubly-linked list guarded by the
// shrinker's own lock (Shrinker.mu), one level inside the per-range
// spinlock in the documented lock order.
type lruList struct {
	head, tail *lruNode
	length     int
}

func (l *lruList) pushFront(n *lruNode) {
	n.prev = nil
	n.next = l.head
	if l.head != nil {
		l.head.prev = n
	}
	l.head = n
	if l.tail == nil {
		l.tail = n
	}
	l.length++
}

func (l *lruList) remove(n *lruNode) {
	if n.prev == nil && n.next == nil && l.head != n {
		// Already unlinked (the shrinker popped it concurrently).
		return
	}
	if n.prev != nil {
		n.prev.next = n.next
	} else if l.head == n {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else if l.tail == n {
		l.tail = n.prev
	}
	n.prev, n.next = nil, nil
	l.length--
}

func (l *lruList) popBack() *lruNode {
	n := l.tail
	if n == nil {
		return nil
	}
	l.remove(n)
	return n
}
