// Package listarc implements the intrusive doubly-linked list and
// single-ownership guard used by the binder work-item queues (spec
// §4.6): a todo list is a List of values that each carry their own
// Links, and Links.TryClaim enforces that a value can be linked into
// at most one list at a time, the same invariant the source's
// ListArc/ListArcSafe pair enforces through its const-generic list id.
//
// Go has garbage collection, so there is no need for the source's
// reference-counted-ownership dance (UniqueArc/Arc/ListArc
// transmutes); what's worth keeping is the single-ownership guard
// itself, since a work item accidentally queued on two lists at once
// is a real bug class (double delivery, use-after-remove).
package listarc

import "sync/atomic"

// Links is embedded (by pointer) in anything that wants to live on a
// List. The atomic guard is what TryClaim/Release operate on; prev/next
// are only ever touched while the owning List's lock is held by the
// caller (lists here are not internally synchronized, matching the
// todo lists they back, which are guarded by their owning
// process/thread's own lock).
type Links struct {
	prev, next *Links
	claimed    atomic.Bool
}

// TryClaim marks these Links as belonging to a list. It fails if the
// value is already linked into some other list, exactly the condition
// that would otherwise corrupt both lists' prev/next chains.
func (l *Links) TryClaim() bool {
	return l.claimed.CompareAndSwap(false, true)
}

// Release clears the claim once the value is unlinked. Calling it
// while still linked into a list is a caller bug.
func (l *Links) Release() {
	l.claimed.Store(false)
}

// Claimed reports whether these Links currently belong to some list.
func (l *Links) Claimed() bool { return l.claimed.Load() }

// Item is implemented by anything that can be placed on a List.
type Item interface {
	ListLinks() *Links
}

type node[T Item] struct {
	links      *Links
	item       T
	prev, next *node[T]
}

// List is an intrusive-guarded doubly linked list of T. The zero
// value is ready to use.
type List[T Item] struct {
	head, tail *node[T]
	length     int
}

// Len reports the number of items currently linked.
func (l *List[T]) Len() int { return l.length }

// Empty reports whether the list has no items.
func (l *List[T]) Empty() bool { return l.length == 0 }

// ErrAlreadyLinked is returned by PushFront/PushBack when item is
// already linked into some list (this one or another).
var ErrAlreadyLinked = errAlreadyLinked{}

type errAlreadyLinked struct{}

func (errAlreadyLinked) Error() string { return "listarc: item already linked into a list" }

// PushFront links item at the head of the list.
func (l *List[T]) PushFront(item T) error {
	links := item.ListLinks()
	if !links.TryClaim() {
		return ErrAlreadyLinked
	}
	n := &node[T]{links: links, item: item, next: l.head}
	if l.head != nil {
		l.head.prev = n
	}
	l.head = n
	if l.tail == nil {
		l.tail = n
	}
	l.length++
	return nil
}

// PushBack links item at the tail of the list.
func (l *List[T]) PushBack(item T) error {
	links := item.ListLinks()
	if !links.TryClaim() {
		return ErrAlreadyLinked
	}
	n := &node[T]{links: links, item: item, prev: l.tail}
	if l.tail != nil {
		l.tail.next = n
	}
	l.tail = n
	if l.head == nil {
		l.head = n
	}
	l.length++
	return nil
}

// PopFront unlinks and returns the head item, releasing its claim.
func (l *List[T]) PopFront() (item T, ok bool) {
	n := l.head
	if n == nil {
		return item, false
	}
	l.unlink(n)
	return n.item, true
}

// Remove unlinks item if it is currently linked into this list. It
// walks the list to find it (todo lists in this driver are short-lived
// per-thread/per-process queues, not large enough to need a side
// index), returning false if item was not present.
func (l *List[T]) Remove(item T) bool {
	links := item.ListLinks()
	for n := l.head; n != nil; n = n.next {
		if n.links == links {
			l.unlink(n)
			return true
		}
	}
	return false
}

func (l *List[T]) unlink(n *node[T]) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next = nil, nil
	n.links.Release()
	l.length--
}

// ForEach walks the list front to back, stopping early if fn returns false.
func (l *List[T]) ForEach(fn func(T) bool) {
	for n := l.head; n != nil; n = n.next {
		if !fn(n.item) {
			return
		}
	}
}
