package merge

import (
	"container/heap"
	"errors"

	"github.com/lindend/lsmkv/internal/entry"
)

// ErrExhausted is returned when Next or Shift is called on an iterator with
// no remaining entries.
var ErrExhausted = errors.New("iterator is exhausted")

// PointerIterator is a positioned cursor over one ordered entry source. The
// cursor sits on an entry until shifted past it; PeekKey and IsOnTombstone
// inspect the current position without materializing the value. Priority
// breaks ties between sources positioned on the same key, larger wins.
type PointerIterator interface {
	HasNext() bool
	PeekKey() []byte
	IsOnTombstone() bool
	Shift() error
	Next() (entry.Entry, error)
	Priority() int
}

// iteratorHeap orders iterators ascending by current key, and on equal keys
// descending by priority so the authoritative source surfaces first.
type iteratorHeap []PointerIterator

func (h iteratorHeap) Len() int { return len(h) }

func (h iteratorHeap) Less(i, j int) bool {
	c := entry.Compare(h[i].PeekKey(), h[j].PeekKey())
	if c != 0 {
		return c < 0
	}
	return h[i].Priority() > h[j].Priority()
}

func (h iteratorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *iteratorHeap) Push(x any) { *h = append(*h, x.(PointerIterator)) }

func (h *iteratorHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Iterator merges several pointer iterators into one deduplicated ascending
// stream. When multiple sources carry the same key, the highest-priority one
// wins and the rest are shifted past it.
type Iterator struct {
	iterators iteratorHeap
}

// New builds a merge over the given sources. Exhausted and nil sources are
// dropped up front.
func New(iterators ...PointerIterator) *Iterator {
	m := &Iterator{iterators: make(iteratorHeap, 0, len(iterators))}
	for _, it := range iterators {
		if it != nil && it.HasNext() {
			m.iterators = append(m.iterators, it)
		}
	}
	heap.Init(&m.iterators)
	return m
}

// NewFiltered builds a merge over the given sources wrapped in a tombstone
// filter, the form consumed by user-facing reads and by compaction.
func NewFiltered(iterators ...PointerIterator) *FilteredIterator {
	return &FilteredIterator{merged: New(iterators...)}
}

func (m *Iterator) HasNext() bool {
	return len(m.iterators) > 0
}

func (m *Iterator) isOnTombstone() (bool, error) {
	if !m.HasNext() {
		return false, ErrExhausted
	}
	return m.iterators[0].IsOnTombstone(), nil
}

// popHead removes the winning iterator and drains every lower-priority
// iterator positioned on the same key, shifting each past it.
func (m *Iterator) popHead() (PointerIterator, error) {
	head := heap.Pop(&m.iterators).(PointerIterator)
	for len(m.iterators) > 0 {
		peer := m.iterators[0]
		if entry.Compare(head.PeekKey(), peer.PeekKey()) != 0 {
			break
		}
		heap.Pop(&m.iterators)
		if err := peer.Shift(); err != nil {
			return nil, err
		}
		if peer.HasNext() {
			heap.Push(&m.iterators, peer)
		}
	}
	return head, nil
}

func (m *Iterator) shift() error {
	head, err := m.popHead()
	if err != nil {
		return err
	}
	if err := head.Shift(); err != nil {
		return err
	}
	if head.HasNext() {
		heap.Push(&m.iterators, head)
	}
	return nil
}

func (m *Iterator) Next() (entry.Entry, error) {
	if !m.HasNext() {
		return entry.Entry{}, ErrExhausted
	}
	head, err := m.popHead()
	if err != nil {
		return entry.Entry{}, err
	}
	e, err := head.Next()
	if err != nil {
		return entry.Entry{}, err
	}
	if head.HasNext() {
		heap.Push(&m.iterators, head)
	}
	return e, nil
}

// FilteredIterator exposes the merged stream with tombstones removed.
type FilteredIterator struct {
	merged   *Iterator
	haveNext bool
	err      error
}

func (f *FilteredIterator) HasNext() bool {
	if f.haveNext {
		return true
	}
	if f.err != nil {
		return false
	}
	for f.merged.HasNext() {
		tombstone, err := f.merged.isOnTombstone()
		if err != nil {
			f.err = err
			return false
		}
		if !tombstone {
			f.haveNext = true
			return true
		}
		if err := f.merged.shift(); err != nil {
			f.err = err
			return false
		}
	}
	return false
}

func (f *FilteredIterator) Next() (entry.Entry, error) {
	if !f.HasNext() {
		if f.err != nil {
			return entry.Entry{}, f.err
		}
		return entry.Entry{}, ErrExhausted
	}
	e, err := f.merged.Next()
	f.haveNext = false
	return e, err
}
