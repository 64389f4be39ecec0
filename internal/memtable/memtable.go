package memtable

import (
	"bytes"
	"errors"
	"math"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"github.com/lindend/lsmkv/internal/entry"
	"github.com/lindend/lsmkv/internal/merge"
)

// ErrOutOfMemory is returned by Upsert when the memtable already sits at its
// flush threshold and cannot take the entry.
var ErrOutOfMemory = errors.New("memtable is over its flush threshold")

// NoThreshold disables overflow signalling. Used for the flushing slot.
const NoThreshold int64 = 0

// MemTable is the in-memory ordered buffer of recent writes. The skip-list
// map is safe for concurrent readers with a single writer; the byte counter
// is atomic so the overflow check can observe it without the writer lock.
type MemTable struct {
	storage   *skipmap.FuncMap[[]byte, entry.Entry]
	threshold int64
	byteSize  atomic.Int64
}

func New(flushThresholdBytes int64) *MemTable {
	return &MemTable{
		storage: skipmap.NewFunc[[]byte, entry.Entry](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
		threshold: flushThresholdBytes,
	}
}

// Upsert inserts or replaces an entry. It fails with ErrOutOfMemory, without
// inserting, when the memtable already sits at its threshold. On success the
// return value reports whether the memtable has now reached the threshold
// and a flush should be triggered.
func (m *MemTable) Upsert(e entry.Entry) (overflowed bool, err error) {
	size := e.Size()
	if m.threshold != NoThreshold && m.byteSize.Add(size)-size >= m.threshold {
		m.byteSize.Add(-size)
		return false, ErrOutOfMemory
	}
	if m.threshold == NoThreshold {
		m.byteSize.Add(size)
	}
	if previous, ok := m.storage.Load(e.Key); ok {
		m.byteSize.Add(-previous.Size())
	}
	m.storage.Store(e.Key, e)
	return m.threshold != NoThreshold && m.byteSize.Load() >= m.threshold, nil
}

// Get returns the entry stored under key. A tombstone is returned as a
// present entry with a nil value; filtering is the caller's job.
func (m *MemTable) Get(key []byte) (entry.Entry, bool) {
	return m.storage.Load(key)
}

func (m *MemTable) IsEmpty() bool {
	return m.byteSize.Load() == 0
}

func (m *MemTable) ByteSize() int64 {
	return m.byteSize.Load()
}

func (m *MemTable) Len() int {
	return m.storage.Len()
}

// Iterator returns a cursor over the half-open key range [from, to). A nil
// bound is unbounded on that side. The cursor's priority is the maximum
// priority minus priorityReduction: the active memtable uses 0, the flushing
// memtable 1, keeping both above every table on disk.
func (m *MemTable) Iterator(from, to []byte, priorityReduction int) *Iterator {
	var entries []entry.Entry
	m.storage.Range(func(key []byte, e entry.Entry) bool {
		if from != nil && bytes.Compare(key, from) < 0 {
			return true
		}
		if to != nil && bytes.Compare(key, to) >= 0 {
			return false
		}
		entries = append(entries, e)
		return true
	})
	return &Iterator{entries: entries, priority: math.MaxInt - priorityReduction}
}

// Iterator walks a snapshot of the memtable in ascending key order.
type Iterator struct {
	entries  []entry.Entry
	position int
	priority int
}

func (it *Iterator) HasNext() bool {
	return it.position < len(it.entries)
}

func (it *Iterator) PeekKey() []byte {
	return it.entries[it.position].Key
}

func (it *Iterator) IsOnTombstone() bool {
	return it.entries[it.position].IsTombstone()
}

func (it *Iterator) Shift() error {
	if !it.HasNext() {
		return merge.ErrExhausted
	}
	it.position++
	return nil
}

func (it *Iterator) Next() (entry.Entry, error) {
	if !it.HasNext() {
		return entry.Entry{}, merge.ErrExhausted
	}
	e := it.entries[it.position]
	it.position++
	return e, nil
}

func (it *Iterator) Priority() int {
	return it.priority
}
