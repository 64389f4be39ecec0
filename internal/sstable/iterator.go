package sstable

import (
	"github.com/lindend/lsmkv/internal/entry"
	"github.com/lindend/lsmkv/internal/merge"
)

// Iterator is a forward cursor over one table's half-open key range
// [from, to). The current key and value size are loaded on positioning so
// the merge can compare keys and detect tombstones without decompressing
// values; the value itself is materialized only by Next.
type Iterator struct {
	table *SSTable
	slot  uint64
	to    []byte

	key       []byte
	valueSize int64
	valuePos  uint64
	valid     bool
}

// Iterator positions a cursor at the first entry with key >= from, or the
// first entry when from is nil. A nil to bound iterates to the end of the
// table.
func (s *SSTable) Iterator(from, to []byte) (*Iterator, error) {
	slot := 0
	if from != nil {
		var err error
		if slot, err = s.search(from); err != nil {
			return nil, err
		}
	}
	it := &Iterator{table: s, slot: uint64(slot), to: to}
	if err := it.position(); err != nil {
		return nil, err
	}
	return it, nil
}

// position loads the entry under the current slot, or marks the cursor
// exhausted at the end of the table or range.
func (it *Iterator) position() error {
	it.valid = false
	if it.slot >= it.table.entries {
		return nil
	}
	key, pos, err := it.table.keyAt(int(it.slot))
	if err != nil {
		return err
	}
	if it.to != nil && entry.Compare(key, it.to) >= 0 {
		return nil
	}
	valueSize, err := it.table.valueSizeAt(pos)
	if err != nil {
		return err
	}
	it.key = key
	it.valueSize = valueSize
	it.valuePos = pos + 8
	it.valid = true
	return nil
}

func (it *Iterator) HasNext() bool {
	return it.valid
}

func (it *Iterator) PeekKey() []byte {
	return it.key
}

func (it *Iterator) IsOnTombstone() bool {
	return it.valueSize == tombstoneValueSize
}

func (it *Iterator) Shift() error {
	if !it.valid {
		return merge.ErrExhausted
	}
	it.slot++
	return it.position()
}

func (it *Iterator) Next() (entry.Entry, error) {
	if !it.valid {
		return entry.Entry{}, merge.ErrExhausted
	}
	var e entry.Entry
	if it.valueSize == tombstoneValueSize {
		e = entry.Tombstone(it.key)
	} else {
		value := make([]byte, it.valueSize)
		if err := it.table.readAt(value, it.valuePos); err != nil {
			return entry.Entry{}, err
		}
		e = entry.New(it.key, value)
	}
	it.slot++
	if err := it.position(); err != nil {
		return entry.Entry{}, err
	}
	return e, nil
}

func (it *Iterator) Priority() int {
	return it.table.priority
}
