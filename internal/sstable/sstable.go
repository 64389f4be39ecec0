package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"golang.org/x/exp/mmap"

	"github.com/lindend/lsmkv/internal/compress"
	"github.com/lindend/lsmkv/internal/entry"
)

// SSTable is one immutable on-disk table, mapped read-only. The data and
// index mappings live in the store's shared arena and stay valid until the
// arena is released, so readers keep working even after compaction unlinks
// the files underneath them.
type SSTable struct {
	generation int
	dir        string

	data  *mmap.ReaderAt
	index *mmap.ReaderAt
	// nil when the sidecar is missing or unreadable
	filter *bloom.BloomFilter

	compressed   bool
	compressor   compress.Compressor
	blockSize    int
	blockOffsets []uint32
	tailSize     uint32

	entries         uint64
	hasNoTombstones bool
	priority        int

	mu          sync.Mutex
	cachedBlock int
	cachedData  []byte
}

// open loads the table of one generation, registering its mappings in the
// arena. priority is the table's position in ascending-generation order.
func open(arena *Arena, dir string, generation, priority int) (*SSTable, error) {
	s := &SSTable{
		generation:  generation,
		dir:         dir,
		priority:    priority,
		cachedBlock: -1,
	}

	info, err := os.ReadFile(tableFileName(dir, generation, compressionInfoFileSuffix))
	if err != nil {
		return nil, err
	}
	if err := s.parseCompressionInfo(info); err != nil {
		return nil, err
	}

	if s.data, err = mmap.Open(tableFileName(dir, generation, dataFileSuffix)); err != nil {
		return nil, err
	}
	if err := arena.add(s.data); err != nil {
		return nil, err
	}
	if s.index, err = mmap.Open(tableFileName(dir, generation, indexFileSuffix)); err != nil {
		return nil, err
	}
	if err := arena.add(s.index); err != nil {
		return nil, err
	}

	if err := s.parseIndexHeader(); err != nil {
		return nil, err
	}
	s.filter = loadBloomFilter(tableFileName(dir, generation, bloomFileSuffix))
	return s, nil
}

func (s *SSTable) parseCompressionInfo(info []byte) error {
	if len(info) < 1 {
		return fmt.Errorf("%w: empty compression info (generation %d)", ErrCorruptedTable, s.generation)
	}
	if info[0] == 0 {
		return nil
	}
	if len(info) < 10 {
		return fmt.Errorf("%w: truncated compression info (generation %d)", ErrCorruptedTable, s.generation)
	}
	s.compressed = true
	compressor, err := compress.ForAlgorithm(compress.Algorithm(info[1]))
	if err != nil {
		return fmt.Errorf("%w: %v (generation %d)", ErrCorruptedTable, err, s.generation)
	}
	s.compressor = compressor

	blockCount := binary.LittleEndian.Uint32(info[2:])
	s.blockSize = int(binary.LittleEndian.Uint32(info[6:]))
	if s.blockSize <= 0 || blockCount == 0 || len(info) != 10+4*int(blockCount)+4 {
		return fmt.Errorf("%w: inconsistent block directory (generation %d)", ErrCorruptedTable, s.generation)
	}
	s.blockOffsets = make([]uint32, blockCount)
	for i := range s.blockOffsets {
		s.blockOffsets[i] = binary.LittleEndian.Uint32(info[10+4*i:])
	}
	s.tailSize = binary.LittleEndian.Uint32(info[10+4*int(blockCount):])
	if s.tailSize > uint32(s.blockSize) {
		return fmt.Errorf("%w: tail larger than block size (generation %d)", ErrCorruptedTable, s.generation)
	}
	return nil
}

func (s *SSTable) parseIndexHeader() error {
	if s.index.Len() < indexHeaderSize {
		return fmt.Errorf("%w: truncated index (generation %d)", ErrCorruptedTable, s.generation)
	}
	var header [indexHeaderSize]byte
	if _, err := s.index.ReadAt(header[:], 0); err != nil {
		return err
	}
	s.hasNoTombstones = header[0] != 0
	s.entries = binary.LittleEndian.Uint64(header[1:])
	if uint64(s.index.Len()) != indexHeaderSize+s.entries*indexSlotSize {
		return fmt.Errorf("%w: index size does not match entry count (generation %d)", ErrCorruptedTable, s.generation)
	}
	if s.compressed {
		for i, offset := range s.blockOffsets {
			if int64(offset) > int64(s.data.Len()) || (i > 0 && offset < s.blockOffsets[i-1]) {
				return fmt.Errorf("%w: block offset outside data file (generation %d)", ErrCorruptedTable, s.generation)
			}
		}
	}
	return nil
}

func loadBloomFilter(path string) *bloom.BloomFilter {
	file, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer file.Close()
	filter := &bloom.BloomFilter{}
	if _, err := filter.ReadFrom(file); err != nil {
		return nil
	}
	return filter
}

func (s *SSTable) Generation() int { return s.generation }

func (s *SSTable) Priority() int { return s.priority }

// HasNoTombstones reports the writer's hint that no entry in this table is a
// deletion marker.
func (s *SSTable) HasNoTombstones() bool { return s.hasNoTombstones }

func (s *SSTable) Entries() uint64 { return s.entries }

// logicalSize is the length of the uncompressed entry stream.
func (s *SSTable) logicalSize() uint64 {
	if !s.compressed {
		return uint64(s.data.Len())
	}
	return uint64(len(s.blockOffsets)-1)*uint64(s.blockSize) + uint64(s.tailSize)
}

// block returns the decompressed contents of block i. The slice is shared
// and must not be modified. The most recently decoded block stays cached;
// sequential scans and straddle stitching hit it constantly.
func (s *SSTable) block(i int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cachedBlock == i {
		return s.cachedData, nil
	}

	start := int64(s.blockOffsets[i])
	end := int64(s.data.Len())
	if i+1 < len(s.blockOffsets) {
		end = int64(s.blockOffsets[i+1])
	}
	src := make([]byte, end-start)
	if _, err := s.data.ReadAt(src, start); err != nil {
		return nil, err
	}

	size := s.blockSize
	if i == len(s.blockOffsets)-1 {
		size = int(s.tailSize)
	}
	dst := make([]byte, size)
	if err := s.compressor.Decompress(src, dst); err != nil {
		return nil, fmt.Errorf("%w: block %d: %v", ErrCorruptedTable, i, err)
	}
	s.cachedBlock, s.cachedData = i, dst
	return dst, nil
}

// readAt fills buf from the logical entry stream starting at pos, stitching
// across block boundaries in the compressed layout.
func (s *SSTable) readAt(buf []byte, pos uint64) error {
	if !s.compressed {
		_, err := s.data.ReadAt(buf, int64(pos))
		return err
	}
	for len(buf) > 0 {
		blockIndex := int(pos / uint64(s.blockSize))
		inBlock := int(pos % uint64(s.blockSize))
		if blockIndex >= len(s.blockOffsets) {
			return fmt.Errorf("%w: read past end of block stream (generation %d)", ErrCorruptedTable, s.generation)
		}
		block, err := s.block(blockIndex)
		if err != nil {
			return err
		}
		if inBlock >= len(block) {
			return fmt.Errorf("%w: read past end of block stream (generation %d)", ErrCorruptedTable, s.generation)
		}
		n := copy(buf, block[inBlock:])
		buf = buf[n:]
		pos += uint64(n)
	}
	return nil
}

// entryPosition resolves index slot k to the entry's position in the
// logical stream.
func (s *SSTable) entryPosition(slot int) (uint64, error) {
	var b [indexSlotSize]byte
	if _, err := s.index.ReadAt(b[:], int64(indexHeaderSize+slot*indexSlotSize)); err != nil {
		return 0, err
	}
	if !s.compressed {
		return binary.LittleEndian.Uint64(b[:]), nil
	}
	blockNumber := binary.LittleEndian.Uint32(b[:4])
	inBlock := binary.LittleEndian.Uint32(b[4:])
	return uint64(blockNumber)*uint64(s.blockSize) + uint64(inBlock), nil
}

// keyAt reads the key of slot and returns it with the stream position just
// past it.
func (s *SSTable) keyAt(slot int) ([]byte, uint64, error) {
	pos, err := s.entryPosition(slot)
	if err != nil {
		return nil, 0, err
	}
	var b [8]byte
	if err := s.readAt(b[:], pos); err != nil {
		return nil, 0, err
	}
	keySize := binary.LittleEndian.Uint64(b[:])
	if keySize > s.logicalSize() {
		return nil, 0, fmt.Errorf("%w: key size out of range (generation %d)", ErrCorruptedTable, s.generation)
	}
	key := make([]byte, keySize)
	if err := s.readAt(key, pos+8); err != nil {
		return nil, 0, err
	}
	return key, pos + 8 + keySize, nil
}

// valueSizeAt reads the i64 value size field at pos.
func (s *SSTable) valueSizeAt(pos uint64) (int64, error) {
	var b [8]byte
	if err := s.readAt(b[:], pos); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

// search returns the first slot whose key is >= key.
func (s *SSTable) search(key []byte) (int, error) {
	lo, hi := 0, int(s.entries)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		k, _, err := s.keyAt(mid)
		if err != nil {
			return 0, err
		}
		if entry.Compare(k, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// Get returns the entry stored under key, if any. A tombstone is returned
// as a present entry with a nil value; filtering is the caller's job.
func (s *SSTable) Get(key []byte) (entry.Entry, bool, error) {
	if s.entries == 0 {
		return entry.Entry{}, false, nil
	}
	if s.filter != nil && !s.filter.Test(key) {
		return entry.Entry{}, false, nil
	}
	slot, err := s.search(key)
	if err != nil {
		return entry.Entry{}, false, err
	}
	if slot >= int(s.entries) {
		return entry.Entry{}, false, nil
	}
	k, pos, err := s.keyAt(slot)
	if err != nil {
		return entry.Entry{}, false, err
	}
	if !bytes.Equal(k, key) {
		return entry.Entry{}, false, nil
	}
	valueSize, err := s.valueSizeAt(pos)
	if err != nil {
		return entry.Entry{}, false, err
	}
	if valueSize == tombstoneValueSize {
		return entry.Tombstone(k), true, nil
	}
	value := make([]byte, valueSize)
	if err := s.readAt(value, pos+8); err != nil {
		return entry.Entry{}, false, err
	}
	return entry.New(k, value), true, nil
}

// RemoveFiles unlinks the table's files after compaction has superseded it.
// The mappings stay valid through the arena until the store closes.
func (s *SSTable) RemoveFiles() error {
	var firstErr error
	for _, suffix := range []string{dataFileSuffix, indexFileSuffix, compressionInfoFileSuffix, bloomFileSuffix} {
		if err := os.Remove(tableFileName(s.dir, s.generation, suffix)); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
