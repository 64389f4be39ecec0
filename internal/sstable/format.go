package sstable

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/lindend/lsmkv/internal/compress"
)

// An SSTable is stored as a triple of files per generation, plus a bloom
// filter sidecar:
//
//	sstable_<gen>.data            entries, raw or as compressed blocks
//	sstable_<gen>.index           hasNoTombstones|entriesSize|slot_1..slot_N
//	sstable_<gen>.compressionInfo layout selector and block directory
//	sstable_<gen>.bloom           serialized bloom filter (optional)
//
// All integers are little-endian and unaligned. Each entry in the logical
// data stream is keySize(u64)|key|valueSize(i64)|value, where valueSize -1
// marks a tombstone and the value bytes are omitted. In the uncompressed
// layout an index slot is the absolute u64 offset of the entry in the data
// file; in the compressed layout it is the (blockNumber u32, inBlockOffset
// u32) pair locating the entry's keySize field in the uncompressed block
// stream. Entries may straddle block boundaries; blocks are never padded.
//
// The compression-info file is a single 0 byte for the uncompressed layout,
// or isCompressed(1)|algorithm(u8)|blockCount(u32)|uncompressedBlockSize(u32)|
// blockOffset_1..M(u32)|tailSize(u32) for the compressed one. Block offsets
// are absolute offsets of the compressed blocks in the data file; tailSize is
// the number of valid uncompressed bytes in the last block.
const (
	tableFilePrefix           = "sstable_"
	dataFileSuffix            = ".data"
	indexFileSuffix           = ".index"
	compressionInfoFileSuffix = ".compressionInfo"
	bloomFileSuffix           = ".bloom"

	// In-progress tables are written under this prefix and ignored by Load
	// until the atomic rename into place.
	tmpFilePrefix = "tmp-"

	indexHeaderSize = 9
	indexSlotSize   = 8

	tombstoneValueSize = int64(-1)

	bloomFalsePositiveRate = 0.01
)

// ErrCorruptedTable marks a complete-looking file triple whose contents are
// internally inconsistent.
var ErrCorruptedTable = errors.New("corrupted sstable")

// Config selects the on-disk layout of a written table.
type Config struct {
	Compressed bool
	Compressor compress.Compressor
	BlockSize  int
}

func tableFileName(dir string, generation int, suffix string) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d%s", tableFilePrefix, generation, suffix))
}
