package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"

	"github.com/lindend/lsmkv/internal/entry"
)

// Writer serializes an ascending sequence of entries into one immutable
// table. Entries stream into a temporary data file; the index, compression
// info, and bloom filter are accumulated in memory and written at Finish,
// which renames everything into place. A failing Finish aborts the write and
// removes the temporaries; a failing Append leaves them until Abort is
// called.
type Writer struct {
	dir     string
	cfg     Config
	tmpName string

	data  *os.File
	dataW *bufio.Writer

	filter *bloom.BloomFilter

	indexBuf     bytes.Buffer
	blockOffsets []uint32
	blockBuf     []byte
	inBlock      int
	blockCount   uint32
	dataOffset   uint64

	entries       uint64
	hasTombstones bool
	previousKey   []byte
	hasPrevious   bool
}

// NewWriter opens a writer targeting dir. estimatedEntries sizes the bloom
// filter and may be approximate.
func NewWriter(dir string, estimatedEntries uint, cfg Config) (*Writer, error) {
	if cfg.Compressed {
		if cfg.Compressor == nil {
			return nil, errors.New("compressed layout requires a compressor")
		}
		if cfg.BlockSize <= 0 {
			return nil, fmt.Errorf("invalid block size %d", cfg.BlockSize)
		}
	}
	if estimatedEntries == 0 {
		estimatedEntries = 1
	}

	w := &Writer{
		dir:     dir,
		cfg:     cfg,
		tmpName: tmpFilePrefix + uuid.NewString(),
		filter:  bloom.NewWithEstimates(estimatedEntries, bloomFalsePositiveRate),
	}
	if cfg.Compressed {
		w.blockBuf = make([]byte, cfg.BlockSize)
	}

	data, err := os.Create(w.tmpFile(dataFileSuffix))
	if err != nil {
		return nil, err
	}
	w.data = data
	w.dataW = bufio.NewWriter(data)
	return w, nil
}

func (w *Writer) tmpFile(suffix string) string {
	return filepath.Join(w.dir, w.tmpName+suffix)
}

// Append adds the next entry. Keys must arrive in strictly ascending order.
func (w *Writer) Append(e entry.Entry) error {
	if w.hasPrevious && entry.Compare(e.Key, w.previousKey) <= 0 {
		return errors.New("keys must be appended in strictly ascending order")
	}
	w.previousKey = append(w.previousKey[:0], e.Key...)
	w.hasPrevious = true

	valueSize := int64(len(e.Value))
	if e.IsTombstone() {
		valueSize = tombstoneValueSize
		w.hasTombstones = true
	}

	var num [8]byte
	if w.cfg.Compressed {
		w.appendIndexUint32(w.blockCount)
		w.appendIndexUint32(uint32(w.inBlock))

		binary.LittleEndian.PutUint64(num[:], uint64(len(e.Key)))
		if err := w.writeBlockBytes(num[:]); err != nil {
			return err
		}
		if err := w.writeBlockBytes(e.Key); err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(num[:], uint64(valueSize))
		if err := w.writeBlockBytes(num[:]); err != nil {
			return err
		}
		if !e.IsTombstone() {
			if err := w.writeBlockBytes(e.Value); err != nil {
				return err
			}
		}
	} else {
		w.appendIndexUint64(w.dataOffset)

		binary.LittleEndian.PutUint64(num[:], uint64(len(e.Key)))
		if _, err := w.dataW.Write(num[:]); err != nil {
			return err
		}
		if _, err := w.dataW.Write(e.Key); err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(num[:], uint64(valueSize))
		if _, err := w.dataW.Write(num[:]); err != nil {
			return err
		}
		if !e.IsTombstone() {
			if _, err := w.dataW.Write(e.Value); err != nil {
				return err
			}
		}
		w.dataOffset += 16 + uint64(len(e.Key)) + uint64(len(e.Value))
	}

	w.filter.Add(e.Key)
	w.entries++
	return nil
}

func (w *Writer) appendIndexUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.indexBuf.Write(b[:])
}

func (w *Writer) appendIndexUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.indexBuf.Write(b[:])
}

// writeBlockBytes streams p into the block buffer, flushing a compressed
// block every time the buffer fills exactly. Fields straddle block
// boundaries rather than padding the stream.
func (w *Writer) writeBlockBytes(p []byte) error {
	for len(p) > 0 {
		n := copy(w.blockBuf[w.inBlock:], p)
		w.inBlock += n
		p = p[n:]
		if w.inBlock == len(w.blockBuf) {
			if err := w.flushBlock(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Writer) flushBlock() error {
	compressed, err := w.cfg.Compressor.Compress(w.blockBuf[:w.inBlock])
	if err != nil {
		return err
	}
	if _, err := w.dataW.Write(compressed); err != nil {
		return err
	}
	w.blockOffsets = append(w.blockOffsets, uint32(w.dataOffset))
	w.dataOffset += uint64(len(compressed))
	w.blockCount++
	w.inBlock = 0
	return nil
}

// Finish writes the remaining state, syncs every file, and renames the
// table into place under the given generation. The index file is renamed
// last: a table is visible to the loader only once complete.
func (w *Writer) Finish(generation int) (err error) {
	defer func() {
		if err != nil {
			w.Abort()
		}
	}()

	tailSize := uint32(0)
	if w.cfg.Compressed {
		tailSize = uint32(w.inBlock)
		if err = w.flushBlock(); err != nil {
			return err
		}
	}
	if err = w.dataW.Flush(); err != nil {
		return err
	}
	if err = w.data.Sync(); err != nil {
		return err
	}
	if err = w.data.Close(); err != nil {
		w.data = nil
		return err
	}
	w.data = nil

	index := make([]byte, indexHeaderSize, indexHeaderSize+w.indexBuf.Len())
	if !w.hasTombstones {
		index[0] = 1
	}
	binary.LittleEndian.PutUint64(index[1:], w.entries)
	index = append(index, w.indexBuf.Bytes()...)

	var info []byte
	if w.cfg.Compressed {
		info = make([]byte, 0, 10+4*len(w.blockOffsets)+4)
		info = append(info, 1, byte(w.cfg.Compressor.Algorithm()))
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], w.blockCount)
		info = append(info, b[:]...)
		binary.LittleEndian.PutUint32(b[:], uint32(w.cfg.BlockSize))
		info = append(info, b[:]...)
		for _, offset := range w.blockOffsets {
			binary.LittleEndian.PutUint32(b[:], offset)
			info = append(info, b[:]...)
		}
		binary.LittleEndian.PutUint32(b[:], tailSize)
		info = append(info, b[:]...)
	} else {
		info = []byte{0}
	}

	if err = writeFileSync(w.tmpFile(compressionInfoFileSuffix), info); err != nil {
		return err
	}
	if err = w.writeBloomFile(); err != nil {
		return err
	}
	if err = writeFileSync(w.tmpFile(indexFileSuffix), index); err != nil {
		return err
	}

	for _, suffix := range []string{dataFileSuffix, compressionInfoFileSuffix, bloomFileSuffix, indexFileSuffix} {
		if err = os.Rename(w.tmpFile(suffix), tableFileName(w.dir, generation, suffix)); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeBloomFile() error {
	file, err := os.Create(w.tmpFile(bloomFileSuffix))
	if err != nil {
		return err
	}
	if _, err := w.filter.WriteTo(file); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func writeFileSync(path string, data []byte) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Abort discards the write and removes any temporary files.
func (w *Writer) Abort() {
	if w.data != nil {
		w.data.Close()
		w.data = nil
	}
	for _, suffix := range []string{dataFileSuffix, indexFileSuffix, compressionInfoFileSuffix, bloomFileSuffix} {
		os.Remove(w.tmpFile(suffix))
	}
}
