package compress

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies a block codec in the compression-info file.
type Algorithm byte

const (
	AlgorithmLZ4  Algorithm = 0
	AlgorithmZstd Algorithm = 1
	AlgorithmNone Algorithm = 2
)

// Compressor turns one uncompressed block into its stored form and back.
// Decompress fills dst, whose length must be the exact uncompressed size of
// the block.
type Compressor interface {
	Algorithm() Algorithm
	Compress(src []byte) ([]byte, error)
	Decompress(src, dst []byte) error
}

// ForAlgorithm resolves the codec recorded in a table's compression-info
// file.
func ForAlgorithm(a Algorithm) (Compressor, error) {
	switch a {
	case AlgorithmLZ4:
		return LZ4{}, nil
	case AlgorithmZstd:
		return Zstd{}, nil
	case AlgorithmNone:
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm %d", a)
	}
}

// Noop stores blocks verbatim.
type Noop struct{}

func (Noop) Algorithm() Algorithm { return AlgorithmNone }

func (Noop) Compress(src []byte) ([]byte, error) {
	return append([]byte(nil), src...), nil
}

func (Noop) Decompress(src, dst []byte) error {
	if len(src) != len(dst) {
		return fmt.Errorf("block size mismatch: stored %d bytes, expected %d", len(src), len(dst))
	}
	copy(dst, src)
	return nil
}

// LZ4 encodes blocks with the LZ4 block format.
type LZ4 struct{}

func (LZ4) Algorithm() Algorithm { return AlgorithmLZ4 }

func (LZ4) Compress(src []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	var c lz4.Compressor
	n, err := c.CompressBlock(src, dst)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Incompressible input: emit a literal-only sequence so the stored
		// block is still a valid LZ4 block.
		return lz4LiteralBlock(src), nil
	}
	return dst[:n], nil
}

func (LZ4) Decompress(src, dst []byte) error {
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return err
	}
	if n != len(dst) {
		return fmt.Errorf("short lz4 block: got %d bytes, expected %d", n, len(dst))
	}
	return nil
}

// lz4LiteralBlock encodes src as a single sequence of plain literals.
func lz4LiteralBlock(src []byte) []byte {
	n := len(src)
	out := make([]byte, 0, n+n/255+2)
	if n < 15 {
		out = append(out, byte(n)<<4)
	} else {
		out = append(out, 0xF0)
		rem := n - 15
		for rem >= 255 {
			out = append(out, 255)
			rem -= 255
		}
		out = append(out, byte(rem))
	}
	return append(out, src...)
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Zstd encodes blocks as standalone zstd frames.
type Zstd struct{}

func (Zstd) Algorithm() Algorithm { return AlgorithmZstd }

func (Zstd) Compress(src []byte) ([]byte, error) {
	return zstdEncoder.EncodeAll(src, nil), nil
}

func (Zstd) Decompress(src, dst []byte) error {
	out, err := zstdDecoder.DecodeAll(src, dst[:0])
	if err != nil {
		return err
	}
	if len(out) != len(dst) {
		return fmt.Errorf("short zstd block: got %d bytes, expected %d", len(out), len(dst))
	}
	if len(out) > 0 && &out[0] != &dst[0] {
		copy(dst, out)
	}
	return nil
}
