package compress

import (
	"bytes"
	"math/rand"
	. "testing"

	"github.com/stretchr/testify/assert"
)

func roundTrip(t *T, c Compressor, src []byte) {
	compressed, err := c.Compress(src)
	assert.Nil(t, err)

	dst := make([]byte, len(src))
	err = c.Decompress(compressed, dst)
	assert.Nil(t, err)
	assert.Equal(t, src, dst)
}

func compressors() []Compressor {
	return []Compressor{Noop{}, LZ4{}, Zstd{}}
}

func TestRoundTripCompressible(t *T) {
	src := bytes.Repeat([]byte("hello world "), 100)
	for _, c := range compressors() {
		roundTrip(t, c, src)
	}
}

func TestRoundTripIncompressible(t *T) {
	rng := rand.New(rand.NewSource(42))
	src := make([]byte, 4096)
	rng.Read(src)
	for _, c := range compressors() {
		roundTrip(t, c, src)
	}
}

func TestRoundTripSingleByte(t *T) {
	for _, c := range compressors() {
		roundTrip(t, c, []byte{0x7f})
	}
}

func TestRoundTripEmptyBlock(t *T) {
	for _, c := range compressors() {
		roundTrip(t, c, []byte{})
	}
}

func TestLiteralBlockLongInput(t *T) {
	// long enough that the literal length needs extension bytes
	rng := rand.New(rand.NewSource(7))
	src := make([]byte, 15+255+255+17)
	rng.Read(src)
	roundTrip(t, LZ4{}, src)
}

func TestNoopRejectsSizeMismatch(t *T) {
	dst := make([]byte, 4)
	assert.NotNil(t, Noop{}.Decompress([]byte{1, 2, 3}, dst))
}

func TestForAlgorithm(t *T) {
	for _, c := range compressors() {
		resolved, err := ForAlgorithm(c.Algorithm())
		assert.Nil(t, err)
		assert.Equal(t, c.Algorithm(), resolved.Algorithm())
	}

	_, err := ForAlgorithm(Algorithm(99))
	assert.NotNil(t, err)
}
