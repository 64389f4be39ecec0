package lsm

import (
	"errors"
	"fmt"
	"sync"
	. "testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lindend/lsmkv/internal/config"
	"github.com/lindend/lsmkv/internal/entry"
	"github.com/lindend/lsmkv/internal/memtable"
	"github.com/lindend/lsmkv/internal/merge"
	"github.com/lindend/lsmkv/internal/sstable"
)

func testConfig(dir string) config.Config {
	return config.Config{
		FlushThresholdBytes: 1 << 20,
		StorageDir:          dir,
		Compression:         config.CompressionConfig{Codec: config.CodecNone},
	}
}

func openStore(t *T, cfg config.Config) *Store {
	t.Helper()
	store, err := Open(cfg)
	require.Nil(t, err)
	return store
}

// awaitFlushSlot waits until no flush is in progress.
func awaitFlushSlot(t *T, s *Store) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.flushing.Load().IsEmpty()
	}, 5*time.Second, time.Millisecond)
}

func drainRange(t *T, it *merge.FilteredIterator) []entry.Entry {
	t.Helper()
	var out []entry.Entry
	for it.HasNext() {
		e, err := it.Next()
		require.Nil(t, err)
		out = append(out, e)
	}
	return out
}

func TestUpsertGetAndRange(t *T) {
	store := openStore(t, testConfig(t.TempDir()))
	defer store.Close()

	require.Nil(t, store.Upsert(entry.New([]byte("a"), []byte("1"))))
	require.Nil(t, store.Upsert(entry.New([]byte("b"), []byte("2"))))
	require.Nil(t, store.Upsert(entry.New([]byte("a"), []byte("3"))))

	value, found, err := store.Get([]byte("a"))
	require.Nil(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("3"), value)

	value, found, err = store.Get([]byte("b"))
	require.Nil(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("2"), value)

	it, err := store.Range([]byte(""), []byte("z"))
	require.Nil(t, err)
	assert.Equal(t, []entry.Entry{
		entry.New([]byte("a"), []byte("3")),
		entry.New([]byte("b"), []byte("2")),
	}, drainRange(t, it))
}

func TestTombstoneShadowsFlushedValue(t *T) {
	dir := t.TempDir()
	store := openStore(t, testConfig(dir))

	require.Nil(t, store.Upsert(entry.New([]byte("a"), []byte("1"))))
	require.Nil(t, store.Flush())
	awaitFlushSlot(t, store)

	require.Nil(t, store.Upsert(entry.Tombstone([]byte("a"))))

	_, found, err := store.Get([]byte("a"))
	require.Nil(t, err)
	assert.False(t, found)

	it, err := store.Range([]byte(""), []byte("z"))
	require.Nil(t, err)
	assert.Empty(t, drainRange(t, it))

	require.Nil(t, store.Close())

	reopened := openStore(t, testConfig(dir))
	defer reopened.Close()
	_, found, err = reopened.Get([]byte("a"))
	require.Nil(t, err)
	assert.False(t, found)
}

func TestActiveMemtableShadowsFlushingMemtable(t *T) {
	store := openStore(t, testConfig(t.TempDir()))
	defer store.Close()

	// pin state into the flushing slot directly
	_, err := store.flushing.Load().Upsert(entry.New([]byte("a"), []byte("old")))
	require.Nil(t, err)
	store.flushing.Load().Upsert(entry.New([]byte("b"), []byte("kept")))

	require.Nil(t, store.Upsert(entry.New([]byte("a"), []byte("new"))))
	require.Nil(t, store.Upsert(entry.Tombstone([]byte("b"))))

	value, found, err := store.Get([]byte("a"))
	require.Nil(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("new"), value)

	_, found, err = store.Get([]byte("b"))
	require.Nil(t, err)
	assert.False(t, found)
}

func TestCompressedTablesSurviveReopen(t *T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Compression = config.CompressionConfig{Codec: config.CodecLZ4, BlockSize: 16}

	store := openStore(t, cfg)
	for i := 1; i <= 20; i++ {
		key := []byte(fmt.Sprintf("k%02d", i))
		value := []byte(fmt.Sprintf("v%02d", i))
		require.Nil(t, store.Upsert(entry.New(key, value)))
	}
	require.Nil(t, store.Flush())
	awaitFlushSlot(t, store)
	require.Nil(t, store.Close())

	reopened := openStore(t, cfg)
	defer reopened.Close()

	value, found, err := reopened.Get([]byte("k12"))
	require.Nil(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v12"), value)

	it, err := reopened.Range([]byte("k05"), []byte("k10"))
	require.Nil(t, err)
	got := drainRange(t, it)
	require.Len(t, got, 5)
	for i, e := range got {
		assert.Equal(t, fmt.Sprintf("k%02d", i+5), string(e.Key))
		assert.Equal(t, fmt.Sprintf("v%02d", i+5), string(e.Value))
	}
}

func TestCompactMergesToSingleTable(t *T) {
	dir := t.TempDir()
	store := openStore(t, testConfig(dir))

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		require.Nil(t, store.Upsert(entry.New(key, []byte("first"))))
	}
	require.Nil(t, store.Flush())
	awaitFlushSlot(t, store)

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		require.Nil(t, store.Upsert(entry.New(key, []byte("second"))))
	}
	require.Nil(t, store.Flush())
	awaitFlushSlot(t, store)

	require.Nil(t, store.Compact())
	require.Nil(t, store.Close())

	arena := sstable.NewArena()
	defer arena.Close()
	tables, err := sstable.Load(arena, dir)
	require.Nil(t, err)
	require.Len(t, tables, 1)
	assert.True(t, tables[0].HasNoTombstones())
	assert.Equal(t, uint64(100), tables[0].Entries())

	reopened := openStore(t, testConfig(dir))
	defer reopened.Close()
	value, found, err := reopened.Get([]byte("key042"))
	require.Nil(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("second"), value)
}

func TestTombstoneOnlyCompactionYieldsEmptyTable(t *T) {
	dir := t.TempDir()
	store := openStore(t, testConfig(dir))

	require.Nil(t, store.Upsert(entry.Tombstone([]byte("a"))))

	_, found, err := store.Get([]byte("a"))
	require.Nil(t, err)
	assert.False(t, found)

	it, err := store.Range([]byte(""), []byte("z"))
	require.Nil(t, err)
	assert.Empty(t, drainRange(t, it))

	require.Nil(t, store.Flush())
	awaitFlushSlot(t, store)
	require.Nil(t, store.Compact())
	require.Nil(t, store.Close())

	arena := sstable.NewArena()
	defer arena.Close()
	tables, err := sstable.Load(arena, dir)
	require.Nil(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, uint64(0), tables[0].Entries())
	assert.True(t, tables[0].HasNoTombstones())
}

func TestCloseWritesActiveMemtable(t *T) {
	dir := t.TempDir()
	store := openStore(t, testConfig(dir))
	require.Nil(t, store.Upsert(entry.New([]byte("pending"), []byte("v"))))
	require.Nil(t, store.Close())

	reopened := openStore(t, testConfig(dir))
	defer reopened.Close()
	value, found, err := reopened.Get([]byte("pending"))
	require.Nil(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), value)
}

func TestCloseIsIdempotent(t *T) {
	dir := t.TempDir()
	store := openStore(t, testConfig(dir))
	require.Nil(t, store.Upsert(entry.New([]byte("a"), []byte("1"))))

	require.Nil(t, store.Close())
	require.Nil(t, store.Close())

	assert.ErrorIs(t, store.Upsert(entry.New([]byte("b"), []byte("2"))), ErrClosed)
	_, _, err := store.Get([]byte("a"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = store.Range(nil, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, store.Flush(), ErrClosed)
	assert.ErrorIs(t, store.Compact(), ErrClosed)

	reopened := openStore(t, testConfig(dir))
	defer reopened.Close()
	_, found, err := reopened.Get([]byte("a"))
	require.Nil(t, err)
	assert.True(t, found)
}

func TestExplicitFlushWhileBusy(t *T) {
	store := openStore(t, testConfig(t.TempDir()))
	defer store.Close()

	for i := 0; i < 10000; i++ {
		require.Nil(t, store.Upsert(entry.New([]byte(fmt.Sprintf("key%05d", i)), []byte("value"))))
	}
	require.Nil(t, store.Flush())
	if err := store.Flush(); err != nil {
		// the first flush was still running and the slot was busy
		assert.ErrorIs(t, err, ErrTooManyFlushes)
	}
	awaitFlushSlot(t, store)
	assert.Nil(t, store.Flush())
}

func TestReadsDuringFlush(t *T) {
	store := openStore(t, testConfig(t.TempDir()))
	defer store.Close()

	for i := 0; i < 1000; i++ {
		key := []byte(fmt.Sprintf("key%04d", i))
		require.Nil(t, store.Upsert(entry.New(key, []byte("v"))))
	}
	require.Nil(t, store.Flush())

	// whichever layer currently holds them, every entry stays visible
	for i := 0; i < 1000; i++ {
		key := []byte(fmt.Sprintf("key%04d", i))
		_, found, err := store.Get(key)
		require.Nil(t, err)
		require.True(t, found, "key %s", key)
	}
}

func TestConcurrentUpsertsSurviveReopen(t *T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.FlushThresholdBytes = 4 * 1024

	store := openStore(t, cfg)

	const perWriter = 400
	value := []byte("0123456789012345678901234567890123456789") // ~12x threshold in total
	var wg sync.WaitGroup
	for _, prefix := range []string{"left", "right"} {
		wg.Add(1)
		go func(prefix string) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				e := entry.New([]byte(fmt.Sprintf("%s%04d", prefix, i)), value)
				for {
					err := store.Upsert(e)
					if err == nil {
						break
					}
					if errors.Is(err, memtable.ErrOutOfMemory) {
						time.Sleep(time.Millisecond)
						continue
					}
					t.Errorf("upsert %s: %v", e.Key, err)
					return
				}
			}
		}(prefix)
	}
	wg.Wait()
	require.Nil(t, store.Close())

	reopened := openStore(t, cfg)
	defer reopened.Close()
	for _, prefix := range []string{"left", "right"} {
		for i := 0; i < perWriter; i++ {
			key := []byte(fmt.Sprintf("%s%04d", prefix, i))
			got, found, err := reopened.Get(key)
			require.Nil(t, err)
			require.True(t, found, "key %s", key)
			assert.Equal(t, value, got)
		}
	}

	it, err := reopened.Range(nil, nil)
	require.Nil(t, err)
	assert.Len(t, drainRange(t, it), 2*perWriter)
}
