package lsm

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lindend/lsmkv/internal/compress"
	"github.com/lindend/lsmkv/internal/config"
	"github.com/lindend/lsmkv/internal/entry"
	"github.com/lindend/lsmkv/internal/memtable"
	"github.com/lindend/lsmkv/internal/merge"
	"github.com/lindend/lsmkv/internal/sstable"
)

// entryIterator is the producer side consumed when writing a table.
type entryIterator interface {
	HasNext() bool
	Next() (entry.Entry, error)
}

// Store coordinates the active and flushing memtables and the loaded
// tables. Writes go to the active memtable; on overflow it is swapped into
// the flushing slot and written out by the single background worker. Reads
// merge the two memtables with the tables, newest first.
//
// The flushing slot always holds a memtable. An empty one (with the
// threshold disabled) means no flush is in progress.
type Store struct {
	cfg config.Config

	active   atomic.Pointer[memtable.MemTable]
	flushing atomic.Pointer[memtable.MemTable]
	tables   atomic.Pointer[[]*sstable.SSTable]

	arena *sstable.Arena
	exec  *executor

	// upsertMu is the writer discipline: upserts hold it shared, the
	// memtable swap holds it exclusive.
	upsertMu sync.RWMutex

	// stateMu guards the background handles and the closed transition.
	stateMu    sync.Mutex
	flushFut   *future
	compactFut *future
	closed     atomic.Bool
}

// Open loads the tables in cfg.StorageDir and starts the background worker.
func Open(cfg config.Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreationFailed, err)
	}
	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreationFailed, err)
	}

	arena := sstable.NewArena()
	tables, err := sstable.Load(arena, cfg.StorageDir)
	if err != nil {
		arena.Close()
		return nil, fmt.Errorf("%w: %v", ErrCreationFailed, err)
	}

	s := &Store{
		cfg:   cfg,
		arena: arena,
		exec:  newExecutor(),
	}
	s.active.Store(memtable.New(cfg.FlushThresholdBytes))
	s.flushing.Store(memtable.New(memtable.NoThreshold))
	s.tables.Store(&tables)

	log.Debug().
		Str("dir", cfg.StorageDir).
		Int("tables", len(tables)).
		Msg("Store opened")
	return s, nil
}

func (s *Store) writerConfig() sstable.Config {
	switch s.cfg.Compression.Codec {
	case config.CodecLZ4:
		return sstable.Config{Compressed: true, Compressor: compress.LZ4{}, BlockSize: s.cfg.Compression.BlockSize}
	case config.CodecZstd:
		return sstable.Config{Compressed: true, Compressor: compress.Zstd{}, BlockSize: s.cfg.Compression.BlockSize}
	default:
		return sstable.Config{}
	}
}

// Upsert inserts or replaces an entry; a tombstone entry records a
// deletion. When the active memtable reaches its threshold a background
// flush is triggered. Fails with memtable.ErrOutOfMemory when the memtable
// is full and the flushing slot is still busy.
func (s *Store) Upsert(e entry.Entry) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.upsertMu.RLock()
	overflowed, err := s.active.Load().Upsert(e)
	s.upsertMu.RUnlock()
	if errors.Is(err, memtable.ErrOutOfMemory) {
		// The memtable is full. Rotate it out if the flushing slot is free
		// and retry once; with the slot busy the retry rejects again and
		// the error reaches the caller.
		if flushErr := s.tryFlush(true); flushErr != nil {
			return flushErr
		}
		s.upsertMu.RLock()
		overflowed, err = s.active.Load().Upsert(e)
		s.upsertMu.RUnlock()
	}
	if err != nil {
		return err
	}
	if !overflowed {
		return nil
	}
	return s.tryFlush(true)
}

// Flush schedules a flush of the active memtable. Unlike the overflow
// path, it fails with ErrTooManyFlushes when one is already in progress.
func (s *Store) Flush() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.tryFlush(false)
}

func (s *Store) tryFlush(tolerateBusy bool) error {
	s.upsertMu.Lock()
	if !s.flushing.Load().IsEmpty() {
		s.upsertMu.Unlock()
		if tolerateBusy {
			return nil
		}
		return ErrTooManyFlushes
	}
	promoted := s.active.Load()
	if promoted.IsEmpty() {
		s.upsertMu.Unlock()
		return nil
	}
	s.flushing.Store(promoted)
	s.active.Store(memtable.New(s.cfg.FlushThresholdBytes))
	s.upsertMu.Unlock()

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}
	s.flushFut = s.exec.submit(s.flushInBackground)
	return nil
}

func (s *Store) flushInBackground() error {
	mt := s.flushing.Load()
	if mt.IsEmpty() {
		return nil
	}
	start := time.Now()
	tables := *s.tables.Load()
	generation := sstable.NextGeneration(tables)

	if err := s.writeTable(mt.Iterator(nil, nil, 0), uint(mt.Len()), generation); err != nil {
		log.Error().Err(err).Int("generation", generation).Msg("Flush failed")
		return fmt.Errorf("%w: %v", ErrFlushFailed, err)
	}
	reloaded, err := sstable.Load(s.arena, s.cfg.StorageDir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFlushFailed, err)
	}
	s.tables.Store(&reloaded)
	s.flushing.Store(memtable.New(memtable.NoThreshold))

	log.Info().
		Int("generation", generation).
		Int("entries", mt.Len()).
		Dur("duration", time.Since(start)).
		Msg("Flush complete")
	return nil
}

// Compact schedules a merge of all tables into one, dropping tombstones.
// No-op when the directory is already fully compacted or a compaction is
// still in flight.
func (s *Store) Compact() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if sstable.IsCompacted(*s.tables.Load()) {
		return nil
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}
	if s.compactFut != nil && !s.compactFut.isDone() {
		return nil
	}
	s.compactFut = s.exec.submit(s.compactInBackground)
	return nil
}

func (s *Store) compactInBackground() error {
	tables := *s.tables.Load()
	if sstable.IsCompacted(tables) {
		return nil
	}
	start := time.Now()

	iterators := make([]merge.PointerIterator, 0, len(tables))
	var estimate uint64
	for _, table := range tables {
		it, err := table.Iterator(nil, nil)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCompactionFailed, err)
		}
		iterators = append(iterators, it)
		estimate += table.Entries()
	}

	generation := sstable.NextGeneration(tables)
	if err := s.writeTable(merge.NewFiltered(iterators...), uint(estimate), generation); err != nil {
		log.Error().Err(err).Int("generation", generation).Msg("Compaction failed")
		return fmt.Errorf("%w: %v", ErrCompactionFailed, err)
	}

	// The replacement is in place; unlink the superseded generations. Their
	// mappings stay alive in the arena for in-flight readers.
	for _, table := range tables {
		if err := table.RemoveFiles(); err != nil {
			return fmt.Errorf("%w: %v", ErrCompactionFailed, err)
		}
	}
	reloaded, err := sstable.Load(s.arena, s.cfg.StorageDir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCompactionFailed, err)
	}
	s.tables.Store(&reloaded)

	log.Info().
		Int("merged", len(tables)).
		Int("generation", generation).
		Dur("duration", time.Since(start)).
		Msg("Compaction complete")
	return nil
}

func (s *Store) writeTable(it entryIterator, estimate uint, generation int) error {
	writer, err := sstable.NewWriter(s.cfg.StorageDir, estimate, s.writerConfig())
	if err != nil {
		return err
	}
	for it.HasNext() {
		e, err := it.Next()
		if err != nil {
			writer.Abort()
			return err
		}
		if err := writer.Append(e); err != nil {
			writer.Abort()
			return err
		}
	}
	return writer.Finish(generation)
}

// Get returns the value of the most recent entry under key. A tombstone in
// a newer layer shadows older layers and is reported as absence.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrClosed
	}
	if e, ok := s.active.Load().Get(key); ok {
		return e.Value, !e.IsTombstone(), nil
	}
	if e, ok := s.flushing.Load().Get(key); ok {
		return e.Value, !e.IsTombstone(), nil
	}
	tables := *s.tables.Load()
	for i := len(tables) - 1; i >= 0; i-- { // last table has the highest priority
		e, ok, err := tables[i].Get(key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return e.Value, !e.IsTombstone(), nil
		}
	}
	return nil, false, nil
}

// Range returns an ascending iterator of non-tombstone entries over the
// half-open key range [from, to). Nil bounds are unbounded.
func (s *Store) Range(from, to []byte) (*merge.FilteredIterator, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	tables := *s.tables.Load()
	iterators := make([]merge.PointerIterator, 0, len(tables)+2)
	iterators = append(iterators,
		s.active.Load().Iterator(from, to, 0),
		s.flushing.Load().Iterator(from, to, 1),
	)
	for _, table := range tables {
		it, err := table.Iterator(from, to)
		if err != nil {
			return nil, err
		}
		iterators = append(iterators, it)
	}
	return merge.NewFiltered(iterators...), nil
}

// Close stops the background worker, awaits in-flight tasks, releases the
// mapping arena, and persists the active memtable when non-empty.
// Idempotent: the second call is a no-op.
func (s *Store) Close() error {
	s.stateMu.Lock()
	if s.closed.Load() {
		s.stateMu.Unlock()
		return nil
	}
	s.closed.Store(true)
	flushFut, compactFut := s.flushFut, s.compactFut
	s.stateMu.Unlock()

	s.exec.shutdown()

	var errs []error
	if flushFut != nil {
		if err := flushFut.wait(); err != nil {
			errs = append(errs, err)
		}
	}
	if compactFut != nil {
		if err := compactFut.wait(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := s.arena.Close(); err != nil {
		errs = append(errs, err)
	}

	mt := s.active.Load()
	if !mt.IsEmpty() {
		generation := sstable.NextGeneration(*s.tables.Load())
		if err := s.writeTable(mt.Iterator(nil, nil, 0), uint(mt.Len()), generation); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		log.Warn().Errs("errors", errs).Msg("Store closed with errors")
	}
	return errors.Join(errs...)
}
