package db

import (
	"path"

	"github.com/lindend/lsmkv/internal/config"
	"github.com/lindend/lsmkv/internal/entry"
	"github.com/lindend/lsmkv/internal/lsm"
	"github.com/lindend/lsmkv/internal/merge"
)

// Collection is a named store under a shared root directory.
type Collection struct {
	store *lsm.Store
}

func NewCollection(rootDir string, name string, cfg config.Config) (*Collection, error) {
	cfg.StorageDir = path.Join(rootDir, name)
	store, err := lsm.Open(cfg)
	if err != nil {
		return nil, err
	}

	return &Collection{
		store: store,
	}, nil
}

func (c *Collection) Get(key []byte) ([]byte, bool, error) {
	return c.store.Get(key)
}

func (c *Collection) Set(key, value []byte) error {
	return c.store.Upsert(entry.New(key, value))
}

func (c *Collection) Delete(key []byte) error {
	return c.store.Upsert(entry.Tombstone(key))
}

// Scan returns the non-deleted entries in [from, to) in ascending key order.
func (c *Collection) Scan(from, to []byte) (*merge.FilteredIterator, error) {
	return c.store.Range(from, to)
}

func (c *Collection) Flush() error {
	return c.store.Flush()
}

func (c *Collection) Compact() error {
	return c.store.Compact()
}

func (c *Collection) Close() error {
	return c.store.Close()
}
