package db

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// GoLevelDB is a DB backed by a LevelDB database on disk. An empty path opens
// a purely in-memory LevelDB, which is convenient for tests.
type GoLevelDB struct {
	db *leveldb.DB
}

var _ DB = (*GoLevelDB)(nil)

// NewGoLevelDB opens or creates a LevelDB database at path.
func NewGoLevelDB(path string, o *opt.Options) (*GoLevelDB, error) {
	var (
		ldb *leveldb.DB
		err error
	)
	if path == "" {
		ldb, err = leveldb.Open(leveldbstorage.NewMemStorage(), o)
	} else {
		ldb, err = leveldb.OpenFile(path, o)
	}
	if err != nil {
		return nil, fmt.Errorf("opening leveldb at %q: %w", path, err)
	}
	return &GoLevelDB{db: ldb}, nil
}

func (g *GoLevelDB) Get(key []byte) ([]byte, error) {
	value, err := g.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (g *GoLevelDB) Has(key []byte) (bool, error) {
	return g.db.Has(key, nil)
}

func (g *GoLevelDB) Set(key, value []byte) error {
	return g.db.Put(key, value, nil)
}

func (g *GoLevelDB) Delete(key []byte) error {
	return g.db.Delete(key, nil)
}

func (g *GoLevelDB) Iterator(start, end []byte) (Iterator, error) {
	itr := g.db.NewIterator(levelRange(start, end), nil)
	return newGoLevelIterator(itr), nil
}

func (g *GoLevelDB) NewBatch() Batch {
	return &goLevelBatch{db: g.db, batch: new(leveldb.Batch)}
}

func (g *GoLevelDB) Snapshot() (Snapshot, error) {
	snap, err := g.db.GetSnapshot()
	if err != nil {
		return nil, err
	}
	return &goLevelSnapshot{snap: snap}, nil
}

func (g *GoLevelDB) Close() error {
	return g.db.Close()
}

func levelRange(start, end []byte) *util.Range {
	if start == nil && end == nil {
		return nil
	}
	return &util.Range{Start: start, Limit: end}
}

type goLevelSnapshot struct {
	snap *leveldb.Snapshot
}

func (s *goLevelSnapshot) Get(key []byte) ([]byte, error) {
	value, err := s.snap.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *goLevelSnapshot) Has(key []byte) (bool, error) {
	return s.snap.Has(key, nil)
}

func (s *goLevelSnapshot) Iterator(start, end []byte) (Iterator, error) {
	itr := s.snap.NewIterator(levelRange(start, end), nil)
	return newGoLevelIterator(itr), nil
}

func (s *goLevelSnapshot) Release() {
	s.snap.Release()
}

type goLevelBatch struct {
	db    *leveldb.DB
	batch *leveldb.Batch
}

func (b *goLevelBatch) Set(key, value []byte) error {
	if b.batch == nil {
		return ErrClosed
	}
	b.batch.Put(key, value)
	return nil
}

func (b *goLevelBatch) Delete(key []byte) error {
	if b.batch == nil {
		return ErrClosed
	}
	b.batch.Delete(key)
	return nil
}

func (b *goLevelBatch) Write() error {
	if b.batch == nil {
		return ErrClosed
	}
	err := b.db.Write(b.batch, &opt.WriteOptions{Sync: false})
	b.batch = nil
	return err
}

func (b *goLevelBatch) Close() error {
	b.batch = nil
	return nil
}

type goLevelIterator struct {
	itr   iterator.Iterator
	valid bool
}

func newGoLevelIterator(itr iterator.Iterator) *goLevelIterator {
	return &goLevelIterator{itr: itr, valid: itr.First()}
}

func (i *goLevelIterator) Valid() bool {
	return i.valid
}

func (i *goLevelIterator) Next() {
	i.valid = i.itr.Next()
}

// Key returns a copy of the current key; goleveldb reuses its buffers across
// Next calls.
func (i *goLevelIterator) Key() []byte {
	return append([]byte(nil), i.itr.Key()...)
}

func (i *goLevelIterator) Value() []byte {
	return append([]byte(nil), i.itr.Value()...)
}

func (i *goLevelIterator) Error() error {
	return i.itr.Error()
}

func (i *goLevelIterator) Close() error {
	i.itr.Release()
	return i.itr.Error()
}
