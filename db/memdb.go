package db

import (
	"sync"

	"github.com/tidwall/btree"
)

// MemDB is an in-memory DB backed by a copy-on-write B-tree. Snapshots and
// iterators are O(1) structural copies.
type MemDB struct {
	mtx  sync.RWMutex
	tree *btree.Map[string, []byte]
}

var _ DB = (*MemDB)(nil)

func NewMemDB() *MemDB {
	return &MemDB{tree: new(btree.Map[string, []byte])}
}

func (m *MemDB) Get(key []byte) ([]byte, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	value, ok := m.tree.Get(string(key))
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), value...), nil
}

func (m *MemDB) Has(key []byte) (bool, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	_, ok := m.tree.Get(string(key))
	return ok, nil
}

func (m *MemDB) Set(key, value []byte) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.tree.Set(string(key), append([]byte(nil), value...))
	return nil
}

func (m *MemDB) Delete(key []byte) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.tree.Delete(string(key))
	return nil
}

func (m *MemDB) Iterator(start, end []byte) (Iterator, error) {
	return newMemIterator(m.copy(), start, end), nil
}

func (m *MemDB) NewBatch() Batch {
	return &memBatch{db: m}
}

func (m *MemDB) Snapshot() (Snapshot, error) {
	return &memSnapshot{tree: m.copy()}, nil
}

func (m *MemDB) Close() error {
	return nil
}

func (m *MemDB) copy() *btree.Map[string, []byte] {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.tree.Copy()
}

type memSnapshot struct {
	tree *btree.Map[string, []byte]
}

func (s *memSnapshot) Get(key []byte) ([]byte, error) {
	value, ok := s.tree.Get(string(key))
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), value...), nil
}

func (s *memSnapshot) Has(key []byte) (bool, error) {
	_, ok := s.tree.Get(string(key))
	return ok, nil
}

func (s *memSnapshot) Iterator(start, end []byte) (Iterator, error) {
	return newMemIterator(s.tree, start, end), nil
}

func (s *memSnapshot) Release() {}

type memBatchOp struct {
	key    string
	value  []byte
	delete bool
}

type memBatch struct {
	db  *MemDB
	ops []memBatchOp
}

func (b *memBatch) Set(key, value []byte) error {
	if b.db == nil {
		return ErrClosed
	}
	b.ops = append(b.ops, memBatchOp{key: string(key), value: append([]byte(nil), value...)})
	return nil
}

func (b *memBatch) Delete(key []byte) error {
	if b.db == nil {
		return ErrClosed
	}
	b.ops = append(b.ops, memBatchOp{key: string(key), delete: true})
	return nil
}

func (b *memBatch) Write() error {
	if b.db == nil {
		return ErrClosed
	}
	b.db.mtx.Lock()
	defer b.db.mtx.Unlock()
	for _, op := range b.ops {
		if op.delete {
			b.db.tree.Delete(op.key)
		} else {
			b.db.tree.Set(op.key, op.value)
		}
	}
	b.db = nil
	return nil
}

func (b *memBatch) Close() error {
	b.db = nil
	return nil
}

type memIterator struct {
	iter  btree.MapIter[string, []byte]
	end   string
	valid bool
}

func newMemIterator(tree *btree.Map[string, []byte], start, end []byte) *memIterator {
	i := &memIterator{iter: tree.Iter(), end: string(end)}
	if start == nil {
		i.valid = i.iter.First()
	} else {
		i.valid = i.iter.Seek(string(start))
	}
	i.clampEnd()
	return i
}

func (i *memIterator) clampEnd() {
	if i.valid && i.end != "" && i.iter.Key() >= i.end {
		i.valid = false
	}
}

func (i *memIterator) Valid() bool {
	return i.valid
}

func (i *memIterator) Next() {
	if !i.valid {
		return
	}
	i.valid = i.iter.Next()
	i.clampEnd()
}

func (i *memIterator) Key() []byte {
	return []byte(i.iter.Key())
}

func (i *memIterator) Value() []byte {
	return append([]byte(nil), i.iter.Value()...)
}

func (i *memIterator) Error() error {
	return nil
}

func (i *memIterator) Close() error {
	i.valid = false
	return nil
}
