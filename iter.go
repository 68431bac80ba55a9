package merk

import (
	"github.com/turbofish-org/merk/db"
)

// Iterator walks key/value entries in ascending key order. Because nodes are
// key-addressed, iteration rides directly on the backing store's ordered
// cursor over the node namespace; no tree descent is involved.
//
// The iterator reads from a snapshot taken at creation, so it is unaffected
// by concurrent mutations. It can be restarted at any key by creating a new
// one.
type Iterator struct {
	snap db.Snapshot
	itr  db.Iterator
	node *Node
	err  error
}

// IterFrom returns an iterator positioned at the least key >= start. A nil
// start iterates from the first key.
func (m *Merk) IterFrom(start []byte) (*Iterator, error) {
	snap, err := m.store.Snapshot()
	if err != nil {
		return nil, storeErr("snapshot", err)
	}

	itr, err := snap.Iterator(nodeDBKey(start), nodePrefixEnd)
	if err != nil {
		snap.Release()
		return nil, storeErr("iterator", err)
	}

	it := &Iterator{snap: snap, itr: itr}
	it.decode()
	return it, nil
}

func (it *Iterator) decode() {
	it.node = nil
	if it.err != nil || !it.itr.Valid() {
		return
	}
	storedKey := it.itr.Key()[len(nodePrefix):]
	node, err := decodeNode(storedKey, it.itr.Value())
	if err != nil {
		it.err = err
		return
	}
	it.node = node
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool {
	return it.err == nil && it.node != nil
}

// Next advances to the next key in ascending order.
func (it *Iterator) Next() {
	if !it.Valid() {
		return
	}
	it.itr.Next()
	it.decode()
}

// Key returns the current entry's key.
func (it *Iterator) Key() []byte {
	return it.node.key
}

// Value returns the current entry's value.
func (it *Iterator) Value() []byte {
	return it.node.value
}

// Error returns the first error encountered during iteration, if any.
func (it *Iterator) Error() error {
	if it.err != nil {
		return it.err
	}
	return it.itr.Error()
}

// Close releases the underlying cursor and snapshot.
func (it *Iterator) Close() error {
	err := it.itr.Close()
	it.snap.Release()
	it.node = nil
	return err
}
