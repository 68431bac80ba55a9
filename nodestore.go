package merk

import (
	"github.com/turbofish-org/merk/db"
)

// Backing-store key layout. Nodes live under a single-byte prefix so meta
// keys and future namespaces stay isolated; the node namespace inherits the
// backing store's key ordering.
var (
	nodePrefix    = []byte("n")
	nodePrefixEnd = []byte("o")
	rootMetaKey   = []byte(":root")
)

func nodeDBKey(key []byte) []byte {
	out := make([]byte, 0, len(nodePrefix)+len(key))
	out = append(out, nodePrefix...)
	return append(out, key...)
}

// nodeStore reads nodes through any backing-store reader: the live store, a
// snapshot, or a write transaction.
type nodeStore struct {
	r db.Reader
}

// getNode returns the node stored under key, or nil when absent.
func (s nodeStore) getNode(key []byte) (*Node, error) {
	bz, err := s.r.Get(nodeDBKey(key))
	if err != nil {
		return nil, storeErr("get", err)
	}
	if bz == nil {
		return nil, nil
	}
	return decodeNode(key, bz)
}

// fetchNode returns the node stored under key. A missing node is corruption
// here: fetchNode is only used to follow links, and a link must always point
// at a persisted node.
func (s nodeStore) fetchNode(key []byte) (*Node, error) {
	node, err := s.getNode(key)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, &CorruptNodeError{Key: key, Reason: "referenced node missing from store"}
	}
	return node, nil
}

// writeTx stages node writes for a single atomic batch against the backing
// store. Reads through the transaction see its own staged writes.
type writeTx struct {
	store   db.DB
	batch   db.Batch
	overlay map[string][]byte // staged writes; nil value marks a delete
}

var _ db.Reader = (*writeTx)(nil)

func newWriteTx(store db.DB) *writeTx {
	return &writeTx{
		store:   store,
		batch:   store.NewBatch(),
		overlay: make(map[string][]byte),
	}
}

func (tx *writeTx) Get(key []byte) ([]byte, error) {
	if value, ok := tx.overlay[string(key)]; ok {
		return value, nil
	}
	return tx.store.Get(key)
}

func (tx *writeTx) Has(key []byte) (bool, error) {
	if value, ok := tx.overlay[string(key)]; ok {
		return value != nil, nil
	}
	return tx.store.Has(key)
}

func (tx *writeTx) set(key, value []byte) error {
	if err := tx.batch.Set(key, value); err != nil {
		return storeErr("batch set", err)
	}
	tx.overlay[string(key)] = value
	return nil
}

func (tx *writeTx) delete(key []byte) error {
	if err := tx.batch.Delete(key); err != nil {
		return storeErr("batch delete", err)
	}
	tx.overlay[string(key)] = nil
	return nil
}

func (tx *writeTx) putNode(n *Node) error {
	return tx.set(nodeDBKey(n.key), encodeNode(n))
}

func (tx *writeTx) deleteNode(key []byte) error {
	return tx.delete(nodeDBKey(key))
}

func (tx *writeTx) setRoot(key []byte) error {
	return tx.set(rootMetaKey, key)
}

func (tx *writeTx) deleteRoot() error {
	return tx.delete(rootMetaKey)
}

func (tx *writeTx) commit() error {
	if err := tx.batch.Write(); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

func (tx *writeTx) rollback() {
	_ = tx.batch.Close()
}
