package merk

import (
	"bytes"
	"fmt"
	"sort"
)

// Op is a single batch operation: either a Put carrying the new value, or
// Delete.
type Op struct {
	delete bool
	value  []byte
}

// Put returns an Op that writes value. An empty (or nil) value is valid.
func Put(value []byte) Op {
	if value == nil {
		value = []byte{}
	}
	return Op{value: value}
}

// Delete removes the entry's key from the tree.
var Delete = Op{delete: true}

// IsDelete reports whether the op is a delete.
func (o Op) IsDelete() bool { return o.delete }

// Value returns the value carried by a Put op.
func (o Op) Value() []byte { return o.value }

// BatchEntry pairs a key with the operation to apply to it.
type BatchEntry struct {
	Key []byte
	Op  Op
}

// Batch is a set of operations applied atomically. The unchecked apply path
// requires entries sorted ascending by key and unique; the checked path sorts
// a copy and validates.
type Batch []BatchEntry

// sortAndValidate returns a sorted copy of the batch, rejecting empty and
// duplicate keys.
func sortAndValidate(batch Batch) (Batch, error) {
	sorted := make(Batch, len(batch))
	copy(sorted, batch)
	sort.SliceStable(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Key, sorted[j].Key) < 0
	})
	for i, e := range sorted {
		if len(e.Key) == 0 {
			return nil, fmt.Errorf("%w: empty key", ErrInvalidBatch)
		}
		if i > 0 && bytes.Equal(sorted[i-1].Key, e.Key) {
			return nil, fmt.Errorf("%w: duplicate key %q", ErrInvalidBatch, e.Key)
		}
	}
	return sorted, nil
}
