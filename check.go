package merk

import (
	"bytes"
	"context"
)

// Check walks the entire tree from the persisted root and verifies every
// structural invariant: BST key ordering, AVL balance, height consistency,
// hash recurrences, and parent back-references. A violation is a bug in the
// tree engine and is reported with the offending node's key.
//
// Check reads from a snapshot and ignores the in-memory materialization, so
// it verifies exactly what a fresh open would see.
func (m *Merk) Check(ctx context.Context) error {
	snap, err := m.store.Snapshot()
	if err != nil {
		return storeErr("snapshot", err)
	}
	defer snap.Release()

	root, err := loadRoot(snap)
	if err != nil {
		return err
	}
	if root == nil {
		return nil
	}
	if root.parentKey != nil {
		return &InvariantError{Key: root.key, Reason: "root has a parent ref"}
	}

	_, _, err = checkNode(ctx, nodeStore{r: snap}, root, nil, nil, nil)
	return err
}

func checkNode(ctx context.Context, st nodeStore, node *Node, parentKey, lower, upper []byte) (uint8, Hash, error) {
	if err := ctx.Err(); err != nil {
		return 0, NullHash, err
	}

	fail := func(reason string) (uint8, Hash, error) {
		return 0, NullHash, &InvariantError{Key: node.key, Reason: reason}
	}

	if lower != nil && bytes.Compare(node.key, lower) <= 0 {
		return fail("key at or below subtree lower bound")
	}
	if upper != nil && bytes.Compare(node.key, upper) >= 0 {
		return fail("key at or above subtree upper bound")
	}
	if parentKey != nil && !bytes.Equal(node.parentKey, parentKey) {
		return fail("parent ref does not match actual parent")
	}
	if kvHash(node.key, node.value) != node.kvHash {
		return fail("kv hash does not match key/value")
	}

	childHashes := [2]Hash{NullHash, NullHash}
	for i, left := range []bool{true, false} {
		link := node.childLink(left)
		if link == nil {
			continue
		}
		child, err := st.fetchNode(link.key)
		if err != nil {
			return 0, NullHash, err
		}
		childLower, childUpper := lower, node.key
		if !left {
			childLower, childUpper = node.key, upper
		}
		height, hash, err := checkNode(ctx, st, child, node.key, childLower, childUpper)
		if err != nil {
			return 0, NullHash, err
		}
		if height != link.height {
			return fail("stored child height does not match subtree height")
		}
		childHashes[i] = hash
	}

	balance := node.balance()
	if balance < -1 || balance > 1 {
		return fail("balance factor out of range")
	}

	expected := nodeHash(childHashes[0], childHashes[1], node.kvHash)
	if expected != node.hash {
		return fail("node hash does not match recurrence")
	}
	return node.height(), node.hash, nil
}
