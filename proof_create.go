package merk

import (
	"bytes"
	"context"
	"fmt"
	"sort"
)

// Proof generation walks the tree once, emitting tokens in in-order position:
// left subtree tokens, the node's own push, Parent if the left side produced
// tokens, right subtree tokens, Child if the right side did. Queried nodes
// are pushed in full; nodes on the path but not queried are pushed as kv
// hashes; untouched sibling subtrees fold into a single node hash.
//
// The absence flags track whether a query fell off the tree's edge inside a
// subtree; boundary nodes next to such an edge are pushed in full so the
// verifier can confirm the absence from their keys.

// ProveKeys generates a proof for the given set of keys against the current
// tree. Keys found in the tree are proven present with their values; keys not
// found are proven absent. The keys may arrive in any order.
func (m *Merk) ProveKeys(ctx context.Context, keys [][]byte) ([]byte, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no keys", ErrInvalidBatch)
	}
	sorted := sortKeys(keys)
	return m.ProveKeysUnchecked(ctx, sorted)
}

// ProveKeysUnchecked is ProveKeys for key sets the caller guarantees are
// sorted ascending and unique.
func (m *Merk) ProveKeysUnchecked(ctx context.Context, keys [][]byte) ([]byte, error) {
	snap, err := m.store.Snapshot()
	if err != nil {
		return nil, storeErr("snapshot", err)
	}
	defer snap.Release()

	root, err := loadRoot(snap)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, fmt.Errorf("cannot prove keys: %w", ErrEmptyTree)
	}

	ops, _, _, err := createKeysProof(ctx, nodeStore{r: snap}, root, keys)
	if err != nil {
		return nil, err
	}
	return encodeProof(ops), nil
}

// ProveRange generates a proof covering every key in the inclusive range
// [from, to], with boundary commitment material proving no in-range key was
// omitted.
func (m *Merk) ProveRange(ctx context.Context, from, to []byte) ([]byte, error) {
	if len(from) == 0 || len(to) == 0 {
		return nil, fmt.Errorf("%w: empty range bound", ErrInvalidBatch)
	}
	if bytes.Compare(from, to) > 0 {
		return nil, fmt.Errorf("%w: range start after end", ErrInvalidBatch)
	}

	snap, err := m.store.Snapshot()
	if err != nil {
		return nil, storeErr("snapshot", err)
	}
	defer snap.Release()

	root, err := loadRoot(snap)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, fmt.Errorf("cannot prove range: %w", ErrEmptyTree)
	}

	ops, _, _, err := createRangeProof(ctx, nodeStore{r: snap}, root, from, to)
	if err != nil {
		return nil, err
	}
	return encodeProof(ops), nil
}

func sortKeys(keys [][]byte) [][]byte {
	sorted := make([][]byte, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i], sorted[j]) < 0
	})
	unique := sorted[:0]
	for _, key := range sorted {
		if len(unique) == 0 || !bytes.Equal(unique[len(unique)-1], key) {
			unique = append(unique, key)
		}
	}
	return unique
}

func createKeysProof(ctx context.Context, f fetcher, node *Node, keys [][]byte) (ops []ProofOp, leftAbsence, rightAbsence bool, err error) {
	if err := ctx.Err(); err != nil {
		return nil, false, false, err
	}

	idx := sort.Search(len(keys), func(i int) bool {
		return bytes.Compare(keys[i], node.key) >= 0
	})
	found := idx < len(keys) && bytes.Equal(keys[idx], node.key)

	leftKeys := keys[:idx]
	rightKeys := keys[idx:]
	if found {
		rightKeys = keys[idx+1:]
	}

	leftOps, leftInner, leftOuter, err := createChildProof(ctx, f, node, true, leftKeys)
	if err != nil {
		return nil, false, false, err
	}
	rightOps, rightInner, rightOuter, err := createChildProof(ctx, f, node, false, rightKeys)
	if err != nil {
		return nil, false, false, err
	}

	// the node is opened in full when queried directly, or when a queried key
	// proved absent just beside it and its key is needed as a boundary
	opened := found || leftInner || rightInner
	ops = assembleProof(node, leftOps, rightOps, opened)
	return ops, leftOuter, rightOuter, nil
}

// createChildProof recurses into the child on the given side for the keys
// that sort there, or folds the untouched subtree into a hash push. The two
// returned flags report key absence at the subtree's inner edge (adjacent to
// the parent's key) and outer edge.
func createChildProof(ctx context.Context, f fetcher, node *Node, left bool, keys [][]byte) ([]ProofOp, bool, bool, error) {
	link := node.childLink(left)

	if len(keys) > 0 {
		if link == nil {
			// queried keys fall off the tree here
			return nil, true, true, nil
		}
		child, err := link.resolve(f)
		if err != nil {
			return nil, false, false, err
		}
		ops, leftAbs, rightAbs, err := createKeysProof(ctx, f, child, keys)
		if err != nil {
			return nil, false, false, err
		}
		if left {
			return ops, rightAbs, leftAbs, nil
		}
		return ops, leftAbs, rightAbs, nil
	}

	if link != nil {
		hash, err := link.resolvedHash(f)
		if err != nil {
			return nil, false, false, err
		}
		return []ProofOp{pushHashOp(hash)}, false, false, nil
	}
	return nil, false, false, nil
}

func assembleProof(node *Node, leftOps, rightOps []ProofOp, opened bool) []ProofOp {
	ops := make([]ProofOp, 0, len(leftOps)+len(rightOps)+3)
	ops = append(ops, leftOps...)
	if opened {
		ops = append(ops, pushKVOp(node.key, node.value))
	} else {
		ops = append(ops, pushKVHashOp(node.kvHash))
	}
	if len(leftOps) > 0 {
		ops = append(ops, ProofOp{Type: opParent})
	}
	if len(rightOps) > 0 {
		ops = append(ops, rightOps...)
		ops = append(ops, ProofOp{Type: opChild})
	}
	return ops
}

func createRangeProof(ctx context.Context, f fetcher, node *Node, from, to []byte) (ops []ProofOp, leftAbsence, rightAbsence bool, err error) {
	if err := ctx.Err(); err != nil {
		return nil, false, false, err
	}

	inRange := bytes.Compare(node.key, from) >= 0 && bytes.Compare(node.key, to) <= 0
	needLeft := bytes.Compare(from, node.key) < 0
	needRight := bytes.Compare(to, node.key) > 0

	leftOps, leftInner, leftOuter, err := createRangeChildProof(ctx, f, node, true, needLeft, from, to)
	if err != nil {
		return nil, false, false, err
	}
	rightOps, rightInner, rightOuter, err := createRangeChildProof(ctx, f, node, false, needRight, from, to)
	if err != nil {
		return nil, false, false, err
	}

	opened := inRange || leftInner || rightInner
	ops = assembleProof(node, leftOps, rightOps, opened)
	return ops, leftOuter, rightOuter, nil
}

func createRangeChildProof(ctx context.Context, f fetcher, node *Node, left, needed bool, from, to []byte) ([]ProofOp, bool, bool, error) {
	link := node.childLink(left)

	if needed {
		if link == nil {
			return nil, true, true, nil
		}
		child, err := link.resolve(f)
		if err != nil {
			return nil, false, false, err
		}
		ops, leftAbs, rightAbs, err := createRangeProof(ctx, f, child, from, to)
		if err != nil {
			return nil, false, false, err
		}
		if left {
			return ops, rightAbs, leftAbs, nil
		}
		return ops, leftAbs, rightAbs, nil
	}

	if link != nil {
		hash, err := link.resolvedHash(f)
		if err != nil {
			return nil, false, false, err
		}
		return []ProofOp{pushHashOp(hash)}, false, false, nil
	}
	return nil, false, false, nil
}
