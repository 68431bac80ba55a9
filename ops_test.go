package merk

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// panicFetcher backs fully in-memory trees; resolving a link through it is a
// test failure.
type panicFetcher struct{}

func (panicFetcher) fetchNode(key []byte) (*Node, error) {
	panic(fmt.Sprintf("unexpected fetch of node %q", key))
}

func memApplyCtx() *applyCtx {
	return &applyCtx{f: panicFetcher{}}
}

// finalizeTree computes hashes bottom-up as a commit would, returning the
// root hash.
func finalizeTree(node *Node) Hash {
	if node == nil {
		return NullHash
	}
	childHashes := [2]Hash{NullHash, NullHash}
	for i, link := range []*Link{node.left, node.right} {
		if link == nil {
			continue
		}
		childHashes[i] = finalizeTree(link.node)
		link.hash = childHashes[i]
		link.hashValid = true
	}
	node.hash = nodeHash(childHashes[0], childHashes[1], node.kvHash)
	node.hashValid = true
	node.dirty = false
	return node.hash
}

// assertTreeInvariants walks a fully resolved tree checking BST order, AVL
// balance, and height consistency.
func assertTreeInvariants(t *testing.T, node *Node, lower, upper []byte) uint8 {
	t.Helper()
	if node == nil {
		return 0
	}
	if lower != nil {
		require.Negative(t, bytes.Compare(lower, node.key), "key %q at or below lower bound %q", node.key, lower)
	}
	if upper != nil {
		require.Positive(t, bytes.Compare(upper, node.key), "key %q at or above upper bound %q", node.key, upper)
	}

	leftHeight := uint8(0)
	if node.left != nil {
		require.NotNil(t, node.left.node, "left child of %q not resolved", node.key)
		leftHeight = assertTreeInvariants(t, node.left.node, lower, node.key)
		require.Equal(t, leftHeight, node.left.height, "left height of %q", node.key)
	}
	rightHeight := uint8(0)
	if node.right != nil {
		require.NotNil(t, node.right.node, "right child of %q not resolved", node.key)
		rightHeight = assertTreeInvariants(t, node.right.node, node.key, upper)
		require.Equal(t, rightHeight, node.right.height, "right height of %q", node.key)
	}

	balance := int(rightHeight) - int(leftHeight)
	require.LessOrEqual(t, balance, 1, "node %q right-heavy", node.key)
	require.GreaterOrEqual(t, balance, -1, "node %q left-heavy", node.key)
	return maxUint8(leftHeight, rightHeight) + 1
}

func collectEntries(node *Node) []KV {
	if node == nil {
		return nil
	}
	var out []KV
	if node.left != nil {
		out = append(out, collectEntries(node.left.node)...)
	}
	out = append(out, KV{Key: node.key, Value: node.value})
	if node.right != nil {
		out = append(out, collectEntries(node.right.node)...)
	}
	return out
}

func TestApplySimpleInsert(t *testing.T) {
	root := newNode([]byte("foo"), []byte("bar"))
	batch := Batch{{Key: []byte("foo2"), Op: Put([]byte("bar2"))}}

	newRoot, deleted, err := applyTo(memApplyCtx(), root, batch, 0)
	require.NoError(t, err)
	require.Empty(t, deleted)
	require.Equal(t, []byte("foo"), newRoot.key)
	require.NotNil(t, newRoot.right)
	require.Equal(t, []byte("foo2"), newRoot.right.key)
	assertTreeInvariants(t, newRoot, nil, nil)
}

func TestApplySimpleUpdate(t *testing.T) {
	root := newNode([]byte("foo"), []byte("bar"))
	batch := Batch{{Key: []byte("foo"), Op: Put([]byte("bar2"))}}

	newRoot, _, err := applyTo(memApplyCtx(), root, batch, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("foo"), newRoot.key)
	require.Equal(t, []byte("bar2"), newRoot.value)
	require.Equal(t, kvHash([]byte("foo"), []byte("bar2")), newRoot.kvHash)
	require.Nil(t, newRoot.left)
	require.Nil(t, newRoot.right)
}

func TestApplyDeleteOnlyNode(t *testing.T) {
	root := newNode([]byte("foo"), []byte("bar"))
	batch := Batch{{Key: []byte("foo"), Op: Delete}}

	newRoot, deleted, err := applyTo(memApplyCtx(), root, batch, 0)
	require.NoError(t, err)
	require.Nil(t, newRoot)
	require.Equal(t, [][]byte{[]byte("foo")}, deleted)
}

func TestApplyDeleteAbsent(t *testing.T) {
	root := newNode([]byte("foo"), []byte("bar"))
	batch := Batch{{Key: []byte("foo2"), Op: Delete}}

	_, _, err := applyTo(memApplyCtx(), root, batch, 0)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestApplyBuildsBalancedTree(t *testing.T) {
	batch := make(Batch, 100)
	for i := range batch {
		batch[i] = BatchEntry{Key: seqKey(i), Op: Put([]byte{byte(i)})}
	}

	root, deleted, err := applyTo(memApplyCtx(), nil, batch, 0)
	require.NoError(t, err)
	require.Empty(t, deleted)
	height := assertTreeInvariants(t, root, nil, nil)
	require.LessOrEqual(t, height, uint8(9))

	entries := collectEntries(root)
	require.Len(t, entries, 100)
	for i, entry := range entries {
		require.Equal(t, seqKey(i), entry.Key)
	}
}

func TestApplySequentialInsertRotates(t *testing.T) {
	var root *Node
	for i := 0; i < 64; i++ {
		batch := Batch{{Key: seqKey(i), Op: Put([]byte("v"))}}
		var err error
		root, _, err = applyTo(memApplyCtx(), root, batch, 0)
		require.NoError(t, err)
		assertTreeInvariants(t, root, nil, nil)
	}
}

func TestApplyDeleteWithTwoChildren(t *testing.T) {
	batch := make(Batch, 20)
	for i := range batch {
		batch[i] = BatchEntry{Key: seqKey(i), Op: Put([]byte("v"))}
	}
	root, _, err := applyTo(memApplyCtx(), nil, batch, 0)
	require.NoError(t, err)

	// delete the root's key specifically, forcing a successor promotion
	rootKey := append([]byte(nil), root.key...)
	root, deleted, err := applyTo(memApplyCtx(), root, Batch{{Key: rootKey, Op: Delete}}, 0)
	require.NoError(t, err)
	require.Equal(t, [][]byte{rootKey}, deleted)
	assertTreeInvariants(t, root, nil, nil)
	require.Len(t, collectEntries(root), 19)
}

func TestApplyRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	present := make(map[string][]byte)
	var root *Node

	for round := 0; round < 50; round++ {
		var batch Batch
		used := make(map[string]bool)
		for i := 0; i < 20; i++ {
			key := []byte(fmt.Sprintf("key%03d", rng.Intn(200)))
			if used[string(key)] {
				continue
			}
			used[string(key)] = true
			if value, exists := present[string(key)]; exists && value != nil && rng.Intn(3) == 0 {
				batch = append(batch, BatchEntry{Key: key, Op: Delete})
				delete(present, string(key))
			} else {
				value := []byte(fmt.Sprintf("value%d", rng.Int()))
				batch = append(batch, BatchEntry{Key: key, Op: Put(value)})
				present[string(key)] = value
			}
		}
		sorted, err := sortAndValidate(batch)
		require.NoError(t, err)

		root, _, err = applyTo(memApplyCtx(), root, sorted, 0)
		require.NoError(t, err)
		assertTreeInvariants(t, root, nil, nil)

		entries := collectEntries(root)
		require.Len(t, entries, len(present))
		for _, entry := range entries {
			require.Equal(t, present[string(entry.Key)], entry.Value)
		}
	}
}

func seqKey(i int) []byte {
	return []byte(fmt.Sprintf("%03d", i))
}
