package merk

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/alitto/pond/v2"
)

// applyResult carries a subtree root and the keys deleted beneath it back
// across a parallel join.
type applyResult struct {
	root    *Node
	deleted [][]byte
}

// applyCtx threads the fetcher, the worker pool, and cancellation through a
// batch apply. The fetcher must be safe for concurrent use: the left and
// right recursions of a node share no descendants, but they resolve links
// through the same fetcher.
type applyCtx struct {
	ctx           context.Context
	f             fetcher
	pool          pond.ResultPool[*applyResult]
	parallelDepth int
}

func (ac *applyCtx) cancelled() error {
	if ac.ctx == nil {
		return nil
	}
	return ac.ctx.Err()
}

// applyTo applies a sorted, unique batch to the subtree rooted at node (nil
// for an empty subtree) and returns the new subtree root along with the keys
// deleted from it.
func applyTo(ac *applyCtx, node *Node, batch Batch, depth int) (*Node, [][]byte, error) {
	if err := ac.cancelled(); err != nil {
		return nil, nil, err
	}
	if len(batch) == 0 {
		return node, nil, nil
	}
	if node == nil {
		return buildTree(ac, batch, depth)
	}
	return applyBatch(ac, node, batch, depth)
}

// buildTree constructs a fresh subtree from a batch of puts, splitting at the
// median key.
func buildTree(ac *applyCtx, batch Batch, depth int) (*Node, [][]byte, error) {
	mid := len(batch) / 2
	entry := batch[mid]
	if entry.Op.IsDelete() {
		return nil, nil, fmt.Errorf("delete %q: %w", entry.Key, ErrNotFound)
	}
	node := newNode(entry.Key, entry.Op.Value())
	return recurseBatch(ac, node, batch, mid, true, depth)
}

func applyBatch(ac *applyCtx, node *Node, batch Batch, depth int) (*Node, [][]byte, error) {
	// binary search for this node's key to find the batch split point
	idx := sort.Search(len(batch), func(i int) bool {
		return bytes.Compare(batch[i].Key, node.key) >= 0
	})
	found := idx < len(batch) && bytes.Equal(batch[idx].Key, node.key)

	if found {
		entry := batch[idx]
		if entry.Op.IsDelete() {
			deleted := [][]byte{node.key}
			replacement, err := removeNode(ac, node)
			if err != nil {
				return nil, nil, err
			}
			replacement, dl, err := applyTo(ac, replacement, batch[:idx], depth)
			if err != nil {
				return nil, nil, err
			}
			replacement, dr, err := applyTo(ac, replacement, batch[idx+1:], depth)
			if err != nil {
				return nil, nil, err
			}
			deleted = append(append(deleted, dl...), dr...)
			return replacement, deleted, nil
		}
		node.setValue(entry.Op.Value())
	}

	return recurseBatch(ac, node, batch, idx, found, depth)
}

// recurseBatch applies the batch halves on either side of the split point to
// the node's children. The two halves address disjoint key ranges bounded by
// the node's key, so they run in parallel down to the configured depth.
func recurseBatch(ac *applyCtx, node *Node, batch Batch, mid int, exclusive bool, depth int) (*Node, [][]byte, error) {
	leftBatch := batch[:mid]
	rightBatch := batch[mid:]
	if exclusive {
		rightBatch = batch[mid+1:]
	}

	var (
		deletedLeft, deletedRight [][]byte
	)

	parallel := ac.pool != nil && depth < ac.parallelDepth &&
		len(leftBatch) > 0 && len(rightBatch) > 0

	if parallel {
		leftChild, err := resolveChild(ac, node, true)
		if err != nil {
			return nil, nil, err
		}
		rightChild, err := resolveChild(ac, node, false)
		if err != nil {
			return nil, nil, err
		}

		task := ac.pool.SubmitErr(func() (*applyResult, error) {
			root, deleted, err := applyTo(ac, leftChild, leftBatch, depth+1)
			if err != nil {
				return nil, err
			}
			return &applyResult{root: root, deleted: deleted}, nil
		})

		newRight, dr, rerr := applyTo(ac, rightChild, rightBatch, depth+1)
		leftRes, lerr := task.Wait()
		if lerr != nil {
			return nil, nil, lerr
		}
		if rerr != nil {
			return nil, nil, rerr
		}
		node.setChild(true, leftRes.root)
		node.setChild(false, newRight)
		deletedLeft, deletedRight = leftRes.deleted, dr
	} else {
		if len(leftBatch) > 0 {
			leftChild, err := resolveChild(ac, node, true)
			if err != nil {
				return nil, nil, err
			}
			newLeft, dl, err := applyTo(ac, leftChild, leftBatch, depth+1)
			if err != nil {
				return nil, nil, err
			}
			node.setChild(true, newLeft)
			deletedLeft = dl
		}
		if len(rightBatch) > 0 {
			rightChild, err := resolveChild(ac, node, false)
			if err != nil {
				return nil, nil, err
			}
			newRight, dr, err := applyTo(ac, rightChild, rightBatch, depth+1)
			if err != nil {
				return nil, nil, err
			}
			node.setChild(false, newRight)
			deletedRight = dr
		}
	}

	balanced, err := maybeBalance(ac, node)
	if err != nil {
		return nil, nil, err
	}
	return balanced, append(deletedLeft, deletedRight...), nil
}

func resolveChild(ac *applyCtx, node *Node, left bool) (*Node, error) {
	link := node.childLink(left)
	if link == nil {
		return nil, nil
	}
	return link.resolve(ac.f)
}

// maybeBalance rotates the subtree root if its balance factor is out of
// range, returning the new subtree root.
func maybeBalance(ac *applyCtx, node *Node) (*Node, error) {
	balance := node.balance()
	if balance >= -1 && balance <= 1 {
		return node, nil
	}

	left := balance < 0
	child, err := node.childLink(left).resolve(ac.f)
	if err != nil {
		return nil, err
	}

	// double rotation when the child leans the opposite way
	if cb := child.balance(); (left && cb > 0) || (!left && cb < 0) {
		rotated, err := rotate(ac, child, !left)
		if err != nil {
			return nil, err
		}
		node.setChild(left, rotated)
	}

	return rotate(ac, node, left)
}

// rotate hoists the child on the given side into the node's place. Heights
// are recomputed bottom-up by setChild; hashes are recomputed at commit.
func rotate(ac *applyCtx, node *Node, left bool) (*Node, error) {
	child, err := node.detach(left, ac.f)
	if err != nil {
		return nil, err
	}
	grandchild, err := child.detach(!left, ac.f)
	if err != nil {
		return nil, err
	}

	node.setChild(left, grandchild)
	node, err = maybeBalance(ac, node)
	if err != nil {
		return nil, err
	}

	child.setChild(!left, node)
	return maybeBalance(ac, child)
}

// removeNode detaches the node from the tree and returns the subtree that
// takes its place. For a node with two children the successor is promoted
// from the taller subtree, ties breaking left, to minimize follow-up
// rotations.
func removeNode(ac *applyCtx, node *Node) (*Node, error) {
	hasLeft := node.left != nil
	hasRight := node.right != nil
	left := node.childHeight(true) >= node.childHeight(false)

	if hasLeft && hasRight {
		tall, err := node.detach(left, ac.f)
		if err != nil {
			return nil, err
		}
		short, err := node.detach(!left, ac.f)
		if err != nil {
			return nil, err
		}
		return promoteEdge(ac, tall, !left, short)
	}
	if hasLeft || hasRight {
		return node.detach(left, ac.f)
	}
	return nil, nil
}

// promoteEdge splices the extreme node on the given side of the subtree into
// the removed node's position, reattaching both remaining subtrees under it.
func promoteEdge(ac *applyCtx, node *Node, left bool, attach *Node) (*Node, error) {
	edge, rest, err := removeEdge(ac, node, left)
	if err != nil {
		return nil, err
	}
	edge.setChild(!left, rest)
	edge.setChild(left, attach)
	return maybeBalance(ac, edge)
}

// removeEdge detaches the extreme node on the given side, returning it along
// with the rebalanced remainder of the subtree.
func removeEdge(ac *applyCtx, node *Node, left bool) (*Node, *Node, error) {
	if node.childLink(left) == nil {
		// this node is the edge; its opposite child is the remainder
		rest, err := node.detach(!left, ac.f)
		if err != nil {
			return nil, nil, err
		}
		return node, rest, nil
	}

	child, err := node.detach(left, ac.f)
	if err != nil {
		return nil, nil, err
	}
	edge, rest, err := removeEdge(ac, child, left)
	if err != nil {
		return nil, nil, err
	}
	node.setChild(left, rest)
	balanced, err := maybeBalance(ac, node)
	if err != nil {
		return nil, nil, err
	}
	return edge, balanced, nil
}
