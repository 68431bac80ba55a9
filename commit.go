package merk

import "bytes"

// commitTree recomputes hashes bottom-up over the mutated portion of the
// tree, re-derives parent back-references for re-linked nodes, and stages
// every changed node into the transaction. It returns the subtree's node
// hash. Clean subtrees whose parent relationship is unchanged are not
// descended into.
func commitTree(st nodeStore, tx *writeTx, node *Node, parentKey []byte) (Hash, error) {
	parentChanged := !bytes.Equal(node.parentKey, parentKey)

	if !node.dirty {
		if !node.hashValid {
			return NullHash, &InvariantError{Key: node.key, Reason: "clean node without a valid hash"}
		}
		if parentChanged {
			// re-linked under a new parent; hash is unaffected since the
			// parent ref is not part of the hash recurrence
			node.parentKey = parentKey
			if err := tx.putNode(node); err != nil {
				return NullHash, err
			}
		}
		return node.hash, nil
	}

	node.parentKey = parentKey

	leftHash, err := commitChild(st, tx, node, true)
	if err != nil {
		return NullHash, err
	}
	rightHash, err := commitChild(st, tx, node, false)
	if err != nil {
		return NullHash, err
	}

	node.hash = nodeHash(leftHash, rightHash, node.kvHash)
	node.hashValid = true
	node.dirty = false

	if err := tx.putNode(node); err != nil {
		return NullHash, err
	}
	return node.hash, nil
}

func commitChild(st nodeStore, tx *writeTx, node *Node, left bool) (Hash, error) {
	link := node.childLink(left)
	if link == nil {
		return NullHash, nil
	}
	if link.node != nil {
		hash, err := commitTree(st, tx, link.node, node.key)
		if err != nil {
			return NullHash, err
		}
		link.hash = hash
		link.hashValid = true
		return hash, nil
	}
	// unresolved link: the child was never touched, so only its stored hash
	// is needed
	return link.resolvedHash(st)
}

// evictBelow drops in-memory child nodes deeper than maxDepth, keeping the
// cached link hashes. The backing store remains the source of truth.
func evictBelow(node *Node, depth, maxDepth int) {
	if node == nil {
		return
	}
	for _, link := range []*Link{node.left, node.right} {
		if link == nil || link.node == nil {
			continue
		}
		if depth+1 > maxDepth {
			link.node = nil
			continue
		}
		evictBelow(link.node, depth+1, maxDepth)
	}
}
