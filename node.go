package merk

// Link references a child subtree by its key. The referenced node is not
// necessarily in memory; it is fetched from the backing store on demand.
type Link struct {
	key       []byte
	height    uint8 // height of the referenced subtree, >= 1
	hash      Hash
	hashValid bool
	node      *Node
}

// fetcher loads a node by its key. Implementations must be safe for
// concurrent use; batch apply resolves links from parallel subtasks.
type fetcher interface {
	fetchNode(key []byte) (*Node, error)
}

// resolve returns the linked node, loading it if necessary.
func (l *Link) resolve(f fetcher) (*Node, error) {
	if l.node == nil {
		node, err := f.fetchNode(l.key)
		if err != nil {
			return nil, err
		}
		l.node = node
	}
	return l.node, nil
}

// resolvedHash returns the linked subtree's node hash, loading the node if no
// cached copy is available. Only valid for links to committed subtrees.
func (l *Link) resolvedHash(f fetcher) (Hash, error) {
	if l.hashValid {
		return l.hash, nil
	}
	if l.node == nil || !l.node.hashValid {
		node, err := l.resolve(f)
		if err != nil {
			return NullHash, err
		}
		if !node.hashValid {
			return NullHash, &InvariantError{Key: l.key, Reason: "hash requested for uncommitted subtree"}
		}
	}
	l.hash = l.node.hash
	l.hashValid = true
	return l.hash, nil
}

// Node is a single tree node together with its key/value pair. Nodes are
// mutated in place by the tree engine; dirty nodes are rewritten to the
// backing store on commit, at which point their hash becomes valid.
type Node struct {
	key       []byte
	value     []byte
	kvHash    Hash
	hash      Hash
	hashValid bool
	left      *Link
	right     *Link
	parentKey []byte
	dirty     bool
}

func newNode(key, value []byte) *Node {
	return &Node{
		key:    key,
		value:  value,
		kvHash: kvHash(key, value),
		dirty:  true,
	}
}

func (n *Node) markDirty() {
	n.dirty = true
	n.hashValid = false
}

func (n *Node) setValue(value []byte) {
	n.value = value
	n.kvHash = kvHash(n.key, value)
	n.markDirty()
}

func (n *Node) childLink(left bool) *Link {
	if left {
		return n.left
	}
	return n.right
}

// setChild replaces the child on the given side with the (already resolved)
// subtree root, or detaches it when child is nil.
func (n *Node) setChild(left bool, child *Node) {
	var link *Link
	if child != nil {
		link = &Link{key: child.key, height: child.height(), node: child}
	}
	if left {
		n.left = link
	} else {
		n.right = link
	}
	n.markDirty()
}

// detach removes and returns the resolved child on the given side, if any.
func (n *Node) detach(left bool, f fetcher) (*Node, error) {
	link := n.childLink(left)
	if link == nil {
		return nil, nil
	}
	child, err := link.resolve(f)
	if err != nil {
		return nil, err
	}
	n.setChild(left, nil)
	return child, nil
}

func (n *Node) childHeight(left bool) uint8 {
	link := n.childLink(left)
	if link == nil {
		return 0
	}
	return link.height
}

func (n *Node) height() uint8 {
	return maxUint8(n.childHeight(true), n.childHeight(false)) + 1
}

// balance is the right height minus the left height. Rotations keep it within
// [-1, 1].
func (n *Node) balance() int {
	return int(n.childHeight(false)) - int(n.childHeight(true))
}

func maxUint8(a, b uint8) uint8 {
	if a > b {
		return a
	}
	return b
}
