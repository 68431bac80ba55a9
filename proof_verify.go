package merk

import (
	"bytes"
	"fmt"
)

// KV is a proven key/value pair.
type KV struct {
	Key   []byte
	Value []byte
}

// proofTree is a partial node on the verification stack. Children collapse to
// their hashes as they attach; only the commitment material is retained.
type proofTree struct {
	op        ProofOp
	leftHash  Hash
	rightHash Hash
	hasLeft   bool
	hasRight  bool
}

func (t *proofTree) childHash(left bool) Hash {
	if left {
		if !t.hasLeft {
			return NullHash
		}
		return t.leftHash
	}
	if !t.hasRight {
		return NullHash
	}
	return t.rightHash
}

func (t *proofTree) hash() Hash {
	switch t.op.Type {
	case opPushHash:
		return t.op.Hash
	case opPushKVHash:
		return nodeHash(t.childHash(true), t.childHash(false), t.op.Hash)
	default: // opPushKV
		return nodeHash(t.childHash(true), t.childHash(false), kvHash(t.op.Key, t.op.Value))
	}
}

func (t *proofTree) attach(left bool, child *proofTree) error {
	if left {
		if t.hasLeft {
			return fmt.Errorf("%w: left", ErrProofChildOverwrite)
		}
		t.leftHash = child.hash()
		t.hasLeft = true
		return nil
	}
	if t.hasRight {
		return fmt.Errorf("%w: right", ErrProofChildOverwrite)
	}
	t.rightHash = child.hash()
	t.hasRight = true
	return nil
}

// executeProof runs the token stream against a stack of partial nodes,
// calling visit for every push in key order, and returns the single
// remaining stack element.
func executeProof(proof []byte, visit func(ProofOp) error) (*proofTree, error) {
	dec := &proofDecoder{bz: proof}
	stack := make([]*proofTree, 0, 32)
	var lastKey []byte

	pop := func() (*proofTree, error) {
		if len(stack) == 0 {
			return nil, ErrProofUnderflow
		}
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return top, nil
	}

	for !dec.done() {
		op, err := dec.next()
		if err != nil {
			return nil, err
		}

		switch {
		case op.isPush():
			if op.Type == opPushKV {
				if lastKey != nil && bytes.Compare(op.Key, lastKey) <= 0 {
					return nil, fmt.Errorf("%w: pushed keys out of order", ErrProofDecode)
				}
				lastKey = op.Key
			}
			if visit != nil {
				if err := visit(op); err != nil {
					return nil, err
				}
			}
			stack = append(stack, &proofTree{op: op})

		case op.Type == opParent:
			parent, err := pop()
			if err != nil {
				return nil, err
			}
			child, err := pop()
			if err != nil {
				return nil, err
			}
			if err := parent.attach(true, child); err != nil {
				return nil, err
			}
			stack = append(stack, parent)

		case op.Type == opChild:
			child, err := pop()
			if err != nil {
				return nil, err
			}
			parent, err := pop()
			if err != nil {
				return nil, err
			}
			if err := parent.attach(false, child); err != nil {
				return nil, err
			}
			stack = append(stack, parent)
		}
	}

	if len(stack) != 1 {
		return nil, fmt.Errorf("%w: %d items remain", ErrProofUnfinished, len(stack))
	}
	return stack[0], nil
}

func checkProofRoot(root *proofTree, expectedRoot []byte) error {
	if len(expectedRoot) != HashLength {
		return fmt.Errorf("%w: expected root must be %d bytes", ErrProofRootMismatch, HashLength)
	}
	hash := root.hash()
	if !bytes.Equal(hash[:], expectedRoot) {
		return fmt.Errorf("%w: got %X", ErrProofRootMismatch, hash[:])
	}
	return nil
}

// VerifyKeys verifies an encoded proof against the expected root hash for the
// given queried keys. Every key must either be proven present, in which case
// it appears in the returned map, or proven absent. VerifyKeys is a pure
// function: it never touches the store.
func VerifyKeys(expectedRoot, proof []byte, keys [][]byte) (map[string][]byte, error) {
	queried := sortKeys(keys)
	result := make(map[string][]byte, len(queried))

	keyIdx := 0
	var lastPush *ProofOp

	root, err := executeProof(proof, func(op ProofOp) error {
		if op.Type == opPushKV {
			for keyIdx < len(queried) {
				cmp := bytes.Compare(op.Key, queried[keyIdx])
				if cmp < 0 {
					break
				}
				if cmp == 0 {
					result[string(op.Key)] = op.Value
				} else {
					// passed a queried key without seeing it; this is a valid
					// absence proof only if the previous push was a boundary
					// key/value node (or the tree edge)
					if lastPush != nil && lastPush.Type != opPushKV {
						return fmt.Errorf("%w: absence of key %q not proven", ErrProofRangeGap, queried[keyIdx])
					}
				}
				keyIdx++
			}
		}
		opCopy := op
		lastPush = &opCopy
		return nil
	})
	if err != nil {
		return nil, err
	}

	// queried keys beyond the last push are absent only if the proof ends at
	// the tree's right edge with an opened node
	if keyIdx < len(queried) {
		if lastPush == nil || lastPush.Type != opPushKV {
			return nil, fmt.Errorf("%w: absence of key %q not proven", ErrProofRangeGap, queried[keyIdx])
		}
	}

	if err := checkProofRoot(root, expectedRoot); err != nil {
		return nil, err
	}
	return result, nil
}

type rangeEntry struct {
	key   []byte
	value []byte
	// contiguous marks that the previous push, if any, was also a key/value
	// node, so no tree material is hidden between the two
	contiguous bool
}

// VerifyRange verifies an encoded range proof against the expected root hash
// and returns exactly the proven pairs inside [from, to], in ascending key
// order. A proof omitting material at either range edge, or between two
// in-range keys, fails with ErrProofRangeGap.
func VerifyRange(expectedRoot, proof []byte, from, to []byte) ([]KV, error) {
	if bytes.Compare(from, to) > 0 {
		return nil, fmt.Errorf("%w: range start after end", ErrInvalidBatch)
	}

	var entries []rangeEntry
	rightEdge := true

	root, err := executeProof(proof, func(op ProofOp) error {
		if op.Type == opPushKV {
			entries = append(entries, rangeEntry{key: op.Key, value: op.Value, contiguous: rightEdge})
			rightEdge = true
		} else {
			rightEdge = false
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := checkProofRoot(root, expectedRoot); err != nil {
		return nil, err
	}

	var result []KV
	first := true
	endProven := false

	for _, entry := range entries {
		if bytes.Compare(entry.key, from) < 0 {
			continue
		}
		if bytes.Compare(entry.key, to) > 0 {
			// first node past the range proves the upper edge if nothing is
			// hidden between it and the last in-range node
			if !entry.contiguous {
				return nil, fmt.Errorf("%w: gap before end of range", ErrProofRangeGap)
			}
			endProven = true
			break
		}

		exactStart := bytes.Equal(entry.key, from)
		if !entry.contiguous && !exactStart {
			if first {
				return nil, fmt.Errorf("%w: first key greater than beginning of range", ErrProofRangeGap)
			}
			return nil, fmt.Errorf("%w: gap between range entries", ErrProofRangeGap)
		}

		result = append(result, KV{Key: entry.key, Value: entry.value})
		if bytes.Equal(entry.key, to) {
			endProven = true
		}
		first = false
	}

	if !endProven && !rightEdge {
		return nil, fmt.Errorf("%w: last key less than end of range", ErrProofRangeGap)
	}
	return result, nil
}
