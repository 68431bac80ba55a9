package merk

import (
	"fmt"
)

// Proof token opcodes. A proof is a sequence of stack-language tokens; the
// verifier executes them to reconstruct a sparse subtree and derive a root
// hash.
const (
	opPushHash   byte = 0x01 // node hash of an unopened subtree
	opPushKVHash byte = 0x02 // kv hash of a node whose key/value are not exposed
	opPushKV     byte = 0x03 // full node contents
	opParent     byte = 0x10 // attach top of stack as left child of next-down
	opChild      byte = 0x11 // attach top of stack as right child of next-down
)

// ProofOp is a single proof token. Hash is set for PushHash and PushKVHash
// tokens; Key/Value for PushKV.
type ProofOp struct {
	Type  byte
	Hash  Hash
	Key   []byte
	Value []byte
}

func pushHashOp(hash Hash) ProofOp {
	return ProofOp{Type: opPushHash, Hash: hash}
}

func pushKVHashOp(kvHash Hash) ProofOp {
	return ProofOp{Type: opPushKVHash, Hash: kvHash}
}

func pushKVOp(key, value []byte) ProofOp {
	return ProofOp{Type: opPushKV, Key: key, Value: value}
}

func (op ProofOp) isPush() bool {
	return op.Type == opPushHash || op.Type == opPushKVHash || op.Type == opPushKV
}

// encodeProof serializes proof tokens to the wire form:
//
//	0x01 ++ hash        0x02 ++ kv_hash       0x03 ++ varlen(k) ++ varlen(v)
//	0x10 (Parent)       0x11 (Child)
func encodeProof(ops []ProofOp) []byte {
	size := 0
	for _, op := range ops {
		switch op.Type {
		case opPushHash, opPushKVHash:
			size += 1 + HashLength
		case opPushKV:
			size += 1 +
				uvarintLen(len(op.Key)) + len(op.Key) +
				uvarintLen(len(op.Value)) + len(op.Value)
		default:
			size++
		}
	}

	buf := make([]byte, 0, size)
	for _, op := range ops {
		buf = append(buf, op.Type)
		switch op.Type {
		case opPushHash, opPushKVHash:
			buf = append(buf, op.Hash[:]...)
		case opPushKV:
			buf = appendVarlen(buf, op.Key)
			buf = appendVarlen(buf, op.Value)
		}
	}
	return buf
}

// proofDecoder streams tokens out of an encoded proof.
type proofDecoder struct {
	bz []byte
}

func (d *proofDecoder) done() bool {
	return len(d.bz) == 0
}

func (d *proofDecoder) next() (ProofOp, error) {
	if len(d.bz) == 0 {
		return ProofOp{}, fmt.Errorf("%w: unexpected end of input", ErrProofDecode)
	}
	opType := d.bz[0]
	d.bz = d.bz[1:]

	switch opType {
	case opParent, opChild:
		return ProofOp{Type: opType}, nil

	case opPushHash, opPushKVHash:
		if len(d.bz) < HashLength {
			return ProofOp{}, fmt.Errorf("%w: truncated hash", ErrProofDecode)
		}
		op := ProofOp{Type: opType}
		copy(op.Hash[:], d.bz[:HashLength])
		d.bz = d.bz[HashLength:]
		return op, nil

	case opPushKV:
		key, rest, err := readVarlen(d.bz)
		if err != nil {
			return ProofOp{}, fmt.Errorf("%w: key: %v", ErrProofDecode, err)
		}
		value, rest, err := readVarlen(rest)
		if err != nil {
			return ProofOp{}, fmt.Errorf("%w: value: %v", ErrProofDecode, err)
		}
		d.bz = rest
		return ProofOp{Type: opPushKV, Key: key, Value: value}, nil

	default:
		return ProofOp{}, fmt.Errorf("%w: unknown opcode 0x%02x", ErrProofDecode, opType)
	}
}
