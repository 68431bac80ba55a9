package merk

import (
	"encoding/binary"
)

// Node encoding layout:
//
//	hash (32) || kv_hash (32) || left_height (u8) || right_height (u8) ||
//	varlen(key) || varlen(value) || varlen(left_ref) || varlen(right_ref) ||
//	varlen(parent_ref)
//
// where varlen is a uvarint length prefix followed by raw bytes. Child and
// parent refs are keys; an empty ref means no child (or no parent, for the
// root). The encoding is deterministic, byte for byte.

func encodeNode(n *Node) []byte {
	size := 2*HashLength + 2 +
		uvarintLen(len(n.key)) + len(n.key) +
		uvarintLen(len(n.value)) + len(n.value) +
		uvarintLen(len(linkKey(n.left))) + len(linkKey(n.left)) +
		uvarintLen(len(linkKey(n.right))) + len(linkKey(n.right)) +
		uvarintLen(len(n.parentKey)) + len(n.parentKey)

	buf := make([]byte, 0, size)
	buf = append(buf, n.hash[:]...)
	buf = append(buf, n.kvHash[:]...)
	buf = append(buf, n.childHeight(true), n.childHeight(false))
	buf = appendVarlen(buf, n.key)
	buf = appendVarlen(buf, n.value)
	buf = appendVarlen(buf, linkKey(n.left))
	buf = appendVarlen(buf, linkKey(n.right))
	buf = appendVarlen(buf, n.parentKey)
	return buf
}

func linkKey(l *Link) []byte {
	if l == nil {
		return nil
	}
	return l.key
}

func uvarintLen(n int) int {
	var buf [binary.MaxVarintLen64]byte
	return binary.PutUvarint(buf[:], uint64(n))
}

func appendVarlen(buf, b []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

// decodeNode decodes persisted node bytes stored under the tree key
// storedKey. The node's key is part of the encoding and must match the key it
// was stored under.
func decodeNode(storedKey, bz []byte) (*Node, error) {
	corrupt := func(reason string) (*Node, error) {
		return nil, &CorruptNodeError{Key: storedKey, Reason: reason}
	}

	if len(bz) < 2*HashLength+2 {
		return corrupt("truncated header")
	}
	n := &Node{hashValid: true}
	copy(n.hash[:], bz[:HashLength])
	copy(n.kvHash[:], bz[HashLength:2*HashLength])
	leftHeight := bz[2*HashLength]
	rightHeight := bz[2*HashLength+1]
	rest := bz[2*HashLength+2:]

	var err error
	if n.key, rest, err = readVarlen(rest); err != nil {
		return corrupt("key: " + err.Error())
	}
	if len(n.key) == 0 {
		return corrupt("empty key")
	}
	if n.value, rest, err = readVarlen(rest); err != nil {
		return corrupt("value: " + err.Error())
	}
	var leftKey, rightKey []byte
	if leftKey, rest, err = readVarlen(rest); err != nil {
		return corrupt("left ref: " + err.Error())
	}
	if rightKey, rest, err = readVarlen(rest); err != nil {
		return corrupt("right ref: " + err.Error())
	}
	if n.parentKey, rest, err = readVarlen(rest); err != nil {
		return corrupt("parent ref: " + err.Error())
	}
	if len(rest) != 0 {
		return corrupt("trailing bytes")
	}

	if storedKey != nil && string(storedKey) != string(n.key) {
		return corrupt("encoded key does not match storage key")
	}
	if (leftHeight == 0) != (len(leftKey) == 0) {
		return corrupt("left height disagrees with left ref")
	}
	if (rightHeight == 0) != (len(rightKey) == 0) {
		return corrupt("right height disagrees with right ref")
	}
	if len(n.parentKey) == 0 {
		n.parentKey = nil
	}
	if len(n.value) == 0 {
		n.value = []byte{}
	}

	if len(leftKey) > 0 {
		n.left = &Link{key: leftKey, height: leftHeight}
	}
	if len(rightKey) > 0 {
		n.right = &Link{key: rightKey, height: rightHeight}
	}
	return n, nil
}

func readVarlen(bz []byte) ([]byte, []byte, error) {
	length, read := binary.Uvarint(bz)
	if read <= 0 {
		return nil, nil, errVarlenPrefix
	}
	bz = bz[read:]
	if uint64(len(bz)) < length {
		return nil, nil, errVarlenTruncated
	}
	if length == 0 {
		return nil, bz, nil
	}
	return bz[:length], bz[length:], nil
}

var (
	errVarlenPrefix    = errString("invalid length prefix")
	errVarlenTruncated = errString("truncated field")
)

type errString string

func (e errString) Error() string { return string(e) }
