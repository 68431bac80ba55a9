package merk

import (
	"crypto/sha256"
	"encoding/binary"
)

// HashLength is the length of all digests used by the tree.
const HashLength = sha256.Size

// Hash is a node or key/value digest.
type Hash [HashLength]byte

// NullHash is the digest substituted for a missing child.
var NullHash = Hash{}

// kvHash hashes a key/value pair. Both parts are length-prefixed with a
// uvarint so the concatenation is injective.
func kvHash(key, value []byte) Hash {
	h := sha256.New()
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(key)))
	h.Write(buf[:n])
	h.Write(key)
	n = binary.PutUvarint(buf[:], uint64(len(value)))
	h.Write(buf[:n])
	h.Write(value)
	var out Hash
	h.Sum(out[:0])
	return out
}

// nodeHash chains a node's child hashes and kv hash into its commitment.
func nodeHash(left, right, kv Hash) Hash {
	h := sha256.New()
	h.Write(left[:])
	h.Write(right[:])
	h.Write(kv[:])
	var out Hash
	h.Sum(out[:0])
	return out
}
