// Package treehash computes the SHA-256 tree hash used by Amazon Glacier to
// verify archives and archive parts.
//
// Data is split into 1 MiB leaves, each leaf is hashed with SHA-256, and
// adjacent hashes are concatenated and hashed again level by level until a
// single root remains. A trailing node without a sibling is promoted to the
// next level unchanged.
package treehash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// LeafSize is the leaf granularity of the tree, fixed by the remote store.
const LeafSize = 1 << 20

// Size is the length of a Hash in bytes.
const Size = sha256.Size

// Hash is a tree-hash digest.
type Hash [Size]byte

// String returns the lower-case hex form used on the wire.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero value.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Parse decodes a hex-encoded tree hash.
func Parse(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("treehash: parse %q: %w", s, err)
	}
	if len(b) != Size {
		return h, fmt.Errorf("treehash: parse %q: want %d bytes, got %d", s, Size, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// HashOf returns the tree hash of data. Empty input hashes to the SHA-256 of
// the empty string, which is what the store reports for zero bytes.
func HashOf(data []byte) Hash {
	if len(data) == 0 {
		return sha256.Sum256(nil)
	}

	leaves := make([]Hash, 0, (len(data)+LeafSize-1)/LeafSize)
	for off := 0; off < len(data); off += LeafSize {
		end := min(off+LeafSize, len(data))
		leaves = append(leaves, sha256.Sum256(data[off:end]))
	}
	return combine(leaves)
}

// CombineAggregate folds already computed hashes, in order, into one root.
// The result depends on the order of hashes. An empty slice yields the zero
// Hash.
func CombineAggregate(hashes []Hash) Hash {
	if len(hashes) == 0 {
		return Hash{}
	}
	level := make([]Hash, len(hashes))
	copy(level, hashes)
	return combine(level)
}

// combine reduces level in place and returns the root.
func combine(level []Hash) Hash {
	var buf [2 * Size]byte
	for len(level) > 1 {
		next := level[:0]
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				break
			}
			copy(buf[:Size], level[i][:])
			copy(buf[Size:], level[i+1][:])
			next = append(next, sha256.Sum256(buf[:]))
		}
		level = next
	}
	return level[0]
}
