package treehash

import (
	"crypto/sha256"
	"hash"
)

// Writer tree-hashes a byte stream without buffering more than one leaf.
type Writer struct {
	leaf   hash.Hash
	filled int
	leaves []Hash
	total  int64
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{leaf: sha256.New()}
}

// Write never returns an error.
func (w *Writer) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		take := min(LeafSize-w.filled, len(p))
		w.leaf.Write(p[:take])
		w.filled += take
		p = p[take:]
		if w.filled == LeafSize {
			w.flush()
		}
	}
	w.total += int64(n)
	return n, nil
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int64 {
	return w.total
}

// Sum returns the tree hash of everything written. It does not change the
// state of the Writer.
func (w *Writer) Sum() Hash {
	leaves := make([]Hash, len(w.leaves), len(w.leaves)+1)
	copy(leaves, w.leaves)
	if w.filled > 0 || len(leaves) == 0 {
		var h Hash
		copy(h[:], w.leaf.Sum(nil))
		leaves = append(leaves, h)
	}
	return combine(leaves)
}

func (w *Writer) flush() {
	var h Hash
	copy(h[:], w.leaf.Sum(nil))
	w.leaves = append(w.leaves, h)
	w.leaf.Reset()
	w.filled = 0
}
