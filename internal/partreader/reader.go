// Package partreader slices a file into fixed-size, non-overlapping parts in
// file order.
package partreader

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dmitrijs2005/glaciermpu/internal/common"
)

// Part is one contiguous byte range of the source.
type Part struct {
	Offset uint64
	Data   []byte
}

// Len returns the number of bytes in the part.
func (p Part) Len() int {
	return len(p.Data)
}

// Reader produces parts sequentially. It is forward only: construct a new
// Reader for every upload attempt.
type Reader struct {
	r        io.Reader
	closer   io.Closer
	partSize int
	offset   uint64
	done     bool
}

// New returns a Reader over r that yields parts of partSize bytes.
func New(r io.Reader, partSize int) *Reader {
	if partSize <= 0 {
		partSize = common.PartSize
	}
	return &Reader{r: r, partSize: partSize}
}

// Open opens path for reading and returns the Reader together with the file
// size. The caller must Close the Reader.
func Open(path string, partSize int) (*Reader, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, common.Local("open file", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, common.Local("stat file", err)
	}
	if fi.IsDir() {
		f.Close()
		return nil, 0, common.Local("open file", fmt.Errorf("%s is a directory", path))
	}

	r := New(f, partSize)
	r.closer = f
	return r, fi.Size(), nil
}

// Next returns the next part. It returns io.EOF once the source is exhausted,
// either exactly at a part boundary or after a short final part. Read errors
// are classified as local and are never retried.
func (r *Reader) Next() (Part, error) {
	if r.done {
		return Part{}, io.EOF
	}

	buf := make([]byte, r.partSize)
	n, err := io.ReadFull(r.r, buf)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		r.done = true
		return Part{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		r.done = true
	default:
		r.done = true
		return Part{}, common.Local(fmt.Sprintf("read part at offset %d", r.offset), err)
	}

	p := Part{Offset: r.offset, Data: buf[:n:n]}
	r.offset += uint64(n)
	return p, nil
}

// Offset returns the number of bytes consumed so far.
func (r *Reader) Offset() uint64 {
	return r.offset
}

// Close releases the underlying file if the Reader opened it.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}
