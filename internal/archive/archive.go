// Package archive defines the remote archival store the uploader talks to.
//
// Implementations live in sub-packages: glacierstore (Amazon Glacier),
// s3store (S3-compatible buckets) and memstore (in-process, used for tests
// and dry runs).
package archive

import (
	"context"
	"fmt"
)

// ByteRange is an inclusive range of archive bytes.
type ByteRange struct {
	Start uint64
	End   uint64
}

// RangeOf returns the range covering length bytes starting at offset.
func RangeOf(offset uint64, length int) ByteRange {
	return ByteRange{Start: offset, End: offset + uint64(length) - 1}
}

// Len returns the number of bytes in the range.
func (r ByteRange) Len() uint64 {
	return r.End - r.Start + 1
}

// String renders the range in Content-Range form, e.g. "bytes 0-1048575/*".
func (r ByteRange) String() string {
	return fmt.Sprintf("bytes %d-%d/*", r.Start, r.End)
}

// Confirmation is returned by a successful Complete.
type Confirmation struct {
	ArchiveID string
	Location  string
	Checksum  string
}

// Store is the capability the upload pipeline needs from a remote store.
// Checksums are hex-encoded SHA-256 tree hashes.
type Store interface {
	// Initiate opens a multipart session and returns its upload id.
	Initiate(ctx context.Context, vault, description string, partSize uint32) (string, error)

	// UploadPart sends one part. It returns the checksum the store computed
	// from the bytes it received.
	UploadPart(ctx context.Context, vault, uploadID string, r ByteRange, checksum string, body []byte) (string, error)

	// Complete finalizes the session. The store rejects it when checksum or
	// size disagree with what it received.
	Complete(ctx context.Context, vault, uploadID, checksum string, size uint64) (Confirmation, error)

	// Download writes a stored archive to dest.
	Download(ctx context.Context, vault, archiveID, dest string) error
}

// Client is a Store handle owned by a connection manager.
type Client interface {
	Store

	// Close releases idle resources. Calls already in flight on the handle
	// must be allowed to finish.
	Close() error
}
