// Package memstore is an in-process archive.Store. It verifies parts and
// completions the way Amazon Glacier does, records every call, and can
// inject failures and latency. It backs the "memory" backend (dry runs) and
// the pipeline tests.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/glaciermpu/internal/archive"
	"github.com/dmitrijs2005/glaciermpu/internal/common"
	"github.com/dmitrijs2005/glaciermpu/internal/treehash"
	"github.com/google/uuid"
)

// Errors returned by the store.
var (
	ErrNoVault    = errors.New("memstore: vault does not exist")
	ErrNoUpload   = errors.New("memstore: unknown upload id")
	ErrNoArchive  = errors.New("memstore: unknown archive id")
	ErrBadRange   = errors.New("memstore: invalid range")
	ErrBadSize    = errors.New("memstore: archive size mismatch")
	ErrBadTree    = errors.New("memstore: tree hash mismatch")
	ErrPartDigest = errors.New("memstore: part checksum does not match body")
)

// Call records one request made against the store.
type Call struct {
	Method   string
	Vault    string
	UploadID string
	Range    archive.ByteRange
	Checksum string
	Size     uint64
}

type part struct {
	data []byte
	hash treehash.Hash
}

type session struct {
	vault       string
	description string
	partSize    uint32
	parts       map[uint64]part
}

type stored struct {
	vault       string
	description string
	data        []byte
	hash        treehash.Hash
}

// Store is safe for concurrent use.
type Store struct {
	// UploadFault, when set, is consulted before every UploadPart. attempt
	// counts calls for the same range starting at 1. A non-nil result is
	// returned to the caller as is.
	UploadFault func(r archive.ByteRange, attempt int) error

	// Latency, when set, delays every UploadPart.
	Latency func(r archive.ByteRange) time.Duration

	// InitiateErr and CompleteErr, when set, fail the corresponding call.
	InitiateErr error
	CompleteErr error

	mu       sync.Mutex
	vaults   map[string]bool
	uploads  map[string]*session
	archives map[string]*stored
	attempts map[string]int
	calls    []Call

	closes atomic.Int64
}

// New returns a Store holding the given vaults. With no vaults every vault
// name is accepted.
func New(vaults ...string) *Store {
	s := &Store{
		uploads:  make(map[string]*session),
		archives: make(map[string]*stored),
		attempts: make(map[string]int),
	}
	if len(vaults) > 0 {
		s.vaults = make(map[string]bool, len(vaults))
		for _, v := range vaults {
			s.vaults[v] = true
		}
	}
	return s
}

func (s *Store) record(c Call) {
	s.calls = append(s.calls, c)
}

func (s *Store) hasVault(v string) bool {
	return s.vaults == nil || s.vaults[v]
}

// Initiate implements archive.Store.
func (s *Store) Initiate(ctx context.Context, vault, description string, partSize uint32) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.record(Call{Method: "Initiate", Vault: vault, Size: uint64(partSize)})

	if s.InitiateErr != nil {
		return "", s.InitiateErr
	}
	if !s.hasVault(vault) {
		return "", common.Permanent("initiate", ErrNoVault)
	}
	// Glacier only takes power-of-two multiples of 1 MiB; any positive size
	// is accepted here so tests can use small parts.
	if partSize == 0 {
		return "", common.Permanent("initiate", fmt.Errorf("invalid part size %d", partSize))
	}

	id := uuid.NewString()
	s.uploads[id] = &session{
		vault:       vault,
		description: description,
		partSize:    partSize,
		parts:       make(map[uint64]part),
	}
	return id, nil
}

// UploadPart implements archive.Store.
func (s *Store) UploadPart(ctx context.Context, vault, uploadID string, r archive.ByteRange, checksum string, body []byte) (string, error) {
	s.mu.Lock()
	s.record(Call{Method: "UploadPart", Vault: vault, UploadID: uploadID, Range: r, Checksum: checksum, Size: uint64(len(body))})
	key := fmt.Sprintf("%s/%d", uploadID, r.Start)
	s.attempts[key]++
	attempt := s.attempts[key]
	fault, latency := s.UploadFault, s.Latency
	s.mu.Unlock()

	if latency != nil {
		select {
		case <-time.After(latency(r)):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if fault != nil {
		if err := fault(r, attempt); err != nil {
			return "", err
		}
	}

	want, err := treehash.Parse(checksum)
	if err != nil {
		return "", common.Permanent("upload part", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.uploads[uploadID]
	if !ok || sess.vault != vault {
		return "", common.Permanent("upload part", ErrNoUpload)
	}
	if r.End < r.Start || r.Len() != uint64(len(body)) || r.Start%uint64(sess.partSize) != 0 || r.Len() > uint64(sess.partSize) {
		return "", common.Permanent("upload part", fmt.Errorf("%w: %s for %d bytes", ErrBadRange, r, len(body)))
	}

	got := treehash.HashOf(body)
	if got != want {
		return "", ErrPartDigest
	}

	sess.parts[r.Start] = part{data: append([]byte(nil), body...), hash: got}
	return got.String(), nil
}

// Complete implements archive.Store.
func (s *Store) Complete(ctx context.Context, vault, uploadID, checksum string, size uint64) (archive.Confirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.record(Call{Method: "Complete", Vault: vault, UploadID: uploadID, Checksum: checksum, Size: size})

	if s.CompleteErr != nil {
		return archive.Confirmation{}, s.CompleteErr
	}
	sess, ok := s.uploads[uploadID]
	if !ok || sess.vault != vault {
		return archive.Confirmation{}, ErrNoUpload
	}

	offsets := make([]uint64, 0, len(sess.parts))
	for off := range sess.parts {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	var (
		data   []byte
		hashes []treehash.Hash
	)
	for _, off := range offsets {
		if off != uint64(len(data)) {
			return archive.Confirmation{}, fmt.Errorf("%w: gap at offset %d", ErrBadSize, len(data))
		}
		p := sess.parts[off]
		data = append(data, p.data...)
		hashes = append(hashes, p.hash)
	}
	if uint64(len(data)) != size {
		return archive.Confirmation{}, fmt.Errorf("%w: received %d, declared %d", ErrBadSize, len(data), size)
	}

	total := treehash.HashOf(nil)
	if len(hashes) > 0 {
		total = treehash.CombineAggregate(hashes)
	}
	if total.String() != checksum {
		return archive.Confirmation{}, fmt.Errorf("%w: computed %s, declared %s", ErrBadTree, total, checksum)
	}

	id := uuid.NewString()
	s.archives[id] = &stored{vault: vault, description: sess.description, data: data, hash: total}
	delete(s.uploads, uploadID)

	return archive.Confirmation{
		ArchiveID: id,
		Location:  fmt.Sprintf("/-/vaults/%s/archives/%s", vault, id),
		Checksum:  total.String(),
	}, nil
}

// Download implements archive.Store.
func (s *Store) Download(ctx context.Context, vault, archiveID, dest string) error {
	s.mu.Lock()
	s.record(Call{Method: "Download", Vault: vault})
	a, ok := s.archives[archiveID]
	s.mu.Unlock()

	if !ok || a.vault != vault {
		return ErrNoArchive
	}
	return os.WriteFile(dest, a.data, 0o600)
}

// Handle returns a Client view of the store. Closing it only counts the
// close; the store itself stays usable.
func (s *Store) Handle() archive.Client {
	return &handle{Store: s}
}

type handle struct {
	*Store
}

func (h *handle) Close() error {
	h.closes.Add(1)
	return nil
}

// Calls returns a copy of every recorded call, in arrival order.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Count returns how many calls of method were recorded.
func (s *Store) Count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Closes returns how many handles were closed.
func (s *Store) Closes() int {
	return int(s.closes.Load())
}

// Archive returns the bytes and description of a completed archive.
func (s *Store) Archive(id string) ([]byte, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.archives[id]
	if !ok {
		return nil, "", false
	}
	return a.data, a.description, true
}
