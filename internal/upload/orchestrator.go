// Package upload drives a multipart upload of one file: it reads parts in
// file order, uploads them on a bounded pool of workers with per-part retry,
// verifies the results and completes the session with the aggregate tree
// hash.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/glaciermpu/internal/common"
	"github.com/dmitrijs2005/glaciermpu/internal/logging"
	"github.com/dmitrijs2005/glaciermpu/internal/partreader"
	"github.com/dmitrijs2005/glaciermpu/internal/treehash"
)

// State is the lifecycle of one upload run.
type State int32

const (
	NotStarted State = iota
	Initiated
	PartsInFlight
	AllPartsAcked
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Initiated:
		return "initiated"
	case PartsInFlight:
		return "parts_in_flight"
	case AllPartsAcked:
		return "all_parts_acked"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configure an Orchestrator.
type Options struct {
	// Workers is the number of concurrent part uploads.
	Workers int
	// PartSize must match what the store expects for this session.
	PartSize int
	Retry    RetryOptions
}

// CompletionResult is the outcome of a successful upload.
type CompletionResult struct {
	ArchiveID string
	Location  string
	Checksum  string
	UploadID  string
	Size      uint64
	Parts     int
}

// Orchestrator uploads files through a store borrowed from conns.
type Orchestrator struct {
	conns  Borrower
	opts   Options
	logger logging.Logger
	state  atomic.Int32
}

// NewOrchestrator returns an Orchestrator. Zero options take the package
// defaults.
func NewOrchestrator(conns Borrower, opts Options, logger logging.Logger) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = common.DefaultWorkers
	}
	if opts.PartSize <= 0 {
		opts.PartSize = common.PartSize
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Orchestrator{conns: conns, opts: opts, logger: logger}
}

// State returns the state of the most recent run.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) setState(ctx context.Context, s State) {
	prev := State(o.state.Swap(int32(s)))
	o.logger.Debug(ctx, "upload state", "from", prev.String(), "to", s.String())
}

func (o *Orchestrator) fail(ctx context.Context, err error) (CompletionResult, error) {
	o.setState(ctx, Failed)
	o.logger.Error(ctx, "upload failed", "upload_id", common.UploadIDOf(err), "error", err)
	return CompletionResult{}, err
}

// UploadFile uploads the file at path into vault. Any failure is fatal for
// the run; once a session exists the returned error carries its upload id.
func (o *Orchestrator) UploadFile(ctx context.Context, path, description, vault string) (CompletionResult, error) {
	o.state.Store(int32(NotStarted))

	reader, size, err := partreader.Open(path, o.opts.PartSize)
	if err != nil {
		return o.fail(ctx, err)
	}
	defer reader.Close()

	totalParts := (size + int64(o.opts.PartSize) - 1) / int64(o.opts.PartSize)
	o.logger.Info(ctx, "starting upload",
		"file", path,
		"size", humanize.IBytes(uint64(size)),
		"bytes", size,
		"parts", totalParts,
		"workers", o.opts.Workers,
	)

	c, err := o.conns.Borrow(ctx)
	if err != nil {
		return o.fail(ctx, common.Fatal("initiate upload", "", err))
	}
	uploadID, err := c.Initiate(ctx, vault, description, uint32(o.opts.PartSize))
	if err != nil {
		return o.fail(ctx, common.Fatal("initiate upload", "", err))
	}
	o.setState(ctx, Initiated)
	o.logger.Info(ctx, "upload initiated", "upload_id", uploadID)

	progress := NewProgress(o.logger)
	progress.SetTotal(totalParts)
	uploader := NewPartUploader(o.conns, vault, o.opts.Retry, o.logger, progress)

	results, err := o.uploadParts(ctx, reader, uploader, uploadID)
	if err != nil {
		return o.fail(ctx, err)
	}
	o.setState(ctx, AllPartsAcked)

	hashes, err := verify(results, uint64(size))
	if err != nil {
		return o.fail(ctx, common.Fatal("verify parts", uploadID, err))
	}

	aggregate := treehash.HashOf(nil)
	if len(hashes) > 0 {
		aggregate = treehash.CombineAggregate(hashes)
	}

	c, err = o.conns.Borrow(ctx)
	if err != nil {
		return o.fail(ctx, common.Fatal("complete upload", uploadID, err))
	}
	conf, err := c.Complete(ctx, vault, uploadID, aggregate.String(), uint64(size))
	if err != nil {
		return o.fail(ctx, common.Fatal("complete upload", uploadID, err))
	}
	if conf.Checksum != "" && conf.Checksum != aggregate.String() {
		o.logger.Warn(ctx, "store reported a different archive checksum",
			"upload_id", uploadID, "local", aggregate.String(), "store", conf.Checksum)
	}

	o.setState(ctx, Completed)
	o.logger.Info(ctx, "upload finished",
		"upload_id", uploadID,
		"archive_id", conf.ArchiveID,
		"location", conf.Location,
		"checksum", aggregate.String(),
	)

	return CompletionResult{
		ArchiveID: conf.ArchiveID,
		Location:  conf.Location,
		Checksum:  aggregate.String(),
		UploadID:  uploadID,
		Size:      uint64(size),
		Parts:     len(results),
	}, nil
}

// uploadParts reads parts sequentially and uploads them on the worker pool.
// It always waits for every dispatched upload before returning, and reports
// every part failure, not just the first.
func (o *Orchestrator) uploadParts(ctx context.Context, reader *partreader.Reader, uploader *PartUploader, uploadID string) ([]PartResult, error) {
	o.setState(ctx, PartsInFlight)

	var (
		g       errgroup.Group
		mu      sync.Mutex
		results []PartResult
		errs    []error
	)
	g.SetLimit(o.opts.Workers)

	var readErr error
	for {
		if err := ctx.Err(); err != nil {
			readErr = err
			break
		}
		part, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = err
			break
		}

		g.Go(func() error {
			res, err := uploader.Upload(ctx, part, uploadID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return err
			}
			results = append(results, res)
			return nil
		})
	}

	_ = g.Wait()

	if readErr != nil {
		errs = append([]error{readErr}, errs...)
	}
	if len(errs) > 0 {
		return nil, common.Fatal("upload parts", uploadID,
			fmt.Errorf("%d part(s) failed: %w", len(errs), errors.Join(errs...)))
	}
	return results, nil
}

// verify sorts results by offset and checks they tile [0, size) exactly. It
// returns the part checksums in file order.
func verify(results []PartResult, size uint64) ([]treehash.Hash, error) {
	sort.Slice(results, func(i, j int) bool { return results[i].Offset < results[j].Offset })

	hashes := make([]treehash.Hash, 0, len(results))
	var next uint64
	for _, r := range results {
		if r.Offset != next {
			return nil, fmt.Errorf("%w: expected part at offset %d, got %d", common.ErrIntegrity, next, r.Offset)
		}
		next += uint64(r.Length)
		hashes = append(hashes, r.Checksum)
	}
	if next != size {
		return nil, fmt.Errorf("%w: file size is %d but sum of parts is %d", common.ErrIntegrity, size, next)
	}
	return hashes, nil
}
