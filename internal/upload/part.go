package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"github.com/dmitrijs2005/glaciermpu/internal/archive"
	"github.com/dmitrijs2005/glaciermpu/internal/common"
	"github.com/dmitrijs2005/glaciermpu/internal/logging"
	"github.com/dmitrijs2005/glaciermpu/internal/partreader"
	"github.com/dmitrijs2005/glaciermpu/internal/treehash"
)

// Borrower hands out the store client for a single call.
type Borrower interface {
	Borrow(ctx context.Context) (archive.Client, error)
}

// PartResult describes one acknowledged part.
type PartResult struct {
	Offset         uint64
	Length         uint32
	Checksum       treehash.Hash
	ServerChecksum string
	Attempts       int
}

// RetryOptions bound the per-part retry loop.
type RetryOptions struct {
	// MaxAttempts is the number of tries before a part is given up.
	MaxAttempts int
	// BaseDelay is the first backoff delay; zero retries immediately.
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// RequestsPerSecond limits attempts across all workers; zero means no
	// limit.
	RequestsPerSecond float64
}

// PartUploader sends single parts to the store, retrying transient failures.
type PartUploader struct {
	conns    Borrower
	vault    string
	opts     RetryOptions
	limiter  *rate.Limiter
	logger   logging.Logger
	progress *Progress
}

// NewPartUploader returns an uploader for vault. progress may be nil.
func NewPartUploader(conns Borrower, vault string, opts RetryOptions, logger logging.Logger, progress *Progress) *PartUploader {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = common.DefaultMaxAttempts
	}
	if logger == nil {
		logger = logging.Nop()
	}
	u := &PartUploader{
		conns:    conns,
		vault:    vault,
		opts:     opts,
		logger:   logger,
		progress: progress,
	}
	if opts.RequestsPerSecond > 0 {
		u.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return u
}

func (u *PartUploader) backoff() retry.Backoff {
	var b retry.Backoff
	if u.opts.BaseDelay <= 0 {
		b = retry.BackoffFunc(func() (time.Duration, bool) { return 0, false })
	} else {
		b = retry.NewExponential(u.opts.BaseDelay)
		if u.opts.MaxDelay > 0 {
			b = retry.WithCappedDuration(u.opts.MaxDelay, b)
		}
	}
	return retry.WithMaxRetries(uint64(u.opts.MaxAttempts-1), b)
}

// Upload sends part under uploadID. Transient failures are retried up to
// MaxAttempts; a permanent rejection or exhausted retries are fatal for the
// session.
func (u *PartUploader) Upload(ctx context.Context, part partreader.Part, uploadID string) (PartResult, error) {
	if part.Len() == 0 {
		return PartResult{}, common.Fatal("upload part", uploadID, fmt.Errorf("offset %d: %w", part.Offset, common.ErrEmptyPart))
	}

	sum := treehash.HashOf(part.Data)
	checksum := sum.String()
	r := archive.RangeOf(part.Offset, part.Len())

	attempts := 0
	var server string
	err := retry.Do(ctx, u.backoff(), func(ctx context.Context) error {
		attempts++

		if u.limiter != nil {
			if err := u.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		c, err := u.conns.Borrow(ctx)
		if errors.Is(err, common.ErrShutdown) {
			return err
		}
		if err == nil {
			server, err = c.UploadPart(ctx, u.vault, uploadID, r, checksum, part.Data)
		}
		if err == nil && server != "" && server != checksum {
			err = fmt.Errorf("%w: sent %s, store computed %s", common.ErrChecksumMismatch, checksum, server)
		}
		if err == nil {
			return nil
		}

		if common.KindOf(err) == common.KindPermanent {
			u.logger.Error(ctx, "part rejected", "range", r.String(), "attempt", attempts, "error", err)
			return err
		}
		u.logger.Warn(ctx, "part upload failed",
			"range", r.String(),
			"attempt", attempts,
			"max_attempts", u.opts.MaxAttempts,
			"error", err,
		)
		return retry.RetryableError(err)
	})

	if err != nil {
		switch {
		case ctx.Err() != nil:
			return PartResult{}, common.Fatal("upload part", uploadID, fmt.Errorf("%s: %w", r, ctx.Err()))
		case common.KindOf(err) == common.KindPermanent, errors.Is(err, common.ErrShutdown):
			return PartResult{}, common.Fatal("upload part", uploadID, fmt.Errorf("%s: %w", r, err))
		default:
			return PartResult{}, common.Fatal("upload part", uploadID,
				fmt.Errorf("%s: giving up after %d attempts: %w: %w", r, attempts, common.ErrRetriesExhausted, err))
		}
	}

	if server == "" {
		server = checksum
	}
	if u.progress != nil {
		u.progress.PartDone(ctx, r, server)
	}

	return PartResult{
		Offset:         part.Offset,
		Length:         uint32(part.Len()),
		Checksum:       sum,
		ServerChecksum: server,
		Attempts:       attempts,
	}, nil
}
