package upload

import (
	"context"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/dmitrijs2005/glaciermpu/internal/archive"
	"github.com/dmitrijs2005/glaciermpu/internal/logging"
)

// Progress counts completed parts for log output only.
type Progress struct {
	logger    logging.Logger
	total     atomic.Int64
	completed atomic.Int64
	bytes     atomic.Uint64
}

// NewProgress returns a Progress reporting through logger.
func NewProgress(logger logging.Logger) *Progress {
	return &Progress{logger: logger}
}

// SetTotal sets the expected number of parts.
func (p *Progress) SetTotal(n int64) {
	p.total.Store(n)
}

// PartDone records one uploaded part and logs the running count.
func (p *Progress) PartDone(ctx context.Context, r archive.ByteRange, serverChecksum string) {
	done := p.completed.Add(1)
	sent := p.bytes.Add(r.Len())
	p.logger.Info(ctx, "part uploaded",
		"completed", done,
		"total", p.total.Load(),
		"range", r.String(),
		"checksum", serverChecksum,
		"sent", humanize.IBytes(sent),
	)
}

// Completed returns the number of parts uploaded so far.
func (p *Progress) Completed() int64 {
	return p.completed.Load()
}
