// Package pipeline processes a batch of candidate file paths: stat each
// one under the scan semaphore, and delete those older than the cutoff
// under the delete semaphore, flushing and freeing the batch before the
// walker moves on to the next one.
package pipeline

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/efspurge/efspurge/internal/errkind"
	"github.com/efspurge/efspurge/internal/fsx"
	"github.com/efspurge/efspurge/internal/logkit"
	"github.com/efspurge/efspurge/internal/ratetrack"
	"github.com/efspurge/efspurge/internal/stats"
)

// Pipeline evaluates and deletes files from a batch.
type Pipeline struct {
	src       *fsx.Source
	scanSem   *semaphore.Weighted
	deleteSem *semaphore.Weighted
	stats     *stats.Stats
	rates     *ratetrack.Tracker
	logger    zerolog.Logger
	cutoff    time.Time
	dryRun    bool
}

// New builds a Pipeline. cutoff is the mtime boundary: files strictly
// older than cutoff are eligible for deletion.
func New(src *fsx.Source, scanSem, deleteSem *semaphore.Weighted, st *stats.Stats, rates *ratetrack.Tracker, logger zerolog.Logger, cutoff time.Time, dryRun bool) *Pipeline {
	return &Pipeline{src: src, scanSem: scanSem, deleteSem: deleteSem, stats: st, rates: rates, logger: logger, cutoff: cutoff, dryRun: dryRun}
}

// ProcessBatch evaluates every path in batch concurrently, one goroutine
// per path, and waits for all of them before returning. Memory for the
// batch is owned entirely by the caller, which frees it once this
// returns. Per-file failures are logged and counted, never returned:
// one unreadable file must not cancel its siblings. The returned error
// is non-nil only for cancellation.
func (p *Pipeline) ProcessBatch(ctx context.Context, batch []string) error {
	if len(batch) == 0 {
		return nil
	}

	errCh := make(chan error, len(batch))
	for _, path := range batch {
		path := path
		go func() {
			errCh <- p.processOne(ctx, path)
		}()
	}

	var firstErr error
	for range batch {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Pipeline) processOne(ctx context.Context, path string) error {
	if err := p.scanSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.scanSem.Release(1)

	info, err := p.src.Lstat(path)
	now := p.src.Clock.Now()
	if err != nil {
		p.recordFileError(path, "stat", err)
		return nil
	}

	p.stats.Add(stats.Delta{FilesScanned: 1})
	p.rates.Record(now, ratetrack.PhaseScanning, ratetrack.MetricFiles, 1)

	// The entry was a regular file at listing time, but it may have been
	// replaced by something else since (the accepted TOCTOU window).
	if !info.Mode().IsRegular() {
		return nil
	}

	if !info.ModTime().Before(p.cutoff) {
		return nil
	}

	p.stats.Add(stats.Delta{FilesToPurge: 1, BytesFreed: info.Size()})

	if p.dryRun {
		return nil
	}

	if err := p.deleteSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.deleteSem.Release(1)

	if err := p.src.Remove(path); err != nil {
		if errors.Is(err, syscall.EISDIR) {
			return nil
		}
		p.recordFileError(path, "unlink", err)
		return nil
	}

	p.stats.Add(stats.Delta{FilesPurged: 1})
	p.rates.Record(p.src.Clock.Now(), ratetrack.PhaseDeletion, ratetrack.MetricFiles, 1)
	return nil
}

// recordFileError classifies a stat/unlink failure, counts it, and logs
// it with path context at the severity its kind calls for. A vanished
// file is the accepted race, not an error.
func (p *Pipeline) recordFileError(path, op string, err error) {
	if os.IsNotExist(err) {
		logkit.WithFields(p.logger.Debug(), logkit.Fields{
			"path": path, "op": op,
		}).Msg("file vanished before it could be processed")
		return
	}

	p.stats.Add(stats.Delta{Errors: 1})

	kind := errkind.UnexpectedIoFailure
	event := p.logger.Error()
	if os.IsPermission(err) {
		kind = errkind.PermissionDenied
		event = p.logger.Warn()
	}
	logkit.WithFields(event, logkit.Fields{
		"path": path, "op": op, "kind": kind.String(), "error": err.Error(),
	}).Msg("file task failed")
}
