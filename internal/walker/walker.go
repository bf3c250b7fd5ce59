// Package walker implements the directory walker and its hybrid
// sliding-window subdirectory processor: files are streamed into
// batches and flushed through the pipeline as the buffer fills, while
// subdirectories fan out under a bounded semaphore, with nested frames
// dropping to sequential recursion whenever no permit is free, so a
// child never blocks waiting on a slot its own ancestor holds.
package walker

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/efspurge/efspurge/internal/dirreader"
	"github.com/efspurge/efspurge/internal/fabric"
	"github.com/efspurge/efspurge/internal/fsx"
	"github.com/efspurge/efspurge/internal/logkit"
	"github.com/efspurge/efspurge/internal/memmon"
	"github.com/efspurge/efspurge/internal/pipeline"
	"github.com/efspurge/efspurge/internal/ratetrack"
	"github.com/efspurge/efspurge/internal/reaper"
	"github.com/efspurge/efspurge/internal/stats"
)

// maxWindowCycles bounds the sliding-window loop per directory frame.
const maxWindowCycles = 10000

// ActiveDirs tracks directories currently being scanned, surfaced by the
// progress reporter's stuck-detection diagnostics.
type ActiveDirs struct {
	mu   sync.Mutex
	dirs map[string]struct{}
}

func newActiveDirs() *ActiveDirs { return &ActiveDirs{dirs: make(map[string]struct{})} }

func (a *ActiveDirs) add(dir string) {
	a.mu.Lock()
	a.dirs[dir] = struct{}{}
	a.mu.Unlock()
}

func (a *ActiveDirs) remove(dir string) {
	a.mu.Lock()
	delete(a.dirs, dir)
	a.mu.Unlock()
}

// Snapshot returns up to limit currently active directory paths.
func (a *ActiveDirs) Snapshot(limit int) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, limit)
	for d := range a.dirs {
		if len(out) >= limit {
			break
		}
		out = append(out, d)
	}
	return out
}

// Count returns the number of directories currently being scanned.
func (a *ActiveDirs) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.dirs)
}

// Walker recursively scans a tree, running every regular file through
// the pipeline and, when requested, collecting empty directories for
// the reaper.
type Walker struct {
	src    *fsx.Source
	reader *dirreader.Reader
	fab    *fabric.Fabric
	pipe   *pipeline.Pipeline
	stats  *stats.Stats
	rates  *ratetrack.Tracker
	mon    *memmon.Monitor
	active *ActiveDirs
	empty  *reaper.EmptyDirSet
	logger zerolog.Logger

	removeEmptyDirs bool
	baseBatchSize   int64
	curBatchSize    atomic.Int64
}

// Options configures a new Walker.
type Options struct {
	Source          *fsx.Source
	Reader          *dirreader.Reader
	Fabric          *fabric.Fabric
	Pipeline        *pipeline.Pipeline
	Stats           *stats.Stats
	Rates           *ratetrack.Tracker
	Monitor         *memmon.Monitor
	Logger          zerolog.Logger
	RemoveEmptyDirs bool
	TaskBatchSize   int
}

// New builds a Walker. The returned Walker's EmptyDirs set (if
// RemoveEmptyDirs is true) is handed to the reaper after Walk returns.
func New(opts Options) *Walker {
	w := &Walker{
		src:             opts.Source,
		reader:          opts.Reader,
		fab:             opts.Fabric,
		pipe:            opts.Pipeline,
		stats:           opts.Stats,
		rates:           opts.Rates,
		mon:             opts.Monitor,
		active:          newActiveDirs(),
		empty:           reaper.NewEmptyDirSet(),
		logger:          opts.Logger,
		removeEmptyDirs: opts.RemoveEmptyDirs,
		baseBatchSize:   int64(opts.TaskBatchSize),
	}
	w.curBatchSize.Store(int64(opts.TaskBatchSize))
	return w
}

// ActiveDirs exposes the set of directories currently being scanned.
func (w *Walker) ActiveDirs() *ActiveDirs { return w.active }

// EmptyDirs exposes the directories found empty right after their last
// child finished, ready to hand to the reaper.
func (w *Walker) EmptyDirs() *reaper.EmptyDirSet { return w.empty }

// Walk recursively scans root. The top-level call holds no subdir slot
// yet, so it may block waiting for permits; nested frames only ever try
// non-blocking acquires and recurse sequentially when none are free.
func (w *Walker) Walk(ctx context.Context, root string) error {
	return w.scanDirectory(ctx, root, root)
}

func (w *Walker) scanDirectory(ctx context.Context, rootPath, dir string) error {
	w.active.add(dir)
	defer w.active.remove(dir)

	w.stats.Add(stats.Delta{DirsScanned: 1})
	w.rates.Record(w.src.Clock.Now(), ratetrack.PhaseScanning, ratetrack.MetricDirs, 1)

	entries, err := w.reader.List(ctx, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		// One error per unlistable directory; siblings keep going.
		w.stats.Add(stats.Delta{Errors: 1})
		event := w.logger.Error()
		if os.IsPermission(err) {
			event = w.logger.Warn()
		}
		logkit.WithFields(event, logkit.Fields{
			"path": dir, "error": err.Error(),
		}).Msg("failed to list directory")
		return nil
	}

	var buffer []string
	var subdirs []string

	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		if err := w.checkMemory(ctx); err != nil {
			return err
		}
		err := w.pipe.ProcessBatch(ctx, buffer)
		buffer = buffer[:0]
		return err
	}

	for _, entry := range entries {
		if entry.IsSymlink {
			w.stats.Add(stats.Delta{SymlinksSkipped: 1})
			continue
		}
		if entry.IsDir {
			subdirs = append(subdirs, entry.Path)
			continue
		}
		if entry.IsSpecial {
			w.stats.Add(stats.Delta{SpecialFilesSkipped: 1})
			continue
		}

		buffer = append(buffer, entry.Path)
		if int64(len(buffer)) >= w.curBatchSize.Load() {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	if len(subdirs) > 0 {
		if err := w.processSubdirs(ctx, rootPath, subdirs); err != nil {
			return err
		}
	}

	if w.removeEmptyDirs && dir != rootPath {
		if empty, err := w.reader.List(ctx, dir); err == nil && len(empty) == 0 {
			if w.empty.Add(dir) {
				w.stats.Add(stats.Delta{EmptyDirsFound: 1})
			}
		}
	}

	return nil
}

// processSubdirs is the hybrid sliding-window fan-out: keep topping up a
// bounded set of concurrent child walks from the remaining queue, waiting
// for any one to finish before starting the next. A frame whose ancestor
// already holds a subdir slot (the context marker) may only try a
// non-blocking acquire — a blocking one could wait forever on a permit
// held by its own ancestor — and recurses sequentially while no permit
// is free.
func (w *Walker) processSubdirs(ctx context.Context, rootPath string, subdirs []string) error {
	held := fabric.SubdirHeld(ctx)
	childCtx := fabric.MarkSubdirHeld(ctx)
	limit := int(w.fab.SubdirSlots())

	remaining := append([]string(nil), subdirs...)
	resultCh := make(chan error)
	inFlight := 0
	var firstErr error

	tryStart := func(sd string) bool {
		if held {
			if !w.fab.Subdir.TryAcquire(1) {
				return false
			}
			inFlight++
			go func() {
				err := w.scanDirectory(childCtx, rootPath, sd)
				w.fab.Subdir.Release(1)
				resultCh <- err
			}()
			return true
		}
		inFlight++
		go func() {
			if err := w.fab.Subdir.Acquire(childCtx, 1); err != nil {
				resultCh <- err
				return
			}
			err := w.scanDirectory(childCtx, rootPath, sd)
			w.fab.Subdir.Release(1)
			resultCh <- err
		}()
		return true
	}

	// Every cycle starts, completes, or sequentially processes at least
	// one child, so the ceiling is only reachable through a logic bug.
	ceiling := maxWindowCycles
	if n := 4 * len(subdirs); n > ceiling {
		ceiling = n
	}

	for cycles := 0; len(remaining) > 0 || inFlight > 0; cycles++ {
		if cycles >= ceiling {
			logkit.WithFields(w.logger.Error(), logkit.Fields{
				"cycles":    cycles,
				"remaining": len(remaining),
				"in_flight": inFlight,
			}).Msg("sliding window exceeded its cycle safety ceiling")
			break
		}

		// A circuit break (or cancellation) lets in-flight children run
		// to completion but opens no new subdir slots.
		for firstErr == nil && len(remaining) > 0 && inFlight < limit {
			if !tryStart(remaining[0]) {
				break
			}
			remaining = remaining[1:]
		}

		if inFlight == 0 {
			if len(remaining) == 0 || firstErr != nil {
				break
			}
			// No permit free and none of ours in flight: the slots are
			// all held by ancestor frames, so recurse sequentially.
			sd := remaining[0]
			remaining = remaining[1:]
			if err := w.scanDirectory(childCtx, rootPath, sd); err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}

		err := <-resultCh
		inFlight--
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (w *Walker) checkMemory(ctx context.Context) error {
	action, usageMB, _ := w.mon.Check(w.src.Clock.Now())
	w.stats.ObservePeakMemory(usageMB)
	if action == memmon.ActionNone {
		return nil
	}
	if err := w.mon.Apply(ctx, action, usageMB); err != nil {
		return err
	}
	if action == memmon.ActionBackpressure {
		w.stats.Add(stats.Delta{MemoryBackpressureEvents: 1})
	}
	factor := memmon.ShrinkFactor(action, w.mon.Ratio(usageMB))
	w.curBatchSize.Store(clampBatch(int64(float64(w.baseBatchSize)*factor), w.baseBatchSize))
	return nil
}

// ShrinkBatch halves the current flush threshold. The progress reporter
// calls this after repeated stuck intervals so an overcommitted run
// sheds in-flight state even when memory looks fine.
func (w *Walker) ShrinkBatch() {
	w.curBatchSize.Store(clampBatch(w.curBatchSize.Load()/2, w.baseBatchSize))
}

// clampBatch keeps a shrunken batch size at 10 or above (or at base,
// when base itself is smaller) so progress always continues.
func clampBatch(size, base int64) int64 {
	floor := int64(10)
	if base < floor {
		floor = base
	}
	if size < floor {
		return floor
	}
	return size
}

