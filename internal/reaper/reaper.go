// Package reaper deletes the empty directories the walker found, in
// deepest-first (post-order) batches, then re-checks each deleted
// directory's parent and cascades upward through as many newly-emptied
// ancestors as exist, subject to a rate limit, a per-batch memory
// check, and dynamic batch shrinkage under back-pressure.
package reaper

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/efspurge/efspurge/internal/fabric"
	"github.com/efspurge/efspurge/internal/fsx"
	"github.com/efspurge/efspurge/internal/logkit"
	"github.com/efspurge/efspurge/internal/memmon"
	"github.com/efspurge/efspurge/internal/ratetrack"
	"github.com/efspurge/efspurge/internal/stats"
)

// PerPathOverheadMB is the rough per-candidate-path memory overhead
// used to turn a memory budget into a suggested max_empty_dirs_per_run
// when the rate limit is left unlimited (0).
const PerPathOverheadMB = 0.001 // ~1KB per tracked path

const (
	minBatchSize = 50
	maxBatchSize = 200

	logEveryIterations = 100
	logEveryDeletions  = 1000
)

// Reaper removes empty directories discovered by the walker.
type Reaper struct {
	src    *fsx.Source
	stats  *stats.Stats
	rates  *ratetrack.Tracker
	fab    *fabric.Fabric
	mon    *memmon.Monitor
	logger zerolog.Logger

	dryRun    bool
	rootPath  string
	maxPerRun int64 // 0 = unlimited

	baseBatchSize int

	mu        sync.Mutex
	processed map[string]struct{}
	reserved  int64
}

// New builds a Reaper. rootPath is never deleted even if it becomes
// empty. maxPerRun of 0 means unlimited. The batch size is a tenth of
// the delete-slot capacity, clamped to [50, 200].
func New(src *fsx.Source, st *stats.Stats, rates *ratetrack.Tracker, fab *fabric.Fabric, mon *memmon.Monitor, logger zerolog.Logger, rootPath string, dryRun bool, maxPerRun int) *Reaper {
	batch := int(fab.DeleteSlots() / 10)
	if batch < minBatchSize {
		batch = minBatchSize
	}
	if batch > maxBatchSize {
		batch = maxBatchSize
	}
	return &Reaper{
		src: src, stats: st, rates: rates, fab: fab, mon: mon, logger: logger,
		dryRun: dryRun, rootPath: filepath.Clean(rootPath), maxPerRun: int64(maxPerRun),
		baseBatchSize: batch,
		processed:     make(map[string]struct{}),
	}
}

// Run deletes every directory in candidates, deepest-first in batches
// (Pass A), then cascades through newly-emptied parents in further
// batches (Pass B) until the rate limit is hit, memory circuit-breaks,
// or no new parents surface.
func (r *Reaper) Run(ctx context.Context, candidates []string) error {
	if len(candidates) == 0 {
		return nil
	}

	curBatch := r.baseBatchSize
	iterations := 0
	deletionsSinceLog := int64(0)

	newParents := NewEmptyDirSet()
	if err := r.runBatches(ctx, sortDeepestFirst(candidates), newParents, &curBatch, &iterations, &deletionsSinceLog); err != nil {
		return err
	}

	for newParents.Len() > 0 {
		if r.rateLimited() {
			logkit.WithFields(r.logger.Info(), logkit.Fields{
				"unprocessed_in_batch":       0,
				"pending_cascade_candidates": newParents.Len(),
			}).Msg("empty-dir rate limit reached, stopping reap")
			return nil
		}
		batch := newParents.Snapshot()
		newParents = NewEmptyDirSet()

		if err := r.runBatches(ctx, sortDeepestFirst(batch), newParents, &curBatch, &iterations, &deletionsSinceLog); err != nil {
			return err
		}
	}
	return nil
}

// runBatches processes dirs in chunks of curBatch, checking memory
// before and after each chunk (a spike during the chunk is only
// visible after it finishes, so both checks are mandatory), shrinking
// curBatch under back-pressure, and logging progress on the configured
// cadence.
func (r *Reaper) runBatches(ctx context.Context, dirs []string, newParents *EmptyDirSet, curBatch, iterations *int, deletionsSinceLog *int64) error {
	for start := 0; start < len(dirs); {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if usageMB, err := r.checkMemoryAndMaybeShrink(ctx, curBatch); err != nil {
			return err
		} else {
			r.stats.ObservePeakMemory(usageMB)
		}

		end := start + *curBatch
		if end > len(dirs) {
			end = len(dirs)
		}
		chunk := dirs[start:end]

		// Deletions within the chunk overlap, each holding a delete slot
		// only for its rmdir. Items never launched because the rate limit
		// filled up mid-chunk are the "unprocessed in this batch" figure;
		// launched ones run to completion.
		var wg sync.WaitGroup
		var deleted atomic.Int64
		launched := 0
		for _, dir := range chunk {
			if r.rateLimited() {
				break
			}
			launched++
			dir := dir
			wg.Add(1)
			go func() {
				defer wg.Done()
				if r.processOne(ctx, dir, newParents) {
					deleted.Add(1)
				}
			}()
		}
		wg.Wait()
		*deletionsSinceLog += deleted.Load()

		if launched < len(chunk) {
			logkit.WithFields(r.logger.Info(), logkit.Fields{
				"unprocessed_in_batch": len(chunk) - launched,
			}).Msg("empty-dir rate limit reached, stopping reap")
			return nil
		}
		start = end

		if usageMB, err := r.checkMemoryAndMaybeShrink(ctx, curBatch); err != nil {
			return err
		} else {
			r.stats.ObservePeakMemory(usageMB)
		}

		*iterations++
		if *iterations%logEveryIterations == 0 || *deletionsSinceLog >= logEveryDeletions {
			snap := r.stats.Snapshot()
			logkit.WithFields(r.logger.Info(), logkit.Fields{
				"iterations":           *iterations,
				"empty_dirs_deleted":   snap.EmptyDirsDeleted,
				"empty_dirs_to_delete": snap.EmptyDirsToDelete,
			}).Msg("empty-dir reap progress")
			*deletionsSinceLog = 0
		}
	}
	return nil
}

// checkMemoryAndMaybeShrink samples memory, shrinking *curBatch under
// mild/hard pressure and returning errkind.MemoryCritical (which the
// orchestrator treats as phase=aborted) on a circuit break — Pass B
// must exit immediately on that signal, never finishing the remaining
// cascade.
func (r *Reaper) checkMemoryAndMaybeShrink(ctx context.Context, curBatch *int) (float64, error) {
	action, usageMB, _ := r.mon.Check(r.src.Clock.Now())
	if action == memmon.ActionNone {
		return usageMB, nil
	}
	if err := r.mon.Apply(ctx, action, usageMB); err != nil {
		return usageMB, err
	}
	if action == memmon.ActionBackpressure {
		r.stats.Add(stats.Delta{MemoryBackpressureEvents: 1})
	}
	factor := memmon.ShrinkFactor(action, r.mon.Ratio(usageMB))
	shrunk := int(float64(r.baseBatchSize) * factor)
	if shrunk < minBatchSize/5 {
		shrunk = minBatchSize / 5
	}
	*curBatch = shrunk
	return usageMB, nil
}

// rateLimited reports whether the configured per-run cap on directories
// considered for deletion has been reached. The cap tracks reserved
// quota (which mirrors EmptyDirsToDelete), so dry-run honors it too.
func (r *Reaper) rateLimited() bool {
	if r.maxPerRun <= 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reserved >= r.maxPerRun
}

// reserveQuota claims one unit of the per-run cap before a deletion is
// attempted, so concurrent chunk workers can never overshoot the limit.
func (r *Reaper) reserveQuota() bool {
	if r.maxPerRun <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reserved >= r.maxPerRun {
		return false
	}
	r.reserved++
	return true
}

// releaseQuota returns a unit claimed by reserveQuota when the deletion
// it backed never counted (rmdir failed or was cancelled).
func (r *Reaper) releaseQuota() {
	if r.maxPerRun <= 0 {
		return
	}
	r.mu.Lock()
	r.reserved--
	r.mu.Unlock()
}

// markProcessed records dir as handled, returning false if some other
// worker got to it first.
func (r *Reaper) markProcessed(dir string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, done := r.processed[dir]; done {
		return false
	}
	r.processed[dir] = struct{}{}
	return true
}

// processOne re-checks dir's emptiness and deletes it if still empty,
// recording its parent as a cascade candidate on success. Returns
// whether a live deletion happened (for the deletion-count log cadence).
func (r *Reaper) processOne(ctx context.Context, dir string, newParents *EmptyDirSet) bool {
	if !r.markProcessed(dir) {
		return false
	}
	if dir == r.rootPath {
		return false
	}

	empty, err := r.src.IsEmptyDir(dir)
	if err != nil || !empty {
		return false
	}

	if !r.reserveQuota() {
		return false
	}

	deleted := false
	if r.dryRun {
		r.stats.Add(stats.Delta{EmptyDirsToDelete: 1})
	} else {
		// The delete slot is held only for the rmdir call itself; the
		// emptiness checks before and after run without it so other
		// deletions can overlap.
		if err := r.fab.Delete.Acquire(ctx, 1); err != nil {
			r.releaseQuota()
			return false
		}
		rmErr := r.src.Rmdir(dir)
		r.fab.Delete.Release(1)
		if rmErr != nil {
			r.releaseQuota()
			return false
		}
		r.stats.Add(stats.Delta{EmptyDirsToDelete: 1, EmptyDirsDeleted: 1})
		r.rates.Record(r.src.Clock.Now(), ratetrack.PhaseReaping, ratetrack.MetricDirs, 1)
		deleted = true
	}

	parent := filepath.Dir(dir)
	if parent == dir || parent == r.rootPath {
		return deleted
	}
	if empty, err := r.src.IsEmptyDir(parent); err == nil && empty {
		// A freshly-childless parent is a newly-found empty dir: count
		// it so empty_dirs_to_delete never overtakes empty_dirs_found.
		if newParents.Add(parent) {
			r.stats.Add(stats.Delta{EmptyDirsFound: 1})
		}
	}
	return deleted
}

// sortDeepestFirst orders paths by descending component count, so
// children are always processed before their parents.
func sortDeepestFirst(paths []string) []string {
	out := append([]string(nil), paths...)
	sort.Slice(out, func(i, j int) bool {
		return depth(out[i]) > depth(out[j])
	})
	return out
}

func depth(path string) int {
	return strings.Count(filepath.Clean(path), string(filepath.Separator))
}
