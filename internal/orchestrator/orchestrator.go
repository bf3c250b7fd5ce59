// Package orchestrator wires the walker, pipeline, reaper, memory
// monitor, and progress reporter together into the single Purge
// entrypoint the CLI (and anything else embedding this module) calls.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/efspurge/efspurge/internal/config"
	"github.com/efspurge/efspurge/internal/dirreader"
	"github.com/efspurge/efspurge/internal/errkind"
	"github.com/efspurge/efspurge/internal/fabric"
	"github.com/efspurge/efspurge/internal/fsx"
	"github.com/efspurge/efspurge/internal/logkit"
	"github.com/efspurge/efspurge/internal/memmon"
	"github.com/efspurge/efspurge/internal/pipeline"
	"github.com/efspurge/efspurge/internal/progress"
	"github.com/efspurge/efspurge/internal/ratetrack"
	"github.com/efspurge/efspurge/internal/reaper"
	"github.com/efspurge/efspurge/internal/safety"
	"github.com/efspurge/efspurge/internal/stats"
	"github.com/efspurge/efspurge/internal/walker"
)

// Result is what Purge returns alongside its error: the final
// statistics and the run's wall-clock duration.
type Result struct {
	Stats    stats.Snapshot
	Duration time.Duration
}

// Purge runs one complete purge: validate, walk and delete eligible
// files, optionally reap empty directories, and report final stats.
// src and sampler let callers inject fakes for testing; pass nil for
// both in production to get the real filesystem, clock, and memory
// sampler.
func Purge(ctx context.Context, cfg config.Config, logger zerolog.Logger, src *fsx.Source, sampler memmon.Sampler) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}

	root, err := safety.CheckRoot(cfg.RootPath)
	if err != nil {
		return Result{}, err
	}

	if src == nil {
		src = fsx.NewOS()
	}
	if sampler == nil {
		s, serr := memmon.NewProcessSampler()
		if serr != nil {
			return Result{}, errkind.Wrapf(errkind.UnexpectedIoFailure, "initializing memory sampler: %v", serr)
		}
		sampler = s
	}

	if _, err := src.Fs.Stat(root); err != nil {
		return Result{}, errkind.Wrapf(errkind.ConfigInvalid, "root path does not exist: %s", root)
	}

	scanSlots, deleteSlots, usedLegacy := cfg.ResolveConcurrency()
	if usedLegacy {
		logkit.WithFields(logger.Warn(), logkit.Fields{"max_concurrency": cfg.MaxConcurrency}).
			Msg("max_concurrency is deprecated; use max_concurrency_scanning and max_concurrency_deletion")
	}

	now := src.Clock.Now()
	cutoff := now.Add(-time.Duration(cfg.MaxAgeDays * float64(24*time.Hour)))

	st := stats.New(now)
	rates := ratetrack.New()
	rates.SetPhaseStart(now, ratetrack.PhaseScanning)

	mon := memmon.New(sampler, memmon.Thresholds{
		SoftRatio:    cfg.MemorySoftRatio,
		HardRatio:    cfg.MemoryHardRatio,
		CircuitRatio: cfg.MemoryCircuitRatio,
		LimitMB:      int64(cfg.MemoryLimitMB),
	})

	fab := fabric.New(scanSlots, deleteSlots, cfg.SubdirSlots)

	reader, err := dirreader.New(src, fabric.DirReaderPoolSize(cfg.SubdirSlots))
	if err != nil {
		return Result{}, errkind.Wrapf(errkind.UnexpectedIoFailure, "building directory reader: %v", err)
	}
	defer reader.Release()

	pipe := pipeline.New(src, fab.Scan, fab.Delete, st, rates, logger, cutoff, cfg.DryRun)

	w := walker.New(walker.Options{
		Source:          src,
		Reader:          reader,
		Fabric:          fab,
		Pipeline:        pipe,
		Stats:           st,
		Rates:           rates,
		Monitor:         mon,
		Logger:          logger,
		RemoveEmptyDirs: cfg.RemoveEmptyDirs,
		TaskBatchSize:   cfg.TaskBatchSize,
	})

	reporter := progress.New(progress.Options{
		Stats:         st,
		Rates:         rates,
		Monitor:       mon,
		ActiveDirs:    w.ActiveDirs(),
		Interval:      time.Duration(cfg.ProgressIntervalSeconds) * time.Second,
		MemoryLimitMB: cfg.MemoryLimitMB,
		Logger:        logger,
		OnStuck:       w.ShrinkBatch,
	})

	mode := "PURGE"
	if cfg.DryRun {
		mode = "DRY RUN"
	}
	logkit.WithFields(logger.Info(), logkit.Fields{
		"version":                cfg.Version,
		"root_path":              root,
		"max_age_days":           cfg.MaxAgeDays,
		"mode":                   mode,
		"scan_slots":             scanSlots,
		"delete_slots":           deleteSlots,
		"subdir_slots":           cfg.SubdirSlots,
		"dir_reader_pool_size":   fabric.DirReaderPoolSize(cfg.SubdirSlots),
		"task_batch_size":        cfg.TaskBatchSize,
		"remove_empty_dirs":      cfg.RemoveEmptyDirs,
		"max_empty_dirs_per_run": cfg.MaxEmptyDirsPerRun,
		"memory_limit_mb":        cfg.MemoryLimitMB,
		"log_level":              cfg.LogLevel,
	}).Msg("starting purge")

	if cfg.MaxEmptyDirsPerRun == 0 && cfg.RemoveEmptyDirs {
		suggested := int(float64(cfg.MemoryLimitMB) * 0.70 / reaper.PerPathOverheadMB)
		logkit.WithFields(logger.Warn(), logkit.Fields{"suggested_max_empty_dirs_per_run": suggested}).
			Msg("max_empty_dirs_per_run is unlimited; consider capping it near 70% of memory_limit_mb divided by the per-path overhead")
	}

	reportCtx, stopReporter := context.WithCancel(ctx)
	st.SetPhase(stats.PhaseScanning)
	go reporter.Run(reportCtx, func() progress.Phase { return progress.Phase(st.Snapshot().Phase) })

	start := src.Clock.Now()
	walkErr := w.Walk(ctx, root)
	scanEnd := src.Clock.Now()
	st.MarkScanEnd(scanEnd)
	reporter.MarkScanningDone(scanEnd)
	rates.SetPhaseStart(scanEnd, ratetrack.PhaseReaping)

	var reapErr error
	if walkErr == nil && cfg.RemoveEmptyDirs {
		st.SetPhase(stats.PhaseReaping)
		rp := reaper.New(src, st, rates, fab, mon, logger, root, cfg.DryRun, cfg.MaxEmptyDirsPerRun)
		reapErr = rp.Run(ctx, w.EmptyDirs().Snapshot())
	}

	stopReporter()

	duration := src.Clock.Now().Sub(start)

	if errkind.Classify(walkErr) == errkind.MemoryCritical || errkind.Classify(reapErr) == errkind.MemoryCritical {
		st.SetPhase(stats.PhaseAborted)
	} else {
		st.SetPhase(stats.PhaseComplete)
	}
	snap := st.Snapshot()
	reporter.Finish(src.Clock.Now(), progress.Phase(snap.Phase))

	// Overall throughput covers the scanning phase only; folding reap
	// time in would hide the scanning rate.
	scanSeconds := scanEnd.Sub(start).Seconds()
	var filesPerSec, dirsPerSec float64
	if scanSeconds > 0 {
		filesPerSec = float64(snap.FilesScanned) / scanSeconds
		dirsPerSec = float64(snap.DirsScanned) / scanSeconds
	}

	final := logkit.Fields{
		"duration_seconds":           duration.Seconds(),
		"scan_seconds":               scanSeconds,
		"phase":                      string(snap.Phase),
		"files_scanned":              snap.FilesScanned,
		"files_to_purge":             snap.FilesToPurge,
		"files_purged":               snap.FilesPurged,
		"dirs_scanned":               snap.DirsScanned,
		"symlinks_skipped":           snap.SymlinksSkipped,
		"special_files_skipped":      snap.SpecialFilesSkipped,
		"empty_dirs_found":           snap.EmptyDirsFound,
		"empty_dirs_to_delete":       snap.EmptyDirsToDelete,
		"empty_dirs_deleted":         snap.EmptyDirsDeleted,
		"errors":                     snap.Errors,
		"bytes_freed":                snap.BytesFreed,
		"memory_backpressure_events": snap.MemoryBackpressureEvents,
		"peak_memory_mb":             snap.PeakMemoryMB,
		"files_per_second":           filesPerSec,
		"dirs_per_second":            dirsPerSec,
	}
	if snap.Phase == stats.PhaseAborted {
		reason := walkErr
		if reason == nil {
			reason = reapErr
		}
		final["abort_reason"] = reason.Error()
	}
	logkit.WithFields(logger.Info(), final).Msg("purge operation completed")

	result := Result{Stats: snap, Duration: duration}

	if walkErr != nil {
		return result, fmt.Errorf("walk failed: %w", walkErr)
	}
	if reapErr != nil {
		return result, fmt.Errorf("empty directory reap failed: %w", reapErr)
	}
	return result, nil
}
