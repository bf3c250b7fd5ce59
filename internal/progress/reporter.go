// Package progress runs a background ticker that wakes every
// progress_interval_seconds, computes instant/short-term/overall/peak
// throughput, and detects a stalled run after two consecutive intervals
// with no forward motion.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/efspurge/efspurge/internal/logkit"
	"github.com/efspurge/efspurge/internal/memmon"
	"github.com/efspurge/efspurge/internal/ratetrack"
	"github.com/efspurge/efspurge/internal/stats"
)

// Phase mirrors the orchestrator's current stage, used to pick which
// counters the snapshot leads with.
type Phase string

const (
	PhaseScanning Phase = "scanning"
	PhaseReaping  Phase = "removing_empty_dirs"
)

// Snapshot is the terse, INFO-level progress line.
type Snapshot struct {
	ElapsedSeconds           float64
	Phase                    Phase
	Errors                   int64
	MemoryBackpressureEvents int64
	FilesScanned             int64
	FilesPurged              int64
	FilesToPurge             int64
	DirsScanned              int64
	DirsPurged               int64
	DirsToPurge              int64
	FilesPerSecond           float64
	DirsPerSecond            float64
	MemoryMB                 float64
	MemoryUsagePercent       float64
}

// DetailedSnapshot augments Snapshot with the DEBUG-only breakdown:
// windowed rates, per-phase rates, peak rates, and concurrency
// utilization.
type DetailedSnapshot struct {
	Snapshot

	FilesPerSecondInstant float64
	DirsPerSecondInstant  float64
	FilesPerSecondShort   float64
	DirsPerSecondShort    float64

	ScanningFilesPerSecond float64
	ScanningDirsPerSecond  float64
	DeletionFilesPerSecond float64
	EmptyDirsPerSecond     float64

	PeakFilesPerSecond        float64
	PeakDirsPerSecond         float64
	PeakFilesDeletedPerSecond float64
	PeakEmptyDirsPerSecond    float64

	ActiveTasks                   int
	MaxActiveTasks                int
	AvailableConcurrencySlots     int
	ConcurrencyUtilizationPercent float64
}

// ActiveDirsProvider exposes a snapshot of directories currently being
// scanned, for stuck-detection diagnostics.
type ActiveDirsProvider interface {
	Snapshot(limit int) []string
	Count() int
}

// Reporter owns the periodic ticker and stuck-progress state.
type Reporter struct {
	stats  *stats.Stats
	rates  *ratetrack.Tracker
	mon    *memmon.Monitor
	active ActiveDirsProvider

	interval      time.Duration
	memoryLimitMB int64
	logger        zerolog.Logger
	onStuck       func()

	// mu serializes ticks against MarkScanningDone and the shutdown
	// Finish call, keeping the reporter the sole progress emitter.
	mu               sync.Mutex
	scanningEndTime  *time.Time
	lastFilesScanned int64
	lastDirsScanned  int64
	lastEmptyDirsDel int64
	stuckCount       int
	finished         bool
}

// Options configures a Reporter.
type Options struct {
	Stats         *stats.Stats
	Rates         *ratetrack.Tracker
	Monitor       *memmon.Monitor
	ActiveDirs    ActiveDirsProvider
	Interval      time.Duration
	MemoryLimitMB int
	Logger        zerolog.Logger
	// OnStuck fires once per interval after two or more consecutive
	// intervals without progress, letting the walker shrink its batches.
	OnStuck func()
}

// New builds a Reporter.
func New(opts Options) *Reporter {
	return &Reporter{
		stats:         opts.Stats,
		rates:         opts.Rates,
		mon:           opts.Monitor,
		active:        opts.ActiveDirs,
		interval:      opts.Interval,
		memoryLimitMB: int64(opts.MemoryLimitMB),
		logger:        opts.Logger,
		onStuck:       opts.OnStuck,
	}
}

// MarkScanningDone records when the scan phase ended, so later rate
// calculations use scan duration rather than total elapsed time
// (excluding time spent reaping empty directories).
func (r *Reporter) MarkScanningDone(at time.Time) {
	r.mu.Lock()
	r.scanningEndTime = &at
	r.mu.Unlock()
}

// Run blocks, emitting a snapshot every interval, until ctx is canceled.
// phaseFn reports the orchestrator's current phase at tick time.
func (r *Reporter) Run(ctx context.Context, phaseFn func() Phase) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.tick(now, phaseFn())
		}
	}
}

// Finish emits one last snapshot at shutdown, tagged with the run's
// terminal phase (completed or aborted) and its total error count, as
// the sole emitter — no other code path logs a progress line after
// this call.
func (r *Reporter) Finish(now time.Time, phase Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = true
	snap := r.build(now, phase)
	r.logSnapshot(snap)
}

func (r *Reporter) tick(now time.Time, phase Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	snap := r.build(now, phase)
	r.logSnapshot(snap)
	r.checkStuck(snap)
}

// build computes a Snapshot plus the DEBUG-only detail for the given
// instant; logSnapshot decides by log level which detail fields are
// emitted. Callers hold r.mu.
func (r *Reporter) build(now time.Time, phase Phase) DetailedSnapshot {
	s := r.stats.Snapshot()
	elapsed := now.Sub(s.StartTime).Seconds()

	var filesPerSec, dirsPerSec float64
	if r.scanningEndTime != nil {
		dur := r.scanningEndTime.Sub(s.StartTime).Seconds()
		if dur > 0 {
			filesPerSec = float64(s.FilesScanned) / dur
			dirsPerSec = float64(s.DirsScanned) / dur
		}
	} else if elapsed > 0 {
		filesPerSec = float64(s.FilesScanned) / elapsed
		dirsPerSec = float64(s.DirsScanned) / elapsed
	}

	memoryMB := r.mon.UsageMB()
	r.stats.ObservePeakMemory(memoryMB)
	memoryPercent := 0.0
	if r.memoryLimitMB > 0 {
		memoryPercent = memoryMB / float64(r.memoryLimitMB) * 100
	}

	r.rates.UpdatePeak(now, "files_per_second", filesPerSec)
	r.rates.UpdatePeak(now, "dirs_per_second", dirsPerSec)
	deletionRate := r.rates.PhaseRate(now, ratetrack.PhaseDeletion, ratetrack.MetricFiles)
	reapRate := r.rates.PhaseRate(now, ratetrack.PhaseReaping, ratetrack.MetricDirs)
	if deletionRate > 0 {
		r.rates.UpdatePeak(now, "files_deleted_per_second", deletionRate)
	}
	if reapRate > 0 {
		r.rates.UpdatePeak(now, "empty_dirs_per_second", reapRate)
	}

	base := Snapshot{
		ElapsedSeconds:           round1(elapsed),
		Phase:                    phase,
		Errors:                   s.Errors,
		MemoryBackpressureEvents: s.MemoryBackpressureEvents,
		FilesPerSecond:           round1(filesPerSec),
		DirsPerSecond:            round1(dirsPerSec),
		MemoryMB:                 round1(memoryMB),
		MemoryUsagePercent:       round1(memoryPercent),
	}

	if phase == PhaseReaping {
		base.DirsPurged = s.EmptyDirsDeleted
		base.DirsToPurge = s.EmptyDirsToDelete
	} else {
		base.FilesScanned = s.FilesScanned
		base.FilesPurged = s.FilesPurged
		base.DirsScanned = s.DirsScanned
		if s.FilesToPurge > 0 {
			base.FilesToPurge = s.FilesToPurge
		}
	}

	return DetailedSnapshot{
		Snapshot:                   base,
		FilesPerSecondInstant:      round1(r.rates.WindowRate(now, ratetrack.PhaseScanning, ratetrack.MetricFiles, 10*time.Second)),
		DirsPerSecondInstant:       round1(r.rates.WindowRate(now, ratetrack.PhaseScanning, ratetrack.MetricDirs, 10*time.Second)),
		FilesPerSecondShort:        round1(r.rates.WindowRate(now, ratetrack.PhaseScanning, ratetrack.MetricFiles, 60*time.Second)),
		DirsPerSecondShort:         round1(r.rates.WindowRate(now, ratetrack.PhaseScanning, ratetrack.MetricDirs, 60*time.Second)),
		ScanningFilesPerSecond:     round1(r.rates.PhaseRate(now, ratetrack.PhaseScanning, ratetrack.MetricFiles)),
		ScanningDirsPerSecond:      round1(r.rates.PhaseRate(now, ratetrack.PhaseScanning, ratetrack.MetricDirs)),
		DeletionFilesPerSecond:     round1(deletionRate),
		EmptyDirsPerSecond:         round1(reapRate),
		PeakFilesPerSecond:         round1(r.rates.Peak("files_per_second")),
		PeakDirsPerSecond:          round1(r.rates.Peak("dirs_per_second")),
		PeakFilesDeletedPerSecond:  round1(r.rates.Peak("files_deleted_per_second")),
		PeakEmptyDirsPerSecond:     round1(r.rates.Peak("empty_dirs_per_second")),
	}
}

func (r *Reporter) logSnapshot(d DetailedSnapshot) {
	e := r.logger.Info()
	fields := logkit.Fields{
		"elapsed_seconds":            d.ElapsedSeconds,
		"phase":                      string(d.Phase),
		"errors":                     d.Errors,
		"memory_backpressure_events": d.MemoryBackpressureEvents,
		"files_per_second":           d.FilesPerSecond,
		"dirs_per_second":            d.DirsPerSecond,
		"memory_mb":                  d.MemoryMB,
		"memory_usage_percent":       d.MemoryUsagePercent,
	}
	if d.Phase == PhaseReaping {
		fields["dirs_purged"] = d.DirsPurged
		fields["dirs_to_purge"] = d.DirsToPurge
	} else {
		fields["files_scanned"] = d.FilesScanned
		fields["files_purged"] = d.FilesPurged
		fields["dirs_scanned"] = d.DirsScanned
		if d.FilesToPurge > 0 {
			fields["files_to_purge"] = d.FilesToPurge
		}
	}

	if r.logger.GetLevel() <= zerolog.DebugLevel {
		fields["files_per_second_instant"] = d.FilesPerSecondInstant
		fields["dirs_per_second_instant"] = d.DirsPerSecondInstant
		fields["files_per_second_short"] = d.FilesPerSecondShort
		fields["dirs_per_second_short"] = d.DirsPerSecondShort
		fields["scanning_files_per_second"] = d.ScanningFilesPerSecond
		fields["scanning_dirs_per_second"] = d.ScanningDirsPerSecond
		fields["deletion_files_per_second"] = d.DeletionFilesPerSecond
		fields["empty_dirs_per_second"] = d.EmptyDirsPerSecond
		fields["peak_files_per_second"] = d.PeakFilesPerSecond
		fields["peak_dirs_per_second"] = d.PeakDirsPerSecond
		fields["peak_files_deleted_per_second"] = d.PeakFilesDeletedPerSecond
		fields["peak_empty_dirs_per_second"] = d.PeakEmptyDirsPerSecond
	}

	logkit.WithFields(e, fields).Msg("progress update")
}

func (r *Reporter) checkStuck(d DetailedSnapshot) {
	if d.Phase == PhaseReaping {
		if d.DirsPurged == r.lastEmptyDirsDel {
			r.stuckCount++
			logkit.WithFields(r.logger.Warn(), logkit.Fields{
				"stuck_intervals":      r.stuckCount,
				"empty_dirs_deleted":   d.DirsPurged,
				"empty_dirs_to_delete": d.DirsToPurge,
			}).Msg("possible hang detected during empty directory removal")
		} else {
			r.stuckCount = 0
		}
		r.lastEmptyDirsDel = d.DirsPurged
		return
	}

	if d.FilesScanned == r.lastFilesScanned && d.DirsScanned == r.lastDirsScanned {
		r.stuckCount++
		logkit.WithFields(r.logger.Warn(), logkit.Fields{
			"stuck_intervals":          r.stuckCount,
			"active_directories_count": r.active.Count(),
			"directories":              r.active.Snapshot(10),
		}).Msg("possible hang detected: no scanning progress")
		if r.stuckCount >= 2 && r.onStuck != nil {
			r.onStuck()
		}
	} else {
		r.stuckCount = 0
	}
	r.lastFilesScanned = d.FilesScanned
	r.lastDirsScanned = d.DirsScanned
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
