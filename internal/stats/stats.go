// Package stats holds the single set of run counters every component
// updates through one mutex rather than a lock or atomic per field.
package stats

import (
	"sync"
	"time"
)

// Phase names the run's current stage.
type Phase string

const (
	PhaseStarting Phase = "starting"
	PhaseScanning Phase = "scanning"
	PhaseReaping  Phase = "removing_empty_dirs"
	PhaseComplete Phase = "completed"
	PhaseAborted  Phase = "aborted"
)

// Snapshot is an immutable copy of Stats taken under the lock, safe to
// read and log without further synchronization.
type Snapshot struct {
	FilesScanned             int64
	FilesToPurge             int64
	FilesPurged              int64
	DirsScanned              int64
	SymlinksSkipped          int64
	SpecialFilesSkipped      int64
	EmptyDirsFound           int64
	Errors                   int64
	BytesFreed               int64
	MemoryBackpressureEvents int64
	EmptyDirsToDelete        int64
	EmptyDirsDeleted         int64
	PeakMemoryMB             float64
	Phase                    Phase
	StartTime                time.Time
	ScanEnd                  time.Time
}

// Stats is the mutable, mutex-guarded counter set. Build one with New,
// which sets StartTime.
type Stats struct {
	mu sync.Mutex
	s  Snapshot
}

// New returns a Stats with StartTime set to now and phase "starting".
func New(now time.Time) *Stats {
	st := &Stats{}
	st.s.StartTime = now
	st.s.Phase = PhaseStarting
	return st
}

// Delta names the counters one Add call can increment.
type Delta struct {
	FilesScanned             int64
	FilesToPurge             int64
	FilesPurged              int64
	DirsScanned              int64
	SymlinksSkipped          int64
	SpecialFilesSkipped      int64
	EmptyDirsFound           int64
	Errors                   int64
	BytesFreed               int64
	MemoryBackpressureEvents int64
	EmptyDirsToDelete        int64
	EmptyDirsDeleted         int64
}

// Add applies d to the counters under the lock.
func (st *Stats) Add(d Delta) {
	st.mu.Lock()
	st.s.FilesScanned += d.FilesScanned
	st.s.FilesToPurge += d.FilesToPurge
	st.s.FilesPurged += d.FilesPurged
	st.s.DirsScanned += d.DirsScanned
	st.s.SymlinksSkipped += d.SymlinksSkipped
	st.s.SpecialFilesSkipped += d.SpecialFilesSkipped
	st.s.EmptyDirsFound += d.EmptyDirsFound
	st.s.Errors += d.Errors
	st.s.BytesFreed += d.BytesFreed
	st.s.MemoryBackpressureEvents += d.MemoryBackpressureEvents
	st.s.EmptyDirsToDelete += d.EmptyDirsToDelete
	st.s.EmptyDirsDeleted += d.EmptyDirsDeleted
	st.mu.Unlock()
}

// SetPhase records the run's current phase. Never moves the phase
// backward in the documented lifecycle, but that ordering is the
// orchestrator's responsibility, not enforced here.
func (st *Stats) SetPhase(p Phase) {
	st.mu.Lock()
	st.s.Phase = p
	st.mu.Unlock()
}

// MarkScanEnd records when the scanning phase finished, used to report
// files/sec and dirs/sec excluding time spent reaping empty directories.
func (st *Stats) MarkScanEnd(at time.Time) {
	st.mu.Lock()
	st.s.ScanEnd = at
	st.mu.Unlock()
}

// ObservePeakMemory raises PeakMemoryMB if usageMB exceeds it. Peak
// memory is monotonically non-decreasing for the run's lifetime.
func (st *Stats) ObservePeakMemory(usageMB float64) {
	st.mu.Lock()
	if usageMB > st.s.PeakMemoryMB {
		st.s.PeakMemoryMB = usageMB
	}
	st.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (st *Stats) Snapshot() Snapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s
}

// Elapsed returns now minus StartTime.
func (st *Stats) Elapsed(now time.Time) time.Duration {
	st.mu.Lock()
	defer st.mu.Unlock()
	return now.Sub(st.s.StartTime)
}
