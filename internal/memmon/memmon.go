// Package memmon samples this process's resident set size and turns it
// into three graduated responses: mild batch shrink past the soft
// ratio, back-pressure (pause + GC + aggressive shrink) past the hard
// ratio, and a circuit-break abort past the circuit ratio or an
// absolute memory_limit_mb ceiling.
package memmon

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/efspurge/efspurge/internal/errkind"
)

// Action is the back-pressure response the caller should take after a
// Check call.
type Action int

const (
	// ActionNone means memory usage is below the soft ratio; proceed
	// normally.
	ActionNone Action = iota
	// ActionMildShrink means usage crossed the soft ratio; shrink the
	// next batch size by ShrinkFactorMild.
	ActionMildShrink
	// ActionBackpressure means usage crossed the hard ratio; pause,
	// force a GC, and shrink by ShrinkFactorHard.
	ActionBackpressure
	// ActionCircuitBreak means usage crossed the circuit ratio (or the
	// absolute limit) and the run must abort.
	ActionCircuitBreak
)

const (
	// ShrinkFactorMild is applied to the task batch size past the soft
	// ratio.
	ShrinkFactorMild = 0.75
	// ShrinkFactorHard is applied past the hard ratio.
	ShrinkFactorHard = 0.5
	// ShrinkFactorSevere is applied when usage has climbed past the soft
	// limit itself (ratio > 1.0), not just past the hard ratio.
	ShrinkFactorSevere = 0.25

	backpressurePause = 100 * time.Millisecond
	warnInterval      = 60 * time.Second
)

// Thresholds holds the three ratio cutoffs plus the absolute ceiling.
type Thresholds struct {
	SoftRatio    float64 // e.g. 0.70
	HardRatio    float64 // e.g. 0.85
	CircuitRatio float64 // e.g. 0.95
	LimitMB      int64   // 0 disables all checks
}

// Sampler reports the current process RSS in bytes. Production code
// uses processSampler (gopsutil); tests inject a fake.
type Sampler interface {
	RSSBytes() (uint64, error)
}

type processSampler struct {
	proc *process.Process
}

// NewProcessSampler returns a Sampler backed by gopsutil's process info
// for the current PID.
func NewProcessSampler() (Sampler, error) {
	p, err := process.NewProcess(int32(processPID()))
	if err != nil {
		return nil, err
	}
	return &processSampler{proc: p}, nil
}

func (s *processSampler) RSSBytes() (uint64, error) {
	mi, err := s.proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return mi.RSS, nil
}

// Monitor tracks memory pressure across a run and decides what action,
// if any, each component should take.
type Monitor struct {
	sampler    Sampler
	thresholds Thresholds

	mu         sync.Mutex
	lastWarnAt time.Time
}

// New builds a Monitor. If thresholds.LimitMB is 0, Check always returns
// ActionNone without sampling.
func New(sampler Sampler, thresholds Thresholds) *Monitor {
	return &Monitor{sampler: sampler, thresholds: thresholds}
}

// UsageMB returns the current RSS in megabytes, or 0 if sampling fails.
func (m *Monitor) UsageMB() float64 {
	if m.sampler == nil {
		return 0
	}
	rss, err := m.sampler.RSSBytes()
	if err != nil {
		return 0
	}
	return float64(rss) / (1024 * 1024)
}

// Check samples memory and returns the action to take, asking for a log
// line (via the returned warn bool) at most once per warnInterval.
func (m *Monitor) Check(now time.Time) (action Action, usageMB float64, shouldWarn bool) {
	if m.thresholds.LimitMB <= 0 {
		return ActionNone, 0, false
	}

	usageMB = m.UsageMB()
	ratio := usageMB / float64(m.thresholds.LimitMB)

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case ratio >= m.thresholds.CircuitRatio:
		action = ActionCircuitBreak
	case ratio >= m.thresholds.HardRatio:
		action = ActionBackpressure
	case ratio >= m.thresholds.SoftRatio:
		action = ActionMildShrink
	default:
		action = ActionNone
	}

	if action != ActionNone && now.Sub(m.lastWarnAt) >= warnInterval {
		shouldWarn = true
		m.lastWarnAt = now
	}

	return action, usageMB, shouldWarn
}

// Ratio converts an RSS sample to its fraction of the soft limit, 0 when
// memory checks are disabled.
func (m *Monitor) Ratio(usageMB float64) float64 {
	if m.thresholds.LimitMB <= 0 {
		return 0
	}
	return usageMB / float64(m.thresholds.LimitMB)
}

// Apply executes the side effects of action: a brief pause plus a forced
// GC for back-pressure, nothing for a mild shrink (the caller just
// shrinks its next batch), and returns an errkind.MemoryCritical error
// for a circuit break so the orchestrator can abort the run.
func (m *Monitor) Apply(ctx context.Context, action Action, usageMB float64) error {
	switch action {
	case ActionBackpressure:
		select {
		case <-time.After(backpressurePause):
		case <-ctx.Done():
			return ctx.Err()
		}
		debug.FreeOSMemory()
		runtime.GC()
	case ActionCircuitBreak:
		return errkind.Wrapf(errkind.MemoryCritical,
			"memory usage %.1fMB crossed the circuit-break threshold", usageMB)
	}
	return nil
}

// ShrinkFactor returns the batch-size multiplier for action, 1.0 for
// ActionNone/ActionCircuitBreak (the latter aborts before batching
// matters). usageRatio past 1.0 escalates a back-pressure shrink from
// ×0.5 to ×0.25.
func ShrinkFactor(action Action, usageRatio float64) float64 {
	switch action {
	case ActionMildShrink:
		return ShrinkFactorMild
	case ActionBackpressure:
		if usageRatio > 1.0 {
			return ShrinkFactorSevere
		}
		return ShrinkFactorHard
	default:
		return 1.0
	}
}
