// Package fabric is the scheduling fabric: three independent counting
// semaphores (scan, delete, subdir) that bound how much concurrent work
// each phase can have in flight. The legacy single-knob alias that sets
// scan and delete together is resolved beforehand by
// config.ResolveConcurrency.
package fabric

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Fabric owns the three weighted semaphores the walker, pipeline, and
// reaper acquire from.
type Fabric struct {
	Scan   *semaphore.Weighted
	Delete *semaphore.Weighted
	Subdir *semaphore.Weighted

	scanSlots   int64
	deleteSlots int64
	subdirSlots int64
}

// New builds a Fabric sized from the resolved scan/delete slot counts
// and the subdir slot count.
func New(scanSlots, deleteSlots, subdirSlots int) *Fabric {
	return &Fabric{
		Scan:        semaphore.NewWeighted(int64(scanSlots)),
		Delete:      semaphore.NewWeighted(int64(deleteSlots)),
		Subdir:      semaphore.NewWeighted(int64(subdirSlots)),
		scanSlots:   int64(scanSlots),
		deleteSlots: int64(deleteSlots),
		subdirSlots: int64(subdirSlots),
	}
}

// ScanSlots returns the configured scan concurrency limit.
func (f *Fabric) ScanSlots() int64 { return f.scanSlots }

// DeleteSlots returns the configured delete concurrency limit.
func (f *Fabric) DeleteSlots() int64 { return f.deleteSlots }

// SubdirSlots returns the configured subdir concurrency limit.
func (f *Fabric) SubdirSlots() int64 { return f.subdirSlots }

// subdirHeldKey marks, in a context, that the calling goroutine's
// ancestor already holds a subdir slot — used by the walker to decide
// whether a blocking acquire for a nested directory could deadlock.
// semaphore.Weighted exposes no holder introspection, so the fabric
// threads this marker through the context instead.
type subdirHeldKey struct{}

// MarkSubdirHeld returns a context recording that the current call
// chain already holds a subdir slot.
func MarkSubdirHeld(ctx context.Context) context.Context {
	return context.WithValue(ctx, subdirHeldKey{}, true)
}

// SubdirHeld reports whether ctx was produced by MarkSubdirHeld anywhere
// up its chain.
func SubdirHeld(ctx context.Context) bool {
	held, _ := ctx.Value(subdirHeldKey{}).(bool)
	return held
}

// DirReaderPoolSize computes the bounded blocking-call worker pool size
// for the directory reader: max(32, min(500, subdirSlots/10)).
func DirReaderPoolSize(subdirSlots int) int {
	size := subdirSlots / 10
	if size > 500 {
		size = 500
	}
	if size < 32 {
		size = 32
	}
	return size
}
