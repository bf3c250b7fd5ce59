// Package dirreader bounds the number of concurrent blocking directory
// listings with a fixed-size goroutine pool, so a flood of subdirectory
// scans can't spin up an unbounded number of OS threads doing
// synchronous readdir calls against a slow network filesystem.
package dirreader

import (
	"context"
	"fmt"

	"github.com/panjf2000/ants/v2"

	"github.com/efspurge/efspurge/internal/fsx"
)

// Reader lists directories through a bounded worker pool.
type Reader struct {
	src  *fsx.Source
	pool *ants.Pool
}

// New builds a Reader with the given pool size (see
// fabric.DirReaderPoolSize for how that size is derived from
// subdir_slots).
func New(src *fsx.Source, poolSize int) (*Reader, error) {
	pool, err := ants.NewPool(poolSize, ants.WithPreAlloc(false))
	if err != nil {
		return nil, fmt.Errorf("dirreader: building pool: %w", err)
	}
	return &Reader{src: src, pool: pool}, nil
}

// Release tears down the worker pool.
func (r *Reader) Release() {
	r.pool.Release()
}

type listResult struct {
	entries []fsx.Entry
	err     error
}

// List lists dir's entries on a pool worker, returning once the listing
// completes or ctx is canceled.
func (r *Reader) List(ctx context.Context, dir string) ([]fsx.Entry, error) {
	resultCh := make(chan listResult, 1)

	err := r.pool.Submit(func() {
		entries, err := r.src.ListDir(dir)
		resultCh <- listResult{entries: entries, err: err}
	})
	if err != nil {
		return nil, fmt.Errorf("dirreader: submitting %s: %w", dir, err)
	}

	select {
	case res := <-resultCh:
		return res.entries, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
