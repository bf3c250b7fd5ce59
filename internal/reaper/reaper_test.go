package reaper

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efspurge/efspurge/internal/fabric"
	"github.com/efspurge/efspurge/internal/fsx"
	"github.com/efspurge/efspurge/internal/memmon"
	"github.com/efspurge/efspurge/internal/ratetrack"
	"github.com/efspurge/efspurge/internal/stats"
)

type zeroSampler struct{}

func (zeroSampler) RSSBytes() (uint64, error) { return 0, nil }

func newTestReaper(t *testing.T, root string, dryRun bool, maxPerRun int) (*Reaper, *stats.Stats) {
	t.Helper()
	src := &fsx.Source{Fs: afero.NewOsFs(), Clock: fsx.RealClock{}}
	st := stats.New(time.Now())
	rates := ratetrack.New()
	fab := fabric.New(10, 10, 10)
	mon := memmon.New(zeroSampler{}, memmon.Thresholds{LimitMB: 0})
	r := New(src, st, rates, fab, mon, zerolog.Nop(), root, dryRun, maxPerRun)
	return r, st
}

// TestPostOrderReap: a single empty leaf chain R/a/b/c should delete c,
// then b, then a, leaving R behind.
func TestPostOrderReap(t *testing.T) {
	root := t.TempDir()
	leaf := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(leaf, 0o755))

	r, st := newTestReaper(t, root, false, 0)
	require.NoError(t, r.Run(context.Background(), []string{leaf}))

	snap := st.Snapshot()
	assert.Equal(t, int64(3), snap.EmptyDirsDeleted)
	assert.Equal(t, int64(3), snap.EmptyDirsToDelete)
	assert.DirExists(t, root)
	assert.NoDirExists(t, filepath.Join(root, "a"))
}

// TestRateLimitedReapLeavesRemainder: 10 empty leaves with a rate limit
// of 3 deletes exactly 3 and leaves 7.
func TestRateLimitedReapLeavesRemainder(t *testing.T) {
	root := t.TempDir()
	var leaves []string
	for i := 0; i < 10; i++ {
		leaf := filepath.Join(root, fmt.Sprintf("leaf-%d", i))
		require.NoError(t, os.MkdirAll(leaf, 0o755))
		leaves = append(leaves, leaf)
	}

	r, st := newTestReaper(t, root, false, 3)
	require.NoError(t, r.Run(context.Background(), leaves))

	snap := st.Snapshot()
	assert.Equal(t, int64(3), snap.EmptyDirsToDelete)
	assert.Equal(t, int64(3), snap.EmptyDirsDeleted)

	remaining := 0
	for _, leaf := range leaves {
		if _, err := os.Stat(leaf); err == nil {
			remaining++
		}
	}
	assert.Equal(t, 7, remaining)
}

func TestDryRunReapDeletesNothing(t *testing.T) {
	root := t.TempDir()
	leaf := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(leaf, 0o755))

	r, st := newTestReaper(t, root, true, 0)
	require.NoError(t, r.Run(context.Background(), []string{leaf}))

	// Dry-run never actually removes "b", so "a" never becomes empty and
	// the cascade never reaches it: only the originally-found leaf is
	// counted.
	snap := st.Snapshot()
	assert.Equal(t, int64(1), snap.EmptyDirsToDelete)
	assert.Equal(t, int64(0), snap.EmptyDirsDeleted)
	assert.DirExists(t, leaf)
	assert.DirExists(t, filepath.Join(root, "a"))
}

func TestRootNeverDeleted(t *testing.T) {
	root := t.TempDir()
	r, st := newTestReaper(t, root, false, 0)
	require.NoError(t, r.Run(context.Background(), []string{root}))
	assert.DirExists(t, root)
	assert.Equal(t, int64(0), st.Snapshot().EmptyDirsDeleted)
}

func TestNonEmptyDirIsSkipped(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "has-file")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.txt"), []byte("x"), 0o644))

	r, st := newTestReaper(t, root, false, 0)
	require.NoError(t, r.Run(context.Background(), []string{dir}))

	assert.DirExists(t, dir)
	assert.Equal(t, int64(0), st.Snapshot().EmptyDirsDeleted)
}
