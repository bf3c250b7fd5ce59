package walker

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

	"github.com/efspurge/efspurge/internal/dirreader"
	"github.com/efspurge/efspurge/internal/fabric"
	"github.com/efspurge/efspurge/internal/fsx"
	"github.com/efspurge/efspurge/internal/memmon"
	"github.com/efspurge/efspurge/internal/pipeline"
	"github.com/efspurge/efspurge/internal/ratetrack"
	"github.com/efspurge/efspurge/internal/stats"
)

type zeroSampler struct{}

func (zeroSampler) RSSBytes() (uint64, error) { return 0, nil }

func newTestWalker(t *testing.T, cutoffAge time.Duration, removeEmptyDirs bool) (*Walker, *stats.Stats) {
	t.Helper()
	src := &fsx.Source{Fs: afero.NewOsFs(), Clock: fsx.RealClock{}}
	st := stats.New(time.Now())
	rates := ratetrack.New()
	fab := fabric.New(10, 10, 4)
	mon := memmon.New(zeroSampler{}, memmon.Thresholds{LimitMB: 0})
	reader, err := dirreader.New(src, 8)
	require.NoError(t, err)
	t.Cleanup(reader.Release)

	cutoff := time.Now().Add(-cutoffAge)
	pipe := pipeline.New(src, fab.Scan, fab.Delete, st, rates, zerolog.Nop(), cutoff, false)

	w := New(Options{
		Source:          src,
		Reader:          reader,
		Fabric:          fab,
		Pipeline:        pipe,
		Stats:           st,
		Rates:           rates,
		Monitor:         mon,
		Logger:          zerolog.Nop(),
		RemoveEmptyDirs: removeEmptyDirs,
		TaskBatchSize:   4,
	})
	return w, st
}

func touch(t *testing.T, path string, age time.Duration) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	when := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, when, when))
}

func TestMixedAgesPurgesOnlyOldFiles(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "a.txt"), 60*24*time.Hour)
	touch(t, filepath.Join(root, "b.txt"), 60*24*time.Hour)
	touch(t, filepath.Join(root, "c.txt"), 10*24*time.Hour)

	w, st := newTestWalker(t, 30*24*time.Hour, false)
	require.NoError(t, w.Walk(context.Background(), root))

	snap := st.Snapshot()
	assert.Equal(t, int64(3), snap.FilesScanned)
	assert.Equal(t, int64(2), snap.FilesToPurge)
	assert.Equal(t, int64(2), snap.FilesPurged)
	assert.Equal(t, int64(0), snap.Errors)
	assert.NoFileExists(t, filepath.Join(root, "a.txt"))
	assert.NoFileExists(t, filepath.Join(root, "b.txt"))
	assert.FileExists(t, filepath.Join(root, "c.txt"))
}

func TestSymlinksAreNeverFollowedOrDeleted(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	touch(t, secret, 0)
	link := filepath.Join(root, "link")
	require.NoError(t, os.Symlink(outside, link))

	w, st := newTestWalker(t, 0, false)
	require.NoError(t, w.Walk(context.Background(), root))

	snap := st.Snapshot()
	assert.Equal(t, int64(1), snap.SymlinksSkipped)
	assert.Equal(t, int64(0), snap.FilesScanned)
	assert.Equal(t, int64(0), snap.FilesPurged)
	assert.FileExists(t, secret)
}

func TestEmptyRootProducesZeroCounters(t *testing.T) {
	root := t.TempDir()
	w, st := newTestWalker(t, 30*24*time.Hour, true)
	require.NoError(t, w.Walk(context.Background(), root))

	snap := st.Snapshot()
	assert.Equal(t, int64(0), snap.FilesScanned)
	assert.Equal(t, int64(1), snap.DirsScanned)
	assert.Equal(t, 0, w.EmptyDirs().Len())
}

func TestNestedEmptyDirIsCollectedOnce(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	w, st := newTestWalker(t, 30*24*time.Hour, true)
	require.NoError(t, w.Walk(context.Background(), root))

	// Only the leaf is empty at walk time; "a" still contains "b" and
	// only becomes a candidate through the reaper's cascade.
	assert.Contains(t, w.EmptyDirs().Snapshot(), nested)
	assert.NotContains(t, w.EmptyDirs().Snapshot(), root)
	assert.Equal(t, int64(1), st.Snapshot().EmptyDirsFound)
}

// TestDeepTreeWalkDoesNotDeadlock builds a tree whose fan-out exceeds
// the 4 subdir slots at every level, so nested frames must either win a
// permit with a non-blocking acquire or take the sequential path rather
// than wait on a permit an ancestor holds.
func TestDeepTreeWalkDoesNotDeadlock(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			for k := 0; k < 6; k++ {
				leaf := filepath.Join(root,
					fmt.Sprintf("a%d", i), fmt.Sprintf("b%d", j), fmt.Sprintf("c%d", k))
				require.NoError(t, os.MkdirAll(leaf, 0o755))
			}
		}
	}

	w, st := newTestWalker(t, 30*24*time.Hour, true)
	require.NoError(t, w.Walk(context.Background(), root))

	// Only the 216 leaves are empty while the walk observes them; their
	// parents still have children until the reaper runs.
	assert.Equal(t, int64(1+6+36+216), st.Snapshot().DirsScanned)
	assert.Equal(t, 216, w.EmptyDirs().Len())
}

func TestTaskBatchSizeExactMultipleFlushesCleanly(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 4; i++ {
		touch(t, filepath.Join(root, "f"+string(rune('a'+i))+".txt"), 0)
	}

	w, st := newTestWalker(t, 30*24*time.Hour, false)
	require.NoError(t, w.Walk(context.Background(), root))

	assert.Equal(t, int64(4), st.Snapshot().FilesScanned)
}
