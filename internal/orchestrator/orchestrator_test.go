package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efspurge/efspurge/internal/config"
	"github.com/efspurge/efspurge/internal/fsx"
	"github.com/efspurge/efspurge/internal/logkit"
	"github.com/efspurge/efspurge/internal/memmon"
	"github.com/efspurge/efspurge/internal/testutil"
)

type zeroSampler struct{}

func (zeroSampler) RSSBytes() (uint64, error) { return 0, nil }

func baseConfig(root string) config.Config {
	cfg := config.Defaults()
	cfg.RootPath = root
	cfg.DryRun = false
	cfg.ScanSlots = 8
	cfg.DeleteSlots = 8
	cfg.SubdirSlots = 4
	cfg.TaskBatchSize = 4
	cfg.MemoryLimitMB = 0
	cfg.ProgressIntervalSeconds = 3600
	return cfg
}

func run(t *testing.T, cfg config.Config) Result {
	t.Helper()
	src := &fsx.Source{Fs: afero.NewOsFs(), Clock: fsx.RealClock{}}
	res, err := Purge(context.Background(), cfg, logkit.Discard(), src, memmon.Sampler(zeroSampler{}))
	require.NoError(t, err)
	return res
}

func TestMixedAgesPurge(t *testing.T) {
	root := t.TempDir()
	testutil.BuildAgedTree(t, root, map[string]time.Duration{
		"a.txt": 60 * 24 * time.Hour,
		"b.txt": 60 * 24 * time.Hour,
		"c.txt": 10 * 24 * time.Hour,
	})

	cfg := baseConfig(root)
	cfg.MaxAgeDays = 30
	res := run(t, cfg)

	assert.Equal(t, int64(3), res.Stats.FilesScanned)
	assert.Equal(t, int64(2), res.Stats.FilesToPurge)
	assert.Equal(t, int64(2), res.Stats.FilesPurged)
	assert.Equal(t, int64(0), res.Stats.Errors)
	assert.NoFileExists(t, filepath.Join(root, "a.txt"))
	assert.NoFileExists(t, filepath.Join(root, "b.txt"))
	assert.FileExists(t, filepath.Join(root, "c.txt"))
}

func TestDryRunPreservesTree(t *testing.T) {
	root := t.TempDir()
	testutil.BuildAgedTree(t, root, map[string]time.Duration{
		"a.txt": 60 * 24 * time.Hour,
		"b.txt": 60 * 24 * time.Hour,
		"c.txt": 10 * 24 * time.Hour,
	})

	cfg := baseConfig(root)
	cfg.MaxAgeDays = 30
	cfg.DryRun = true
	res := run(t, cfg)

	assert.Equal(t, int64(2), res.Stats.FilesToPurge)
	assert.Equal(t, int64(0), res.Stats.FilesPurged)
	assert.FileExists(t, filepath.Join(root, "a.txt"))
	assert.FileExists(t, filepath.Join(root, "b.txt"))
	assert.FileExists(t, filepath.Join(root, "c.txt"))
}

func TestPostOrderEmptyDirReap(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b", "c"), 0o755))

	cfg := baseConfig(root)
	cfg.MaxAgeDays = 0
	cfg.RemoveEmptyDirs = true
	cfg.MaxEmptyDirsPerRun = 0
	res := run(t, cfg)

	assert.Equal(t, int64(3), res.Stats.EmptyDirsDeleted)
	assert.DirExists(t, root)
	assert.NoDirExists(t, filepath.Join(root, "a"))
}

func TestRateLimitedEmptyDirReap(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 10; i++ {
		require.NoError(t, os.MkdirAll(filepath.Join(root, fmt.Sprintf("leaf-%d", i)), 0o755))
	}

	cfg := baseConfig(root)
	cfg.RemoveEmptyDirs = true
	cfg.MaxEmptyDirsPerRun = 3
	res := run(t, cfg)

	assert.Equal(t, int64(3), res.Stats.EmptyDirsToDelete)
	assert.Equal(t, int64(3), res.Stats.EmptyDirsDeleted)

	remaining := 0
	for i := 0; i < 10; i++ {
		if _, err := os.Stat(filepath.Join(root, fmt.Sprintf("leaf-%d", i))); err == nil {
			remaining++
		}
	}
	assert.Equal(t, 7, remaining)
}

// TestDeepEmptyTreeReapsEverythingWithoutDeadlock runs a 6x6x6 all-empty
// tree with only 4 subdir slots: the walk must complete without
// deadlocking and the reap must leave nothing but the root behind.
func TestDeepEmptyTreeReapsEverythingWithoutDeadlock(t *testing.T) {
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

	cfg := baseConfig(root)
	cfg.RemoveEmptyDirs = true
	cfg.MaxEmptyDirsPerRun = 0
	res := run(t, cfg)

	assert.Equal(t, int64(6+36+216), res.Stats.EmptyDirsDeleted)
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.DirExists(t, root)
}

func TestEmptyRootExitsCleanly(t *testing.T) {
	root := t.TempDir()
	cfg := baseConfig(root)
	res := run(t, cfg)

	assert.Equal(t, int64(0), res.Stats.FilesScanned)
	assert.Equal(t, int64(0), res.Stats.FilesPurged)
	assert.Equal(t, int64(0), res.Stats.Errors)
}

func TestRootBlockedBySafetyDenylist(t *testing.T) {
	cfg := baseConfig("/proc")
	src := &fsx.Source{Fs: afero.NewOsFs(), Clock: fsx.RealClock{}}
	_, err := Purge(context.Background(), cfg, logkit.Discard(), src, memmon.Sampler(zeroSampler{}))
	require.Error(t, err)
}

func TestSecondRunAfterFirstPurgeIsANoop(t *testing.T) {
	root := t.TempDir()
	testutil.TouchAge(t, filepath.Join(root, "a.txt"), 60*24*time.Hour)

	cfg := baseConfig(root)
	cfg.MaxAgeDays = 30

	first := run(t, cfg)
	assert.Equal(t, int64(1), first.Stats.FilesPurged)

	second := run(t, cfg)
	assert.Equal(t, int64(0), second.Stats.FilesPurged)
}

// TestPurgeScansGeneratedTreeWithoutPurging exercises the walker against
// a generated nested tree (depth 2, three files per directory) rather
// than a handful of hand-placed files, with a cutoff far enough in the past
// that nothing in a freshly-created tree is eligible for deletion.
func TestPurgeScansGeneratedTreeWithoutPurging(t *testing.T) {
	tc := testutil.GetTestConfig()
	root := testutil.CreateTestDirectoryWithTree(t, testutil.TestConfig{
		Intensity:   tc.Intensity,
		MaxFileSize: 64,
		MaxDepth:    2,
	}, 3)

	wantFiles, err := testutil.CountFiles(root)
	require.NoError(t, err)
	require.Greater(t, wantFiles, 0)

	cfg := baseConfig(root)
	cfg.MaxAgeDays = 3650

	res := run(t, cfg)

	assert.Equal(t, int64(wantFiles), res.Stats.FilesScanned)
	assert.Equal(t, int64(0), res.Stats.FilesPurged)

	gotFiles, err := testutil.CountFiles(root)
	require.NoError(t, err)
	assert.Equal(t, wantFiles, gotFiles)
}
