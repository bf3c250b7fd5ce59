package fabric

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDirReaderPoolSizeBounds(t *testing.T) {
	cases := []struct {
		subdirSlots int
		want        int
	}{
		{subdirSlots: 100, want: 32},  // 100*0.1 = 10, floored to 32
		{subdirSlots: 1000, want: 100},
		{subdirSlots: 10000, want: 500}, // capped at 500
		{subdirSlots: 1, want: 32},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DirReaderPoolSize(tc.subdirSlots), "subdirSlots=%d", tc.subdirSlots)
	}
}

func TestSubdirHeldMarker(t *testing.T) {
	ctx := context.Background()
	assert.False(t, SubdirHeld(ctx))

	held := MarkSubdirHeld(ctx)
	assert.True(t, SubdirHeld(held))

	child := context.WithValue(held, struct{ k string }{"unrelated"}, 1)
	assert.True(t, SubdirHeld(child))
}

func TestFabricSlotsIndependent(t *testing.T) {
	f := New(2, 3, 4)
	assert.True(t, f.Scan.TryAcquire(2))
	assert.False(t, f.Scan.TryAcquire(1))
	assert.True(t, f.Delete.TryAcquire(3))
	assert.True(t, f.Subdir.TryAcquire(4))
	assert.Equal(t, int64(4), f.SubdirSlots())
}
