package memmon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efspurge/efspurge/internal/errkind"
)

type fakeSampler struct {
	rssBytes uint64
	err      error
}

func (f *fakeSampler) RSSBytes() (uint64, error) { return f.rssBytes, f.err }

func thresholds() Thresholds {
	return Thresholds{SoftRatio: 0.70, HardRatio: 0.85, CircuitRatio: 0.95, LimitMB: 100}
}

func TestCheckBelowSoftRatioIsNone(t *testing.T) {
	s := &fakeSampler{rssBytes: 50 * 1024 * 1024} // 50MB of 100MB limit
	m := New(s, thresholds())
	action, usage, _ := m.Check(time.Now())
	assert.Equal(t, ActionNone, action)
	assert.InDelta(t, 50.0, usage, 0.01)
}

func TestCheckCrossesEachThreshold(t *testing.T) {
	cases := []struct {
		mb     uint64
		action Action
	}{
		{71, ActionMildShrink},
		{86, ActionBackpressure},
		{96, ActionCircuitBreak},
	}
	for _, tc := range cases {
		s := &fakeSampler{rssBytes: tc.mb * 1024 * 1024}
		m := New(s, thresholds())
		action, _, _ := m.Check(time.Now())
		assert.Equal(t, tc.action, action, "mb=%d", tc.mb)
	}
}

func TestCheckDisabledWhenLimitZero(t *testing.T) {
	s := &fakeSampler{rssBytes: 999 * 1024 * 1024}
	m := New(s, Thresholds{LimitMB: 0})
	action, usage, warn := m.Check(time.Now())
	assert.Equal(t, ActionNone, action)
	assert.Equal(t, 0.0, usage)
	assert.False(t, warn)
}

func TestWarnRateLimited(t *testing.T) {
	s := &fakeSampler{rssBytes: 96 * 1024 * 1024}
	m := New(s, thresholds())
	now := time.Now()
	_, _, warn1 := m.Check(now)
	_, _, warn2 := m.Check(now.Add(time.Second))
	_, _, warn3 := m.Check(now.Add(61 * time.Second))
	assert.True(t, warn1)
	assert.False(t, warn2)
	assert.True(t, warn3)
}

func TestApplyCircuitBreakReturnsMemoryCritical(t *testing.T) {
	m := New(&fakeSampler{}, thresholds())
	err := m.Apply(context.Background(), ActionCircuitBreak, 96)
	require.Error(t, err)
	assert.Equal(t, errkind.MemoryCritical, errkind.Classify(err))
}

func TestApplyBackpressurePausesThenReturnsNil(t *testing.T) {
	m := New(&fakeSampler{}, thresholds())
	start := time.Now()
	err := m.Apply(context.Background(), ActionBackpressure, 90)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), backpressurePause)
}

func TestShrinkFactorEscalatesPastTheSoftLimit(t *testing.T) {
	assert.Equal(t, ShrinkFactorMild, ShrinkFactor(ActionMildShrink, 0.75))
	assert.Equal(t, ShrinkFactorHard, ShrinkFactor(ActionBackpressure, 0.90))
	assert.Equal(t, ShrinkFactorSevere, ShrinkFactor(ActionBackpressure, 1.10))
	assert.Equal(t, 1.0, ShrinkFactor(ActionNone, 0.5))
}

func TestRatioAgainstSoftLimit(t *testing.T) {
	m := New(&fakeSampler{}, thresholds())
	assert.InDelta(t, 0.9, m.Ratio(90), 0.001)
	disabled := New(&fakeSampler{}, Thresholds{LimitMB: 0})
	assert.Equal(t, 0.0, disabled.Ratio(90))
}
