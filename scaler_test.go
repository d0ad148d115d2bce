package deltagpt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGradScalerOverflowBacksOff(t *testing.T) {
	s := NewGradScaler()
	start := s.Scale

	p := newParam("w", false, 2)
	p.Grad[0] = Inf32(1)
	assert.False(t, s.Update([]*Param{p}))
	assert.Equal(t, start/2, s.Scale)
	assert.Equal(t, 1, s.SkippedSteps())

	p.Grad[0] = Log32(-1) // NaN
	assert.False(t, s.Update([]*Param{p}))
	assert.Equal(t, start/4, s.Scale)
	assert.Equal(t, 2, s.SkippedSteps())
}

func TestGradScalerGrowsAfterInterval(t *testing.T) {
	s := NewGradScaler()
	s.Scale = 1024
	s.GrowthInterval = 3

	p := newParam("w", false, 1)
	p.Grad[0] = 0.5
	for i := 0; i < 3; i++ {
		require.True(t, s.Update([]*Param{p}))
	}
	assert.Equal(t, 2048.0, s.Scale)

	// An overflow resets the good-step streak.
	s.GrowthInterval = 2
	require.True(t, s.Update([]*Param{p}))
	p.Grad[0] = Inf32(1)
	require.False(t, s.Update([]*Param{p}))
	p.Grad[0] = 0.5
	require.True(t, s.Update([]*Param{p}))
	assert.Equal(t, 1024.0, s.Scale) // halved once, one good step since
}

func TestGradScalerScaleFloor(t *testing.T) {
	s := NewGradScaler()
	s.Scale = 1
	p := newParam("w", false, 1)
	p.Grad[0] = Inf32(1)
	require.False(t, s.Update([]*Param{p}))
	assert.Equal(t, 1.0, s.Scale)
}

func TestGradScalerScaleCeiling(t *testing.T) {
	s := NewGradScaler()
	s.Scale = s.MaxScale
	s.GrowthInterval = 1
	p := newParam("w", false, 1)
	p.Grad[0] = 0.5
	require.True(t, s.Update([]*Param{p}))
	assert.Equal(t, s.MaxScale, s.Scale)
}

func TestGradScalerUnscale(t *testing.T) {
	s := NewGradScaler()
	s.Scale = 4
	p := newParam("w", false, 2)
	p.Grad[0] = 8
	p.Grad[1] = -4
	s.Unscale([]*Param{p})
	assert.InDeltaSlice(t, []float32{2, -1}, p.Grad, 1e-6)
}
