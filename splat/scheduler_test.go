package splat

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/require"
)

// TestExponentialLRScheduler verifies log-linear decay between the endpoints
// and the hold after maxSteps.
func TestExponentialLRScheduler(t *testing.T) {
	s := NewExponentialLRScheduler(1e-2, 1e-4, 0, 1, 100)
	require.InDelta(t, 1e-2, s.GetLR(0), 1e-8)
	require.InDelta(t, 1e-3, s.GetLR(50), 1e-7)
	require.InDelta(t, 1e-4, s.GetLR(100), 1e-9)
	require.InDelta(t, 1e-4, s.GetLR(1000), 1e-9)
	require.Zero(t, s.GetLR(-1))
	require.Equal(t, "Exponential", s.Name())

	require.Zero(t, NewExponentialLRScheduler(0, 0, 0, 1, 100).GetLR(10))
}

// TestExponentialLRSchedulerDelay verifies the sine warm-up from delayMult.
func TestExponentialLRSchedulerDelay(t *testing.T) {
	s := NewExponentialLRScheduler(1, 1, 10, 0.1, 100)
	require.InDelta(t, 0.1, s.GetLR(0), 1e-6)
	require.InDelta(t, 0.1+0.9*math32.Sin(0.25*math32.Pi), s.GetLR(5), 1e-5)
	require.InDelta(t, 1, s.GetLR(10), 1e-6)
	require.InDelta(t, 1, s.GetLR(50), 1e-6)
	require.Equal(t, "ExponentialDelayed", s.Name())
}

func TestConstantScheduler(t *testing.T) {
	s := NewConstantScheduler(0.3)
	require.Equal(t, float32(0.3), s.GetLR(0))
	require.Equal(t, float32(0.3), s.GetLR(1e6))
	require.Zero(t, s.GetLR(-1))
	s.Reset()
	require.Equal(t, "Constant", s.Name())
}
