package splat

import (
	"github.com/chewxy/math32"
)

// LRScheduler maps an iteration to a learning rate.
type LRScheduler interface {
	// GetLR returns the learning rate for the given step
	GetLR(step int) float32

	// Reset resets the scheduler state
	Reset()

	// Name returns the scheduler name
	Name() string
}

// ============================================================================
// Constant Scheduler - groups trained at their setup rate
// ============================================================================

// ConstantScheduler returns the same rate at every step. It drives the
// groups without a decay schedule.
type ConstantScheduler struct {
	lr float32
}

func NewConstantScheduler(lr float32) *ConstantScheduler {
	return &ConstantScheduler{lr: lr}
}

func (s *ConstantScheduler) GetLR(step int) float32 {
	if step < 0 {
		return 0
	}
	return s.lr
}

func (s *ConstantScheduler) Reset() {}

func (s *ConstantScheduler) Name() string {
	return "Constant"
}

// ============================================================================
// Exponential Scheduler - log-linear decay with an optional warm-up delay
// ============================================================================

// ExponentialLRScheduler interpolates log-linearly from initLR at step 0 to
// finalLR at maxSteps and holds finalLR afterwards. With delaySteps > 0 the
// rate is additionally scaled by a sine ramp from delayMult up to 1.
type ExponentialLRScheduler struct {
	initLR     float32
	finalLR    float32
	delaySteps int
	delayMult  float32
	maxSteps   int
}

func NewExponentialLRScheduler(initLR, finalLR float32, delaySteps int, delayMult float32, maxSteps int) *ExponentialLRScheduler {
	return &ExponentialLRScheduler{
		initLR:     initLR,
		finalLR:    finalLR,
		delaySteps: delaySteps,
		delayMult:  delayMult,
		maxSteps:   maxSteps,
	}
}

func (s *ExponentialLRScheduler) GetLR(step int) float32 {
	if step < 0 || (s.initLR == 0 && s.finalLR == 0) {
		return 0
	}
	delayRate := float32(1)
	if s.delaySteps > 0 {
		p := clamp01(float32(step) / float32(s.delaySteps))
		delayRate = s.delayMult + (1-s.delayMult)*math32.Sin(0.5*math32.Pi*p)
	}
	t := clamp01(float32(step) / float32(s.maxSteps))
	logLerp := math32.Exp(math32.Log(s.initLR)*(1-t) + math32.Log(s.finalLR)*t)
	return delayRate * logLerp
}

func (s *ExponentialLRScheduler) Reset() {
	// No state to reset
}

func (s *ExponentialLRScheduler) Name() string {
	if s.delaySteps > 0 {
		return "ExponentialDelayed"
	}
	return "Exponential"
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
