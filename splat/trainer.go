package splat

import (
	"fmt"
	"log/slog"
)

// RenderGrads carries what an external rasterizer reports for one view.
// Parameter gradients are taken with respect to the pre-activation render
// inputs: deformed positions, deformed log-scales, deformed unnormalized
// quaternions, opacity logits and SH coefficients with the brightness
// offset applied. Any of them may be nil.
type RenderGrads struct {
	XYZ          *Tensor // (N,3)
	Scaling      *Tensor // (N,3)
	Rotation     *Tensor // (N,4)
	Opacity      *Tensor // (N,1)
	FeaturesDC   *Tensor // (N,1,3)
	FeaturesRest *Tensor // (N,K,3)

	Viewspace *Tensor   // (N,>=2) screen-space position gradient
	Visible   []bool    // nil means every primitive was visible
	Radii     []float32 // screen-space radii, nil when unknown
}

// StepReport summarizes one Apply call.
type StepReport struct {
	Iteration      int
	Points         int
	Regularization float32
	Densify        *DensifyStats
	OpacityReset   bool
	Deforming      int
}

// Trainer drives the per-iteration schedule around an external renderer:
// Prepare before rendering, Apply with the renderer's gradients.
type Trainer struct {
	model *Model
	cfg   TrainingConfig
}

// NewTrainer sets up training on model with cfg.
func NewTrainer(model *Model, cfg TrainingConfig) (*Trainer, error) {
	if err := model.TrainingSetup(cfg); err != nil {
		return nil, err
	}
	return &Trainer{model: model, cfg: cfg}, nil
}

// Model returns the trained model.
func (t *Trainer) Model() *Model { return t.model }

// Prepare updates learning rates, unlocks the next SH band on schedule and
// evaluates the deformation at time. It returns the position learning rate.
func (t *Trainer) Prepare(iteration int, time float32) float32 {
	lr := t.model.UpdateLearningRate(iteration)
	if t.cfg.SHIncrementInterval > 0 && iteration > 0 && iteration%t.cfg.SHIncrementInterval == 0 {
		t.model.OneUpSHDegree()
	}
	t.model.Deform(time)
	return lr
}

// Apply backpropagates the render gradients into the basis coefficients,
// accumulates densification statistics, steps the optimizer and then runs
// the densify, prune and opacity reset schedule.
func (t *Trainer) Apply(iteration int, g *RenderGrads) (StepReport, error) {
	m := t.model
	n := m.Len()
	report := StepReport{Iteration: iteration}

	for name, gt := range map[string]*Tensor{
		"xyz": g.XYZ, "scaling": g.Scaling, "rotation": g.Rotation, "opacity": g.Opacity,
		"f_dc": g.FeaturesDC, "f_rest": g.FeaturesRest, "viewspace": g.Viewspace,
	} {
		if gt != nil && gt.Rows() != n {
			return report, fmt.Errorf("%w: %s gradient has %d rows, model has %d primitives", ErrShapeMismatch, name, gt.Rows(), n)
		}
	}
	visible := g.Visible
	if visible == nil {
		visible = filled(n, true)
	}

	grads := map[ParamGroup]*Tensor{
		GroupXYZ:          g.XYZ,
		GroupScaling:      g.Scaling,
		GroupRotation:     g.Rotation,
		GroupOpacity:      g.Opacity,
		GroupFeaturesDC:   g.FeaturesDC,
		GroupFeaturesRest: g.FeaturesRest,
	}
	coefGrad := m.set.coefs.ZerosLike()
	if deform, tt, ok := m.Deformation(); ok {
		dDeform := t.deformationGrad(g, deform.Rows())
		cg, err := m.evaluator.Backward(m.set.coefs, tt, dDeform)
		if err != nil {
			return report, err
		}
		coefGrad = cg
	}
	if err := m.AddRegularizationGrad(coefGrad, t.cfg.L1Weight, t.cfg.L2Weight); err != nil {
		return report, err
	}
	grads[GroupCoefs] = coefGrad
	report.Regularization = t.cfg.L1Weight*m.L1Regularization() + t.cfg.L2Weight*m.L2Regularization()

	if iteration < t.cfg.DensifyUntil {
		if g.Radii != nil {
			if err := m.UpdateMaxRadii(g.Radii, visible); err != nil {
				return report, err
			}
		}
		if g.Viewspace != nil {
			if err := m.AddDensificationStats(g.Viewspace, visible); err != nil {
				return report, err
			}
		}
		if err := m.AccumulateDeformation(visible); err != nil {
			return report, err
		}
	}

	if err := m.optimizer.Step(grads); err != nil {
		return report, err
	}
	m.ClearDeformation()

	if iteration < t.cfg.DensifyUntil {
		if iteration > t.cfg.DensifyFrom && iteration%t.cfg.DensifyInterval == 0 {
			var sizeCap float32
			if t.cfg.OpacityResetInterval > 0 && iteration > t.cfg.OpacityResetInterval {
				sizeCap = t.cfg.ScreenSizeCap
			}
			st := m.Densify(t.cfg.DensifyGradThreshold, t.cfg.MinOpacity, t.cfg.SceneExtent, sizeCap)
			report.Densify = &st
			if t.cfg.DeformationThreshold > 0 {
				report.Deforming = m.UpdateDeformationTable(t.cfg.DeformationThreshold)
			}
		}
		if t.cfg.OpacityResetInterval > 0 && iteration > 0 && iteration%t.cfg.OpacityResetInterval == 0 {
			m.ResetOpacity()
			report.OpacityReset = true
		}
	}
	report.Points = m.Len()
	if report.Densify != nil || report.OpacityReset {
		slog.Debug("training step", slog.Int("iteration", iteration), slog.Int("points", report.Points))
	}
	return report, nil
}

// deformationGrad assembles d(loss)/d(deformation) from the render
// gradients. Deformation is additive before activation, so each channel's
// gradient is the gradient of the attribute it offsets.
func (t *Trainer) deformationGrad(g *RenderGrads, n int) *Tensor {
	cfg := t.model.cfg
	out := NewTensor(n, cfg.Channels)
	for i := 0; i < n; i++ {
		row := out.Row(i)
		if g.XYZ != nil {
			copy(row[:posChannels], g.XYZ.Row(i))
		}
		if g.Rotation != nil {
			copy(row[rotOffset:rotOffset+rotChannels], g.Rotation.Row(i))
		}
		if cfg.HasScaleDeform() && g.Scaling != nil {
			copy(row[scaleOffset:scaleOffset+scaleChannels], g.Scaling.Row(i))
		}
		if cfg.HasBrightness() && g.FeaturesDC != nil {
			dc := g.FeaturesDC.Row(i)
			b := row[brightnessOffset:]
			if len(b) == 1 {
				b[0] = dc[0] + dc[1] + dc[2]
			} else {
				copy(b, dc[:len(b)])
			}
		}
	}
	return out
}
