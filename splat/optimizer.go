package splat

import (
	"fmt"
	"sort"

	"github.com/chewxy/math32"
)

// ============================================================================
// Adam optimizer with per-attribute parameter groups
// ============================================================================

// paramGroup is one learning-rate group. Groups holding a single tensor are
// addressable by the state adapter; multi-tensor groups are left alone.
type paramGroup struct {
	lr     float32
	params []*Tensor

	step     int
	expAvg   *Tensor // first moment estimate
	expAvgSq *Tensor // second moment estimate
}

// Adam is the Adam optimizer keyed by ParamGroup. Besides the update rule it
// keeps the moment buffers aligned with the primitive set when rows are
// appended, filtered or replaced.
type Adam struct {
	beta1   float32
	beta2   float32
	epsilon float32

	groups map[ParamGroup]*paramGroup
	order  []ParamGroup
}

// NewAdam returns an optimizer with the usual betas and the given epsilon.
func NewAdam(epsilon float32) *Adam {
	return &Adam{
		beta1:   0.9,
		beta2:   0.999,
		epsilon: epsilon,
		groups:  make(map[ParamGroup]*paramGroup),
	}
}

// AddGroup registers a group with its learning rate and tensors.
func (opt *Adam) AddGroup(g ParamGroup, lr float32, params ...*Tensor) {
	if _, ok := opt.groups[g]; !ok {
		opt.order = append(opt.order, g)
	}
	opt.groups[g] = &paramGroup{lr: lr, params: params}
}

// Groups returns the registered groups in registration order.
func (opt *Adam) Groups() []ParamGroup {
	return append([]ParamGroup(nil), opt.order...)
}

// SetLR sets a group's learning rate. Unknown groups are ignored.
func (opt *Adam) SetLR(g ParamGroup, lr float32) {
	if pg, ok := opt.groups[g]; ok {
		pg.lr = lr
	}
}

// LR returns a group's learning rate.
func (opt *Adam) LR(g ParamGroup) float32 {
	if pg, ok := opt.groups[g]; ok {
		return pg.lr
	}
	return 0
}

// Moments returns the moment buffers of a single-tensor group, or nil
// before its first step.
func (opt *Adam) Moments(g ParamGroup) (expAvg, expAvgSq *Tensor) {
	if pg, ok := opt.groups[g]; ok {
		return pg.expAvg, pg.expAvgSq
	}
	return nil, nil
}

// Step applies one Adam update. grads maps a group to the gradient of its
// first tensor; groups without a gradient are skipped.
func (opt *Adam) Step(grads map[ParamGroup]*Tensor) error {
	for _, g := range opt.order {
		pg := opt.groups[g]
		grad, ok := grads[g]
		if !ok || grad == nil || len(pg.params) == 0 {
			continue
		}
		param := pg.params[0]
		if len(grad.Data) != len(param.Data) {
			return fmt.Errorf("%w: %s gradient has %d values, parameter has %d", ErrShapeMismatch, g, len(grad.Data), len(param.Data))
		}
		if pg.expAvg == nil {
			pg.expAvg = param.ZerosLike()
			pg.expAvgSq = param.ZerosLike()
		}
		pg.step++

		biasCorrection1 := 1 - math32.Pow(opt.beta1, float32(pg.step))
		biasCorrection2 := 1 - math32.Pow(opt.beta2, float32(pg.step))
		m, v := pg.expAvg.Data, pg.expAvgSq.Data
		for j, gr := range grad.Data {
			m[j] = opt.beta1*m[j] + (1-opt.beta1)*gr
			v[j] = opt.beta2*v[j] + (1-opt.beta2)*gr*gr
			mHat := m[j] / biasCorrection1
			vHat := v[j] / biasCorrection2
			param.Data[j] -= pg.lr * mHat / (math32.Sqrt(vHat) + opt.epsilon)
		}
	}
	return nil
}

// ============================================================================
// State adapter: keeps moment buffers aligned with primitive mutations
// ============================================================================

// CatTensors appends ext[g] to every addressable group and extends its
// moment buffers with zero rows in the same order. It returns the new
// parameter tensors keyed by group.
func (opt *Adam) CatTensors(ext map[ParamGroup]*Tensor) map[ParamGroup]*Tensor {
	out := make(map[ParamGroup]*Tensor, len(ext))
	for _, g := range opt.order {
		pg := opt.groups[g]
		if len(pg.params) != 1 {
			continue
		}
		e, ok := ext[g]
		if !ok {
			continue
		}
		if pg.expAvg != nil {
			pg.expAvg = pg.expAvg.Concat(e.ZerosLike())
			pg.expAvgSq = pg.expAvgSq.Concat(e.ZerosLike())
		}
		pg.params[0] = pg.params[0].Concat(e)
		out[g] = pg.params[0]
	}
	return out
}

// PruneTensors keeps the rows whose mask entry is true in every addressable
// group, filtering the moment buffers identically.
func (opt *Adam) PruneTensors(keep []bool) map[ParamGroup]*Tensor {
	out := make(map[ParamGroup]*Tensor, len(opt.order))
	for _, g := range opt.order {
		pg := opt.groups[g]
		if len(pg.params) != 1 {
			continue
		}
		if pg.expAvg != nil {
			pg.expAvg = pg.expAvg.Select(keep)
			pg.expAvgSq = pg.expAvgSq.Select(keep)
		}
		pg.params[0] = pg.params[0].Select(keep)
		out[g] = pg.params[0]
	}
	return out
}

// ReplaceTensor swaps a group's tensor for t and restarts its moments at
// zero with t's shape. The step count is kept.
func (opt *Adam) ReplaceTensor(g ParamGroup, t *Tensor) *Tensor {
	pg, ok := opt.groups[g]
	if !ok || len(pg.params) == 0 {
		return t
	}
	pg.expAvg = t.ZerosLike()
	pg.expAvgSq = t.ZerosLike()
	pg.params[0] = t
	return t
}

// ============================================================================
// Serialization
// ============================================================================

// AdamGroupState is the serializable state of one group.
type AdamGroupState struct {
	LR       float32
	Step     int
	ExpAvg   *Tensor
	ExpAvgSq *Tensor
}

// AdamState is the serializable optimizer state.
type AdamState struct {
	Epsilon float32
	Groups  map[ParamGroup]AdamGroupState
}

// State returns a deep copy of the optimizer state.
func (opt *Adam) State() *AdamState {
	st := &AdamState{Epsilon: opt.epsilon, Groups: make(map[ParamGroup]AdamGroupState, len(opt.groups))}
	for g, pg := range opt.groups {
		gs := AdamGroupState{LR: pg.lr, Step: pg.step}
		if pg.expAvg != nil {
			gs.ExpAvg = pg.expAvg.Clone()
			gs.ExpAvgSq = pg.expAvgSq.Clone()
		}
		st.Groups[g] = gs
	}
	return st
}

// LoadState restores state saved by State. Every group in st must already be
// registered and its moments must match the registered tensor's size.
func (opt *Adam) LoadState(st *AdamState) error {
	names := make([]ParamGroup, 0, len(st.Groups))
	for g := range st.Groups {
		names = append(names, g)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	for _, g := range names {
		gs := st.Groups[g]
		pg, ok := opt.groups[g]
		if !ok {
			return fmt.Errorf("optimizer state for unregistered group %s", g)
		}
		if gs.ExpAvg != nil && len(pg.params) > 0 && len(gs.ExpAvg.Data) != len(pg.params[0].Data) {
			return fmt.Errorf("%w: %s moments hold %d values, parameter has %d", ErrShapeMismatch, g, len(gs.ExpAvg.Data), len(pg.params[0].Data))
		}
		pg.lr = gs.LR
		pg.step = gs.Step
		pg.expAvg, pg.expAvgSq = nil, nil
		if gs.ExpAvg != nil {
			pg.expAvg = gs.ExpAvg.Clone()
			pg.expAvgSq = gs.ExpAvgSq.Clone()
		}
	}
	if st.Epsilon > 0 {
		opt.epsilon = st.Epsilon
	}
	return nil
}

// Name returns the optimizer name.
func (opt *Adam) Name() string {
	return "Adam"
}
