// Package splat implements a dynamic 3D Gaussian splatting representation
// whose primitives are deformed over time by windowed Gaussian radial basis
// functions, together with the density control that grows and shrinks the
// primitive set during optimization.
//
// Every primitive carries position, spherical-harmonic color, log-scale,
// rotation quaternion, opacity logit and a (channels x 3 x basis) tensor of
// basis coefficients. The deformation channels are laid out as:
//   - [0,3)   position offset
//   - [3,7)   rotation offset
//   - [7,10)  log-scale offset (channels >= 10)
//   - [10,C)  brightness offset on the SH DC term (channels >= 11)
//
// Example usage:
//
//	model, _ := splat.NewModel(splat.DefaultConfig())
//	_ = model.CreateFromPointCloud(cloud, 1)
//	model.Deform(0.25)
//	xyz := model.XYZ()
//	cov := model.Covariance(1)
package splat

import (
	"fmt"
	"log/slog"

	"cogentcore.org/lab/base/randx"
	"github.com/chewxy/math32"
)

// primitiveSet owns every per-primitive array. All members share the same
// leading cardinality outside of a mutation; mutations build a new set and
// swap it in whole.
type primitiveSet struct {
	xyz          *Tensor // (N,3)
	featuresDC   *Tensor // (N,1,3)
	featuresRest *Tensor // (N,K,3)
	opacity      *Tensor // (N,1)
	scaling      *Tensor // (N,3)
	rotation     *Tensor // (N,4)
	coefs        *Tensor // (N,C,3,B)

	deformationTable []bool
	deformationAccum *Tensor // (N,3)
	gradAccum        []float32
	denom            []float32
	maxRadii2D       []float32
	kfIDs            []int32
	nObs             []int32
}

func emptySet(cfg Config) *primitiveSet {
	s := &primitiveSet{
		xyz:          NewTensor(0, 3),
		featuresDC:   NewTensor(0, 1, 3),
		featuresRest: NewTensor(0, cfg.RestCoeffs(), 3),
		opacity:      NewTensor(0, 1),
		scaling:      NewTensor(0, 3),
		rotation:     NewTensor(0, 4),
		coefs:        NewTensor(0, cfg.Channels, numSlots, cfg.BasisCount),
	}
	s.resetStats()
	s.deformationTable = []bool{}
	s.kfIDs = []int32{}
	s.nObs = []int32{}
	return s
}

func (s *primitiveSet) len() int { return s.xyz.Rows() }

func (s *primitiveSet) param(g ParamGroup) *Tensor {
	switch g {
	case GroupXYZ:
		return s.xyz
	case GroupFeaturesDC:
		return s.featuresDC
	case GroupFeaturesRest:
		return s.featuresRest
	case GroupOpacity:
		return s.opacity
	case GroupScaling:
		return s.scaling
	case GroupRotation:
		return s.rotation
	case GroupCoefs:
		return s.coefs
	}
	panic(fmt.Sprintf("splat: unknown parameter group %d", g))
}

func (s *primitiveSet) setParam(g ParamGroup, t *Tensor) {
	switch g {
	case GroupXYZ:
		s.xyz = t
	case GroupFeaturesDC:
		s.featuresDC = t
	case GroupFeaturesRest:
		s.featuresRest = t
	case GroupOpacity:
		s.opacity = t
	case GroupScaling:
		s.scaling = t
	case GroupRotation:
		s.rotation = t
	case GroupCoefs:
		s.coefs = t
	default:
		panic(fmt.Sprintf("splat: unknown parameter group %d", g))
	}
}

// resetStats zeroes the running statistics for the current cardinality.
func (s *primitiveSet) resetStats() {
	n := s.len()
	s.gradAccum = make([]float32, n)
	s.denom = make([]float32, n)
	s.maxRadii2D = make([]float32, n)
	s.deformationAccum = NewTensor(n, 3)
}

// validate panics when any per-primitive member disagrees on cardinality.
func (s *primitiveSet) validate() {
	n := s.len()
	check := func(name string, got int) {
		if got != n {
			panic(fmt.Sprintf("splat: internal inconsistency: %s has %d rows, xyz has %d", name, got, n))
		}
	}
	for _, g := range AllGroups {
		check(g.String(), s.param(g).Rows())
	}
	check("deformation_table", len(s.deformationTable))
	check("deformation_accum", s.deformationAccum.Rows())
	check("xyz_gradient_accum", len(s.gradAccum))
	check("denom", len(s.denom))
	check("max_radii2D", len(s.maxRadii2D))
	check("unique_kfIDs", len(s.kfIDs))
	check("n_obs", len(s.nObs))
}

// ModelOption customizes a Model at construction.
type ModelOption func(*Model)

// WithBackend evaluates the basis forward pass on b, falling back to the CPU.
func WithBackend(b BasisBackend) ModelOption {
	return func(m *Model) { m.backend = b }
}

// WithRand sets the random source used to sample split positions.
func WithRand(r randx.Rand) ModelOption {
	return func(m *Model) { m.rng = r }
}

// Model is the primitive store: the single source of truth for primitive
// parameters, their activations and the cached deformation.
type Model struct {
	cfg            Config
	set            *primitiveSet
	activeSHDegree int
	spatialLRScale float32

	backend   BasisBackend
	evaluator *BasisEvaluator
	rng       randx.Rand

	optimizer       *Adam
	training        TrainingConfig
	schedulers map[ParamGroup]LRScheduler

	hasStart  bool
	startTime float32
	time      float32
	deformT   float32

	deform           *Tensor // (N,C)
	deformXYZ        *Tensor // (N,3)
	deformRot        *Tensor // (N,4)
	deformScaling    *Tensor // (N,3)
	deformBrightness *Tensor // (N,C-10)
}

// NewModel creates an empty model for cfg.
func NewModel(cfg Config, opts ...ModelOption) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Model{
		cfg:            cfg,
		set:            emptySet(cfg),
		spatialLRScale: 1,
		training:       DefaultTrainingConfig(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.rng == nil {
		m.rng = randx.NewSysRand(cfg.Seed)
	}
	m.evaluator = NewBasisEvaluator(cfg, m.backend)
	return m, nil
}

// Config returns the model configuration.
func (m *Model) Config() Config { return m.cfg }

// Len returns the current number of primitives.
func (m *Model) Len() int { return m.set.len() }

// ActiveSHDegree returns the currently unlocked SH degree.
func (m *Model) ActiveSHDegree() int { return m.activeSHDegree }

// MaxSHDegree returns the configured maximum SH degree.
func (m *Model) MaxSHDegree() int { return m.cfg.SHDegree }

// OneUpSHDegree unlocks the next SH band. It is a no-op at the maximum.
func (m *Model) OneUpSHDegree() {
	if m.activeSHDegree < m.cfg.SHDegree {
		m.activeSHDegree++
		slog.Debug("sh degree increased", slog.Int("degree", m.activeSHDegree))
	}
}

// Evaluator exposes the temporal basis evaluator.
func (m *Model) Evaluator() *BasisEvaluator { return m.evaluator }

// Optimizer returns the optimizer, or nil before TrainingSetup.
func (m *Model) Optimizer() *Adam { return m.optimizer }

// StartTime returns the time of the first Deform call and whether it is set.
func (m *Model) StartTime() (float32, bool) { return m.startTime, m.hasStart }

// Time returns the last time passed to Deform.
func (m *Model) Time() float32 { return m.time }

// Param returns the raw (pre-activation) tensor of a group.
func (m *Model) Param(g ParamGroup) *Tensor { return m.set.param(g) }

// DeformationTable returns the per-primitive deformation flags.
func (m *Model) DeformationTable() []bool { return m.set.deformationTable }

// DeformationAccum returns the (N,3) accumulated absolute position deformation.
func (m *Model) DeformationAccum() *Tensor { return m.set.deformationAccum }

// KeyframeIDs returns per-primitive keyframe ids.
func (m *Model) KeyframeIDs() []int32 { return m.set.kfIDs }

// ObservationCounts returns per-primitive observation counts.
func (m *Model) ObservationCounts() []int32 { return m.set.nObs }

// MaxRadii2D returns the largest screen-space radius seen since the last reset.
func (m *Model) MaxRadii2D() []float32 { return m.set.maxRadii2D }

// CreateFromPointCloud replaces the model content with one primitive per point.
func (m *Model) CreateFromPointCloud(pc *PointCloud, spatialLRScale float32) error {
	if err := pc.validate(); err != nil {
		return err
	}
	m.spatialLRScale = spatialLRScale
	n := pc.Points.Rows()
	cfg := m.cfg
	slog.Info("number of points at initialisation", slog.Int("points", n))

	s := &primitiveSet{
		xyz:          pc.Points.Clone(),
		featuresDC:   NewTensor(n, 1, 3),
		featuresRest: NewTensor(n, cfg.RestCoeffs(), 3),
		opacity:      NewTensor(n, 1).Fill(inverseSigmoid(cfg.InitOpacity)),
		scaling:      NewTensor(n, 3),
		rotation:     NewTensor(n, 4),
		coefs:        NewTensor(n, cfg.Channels, numSlots, cfg.BasisCount),
	}
	for i := 0; i < n; i++ {
		rgb := pc.Colors.Row(i)
		dc := s.featuresDC.Row(i)
		for c := 0; c < 3; c++ {
			dc[c] = RGBToSH(rgb[c])
		}
		s.rotation.Row(i)[0] = 1
	}

	dist2 := meanNeighborDist2(pc.Points, 3)
	for i, d := range dist2 {
		if d < 1e-7 {
			d = 1e-7
		}
		ls := scalingInverseActivation(math32.Sqrt(d))
		row := s.scaling.Row(i)
		row[0], row[1], row[2] = ls, ls, ls
	}

	fillInitialCoefs(s.coefs, cfg)

	s.deformationTable = filled(n, true)
	s.kfIDs = make([]int32, n)
	s.nObs = make([]int32, n)
	s.resetStats()
	s.validate()

	m.set = s
	m.activeSHDegree = 0
	m.ClearDeformation()
	if m.optimizer != nil {
		return m.TrainingSetup(m.training)
	}
	return nil
}

// fillInitialCoefs sets weights to zero, centers evenly over [0,1] and
// widths to the configured initial width.
func fillInitialCoefs(coefs *Tensor, cfg Config) {
	B := cfg.BasisCount
	for i := 0; i < coefs.Rows(); i++ {
		row := coefs.Row(i)
		for c := 0; c < cfg.Channels; c++ {
			for b := 0; b < B; b++ {
				center := float32(0)
				if B > 1 {
					center = float32(b) / float32(B-1)
				}
				row[coefIndex(c, slotWeight, b, B)] = 0
				row[coefIndex(c, slotCenter, b, B)] = center
				row[coefIndex(c, slotWidth, b, B)] = cfg.InitWidth
			}
		}
	}
}

// TrainingSetup prepares optimizer groups, schedules and statistics.
func (m *Model) TrainingSetup(tc TrainingConfig) error {
	if err := tc.Validate(); err != nil {
		return err
	}
	m.training = tc
	n := m.Len()
	m.set.gradAccum = make([]float32, n)
	m.set.denom = make([]float32, n)
	m.set.deformationAccum = NewTensor(n, 3)

	lrScale := m.spatialLRScale
	initial := map[ParamGroup]float32{
		GroupXYZ:          tc.PositionLRInit * lrScale,
		GroupFeaturesDC:   tc.FeatureLR,
		GroupFeaturesRest: tc.FeatureLR / 20,
		GroupOpacity:      tc.OpacityLR,
		GroupScaling:      tc.ScalingLR,
		GroupRotation:     tc.RotationLR,
		GroupCoefs:        tc.DeformationLRInit * lrScale,
	}
	opt := NewAdam(tc.AdamEpsilon)
	m.schedulers = make(map[ParamGroup]LRScheduler, len(AllGroups))
	for _, g := range AllGroups {
		opt.AddGroup(g, initial[g], m.set.param(g))
		m.schedulers[g] = NewConstantScheduler(initial[g])
	}
	m.optimizer = opt

	m.schedulers[GroupXYZ] = NewExponentialLRScheduler(
		tc.PositionLRInit*lrScale, tc.PositionLRFinal*lrScale,
		0, tc.PositionLRDelayMult, tc.PositionLRMaxSteps)
	m.schedulers[GroupCoefs] = NewExponentialLRScheduler(
		tc.DeformationLRInit*lrScale, tc.DeformationLRFinal*lrScale,
		0, tc.DeformationLRDelayMult, tc.PositionLRMaxSteps)
	return nil
}

// UpdateLearningRate applies every group's schedule for iteration and
// returns the position learning rate. Only the position and coefficient
// groups decay.
func (m *Model) UpdateLearningRate(iteration int) float32 {
	if m.optimizer == nil {
		return 0
	}
	for g, s := range m.schedulers {
		m.optimizer.SetLR(g, s.GetLR(iteration))
	}
	return m.optimizer.LR(GroupXYZ)
}

// ResetOpacity clamps every opacity to at most 0.01 and restarts its moments.
func (m *Model) ResetOpacity() {
	op := m.Opacity()
	for i, v := range op.Data {
		if v > 0.01 {
			v = 0.01
		}
		op.Data[i] = inverseSigmoid(v)
	}
	if m.optimizer != nil {
		op = m.optimizer.ReplaceTensor(GroupOpacity, op)
	}
	m.set.opacity = op
	slog.Debug("opacity reset", slog.Int("points", m.Len()))
}

// Snapshot is a full in-memory copy of the training state.
type Snapshot struct {
	ActiveSHDegree int
	SpatialLRScale float32
	PercentDense   float32
	Params         map[ParamGroup]*Tensor
	DeformTable    []bool
	DeformAccum    *Tensor
	GradAccum      []float32
	Denom          []float32
	MaxRadii2D     []float32
	KeyframeIDs    []int32
	Observations   []int32
	Optimizer      *AdamState
}

// Capture copies the model state so training can later resume from it.
func (m *Model) Capture() *Snapshot {
	s := m.set
	snap := &Snapshot{
		ActiveSHDegree: m.activeSHDegree,
		SpatialLRScale: m.spatialLRScale,
		PercentDense:   m.training.PercentDense,
		Params:         make(map[ParamGroup]*Tensor, len(AllGroups)),
		DeformTable:    append([]bool(nil), s.deformationTable...),
		DeformAccum:    s.deformationAccum.Clone(),
		GradAccum:      append([]float32(nil), s.gradAccum...),
		Denom:          append([]float32(nil), s.denom...),
		MaxRadii2D:     append([]float32(nil), s.maxRadii2D...),
		KeyframeIDs:    append([]int32(nil), s.kfIDs...),
		Observations:   append([]int32(nil), s.nObs...),
	}
	for _, g := range AllGroups {
		snap.Params[g] = s.param(g).Clone()
	}
	if m.optimizer != nil {
		snap.Optimizer = m.optimizer.State()
	}
	return snap
}

// Restore replaces the model state with snap and sets up training with tc.
func (m *Model) Restore(snap *Snapshot, tc TrainingConfig) error {
	s := &primitiveSet{
		deformationTable: append([]bool(nil), snap.DeformTable...),
		deformationAccum: snap.DeformAccum.Clone(),
		gradAccum:        append([]float32(nil), snap.GradAccum...),
		denom:            append([]float32(nil), snap.Denom...),
		maxRadii2D:       append([]float32(nil), snap.MaxRadii2D...),
		kfIDs:            append([]int32(nil), snap.KeyframeIDs...),
		nObs:             append([]int32(nil), snap.Observations...),
	}
	for _, g := range AllGroups {
		p, ok := snap.Params[g]
		if !ok {
			return fmt.Errorf("%w: snapshot has no %s tensor", ErrShapeMismatch, g)
		}
		s.setParam(g, p.Clone())
	}
	if err := checkParamShapes(s, m.cfg); err != nil {
		return err
	}
	s.validate()

	m.set = s
	m.activeSHDegree = snap.ActiveSHDegree
	m.spatialLRScale = snap.SpatialLRScale
	m.ClearDeformation()
	if err := m.TrainingSetup(tc); err != nil {
		return err
	}
	// TrainingSetup zeroes the gradient statistics; the snapshot carries live ones.
	m.set.gradAccum = append([]float32(nil), snap.GradAccum...)
	m.set.denom = append([]float32(nil), snap.Denom...)
	m.set.deformationAccum = snap.DeformAccum.Clone()
	if snap.Optimizer != nil {
		if err := m.optimizer.LoadState(snap.Optimizer); err != nil {
			return err
		}
	}
	return nil
}

// checkParamShapes verifies trailing dimensions against the configuration.
func checkParamShapes(s *primitiveSet, cfg Config) error {
	want := map[ParamGroup][]int{
		GroupXYZ:          {3},
		GroupFeaturesDC:   {1, 3},
		GroupFeaturesRest: {cfg.RestCoeffs(), 3},
		GroupOpacity:      {1},
		GroupScaling:      {3},
		GroupRotation:     {4},
		GroupCoefs:        {cfg.Channels, numSlots, cfg.BasisCount},
	}
	for _, g := range AllGroups {
		t := s.param(g)
		trailing := want[g]
		ok := len(t.Shape) == len(trailing)+1
		if ok {
			for i, d := range trailing {
				if t.Shape[i+1] != d {
					ok = false
					break
				}
			}
		}
		if !ok {
			return fmt.Errorf("%w: %s has shape %v, expected [N %v]", ErrShapeMismatch, g, t.Shape, trailing)
		}
		if t.Rows() != s.xyz.Rows() {
			return fmt.Errorf("%w: %s has %d rows, xyz has %d", ErrShapeMismatch, g, t.Rows(), s.xyz.Rows())
		}
	}
	return nil
}
