package splat

import (
	"math/rand"
	"testing"

	"cogentcore.org/lab/base/randx"
	"github.com/chewxy/math32"
	"github.com/stretchr/testify/require"
)

// densifyFixture returns a trained-setup model of 10 primitives: the first
// five have a tiny scale, the last five a large one.
func densifyFixture(t *testing.T) *Model {
	t.Helper()
	m, err := NewModel(DefaultConfig(), WithRand(randx.NewSysRand(1)))
	require.NoError(t, err)
	require.NoError(t, m.CreateFromPointCloud(randomCloud(10, 3), 1))
	require.NoError(t, m.TrainingSetup(DefaultTrainingConfig()))
	sc := m.Param(GroupScaling)
	for i := 0; i < 10; i++ {
		v := math32.Log(0.001)
		if i >= 5 {
			v = math32.Log(0.5)
		}
		for a := 0; a < 3; a++ {
			sc.Row(i)[a] = v
		}
	}
	for i := range m.set.kfIDs {
		m.set.kfIDs[i] = int32(i)
	}
	return m
}

// markGradients records a unit view-space gradient for the given primitives.
func markGradients(t *testing.T, m *Model, idx ...int) {
	t.Helper()
	vs := NewTensor(m.Len(), 3)
	for _, i := range idx {
		vs.Row(i)[0] = 1
	}
	require.NoError(t, m.AddDensificationStats(vs, filled(m.Len(), true)))
}

// TestAverageGradientsNaN verifies that unobserved primitives average to zero.
func TestAverageGradientsNaN(t *testing.T) {
	m := densifyFixture(t)
	for _, g := range m.AverageGradients() {
		require.Zero(t, g)
	}
	markGradients(t, m, 2)
	grads := m.AverageGradients()
	require.Equal(t, float32(1), grads[2])
	require.Zero(t, grads[3])
}

// TestDensify verifies clone and split cardinality and the attributes of
// the sampled children.
func TestDensify(t *testing.T) {
	m := densifyFixture(t)
	xyzGrad := m.Param(GroupXYZ).ZerosLike().Fill(0.1)
	require.NoError(t, m.Optimizer().Step(map[ParamGroup]*Tensor{GroupXYZ: xyzGrad}))
	markGradients(t, m, 0, 1, 5, 6)
	parent5 := append([]float32(nil), m.Param(GroupXYZ).Row(5)...)
	parentFeat := append([]float32(nil), m.Param(GroupFeaturesDC).Row(5)...)

	st := m.Densify(0.5, 0.005, 1, 0)
	require.Equal(t, 2, st.Cloned)
	require.Equal(t, 2, st.Split)
	require.Equal(t, 0, st.Pruned)
	// 10 + 2 clones + 2*2 children - 2 parents
	require.Equal(t, 14, st.Total)
	require.Equal(t, 14, m.Len())
	requireConsistent(t, m)

	// survivors keep their order: 0..4, 7..9, clones of 0 and 1, then children
	ids := m.KeyframeIDs()
	require.Equal(t, []int32{0, 1, 2, 3, 4, 7, 8, 9, 0, 1, 5, 6, 5, 6}, ids)

	xyz := m.Param(GroupXYZ)
	scale := m.GaussianScaling()
	for _, i := range []int{10, 12} {
		require.Equal(t, parentFeat, m.Param(GroupFeaturesDC).Row(i))
		for a := 0; a < 3; a++ {
			require.InDelta(t, 0.5/1.6, scale.Row(i)[a], 1e-5)
			// samples are drawn with std 0.5; 5 sigma is far enough
			require.InDelta(t, parent5[a], xyz.Row(i)[a], 2.5)
		}
	}
	require.NotEqual(t, xyz.Row(10), xyz.Row(12))

	// new rows start with zero moments, survivors keep theirs
	avg, _ := m.Optimizer().Moments(GroupXYZ)
	for i := 8; i < 14; i++ {
		for _, v := range avg.Row(i) {
			require.Zero(t, v)
		}
	}
	require.NotZero(t, avg.Row(0)[0])

	// statistics restart after a mutation
	for _, g := range m.AverageGradients() {
		require.Zero(t, g)
	}
	_, _, ok := m.Deformation()
	require.False(t, ok)
}

// TestDensifyScreenSize verifies that the screen-size prune inside Densify
// uses the radii recorded before cloning and splitting, and follows the
// primitives through both.
func TestDensifyScreenSize(t *testing.T) {
	m := densifyFixture(t)
	markGradients(t, m, 0, 1, 5, 6)
	radii := make([]float32, 10)
	radii[0], radii[3], radii[5] = 30, 30, 30
	require.NoError(t, m.UpdateMaxRadii(radii, filled(10, true)))

	st := m.Densify(0.5, 0.005, 1, 20)
	require.Equal(t, 2, st.Cloned)
	require.Equal(t, 2, st.Split)
	// row 0 and row 3 are pruned; the clone of 0 and the split rows stay
	require.Equal(t, 2, st.Pruned)
	require.Equal(t, 12, st.Total)
	require.Equal(t, []int32{1, 2, 4, 7, 8, 9, 0, 1, 5, 6, 5, 6}, m.KeyframeIDs())
	requireConsistent(t, m)

	// without a limit only transparent primitives go
	m = densifyFixture(t)
	markGradients(t, m, 0)
	require.NoError(t, m.UpdateMaxRadii(radii, filled(10, true)))
	st = m.Densify(0.5, 0.005, 1, 0)
	require.Zero(t, st.Pruned)
	require.Equal(t, 11, st.Total)
}

// TestCloneWithoutOptimizer verifies cloning before training is set up.
func TestCloneWithoutOptimizer(t *testing.T) {
	m := newTestModel(t, DefaultConfig(), 6)
	sc := m.Param(GroupScaling)
	for i := range sc.Data {
		sc.Data[i] = math32.Log(0.001)
	}
	grads := []float32{1, 0, 1, 0, 0, 0}
	require.Equal(t, 2, m.DensifyAndClone(grads, 0.5, 1))
	require.Equal(t, 8, m.Len())
	require.Equal(t, m.Param(GroupXYZ).Row(0), m.Param(GroupXYZ).Row(6))
	require.Equal(t, m.Param(GroupCoefs).Row(2), m.Param(GroupCoefs).Row(7))
	requireConsistent(t, m)
}

// TestCloneSplitDisjoint verifies that no primitive is both cloned and split.
func TestCloneSplitDisjoint(t *testing.T) {
	m := newTestModel(t, DefaultConfig(), 50)
	r := rand.New(rand.NewSource(4))
	sc := m.Param(GroupScaling)
	for i := range sc.Data {
		sc.Data[i] = math32.Log(0.001 + r.Float32()*0.02)
	}
	grads := make([]float32, m.Len())
	for i := range grads {
		grads[i] = r.Float32()
	}
	clone := m.cloneMask(grads, 0.3, 1)
	split := m.splitMask(grads, 0.3, 1)
	nc, ns := 0, 0
	for i := range clone {
		require.False(t, clone[i] && split[i], "primitive %d", i)
		if clone[i] {
			nc++
		}
		if split[i] {
			ns++
		}
	}
	require.NotZero(t, nc)
	require.NotZero(t, ns)
}

// TestSplitMaskPadding verifies that a gradient slice shorter than the set
// leaves the extra primitives unselected.
func TestSplitMaskPadding(t *testing.T) {
	m := densifyFixture(t)
	mask := m.splitMask([]float32{1, 1, 1, 1, 1, 1}, 0.5, 1)
	require.Equal(t, []bool{false, false, false, false, false, true, false, false, false, false}, mask)
}

// TestPrune verifies opacity and screen-size pruning and that ids follow.
func TestPrune(t *testing.T) {
	m := densifyFixture(t)
	m.Param(GroupOpacity).Data[1] = inverseSigmoid(0.001)
	m.Param(GroupOpacity).Data[4] = inverseSigmoid(0.002)
	require.NoError(t, m.UpdateMaxRadii([]float32{0, 0, 0, 0, 0, 0, 30, 0, 0, 0}, filled(10, true)))

	require.Equal(t, 2, m.Prune(0.005, 0))
	require.Equal(t, []int32{0, 2, 3, 5, 6, 7, 8, 9}, m.KeyframeIDs())
	requireConsistent(t, m)

	// the screen-size statistic was reset by the first prune
	require.Equal(t, 0, m.Prune(0.005, 20))
	require.NoError(t, m.UpdateMaxRadii([]float32{0, 0, 0, 0, 30, 0, 0, 0}, filled(8, true)))
	require.Equal(t, 1, m.Prune(0.005, 20))
	require.Equal(t, []int32{0, 2, 3, 5, 7, 8, 9}, m.KeyframeIDs())
	requireConsistent(t, m)
}

// TestPrunePointsAll verifies that removing everything leaves a valid empty set.
func TestPrunePointsAll(t *testing.T) {
	m := densifyFixture(t)
	m.PrunePoints(filled(m.Len(), true))
	require.Equal(t, 0, m.Len())
	requireConsistent(t, m)
	require.Equal(t, []int{0, 13, 3, 20}, m.Param(GroupCoefs).Shape)
}
