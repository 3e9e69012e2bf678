package splat

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// randomCloud returns n points uniformly in the unit cube with random colors.
func randomCloud(n int, seed int64) *PointCloud {
	r := rand.New(rand.NewSource(seed))
	points := make([]float32, n*3)
	colors := make([]float32, n*3)
	for i := range points {
		points[i] = r.Float32()
		colors[i] = r.Float32()
	}
	return NewPointCloud(points, colors)
}

// newTestModel builds a model seeded from a random cloud of n points.
func newTestModel(t *testing.T, cfg Config, n int) *Model {
	t.Helper()
	m, err := NewModel(cfg)
	require.NoError(t, err)
	require.NoError(t, m.CreateFromPointCloud(randomCloud(n, 7), 1))
	return m
}

// fillRandomCoefs gives every basis function a random weight, a center in
// [0,1] and a width in [0.05,0.3].
func fillRandomCoefs(coefs *Tensor, cfg Config, seed int64) {
	r := rand.New(rand.NewSource(seed))
	B := cfg.BasisCount
	for i := 0; i < coefs.Rows(); i++ {
		row := coefs.Row(i)
		for c := 0; c < cfg.Channels; c++ {
			for b := 0; b < B; b++ {
				row[coefIndex(c, slotWeight, b, B)] = r.Float32()*2 - 1
				row[coefIndex(c, slotCenter, b, B)] = r.Float32()
				row[coefIndex(c, slotWidth, b, B)] = 0.05 + r.Float32()*0.25
			}
		}
	}
}

// requireConsistent checks that every per-primitive array matches Len.
func requireConsistent(t *testing.T, m *Model) {
	t.Helper()
	require.NotPanics(t, m.set.validate)
	n := m.Len()
	require.Len(t, m.DeformationTable(), n)
	require.Len(t, m.KeyframeIDs(), n)
	require.Len(t, m.ObservationCounts(), n)
	require.Len(t, m.MaxRadii2D(), n)
	require.Equal(t, n, m.DeformationAccum().Rows())
	if opt := m.Optimizer(); opt != nil {
		for _, g := range AllGroups {
			avg, sq := opt.Moments(g)
			if avg != nil {
				require.Equal(t, n, avg.Rows(), "exp_avg rows for %s", g)
				require.Equal(t, n, sq.Rows(), "exp_avg_sq rows for %s", g)
			}
		}
	}
}
