package main

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openfluke/flexsplat/ply"
	"github.com/openfluke/flexsplat/splat"
)

// writeSeed writes a small random seed cloud and returns its path.
func writeSeed(t *testing.T, dir string, n int) string {
	t.Helper()
	r := rand.New(rand.NewSource(3))
	points := make([]float32, n*3)
	colors := make([]float32, n*3)
	for i := range points {
		points[i] = r.Float32()
		colors[i] = r.Float32()
	}
	path := filepath.Join(dir, "seed.ply")
	require.NoError(t, splat.WritePointCloud(path, splat.NewPointCloud(points, colors)))
	return path
}

// TestDeformUsesTimeFlag verifies that a freshly initialized checkpoint
// evaluated at two times yields two different point sets.
func TestDeformUsesTimeFlag(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "point_cloud.ply")
	require.NoError(t, Init(&Config{Input: writeSeed(t, dir, 12), Output: out}))
	ckpt := checkpointPath(out)

	cfg := splat.DefaultConfig()
	model, err := splat.NewModel(cfg)
	require.NoError(t, err)
	require.NoError(t, model.LoadCheckpoint(ckpt))
	_, ok := model.StartTime()
	require.False(t, ok)

	// give the x channel a weight ramp over wide basis functions
	B := cfg.BasisCount
	coefs := model.Param(splat.GroupCoefs)
	for i := 0; i < coefs.Rows(); i++ {
		row := coefs.Row(i)
		for b := 0; b < B; b++ {
			row[b] = 0.1 * float32(b)
			row[2*B+b] = 0.3
		}
	}
	require.NoError(t, model.SaveCheckpoint(ckpt))

	xAt := func(tm float32, name string) []float32 {
		path := filepath.Join(dir, name)
		require.NoError(t, Deform(&Config{Input: ckpt, Output: path, Time: tm}))
		table, err := ply.ReadFile(path, "vertex")
		require.NoError(t, err)
		require.Equal(t, 12, table.Len)
		x, ok := table.Column("x")
		require.True(t, ok)
		return x
	}
	early := xAt(0.2, "early.ply")
	late := xAt(0.8, "late.ply")
	require.Equal(t, early, xAt(0.2, "again.ply"))
	for i := range early {
		require.Greater(t, late[i], early[i], "point %d", i)
	}
}
