package gpu

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openfluke/flexsplat/splat"
)

func TestGenerateBasisShader(t *testing.T) {
	src := GenerateBasisShader(13, 20)
	require.Contains(t, src, "const C: u32 = 13u;")
	require.Contains(t, src, "const B: u32 = 20u;")
	require.Contains(t, src, "@workgroup_size(256)")
	require.Contains(t, src, "var<storage, read> coefs")
	require.Contains(t, src, "var<uniform> params")
	require.Contains(t, src, "exp(-e * e)")
	require.Equal(t, 1, strings.Count(src, "fn main"))
}

// TestBasisEvaluatorMatchesCPU compares the GPU forward sum with the CPU
// evaluator. It is skipped when no adapter is available.
func TestBasisEvaluatorMatchesCPU(t *testing.T) {
	backend, err := NewBasisEvaluator()
	if err != nil {
		require.ErrorIs(t, err, splat.ErrNoGPU)
		t.Skip("no WebGPU adapter:", err)
	}
	defer backend.Release()

	cfg := splat.DefaultConfig()
	n := 300
	coefs := splat.NewTensor(n, cfg.Channels, 3, cfg.BasisCount)
	r := rand.New(rand.NewSource(1))
	for i := range coefs.Data {
		coefs.Data[i] = r.Float32()*0.5 + 0.05
	}

	for _, tm := range []float32{0, 0.33, 1} {
		want := splat.NewBasisEvaluator(cfg, nil).Evaluate(coefs, tm)
		got, err := backend.EvaluateBasis(coefs.Data, n, cfg.Channels, cfg.BasisCount, tm, 0, cfg.BasisCount)
		require.NoError(t, err)
		require.InDeltaSlice(t, want.Data, got, 1e-4)
	}

	_, err = backend.EvaluateBasis(coefs.Data[:10], n, cfg.Channels, cfg.BasisCount, 0, 0, cfg.BasisCount)
	require.Error(t, err)
}
