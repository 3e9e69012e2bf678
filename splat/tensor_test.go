package splat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestTensorCreation verifies basic tensor operations
func TestTensorCreation(t *testing.T) {
	tensor := NewTensor(3, 4)
	if len(tensor.Data) != 12 {
		t.Errorf("Expected size 12, got %d", len(tensor.Data))
	}
	if tensor.Rows() != 3 || tensor.RowWidth() != 4 {
		t.Errorf("Expected shape [3, 4], got %v", tensor.Shape)
	}

	require.Panics(t, func() { NewTensorFromSlice([]float32{1, 2, 3}, 2, 2) })
}

// TestTensorClone verifies tensor cloning
func TestTensorClone(t *testing.T) {
	original := NewTensorFromSlice([]float32{1, 2, 3, 4}, 4)
	clone := original.Clone()
	original.Data[0] = 100
	if clone.Data[0] != 1 {
		t.Errorf("Clone was modified when original changed")
	}
}

// TestTensorReshape verifies tensor reshaping
func TestTensorReshape(t *testing.T) {
	tensor := NewTensorFromSlice([]float32{1, 2, 3, 4, 5, 6}, 6)
	reshaped := tensor.Reshape(2, 3)
	require.NotNil(t, reshaped)
	require.Equal(t, []int{2, 3}, reshaped.Shape)
	require.Nil(t, tensor.Reshape(2, 2), "invalid reshape should return nil")
}

func TestTensorRowOps(t *testing.T) {
	a := NewTensorFromSlice([]float32{1, 2, 3, 4, 5, 6}, 3, 2)
	b := NewTensorFromSlice([]float32{7, 8}, 1, 2)

	cat := a.Concat(b)
	require.Equal(t, []int{4, 2}, cat.Shape)
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6, 7, 8}, cat.Data)

	sel := a.Select([]bool{true, false, true})
	require.Equal(t, []int{2, 2}, sel.Shape)
	require.Equal(t, []float32{1, 2, 5, 6}, sel.Data)

	// whole-tensor tiling: all rows, then all rows again
	rep := sel.Repeat(2)
	require.Equal(t, []int{4, 2}, rep.Shape)
	require.Equal(t, []float32{1, 2, 5, 6, 1, 2, 5, 6}, rep.Data)

	require.Panics(t, func() { a.Concat(NewTensor(1, 3)) })
	require.Panics(t, func() { a.Select([]bool{true}) })
}

func TestSliceHelpers(t *testing.T) {
	keep := []bool{false, true, true}
	require.Equal(t, []int32{2, 3}, selectRows([]int32{1, 2, 3}, keep))
	require.Equal(t, []bool{true, false, true, false}, repeatRows([]bool{true, false}, 2))
	require.Equal(t, []float32{1, 2, 3}, concatRows([]float32{1}, []float32{2, 3}))
	require.Equal(t, []bool{true, true}, filled(2, true))
	require.Equal(t, 2, countTrue(keep))
}
