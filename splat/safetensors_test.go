package splat

import (
	"encoding/binary"
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/require"
)

// TestSafetensorsDTypes verifies each writable dtype decodes to the values
// it can represent.
func TestSafetensorsDTypes(t *testing.T) {
	tensors := map[string]TensorWithShape{
		"f32":  {DType: "F32", Shape: []int{2, 2}, Values: []float32{1.5, -2.25, 0, 3e-8}},
		"i32":  {DType: "I32", Shape: []int{3}, Values: []float32{-7, 0, 123456}},
		"mask": {DType: "BOOL", Shape: []int{3}, Values: []float32{1, 0, 1}},
	}
	data, err := SerializeSafetensors(tensors, map[string]string{"format": "pt"})
	require.NoError(t, err)

	file, err := LoadSafetensorsFromBytes(data)
	require.NoError(t, err)
	require.Equal(t, "pt", file.Metadata["format"])
	require.Len(t, file.Tensors, 3)
	for name, want := range tensors {
		got := file.Tensors[name]
		require.Equal(t, want.DType, got.DType, name)
		require.Equal(t, want.Shape, got.Shape, name)
		require.Equal(t, want.Values, got.Values, name)
	}
}

// TestSafetensorsHalfPrecision decodes F16 and BF16 tensors written by
// another tool.
func TestSafetensorsHalfPrecision(t *testing.T) {
	header := []byte(`{"b":{"dtype":"BF16","shape":[2],"data_offsets":[0,4]},"h":{"dtype":"F16","shape":[3],"data_offsets":[4,10]}}`)
	data := make([]byte, 8, 8+len(header)+10)
	binary.LittleEndian.PutUint64(data, uint64(len(header)))
	data = append(data, header...)
	for _, v := range []uint16{0x3F80, 0xC380, 0x3C00, 0xB800, 0x7BFF} {
		data = binary.LittleEndian.AppendUint16(data, v)
	}

	file, err := LoadSafetensorsFromBytes(data)
	require.NoError(t, err)
	require.Equal(t, []float32{1, -256}, file.Tensors["b"].Values)
	require.Equal(t, []float32{1, -0.5, 65504}, file.Tensors["h"].Values)
}

func TestSafetensorsNoMetadata(t *testing.T) {
	data, err := SerializeSafetensors(map[string]TensorWithShape{
		"a": {DType: "F32", Shape: []int{1}, Values: []float32{4}},
	}, nil)
	require.NoError(t, err)
	file, err := LoadSafetensorsFromBytes(data)
	require.NoError(t, err)
	require.Empty(t, file.Metadata)
	require.Equal(t, []float32{4}, file.Tensors["a"].Values)
}

func TestSafetensorsErrors(t *testing.T) {
	for _, dtype := range []string{"F64", "F16", "BF16"} {
		_, err := SerializeSafetensors(map[string]TensorWithShape{
			"a": {DType: dtype, Shape: []int{1}, Values: []float32{1}},
		}, nil)
		require.Error(t, err, dtype)
	}

	_, err := SerializeSafetensors(map[string]TensorWithShape{
		"a": {DType: "F32", Shape: []int{2}, Values: []float32{1}},
	}, nil)
	require.ErrorIs(t, err, ErrShapeMismatch)

	_, err = LoadSafetensorsFromBytes([]byte{1, 2})
	require.Error(t, err)

	data, err := SerializeSafetensors(map[string]TensorWithShape{
		"a": {DType: "F32", Shape: []int{4}, Values: []float32{1, 2, 3, 4}},
	}, nil)
	require.NoError(t, err)
	_, err = LoadSafetensorsFromBytes(data[:len(data)-4])
	require.Error(t, err)

	huge := make([]byte, 8)
	binary.LittleEndian.PutUint64(huge, 1<<40)
	_, err = LoadSafetensorsFromBytes(huge)
	require.Error(t, err)
}

func TestFloat16Conversion(t *testing.T) {
	for bits, want := range map[uint16]float32{
		0x0000: 0,
		0x8000: math32.Copysign(0, -1),
		0x3C00: 1,
		0xC000: -2,
		0x3800: 0.5,
		0x6800: 2048,
		0x7BFF: 65504,
		0x0001: math32.Ldexp(1, -24),
	} {
		require.Equal(t, want, float16ToFloat32(bits), "bits %#04x", bits)
	}
	require.True(t, math32.IsInf(float16ToFloat32(0x7C00), 1))
	require.True(t, math32.IsNaN(float16ToFloat32(0x7E00)))
}
