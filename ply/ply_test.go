package ply

import (
	"bytes"
	"encoding/binary"
	"math"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestReadASCII verifies scalar decoding, skipped list properties and
// skipped leading elements.
func TestReadASCII(t *testing.T) {
	src := `ply
format ascii 1.0
comment made by hand
element camera 1
property float fx
element vertex 2
property float x
property list uchar int idx
property uchar red
end_header
500
1.5 2 7 8 255
-2 0 10
`
	table, err := Read(strings.NewReader(src), "vertex")
	require.NoError(t, err)
	require.Equal(t, 2, table.Len)
	require.Equal(t, []string{"x", "red"}, table.Names)
	x, _ := table.Column("x")
	red, _ := table.Column("red")
	require.Equal(t, []float32{1.5, -2}, x)
	require.Equal(t, []float32{255, 10}, red)
	require.Equal(t, "uchar", table.Types["red"])
}

// TestReadBigEndian verifies binary big-endian decoding of mixed types and a
// skipped list property.
func TestReadBigEndian(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("ply\nformat binary_big_endian 1.0\nelement vertex 2\nproperty double x\nproperty list uchar short faces\nproperty short s\nend_header\n")
	for _, rec := range []struct {
		x float64
		s int16
	}{{0.25, -3}, {1e3, 42}} {
		binary.Write(&buf, binary.BigEndian, math.Float64bits(rec.x))
		buf.WriteByte(2)
		binary.Write(&buf, binary.BigEndian, []int16{9, 9})
		binary.Write(&buf, binary.BigEndian, rec.s)
	}
	table, err := Read(&buf, "vertex")
	require.NoError(t, err)
	x, _ := table.Column("x")
	s, _ := table.Column("s")
	require.Equal(t, []float32{0.25, 1000}, x)
	require.Equal(t, []float32{-3, 42}, s)
}

func TestWriteReadFile(t *testing.T) {
	table := NewTable(3)
	require.NoError(t, table.Add("x", []float32{1, 2, 3}))
	require.NoError(t, table.Add("coefs_10", []float32{4, 5, 6}))
	require.NoError(t, table.Add("coefs_2", []float32{7, 8, 9}))
	require.Error(t, table.Add("x", []float32{0, 0, 0}))
	require.Error(t, table.Add("short", []float32{0}))

	path := filepath.Join(t.TempDir(), "t.ply")
	require.NoError(t, WriteFile(path, "vertex", table))
	got, err := ReadFile(path, "vertex")
	require.NoError(t, err)
	require.Equal(t, table.Names, got.Names)
	require.Equal(t, table.Columns, got.Columns)
	require.Equal(t, []string{"coefs_2", "coefs_10"}, got.Prefixed("coefs_"))
}

func TestReadErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"no magic", "plx\n"},
		{"no format", "ply\nelement vertex 0\nend_header\n"},
		{"bad format", "ply\nformat binary_middle_endian 1.0\nend_header\n"},
		{"bad type", "ply\nformat ascii 1.0\nelement vertex 1\nproperty quad x\nend_header\n"},
		{"property first", "ply\nformat ascii 1.0\nproperty float x\nend_header\n"},
		{"short record", "ply\nformat ascii 1.0\nelement vertex 1\nproperty float x\nproperty float y\nend_header\n1\n"},
		{"missing element", "ply\nformat ascii 1.0\nelement face 0\nend_header\n"},
		{"unterminated", "ply\nformat ascii 1.0\n"},
		{"duplicate property", "ply\nformat ascii 1.0\nelement vertex 1\nproperty float x\nproperty float x\nend_header\n1 2\n"},
		{"negative list count", "ply\nformat ascii 1.0\nelement vertex 1\nproperty list uchar int idx\nproperty float x\nend_header\n-5 1.0\n"},
		{"fractional list count", "ply\nformat ascii 1.0\nelement vertex 1\nproperty list uchar int idx\nproperty float x\nend_header\n1.5 3 1.0\n"},
		{"list past record", "ply\nformat ascii 1.0\nelement vertex 1\nproperty float x\nproperty list uchar int idx\nend_header\n1.0 4 1 2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Read(strings.NewReader(tt.src), "vertex")
			require.ErrorIs(t, err, ErrMalformed)
		})
	}

	truncated := "ply\nformat binary_little_endian 1.0\nelement vertex 2\nproperty float x\nend_header\n\x00\x00"
	_, err := Read(strings.NewReader(truncated), "vertex")
	require.Error(t, err)
}

// TestReadBinaryNegativeListCount verifies a signed list count below zero
// in a binary body is rejected.
func TestReadBinaryNegativeListCount(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("ply\nformat binary_little_endian 1.0\nelement vertex 1\nproperty list char float idx\nproperty float x\nend_header\n")
	buf.WriteByte(0xFB)
	binary.Write(&buf, binary.LittleEndian, float32(1))
	_, err := Read(&buf, "vertex")
	require.ErrorIs(t, err, ErrMalformed)
}

// TestReadForgedCount verifies that a header claiming far more records than
// the body holds fails on the body without reserving the claimed rows.
func TestReadForgedCount(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("ply\nformat binary_little_endian 1.0\nelement vertex 2000000000\nproperty float x\nproperty float y\nend_header\n")
	binary.Write(&buf, binary.LittleEndian, []float32{1, 2, 3, 4})

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	_, err := Read(&buf, "vertex")
	runtime.ReadMemStats(&after)
	require.Error(t, err)
	require.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(16<<20))
}
