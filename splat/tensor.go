package splat

import (
	"fmt"
)

// Tensor is a dense row-major float32 tensor. The leading dimension is the
// primitive (row) axis for every per-primitive parameter in this package.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor allocates a zeroed tensor of the given shape.
func NewTensor(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{Shape: s, Data: make([]float32, n)}
}

// NewTensorFromSlice wraps data with the given shape. The element count must match.
func NewTensorFromSlice(data []float32, shape ...int) *Tensor {
	t := &Tensor{Shape: append([]int(nil), shape...), Data: data}
	if t.size() != len(data) {
		panic(fmt.Sprintf("splat: tensor shape %v does not hold %d values", shape, len(data)))
	}
	return t
}

func (t *Tensor) size() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Rows returns the leading dimension.
func (t *Tensor) Rows() int {
	if t == nil || len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// RowWidth returns the number of values per row.
func (t *Tensor) RowWidth() int {
	w := 1
	for _, d := range t.Shape[1:] {
		w *= d
	}
	return w
}

// Row returns the i-th row as a subslice (not a copy).
func (t *Tensor) Row(i int) []float32 {
	w := t.RowWidth()
	return t.Data[i*w : (i+1)*w]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{Shape: append([]int(nil), t.Shape...), Data: make([]float32, len(t.Data))}
	copy(c.Data, t.Data)
	return c
}

// ZerosLike allocates a zeroed tensor of the same shape.
func (t *Tensor) ZerosLike() *Tensor {
	return NewTensor(t.Shape...)
}

// Fill sets every value to v.
func (t *Tensor) Fill(v float32) *Tensor {
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

// Reshape returns a view with a new shape, or nil if the sizes differ.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	r := &Tensor{Shape: append([]int(nil), shape...), Data: t.Data}
	if r.size() != len(t.Data) {
		return nil
	}
	return r
}

// sameTrailing reports whether two tensors agree on every non-leading dimension.
func (t *Tensor) sameTrailing(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := 1; i < len(t.Shape); i++ {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Concat appends the rows of o after the rows of t into a new tensor.
func (t *Tensor) Concat(o *Tensor) *Tensor {
	if !t.sameTrailing(o) {
		panic(fmt.Sprintf("splat: cannot concat tensors of shape %v and %v", t.Shape, o.Shape))
	}
	shape := append([]int(nil), t.Shape...)
	shape[0] = t.Rows() + o.Rows()
	data := make([]float32, 0, len(t.Data)+len(o.Data))
	data = append(data, t.Data...)
	data = append(data, o.Data...)
	return &Tensor{Shape: shape, Data: data}
}

// Select keeps the rows whose mask entry is true.
func (t *Tensor) Select(keep []bool) *Tensor {
	if len(keep) != t.Rows() {
		panic(fmt.Sprintf("splat: mask of length %d applied to %d rows", len(keep), t.Rows()))
	}
	w := t.RowWidth()
	n := countTrue(keep)
	shape := append([]int(nil), t.Shape...)
	shape[0] = n
	data := make([]float32, 0, n*w)
	for i, k := range keep {
		if k {
			data = append(data, t.Data[i*w:(i+1)*w]...)
		}
	}
	return &Tensor{Shape: shape, Data: data}
}

// Repeat tiles the whole tensor n times along the row axis.
func (t *Tensor) Repeat(n int) *Tensor {
	shape := append([]int(nil), t.Shape...)
	shape[0] = t.Rows() * n
	data := make([]float32, 0, len(t.Data)*n)
	for i := 0; i < n; i++ {
		data = append(data, t.Data...)
	}
	return &Tensor{Shape: shape, Data: data}
}

// Add accumulates o into t element-wise.
func (t *Tensor) Add(o *Tensor) *Tensor {
	if len(t.Data) != len(o.Data) {
		panic(fmt.Sprintf("splat: cannot add tensors of shape %v and %v", t.Shape, o.Shape))
	}
	for i, v := range o.Data {
		t.Data[i] += v
	}
	return t
}

func countTrue(mask []bool) int {
	n := 0
	for _, m := range mask {
		if m {
			n++
		}
	}
	return n
}

// selectRows filters any per-primitive slice by a row mask.
func selectRows[T any](s []T, keep []bool) []T {
	out := make([]T, 0, countTrue(keep))
	for i, k := range keep {
		if k {
			out = append(out, s[i])
		}
	}
	return out
}

// repeatRows tiles a per-primitive slice n times.
func repeatRows[T any](s []T, n int) []T {
	out := make([]T, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return out
}

// concatRows appends b after a into a fresh slice.
func concatRows[T any](a, b []T) []T {
	out := make([]T, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

func filled[T any](n int, v T) []T {
	out := make([]T, n)
	for i := range out {
		out[i] = v
	}
	return out
}
