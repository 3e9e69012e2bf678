package splat

import (
	"fmt"

	"github.com/chewxy/math32"
)

// L1Regularization returns mean |c| over every basis coefficient.
func (m *Model) L1Regularization() float32 {
	data := m.set.coefs.Data
	if len(data) == 0 {
		return 0
	}
	var sum float32
	for _, v := range data {
		sum += math32.Abs(v)
	}
	return sum / float32(len(data))
}

// L2Regularization returns mean c^2 over every basis coefficient.
func (m *Model) L2Regularization() float32 {
	data := m.set.coefs.Data
	if len(data) == 0 {
		return 0
	}
	var sum float32
	for _, v := range data {
		sum += v * v
	}
	return sum / float32(len(data))
}

// SparsityRegularization returns, averaged over every (primitive, channel)
// row of 3*B coefficients, sum|c| / max|c|. Rows that are entirely zero
// contribute zero.
func (m *Model) SparsityRegularization() float32 {
	rowWidth := numSlots * m.cfg.BasisCount
	data := m.set.coefs.Data
	rows := len(data) / rowWidth
	if rows == 0 {
		return 0
	}
	var total float32
	for r := 0; r < rows; r++ {
		var sum, peak float32
		for _, v := range data[r*rowWidth : (r+1)*rowWidth] {
			a := math32.Abs(v)
			sum += a
			peak = math32.Max(peak, a)
		}
		if peak > 0 {
			total += sum / peak
		}
	}
	return total / float32(rows)
}

// AddRegularizationGrad adds the gradient of l1*L1 + l2*L2 with respect to
// the coefficients into grad, which must match the coefficient shape.
func (m *Model) AddRegularizationGrad(grad *Tensor, l1, l2 float32) error {
	data := m.set.coefs.Data
	if len(grad.Data) != len(data) {
		return fmt.Errorf("%w: coefficient gradient has %d values, coefficients have %d", ErrShapeMismatch, len(grad.Data), len(data))
	}
	if len(data) == 0 || (l1 == 0 && l2 == 0) {
		return nil
	}
	inv := 1 / float32(len(data))
	for i, v := range data {
		var sign float32
		switch {
		case v > 0:
			sign = 1
		case v < 0:
			sign = -1
		}
		grad.Data[i] += l1*sign*inv + l2*2*v*inv
	}
	return nil
}
