package splat

import (
	"fmt"

	"github.com/chewxy/math32"
)

func (m *Model) checkVisible(visible []bool) error {
	if len(visible) != m.Len() {
		return fmt.Errorf("%w: visibility mask has %d entries, model has %d primitives", ErrShapeMismatch, len(visible), m.Len())
	}
	return nil
}

// AddDensificationStats accumulates the norm of the first two components of
// the view-space gradient for every visible primitive and counts the view.
func (m *Model) AddDensificationStats(viewspace *Tensor, visible []bool) error {
	if err := m.checkVisible(visible); err != nil {
		return err
	}
	if viewspace.Rows() != m.Len() || viewspace.RowWidth() < 2 {
		return fmt.Errorf("%w: view-space gradient %v for %d primitives", ErrShapeMismatch, viewspace.Shape, m.Len())
	}
	s := m.set
	for i, vis := range visible {
		if !vis {
			continue
		}
		g := viewspace.Row(i)
		s.gradAccum[i] += math32.Sqrt(g[0]*g[0] + g[1]*g[1])
		s.denom[i]++
	}
	return nil
}

// UpdateMaxRadii keeps the largest screen-space radius seen per visible primitive.
func (m *Model) UpdateMaxRadii(radii []float32, visible []bool) error {
	if err := m.checkVisible(visible); err != nil {
		return err
	}
	if len(radii) != m.Len() {
		return fmt.Errorf("%w: %d radii for %d primitives", ErrShapeMismatch, len(radii), m.Len())
	}
	for i, vis := range visible {
		if vis {
			m.set.maxRadii2D[i] = math32.Max(m.set.maxRadii2D[i], radii[i])
		}
	}
	return nil
}

// AccumulateDeformation adds the absolute cached position deformation of every
// visible primitive into the deformation accumulator. Without a cached
// deformation it does nothing.
func (m *Model) AccumulateDeformation(visible []bool) error {
	if err := m.checkVisible(visible); err != nil {
		return err
	}
	if m.deformXYZ == nil {
		return nil
	}
	acc := m.set.deformationAccum
	for i, vis := range visible {
		if !vis {
			continue
		}
		d, a := m.deformXYZ.Row(i), acc.Row(i)
		for k := range a {
			a[k] += math32.Abs(d[k])
		}
	}
	return nil
}

// UpdateDeformationTable marks a primitive as deforming when its largest
// accumulated position deformation, divided by 100, exceeds threshold. It
// returns the number of deforming primitives.
func (m *Model) UpdateDeformationTable(threshold float32) int {
	acc := maxAxis(m.set.deformationAccum)
	count := 0
	for i, v := range acc {
		m.set.deformationTable[i] = v/100 > threshold
		if m.set.deformationTable[i] {
			count++
		}
	}
	return count
}
