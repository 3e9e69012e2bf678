package splat

import (
	"log/slog"

	"cogentcore.org/lab/base/randx"
	"github.com/chewxy/math32"
)

// DensifyStats reports how one densification pass changed the primitive set.
type DensifyStats struct {
	Cloned int
	Split  int
	Pruned int
	Total  int
}

// AverageGradients returns the accumulated view-space gradient norm divided by
// the observation count. Non-finite averages (zero denominator) become zero.
func (m *Model) AverageGradients() []float32 {
	s := m.set
	out := make([]float32, s.len())
	for i := range out {
		out[i] = finiteOr(s.gradAccum[i]/s.denom[i], 0)
	}
	return out
}

// Densify clones small primitives and splits large ones whose average
// view-space gradient reaches maxGrad, then prunes transparent and, when
// maxScreenSize > 0, oversized primitives. The screen-size test uses the
// radii observed before this pass; clone and split children never fail it.
func (m *Model) Densify(maxGrad, minOpacity, extent, maxScreenSize float32) DensifyStats {
	grads := m.AverageGradients()
	var big []bool
	if maxScreenSize > 0 {
		big = m.screenMask(maxScreenSize)
	}
	st := DensifyStats{}
	st.Cloned = m.DensifyAndClone(grads, maxGrad, extent)
	if big != nil {
		big = concatRows(big, make([]bool, st.Cloned))
	}
	split, n := m.densifyAndSplit(grads, maxGrad, extent, 2)
	st.Split = countTrue(split)
	if big != nil && st.Split > 0 {
		big = concatRows(big, make([]bool, st.Split*n))
		keep := make([]bool, len(big))
		for i := range keep {
			keep[i] = i >= len(split) || !split[i]
		}
		big = selectRows(big, keep)
	}
	st.Pruned = m.pruneMasked(minOpacity, big)
	st.Total = m.Len()
	slog.Info("densified",
		slog.Int("cloned", st.Cloned), slog.Int("split", st.Split),
		slog.Int("pruned", st.Pruned), slog.Int("points", st.Total))
	return st
}

// screenMask marks primitives whose largest screen radius exceeds limit.
func (m *Model) screenMask(limit float32) []bool {
	mask := make([]bool, m.Len())
	for i, r := range m.set.maxRadii2D {
		mask[i] = r > limit
	}
	return mask
}

// maxAxis returns the largest component of each row.
func maxAxis(t *Tensor) []float32 {
	out := make([]float32, t.Rows())
	for i := range out {
		row := t.Row(i)
		v := row[0]
		for _, x := range row[1:] {
			v = math32.Max(v, x)
		}
		out[i] = v
	}
	return out
}

// cloneMask selects primitives with enough gradient whose largest base scale
// axis is at most percentDense*extent.
func (m *Model) cloneMask(grads []float32, threshold, extent float32) []bool {
	limit := m.training.PercentDense * extent
	scales := maxAxis(m.GaussianScaling())
	mask := make([]bool, m.Len())
	for i := range mask {
		mask[i] = math32.Abs(grads[i]) >= threshold && scales[i] <= limit
	}
	return mask
}

// splitMask selects primitives with enough gradient whose largest base scale
// axis exceeds percentDense*extent. grads may be shorter than the set; missing
// entries count as zero.
func (m *Model) splitMask(grads []float32, threshold, extent float32) []bool {
	limit := m.training.PercentDense * extent
	scales := maxAxis(m.GaussianScaling())
	mask := make([]bool, m.Len())
	for i := range mask {
		var g float32
		if i < len(grads) {
			g = grads[i]
		}
		mask[i] = g >= threshold && scales[i] > limit
	}
	return mask
}

// DensifyAndClone appends a verbatim copy of every clone candidate and
// returns how many were cloned.
func (m *Model) DensifyAndClone(grads []float32, threshold, extent float32) int {
	mask := m.cloneMask(grads, threshold, extent)
	count := countTrue(mask)
	if count == 0 {
		return 0
	}
	s := m.set
	ext := make(map[ParamGroup]*Tensor, len(AllGroups))
	for _, g := range AllGroups {
		ext[g] = s.param(g).Select(mask)
	}
	m.densificationPostfix(ext,
		selectRows(s.deformationTable, mask),
		selectRows(s.kfIDs, mask),
		selectRows(s.nObs, mask))
	return count
}

// DensifyAndSplit replaces every split candidate by n primitives sampled
// around it with scale divided by 0.8*n, then removes the originals.
// It returns how many primitives were split.
func (m *Model) DensifyAndSplit(grads []float32, threshold, extent float32, n int) int {
	mask, _ := m.densifyAndSplit(grads, threshold, extent, n)
	return countTrue(mask)
}

// densifyAndSplit returns the split mask over the rows before the split
// (nil when nothing was split) and the number of children per primitive.
func (m *Model) densifyAndSplit(grads []float32, threshold, extent float32, n int) ([]bool, int) {
	mask := m.splitMask(grads, threshold, extent)
	count := countTrue(mask)
	if count == 0 || n < 1 {
		return nil, n
	}
	s := m.set

	stds := m.GaussianScaling().Select(mask).Repeat(n)
	rots := s.rotation.Select(mask).Repeat(n)
	base := s.xyz.Select(mask).Repeat(n)

	newXYZ := NewTensor(count*n, 3)
	newScaling := NewTensor(count*n, 3)
	for i := 0; i < count*n; i++ {
		std := stds.Row(i)
		var sample [3]float32
		for a := 0; a < 3; a++ {
			sample[a] = float32(randx.GaussianGen(0, float64(std[a]), m.rng))
		}
		R := buildRotation(rots.Row(i))
		p := base.Row(i)
		out := newXYZ.Row(i)
		for r := 0; r < 3; r++ {
			out[r] = R[r*3]*sample[0] + R[r*3+1]*sample[1] + R[r*3+2]*sample[2] + p[r]
		}
		sc := newScaling.Row(i)
		for a := 0; a < 3; a++ {
			sc[a] = scalingInverseActivation(std[a] / (0.8 * float32(n)))
		}
	}

	ext := map[ParamGroup]*Tensor{
		GroupXYZ:          newXYZ,
		GroupScaling:      newScaling,
		GroupRotation:     rots,
		GroupFeaturesDC:   s.featuresDC.Select(mask).Repeat(n),
		GroupFeaturesRest: s.featuresRest.Select(mask).Repeat(n),
		GroupOpacity:      s.opacity.Select(mask).Repeat(n),
		GroupCoefs:        s.coefs.Select(mask).Repeat(n),
	}
	m.densificationPostfix(ext,
		repeatRows(selectRows(s.deformationTable, mask), n),
		repeatRows(selectRows(s.kfIDs, mask), n),
		repeatRows(selectRows(s.nObs, mask), n))

	pruneFilter := concatRows(mask, make([]bool, count*n))
	m.PrunePoints(pruneFilter)
	return mask, n
}

// Prune removes primitives whose opacity is below minOpacity or, when
// maxScreenSize > 0, whose largest screen radius exceeds it. It returns the
// number removed.
func (m *Model) Prune(minOpacity, maxScreenSize float32) int {
	var big []bool
	if maxScreenSize > 0 {
		big = m.screenMask(maxScreenSize)
	}
	return m.pruneMasked(minOpacity, big)
}

// pruneMasked removes transparent primitives and those marked in big, which
// may be nil.
func (m *Model) pruneMasked(minOpacity float32, big []bool) int {
	op := m.Opacity()
	mask := make([]bool, m.Len())
	for i := range mask {
		mask[i] = op.Data[i] < minOpacity || (big != nil && big[i])
	}
	removed := countTrue(mask)
	if removed > 0 {
		m.PrunePoints(mask)
	}
	slog.Debug("pruned", slog.Int("removed", removed), slog.Int("points", m.Len()))
	return removed
}

// densificationPostfix appends rows to every per-primitive array through a
// staging set, extends the optimizer moments and resets the statistics.
func (m *Model) densificationPostfix(ext map[ParamGroup]*Tensor, table []bool, kfIDs, nObs []int32) {
	s := m.set
	var cat map[ParamGroup]*Tensor
	if m.optimizer != nil {
		cat = m.optimizer.CatTensors(ext)
	}
	next := &primitiveSet{
		deformationTable: concatRows(s.deformationTable, table),
		kfIDs:            concatRows(s.kfIDs, kfIDs),
		nObs:             concatRows(s.nObs, nObs),
	}
	for _, g := range AllGroups {
		if t, ok := cat[g]; ok {
			next.setParam(g, t)
		} else {
			next.setParam(g, s.param(g).Concat(ext[g]))
		}
	}
	next.resetStats()
	next.validate()
	m.set = next
	m.ClearDeformation()
}

// PrunePoints removes the primitives whose mask entry is true from every
// per-primitive array and the optimizer moments, resetting the statistics.
func (m *Model) PrunePoints(mask []bool) {
	s := m.set
	keep := make([]bool, len(mask))
	for i, v := range mask {
		keep[i] = !v
	}
	var pruned map[ParamGroup]*Tensor
	if m.optimizer != nil {
		pruned = m.optimizer.PruneTensors(keep)
	}
	next := &primitiveSet{
		deformationTable: selectRows(s.deformationTable, keep),
		kfIDs:            selectRows(s.kfIDs, keep),
		nObs:             selectRows(s.nObs, keep),
	}
	for _, g := range AllGroups {
		if t, ok := pruned[g]; ok {
			next.setParam(g, t)
		} else {
			next.setParam(g, s.param(g).Select(keep))
		}
	}
	next.resetStats()
	next.validate()
	m.set = next
	m.ClearDeformation()
}
