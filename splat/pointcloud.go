package splat

import (
	"fmt"
	"slices"

	"github.com/chewxy/math32"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// PointCloud is a seed cloud: positions, RGB colors in [0,1] and normals.
// Normals are carried for completeness and ignored by the model.
type PointCloud struct {
	Points  *Tensor // (N,3)
	Colors  *Tensor // (N,3)
	Normals *Tensor // (N,3)
}

// NewPointCloud builds a cloud from flat xyz and rgb slices. Normals are zero.
func NewPointCloud(points, colors []float32) *PointCloud {
	n := len(points) / 3
	return &PointCloud{
		Points:  NewTensorFromSlice(points, n, 3),
		Colors:  NewTensorFromSlice(colors, n, 3),
		Normals: NewTensor(n, 3),
	}
}

func (pc *PointCloud) validate() error {
	if pc == nil || pc.Points == nil || pc.Colors == nil {
		return fmt.Errorf("%w: point cloud needs points and colors", ErrShapeMismatch)
	}
	if pc.Points.RowWidth() != 3 || pc.Colors.RowWidth() != 3 {
		return fmt.Errorf("%w: points %v and colors %v must be (N,3)", ErrShapeMismatch, pc.Points.Shape, pc.Colors.Shape)
	}
	if pc.Points.Rows() != pc.Colors.Rows() {
		return fmt.Errorf("%w: %d points but %d colors", ErrShapeMismatch, pc.Points.Rows(), pc.Colors.Rows())
	}
	return nil
}

// meanNeighborDist2 returns, for every point, the mean squared distance to
// its k nearest other points. A lone point gets zero.
func meanNeighborDist2(points *Tensor, k int) []float32 {
	n := points.Rows()
	out := make([]float32, n)
	if n < 2 {
		return out
	}
	queries := make(kdtree.Points, n)
	for i := 0; i < n; i++ {
		p := points.Row(i)
		queries[i] = kdtree.Point{float64(p[0]), float64(p[1]), float64(p[2])}
	}
	// kdtree.New reorders its input, so it gets its own slice header.
	tree := kdtree.New(append(kdtree.Points(nil), queries...), false)

	parallelRows(n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			keeper := kdtree.NewNKeeper(k + 1)
			tree.NearestSet(keeper, queries[i])
			dists := make([]float64, 0, k+1)
			for _, cd := range keeper.Heap {
				if cd.Comparable != nil {
					dists = append(dists, cd.Dist)
				}
			}
			slices.Sort(dists)
			// the query point itself is the closest hit at distance zero
			if len(dists) > 0 && dists[0] == 0 {
				dists = dists[1:]
			}
			if len(dists) > k {
				dists = dists[:k]
			}
			var sum float64
			count := len(dists)
			for _, d := range dists {
				sum += d
			}
			if count > 0 {
				out[i] = float32(sum / float64(count))
			}
		}
	})
	return out
}

// SceneExtent returns the radius of the sphere around the cloud centroid that
// contains every point, scaled by 1.1, as used for densification thresholds.
func (pc *PointCloud) SceneExtent() float32 {
	n := pc.Points.Rows()
	if n == 0 {
		return 0
	}
	var cx, cy, cz float32
	for i := 0; i < n; i++ {
		p := pc.Points.Row(i)
		cx += p[0]
		cy += p[1]
		cz += p[2]
	}
	cx, cy, cz = cx/float32(n), cy/float32(n), cz/float32(n)
	var r float32
	for i := 0; i < n; i++ {
		p := pc.Points.Row(i)
		dx, dy, dz := p[0]-cx, p[1]-cy, p[2]-cz
		r = math32.Max(r, math32.Sqrt(dx*dx+dy*dy+dz*dz))
	}
	return r * 1.1
}
