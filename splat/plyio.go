package splat

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/openfluke/flexsplat/ply"
)

const vertexElement = "vertex"

// plyColumns returns the exported column names for the current tensor shapes.
func (m *Model) plyColumns() []string {
	names := []string{"x", "y", "z", "nx", "ny", "nz"}
	for i := 0; i < 3; i++ {
		names = append(names, fmt.Sprintf("f_dc_%d", i))
	}
	for i := 0; i < m.set.featuresRest.RowWidth(); i++ {
		names = append(names, fmt.Sprintf("f_rest_%d", i))
	}
	names = append(names, "opacity")
	for i := 0; i < m.set.scaling.RowWidth(); i++ {
		names = append(names, fmt.Sprintf("scale_%d", i))
	}
	for i := 0; i < m.set.rotation.RowWidth(); i++ {
		names = append(names, fmt.Sprintf("rot_%d", i))
	}
	for i := 0; i < m.set.coefs.RowWidth(); i++ {
		names = append(names, fmt.Sprintf("coefs_%d", i))
	}
	return names
}

// SavePLY exports the raw (pre-activation, undeformed) parameters as a
// binary PLY vertex table. Normals are written as zero and the rest SH
// coefficients are ordered color-major.
func (m *Model) SavePLY(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	s := m.set
	n := s.len()
	k := s.featuresRest.Shape[1]
	table := ply.NewTable(n)
	cols := make([][]float32, 0, len(m.plyColumns()))
	for _, name := range m.plyColumns() {
		col := make([]float32, n)
		cols = append(cols, col)
		if err := table.Add(name, col); err != nil {
			return err
		}
	}

	for i := 0; i < n; i++ {
		j := 0
		put := func(v float32) {
			cols[j][i] = v
			j++
		}
		for _, v := range s.xyz.Row(i) {
			put(v)
		}
		j += 3 // normals stay zero
		for _, v := range s.featuresDC.Row(i) {
			put(v)
		}
		rest := s.featuresRest.Row(i)
		for c := 0; c < 3; c++ {
			for r := 0; r < k; r++ {
				put(rest[r*3+c])
			}
		}
		put(s.opacity.Row(i)[0])
		for _, v := range s.scaling.Row(i) {
			put(v)
		}
		for _, v := range s.rotation.Row(i) {
			put(v)
		}
		for _, v := range s.coefs.Row(i) {
			put(v)
		}
	}
	if err := ply.WriteFile(path, vertexElement, table); err != nil {
		return err
	}
	slog.Info("saved point set", slog.String("path", path), slog.Int("points", n), slog.Int("columns", len(cols)))
	return nil
}

func requireColumns(t *ply.Table, names ...string) ([][]float32, error) {
	out := make([][]float32, len(names))
	for i, name := range names {
		c, ok := t.Column(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, name)
		}
		out[i] = c
	}
	return out, nil
}

// LoadPLY replaces the model content with a table written by SavePLY. The
// rest SH column count must equal 3*(D+1)^2-3 and the coefficient columns
// must match the configured channels and basis count. Statistics start at
// zero, the deformation table all true and the active SH degree at the
// maximum.
func (m *Model) LoadPLY(path string) error {
	table, err := ply.ReadFile(path, vertexElement)
	if err != nil {
		return err
	}
	cfg := m.cfg
	n := table.Len

	xyz, err := requireColumns(table, "x", "y", "z")
	if err != nil {
		return err
	}
	dc, err := requireColumns(table, "f_dc_0", "f_dc_1", "f_dc_2")
	if err != nil {
		return err
	}
	op, err := requireColumns(table, "opacity")
	if err != nil {
		return err
	}

	restNames := table.Prefixed("f_rest_")
	k := cfg.RestCoeffs()
	if len(restNames) != 3*k {
		return fmt.Errorf("%w: %d f_rest columns, expected %d for SH degree %d", ErrShapeMismatch, len(restNames), 3*k, cfg.SHDegree)
	}
	scaleNames := table.Prefixed("scale_")
	rotNames := table.Prefixed("rot_")
	coefNames := table.Prefixed("coefs_")
	if len(scaleNames) != 3 {
		return fmt.Errorf("%w: expected 3 scale columns, got %d", ErrMissingColumn, len(scaleNames))
	}
	if len(rotNames) != 4 {
		return fmt.Errorf("%w: expected 4 rot columns, got %d", ErrMissingColumn, len(rotNames))
	}
	if len(coefNames) != cfg.CoefWidth() {
		return fmt.Errorf("%w: %d coefs columns, expected %d", ErrShapeMismatch, len(coefNames), cfg.CoefWidth())
	}
	rest, _ := requireColumns(table, restNames...)
	scale, _ := requireColumns(table, scaleNames...)
	rot, _ := requireColumns(table, rotNames...)
	coefCols, _ := requireColumns(table, coefNames...)

	s := &primitiveSet{
		xyz:          gatherColumns(xyz, n, 3),
		featuresDC:   gatherColumns(dc, n, 1, 3),
		featuresRest: NewTensor(n, k, 3),
		opacity:      gatherColumns(op, n, 1),
		scaling:      gatherColumns(scale, n, 3),
		rotation:     gatherColumns(rot, n, 4),
		coefs:        gatherColumns(coefCols, n, cfg.Channels, numSlots, cfg.BasisCount),
	}
	for i := 0; i < n; i++ {
		row := s.featuresRest.Row(i)
		for c := 0; c < 3; c++ {
			for r := 0; r < k; r++ {
				row[r*3+c] = rest[c*k+r][i]
			}
		}
	}
	s.deformationTable = filled(n, true)
	s.kfIDs = make([]int32, n)
	s.nObs = make([]int32, n)
	s.resetStats()
	s.validate()

	m.set = s
	m.activeSHDegree = cfg.SHDegree
	m.ClearDeformation()
	if m.optimizer != nil {
		if err := m.TrainingSetup(m.training); err != nil {
			return err
		}
	}
	slog.Info("loaded point set", slog.String("path", path), slog.Int("points", n))
	return nil
}

// gatherColumns interleaves columns into a row-major tensor of the given shape.
func gatherColumns(cols [][]float32, n int, trailing ...int) *Tensor {
	t := NewTensor(append([]int{n}, trailing...)...)
	w := len(cols)
	for i := 0; i < n; i++ {
		row := t.Row(i)
		for j := 0; j < w; j++ {
			row[j] = cols[j][i]
		}
	}
	return t
}

// ReadPointCloud reads a seed cloud from a PLY vertex table. Colors come
// from red/green/blue (integer types are divided by 255) and default to 1
// when absent. Normals are optional.
func ReadPointCloud(path string) (*PointCloud, error) {
	table, err := ply.ReadFile(path, vertexElement)
	if err != nil {
		return nil, err
	}
	n := table.Len
	xyz, err := requireColumns(table, "x", "y", "z")
	if err != nil {
		return nil, err
	}
	pc := &PointCloud{
		Points:  gatherColumns(xyz, n, 3),
		Colors:  NewTensor(n, 3).Fill(1),
		Normals: NewTensor(n, 3),
	}
	if rgb, err := requireColumns(table, "red", "green", "blue"); err == nil {
		scale := float32(1)
		if table.Types["red"] != "float" && table.Types["red"] != "float32" && table.Types["red"] != "double" && table.Types["red"] != "float64" {
			scale = 1.0 / 255
		}
		for i := 0; i < n; i++ {
			row := pc.Colors.Row(i)
			for c := 0; c < 3; c++ {
				row[c] = rgb[c][i] * scale
			}
		}
	}
	if normals, err := requireColumns(table, "nx", "ny", "nz"); err == nil {
		pc.Normals = gatherColumns(normals, n, 3)
	}
	return pc, nil
}

// WritePointCloud writes a seed cloud with float positions, normals and colors.
func WritePointCloud(path string, pc *PointCloud) error {
	if err := pc.validate(); err != nil {
		return err
	}
	n := pc.Points.Rows()
	table := ply.NewTable(n)
	add := func(t *Tensor, names ...string) error {
		for j, name := range names {
			col := make([]float32, n)
			for i := 0; i < n; i++ {
				col[i] = t.Row(i)[j]
			}
			if err := table.Add(name, col); err != nil {
				return err
			}
		}
		return nil
	}
	normals := pc.Normals
	if normals == nil {
		normals = NewTensor(n, 3)
	}
	if err := add(pc.Points, "x", "y", "z"); err != nil {
		return err
	}
	if err := add(normals, "nx", "ny", "nz"); err != nil {
		return err
	}
	if err := add(pc.Colors, "red", "green", "blue"); err != nil {
		return err
	}
	return ply.WriteFile(path, vertexElement, table)
}
