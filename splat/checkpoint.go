package splat

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Side files written next to a checkpoint. Older checkpoints may lack them
// or store them under these bare names in the checkpoint's directory.
const (
	DeformationTableFile = "deformation_table.safetensors"
	DeformationAccumFile = "deformation_accum.safetensors"
)

// SideFilePath returns the side file name for the checkpoint at path:
// "dir/model.safetensors" becomes "dir/model.<name>".
func SideFilePath(path, name string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return filepath.Join(filepath.Dir(path), base+"."+name)
}

var checkpointKeys = map[ParamGroup]string{
	GroupXYZ:          "xyz",
	GroupFeaturesDC:   "feature_dc",
	GroupFeaturesRest: "feature_rest",
	GroupOpacity:      "opacity",
	GroupScaling:      "scaling",
	GroupRotation:     "rotation",
	GroupCoefs:        "coef",
}

func f32Tensor(t *Tensor) TensorWithShape {
	return TensorWithShape{DType: "F32", Shape: append([]int(nil), t.Shape...), Values: append([]float32(nil), t.Data...)}
}

func i32Tensor(v []int32) TensorWithShape {
	values := make([]float32, len(v))
	for i, x := range v {
		values[i] = float32(x)
	}
	return TensorWithShape{DType: "I32", Shape: []int{len(v)}, Values: values}
}

func boolTensor(v []bool) TensorWithShape {
	values := make([]float32, len(v))
	for i, x := range v {
		if x {
			values[i] = 1
		}
	}
	return TensorWithShape{DType: "BOOL", Shape: []int{len(v)}, Values: values}
}

func formatFloat(v float32) string {
	return strconv.FormatFloat(float64(v), 'g', -1, 32)
}

// SaveCheckpoint writes the parameters, per-primitive ids, the cached
// deformation, timing metadata and optimizer state to path, plus the
// deformation table and accumulator side files named after it.
func (m *Model) SaveCheckpoint(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	s := m.set
	tensors := make(map[string]TensorWithShape, 16)
	for g, key := range checkpointKeys {
		tensors[key] = f32Tensor(s.param(g))
	}
	tensors["unique_kfIDs"] = i32Tensor(s.kfIDs)
	tensors["n_obs"] = i32Tensor(s.nObs)
	if m.deform != nil {
		tensors["deform"] = f32Tensor(m.deform)
	}

	meta := map[string]string{
		"max_time":         formatFloat(m.cfg.MaxTime),
		"time":             formatFloat(m.time),
		"deform_t":         formatFloat(m.deformT),
		"active_sh_degree": strconv.Itoa(m.activeSHDegree),
		"spatial_lr_scale": formatFloat(m.spatialLRScale),
	}
	if m.hasStart {
		meta["start_time"] = formatFloat(m.startTime)
	}

	if m.optimizer != nil {
		st := m.optimizer.State()
		for g, gs := range st.Groups {
			prefix := "optimizer." + g.String()
			meta[prefix+".lr"] = formatFloat(gs.LR)
			meta[prefix+".step"] = strconv.Itoa(gs.Step)
			if gs.ExpAvg != nil {
				tensors[prefix+".exp_avg"] = f32Tensor(gs.ExpAvg)
				tensors[prefix+".exp_avg_sq"] = f32Tensor(gs.ExpAvgSq)
			}
		}
		meta["optimizer.epsilon"] = formatFloat(st.Epsilon)
	}

	if err := SaveSafetensors(path, tensors, meta); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", path, err)
	}
	if err := SaveSafetensors(SideFilePath(path, DeformationTableFile),
		map[string]TensorWithShape{"deformation_table": boolTensor(s.deformationTable)}, nil); err != nil {
		return fmt.Errorf("failed to save deformation table: %w", err)
	}
	if err := SaveSafetensors(SideFilePath(path, DeformationAccumFile),
		map[string]TensorWithShape{"deformation_accum": f32Tensor(s.deformationAccum)}, nil); err != nil {
		return fmt.Errorf("failed to save deformation accumulator: %w", err)
	}
	return nil
}

// LoadCheckpoint replaces the model content with the checkpoint at path.
// Missing side files default to an all-true table and a zero accumulator.
// When training was set up, the optimizer is rebuilt and its saved state
// restored.
func (m *Model) LoadCheckpoint(path string) error {
	slog.Info("loading checkpoint", slog.String("path", path))
	file, err := LoadSafetensors(path)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint %s: %w", path, err)
	}

	s := &primitiveSet{}
	for _, g := range AllGroups {
		key := checkpointKeys[g]
		ts, ok := file.Tensors[key]
		if !ok {
			return fmt.Errorf("%w: checkpoint has no %q tensor", ErrShapeMismatch, key)
		}
		s.setParam(g, NewTensorFromSlice(ts.Values, ts.Shape...))
	}
	if err := checkParamShapes(s, m.cfg); err != nil {
		return err
	}
	n := s.len()

	if s.kfIDs, err = int32Column(file, "unique_kfIDs", n); err != nil {
		return err
	}
	if s.nObs, err = int32Column(file, "n_obs", n); err != nil {
		return err
	}
	s.resetStats()

	if s.deformationTable, err = loadDeformationTable(path, n); err != nil {
		return err
	}
	if s.deformationAccum, err = loadDeformationAccum(path, n); err != nil {
		return err
	}
	s.validate()

	meta := file.Metadata
	if v, ok := meta["max_time"]; ok {
		if mt, err := strconv.ParseFloat(v, 32); err == nil && float32(mt) != m.cfg.MaxTime {
			slog.Warn("checkpoint max_time differs from configuration",
				slog.String("checkpoint", v), slog.String("config", formatFloat(m.cfg.MaxTime)))
		}
	}

	m.set = s
	m.ClearDeformation()
	m.activeSHDegree = min(metaInt(meta, "active_sh_degree", 0), m.cfg.SHDegree)
	m.spatialLRScale = metaFloat(meta, "spatial_lr_scale", m.spatialLRScale)
	m.time = metaFloat(meta, "time", 0)
	_, m.hasStart = meta["start_time"]
	m.startTime = metaFloat(meta, "start_time", 0)
	if d, ok := file.Tensors["deform"]; ok {
		if len(d.Shape) == 2 && d.Shape[0] == n && d.Shape[1] == m.cfg.Channels {
			m.deformT = metaFloat(meta, "deform_t", 0)
			m.setDeformation(NewTensorFromSlice(d.Values, d.Shape...))
		} else {
			slog.Warn("ignoring cached deformation with unexpected shape", slog.Any("shape", d.Shape))
		}
	}

	if m.optimizer == nil {
		return nil
	}
	// TrainingSetup zeroes the statistics; the accumulator is saved state.
	accum := m.set.deformationAccum
	if err := m.TrainingSetup(m.training); err != nil {
		return err
	}
	m.set.deformationAccum = accum
	return m.optimizer.LoadState(optimizerState(file))
}

func optimizerState(file *SafetensorsFile) *AdamState {
	st := &AdamState{
		Epsilon: metaFloat(file.Metadata, "optimizer.epsilon", 0),
		Groups:  make(map[ParamGroup]AdamGroupState),
	}
	for _, g := range AllGroups {
		prefix := "optimizer." + g.String()
		lrText, ok := file.Metadata[prefix+".lr"]
		if !ok {
			continue
		}
		lr, _ := strconv.ParseFloat(lrText, 32)
		gs := AdamGroupState{LR: float32(lr), Step: metaInt(file.Metadata, prefix+".step", 0)}
		avg, okAvg := file.Tensors[prefix+".exp_avg"]
		sq, okSq := file.Tensors[prefix+".exp_avg_sq"]
		if okAvg && okSq {
			gs.ExpAvg = NewTensorFromSlice(avg.Values, avg.Shape...)
			gs.ExpAvgSq = NewTensorFromSlice(sq.Values, sq.Shape...)
		}
		st.Groups[g] = gs
	}
	return st
}

func int32Column(file *SafetensorsFile, key string, n int) ([]int32, error) {
	ts, ok := file.Tensors[key]
	if !ok {
		return make([]int32, n), nil
	}
	if len(ts.Values) != n {
		return nil, fmt.Errorf("%w: %s has %d entries, expected %d", ErrShapeMismatch, key, len(ts.Values), n)
	}
	out := make([]int32, n)
	for i, v := range ts.Values {
		out[i] = int32(v)
	}
	return out, nil
}

func loadDeformationTable(checkpoint string, n int) ([]bool, error) {
	file, path, err := loadSideFile(checkpoint, DeformationTableFile)
	if err != nil || file == nil {
		return filled(n, true), err
	}
	ts, ok := file.Tensors["deformation_table"]
	if !ok || len(ts.Values) != n {
		return nil, fmt.Errorf("%w: deformation table in %s does not cover %d primitives", ErrShapeMismatch, path, n)
	}
	out := make([]bool, n)
	for i, v := range ts.Values {
		out[i] = v != 0
	}
	return out, nil
}

func loadDeformationAccum(checkpoint string, n int) (*Tensor, error) {
	file, path, err := loadSideFile(checkpoint, DeformationAccumFile)
	if err != nil || file == nil {
		return NewTensor(n, 3), err
	}
	ts, ok := file.Tensors["deformation_accum"]
	if !ok || len(ts.Values) != n*3 {
		return nil, fmt.Errorf("%w: deformation accumulator in %s does not cover %d primitives", ErrShapeMismatch, path, n)
	}
	return NewTensorFromSlice(ts.Values, n, 3), nil
}

// loadSideFile reads the named side file of checkpoint, falling back to the
// bare name in its directory. It returns nil without error when neither exists.
func loadSideFile(checkpoint, name string) (*SafetensorsFile, string, error) {
	candidates := []string{
		SideFilePath(checkpoint, name),
		filepath.Join(filepath.Dir(checkpoint), name),
	}
	for _, path := range candidates {
		file, err := LoadSafetensors(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return file, path, err
	}
	slog.Info("side file missing, using defaults", slog.String("checkpoint", checkpoint), slog.String("name", name))
	return nil, "", nil
}

func metaFloat(meta map[string]string, key string, fallback float32) float32 {
	v, ok := meta[key]
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 32)
	if err != nil {
		return fallback
	}
	return float32(f)
}

func metaInt(meta map[string]string, key string, fallback int) int {
	v, ok := meta[key]
	if !ok {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}
