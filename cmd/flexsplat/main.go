// Command flexsplat creates, converts and inspects deformable Gaussian
// splat models.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"cogentcore.org/core/base/errors"
	"cogentcore.org/core/cli"

	"github.com/openfluke/flexsplat/gpu"
	"github.com/openfluke/flexsplat/ply"
	"github.com/openfluke/flexsplat/splat"
)

// Config is shared by every command.
type Config struct {

	// Input is the seed point cloud (init) or checkpoint (other commands).
	Input string `posarg:"0"`

	// Output is the PLY file to write.
	Output string `flag:"o,output"`

	// Options is a TOML or YAML file with model and training settings.
	Options string `flag:"options"`

	// Time is the query time for the deform command.
	Time float32 `cmd:"deform" flag:"t,time"`

	// GPU evaluates the temporal basis on a WebGPU device when available.
	GPU bool `flag:"gpu"`

	// Debug enables debug logging.
	Debug bool `flag:"debug"`
}

func main() {
	opts := cli.DefaultOptions("flexsplat", "Create, convert and inspect deformable Gaussian splat models.")
	cli.Run(opts, &Config{}, Init, Export, Inspect, Deform)
}

func (c *Config) setup() (splat.Options, *splat.Model, error) {
	if c.Debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}
	options := splat.DefaultOptions()
	if c.Options != "" {
		var err error
		if options, err = splat.LoadOptions(c.Options); err != nil {
			return options, nil, err
		}
	}
	var modelOpts []splat.ModelOption
	if c.GPU {
		backend, err := gpu.NewBasisEvaluator()
		if errors.Log(err) == nil {
			modelOpts = append(modelOpts, splat.WithBackend(backend))
		}
	}
	model, err := splat.NewModel(options.Model, modelOpts...)
	return options, model, err
}

func (c *Config) output(fallback string) string {
	if c.Output != "" {
		return c.Output
	}
	return fallback
}

// checkpointPath returns the checkpoint written next to a point-set file.
func checkpointPath(plyPath string) string {
	return filepath.Join(filepath.Dir(plyPath), "model.safetensors")
}

// Init creates a model from a seed point cloud and writes it as a PLY file
// plus a checkpoint in the same directory.
func Init(c *Config) error {
	options, model, err := c.setup()
	if err != nil {
		return err
	}
	pc, err := splat.ReadPointCloud(c.Input)
	if err != nil {
		return err
	}
	scale := options.Training.SpatialLRScale
	if extent := pc.SceneExtent(); extent > 0 {
		scale = extent
	}
	if err := model.CreateFromPointCloud(pc, scale); err != nil {
		return err
	}
	out := c.output("point_cloud.ply")
	if err := model.SavePLY(out); err != nil {
		return err
	}
	return model.SaveCheckpoint(checkpointPath(out))
}

// Export writes the raw parameters of a checkpoint as a PLY file.
func Export(c *Config) error {
	_, model, err := c.setup()
	if err != nil {
		return err
	}
	if err := model.LoadCheckpoint(c.Input); err != nil {
		return err
	}
	return model.SavePLY(c.output("point_cloud.ply"))
}

// Inspect logs a summary of a checkpoint.
func Inspect(c *Config) error {
	_, model, err := c.setup()
	if err != nil {
		return err
	}
	if err := model.LoadCheckpoint(c.Input); err != nil {
		return err
	}
	deforming := 0
	for _, v := range model.DeformationTable() {
		if v {
			deforming++
		}
	}
	cfg := model.Config()
	start, hasStart := model.StartTime()
	slog.Info("checkpoint",
		slog.String("path", c.Input),
		slog.Int("points", model.Len()),
		slog.Int("active_sh_degree", model.ActiveSHDegree()),
		slog.Int("max_sh_degree", model.MaxSHDegree()),
		slog.Int("channels", cfg.Channels),
		slog.Int("basis_count", cfg.BasisCount),
		slog.Int("deforming", deforming),
		slog.Bool("has_start_time", hasStart),
		slog.Float64("start_time", float64(start)),
		slog.Float64("time", float64(model.Time())))
	slog.Info("regularization",
		slog.Float64("l1", float64(model.L1Regularization())),
		slog.Float64("l2", float64(model.L2Regularization())),
		slog.Float64("sparsity", float64(model.SparsityRegularization())))
	return nil
}

// Deform evaluates a checkpoint at the given time and writes the deformed,
// activated attributes as a PLY file.
func Deform(c *Config) error {
	_, model, err := c.setup()
	if err != nil {
		return err
	}
	if err := model.LoadCheckpoint(c.Input); err != nil {
		return err
	}
	// a model that was never deformed is evaluated against time zero
	if _, ok := model.StartTime(); !ok {
		model.SetStartTime(0)
	}
	model.Deform(c.Time)
	table, err := deformedTable(model)
	if err != nil {
		return err
	}
	out := c.output(fmt.Sprintf("deformed_%g.ply", c.Time))
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return err
	}
	return ply.WriteFile(out, "vertex", table)
}

// deformedTable collects positions, scales, rotations, opacity and RGB of the
// current deformation into a table.
func deformedTable(m *splat.Model) (*ply.Table, error) {
	n := m.Len()
	table := ply.NewTable(n)
	add := func(t *splat.Tensor, names ...string) error {
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
	features := m.Features()
	rgb := splat.NewTensor(n, 3)
	for i := 0; i < n; i++ {
		dc, out := features.Row(i)[:3], rgb.Row(i)
		for k := range out {
			out[k] = splat.SHToRGB(dc[k])
		}
	}
	for _, step := range []struct {
		t     *splat.Tensor
		names []string
	}{
		{m.XYZ(), []string{"x", "y", "z"}},
		{m.Scaling(), []string{"scale_0", "scale_1", "scale_2"}},
		{m.Rotation(), []string{"rot_0", "rot_1", "rot_2", "rot_3"}},
		{m.Opacity(), []string{"opacity"}},
		{rgb, []string{"red", "green", "blue"}},
	} {
		if err := add(step.t, step.names...); err != nil {
			return nil, err
		}
	}
	return table, nil
}
