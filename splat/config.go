package splat

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EvalMode selects how the temporal basis is evaluated.
type EvalMode string

const (
	// EvalWindowed sums every basis function but only the window around the
	// query time receives gradient.
	EvalWindowed EvalMode = "windowed"
	// EvalFull sums every basis function and every one receives gradient.
	EvalFull EvalMode = "full"
	// EvalTruncated sums only a fixed half-window around the query time.
	EvalTruncated EvalMode = "truncated"
)

// Channel slices of the deformation vector.
const (
	posChannels   = 3
	rotChannels   = 4
	scaleChannels = 3

	rotOffset        = posChannels
	scaleOffset      = rotOffset + rotChannels
	brightnessOffset = scaleOffset + scaleChannels
)

// Config is the immutable model configuration. It is passed by value into
// every component at construction.
type Config struct {
	SHDegree     int      `toml:"sh_degree" yaml:"sh_degree"`
	Channels     int      `toml:"channels" yaml:"channels"`
	BasisCount   int      `toml:"basis_count" yaml:"basis_count"`
	WindowRadius int      `toml:"window_radius" yaml:"window_radius"`
	Mode         EvalMode `toml:"mode" yaml:"mode"`
	InitWidth    float32  `toml:"init_width" yaml:"init_width"`
	ScaleCeiling float32  `toml:"scale_ceiling" yaml:"scale_ceiling"`
	InitOpacity  float32  `toml:"init_opacity" yaml:"init_opacity"`
	MaxTime      float32  `toml:"max_time" yaml:"max_time"`
	Seed         int64    `toml:"seed" yaml:"seed"`
}

// DefaultConfig returns the configuration the deformation model was tuned with.
func DefaultConfig() Config {
	return Config{
		SHDegree:     3,
		Channels:     13,
		BasisCount:   20,
		WindowRadius: 8,
		Mode:         EvalWindowed,
		InitWidth:    0.01,
		ScaleCeiling: 2,
		InitOpacity:  0.1,
		MaxTime:      1,
		Seed:         1,
	}
}

// Validate checks the configuration for values the model cannot represent.
func (c Config) Validate() error {
	if c.SHDegree < 0 {
		return fmt.Errorf("sh_degree must be >= 0, got %d", c.SHDegree)
	}
	if c.BasisCount < 1 {
		return fmt.Errorf("basis_count must be >= 1, got %d", c.BasisCount)
	}
	switch c.Channels {
	case 7, 10, 11, 13:
	default:
		return fmt.Errorf("channels must be one of 7, 10, 11, 13, got %d", c.Channels)
	}
	switch c.Mode {
	case EvalWindowed, EvalFull, EvalTruncated:
	default:
		return fmt.Errorf("unknown evaluation mode %q", c.Mode)
	}
	if c.InitWidth <= 0 {
		return fmt.Errorf("init_width must be > 0, got %g", c.InitWidth)
	}
	if c.ScaleCeiling <= 0 {
		return fmt.Errorf("scale_ceiling must be > 0, got %g", c.ScaleCeiling)
	}
	if c.InitOpacity <= 0 || c.InitOpacity >= 1 {
		return fmt.Errorf("init_opacity must be in (0,1), got %g", c.InitOpacity)
	}
	if c.MaxTime <= 0 {
		return fmt.Errorf("max_time must be > 0, got %g", c.MaxTime)
	}
	return nil
}

// CoefWidth is the number of basis coefficients stored per primitive.
func (c Config) CoefWidth() int {
	return c.Channels * 3 * c.BasisCount
}

// RestCoeffs is the number of higher-order SH coefficients per color.
func (c Config) RestCoeffs() int {
	return (c.SHDegree+1)*(c.SHDegree+1) - 1
}

// HasScaleDeform reports whether the channel layout carries a scale slice.
func (c Config) HasScaleDeform() bool { return c.Channels >= brightnessOffset }

// HasBrightness reports whether the channel layout carries brightness channels.
func (c Config) HasBrightness() bool { return c.Channels > brightnessOffset }

// TrainingConfig holds learning rates and the densification schedule.
type TrainingConfig struct {
	PercentDense float32 `toml:"percent_dense" yaml:"percent_dense"`

	PositionLRInit      float32 `toml:"position_lr_init" yaml:"position_lr_init"`
	PositionLRFinal     float32 `toml:"position_lr_final" yaml:"position_lr_final"`
	PositionLRDelayMult float32 `toml:"position_lr_delay_mult" yaml:"position_lr_delay_mult"`
	PositionLRMaxSteps  int     `toml:"position_lr_max_steps" yaml:"position_lr_max_steps"`

	DeformationLRInit      float32 `toml:"deformation_lr_init" yaml:"deformation_lr_init"`
	DeformationLRFinal     float32 `toml:"deformation_lr_final" yaml:"deformation_lr_final"`
	DeformationLRDelayMult float32 `toml:"deformation_lr_delay_mult" yaml:"deformation_lr_delay_mult"`

	FeatureLR      float32 `toml:"feature_lr" yaml:"feature_lr"`
	OpacityLR      float32 `toml:"opacity_lr" yaml:"opacity_lr"`
	ScalingLR      float32 `toml:"scaling_lr" yaml:"scaling_lr"`
	RotationLR     float32 `toml:"rotation_lr" yaml:"rotation_lr"`
	SpatialLRScale float32 `toml:"spatial_lr_scale" yaml:"spatial_lr_scale"`
	AdamEpsilon    float32 `toml:"adam_epsilon" yaml:"adam_epsilon"`

	DensifyFrom          int     `toml:"densify_from" yaml:"densify_from"`
	DensifyUntil         int     `toml:"densify_until" yaml:"densify_until"`
	DensifyInterval      int     `toml:"densify_interval" yaml:"densify_interval"`
	OpacityResetInterval int     `toml:"opacity_reset_interval" yaml:"opacity_reset_interval"`
	DensifyGradThreshold float32 `toml:"densify_grad_threshold" yaml:"densify_grad_threshold"`
	MinOpacity           float32 `toml:"min_opacity" yaml:"min_opacity"`
	ScreenSizeCap        float32 `toml:"screen_size_cap" yaml:"screen_size_cap"`
	SceneExtent          float32 `toml:"scene_extent" yaml:"scene_extent"`
	SHIncrementInterval  int     `toml:"sh_increment_interval" yaml:"sh_increment_interval"`
	DeformationThreshold float32 `toml:"deformation_threshold" yaml:"deformation_threshold"`

	L1Weight float32 `toml:"l1_weight" yaml:"l1_weight"`
	L2Weight float32 `toml:"l2_weight" yaml:"l2_weight"`
}

// DefaultTrainingConfig returns the standard 30k-iteration schedule.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		PercentDense:           0.01,
		PositionLRInit:         1.6e-4,
		PositionLRFinal:        1.6e-6,
		PositionLRDelayMult:    0.01,
		PositionLRMaxSteps:     30000,
		DeformationLRInit:      1.6e-4,
		DeformationLRFinal:     1.6e-5,
		DeformationLRDelayMult: 0.01,
		FeatureLR:              2.5e-3,
		OpacityLR:              0.05,
		ScalingLR:              5e-3,
		RotationLR:             1e-3,
		SpatialLRScale:         1,
		AdamEpsilon:            1e-15,
		DensifyFrom:            500,
		DensifyUntil:           15000,
		DensifyInterval:        100,
		OpacityResetInterval:   3000,
		DensifyGradThreshold:   2e-4,
		MinOpacity:             0.005,
		ScreenSizeCap:          20,
		SceneExtent:            1,
		SHIncrementInterval:    1000,
	}
}

// Validate rejects schedules that would divide by zero or never terminate.
func (c TrainingConfig) Validate() error {
	if c.PercentDense <= 0 {
		return fmt.Errorf("percent_dense must be > 0, got %g", c.PercentDense)
	}
	if c.PositionLRMaxSteps <= 0 {
		return fmt.Errorf("position_lr_max_steps must be > 0, got %d", c.PositionLRMaxSteps)
	}
	if c.DensifyInterval <= 0 {
		return fmt.Errorf("densify_interval must be > 0, got %d", c.DensifyInterval)
	}
	if c.AdamEpsilon <= 0 {
		return fmt.Errorf("adam_epsilon must be > 0, got %g", c.AdamEpsilon)
	}
	if c.SceneExtent <= 0 {
		return fmt.Errorf("scene_extent must be > 0, got %g", c.SceneExtent)
	}
	return nil
}

// Options bundles the model and training configuration as stored on disk.
type Options struct {
	Model    Config         `toml:"model" yaml:"model"`
	Training TrainingConfig `toml:"training" yaml:"training"`
}

// DefaultOptions returns default model and training configuration.
func DefaultOptions() Options {
	return Options{Model: DefaultConfig(), Training: DefaultTrainingConfig()}
}

// LoadOptions reads options from a TOML or YAML file chosen by extension.
// Values absent from the file keep their defaults.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("failed to read options: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &opts)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &opts)
	default:
		return opts, fmt.Errorf("unsupported options format %q", filepath.Ext(path))
	}
	if err != nil {
		return opts, fmt.Errorf("failed to parse options %s: %w", path, err)
	}
	if err := opts.Model.Validate(); err != nil {
		return opts, err
	}
	if err := opts.Training.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

// SaveOptions writes options as TOML.
func SaveOptions(path string, opts Options) error {
	data, err := toml.Marshal(opts)
	if err != nil {
		return fmt.Errorf("failed to encode options: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
