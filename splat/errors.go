package splat

import "errors"

var (
	// ErrShapeMismatch reports a tensor or column schema that does not match the model configuration.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrMissingColumn reports a required point-set column that is absent.
	ErrMissingColumn = errors.New("missing column")

	// ErrNoGPU is returned by backends that cannot reach a device.
	ErrNoGPU = errors.New("gpu unavailable")
)
