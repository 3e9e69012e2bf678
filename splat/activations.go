package splat

import (
	"github.com/chewxy/math32"
)

// shC0 is the zeroth-order real spherical harmonic constant 1/(2*sqrt(pi)).
const shC0 = 0.28209479177387814

func sigmoid(v float32) float32 {
	return 1.0 / (1.0 + math32.Exp(-v))
}

// inverseSigmoid is the logit, the inverse of sigmoid.
func inverseSigmoid(p float32) float32 {
	return math32.Log(p / (1 - p))
}

// scalingActivation is exp clipped at ceiling so large log-scales cannot blow up.
func scalingActivation(v, ceiling float32) float32 {
	e := math32.Exp(v)
	if e > ceiling {
		return ceiling
	}
	return e
}

func scalingInverseActivation(v float32) float32 {
	return math32.Log(v)
}

// normalizeQuat writes q/|q| into dst. A zero quaternion stays zero.
func normalizeQuat(dst, q []float32) {
	n := math32.Sqrt(q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
	if n < 1e-12 {
		n = 1e-12
	}
	for i := 0; i < 4; i++ {
		dst[i] = q[i] / n
	}
}

// buildRotation returns the row-major rotation matrix of a (w,x,y,z)
// quaternion, normalizing it first.
func buildRotation(q []float32) [9]float32 {
	var u [4]float32
	normalizeQuat(u[:], q)
	r, x, y, z := u[0], u[1], u[2], u[3]
	return [9]float32{
		1 - 2*(y*y+z*z), 2 * (x*y - r*z), 2 * (x*z + r*y),
		2 * (x*y + r*z), 1 - 2*(x*x+z*z), 2 * (y*z - r*x),
		2 * (x*z - r*y), 2 * (y*z + r*x), 1 - 2*(x*x+y*y),
	}
}

// RGBToSH maps an RGB color in [0,1] to the SH DC coefficient.
func RGBToSH(rgb float32) float32 {
	return (rgb - 0.5) / shC0
}

// SHToRGB maps an SH DC coefficient back to RGB.
func SHToRGB(sh float32) float32 {
	return sh*shC0 + 0.5
}

// finiteOr returns v, or fallback when v is NaN or infinite.
func finiteOr(v, fallback float32) float32 {
	if math32.IsNaN(v) || math32.IsInf(v, 0) {
		return fallback
	}
	return v
}
