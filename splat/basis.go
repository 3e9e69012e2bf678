package splat

import (
	"fmt"
	"log/slog"

	"github.com/chewxy/math32"
)

// basisEpsilon keeps the width denominator away from zero.
const basisEpsilon = 1e-6

// Coefficient slots per basis function.
const (
	slotWeight = 0
	slotCenter = 1
	slotWidth  = 2
	numSlots   = 3
)

// BasisBackend evaluates the forward sum of the temporal basis on an
// accelerator. coefs holds n rows of channels*3*basisCount values; only basis
// functions in [lo,hi) are summed. The result holds n*channels values.
type BasisBackend interface {
	Name() string
	EvaluateBasis(coefs []float32, n, channels, basisCount int, t float32, lo, hi int) ([]float32, error)
}

// PartialWindow returns the gradient-bearing window [lo,hi) of the windowed
// evaluator: up to 2*radius basis functions centred on floor(t*basisCount)+2,
// clipped to [0,basisCount). A non-positive radius yields the empty window.
func PartialWindow(t float32, basisCount, radius int) (lo, hi int) {
	if radius <= 0 {
		return 0, 0
	}
	idx := int(math32.Floor(t*float32(basisCount))) + 2
	return clipWindow(idx-radius, idx+radius, basisCount)
}

// truncatedWindow is the fixed half-window used by EvalTruncated.
func truncatedWindow(t float32, basisCount, radius int) (lo, hi int) {
	idx := int(math32.Floor(t * float32(basisCount)))
	return clipWindow(idx-radius/2, idx+radius/2, basisCount)
}

func clipWindow(lo, hi, basisCount int) (int, int) {
	if lo < 0 {
		lo = 0
	}
	if hi > basisCount {
		hi = basisCount
	}
	if lo > basisCount {
		lo = basisCount
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// BasisEvaluator maps basis coefficients and a normalized time to a
// per-primitive deformation vector.
type BasisEvaluator struct {
	cfg     Config
	backend BasisBackend
}

// NewBasisEvaluator returns an evaluator for cfg. backend may be nil.
func NewBasisEvaluator(cfg Config, backend BasisBackend) *BasisEvaluator {
	return &BasisEvaluator{cfg: cfg, backend: backend}
}

// sumRange is the range of basis functions contributing to the forward value.
func (e *BasisEvaluator) sumRange(t float32) (int, int) {
	if e.cfg.Mode == EvalTruncated {
		return truncatedWindow(t, e.cfg.BasisCount, e.cfg.WindowRadius)
	}
	return 0, e.cfg.BasisCount
}

// GradientWindow is the range of basis functions that receive gradient at t.
// Basis functions outside it are treated as constants.
func (e *BasisEvaluator) GradientWindow(t float32) (lo, hi int) {
	switch e.cfg.Mode {
	case EvalFull:
		return 0, e.cfg.BasisCount
	case EvalTruncated:
		return truncatedWindow(t, e.cfg.BasisCount, e.cfg.WindowRadius)
	default:
		return PartialWindow(t, e.cfg.BasisCount, e.cfg.WindowRadius)
	}
}

func coefIndex(c, slot, b, basisCount int) int {
	return (c*numSlots+slot)*basisCount + b
}

// basisTerm evaluates w*exp(-e^2) with e = (t-mu)^2/(sigma^2+eps) and
// returns the intermediates needed by the gradient.
func basisTerm(w, mu, sigma, t float32) (val, g, e, d, s float32) {
	d = t - mu
	s = sigma*sigma + basisEpsilon
	e = d * d / s
	g = math32.Exp(-e * e)
	return w * g, g, e, d, s
}

// Evaluate returns the (N, Channels) deformation at normalized time t.
func (e *BasisEvaluator) Evaluate(coefs *Tensor, t float32) *Tensor {
	n := coefs.Rows()
	C, B := e.cfg.Channels, e.cfg.BasisCount
	if coefs.RowWidth() != e.cfg.CoefWidth() {
		panic(fmt.Sprintf("splat: coefficient rows hold %d values, expected %d", coefs.RowWidth(), e.cfg.CoefWidth()))
	}
	lo, hi := e.sumRange(t)

	if e.backend != nil && n > 0 {
		data, err := e.backend.EvaluateBasis(coefs.Data, n, C, B, t, lo, hi)
		if err == nil && len(data) == n*C {
			return NewTensorFromSlice(data, n, C)
		}
		slog.Warn("basis backend failed, evaluating on CPU",
			slog.String("backend", e.backend.Name()), slog.Any("error", err))
	}

	out := NewTensor(n, C)
	parallelRows(n, func(rlo, rhi int) {
		for i := rlo; i < rhi; i++ {
			row := coefs.Row(i)
			dst := out.Row(i)
			for c := 0; c < C; c++ {
				var sum float32
				for b := lo; b < hi; b++ {
					v, _, _, _, _ := basisTerm(
						row[coefIndex(c, slotWeight, b, B)],
						row[coefIndex(c, slotCenter, b, B)],
						row[coefIndex(c, slotWidth, b, B)],
						t,
					)
					sum += v
				}
				dst[c] = sum
			}
		}
	})
	return out
}

// Backward propagates dDeform, the (N, Channels) gradient of the loss with
// respect to the deformation, into a gradient over coefs. Only basis functions
// in GradientWindow(t) receive non-zero gradient.
func (e *BasisEvaluator) Backward(coefs *Tensor, t float32, dDeform *Tensor) (*Tensor, error) {
	n := coefs.Rows()
	C, B := e.cfg.Channels, e.cfg.BasisCount
	if dDeform.Rows() != n || dDeform.RowWidth() != C {
		return nil, fmt.Errorf("%w: deformation gradient shape %v, expected [%d %d]", ErrShapeMismatch, dDeform.Shape, n, C)
	}
	grad := coefs.ZerosLike()
	lo, hi := e.GradientWindow(t)
	if lo == hi {
		return grad, nil
	}

	parallelRows(n, func(rlo, rhi int) {
		for i := rlo; i < rhi; i++ {
			row := coefs.Row(i)
			gRow := grad.Row(i)
			up := dDeform.Row(i)
			for c := 0; c < C; c++ {
				dOut := up[c]
				if dOut == 0 {
					continue
				}
				for b := lo; b < hi; b++ {
					wi := coefIndex(c, slotWeight, b, B)
					mi := coefIndex(c, slotCenter, b, B)
					si := coefIndex(c, slotWidth, b, B)
					w, sigma := row[wi], row[si]
					_, g, ex, d, s := basisTerm(w, row[mi], sigma, t)
					gRow[wi] += dOut * g
					gRow[mi] += dOut * 4 * w * g * ex * d / s
					gRow[si] += dOut * 4 * w * g * ex * ex * sigma / s
				}
			}
		}
	})
	return grad, nil
}
