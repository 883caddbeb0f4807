package kern

import (
	"fmt"
	"math"

	"github.com/mfkiwl/falkon/internal/mmv"
	"github.com/mfkiwl/falkon/internal/plan"
	"github.com/mfkiwl/falkon/internal/sparse"
	"github.com/mfkiwl/falkon/internal/tensor"
)

// GaussianKernel is the RBF kernel exp(-||a-b||^2 / (2 sigma^2)).
type GaussianKernel struct {
	Sigma float64
}

func NewGaussian(sigma float64) *GaussianKernel {
	if sigma <= 0 {
		panic("kern: sigma must be positive")
	}
	return &GaussianKernel{Sigma: sigma}
}

func (k *GaussianKernel) String() string {
	return fmt.Sprintf("gaussian(sigma=%g)", k.Sigma)
}

func (k *GaussianKernel) Compute(x1, x2, out *tensor.Mat) {
	sqDist(x1, x2, out)
	g := -0.5 / (k.Sigma * k.Sigma)
	mapTile(out, func(d float64) float64 { return math.Exp(d * g) })
}

func (k *GaussianKernel) ComputeSparse(x1, x2, x2t *sparse.Matrix, out *tensor.Mat) error {
	if err := sqDistSparse(x1, x2, x2t, out); err != nil {
		return err
	}
	g := -0.5 / (k.Sigma * k.Sigma)
	mapTile(out, func(d float64) float64 { return math.Exp(d * g) })
	return nil
}

// ComputeDiff fills out like Compute and returns the tile's pullback.
// The pullback reads the kernel values still sitting in out, so it must
// run before the tile buffer is reused.
func (k *GaussianKernel) ComputeDiff(x1, x2, out *tensor.Mat) mmv.TileVJP {
	k.Compute(x1, x2, out)
	inv := 1 / (k.Sigma * k.Sigma)
	return func(g, gx1, gx2 *tensor.Mat) {
		n, m, d := x1.R, x2.R, x1.C
		for i := 0; i < n; i++ {
			for j := 0; j < m; j++ {
				c := g.At(i, j) * out.At(i, j) * inv
				if c == 0 {
					continue
				}
				for f := 0; f < d; f++ {
					diff := x2.At(j, f) - x1.At(i, f)
					gx1.Set(i, f, gx1.At(i, f)+c*diff)
					gx2.Set(j, f, gx2.At(j, f)-c*diff)
				}
			}
		}
	}
}

func (k *GaussianKernel) ExtraMem() plan.Coeffs { return normCoeffs() }

// Mmv computes K(x1, x2) * v through the blocked engine.
func (k *GaussianKernel) Mmv(x1, x2, v, out *tensor.Mat, opts mmv.Options) (*tensor.Mat, error) {
	return mmv.Fmmv(k, x1, x2, v, out, opts)
}

// Dmmv computes K(x1, x2)' * (K(x1, x2) * v + w) through the blocked
// engine.
func (k *GaussianKernel) Dmmv(x1, x2, v, w, out *tensor.Mat, opts mmv.Options) (*tensor.Mat, error) {
	return mmv.Fdmmv(k, x1, x2, v, w, out, opts)
}
