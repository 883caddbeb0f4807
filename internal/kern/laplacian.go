package kern

import (
	"fmt"
	"math"

	"github.com/mfkiwl/falkon/internal/mmv"
	"github.com/mfkiwl/falkon/internal/plan"
	"github.com/mfkiwl/falkon/internal/sparse"
	"github.com/mfkiwl/falkon/internal/tensor"
)

// LaplacianKernel is exp(-||a-b|| / sigma), with the unsquared distance
// in the exponent.
type LaplacianKernel struct {
	Sigma float64
}

func NewLaplacian(sigma float64) *LaplacianKernel {
	if sigma <= 0 {
		panic("kern: sigma must be positive")
	}
	return &LaplacianKernel{Sigma: sigma}
}

func (k *LaplacianKernel) String() string {
	return fmt.Sprintf("laplacian(sigma=%g)", k.Sigma)
}

func (k *LaplacianKernel) Compute(x1, x2, out *tensor.Mat) {
	sqDist(x1, x2, out)
	inv := -1 / k.Sigma
	mapTile(out, func(d float64) float64 { return math.Exp(math.Sqrt(d) * inv) })
}

func (k *LaplacianKernel) ComputeSparse(x1, x2, x2t *sparse.Matrix, out *tensor.Mat) error {
	if err := sqDistSparse(x1, x2, x2t, out); err != nil {
		return err
	}
	inv := -1 / k.Sigma
	mapTile(out, func(d float64) float64 { return math.Exp(math.Sqrt(d) * inv) })
	return nil
}

// ComputeDiff fills out like Compute and returns the tile's pullback.
// The pullback reads the kernel values still sitting in out, so it must
// run before the tile buffer is reused. Coincident points get a zero
// gradient: the distance is not differentiable there.
func (k *LaplacianKernel) ComputeDiff(x1, x2, out *tensor.Mat) mmv.TileVJP {
	k.Compute(x1, x2, out)
	return func(g, gx1, gx2 *tensor.Mat) {
		n, m, d := x1.R, x2.R, x1.C
		for i := 0; i < n; i++ {
			for j := 0; j < m; j++ {
				up := g.At(i, j)
				if up == 0 {
					continue
				}
				var sq float64
				for f := 0; f < d; f++ {
					diff := x1.At(i, f) - x2.At(j, f)
					sq += diff * diff
				}
				r := math.Sqrt(sq)
				if r == 0 {
					continue
				}
				c := up * out.At(i, j) / (k.Sigma * r)
				for f := 0; f < d; f++ {
					diff := x2.At(j, f) - x1.At(i, f)
					gx1.Set(i, f, gx1.At(i, f)+c*diff)
					gx2.Set(j, f, gx2.At(j, f)-c*diff)
				}
			}
		}
	}
}

func (k *LaplacianKernel) ExtraMem() plan.Coeffs { return normCoeffs() }

// Mmv computes K(x1, x2) * v through the blocked engine.
func (k *LaplacianKernel) Mmv(x1, x2, v, out *tensor.Mat, opts mmv.Options) (*tensor.Mat, error) {
	return mmv.Fmmv(k, x1, x2, v, out, opts)
}

// Dmmv computes K(x1, x2)' * (K(x1, x2) * v + w) through the blocked
// engine.
func (k *LaplacianKernel) Dmmv(x1, x2, v, w, out *tensor.Mat, opts mmv.Options) (*tensor.Mat, error) {
	return mmv.Fdmmv(k, x1, x2, v, w, out, opts)
}
