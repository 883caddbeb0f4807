// Package kern provides the radial kernels consumed by the blocked
// engine. Each kernel fills dense tiles from a squared-Euclidean
// distance computed in the three-term form (row norms plus a negated
// cross product), supports sparse inputs, and exposes an analytic
// pullback for gradient mode.
package kern

import (
	"fmt"

	"github.com/mfkiwl/falkon/internal/mmv"
	"github.com/mfkiwl/falkon/internal/plan"
	"github.com/mfkiwl/falkon/internal/sparse"
	"github.com/mfkiwl/falkon/internal/tensor"
)

// sqDist fills out[i][j] with ||x1[i] - x2[j]||^2. Row norms cost one
// vector per side, declared to the planner through ExtraMem. Negative
// values from cancellation are clamped to zero.
func sqDist(x1, x2, out *tensor.Mat) {
	tensor.GemmTransB(out, x1, x2, -2, 0)
	sq1 := tensor.RowSumSq(x1)
	sq2 := tensor.RowSumSq(x2)
	addNormsClamp(out, sq1, sq2)
}

func addNormsClamp(out *tensor.Mat, sq1, sq2 []float64) {
	switch out.DType {
	case tensor.F32:
		addNormsClampT(out.Data32(), out.Stride, sq1, sq2)
	default:
		addNormsClampT(out.Data64(), out.Stride, sq1, sq2)
	}
}

func addNormsClampT[T tensor.Float](data []T, stride int, sq1, sq2 []float64) {
	for i := range sq1 {
		row := data[i*stride : i*stride+len(sq2)]
		for j := range row {
			v := float64(row[j]) + sq1[i] + sq2[j]
			if v < 0 {
				v = 0
			}
			row[j] = T(v)
		}
	}
}

// mapTile applies f elementwise to a tile of either layout.
func mapTile(out *tensor.Mat, f func(float64) float64) {
	r, c := out.R, out.C
	if out.Layout == tensor.ColMajor {
		r, c = c, r
	}
	switch out.DType {
	case tensor.F32:
		mapTileT(out.Data32(), out.Stride, r, c, f)
	default:
		mapTileT(out.Data64(), out.Stride, r, c, f)
	}
}

func mapTileT[T tensor.Float](data []T, stride, r, c int, f func(float64) float64) {
	for i := 0; i < r; i++ {
		row := data[i*stride : i*stride+c]
		for j, v := range row {
			row[j] = T(f(float64(v)))
		}
	}
}

// sqDistSparse fills out with squared distances between sparse rows.
// x2t carries the staged transpose of x2: column-compressed on the host
// (same arrays as x2, so the scatter-dot path walks x2's rows directly)
// and row-compressed feature-major on accelerators, where a Gustavson
// accumulation over features is used instead.
func sqDistSparse(x1, x2, x2t *sparse.Matrix, out *tensor.Mat) error {
	if !x1.IsCSR() {
		return fmt.Errorf("kern: sparse x1 must be row-compressed, got %s", x1.Format())
	}
	n, m, d := x1.Rows(), x2.Rows(), x1.Cols()
	if out.R != n || out.C != m {
		return fmt.Errorf("kern: sparse tile is %dx%d, want %dx%d", out.R, out.C, n, m)
	}
	sq1 := sparseRowSumSq(x1)
	sq2 := sparseRowSumSq(x2)

	switch {
	case x2t.IsCSC():
		// Host path: scatter one x1 row into a dense feature buffer,
		// then dot every x2 row against it.
		scratch := make([]float64, d)
		for i := 0; i < n; i++ {
			for k := x1.Ptr[i]; k < x1.Ptr[i+1]; k++ {
				scratch[x1.Ind[k]] = x1.Val(k)
			}
			for j := 0; j < m; j++ {
				var dot float64
				for k := x2.Ptr[j]; k < x2.Ptr[j+1]; k++ {
					dot += x2.Val(k) * scratch[x2.Ind[k]]
				}
				out.Set(i, j, clamp0(sq1[i]+sq2[j]-2*dot))
			}
			for k := x1.Ptr[i]; k < x1.Ptr[i+1]; k++ {
				scratch[x1.Ind[k]] = 0
			}
		}
	case x2t.IsCSR():
		// Accelerator path: x2t rows are features, so one pass over a
		// sparse x1 row accumulates the whole output row.
		acc := make([]float64, m)
		for i := 0; i < n; i++ {
			for j := range acc {
				acc[j] = 0
			}
			for k := x1.Ptr[i]; k < x1.Ptr[i+1]; k++ {
				f, v := x1.Ind[k], x1.Val(k)
				for p := x2t.Ptr[f]; p < x2t.Ptr[f+1]; p++ {
					acc[x2t.Ind[p]] += v * x2t.Val(p)
				}
			}
			for j := 0; j < m; j++ {
				out.Set(i, j, clamp0(sq1[i]+sq2[j]-2*acc[j]))
			}
		}
	default:
		return fmt.Errorf("kern: unsupported staged transpose format %s", x2t.Format())
	}
	return nil
}

func sparseRowSumSq(m *sparse.Matrix) []float64 {
	out := make([]float64, m.Rows())
	for i := range out {
		var s float64
		for k := m.Ptr[i]; k < m.Ptr[i+1]; k++ {
			v := m.Val(k)
			s += v * v
		}
		out[i] = s
	}
	return out
}

func clamp0(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// normCoeffs declares the two row-norm vectors the distance tile needs.
func normCoeffs() plan.Coeffs {
	return plan.Coeffs{N: 1, M: 1}
}

var (
	_ mmv.DiffKernel = (*GaussianKernel)(nil)
	_ mmv.DiffKernel = (*LaplacianKernel)(nil)
)
