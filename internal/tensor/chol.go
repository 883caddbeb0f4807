package tensor

import (
	"errors"
	"fmt"
	"math"
)

// ErrNotPositiveDefinite is returned by CholUpper when a pivot is not
// strictly positive.
var ErrNotPositiveDefinite = errors.New("tensor: matrix is not positive definite")

// CholUpper factors a symmetric positive-definite row-major matrix in
// place into its upper Cholesky factor U, with A = U' * U. The strict
// lower triangle is zeroed. Accumulation runs in float64 for both dtypes.
func CholUpper(a *Mat) error {
	mustRowMajor(a)
	if a.R != a.C {
		return fmt.Errorf("tensor: cholesky needs a square matrix, got %dx%d", a.R, a.C)
	}
	n := a.R
	for k := 0; k < n; k++ {
		sum := a.At(k, k)
		for p := 0; p < k; p++ {
			u := a.At(p, k)
			sum -= u * u
		}
		if sum <= 0 || math.IsNaN(sum) {
			return fmt.Errorf("%w: pivot %d is %g", ErrNotPositiveDefinite, k, sum)
		}
		ukk := math.Sqrt(sum)
		a.Set(k, k, ukk)
		for j := k + 1; j < n; j++ {
			s := a.At(k, j)
			for p := 0; p < k; p++ {
				s -= a.At(p, k) * a.At(p, j)
			}
			a.Set(k, j, s/ukk)
		}
		for i := k + 1; i < n; i++ {
			a.Set(i, k, 0)
		}
	}
	return nil
}

// SolveTriUpper solves U * X = B (or U' * X = B when transpose is set)
// in place for a column batch B, where U is the upper triangular factor
// produced by CholUpper. B is overwritten with the solution.
func SolveTriUpper(u, b *Mat, transpose bool) {
	mustRowMajor(u, b)
	if u.R != u.C {
		panic("triangular solve needs a square factor")
	}
	if u.C != b.R {
		panic("triangular solve dimension mismatch")
	}
	n := u.R
	t := b.C
	if transpose {
		// U' is lower triangular: forward substitution.
		for i := 0; i < n; i++ {
			uii := u.At(i, i)
			for c := 0; c < t; c++ {
				sum := b.At(i, c)
				for k := 0; k < i; k++ {
					sum -= u.At(k, i) * b.At(k, c)
				}
				b.Set(i, c, sum/uii)
			}
		}
		return
	}
	// Back substitution.
	for i := n - 1; i >= 0; i-- {
		uii := u.At(i, i)
		for c := 0; c < t; c++ {
			sum := b.At(i, c)
			for k := i + 1; k < n; k++ {
				sum -= u.At(i, k) * b.At(k, c)
			}
			b.Set(i, c, sum/uii)
		}
	}
}

// MulTrans computes out = A' * A / scale for a row-major matrix A, used
// to form the normal-equations term of the preconditioner. out must be
// square with side A.C.
func MulTrans(out, a *Mat, scale float64) {
	mustRowMajor(out, a)
	if out.R != a.C || out.C != a.C {
		panic("multrans shape mismatch")
	}
	inv := 1.0 / scale
	for i := 0; i < a.C; i++ {
		for j := i; j < a.C; j++ {
			var sum float64
			for k := 0; k < a.R; k++ {
				sum += a.At(k, i) * a.At(k, j)
			}
			sum *= inv
			out.Set(i, j, sum)
			out.Set(j, i, sum)
		}
	}
}

// MulNoTrans computes out = A * A' / scale for a row-major matrix A.
// out must be square with side A.R.
func MulNoTrans(out, a *Mat, scale float64) {
	mustRowMajor(out, a)
	if out.R != a.R || out.C != a.R {
		panic("mulnotrans shape mismatch")
	}
	inv := 1.0 / scale
	for i := 0; i < a.R; i++ {
		for j := i; j < a.R; j++ {
			var sum float64
			for k := 0; k < a.C; k++ {
				sum += a.At(i, k) * a.At(j, k)
			}
			sum *= inv
			out.Set(i, j, sum)
			out.Set(j, i, sum)
		}
	}
}
