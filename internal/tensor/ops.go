package tensor

import "math"

// Float constrains the element types a numeric kernel may run over.
type Float interface {
	~float32 | ~float64
}

func mustRowMajor(ms ...*Mat) {
	for _, m := range ms {
		if m.Layout != RowMajor {
			panic("op requires row-major matrix")
		}
	}
}

// ColSumSq computes per-column sums of squares, accumulating in float64.
// The input must be row-major.
func ColSumSq(m *Mat) []float64 {
	mustRowMajor(m)
	out := make([]float64, m.C)
	switch m.DType {
	case F32:
		colSumSq(out, m.f32, m.R, m.C, m.Stride)
	default:
		colSumSq(out, m.f64, m.R, m.C, m.Stride)
	}
	return out
}

func colSumSq[T Float](out []float64, data []T, r, c, stride int) {
	for i := 0; i < r; i++ {
		row := data[i*stride : i*stride+c]
		for j, v := range row {
			out[j] += float64(v) * float64(v)
		}
	}
}

// RowSumSq computes per-row sums of squares, accumulating in float64.
// The input must be row-major.
func RowSumSq(m *Mat) []float64 {
	mustRowMajor(m)
	out := make([]float64, m.R)
	switch m.DType {
	case F32:
		rowSumSq(out, m.f32, m.R, m.C, m.Stride)
	default:
		rowSumSq(out, m.f64, m.R, m.C, m.Stride)
	}
	return out
}

func rowSumSq[T Float](out []float64, data []T, r, c, stride int) {
	for i := 0; i < r; i++ {
		row := data[i*stride : i*stride+c]
		var s float64
		for _, v := range row {
			s += float64(v) * float64(v)
		}
		out[i] = s
	}
}

// ColDot computes per-column dot products of two equally shaped row-major
// matrices, accumulating in float64.
func ColDot(a, b *Mat) []float64 {
	mustRowMajor(a, b)
	if a.R != b.R || a.C != b.C {
		panic("coldot shape mismatch")
	}
	out := make([]float64, a.C)
	switch a.DType {
	case F32:
		colDot(out, a.f32, b.Data32(), a.R, a.C, a.Stride, b.Stride)
	default:
		colDot(out, a.f64, b.Data64(), a.R, a.C, a.Stride, b.Stride)
	}
	return out
}

func colDot[T Float](out []float64, a, b []T, r, c, as, bs int) {
	for i := 0; i < r; i++ {
		ra := a[i*as : i*as+c]
		rb := b[i*bs : i*bs+c]
		for j := range ra {
			out[j] += float64(ra[j]) * float64(rb[j])
		}
	}
}

// AddColScaled computes dst += src * diag(alpha) for row-major matrices.
func AddColScaled(dst, src *Mat, alpha []float64) {
	mustRowMajor(dst, src)
	if dst.R != src.R || dst.C != src.C || len(alpha) != dst.C {
		panic("addcolscaled shape mismatch")
	}
	switch dst.DType {
	case F32:
		addColScaled(dst.f32, src.Data32(), alpha, dst.R, dst.C, dst.Stride, src.Stride, 1)
	default:
		addColScaled(dst.f64, src.Data64(), alpha, dst.R, dst.C, dst.Stride, src.Stride, 1)
	}
}

// SubColScaled computes dst -= src * diag(alpha) for row-major matrices.
func SubColScaled(dst, src *Mat, alpha []float64) {
	mustRowMajor(dst, src)
	if dst.R != src.R || dst.C != src.C || len(alpha) != dst.C {
		panic("subcolscaled shape mismatch")
	}
	switch dst.DType {
	case F32:
		addColScaled(dst.f32, src.Data32(), alpha, dst.R, dst.C, dst.Stride, src.Stride, -1)
	default:
		addColScaled(dst.f64, src.Data64(), alpha, dst.R, dst.C, dst.Stride, src.Stride, -1)
	}
}

func addColScaled[T Float](dst []T, src []T, alpha []float64, r, c, ds, ss int, sign float64) {
	for i := 0; i < r; i++ {
		rd := dst[i*ds : i*ds+c]
		rs := src[i*ss : i*ss+c]
		for j := range rd {
			rd[j] += T(sign * alpha[j] * float64(rs[j]))
		}
	}
}

// ColScaleAdd computes dst = src + dst * diag(beta), the CG direction
// update P = R + diag(beta)*P, for row-major matrices.
func ColScaleAdd(dst, src *Mat, beta []float64) {
	mustRowMajor(dst, src)
	if dst.R != src.R || dst.C != src.C || len(beta) != dst.C {
		panic("colscaleadd shape mismatch")
	}
	switch dst.DType {
	case F32:
		colScaleAdd(dst.f32, src.Data32(), beta, dst.R, dst.C, dst.Stride, src.Stride)
	default:
		colScaleAdd(dst.f64, src.Data64(), beta, dst.R, dst.C, dst.Stride, src.Stride)
	}
}

func colScaleAdd[T Float](dst []T, src []T, beta []float64, r, c, ds, ss int) {
	for i := 0; i < r; i++ {
		rd := dst[i*ds : i*ds+c]
		rs := src[i*ss : i*ss+c]
		for j := range rd {
			rd[j] = rs[j] + T(beta[j]*float64(rd[j]))
		}
	}
}

// Sub computes dst = a - b elementwise. All three must share shape and
// dtype; dst may alias a or b.
func Sub(dst, a, b *Mat) {
	mustRowMajor(dst, a, b)
	if dst.R != a.R || dst.C != a.C || a.R != b.R || a.C != b.C {
		panic("sub shape mismatch")
	}
	switch dst.DType {
	case F32:
		sub(dst.f32, a.Data32(), b.Data32(), dst.R, dst.C, dst.Stride, a.Stride, b.Stride)
	default:
		sub(dst.f64, a.Data64(), b.Data64(), dst.R, dst.C, dst.Stride, a.Stride, b.Stride)
	}
}

func sub[T Float](dst, a, b []T, r, c, ds, as, bs int) {
	for i := 0; i < r; i++ {
		rd := dst[i*ds : i*ds+c]
		ra := a[i*as : i*as+c]
		rb := b[i*bs : i*bs+c]
		for j := range rd {
			rd[j] = ra[j] - rb[j]
		}
	}
}

// Add computes dst = a + b elementwise with the same constraints as Sub.
func Add(dst, a, b *Mat) {
	mustRowMajor(dst, a, b)
	if dst.R != a.R || dst.C != a.C || a.R != b.R || a.C != b.C {
		panic("add shape mismatch")
	}
	switch dst.DType {
	case F32:
		add(dst.f32, a.Data32(), b.Data32(), dst.R, dst.C, dst.Stride, a.Stride, b.Stride)
	default:
		add(dst.f64, a.Data64(), b.Data64(), dst.R, dst.C, dst.Stride, a.Stride, b.Stride)
	}
}

func add[T Float](dst, a, b []T, r, c, ds, as, bs int) {
	for i := 0; i < r; i++ {
		rd := dst[i*ds : i*ds+c]
		ra := a[i*as : i*as+c]
		rb := b[i*bs : i*bs+c]
		for j := range rd {
			rd[j] = ra[j] + rb[j]
		}
	}
}

// Scale multiplies every element of m by s.
func Scale(m *Mat, s float64) {
	mustRowMajor(m)
	switch m.DType {
	case F32:
		scale(m.f32, float32(s), m.R, m.C, m.Stride)
	default:
		scale(m.f64, s, m.R, m.C, m.Stride)
	}
}

func scale[T Float](data []T, s T, r, c, stride int) {
	for i := 0; i < r; i++ {
		row := data[i*stride : i*stride+c]
		for j := range row {
			row[j] *= s
		}
	}
}

// AxpyScalar computes dst += s * src elementwise.
func AxpyScalar(dst, src *Mat, s float64) {
	mustRowMajor(dst, src)
	if dst.R != src.R || dst.C != src.C {
		panic("axpy shape mismatch")
	}
	switch dst.DType {
	case F32:
		axpy(dst.f32, src.Data32(), float32(s), dst.R, dst.C, dst.Stride, src.Stride)
	default:
		axpy(dst.f64, src.Data64(), s, dst.R, dst.C, dst.Stride, src.Stride)
	}
}

func axpy[T Float](dst, src []T, s T, r, c, ds, ss int) {
	for i := 0; i < r; i++ {
		rd := dst[i*ds : i*ds+c]
		rs := src[i*ss : i*ss+c]
		for j := range rd {
			rd[j] += s * rs[j]
		}
	}
}

// MaxAbsDiff returns the largest absolute elementwise difference of two
// equally shaped matrices.
func MaxAbsDiff(a, b *Mat) float64 {
	if a.R != b.R || a.C != b.C {
		panic("maxabsdiff shape mismatch")
	}
	var maxDiff float64
	for i := 0; i < a.R; i++ {
		for j := 0; j < a.C; j++ {
			d := math.Abs(a.At(i, j) - b.At(i, j))
			if d > maxDiff {
				maxDiff = d
			}
		}
	}
	return maxDiff
}

// MaxColNorm returns max over columns of sqrt(sum of squares), the CG
// convergence metric.
func MaxColNorm(m *Mat) float64 {
	sums := ColSumSq(m)
	var maxNorm float64
	for _, s := range sums {
		n := math.Sqrt(s)
		if n > maxNorm {
			maxNorm = n
		}
	}
	return maxNorm
}
