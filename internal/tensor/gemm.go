package tensor

// Tile sizes for the blocked products, sized for L1 residency of three
// float64 tiles.
const (
	gemmTileM = 32
	gemmTileN = 32
	gemmTileK = 32
)

// Gemm computes C = alpha*A*B + beta*C for row-major matrices of one
// dtype using a blocked algorithm.
func Gemm(c, a, b *Mat, alpha, beta float64) {
	mustRowMajor(c, a, b)
	if a.C != b.R || c.R != a.R || c.C != b.C {
		panic("gemm: dimension mismatch")
	}
	if c.DType != a.DType || c.DType != b.DType {
		panic("gemm: dtype mismatch")
	}
	if c.R == 0 || c.C == 0 {
		return
	}
	switch c.DType {
	case F32:
		gemm(c.f32, a.f32, b.f32, c.Stride, a.Stride, b.Stride,
			float32(alpha), float32(beta), c.R, c.C, a.C)
	default:
		gemm(c.f64, a.f64, b.f64, c.Stride, a.Stride, b.Stride,
			alpha, beta, c.R, c.C, a.C)
	}
}

func gemm[T Float](cd, ad, bd []T, cs, as, bs int, alpha, beta T, m, n, k int) {
	scaleRows(cd, cs, beta, m, n)
	for i0 := 0; i0 < m; i0 += gemmTileM {
		iMax := min(i0+gemmTileM, m)
		for k0 := 0; k0 < k; k0 += gemmTileK {
			kMax := min(k0+gemmTileK, k)
			for j0 := 0; j0 < n; j0 += gemmTileN {
				jMax := min(j0+gemmTileN, n)
				gemmBlock(cd, ad, bd, cs, as, bs, alpha, i0, iMax, j0, jMax, k0, kMax)
			}
		}
	}
}

func gemmBlock[T Float](cd, ad, bd []T, cs, as, bs int, alpha T, i0, iMax, j0, jMax, k0, kMax int) {
	width := jMax - j0
	for i := i0; i < iMax; i++ {
		aRow := ad[i*as:]
		cOff := i*cs + j0
		cRow := cd[cOff : cOff+width]
		for kk := k0; kk < kMax; kk++ {
			aik := aRow[kk] * alpha
			if aik == 0 {
				continue
			}
			bOff := kk*bs + j0
			bRow := bd[bOff : bOff+width]
			j := 0
			for ; j+3 < width; j += 4 {
				cRow[j+0] += aik * bRow[j+0]
				cRow[j+1] += aik * bRow[j+1]
				cRow[j+2] += aik * bRow[j+2]
				cRow[j+3] += aik * bRow[j+3]
			}
			for ; j < width; j++ {
				cRow[j] += aik * bRow[j]
			}
		}
	}
}

// GemmTransA computes C = alpha*A'*B + beta*C where A is (k x m) and the
// product has shape (m x n). Row-major, single dtype.
func GemmTransA(c, a, b *Mat, alpha, beta float64) {
	mustRowMajor(c, a, b)
	if a.R != b.R || c.R != a.C || c.C != b.C {
		panic("gemmTransA: dimension mismatch")
	}
	if c.DType != a.DType || c.DType != b.DType {
		panic("gemmTransA: dtype mismatch")
	}
	switch c.DType {
	case F32:
		gemmTransA(c.f32, a.f32, b.f32, c.Stride, a.Stride, b.Stride,
			float32(alpha), float32(beta), c.R, c.C, a.R)
	default:
		gemmTransA(c.f64, a.f64, b.f64, c.Stride, a.Stride, b.Stride,
			alpha, beta, c.R, c.C, a.R)
	}
}

func gemmTransA[T Float](cd, ad, bd []T, cs, as, bs int, alpha, beta T, m, n, k int) {
	scaleRows(cd, cs, beta, m, n)
	// Sweep A row by row: row kk of A scatters into every row of C,
	// which keeps the inner loops contiguous on both B and C.
	for kk := 0; kk < k; kk++ {
		aRow := ad[kk*as : kk*as+m]
		bRow := bd[kk*bs : kk*bs+n]
		for i := 0; i < m; i++ {
			aik := aRow[i] * alpha
			if aik == 0 {
				continue
			}
			cRow := cd[i*cs : i*cs+n]
			j := 0
			for ; j+3 < n; j += 4 {
				cRow[j+0] += aik * bRow[j+0]
				cRow[j+1] += aik * bRow[j+1]
				cRow[j+2] += aik * bRow[j+2]
				cRow[j+3] += aik * bRow[j+3]
			}
			for ; j < n; j++ {
				cRow[j] += aik * bRow[j]
			}
		}
	}
}

// GemmTransB computes C = alpha*A*B' + beta*C where A is (m x d), B is
// (n x d) and C is (m x n). Row-major, single dtype. This is the cross
// term of every pairwise-distance tile.
func GemmTransB(c, a, b *Mat, alpha, beta float64) {
	mustRowMajor(c, a, b)
	if a.C != b.C || c.R != a.R || c.C != b.R {
		panic("gemmTransB: dimension mismatch")
	}
	if c.DType != a.DType || c.DType != b.DType {
		panic("gemmTransB: dtype mismatch")
	}
	switch c.DType {
	case F32:
		gemmTransB(c.f32, a.f32, b.f32, c.Stride, a.Stride, b.Stride,
			float32(alpha), float32(beta), c.R, c.C, a.C)
	default:
		gemmTransB(c.f64, a.f64, b.f64, c.Stride, a.Stride, b.Stride,
			alpha, beta, c.R, c.C, a.C)
	}
}

func gemmTransB[T Float](cd, ad, bd []T, cs, as, bs int, alpha, beta T, m, n, d int) {
	for i := 0; i < m; i++ {
		aRow := ad[i*as : i*as+d]
		cRow := cd[i*cs : i*cs+n]
		for j := 0; j < n; j++ {
			bRow := bd[j*bs : j*bs+d]
			var sum T
			k := 0
			for ; k+3 < d; k += 4 {
				sum += aRow[k+0]*bRow[k+0] +
					aRow[k+1]*bRow[k+1] +
					aRow[k+2]*bRow[k+2] +
					aRow[k+3]*bRow[k+3]
			}
			for ; k < d; k++ {
				sum += aRow[k] * bRow[k]
			}
			cRow[j] = alpha*sum + beta*cRow[j]
		}
	}
}

func scaleRows[T Float](cd []T, cs int, beta T, m, n int) {
	if beta == 1 {
		return
	}
	for i := 0; i < m; i++ {
		row := cd[i*cs : i*cs+n]
		if beta == 0 {
			clear(row)
			continue
		}
		for j := range row {
			row[j] *= beta
		}
	}
}
