package kern

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/mfkiwl/falkon/internal/mmv"
	"github.com/mfkiwl/falkon/internal/sparse"
	"github.com/mfkiwl/falkon/internal/tensor"
)

func randMat(seed uint64, r, c int, dt tensor.DType) *tensor.Mat {
	rng := rand.New(rand.NewPCG(seed, seed))
	m := tensor.New(r, c, dt)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m.Set(i, j, rng.NormFloat64())
		}
	}
	return m
}

func pairDist(x1, x2 *tensor.Mat, i, j int) float64 {
	var sq float64
	for f := 0; f < x1.C; f++ {
		d := x1.At(i, f) - x2.At(j, f)
		sq += d * d
	}
	return sq
}

func TestGaussianMatchesPairwise(t *testing.T) {
	k := NewGaussian(1.7)
	x1 := randMat(1, 60, 5, tensor.F64)
	x2 := randMat(2, 45, 5, tensor.F64)
	out := tensor.New(60, 45, tensor.F64)
	k.Compute(x1, x2, out)

	for i := 0; i < x1.R; i++ {
		for j := 0; j < x2.R; j++ {
			want := math.Exp(-pairDist(x1, x2, i, j) / (2 * 1.7 * 1.7))
			if d := math.Abs(out.At(i, j) - want); d > 1e-12 {
				t.Fatalf("(%d,%d): got %g want %g", i, j, out.At(i, j), want)
			}
		}
	}
}

func TestLaplacianMatchesPairwise(t *testing.T) {
	k := NewLaplacian(0.8)
	x1 := randMat(3, 30, 4, tensor.F64)
	x2 := randMat(4, 25, 4, tensor.F64)
	out := tensor.New(30, 25, tensor.F64)
	k.Compute(x1, x2, out)

	for i := 0; i < x1.R; i++ {
		for j := 0; j < x2.R; j++ {
			want := math.Exp(-math.Sqrt(pairDist(x1, x2, i, j)) / 0.8)
			if d := math.Abs(out.At(i, j) - want); d > 1e-12 {
				t.Fatalf("(%d,%d): got %g want %g", i, j, out.At(i, j), want)
			}
		}
	}
}

func TestGaussianSelfDistanceIsOne(t *testing.T) {
	k := NewGaussian(1)
	x := randMat(5, 20, 6, tensor.F64)
	out := tensor.New(20, 20, tensor.F64)
	k.Compute(x, x, out)
	for i := 0; i < 20; i++ {
		// The three-term distance cancels catastrophically on the
		// diagonal; the clamp keeps it at exactly one.
		if d := math.Abs(out.At(i, i) - 1); d > 1e-12 {
			t.Fatalf("diagonal (%d,%d) = %g", i, i, out.At(i, i))
		}
	}
}

func TestGaussianFloat32Tile(t *testing.T) {
	k := NewGaussian(1.5)
	x1 := randMat(6, 40, 3, tensor.F32)
	x2 := randMat(7, 30, 3, tensor.F32)
	out := tensor.New(40, 30, tensor.F32)
	k.Compute(x1, x2, out)

	for i := 0; i < x1.R; i++ {
		for j := 0; j < x2.R; j++ {
			want := math.Exp(-pairDist(x1, x2, i, j) / (2 * 1.5 * 1.5))
			if d := math.Abs(out.At(i, j) - want); d > 1e-4 {
				t.Fatalf("(%d,%d): got %g want %g", i, j, out.At(i, j), want)
			}
		}
	}
}

func sparsePair(seed uint64, r, c int, density float64) (*tensor.Mat, *sparse.Matrix) {
	rng := rand.New(rand.NewPCG(seed, seed))
	dense := tensor.New(r, c, tensor.F64)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if rng.Float64() < density {
				dense.Set(i, j, rng.NormFloat64())
			}
		}
	}
	return dense, sparse.FromDense(dense)
}

func TestComputeSparseMatchesDense(t *testing.T) {
	for _, kernel := range []mmv.Kernel{NewGaussian(1.3), NewLaplacian(1.3)} {
		d1, s1 := sparsePair(8, 35, 12, 0.3)
		d2, s2 := sparsePair(9, 20, 12, 0.3)

		want := tensor.New(35, 20, tensor.F64)
		kernel.Compute(d1, d2, want)

		// Host staging hands the kernel a CSC metadata transpose.
		got := tensor.New(35, 20, tensor.F64)
		if err := kernel.ComputeSparse(s1, s2, s2.TransposeCSC(), got); err != nil {
			t.Fatalf("csc path: %v", err)
		}
		if d := tensor.MaxAbsDiff(want, got); d > 1e-12 {
			t.Fatalf("csc path differs by %g", d)
		}

		// Accelerator staging re-compresses the transpose to CSR.
		got.Fill(0)
		x2t := s2.TransposeCSC().ConvertToCSR()
		if err := kernel.ComputeSparse(s1, s2, x2t, got); err != nil {
			t.Fatalf("csr path: %v", err)
		}
		if d := tensor.MaxAbsDiff(want, got); d > 1e-12 {
			t.Fatalf("csr path differs by %g", d)
		}
	}
}

func TestComputeDiffFiniteDifference(t *testing.T) {
	for _, kernel := range []mmv.DiffKernel{NewGaussian(1.2), NewLaplacian(1.2)} {
		n, m, d := 5, 4, 3
		x1 := randMat(10, n, d, tensor.F64)
		x2 := randMat(11, m, d, tensor.F64)
		g := randMat(12, n, m, tensor.F64)

		out := tensor.New(n, m, tensor.F64)
		vjp := kernel.ComputeDiff(x1, x2, out)
		gx1 := tensor.New(n, d, tensor.F64)
		gx2 := tensor.New(m, d, tensor.F64)
		vjp(g, gx1, gx2)

		loss := func() float64 {
			tile := tensor.New(n, m, tensor.F64)
			kernel.Compute(x1, x2, tile)
			var sum float64
			for i := 0; i < n; i++ {
				for j := 0; j < m; j++ {
					sum += g.At(i, j) * tile.At(i, j)
				}
			}
			return sum
		}
		const h = 1e-6
		check := func(name string, x, gx *tensor.Mat) {
			for i := 0; i < x.R; i++ {
				for f := 0; f < x.C; f++ {
					orig := x.At(i, f)
					x.Set(i, f, orig+h)
					up := loss()
					x.Set(i, f, orig-h)
					down := loss()
					x.Set(i, f, orig)
					fd := (up - down) / (2 * h)
					if diff := math.Abs(fd - gx.At(i, f)); diff > 1e-5 {
						t.Fatalf("%v %s[%d,%d]: analytic %g, finite difference %g",
							kernel, name, i, f, gx.At(i, f), fd)
					}
				}
			}
		}
		check("gx1", x1, gx1)
		check("gx2", x2, gx2)
	}
}

func TestKernelMmvDelegates(t *testing.T) {
	k := NewGaussian(1.4)
	x1 := randMat(13, 80, 4, tensor.F64)
	x2 := randMat(14, 30, 4, tensor.F64)
	v := randMat(15, 30, 2, tensor.F64)
	opts := mmv.Options{UseCPU: true, MaxHostMem: 1 << 30}

	kmat := tensor.New(80, 30, tensor.F64)
	k.Compute(x1, x2, kmat)
	want := tensor.New(80, 2, tensor.F64)
	tensor.Gemm(want, kmat, v, 1, 0)

	got, err := k.Mmv(x1, x2, v, nil, opts)
	if err != nil {
		t.Fatalf("mmv: %v", err)
	}
	if d := tensor.MaxAbsDiff(want, got); d > 1e-11 {
		t.Fatalf("mmv differs by %g", d)
	}
}
