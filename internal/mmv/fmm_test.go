package mmv

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/mfkiwl/falkon/internal/device"
	"github.com/mfkiwl/falkon/internal/plan"
	"github.com/mfkiwl/falkon/internal/sparse"
	"github.com/mfkiwl/falkon/internal/tensor"
)

// testKernel is a naive Gaussian used as the engine's reference kernel:
// every tile is computed pairwise, so any blocking discrepancy comes
// from the engine, not the kernel.
type testKernel struct {
	sigma float64
}

func (k *testKernel) at(x1, x2 *tensor.Mat, i, j int) float64 {
	var sq float64
	for f := 0; f < x1.C; f++ {
		d := x1.At(i, f) - x2.At(j, f)
		sq += d * d
	}
	return math.Exp(-sq / (2 * k.sigma * k.sigma))
}

func (k *testKernel) Compute(x1, x2, out *tensor.Mat) {
	for i := 0; i < x1.R; i++ {
		for j := 0; j < x2.R; j++ {
			out.Set(i, j, k.at(x1, x2, i, j))
		}
	}
}

func (k *testKernel) ComputeSparse(x1, x2, x2t *sparse.Matrix, out *tensor.Mat) error {
	d1 := x1.ToDense(out.DType)
	d2 := x2.ToDense(out.DType)
	k.Compute(d1, d2, out)
	return nil
}

func (k *testKernel) ComputeDiff(x1, x2, out *tensor.Mat) TileVJP {
	k.Compute(x1, x2, out)
	inv := 1 / (k.sigma * k.sigma)
	return func(g, gx1, gx2 *tensor.Mat) {
		for i := 0; i < x1.R; i++ {
			for j := 0; j < x2.R; j++ {
				c := g.At(i, j) * out.At(i, j) * inv
				for f := 0; f < x1.C; f++ {
					diff := x2.At(j, f) - x1.At(i, f)
					gx1.Set(i, f, gx1.At(i, f)+c*diff)
					gx2.Set(j, f, gx2.At(j, f)-c*diff)
				}
			}
		}
	}
}

func (k *testKernel) ExtraMem() plan.Coeffs { return plan.Coeffs{} }

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

func hostOpts() Options {
	return Options{UseCPU: true, MaxHostMem: 1 << 30}
}

// oocOpts builds a topology with fake accelerators small enough to force
// tiling on the reference shapes.
func oocOpts(caps ...int64) Options {
	topo := device.NewTopology(nil).WithHostMemory(1 << 30)
	for _, c := range caps {
		topo.RegisterAccel("fake", c)
	}
	return Options{Topo: topo, MaxHostMem: 1 << 30}
}

func TestFmmBlockedMatchesInCore(t *testing.T) {
	cases := []struct {
		name string
		dt   tensor.DType
		tol  float64
	}{
		{"float64", tensor.F64, 1e-12},
		{"float32", tensor.F32, 1e-4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			k := &testKernel{sigma: 1.5}
			x1 := randMat(1, 1500, 3, tc.dt)
			x2 := randMat(2, 250, 3, tc.dt)

			want, err := Fmm(k, x1, x2, nil, hostOpts())
			if err != nil {
				t.Fatalf("in-core: %v", err)
			}
			// 1 MiB of accelerator memory cannot hold the 1500x250 result,
			// so the sweep must tile and stage.
			got, err := Fmm(k, x1, x2, nil, oocOpts(1<<20))
			if err != nil {
				t.Fatalf("out-of-core: %v", err)
			}
			if d := tensor.MaxAbsDiff(want, got); d > tc.tol {
				t.Fatalf("blocked result differs by %g", d)
			}
		})
	}
}

func TestFmmWritesCallerBuffer(t *testing.T) {
	k := &testKernel{sigma: 1}
	x1 := randMat(3, 60, 4, tensor.F64)
	x2 := randMat(4, 40, 4, tensor.F64)
	out := tensor.New(60, 40, tensor.F64)

	ret, err := Fmm(k, x1, x2, out, hostOpts())
	if err != nil {
		t.Fatalf("fmm: %v", err)
	}
	if ret != out || ret.DataPtr() != out.DataPtr() {
		t.Fatal("caller buffer was not used in place")
	}
	if out.At(0, 0) != k.at(x1, x2, 0, 0) {
		t.Fatal("result not written")
	}
}

func TestFmmMultiAccelMatchesSingle(t *testing.T) {
	k := &testKernel{sigma: 2}
	x1 := randMat(5, 900, 5, tensor.F64)
	x2 := randMat(6, 120, 5, tensor.F64)

	want, err := Fmm(k, x1, x2, nil, hostOpts())
	if err != nil {
		t.Fatalf("reference: %v", err)
	}
	got, err := Fmm(k, x1, x2, nil, oocOpts(1<<20, 2<<20))
	if err != nil {
		t.Fatalf("multi-device: %v", err)
	}
	if d := tensor.MaxAbsDiff(want, got); d > 1e-12 {
		t.Fatalf("multi-device result differs by %g", d)
	}
}

func TestFmmInCoreAccel(t *testing.T) {
	k := &testKernel{sigma: 1}
	opts := oocOpts(1 << 24)
	dev := opts.Topo.Accels()[0].ID()

	x1 := randMat(7, 80, 3, tensor.F64)
	x2 := randMat(8, 50, 3, tensor.F64)
	want, err := Fmm(k, x1, x2, nil, hostOpts())
	if err != nil {
		t.Fatalf("reference: %v", err)
	}

	d1 := x1.Clone()
	d1.Dev = dev
	d2 := x2.Clone()
	d2.Dev = dev
	got, err := Fmm(k, d1, d2, nil, opts)
	if err != nil {
		t.Fatalf("in-core accel: %v", err)
	}
	if got.Dev != dev {
		t.Fatalf("result on %s, want %s", got.Dev, dev)
	}
	if d := tensor.MaxAbsDiff(want, got); d > 1e-12 {
		t.Fatalf("accel result differs by %g", d)
	}
}

func TestFmmNoSingleKernelUpcasts(t *testing.T) {
	k := &testKernel{sigma: 1.5}
	x1 := randMat(9, 300, 3, tensor.F32)
	x2 := randMat(10, 100, 3, tensor.F32)

	opts := hostOpts()
	opts.NoSingleKernel = true
	got, err := Fmm(k, x1, x2, nil, opts)
	if err != nil {
		t.Fatalf("fmm: %v", err)
	}
	if got.DType != tensor.F32 {
		t.Fatalf("output dtype %s, want input dtype", got.DType)
	}
	want, err := Fmm(k, x1.AsType(tensor.F64), x2.AsType(tensor.F64), nil, hostOpts())
	if err != nil {
		t.Fatalf("reference: %v", err)
	}
	if d := tensor.MaxAbsDiff(want, got); d > 1e-4 {
		t.Fatalf("upcast result differs by %g", d)
	}
}

func TestFmmRejectsHostComputeWithAccelData(t *testing.T) {
	k := &testKernel{sigma: 1}
	opts := oocOpts(1 << 20)
	opts.UseCPU = true
	dev := opts.Topo.Accels()[0].ID()

	x1 := randMat(11, 10, 2, tensor.F64)
	x1.Dev = dev
	x2 := randMat(12, 10, 2, tensor.F64)
	x2.Dev = dev
	if _, err := Fmm(k, x1, x2, nil, opts); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestFmmShapeChecks(t *testing.T) {
	k := &testKernel{sigma: 1}
	x1 := randMat(13, 10, 3, tensor.F64)
	x2 := randMat(14, 10, 4, tensor.F64)
	if _, err := Fmm(k, x1, x2, nil, hostOpts()); !errors.Is(err, ErrConfig) {
		t.Fatalf("feature mismatch: got %v", err)
	}

	x2ok := randMat(15, 8, 3, tensor.F64)
	bad := tensor.New(9, 9, tensor.F64)
	if _, err := Fmm(k, x1, x2ok, bad, hostOpts()); !errors.Is(err, ErrConfig) {
		t.Fatalf("bad out shape: got %v", err)
	}
}

func TestFmmPlannerOOM(t *testing.T) {
	k := &testKernel{sigma: 1}
	x1 := randMat(16, 2000, 64, tensor.F64)
	x2 := randMat(17, 2000, 64, tensor.F64)

	// 1 KiB cannot stage even a single-element block with d=64: the two
	// staged feature rows alone need 129 elements.
	_, err := Fmm(k, x1, x2, nil, oocOpts(1<<10))
	if !errors.Is(err, plan.ErrInsufficientMemory) {
		t.Fatalf("expected planner OOM, got %v", err)
	}
}

func TestFmmSparseMatchesDense(t *testing.T) {
	k := &testKernel{sigma: 1.2}
	rng := rand.New(rand.NewPCG(18, 18))
	dense1 := tensor.New(120, 10, tensor.F64)
	dense2 := tensor.New(40, 10, tensor.F64)
	for _, m := range []*tensor.Mat{dense1, dense2} {
		for i := 0; i < m.R; i++ {
			for j := 0; j < m.C; j++ {
				if rng.Float64() < 0.3 {
					m.Set(i, j, rng.NormFloat64())
				}
			}
		}
	}
	want, err := Fmm(k, dense1, dense2, nil, hostOpts())
	if err != nil {
		t.Fatalf("dense: %v", err)
	}

	s1 := sparse.FromDense(dense1)
	s2 := sparse.FromDense(dense2)
	got, err := FmmSparse(k, s1, s2, nil, hostOpts())
	if err != nil {
		t.Fatalf("sparse: %v", err)
	}
	if d := tensor.MaxAbsDiff(want, got); d > 1e-12 {
		t.Fatalf("sparse result differs by %g", d)
	}
}

func TestFmmGradientModeMatchesForward(t *testing.T) {
	k := &testKernel{sigma: 1.5}
	x1 := randMat(19, 200, 3, tensor.F64)
	x2 := randMat(20, 80, 3, tensor.F64)

	want, err := Fmm(k, x1, x2, nil, hostOpts())
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	opts := hostOpts()
	opts.Mode = ForwardWithGradient
	got, err := Fmm(k, x1, x2, nil, opts)
	if err != nil {
		t.Fatalf("gradient mode: %v", err)
	}
	if d := tensor.MaxAbsDiff(want, got); d > 1e-12 {
		t.Fatalf("gradient-mode forward differs by %g", d)
	}
}

func TestFmmGradFiniteDifference(t *testing.T) {
	k := &testKernel{sigma: 1.3}
	n, m, d := 6, 5, 3
	x1 := randMat(21, n, d, tensor.F64)
	x2 := randMat(22, m, d, tensor.F64)
	g := randMat(23, n, m, tensor.F64)

	gx1, gx2, err := FmmGrad(k, x1, x2, g, nil, nil, hostOpts())
	if err != nil {
		t.Fatalf("backward: %v", err)
	}

	loss := func() float64 {
		var sum float64
		for i := 0; i < n; i++ {
			for j := 0; j < m; j++ {
				sum += g.At(i, j) * k.at(x1, x2, i, j)
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
					t.Fatalf("%s[%d,%d]: analytic %g, finite difference %g", name, i, f, gx.At(i, f), fd)
				}
			}
		}
	}
	check("gx1", x1, gx1)
	check("gx2", x2, gx2)
}
