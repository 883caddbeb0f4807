package mmv

import (
	"errors"
	"testing"

	"github.com/mfkiwl/falkon/internal/tensor"
)

// naiveKmat materializes the full kernel matrix pairwise for reference
// products.
func naiveKmat(k *testKernel, x1, x2 *tensor.Mat) *tensor.Mat {
	out := tensor.New(x1.R, x2.R, tensor.F64)
	k.Compute(x1, x2, out)
	return out
}

func TestFmmvMatchesNaive(t *testing.T) {
	k := &testKernel{sigma: 1.4}
	x1 := randMat(30, 700, 4, tensor.F64)
	x2 := randMat(31, 90, 4, tensor.F64)
	v := randMat(32, 90, 2, tensor.F64)

	kmat := naiveKmat(k, x1, x2)
	want := tensor.New(700, 2, tensor.F64)
	tensor.Gemm(want, kmat, v, 1, 0)

	for name, opts := range map[string]Options{
		"host":        hostOpts(),
		"out-of-core": oocOpts(1 << 20),
		"multi-accel": oocOpts(1<<20, 1<<20),
	} {
		got, err := Fmmv(k, x1, x2, v, nil, opts)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if d := tensor.MaxAbsDiff(want, got); d > 1e-11 {
			t.Fatalf("%s: product differs by %g", name, d)
		}
	}
}

func TestFmmvWritesCallerBuffer(t *testing.T) {
	k := &testKernel{sigma: 1}
	x1 := randMat(33, 50, 3, tensor.F64)
	x2 := randMat(34, 20, 3, tensor.F64)
	v := randMat(35, 20, 1, tensor.F64)
	out := tensor.New(50, 1, tensor.F64)

	ret, err := Fmmv(k, x1, x2, v, out, hostOpts())
	if err != nil {
		t.Fatalf("fmmv: %v", err)
	}
	if ret.DataPtr() != out.DataPtr() {
		t.Fatal("caller buffer was not used in place")
	}
}

func TestFmmvShapeChecks(t *testing.T) {
	k := &testKernel{sigma: 1}
	x1 := randMat(36, 30, 3, tensor.F64)
	x2 := randMat(37, 10, 3, tensor.F64)
	badV := randMat(38, 11, 1, tensor.F64)
	if _, err := Fmmv(k, x1, x2, badV, nil, hostOpts()); !errors.Is(err, ErrConfig) {
		t.Fatalf("v row mismatch: got %v", err)
	}
}

func TestFdmmvMatchesNaive(t *testing.T) {
	k := &testKernel{sigma: 1.1}
	x1 := randMat(40, 600, 3, tensor.F64)
	x2 := randMat(41, 70, 3, tensor.F64)
	v := randMat(42, 70, 2, tensor.F64)
	w := randMat(43, 600, 2, tensor.F64)

	kmat := naiveKmat(k, x1, x2)
	tmp := tensor.New(600, 2, tensor.F64)
	tensor.Gemm(tmp, kmat, v, 1, 0)
	tensor.Add(tmp, tmp, w)
	want := tensor.New(70, 2, tensor.F64)
	tensor.GemmTransA(want, kmat, tmp, 1, 0)

	for name, opts := range map[string]Options{
		"host":        hostOpts(),
		"out-of-core": oocOpts(1 << 20),
		"multi-accel": oocOpts(1<<20, 2<<20),
	} {
		got, err := Fdmmv(k, x1, x2, v, w, nil, opts)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if d := tensor.MaxAbsDiff(want, got); d > 1e-10 {
			t.Fatalf("%s: double product differs by %g", name, d)
		}
	}
}

func TestFdmmvVOnly(t *testing.T) {
	k := &testKernel{sigma: 1.1}
	x1 := randMat(44, 300, 3, tensor.F64)
	x2 := randMat(45, 40, 3, tensor.F64)
	v := randMat(46, 40, 1, tensor.F64)

	kmat := naiveKmat(k, x1, x2)
	tmp := tensor.New(300, 1, tensor.F64)
	tensor.Gemm(tmp, kmat, v, 1, 0)
	want := tensor.New(40, 1, tensor.F64)
	tensor.GemmTransA(want, kmat, tmp, 1, 0)

	got, err := Fdmmv(k, x1, x2, v, nil, nil, hostOpts())
	if err != nil {
		t.Fatalf("fdmmv: %v", err)
	}
	if d := tensor.MaxAbsDiff(want, got); d > 1e-10 {
		t.Fatalf("v-only product differs by %g", d)
	}
}

func TestFdmmvWOnly(t *testing.T) {
	k := &testKernel{sigma: 0.9}
	x1 := randMat(47, 300, 3, tensor.F64)
	x2 := randMat(48, 40, 3, tensor.F64)
	w := randMat(49, 300, 1, tensor.F64)

	kmat := naiveKmat(k, x1, x2)
	want := tensor.New(40, 1, tensor.F64)
	tensor.GemmTransA(want, kmat, w, 1, 0)

	got, err := Fdmmv(k, x1, x2, nil, w, nil, hostOpts())
	if err != nil {
		t.Fatalf("fdmmv: %v", err)
	}
	if d := tensor.MaxAbsDiff(want, got); d > 1e-10 {
		t.Fatalf("w-only product differs by %g", d)
	}
}

// Device-resident solves apply the operator many times; the tracked
// device capacity must return to its starting point after every call, or
// a long solve exhausts memory that is not actually in use.
func TestFdmmvRepeatedCallsKeepDeviceMemory(t *testing.T) {
	k := &testKernel{sigma: 1.2}
	opts := oocOpts(1 << 20)
	acc := opts.Topo.Accels()[0]
	dev := acc.ID()

	x1 := randMat(55, 500, 3, tensor.F64)
	x1.Dev = dev
	x2 := randMat(56, 50, 3, tensor.F64)
	x2.Dev = dev
	v := randMat(57, 50, 1, tensor.F64)
	v.Dev = dev

	free := acc.FreeMemory()
	for i := 0; i < 200; i++ {
		if _, err := Fdmmv(k, x1, x2, v, nil, nil, opts); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if got := acc.FreeMemory(); got != free {
		t.Fatalf("device free memory drifted from %d to %d across identical calls", free, got)
	}
}

func TestFmmvRejectsWrongDeviceOut(t *testing.T) {
	k := &testKernel{sigma: 1}
	opts := oocOpts(1 << 20)
	dev := opts.Topo.Accels()[0].ID()

	x1 := randMat(52, 30, 3, tensor.F64)
	x2 := randMat(53, 10, 3, tensor.F64)
	v := randMat(54, 10, 1, tensor.F64)

	out := tensor.New(30, 1, tensor.F64)
	out.Dev = dev
	if _, err := Fmmv(k, x1, x2, v, out, opts); !errors.Is(err, ErrConfig) {
		t.Fatalf("fmmv wrong-device out: got %v", err)
	}
	dOut := tensor.New(10, 1, tensor.F64)
	dOut.Dev = dev
	if _, err := Fdmmv(k, x1, x2, v, nil, dOut, opts); !errors.Is(err, ErrConfig) {
		t.Fatalf("fdmmv wrong-device out: got %v", err)
	}
}

func TestFdmmvRequiresAnInput(t *testing.T) {
	k := &testKernel{sigma: 1}
	x1 := randMat(50, 20, 2, tensor.F64)
	x2 := randMat(51, 10, 2, tensor.F64)
	if _, err := Fdmmv(k, x1, x2, nil, nil, nil, hostOpts()); !errors.Is(err, ErrConfig) {
		t.Fatalf("missing v and w: got %v", err)
	}
}
