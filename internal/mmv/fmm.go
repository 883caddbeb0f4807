package mmv

import (
	"fmt"
	"sync"

	"github.com/mfkiwl/falkon/internal/device"
	"github.com/mfkiwl/falkon/internal/plan"
	"github.com/mfkiwl/falkon/internal/sparse"
	"github.com/mfkiwl/falkon/internal/tensor"
)

// argsFmm is the work descriptor handed to one block executor: one
// device, one assigned row range of the output, and the memory budget
// that device may use.
type argsFmm struct {
	x1, x2   *tensor.Mat
	sx1, sx2 *sparse.Matrix
	out      *tensor.Mat
	kernel   Kernel
	compDT   tensor.DType
	maxMem   int64
	dev      tensor.Device
	opts     Options
}

// Fmm evaluates the full N x M kernel matrix in blocks, possibly across
// several accelerators. When out is nil a matrix of x1's dtype is
// allocated on the data device; otherwise the result is written into out
// and out is returned. The output is caller-owned either way: only the
// engine's own staging buffers are charged against the topology.
func Fmm(k Kernel, x1, x2, out *tensor.Mat, opts Options) (*tensor.Mat, error) {
	opts = opts.withDefaults()
	if err := checkDenseInputs(x1, x2); err != nil {
		return nil, err
	}
	n, m := x1.R, x2.R
	dataDev := x1.Dev

	if out == nil {
		out = tensor.SameStride(n, m, x1, x1.DType, dataDev)
	} else if out.R != n || out.C != m {
		return nil, fmt.Errorf("%w: out is %dx%d, want %dx%d", ErrConfig, out.R, out.C, n, m)
	} else if out.Dev != dataDev {
		return nil, fmt.Errorf("%w: out on %s but data on %s", ErrConfig, out.Dev, dataDev)
	}

	compDT := opts.compDType(x1.DType)
	run := func(a argsFmm) error {
		if a.opts.Mode == ForwardWithGradient {
			return mmDiffRun(a)
		}
		return mmRun(a)
	}
	if err := dispatch(opts, dataDev, x1.R,
		func(dev tensor.Device, maxMem int64, rowStart, rowLen int) error {
			return run(argsFmm{
				x1: x1.Narrow(rowStart, rowLen), x2: x2,
				out:    out.Narrow(rowStart, rowLen),
				kernel: k, compDT: compDT, maxMem: maxMem, dev: dev, opts: opts,
			})
		}); err != nil {
		return nil, err
	}
	return out, nil
}

// FmmSparse is the sparse-input variant of Fmm. In-core accelerator
// execution is rejected: the sparse product needs the out-of-core
// conversion path.
func FmmSparse(k Kernel, x1, x2 *sparse.Matrix, out *tensor.Mat, opts Options) (*tensor.Mat, error) {
	opts = opts.withDefaults()
	if x1.Cols() != x2.Cols() {
		return nil, fmt.Errorf("%w: x1 has %d features, x2 has %d", ErrConfig, x1.Cols(), x2.Cols())
	}
	n, m := x1.Rows(), x2.Rows()
	dataDev := x1.Dev

	if !dataDev.IsHost() && !opts.hostCompute() {
		return nil, fmt.Errorf("%w: in-core sparse fmm not implemented, use the out-of-core path", ErrConfig)
	}
	if out == nil {
		// Sparse outputs are column-major: the sweep fills column panels.
		out = tensor.NewColMajor(n, m, x1.DType)
		out.Dev = dataDev
	} else if out.R != n || out.C != m {
		return nil, fmt.Errorf("%w: out is %dx%d, want %dx%d", ErrConfig, out.R, out.C, n, m)
	}

	compDT := opts.compDType(x1.DType)
	if err := dispatch(opts, dataDev, n,
		func(dev tensor.Device, maxMem int64, rowStart, rowLen int) error {
			x1b, err := x1.NarrowRows(rowStart, rowLen)
			if err != nil {
				return err
			}
			return sparseMMRun(argsFmm{
				sx1: x1b, sx2: x2,
				out:    out.Narrow(rowStart, rowLen),
				kernel: k, compDT: compDT, maxMem: maxMem, dev: dev, opts: opts,
			})
		}); err != nil {
		return nil, err
	}
	return out, nil
}

func checkDenseInputs(x1, x2 *tensor.Mat) error {
	if x1.C != x2.C {
		return fmt.Errorf("%w: x1 has %d features, x2 has %d", ErrConfig, x1.C, x2.C)
	}
	if x1.Dev != x2.Dev {
		return fmt.Errorf("%w: x1 on %s but x2 on %s", ErrConfig, x1.Dev, x2.Dev)
	}
	if x1.DType != x2.DType {
		return fmt.Errorf("%w: x1 is %s but x2 is %s", ErrConfig, x1.DType, x2.DType)
	}
	return nil
}

// dispatch resolves the placement regime and fans the row range out to
// the participating devices: a single call for in-core work, one worker
// goroutine per accelerator for the out-of-core multi-device regime,
// joined before returning. The first worker error wins.
func dispatch(opts Options, dataDev tensor.Device, rows int,
	work func(dev tensor.Device, maxMem int64, rowStart, rowLen int) error) error {

	hostComp := opts.hostCompute()
	switch {
	case hostComp && dataDev.IsHost():
		return work(tensor.Host, opts.MaxHostMem, 0, rows)

	case !hostComp && !dataDev.IsHost():
		acc, err := opts.Topo.Accel(dataDev)
		if err != nil {
			return err
		}
		return work(dataDev, acc.UsableMemory(opts.Slack), 0, rows)

	case !hostComp && dataDev.IsHost():
		accels := opts.Topo.Accels()
		usable := make([]int64, len(accels))
		for i, a := range accels {
			usable[i] = a.UsableMemory(opts.Slack)
		}
		bounds := device.BlockSizes(usable, rows)
		opts.Log.Debug("out-of-core dispatch", "devices", len(accels), "bounds", bounds)

		var wg sync.WaitGroup
		errs := make([]error, len(accels))
		for i, a := range accels {
			start, width := bounds[i], bounds[i+1]-bounds[i]
			if width <= 0 {
				continue
			}
			wg.Add(1)
			go func(i int, a *device.Accel, start, width int) {
				defer wg.Done()
				if err := work(a.ID(), usable[i], start, width); err != nil {
					errs[i] = fmt.Errorf("worker on %s: %w", a.ID(), err)
				}
			}(i, a, start, width)
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("%w: requested host computations with accelerator-resident data", ErrConfig)
	}
}

// mmRun executes one device's assigned share of a dense fmm: a
// column-tile outer sweep with a row-tile inner sweep, staging tiles
// through device buffers only when the data must change device or dtype.
func mmRun(a argsFmm) error {
	x1, x2, out := a.x1, a.x2, a.out
	n, d := x1.R, x1.C
	m := x2.R

	isOOC := a.dev.IsHost() != x1.Dev.IsHost()
	changeDT := a.compDT != x1.DType
	hasBufs := isOOC || changeDT

	extra := a.kernel.ExtraMem()
	coef := extra
	if hasBufs {
		coef.ND++
		coef.MD++
		coef.NM++
	}
	availElems := float64(a.maxMem) / float64(a.compDT.Size())
	bn, bm, err := plan.SelectDimOverNM(n, m, d, coef, availElems)
	if err != nil {
		return err
	}
	a.opts.Log.Debug("fmm block plan", "device", a.dev, "n", bn, "m", bm,
		"rows", n, "cols", m, "staged", hasBufs)

	var devNM, devM1, devM2 *tensor.Mat
	if hasBufs {
		total := bn*bm + bn*d + bm*d
		bytes := int64(total) * int64(a.compDT.Size())
		if err := a.opts.Topo.Alloc(a.dev, bytes); err != nil {
			return err
		}
		defer a.opts.Topo.Free(a.dev, bytes)

		flat := tensor.New(1, total, a.compDT)
		flat.Dev = a.dev
		off := 0
		devNM, off = tensor.CarveView(flat, off, bn, bm, out.Layout)
		devM1, off = tensor.CarveView(flat, off, bn, d, x1.Layout)
		devM2, _ = tensor.CarveView(flat, off, bm, d, x2.Layout)
	}

	var stream *device.Stream
	if !a.dev.IsHost() {
		stream = device.NewStream(a.dev)
		defer stream.Close()
	}

	for j := 0; j < m; j += bm {
		lenj := min(bm, m-j)

		cM2 := x2.Narrow(j, lenj)
		if hasBufs {
			if _, err := device.Copy(cM2, devM2.Narrow(0, lenj), nil, true); err != nil {
				return err
			}
			cM2 = devM2.Narrow(0, lenj)
		}

		for i := 0; i < n; i += bn {
			leni := min(bn, n-i)

			cM1 := x1.Narrow(i, leni)
			var cOut *tensor.Mat
			if hasBufs {
				if _, err := device.Copy(cM1, devM1.Narrow(0, leni), nil, true); err != nil {
					return err
				}
				cM1 = devM1.Narrow(0, leni)
				if stream != nil {
					// The tile buffer is reused: wait out the previous
					// asynchronous copy-back before overwriting it.
					stream.Synchronize()
				}
				cOut = devNM.Narrow(0, leni).NarrowCols(0, lenj)
			} else {
				cOut = out.Narrow(i, leni).NarrowCols(j, lenj)
			}
			cOut.Fill(0)

			a.kernel.Compute(cM1, cM2, cOut)

			if hasBufs {
				dst := out.Narrow(i, leni).NarrowCols(j, lenj)
				if _, err := device.Copy(cOut, dst, stream, true); err != nil {
					return err
				}
			}
		}
	}
	if stream != nil {
		stream.Synchronize()
	}
	return nil
}

// sparseMMRun is the sparse-input block executor. The staged column
// block is transposed and, on accelerators, re-compressed to CSR before
// transfer, since the device sparse product needs both operands in
// compressed-row form.
func sparseMMRun(a argsFmm) error {
	x1, x2, out := a.sx1, a.sx2, a.out
	n, d := x1.Rows(), x1.Cols()
	m := x2.Rows()

	isOOC := !a.dev.IsHost()
	changeDT := a.compDT != x1.DType
	hasBufs := isOOC || changeDT

	var coef plan.Coeffs
	if hasBufs {
		// Output density is assumed 1: the CSR copy of one tile costs
		// about 2*nm on top of the dense tile, and the transposed column
		// block is copied, doubling its footprint.
		coef = plan.Coeffs{
			ND: 2 * x1.Density(),
			MD: 2 * x2.Density(),
			NM: 3,
		}
	}
	availElems := float64(a.maxMem) / float64(a.compDT.Size())
	bn, bm, err := plan.SelectDimOverNM(n, m, d, coef, availElems)
	if err != nil {
		return err
	}
	a.opts.Log.Debug("sparse fmm block plan", "device", a.dev, "n", bn, "m", bm, "staged", hasBufs)

	var devNM *tensor.Mat
	if hasBufs {
		bytes := int64(bn) * int64(bm) * int64(a.compDT.Size())
		if err := a.opts.Topo.Alloc(a.dev, bytes); err != nil {
			return err
		}
		defer a.opts.Topo.Free(a.dev, bytes)
		devNM = tensor.SameStride(bn, bm, out, a.compDT, a.dev)
	}

	var stream *device.Stream
	if !a.dev.IsHost() {
		stream = device.NewStream(a.dev)
		defer stream.Close()
	}

	for j := 0; j < m; j += bm {
		lenj := min(bm, m-j)

		cM2, err := x2.NarrowRows(j, lenj)
		if err != nil {
			return err
		}
		cM2 = cM2.To(a.compDT, cM2.Dev)
		cM2T := cM2.TransposeCSC()
		if !a.dev.IsHost() {
			cM2T = cM2T.ConvertToCSR().To(a.compDT, a.dev)
		}

		for i := 0; i < n; i += bn {
			leni := min(bn, n-i)

			cM1, err := x1.NarrowRows(i, leni)
			if err != nil {
				return err
			}
			cM1 = cM1.To(a.compDT, cM1.Dev)
			if !a.dev.IsHost() {
				cM1 = cM1.To(a.compDT, a.dev)
			}

			var cOut *tensor.Mat
			if hasBufs {
				if stream != nil {
					stream.Synchronize()
				}
				cOut = devNM.Narrow(0, leni).NarrowCols(0, lenj)
			} else {
				cOut = out.Narrow(i, leni).NarrowCols(j, lenj)
			}
			cOut.Fill(0)

			if err := a.kernel.ComputeSparse(cM1, cM2, cM2T, cOut); err != nil {
				return err
			}

			if hasBufs {
				dst := out.Narrow(i, leni).NarrowCols(j, lenj)
				if _, err := device.Copy(cOut, dst, stream, true); err != nil {
					return err
				}
			}
		}
	}
	if stream != nil {
		stream.Synchronize()
	}
	return nil
}
