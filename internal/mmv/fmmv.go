package mmv

import (
	"fmt"
	"sync"

	"github.com/mfkiwl/falkon/internal/device"
	"github.com/mfkiwl/falkon/internal/plan"
	"github.com/mfkiwl/falkon/internal/tensor"
)

// Fmmv computes out = K(x1, x2) * v without materializing K: tiles of
// the kernel matrix are produced block by block and immediately folded
// into the product. v has shape (x2.R, T) and the result (x1.R, T).
func Fmmv(k Kernel, x1, x2, v, out *tensor.Mat, opts Options) (*tensor.Mat, error) {
	opts = opts.withDefaults()
	if err := checkDenseInputs(x1, x2); err != nil {
		return nil, err
	}
	if v.R != x2.R {
		return nil, fmt.Errorf("%w: v has %d rows, x2 has %d", ErrConfig, v.R, x2.R)
	}
	if v.DType != x1.DType {
		return nil, fmt.Errorf("%w: v is %s but inputs are %s", ErrConfig, v.DType, x1.DType)
	}
	n, t := x1.R, v.C
	dataDev := x1.Dev

	if out == nil {
		out = tensor.SameStride(n, t, x1, x1.DType, dataDev)
	} else if out.R != n || out.C != t {
		return nil, fmt.Errorf("%w: out is %dx%d, want %dx%d", ErrConfig, out.R, out.C, n, t)
	} else if out.Dev != dataDev {
		return nil, fmt.Errorf("%w: out on %s but data on %s", ErrConfig, out.Dev, dataDev)
	}

	compDT := opts.compDType(x1.DType)
	if err := dispatch(opts, dataDev, n,
		func(dev tensor.Device, maxMem int64, rowStart, rowLen int) error {
			return fmmvRun(argsFmm{
				x1: x1.Narrow(rowStart, rowLen), x2: x2,
				out:    out.Narrow(rowStart, rowLen),
				kernel: k, compDT: compDT, maxMem: maxMem, dev: dev, opts: opts,
			}, v)
		}); err != nil {
		return nil, err
	}
	return out, nil
}

// fmmvRun executes one device's row range of a blocked kernel-vector
// product: outer sweep over row tiles accumulating into an (n, T) block,
// inner sweep over column tiles of the kernel matrix.
func fmmvRun(a argsFmm, v *tensor.Mat) error {
	x1, x2, out := a.x1, a.x2, a.out
	n, d := x1.R, x1.C
	m, t := x2.R, v.C

	isOOC := a.dev.IsHost() != x1.Dev.IsHost()
	changeDT := a.compDT != x1.DType
	hasBufs := isOOC || changeDT

	coef := a.kernel.ExtraMem()
	coef.NM++ // the kernel tile itself is always scratch here
	if hasBufs {
		coef.ND++
		coef.MD++
		coef.N += float64(t)
		coef.M += float64(t)
	}
	availElems := float64(a.maxMem) / float64(a.compDT.Size())
	bn, bm, err := plan.SelectDimOverNM(n, m, d, coef, availElems)
	if err != nil {
		return err
	}
	a.opts.Log.Debug("fmmv block plan", "device", a.dev, "n", bn, "m", bm, "staged", hasBufs)

	tileElems := bn * bm
	total := tileElems
	if hasBufs {
		total += bn*d + bm*d + bn*t + bm*t
	}
	bytes := int64(total) * int64(a.compDT.Size())
	if err := a.opts.Topo.Alloc(a.dev, bytes); err != nil {
		return err
	}
	defer a.opts.Topo.Free(a.dev, bytes)

	flat := tensor.New(1, total, a.compDT)
	flat.Dev = a.dev
	off := 0
	var tile, devM1, devM2, devOut, devV *tensor.Mat
	tile, off = tensor.CarveView(flat, off, bn, bm, tensor.RowMajor)
	if hasBufs {
		devM1, off = tensor.CarveView(flat, off, bn, d, tensor.RowMajor)
		devM2, off = tensor.CarveView(flat, off, bm, d, tensor.RowMajor)
		devOut, off = tensor.CarveView(flat, off, bn, t, tensor.RowMajor)
		devV, _ = tensor.CarveView(flat, off, bm, t, tensor.RowMajor)
	}

	for i := 0; i < n; i += bn {
		leni := min(bn, n-i)

		cM1 := x1.Narrow(i, leni)
		cOut := out.Narrow(i, leni)
		if hasBufs {
			if _, err := device.Copy(cM1, devM1.Narrow(0, leni), nil, true); err != nil {
				return err
			}
			cM1 = devM1.Narrow(0, leni)
			cOut = devOut.Narrow(0, leni)
		}
		cOut.Fill(0)

		for j := 0; j < m; j += bm {
			lenj := min(bm, m-j)

			cM2 := x2.Narrow(j, lenj)
			cV := v.Narrow(j, lenj)
			if hasBufs {
				if _, err := device.Copy(cM2, devM2.Narrow(0, lenj), nil, true); err != nil {
					return err
				}
				if _, err := device.Copy(cV, devV.Narrow(0, lenj), nil, true); err != nil {
					return err
				}
				cM2 = devM2.Narrow(0, lenj)
				cV = devV.Narrow(0, lenj)
			}

			cTile := tile.Narrow(0, leni).NarrowCols(0, lenj)
			cTile.Fill(0)
			a.kernel.Compute(cM1, cM2, cTile)
			tensor.Gemm(cOut, cTile, cV, 1, 1)
		}

		if hasBufs {
			if _, err := device.Copy(cOut, out.Narrow(i, leni), nil, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// Fdmmv computes out = K(x1, x2)' * (K(x1, x2) * v + w), the double
// kernel-vector product of the normal equations, without materializing
// K. v has shape (x2.R, T), w shape (x1.R, T); at least one must be
// given. The x2 side stays fully resident per device, so x2.R must be
// modest (it holds the Nystrom centers in the solver).
func Fdmmv(k Kernel, x1, x2, v, w, out *tensor.Mat, opts Options) (*tensor.Mat, error) {
	opts = opts.withDefaults()
	if err := checkDenseInputs(x1, x2); err != nil {
		return nil, err
	}
	if v == nil && w == nil {
		return nil, fmt.Errorf("%w: dmmv needs at least one of v, w", ErrConfig)
	}
	if v != nil && v.R != x2.R {
		return nil, fmt.Errorf("%w: v has %d rows, x2 has %d", ErrConfig, v.R, x2.R)
	}
	if w != nil && w.R != x1.R {
		return nil, fmt.Errorf("%w: w has %d rows, x1 has %d", ErrConfig, w.R, x1.R)
	}
	var t int
	if v != nil {
		t = v.C
	} else {
		t = w.C
	}
	n, m := x1.R, x2.R
	dataDev := x1.Dev

	if out == nil {
		out = tensor.SameStride(m, t, x1, x1.DType, dataDev)
	} else if out.R != m || out.C != t {
		return nil, fmt.Errorf("%w: out is %dx%d, want %dx%d", ErrConfig, out.R, out.C, m, t)
	} else if out.Dev != dataDev {
		return nil, fmt.Errorf("%w: out on %s but data on %s", ErrConfig, out.Dev, dataDev)
	}

	compDT := opts.compDType(x1.DType)
	hostComp := opts.hostCompute()

	// Single-executor regimes write into out directly.
	if hostComp || !dataDev.IsHost() {
		if hostComp && !dataDev.IsHost() {
			return nil, fmt.Errorf("%w: requested host computations with accelerator-resident data", ErrConfig)
		}
		var dev tensor.Device
		var maxMem int64
		if hostComp {
			dev, maxMem = tensor.Host, opts.MaxHostMem
		} else {
			acc, err := opts.Topo.Accel(dataDev)
			if err != nil {
				return nil, err
			}
			dev, maxMem = dataDev, acc.UsableMemory(opts.Slack)
		}
		err := fdmmvRun(argsFmm{
			x1: x1, x2: x2, out: out,
			kernel: k, compDT: compDT, maxMem: maxMem, dev: dev, opts: opts,
		}, v, w)
		if err != nil {
			return nil, err
		}
		return out, nil
	}

	// Out-of-core, possibly multi-accelerator: every worker reduces its
	// row range into a private (m, t) partial; the partials are summed
	// on the host after the join. Unlike fmm, output rows here are not
	// disjoint across workers.
	accels := opts.Topo.Accels()
	usable := make([]int64, len(accels))
	for i, acc := range accels {
		usable[i] = acc.UsableMemory(opts.Slack)
	}
	bounds := device.BlockSizes(usable, n)

	partials := make([]*tensor.Mat, len(accels))
	errs := make([]error, len(accels))
	var wg sync.WaitGroup
	for i, acc := range accels {
		start, width := bounds[i], bounds[i+1]-bounds[i]
		if width <= 0 {
			continue
		}
		partials[i] = tensor.SameStride(m, t, out, out.DType, tensor.Host)
		var wBlock *tensor.Mat
		if w != nil {
			wBlock = w.Narrow(start, width)
		}
		wg.Add(1)
		go func(i int, acc *device.Accel, x1b, wb, part *tensor.Mat) {
			defer wg.Done()
			err := fdmmvRun(argsFmm{
				x1: x1b, x2: x2, out: part,
				kernel: k, compDT: compDT, maxMem: usable[i], dev: acc.ID(), opts: opts,
			}, v, wb)
			if err != nil {
				errs[i] = fmt.Errorf("worker on %s: %w", acc.ID(), err)
			}
		}(i, acc, x1.Narrow(start, width), wBlock, partials[i])
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	out.Fill(0)
	for _, p := range partials {
		if p != nil {
			tensor.AxpyScalar(out, p, 1)
		}
	}
	return out, nil
}

// fdmmvRun reduces one row range of the double product into out (shape
// m x t). The column side (x2, v, the partial output) stays resident on
// the compute device; the row side streams through in blocks, each block
// producing a full-width kernel stripe used twice: once forward, once
// transposed.
func fdmmvRun(a argsFmm, v, w *tensor.Mat) error {
	x1, x2, out := a.x1, a.x2, a.out
	n, d := x1.R, x1.C
	m := x2.R
	t := out.C

	isOOC := a.dev.IsHost() != x1.Dev.IsHost()
	changeDT := a.compDT != x1.DType
	hasBufs := isOOC || changeDT

	coef := a.kernel.ExtraMem()
	coef.NM++                // the (n, m) kernel stripe
	coef.N += float64(t)     // the (n, t) intermediate
	mResident := float64(m)*float64(d) + 2*float64(m)*float64(t) // x2, v, partial
	coef.Rest += mResident
	if hasBufs {
		coef.ND++
		coef.N += float64(t) // staged w block
	}
	availElems := float64(a.maxMem) / float64(a.compDT.Size())
	bn, err := plan.SelectDimOverN(n, m, d, coef, availElems)
	if err != nil {
		return err
	}
	a.opts.Log.Debug("fdmmv block plan", "device", a.dev, "n", bn, "m", m, "staged", hasBufs)

	total := bn*m + bn*t + m*t
	if hasBufs {
		total += bn*d + bn*t + m*d + m*t
	}
	bytes := int64(total) * int64(a.compDT.Size())
	if err := a.opts.Topo.Alloc(a.dev, bytes); err != nil {
		return err
	}
	defer a.opts.Topo.Free(a.dev, bytes)

	flat := tensor.New(1, total, a.compDT)
	flat.Dev = a.dev
	off := 0
	var stripe, tmp, acc, devM1, devW, devM2, devV *tensor.Mat
	stripe, off = tensor.CarveView(flat, off, bn, m, tensor.RowMajor)
	tmp, off = tensor.CarveView(flat, off, bn, t, tensor.RowMajor)
	acc, off = tensor.CarveView(flat, off, m, t, tensor.RowMajor)
	cX2, cV := x2, v
	if hasBufs {
		devM1, off = tensor.CarveView(flat, off, bn, d, tensor.RowMajor)
		devW, off = tensor.CarveView(flat, off, bn, t, tensor.RowMajor)
		devM2, off = tensor.CarveView(flat, off, m, d, tensor.RowMajor)
		devV, _ = tensor.CarveView(flat, off, m, t, tensor.RowMajor)
		if _, err := device.Copy(x2, devM2, nil, true); err != nil {
			return err
		}
		cX2 = devM2
		if v != nil {
			if _, err := device.Copy(v, devV, nil, true); err != nil {
				return err
			}
			cV = devV
		}
	}
	acc.Fill(0)

	for i := 0; i < n; i += bn {
		leni := min(bn, n-i)

		cM1 := x1.Narrow(i, leni)
		if hasBufs {
			if _, err := device.Copy(cM1, devM1.Narrow(0, leni), nil, true); err != nil {
				return err
			}
			cM1 = devM1.Narrow(0, leni)
		}

		cStripe := stripe.Narrow(0, leni)
		cStripe.Fill(0)
		a.kernel.Compute(cM1, cX2, cStripe)

		cTmp := tmp.Narrow(0, leni)
		if w != nil {
			cW := w.Narrow(i, leni)
			if hasBufs {
				if _, err := device.Copy(cW, devW.Narrow(0, leni), nil, true); err != nil {
					return err
				}
				cW = devW.Narrow(0, leni)
			}
			tensor.CopyValues(cTmp, cW)
		} else {
			cTmp.Fill(0)
		}
		if v != nil {
			tensor.Gemm(cTmp, cStripe, cV, 1, 1)
		}
		tensor.GemmTransA(acc, cStripe, cTmp, 1, 1)
	}

	if hasBufs || out.DType != a.compDT {
		if _, err := device.Copy(acc, out, nil, true); err != nil {
			return err
		}
	} else {
		tensor.CopyValues(out, acc)
	}
	return nil
}
