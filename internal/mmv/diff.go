package mmv

import (
	"fmt"

	"github.com/mfkiwl/falkon/internal/plan"
	"github.com/mfkiwl/falkon/internal/tensor"
)

// mmDiffRun is the gradient-mode block executor. Tiles are produced by
// the kernel's differentiable path and written straight into the output;
// nothing is staged, so the computation must run where the data lives.
// The planner charges the tile dimension heavily because differentiable
// evaluation keeps its intermediates alive for the whole tile.
func mmDiffRun(a argsFmm) error {
	dk, ok := a.kernel.(DiffKernel)
	if !ok {
		return fmt.Errorf("%w: kernel %T has no differentiable evaluation", ErrConfig, a.kernel)
	}
	x1, x2, out := a.x1, a.x2, a.out
	if a.dev != x1.Dev {
		return fmt.Errorf("%w: gradient evaluation must run on the data device %s, got %s",
			ErrConfig, x1.Dev, a.dev)
	}
	n, d := x1.R, x1.C
	m := x2.R

	coef := dk.ExtraMem()
	coef.NM = (coef.NM + 1) * diffCoefNM
	availElems := float64(a.maxMem) / float64(x1.DType.Size())
	bn, bm, err := plan.SelectDimOverNM(n, m, d, coef, availElems)
	if err != nil {
		return err
	}
	a.opts.Log.Debug("fmm gradient block plan", "device", a.dev, "n", bn, "m", bm)

	for j := 0; j < m; j += bm {
		lenj := min(bm, m-j)
		cM2 := x2.Narrow(j, lenj)
		for i := 0; i < n; i += bn {
			leni := min(bn, n-i)
			cM1 := x1.Narrow(i, leni)
			cOut := out.Narrow(i, leni).NarrowCols(j, lenj)
			cOut.Fill(0)
			dk.ComputeDiff(cM1, cM2, cOut)
		}
	}
	return nil
}

// FmmGrad backpropagates an upstream gradient of the kernel matrix into
// the two inputs. Kernel tiles are recomputed block by block, never
// cached: each tile's forward pass yields a pullback that is applied to
// the matching slice of outGrad and accumulated into gx1 and gx2. When
// gx1 or gx2 is nil a zeroed accumulator is allocated on the data
// device.
func FmmGrad(k Kernel, x1, x2, outGrad, gx1, gx2 *tensor.Mat, opts Options) (*tensor.Mat, *tensor.Mat, error) {
	opts = opts.withDefaults()
	dk, ok := k.(DiffKernel)
	if !ok {
		return nil, nil, fmt.Errorf("%w: kernel %T has no differentiable evaluation", ErrConfig, k)
	}
	if err := checkDenseInputs(x1, x2); err != nil {
		return nil, nil, err
	}
	n, d := x1.R, x1.C
	m := x2.R
	if outGrad.R != n || outGrad.C != m {
		return nil, nil, fmt.Errorf("%w: outGrad is %dx%d, want %dx%d", ErrConfig, outGrad.R, outGrad.C, n, m)
	}
	if outGrad.Dev != x1.Dev {
		return nil, nil, fmt.Errorf("%w: outGrad on %s but data on %s", ErrConfig, outGrad.Dev, x1.Dev)
	}
	dataDev := x1.Dev

	if gx1 == nil {
		gx1 = tensor.SameStride(n, d, x1, x1.DType, dataDev)
	} else if gx1.R != n || gx1.C != d {
		return nil, nil, fmt.Errorf("%w: gx1 is %dx%d, want %dx%d", ErrConfig, gx1.R, gx1.C, n, d)
	}
	if gx2 == nil {
		gx2 = tensor.SameStride(m, d, x2, x2.DType, dataDev)
	} else if gx2.R != m || gx2.C != d {
		return nil, nil, fmt.Errorf("%w: gx2 is %dx%d, want %dx%d", ErrConfig, gx2.R, gx2.C, m, d)
	}
	gx1.Fill(0)
	gx2.Fill(0)

	// The backward pass accumulates into shared gx2 rows from every row
	// block, so it runs on a single executor.
	var maxMem int64
	if dataDev.IsHost() {
		maxMem = opts.MaxHostMem
	} else {
		acc, err := opts.Topo.Accel(dataDev)
		if err != nil {
			return nil, nil, err
		}
		maxMem = acc.UsableMemory(opts.Slack)
	}

	coef := dk.ExtraMem()
	coef.NM = (coef.NM + 1) * diffCoefNM
	availElems := float64(maxMem) / float64(x1.DType.Size())
	bn, bm, err := plan.SelectDimOverNM(n, m, d, coef, availElems)
	if err != nil {
		return nil, nil, err
	}
	opts.Log.Debug("fmm backward block plan", "device", dataDev, "n", bn, "m", bm)

	tileBytes := int64(bn) * int64(bm) * int64(x1.DType.Size())
	if err := opts.Topo.Alloc(dataDev, tileBytes); err != nil {
		return nil, nil, err
	}
	defer opts.Topo.Free(dataDev, tileBytes)
	tile := tensor.NewOnDevice(bn, bm, x1.DType, outGrad.Layout, dataDev)

	for j := 0; j < m; j += bm {
		lenj := min(bm, m-j)
		cM2 := x2.Narrow(j, lenj)
		cGx2 := gx2.Narrow(j, lenj)
		for i := 0; i < n; i += bn {
			leni := min(bn, n-i)
			cM1 := x1.Narrow(i, leni)
			cTile := tile.Narrow(0, leni).NarrowCols(0, lenj)
			cTile.Fill(0)
			vjp := dk.ComputeDiff(cM1, cM2, cTile)
			vjp(outGrad.Narrow(i, leni).NarrowCols(j, lenj), gx1.Narrow(i, leni), cGx2)
		}
	}
	return gx1, gx2, nil
}
