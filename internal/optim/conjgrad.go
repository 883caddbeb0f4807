// Package optim implements the batched preconditioned conjugate
// gradient iteration driving the solver: every right-hand-side column
// advances in lockstep through shared operator applications.
package optim

import (
	"fmt"
	"math"
	"time"

	"github.com/mfkiwl/falkon/internal/logger"
	"github.com/mfkiwl/falkon/internal/mmv"
	"github.com/mfkiwl/falkon/internal/precond"
	"github.com/mfkiwl/falkon/internal/tensor"
)

// Operator applies the system matrix to a batch of vectors. It must not
// retain or mutate its argument.
type Operator func(x *tensor.Mat) (*tensor.Mat, error)

// Callback observes the iterate after each step. Returning false stops
// the iteration early.
type Callback func(iter int, x, r *tensor.Mat) bool

// Stats reports how a solve went. MaxIter exhaustion is not an error:
// the best iterate is returned with Converged unset.
type Stats struct {
	Iterations int
	Residual   float64
	Converged  bool
	Elapsed    time.Duration
}

// Options tune the iteration. Zero values pick the defaults below.
type Options struct {
	// Tolerance on the largest column residual norm.
	Tolerance float64

	// FullGradientEvery exactly recomputes the residual every so many
	// iterations, flushing drift from the cheap update.
	FullGradientEvery int

	Log logger.Logger
}

const (
	defaultTolerance    = 1e-7
	defaultFullGradient = 10
)

// epsilon floors the curvature denominator per dtype, so a stalled
// direction yields a huge, harmless step divisor instead of Inf.
func epsilon(dt tensor.DType) float64 {
	if dt == tensor.F32 {
		return 1e-7
	}
	return 1e-15
}

func (o Options) withDefaults() Options {
	if o.Tolerance == 0 {
		o.Tolerance = defaultTolerance
	}
	if o.FullGradientEvery == 0 {
		o.FullGradientEvery = defaultFullGradient
	}
	if o.Log == nil {
		o.Log = logger.Discard()
	}
	return o
}

// ConjugateGradient is the bare batched iteration over an abstract
// operator.
type ConjugateGradient struct {
	opt Options
}

func NewCG(opt Options) *ConjugateGradient {
	return &ConjugateGradient{opt: opt.withDefaults()}
}

// Solve iterates x until the largest column residual norm drops under
// the tolerance or maxIter steps have run. A nil x0 starts from zero,
// which makes the initial residual exactly b.
func (cg *ConjugateGradient) Solve(x0, b *tensor.Mat, op Operator, maxIter int, cb Callback) (*tensor.Mat, Stats, error) {
	start := time.Now()
	eps := epsilon(b.DType)

	var x, r *tensor.Mat
	if x0 == nil {
		x = tensor.SameStride(b.R, b.C, b, b.DType, b.Dev)
		r = b.Clone()
	} else {
		if x0.R != b.R || x0.C != b.C {
			return nil, Stats{}, fmt.Errorf("optim: x0 is %dx%d, want %dx%d", x0.R, x0.C, b.R, b.C)
		}
		x = x0
		ax, err := op(x)
		if err != nil {
			return nil, Stats{}, err
		}
		r = tensor.SameStride(b.R, b.C, b, b.DType, b.Dev)
		tensor.Sub(r, b, ax)
	}

	p := r.Clone()
	rsOld := tensor.ColSumSq(r)

	stats := Stats{Residual: maxSqrt(rsOld)}
	for it := 0; it < maxIter; it++ {
		ap, err := op(p)
		if err != nil {
			return nil, stats, err
		}

		pap := tensor.ColDot(p, ap)
		alpha := make([]float64, len(pap))
		for t := range alpha {
			alpha[t] = rsOld[t] / (pap[t] + eps)
		}
		tensor.AddColScaled(x, p, alpha)

		if (it+1)%cg.opt.FullGradientEvery == 0 {
			ax, err := op(x)
			if err != nil {
				return nil, stats, err
			}
			tensor.Sub(r, b, ax)
		} else {
			tensor.SubColScaled(r, ap, alpha)
		}

		rsNew := tensor.ColSumSq(r)
		stats.Iterations = it + 1
		stats.Residual = maxSqrt(rsNew)
		cg.opt.Log.Debug("cg step", "iter", it+1, "residual", stats.Residual)

		if stats.Residual < cg.opt.Tolerance {
			stats.Converged = true
			break
		}
		if cb != nil && !cb(it+1, x, r) {
			break
		}

		beta := make([]float64, len(rsNew))
		for t := range beta {
			beta[t] = rsNew[t] / (rsOld[t] + eps)
		}
		tensor.ColScaleAdd(p, r, beta)
		rsOld = rsNew
	}
	stats.Elapsed = time.Since(start)
	return x, stats, nil
}

func maxSqrt(ss []float64) float64 {
	var m float64
	for _, v := range ss {
		if v > m {
			m = v
		}
	}
	return math.Sqrt(m)
}

// FalkonConjugateGradient solves the preconditioned normal equations of
// kernel ridge regression over a center subset. The operator it feeds
// the inner iteration never forms a kernel matrix: both products go
// through the blocked engine.
type FalkonConjugateGradient struct {
	kernel mmv.Kernel
	prec   precond.Preconditioner
	cg     *ConjugateGradient
	opts   mmv.Options
}

func NewFalkonCG(k mmv.Kernel, p precond.Preconditioner, opt Options, engine mmv.Options) *FalkonConjugateGradient {
	return &FalkonConjugateGradient{
		kernel: k,
		prec:   p,
		cg:     NewCG(opt),
		opts:   engine,
	}
}

// Solve returns beta in preconditioner space: the caller maps it back
// to kernel weights with the preconditioner's Apply. A nil x0 starts
// from zero.
func (f *FalkonConjugateGradient) Solve(x, centers, y *tensor.Mat, lambda float64, x0 *tensor.Mat, maxIter int, cb Callback) (*tensor.Mat, Stats, error) {
	n := float64(x.R)

	// Right-hand side: applyT(K_MN * Y / N).
	yScaled := y.Clone()
	tensor.Scale(yScaled, 1/n)
	knmY, err := mmv.Fmmv(f.kernel, centers, x, yScaled, nil, f.opts)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("optim: building right-hand side: %w", err)
	}
	b := f.prec.ApplyT(knmY)

	op := func(sol *tensor.Mat) (*tensor.Mat, error) {
		v := f.prec.InvA(sol.Clone())
		u := f.prec.InvT(v.Clone())
		cc, err := mmv.Fdmmv(f.kernel, x, centers, u, nil, nil, f.opts)
		if err != nil {
			return nil, err
		}
		tensor.Scale(cc, 1/n)
		f.prec.InvTt(cc)
		tensor.AxpyScalar(cc, v, lambda)
		return f.prec.InvAt(cc), nil
	}
	return f.cg.Solve(x0, b, op, maxIter, cb)
}
