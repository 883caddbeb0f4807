// Package precond builds the Nystrom preconditioner used by the solver:
// two Cholesky factors over the center points whose triangular solves
// transform the normal equations into a well-conditioned system.
package precond

import (
	"fmt"

	"github.com/mfkiwl/falkon/internal/logger"
	"github.com/mfkiwl/falkon/internal/mmv"
	"github.com/mfkiwl/falkon/internal/tensor"
)

// Preconditioner applies the factor inverses to batched vectors. All
// operators solve in place and return their argument for chaining; the
// caller clones when the input must survive.
type Preconditioner interface {
	InvA(v *tensor.Mat) *tensor.Mat
	InvAt(v *tensor.Mat) *tensor.Mat
	InvT(v *tensor.Mat) *tensor.Mat
	InvTt(v *tensor.Mat) *tensor.Mat

	// ApplyT computes invAt(invTt(v)).
	ApplyT(v *tensor.Mat) *tensor.Mat
}

// jitter is the diagonal regularization added before factoring, per
// dtype, to keep marginally conditioned kernel matrices factorable.
func jitter(dt tensor.DType) float64 {
	if dt == tensor.F32 {
		return 1e-5
	}
	return 1e-13
}

// FalkonPreconditioner holds the two upper Cholesky factors
// T = chol(K_MM) and A = chol(T*T'/M + lambda*I). It is built once
// before the iterative solve and read-only afterwards.
type FalkonPreconditioner struct {
	t *tensor.Mat
	a *tensor.Mat
}

// NewFalkon evaluates the M x M kernel matrix over the centers through
// the blocked engine and factors it.
func NewFalkon(k mmv.Kernel, centers *tensor.Mat, lambda float64, opts mmv.Options) (*FalkonPreconditioner, error) {
	if lambda < 0 {
		return nil, fmt.Errorf("precond: negative regularization %g", lambda)
	}
	m := centers.R
	log := opts.Log
	if log == nil {
		log = logger.Discard()
	}

	kmm, err := mmv.Fmm(k, centers, centers, nil, opts)
	if err != nil {
		return nil, fmt.Errorf("precond: kernel matrix over centers: %w", err)
	}
	addDiag(kmm, jitter(kmm.DType))
	if err := tensor.CholUpper(kmm); err != nil {
		return nil, fmt.Errorf("precond: factoring K_MM: %w", err)
	}
	t := kmm

	a := tensor.SameStride(m, m, t, t.DType, t.Dev)
	tensor.MulNoTrans(a, t, float64(m))
	addDiag(a, lambda)
	if err := tensor.CholUpper(a); err != nil {
		return nil, fmt.Errorf("precond: factoring the regularized system: %w", err)
	}

	log.Debug("preconditioner built", "centers", m, "lambda", lambda, "dtype", t.DType)
	return &FalkonPreconditioner{t: t, a: a}, nil
}

func addDiag(m *tensor.Mat, v float64) {
	for i := 0; i < m.R; i++ {
		m.Set(i, i, m.At(i, i)+v)
	}
}

func (p *FalkonPreconditioner) InvA(v *tensor.Mat) *tensor.Mat {
	tensor.SolveTriUpper(p.a, v, true)
	return v
}

func (p *FalkonPreconditioner) InvAt(v *tensor.Mat) *tensor.Mat {
	tensor.SolveTriUpper(p.a, v, false)
	return v
}

func (p *FalkonPreconditioner) InvT(v *tensor.Mat) *tensor.Mat {
	tensor.SolveTriUpper(p.t, v, false)
	return v
}

func (p *FalkonPreconditioner) InvTt(v *tensor.Mat) *tensor.Mat {
	tensor.SolveTriUpper(p.t, v, true)
	return v
}

func (p *FalkonPreconditioner) ApplyT(v *tensor.Mat) *tensor.Mat {
	return p.InvAt(p.InvTt(v))
}

// Apply computes invT(invA(v)), mapping a solution of the conditioned
// system back to kernel weight space.
func (p *FalkonPreconditioner) Apply(v *tensor.Mat) *tensor.Mat {
	return p.InvT(p.InvA(v))
}
