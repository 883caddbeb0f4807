// Package mmv implements the memory-bounded blocked kernel engine: full
// kernel matrix evaluation (Fmm), kernel-vector products (Fmmv) and the
// double product (Fdmmv) used by the normal equations. The logical N x M
// kernel matrix is never materialized beyond one (n, m) tile per worker;
// tiles are sized by the memory planner and dispatched across the
// devices of an explicit Topology.
package mmv

import (
	"errors"

	"github.com/mfkiwl/falkon/internal/device"
	"github.com/mfkiwl/falkon/internal/logger"
	"github.com/mfkiwl/falkon/internal/plan"
	"github.com/mfkiwl/falkon/internal/sparse"
	"github.com/mfkiwl/falkon/internal/tensor"
)

// Kernel is the capability the block executor consumes: it fills one
// dense output tile from two input tiles. Implementations must be
// deterministic under partitioning: any tile must equal the matching
// sub-block of the full kernel matrix.
type Kernel interface {
	// Compute fills out[i][j] with k(x1[i], x2[j]). out is pre-zeroed.
	Compute(x1, x2, out *tensor.Mat)

	// ComputeSparse fills out from sparse tiles. x2 is the untransposed
	// column block (for norms and the like); x2t is its staged transpose,
	// column-compressed on the host and row-compressed on accelerators.
	ComputeSparse(x1, x2, x2t *sparse.Matrix, out *tensor.Mat) error

	// ExtraMem declares the kernel's own per-tile scratch requirements
	// in elements per unit, so the planner can size blocks correctly.
	ExtraMem() plan.Coeffs
}

// TileVJP accumulates input gradients for one tile given the upstream
// output gradient. gx1 and gx2 are views over the gradient buffers
// matching the tile's input slices.
type TileVJP func(outGrad, gx1, gx2 *tensor.Mat)

// DiffKernel is a Kernel that can participate in gradient computation.
type DiffKernel interface {
	Kernel

	// ComputeDiff fills out like Compute and returns the tile's
	// vector-Jacobian product.
	ComputeDiff(x1, x2, out *tensor.Mat) TileVJP
}

// RunMode selects between the plain blocked sweep and the
// gradient-tracking variant, which avoids staging buffers and uses
// narrower tiles to bound intermediate memory.
type RunMode int

const (
	Forward RunMode = iota
	ForwardWithGradient
)

// diffCoefNM inflates the output-tile coefficient in gradient mode:
// every tile retains intermediates for the backward recomputation.
const diffCoefNM = 10

// ErrConfig marks fatal placement or capability misconfigurations.
var ErrConfig = errors.New("mmv: configuration error")

// Options steer one orchestrator call. The zero value computes on the
// host with the topology's detected memory budget.
type Options struct {
	// Topo enumerates the available devices. Nil means host-only with
	// a freshly detected host budget.
	Topo *device.Topology

	// Log receives per-call diagnostics. Nil discards them.
	Log logger.Logger

	// MaxHostMem caps host-side working memory in bytes. Zero uses the
	// topology's host reading.
	MaxHostMem int64

	// Slack is the fraction of accelerator memory reserved against
	// fragmentation. Zero uses device.DefaultSlack.
	Slack float64

	// NoSingleKernel forces double-precision tile computation when the
	// inputs are float32, trading bandwidth for accuracy inside the
	// kernel evaluation.
	NoSingleKernel bool

	// UseCPU disables accelerator use entirely.
	UseCPU bool

	// Mode selects gradient tracking for Fmm.
	Mode RunMode
}

func (o Options) withDefaults() Options {
	if o.Log == nil {
		o.Log = logger.Discard()
	}
	if o.Topo == nil {
		o.Topo = device.NewTopology(o.Log)
	}
	if o.Slack == 0 {
		o.Slack = device.DefaultSlack
	}
	if o.MaxHostMem == 0 {
		o.MaxHostMem = o.Topo.HostMemory()
	}
	return o
}

// compDType applies the precision policy: inputs narrower than 8 bytes
// are upcast to float64 when NoSingleKernel is set.
func (o Options) compDType(in tensor.DType) tensor.DType {
	if in.Size() < 8 && o.NoSingleKernel {
		return tensor.F64
	}
	return in
}

// hostCompute reports whether computation must run on the host.
func (o Options) hostCompute() bool {
	return o.UseCPU || !o.Topo.HasAccels()
}
