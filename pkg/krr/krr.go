// Package krr is the public face of the solver: approximate kernel
// ridge regression over a subsampled center set, fit by preconditioned
// conjugate gradient with every kernel product evaluated blockwise
// under a memory budget.
package krr

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/mfkiwl/falkon/internal/device"
	"github.com/mfkiwl/falkon/internal/logger"
	"github.com/mfkiwl/falkon/internal/mmv"
	"github.com/mfkiwl/falkon/internal/optim"
	"github.com/mfkiwl/falkon/internal/precond"
	"github.com/mfkiwl/falkon/internal/tensor"
)

// Options configure an estimator. The yaml tags match the CLI's config
// file; zero values pick the defaults below.
type Options struct {
	// MaxHostMem caps host working memory in bytes. Zero autodetects.
	MaxHostMem int64 `yaml:"max_host_mem"`

	// Slack is the fraction of accelerator memory left unused.
	Slack float64 `yaml:"memory_slack"`

	// Tolerance stops the iteration when the largest column residual
	// norm drops under it.
	Tolerance float64 `yaml:"cg_tolerance"`

	// MaxIter bounds the conjugate gradient iteration count.
	MaxIter int `yaml:"max_iterations"`

	// FullGradientEvery controls periodic exact residual recomputation.
	FullGradientEvery int `yaml:"full_gradient_every"`

	// NoSingleKernel evaluates kernel tiles in double precision even
	// for float32 data.
	NoSingleKernel bool `yaml:"no_single_kernel"`

	// UseCPU keeps everything on the host.
	UseCPU bool `yaml:"use_cpu"`

	// Seed drives the center subsampling.
	Seed uint64 `yaml:"seed"`

	Log  logger.Logger    `yaml:"-"`
	Topo *device.Topology `yaml:"-"`
}

const (
	defaultMaxIter = 20
	defaultSeed    = 42
)

func (o Options) withDefaults() Options {
	if o.Log == nil {
		o.Log = logger.Default()
	}
	if o.Topo == nil {
		o.Topo = device.NewTopology(o.Log)
	}
	if o.MaxIter == 0 {
		o.MaxIter = defaultMaxIter
	}
	if o.Seed == 0 {
		o.Seed = defaultSeed
	}
	return o
}

func (o Options) engine() mmv.Options {
	return mmv.Options{
		Topo:           o.Topo,
		Log:            o.Log,
		MaxHostMem:     o.MaxHostMem,
		Slack:          o.Slack,
		NoSingleKernel: o.NoSingleKernel,
		UseCPU:         o.UseCPU,
	}
}

// Stats describe the last completed fit.
type Stats struct {
	RunID      string        `json:"run_id"`
	Centers    int           `json:"centers"`
	Iterations int           `json:"iterations"`
	Residual   float64       `json:"residual"`
	Converged  bool          `json:"converged"`
	FitTime    time.Duration `json:"fit_time"`
}

// Falkon estimates kernel ridge regression weights over a uniformly
// subsampled center set.
type Falkon struct {
	kernel     mmv.Kernel
	lambda     float64
	numCenters int
	opts       Options

	centers *tensor.Mat
	alpha   *tensor.Mat
	stats   Stats
}

func New(k mmv.Kernel, lambda float64, numCenters int, opts Options) (*Falkon, error) {
	if lambda <= 0 {
		return nil, fmt.Errorf("krr: regularization must be positive, got %g", lambda)
	}
	if numCenters <= 0 {
		return nil, fmt.Errorf("krr: need at least one center, got %d", numCenters)
	}
	return &Falkon{
		kernel:     k,
		lambda:     lambda,
		numCenters: numCenters,
		opts:       opts.withDefaults(),
	}, nil
}

// Fit selects centers, builds the preconditioner and runs the solve.
// x is (N, D), y is (N, T); multiple target columns solve together.
func (f *Falkon) Fit(x, y *tensor.Mat) error {
	if y.R != x.R {
		return fmt.Errorf("krr: x has %d rows, y has %d", x.R, y.R)
	}
	start := time.Now()
	runID := uuid.NewString()
	log := f.opts.Log
	log.Info("fit starting", "run_id", runID,
		"rows", x.R, "features", x.C, "targets", y.C,
		"centers", f.numCenters, "lambda", f.lambda)

	f.centers = f.selectCenters(x)
	engine := f.opts.engine()

	prec, err := precond.NewFalkon(f.kernel, f.centers, f.lambda, engine)
	if err != nil {
		return err
	}

	fcg := optim.NewFalkonCG(f.kernel, prec, optim.Options{
		Tolerance:         f.opts.Tolerance,
		FullGradientEvery: f.opts.FullGradientEvery,
		Log:               log,
	}, engine)
	beta, st, err := fcg.Solve(x, f.centers, y, f.lambda, nil, f.opts.MaxIter, nil)
	if err != nil {
		return err
	}
	f.alpha = prec.Apply(beta)

	f.stats = Stats{
		RunID:      runID,
		Centers:    f.centers.R,
		Iterations: st.Iterations,
		Residual:   st.Residual,
		Converged:  st.Converged,
		FitTime:    time.Since(start),
	}
	log.Info("fit finished", "run_id", runID,
		"iterations", st.Iterations, "residual", st.Residual,
		"converged", st.Converged, "elapsed", f.stats.FitTime)
	return nil
}

// selectCenters draws a deterministic uniform subsample of the rows.
func (f *Falkon) selectCenters(x *tensor.Mat) *tensor.Mat {
	m := min(f.numCenters, x.R)
	rng := rand.New(rand.NewPCG(f.opts.Seed, f.opts.Seed))
	perm := rng.Perm(x.R)

	centers := tensor.SameStride(m, x.C, x, x.DType, x.Dev)
	for i := 0; i < m; i++ {
		tensor.CopyValues(centers.Narrow(i, 1), x.Narrow(perm[i], 1))
	}
	return centers
}

// Predict evaluates the fitted model on new rows, returning (N, T)
// predictions.
func (f *Falkon) Predict(x *tensor.Mat) (*tensor.Mat, error) {
	if f.alpha == nil {
		return nil, fmt.Errorf("krr: model is not fitted")
	}
	if x.C != f.centers.C {
		return nil, fmt.Errorf("krr: x has %d features, model was fit with %d", x.C, f.centers.C)
	}
	return mmv.Fmmv(f.kernel, x, f.centers, f.alpha, nil, f.opts.engine())
}

// Stats returns the record of the last fit.
func (f *Falkon) Stats() Stats { return f.stats }

// Centers exposes the selected center rows of the last fit.
func (f *Falkon) Centers() *tensor.Mat { return f.centers }

// Alpha exposes the fitted kernel weights.
func (f *Falkon) Alpha() *tensor.Mat { return f.alpha }
