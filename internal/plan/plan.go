// Package plan sizes the blocks of the out-of-core kernel sweep. Given a
// memory budget in elements and the per-unit cost coefficients declared
// by a kernel, it returns the largest balanced (n, m) tile that fits.
package plan

import (
	"errors"
	"fmt"
	"math"
)

// ErrInsufficientMemory is returned when no positive block size fits the
// budget. It is fatal and non-retryable: it surfaces before any
// computation starts.
var ErrInsufficientMemory = errors.New("plan: insufficient memory for minimum block size")

// slackMargin keeps solved block sizes a little inside the boundary so
// rounding in callers cannot push an allocation over budget.
const slackMargin = 0.95

// Coeffs are the per-unit element costs of one block: an n x d input
// tile, an m x d input tile, the n x m output tile, n-only and m-only
// vectors, and a fixed remainder.
type Coeffs struct {
	ND, MD, NM float64
	N, M       float64
	Rest       float64
}

// SelectDimOverNM chooses block dimensions (n, m) under the constraint
//
//	ND*n*d + MD*m*d + NM*n*m + N*n + M*m + Rest <= budget
//
// with 0 < n <= maxN, 0 < m <= maxM, preferring a balanced pair. When
// the whole problem fits, (maxN, maxM) is returned directly.
func SelectDimOverNM(maxN, maxM, d int, c Coeffs, budget float64) (int, int, error) {
	cn := c.ND*float64(d) + c.N
	cm := c.MD*float64(d) + c.M
	cnm := c.NM
	avail := budget - c.Rest

	cost := func(n, m int) float64 {
		return cn*float64(n) + cm*float64(m) + cnm*float64(n)*float64(m)
	}

	// In-core fast path: everything fits, skip the constrained solver.
	if cost(maxN, maxM) <= avail {
		return maxN, maxM, nil
	}
	if cost(1, 1) > avail {
		return 0, 0, fmt.Errorf("%w: budget %.0f elements, minimum block needs %.0f (shapes %dx%d, d=%d)",
			ErrInsufficientMemory, budget, cost(1, 1)+c.Rest, maxN, maxM, d)
	}

	target := avail * slackMargin
	if cost(1, 1) > target {
		// The slack margin would reject a feasible minimum block; fall
		// back to the exact boundary.
		target = avail
	}

	var n, m int
	switch {
	case cnm == 0 && cn == 0 && cm == 0:
		// Nothing to allocate per-tile; unreachable after the fast path
		// but kept for safety.
		return maxN, maxM, nil
	case cnm == 0:
		n, m = solveLinear(maxN, maxM, cn, cm, target)
	default:
		n, m = solveBoundary(maxN, maxM, cn, cm, cnm, target)
	}

	if n < 1 || m < 1 || cost(n, m) > avail {
		return 0, 0, fmt.Errorf("%w: budget %.0f elements too small for any (n, m) block (shapes %dx%d, d=%d)",
			ErrInsufficientMemory, budget, maxN, maxM, d)
	}
	return n, m, nil
}

// solveLinear handles the case without an n*m cross term: split the
// budget evenly between the two dimensions, then rebalance whichever
// dimension saturated.
func solveLinear(maxN, maxM int, cn, cm, avail float64) (int, int) {
	n, m := maxN, maxM
	switch {
	case cn == 0:
		m = clampDim(avail/cm, maxM)
	case cm == 0:
		n = clampDim(avail/cn, maxN)
	default:
		x := avail / (cn + cm)
		n = clampDim(x, maxN)
		m = clampDim((avail-cn*float64(n))/cm, maxM)
		n = clampDim((avail-cm*float64(m))/cn, maxN)
	}
	return n, m
}

// solveBoundary solves on the constraint boundary with the cross term
// present: first the balanced square solution of
// cnm*x^2 + (cn+cm)*x = avail, then each dimension is re-expanded after
// clamping the other, which keeps both dimensions useful instead of
// degenerating to 1-row or 1-column blocks.
func solveBoundary(maxN, maxM int, cn, cm, cnm, avail float64) (int, int) {
	sum := cn + cm
	x := (-sum + math.Sqrt(sum*sum+4*cnm*avail)) / (2 * cnm)
	n := clampDim(x, maxN)
	m := clampDim((avail-cn*float64(n))/(cm+cnm*float64(n)), maxM)
	n = clampDim((avail-cm*float64(m))/(cn+cnm*float64(m)), maxN)
	return n, m
}

func clampDim(x float64, maxV int) int {
	v := int(math.Floor(x))
	if v > maxV {
		return maxV
	}
	if v < 1 {
		return 1
	}
	return v
}

// SelectDimOverN chooses only the row block size n when the column
// dimension is fully resident, under
//
//	ND*n*d + NM*n*m + N*n + Rest <= budget.
func SelectDimOverN(maxN, m, d int, c Coeffs, budget float64) (int, error) {
	perN := c.ND*float64(d) + c.NM*float64(m) + c.N
	avail := budget - c.Rest - c.MD*float64(m)*float64(d) - c.M*float64(m)
	if perN <= 0 {
		return maxN, nil
	}
	if avail < perN {
		return 0, fmt.Errorf("%w: budget %.0f elements, one row needs %.0f (n<=%d, m=%d, d=%d)",
			ErrInsufficientMemory, budget, perN+c.Rest, maxN, m, d)
	}
	n := clampDim(avail*slackMargin/perN, maxN)
	if float64(n)*perN > avail {
		n = clampDim(avail/perN, maxN)
	}
	return n, nil
}
