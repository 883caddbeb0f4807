package plan

import (
	"errors"
	"testing"
)

func cost(n, m, d int, c Coeffs) float64 {
	return c.ND*float64(n)*float64(d) + c.MD*float64(m)*float64(d) +
		c.NM*float64(n)*float64(m) + c.N*float64(n) + c.M*float64(m) + c.Rest
}

func TestSelectDimOverNMInCore(t *testing.T) {
	c := Coeffs{ND: 1, MD: 1, NM: 1}
	n, m, err := SelectDimOverNM(100, 50, 10, c, 1e9)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if n != 100 || m != 50 {
		t.Fatalf("roomy budget should return full block, got (%d, %d)", n, m)
	}
}

func TestSelectDimOverNMRespectsBudget(t *testing.T) {
	cases := []struct {
		name   string
		c      Coeffs
		budget float64
	}{
		{"tile only", Coeffs{NM: 1}, 5000},
		{"staged", Coeffs{ND: 1, MD: 1, NM: 1, N: 1, M: 1}, 20000},
		{"with rest", Coeffs{NM: 1, Rest: 2000}, 6000},
		{"linear only", Coeffs{ND: 1, MD: 1}, 4000},
	}
	for _, tc := range cases {
		n, m, err := SelectDimOverNM(2000, 1500, 8, tc.c, tc.budget)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if n < 1 || n > 2000 || m < 1 || m > 1500 {
			t.Fatalf("%s: block (%d, %d) out of range", tc.name, n, m)
		}
		if got := cost(n, m, 8, tc.c); got > tc.budget {
			t.Fatalf("%s: block (%d, %d) costs %.0f over budget %.0f", tc.name, n, m, got, tc.budget)
		}
	}
}

func TestSelectDimOverNMTooSmall(t *testing.T) {
	c := Coeffs{ND: 1, MD: 1, NM: 1}
	_, _, err := SelectDimOverNM(1000, 1000, 64, c, 100)
	if !errors.Is(err, ErrInsufficientMemory) {
		t.Fatalf("expected insufficient memory, got %v", err)
	}
}

func TestSelectDimOverNMBalanced(t *testing.T) {
	// With symmetric coefficients and room to spare, neither dimension
	// should degenerate to a sliver.
	c := Coeffs{NM: 1}
	n, m, err := SelectDimOverNM(10000, 10000, 1, c, 1e6)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if n < 100 || m < 100 {
		t.Fatalf("degenerate block (%d, %d) under a square-friendly budget", n, m)
	}
}

func TestSelectDimOverN(t *testing.T) {
	c := Coeffs{ND: 1, NM: 1, N: 2, Rest: 100}
	n, err := SelectDimOverN(5000, 300, 10, c, 1e5)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if n < 1 || n > 5000 {
		t.Fatalf("row block %d out of range", n)
	}
	perRow := float64(10) + float64(300) + 2
	if float64(n)*perRow > 1e5-100 {
		t.Fatalf("row block %d over budget", n)
	}

	if _, err := SelectDimOverN(5000, 300, 10, c, 200); !errors.Is(err, ErrInsufficientMemory) {
		t.Fatalf("expected insufficient memory, got %v", err)
	}

	// Fully resident columns with no per-row cost: the whole range fits.
	if n, err := SelectDimOverN(42, 10, 3, Coeffs{}, 1e6); err != nil || n != 42 {
		t.Fatalf("free plan gave (%d, %v)", n, err)
	}
}
