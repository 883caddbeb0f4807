package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/mfkiwl/falkon/internal/mmv"
	"github.com/mfkiwl/falkon/internal/tensor"
)

func benchmarkCmd() *cli.Command {
	var (
		rows     int64
		cols     int64
		feats    int64
		targets  int64
		warmup   int64
		runs     int64
		budgetMB int64
	)

	flags := append([]cli.Flag{}, commonSolverFlags()...)
	flags = append(flags, loggingFlags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "rows",
			Usage:       "number of data rows",
			Value:       20000,
			Destination: &rows,
		},
		&cli.Int64Flag{
			Name:        "cols",
			Usage:       "number of center rows",
			Value:       2000,
			Destination: &cols,
		},
		&cli.Int64Flag{
			Name:        "features",
			Usage:       "feature dimension",
			Value:       16,
			Destination: &feats,
		},
		&cli.Int64Flag{
			Name:        "targets",
			Usage:       "target columns for the mmv pass",
			Value:       1,
			Destination: &targets,
		},
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmup,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       3,
			Destination: &runs,
		},
		&cli.Int64Flag{
			Name:        "budget",
			Usage:       "working memory budget in MiB",
			Value:       256,
			Destination: &budgetMB,
		},
	)

	return &cli.Command{
		Name:  "benchmark",
		Usage: "Time blocked kernel evaluation under a memory budget",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := buildLogger()

			kernel, err := buildKernel()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			dt := tensor.F64
			if float32In {
				dt = tensor.F32
			}
			n, m, d, t := int(rows), int(cols), int(feats), int(targets)

			rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)))
			x1 := randomMat(rng, n, d, dt)
			x2 := randomMat(rng, m, d, dt)
			v := randomMat(rng, m, t, dt)

			opts := mmv.Options{
				Log:        log,
				MaxHostMem: budgetMB << 20,
				UseCPU:     true,
			}

			fmt.Println("=== Falkon Benchmark ===")
			fmt.Printf("Kernel:   %v\n", kernel)
			fmt.Printf("Shape:    %d x %d (d=%d, t=%d, %s)\n", n, m, d, t, dt)
			fmt.Printf("Budget:   %d MiB\n", budgetMB)
			fmt.Printf("CPUs:     %d\n", runtime.NumCPU())
			fmt.Printf("Warmup:   %d runs\n", warmup)
			fmt.Printf("Runs:     %d\n", runs)
			fmt.Println()

			bench := func(name string, f func() error) error {
				for i := 0; i < int(warmup); i++ {
					if err := f(); err != nil {
						return fmt.Errorf("%s warmup %d: %w", name, i+1, err)
					}
				}
				var total time.Duration
				best := time.Duration(1<<63 - 1)
				for i := 0; i < int(runs); i++ {
					start := time.Now()
					if err := f(); err != nil {
						return fmt.Errorf("%s run %d: %w", name, i+1, err)
					}
					el := time.Since(start)
					total += el
					if el < best {
						best = el
					}
				}
				avg := total / time.Duration(runs)
				cells := float64(n) * float64(m) / avg.Seconds()
				fmt.Printf("%-6s %12s avg %12s best %14.0f cells/s\n", name, avg.Round(time.Millisecond), best.Round(time.Millisecond), cells)
				return nil
			}

			fmmOut := tensor.New(n, m, dt)
			if err := bench("fmm", func() error {
				_, err := mmv.Fmm(kernel, x1, x2, fmmOut, opts)
				return err
			}); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			fmmvOut := tensor.New(n, t, dt)
			if err := bench("fmmv", func() error {
				_, err := mmv.Fmmv(kernel, x1, x2, v, fmmvOut, opts)
				return err
			}); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			dmmvOut := tensor.New(m, t, dt)
			if err := bench("fdmmv", func() error {
				_, err := mmv.Fdmmv(kernel, x1, x2, v, nil, dmmvOut, opts)
				return err
			}); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("\nMemory: %.1f MB alloc, %.1f MB sys\n",
				float64(mem.Alloc)/(1024*1024),
				float64(mem.Sys)/(1024*1024))
			return nil
		},
	}
}

func randomMat(rng *rand.Rand, r, c int, dt tensor.DType) *tensor.Mat {
	m := tensor.New(r, c, dt)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m.Set(i, j, rng.NormFloat64())
		}
	}
	return m
}
