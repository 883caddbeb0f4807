package main

import (
	"context"
	"fmt"
	"math"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/mfkiwl/falkon/internal/kern"
	"github.com/mfkiwl/falkon/internal/logger"
	"github.com/mfkiwl/falkon/internal/mmv"
	"github.com/mfkiwl/falkon/internal/tensor"
	"github.com/mfkiwl/falkon/pkg/krr"
)

// dataset is the solve command's JSON input: row-major training data,
// targets, and optionally rows to predict on after fitting.
type dataset struct {
	X     [][]float64 `json:"x"`
	Y     [][]float64 `json:"y"`
	XTest [][]float64 `json:"x_test,omitempty"`
}

type report struct {
	Stats       krr.Stats   `json:"stats"`
	TrainRMSE   float64     `json:"train_rmse"`
	Predictions [][]float64 `json:"predictions,omitempty"`
}

func solveCmd() *cli.Command {
	var (
		dataPath string
		outPath  string
	)

	flags := append([]cli.Flag{}, commonSolverFlags()...)
	flags = append(flags, memoryFlags()...)
	flags = append(flags, loggingFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "data",
			Aliases:     []string{"d"},
			Usage:       "path to dataset JSON",
			Required:    true,
			Destination: &dataPath,
		},
		&cli.StringFlag{
			Name:        "out",
			Aliases:     []string{"o"},
			Usage:       "path for the report JSON (default stdout)",
			Destination: &outPath,
		},
	)

	return &cli.Command{
		Name:  "solve",
		Usage: "Fit kernel ridge regression on a dataset and report",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applySolveConfig(cmd, LoadConfig())
			log := buildLogger()
			ctx = logger.WithContext(ctx, log)

			ds, err := loadDataset(dataPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load dataset: %v", err), 1)
			}
			dt := tensor.F64
			if float32In {
				dt = tensor.F32
			}
			x, err := toMat(ds.X, dt)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: dataset x: %v", err), 1)
			}
			y, err := toMat(ds.Y, dt)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: dataset y: %v", err), 1)
			}

			kernel, err := buildKernel()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			model, err := krr.New(kernel, penalty, int(centers), krr.Options{
				MaxHostMem:     maxHostMemMB << 20,
				Slack:          memSlack,
				Tolerance:      tolerance,
				MaxIter:        int(maxIter),
				NoSingleKernel: noSingle,
				UseCPU:         useCPU,
				Seed:           uint64(seed),
				Log:            log,
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			if err := model.Fit(x, y); err != nil {
				return cli.Exit(fmt.Sprintf("error: fit: %v", err), 1)
			}

			rep := report{Stats: model.Stats()}
			trainPred, err := model.Predict(x)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: predict on training rows: %v", err), 1)
			}
			rep.TrainRMSE = rmse(trainPred, y)

			if len(ds.XTest) > 0 {
				xt, err := toMat(ds.XTest, dt)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: dataset x_test: %v", err), 1)
				}
				pred, err := model.Predict(xt)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: predict: %v", err), 1)
				}
				rep.Predictions = fromMat(pred)
			}
			return writeReport(rep, outPath)
		},
	}
}

func buildKernel() (mmv.Kernel, error) {
	switch kernelName {
	case "gaussian", "rbf":
		return kern.NewGaussian(sigma), nil
	case "laplacian":
		return kern.NewLaplacian(sigma), nil
	default:
		return nil, fmt.Errorf("unknown kernel %q (want gaussian or laplacian)", kernelName)
	}
}

func loadDataset(path string) (*dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ds dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, err
	}
	if len(ds.X) == 0 || len(ds.Y) == 0 {
		return nil, fmt.Errorf("dataset needs non-empty x and y")
	}
	if len(ds.X) != len(ds.Y) {
		return nil, fmt.Errorf("x has %d rows, y has %d", len(ds.X), len(ds.Y))
	}
	return &ds, nil
}

func toMat(rows [][]float64, dt tensor.DType) (*tensor.Mat, error) {
	r := len(rows)
	c := len(rows[0])
	m := tensor.New(r, c, dt)
	for i, row := range rows {
		if len(row) != c {
			return nil, fmt.Errorf("row %d has %d values, want %d", i, len(row), c)
		}
		for j, v := range row {
			m.Set(i, j, v)
		}
	}
	return m, nil
}

func fromMat(m *tensor.Mat) [][]float64 {
	out := make([][]float64, m.R)
	for i := range out {
		row := make([]float64, m.C)
		for j := range row {
			row[j] = m.At(i, j)
		}
		out[i] = row
	}
	return out
}

func rmse(pred, want *tensor.Mat) float64 {
	var sum float64
	for i := 0; i < pred.R; i++ {
		for j := 0; j < pred.C; j++ {
			d := pred.At(i, j) - want.At(i, j)
			sum += d * d
		}
	}
	return math.Sqrt(sum / float64(pred.R*pred.C))
}

func writeReport(rep report, path string) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
