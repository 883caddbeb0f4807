package main

import (
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/mfkiwl/falkon/internal/logger"
)

var (
	kernelName string
	sigma      float64
	penalty    float64
	centers    int64
	maxIter    int64
	tolerance  float64
	seed       int64
	float32In  bool

	maxHostMemMB int64
	memSlack     float64
	useCPU       bool
	noSingle     bool

	logLevel  string
	logFormat string
	debug     bool
)

func commonSolverFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "kernel",
			Aliases:     []string{"k"},
			Usage:       "kernel function (gaussian, laplacian)",
			Value:       "gaussian",
			Destination: &kernelName,
		},
		&cli.FloatFlag{
			Name:        "sigma",
			Aliases:     []string{"s"},
			Usage:       "kernel length scale",
			Value:       1.0,
			Destination: &sigma,
		},
		&cli.FloatFlag{
			Name:        "penalty",
			Aliases:     []string{"l", "lambda"},
			Usage:       "ridge regularization strength",
			Value:       1e-6,
			Destination: &penalty,
		},
		&cli.Int64Flag{
			Name:        "centers",
			Aliases:     []string{"m"},
			Usage:       "number of Nystrom centers",
			Value:       1000,
			Destination: &centers,
		},
		&cli.Int64Flag{
			Name:        "max-iter",
			Usage:       "conjugate gradient iteration cap",
			Value:       20,
			Destination: &maxIter,
		},
		&cli.FloatFlag{
			Name:        "tolerance",
			Usage:       "residual norm convergence threshold",
			Value:       1e-7,
			Destination: &tolerance,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "center subsampling seed",
			Value:       42,
			Destination: &seed,
		},
		&cli.BoolFlag{
			Name:        "float32",
			Usage:       "load data in single precision",
			Destination: &float32In,
		},
	}
}

func memoryFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "max-mem",
			Usage:       "host working memory budget in MiB (0 = autodetect)",
			Destination: &maxHostMemMB,
		},
		&cli.FloatFlag{
			Name:        "slack",
			Usage:       "fraction of accelerator memory left unused",
			Value:       0.1,
			Destination: &memSlack,
		},
		&cli.BoolFlag{
			Name:        "cpu",
			Usage:       "compute on the host only",
			Destination: &useCPU,
		},
		&cli.BoolFlag{
			Name:        "no-single-kernel",
			Usage:       "evaluate kernel tiles in double precision even for float32 data",
			Destination: &noSingle,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func buildLogger() logger.Logger {
	level := logger.ParseLevel(logLevel)
	if debug {
		level = logger.ParseLevel("debug")
	}
	switch logFormat {
	case "json":
		return logger.JSON(os.Stderr, level)
	case "text":
		return logger.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	default:
		return logger.Pretty(os.Stderr, level)
	}
}
