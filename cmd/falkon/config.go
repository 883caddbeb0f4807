package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the falkon configuration file
// (~/.config/falkon/config.yaml). All numeric fields are pointers so we
// can distinguish "not set" from zero values.
type Config struct {
	Kernel  string   `yaml:"kernel"`
	Sigma   *float64 `yaml:"sigma"`
	Penalty *float64 `yaml:"penalty"`
	Centers *int64   `yaml:"centers"`

	MaxIter   *int64   `yaml:"max_iterations"`
	Tolerance *float64 `yaml:"cg_tolerance"`
	Seed      *int64   `yaml:"seed"`

	MaxMemMB *int64   `yaml:"max_mem_mb"`
	Slack    *float64 `yaml:"memory_slack"`
	UseCPU   *bool    `yaml:"use_cpu"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "falkon", "config.yaml")
}

// applySolveConfig applies config file defaults when the corresponding
// CLI flag was not explicitly set.
func applySolveConfig(c *cli.Command, cfg Config) {
	if cfg.Kernel != "" && !c.IsSet("kernel") {
		kernelName = cfg.Kernel
	}
	if cfg.Sigma != nil && !c.IsSet("sigma") {
		sigma = *cfg.Sigma
	}
	if cfg.Penalty != nil && !c.IsSet("penalty") && !c.IsSet("lambda") {
		penalty = *cfg.Penalty
	}
	if cfg.Centers != nil && !c.IsSet("centers") {
		centers = *cfg.Centers
	}
	if cfg.MaxIter != nil && !c.IsSet("max-iter") {
		maxIter = *cfg.MaxIter
	}
	if cfg.Tolerance != nil && !c.IsSet("tolerance") {
		tolerance = *cfg.Tolerance
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if cfg.MaxMemMB != nil && !c.IsSet("max-mem") {
		maxHostMemMB = *cfg.MaxMemMB
	}
	if cfg.Slack != nil && !c.IsSet("slack") {
		memSlack = *cfg.Slack
	}
	if cfg.UseCPU != nil && !c.IsSet("cpu") {
		useCPU = *cfg.UseCPU
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file
// doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
