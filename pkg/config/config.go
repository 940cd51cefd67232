package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s"
// or "10m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts back to a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the instance configuration, loadable from YAML with flag
// overrides applied by the CLI.
type Config struct {
	InstanceName string `yaml:"instanceName"`
	DataDir      string `yaml:"dataDir"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`

	Limits struct {
		QueryPermits      int64    `yaml:"queryPermits"`
		MutationPermits   int64    `yaml:"mutationPermits"`
		ActionPermits     int64    `yaml:"actionPermits"`
		HTTPActionPermits int64    `yaml:"httpActionPermits"`
		AcquireTimeout    Duration `yaml:"acquireTimeout"`
	} `yaml:"limits"`

	Retention struct {
		IndexDelay    Duration `yaml:"indexDelay"`
		DocumentDelay Duration `yaml:"documentDelay"`
	} `yaml:"retention"`

	WriteLog struct {
		MaxCount int      `yaml:"maxCount"`
		MaxAge   Duration `yaml:"maxAge"`
	} `yaml:"writeLog"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		InstanceName: "burrow",
		DataDir:      "/var/lib/burrow",
	}
	cfg.Log.Level = "info"
	cfg.Metrics.Addr = ":9090"
	cfg.Limits.QueryPermits = 64
	cfg.Limits.MutationPermits = 32
	cfg.Limits.ActionPermits = 64
	cfg.Limits.HTTPActionPermits = 32
	cfg.Limits.AcquireTimeout = Duration(15 * time.Second)
	cfg.Retention.IndexDelay = Duration(10 * time.Minute)
	cfg.Retention.DocumentDelay = Duration(60 * time.Minute)
	cfg.WriteLog.MaxCount = 4096
	cfg.WriteLog.MaxAge = Duration(30 * time.Second)
	return cfg
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}
