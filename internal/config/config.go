// Package config loads the daemon's TOML configuration.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/loykin/sketchd/internal/builder"
	"github.com/loykin/sketchd/internal/logger"
	"github.com/loykin/sketchd/internal/orchestrator"
	"github.com/loykin/sketchd/internal/supervisor"
)

const (
	DefaultListen     = "127.0.0.1:8420"
	DefaultBasePath   = "/api"
	DefaultDataDir    = "sketchd-data"
	DefaultLogLevel   = "info"
	DefaultRegistry   = "registry.json"
	DefaultSketchSub  = "sketches"
	DefaultLogDirName = "logs"
)

// Config is the top-level TOML structure.
type Config struct {
	// Listen is the HTTP API address.
	Listen string `mapstructure:"listen"`
	// BasePath prefixes every API route.
	BasePath string `mapstructure:"base_path"`
	// DataDir is the root for registry, sketch sources and captured output.
	DataDir string `mapstructure:"data_dir"`
	// RegistryPath overrides DataDir/registry.json.
	RegistryPath string `mapstructure:"registry_path"`
	// SketchesDir overrides DataDir/sketches.
	SketchesDir string `mapstructure:"sketches_dir"`
	// RunPolicy is replace or reject.
	RunPolicy string `mapstructure:"run_policy"`
	// MetricsListen enables the standalone /metrics listener when non-empty.
	MetricsListen string `mapstructure:"metrics_listen"`
	// HistoryDSN selects the history sink; empty disables history.
	HistoryDSN string `mapstructure:"history_dsn"`
	// LogLevel is debug, info, warn or error.
	LogLevel string `mapstructure:"log_level"`

	Builder    builder.Config    `mapstructure:"builder"`
	Supervisor supervisor.Config `mapstructure:"supervisor"`
	Log        logger.Config     `mapstructure:"log"`
}

// Default returns a runnable config rooted at dataDir.
func Default(dataDir string) Config {
	c := Config{DataDir: dataDir}
	return c.normalized()
}

func (c Config) normalized() Config {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.BasePath == "" {
		c.BasePath = DefaultBasePath
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.RegistryPath == "" {
		c.RegistryPath = filepath.Join(c.DataDir, DefaultRegistry)
	}
	if c.SketchesDir == "" {
		c.SketchesDir = filepath.Join(c.DataDir, DefaultSketchSub)
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Log.Dir == "" {
		c.Log.Dir = filepath.Join(c.DataDir, DefaultLogDirName)
	}
	return c
}

// Orchestrator maps the flat fields into the orchestrator's config.
func (c Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		SketchesDir: c.SketchesDir,
		RunPolicy:   orchestrator.RunPolicy(c.RunPolicy),
	}
}

// Validate rejects values that cannot be normalized away.
func (c Config) Validate() error {
	switch orchestrator.RunPolicy(c.RunPolicy) {
	case "", orchestrator.PolicyReplace, orchestrator.PolicyReject:
	default:
		return fmt.Errorf("run_policy must be %q or %q, got %q",
			orchestrator.PolicyReplace, orchestrator.PolicyReject, c.RunPolicy)
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	return nil
}

// Load reads a TOML file and fills unset fields with defaults. An empty path
// yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(""), nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, err
	}
	c = c.normalized()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
