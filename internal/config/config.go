// Package config loads scriptd's YAML configuration.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete scriptd daemon configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Interp  InterpConfig  `yaml:"interpreter"`
	Pool    PoolConfig    `yaml:"pool"`
	Logging LogConfig     `yaml:"logging"`
	Watch   WatchConfig   `yaml:"watch"`
	Admin   AdminConfig   `yaml:"admin"`
}

// ServerConfig describes the HTTP control surface.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// InterpConfig describes the external interpreter subprocess.
type InterpConfig struct {
	Binary       string   `yaml:"binary"`        // path to the interpreter binary
	Args         []string `yaml:"args"`          // extra argv passed to each worker
	InitSnippet  string   `yaml:"init_snippet"`  // source replayed into every fresh worker
	InitSnippetFile string `yaml:"init_snippet_file"` // alternative: load init snippet from a file
}

// PoolConfig controls the fixed-size worker pool and scheduler timeouts.
type PoolConfig struct {
	NumWorkers      int      `yaml:"num_workers"`      // 0 = runtime.NumCPU()
	DefaultMaxMemKiB int64   `yaml:"default_max_mem_kib"` // 0 = unbounded
	AllocateTimeout Duration `yaml:"allocate_timeout"` // handed to the HTTP API server; no reserve or eval wait is bounded by it
	EvalTimeout     Duration `yaml:"eval_timeout"`     // default per-call timeout when caller specifies none
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// WatchConfig controls the fsnotify-driven automatic restart trigger.
type WatchConfig struct {
	Enabled bool     `yaml:"enabled"`
	Paths   []string `yaml:"paths"` // files/directories to watch; nothing is watched when empty
}

// AdminConfig controls the read-only websocket status feed.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Duration is a time.Duration that supports YAML string unmarshaling.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads config from a YAML file, applying defaults for missing values.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.Pool.NumWorkers == 0 {
		cfg.Pool.NumWorkers = runtime.NumCPU()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Interp.Binary == "" {
		return fmt.Errorf("interpreter.binary is required")
	}
	if c.Pool.NumWorkers < 1 {
		return fmt.Errorf("pool.num_workers must be >= 1, got %d", c.Pool.NumWorkers)
	}
	if c.Pool.DefaultMaxMemKiB < 0 {
		return fmt.Errorf("pool.default_max_mem_kib must be >= 0, got %d", c.Pool.DefaultMaxMemKiB)
	}
	if c.Interp.InitSnippet != "" && c.Interp.InitSnippetFile != "" {
		return fmt.Errorf("interpreter.init_snippet and interpreter.init_snippet_file are mutually exclusive")
	}
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Admin.Enabled && c.Admin.Path == "" {
		return fmt.Errorf("admin.path is required when admin is enabled")
	}
	return nil
}
