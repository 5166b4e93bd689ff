package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Address != "0.0.0.0:8080" {
		t.Errorf("expected default address 0.0.0.0:8080, got %s", cfg.Server.Address)
	}
	if cfg.Pool.DefaultMaxMemKiB != 131072 {
		t.Errorf("expected default_max_mem_kib 131072, got %d", cfg.Pool.DefaultMaxMemKiB)
	}
	if cfg.Pool.AllocateTimeout.Duration() != 30*time.Second {
		t.Errorf("expected allocate_timeout 30s, got %s", cfg.Pool.AllocateTimeout.Duration())
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Logging.Level)
	}
}

func TestLoadValidConfig(t *testing.T) {
	yaml := `
server:
  address: "0.0.0.0:9090"
interpreter:
  binary: "/usr/bin/lua"
  args: ["--strict"]
  init_snippet: "local x = 1"
pool:
  num_workers: 8
  default_max_mem_kib: 65536
  allocate_timeout: "15s"
  eval_timeout: "5s"
logging:
  level: "debug"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "scriptd.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.Address != "0.0.0.0:9090" {
		t.Errorf("expected address 0.0.0.0:9090, got %s", cfg.Server.Address)
	}
	if cfg.Interp.Binary != "/usr/bin/lua" {
		t.Errorf("expected interpreter binary /usr/bin/lua, got %s", cfg.Interp.Binary)
	}
	if len(cfg.Interp.Args) != 1 || cfg.Interp.Args[0] != "--strict" {
		t.Errorf("expected args [--strict], got %v", cfg.Interp.Args)
	}
	if cfg.Pool.NumWorkers != 8 {
		t.Errorf("expected num_workers 8, got %d", cfg.Pool.NumWorkers)
	}
	if cfg.Pool.DefaultMaxMemKiB != 65536 {
		t.Errorf("expected default_max_mem_kib 65536, got %d", cfg.Pool.DefaultMaxMemKiB)
	}
	if cfg.Pool.AllocateTimeout.Duration() != 15*time.Second {
		t.Errorf("expected allocate_timeout 15s, got %s", cfg.Pool.AllocateTimeout.Duration())
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/scriptd.yaml")
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestLoadResolvesNumWorkersFromRuntime(t *testing.T) {
	yaml := `
server:
  address: "0.0.0.0:8080"
interpreter:
  binary: "/usr/bin/lua"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "scriptd.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Pool.NumWorkers < 1 {
		t.Errorf("expected num_workers to be resolved to >= 1, got %d", cfg.Pool.NumWorkers)
	}
}

func TestValidateMissingBinary(t *testing.T) {
	cfg := Default()
	cfg.Server.Address = "0.0.0.0:8080"
	cfg.Interp.Binary = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for missing interpreter binary")
	}
}

func TestValidateNumWorkersZero(t *testing.T) {
	cfg := Default()
	cfg.Interp.Binary = "/usr/bin/lua"
	cfg.Pool.NumWorkers = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for num_workers=0")
	}
}

func TestValidateNegativeMaxMem(t *testing.T) {
	cfg := Default()
	cfg.Interp.Binary = "/usr/bin/lua"
	cfg.Pool.NumWorkers = 4
	cfg.Pool.DefaultMaxMemKiB = -1
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for negative default_max_mem_kib")
	}
}

func TestValidateMutuallyExclusiveInitSnippet(t *testing.T) {
	cfg := Default()
	cfg.Interp.Binary = "/usr/bin/lua"
	cfg.Pool.NumWorkers = 4
	cfg.Interp.InitSnippet = "x = 1"
	cfg.Interp.InitSnippetFile = "init.lua"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for mutually exclusive init snippet fields")
	}
}

func TestValidateAdminPathRequired(t *testing.T) {
	cfg := Default()
	cfg.Interp.Binary = "/usr/bin/lua"
	cfg.Pool.NumWorkers = 4
	cfg.Admin.Enabled = true
	cfg.Admin.Path = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for enabled admin without path")
	}
}
