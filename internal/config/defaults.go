package config

import "time"

// Default returns a Config populated with scriptd's baseline defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address: "0.0.0.0:8080",
		},
		Interp: InterpConfig{
			Binary: "",
			Args:   nil,
		},
		Pool: PoolConfig{
			NumWorkers:       0, // resolved to runtime.NumCPU() in Load
			DefaultMaxMemKiB: 131072,
			AllocateTimeout:  Duration(30 * time.Second),
			EvalTimeout:      Duration(30 * time.Second),
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Watch: WatchConfig{
			Enabled: false,
			Paths:   nil,
		},
		Admin: AdminConfig{
			Enabled: false,
			Path:    "/admin/status",
		},
	}
}
