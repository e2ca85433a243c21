package config

import "time"

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Supervisor: SupervisorConfig{
			Workers:     0, // CPU count
			GracePeriod: Duration(10 * time.Second),
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
	}
}
