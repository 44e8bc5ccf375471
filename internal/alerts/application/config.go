package application

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines alerting configuration.
type Config struct {
	Buffer         time.Duration `yaml:"buffer"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	SweepEnabled   bool          `yaml:"sweep_enabled"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// LoadConfig loads alert configuration from the yaml file named by
// ALERTS_CONFIG, falling back to defaults when unset.
func LoadConfig() (Config, error) {
	cfg := Config{
		Buffer:         DefaultBuffer,
		SweepInterval:  time.Minute,
		SweepEnabled:   true,
		RequestTimeout: 10 * time.Second,
	}
	if path := os.Getenv("ALERTS_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return cfg, nil
}
