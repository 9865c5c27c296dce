package breaker

import (
	"fmt"
	"strings"
	"time"
)

type Policy string

const (
	PolicyConsecutive Policy = "consecutive"
	PolicyPercentage  Policy = "percentage"
	PolicyTotal       Policy = "total"
)

type Config struct {
	Name                 string        `json:"name"`
	Policy               Policy        `json:"policy"`
	FailureThreshold     int           `json:"failure_threshold"`
	WindowSize           int           `json:"window_size"`
	FailureRateThreshold float64       `json:"failure_rate_threshold"`
	ResetTimeout         time.Duration `json:"reset_timeout"`
	HalfOpenMaxTrials    int           `json:"half_open_max_trials"`
}

func DefaultConfig(name string) Config {
	return Config{
		Name:                 name,
		Policy:               PolicyConsecutive,
		FailureThreshold:     5,
		WindowSize:           10,
		FailureRateThreshold: 0.5,
		ResetTimeout:         60 * time.Second,
		HalfOpenMaxTrials:    3,
	}
}

// ConfigError lists every problem found in a Config.
type ConfigError struct {
	Name     string
	Problems []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("breaker %q: invalid config: %s", e.Name, strings.Join(e.Problems, "; "))
}

func (cfg Config) Validate() error {
	var problems []string
	if strings.TrimSpace(cfg.Name) == "" {
		problems = append(problems, "name must not be empty")
	}

	switch cfg.Policy {
	case PolicyConsecutive:
		if cfg.FailureThreshold < 1 {
			problems = append(problems, "failure_threshold must be at least 1")
		}
	case PolicyPercentage:
		if cfg.WindowSize < 1 {
			problems = append(problems, "window_size must be at least 1")
		}
		if cfg.FailureRateThreshold <= 0 || cfg.FailureRateThreshold > 1 {
			problems = append(problems, "failure_rate_threshold must be in (0, 1]")
		}
	case PolicyTotal:
		if cfg.FailureThreshold < 1 {
			problems = append(problems, "failure_threshold must be at least 1")
		}
		if cfg.WindowSize < 1 {
			problems = append(problems, "window_size must be at least 1")
		} else if cfg.FailureThreshold > cfg.WindowSize {
			problems = append(problems, "failure_threshold cannot exceed window_size")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown policy %q", cfg.Policy))
	}

	if cfg.ResetTimeout < 0 {
		problems = append(problems, "reset_timeout must not be negative")
	}
	if cfg.HalfOpenMaxTrials < 1 {
		problems = append(problems, "half_open_max_trials must be at least 1")
	}

	if len(problems) > 0 {
		return &ConfigError{Name: cfg.Name, Problems: problems}
	}
	return nil
}

// windowCapacity is the ring size. The consecutive policy keeps a window for
// stats only, so it falls back to the threshold when no size is set.
func (cfg Config) windowCapacity() int {
	if cfg.WindowSize > 0 {
		return cfg.WindowSize
	}
	if cfg.FailureThreshold > 0 {
		return cfg.FailureThreshold
	}
	return 1
}
