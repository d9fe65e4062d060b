package config

import (
	"fmt"
	"strings"
	"time"
)

// ObservabilityConfig holds configuration for the observability server (metrics, probes).
type ObservabilityConfig struct {
	// Port defines where the observability server listens.
	Port string `envconfig:"PORT" default:"9090"`

	// Timeout is the unified safety valve for Read/Write/Idle operations and probe checks.
	Timeout time.Duration `envconfig:"TIMEOUT" default:"5s" validate:"min=1s"`

	LivenessPath  string `envconfig:"LIVENESS_PATH" default:"/health/live"`
	ReadinessPath string `envconfig:"READINESS_PATH" default:"/health/ready"`
	MetricsPath   string `envconfig:"METRICS_PATH" default:"/metrics"`
}

// Validate checks ObservabilityConfig fields for correctness.
func (o *ObservabilityConfig) Validate() error {
	if err := validatePort(o.Port, "observability"); err != nil {
		return err
	}
	seen := make(map[string]string, 3)
	for _, route := range []struct{ name, path string }{
		{"liveness", o.LivenessPath},
		{"readiness", o.ReadinessPath},
		{"metrics", o.MetricsPath},
	} {
		if !strings.HasPrefix(route.path, "/") {
			return fmt.Errorf("observability %s path must start with '/', got %q", route.name, route.path)
		}
		if other, dup := seen[route.path]; dup {
			return fmt.Errorf("observability %s and %s paths must differ, got %q", other, route.name, route.path)
		}
		seen[route.path] = route.name
	}
	return nil
}
