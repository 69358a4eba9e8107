// Package config handles loading and validating ngome configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/ngome/internal/sandbox"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for ngome.
type Config struct {
	Workspace     string              `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Default: ~/.ngome/workspace. Override: NGOME_WORKSPACE.
	Logging       LoggingConfig       `json:"logging" yaml:"logging"`
	Sandbox       SandboxConfig       `json:"sandbox" yaml:"sandbox"`
	Server        ServerConfig        `json:"server" yaml:"server"`
	Reaper        ReaperConfig        `json:"reaper" yaml:"reaper"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
}

// LoggingConfig configures the process-wide slog handler.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error. Override: NGOME_LOG_LEVEL.
	Format string `json:"format" yaml:"format"` // "json" (default) or "text".
}

// SandboxConfig selects and tunes the sandbox backends.
type SandboxConfig struct {
	PreferContainer    bool   `json:"prefer_container" yaml:"prefer_container"`
	RequireContainer   bool   `json:"require_container" yaml:"require_container"`     // Fail instead of falling back to the process backend.
	Runtime            string `json:"runtime,omitempty" yaml:"runtime,omitempty"`     // "", "auto", "docker" or "podman". Override: NGOME_CONTAINER_RUNTIME.
	Image              string `json:"image,omitempty" yaml:"image,omitempty"`         // Override: NGOME_SANDBOX_IMAGE.
	GracePeriodMS      int    `json:"grace_period_ms" yaml:"grace_period_ms"`         // Default: 1000
	MonitorIntervalMS  int    `json:"monitor_interval_ms" yaml:"monitor_interval_ms"` // Default: 1000
	MaxOutputBytes     int    `json:"max_output_bytes" yaml:"max_output_bytes"`       // Per stream. Default: 1 MiB
	NamespaceIsolation bool   `json:"namespace_isolation" yaml:"namespace_isolation"` // Linux user+network namespaces for the process backend.

	Profile sandbox.ResourceProfile `json:"profile" yaml:"profile"`
}

// GracePeriod returns the SIGTERM to SIGKILL wait.
func (s SandboxConfig) GracePeriod() time.Duration {
	return time.Duration(s.GracePeriodMS) * time.Millisecond
}

// MonitorInterval returns the resource sampling interval.
func (s SandboxConfig) MonitorInterval() time.Duration {
	return time.Duration(s.MonitorIntervalMS) * time.Millisecond
}

// ServerConfig configures the health and metrics HTTP server of `ngome serve`.
type ServerConfig struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"` // Default: ":9090". Override: NGOME_LISTEN_ADDR.
}

// ReaperConfig configures the stale sandbox directory sweep.
type ReaperConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Schedule      string `json:"schedule" yaml:"schedule"`               // Cron spec. Default: "@every 10m"
	MaxAgeMinutes int    `json:"max_age_minutes" yaml:"max_age_minutes"` // Default: 60
}

// MaxAge returns the age after which a sandbox directory is considered orphaned.
func (r ReaperConfig) MaxAge() time.Duration {
	return time.Duration(r.MaxAgeMinutes) * time.Minute
}

// ObservabilityConfig configures metrics, tracing and anomaly detection.
type ObservabilityConfig struct {
	Metrics MetricsConfig  `json:"metrics" yaml:"metrics"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"` // nil = tracing disabled
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"` // nil = anomaly detection disabled
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "ngome"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0-1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// AnomalyConfig configures the per-backend error rate detector.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% failed executions
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Default: 300
}

// Default returns a configuration that is valid without any file.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Sandbox: SandboxConfig{
			Image:             "alpine:3.20",
			GracePeriodMS:     1000,
			MonitorIntervalMS: 1000,
			MaxOutputBytes:    1 << 20,
			Profile:           sandbox.DefaultProfile(),
		},
		Server: ServerConfig{ListenAddr: ":9090"},
		Reaper: ReaperConfig{
			Enabled:       true,
			Schedule:      "@every 10m",
			MaxAgeMinutes: 60,
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		},
	}
}

// DefaultConfigPath returns the default config file path (~/.ngome/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/ngome.yaml"
	}
	return filepath.Join(home, ".ngome", "config.yaml")
}

// Load reads a JSON or YAML config file over the defaults and returns a
// validated Config. The format is detected by file extension: .yml/.yaml
// for YAML, everything else for JSON. An empty path skips the file.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}
		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		}
	}

	cfg.applyEnv(os.Getenv)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("NGOME_WORKSPACE"); v != "" {
		c.Workspace = v
	}
	if v := getenv("NGOME_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := getenv("NGOME_SANDBOX_IMAGE"); v != "" {
		c.Sandbox.Image = v
	}
	if v := getenv("NGOME_CONTAINER_RUNTIME"); v != "" {
		c.Sandbox.Runtime = v
	}
	if v := getenv("NGOME_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ContainerRuntime returns the parsed runtime preference.
func (c *Config) ContainerRuntime() sandbox.Runtime {
	rt, _ := sandbox.ParseRuntime(c.Sandbox.Runtime)
	return rt
}

// FactoryConfig translates the sandbox section into backend configuration.
// baseDir and funcs are supplied by the caller since they come from the
// workspace and the binary's registered functions.
func (c *Config) FactoryConfig(baseDir string, funcs *sandbox.FuncRegistry) sandbox.FactoryConfig {
	s := c.Sandbox
	return sandbox.FactoryConfig{
		Process: sandbox.ProcessConfig{
			BaseDir:            baseDir,
			GracePeriod:        s.GracePeriod(),
			MonitorInterval:    s.MonitorInterval(),
			MaxOutputBytes:     s.MaxOutputBytes,
			Functions:          funcs,
			NamespaceIsolation: s.NamespaceIsolation,
		},
		Container: sandbox.ContainerConfig{
			Image:          s.Image,
			Runtime:        c.ContainerRuntime(),
			GracePeriod:    s.GracePeriod(),
			MaxOutputBytes: s.MaxOutputBytes,
		},
		RequireContainer: s.RequireContainer,
	}
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported (use debug, info, warn or error)", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not supported (use json or text)", c.Logging.Format)
	}

	if c.Sandbox.GracePeriodMS < 0 {
		return fmt.Errorf("sandbox.grace_period_ms must not be negative")
	}
	if c.Sandbox.MonitorIntervalMS < 0 {
		return fmt.Errorf("sandbox.monitor_interval_ms must not be negative")
	}
	if c.Sandbox.MaxOutputBytes < 0 {
		return fmt.Errorf("sandbox.max_output_bytes must not be negative")
	}
	if _, err := sandbox.ParseRuntime(c.Sandbox.Runtime); err != nil {
		return fmt.Errorf("sandbox.runtime: %w", err)
	}
	if err := c.Sandbox.Profile.Validate(); err != nil {
		return fmt.Errorf("sandbox.profile: %w", err)
	}

	if c.Reaper.Enabled {
		if _, err := cron.ParseStandard(c.Reaper.Schedule); err != nil {
			return fmt.Errorf("reaper.schedule %q: %w", c.Reaper.Schedule, err)
		}
		if c.Reaper.MaxAgeMinutes <= 0 {
			return fmt.Errorf("reaper.max_age_minutes must be positive")
		}
	}

	if t := c.Observability.Tracing; t != nil && t.Enabled {
		switch t.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", t.Protocol)
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}
	if a := c.Observability.Anomaly; a != nil && a.Enabled {
		if a.ErrorRateThreshold <= 0 || a.ErrorRateThreshold > 1 {
			return fmt.Errorf("observability.anomaly.error_rate_threshold must be between 0 and 1")
		}
		if a.WindowSeconds < 0 {
			return fmt.Errorf("observability.anomaly.window_seconds must not be negative")
		}
	}
	return nil
}
