package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/ngome/internal/sandbox"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Sandbox.GracePeriod() != time.Second {
		t.Errorf("grace period = %v, want 1s", cfg.Sandbox.GracePeriod())
	}
	if cfg.Reaper.MaxAge() != time.Hour {
		t.Errorf("reaper max age = %v, want 1h", cfg.Reaper.MaxAge())
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.Profile.MaxMemoryMB != 512 {
		t.Errorf("max_memory_mb = %d, want 512", cfg.Sandbox.Profile.MaxMemoryMB)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "ngome.yaml", `
logging:
  level: debug
sandbox:
  prefer_container: true
  runtime: podman
  profile:
    max_memory_mb: 128
    allowed_commands: [echo, python3]
reaper:
  schedule: "*/5 * * * *"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
	if !cfg.Sandbox.PreferContainer || cfg.ContainerRuntime() != sandbox.RuntimePodman {
		t.Errorf("sandbox = %+v", cfg.Sandbox)
	}
	p := cfg.Sandbox.Profile
	if p.MaxMemoryMB != 128 {
		t.Errorf("max_memory_mb = %d, want 128", p.MaxMemoryMB)
	}
	if p.TimeoutSeconds != 30 {
		t.Errorf("unset timeout_seconds = %d, want default 30", p.TimeoutSeconds)
	}
	if !slices.Equal(p.AllowedCommands, []string{"echo", "python3"}) {
		t.Errorf("allowed_commands = %v", p.AllowedCommands)
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "ngome.json", `{"server": {"listen_addr": "127.0.0.1:9191"}, "sandbox": {"max_output_bytes": 4096}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != "127.0.0.1:9191" || cfg.Sandbox.MaxOutputBytes != 4096 {
		t.Errorf("cfg = %+v %+v", cfg.Server, cfg.Sandbox)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("NGOME_WORKSPACE", "/srv/ngome")
	t.Setenv("NGOME_LOG_LEVEL", "warn")
	t.Setenv("NGOME_SANDBOX_IMAGE", "busybox:1.36")
	t.Setenv("NGOME_CONTAINER_RUNTIME", "docker")
	t.Setenv("NGOME_LISTEN_ADDR", ":8088")

	path := writeFile(t, "ngome.yaml", "logging:\n  level: debug\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workspace != "/srv/ngome" || cfg.Logging.Level != "warn" ||
		cfg.Sandbox.Image != "busybox:1.36" || cfg.Sandbox.Runtime != "docker" ||
		cfg.Server.ListenAddr != ":8088" {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"bad yaml", "c.yaml", "logging: [", "parsing YAML"},
		{"bad json", "c.json", "{", "parsing JSON"},
		{"log level", "c.yaml", "logging:\n  level: loud\n", "logging.level"},
		{"runtime", "c.yaml", "sandbox:\n  runtime: lxc\n", "sandbox.runtime"},
		{"negative grace", "c.yaml", "sandbox:\n  grace_period_ms: -1\n", "grace_period_ms"},
		{"zero memory", "c.yaml", "sandbox:\n  profile:\n    max_memory_mb: 0\n", "max_memory_mb"},
		{"cpu above 100", "c.yaml", "sandbox:\n  profile:\n    max_cpu_percent: 150\n", "max_cpu_percent"},
		{"reaper schedule", "c.yaml", "reaper:\n  schedule: every now and then\n", "reaper.schedule"},
		{"tracing protocol", "c.yaml", "observability:\n  tracing:\n    enabled: true\n    protocol: udp\n", "tracing.protocol"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestFactoryConfig(t *testing.T) {
	cfg := Default()
	cfg.Sandbox.Runtime = "podman"
	cfg.Sandbox.RequireContainer = true
	funcs := sandbox.NewFuncRegistry()

	fc := cfg.FactoryConfig("/var/lib/ngome/sandbox", funcs)
	if fc.Process.BaseDir != "/var/lib/ngome/sandbox" || fc.Process.Functions != funcs {
		t.Errorf("process config = %+v", fc.Process)
	}
	if fc.Process.GracePeriod != time.Second || fc.Container.GracePeriod != time.Second {
		t.Error("grace period not propagated")
	}
	if fc.Container.Runtime != sandbox.RuntimePodman || fc.Container.Image != "alpine:3.20" {
		t.Errorf("container config = %+v", fc.Container)
	}
	if !fc.RequireContainer {
		t.Error("require_container not propagated")
	}
}
