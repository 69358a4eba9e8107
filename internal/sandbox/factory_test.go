package sandbox

import (
	"context"
	"errors"
	"slices"
	"testing"
)

func testFactory(cfg FactoryConfig, runtimes ...Runtime) *Factory {
	f := NewFactory(cfg, nil)
	f.detect = func() []Runtime { return runtimes }
	return f
}

func TestFactory_Create(t *testing.T) {
	tests := []struct {
		name     string
		runtimes []Runtime
		prefer   bool
		require  bool
		wantKind string
		wantErr  error
	}{
		{"process by default", []Runtime{RuntimeDocker}, false, false, "process", nil},
		{"container when preferred", []Runtime{RuntimePodman}, true, false, "container", nil},
		{"fallback without runtime", nil, true, false, "process", nil},
		{"strict without runtime", nil, true, true, "", ErrRuntimeUnavailable},
		{"strict implies container", []Runtime{RuntimeDocker}, false, true, "container", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := testFactory(FactoryConfig{
				Process:          ProcessConfig{BaseDir: t.TempDir()},
				RequireContainer: tt.require,
			}, tt.runtimes...)
			b, err := f.Create(DefaultProfile(), tt.prefer)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if b.Kind() != tt.wantKind {
				t.Errorf("kind = %s, want %s", b.Kind(), tt.wantKind)
			}
			if b.State() != StateUninitialized {
				t.Errorf("Create acquired resources: state = %s", b.State())
			}
		})
	}
}

func TestFactory_ContainerUsesDetectedRuntime(t *testing.T) {
	f := testFactory(FactoryConfig{}, RuntimePodman)
	b, err := f.Create(DefaultProfile(), true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	cs, ok := b.(*ContainerSandbox)
	if !ok {
		t.Fatalf("backend = %T, want *ContainerSandbox", b)
	}
	if cs.Runtime() != RuntimePodman {
		t.Errorf("runtime = %s, want podman", cs.Runtime())
	}
}

func TestFactory_InvalidProfile(t *testing.T) {
	p := DefaultProfile()
	p.TimeoutSeconds = 0
	if _, err := testFactory(FactoryConfig{}).Create(p, false); err == nil {
		t.Fatal("expected error for invalid profile")
	}
}

func TestDetectRuntimes_PreferenceOrder(t *testing.T) {
	probe := func(_ context.Context, rt Runtime) bool { return true }
	if got := detectRuntimes(context.Background(), probe); !slices.Equal(got, []Runtime{RuntimeDocker, RuntimePodman}) {
		t.Errorf("detectRuntimes = %v", got)
	}

	onlyPodman := func(_ context.Context, rt Runtime) bool { return rt == RuntimePodman }
	if got := detectRuntimes(context.Background(), onlyPodman); !slices.Equal(got, []Runtime{RuntimePodman}) {
		t.Errorf("detectRuntimes = %v", got)
	}

	none := func(context.Context, Runtime) bool { return false }
	if got := detectRuntimes(context.Background(), none); len(got) != 0 {
		t.Errorf("detectRuntimes = %v, want none", got)
	}
}

func TestDetectRuntimes_Cached(t *testing.T) {
	first := DetectRuntimes()
	second := DetectRuntimes()
	if !slices.Equal(first, second) {
		t.Errorf("cached detection changed: %v vs %v", first, second)
	}
	if len(first) > 0 {
		first[0] = "mutated"
		if DetectRuntimes()[0] == "mutated" {
			t.Error("DetectRuntimes exposes its cache")
		}
	}
	rt, ok := PreferredRuntime()
	if ok != (len(second) > 0) || (ok && rt != second[0]) {
		t.Errorf("PreferredRuntime = %q, %v; detected %v", rt, ok, second)
	}
}

func TestParseRuntime(t *testing.T) {
	for in, want := range map[string]Runtime{"": "", "auto": "", "docker": RuntimeDocker, "podman": RuntimePodman} {
		got, err := ParseRuntime(in)
		if err != nil || got != want {
			t.Errorf("ParseRuntime(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseRuntime("lxc"); err == nil {
		t.Error("expected error for unknown runtime")
	}
}

func TestUse_CleansUpOnError(t *testing.T) {
	sbx, err := NewProcessSandbox(DefaultProfile(), ProcessConfig{BaseDir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("NewProcessSandbox: %v", err)
	}
	boom := errors.New("boom")
	err = Use(context.Background(), sbx, func(b Backend) error {
		if b.State() != StateReady {
			t.Errorf("state inside Use = %s, want ready", b.State())
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	if sbx.State() != StateCleanedUp {
		t.Errorf("state = %s, want cleaned_up", sbx.State())
	}
}

func TestUse_CleansUpOnPanic(t *testing.T) {
	sbx, err := NewProcessSandbox(DefaultProfile(), ProcessConfig{BaseDir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("NewProcessSandbox: %v", err)
	}
	func() {
		defer func() { _ = recover() }()
		_ = Use(context.Background(), sbx, func(Backend) error { panic("boom") })
	}()
	if sbx.State() != StateCleanedUp {
		t.Errorf("state = %s, want cleaned_up", sbx.State())
	}
}
